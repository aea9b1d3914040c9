// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/zeus911/vagent2/pkg/metrics"
)

// DefaultRealm is used in WWW-Authenticate when Config.Realm is empty.
const DefaultRealm = "varnish-agent"

// Config holds the dispatcher configuration.
type Config struct {
	// Token is the shared secret compared against Basic credentials.
	Token string

	// ReadOnly refuses every method except GET, HEAD and OPTIONS.
	ReadOnly bool

	// Realm is announced in the WWW-Authenticate challenge.
	Realm string

	// SecretFile is named in the 401 body as the place holding generated
	// credentials.
	SecretFile string

	// Logger for dispatch events
	Logger *slog.Logger

	// Metrics is optional.
	Metrics *metrics.Metrics
}

// Dispatcher drives per-connection state through the transport callbacks
// and routes finalized requests.
type Dispatcher struct {
	config   Config
	registry *Registry
	gate     *Gate
	help     atomic.Pointer[string]
}

// NewDispatcher creates a dispatcher serving the routes of reg.
func NewDispatcher(cfg Config, reg *Registry) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Realm == "" {
		cfg.Realm = DefaultRealm
	}
	if reg == nil {
		reg = NewRegistry()
	}

	return &Dispatcher{
		config:   cfg,
		registry: reg,
		gate:     NewGate(cfg.Token),
	}
}

// Handle is invoked by the transport for every event of a request. The
// transport keeps *slot for the lifetime of the connection and reports the
// unconsumed body bytes in upload:
//
//  1. first call of a request: state is created or reset, auth is checked
//  2. body calls, len(upload) > 0: bytes are buffered
//  3. finalize call, len(upload) == 0: the request is dispatched and
//     exactly one response is queued
//
// Handle returns the number of upload bytes consumed.
func (d *Dispatcher) Handle(conn Conn, method, url string, upload []byte, slot **ConnState) int {
	state := *slot
	if state == nil || state.phase == PhaseClosed {
		state = newConnState()
		*slot = state
	}

	switch state.phase {
	case PhaseCreated:
		d.gate.CheckAuth(conn, state)
		state.begin()
		return 0
	case PhaseAwaitingBody:
		if len(upload) > 0 {
			state.appendBody(upload)
			return len(upload)
		}
		d.finalize(conn, method, url, state)
		return 0
	default:
		// A callback during dispatch means the transport broke ordering.
		d.config.Logger.Error("unexpected callback",
			slog.String("phase", state.phase.String()),
			slog.String("method", method),
			slog.String("url", url))
		return len(upload)
	}
}

// Completed releases the connection state. It is safe to call more than once.
func (d *Dispatcher) Completed(slot **ConnState) {
	if *slot == nil {
		return
	}
	(*slot).release()
	*slot = nil
}

func (d *Dispatcher) finalize(conn Conn, method, url string, state *ConnState) {
	start := time.Now()
	defer state.reset()

	req := &Request{
		Method:    ParseMethod(method),
		RawMethod: method,
		URL:       url,
		Body:      state.finalize(),
		Conn:      conn,
	}
	// Labels use the parsed method so client tokens cannot grow the series set.
	defer d.config.Metrics.ObserveDispatch(req.Method.String(), start)
	if req.Body != nil {
		d.config.Metrics.ObserveBody(len(req.Body))
	}

	d.config.Logger.Debug("request",
		slog.String("method", method),
		slog.String("url", url),
		slog.String("remote", conn.RemoteAddr()))

	d.dispatch(req, state)
}

func (d *Dispatcher) dispatch(req *Request, state *ConnState) {
	if d.config.ReadOnly && req.Method != MethodGet && req.Method != MethodOptions {
		d.config.Logger.Info("read-only mode and not a GET, HEAD or OPTIONS request",
			slog.String("method", req.RawMethod),
			slog.String("url", req.URL))
		d.config.Metrics.ReadOnlyRejected()
		d.reply(req.Conn, http.StatusMethodNotAllowed, "Read-only mode")
		return
	}

	// Preflight requests never carry credentials.
	if req.Method == MethodOptions {
		d.reply(req.Conn, http.StatusOK, "")
		return
	}

	if d.gate.CheckAuth(req.Conn, state) {
		d.config.Logger.Debug("authorization required",
			slog.String("url", req.URL),
			slog.String("remote", req.Conn.RemoteAddr()))
		d.config.Metrics.AuthFailed()
		d.sendAuthRequired(req.Conn)
		return
	}

	if d.registry.Match(req) {
		return
	}

	if req.Method == MethodGet && req.URL == "/" {
		d.reply(req.Conn, http.StatusOK, d.helpPage())
		return
	}

	d.reply(req.Conn, http.StatusInternalServerError, "Failed")
}

func (d *Dispatcher) sendAuthRequired(conn Conn) {
	body := "Authorize, please.\n"
	if d.config.SecretFile != "" {
		body += fmt.Sprintf("\nIf Varnish Agent was installed from packages, the %s file contains generated credentials.\n", d.config.SecretFile)
	}

	resp := NewResponse(conn, http.StatusUnauthorized, []byte(body))
	resp.AddHeader("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", d.config.Realm))
	if err := resp.Send(); err != nil {
		d.queueFailed(conn, err)
	}
}

func (d *Dispatcher) reply(conn Conn, status int, body string) {
	if err := Reply(conn, status, body); err != nil {
		d.queueFailed(conn, err)
	}
}

func (d *Dispatcher) queueFailed(conn Conn, err error) {
	d.config.Metrics.QueueFailed()
	d.config.Logger.Warn("failed to queue response",
		slog.String("remote", conn.RemoteAddr()),
		slog.String("error", err.Error()))
}

// helpPage returns the cached route listing, building it on first use.
// Concurrent builders produce identical pages; the last store wins.
func (d *Dispatcher) helpPage() string {
	if p := d.help.Load(); p != nil {
		return *p
	}
	page := helpPage(d.registry.Routes())
	d.help.Store(&page)
	return page
}
