// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/zeus911/vagent2/pkg/metrics"
)

const testToken = "dGVzdDp0ZXN0" // test:test

var authHeader = map[string]string{"Authorization": "Basic " + testToken}

func newTestDispatcher(cfg Config, reg *Registry) *Dispatcher {
	cfg.Token = testToken
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewDispatcher(cfg, reg)
}

func okHandler(req *Request, rest string, data any) {
	Reply(req.Conn, 200, "ok")
}

func TestDispatcher_CallbackPhases(t *testing.T) {
	d := newTestDispatcher(Config{}, nil)
	conn := newFakeConn(authHeader)
	var slot *ConnState

	if n := d.Handle(conn, "POST", "/x", nil, &slot); n != 0 {
		t.Errorf("Expected first call to consume nothing, got %d", n)
	}
	if slot == nil {
		t.Fatal("Expected state to be created on first call")
	}
	if slot.Phase() != PhaseAwaitingBody {
		t.Errorf("Expected phase awaiting_body, got %s", slot.Phase())
	}
	if len(conn.queued) != 0 {
		t.Error("Expected no response on first call")
	}

	if n := d.Handle(conn, "POST", "/x", []byte("abc"), &slot); n != 3 {
		t.Errorf("Expected 3 bytes consumed, got %d", n)
	}
	if len(conn.queued) != 0 {
		t.Error("Expected no response on body call")
	}

	d.Handle(conn, "POST", "/x", nil, &slot)
	if len(conn.queued) != 1 {
		t.Fatalf("Expected exactly one response, got %d", len(conn.queued))
	}
	if slot.Phase() != PhaseCreated {
		t.Errorf("Expected state to be ready for the next request, got %s", slot.Phase())
	}

	state := slot
	d.Completed(&slot)
	if slot != nil {
		t.Error("Expected slot to be cleared")
	}
	if state.Phase() != PhaseClosed {
		t.Errorf("Expected closed phase, got %s", state.Phase())
	}
	d.Completed(&slot)
}

func TestDispatcher_ChunkedBody(t *testing.T) {
	var body []byte
	reg := NewRegistry()
	reg.Register("/echo", MethodPost, func(req *Request, rest string, data any) {
		body = req.Body
		Reply(req.Conn, 200, "")
	}, nil)

	d := newTestDispatcher(Config{}, reg)
	conn := newFakeConn(authHeader)
	var slot *ConnState
	roundTrip(d, conn, &slot, "POST", "/echo", "ab", "cd", "ef")

	if string(body) != "abcdef" {
		t.Errorf("Expected body 'abcdef', got %q", body)
	}
}

func TestDispatcher_UnauthenticatedBodyIsDropped(t *testing.T) {
	reg := NewRegistry()
	reg.Register("/echo", MethodPost, okHandler, nil)

	d := newTestDispatcher(Config{}, reg)
	conn := newFakeConn(nil)
	var slot *ConnState

	d.Handle(conn, "POST", "/echo", nil, &slot)
	if slot.body != nil {
		t.Error("Expected no body buffer for unauthenticated connection")
	}
	if n := d.Handle(conn, "POST", "/echo", []byte("data"), &slot); n != 4 {
		t.Errorf("Expected all bytes reported consumed, got %d", n)
	}
	d.Handle(conn, "POST", "/echo", nil, &slot)

	if conn.last().status != 401 {
		t.Errorf("Expected 401, got %d", conn.last().status)
	}
}

func TestDispatcher_AuthRequired(t *testing.T) {
	called := false
	reg := NewRegistry()
	reg.Register("/secret", MethodGet, func(req *Request, rest string, data any) {
		called = true
		Reply(req.Conn, 200, "")
	}, nil)

	d := newTestDispatcher(Config{Realm: "test-realm", SecretFile: "/etc/agent_secret"}, reg)
	conn := newFakeConn(nil)
	var slot *ConnState
	roundTrip(d, conn, &slot, "GET", "/secret")

	q := conn.last()
	if q.status != 401 {
		t.Fatalf("Expected 401, got %d", q.status)
	}
	if called {
		t.Error("Expected route not to be invoked without credentials")
	}
	if v := headerValues(q.header, "WWW-Authenticate"); len(v) != 1 || v[0] != `Basic realm="test-realm"` {
		t.Errorf("Unexpected WWW-Authenticate %v", v)
	}
	if !strings.Contains(string(q.body), "/etc/agent_secret") {
		t.Errorf("Expected body to name the secret file, got %q", q.body)
	}
	if v := headerValues(q.header, "Access-Control-Allow-Origin"); len(v) != 1 {
		t.Error("Expected CORS headers on 401")
	}
}

func TestDispatcher_AuthOnFinalizeCall(t *testing.T) {
	reg := NewRegistry()
	reg.Register("/x", MethodGet, okHandler, nil)

	d := newTestDispatcher(Config{}, reg)
	var slot *ConnState

	// Credentials become visible only on the finalize call.
	d.Handle(newFakeConn(nil), "GET", "/x", nil, &slot)
	conn := newFakeConn(authHeader)
	d.Handle(conn, "GET", "/x", nil, &slot)

	if conn.last().status != 200 {
		t.Errorf("Expected 200, got %d", conn.last().status)
	}
}

func TestDispatcher_PreflightWithoutCredentials(t *testing.T) {
	paths := []string{"/", "/anything", "/secret/deep"}
	for _, p := range paths {
		t.Run(p, func(t *testing.T) {
			d := newTestDispatcher(Config{}, nil)
			conn := newFakeConn(map[string]string{"Origin": "https://ui.example"})
			var slot *ConnState
			roundTrip(d, conn, &slot, "OPTIONS", p)

			q := conn.last()
			if q.status != 200 {
				t.Errorf("Expected 200, got %d", q.status)
			}
			if len(q.body) != 0 {
				t.Errorf("Expected empty body, got %q", q.body)
			}
			if v := headerValues(q.header, "Access-Control-Allow-Origin"); len(v) != 1 || v[0] != "https://ui.example" {
				t.Errorf("Expected echoed origin, got %v", v)
			}
		})
	}
}

func TestDispatcher_KeepAliveKeepsAuth(t *testing.T) {
	reg := NewRegistry()
	reg.Register("/x", MethodGet, okHandler, nil)

	d := newTestDispatcher(Config{}, reg)
	var slot *ConnState

	first := newFakeConn(authHeader)
	roundTrip(d, first, &slot, "GET", "/x")
	if first.last().status != 200 {
		t.Fatalf("Expected 200 on first request, got %d", first.last().status)
	}

	second := newFakeConn(nil)
	roundTrip(d, second, &slot, "GET", "/x")
	if second.last().status != 200 {
		t.Errorf("Expected 200 on second request without credentials, got %d", second.last().status)
	}

	// A new connection does not inherit the flag.
	var other *ConnState
	third := newFakeConn(nil)
	roundTrip(d, third, &other, "GET", "/x")
	if third.last().status != 401 {
		t.Errorf("Expected 401 on a fresh connection, got %d", third.last().status)
	}
}

func TestDispatcher_KeepAliveBodyBuffer(t *testing.T) {
	var bodies []string
	reg := NewRegistry()
	reg.Register("/echo", MethodPut, func(req *Request, rest string, data any) {
		bodies = append(bodies, string(req.Body))
		Reply(req.Conn, 200, "")
	}, nil)

	d := newTestDispatcher(Config{}, reg)
	conn := newFakeConn(authHeader)
	var slot *ConnState
	roundTrip(d, conn, &slot, "PUT", "/echo", "one")
	roundTrip(d, conn, &slot, "PUT", "/echo", "two")

	if len(bodies) != 2 || bodies[0] != "one" || bodies[1] != "two" {
		t.Errorf("Expected bodies [one two], got %v", bodies)
	}
}

func TestDispatcher_ReadOnly(t *testing.T) {
	var called []string
	reg := NewRegistry()
	reg.Register("/x", MethodGet|MethodPut|MethodPost|MethodDelete, func(req *Request, rest string, data any) {
		called = append(called, req.RawMethod)
		Reply(req.Conn, 200, "")
	}, nil)

	tests := []struct {
		method string
		want   int
	}{
		{"PUT", 405},
		{"POST", 405},
		{"DELETE", 405},
		{"PATCH", 405},
		{"GET", 200},
		{"HEAD", 200},
		{"OPTIONS", 200},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			called = nil
			d := newTestDispatcher(Config{ReadOnly: true}, reg)
			conn := newFakeConn(authHeader)
			var slot *ConnState
			roundTrip(d, conn, &slot, tt.method, "/x")

			q := conn.last()
			if q.status != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, q.status)
			}
			if tt.want == 405 {
				if string(q.body) != "Read-only mode" {
					t.Errorf("Unexpected body %q", q.body)
				}
				if len(called) != 0 {
					t.Error("Expected handler not to run")
				}
			}
		})
	}
}

func TestDispatcher_ReadOnlyBeforeAuth(t *testing.T) {
	d := newTestDispatcher(Config{ReadOnly: true}, nil)
	conn := newFakeConn(nil)
	var slot *ConnState
	roundTrip(d, conn, &slot, "PUT", "/x")

	if conn.last().status != 405 {
		t.Errorf("Expected 405 without credentials, got %d", conn.last().status)
	}
}

func TestDispatcher_Fallbacks(t *testing.T) {
	tests := []struct {
		name   string
		method string
		url    string
		want   int
		body   string
	}{
		{"unknown path", "GET", "/nothing", 500, "Failed"},
		{"root with POST", "POST", "/", 500, "Failed"},
		{"unknown method", "PATCH", "/", 500, "Failed"},
		{"help page", "GET", "/", 200, helpPreamble},
		{"help page via HEAD", "HEAD", "/", 200, helpPreamble},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDispatcher(Config{}, nil)
			conn := newFakeConn(authHeader)
			var slot *ConnState
			roundTrip(d, conn, &slot, tt.method, tt.url)

			q := conn.last()
			if q.status != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, q.status)
			}
			if !strings.HasPrefix(string(q.body), tt.body) {
				t.Errorf("Expected body starting with %q, got %q", tt.body, q.body)
			}
		})
	}
}

func TestDispatcher_HelpPageEmptyRegistry(t *testing.T) {
	d := newTestDispatcher(Config{}, NewRegistry())
	conn := newFakeConn(authHeader)
	var slot *ConnState
	roundTrip(d, conn, &slot, "GET", "/")

	q := conn.last()
	if q.status != 200 {
		t.Fatalf("Expected 200, got %d", q.status)
	}
	if string(q.body) != helpPreamble+"\n" {
		t.Errorf("Expected preamble only, got %q", q.body)
	}
}

func TestDispatcher_HelpPageCached(t *testing.T) {
	reg := NewRegistry()
	reg.Register("/ping", MethodGet, okHandler, nil)
	d := newTestDispatcher(Config{}, reg)

	first := d.helpPage()
	reg.Register("/late", MethodGet, okHandler, nil)
	second := d.helpPage()

	if first != second {
		t.Error("Expected help page to be built once")
	}
	if strings.Contains(second, "/late") {
		t.Error("Expected late registrations not to appear")
	}
}

func TestDispatcher_HelpPageConcurrent(t *testing.T) {
	reg := NewRegistry()
	reg.Register("/ping", MethodGet, okHandler, nil)
	d := newTestDispatcher(Config{}, reg)

	var wg sync.WaitGroup
	pages := make([]string, 16)
	for i := range pages {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pages[i] = d.helpPage()
		}(i)
	}
	wg.Wait()

	for _, p := range pages[1:] {
		if p != pages[0] {
			t.Fatal("Expected identical help pages")
		}
	}
}

func TestHelpPage_Format(t *testing.T) {
	noop := func(*Request, string, any) {}
	reg := NewRegistry()
	reg.Register("/vcl", MethodGet|MethodPut|MethodPost|MethodDelete, noop, nil)
	reg.Register("/ping", MethodGet, noop, nil)

	page := helpPage(reg.Routes())
	want := helpPreamble +
		" - /ping                GET          \n" +
		" - /vcl                 GET PUT POST DELETE\n" +
		"\n"
	if page != want {
		t.Errorf("Unexpected help page:\n%q\nwant:\n%q", page, want)
	}
}

func TestDispatcher_HandlerSendsResponse(t *testing.T) {
	reg := NewRegistry()
	reg.Register("/file", MethodGet, func(req *Request, rest string, data any) {
		resp := NewResponse(req.Conn, 200, []byte("<html></html>"))
		resp.SetContentType(rest)
		resp.Send()
	}, nil)

	d := newTestDispatcher(Config{}, reg)
	conn := newFakeConn(authHeader)
	var slot *ConnState
	roundTrip(d, conn, &slot, "GET", "/file/index.html")

	q := conn.last()
	if v := headerValues(q.header, "Content-Type"); len(v) != 1 || v[0] != "text/html" {
		t.Errorf("Expected text/html, got %v", v)
	}
	if v := headerValues(q.header, "Access-Control-Allow-Origin"); len(v) != 1 || v[0] != "*" {
		t.Errorf("Expected wildcard origin, got %v", v)
	}
}

func TestDispatcher_Metrics(t *testing.T) {
	m := metrics.New("test", prometheus.NewRegistry())
	d := NewDispatcher(Config{
		Token:    testToken,
		ReadOnly: true,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:  m,
	}, nil)

	var slot *ConnState
	roundTrip(d, newFakeConn(nil), &slot, "GET", "/")
	roundTrip(d, newFakeConn(nil), &slot, "PUT", "/")

	failing := newFakeConn(nil)
	failing.queueErr = errors.New("gone")
	roundTrip(d, failing, &slot, "OPTIONS", "/")

	if got := testutil.ToFloat64(m.AuthFailures); got != 1 {
		t.Errorf("Expected 1 auth failure, got %v", got)
	}
	if got := testutil.ToFloat64(m.ReadOnlyRejections); got != 1 {
		t.Errorf("Expected 1 read-only rejection, got %v", got)
	}
	if got := testutil.ToFloat64(m.QueueErrors); got != 1 {
		t.Errorf("Expected 1 queue error, got %v", got)
	}
}

func TestDispatcher_MetricLabelsBounded(t *testing.T) {
	m := metrics.New("test", prometheus.NewRegistry())
	d := NewDispatcher(Config{
		Token:   testToken,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: m,
	}, nil)

	var slot *ConnState
	for i := 0; i < 500; i++ {
		roundTrip(d, newFakeConn(nil), &slot, fmt.Sprintf("X%d", i), "/")
	}
	roundTrip(d, newFakeConn(nil), &slot, "GET", "/")
	roundTrip(d, newFakeConn(nil), &slot, "HEAD", "/")

	// Unknown methods collapse into one series; HEAD shares GET's.
	if got := testutil.CollectAndCount(m.DispatchDuration); got != 2 {
		t.Errorf("Expected 2 dispatch duration series, got %d", got)
	}
}
