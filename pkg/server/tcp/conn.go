// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"bufio"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	agenterrors "github.com/zeus911/vagent2/pkg/errors"
	"github.com/zeus911/vagent2/pkg/router"
)

var headerSanitizer = strings.NewReplacer("\r", " ", "\n", " ")

// conn is the router view of one request on a client connection. The
// response queued by the dispatcher is written after the finalize call.
type conn struct {
	req    *http.Request
	remote string

	queued bool
	status int
	body   []byte
	header []router.Header
}

var _ router.Conn = (*conn)(nil)

func (c *conn) Header(key string) (string, bool) {
	if http.CanonicalHeaderKey(key) == "Host" {
		return c.req.Host, c.req.Host != ""
	}
	v := c.req.Header.Values(key)
	if len(v) == 0 {
		return "", false
	}
	return v[0], true
}

func (c *conn) Queue(status int, body []byte, header []router.Header) error {
	if c.queued {
		return agenterrors.ErrResponseQueued
	}
	c.queued = true
	c.status = status
	c.body = body
	c.header = header
	return nil
}

func (c *conn) RemoteAddr() string {
	return c.remote
}

// writeResponse writes the queued response as HTTP/1.1. Headers keep the
// order they were queued in. HEAD responses carry no body.
func (c *conn) writeResponse(w *bufio.Writer, closing bool) error {
	text := http.StatusText(c.status)
	if text == "" {
		text = "status code " + strconv.Itoa(c.status)
	}
	if _, err := fmt.Fprintf(w, "HTTP/1.1 %03d %s\r\n", c.status, text); err != nil {
		return err
	}
	for _, h := range c.header {
		if strings.EqualFold(h.Key, "Content-Length") || strings.EqualFold(h.Key, "Connection") {
			continue
		}
		fmt.Fprintf(w, "%s: %s\r\n", headerSanitizer.Replace(h.Key), headerSanitizer.Replace(h.Value))
	}
	fmt.Fprintf(w, "Content-Length: %d\r\n", len(c.body))
	if closing {
		w.WriteString("Connection: close\r\n")
	}
	w.WriteString("\r\n")

	if c.req.Method != http.MethodHead {
		w.Write(c.body)
	}
	return w.Flush()
}
