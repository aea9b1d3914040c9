// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"strings"
)

type queued struct {
	status int
	body   []byte
	header []Header
}

// fakeConn records queued responses and serves request headers from a map.
type fakeConn struct {
	headers  map[string]string
	queued   []queued
	queueErr error
}

func newFakeConn(headers map[string]string) *fakeConn {
	h := make(map[string]string, len(headers))
	for k, v := range headers {
		h[strings.ToLower(k)] = v
	}
	return &fakeConn{headers: h}
}

func (c *fakeConn) Header(key string) (string, bool) {
	v, ok := c.headers[strings.ToLower(key)]
	return v, ok
}

func (c *fakeConn) Queue(status int, body []byte, header []Header) error {
	if c.queueErr != nil {
		return c.queueErr
	}
	c.queued = append(c.queued, queued{status: status, body: body, header: header})
	return nil
}

func (c *fakeConn) RemoteAddr() string {
	return "127.0.0.1:4242"
}

func (c *fakeConn) last() queued {
	if len(c.queued) == 0 {
		return queued{}
	}
	return c.queued[len(c.queued)-1]
}

func headerValues(h []Header, key string) []string {
	var out []string
	for _, kv := range h {
		if kv.Key == key {
			out = append(out, kv.Value)
		}
	}
	return out
}

// roundTrip drives one request through the callback sequence.
func roundTrip(d *Dispatcher, conn Conn, slot **ConnState, method, url string, chunks ...string) {
	d.Handle(conn, method, url, nil, slot)
	for _, c := range chunks {
		d.Handle(conn, method, url, []byte(c), slot)
	}
	d.Handle(conn, method, url, nil, slot)
}
