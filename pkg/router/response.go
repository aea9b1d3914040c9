// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"path"
)

// CORS header values attached to every response.
const (
	allowHeaders = "Authorization, Origin"
	allowMethods = "GET, POST, PUT, DELETE, OPTIONS"
)

// Header is a single response header. Responses keep headers in the order
// they were added and do not deduplicate keys.
type Header struct {
	Key   string
	Value string
}

// Conn is the transport side of a single client connection.
type Conn interface {
	// Header returns the first request header matching key, compared
	// case-insensitively.
	Header(key string) (string, bool)

	// Queue hands a complete response to the transport for transmission.
	Queue(status int, body []byte, header []Header) error

	// RemoteAddr is the client's network address.
	RemoteAddr() string
}

var contentTypes = []struct {
	ext         string
	contentType string
}{
	{".html", "text/html"},
	{".js", "text/javascript"},
	{".css", "text/css"},
	{".jpg", "image/jpeg"},
	{".jpeg", "image/jpeg"},
	{".png", "image/png"},
	{".gif", "image/gif"},
}

// Response is built by a handler or the dispatcher and sent exactly once.
type Response struct {
	Status int
	Body   []byte
	Header []Header

	conn Conn
}

// NewResponse creates a response bound to conn.
func NewResponse(conn Conn, status int, body []byte) *Response {
	return &Response{
		Status: status,
		Body:   body,
		conn:   conn,
	}
}

// AddHeader appends a header.
func (r *Response) AddHeader(key, value string) {
	r.Header = append(r.Header, Header{Key: key, Value: value})
}

// SetContentType adds a Content-Type header derived from the extension of p.
// Unknown extensions leave the content type unset.
func (r *Response) SetContentType(p string) {
	ext := path.Ext(p)
	if ext == "" {
		return
	}
	for _, ct := range contentTypes {
		if ct.ext == ext {
			r.AddHeader("Content-Type", ct.contentType)
			return
		}
	}
}

// Send attaches the CORS headers and queues the response on its connection.
// The response must not be used afterwards.
func (r *Response) Send() error {
	origin, ok := r.conn.Header("Origin")
	if !ok {
		origin = "*"
	}

	header := make([]Header, 0, len(r.Header)+3)
	header = append(header, r.Header...)
	header = append(header,
		Header{Key: "Access-Control-Allow-Headers", Value: allowHeaders},
		Header{Key: "Access-Control-Allow-Methods", Value: allowMethods},
		Header{Key: "Access-Control-Allow-Origin", Value: origin},
	)

	err := r.conn.Queue(r.Status, r.Body, header)
	r.Body = nil
	r.Header = nil
	return err
}

// Reply sends body with status and no extra headers.
func Reply(conn Conn, status int, body string) error {
	if body == "" {
		return ReplyLen(conn, status, nil)
	}
	return ReplyLen(conn, status, []byte(body))
}

// ReplyLen sends a raw body with status and no extra headers.
func ReplyLen(conn Conn, status int, body []byte) error {
	return NewResponse(conn, status, body).Send()
}
