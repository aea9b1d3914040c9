// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"strings"
)

// Request is a fully received request handed to route handlers.
type Request struct {
	Method    Method
	RawMethod string
	URL       string

	// Body is nil when the connection was not authenticated at the time
	// the request started and no body was buffered.
	Body []byte

	Conn Conn
}

// BodyLen returns the number of body bytes received.
func (r *Request) BodyLen() int {
	return len(r.Body)
}

// HandlerFunc serves a matched route. rest is the part of the URL after the
// route prefix with leading slashes removed, or "" when nothing remains.
// Handlers are responsible for sending exactly one response.
type HandlerFunc func(req *Request, rest string, data any)

// Route binds a URL prefix and a method mask to a handler.
type Route struct {
	Prefix  string
	Methods Method
	Handler HandlerFunc
	Data    any
}

// Registry holds the registered routes. Registration must complete before
// serving starts; lookups are not synchronized.
type Registry struct {
	routes []Route
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a route. Later registrations take precedence over earlier
// ones with overlapping prefixes.
func (reg *Registry) Register(prefix string, methods Method, h HandlerFunc, data any) {
	if h == nil {
		panic("router: nil handler for " + prefix)
	}
	reg.routes = append(reg.routes, Route{
		Prefix:  prefix,
		Methods: methods,
		Handler: h,
		Data:    data,
	})
}

// Routes returns the routes in match order, most recent first.
func (reg *Registry) Routes() []Route {
	out := make([]Route, 0, len(reg.routes))
	for i := len(reg.routes) - 1; i >= 0; i-- {
		out = append(out, reg.routes[i])
	}
	return out
}

// Lookup finds the route serving method and url and returns it with the
// remaining path.
func (reg *Registry) Lookup(method Method, url string) (Route, string, bool) {
	for i := len(reg.routes) - 1; i >= 0; i-- {
		r := reg.routes[i]
		if !r.Methods.Has(method) || !strings.HasPrefix(url, r.Prefix) {
			continue
		}
		rest := url[len(r.Prefix):]
		if rest != "" && rest[0] != '/' {
			continue
		}
		return r, strings.TrimLeft(rest, "/"), true
	}
	return Route{}, "", false
}

// Match invokes the handler of the first matching route. It reports
// whether a route was found.
func (reg *Registry) Match(req *Request) bool {
	r, rest, ok := reg.Lookup(req.Method, req.URL)
	if !ok {
		return false
	}
	r.Handler(req, rest, r.Data)
	return true
}
