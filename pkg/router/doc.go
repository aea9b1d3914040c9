// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package router dispatches HTTP requests delivered by an event-driven
// transport to registered route handlers.
//
// # Callback Contract
//
// The transport calls Dispatcher.Handle several times per request and keeps
// one *ConnState slot per connection:
//
//	first call      slot empty or idle  → auth checked, body buffer allocated if authenticated
//	body call(s)    len(upload) > 0     → bytes appended, all reported consumed
//	finalize call   len(upload) == 0    → request dispatched, one response queued
//	completion      Dispatcher.Completed → state released
//
// The authenticated flag survives across requests on a keep-alive
// connection; the body buffer does not.
//
// # Precedence
//
// On the finalize call the dispatcher answers, in order:
//   - 405 "Read-only mode" for non GET/HEAD/OPTIONS methods in read-only mode
//   - 200 with an empty body for OPTIONS (CORS preflight, no credentials needed)
//   - 401 with a WWW-Authenticate challenge when Basic auth fails
//   - the first matching route (most recently registered first)
//   - the help page for GET /
//   - 500 "Failed"
//
// # Matching
//
// A route matches when its method mask contains the request method and the
// URL equals the prefix or continues with '/'. "/foobar" never matches
// "/foo". Leading slashes of the remainder are stripped and an empty
// remainder is passed as "".
//
// # Responses
//
// Every response, whether built by a handler or the dispatcher, goes
// through Response.Send, which appends the CORS headers:
//
//	Access-Control-Allow-Headers: Authorization, Origin
//	Access-Control-Allow-Methods: GET, POST, PUT, DELETE, OPTIONS
//	Access-Control-Allow-Origin: <request Origin, or *>
//
// # Example
//
//	reg := router.NewRegistry()
//	reg.Register("/ping", router.MethodGet, func(req *router.Request, rest string, data any) {
//		router.Reply(req.Conn, http.StatusOK, "PONG\n")
//	}, nil)
//
//	d := router.NewDispatcher(router.Config{Token: token, Logger: logger}, reg)
package router
