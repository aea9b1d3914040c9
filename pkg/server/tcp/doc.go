// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the HTTP/1.x transport that feeds the agent's
// request dispatcher.
//
// # Overview
//
// The server accepts TCP connections, parses requests with net/http and
// replays each one to a Dispatcher as a sequence of callbacks. It owns all
// socket I/O; the dispatcher only buffers bytes and queues responses.
//
//	┌─────────┐         ┌─────────┐         ┌────────────┐
//	│ Client  │ ←─TCP─→ │  Server │ ──────→ │ Dispatcher │
//	└─────────┘         └─────────┘         └────────────┘
//
// # Connection Flow
//
//  1. Client connects; admission control may refuse it
//  2. Server assigns a session ID and an empty state slot
//  3. For every request on the connection:
//     - Handle(conn, method, path, nil, &slot)     first call
//     - Handle(conn, method, path, chunk, &slot)   once per body chunk
//     - Handle(conn, method, path, nil, &slot)     finalize call
//     - the queued response is written
//  4. On EOF, error or shutdown: Completed(&slot)
//
// Responses always carry Content-Length. HEAD responses omit the body.
// A finalize call that queues nothing is answered with 500. Bodies above
// MaxBodySize are answered with 413 and the connection is closed.
//
// # Graceful Shutdown
//
// When context is canceled:
//
//  1. Server stops accepting new connections
//  2. Connections waiting for their next request are woken and closed
//  3. Server waits for in-flight requests (with timeout)
//  4. After ShutdownTimeout, forcefully closes remaining connections
//  5. Returns ErrShutdownTimeout if timeout exceeded
//
// # Admission Control
//
// GlobalLimiter caps the accept rate across all clients; ClientLimiter caps
// it per remote IP. Refused connections are closed without a response.
//
// # Example
//
//	d := router.NewDispatcher(router.Config{Token: token}, reg)
//	server := tcp.New(tcp.Config{Address: "127.0.0.1:6085"}, d)
//	if err := server.Bind(); err != nil {
//		log.Fatal(err)
//	}
//	if err := server.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package tcp
