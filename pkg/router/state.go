// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"bytes"
)

// Phase is the position of a connection in the request callback sequence.
type Phase int

const (
	// PhaseCreated waits for the first callback of a request.
	PhaseCreated Phase = iota
	// PhaseAwaitingBody accepts body chunks until the finalize callback.
	PhaseAwaitingBody
	// PhaseFinalizing is dispatching the completed request.
	PhaseFinalizing
	// PhaseClosed is terminal; the transport reported completion.
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseCreated:
		return "created"
	case PhaseAwaitingBody:
		return "awaiting_body"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnState is the per-connection data carried across transport callbacks.
// It is owned by a single connection and never shared.
type ConnState struct {
	phase         Phase
	authenticated bool

	// body is nil when the current request's body is not buffered.
	body *bytes.Buffer
}

func newConnState() *ConnState {
	return &ConnState{phase: PhaseCreated}
}

// Phase returns the current phase.
func (s *ConnState) Phase() Phase {
	return s.phase
}

// Authenticated reports whether the connection has presented valid
// credentials. Once true it stays true.
func (s *ConnState) Authenticated() bool {
	return s.authenticated
}

// begin starts a new request. The body is buffered only for connections
// that are already authenticated.
func (s *ConnState) begin() {
	s.phase = PhaseAwaitingBody
	if s.authenticated {
		s.body = new(bytes.Buffer)
	}
}

func (s *ConnState) appendBody(chunk []byte) {
	if s.body != nil {
		s.body.Write(chunk)
	}
}

// finalize freezes the body and returns an independent copy, or nil when
// nothing was buffered.
func (s *ConnState) finalize() []byte {
	s.phase = PhaseFinalizing
	if s.body == nil {
		return nil
	}
	out := make([]byte, s.body.Len())
	copy(out, s.body.Bytes())
	return out
}

// reset readies the state for the next request on the same connection.
func (s *ConnState) reset() {
	s.body = nil
	s.phase = PhaseCreated
}

func (s *ConnState) release() {
	s.body = nil
	s.phase = PhaseClosed
}
