// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for the agent.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrInvalidAddress indicates a bind address that is not an IPv4 or IPv6 literal.
	ErrInvalidAddress = errors.New("invalid bind address")

	// ErrInvalidPort indicates a port that is not a number in 1..65535.
	ErrInvalidPort = errors.New("invalid port")

	// ErrBind indicates the listener could not be opened.
	ErrBind = errors.New("bind failed")

	// ErrMissingToken indicates no shared authentication token is configured.
	ErrMissingToken = errors.New("missing authentication token")

	// ErrSecretFile indicates the credentials file could not be used.
	ErrSecretFile = errors.New("invalid secret file")

	// ErrResponseQueued indicates a second response for the same request.
	ErrResponseQueued = errors.New("response already queued")

	// ErrBodyTooLarge indicates a request body above the configured limit.
	ErrBodyTooLarge = errors.New("request body too large")

	// ErrRateLimited indicates admission control refused a connection.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// AgentError wraps an error with connection context.
type AgentError struct {
	Op         string // Operation that failed
	SessionID  string // Session identifier
	RemoteAddr string // Client address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *AgentError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s [%s] %s: %v", e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *AgentError) Unwrap() error {
	return e.Err
}

// New creates a new AgentError.
func New(op, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &AgentError{
		Op:         op,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}
