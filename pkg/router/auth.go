// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"crypto/subtle"
	"strings"
)

const basicPrefix = "Basic "

// Gate checks HTTP Basic credentials against a single shared token.
// The token is the base64 text that follows "Basic " in the header.
type Gate struct {
	token []byte
}

// NewGate creates a gate for token.
func NewGate(token string) *Gate {
	return &Gate{token: []byte(token)}
}

// CheckAuth reports whether authentication is still required for the
// connection. A successful check marks state as authenticated and later
// calls return false without looking at the headers again.
func (g *Gate) CheckAuth(conn Conn, state *ConnState) bool {
	if state.authenticated {
		return false
	}

	auth, ok := conn.Header("Authorization")
	if !ok || !strings.HasPrefix(auth, basicPrefix) {
		return true
	}

	token := []byte(auth[len(basicPrefix):])
	if len(g.token) > 0 && subtle.ConstantTimeCompare(token, g.token) == 1 {
		state.authenticated = true
	}
	return !state.authenticated
}
