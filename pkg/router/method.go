// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

// Method is a bitmask of HTTP methods a route accepts.
type Method uint

// MethodUnknown is never part of a route mask.
const MethodUnknown Method = 0

const (
	MethodGet Method = 1 << iota
	MethodPut
	MethodPost
	MethodDelete
	MethodOptions
)

// ParseMethod maps a request method to its bit. HEAD routes as GET.
func ParseMethod(method string) Method {
	switch method {
	case "GET", "HEAD":
		return MethodGet
	case "POST":
		return MethodPost
	case "PUT":
		return MethodPut
	case "DELETE":
		return MethodDelete
	case "OPTIONS":
		return MethodOptions
	default:
		return MethodUnknown
	}
}

// Has reports whether m includes every bit of other.
func (m Method) Has(other Method) bool {
	return other != MethodUnknown && m&other == other
}

// String returns the method name for single-bit values.
func (m Method) String() string {
	switch m {
	case MethodGet:
		return "GET"
	case MethodPut:
		return "PUT"
	case MethodPost:
		return "POST"
	case MethodDelete:
		return "DELETE"
	case MethodOptions:
		return "OPTIONS"
	default:
		return "unknown"
	}
}
