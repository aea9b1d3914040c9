// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"fmt"
	"strings"
)

const helpPreamble = "This is the varnish agent.\n\n" +
	"GET requests never modify state\n" +
	"POST requests are not idempotent, and can modify state\n" +
	"PUT requests are idempotent, and can modify state\n" +
	"HEAD requests can be performed on all resources that support GET\n" +
	"\nThe following URLs are bound:\n\n"

func methodToken(mask, m Method) string {
	if mask.Has(m) {
		return m.String()
	}
	return ""
}

// helpPage renders the route listing served on GET /.
func helpPage(routes []Route) string {
	var b strings.Builder
	b.WriteString(helpPreamble)
	for _, r := range routes {
		fmt.Fprintf(&b, " - %-20s %-3s %-3s %-4s %s\n",
			r.Prefix,
			methodToken(r.Methods, MethodGet),
			methodToken(r.Methods, MethodPut),
			methodToken(r.Methods, MethodPost),
			methodToken(r.Methods, MethodDelete))
	}
	b.WriteString("\n")
	return b.String()
}
