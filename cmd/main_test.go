// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/zeus911/vagent2/pkg/health"
	"github.com/zeus911/vagent2/pkg/metrics"
)

func TestMetricsRouter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New("vagent", reg)
	m.ConnectionOpened()

	checker := health.NewChecker(time.Second)
	checker.Register("ok", func(context.Context) error { return nil })
	checker.Register("backend", func(context.Context) error { return errors.New("down") })

	h := metricsRouter(reg, checker)

	tests := []struct {
		path     string
		method   string
		want     int
		contains string
	}{
		{"/metrics", http.MethodGet, http.StatusOK, "vagent_active_connections 1"},
		{"/health", http.MethodGet, http.StatusOK, `"status":"degraded"`},
		{"/ready", http.MethodGet, http.StatusServiceUnavailable, `"status":"degraded"`},
		{"/live", http.MethodGet, http.StatusOK, `"alive"`},
		{"/health", http.MethodPost, http.StatusMethodNotAllowed, ""},
		{"/unknown", http.MethodGet, http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))

			if rec.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, rec.Code)
			}
			if tt.contains != "" && !strings.Contains(rec.Body.String(), tt.contains) {
				t.Errorf("Expected body to contain %q, got %q", tt.contains, rec.Body.String())
			}
		})
	}
}
