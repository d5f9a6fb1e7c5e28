package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/vango-go/vai-toy/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyCheck probes one dependency. A non-nil error makes the instance
// not ready.
type ReadyCheck func(ctx context.Context) error

// ReadyHandler reports whether this instance should receive new traffic.
// A draining instance is not ready.
type ReadyHandler struct {
	Lifecycle *lifecycle.Lifecycle
	Checks    map[string]ReadyCheck
	Timeout   time.Duration
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK       bool     `json:"ok"`
		Draining bool     `json:"draining"`
		Issues   []string `json:"issues,omitempty"`
	}

	draining := h.Lifecycle.IsDraining()
	issues := make([]string, 0, len(h.Checks)+1)
	if draining {
		issues = append(issues, "draining")
	}

	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	names := make([]string, 0, len(h.Checks))
	for name := range h.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		err := h.Checks[name](ctx)
		cancel()
		if err != nil {
			issues = append(issues, name+" unavailable")
		}
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, readyResp{OK: ok, Draining: draining, Issues: issues})
}
