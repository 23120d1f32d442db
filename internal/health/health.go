// SPDX-License-Identifier: MIT

// Package health provides health and readiness checks for the converter
// daemon. It supports Docker HEALTHCHECK and Kubernetes probes with detailed
// component status.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/clock"
	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/log"
	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/store"
)

// Status represents the overall health/readiness status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of one component check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status    Status                 `json:"status"`
	Version   string                 `json:"version,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// ReadinessResponse is the readiness payload.
type ReadinessResponse struct {
	Ready     bool                   `json:"ready"`
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Checker is one component health check.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Manager aggregates component checkers into liveness and readiness answers.
type Manager struct {
	version  string
	checkers []Checker
}

func NewManager(version string) *Manager {
	return &Manager{version: version}
}

func (m *Manager) RegisterChecker(c Checker) {
	m.checkers = append(m.checkers, c)
}

// Health is the liveness probe. The process being able to answer is the
// signal; component results are informational and never flip liveness to a
// non-200.
func (m *Manager) Health(ctx context.Context, verbose bool) HealthResponse {
	resp := HealthResponse{
		Status:    StatusHealthy,
		Version:   m.version,
		Timestamp: time.Now(),
	}
	if verbose && len(m.checkers) > 0 {
		resp.Checks = make(map[string]CheckResult)
		resp.Status = m.runChecks(ctx, resp.Checks)
	}
	return resp
}

// Ready is the readiness probe: unhealthy components make the daemon
// not-ready, degraded ones do not.
func (m *Manager) Ready(ctx context.Context) ReadinessResponse {
	resp := ReadinessResponse{
		Ready:     true,
		Status:    StatusHealthy,
		Timestamp: time.Now(),
	}
	if len(m.checkers) == 0 {
		return resp
	}
	resp.Checks = make(map[string]CheckResult)
	resp.Status = m.runChecks(ctx, resp.Checks)
	resp.Ready = resp.Status != StatusUnhealthy
	return resp
}

func (m *Manager) runChecks(ctx context.Context, out map[string]CheckResult) Status {
	status := StatusHealthy
	for _, c := range m.checkers {
		result := c.Check(ctx)
		out[c.Name()] = result
		switch result.Status {
		case StatusUnhealthy:
			status = StatusUnhealthy
		case StatusDegraded:
			if status == StatusHealthy {
				status = StatusDegraded
			}
		}
	}
	return status
}

// ServeHealth handles HTTP liveness requests. Always 200.
func (m *Manager) ServeHealth(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponentFromContext(r.Context(), "health")
	verbose := r.URL.Query().Get("verbose") == "true"

	resp := m.Health(r.Context(), verbose)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Str(log.FieldEvent, "health.encode_error").Msg("failed to encode health response")
	}
}

// ServeReady handles HTTP readiness requests. 503 when not ready.
func (m *Manager) ServeReady(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponentFromContext(r.Context(), "readiness")

	resp := m.Ready(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if resp.Ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Str(log.FieldEvent, "readiness.encode_error").Msg("failed to encode readiness response")
	}
}

// StoreChecker verifies the state database answers queries.
type StoreChecker struct {
	store store.Store
}

func NewStoreChecker(st store.Store) *StoreChecker {
	return &StoreChecker{store: st}
}

func (c *StoreChecker) Name() string { return "store" }

func (c *StoreChecker) Check(ctx context.Context) CheckResult {
	st, err := c.store.Stats(ctx)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d files, %d groups tracked", st.Files, st.Groups),
	}
}

// LeaseChecker flags rows stuck under an expired lease. A handful is normal
// right after a crash; above the threshold something is failing to recover.
type LeaseChecker struct {
	store     store.Store
	clock     clock.Clock
	threshold int
}

func NewLeaseChecker(st store.Store, clk clock.Clock, threshold int) *LeaseChecker {
	if threshold <= 0 {
		threshold = 10
	}
	return &LeaseChecker{store: st, clock: clk, threshold: threshold}
}

func (c *LeaseChecker) Name() string { return "leases" }

func (c *LeaseChecker) Check(ctx context.Context) CheckResult {
	n, err := c.store.CountExpiredLeases(ctx, c.clock.Now())
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	switch {
	case n == 0:
		return CheckResult{Status: StatusHealthy, Message: "no expired leases"}
	case n < c.threshold:
		return CheckResult{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("%d expired leases awaiting reclaim", n),
		}
	default:
		return CheckResult{
			Status: StatusUnhealthy,
			Error:  fmt.Sprintf("%d rows stuck under expired leases", n),
		}
	}
}

// InvariantChecker surfaces decisions the machine refused. Any occurrence
// means the database holds states the planner cannot legally advance.
type InvariantChecker struct {
	count func() uint64
}

func NewInvariantChecker(count func() uint64) *InvariantChecker {
	return &InvariantChecker{count: count}
}

func (c *InvariantChecker) Name() string { return "invariants" }

func (c *InvariantChecker) Check(_ context.Context) CheckResult {
	n := c.count()
	if n == 0 {
		return CheckResult{Status: StatusHealthy, Message: "no rejected transitions"}
	}
	return CheckResult{
		Status:  StatusDegraded,
		Message: fmt.Sprintf("%d transitions rejected since start", n),
	}
}

// WatcherChecker reports the filesystem watcher's last error, if any.
// Watcher failures degrade discovery but never stop the planner.
type WatcherChecker struct {
	lastError func() string
}

func NewWatcherChecker(lastError func() string) *WatcherChecker {
	return &WatcherChecker{lastError: lastError}
}

func (c *WatcherChecker) Name() string { return "watcher" }

func (c *WatcherChecker) Check(_ context.Context) CheckResult {
	if msg := c.lastError(); msg != "" {
		return CheckResult{Status: StatusDegraded, Error: msg}
	}
	return CheckResult{Status: StatusHealthy, Message: "watching"}
}
