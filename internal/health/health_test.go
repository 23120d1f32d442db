// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/clock"
	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/config"
	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/state"
	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/store"
)

type staticChecker struct {
	name   string
	result CheckResult
}

func (c staticChecker) Name() string                      { return c.name }
func (c staticChecker) Check(context.Context) CheckResult { return c.result }

func TestHealthAlwaysAlive(t *testing.T) {
	m := NewManager("test")
	m.RegisterChecker(staticChecker{"broken", CheckResult{Status: StatusUnhealthy, Error: "down"}})

	rec := httptest.NewRecorder()
	m.ServeHealth(rec, httptest.NewRequest("GET", "/healthz?verbose=true", nil))

	assert.Equal(t, 200, rec.Code, "liveness never fails on component state")

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Equal(t, "down", resp.Checks["broken"].Error)
}

func TestReadinessAggregation(t *testing.T) {
	tests := []struct {
		name     string
		checkers []Checker
		ready    bool
		status   Status
		code     int
	}{
		{"no checkers", nil, true, StatusHealthy, 200},
		{"all healthy",
			[]Checker{staticChecker{"a", CheckResult{Status: StatusHealthy}}},
			true, StatusHealthy, 200},
		{"degraded stays ready",
			[]Checker{
				staticChecker{"a", CheckResult{Status: StatusHealthy}},
				staticChecker{"b", CheckResult{Status: StatusDegraded}},
			},
			true, StatusDegraded, 200},
		{"unhealthy wins",
			[]Checker{
				staticChecker{"a", CheckResult{Status: StatusDegraded}},
				staticChecker{"b", CheckResult{Status: StatusUnhealthy}},
			},
			false, StatusUnhealthy, 503},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager("test")
			for _, c := range tt.checkers {
				m.RegisterChecker(c)
			}

			rec := httptest.NewRecorder()
			m.ServeReady(rec, httptest.NewRequest("GET", "/readyz", nil))
			assert.Equal(t, tt.code, rec.Code)

			var resp ReadinessResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.ready, resp.Ready)
			assert.Equal(t, tt.status, resp.Status)
		})
	}
}

func TestStoreChecker(t *testing.T) {
	st := store.NewMemory()
	c := NewStoreChecker(st)

	result := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
	assert.Contains(t, result.Message, "0 files")
}

func TestLeaseChecker(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	clk := clock.NewFake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	c := NewLeaseChecker(st, clk, 2)

	assert.Equal(t, StatusHealthy, c.Check(ctx).Status)

	for _, path := range []string{"/m/a.mkv", "/m/b.mkv", "/m/c.mkv"} {
		_, err := st.Upsert(ctx, state.NewFileEntry(path, clk.Now()))
		require.NoError(t, err)
	}
	_, err := st.PickDue(ctx, clk.Now(), 10, "dead", time.Minute)
	require.NoError(t, err)

	// Leases held and still live: nothing to report.
	assert.Equal(t, StatusHealthy, c.Check(ctx).Status)

	clk.Advance(2 * time.Minute)
	result := c.Check(ctx)
	assert.Equal(t, StatusUnhealthy, result.Status, "3 expired leases over threshold 2")
	assert.Contains(t, result.Error, "3 rows")
}

func TestInvariantChecker(t *testing.T) {
	var n uint64
	c := NewInvariantChecker(func() uint64 { return n })

	assert.Equal(t, StatusHealthy, c.Check(context.Background()).Status)
	n = 4
	result := c.Check(context.Background())
	assert.Equal(t, StatusDegraded, result.Status)
	assert.Contains(t, result.Message, "4 transitions")
}

func TestWatcherChecker(t *testing.T) {
	msg := ""
	c := NewWatcherChecker(func() string { return msg })

	assert.Equal(t, StatusHealthy, c.Check(context.Background()).Status)
	msg = "inotify limit reached"
	result := c.Check(context.Background())
	assert.Equal(t, StatusDegraded, result.Status)
	assert.Equal(t, "inotify limit reached", result.Error)
}

func startupConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()

	// Stand-in executables so LookPath succeeds without the real tools.
	for _, name := range []string{"ffprobe", "ffmpeg"} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))
	}

	cfg := config.Default()
	cfg.DBURL = "sqlite://" + filepath.Join(dir, "state.db")
	cfg.FFprobePath = filepath.Join(dir, "ffprobe")
	cfg.FFmpegPath = filepath.Join(dir, "ffmpeg")
	cfg.WatchDirs = []string{dir}
	return cfg
}

func TestPerformStartupChecks(t *testing.T) {
	ctx := context.Background()

	t.Run("valid environment", func(t *testing.T) {
		require.NoError(t, PerformStartupChecks(ctx, startupConfig(t)))
	})

	t.Run("missing database directory", func(t *testing.T) {
		cfg := startupConfig(t)
		cfg.DBURL = "sqlite:///no/such/dir/state.db"
		err := PerformStartupChecks(ctx, cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database location")
	})

	t.Run("bad listen address", func(t *testing.T) {
		cfg := startupConfig(t)
		cfg.ListenAddr = "no-port"
		err := PerformStartupChecks(ctx, cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "listen address")
	})

	t.Run("relative watch dir", func(t *testing.T) {
		cfg := startupConfig(t)
		cfg.WatchDirs = []string{"relative/path"}
		err := PerformStartupChecks(ctx, cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "absolute")
	})

	t.Run("missing tools", func(t *testing.T) {
		cfg := startupConfig(t)
		cfg.FFprobePath = "/no/such/ffprobe"
		err := PerformStartupChecks(ctx, cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ffprobe")
	})
}
