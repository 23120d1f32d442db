// SPDX-License-Identifier: MIT

package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/clock"
	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/config"
	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/manager"
	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/metrics"
	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/planner"
	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/state"
	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/store"
)

type idleChecker struct{}

func (idleChecker) Check(context.Context, string) (state.IntegrityVerdict, error) {
	return state.IntegrityVerdict{Verdict: state.VerdictComplete}, nil
}

type idleProbe struct{}

func (idleProbe) Probe(context.Context, string) ([]state.Track, error) { return nil, nil }

type idleConverter struct{}

func (idleConverter) Convert(context.Context, string) (state.ConversionVerdict, error) {
	return state.ConversionVerdict{Outcome: state.OutcomeFailed, Detail: "not under test"}, nil
}

func newWatchedManager(t *testing.T, dir string) (*manager.Manager, *store.Memory, config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.WatchDirs = []string{dir}
	cfg.MinFileSize = 16

	st := store.NewMemory()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	snapshot := metrics.NewSnapshot()
	pl := planner.New(st, state.DefaultParams(), clk, idleChecker{}, idleProbe{}, idleConverter{},
		snapshot, planner.Options{Owner: "watch-test", Parallelism: 1})
	return manager.New(cfg, st, pl, clk, snapshot), st, cfg
}

func TestWatcherRegistersNewFiles(t *testing.T) {
	dir := t.TempDir()
	mgr, st, cfg := newWatchedManager(t, dir)

	w := New(cfg, mgr)
	w.SetDebounce(30 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	// Let the watcher attach before producing events.
	time.Sleep(50 * time.Millisecond)

	path := filepath.Join(dir, "film.mkv")
	require.NoError(t, os.WriteFile(path, make([]byte, 64), 0o600))

	require.Eventually(t, func() bool {
		_, err := st.Get(ctx, path)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond, "written file is registered after debounce")

	assert.Empty(t, w.LastError())
}

func TestWatcherPicksUpNewSubdirectories(t *testing.T) {
	dir := t.TempDir()
	mgr, st, cfg := newWatchedManager(t, dir)

	w := New(cfg, mgr)
	w.SetDebounce(30 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	time.Sleep(50 * time.Millisecond)

	sub := filepath.Join(dir, "season1")
	require.NoError(t, os.Mkdir(sub, 0o755))
	path := filepath.Join(sub, "e01.mkv")

	// The file may land before the new directory's watch attaches; the
	// rescan of the created directory catches it either way.
	require.NoError(t, os.WriteFile(path, make([]byte, 64), 0o600))

	require.Eventually(t, func() bool {
		_, err := st.Get(ctx, path)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherFailsWithoutWatchableRoots(t *testing.T) {
	cfg := config.Default()
	cfg.WatchDirs = []string{"/no/such/dir"}
	mgr, _, _ := newWatchedManager(t, t.TempDir())

	w := New(cfg, mgr)
	err := w.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no watchable directories")
	assert.NotEmpty(t, w.LastError())
}
