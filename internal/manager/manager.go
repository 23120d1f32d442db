// SPDX-License-Identifier: MIT

// Package manager is the embedding facade over the state core: discovery,
// synchronous processing, monitoring, status and maintenance. Callers that
// want a single entry point use this package instead of wiring the planner
// and store themselves.
package manager

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/clock"
	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/config"
	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/health"
	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/log"
	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/metrics"
	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/planner"
	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/state"
	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/store"
)

// maintenanceInterval is how often the monitoring loop runs retention GC.
const maintenanceInterval = time.Hour

// Manager bundles the state core behind a synchronous API.
type Manager struct {
	cfg      config.Config
	store    store.Store
	planner  *planner.Planner
	clock    clock.Clock
	snapshot *metrics.Snapshot

	watcherError func() string
}

// New wires a Manager from an opened store. The planner and its reference
// adapters are built from the configuration.
func New(cfg config.Config, st store.Store, pl *planner.Planner, clk clock.Clock, snapshot *metrics.Snapshot) *Manager {
	return &Manager{
		cfg:          cfg,
		store:        st,
		planner:      pl,
		clock:        clk,
		snapshot:     snapshot,
		watcherError: func() string { return "" },
	}
}

// Planner exposes the underlying planner, mainly for Wake.
func (m *Manager) Planner() *planner.Planner { return m.planner }

// Store exposes the underlying store for read-only callers.
func (m *Manager) Store() store.Store { return m.store }

// SetWatcherErrorSource registers where GetHealth reads watcher failures.
func (m *Manager) SetWatcherErrorSource(fn func() string) {
	if fn != nil {
		m.watcherError = fn
	}
}

// Close releases the store.
func (m *Manager) Close() error { return m.store.Close() }

// DiscoveryResult summarises one directory scan.
type DiscoveryResult struct {
	Scanned int `json:"scanned"` // files considered
	Matched int `json:"matched"` // files passing the video filters
	Created int `json:"created"` // new records registered
}

// DiscoverDirectory walks dir for video files and registers every match.
// Registration is idempotent: an existing record never regresses. The
// planner is woken once at the end.
func (m *Manager) DiscoverDirectory(ctx context.Context, dir string) (DiscoveryResult, error) {
	logger := log.WithComponent("discovery")
	var res DiscoveryResult
	now := m.clock.Now()

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path == dir {
				return nil
			}
			if !m.cfg.Recursive || m.depth(dir, path) >= m.cfg.MaxScanDepth {
				return filepath.SkipDir
			}
			if strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}

		res.Scanned++
		if !m.eligible(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			logger.Warn().Err(err).Str(log.FieldPath, path).Msg("stat during scan failed, skipping")
			return nil
		}
		if info.Size() < m.cfg.MinFileSize {
			return nil
		}
		res.Matched++

		created, err := m.register(ctx, path, now)
		if err != nil {
			return err
		}
		if created {
			res.Created++
			logger.Info().
				Str(log.FieldEvent, "discovery.registered").
				Str(log.FieldPath, path).
				Int64("size", info.Size()).
				Msg("new file registered")
		}
		return nil
	})
	if err != nil {
		return res, err
	}

	logger.Info().
		Str(log.FieldEvent, "discovery.scanned").
		Str(log.FieldDir, dir).
		Int("scanned", res.Scanned).
		Int("matched", res.Matched).
		Int("created", res.Created).
		Msg("directory scan complete")

	if res.Created > 0 {
		m.planner.Wake()
	}
	return res, nil
}

// ScanAll rescans every configured watch directory and sums the results.
func (m *Manager) ScanAll(ctx context.Context) (DiscoveryResult, error) {
	var total DiscoveryResult
	for _, dir := range m.cfg.WatchDirs {
		res, err := m.DiscoverDirectory(ctx, dir)
		if err != nil {
			return total, fmt.Errorf("scan %s: %w", dir, err)
		}
		total.Scanned += res.Scanned
		total.Matched += res.Matched
		total.Created += res.Created
	}
	return total, nil
}

// RegisterPath registers a single file, typically from a watcher event.
func (m *Manager) RegisterPath(ctx context.Context, path string, size int64) (bool, error) {
	if !m.eligible(filepath.Base(path)) || size < m.cfg.MinFileSize {
		return false, nil
	}
	created, err := m.register(ctx, path, m.clock.Now())
	if err != nil {
		return false, err
	}
	if created {
		m.planner.Wake()
	}
	return created, nil
}

// register inserts a new record. A path that maps into a group already
// finished under different member paths is marked DUPLICATE immediately so
// the planner never re-runs the pipeline for it.
func (m *Manager) register(ctx context.Context, path string, now time.Time) (bool, error) {
	created, err := m.store.Upsert(ctx, state.NewFileEntry(path, now))
	if err != nil || !created {
		return created, err
	}
	metrics.IncFileDiscovered()

	g, err := m.store.GetGroup(ctx, state.DeriveGroupID(path))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return true, nil
		}
		return true, err
	}
	if g.State == state.GroupProcessed && path != g.OriginalPath && path != g.CompanionPath {
		if err := m.store.MarkTerminal(ctx, now, path, state.ProcessedDuplicate); err != nil {
			return true, err
		}
		logger := log.WithComponent("discovery")
		logger.Info().
			Str(log.FieldEvent, "discovery.duplicate").
			Str(log.FieldPath, path).
			Str(log.FieldGroup, g.GroupID).
			Msg("path maps to an already processed group, marked duplicate")
	}
	return true, nil
}

// eligible applies the name-based filters: extension allowed, no in-flight
// download suffix, not hidden.
func (m *Manager) eligible(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	lower := strings.ToLower(name)
	for _, suffix := range m.cfg.SkipSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return false
		}
	}
	ext := filepath.Ext(lower)
	for _, allowed := range m.cfg.VideoExts {
		if ext == allowed {
			return true
		}
	}
	return false
}

// depth counts path segments below root.
func (m *Manager) depth(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return 0
	}
	return strings.Count(rel, string(filepath.Separator)) + 1
}

// ProcessResult summarises one synchronous tick.
type ProcessResult struct {
	Picked   int               `json:"picked"`
	Outcomes map[string]uint64 `json:"outcomes,omitempty"`
}

// ProcessPending runs exactly one planner tick and reports what it did,
// keyed by outcome. Callers loop on Picked > 0 to drain.
func (m *Manager) ProcessPending(ctx context.Context) (ProcessResult, error) {
	base := m.snapshot.Outcomes()
	picked, err := m.planner.RunOnce(ctx)
	if err != nil {
		return ProcessResult{}, err
	}
	return ProcessResult{Picked: picked, Outcomes: m.snapshot.Diff(base)}, nil
}

// StartMonitoring runs the continuous mode: startup recovery, an initial
// scan of every watch directory, the planner loop, and periodic maintenance.
// Blocks until ctx is cancelled.
func (m *Manager) StartMonitoring(ctx context.Context) error {
	logger := log.WithComponent("manager")

	if err := m.planner.Recover(ctx); err != nil {
		return err
	}
	for _, dir := range m.cfg.WatchDirs {
		if _, err := m.DiscoverDirectory(ctx, dir); err != nil {
			logger.Warn().Err(err).Str(log.FieldDir, dir).Msg("initial scan failed, continuing")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.planner.Run(gctx) })
	g.Go(func() error { return m.maintenanceLoop(gctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) || gctx.Err() == context.Canceled {
		return nil
	}
	return err
}

func (m *Manager) maintenanceLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.clock.After(maintenanceInterval):
		}
		if _, err := m.Maintenance(ctx); err != nil {
			logger := log.WithComponent("manager")
			logger.Error().Err(err).
				Str(log.FieldEvent, "maintenance.failed").
				Msg("maintenance run failed")
		}
	}
}

// GetHealth builds the health manager with the core's component checkers.
func (m *Manager) GetHealth(version string) *health.Manager {
	hm := health.NewManager(version)
	hm.RegisterChecker(health.NewStoreChecker(m.store))
	hm.RegisterChecker(health.NewLeaseChecker(m.store, m.clock, 0))
	hm.RegisterChecker(health.NewInvariantChecker(m.planner.InvariantErrors))
	hm.RegisterChecker(health.NewWatcherChecker(m.watcherError))
	return hm
}
