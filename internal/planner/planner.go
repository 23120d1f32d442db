// SPDX-License-Identifier: MIT

// Package planner drives the state core: it picks due records under lease,
// dispatches them to handlers, and persists every machine decision.
package planner

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/clock"
	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/log"
	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/metrics"
	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/state"
	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/store"
)

// IntegrityChecker wraps the external decode probe. Implementations must be
// idempotent per path and safe for concurrent use across paths.
type IntegrityChecker interface {
	Check(ctx context.Context, path string) (state.IntegrityVerdict, error)
}

// AudioProbe lists the audio tracks of a file. Read-only.
type AudioProbe interface {
	Probe(ctx context.Context, path string) ([]state.Track, error)
}

// Converter produces the stereo companion. Must tolerate re-invocation on
// the same input.
type Converter interface {
	Convert(ctx context.Context, path string) (state.ConversionVerdict, error)
}

// StatFunc samples a file's size. Injectable for tests; defaults to os.Stat.
type StatFunc func(path string) (size int64, missing bool, err error)

func osStat(path string) (int64, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, true, nil
		}
		return 0, false, err
	}
	return info.Size(), false, nil
}

// Options bundles the planner knobs; zero fields fall back to defaults.
type Options struct {
	Owner            string
	BatchSize        int
	Parallelism      int
	MinSleep         time.Duration
	LeaseTTL         time.Duration
	IntegrityTimeout time.Duration
	ConvertTimeout   time.Duration
}

// Planner is the single driver loop. One instance per process; multiple
// processes coordinate through the store's leases.
type Planner struct {
	store    store.Store
	machine  state.Params
	clock    clock.Clock
	check    IntegrityChecker
	probe    AudioProbe
	convert  Converter
	stat     StatFunc
	remove   func(path string) error
	snapshot *metrics.Snapshot

	owner            string
	batchSize        int
	parallelism      int
	minSleep         time.Duration
	leaseTTL         time.Duration
	integrityTimeout time.Duration
	convertTimeout   time.Duration

	wake            chan struct{}
	invariantErrors atomic.Uint64
}

func New(st store.Store, params state.Params, clk clock.Clock,
	check IntegrityChecker, probe AudioProbe, convert Converter,
	snapshot *metrics.Snapshot, opts Options) *Planner {

	if opts.Owner == "" {
		host, _ := os.Hostname()
		opts.Owner = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.New().String())
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}
	if opts.MinSleep <= 0 {
		opts.MinSleep = time.Second
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 2 * time.Minute
	}
	if opts.IntegrityTimeout <= 0 {
		opts.IntegrityTimeout = 5 * time.Minute
	}
	if opts.ConvertTimeout <= 0 {
		opts.ConvertTimeout = time.Hour
	}
	if snapshot == nil {
		snapshot = metrics.NewSnapshot()
	}

	return &Planner{
		store:            st,
		machine:          params,
		clock:            clk,
		check:            check,
		probe:            probe,
		convert:          convert,
		stat:             osStat,
		remove:           os.Remove,
		snapshot:         snapshot,
		owner:            opts.Owner,
		batchSize:        opts.BatchSize,
		parallelism:      opts.Parallelism,
		minSleep:         opts.MinSleep,
		leaseTTL:         opts.LeaseTTL,
		integrityTimeout: opts.IntegrityTimeout,
		convertTimeout:   opts.ConvertTimeout,
		wake:             make(chan struct{}, 1),
	}
}

// SetStat replaces the filesystem sampler. Tests only.
func (p *Planner) SetStat(fn StatFunc) { p.stat = fn }

// SetRemove replaces the file deleter used after finalize. Tests only.
func (p *Planner) SetRemove(fn func(path string) error) { p.remove = fn }

// Owner returns the lease identity of this planner.
func (p *Planner) Owner() string { return p.owner }

// InvariantErrors reports how many decisions were rejected as illegal since
// start. Surfaced through GetHealth.
func (p *Planner) InvariantErrors() uint64 { return p.invariantErrors.Load() }

// Wake nudges a sleeping planner, typically after discovery added records.
func (p *Planner) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Recover releases expired leases and clears orphaned group references.
// Run once at startup, before the first tick.
func (p *Planner) Recover(ctx context.Context) error {
	logger := log.WithComponent("planner")

	reclaimed, err := p.store.ReleaseExpiredLeases(ctx, p.clock.Now())
	if err != nil {
		return fmt.Errorf("release expired leases: %w", err)
	}
	metrics.AddLeasesReclaimed(reclaimed)

	cleared, deleted, err := p.store.SweepOrphans(ctx)
	if err != nil {
		return fmt.Errorf("sweep orphans: %w", err)
	}
	if reclaimed+cleared+deleted > 0 {
		logger.Info().
			Str(log.FieldEvent, "planner.recovered").
			Int("leases_reclaimed", reclaimed).
			Int("orphan_refs_cleared", cleared).
			Int("orphan_groups_deleted", deleted).
			Msg("startup recovery complete")
	}
	return nil
}

// RunOnce executes a single tick: pick, handle, persist. Returns the number
// of records picked.
func (p *Planner) RunOnce(ctx context.Context) (int, error) {
	now := p.clock.Now()
	batch, err := p.store.PickDue(ctx, now, p.batchSize, p.owner, p.leaseTTL)
	if err != nil {
		return 0, fmt.Errorf("pick due: %w", err)
	}

	metrics.IncCycle()
	metrics.AddDuePicked(len(batch))
	p.snapshot.Cycle(len(batch))

	if len(batch) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallelism)
	for _, entry := range batch {
		entry := entry
		g.Go(func() error {
			p.handle(gctx, entry)
			return nil
		})
	}
	_ = g.Wait()
	return len(batch), nil
}

// Run loops until ctx is cancelled. With nothing due it sleeps until the
// earliest next_check_at, a wake signal, or cancellation; there is no busy
// poll.
func (p *Planner) Run(ctx context.Context) error {
	logger := log.WithComponent("planner")
	logger.Info().
		Str(log.FieldEvent, "planner.started").
		Str(log.FieldOwner, p.owner).
		Int("batch_size", p.batchSize).
		Int("parallelism", p.parallelism).
		Msg("planner loop running")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		picked, err := p.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error().Err(err).Str(log.FieldEvent, "planner.tick_failed").Msg("tick failed, backing off")
			picked = 0
		}
		if picked > 0 {
			// More work may already be due; go straight into the next tick.
			continue
		}

		sleep := p.idleSleep(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.wake:
		case <-p.clock.After(sleep):
		}
	}
}

// idleSleep computes how long to sleep with an empty batch.
func (p *Planner) idleSleep(ctx context.Context) time.Duration {
	const idleMax = time.Minute

	earliest, ok, err := p.store.EarliestNextCheck(ctx)
	if err != nil || !ok {
		return idleMax
	}
	sleep := earliest.Sub(p.clock.Now())
	if sleep < p.minSleep {
		sleep = p.minSleep
	}
	if sleep > idleMax {
		sleep = idleMax
	}
	return sleep
}
