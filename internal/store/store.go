// SPDX-License-Identifier: MIT

// Package store persists file and group records. The default backend is a
// single SQLite database file; a map-backed store with identical semantics
// exists for tests and throwaway runs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/state"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrLeaseLost is returned by Apply when the row's lease is held by a
	// different owner, meaning this worker's lease expired and the row was
	// re-picked elsewhere.
	ErrLeaseLost = errors.New("lease lost")
)

// Update is one transactional write: the stepped entry, any additional
// entries to register (companion creation), and an optional group mutation.
// All parts commit atomically; the entry's lease is cleared on success.
type Update struct {
	// Owner is the lease owner performing the write. When set, the write is
	// refused with ErrLeaseLost if another owner holds the row's lease.
	Owner   string
	Entry   *state.FileEntry
	Upserts []state.FileEntry
	Group   *state.GroupMutation
}

// Stats is a point-in-time summary for status reporting.
type Stats struct {
	Files             int
	Groups            int
	Leased            int
	Terminal          int
	ByIntegrity       map[state.IntegrityStatus]int
	ByProcessed       map[state.ProcessedStatus]int
	ByGroupState      map[state.GroupState]int
	DBSizeBytes       int64
	EarliestNextCheck time.Time // zero when no record is schedulable
}

// Store is the durable record of every tracked file and group. All writes
// are transactional; reads see consistent snapshots.
type Store interface {
	// Upsert inserts a new record or merges an existing one by path.
	// Inserts keep the caller's DiscoveredAt; merges only refresh the size
	// observation fields when the caller sampled them. Returns true when a
	// new record was created.
	Upsert(ctx context.Context, e state.FileEntry) (bool, error)

	Get(ctx context.Context, path string) (*state.FileEntry, error)
	GetGroup(ctx context.Context, groupID string) (*state.GroupEntry, error)
	// GroupMembers returns every file referencing the group, original first.
	GroupMembers(ctx context.Context, groupID string) ([]state.FileEntry, error)

	// PickDue atomically selects up to limit records with
	// next_check_at <= now, ordered by next_check_at then discovered_at,
	// and stamps each with the owner's lease so no concurrent picker can
	// select them again before leaseTTL expires.
	PickDue(ctx context.Context, now time.Time, limit int, owner string, leaseTTL time.Duration) ([]state.FileEntry, error)

	// Apply commits one Update and clears the entry's lease.
	Apply(ctx context.Context, now time.Time, u Update) error

	// MarkTerminal sets the record's processed status and schedules it never.
	MarkTerminal(ctx context.Context, now time.Time, path string, processed state.ProcessedStatus) error

	// EarliestNextCheck reports the soonest wake-up among schedulable rows.
	EarliestNextCheck(ctx context.Context) (time.Time, bool, error)

	// ReleaseExpiredLeases clears leases whose deadline passed. Run at
	// startup; due rows with expired leases are re-pickable either way.
	ReleaseExpiredLeases(ctx context.Context, now time.Time) (int, error)
	// CountExpiredLeases reports rows still stamped with an expired lease.
	CountExpiredLeases(ctx context.Context, now time.Time) (int, error)

	// SweepOrphans clears group references that point at no group row and
	// deletes group rows that have no remaining members.
	SweepOrphans(ctx context.Context) (filesCleared, groupsDeleted int, err error)

	// GC deletes terminal records not touched for keepDays, then prunes
	// memberless groups. Returns the number of file records removed.
	GC(ctx context.Context, now time.Time, keepDays int) (int, error)

	// InstanceID returns the store's stable identity, created on first open.
	InstanceID(ctx context.Context) (string, error)

	Stats(ctx context.Context) (Stats, error)

	// Vacuum compacts the underlying database where supported.
	Vacuum(ctx context.Context) error

	// DropAll removes every table. Used by the reset command only.
	DropAll(ctx context.Context) error

	Close() error
}
