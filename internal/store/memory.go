// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/state"
)

// Memory is a map-backed Store with the same semantics as the SQLite backend.
// Used by tests and `memory://` URLs; nothing survives process exit.
type Memory struct {
	mu         sync.Mutex
	files      map[string]state.FileEntry
	groups     map[string]state.GroupEntry
	instanceID string
}

func NewMemory() *Memory {
	return &Memory{
		files:      make(map[string]state.FileEntry),
		groups:     make(map[string]state.GroupEntry),
		instanceID: uuid.New().String(),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Upsert(ctx context.Context, e state.FileEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.files[e.Path]; ok {
		if !e.SizeObservedAt.IsZero() {
			cur.Size = e.Size
			cur.SizeObservedAt = e.SizeObservedAt
			m.files[e.Path] = cur
		}
		return false, nil
	}
	e.UpdatedAt = e.DiscoveredAt
	m.files[e.Path] = e
	return true, nil
}

func (m *Memory) Get(ctx context.Context, path string) (*state.FileEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.files[path]
	if !ok {
		return nil, fmt.Errorf("file %s: %w", path, ErrNotFound)
	}
	cp := e
	return &cp, nil
}

func (m *Memory) GetGroup(ctx context.Context, groupID string) (*state.GroupEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("group %s: %w", groupID, ErrNotFound)
	}
	cp := g
	return &cp, nil
}

func (m *Memory) GroupMembers(ctx context.Context, groupID string) ([]state.FileEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var members []state.FileEntry
	for _, e := range m.files {
		if e.GroupID == groupID && groupID != "" {
			members = append(members, e)
		}
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Role != members[j].Role {
			return members[i].Role == state.RoleOriginal
		}
		return members[i].Path < members[j].Path
	})
	return members, nil
}

func (m *Memory) PickDue(ctx context.Context, now time.Time, limit int, owner string, leaseTTL time.Duration) ([]state.FileEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []state.FileEntry
	for _, e := range m.files {
		if e.NextCheckAt.After(now) {
			continue
		}
		if e.LeaseOwner != "" && e.LeaseDeadline.After(now) {
			continue
		}
		due = append(due, e)
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextCheckAt.Equal(due[j].NextCheckAt) {
			return due[i].NextCheckAt.Before(due[j].NextCheckAt)
		}
		if !due[i].DiscoveredAt.Equal(due[j].DiscoveredAt) {
			return due[i].DiscoveredAt.Before(due[j].DiscoveredAt)
		}
		return due[i].Path < due[j].Path
	})
	if len(due) > limit {
		due = due[:limit]
	}

	deadline := now.Add(leaseTTL)
	for i := range due {
		e := m.files[due[i].Path]
		e.LeaseOwner = owner
		e.LeaseDeadline = deadline
		m.files[due[i].Path] = e
		due[i] = e
	}
	return due, nil
}

func (m *Memory) Apply(ctx context.Context, now time.Time, u Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u.Entry != nil {
		if u.Owner != "" {
			if cur, ok := m.files[u.Entry.Path]; ok {
				if cur.LeaseOwner != "" && cur.LeaseOwner != u.Owner && cur.LeaseDeadline.After(now) {
					return fmt.Errorf("apply %s: %w", u.Entry.Path, ErrLeaseLost)
				}
			}
		}
		e := *u.Entry
		e.LeaseOwner = ""
		e.LeaseDeadline = time.Time{}
		e.UpdatedAt = now
		if cur, ok := m.files[e.Path]; ok {
			e.DiscoveredAt = cur.DiscoveredAt
		}
		m.files[e.Path] = e
	}

	for _, e := range u.Upserts {
		// A re-registered companion is the same file; keep the existing record.
		if _, ok := m.files[e.Path]; ok {
			continue
		}
		e.UpdatedAt = now
		m.files[e.Path] = e
	}

	if u.Group != nil {
		g := u.Group.Group
		if cur, ok := m.groups[g.GroupID]; ok {
			if g.OriginalPath == "" {
				g.OriginalPath = cur.OriginalPath
			}
			if g.CompanionPath == "" {
				g.CompanionPath = cur.CompanionPath
			}
			g.CreatedAt = cur.CreatedAt
		}
		m.groups[g.GroupID] = g

		if u.Group.Finalize {
			for path, e := range m.files {
				if e.GroupID == g.GroupID && e.Processed != state.ProcessedGroupProcessed {
					e.Processed = state.ProcessedGroupProcessed
					e.NextCheckAt = state.SentinelNever
					e.UpdatedAt = now
					e.LeaseOwner = ""
					e.LeaseDeadline = time.Time{}
					m.files[path] = e
				}
			}
		}
	}
	return nil
}

func (m *Memory) MarkTerminal(ctx context.Context, now time.Time, path string, processed state.ProcessedStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.files[path]
	if !ok {
		return fmt.Errorf("file %s: %w", path, ErrNotFound)
	}
	e.Processed = processed
	e.NextCheckAt = state.SentinelNever
	e.UpdatedAt = now
	e.LeaseOwner = ""
	e.LeaseDeadline = time.Time{}
	m.files[path] = e
	return nil
}

func (m *Memory) EarliestNextCheck(ctx context.Context) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var earliest time.Time
	found := false
	for _, e := range m.files {
		if e.Terminal() {
			continue
		}
		if !found || e.NextCheckAt.Before(earliest) {
			earliest = e.NextCheckAt
			found = true
		}
	}
	return earliest, found, nil
}

func (m *Memory) ReleaseExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for path, e := range m.files {
		if e.LeaseOwner != "" && !e.LeaseDeadline.After(now) {
			e.LeaseOwner = ""
			e.LeaseDeadline = time.Time{}
			m.files[path] = e
			n++
		}
	}
	return n, nil
}

func (m *Memory) CountExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, e := range m.files {
		if e.LeaseOwner != "" && !e.LeaseDeadline.After(now) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) SweepOrphans(ctx context.Context) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cleared := 0
	for path, e := range m.files {
		if e.GroupID == "" {
			continue
		}
		if _, ok := m.groups[e.GroupID]; !ok {
			e.GroupID = ""
			m.files[path] = e
			cleared++
		}
	}

	referenced := make(map[string]bool)
	for _, e := range m.files {
		if e.GroupID != "" {
			referenced[e.GroupID] = true
		}
	}
	deleted := 0
	for id := range m.groups {
		if !referenced[id] {
			delete(m.groups, id)
			deleted++
		}
	}
	return cleared, deleted, nil
}

func (m *Memory) GC(ctx context.Context, now time.Time, keepDays int) (int, error) {
	m.mu.Lock()

	cutoff := now.AddDate(0, 0, -keepDays)
	removed := 0
	for path, e := range m.files {
		if e.Terminal() && !e.UpdatedAt.After(cutoff) {
			delete(m.files, path)
			removed++
		}
	}
	m.mu.Unlock()

	_, _, err := m.SweepOrphans(ctx)
	return removed, err
}

func (m *Memory) InstanceID(ctx context.Context) (string, error) {
	return m.instanceID, nil
}

func (m *Memory) Stats(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{
		Files:        len(m.files),
		Groups:       len(m.groups),
		ByIntegrity:  make(map[state.IntegrityStatus]int),
		ByProcessed:  make(map[state.ProcessedStatus]int),
		ByGroupState: make(map[state.GroupState]int),
	}
	for _, e := range m.files {
		st.ByIntegrity[e.Integrity]++
		st.ByProcessed[e.Processed]++
		if e.LeaseOwner != "" {
			st.Leased++
		}
		if e.Terminal() {
			st.Terminal++
			continue
		}
		if st.EarliestNextCheck.IsZero() || e.NextCheckAt.Before(st.EarliestNextCheck) {
			st.EarliestNextCheck = e.NextCheckAt
		}
	}
	for _, g := range m.groups {
		st.ByGroupState[g.State]++
	}
	return st, nil
}

func (m *Memory) Vacuum(ctx context.Context) error { return nil }

func (m *Memory) DropAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files = make(map[string]state.FileEntry)
	m.groups = make(map[string]state.GroupEntry)
	return nil
}
