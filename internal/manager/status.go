// SPDX-License-Identifier: MIT

package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/renameio/v2"

	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/log"
	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/metrics"
)

// Status is the full status snapshot, shaped for JSON consumers.
type Status struct {
	InstanceID  string            `json:"instance_id"`
	Owner       string            `json:"owner"`
	GeneratedAt time.Time         `json:"generated_at"`
	Files       int               `json:"files"`
	Groups      int               `json:"groups"`
	Leased      int               `json:"leased"`
	Terminal    int               `json:"terminal"`
	ByIntegrity map[string]int    `json:"by_integrity"`
	ByProcessed map[string]int    `json:"by_processed"`
	GroupStates map[string]int    `json:"group_states"`
	NextCheckAt *time.Time        `json:"next_check_at,omitempty"`
	DBSizeBytes int64             `json:"db_size_bytes,omitempty"`
	Cycles      uint64            `json:"cycles"`
	Picked      uint64            `json:"picked"`
	Outcomes    map[string]uint64 `json:"outcomes,omitempty"`
}

// GetStatus reads a consistent snapshot of the store plus this process's
// loop counters, and refreshes the status gauges.
func (m *Manager) GetStatus(ctx context.Context) (Status, error) {
	st, err := m.store.Stats(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("read stats: %w", err)
	}
	instanceID, err := m.store.InstanceID(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("read instance id: %w", err)
	}

	s := Status{
		InstanceID:  instanceID,
		Owner:       m.planner.Owner(),
		GeneratedAt: m.clock.Now(),
		Files:       st.Files,
		Groups:      st.Groups,
		Leased:      st.Leased,
		Terminal:    st.Terminal,
		ByIntegrity: make(map[string]int, len(st.ByIntegrity)),
		ByProcessed: make(map[string]int, len(st.ByProcessed)),
		GroupStates: make(map[string]int, len(st.ByGroupState)),
		DBSizeBytes: st.DBSizeBytes,
		Cycles:      m.snapshot.Cycles(),
		Picked:      m.snapshot.Picked(),
		Outcomes:    m.snapshot.Outcomes(),
	}
	for k, v := range st.ByIntegrity {
		s.ByIntegrity[string(k)] = v
	}
	for k, v := range st.ByProcessed {
		s.ByProcessed[string(k)] = v
	}
	for k, v := range st.ByGroupState {
		s.GroupStates[string(k)] = v
	}
	if !st.EarliestNextCheck.IsZero() {
		next := st.EarliestNextCheck
		s.NextCheckAt = &next
	}

	metrics.RecordStats(s.ByProcessed, st.DBSizeBytes)
	return s, nil
}

// ExportStatus writes the status snapshot to path atomically, fsync before
// rename, so readers never observe a torn file.
func (m *Manager) ExportStatus(ctx context.Context, path string) error {
	logger := log.WithComponent("manager")

	s, err := m.GetStatus(ctx)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}

	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending status file: %w", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			logger.Debug().Err(err).Msg("cleanup pending status file")
		}
	}()

	if _, err := pending.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write status data: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace status file: %w", err)
	}
	return nil
}
