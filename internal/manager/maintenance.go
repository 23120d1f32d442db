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

// MaintenanceResult summarises one maintenance run.
type MaintenanceResult struct {
	GeneratedAt    time.Time `json:"generated_at"`
	Removed        int       `json:"removed"`
	OrphansCleared int       `json:"orphans_cleared"`
	GroupsDeleted  int       `json:"groups_deleted"`
	Vacuumed       bool      `json:"vacuumed"`
}

// Maintenance runs retention GC, sweeps orphaned group references, and
// compacts the database once enough rows were deleted to make it worthwhile.
func (m *Manager) Maintenance(ctx context.Context) (MaintenanceResult, error) {
	logger := log.WithComponent("manager")
	now := m.clock.Now()
	res := MaintenanceResult{GeneratedAt: now}

	removed, err := m.store.GC(ctx, now, m.cfg.KeepProcessedDays)
	if err != nil {
		return res, fmt.Errorf("retention gc: %w", err)
	}
	res.Removed = removed
	metrics.AddGCRemoved(removed)

	cleared, deleted, err := m.store.SweepOrphans(ctx)
	if err != nil {
		return res, fmt.Errorf("sweep orphans: %w", err)
	}
	res.OrphansCleared = cleared
	res.GroupsDeleted = deleted

	if removed >= m.cfg.VacuumMinDeleted && m.cfg.VacuumMinDeleted > 0 {
		if err := m.store.Vacuum(ctx); err != nil {
			return res, fmt.Errorf("vacuum: %w", err)
		}
		res.Vacuumed = true
	}

	logger.Info().
		Str(log.FieldEvent, "maintenance.completed").
		Int("removed", res.Removed).
		Int("orphans_cleared", res.OrphansCleared).
		Int("groups_deleted", res.GroupsDeleted).
		Bool("vacuumed", res.Vacuumed).
		Msg("maintenance run complete")
	return res, nil
}

// WriteMaintenanceReport writes the run summary to path atomically.
func (m *Manager) WriteMaintenanceReport(res MaintenanceResult, path string) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("encode maintenance report: %w", err)
	}

	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending report file: %w", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			logger := log.WithComponent("manager")
			logger.Debug().Err(err).Msg("cleanup pending report file")
		}
	}()

	if _, err := pending.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write maintenance report: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace maintenance report: %w", err)
	}
	return nil
}
