// Copyright 2026 El Molino SRL
// SPDX-License-Identifier: Apache-2.0

package quotesync

import (
	"context"
	"fmt"
)

// HealthReport is the operator-facing anomaly snapshot. It is produced by a
// sweep separate from the sync cycle and never triggers repair on its own:
// ambiguous states (duplicate external ids, competing map entries) need an
// operator-chosen tie-break, not a mechanical fix.
type HealthReport struct {
	HeadersMissingMap int          `json:"headers_missing_map"`
	OrphanMapEntries  int          `json:"orphan_map_entries"`
	LastCycle         *CycleResult `json:"last_cycle,omitempty"`
}

// RepairResult reports what RepairCorrelations changed.
type RepairResult struct {
	EntriesCreated int `json:"entries_created"`
	OrphansDeleted int `json:"orphans_deleted"`
}

// HealthSnapshot sweeps the correlation map for the two anomaly classes a
// partially-failed reconciliation leaves behind: detail rows with no map
// entry, and map entries pointing at detail rows that no longer exist. The
// last cycle's outcome comes from the audit log so it survives restarts.
func (e *Engine) HealthSnapshot(ctx context.Context) (*HealthReport, error) {
	missing, err := e.store.DetailsMissingCorrelation(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sweep details missing correlation: %w", err)
	}
	orphans, err := e.store.CountOrphanEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("count orphan map entries: %w", err)
	}

	report := &HealthReport{
		HeadersMissingMap: len(missing),
		OrphanMapEntries:  orphans,
	}

	recent, err := e.store.RecentCycles(ctx, 1)
	if err != nil {
		return nil, fmt.Errorf("read last cycle: %w", err)
	}
	if len(recent) > 0 {
		last := recent[0]
		report.LastCycle = &CycleResult{
			StartedAt:         last.StartedAt,
			Success:           last.Success,
			HeadersPushed:     last.HeadersPushed,
			HeadersPulled:     last.HeadersPulled,
			DetailsReconciled: last.DetailsReconciled,
		}
	}
	return report, nil
}

// RepairCorrelations is the explicit, idempotent repair operation for
// correlation anomalies. It regenerates missing map entries for detail rows
// of active headers and deletes orphan entries. It never rewrites remote
// rows: the regenerated entry carries a fresh remote id, so the remote side
// is not duplicated by the repair itself. Running it twice changes nothing
// the second time.
func (e *Engine) RepairCorrelations(ctx context.Context) (*RepairResult, error) {
	missing, err := e.store.DetailsMissingCorrelation(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sweep details missing correlation: %w", err)
	}

	created := 0
	for _, d := range missing {
		remoteID, err := e.mintRemoteDetailID(ctx, d)
		if err != nil {
			return nil, fmt.Errorf("mint remote id for detail %d: %w", d.ID, err)
		}
		if err := e.store.UpsertCorrelation(ctx, d.ID, remoteID, OriginLocal); err != nil {
			return nil, fmt.Errorf("recreate correlation for detail %d: %w", d.ID, err)
		}
		created++
	}

	deleted, err := e.store.DeleteOrphanEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("delete orphan map entries: %w", err)
	}

	e.logger.Info("Correlation repair complete",
		"entries_created", created, "orphans_deleted", deleted)
	return &RepairResult{EntriesCreated: created, OrphansDeleted: deleted}, nil
}
