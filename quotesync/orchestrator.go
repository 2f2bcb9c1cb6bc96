// Copyright 2026 El Molino SRL
// SPDX-License-Identifier: Apache-2.0

package quotesync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Phase is one step of the cycle state machine. The path is linear; there are
// no branching retries inside a cycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseVoidPropagation
	PhasePush
	PhasePushDetailReconcile
	PhasePull
	PhasePullDetailReconcile
	PhaseCheckpointing
)

func (p Phase) String() string {
	switch p {
	case PhaseVoidPropagation:
		return "void-propagation"
	case PhasePush:
		return "push"
	case PhasePushDetailReconcile:
		return "push-detail-reconcile"
	case PhasePull:
		return "pull"
	case PhasePullDetailReconcile:
		return "pull-detail-reconcile"
	case PhaseCheckpointing:
		return "checkpointing"
	default:
		return "idle"
	}
}

// cycleDiagnostics is the free-form payload stored with each audit entry.
type cycleDiagnostics struct {
	RemoteStoreID   string `json:"remote_store_id"`
	Cutoff          string `json:"cutoff"`
	VoidsPropagated int    `json:"voids_propagated"`
	FailedPhase     string `json:"failed_phase,omitempty"`
	Error           string `json:"error,omitempty"`
}

// RunSyncCycle runs one full synchronization cycle:
//
//	Idle -> VoidPropagation -> Push -> PushDetailReconcile
//	     -> Pull -> PullDetailReconcile -> Checkpointing -> Idle
//
// The new cutoff is the cycle's start instant, captured before the first
// phase runs — never "now" at checkpoint time — so edits users commit while
// the cycle is running are not skipped by the next cycle's filter.
//
// On any phase's unrecoverable error the engine returns to Idle without
// advancing the checkpoint: the next cycle re-derives the same candidate set
// (at-least-once, not exactly-once). Only a missing or failing checkpoint is
// fatal before mutation; per-row remote failures never abort the cycle.
// Every cycle, failed or not, is appended to the audit log.
func (e *Engine) RunSyncCycle(ctx context.Context) (*CycleResult, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, ErrCycleInProgress
	}
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.phase = PhaseIdle
		e.mu.Unlock()
	}()

	ckpt, err := e.store.ActiveCheckpoint(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active checkpoint: %w", err)
	}

	startedAt := time.Now().In(e.loc)
	cutoff := ckpt.CutoffAt
	result := &CycleResult{StartedAt: startedAt}
	diag := cycleDiagnostics{
		RemoteStoreID: ckpt.RemoteStoreID,
		Cutoff:        cutoff.Format(time.RFC3339),
	}
	e.logger.Info("Sync cycle starting",
		"remote_store_id", ckpt.RemoteStoreID, "cutoff", cutoff, "started_at", startedAt)

	err = e.runPhases(ctx, cutoff, startedAt, result, &diag)
	result.Success = err == nil
	if err != nil {
		diag.Error = err.Error()
		e.logger.Error("Sync cycle failed", "phase", diag.FailedPhase, "error", err)
	} else {
		e.logger.Info("Sync cycle complete",
			"headers_pushed", result.HeadersPushed,
			"headers_pulled", result.HeadersPulled,
			"details_reconciled", result.DetailsReconciled)
	}

	e.appendAudit(ctx, result, diag)
	return result, err
}

func (e *Engine) runPhases(ctx context.Context, cutoff, startedAt time.Time, result *CycleResult, diag *cycleDiagnostics) error {
	e.setPhase(PhaseVoidPropagation)
	voids, err := e.propagateVoids(ctx, cutoff)
	if err != nil {
		diag.FailedPhase = PhaseVoidPropagation.String()
		return err
	}
	diag.VoidsPropagated = voids

	e.setPhase(PhasePush)
	confirmed, err := e.PushLocalChanges(ctx, cutoff)
	if err != nil {
		diag.FailedPhase = PhasePush.String()
		return err
	}
	result.HeadersPushed = len(confirmed)

	e.setPhase(PhasePushDetailReconcile)
	pushed, err := e.ReconcileDetails(ctx, confirmed, DirectionPush)
	if err != nil {
		diag.FailedPhase = PhasePushDetailReconcile.String()
		return err
	}
	result.DetailsReconciled += pushed

	e.setPhase(PhasePull)
	won, err := e.PullRemoteChanges(ctx, cutoff)
	if err != nil {
		diag.FailedPhase = PhasePull.String()
		return err
	}
	result.HeadersPulled = len(won)

	e.setPhase(PhasePullDetailReconcile)
	pulled, err := e.ReconcileDetails(ctx, won, DirectionPull)
	if err != nil {
		diag.FailedPhase = PhasePullDetailReconcile.String()
		return err
	}
	result.DetailsReconciled += pulled

	e.setPhase(PhaseCheckpointing)
	if err := e.store.AdvanceCheckpoint(ctx, startedAt); err != nil {
		diag.FailedPhase = PhaseCheckpointing.String()
		return fmt.Errorf("advance checkpoint: %w", err)
	}
	return nil
}

// appendAudit records the cycle outcome. Audit write failures are logged and
// swallowed: the cycle's own result must not be masked by them.
func (e *Engine) appendAudit(ctx context.Context, result *CycleResult, diag cycleDiagnostics) {
	payload, err := json.Marshal(diag)
	if err != nil {
		payload = nil
	}
	entry := &AuditEntry{
		StartedAt:         result.StartedAt,
		Success:           result.Success,
		HeadersPushed:     result.HeadersPushed,
		HeadersPulled:     result.HeadersPulled,
		DetailsReconciled: result.DetailsReconciled,
		Diagnostics:       payload,
	}
	if err := e.store.AppendCycle(ctx, entry); err != nil {
		e.logger.Error("Failed to append audit entry", "error", err)
	}
}
