// Copyright 2026 El Molino SRL
// SPDX-License-Identifier: Apache-2.0

package quotesync

import (
	"context"
	"fmt"
	"time"
)

// remoteCtx bounds one remote store call. Per-candidate timeouts are
// transient failures; only checkpoint calls are allowed to be fatal.
func (e *Engine) remoteCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.config.RemoteCallTimeout)
}

func remoteHeaderFromLocal(h Header) RemoteHeader {
	rh := RemoteHeader{
		ExternalID:    h.ExternalID,
		CustomerRef:   h.CustomerRef,
		Agent:         h.Agent,
		DeliveryPoint: h.DeliveryPoint,
		Discount:      h.Discount,
		State:         h.State,
		Comment:       h.Comment,
		Voided:        !h.Active,
		LastModified:  h.UpdatedAt,
	}
	if h.OriginLabel != nil {
		rh.SheetLabel = *h.OriginLabel
	}
	return rh
}

// PushLocalChanges selects local headers changed strictly after cutoff
// (either the header itself or any of its details) and upserts them into the
// remote store.
//
// The returned set is the authoritative confirmation set for push-direction
// detail reconciliation. It includes headers whose remote row needed no
// mutation: a header whose only change is in its details still has to flow
// into reconciliation, otherwise those details are silently skipped.
//
// A failure upserting one header never aborts the batch. The header is logged
// and left out of the returned set; its updated_at still exceeds the
// unadvanced cutoff, so the next cycle picks it up again.
//
// All candidates go to the remote store in a single batch call, so the number
// of remote round trips per push phase is bounded regardless of batch size.
func (e *Engine) PushLocalChanges(ctx context.Context, cutoff time.Time) (map[string]struct{}, error) {
	candidates, err := e.store.ChangedHeaders(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("select push candidates: %w", err)
	}
	confirmed := make(map[string]struct{}, len(candidates))
	if len(candidates) == 0 {
		e.logger.Info("Push phase complete", "candidates", 0, "confirmed", 0)
		return confirmed, nil
	}

	batch := make([]RemoteHeader, 0, len(candidates))
	for _, h := range candidates {
		batch = append(batch, remoteHeaderFromLocal(h))
	}
	rctx, cancel := e.remoteCtx(ctx)
	results, err := e.remote.UpsertHeaders(rctx, batch)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("push headers: %w", err)
	}

	for _, res := range results {
		if res.Err != nil {
			tre := &TransientRemoteError{ExternalID: res.ExternalID, Err: res.Err}
			e.logger.Warn("Header push failed, will retry next cycle",
				"external_id", res.ExternalID, "error", tre)
			continue
		}
		confirmed[res.ExternalID] = struct{}{}
		e.logger.Debug("Header pushed",
			"external_id", res.ExternalID, "outcome", res.Outcome.String())
	}

	e.logger.Info("Push phase complete",
		"candidates", len(candidates), "confirmed", len(confirmed))
	return confirmed, nil
}

// propagateVoids pushes the voided state of locally cancelled quotes to the
// remote store so human editors see cancellations before any other change.
// Runs first in the cycle; failures here are per-candidate and transient.
func (e *Engine) propagateVoids(ctx context.Context, cutoff time.Time) (int, error) {
	voided, err := e.store.VoidedHeaders(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("select voided headers: %w", err)
	}

	if len(voided) == 0 {
		return 0, nil
	}

	batch := make([]RemoteHeader, 0, len(voided))
	for _, h := range voided {
		batch = append(batch, remoteHeaderFromLocal(h))
	}
	rctx, cancel := e.remoteCtx(ctx)
	results, err := e.remote.UpsertHeaders(rctx, batch)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("propagate voids: %w", err)
	}

	propagated := 0
	for _, res := range results {
		if res.Err != nil {
			e.logger.Warn("Void propagation failed, will retry next cycle",
				"external_id", res.ExternalID, "error", res.Err)
			continue
		}
		propagated++
	}

	e.logger.Info("Void propagation complete",
		"voided", len(voided), "propagated", propagated)
	return propagated, nil
}
