// Copyright 2026 El Molino SRL
// SPDX-License-Identifier: Apache-2.0

package quotesync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// PullRemoteChanges reads all remote header rows, keeps those whose
// normalized LastModified is strictly greater than cutoff, and applies
// Last-Writer-Wins against local state.
//
// The bound is exclusive on purpose: with >= the row sitting exactly on the
// cutoff is re-pulled every single cycle. Ties between local and remote edits
// favor local, because the local store is the system of record for business
// fields.
//
// The returned set holds the external ids where remote won (new rows
// included); only those go through pull-direction detail reconciliation.
func (e *Engine) PullRemoteChanges(ctx context.Context, cutoff time.Time) (map[string]struct{}, error) {
	rctx, cancel := e.remoteCtx(ctx)
	rows, err := e.remote.ReadHeaders(rctx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("read remote headers: %w", err)
	}

	won := make(map[string]struct{})
	for _, r := range rows {
		if r.ExternalID == "" {
			continue
		}
		remoteLastModified := e.normalize(r.LastModified)
		if !remoteLastModified.After(cutoff) {
			continue
		}

		local, err := e.store.HeaderByExternalID(ctx, r.ExternalID)
		switch {
		case errors.Is(err, ErrHeaderNotFound):
			h := localHeaderFromRemote(r, remoteLastModified)
			if err := e.store.InsertHeader(ctx, &h); err != nil {
				e.logger.Warn("Insert of remote-origin header failed, will retry next cycle",
					"external_id", r.ExternalID, "error", err)
				continue
			}
			won[r.ExternalID] = struct{}{}
			e.logger.Debug("Remote header inserted locally", "external_id", r.ExternalID)

		case err != nil:
			return nil, fmt.Errorf("lookup header %s: %w", r.ExternalID, err)

		default:
			localLastEdit, err := e.store.LastLocalEdit(ctx, local.ID)
			if err != nil {
				return nil, fmt.Errorf("last local edit for %s: %w", r.ExternalID, err)
			}
			if !remoteLastModified.After(localLastEdit) {
				// Local wins, including the exact tie. No mutation.
				continue
			}
			h := localHeaderFromRemote(r, remoteLastModified)
			h.ID = local.ID
			if err := e.store.OverwriteHeader(ctx, &h); err != nil {
				e.logger.Warn("Overwrite from remote failed, will retry next cycle",
					"external_id", r.ExternalID, "error", err)
				continue
			}
			won[r.ExternalID] = struct{}{}
			e.logger.Debug("Remote header won LWW",
				"external_id", r.ExternalID,
				"remote_last_modified", remoteLastModified,
				"local_last_edit", localLastEdit)
		}
	}

	e.logger.Info("Pull phase complete", "remote_rows", len(rows), "remote_won", len(won))
	return won, nil
}

func localHeaderFromRemote(r RemoteHeader, lastModified time.Time) Header {
	h := Header{
		ExternalID:    r.ExternalID,
		CustomerRef:   r.CustomerRef,
		Agent:         r.Agent,
		DeliveryPoint: r.DeliveryPoint,
		Discount:      r.Discount,
		State:         r.State,
		Comment:       r.Comment,
		Active:        !r.Voided,
		UpdatedAt:     lastModified,
	}
	if r.SheetLabel != "" {
		label := r.SheetLabel
		h.OriginLabel = &label
	}
	return h
}
