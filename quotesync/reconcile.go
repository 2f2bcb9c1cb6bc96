// Copyright 2026 El Molino SRL
// SPDX-License-Identifier: Apache-2.0

package quotesync

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// ReconcileDetails brings the detail rows of the given headers in line with
// the winning side.
//
// Pull direction: the remote rows are truth. Each header's local details are
// deleted, the remote rows inserted verbatim, and a remote-origin correlation
// entry written per row — in one transaction per header, through
// DetailStore.ReplaceDetailsFromRemote. A header is never left with rows
// replaced but the map unwritten.
//
// Push direction: the local rows are truth. Every local detail without a
// correlation entry gets a freshly minted remote id, its row upserted
// remotely, and a local-origin map entry.
//
// Failures are isolated per header (pull) or per detail (push): the failed
// unit is logged and retried next cycle, the rest of the batch proceeds.
// Returns the number of detail rows reconciled.
func (e *Engine) ReconcileDetails(ctx context.Context, headerIDs map[string]struct{}, direction Direction) (int, error) {
	if len(headerIDs) == 0 {
		return 0, nil
	}

	exts := make([]string, 0, len(headerIDs))
	for ext := range headerIDs {
		exts = append(exts, ext)
	}
	sort.Strings(exts)

	switch direction {
	case DirectionPull:
		return e.reconcilePull(ctx, exts)
	default:
		return e.reconcilePush(ctx, exts)
	}
}

func (e *Engine) reconcilePull(ctx context.Context, exts []string) (int, error) {
	rctx, cancel := e.remoteCtx(ctx)
	byHeader, err := e.remote.ReadDetails(rctx, exts)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("read remote details: %w", err)
	}

	now := time.Now().In(e.loc)
	reconciled := 0
	for _, ext := range exts {
		header, err := e.store.HeaderByExternalID(ctx, ext)
		if err != nil {
			e.logger.Warn("Header vanished before detail reconciliation",
				"external_id", ext, "error", err)
			continue
		}

		rows := byHeader[ext]
		recs := make([]ReconciledDetail, 0, len(rows))
		mintedAny := false
		for _, r := range rows {
			ts := e.normalize(r.LastModified)
			if ts.IsZero() {
				ts = now
			}
			d := Detail{
				HeaderID:         &header.ID,
				HeaderExternalID: ext,
				ItemRef:          r.ItemRef,
				Quantity:         r.Quantity,
				UnitPrice:        r.UnitPrice,
				TaxRate:          r.TaxRate,
				UpdatedAt:        ts,
			}
			remoteID := r.RemoteID
			minted := remoteID == ""
			if minted {
				remoteID, err = e.mintRemoteDetailID(ctx, d)
				if err != nil {
					return reconciled, fmt.Errorf("mint remote id for %s: %w", ext, err)
				}
			}
			recs = append(recs, ReconciledDetail{Detail: d, RemoteID: remoteID})
			if minted {
				mintedAny = true
			}
		}

		if err := e.store.ReplaceDetailsFromRemote(ctx, header.ID, ext, recs); err != nil {
			e.logger.Warn("Detail replacement failed, header retried next cycle",
				"external_id", ext, "error", err)
			continue
		}
		reconciled += len(recs)
		e.logger.Debug("Details replaced from remote", "external_id", ext, "rows", len(recs))

		if mintedAny {
			e.writeBackMintedIDs(ctx, ext, rows, recs)
		}
	}
	return reconciled, nil
}

// writeBackMintedIDs rewrites a header's remote detail rows so ids minted for
// human-added rows also exist on the remote side. Without this the map names
// remote ids the remote store never contained, and every later remote win
// would mint fresh ones for the same rows. A failure here is transient: the
// rows are still keyed by the same business fields and the next remote win
// replaces the map entries wholesale anyway.
func (e *Engine) writeBackMintedIDs(ctx context.Context, ext string, rows []RemoteDetail, recs []ReconciledDetail) {
	out := make([]RemoteDetail, len(recs))
	for i, rec := range recs {
		out[i] = RemoteDetail{
			RemoteID:         rec.RemoteID,
			HeaderExternalID: ext,
			ItemRef:          rec.Detail.ItemRef,
			Quantity:         rec.Detail.Quantity,
			UnitPrice:        rec.Detail.UnitPrice,
			TaxRate:          rec.Detail.TaxRate,
			LastModified:     rows[i].LastModified,
		}
	}
	rctx, cancel := e.remoteCtx(ctx)
	err := e.remote.ReplaceDetails(rctx, ext, out)
	cancel()
	if err != nil {
		e.logger.Warn("Minted id write-back failed",
			"external_id", ext, "error", err)
		return
	}
	e.logger.Debug("Minted ids written back", "external_id", ext, "rows", len(out))
}

func (e *Engine) reconcilePush(ctx context.Context, exts []string) (int, error) {
	missing, err := e.store.DetailsMissingCorrelation(ctx, exts)
	if err != nil {
		return 0, fmt.Errorf("find details missing correlation: %w", err)
	}

	if len(missing) == 0 {
		e.logger.Info("Push-direction reconciliation complete",
			"headers", len(exts), "details_pushed", 0, "missing_found", 0)
		return 0, nil
	}

	batch := make([]RemoteDetail, 0, len(missing))
	for _, d := range missing {
		remoteID, err := e.mintRemoteDetailID(ctx, d)
		if err != nil {
			return 0, fmt.Errorf("mint remote id for detail %d: %w", d.ID, err)
		}
		batch = append(batch, RemoteDetail{
			RemoteID:         remoteID,
			HeaderExternalID: d.HeaderExternalID,
			ItemRef:          d.ItemRef,
			Quantity:         d.Quantity,
			UnitPrice:        d.UnitPrice,
			TaxRate:          d.TaxRate,
			LastModified:     d.UpdatedAt,
		})
	}

	rctx, cancel := e.remoteCtx(ctx)
	results, err := e.remote.UpsertDetails(rctx, batch)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("push details: %w", err)
	}

	reconciled := 0
	for i, res := range results {
		d := missing[i]
		if res.Err != nil {
			e.logger.Warn("Detail push failed, will retry next cycle",
				"local_detail_id", d.ID, "external_id", d.HeaderExternalID, "error", res.Err)
			continue
		}
		if err := e.store.UpsertCorrelation(ctx, d.ID, res.RemoteID, OriginLocal); err != nil {
			// The remote row exists but the map entry does not; the anomaly
			// sweep picks this up and repair recreates the entry.
			e.logger.Error("Correlation write failed after remote upsert",
				"local_detail_id", d.ID, "remote_detail_id", res.RemoteID, "error", err)
			continue
		}
		reconciled++
	}

	e.logger.Info("Push-direction reconciliation complete",
		"headers", len(exts), "details_pushed", reconciled, "missing_found", len(missing))
	return reconciled, nil
}
