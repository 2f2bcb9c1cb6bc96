// Copyright 2026 El Molino SRL
// SPDX-License-Identifier: Apache-2.0

package quotesync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// End-to-end: local header H1 (external id abc123) has detail D1 with no map
// entry and updated_at after the cutoff. One cycle must push abc123, create
// exactly one LocalOrigin map entry for D1, and leave the missing-map sweep
// empty for abc123.
func TestRunSyncCycle_EndToEnd(t *testing.T) {
	store := newMemStore()
	remote := newMemRemote()
	e := newTestEngine(t, store, remote)
	ctx := context.Background()

	store.activate(cutoff)
	h1 := store.addHeader(Header{
		ExternalID:  "abc123",
		CustomerRef: "Panificadora Sur",
		Active:      true,
		UpdatedAt:   after,
	})
	d1 := store.addDetail(Detail{
		HeaderID:         ptr(h1),
		HeaderExternalID: "abc123",
		ItemRef:          "HARINA-000",
		Quantity:         dec("25"),
		UnitPrice:        dec("1200.50"),
		TaxRate:          dec("0.21"),
		UpdatedAt:        after,
	})

	result, err := e.RunSyncCycle(ctx)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 1, result.HeadersPushed)
	require.Equal(t, 1, result.DetailsReconciled)

	// (a) abc123 reached the remote store.
	require.Len(t, remote.headerUpserts, 1)
	require.Equal(t, "abc123", remote.headerUpserts[0].ExternalID)

	// (b) exactly one LocalOrigin map entry for D1.
	corr, err := store.LookupByLocalDetailID(ctx, d1)
	require.NoError(t, err)
	require.NotNil(t, corr)
	require.Equal(t, OriginLocal, corr.Source)

	// (c) nothing missing for abc123 afterwards.
	missing, err := store.DetailsMissingCorrelation(ctx, []string{"abc123"})
	require.NoError(t, err)
	require.Empty(t, missing)
}

// The checkpoint advances to the cycle's start instant, captured before the
// first phase — never to "now" at checkpoint time — so user edits committed
// mid-cycle survive into the next candidate set.
func TestRunSyncCycle_CheckpointIsCycleStart(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(t, store, newMemRemote())
	store.activate(cutoff)

	beforeRun := time.Now()
	result, err := e.RunSyncCycle(context.Background())
	require.NoError(t, err)
	afterRun := time.Now()

	ckpt, err := store.ActiveCheckpoint(context.Background())
	require.NoError(t, err)
	require.True(t, ckpt.CutoffAt.Equal(result.StartedAt))
	require.False(t, ckpt.CutoffAt.Before(beforeRun))
	require.False(t, ckpt.CutoffAt.After(afterRun))
}

// A failed phase returns the engine to Idle without advancing the checkpoint:
// the next cycle re-derives the same candidates (at-least-once semantics).
// The failed cycle is still audited.
func TestRunSyncCycle_NoAdvanceOnFailure(t *testing.T) {
	store := newMemStore()
	remote := newMemRemote()
	remote.readHeadersErr = errors.New("remote store unavailable")
	e := newTestEngine(t, store, remote)
	store.activate(cutoff)

	result, err := e.RunSyncCycle(context.Background())
	require.Error(t, err)
	require.NotNil(t, result)
	require.False(t, result.Success)

	ckpt, cerr := store.ActiveCheckpoint(context.Background())
	require.NoError(t, cerr)
	require.True(t, ckpt.CutoffAt.Equal(cutoff), "checkpoint must not move on failure")

	entries, aerr := store.RecentCycles(context.Background(), 10)
	require.NoError(t, aerr)
	require.Len(t, entries, 1)
	require.False(t, entries[0].Success)
	require.Equal(t, PhaseIdle, e.Phase())
}

// No active checkpoint is a configuration error: fatal, surfaced, and the
// cycle aborts before any mutation (no audit entry, no remote calls).
func TestRunSyncCycle_MissingCheckpointIsFatal(t *testing.T) {
	store := newMemStore()
	remote := newMemRemote()
	e := newTestEngine(t, store, remote)

	_, err := e.RunSyncCycle(context.Background())
	require.Error(t, err)
	require.True(t, IsConfigurationError(err))
	require.Empty(t, store.audit)
	require.Empty(t, remote.headerUpserts)
}

// A second invocation while a cycle runs is rejected, never run concurrently.
func TestRunSyncCycle_Reentrancy(t *testing.T) {
	store := newMemStore()
	remote := newMemRemote()
	remote.blockReadHeaders = true
	remote.readStarted = make(chan struct{})
	remote.release = make(chan struct{})
	e := newTestEngine(t, store, remote)
	store.activate(cutoff)

	done := make(chan error, 1)
	go func() {
		_, err := e.RunSyncCycle(context.Background())
		done <- err
	}()

	<-remote.readStarted // first cycle is now inside the pull phase
	_, err := e.RunSyncCycle(context.Background())
	require.ErrorIs(t, err, ErrCycleInProgress)

	close(remote.release)
	require.NoError(t, <-done)
}

// Voided quotes reach the remote side as part of the cycle, before push.
func TestRunSyncCycle_PropagatesVoids(t *testing.T) {
	store := newMemStore()
	remote := newMemRemote()
	e := newTestEngine(t, store, remote)
	store.activate(cutoff)

	store.addHeader(Header{ExternalID: "cancelled", Active: false, UpdatedAt: after})

	result, err := e.RunSyncCycle(context.Background())
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Zero(t, result.HeadersPushed) // voided rows are not push candidates

	require.Len(t, remote.headerUpserts, 1)
	require.True(t, remote.headerUpserts[0].Voided)
}

// Audit entries accumulate append-only, newest first.
func TestAuditLog_AppendOnly(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(t, store, newMemRemote())
	store.activate(cutoff)

	for i := 0; i < 3; i++ {
		_, err := e.RunSyncCycle(context.Background())
		require.NoError(t, err)
	}

	entries, err := store.RecentCycles(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.False(t, entries[0].StartedAt.Before(entries[1].StartedAt))
}
