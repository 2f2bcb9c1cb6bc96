// Copyright 2026 El Molino SRL
// SPDX-License-Identifier: Apache-2.0

package quotesync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Regression for the boundary-row class: a remote row whose LastModified
// equals the cutoff exactly is never re-pulled. An inclusive bound reprocesses
// it every cycle.
func TestPullRemoteChanges_CutoffExclusive(t *testing.T) {
	store := newMemStore()
	remote := newMemRemote()
	remote.headers["boundary"] = RemoteHeader{ExternalID: "boundary", LastModified: cutoff}
	e := newTestEngine(t, store, remote)

	won, err := e.PullRemoteChanges(context.Background(), cutoff)
	require.NoError(t, err)
	require.Empty(t, won)

	_, err = store.HeaderByExternalID(context.Background(), "boundary")
	require.ErrorIs(t, err, ErrHeaderNotFound)
}

// The winner is a deterministic function of the two instants: remote wins iff
// strictly later, local wins on the tie.
func TestPullRemoteChanges_LWWDeterminism(t *testing.T) {
	local := cutoff.Add(30 * time.Minute)
	cases := []struct {
		name       string
		remoteEdit time.Time
		remoteWins bool
	}{
		{"remote strictly later", local.Add(time.Second), true},
		{"exact tie favors local", local, false},
		{"remote older", local.Add(-time.Second), false},
		{"remote unparseable is stale", time.Time{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newMemStore()
			remote := newMemRemote()
			id := store.addHeader(Header{
				ExternalID: "q1", Active: true, State: "local-state", UpdatedAt: local,
			})
			rh := RemoteHeader{ExternalID: "q1", State: "remote-state", LastModified: tc.remoteEdit}
			if tc.remoteEdit.IsZero() {
				// Malformed cell as the sheet would actually deliver it.
				rh.LastModified = "not a timestamp"
				// Still has to clear the cutoff filter to reach LWW; zero never does,
				// which is exactly the conservative default under test.
			}
			remote.headers["q1"] = rh
			e := newTestEngine(t, store, remote)

			won, err := e.PullRemoteChanges(context.Background(), cutoff)
			require.NoError(t, err)

			h, err := store.HeaderByExternalID(context.Background(), "q1")
			require.NoError(t, err)
			require.Equal(t, id, h.ID)
			if tc.remoteWins {
				require.Contains(t, won, "q1")
				require.Equal(t, "remote-state", h.State)
			} else {
				require.NotContains(t, won, "q1")
				require.Equal(t, "local-state", h.State)
			}
		})
	}
}

// LWW compares against the later of the header's own edit and its details'
// edits: a fresh local line-item protects the header from a staler remote row.
func TestPullRemoteChanges_DetailEditsCountAsLocalEdits(t *testing.T) {
	store := newMemStore()
	remote := newMemRemote()
	id := store.addHeader(Header{ExternalID: "q1", Active: true, State: "local", UpdatedAt: before})
	store.addDetail(Detail{HeaderID: ptr(id), HeaderExternalID: "q1", UpdatedAt: after.Add(time.Hour)})
	remote.headers["q1"] = RemoteHeader{ExternalID: "q1", State: "remote", LastModified: after}
	e := newTestEngine(t, store, remote)

	won, err := e.PullRemoteChanges(context.Background(), cutoff)
	require.NoError(t, err)
	require.Empty(t, won)

	h, err := store.HeaderByExternalID(context.Background(), "q1")
	require.NoError(t, err)
	require.Equal(t, "local", h.State)
}

func TestPullRemoteChanges_InsertsUnknownRemoteHeader(t *testing.T) {
	store := newMemStore()
	remote := newMemRemote()
	remote.headers["fresh"] = RemoteHeader{
		ExternalID:   "fresh",
		CustomerRef:  "ACME",
		State:        "pendiente",
		SheetLabel:   "Presupuestos",
		LastModified: after,
	}
	e := newTestEngine(t, store, remote)

	won, err := e.PullRemoteChanges(context.Background(), cutoff)
	require.NoError(t, err)
	require.Contains(t, won, "fresh")

	h, err := store.HeaderByExternalID(context.Background(), "fresh")
	require.NoError(t, err)
	require.True(t, h.Active)
	require.Equal(t, "ACME", h.CustomerRef)
	require.NotNil(t, h.OriginLabel)
	require.Equal(t, "Presupuestos", *h.OriginLabel)
}

// A voided remote row deactivates the local header when remote wins.
func TestPullRemoteChanges_RemoteVoidWins(t *testing.T) {
	store := newMemStore()
	remote := newMemRemote()
	store.addHeader(Header{ExternalID: "q1", Active: true, UpdatedAt: cutoff.Add(time.Minute)})
	remote.headers["q1"] = RemoteHeader{ExternalID: "q1", Voided: true, LastModified: after}
	e := newTestEngine(t, store, remote)

	won, err := e.PullRemoteChanges(context.Background(), cutoff)
	require.NoError(t, err)
	require.Contains(t, won, "q1")

	h, err := store.HeaderByExternalID(context.Background(), "q1")
	require.NoError(t, err)
	require.False(t, h.Active)
}
