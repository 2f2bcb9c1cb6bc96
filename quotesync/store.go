// Copyright 2026 El Molino SRL
// SPDX-License-Identifier: Apache-2.0

package quotesync

import (
	"context"
	"time"
)

// CheckpointStore holds the single active sync configuration.
type CheckpointStore interface {
	// ActiveCheckpoint returns the active configuration row, or
	// ErrNoActiveCheckpoint if none is active.
	ActiveCheckpoint(ctx context.Context) (*Checkpoint, error)

	// AdvanceCheckpoint transactionally moves the active row's cutoff.
	// Returns ErrNoActiveCheckpoint if no row is active; the caller treats
	// that as fatal, never as something to retry.
	AdvanceCheckpoint(ctx context.Context, cutoff time.Time) error
}

// HeaderStore is the engine's view of the local quote header table.
type HeaderStore interface {
	// ChangedHeaders returns active headers with an external id whose own
	// updated_at, or any of whose details' updated_at, is strictly after
	// cutoff. The bound is exclusive: a row updated exactly at the cutoff
	// was reconciled by the cycle that set it.
	ChangedHeaders(ctx context.Context, cutoff time.Time) ([]Header, error)

	// VoidedHeaders returns inactive headers with an external id changed
	// strictly after cutoff, so cancellations reach the remote side.
	VoidedHeaders(ctx context.Context, cutoff time.Time) ([]Header, error)

	// HeaderByExternalID returns ErrHeaderNotFound when no row matches.
	HeaderByExternalID(ctx context.Context, externalID string) (*Header, error)

	// InsertHeader creates a new local header and fills in h.ID.
	InsertHeader(ctx context.Context, h *Header) error

	// OverwriteHeader replaces the business fields of an existing header.
	OverwriteHeader(ctx context.Context, h *Header) error

	// LastLocalEdit returns max(header.updated_at, max of its details'
	// updated_at), the instant Last-Writer-Wins compares against.
	LastLocalEdit(ctx context.Context, headerID int64) (time.Time, error)
}

// ReconciledDetail pairs an incoming detail row with the remote id its
// correlation entry will carry.
type ReconciledDetail struct {
	Detail   Detail
	RemoteID string
}

// DetailStore is the engine's view of the local quote detail table.
type DetailStore interface {
	DetailsByHeader(ctx context.Context, headerID int64) ([]Detail, error)

	// ReplaceDetailsFromRemote deletes the header's local detail rows,
	// inserts rows verbatim, and writes a remote-origin correlation entry
	// per row — all in one transaction. Partial completion must be
	// impossible: either every row and every entry lands, or none do.
	ReplaceDetailsFromRemote(ctx context.Context, headerID int64, headerExternalID string, rows []ReconciledDetail) error
}

// CorrelationMap associates local detail ids with remote detail ids. Both
// engines mutate it, so every operation is idempotent.
type CorrelationMap interface {
	// LookupByLocalDetailID returns (nil, nil) when no entry exists.
	LookupByLocalDetailID(ctx context.Context, localDetailID int64) (*Correlation, error)

	// LookupByRemoteDetailID returns (nil, nil) when no entry exists.
	LookupByRemoteDetailID(ctx context.Context, remoteDetailID string) (*Correlation, error)

	// UpsertCorrelation records the association. Repeating the same
	// (localDetailID, remoteDetailID) pair is a no-op.
	UpsertCorrelation(ctx context.Context, localDetailID int64, remoteDetailID string, source Origin) error

	// RemoteDetailIDExists is the collision check for freshly minted ids.
	RemoteDetailIDExists(ctx context.Context, remoteDetailID string) (bool, error)

	// DetailsMissingCorrelation returns detail rows of active headers that
	// have no map entry. An empty filter scans all active headers.
	DetailsMissingCorrelation(ctx context.Context, headerExternalIDs []string) ([]Detail, error)

	// CountOrphanEntries counts entries pointing at nonexistent detail rows.
	CountOrphanEntries(ctx context.Context) (int, error)

	// DeleteOrphanEntries removes them and reports how many were removed.
	DeleteOrphanEntries(ctx context.Context) (int, error)
}

// AuditLog is the append-only record of cycle outcomes.
type AuditLog interface {
	AppendCycle(ctx context.Context, e *AuditEntry) error
	RecentCycles(ctx context.Context, limit int) ([]AuditEntry, error)
}

// Store is everything the engine needs from the local relational store. All
// mutations to the checkpoint and the correlation map go through these narrow
// operations; no component touches their tables directly.
type Store interface {
	CheckpointStore
	HeaderStore
	DetailStore
	CorrelationMap
	AuditLog
}
