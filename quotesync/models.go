// Copyright 2026 El Molino SRL
// SPDX-License-Identifier: Apache-2.0

package quotesync

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Origin identifies which side first persisted a row or minted a correlation entry.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Direction selects which side's detail rows are treated as truth during reconciliation.
type Direction int

const (
	DirectionPush Direction = iota // local details are truth, remote rows are written
	DirectionPull                  // remote details are truth, local rows are replaced
)

func (d Direction) String() string {
	if d == DirectionPush {
		return "push"
	}
	return "pull"
}

// Header is one quote/budget record in the local relational store.
//
// ExternalID is the opaque identifier shared with the remote tabular store. It
// is empty for rows that have never been assigned one; such rows are invisible
// to the sync engine. Headers are never hard-deleted: voiding a quote clears
// Active and the voided state is propagated to the remote side on the next cycle.
type Header struct {
	ID            int64
	ExternalID    string
	CustomerRef   string
	Agent         string
	DeliveryPoint string
	Discount      decimal.Decimal
	State         string
	Comment       string
	OriginLabel   *string // remote sheet/tab that produced this row, nil for purely-local rows
	Active        bool
	UpdatedAt     time.Time
}

// Detail is one line item of a Header.
//
// HeaderID may be nil transiently when a detail lands before its header's
// local row is committed; HeaderExternalID is denormalized so such rows can
// still be joined to their header.
type Detail struct {
	ID               int64
	HeaderID         *int64
	HeaderExternalID string
	ItemRef          string
	Quantity         decimal.Decimal
	UnitPrice        decimal.Decimal
	TaxRate          decimal.Decimal
	UpdatedAt        time.Time
}

// Correlation associates one local detail row with its remote counterpart.
// Exactly one entry must exist per detail of an active header after a
// successful cycle; anything else is an anomaly surfaced by HealthSnapshot.
type Correlation struct {
	LocalDetailID  int64
	RemoteDetailID string
	Source         Origin
	AssignedAt     time.Time
}

// Checkpoint is the single active sync configuration. CutoffAt is the instant
// below which changes are considered already reconciled.
type Checkpoint struct {
	ID            int64
	RemoteStoreID string
	CutoffAt      time.Time
	Active        bool
	CreatedAt     time.Time
}

// AuditEntry is the immutable per-cycle record appended to the audit log.
type AuditEntry struct {
	ID                int64
	StartedAt         time.Time
	Success           bool
	HeadersPushed     int
	HeadersPulled     int
	DetailsReconciled int
	Diagnostics       json.RawMessage
}

// CycleResult is what RunSyncCycle reports to callers and to the audit log.
type CycleResult struct {
	StartedAt         time.Time `json:"started_at"`
	Success           bool      `json:"success"`
	HeadersPushed     int       `json:"headers_pushed"`
	HeadersPulled     int       `json:"headers_pulled"`
	DetailsReconciled int       `json:"details_reconciled"`
}
