// Copyright 2026 El Molino SRL
// SPDX-License-Identifier: Apache-2.0

package quotesync

import (
	"context"

	"github.com/shopspring/decimal"
)

// RemoteHeader is a quote header row as the remote tabular store holds it.
// LastModified is the raw cell value (string, serial number, ...) and is only
// ever interpreted through NormalizeInstant.
type RemoteHeader struct {
	ExternalID    string
	CustomerRef   string
	Agent         string
	DeliveryPoint string
	Discount      decimal.Decimal
	State         string
	Comment       string
	Voided        bool
	SheetLabel    string // tab the row lives on, recorded as the local header's origin label
	LastModified  any
}

// RemoteDetail is one line-item row on the remote side. RemoteID is empty for
// rows a human added by hand; the engine mints an id for those during pull
// reconciliation.
type RemoteDetail struct {
	RemoteID         string
	HeaderExternalID string
	ItemRef          string
	Quantity         decimal.Decimal
	UnitPrice        decimal.Decimal
	TaxRate          decimal.Decimal
	LastModified     any
}

// UpsertOutcome classifies what a header upsert did on the remote side.
type UpsertOutcome int

const (
	RemoteUnchanged UpsertOutcome = iota
	RemoteInserted
	RemoteUpdated
)

func (o UpsertOutcome) String() string {
	switch o {
	case RemoteInserted:
		return "inserted"
	case RemoteUpdated:
		return "updated"
	default:
		return "unchanged"
	}
}

// HeaderUpsertResult is the per-row outcome of a header batch upsert.
type HeaderUpsertResult struct {
	ExternalID string
	Outcome    UpsertOutcome
	Err        error
}

// DetailUpsertResult is the per-row outcome of a detail batch upsert.
type DetailUpsertResult struct {
	RemoteID string
	Err      error
}

// RemoteStore is the contract the engine requires from the remote tabular
// store. Implementations issue a small number of bulk calls per phase rather
// than per-row calls; every method honors ctx cancellation.
type RemoteStore interface {
	// ReadHeaders returns every header row, including ones whose
	// LastModified cell is malformed (the normalizer resolves those to the
	// zero instant, i.e. stale).
	ReadHeaders(ctx context.Context) ([]RemoteHeader, error)

	// ReadDetails returns detail rows grouped by header external id. A nil
	// or empty filter returns all rows.
	ReadDetails(ctx context.Context, headerExternalIDs []string) (map[string][]RemoteDetail, error)

	// UpsertHeaders writes the batch keyed by external id in a fixed number
	// of bulk calls regardless of batch size. Results are parallel to hs;
	// per-row failures land in Err, the error return is reserved for
	// failures that sink the whole batch (e.g. the locating read).
	UpsertHeaders(ctx context.Context, hs []RemoteHeader) ([]HeaderUpsertResult, error)

	// UpsertDetails writes the batch keyed by remote detail id, same
	// contract as UpsertHeaders.
	UpsertDetails(ctx context.Context, ds []RemoteDetail) ([]DetailUpsertResult, error)

	// ReplaceDetails replaces the full detail set of one header.
	ReplaceDetails(ctx context.Context, headerExternalID string, rows []RemoteDetail) error
}
