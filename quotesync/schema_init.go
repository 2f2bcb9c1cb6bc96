// Copyright 2026 El Molino SRL
// SPDX-License-Identifier: Apache-2.0

package quotesync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchemaInTx creates the business and sync tables if they don't
// exist. All statements are idempotent so the store can be constructed
// against a database in any prior state.
func (s *PgStore) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS sync`,

		// Quote headers, shared with the back-office CRUD application.
		// external_id is the identifier both stores agree on; rows without
		// one never sync. Soft delete only: active=false, never DELETE.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS quote_headers (
			id             BIGSERIAL PRIMARY KEY,
			external_id    TEXT,
			customer_ref   TEXT NOT NULL DEFAULT '',
			agent          TEXT NOT NULL DEFAULT '',
			delivery_point TEXT NOT NULL DEFAULT '',
			discount       NUMERIC(12,4) NOT NULL DEFAULT 0,
			state          TEXT NOT NULL DEFAULT '',
			comment        TEXT NOT NULL DEFAULT '',
			origin_label   TEXT,
			active         BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS quote_headers_external_id_idx
			ON quote_headers(external_id) WHERE external_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS quote_headers_updated_at_idx ON quote_headers(updated_at)`,

		// Line items. header_id may be NULL transiently when a detail lands
		// before its header commits; header_external_id keeps it joinable.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS quote_details (
			id                 BIGSERIAL PRIMARY KEY,
			header_id          BIGINT REFERENCES quote_headers(id),
			header_external_id TEXT NOT NULL,
			item_ref           TEXT NOT NULL DEFAULT '',
			quantity           NUMERIC(14,4) NOT NULL DEFAULT 0,
			unit_price         NUMERIC(14,4) NOT NULL DEFAULT 0,
			tax_rate           NUMERIC(6,4)  NOT NULL DEFAULT 0,
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS quote_details_header_id_idx ON quote_details(header_id)`,
		`CREATE INDEX IF NOT EXISTS quote_details_header_external_id_idx ON quote_details(header_external_id)`,
		`CREATE INDEX IF NOT EXISTS quote_details_updated_at_idx ON quote_details(updated_at)`,

		// Cross-store identifier association. Unique on both sides; cascade
		// keeps entries from outliving their detail row.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.correlation_map (
			local_detail_id  BIGINT PRIMARY KEY REFERENCES quote_details(id) ON DELETE CASCADE,
			remote_detail_id TEXT NOT NULL UNIQUE,
			source           TEXT NOT NULL CHECK (source IN ('local','remote')),
			assigned_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		// Sync configuration. The partial unique index enforces the
		// single-active invariant in the database, not by convention.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.checkpoint (
			id              BIGSERIAL PRIMARY KEY,
			remote_store_id TEXT NOT NULL,
			cutoff_at       TIMESTAMPTZ NOT NULL,
			active          BOOLEAN NOT NULL DEFAULT FALSE,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS checkpoint_single_active_idx
			ON sync.checkpoint(active) WHERE active`,

		// Append-only cycle outcomes, consumed by monitoring.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.audit_log (
			id                 BIGSERIAL PRIMARY KEY,
			started_at         TIMESTAMPTZ NOT NULL,
			success            BOOLEAN NOT NULL,
			headers_pushed     INT NOT NULL DEFAULT 0,
			headers_pulled     INT NOT NULL DEFAULT 0,
			details_reconciled INT NOT NULL DEFAULT 0,
			diagnostics        JSON
		)`,
		`CREATE INDEX IF NOT EXISTS audit_log_started_at_idx ON sync.audit_log(started_at DESC)`,
	}

	for i, migration := range migrations {
		s.logger.Debug("Running sync migration", "step", i+1, "total", len(migrations))
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("sync migration %d failed: %w", i+1, err)
		}
	}
	s.logger.Info("Sync schema initialized", "migrations", len(migrations))
	return nil
}
