// Copyright 2026 El Molino SRL
// SPDX-License-Identifier: Apache-2.0

package quotesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore is the Postgres implementation of Store. It owns no pool lifecycle:
// the caller creates the pool and closes it.
type PgStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPgStore initializes the sync schema (idempotent DDL) and returns the
// store handle every component shares.
func NewPgStore(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*PgStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PgStore{pool: pool, logger: logger}

	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return s.initializeSchemaInTx(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("initialize sync schema: %w", err)
	}
	return s, nil
}

// Pool exposes the underlying pool for advanced callers (custom queries).
func (s *PgStore) Pool() *pgxpool.Pool { return s.pool }

// --- CheckpointStore ---

func (s *PgStore) ActiveCheckpoint(ctx context.Context) (*Checkpoint, error) {
	var c Checkpoint
	err := s.pool.QueryRow(ctx, `
		SELECT id, remote_store_id, cutoff_at, active, created_at
		FROM sync.checkpoint
		WHERE active`).Scan(&c.ID, &c.RemoteStoreID, &c.CutoffAt, &c.Active, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoActiveCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("load active checkpoint: %w", err)
	}
	return &c, nil
}

func (s *PgStore) AdvanceCheckpoint(ctx context.Context, cutoff time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync.checkpoint SET cutoff_at = @cutoff WHERE active`,
		pgx.NamedArgs{"cutoff": cutoff})
	if err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoActiveCheckpoint
	}
	return nil
}

// ActivateCheckpoint installs or replaces the active configuration. The
// partial unique index on (active) makes two active rows impossible.
func (s *PgStore) ActivateCheckpoint(ctx context.Context, remoteStoreID string, cutoff time.Time) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE sync.checkpoint SET active = FALSE WHERE active`); err != nil {
			return fmt.Errorf("deactivate previous checkpoint: %w", err)
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO sync.checkpoint (remote_store_id, cutoff_at, active)
			VALUES (@remote_store_id, @cutoff, TRUE)`,
			pgx.NamedArgs{"remote_store_id": remoteStoreID, "cutoff": cutoff})
		if err != nil {
			return fmt.Errorf("insert checkpoint: %w", err)
		}
		return nil
	})
}

// --- HeaderStore ---

const headerColumns = `h.id, COALESCE(h.external_id, ''), h.customer_ref, h.agent,
	h.delivery_point, h.discount, h.state, h.comment, h.origin_label, h.active, h.updated_at`

func scanHeader(row pgx.Row) (*Header, error) {
	var h Header
	err := row.Scan(&h.ID, &h.ExternalID, &h.CustomerRef, &h.Agent, &h.DeliveryPoint,
		&h.Discount, &h.State, &h.Comment, &h.OriginLabel, &h.Active, &h.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (s *PgStore) queryHeaders(ctx context.Context, query string, args pgx.NamedArgs) ([]Header, error) {
	rows, err := s.pool.Query(ctx, query, args)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Header
	for rows.Next() {
		h, err := scanHeader(rows)
		if err != nil {
			return nil, fmt.Errorf("scan header: %w", err)
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}

func (s *PgStore) ChangedHeaders(ctx context.Context, cutoff time.Time) ([]Header, error) {
	// Strict > on both sides of the OR: a row whose updated_at equals the
	// cutoff was covered by the cycle that set it.
	headers, err := s.queryHeaders(ctx, `
		SELECT `+headerColumns+`
		FROM quote_headers h
		WHERE h.active
		  AND h.external_id IS NOT NULL
		  AND (h.updated_at > @cutoff
		       OR EXISTS (SELECT 1 FROM quote_details d
		                  WHERE d.header_id = h.id AND d.updated_at > @cutoff))
		ORDER BY h.id`,
		pgx.NamedArgs{"cutoff": cutoff})
	if err != nil {
		return nil, fmt.Errorf("select changed headers: %w", err)
	}
	return headers, nil
}

func (s *PgStore) VoidedHeaders(ctx context.Context, cutoff time.Time) ([]Header, error) {
	headers, err := s.queryHeaders(ctx, `
		SELECT `+headerColumns+`
		FROM quote_headers h
		WHERE NOT h.active
		  AND h.external_id IS NOT NULL
		  AND h.updated_at > @cutoff
		ORDER BY h.id`,
		pgx.NamedArgs{"cutoff": cutoff})
	if err != nil {
		return nil, fmt.Errorf("select voided headers: %w", err)
	}
	return headers, nil
}

func (s *PgStore) HeaderByExternalID(ctx context.Context, externalID string) (*Header, error) {
	h, err := scanHeader(s.pool.QueryRow(ctx, `
		SELECT `+headerColumns+`
		FROM quote_headers h
		WHERE h.external_id = @external_id`,
		pgx.NamedArgs{"external_id": externalID}))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrHeaderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup header by external id: %w", err)
	}
	return h, nil
}

func (s *PgStore) InsertHeader(ctx context.Context, h *Header) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO quote_headers
			(external_id, customer_ref, agent, delivery_point, discount,
			 state, comment, origin_label, active, updated_at)
		VALUES (NULLIF(@external_id, ''), @customer_ref, @agent, @delivery_point, @discount,
			 @state, @comment, @origin_label, @active, @updated_at)
		RETURNING id`,
		pgx.NamedArgs{
			"external_id":    h.ExternalID,
			"customer_ref":   h.CustomerRef,
			"agent":          h.Agent,
			"delivery_point": h.DeliveryPoint,
			"discount":       h.Discount,
			"state":          h.State,
			"comment":        h.Comment,
			"origin_label":   h.OriginLabel,
			"active":         h.Active,
			"updated_at":     h.UpdatedAt,
		}).Scan(&h.ID)
	if err != nil {
		return fmt.Errorf("insert header: %w", err)
	}
	return nil
}

func (s *PgStore) OverwriteHeader(ctx context.Context, h *Header) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE quote_headers SET
			customer_ref = @customer_ref,
			agent = @agent,
			delivery_point = @delivery_point,
			discount = @discount,
			state = @state,
			comment = @comment,
			origin_label = @origin_label,
			active = @active,
			updated_at = @updated_at
		WHERE id = @id`,
		pgx.NamedArgs{
			"id":             h.ID,
			"customer_ref":   h.CustomerRef,
			"agent":          h.Agent,
			"delivery_point": h.DeliveryPoint,
			"discount":       h.Discount,
			"state":          h.State,
			"comment":        h.Comment,
			"origin_label":   h.OriginLabel,
			"active":         h.Active,
			"updated_at":     h.UpdatedAt,
		})
	if err != nil {
		return fmt.Errorf("overwrite header: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrHeaderNotFound
	}
	return nil
}

func (s *PgStore) LastLocalEdit(ctx context.Context, headerID int64) (time.Time, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT GREATEST(h.updated_at, COALESCE(MAX(d.updated_at), h.updated_at))
		FROM quote_headers h
		LEFT JOIN quote_details d ON d.header_id = h.id
		WHERE h.id = @id
		GROUP BY h.updated_at`,
		pgx.NamedArgs{"id": headerID}).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, ErrHeaderNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("last local edit: %w", err)
	}
	return t, nil
}

// --- DetailStore ---

func (s *PgStore) DetailsByHeader(ctx context.Context, headerID int64) ([]Detail, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, header_id, header_external_id, item_ref, quantity, unit_price, tax_rate, updated_at
		FROM quote_details
		WHERE header_id = @header_id
		ORDER BY id`,
		pgx.NamedArgs{"header_id": headerID})
	if err != nil {
		return nil, fmt.Errorf("select details: %w", err)
	}
	defer rows.Close()
	return scanDetails(rows)
}

func scanDetails(rows pgx.Rows) ([]Detail, error) {
	var out []Detail
	for rows.Next() {
		var d Detail
		if err := rows.Scan(&d.ID, &d.HeaderID, &d.HeaderExternalID, &d.ItemRef,
			&d.Quantity, &d.UnitPrice, &d.TaxRate, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan detail: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PgStore) ReplaceDetailsFromRemote(ctx context.Context, headerID int64, headerExternalID string, recs []ReconciledDetail) error {
	// One transaction per header. Map entries for the old rows go away via
	// the ON DELETE CASCADE on correlation_map.local_detail_id, so rows and
	// entries can never diverge across this boundary.
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			DELETE FROM quote_details WHERE header_id = @header_id`,
			pgx.NamedArgs{"header_id": headerID}); err != nil {
			return fmt.Errorf("delete details: %w", err)
		}

		for _, rec := range recs {
			var localID int64
			err := tx.QueryRow(ctx, `
				INSERT INTO quote_details
					(header_id, header_external_id, item_ref, quantity, unit_price, tax_rate, updated_at)
				VALUES (@header_id, @header_external_id, @item_ref, @quantity, @unit_price, @tax_rate, @updated_at)
				RETURNING id`,
				pgx.NamedArgs{
					"header_id":          headerID,
					"header_external_id": headerExternalID,
					"item_ref":           rec.Detail.ItemRef,
					"quantity":           rec.Detail.Quantity,
					"unit_price":         rec.Detail.UnitPrice,
					"tax_rate":           rec.Detail.TaxRate,
					"updated_at":         rec.Detail.UpdatedAt,
				}).Scan(&localID)
			if err != nil {
				return fmt.Errorf("insert detail: %w", err)
			}

			if _, err := tx.Exec(ctx, `
				INSERT INTO sync.correlation_map (local_detail_id, remote_detail_id, source)
				VALUES (@local_detail_id, @remote_detail_id, @source)`,
				pgx.NamedArgs{
					"local_detail_id":  localID,
					"remote_detail_id": rec.RemoteID,
					"source":           string(OriginRemote),
				}); err != nil {
				return fmt.Errorf("insert correlation entry: %w", err)
			}
		}
		return nil
	})
}

// --- CorrelationMap ---

func (s *PgStore) LookupByLocalDetailID(ctx context.Context, localDetailID int64) (*Correlation, error) {
	return s.lookupCorrelation(ctx, `local_detail_id = @key`, pgx.NamedArgs{"key": localDetailID})
}

func (s *PgStore) LookupByRemoteDetailID(ctx context.Context, remoteDetailID string) (*Correlation, error) {
	return s.lookupCorrelation(ctx, `remote_detail_id = @key`, pgx.NamedArgs{"key": remoteDetailID})
}

func (s *PgStore) lookupCorrelation(ctx context.Context, where string, args pgx.NamedArgs) (*Correlation, error) {
	var c Correlation
	var source string
	err := s.pool.QueryRow(ctx, `
		SELECT local_detail_id, remote_detail_id, source, assigned_at
		FROM sync.correlation_map
		WHERE `+where, args).Scan(&c.LocalDetailID, &c.RemoteDetailID, &source, &c.AssignedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup correlation: %w", err)
	}
	c.Source = Origin(source)
	return &c, nil
}

func (s *PgStore) UpsertCorrelation(ctx context.Context, localDetailID int64, remoteDetailID string, source Origin) error {
	// Re-upserting the identical pair is a no-op; a changed remote id (repair
	// path) replaces the entry.
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync.correlation_map (local_detail_id, remote_detail_id, source)
		VALUES (@local_detail_id, @remote_detail_id, @source)
		ON CONFLICT (local_detail_id) DO UPDATE
			SET remote_detail_id = EXCLUDED.remote_detail_id, source = EXCLUDED.source
			WHERE sync.correlation_map.remote_detail_id IS DISTINCT FROM EXCLUDED.remote_detail_id`,
		pgx.NamedArgs{
			"local_detail_id":  localDetailID,
			"remote_detail_id": remoteDetailID,
			"source":           string(source),
		})
	if err != nil {
		return fmt.Errorf("upsert correlation: %w", err)
	}
	return nil
}

func (s *PgStore) RemoteDetailIDExists(ctx context.Context, remoteDetailID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM sync.correlation_map WHERE remote_detail_id = @remote_detail_id)`,
		pgx.NamedArgs{"remote_detail_id": remoteDetailID}).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check remote id: %w", err)
	}
	return exists, nil
}

func (s *PgStore) DetailsMissingCorrelation(ctx context.Context, headerExternalIDs []string) ([]Detail, error) {
	args := pgx.NamedArgs{"exts": headerExternalIDs}
	if len(headerExternalIDs) == 0 {
		args["exts"] = nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT d.id, d.header_id, d.header_external_id, d.item_ref, d.quantity, d.unit_price, d.tax_rate, d.updated_at
		FROM quote_details d
		JOIN quote_headers h ON h.id = d.header_id
		LEFT JOIN sync.correlation_map m ON m.local_detail_id = d.id
		WHERE m.local_detail_id IS NULL
		  AND h.active
		  AND (@exts::text[] IS NULL OR d.header_external_id = ANY(@exts))
		ORDER BY d.id`, args)
	if err != nil {
		return nil, fmt.Errorf("select details missing correlation: %w", err)
	}
	defer rows.Close()
	return scanDetails(rows)
}

func (s *PgStore) CountOrphanEntries(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM sync.correlation_map m
		WHERE NOT EXISTS (SELECT 1 FROM quote_details d WHERE d.id = m.local_detail_id)`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count orphan entries: %w", err)
	}
	return n, nil
}

func (s *PgStore) DeleteOrphanEntries(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM sync.correlation_map m
		WHERE NOT EXISTS (SELECT 1 FROM quote_details d WHERE d.id = m.local_detail_id)`)
	if err != nil {
		return 0, fmt.Errorf("delete orphan entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// --- AuditLog ---

func (s *PgStore) AppendCycle(ctx context.Context, e *AuditEntry) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO sync.audit_log
			(started_at, success, headers_pushed, headers_pulled, details_reconciled, diagnostics)
		VALUES (@started_at, @success, @headers_pushed, @headers_pulled, @details_reconciled, @diagnostics)
		RETURNING id`,
		pgx.NamedArgs{
			"started_at":         e.StartedAt,
			"success":            e.Success,
			"headers_pushed":     e.HeadersPushed,
			"headers_pulled":     e.HeadersPulled,
			"details_reconciled": e.DetailsReconciled,
			"diagnostics":        e.Diagnostics,
		}).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (s *PgStore) RecentCycles(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, started_at, success, headers_pushed, headers_pulled, details_reconciled, diagnostics
		FROM sync.audit_log
		ORDER BY started_at DESC, id DESC
		LIMIT @limit`,
		pgx.NamedArgs{"limit": limit})
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.StartedAt, &e.Success, &e.HeadersPushed,
			&e.HeadersPulled, &e.DetailsReconciled, &e.Diagnostics); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
