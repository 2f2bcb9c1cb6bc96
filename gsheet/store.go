// Copyright 2026 El Molino SRL
// SPDX-License-Identifier: Apache-2.0

package gsheet

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/elmolino/quotesync/quotesync"
)

// Headers tab columns (row 1 is the human-readable title row):
// A external_id, B customer_ref, C agent, D delivery_point, E discount,
// F state, G comment, H voided, I last_modified.
const headerRangeSuffix = "!A2:I"

// Details tab columns:
// A remote_detail_id, B header_external_id, C item_ref, D quantity,
// E unit_price, F tax_rate, G last_modified.
const detailRangeSuffix = "!A2:G"

// timestampLayout is the wall-clock format human editors use on the sheet.
const timestampLayout = "02/01/2006 15:04:05"

var _ quotesync.RemoteStore = (*Client)(nil)

// ReadHeaders returns every header row on the headers tab. Rows without an
// external id (half-typed by a human) are skipped; malformed LastModified
// cells are carried through raw for the normalizer to classify.
func (c *Client) ReadHeaders(ctx context.Context) ([]quotesync.RemoteHeader, error) {
	rows, err := c.readRange(ctx, c.config.HeadersSheet+headerRangeSuffix)
	if err != nil {
		return nil, err
	}
	out := make([]quotesync.RemoteHeader, 0, len(rows))
	for _, row := range rows {
		ext := cellString(row, 0)
		if ext == "" {
			continue
		}
		out = append(out, quotesync.RemoteHeader{
			ExternalID:    ext,
			CustomerRef:   cellString(row, 1),
			Agent:         cellString(row, 2),
			DeliveryPoint: cellString(row, 3),
			Discount:      cellDecimal(row, 4),
			State:         cellString(row, 5),
			Comment:       cellString(row, 6),
			Voided:        cellBool(row, 7),
			SheetLabel:    c.config.HeadersSheet,
			LastModified:  cellRaw(row, 8),
		})
	}
	return out, nil
}

// ReadDetails returns detail rows grouped by header external id. A nil filter
// returns every row.
func (c *Client) ReadDetails(ctx context.Context, headerExternalIDs []string) (map[string][]quotesync.RemoteDetail, error) {
	rows, err := c.readRange(ctx, c.config.DetailsSheet+detailRangeSuffix)
	if err != nil {
		return nil, err
	}
	var wanted map[string]bool
	if len(headerExternalIDs) > 0 {
		wanted = make(map[string]bool, len(headerExternalIDs))
		for _, ext := range headerExternalIDs {
			wanted[ext] = true
		}
	}

	out := make(map[string][]quotesync.RemoteDetail)
	for _, row := range rows {
		ext := cellString(row, 1)
		if ext == "" || (wanted != nil && !wanted[ext]) {
			continue
		}
		out[ext] = append(out[ext], quotesync.RemoteDetail{
			RemoteID:         cellString(row, 0),
			HeaderExternalID: ext,
			ItemRef:          cellString(row, 2),
			Quantity:         cellDecimal(row, 3),
			UnitPrice:        cellDecimal(row, 4),
			TaxRate:          cellDecimal(row, 5),
			LastModified:     cellRaw(row, 6),
		})
	}
	return out, nil
}

// UpsertHeaders writes the batch keyed by external id with one tab read, one
// bulk update for the rows that exist and one append for the rest, regardless
// of batch size. An existing row whose business cells already match is left
// untouched and reported RemoteUnchanged.
func (c *Client) UpsertHeaders(ctx context.Context, hs []quotesync.RemoteHeader) ([]quotesync.HeaderUpsertResult, error) {
	results := make([]quotesync.HeaderUpsertResult, len(hs))
	if len(hs) == 0 {
		return results, nil
	}
	rows, err := c.readRange(ctx, c.config.HeadersSheet+headerRangeSuffix)
	if err != nil {
		return nil, err
	}
	index := rowIndexByCell(rows, 0)

	var updates []rangeUpdate
	var updated []int
	var appends [][]any
	var appended []int
	for i, h := range hs {
		results[i].ExternalID = h.ExternalID
		values := c.headerRow(h)
		rowIdx, exists := index[h.ExternalID]
		if !exists {
			appends = append(appends, values)
			appended = append(appended, i)
			results[i].Outcome = quotesync.RemoteInserted
			continue
		}
		if headerCellsEqual(rows[rowIdx], values) {
			results[i].Outcome = quotesync.RemoteUnchanged
			continue
		}
		rng := fmt.Sprintf("%s!A%d:I%d", c.config.HeadersSheet, rowIdx+2, rowIdx+2)
		updates = append(updates, rangeUpdate{rng: rng, values: [][]any{values}})
		updated = append(updated, i)
		results[i].Outcome = quotesync.RemoteUpdated
	}

	if len(updates) > 0 {
		if err := c.batchUpdateRanges(ctx, updates); err != nil {
			for _, i := range updated {
				results[i].Err = err
			}
		}
	}
	if len(appends) > 0 {
		if err := c.appendRows(ctx, c.config.HeadersSheet+headerRangeSuffix, appends); err != nil {
			for _, i := range appended {
				results[i].Err = err
			}
		}
	}
	return results, nil
}

// UpsertDetails writes the batch keyed by remote detail id, same call shape
// as UpsertHeaders.
func (c *Client) UpsertDetails(ctx context.Context, ds []quotesync.RemoteDetail) ([]quotesync.DetailUpsertResult, error) {
	results := make([]quotesync.DetailUpsertResult, len(ds))
	if len(ds) == 0 {
		return results, nil
	}
	rows, err := c.readRange(ctx, c.config.DetailsSheet+detailRangeSuffix)
	if err != nil {
		return nil, err
	}
	index := rowIndexByCell(rows, 0)

	var updates []rangeUpdate
	var updated []int
	var appends [][]any
	var appended []int
	for i, d := range ds {
		results[i].RemoteID = d.RemoteID
		values := c.detailRow(d)
		rowIdx, exists := index[d.RemoteID]
		if !exists {
			appends = append(appends, values)
			appended = append(appended, i)
			continue
		}
		rng := fmt.Sprintf("%s!A%d:G%d", c.config.DetailsSheet, rowIdx+2, rowIdx+2)
		updates = append(updates, rangeUpdate{rng: rng, values: [][]any{values}})
		updated = append(updated, i)
	}

	if len(updates) > 0 {
		if err := c.batchUpdateRanges(ctx, updates); err != nil {
			for _, i := range updated {
				results[i].Err = err
			}
		}
	}
	if len(appends) > 0 {
		if err := c.appendRows(ctx, c.config.DetailsSheet+detailRangeSuffix, appends); err != nil {
			for _, i := range appended {
				results[i].Err = err
			}
		}
	}
	return results, nil
}

// ReplaceDetails swaps out the full detail set of one header: the tab is
// rewritten with the header's old rows dropped and the new rows at the end.
// The rewritten block is written in place before the trailing surplus is
// cleared, so a failure between the two calls never leaves the tab empty.
func (c *Client) ReplaceDetails(ctx context.Context, headerExternalID string, details []quotesync.RemoteDetail) error {
	rows, err := c.readRange(ctx, c.config.DetailsSheet+detailRangeSuffix)
	if err != nil {
		return err
	}

	kept := make([][]any, 0, len(rows)+len(details))
	for _, row := range rows {
		if cellString(row, 1) == headerExternalID {
			continue
		}
		kept = append(kept, padRow(row, 7))
	}
	for _, d := range details {
		kept = append(kept, c.detailRow(d))
	}

	if len(kept) > 0 {
		rng := fmt.Sprintf("%s!A2:G%d", c.config.DetailsSheet, len(kept)+1)
		if err := c.updateRange(ctx, rng, kept); err != nil {
			return err
		}
	}
	if rng := trailingClearRange(c.config.DetailsSheet, len(kept), len(rows)); rng != "" {
		if err := c.clearRange(ctx, rng); err != nil {
			return err
		}
	}
	c.logger.Debug("Detail rows replaced on sheet",
		"header_external_id", headerExternalID, "rows", len(details))
	return nil
}

// trailingClearRange is the block of old rows left below the rewritten ones,
// or "" when the tab did not shrink. Sheet data rows start at row 2.
func trailingClearRange(sheet string, rewritten, previous int) string {
	if previous <= rewritten {
		return ""
	}
	return fmt.Sprintf("%s!A%d:G%d", sheet, rewritten+2, previous+1)
}

// rowIndexByCell maps the trimmed value of column col to the first row that
// holds it. Empty cells are skipped.
func rowIndexByCell(rows [][]any, col int) map[string]int {
	index := make(map[string]int, len(rows))
	for i, row := range rows {
		key := cellString(row, col)
		if key == "" {
			continue
		}
		if _, ok := index[key]; !ok {
			index[key] = i
		}
	}
	return index
}

func (c *Client) headerRow(h quotesync.RemoteHeader) []any {
	return []any{
		h.ExternalID,
		h.CustomerRef,
		h.Agent,
		h.DeliveryPoint,
		h.Discount.String(),
		h.State,
		h.Comment,
		boolCellValue(h.Voided),
		c.formatInstant(h.LastModified),
	}
}

func (c *Client) detailRow(d quotesync.RemoteDetail) []any {
	return []any{
		d.RemoteID,
		d.HeaderExternalID,
		d.ItemRef,
		d.Quantity.String(),
		d.UnitPrice.String(),
		d.TaxRate.String(),
		c.formatInstant(d.LastModified),
	}
}

// formatInstant renders an instant the way the sheet's human editors write
// them. Non-time values pass through untouched.
func (c *Client) formatInstant(v any) any {
	if t, ok := v.(time.Time); ok {
		return t.In(c.loc).Format(timestampLayout)
	}
	return v
}

// headerCellsEqual compares the business cells (everything but LastModified)
// of an existing sheet row with the values about to be written. The voided
// cell may come back as a genuine boolean, TRUE/FALSE text or SI/NO, so it is
// compared through the bool parser instead of textually.
func headerCellsEqual(row []any, values []any) bool {
	for i := 0; i < 7; i++ {
		if cellString(row, i) != fmt.Sprint(values[i]) {
			return false
		}
	}
	return cellBool(row, 7) == (values[7] == boolCellValue(true))
}

func padRow(row []any, width int) []any {
	if len(row) >= width {
		return row[:width]
	}
	out := make([]any, width)
	copy(out, row)
	for i := len(row); i < width; i++ {
		out[i] = ""
	}
	return out
}

func cellRaw(row []any, i int) any {
	if i >= len(row) {
		return nil
	}
	return row[i]
}

func cellString(row []any, i int) string {
	v := cellRaw(row, i)
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func cellDecimal(row []any, i int) decimal.Decimal {
	switch v := cellRaw(row, i).(type) {
	case nil:
		return decimal.Zero
	case float64:
		return decimal.NewFromFloat(v)
	case int:
		return decimal.NewFromInt(int64(v))
	case int64:
		return decimal.NewFromInt(v)
	default:
		s := strings.ReplaceAll(cellString(row, i), ",", ".")
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero
		}
		return d
	}
}

func cellBool(row []any, i int) bool {
	switch v := cellRaw(row, i).(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			// Sheet editors write SI/NO in the voided column.
			return strings.EqualFold(strings.TrimSpace(v), "si")
		}
		return b
	default:
		return false
	}
}

func boolCellValue(b bool) string {
	if b {
		return "TRUE"
	}
	return "FALSE"
}
