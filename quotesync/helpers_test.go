// Copyright 2026 El Molino SRL
// SPDX-License-Identifier: Apache-2.0

package quotesync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store mirroring the documented semantics of the
// Postgres implementation (strict cutoff bounds, idempotent correlation
// upsert, atomic detail replacement).
type memStore struct {
	mu         sync.Mutex
	nextID     int64
	headers    map[int64]*Header
	details    map[int64]*Detail
	corr       map[int64]Correlation
	checkpoint *Checkpoint
	audit      []AuditEntry

	// failReplaceFor injects a failure into ReplaceDetailsFromRemote before
	// anything is committed, simulating a rolled-back transaction.
	failReplaceFor map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		headers:        make(map[int64]*Header),
		details:        make(map[int64]*Detail),
		corr:           make(map[int64]Correlation),
		failReplaceFor: make(map[string]bool),
	}
}

func (m *memStore) activate(cutoff time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoint = &Checkpoint{
		ID:            1,
		RemoteStoreID: "sheet-test",
		CutoffAt:      cutoff,
		Active:        true,
		CreatedAt:     cutoff,
	}
}

func (m *memStore) addHeader(h Header) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	h.ID = m.nextID
	m.headers[h.ID] = &h
	return h.ID
}

func (m *memStore) addDetail(d Detail) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	d.ID = m.nextID
	m.details[d.ID] = &d
	return d.ID
}

func (m *memStore) ActiveCheckpoint(ctx context.Context) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checkpoint == nil || !m.checkpoint.Active {
		return nil, ErrNoActiveCheckpoint
	}
	c := *m.checkpoint
	return &c, nil
}

func (m *memStore) AdvanceCheckpoint(ctx context.Context, cutoff time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checkpoint == nil || !m.checkpoint.Active {
		return ErrNoActiveCheckpoint
	}
	m.checkpoint.CutoffAt = cutoff
	return nil
}

func (m *memStore) ChangedHeaders(ctx context.Context, cutoff time.Time) ([]Header, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Header
	for _, h := range m.headers {
		if !h.Active || h.ExternalID == "" {
			continue
		}
		changed := h.UpdatedAt.After(cutoff)
		if !changed {
			for _, d := range m.details {
				if d.HeaderID != nil && *d.HeaderID == h.ID && d.UpdatedAt.After(cutoff) {
					changed = true
					break
				}
			}
		}
		if changed {
			out = append(out, *h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) VoidedHeaders(ctx context.Context, cutoff time.Time) ([]Header, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Header
	for _, h := range m.headers {
		if !h.Active && h.ExternalID != "" && h.UpdatedAt.After(cutoff) {
			out = append(out, *h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) HeaderByExternalID(ctx context.Context, externalID string) (*Header, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.headers {
		if h.ExternalID == externalID {
			c := *h
			return &c, nil
		}
	}
	return nil, ErrHeaderNotFound
}

func (m *memStore) InsertHeader(ctx context.Context, h *Header) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	h.ID = m.nextID
	c := *h
	m.headers[h.ID] = &c
	return nil
}

func (m *memStore) OverwriteHeader(ctx context.Context, h *Header) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.headers[h.ID]; !ok {
		return ErrHeaderNotFound
	}
	c := *h
	m.headers[h.ID] = &c
	return nil
}

func (m *memStore) LastLocalEdit(ctx context.Context, headerID int64) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.headers[headerID]
	if !ok {
		return time.Time{}, ErrHeaderNotFound
	}
	last := h.UpdatedAt
	for _, d := range m.details {
		if d.HeaderID != nil && *d.HeaderID == headerID && d.UpdatedAt.After(last) {
			last = d.UpdatedAt
		}
	}
	return last, nil
}

func (m *memStore) DetailsByHeader(ctx context.Context, headerID int64) ([]Detail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Detail
	for _, d := range m.details {
		if d.HeaderID != nil && *d.HeaderID == headerID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) ReplaceDetailsFromRemote(ctx context.Context, headerID int64, headerExternalID string, recs []ReconciledDetail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReplaceFor[headerExternalID] {
		// Simulated mid-transaction failure: nothing committed.
		return fmt.Errorf("injected replace failure for %s", headerExternalID)
	}
	for id, d := range m.details {
		if d.HeaderID != nil && *d.HeaderID == headerID {
			delete(m.details, id)
			delete(m.corr, id)
		}
	}
	for _, rec := range recs {
		m.nextID++
		d := rec.Detail
		d.ID = m.nextID
		m.details[d.ID] = &d
		m.corr[d.ID] = Correlation{
			LocalDetailID:  d.ID,
			RemoteDetailID: rec.RemoteID,
			Source:         OriginRemote,
			AssignedAt:     time.Now(),
		}
	}
	return nil
}

func (m *memStore) LookupByLocalDetailID(ctx context.Context, localDetailID int64) (*Correlation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.corr[localDetailID]; ok {
		return &c, nil
	}
	return nil, nil
}

func (m *memStore) LookupByRemoteDetailID(ctx context.Context, remoteDetailID string) (*Correlation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.corr {
		if c.RemoteDetailID == remoteDetailID {
			cc := c
			return &cc, nil
		}
	}
	return nil, nil
}

func (m *memStore) UpsertCorrelation(ctx context.Context, localDetailID int64, remoteDetailID string, source Origin) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.corr[localDetailID]; ok && existing.RemoteDetailID == remoteDetailID {
		return nil // identical pair, no-op
	}
	m.corr[localDetailID] = Correlation{
		LocalDetailID:  localDetailID,
		RemoteDetailID: remoteDetailID,
		Source:         source,
		AssignedAt:     time.Now(),
	}
	return nil
}

func (m *memStore) RemoteDetailIDExists(ctx context.Context, remoteDetailID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.corr {
		if c.RemoteDetailID == remoteDetailID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) DetailsMissingCorrelation(ctx context.Context, headerExternalIDs []string) ([]Detail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var wanted map[string]bool
	if len(headerExternalIDs) > 0 {
		wanted = make(map[string]bool)
		for _, ext := range headerExternalIDs {
			wanted[ext] = true
		}
	}
	var out []Detail
	for _, d := range m.details {
		if wanted != nil && !wanted[d.HeaderExternalID] {
			continue
		}
		if _, ok := m.corr[d.ID]; ok {
			continue
		}
		active := false
		for _, h := range m.headers {
			if h.ExternalID == d.HeaderExternalID && h.Active {
				active = true
				break
			}
		}
		if active {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) CountOrphanEntries(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id := range m.corr {
		if _, ok := m.details[id]; !ok {
			n++
		}
	}
	return n, nil
}

func (m *memStore) DeleteOrphanEntries(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id := range m.corr {
		if _, ok := m.details[id]; !ok {
			delete(m.corr, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) AppendCycle(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.ID = m.nextID
	m.audit = append(m.audit, *e)
	return nil
}

func (m *memStore) RecentCycles(ctx context.Context, limit int) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AuditEntry, 0, limit)
	for i := len(m.audit) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.audit[i])
	}
	return out, nil
}

// memRemote is an in-memory RemoteStore with per-candidate fault injection.
type memRemote struct {
	mu      sync.Mutex
	headers map[string]RemoteHeader
	details map[string][]RemoteDetail

	upsertHeaderErr map[string]error
	readHeadersErr  error
	upsertDetailErr error

	headerUpserts []RemoteHeader
	detailUpserts []RemoteDetail
	headerBatches  int
	detailBatches  int
	detailReplaces int

	// blockReadHeaders, when set, signals readStarted then waits for release.
	blockReadHeaders bool
	readStarted      chan struct{}
	release          chan struct{}
}

func newMemRemote() *memRemote {
	return &memRemote{
		headers:         make(map[string]RemoteHeader),
		details:         make(map[string][]RemoteDetail),
		upsertHeaderErr: make(map[string]error),
	}
}

func (r *memRemote) ReadHeaders(ctx context.Context) ([]RemoteHeader, error) {
	r.mu.Lock()
	block := r.blockReadHeaders
	r.mu.Unlock()
	if block {
		r.readStarted <- struct{}{}
		<-r.release
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.readHeadersErr != nil {
		return nil, r.readHeadersErr
	}
	out := make([]RemoteHeader, 0, len(r.headers))
	for _, h := range r.headers {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

func (r *memRemote) ReadDetails(ctx context.Context, headerExternalIDs []string) (map[string][]RemoteDetail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]RemoteDetail)
	if len(headerExternalIDs) == 0 {
		for ext, rows := range r.details {
			out[ext] = append([]RemoteDetail(nil), rows...)
		}
		return out, nil
	}
	for _, ext := range headerExternalIDs {
		if rows, ok := r.details[ext]; ok {
			out[ext] = append([]RemoteDetail(nil), rows...)
		}
	}
	return out, nil
}

func (r *memRemote) UpsertHeaders(ctx context.Context, hs []RemoteHeader) ([]HeaderUpsertResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.headerBatches++
	out := make([]HeaderUpsertResult, len(hs))
	for i, h := range hs {
		out[i].ExternalID = h.ExternalID
		if err := r.upsertHeaderErr[h.ExternalID]; err != nil {
			out[i].Err = err
			continue
		}
		_, existed := r.headers[h.ExternalID]
		r.headers[h.ExternalID] = h
		r.headerUpserts = append(r.headerUpserts, h)
		out[i].Outcome = RemoteInserted
		if existed {
			out[i].Outcome = RemoteUpdated
		}
	}
	return out, nil
}

func (r *memRemote) UpsertDetails(ctx context.Context, ds []RemoteDetail) ([]DetailUpsertResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detailBatches++
	out := make([]DetailUpsertResult, len(ds))
	for i, d := range ds {
		out[i].RemoteID = d.RemoteID
		if r.upsertDetailErr != nil {
			out[i].Err = r.upsertDetailErr
			continue
		}
		rows := r.details[d.HeaderExternalID]
		replaced := false
		for j, row := range rows {
			if row.RemoteID == d.RemoteID {
				rows[j] = d
				replaced = true
				break
			}
		}
		if !replaced {
			rows = append(rows, d)
		}
		r.details[d.HeaderExternalID] = rows
		r.detailUpserts = append(r.detailUpserts, d)
	}
	return out, nil
}

func (r *memRemote) ReplaceDetails(ctx context.Context, headerExternalID string, rows []RemoteDetail) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detailReplaces++
	r.details[headerExternalID] = append([]RemoteDetail(nil), rows...)
	return nil
}

func newTestEngine(t *testing.T, store Store, remote RemoteStore) *Engine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := NewEngine(store, remote, &EngineConfig{RemoteCallTimeout: time.Second}, logger)
	require.NoError(t, err)
	return e
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func ptr(v int64) *int64 { return &v }
