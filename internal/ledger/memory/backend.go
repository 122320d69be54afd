// Package memory provides an in-memory ledger backend for development and testing.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/utility-tariff-monitor/internal/ledger"
	"github.com/JakeFAU/utility-tariff-monitor/internal/tariff"
)

// Backend stores ledger rows in a slice. Transactions work on a copy that
// replaces the committed state only when the callback succeeds.
type Backend struct {
	mu     sync.Mutex
	rows   []tariff.TrackedDocument
	nextID int64
}

// New constructs an empty Backend.
func New() *Backend {
	return &Backend{nextID: 1}
}

// InTx runs fn against a snapshot and commits it on success.
func (b *Backend) InTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	tx := &memTx{rows: cloneRows(b.rows), nextID: b.nextID}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	b.rows = tx.rows
	b.nextID = tx.nextID
	return nil
}

// List returns the rows matching filter ordered by ID.
func (b *Backend) List(_ context.Context, filter ledger.Filter) ([]tariff.TrackedDocument, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]tariff.TrackedDocument, 0, len(b.rows))
	for _, row := range b.rows {
		if filter.Utility != "" && row.UtilityName != filter.Utility {
			continue
		}
		if filter.Status != "" && row.Status != filter.Status {
			continue
		}
		out = append(out, cloneRow(row))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Migrate is a no-op.
func (b *Backend) Migrate(context.Context) error {
	return nil
}

// Close is a no-op.
func (b *Backend) Close() error {
	return nil
}

type memTx struct {
	rows   []tariff.TrackedDocument
	nextID int64
}

func (t *memTx) ActiveDocuments(_ context.Context, utility string) ([]tariff.TrackedDocument, error) {
	var out []tariff.TrackedDocument
	for _, row := range t.rows {
		if row.UtilityName == utility && row.Active() {
			out = append(out, cloneRow(row))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) Insert(_ context.Context, doc *tariff.TrackedDocument) error {
	doc.ID = t.nextID
	t.nextID++
	t.rows = append(t.rows, cloneRow(*doc))
	return nil
}

func (t *memTx) Update(_ context.Context, doc tariff.TrackedDocument) error {
	for i := range t.rows {
		if t.rows[i].ID != doc.ID {
			continue
		}
		if !t.rows[i].Active() {
			return tariff.ErrNotActive
		}
		t.rows[i] = cloneRow(doc)
		return nil
	}
	return tariff.ErrNotActive
}

func (t *memTx) Obsolete(_ context.Context, utility string, keep []int64) (int64, error) {
	kept := make(map[int64]struct{}, len(keep))
	for _, id := range keep {
		kept[id] = struct{}{}
	}
	var n int64
	for i := range t.rows {
		row := &t.rows[i]
		if row.UtilityName != utility || !row.Active() {
			continue
		}
		if _, ok := kept[row.ID]; ok {
			continue
		}
		row.Status = tariff.StatusObsolete
		n++
	}
	return n, nil
}

func cloneRows(rows []tariff.TrackedDocument) []tariff.TrackedDocument {
	out := make([]tariff.TrackedDocument, len(rows))
	for i, row := range rows {
		out[i] = cloneRow(row)
	}
	return out
}

func cloneRow(row tariff.TrackedDocument) tariff.TrackedDocument {
	if row.TariffEffectiveAt != nil {
		ts := *row.TariffEffectiveAt
		row.TariffEffectiveAt = &ts
	}
	return row
}
