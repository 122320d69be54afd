// Package ledger is the durable record of tracked tariff documents. It owns the
// fuzzy identity resolution and the ACTIVE/OBSOLETE transitions; storage
// engines plug in through Backend and run each operation in one transaction.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/utility-tariff-monitor/internal/tariff"
)

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Utility string
	Status  tariff.Status
}

// Tx is the set of primitive reads and writes a backend performs inside one
// transaction.
type Tx interface {
	// ActiveDocuments returns the utility's ACTIVE rows ordered by ID.
	ActiveDocuments(ctx context.Context, utility string) ([]tariff.TrackedDocument, error)
	// Insert stores doc and assigns doc.ID.
	Insert(ctx context.Context, doc *tariff.TrackedDocument) error
	// Update overwrites an ACTIVE row by ID. Updating an OBSOLETE or missing
	// row returns tariff.ErrNotActive.
	Update(ctx context.Context, doc tariff.TrackedDocument) error
	// Obsolete marks every ACTIVE row of the utility whose ID is not in keep
	// as OBSOLETE and returns the number of rows changed.
	Obsolete(ctx context.Context, utility string, keep []int64) (int64, error)
}

// Backend is a storage engine for the ledger.
type Backend interface {
	// InTx runs fn in a transaction, committing only when fn returns nil.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	List(ctx context.Context, filter Filter) ([]tariff.TrackedDocument, error)
	Migrate(ctx context.Context) error
	Close() error
}

// UpsertRequest describes one freshly fetched document.
type UpsertRequest struct {
	Utility string
	// Identity must carry the content hash of the fetched bytes.
	Identity     tariff.Identity
	DocumentName string
	// EffectiveAt is the remote modification hint, if any.
	EffectiveAt *time.Time
	CheckedAt   time.Time
	// Preserve lists rows that belong to the current candidate set and must
	// not be superseded when this request inserts a new row.
	Preserve []int64
}

// UpsertResult reports what the ledger did.
type UpsertResult struct {
	Outcome  tariff.UpsertOutcome
	Document tariff.TrackedDocument
	// Previous is the row as it was before an UPDATED or UNCHANGED outcome.
	Previous *tariff.TrackedDocument
	Match    tariff.MatchResult
	// Superseded counts rows marked OBSOLETE by an ADDED outcome.
	Superseded int64
	// Ambiguous lists every matching row ID when more than one matched.
	Ambiguous []int64
}

// Ledger applies reconciliation rules on top of a Backend.
type Ledger struct {
	backend Backend
	clock   tariff.Clock
	logger  *zap.Logger
}

// New wires a Ledger to a backend.
func New(backend Backend, clock tariff.Clock, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{backend: backend, clock: clock, logger: logger}
}

// Close releases the backend.
func (l *Ledger) Close() error {
	if err := l.backend.Close(); err != nil {
		return fmt.Errorf("%w: close: %w", tariff.ErrPersistence, err)
	}
	return nil
}

// Migrate creates the backend schema if needed.
func (l *Ledger) Migrate(ctx context.Context) error {
	if err := l.backend.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: migrate: %w", tariff.ErrPersistence, err)
	}
	return nil
}

// FindActive returns the ACTIVE row matching id, or nil.
func (l *Ledger) FindActive(ctx context.Context, utility string, id tariff.Identity) (*tariff.TrackedDocument, error) {
	rows, err := l.backend.List(ctx, Filter{Utility: utility, Status: tariff.StatusActive})
	if err != nil {
		return nil, fmt.Errorf("%w: find active: %w", tariff.ErrPersistence, err)
	}
	res := tariff.Resolve(id, rows)
	l.logAmbiguity("find_active", utility, id, res)
	return res.Document, nil
}

// Upsert records a fetched document. A row that matches the identity is
// updated in place (UPDATED when the hash differs, UNCHANGED otherwise); with
// no match the utility's other ACTIVE rows outside req.Preserve are marked
// OBSOLETE and a new ACTIVE row is inserted (ADDED).
func (l *Ledger) Upsert(ctx context.Context, req UpsertRequest) (UpsertResult, error) {
	if strings.TrimSpace(req.Utility) == "" {
		return UpsertResult{}, fmt.Errorf("%w: utility is required", tariff.ErrPersistence)
	}
	if req.Identity.ContentHash == "" {
		return UpsertResult{}, fmt.Errorf("%w: content hash is required", tariff.ErrPersistence)
	}
	checked := l.checkedAt(req.CheckedAt)
	name := req.DocumentName
	if name == "" {
		name = tariff.DocumentName(req.Identity.URL)
	}

	var result UpsertResult
	err := l.backend.InTx(ctx, func(ctx context.Context, tx Tx) error {
		result = UpsertResult{}
		rows, err := tx.ActiveDocuments(ctx, req.Utility)
		if err != nil {
			return fmt.Errorf("load active documents: %w", err)
		}
		res := tariff.Resolve(req.Identity, rows)
		l.logAmbiguity("upsert", req.Utility, req.Identity, res)
		if res.Ambiguous() {
			result.Ambiguous = res.MatchedIDs
		}

		if res.Document == nil {
			superseded, err := tx.Obsolete(ctx, req.Utility, req.Preserve)
			if err != nil {
				return fmt.Errorf("supersede active documents: %w", err)
			}
			doc := tariff.TrackedDocument{
				UtilityName:       req.Utility,
				URL:               req.Identity.URL,
				DocumentName:      name,
				ContentHash:       req.Identity.ContentHash,
				LinkText:          req.Identity.LinkText,
				LastCheckedAt:     checked,
				TariffEffectiveAt: effectiveAt(req.EffectiveAt, checked),
				Status:            tariff.StatusActive,
			}
			if err := tx.Insert(ctx, &doc); err != nil {
				return fmt.Errorf("insert document: %w", err)
			}
			result.Outcome = tariff.UpsertAdded
			result.Document = doc
			result.Superseded = superseded
			return nil
		}

		previous := *res.Document
		doc := previous
		doc.LastCheckedAt = checked
		result.Match = res.Match
		result.Previous = &previous
		if strings.EqualFold(previous.ContentHash, req.Identity.ContentHash) {
			result.Outcome = tariff.UpsertUnchanged
		} else {
			doc.URL = req.Identity.URL
			doc.LinkText = req.Identity.LinkText
			doc.ContentHash = req.Identity.ContentHash
			doc.DocumentName = name
			doc.TariffEffectiveAt = effectiveAt(req.EffectiveAt, checked)
			result.Outcome = tariff.UpsertUpdated
		}
		if err := tx.Update(ctx, doc); err != nil {
			return fmt.Errorf("update document %d: %w", doc.ID, err)
		}
		result.Document = doc
		return nil
	})
	if err != nil {
		return UpsertResult{}, fmt.Errorf("%w: upsert: %w", tariff.ErrPersistence, err)
	}

	l.logger.Debug("ledger upsert",
		zap.String("utility", req.Utility),
		zap.String("outcome", string(result.Outcome)),
		zap.Int64("document_id", result.Document.ID),
		zap.String("match", result.Match.String()),
		zap.Int64("superseded", result.Superseded),
	)
	return result, nil
}

// TouchLastChecked advances last_checked_at on the ACTIVE row matching id
// without touching content fields.
func (l *Ledger) TouchLastChecked(
	ctx context.Context,
	utility string,
	id tariff.Identity,
	at time.Time,
) (tariff.TrackedDocument, error) {
	checked := l.checkedAt(at)
	var touched tariff.TrackedDocument
	err := l.backend.InTx(ctx, func(ctx context.Context, tx Tx) error {
		rows, err := tx.ActiveDocuments(ctx, utility)
		if err != nil {
			return fmt.Errorf("load active documents: %w", err)
		}
		res := tariff.Resolve(id, rows)
		l.logAmbiguity("touch", utility, id, res)
		if res.Document == nil {
			return fmt.Errorf("no active document for %q: %w", id.URL, tariff.ErrNotActive)
		}
		doc := *res.Document
		doc.LastCheckedAt = checked
		if err := tx.Update(ctx, doc); err != nil {
			return fmt.Errorf("update document %d: %w", doc.ID, err)
		}
		touched = doc
		return nil
	})
	if err != nil {
		return tariff.TrackedDocument{}, fmt.Errorf("%w: touch last checked: %w", tariff.ErrPersistence, err)
	}
	return touched, nil
}

// RetireUnmatched marks the utility's ACTIVE rows outside keep as OBSOLETE.
func (l *Ledger) RetireUnmatched(ctx context.Context, utility string, keep []int64) (int64, error) {
	var retired int64
	err := l.backend.InTx(ctx, func(ctx context.Context, tx Tx) error {
		n, err := tx.Obsolete(ctx, utility, keep)
		if err != nil {
			return err
		}
		retired = n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: retire unmatched: %w", tariff.ErrPersistence, err)
	}
	return retired, nil
}

// List returns rows matching filter ordered by ID.
func (l *Ledger) List(ctx context.Context, filter Filter) ([]tariff.TrackedDocument, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("unknown status %q", filter.Status)
	}
	docs, err := l.backend.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("%w: list: %w", tariff.ErrPersistence, err)
	}
	return docs, nil
}

func (l *Ledger) checkedAt(at time.Time) time.Time {
	if !at.IsZero() {
		return at.UTC()
	}
	if l.clock != nil {
		return l.clock.Now()
	}
	return time.Now().UTC()
}

func (l *Ledger) logAmbiguity(op, utility string, id tariff.Identity, res tariff.Resolution) {
	if !res.Ambiguous() {
		return
	}
	l.logger.Warn("ambiguous ledger match; using lowest row id",
		zap.String("op", op),
		zap.String("utility", utility),
		zap.String("url", id.URL),
		zap.String("link_text", id.LinkText),
		zap.Int64s("matched_ids", res.MatchedIDs),
		zap.Int64("chosen_id", res.Document.ID),
		zap.String("match", res.Match.String()),
	)
}

func effectiveAt(hint *time.Time, checked time.Time) *time.Time {
	if hint != nil && !hint.IsZero() {
		t := hint.UTC()
		return &t
	}
	t := checked
	return &t
}

// IsNotActive reports whether err was caused by writing to a non-ACTIVE row.
func IsNotActive(err error) bool {
	return errors.Is(err, tariff.ErrNotActive)
}
