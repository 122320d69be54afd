// Package postgres stores the tariff ledger in Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/utility-tariff-monitor/internal/ledger"
	"github.com/JakeFAU/utility-tariff-monitor/internal/tariff"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for ledger rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// Backend implements ledger.Backend on a pgx pool.
type Backend struct {
	pool  pool
	table string
}

// Open creates a pooled Backend using the provided config.
func Open(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("ledger.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Backend{pool: p, table: table}, nil
}

// NewWithPool constructs a Backend from an existing pool (primarily for testing).
func NewWithPool(p pool, table string) (*Backend, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &Backend{pool: p, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = "tariff_documents"
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Migrate creates the table and its lookup index.
func (b *Backend) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id                  BIGSERIAL PRIMARY KEY,
	utility_name        TEXT NOT NULL,
	url                 TEXT NOT NULL,
	document_name       TEXT NOT NULL,
	content_hash        TEXT,
	link_text           TEXT NOT NULL DEFAULT '',
	last_checked_at     TIMESTAMPTZ NOT NULL,
	tariff_effective_at TIMESTAMPTZ,
	status              TEXT NOT NULL DEFAULT 'ACTIVE' CHECK (status IN ('ACTIVE', 'OBSOLETE'))
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_utility_status ON %[1]s (utility_name, status);
`, b.table)
	if _, err := b.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("migrate %s: %w", b.table, err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (b *Backend) Close() error {
	if b == nil || b.pool == nil {
		return nil
	}
	b.pool.Close()
	return nil
}

// InTx runs fn in a transaction.
func (b *Backend) InTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	pgTx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(ctx, &txn{tx: pgTx, table: b.table}); err != nil {
		if rbErr := pgTx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// List returns rows matching filter ordered by ID.
func (b *Backend) List(ctx context.Context, filter ledger.Filter) ([]tariff.TrackedDocument, error) {
	query := selectColumns(b.table) + `
WHERE ($1 = '' OR utility_name = $1) AND ($2 = '' OR status = $2)
ORDER BY id`
	rows, err := b.pool.Query(ctx, query, filter.Utility, string(filter.Status))
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return scanDocuments(rows)
}

type txn struct {
	tx    pgx.Tx
	table string
}

func (t *txn) ActiveDocuments(ctx context.Context, utility string) ([]tariff.TrackedDocument, error) {
	query := selectColumns(t.table) + `
WHERE utility_name = $1 AND status = 'ACTIVE'
ORDER BY id
FOR UPDATE`
	rows, err := t.tx.Query(ctx, query, utility)
	if err != nil {
		return nil, fmt.Errorf("active documents: %w", err)
	}
	return scanDocuments(rows)
}

func (t *txn) Insert(ctx context.Context, doc *tariff.TrackedDocument) error {
	query := fmt.Sprintf(`
INSERT INTO %s (
	utility_name,
	url,
	document_name,
	content_hash,
	link_text,
	last_checked_at,
	tariff_effective_at,
	status
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8
) RETURNING id`, t.table)
	err := t.tx.QueryRow(ctx, query,
		doc.UtilityName,
		doc.URL,
		doc.DocumentName,
		doc.ContentHash,
		doc.LinkText,
		doc.LastCheckedAt,
		doc.TariffEffectiveAt,
		string(doc.Status),
	).Scan(&doc.ID)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (t *txn) Update(ctx context.Context, doc tariff.TrackedDocument) error {
	query := fmt.Sprintf(`
UPDATE %s SET
	url = $2,
	document_name = $3,
	content_hash = $4,
	link_text = $5,
	last_checked_at = $6,
	tariff_effective_at = $7
WHERE id = $1 AND status = 'ACTIVE'`, t.table)
	tag, err := t.tx.Exec(ctx, query,
		doc.ID,
		doc.URL,
		doc.DocumentName,
		doc.ContentHash,
		doc.LinkText,
		doc.LastCheckedAt,
		doc.TariffEffectiveAt,
	)
	if err != nil {
		return fmt.Errorf("update document %d: %w", doc.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %d: %w", doc.ID, tariff.ErrNotActive)
	}
	return nil
}

func (t *txn) Obsolete(ctx context.Context, utility string, keep []int64) (int64, error) {
	if keep == nil {
		keep = []int64{}
	}
	query := fmt.Sprintf(`
UPDATE %s SET status = 'OBSOLETE'
WHERE utility_name = $1 AND status = 'ACTIVE' AND NOT (id = ANY($2))`, t.table)
	tag, err := t.tx.Exec(ctx, query, utility, keep)
	if err != nil {
		return 0, fmt.Errorf("obsolete documents: %w", err)
	}
	return tag.RowsAffected(), nil
}

func selectColumns(table string) string {
	return fmt.Sprintf(`
SELECT
	id,
	utility_name,
	url,
	document_name,
	COALESCE(content_hash, ''),
	link_text,
	last_checked_at,
	tariff_effective_at,
	status
FROM %s`, table)
}

func scanDocuments(rows pgx.Rows) ([]tariff.TrackedDocument, error) {
	defer rows.Close()
	var out []tariff.TrackedDocument
	for rows.Next() {
		var (
			doc    tariff.TrackedDocument
			status string
		)
		if err := rows.Scan(
			&doc.ID,
			&doc.UtilityName,
			&doc.URL,
			&doc.DocumentName,
			&doc.ContentHash,
			&doc.LinkText,
			&doc.LastCheckedAt,
			&doc.TariffEffectiveAt,
			&status,
		); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		doc.Status = tariff.Status(status)
		doc.LastCheckedAt = doc.LastCheckedAt.UTC()
		if doc.TariffEffectiveAt != nil {
			eff := doc.TariffEffectiveAt.UTC()
			doc.TariffEffectiveAt = &eff
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}
