// Package sqlite stores the tariff ledger in an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/JakeFAU/utility-tariff-monitor/internal/ledger"
	"github.com/JakeFAU/utility-tariff-monitor/internal/tariff"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const timeLayout = time.RFC3339Nano

// Config controls the database file and table.
type Config struct {
	// Path is a file path or any DSN accepted by modernc.org/sqlite.
	Path  string
	Table string
}

// Backend implements ledger.Backend on database/sql.
type Backend struct {
	db    *sql.DB
	table string
}

// Open opens the database and applies the connection pragmas.
func Open(cfg Config) (*Backend, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("ledger.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// One writer keeps read-modify-write transactions serialized.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: exec %s: %w", pragma, err)
		}
	}
	return &Backend{db: db, table: table}, nil
}

// NewWithDB wraps an existing handle (primarily for testing).
func NewWithDB(db *sql.DB, table string) (*Backend, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &Backend{db: db, table: name}, nil
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
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	utility_name        TEXT NOT NULL,
	url                 TEXT NOT NULL,
	document_name       TEXT NOT NULL,
	content_hash        TEXT,
	link_text           TEXT NOT NULL DEFAULT '',
	last_checked_at     TEXT NOT NULL,
	tariff_effective_at TEXT,
	status              TEXT NOT NULL DEFAULT 'ACTIVE' CHECK (status IN ('ACTIVE', 'OBSOLETE'))
);

CREATE INDEX IF NOT EXISTS idx_%[1]s_utility_status ON %[1]s(utility_name, status);
`, b.table)
	if _, err := b.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (b *Backend) Close() error {
	return b.db.Close()
}

// InTx runs fn in a database transaction.
func (b *Backend) InTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	sqlTx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	if err := fn(ctx, &txn{tx: sqlTx, table: b.table}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("sqlite: rollback: %w", rbErr))
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

// List returns rows matching filter ordered by ID.
func (b *Backend) List(ctx context.Context, filter ledger.Filter) ([]tariff.TrackedDocument, error) {
	var (
		where []string
		args  []any
	)
	if filter.Utility != "" {
		where = append(where, "utility_name = ?")
		args = append(args, filter.Utility)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	query := selectColumns(b.table)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list: %w", err)
	}
	return scanDocuments(rows)
}

type txn struct {
	tx    *sql.Tx
	table string
}

func (t *txn) ActiveDocuments(ctx context.Context, utility string) ([]tariff.TrackedDocument, error) {
	query := selectColumns(t.table) + " WHERE utility_name = ? AND status = 'ACTIVE' ORDER BY id"
	rows, err := t.tx.QueryContext(ctx, query, utility)
	if err != nil {
		return nil, fmt.Errorf("sqlite: active documents: %w", err)
	}
	return scanDocuments(rows)
}

func (t *txn) Insert(ctx context.Context, doc *tariff.TrackedDocument) error {
	query := fmt.Sprintf(`INSERT INTO %s (
	utility_name, url, document_name, content_hash, link_text,
	last_checked_at, tariff_effective_at, status
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, t.table)
	res, err := t.tx.ExecContext(ctx, query,
		doc.UtilityName,
		doc.URL,
		doc.DocumentName,
		nullString(doc.ContentHash),
		doc.LinkText,
		formatTime(doc.LastCheckedAt),
		formatTimePtr(doc.TariffEffectiveAt),
		string(doc.Status),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert document: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("sqlite: last insert id: %w", err)
	}
	doc.ID = id
	return nil
}

func (t *txn) Update(ctx context.Context, doc tariff.TrackedDocument) error {
	query := fmt.Sprintf(`UPDATE %s SET
	url = ?, document_name = ?, content_hash = ?, link_text = ?,
	last_checked_at = ?, tariff_effective_at = ?
WHERE id = ? AND status = 'ACTIVE'`, t.table)
	res, err := t.tx.ExecContext(ctx, query,
		doc.URL,
		doc.DocumentName,
		nullString(doc.ContentHash),
		doc.LinkText,
		formatTime(doc.LastCheckedAt),
		formatTimePtr(doc.TariffEffectiveAt),
		doc.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update document %d: %w", doc.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("document %d: %w", doc.ID, tariff.ErrNotActive)
	}
	return nil
}

func (t *txn) Obsolete(ctx context.Context, utility string, keep []int64) (int64, error) {
	query := fmt.Sprintf(`UPDATE %s SET status = 'OBSOLETE' WHERE utility_name = ? AND status = 'ACTIVE'`, t.table)
	args := []any{utility}
	if len(keep) > 0 {
		marks := make([]string, len(keep))
		for i, id := range keep {
			marks[i] = "?"
			args = append(args, id)
		}
		query += " AND id NOT IN (" + strings.Join(marks, ", ") + ")"
	}
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite: obsolete documents: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: rows affected: %w", err)
	}
	return n, nil
}

func selectColumns(table string) string {
	return fmt.Sprintf(`SELECT id, utility_name, url, document_name, content_hash, link_text,
	last_checked_at, tariff_effective_at, status FROM %s`, table)
}

func scanDocuments(rows *sql.Rows) ([]tariff.TrackedDocument, error) {
	defer rows.Close()
	var out []tariff.TrackedDocument
	for rows.Next() {
		var (
			doc       tariff.TrackedDocument
			hash      sql.NullString
			checked   string
			effective sql.NullString
			status    string
		)
		if err := rows.Scan(
			&doc.ID,
			&doc.UtilityName,
			&doc.URL,
			&doc.DocumentName,
			&hash,
			&doc.LinkText,
			&checked,
			&effective,
			&status,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scan document: %w", err)
		}
		doc.ContentHash = hash.String
		doc.Status = tariff.Status(status)
		ts, err := time.Parse(timeLayout, checked)
		if err != nil {
			return nil, fmt.Errorf("sqlite: document %d last_checked_at: %w", doc.ID, err)
		}
		doc.LastCheckedAt = ts
		if effective.Valid && effective.String != "" {
			eff, err := time.Parse(timeLayout, effective.String)
			if err != nil {
				return nil, fmt.Errorf("sqlite: document %d tariff_effective_at: %w", doc.ID, err)
			}
			doc.TariffEffectiveAt = &eff
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate documents: %w", err)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}
