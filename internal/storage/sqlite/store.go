// Package sqlite provides a single-file record store for local runs and tests.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/cimillas/chain-trade/internal/domain"
	"github.com/cimillas/chain-trade/internal/storage/sqlite/migrations"
)

type Store struct {
	db *sql.DB
}

// Open opens the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) CreateRecord(ctx context.Context, rec domain.Record) (string, error) {
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}

	var unitPrice *string
	if rec.UnitPrice != nil {
		p := rec.UnitPrice.String()
		unitPrice = &p
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO execution_records (
	id, subject_id, kind, source_address, destination, pair,
	amount, unit_price, status, tx_hash, idempotency_key, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, rec.SubjectID, string(rec.Kind), rec.Source, rec.Destination, rec.Pair,
		rec.Amount.String(), unitPrice, string(rec.Status), nullIfEmpty(rec.TxHash), nullIfEmpty(rec.IdempotencyKey),
		rec.CreatedAt.UTC().UnixMilli(), rec.UpdatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", domain.ErrIdempotencyConflict
		}
		return "", fmt.Errorf("create record: %w", err)
	}
	return id, nil
}

func (s *Store) UpdateRecordStatus(ctx context.Context, id string, status domain.Status, txHash string, at time.Time) error {
	if !status.Terminal() {
		return domain.ErrInvalidTransition
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE execution_records
SET status = ?, tx_hash = ?, updated_at = ?
WHERE id = ? AND status = 'pending'`,
		string(status), nullIfEmpty(txHash), at.UTC().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("update record status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update record status: %w", err)
	}
	if n == 1 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM execution_records WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrRecordNotFound
	}
	if err != nil {
		return fmt.Errorf("read record status: %w", err)
	}
	if domain.Status(current) == status {
		return nil
	}
	return domain.ErrStatusConflict
}

const recordColumns = `id, subject_id, kind, source_address, destination, pair,
	amount, unit_price, status, tx_hash, idempotency_key, created_at, updated_at`

func (s *Store) GetRecord(ctx context.Context, id string) (domain.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM execution_records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Record{}, domain.ErrRecordNotFound
	}
	if err != nil {
		return domain.Record{}, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

func (s *Store) FindRecordByIdempotencyKey(ctx context.Context, key string) (*domain.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM execution_records WHERE idempotency_key = ?`, key)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find record by idempotency key: %w", err)
	}
	return &rec, nil
}

// ListRecords returns records matching filter, newest first. Empty subject and
// zero bounds are not applied.
func (s *Store) ListRecords(ctx context.Context, filter domain.RecordFilter) ([]domain.Record, error) {
	var (
		where []string
		args  []any
	)
	if filter.SubjectID != "" {
		where = append(where, "subject_id = ?")
		args = append(args, filter.SubjectID)
	}
	if !filter.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, filter.From.UTC().UnixMilli())
	}
	if !filter.To.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, filter.To.UTC().UnixMilli())
	}

	query := `SELECT ` + recordColumns + ` FROM execution_records`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var records []domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list records: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (domain.Record, error) {
	var (
		rec                     domain.Record
		kind, status, amount    string
		unitPrice, txHash, idem sql.NullString
		createdAt, updatedAt    int64
	)
	err := row.Scan(&rec.ID, &rec.SubjectID, &kind, &rec.Source, &rec.Destination, &rec.Pair,
		&amount, &unitPrice, &status, &txHash, &idem, &createdAt, &updatedAt)
	if err != nil {
		return domain.Record{}, err
	}

	rec.Kind = domain.Kind(kind)
	rec.Status = domain.Status(status)
	rec.TxHash = txHash.String
	rec.IdempotencyKey = idem.String
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if rec.Amount, err = decimal.NewFromString(amount); err != nil {
		return domain.Record{}, fmt.Errorf("parse amount: %w", err)
	}
	if unitPrice.Valid {
		p, err := decimal.NewFromString(unitPrice.String)
		if err != nil {
			return domain.Record{}, fmt.Errorf("parse unit price: %w", err)
		}
		rec.UnitPrice = &p
	}
	return rec, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3lib.SQLITE_CONSTRAINT_UNIQUE, sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
