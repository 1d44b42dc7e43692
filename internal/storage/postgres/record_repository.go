package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/cimillas/chain-trade/internal/domain"
)

type RecordRepository struct {
	pool *pgxpool.Pool
}

func NewRecordRepository(pool *pgxpool.Pool) *RecordRepository {
	return &RecordRepository{pool: pool}
}

func (r *RecordRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.pool, fn)
}

const recordColumns = `id::text, subject_id, kind, source_address, destination, pair,
	amount::text, unit_price::text, status, tx_hash, idempotency_key, created_at, updated_at`

// CreateRecord inserts rec and returns its id. The database assigns one when
// rec.ID is empty.
func (r *RecordRepository) CreateRecord(ctx context.Context, rec domain.Record) (string, error) {
	const stmt = `
INSERT INTO execution_records (
	id, subject_id, kind, source_address, destination, pair,
	amount, unit_price, status, tx_hash, idempotency_key, created_at, updated_at
)
VALUES (
	COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6,
	$7::numeric, $8::numeric, $9, $10, $11, $12, $13
)
RETURNING id::text`

	var unitPrice *string
	if rec.UnitPrice != nil {
		s := rec.UnitPrice.String()
		unitPrice = &s
	}

	var id string
	err := r.queryRow(ctx, stmt,
		rec.ID, rec.SubjectID, string(rec.Kind), rec.Source, rec.Destination, rec.Pair,
		rec.Amount.String(), unitPrice, string(rec.Status), nullIfEmpty(rec.TxHash), nullIfEmpty(rec.IdempotencyKey),
		rec.CreatedAt, rec.UpdatedAt,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return "", domain.ErrIdempotencyConflict
		}
		if isInvalidUUID(err) {
			return "", domain.ErrInvalidID
		}
		return "", fmt.Errorf("create record: %w", err)
	}
	return id, nil
}

// UpdateRecordStatus moves a pending record to a terminal status. Repeating
// the same terminal status is a no-op; a different one is ErrStatusConflict.
func (r *RecordRepository) UpdateRecordStatus(ctx context.Context, id string, status domain.Status, txHash string, at time.Time) error {
	if !status.Terminal() {
		return domain.ErrInvalidTransition
	}

	return r.WithTx(ctx, func(txCtx context.Context) error {
		var current string
		err := r.queryRow(txCtx, `SELECT status FROM execution_records WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if err != nil {
			if isInvalidUUID(err) {
				return domain.ErrInvalidID
			}
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrRecordNotFound
			}
			return fmt.Errorf("lock record: %w", err)
		}

		switch domain.Status(current) {
		case domain.StatusPending:
		case status:
			return nil
		default:
			return domain.ErrStatusConflict
		}

		const stmt = `
UPDATE execution_records
SET status = $2, tx_hash = $3, updated_at = $4
WHERE id = $1 AND status = 'pending'`
		tag, err := r.exec(txCtx, stmt, id, string(status), nullIfEmpty(txHash), at)
		if err != nil {
			if isCheckViolation(err) {
				return domain.ErrStatusConflict
			}
			return fmt.Errorf("update record status: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrRecordNotFound
		}
		return nil
	})
}

func (r *RecordRepository) GetRecord(ctx context.Context, id string) (domain.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM execution_records WHERE id = $1`

	rec, err := scanRecord(r.queryRow(ctx, query, id))
	if err != nil {
		if isInvalidUUID(err) {
			return domain.Record{}, domain.ErrInvalidID
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Record{}, domain.ErrRecordNotFound
		}
		return domain.Record{}, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

func (r *RecordRepository) FindRecordByIdempotencyKey(ctx context.Context, key string) (*domain.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM execution_records WHERE idempotency_key = $1`

	rec, err := scanRecord(r.queryRow(ctx, query, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find record by idempotency key: %w", err)
	}
	return &rec, nil
}

// ListRecords returns records matching filter, newest first. Empty subject and
// zero bounds are not applied.
func (r *RecordRepository) ListRecords(ctx context.Context, filter domain.RecordFilter) ([]domain.Record, error) {
	query := `SELECT ` + recordColumns + `
FROM execution_records
WHERE ($1 = '' OR subject_id = $1)
	AND ($2::timestamptz IS NULL OR created_at >= $2)
	AND ($3::timestamptz IS NULL OR created_at <= $3)
ORDER BY created_at DESC, id
LIMIT $4`

	rows, err := r.query(ctx, query, filter.SubjectID, nullIfZero(filter.From), nullIfZero(filter.To), filter.Limit)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Record, error) {
		return scanRecord(row)
	})
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return records, nil
}

func scanRecord(row pgx.Row) (domain.Record, error) {
	var (
		rec                     domain.Record
		kind, status, amount    string
		unitPrice, txHash, idem *string
	)
	err := row.Scan(&rec.ID, &rec.SubjectID, &kind, &rec.Source, &rec.Destination, &rec.Pair,
		&amount, &unitPrice, &status, &txHash, &idem, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return domain.Record{}, err
	}

	rec.Kind = domain.Kind(kind)
	rec.Status = domain.Status(status)
	if rec.Amount, err = decimal.NewFromString(amount); err != nil {
		return domain.Record{}, fmt.Errorf("parse amount: %w", err)
	}
	if unitPrice != nil {
		p, err := decimal.NewFromString(*unitPrice)
		if err != nil {
			return domain.Record{}, fmt.Errorf("parse unit price: %w", err)
		}
		rec.UnitPrice = &p
	}
	if txHash != nil {
		rec.TxHash = *txHash
	}
	if idem != nil {
		rec.IdempotencyKey = *idem
	}
	return rec, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullIfZero(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (r *RecordRepository) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return r.pool.Exec(ctx, sql, args...)
}

func (r *RecordRepository) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return r.pool.QueryRow(ctx, sql, args...)
}

func (r *RecordRepository) query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Query(ctx, sql, args...)
	}
	return r.pool.Query(ctx, sql, args...)
}

func (r *RecordRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
