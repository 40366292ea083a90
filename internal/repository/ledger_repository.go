package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stevemoraco/Kull-sub004/internal/models"
)

// LedgerRepository is append-only: entries are inserted, never updated or
// deleted, and balances are always summed from them.
type LedgerRepository struct {
	pool *pgxpool.Pool
}

func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

func insertLedgerEntry(ctx context.Context, q querier, entry models.LedgerEntry) error {
	const query = `
		INSERT INTO credit_ledger (id, user_id, entry_type, credits, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`
	_, err := q.Exec(ctx, query,
		entry.ID,
		entry.UserID,
		entry.EntryType,
		entry.Credits,
		entry.Metadata,
	)
	return err
}

func (r *LedgerRepository) Append(ctx context.Context, entry models.LedgerEntry) error {
	return insertLedgerEntry(ctx, r.pool, entry)
}

func (r *LedgerRepository) Balance(ctx context.Context, userID string) (int64, error) {
	const query = `
		SELECT COALESCE(SUM(CASE WHEN entry_type = 'debit' THEN -credits ELSE credits END), 0)
		FROM credit_ledger
		WHERE user_id = $1
	`
	var balance int64
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&balance); err != nil {
		return 0, err
	}
	return balance, nil
}

func (r *LedgerRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]models.LedgerEntry, error) {
	const query = `
		SELECT id, user_id, entry_type, credits, metadata, created_at
		FROM credit_ledger
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var entry models.LedgerEntry
		if err := rows.Scan(
			&entry.ID,
			&entry.UserID,
			&entry.EntryType,
			&entry.Credits,
			&entry.Metadata,
			&entry.CreatedAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// TotalDebited sums debits since the given time, across all users.
func (r *LedgerRepository) TotalDebited(ctx context.Context, since time.Time) (int64, error) {
	const query = `
		SELECT COALESCE(SUM(credits), 0)
		FROM credit_ledger
		WHERE entry_type = 'debit' AND created_at >= $1
	`
	var total int64
	if err := r.pool.QueryRow(ctx, query, since).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}
