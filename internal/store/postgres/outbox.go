package postgres

import (
	"context"
	"database/sql"
	"time"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

const entryColumns = `id, sale_id, status, attempts, COALESCE(last_error, ''), created_at, updated_at,
	next_attempt_at, synced_at, locked_until`

func scanEntry(row interface{ Scan(...any) error }) (*domain.AccountingQueueEntry, error) {
	var entry domain.AccountingQueueEntry
	var next, synced, locked sql.NullTime
	if err := row.Scan(&entry.ID, &entry.SaleID, &entry.Status, &entry.Attempts, &entry.LastError,
		&entry.CreatedAt, &entry.UpdatedAt, &next, &synced, &locked); err != nil {
		return nil, err
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	entry.UpdatedAt = entry.UpdatedAt.UTC()
	entry.NextAttemptAt = timePtr(next)
	entry.SyncedAt = timePtr(synced)
	entry.LockedUntil = timePtr(locked)
	return &entry, nil
}

// ClaimAccountingEntries leases due entries to the caller. Rows another
// dispatcher is claiming at the same moment are skipped, not waited on.
func (s *Store) ClaimAccountingEntries(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]domain.AccountingQueueEntry, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		WITH due AS (
			SELECT id
			FROM accounting_queue
			WHERE status <> 'synced'
				AND next_attempt_at IS NOT NULL AND next_attempt_at <= $1
				AND (locked_until IS NULL OR locked_until <= $1)
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE accounting_queue q
		SET attempts = q.attempts + 1, locked_until = $3, updated_at = $1
		FROM due
		WHERE q.id = due.id
		RETURNING q.id, q.sale_id, q.status, q.attempts, COALESCE(q.last_error, ''), q.created_at, q.updated_at,
			q.next_attempt_at, q.synced_at, q.locked_until
	`, now, limit, now.Add(lease))
	if err != nil {
		return nil, translate("claim accounting entries", err)
	}
	defer rows.Close()

	claimed := make([]domain.AccountingQueueEntry, 0, limit)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, translate("claim accounting entries", err)
		}
		claimed = append(claimed, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("claim accounting entries", err)
	}
	return claimed, nil
}

func (s *Store) MarkAccountingSynced(ctx context.Context, entryID string, at time.Time) error {
	return s.inTx(ctx, "mark accounting synced", func(tx *sql.Tx) error {
		var saleID string
		if err := tx.QueryRowContext(ctx, `
			UPDATE accounting_queue
			SET status = 'synced', synced_at = $2, next_attempt_at = NULL, locked_until = NULL,
				last_error = NULL, updated_at = $2
			WHERE id = $1
			RETURNING sale_id
		`, entryID, at).Scan(&saleID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE sales SET synced_to_accounting = true WHERE id = $1`, saleID)
		return err
	})
}

func (s *Store) MarkAccountingFailed(ctx context.Context, entryID string, lastError string, nextAttemptAt *time.Time, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounting_queue
		SET status = 'failed', last_error = $2, next_attempt_at = $3, locked_until = NULL, updated_at = $4
		WHERE id = $1
	`, entryID, lastError, nullTime(nextAttemptAt), at)
	if err != nil {
		return translate("mark accounting failed", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return translate("mark accounting failed", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetAccountingEntryBySale(ctx context.Context, saleID string) (*domain.AccountingQueueEntry, error) {
	entry, err := scanEntry(s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM accounting_queue WHERE sale_id = $1`, saleID))
	if err != nil {
		return nil, translate("get accounting entry", err)
	}
	return entry, nil
}

func (s *Store) ListAccountingEntries(ctx context.Context, status string, limit int) ([]domain.AccountingQueueEntry, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM accounting_queue
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, translate("list accounting entries", err)
	}
	defer rows.Close()

	out := make([]domain.AccountingQueueEntry, 0, limit)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, translate("list accounting entries", err)
		}
		out = append(out, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("list accounting entries", err)
	}
	return out, nil
}
