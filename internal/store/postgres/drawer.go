package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

const sessionColumns = `id, cashier_id, store_id, status, opening_amount, expected_amount, counted_amount,
	variance, count_verified, COALESCE(notes, ''), opened_at, last_counted_at, closed_at`

func scanSession(row interface{ Scan(...any) error }) (*domain.DrawerSession, error) {
	var session domain.DrawerSession
	var counted, variance decimal.NullDecimal
	var lastCounted, closedAt sql.NullTime
	if err := row.Scan(&session.ID, &session.CashierID, &session.StoreID, &session.Status, &session.OpeningAmount,
		&session.ExpectedAmount, &counted, &variance, &session.CountVerified, &session.Notes, &session.OpenedAt,
		&lastCounted, &closedAt); err != nil {
		return nil, err
	}
	session.CountedAmount = decimalPtr(counted)
	session.Variance = decimalPtr(variance)
	session.OpenedAt = session.OpenedAt.UTC()
	session.LastCountedAt = timePtr(lastCounted)
	session.ClosedAt = timePtr(closedAt)
	return &session, nil
}

func (s *Store) CreateDrawerSession(ctx context.Context, session domain.DrawerSession) (*domain.DrawerSession, error) {
	if session.ID == "" || session.CashierID == "" || session.StoreID == "" {
		return nil, store.Invalid("session", "id, cashier and store are required")
	}
	session.Status = domain.DrawerOpen

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO drawer_sessions (id, cashier_id, store_id, status, opening_amount, expected_amount, opened_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, session.ID, session.CashierID, session.StoreID, session.Status, session.OpeningAmount,
		session.ExpectedAmount, session.OpenedAt)
	if err != nil {
		if isUniqueViolation(err) && violatedConstraint(err) == "drawer_sessions_one_open" {
			return nil, store.ErrSessionAlreadyOpen
		}
		return nil, translate("create drawer session", err)
	}
	saved := session
	return &saved, nil
}

func (s *Store) GetDrawerSession(ctx context.Context, id string) (*domain.DrawerSession, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM drawer_sessions WHERE id = $1`, id))
	if err != nil {
		return nil, translate("get drawer session", err)
	}
	return session, nil
}

func (s *Store) GetOpenDrawerSession(ctx context.Context, cashierID string, storeID string) (*domain.DrawerSession, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM drawer_sessions
		WHERE cashier_id = $1 AND store_id = $2 AND status = 'open'
	`, cashierID, storeID))
	if err != nil {
		return nil, translate("get open drawer session", err)
	}
	return session, nil
}

// lockOpenSession row-locks the session and fails unless it is still open.
func lockOpenSession(ctx context.Context, tx *sql.Tx, id string, target string) error {
	var status string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM drawer_sessions WHERE id = $1 FOR UPDATE`, id).Scan(&status); err != nil {
		return err
	}
	if status != domain.DrawerOpen {
		return &store.StateTransitionError{Entity: "drawer session", ID: id, From: status, To: target}
	}
	return nil
}

func (s *Store) RecordDrawerCount(ctx context.Context, count domain.DrawerCount) (*domain.DrawerSession, error) {
	var session *domain.DrawerSession
	err := s.inTx(ctx, "record drawer count", func(tx *sql.Tx) error {
		if err := lockOpenSession(ctx, tx, count.SessionID, "counted"); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO drawer_counts (id, session_id, kind, counted_amount, expected_amount, variance, counted_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, count.ID, count.SessionID, count.Kind, count.CountedAmount, count.ExpectedAmount, count.Variance,
			count.CountedAt); err != nil {
			return err
		}
		var err error
		session, err = scanSession(tx.QueryRowContext(ctx, `
			UPDATE drawer_sessions
			SET counted_amount = $2, expected_amount = $3, variance = $4, count_verified = true, last_counted_at = $5
			WHERE id = $1
			RETURNING `+sessionColumns,
			count.SessionID, count.CountedAmount, count.ExpectedAmount, count.Variance, count.CountedAt))
		return err
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (s *Store) CloseDrawerSession(ctx context.Context, c domain.DrawerClose) (*domain.DrawerSession, error) {
	var session *domain.DrawerSession
	err := s.inTx(ctx, "close drawer session", func(tx *sql.Tx) error {
		current, err := scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM drawer_sessions WHERE id = $1 FOR UPDATE`, c.SessionID))
		if err != nil {
			return err
		}
		if current.Status != domain.DrawerOpen {
			return &store.StateTransitionError{Entity: "drawer session", ID: c.SessionID, From: current.Status, To: domain.DrawerClosed}
		}
		activity, err := cashActivity(ctx, tx, *current, c.ClosedAt)
		if err != nil {
			return err
		}
		settled := store.SettleDrawer(*current, activity, c.Counted)

		var lastCounted any
		if settled.Verified {
			lastCounted = c.ClosedAt
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO drawer_counts (id, session_id, kind, counted_amount, expected_amount, variance, counted_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7)
			`, xid.New("count"), c.SessionID, domain.DrawerCountClosing, settled.Counted, settled.Expected,
				settled.Variance, c.ClosedAt); err != nil {
				return err
			}
		}
		session, err = scanSession(tx.QueryRowContext(ctx, `
			UPDATE drawer_sessions
			SET status = $2, counted_amount = $3, expected_amount = $4, variance = $5,
				count_verified = $6, notes = $7, closed_at = $8,
				last_counted_at = COALESCE($9, last_counted_at)
			WHERE id = $1
			RETURNING `+sessionColumns,
			c.SessionID, domain.DrawerClosed, settled.Counted, settled.Expected, settled.Variance,
			settled.Verified, nullIfEmpty(c.Notes), c.ClosedAt, lastCounted))
		return err
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (s *Store) CreateDrawerPayout(ctx context.Context, payout domain.DrawerPayout) (*domain.DrawerPayout, error) {
	err := s.inTx(ctx, "create drawer payout", func(tx *sql.Tx) error {
		if err := lockOpenSession(ctx, tx, payout.SessionID, "paid out"); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO drawer_payouts (id, session_id, amount, reason, recorded_by, created_at)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, payout.ID, payout.SessionID, payout.Amount, payout.Reason, payout.RecordedBy, payout.CreatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	saved := payout
	return &saved, nil
}

func (s *Store) ListDrawerCounts(ctx context.Context, sessionID string) ([]domain.DrawerCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, kind, counted_amount, expected_amount, variance, counted_at
		FROM drawer_counts
		WHERE session_id = $1
		ORDER BY counted_at ASC
	`, sessionID)
	if err != nil {
		return nil, translate("list drawer counts", err)
	}
	defer rows.Close()

	counts := make([]domain.DrawerCount, 0, 4)
	for rows.Next() {
		var c domain.DrawerCount
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Kind, &c.CountedAmount, &c.ExpectedAmount, &c.Variance, &c.CountedAt); err != nil {
			return nil, translate("list drawer counts", err)
		}
		c.CountedAt = c.CountedAt.UTC()
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("list drawer counts", err)
	}
	return counts, nil
}

func (s *Store) CashActivity(ctx context.Context, session domain.DrawerSession, until time.Time) (domain.CashActivity, error) {
	activity, err := cashActivity(ctx, s.db, session, until)
	if err != nil {
		return domain.CashActivity{}, translate("cash activity", err)
	}
	return activity, nil
}

func cashActivity(ctx context.Context, q rowQueryer, session domain.DrawerSession, until time.Time) (domain.CashActivity, error) {
	var activity domain.CashActivity
	err := q.QueryRowContext(ctx, `
		SELECT
			COALESCE((
				SELECT SUM(p.amount)
				FROM sale_payments p
				JOIN sales s ON s.id = p.sale_id
				WHERE s.store_id = $1 AND s.cashier_id = $2 AND s.created_at >= $3 AND s.created_at <= $4
					AND p.method = 'cash'
			), 0),
			COALESCE((
				SELECT SUM(s.change_due)
				FROM sales s
				WHERE s.store_id = $1 AND s.cashier_id = $2 AND s.created_at >= $3 AND s.created_at <= $4
					AND EXISTS (SELECT 1 FROM sale_payments p WHERE p.sale_id = s.id AND p.method = 'cash')
			), 0),
			COALESCE((
				SELECT SUM(r.total_amount)
				FROM refunds r
				WHERE r.store_id = $1 AND r.requested_by = $2 AND r.status = 'completed' AND r.method = 'cash'
					AND r.completed_at >= $3 AND r.completed_at <= $4
			), 0),
			COALESCE((
				SELECT SUM(d.amount)
				FROM drawer_payouts d
				WHERE d.session_id = $5 AND d.created_at >= $3 AND d.created_at <= $4
			), 0)
	`, session.StoreID, session.CashierID, session.OpenedAt, until, session.ID).Scan(
		&activity.CashPayments, &activity.ChangeGiven, &activity.CashRefunds, &activity.Payouts,
	)
	return activity, err
}
