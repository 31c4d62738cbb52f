package postgres

import (
	"context"
	"database/sql"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

func (s *Store) GetRefundedLines(ctx context.Context, saleID string) (map[string]domain.RefundedLine, error) {
	lines, err := refundedLines(ctx, s.db, saleID)
	if err != nil {
		return nil, translate("get refunded lines", err)
	}
	return lines, nil
}

func refundedLines(ctx context.Context, q queryer, saleID string) (map[string]domain.RefundedLine, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT ri.sale_item_id, SUM(ri.quantity), SUM(ri.refund_amount)
		FROM refund_items ri
		JOIN refunds r ON r.id = ri.refund_id
		WHERE r.sale_id = $1 AND r.status = ANY($2)
		GROUP BY ri.sale_item_id
	`, saleID, []string{domain.RefundRequested, domain.RefundPendingApproval, domain.RefundApproved, domain.RefundCompleted})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make(map[string]domain.RefundedLine)
	for rows.Next() {
		var id string
		var line domain.RefundedLine
		if err := rows.Scan(&id, &line.Quantity, &line.Amount); err != nil {
			return nil, err
		}
		lines[id] = line
	}
	return lines, rows.Err()
}

func (s *Store) CreateRefund(ctx context.Context, refund domain.Refund, movements []domain.MovementRequest) (*domain.Refund, error) {
	if refund.ID == "" || refund.SaleID == "" || len(refund.Items) == 0 {
		return nil, store.Invalid("refund", "id, sale and items are required")
	}

	err := s.inTx(ctx, "create refund", func(tx *sql.Tx) error {
		var locked string
		if err := tx.QueryRowContext(ctx, `SELECT id FROM sales WHERE id = $1 FOR UPDATE`, refund.SaleID).Scan(&locked); err != nil {
			return err
		}
		sale, err := getSale(ctx, tx, `s.id = $1`, refund.SaleID)
		if err != nil {
			return err
		}
		refunded, err := refundedLines(ctx, tx, refund.SaleID)
		if err != nil {
			return err
		}
		if err := store.CheckRefundable(sale, refunded, refund.Items); err != nil {
			return err
		}
		if err := store.CheckRefundBasis(refunded, refund); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO refunds (
				id, sale_id, store_id, status, reason_code, method, requires_approval, total_amount,
				requested_by, approver_id, approver_notes, created_at, resolved_at, completed_at
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		`, refund.ID, refund.SaleID, refund.StoreID, refund.Status, refund.ReasonCode, refund.Method,
			refund.RequiresApproval, refund.TotalAmount, refund.RequestedBy, nullIfEmpty(refund.ApproverID),
			nullIfEmpty(refund.ApproverNotes), refund.CreatedAt, nullTime(refund.ResolvedAt),
			nullTime(refund.CompletedAt)); err != nil {
			return err
		}
		for _, item := range refund.Items {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO refund_items (id, refund_id, sale_item_id, product_id, quantity, refund_amount, reason_code, stock_store_id)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			`, item.ID, refund.ID, item.SaleItemID, item.ProductID, item.Quantity, item.RefundAmount,
				nullIfEmpty(item.ReasonCode), nullIfEmpty(item.StockStoreID)); err != nil {
				return err
			}
		}

		_, err = applyMovementsTx(ctx, tx, movements, refund.CreatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GetRefund(ctx, refund.ID)
}

func (s *Store) GetRefund(ctx context.Context, id string) (*domain.Refund, error) {
	refund, err := getRefund(ctx, s.db, id)
	if err != nil {
		return nil, translate("get refund", err)
	}
	return refund, nil
}

func getRefund(ctx context.Context, q rowQueryer, id string) (*domain.Refund, error) {
	var refund domain.Refund
	var resolvedAt, completedAt sql.NullTime
	err := q.QueryRowContext(ctx, `
		SELECT id, sale_id, store_id, status, reason_code, method, requires_approval, total_amount,
			requested_by, COALESCE(approver_id, ''), COALESCE(approver_notes, ''), created_at,
			resolved_at, completed_at
		FROM refunds
		WHERE id = $1
	`, id).Scan(&refund.ID, &refund.SaleID, &refund.StoreID, &refund.Status, &refund.ReasonCode, &refund.Method,
		&refund.RequiresApproval, &refund.TotalAmount, &refund.RequestedBy, &refund.ApproverID,
		&refund.ApproverNotes, &refund.CreatedAt, &resolvedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	refund.CreatedAt = refund.CreatedAt.UTC()
	refund.ResolvedAt = timePtr(resolvedAt)
	refund.CompletedAt = timePtr(completedAt)

	rows, err := q.QueryContext(ctx, `
		SELECT id, refund_id, sale_item_id, product_id, quantity, refund_amount,
			COALESCE(reason_code, ''), COALESCE(stock_store_id, '')
		FROM refund_items
		WHERE refund_id = $1
		ORDER BY id
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var item domain.RefundItem
		if err := rows.Scan(&item.ID, &item.RefundID, &item.SaleItemID, &item.ProductID, &item.Quantity,
			&item.RefundAmount, &item.ReasonCode, &item.StockStoreID); err != nil {
			return nil, err
		}
		refund.Items = append(refund.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &refund, nil
}

func (s *Store) TransitionRefund(ctx context.Context, t domain.RefundTransition) (*domain.Refund, error) {
	var refund *domain.Refund
	err := s.inTx(ctx, "transition refund", func(tx *sql.Tx) error {
		var status string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM refunds WHERE id = $1 FOR UPDATE`, t.RefundID).Scan(&status); err != nil {
			return err
		}
		if status != t.From {
			return &store.StateTransitionError{Entity: "refund", ID: t.RefundID, From: status, To: t.To}
		}

		if _, err := applyMovementsTx(ctx, tx, t.Movements, t.At); err != nil {
			return err
		}

		approver := ""
		if t.To != domain.RefundCancelled {
			approver = t.ActorID
		}
		var completedAt any
		if t.Completing {
			completedAt = t.At
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE refunds
			SET status = $2,
				approver_id = COALESCE($3, approver_id),
				approver_notes = COALESCE($4, approver_notes),
				resolved_at = $5,
				completed_at = COALESCE($6, completed_at)
			WHERE id = $1
		`, t.RefundID, t.To, nullIfEmpty(approver), nullIfEmpty(t.Notes), t.At, completedAt); err != nil {
			return err
		}

		var err error
		refund, err = getRefund(ctx, tx, t.RefundID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return refund, nil
}
