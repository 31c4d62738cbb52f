package postgres

import (
	"context"
	"database/sql"
	"time"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

func (s *Store) NextSaleSequence(ctx context.Context, storeID string, businessDate time.Time) (int64, error) {
	day := businessDate.UTC()
	day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)

	var next int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sale_sequences (store_id, business_date, last_value)
		VALUES ($1, $2, 1)
		ON CONFLICT (store_id, business_date)
		DO UPDATE SET last_value = sale_sequences.last_value + 1
		RETURNING last_value
	`, storeID, day).Scan(&next)
	if err != nil {
		return 0, translate("next sale sequence", err)
	}
	return next, nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale, movements []domain.MovementRequest, entry domain.AccountingQueueEntry) (*domain.Sale, error) {
	if sale.ID == "" || sale.SaleNumber == "" || len(sale.Items) == 0 || len(sale.Payments) == 0 {
		return nil, store.Invalid("sale", "id, number, items and payments are required")
	}

	err := s.inTx(ctx, "create sale", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sales (
				id, sale_number, store_id, cashier_id, customer_ref, idempotency_key,
				subtotal, discount_total, tax_total, total_amount, amount_paid, change_due,
				payment_status, synced_to_accounting, created_at
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,false,$14)
		`, sale.ID, sale.SaleNumber, sale.StoreID, sale.CashierID, nullIfEmpty(sale.CustomerRef),
			nullIfEmpty(sale.IdempotencyKey), sale.Subtotal, sale.DiscountTotal, sale.TaxTotal,
			sale.TotalAmount, sale.AmountPaid, sale.ChangeDue, sale.PaymentStatus, sale.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				if violatedConstraint(err) == "sales_idempotency_key_key" {
					return store.ErrDuplicateIdempotency
				}
				return store.ErrDuplicateSaleNumber
			}
			return err
		}

		for _, item := range sale.Items {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO sale_items (
					id, sale_id, line_no, product_id, sku, name, quantity, unit_price,
					line_discount, line_total, tax_rate, tax_amount, source, stock_store_id
				)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
			`, item.ID, sale.ID, item.LineNo, item.ProductID, item.SKU, item.Name, item.Quantity,
				item.UnitPrice, item.LineDiscount, item.LineTotal, item.TaxRate, item.TaxAmount,
				item.Source, nullIfEmpty(item.StockStoreID)); err != nil {
				return err
			}
		}
		for i, p := range sale.Payments {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO sale_payments (id, sale_id, position, method, amount, reference)
				VALUES ($1,$2,$3,$4,$5,$6)
			`, p.ID, sale.ID, i+1, p.Method, p.Amount, nullIfEmpty(p.Reference)); err != nil {
				return err
			}
		}

		if _, err := applyMovementsTx(ctx, tx, movements, sale.CreatedAt); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO accounting_queue (id, sale_id, status, attempts, created_at, updated_at, next_attempt_at)
			VALUES ($1,$2,$3,0,$4,$5,$6)
		`, entry.ID, sale.ID, entry.Status, entry.CreatedAt, entry.UpdatedAt, nullTime(entry.NextAttemptAt))
		return err
	})
	if err != nil {
		return nil, err
	}

	saved := sale
	return &saved, nil
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	sale, err := getSale(ctx, s.db, `s.id = $1`, id)
	if err != nil {
		return nil, translate("get sale", err)
	}
	return sale, nil
}

func (s *Store) FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error) {
	sale, err := getSale(ctx, s.db, `s.idempotency_key = $1`, key)
	if err != nil {
		return nil, translate("find sale by idempotency", err)
	}
	return sale, nil
}

type rowQueryer interface {
	queryer
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getSale(ctx context.Context, q rowQueryer, where string, arg any) (*domain.Sale, error) {
	var sale domain.Sale
	err := q.QueryRowContext(ctx, `
		SELECT s.id, s.sale_number, s.store_id, s.cashier_id, COALESCE(s.customer_ref, ''),
			COALESCE(s.idempotency_key, ''), s.subtotal, s.discount_total, s.tax_total,
			s.total_amount, s.amount_paid, s.change_due, s.payment_status,
			s.synced_to_accounting, s.created_at
		FROM sales s
		WHERE `+where, arg).Scan(
		&sale.ID, &sale.SaleNumber, &sale.StoreID, &sale.CashierID, &sale.CustomerRef,
		&sale.IdempotencyKey, &sale.Subtotal, &sale.DiscountTotal, &sale.TaxTotal,
		&sale.TotalAmount, &sale.AmountPaid, &sale.ChangeDue, &sale.PaymentStatus,
		&sale.SyncedToAccounting, &sale.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	sale.CreatedAt = sale.CreatedAt.UTC()

	itemRows, err := q.QueryContext(ctx, `
		SELECT id, sale_id, line_no, product_id, sku, name, quantity, unit_price,
			line_discount, line_total, tax_rate, tax_amount, source, COALESCE(stock_store_id, '')
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY line_no
	`, sale.ID)
	if err != nil {
		return nil, err
	}
	for itemRows.Next() {
		var item domain.SaleItem
		if err := itemRows.Scan(&item.ID, &item.SaleID, &item.LineNo, &item.ProductID, &item.SKU, &item.Name,
			&item.Quantity, &item.UnitPrice, &item.LineDiscount, &item.LineTotal, &item.TaxRate,
			&item.TaxAmount, &item.Source, &item.StockStoreID); err != nil {
			_ = itemRows.Close()
			return nil, err
		}
		sale.Items = append(sale.Items, item)
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return nil, err
	}
	_ = itemRows.Close()

	paymentRows, err := q.QueryContext(ctx, `
		SELECT id, sale_id, method, amount, COALESCE(reference, '')
		FROM sale_payments
		WHERE sale_id = $1
		ORDER BY position
	`, sale.ID)
	if err != nil {
		return nil, err
	}
	defer paymentRows.Close()
	for paymentRows.Next() {
		var p domain.SalePayment
		if err := paymentRows.Scan(&p.ID, &p.SaleID, &p.Method, &p.Amount, &p.Reference); err != nil {
			return nil, err
		}
		sale.Payments = append(sale.Payments, p)
	}
	if err := paymentRows.Err(); err != nil {
		return nil, err
	}
	return &sale, nil
}
