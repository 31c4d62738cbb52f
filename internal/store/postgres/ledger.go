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

func (s *Store) ApplyMovements(ctx context.Context, movements []domain.MovementRequest) ([]domain.StockMovement, error) {
	if len(movements) == 0 {
		return nil, store.Invalid("movements", "at least one movement is required")
	}
	var rows []domain.StockMovement
	err := s.inTx(ctx, "apply movements", func(tx *sql.Tx) error {
		var err error
		rows, err = applyMovementsTx(ctx, tx, movements, time.Now().UTC())
		return err
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// applyMovementsTx locks every touched balance in key order, plans the batch
// and writes the movement rows and new balances.
func applyMovementsTx(ctx context.Context, tx *sql.Tx, movements []domain.MovementRequest, now time.Time) ([]domain.StockMovement, error) {
	if len(movements) == 0 {
		return nil, nil
	}
	for _, m := range movements {
		if err := store.ValidateMovement(m); err != nil {
			return nil, err
		}
	}

	keys := store.MovementKeys(movements)
	productIDs := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, ok := seen[key.ProductID]; ok {
			continue
		}
		seen[key.ProductID] = struct{}{}
		productIDs = append(productIDs, key.ProductID)
	}
	products, err := loadProducts(ctx, tx, productIDs)
	if err != nil {
		return nil, err
	}
	for _, id := range productIDs {
		if _, ok := products[id]; !ok {
			return nil, store.Invalid("product_id", "product %s does not exist", id)
		}
	}

	balances, err := lockBalances(ctx, tx, keys)
	if err != nil {
		return nil, err
	}

	rows, next, err := store.PlanMovements(movements, balances, products, now, func() string { return xid.New("mov") })
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO stock_movements (
				id, store_id, product_id, movement_type, quantity, unit_cost,
				reference_type, reference_id, reason, balance_after, performed_by, created_at
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`, row.ID, row.StoreID, row.ProductID, row.Type, row.Quantity, nullDecimal(row.UnitCost),
			nullIfEmpty(row.ReferenceType), nullIfEmpty(row.ReferenceID), nullIfEmpty(row.Reason),
			row.BalanceAfter, nullIfEmpty(row.PerformedBy), row.CreatedAt); err != nil {
			return nil, err
		}
	}
	for _, key := range keys {
		bal := next[key]
		if _, err := tx.ExecContext(ctx, `
			UPDATE inventory_records
			SET quantity_on_hand = $3, average_cost = $4, updated_at = $5
			WHERE store_id = $1 AND product_id = $2
		`, key.StoreID, key.ProductID, bal.Quantity, bal.AverageCost, now); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

// lockBalances creates missing balance rows and takes FOR UPDATE locks on
// each key in the order given.
func lockBalances(ctx context.Context, tx *sql.Tx, keys []store.InventoryKey) (map[store.InventoryKey]store.Balance, error) {
	balances := make(map[store.InventoryKey]store.Balance, len(keys))
	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO inventory_records (store_id, product_id, quantity_on_hand, average_cost, updated_at)
			VALUES ($1, $2, 0, 0, now())
			ON CONFLICT (store_id, product_id) DO NOTHING
		`, key.StoreID, key.ProductID); err != nil {
			return nil, err
		}
		var bal store.Balance
		if err := tx.QueryRowContext(ctx, `
			SELECT quantity_on_hand, average_cost
			FROM inventory_records
			WHERE store_id = $1 AND product_id = $2
			FOR UPDATE
		`, key.StoreID, key.ProductID).Scan(&bal.Quantity, &bal.AverageCost); err != nil {
			return nil, err
		}
		balances[key] = bal
	}
	return balances, nil
}

func (s *Store) GetInventoryRecord(ctx context.Context, storeID string, productID string) (*domain.InventoryRecord, error) {
	record := domain.InventoryRecord{StoreID: storeID, ProductID: productID}
	err := s.db.QueryRowContext(ctx, `
		SELECT quantity_on_hand, average_cost, updated_at
		FROM inventory_records
		WHERE store_id = $1 AND product_id = $2
	`, storeID, productID).Scan(&record.QuantityOnHand, &record.AverageCost, &record.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return &record, nil
		}
		return nil, translate("get inventory record", err)
	}
	record.UpdatedAt = record.UpdatedAt.UTC()
	return &record, nil
}

func (s *Store) ListMovements(ctx context.Context, storeID string, productID string, limit int) ([]domain.StockMovement, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, product_id, movement_type, quantity, unit_cost,
			COALESCE(reference_type, ''), COALESCE(reference_id, ''), COALESCE(reason, ''),
			balance_after, COALESCE(performed_by, ''), created_at
		FROM stock_movements
		WHERE store_id = $1 AND product_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, storeID, productID, limit)
	if err != nil {
		return nil, translate("list movements", err)
	}
	defer rows.Close()

	out := make([]domain.StockMovement, 0, limit)
	for rows.Next() {
		var m domain.StockMovement
		var cost decimal.NullDecimal
		if err := rows.Scan(&m.ID, &m.StoreID, &m.ProductID, &m.Type, &m.Quantity, &cost,
			&m.ReferenceType, &m.ReferenceID, &m.Reason, &m.BalanceAfter, &m.PerformedBy, &m.CreatedAt); err != nil {
			return nil, translate("list movements", err)
		}
		m.UnitCost = decimalPtr(cost)
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("list movements", err)
	}
	return out, nil
}

func (s *Store) SumMovements(ctx context.Context, storeID string, productID string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(quantity), 0)
		FROM stock_movements
		WHERE store_id = $1 AND product_id = $2
	`, storeID, productID).Scan(&sum)
	if err != nil {
		return decimal.Zero, translate("sum movements", err)
	}
	return sum, nil
}
