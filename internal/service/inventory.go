package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

// ApplyMovement appends one signed movement to the ledger and returns the
// stored row with its running balance.
func (s *Service) ApplyMovement(ctx context.Context, req domain.MovementRequest) (domain.StockMovement, error) {
	req.StoreID = strings.TrimSpace(req.StoreID)
	req.ProductID = strings.TrimSpace(req.ProductID)
	if err := store.ValidateMovement(req); err != nil {
		return domain.StockMovement{}, err
	}
	if !req.Quantity.Equal(req.Quantity.Round(3)) {
		return domain.StockMovement{}, store.Invalid("quantity", "supports at most 3 decimal places")
	}
	if req.ReferenceType == "" {
		req.ReferenceType = domain.ReferenceManual
	}
	if req.Type == domain.MovementManualAdjustment && strings.TrimSpace(req.Reason) == "" {
		return domain.StockMovement{}, store.Invalid("reason", "is required for manual adjustments")
	}
	if _, err := s.requireStore(ctx, req.StoreID); err != nil {
		return domain.StockMovement{}, err
	}

	rows, err := s.repo.ApplyMovements(ctx, []domain.MovementRequest{req})
	if err != nil {
		s.logFailure("ApplyMovement", "apply movements", req, err)
		return domain.StockMovement{}, err
	}
	row := rows[0]

	if req.ReferenceType == domain.ReferenceManual {
		s.logAudit(ctx, req.StoreID, req.PerformedBy, "inventory."+req.Type, "product", req.ProductID,
			fmt.Sprintf("qty %s, balance %s, reason %q", row.Quantity.String(), row.BalanceAfter.String(), req.Reason))
	}
	s.logger.WithFields(logrus.Fields{
		"store_id":      row.StoreID,
		"product_id":    row.ProductID,
		"type":          row.Type,
		"quantity":      row.Quantity.String(),
		"balance_after": row.BalanceAfter.String(),
	}).Debug("stock movement applied")
	return row, nil
}

// GetBalance returns quantity on hand. A key that has never moved is zero.
func (s *Service) GetBalance(ctx context.Context, storeID string, productID string) (decimal.Decimal, error) {
	record, err := s.GetInventoryRecord(ctx, storeID, productID)
	if err != nil {
		return decimal.Zero, err
	}
	return record.QuantityOnHand, nil
}

func (s *Service) GetInventoryRecord(ctx context.Context, storeID string, productID string) (domain.InventoryRecord, error) {
	if strings.TrimSpace(storeID) == "" || strings.TrimSpace(productID) == "" {
		return domain.InventoryRecord{}, store.Invalid("", "store_id and product_id are required")
	}
	record, err := s.repo.GetInventoryRecord(ctx, storeID, productID)
	if err != nil {
		return domain.InventoryRecord{}, err
	}
	return *record, nil
}

func (s *Service) ListMovements(ctx context.Context, storeID string, productID string, limit int) ([]domain.StockMovement, error) {
	if strings.TrimSpace(storeID) == "" || strings.TrimSpace(productID) == "" {
		return nil, store.Invalid("", "store_id and product_id are required")
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.repo.ListMovements(ctx, storeID, productID, limit)
}

// VerifyBalance compares the stored balance with the sum of its movements.
func (s *Service) VerifyBalance(ctx context.Context, storeID string, productID string) (domain.BalanceCheck, error) {
	record, err := s.GetInventoryRecord(ctx, storeID, productID)
	if err != nil {
		return domain.BalanceCheck{}, err
	}
	sum, err := s.repo.SumMovements(ctx, storeID, productID)
	if err != nil {
		return domain.BalanceCheck{}, err
	}
	check := domain.BalanceCheck{
		StoreID:        storeID,
		ProductID:      productID,
		QuantityOnHand: record.QuantityOnHand,
		MovementSum:    sum,
		Consistent:     record.QuantityOnHand.Equal(sum),
	}
	if !check.Consistent {
		s.logger.WithFields(logrus.Fields{
			"store_id":   storeID,
			"product_id": productID,
			"balance":    record.QuantityOnHand.String(),
			"sum":        sum.String(),
		}).Error("inventory balance drifted from movement history")
	}
	return check, nil
}

// TransferStock moves quantity between two stores as one atomic pair of
// movements sharing a transfer reference.
func (s *Service) TransferStock(ctx context.Context, req domain.TransferRequest) (domain.TransferResult, error) {
	if err := validQuantity("quantity", req.Quantity); err != nil {
		return domain.TransferResult{}, err
	}
	if strings.TrimSpace(req.ProductID) == "" {
		return domain.TransferResult{}, store.Invalid("product_id", "is required")
	}
	if req.FromStoreID == req.ToStoreID {
		return domain.TransferResult{}, store.Invalid("to_store_id", "must differ from from_store_id")
	}
	if _, err := s.requireStore(ctx, req.FromStoreID); err != nil {
		return domain.TransferResult{}, err
	}
	if _, err := s.requireStore(ctx, req.ToStoreID); err != nil {
		return domain.TransferResult{}, err
	}

	product, err := s.GetProduct(ctx, req.ProductID)
	if err != nil {
		return domain.TransferResult{}, err
	}
	transferID := xid.New("trf")
	var unitCost *decimal.Decimal
	if record, err := s.repo.GetInventoryRecord(ctx, req.FromStoreID, req.ProductID); err == nil && record.AverageCost.IsPositive() {
		cost := record.AverageCost
		unitCost = &cost
	} else if product.CostPrice != nil {
		unitCost = product.CostPrice
	}

	rows, err := s.repo.ApplyMovements(ctx, []domain.MovementRequest{
		{
			StoreID:       req.FromStoreID,
			ProductID:     req.ProductID,
			Quantity:      req.Quantity.Neg(),
			Type:          domain.MovementTransferOut,
			ReferenceType: domain.ReferenceTransfer,
			ReferenceID:   transferID,
			Reason:        req.Reason,
			PerformedBy:   req.PerformedBy,
		},
		{
			StoreID:       req.ToStoreID,
			ProductID:     req.ProductID,
			Quantity:      req.Quantity,
			Type:          domain.MovementTransferIn,
			ReferenceType: domain.ReferenceTransfer,
			ReferenceID:   transferID,
			Reason:        req.Reason,
			UnitCost:      unitCost,
			PerformedBy:   req.PerformedBy,
		},
	})
	if err != nil {
		s.logFailure("TransferStock", "apply movements", req, err)
		return domain.TransferResult{}, err
	}

	s.logAudit(ctx, req.FromStoreID, req.PerformedBy, "inventory.transfer", "product", req.ProductID,
		fmt.Sprintf("%s from %s to %s (%s)", req.Quantity.String(), req.FromStoreID, req.ToStoreID, transferID))
	return domain.TransferResult{Out: rows[0], In: rows[1]}, nil
}
