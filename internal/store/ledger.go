package store

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
)

// Balance is the locked state of one inventory key.
type Balance struct {
	Quantity    decimal.Decimal
	AverageCost decimal.Decimal
}

// ValidateMovement checks the shape of a ledger request. It does not look at
// balances.
func ValidateMovement(m domain.MovementRequest) error {
	if strings.TrimSpace(m.StoreID) == "" {
		return Invalid("store_id", "is required")
	}
	if strings.TrimSpace(m.ProductID) == "" {
		return Invalid("product_id", "is required")
	}
	if !domain.IsMovementType(m.Type) {
		return Invalid("type", "unknown movement type %q", m.Type)
	}
	if m.Quantity.IsZero() {
		return Invalid("quantity", "must not be zero")
	}
	switch m.Type {
	case domain.MovementSale, domain.MovementTransferOut:
		if m.Quantity.IsPositive() {
			return Invalid("quantity", "%s movements must be negative", m.Type)
		}
	case domain.MovementReturn, domain.MovementTransferIn, domain.MovementPurchase:
		if m.Quantity.IsNegative() {
			return Invalid("quantity", "%s movements must be positive", m.Type)
		}
	}
	if m.UnitCost != nil && m.UnitCost.IsNegative() {
		return Invalid("unit_cost", "must not be negative")
	}
	return nil
}

// MovementKeys returns the distinct inventory keys touched by movements in
// lock order.
func MovementKeys(movements []domain.MovementRequest) []InventoryKey {
	seen := make(map[InventoryKey]struct{}, len(movements))
	keys := make([]InventoryKey, 0, len(movements))
	for _, m := range movements {
		key := InventoryKey{StoreID: m.StoreID, ProductID: m.ProductID}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].StoreID != keys[j].StoreID {
			return keys[i].StoreID < keys[j].StoreID
		}
		return keys[i].ProductID < keys[j].ProductID
	})
	return keys
}

// PlanMovements applies movements, in order, to a copy of the locked
// balances. It returns the movement rows to append and the balances to
// write back. A tracked key that would dip below zero at any point fails the
// whole batch; every such key is reported.
func PlanMovements(
	movements []domain.MovementRequest,
	balances map[InventoryKey]Balance,
	products map[string]domain.Product,
	now time.Time,
	newID func() string,
) ([]domain.StockMovement, map[InventoryKey]Balance, error) {
	next := make(map[InventoryKey]Balance, len(balances))
	for key, bal := range balances {
		next[key] = bal
	}

	requested := make(map[InventoryKey]decimal.Decimal)
	short := make(map[InventoryKey]bool)
	order := make([]InventoryKey, 0)
	rows := make([]domain.StockMovement, 0, len(movements))

	for _, m := range movements {
		if err := ValidateMovement(m); err != nil {
			return nil, nil, err
		}
		product, ok := products[m.ProductID]
		if !ok {
			return nil, nil, Invalid("product_id", "product %s does not exist", m.ProductID)
		}

		key := InventoryKey{StoreID: m.StoreID, ProductID: m.ProductID}
		bal := next[key]
		if m.Quantity.IsNegative() {
			if _, seen := requested[key]; !seen {
				order = append(order, key)
			}
			requested[key] = requested[key].Add(m.Quantity.Neg())
		}

		if m.Quantity.IsPositive() && m.UnitCost != nil {
			bal.AverageCost = WeightedAverageCost(bal.AverageCost, bal.Quantity, *m.UnitCost, m.Quantity)
		}
		bal.Quantity = bal.Quantity.Add(m.Quantity)
		if product.TracksInventory && bal.Quantity.IsNegative() {
			short[key] = true
		}
		next[key] = bal

		rows = append(rows, domain.StockMovement{
			ID:            newID(),
			StoreID:       m.StoreID,
			ProductID:     m.ProductID,
			Type:          m.Type,
			Quantity:      m.Quantity,
			UnitCost:      m.UnitCost,
			ReferenceType: m.ReferenceType,
			ReferenceID:   m.ReferenceID,
			Reason:        m.Reason,
			BalanceAfter:  bal.Quantity,
			PerformedBy:   m.PerformedBy,
			CreatedAt:     now,
		})
	}

	if len(short) > 0 {
		shortages := make([]StockShortage, 0, len(short))
		for _, key := range order {
			if !short[key] {
				continue
			}
			shortages = append(shortages, StockShortage{
				StoreID:   key.StoreID,
				ProductID: key.ProductID,
				Available: balances[key].Quantity,
				Requested: requested[key],
			})
		}
		return nil, nil, &InsufficientStockError{Shortages: shortages}
	}

	return rows, next, nil
}

// WeightedAverageCost blends an incoming receipt into the running average.
func WeightedAverageCost(oldCost decimal.Decimal, oldQty decimal.Decimal, incomingCost decimal.Decimal, incomingQty decimal.Decimal) decimal.Decimal {
	if !incomingQty.IsPositive() {
		return oldCost
	}
	if !oldQty.IsPositive() || oldCost.IsZero() {
		return incomingCost.Round(4)
	}
	totalQty := oldQty.Add(incomingQty)
	totalValue := oldCost.Mul(oldQty).Add(incomingCost.Mul(incomingQty))
	return totalValue.DivRound(totalQty, 4)
}

// CheckRefundable verifies every requested quantity fits in what is left of
// its sale line.
func CheckRefundable(sale *domain.Sale, refunded map[string]domain.RefundedLine, items []domain.RefundItem) error {
	lines := make(map[string]domain.SaleItem, len(sale.Items))
	for _, item := range sale.Items {
		lines[item.ID] = item
	}

	asked := make(map[string]decimal.Decimal, len(items))
	for _, item := range items {
		line, ok := lines[item.SaleItemID]
		if !ok {
			return Invalid("sale_item_id", "item %s is not part of sale %s", item.SaleItemID, sale.ID)
		}
		if !item.Quantity.IsPositive() {
			return Invalid("quantity", "must be greater than zero")
		}
		asked[item.SaleItemID] = asked[item.SaleItemID].Add(item.Quantity)
		remaining := line.Quantity.Sub(refunded[item.SaleItemID].Quantity)
		if asked[item.SaleItemID].GreaterThan(remaining) {
			return Invalid("quantity", "item %s has %s refundable, requested %s",
				item.SaleItemID, remaining.String(), asked[item.SaleItemID].String())
		}
	}
	return nil
}

// CheckRefundBasis fails with ErrRefundRepriced when a line the refund
// claims from has been refunded further since the refund was priced. A refund
// without a basis is not checked.
func CheckRefundBasis(refunded map[string]domain.RefundedLine, refund domain.Refund) error {
	if refund.PricedAgainst == nil {
		return nil
	}
	for _, item := range refund.Items {
		current, priced := refunded[item.SaleItemID], refund.PricedAgainst[item.SaleItemID]
		if !current.Quantity.Equal(priced.Quantity) || !current.Amount.Equal(priced.Amount) {
			return fmt.Errorf("%w: sale item %s", ErrRefundRepriced, item.SaleItemID)
		}
	}
	return nil
}
