package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

const saleNumberAttempts = 3

// CreateSale prices the cart, allocates a sale number and commits the sale,
// its stock decrements and its accounting entry together. A repeated
// idempotency key returns the sale that key already produced.
func (s *Service) CreateSale(ctx context.Context, req domain.CreateSaleRequest) (domain.SaleResponse, error) {
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.IdempotencyKey != "" {
		existing, err := s.repo.FindSaleByIdempotency(ctx, req.IdempotencyKey)
		if err == nil {
			return domain.SaleResponse{Sale: *existing, Duplicate: true}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return domain.SaleResponse{}, err
		}
	}

	if strings.TrimSpace(req.CashierID) == "" {
		return domain.SaleResponse{}, store.Invalid("cashier_id", "is required")
	}
	if len(req.Items) == 0 {
		return domain.SaleResponse{}, store.Invalid("items", "at least one item is required")
	}
	saleStore, err := s.requireStore(ctx, req.StoreID)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	productIDs := make([]string, 0, len(req.Items))
	for i, input := range req.Items {
		if strings.TrimSpace(input.ProductID) == "" {
			return domain.SaleResponse{}, store.Invalid("items", "item %d is missing product_id", i+1)
		}
		productIDs = append(productIDs, input.ProductID)
	}
	products, err := s.loadProducts(ctx, productIDs)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	now := s.now()
	saleID := xid.New("sale")
	primaryStoreID := ""
	items := make([]domain.SaleItem, 0, len(req.Items))
	movements := make([]domain.MovementRequest, 0, len(req.Items))

	for i, input := range req.Items {
		product, ok := products[input.ProductID]
		if !ok {
			return domain.SaleResponse{}, store.Invalid("items", "product %s does not exist", input.ProductID)
		}
		if !product.Active {
			return domain.SaleResponse{}, store.Invalid("items", "product %s is not active", product.SKU)
		}

		item, err := priceLine(input, product, req.PriceOverrideAuthorized)
		if err != nil {
			return domain.SaleResponse{}, err
		}

		source, err := domain.ParseMaterialSource(input.Source, saleStore.ID)
		if err != nil {
			return domain.SaleResponse{}, store.Invalid("source", "%v", err)
		}
		if source.Kind() == domain.SourceWarehouse && primaryStoreID == "" {
			primary, err := s.repo.GetPrimaryStore(ctx)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return domain.SaleResponse{}, err
			}
			if primary != nil {
				primaryStoreID = primary.ID
			}
		}
		stockStoreID, err := source.Resolve(primaryStoreID)
		if err != nil {
			return domain.SaleResponse{}, store.Invalid("source", "%v", err)
		}

		item.ID = xid.New("sli")
		item.SaleID = saleID
		item.LineNo = i + 1
		item.Source = source.Kind()
		item.StockStoreID = stockStoreID
		items = append(items, item)

		if product.TracksInventory && stockStoreID != "" {
			movements = append(movements, domain.MovementRequest{
				StoreID:       stockStoreID,
				ProductID:     product.ID,
				Quantity:      item.Quantity.Neg(),
				Type:          domain.MovementSale,
				ReferenceType: domain.ReferenceSale,
				ReferenceID:   saleID,
				PerformedBy:   req.CashierID,
			})
		}
	}

	totals, err := totalSale(items, req.Discount, req.Payments)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	payments := make([]domain.SalePayment, 0, len(req.Payments))
	for _, p := range req.Payments {
		payments = append(payments, domain.SalePayment{
			ID:        xid.New("pay"),
			SaleID:    saleID,
			Method:    p.Method,
			Amount:    p.Amount,
			Reference: p.Reference,
		})
	}

	sale := domain.Sale{
		ID:             saleID,
		StoreID:        saleStore.ID,
		CashierID:      req.CashierID,
		CustomerRef:    req.CustomerRef,
		IdempotencyKey: req.IdempotencyKey,
		Subtotal:       totals.Subtotal,
		DiscountTotal:  totals.DiscountTotal,
		TaxTotal:       totals.TaxTotal,
		TotalAmount:    totals.TotalAmount,
		AmountPaid:     totals.AmountPaid,
		ChangeDue:      totals.ChangeDue,
		PaymentStatus:  domain.PaymentStatusPaid,
		CreatedAt:      now,
		Items:          items,
		Payments:       payments,
	}
	entry := domain.AccountingQueueEntry{
		ID:            xid.New("acq"),
		SaleID:        saleID,
		Status:        domain.AccountingPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		NextAttemptAt: &now,
	}

	var created *domain.Sale
	for attempt := 1; ; attempt++ {
		seq, err := s.repo.NextSaleSequence(ctx, saleStore.ID, now)
		if err != nil {
			return domain.SaleResponse{}, err
		}
		sale.SaleNumber = formatSaleNumber(saleStore.Code, now, seq)

		created, err = s.repo.CreateSale(ctx, sale, movements, entry)
		if err == nil {
			break
		}
		if errors.Is(err, store.ErrDuplicateIdempotency) {
			existing, findErr := s.repo.FindSaleByIdempotency(ctx, req.IdempotencyKey)
			if findErr != nil {
				return domain.SaleResponse{}, findErr
			}
			return domain.SaleResponse{Sale: *existing, Duplicate: true}, nil
		}
		if errors.Is(err, store.ErrDuplicateSaleNumber) && attempt < saleNumberAttempts {
			s.logger.WithFields(logrus.Fields{
				"sale_number": sale.SaleNumber,
				"attempt":     attempt,
			}).Warn("sale number collision, retrying")
			continue
		}
		s.logFailure("CreateSale", "create sale", sale, err)
		return domain.SaleResponse{}, err
	}

	s.logAudit(ctx, created.StoreID, created.CashierID, "sale.create", "sale", created.ID,
		fmt.Sprintf("%s total %s", created.SaleNumber, created.TotalAmount.StringFixed(2)))
	s.logger.WithFields(logrus.Fields{
		"sale_id":     created.ID,
		"sale_number": created.SaleNumber,
		"store_id":    created.StoreID,
		"total":       created.TotalAmount.StringFixed(2),
		"items":       len(created.Items),
	}).Info("sale created")

	return domain.SaleResponse{Sale: *created}, nil
}

func (s *Service) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Sale{}, store.Invalid("sale_id", "is required")
	}
	sale, err := s.repo.GetSale(ctx, id)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

// formatSaleNumber renders STORECODE-YYYYMMDD-NNNNNN.
func formatSaleNumber(storeCode string, day time.Time, seq int64) string {
	code := strings.ToUpper(strings.TrimSpace(storeCode))
	if code == "" {
		code = "POS"
	}
	return fmt.Sprintf("%s-%s-%06d", code, day.Format("20060102"), seq)
}
