package service

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

const refundPricingAttempts = 3

// RequestRefund records a refund against a completed sale. Small refunds
// with an ordinary reason complete at once and restock; the rest wait for a
// manager. Requests past the refund window are stored as rejected.
func (s *Service) RequestRefund(ctx context.Context, req domain.RefundRequest) (domain.Refund, error) {
	if strings.TrimSpace(req.SaleID) == "" {
		return domain.Refund{}, store.Invalid("sale_id", "is required")
	}
	if strings.TrimSpace(req.RequestedBy) == "" {
		return domain.Refund{}, store.Invalid("requested_by", "is required")
	}
	if len(req.Items) == 0 {
		return domain.Refund{}, store.Invalid("items", "at least one item is required")
	}
	reason, itemReasons, err := s.refundReasons(req)
	if err != nil {
		return domain.Refund{}, err
	}
	if req.Method != "" && !domain.IsPaymentMethod(req.Method) {
		return domain.Refund{}, store.Invalid("method", "unknown refund method %q", req.Method)
	}

	sale, err := s.repo.GetSale(ctx, req.SaleID)
	if err != nil {
		return domain.Refund{}, err
	}

	var created *domain.Refund
	for attempt := 1; ; attempt++ {
		refund, movements, err := s.priceRefund(ctx, sale, req, reason, itemReasons)
		if err != nil {
			return domain.Refund{}, err
		}
		created, err = s.repo.CreateRefund(ctx, refund, movements)
		if err == nil {
			break
		}
		if errors.Is(err, store.ErrRefundRepriced) && attempt < refundPricingAttempts {
			s.logger.WithFields(logrus.Fields{
				"sale_id": sale.ID,
				"attempt": attempt,
			}).Warn("sale refunded concurrently, repricing refund")
			continue
		}
		s.logFailure("RequestRefund", "create refund", refund, err)
		return domain.Refund{}, err
	}

	s.logAudit(ctx, created.StoreID, created.RequestedBy, "refund.request", "refund", created.ID,
		fmt.Sprintf("sale %s amount %s status %s", sale.SaleNumber, created.TotalAmount.StringFixed(2), created.Status))
	s.logger.WithFields(logrus.Fields{
		"refund_id": created.ID,
		"sale_id":   created.SaleID,
		"status":    created.Status,
		"amount":    created.TotalAmount.StringFixed(2),
	}).Info("refund requested")
	return *created, nil
}

// priceRefund builds the refund and its return movements against what the
// sale has refunded so far. The snapshot travels with the refund so the store
// can refuse it if the sale was refunded further in the meantime.
func (s *Service) priceRefund(ctx context.Context, sale *domain.Sale, req domain.RefundRequest, reason string, itemReasons []string) (domain.Refund, []domain.MovementRequest, error) {
	refunded, err := s.repo.GetRefundedLines(ctx, sale.ID)
	if err != nil {
		return domain.Refund{}, nil, err
	}
	basis := maps.Clone(refunded)

	lines := make(map[string]domain.SaleItem, len(sale.Items))
	for _, item := range sale.Items {
		lines[item.ID] = item
	}
	shares := discountShares(sale)
	now := s.now()
	refundID := xid.New("rfd")

	items := make([]domain.RefundItem, 0, len(req.Items))
	total := decimal.Zero
	for i, input := range req.Items {
		line, ok := lines[input.SaleItemID]
		if !ok {
			return domain.Refund{}, nil, store.Invalid("sale_item_id", "item %s is not part of sale %s", input.SaleItemID, sale.ID)
		}
		if err := validQuantity("quantity", input.Quantity); err != nil {
			return domain.Refund{}, nil, err
		}
		claimed := refunded[line.ID]
		if claimed.Quantity.Add(input.Quantity).GreaterThan(line.Quantity) {
			return domain.Refund{}, nil, store.Invalid("quantity", "item %s has %s refundable, requested %s",
				line.ID, line.Quantity.Sub(claimed.Quantity).String(), input.Quantity.String())
		}

		amount := refundAmount(line, shares[line.ID], claimed, input.Quantity)
		claimed.Quantity = claimed.Quantity.Add(input.Quantity)
		claimed.Amount = claimed.Amount.Add(amount)
		refunded[line.ID] = claimed

		items = append(items, domain.RefundItem{
			ID:           xid.New("rfi"),
			RefundID:     refundID,
			SaleItemID:   line.ID,
			ProductID:    line.ProductID,
			Quantity:     input.Quantity,
			RefundAmount: amount,
			ReasonCode:   itemReasons[i],
			StockStoreID: line.StockStoreID,
		})
		total = total.Add(amount)
	}

	method := req.Method
	if method == "" {
		method = defaultRefundMethod(sale)
	}

	requiresApproval := total.GreaterThan(s.refundPolicy.ApprovalThreshold) ||
		s.refundPolicy.isSensitive(reason) || s.refundPolicy.anySensitive(itemReasons)

	refund := domain.Refund{
		ID:               refundID,
		SaleID:           sale.ID,
		StoreID:          sale.StoreID,
		ReasonCode:       reason,
		Method:           method,
		RequiresApproval: requiresApproval,
		TotalAmount:      total,
		RequestedBy:      req.RequestedBy,
		CreatedAt:        now,
		Items:            items,
		PricedAgainst:    basis,
	}

	var movements []domain.MovementRequest
	switch {
	case s.outsideRefundWindow(sale, now):
		refund.Status = domain.RefundRejected
		refund.ApproverID = domain.SystemActor
		refund.ApproverNotes = fmt.Sprintf("refund window of %d days has passed", s.refundPolicy.WindowDays)
		refund.ResolvedAt = &now
	case refund.RequiresApproval:
		refund.Status = domain.RefundPendingApproval
	default:
		movements, err = s.returnMovements(ctx, refund)
		if err != nil {
			return domain.Refund{}, nil, err
		}
		refund.Status = domain.RefundCompleted
		refund.ResolvedAt = &now
		refund.CompletedAt = &now
	}
	return refund, movements, nil
}

// refundReasons normalises the reason codes of a request. An item without
// its own reason takes the refund's. A refund without a reason takes the
// first sensitive item reason, or else the first item reason.
func (s *Service) refundReasons(req domain.RefundRequest) (string, []string, error) {
	reason := normaliseReason(req.ReasonCode)
	itemReasons := make([]string, len(req.Items))
	for i, input := range req.Items {
		itemReason := normaliseReason(input.ReasonCode)
		if itemReason == "" {
			itemReason = reason
		}
		if itemReason == "" {
			return "", nil, store.Invalid("reason_code", "is required on the refund or on item %d", i+1)
		}
		itemReasons[i] = itemReason
	}
	if reason == "" {
		reason = itemReasons[0]
		for _, r := range itemReasons {
			if s.refundPolicy.isSensitive(r) {
				reason = r
				break
			}
		}
	}
	return reason, itemReasons, nil
}

func normaliseReason(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

// ApproveRefund completes a pending refund and restocks its items.
func (s *Service) ApproveRefund(ctx context.Context, refundID string, approverID string, notes string, authorized bool) (domain.Refund, error) {
	refund, err := s.pendingRefundFor(ctx, refundID, approverID, authorized, domain.RefundCompleted)
	if err != nil {
		return domain.Refund{}, err
	}
	movements, err := s.returnMovements(ctx, *refund)
	if err != nil {
		return domain.Refund{}, err
	}

	updated, err := s.repo.TransitionRefund(ctx, domain.RefundTransition{
		RefundID:   refund.ID,
		From:       domain.RefundPendingApproval,
		To:         domain.RefundCompleted,
		ActorID:    approverID,
		Notes:      notes,
		At:         s.now(),
		Movements:  movements,
		Completing: true,
	})
	if err != nil {
		s.logFailure("ApproveRefund", "transition refund", refundID, err)
		return domain.Refund{}, err
	}

	s.logAudit(ctx, updated.StoreID, approverID, "refund.approve", "refund", updated.ID,
		fmt.Sprintf("amount %s", updated.TotalAmount.StringFixed(2)))
	return *updated, nil
}

// RejectRefund closes a pending refund without moving stock or money.
func (s *Service) RejectRefund(ctx context.Context, refundID string, approverID string, notes string, authorized bool) (domain.Refund, error) {
	refund, err := s.pendingRefundFor(ctx, refundID, approverID, authorized, domain.RefundRejected)
	if err != nil {
		return domain.Refund{}, err
	}

	updated, err := s.repo.TransitionRefund(ctx, domain.RefundTransition{
		RefundID: refund.ID,
		From:     domain.RefundPendingApproval,
		To:       domain.RefundRejected,
		ActorID:  approverID,
		Notes:    notes,
		At:       s.now(),
	})
	if err != nil {
		s.logFailure("RejectRefund", "transition refund", refundID, err)
		return domain.Refund{}, err
	}

	s.logAudit(ctx, updated.StoreID, approverID, "refund.reject", "refund", updated.ID, notes)
	return *updated, nil
}

// CancelRefund withdraws a pending refund. Only the requester or an
// authorized manager may cancel.
func (s *Service) CancelRefund(ctx context.Context, refundID string, actorID string, authorized bool) (domain.Refund, error) {
	refund, err := s.GetRefund(ctx, refundID)
	if err != nil {
		return domain.Refund{}, err
	}
	if refund.RequestedBy != actorID && !authorized {
		return domain.Refund{}, notAuthorized("only the requester or a manager may cancel refund %s", refundID)
	}
	if refund.Status != domain.RefundPendingApproval {
		return domain.Refund{}, &store.StateTransitionError{Entity: "refund", ID: refundID, From: refund.Status, To: domain.RefundCancelled}
	}

	updated, err := s.repo.TransitionRefund(ctx, domain.RefundTransition{
		RefundID: refundID,
		From:     domain.RefundPendingApproval,
		To:       domain.RefundCancelled,
		ActorID:  actorID,
		At:       s.now(),
	})
	if err != nil {
		return domain.Refund{}, err
	}
	s.logAudit(ctx, updated.StoreID, actorID, "refund.cancel", "refund", updated.ID, "")
	return *updated, nil
}

func (s *Service) GetRefund(ctx context.Context, id string) (domain.Refund, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Refund{}, store.Invalid("refund_id", "is required")
	}
	refund, err := s.repo.GetRefund(ctx, id)
	if err != nil {
		return domain.Refund{}, err
	}
	return *refund, nil
}

func (s *Service) pendingRefundFor(ctx context.Context, refundID string, approverID string, authorized bool, target string) (*domain.Refund, error) {
	if !authorized {
		return nil, notAuthorized("approver lacks refund approval rights")
	}
	if strings.TrimSpace(approverID) == "" {
		return nil, store.Invalid("approver_id", "is required")
	}
	refund, err := s.repo.GetRefund(ctx, refundID)
	if err != nil {
		return nil, err
	}
	if refund.Status != domain.RefundPendingApproval {
		return nil, &store.StateTransitionError{Entity: "refund", ID: refundID, From: refund.Status, To: target}
	}
	if s.refundPolicy.MakerChecker && refund.RequestedBy == approverID {
		return nil, notAuthorized("refund %s cannot be decided by its requester", refundID)
	}
	return refund, nil
}

// returnMovements restocks tracked items into the ledger their sale line
// drew from.
func (s *Service) returnMovements(ctx context.Context, refund domain.Refund) ([]domain.MovementRequest, error) {
	ids := make([]string, 0, len(refund.Items))
	for _, item := range refund.Items {
		ids = append(ids, item.ProductID)
	}
	products, err := s.loadProducts(ctx, ids)
	if err != nil {
		return nil, err
	}

	movements := make([]domain.MovementRequest, 0, len(refund.Items))
	for _, item := range refund.Items {
		product, ok := products[item.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: product %s for refund item %s", store.ErrNotFound, item.ProductID, item.ID)
		}
		if !product.TracksInventory || item.StockStoreID == "" {
			continue
		}
		movements = append(movements, domain.MovementRequest{
			StoreID:       item.StockStoreID,
			ProductID:     item.ProductID,
			Quantity:      item.Quantity,
			Type:          domain.MovementReturn,
			ReferenceType: domain.ReferenceRefund,
			ReferenceID:   refund.ID,
			Reason:        item.ReasonCode,
			PerformedBy:   refund.RequestedBy,
		})
	}
	return movements, nil
}

func (s *Service) outsideRefundWindow(sale *domain.Sale, now time.Time) bool {
	if s.refundPolicy.WindowDays <= 0 {
		return false
	}
	return now.Sub(sale.CreatedAt) > time.Duration(s.refundPolicy.WindowDays)*24*time.Hour
}

func defaultRefundMethod(sale *domain.Sale) string {
	for _, p := range sale.Payments {
		if p.Method == domain.PaymentCash {
			return domain.PaymentCash
		}
	}
	if len(sale.Payments) > 0 {
		return sale.Payments[0].Method
	}
	return domain.PaymentCash
}
