package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/logging"
	"posledger/backend/internal/store"
	"posledger/backend/internal/store/memory"
)

func refundOne(sale domain.Sale, qty string, reason string) domain.RefundRequest {
	return domain.RefundRequest{
		SaleID:      sale.ID,
		ReasonCode:  reason,
		RequestedBy: "cashier",
		Items:       []domain.RefundItemInput{{SaleItemID: sale.Items[0].ID, Quantity: dec(qty)}},
	}
}

func TestSmallRefundCompletesAndRestocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setBalance(t, "store-main", "prod-coffee", "5")
	sale := f.cashSale(t, "cashier", "prod-coffee", "2", "21.00")
	if bal := f.balance(t, "store-main", "prod-coffee"); !bal.Equal(dec("3")) {
		t.Fatalf("expected balance 3 after sale, got %s", bal)
	}

	refund, err := f.svc.RequestRefund(ctx, refundOne(sale, "1", "damaged"))
	if err != nil {
		t.Fatalf("request refund: %v", err)
	}
	if refund.Status != domain.RefundCompleted || refund.RequiresApproval {
		t.Fatalf("expected completed without approval, got %s (approval=%v)", refund.Status, refund.RequiresApproval)
	}
	if !refund.TotalAmount.Equal(dec("10.50")) {
		t.Fatalf("expected refund 10.50, got %s", refund.TotalAmount)
	}
	if refund.Method != domain.PaymentCash || refund.CompletedAt == nil {
		t.Fatalf("expected completed cash refund, got %+v", refund)
	}
	if bal := f.balance(t, "store-main", "prod-coffee"); !bal.Equal(dec("4")) {
		t.Fatalf("expected balance 4 after refund, got %s", bal)
	}
}

func TestRefundCannotExceedSoldQuantity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale := f.cashSale(t, "cashier", "prod-tea", "2", "10.00")

	if _, err := f.svc.RequestRefund(ctx, refundOne(sale, "3", "damaged")); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := f.svc.RequestRefund(ctx, refundOne(sale, "2", "damaged")); err != nil {
		t.Fatalf("full refund: %v", err)
	}
	if _, err := f.svc.RequestRefund(ctx, refundOne(sale, "1", "damaged")); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected over-refund to fail, got %v", err)
	}
}

func TestRefundAmountsIncludeTaxAndDiscount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.svc.CreateSale(ctx, domain.CreateSaleRequest{
		StoreID:   "store-main",
		CashierID: "cashier",
		Items:     []domain.SaleItemInput{{ProductID: "prod-tea", Quantity: dec("3")}},
		Discount:  &domain.Discount{Type: domain.DiscountFlat, Value: dec("1.00")},
		Payments:  []domain.PaymentInput{{Method: domain.PaymentCard, Amount: dec("13.18")}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	sale := resp.Sale
	if !sale.TotalAmount.Equal(dec("13.18")) {
		t.Fatalf("unexpected sale total %s", sale.TotalAmount)
	}

	total := dec("0")
	for i := 0; i < 3; i++ {
		refund, err := f.svc.RequestRefund(ctx, refundOne(sale, "1", "wrong_item"))
		if err != nil {
			t.Fatalf("refund %d: %v", i+1, err)
		}
		if refund.Method != domain.PaymentCard {
			t.Fatalf("expected card refund for a card sale, got %s", refund.Method)
		}
		total = total.Add(refund.TotalAmount)
	}
	if !total.Equal(sale.TotalAmount) {
		t.Fatalf("refunds should add up to the sale total %s, got %s", sale.TotalAmount, total)
	}
}

func TestLargeRefundNeedsApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale := f.cashSale(t, "cashier", "prod-mug", "3", "60.00")

	refund, err := f.svc.RequestRefund(ctx, refundOne(sale, "3", "damaged"))
	if err != nil {
		t.Fatalf("request refund: %v", err)
	}
	if refund.Status != domain.RefundPendingApproval || !refund.RequiresApproval {
		t.Fatalf("expected pending approval, got %s", refund.Status)
	}
	if bal := f.balance(t, "store-main", "prod-mug"); !bal.Equal(dec("97")) {
		t.Fatalf("pending refund must not restock, got %s", bal)
	}

	if _, err := f.svc.ApproveRefund(ctx, refund.ID, "cashier", "", false); !errors.Is(err, store.ErrNotAuthorized) {
		t.Fatalf("expected not authorized, got %v", err)
	}

	approved, err := f.svc.ApproveRefund(ctx, refund.ID, "manager", "checked the box", true)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != domain.RefundCompleted || approved.ApproverID != "manager" || approved.CompletedAt == nil {
		t.Fatalf("unexpected approved refund %+v", approved)
	}
	if bal := f.balance(t, "store-main", "prod-mug"); !bal.Equal(dec("100")) {
		t.Fatalf("approved refund should restock, got %s", bal)
	}

	if _, err := f.svc.ApproveRefund(ctx, refund.ID, "manager", "", true); !errors.Is(err, store.ErrInvalidStateTransition) {
		t.Fatalf("expected second approval to fail, got %v", err)
	}
}

func TestSensitiveReasonNeedsApprovalAndRejectReleasesQuantity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale := f.cashSale(t, "cashier", "prod-tea", "1", "5.00")

	refund, err := f.svc.RequestRefund(ctx, refundOne(sale, "1", "no_receipt"))
	if err != nil {
		t.Fatalf("request refund: %v", err)
	}
	if refund.Status != domain.RefundPendingApproval {
		t.Fatalf("expected sensitive reason to need approval, got %s", refund.Status)
	}
	if _, err := f.svc.RequestRefund(ctx, refundOne(sale, "1", "damaged")); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("pending refund should hold the quantity, got %v", err)
	}

	rejected, err := f.svc.RejectRefund(ctx, refund.ID, "manager", "no proof of purchase", true)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != domain.RefundRejected || rejected.ApproverNotes != "no proof of purchase" {
		t.Fatalf("unexpected rejected refund %+v", rejected)
	}
	if _, err := f.svc.RequestRefund(ctx, refundOne(sale, "1", "damaged")); err != nil {
		t.Fatalf("rejected refund should release quantity: %v", err)
	}
}

func TestMakerCheckerBlocksSelfApproval(t *testing.T) {
	policy := DefaultRefundPolicy()
	policy.MakerChecker = true
	f := newFixtureWithPolicy(t, policy)
	ctx := context.Background()
	sale := f.cashSale(t, "manager", "prod-mug", "3", "60.00")

	req := refundOne(sale, "3", "damaged")
	req.RequestedBy = "manager"
	refund, err := f.svc.RequestRefund(ctx, req)
	if err != nil {
		t.Fatalf("request refund: %v", err)
	}
	if _, err := f.svc.ApproveRefund(ctx, refund.ID, "manager", "", true); !errors.Is(err, store.ErrNotAuthorized) {
		t.Fatalf("expected self approval to be refused, got %v", err)
	}
	if _, err := f.svc.ApproveRefund(ctx, refund.ID, "admin", "", true); err != nil {
		t.Fatalf("second approver should succeed: %v", err)
	}
}

func TestRefundOutsideWindowIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale := f.cashSale(t, "cashier", "prod-tea", "1", "5.00")
	f.clock.Advance(31 * 24 * time.Hour)

	refund, err := f.svc.RequestRefund(ctx, refundOne(sale, "1", "damaged"))
	if err != nil {
		t.Fatalf("request refund: %v", err)
	}
	if refund.Status != domain.RefundRejected || refund.ApproverID != domain.SystemActor {
		t.Fatalf("expected system rejection, got %s by %s", refund.Status, refund.ApproverID)
	}
	if bal := f.balance(t, "store-main", "prod-tea"); !bal.Equal(dec("99")) {
		t.Fatalf("rejected refund must not restock, got %s", bal)
	}
}

func TestCancelRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale := f.cashSale(t, "cashier", "prod-mug", "3", "60.00")
	refund, err := f.svc.RequestRefund(ctx, refundOne(sale, "3", "damaged"))
	if err != nil {
		t.Fatalf("request refund: %v", err)
	}

	if _, err := f.svc.CancelRefund(ctx, refund.ID, "someone-else", false); !errors.Is(err, store.ErrNotAuthorized) {
		t.Fatalf("expected not authorized, got %v", err)
	}
	cancelled, err := f.svc.CancelRefund(ctx, refund.ID, "cashier", false)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.RefundCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if _, err := f.svc.ApproveRefund(ctx, refund.ID, "manager", "", true); !errors.Is(err, store.ErrInvalidStateTransition) {
		t.Fatalf("cancelled refund cannot be approved, got %v", err)
	}
}

func TestRefundUnknownSale(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.RequestRefund(context.Background(), domain.RefundRequest{
		SaleID:      "sale-missing",
		ReasonCode:  "damaged",
		RequestedBy: "cashier",
		Items:       []domain.RefundItemInput{{SaleItemID: "x", Quantity: dec("1")}},
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSensitiveItemReasonNeedsApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale := f.cashSale(t, "cashier", "prod-coffee", "2", "21.00")

	req := refundOne(sale, "1", "defective")
	req.Items[0].ReasonCode = "no_receipt"
	refund, err := f.svc.RequestRefund(ctx, req)
	if err != nil {
		t.Fatalf("request refund: %v", err)
	}
	if refund.Status != domain.RefundPendingApproval || !refund.RequiresApproval {
		t.Fatalf("expected a sensitive item reason to need approval, got %s", refund.Status)
	}
	if refund.Items[0].ReasonCode != "no_receipt" {
		t.Fatalf("expected item reason to be kept, got %q", refund.Items[0].ReasonCode)
	}
	if bal := f.balance(t, "store-main", "prod-coffee"); !bal.Equal(dec("98")) {
		t.Fatalf("pending refund must not restock, got %s", bal)
	}
}

func TestRefundReasonFromItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale := f.cashSale(t, "cashier", "prod-coffee", "2", "21.00")

	req := refundOne(sale, "1", "")
	if _, err := f.svc.RequestRefund(ctx, req); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected a missing reason to be rejected, got %v", err)
	}

	req.Items[0].ReasonCode = " Damaged "
	refund, err := f.svc.RequestRefund(ctx, req)
	if err != nil {
		t.Fatalf("request refund: %v", err)
	}
	if refund.ReasonCode != "damaged" || refund.Items[0].ReasonCode != "damaged" {
		t.Fatalf("expected reason taken from the item, got %q / %q", refund.ReasonCode, refund.Items[0].ReasonCode)
	}
	if refund.Status != domain.RefundCompleted {
		t.Fatalf("expected an ordinary small refund to complete, got %s", refund.Status)
	}
}

func TestRefundReasonPrefersSensitiveItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp, err := f.svc.CreateSale(ctx, domain.CreateSaleRequest{
		StoreID:   "store-main",
		CashierID: "cashier",
		Items: []domain.SaleItemInput{
			{ProductID: "prod-tea", Quantity: dec("1")},
			{ProductID: "prod-rice", Quantity: dec("1")},
		},
		Payments: []domain.PaymentInput{{Method: domain.PaymentCash, Amount: dec("10.00")}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	sale := resp.Sale

	refund, err := f.svc.RequestRefund(ctx, domain.RefundRequest{
		SaleID:      sale.ID,
		RequestedBy: "cashier",
		Items: []domain.RefundItemInput{
			{SaleItemID: sale.Items[0].ID, Quantity: dec("1"), ReasonCode: "damaged"},
			{SaleItemID: sale.Items[1].ID, Quantity: dec("1"), ReasonCode: "other"},
		},
	})
	if err != nil {
		t.Fatalf("request refund: %v", err)
	}
	if refund.ReasonCode != "other" || refund.Status != domain.RefundPendingApproval {
		t.Fatalf("expected reason other pending approval, got %q %s", refund.ReasonCode, refund.Status)
	}
}

// racingRefundRepo stores another refund against the same sale right before
// the next CreateRefund, as a second till would.
type racingRefundRepo struct {
	*memory.Store
	other   *domain.Refund
	creates int
}

func (r *racingRefundRepo) CreateRefund(ctx context.Context, refund domain.Refund, movements []domain.MovementRequest) (*domain.Refund, error) {
	r.creates++
	if r.other != nil {
		other := *r.other
		r.other = nil
		if _, err := r.Store.CreateRefund(ctx, other, nil); err != nil {
			return nil, err
		}
	}
	return r.Store.CreateRefund(ctx, refund, movements)
}

func TestRefundIsRepricedWhenSaleRefundedConcurrently(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	repo := &racingRefundRepo{Store: memory.NewSeeded(logging.Discard())}
	svc := New(repo, Options{Logger: logging.Discard(), RefundPolicy: DefaultRefundPolicy(), Now: clock.Now})
	f := fixture{svc: svc, repo: repo.Store, clock: clock}
	ctx := context.Background()

	sale := f.cashSale(t, "cashier", "prod-tea", "3", "15.00")
	line := sale.Items[0]
	lineValue := line.LineTotal.Add(line.TaxAmount)

	first, err := svc.RequestRefund(ctx, refundOne(sale, "1", "damaged"))
	if err != nil {
		t.Fatalf("first refund: %v", err)
	}
	unit := first.Items[0].RefundAmount

	repo.other = &domain.Refund{
		ID:               "rfd_other_till",
		SaleID:           sale.ID,
		StoreID:          sale.StoreID,
		Status:           domain.RefundPendingApproval,
		ReasonCode:       "damaged",
		Method:           domain.PaymentCash,
		RequiresApproval: true,
		TotalAmount:      unit,
		RequestedBy:      "cashier",
		CreatedAt:        clock.Now(),
		Items: []domain.RefundItem{{
			ID:           "rfi_other_till",
			RefundID:     "rfd_other_till",
			SaleItemID:   line.ID,
			ProductID:    line.ProductID,
			Quantity:     dec("1"),
			RefundAmount: unit,
			StockStoreID: line.StockStoreID,
		}},
	}
	repo.creates = 0

	last, err := svc.RequestRefund(ctx, refundOne(sale, "1", "damaged"))
	if err != nil {
		t.Fatalf("last refund: %v", err)
	}
	if repo.creates != 2 {
		t.Fatalf("expected the refund to be repriced once, got %d attempts", repo.creates)
	}
	want := lineValue.Sub(unit).Sub(unit)
	if !last.TotalAmount.Equal(want) {
		t.Fatalf("expected the exact remainder %s, got %s", want, last.TotalAmount)
	}
	if _, err := svc.RequestRefund(ctx, refundOne(sale, "1", "damaged")); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("line should be fully claimed, got %v", err)
	}
}

func TestApprovalIsRecordedInAuditLog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale := f.cashSale(t, "cashier", "prod-mug", "3", "60.00")
	refund, err := f.svc.RequestRefund(ctx, refundOne(sale, "3", "damaged"))
	if err != nil {
		t.Fatalf("request refund: %v", err)
	}
	if _, err := f.svc.ApproveRefund(ctx, refund.ID, "manager", "box unopened", true); err != nil {
		t.Fatalf("approve: %v", err)
	}

	logs, err := f.svc.ListAuditLogs(ctx, "store-main", 50)
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	for _, entry := range logs {
		if entry.Action == "refund.approve" && entry.EntityID == refund.ID && entry.ActorID == "manager" {
			return
		}
	}
	t.Fatalf("expected an approval entry for %s, got %+v", refund.ID, logs)
}
