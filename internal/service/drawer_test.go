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

func TestOpenSessionIsUniquePerCashierAndStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.OpenSession(ctx, "cashier", "store-main", dec("100.00"))
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if first.Status != domain.DrawerOpen {
		t.Fatalf("expected open session, got %s", first.Status)
	}
	if _, err := f.svc.OpenSession(ctx, "cashier", "store-main", dec("50.00")); !errors.Is(err, store.ErrSessionAlreadyOpen) {
		t.Fatalf("expected session already open, got %v", err)
	}
	if _, err := f.svc.OpenSession(ctx, "cashier", "store-north", dec("50.00")); err != nil {
		t.Fatalf("other store should be allowed: %v", err)
	}
	if _, err := f.svc.OpenSession(ctx, "cashier", "store-main", dec("-1.00")); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected negative float to be rejected, got %v", err)
	}
}

func TestExpectedAmountTracksCashActivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.svc.OpenSession(ctx, "cashier", "store-main", dec("100.00"))
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	f.clock.Advance(time.Minute)
	sale := f.cashSale(t, "cashier", "prod-tea", "1", "5.00")

	f.clock.Advance(time.Minute)
	if _, err := f.svc.CreateSale(ctx, domain.CreateSaleRequest{
		StoreID:   "store-main",
		CashierID: "cashier",
		Items:     []domain.SaleItemInput{{ProductID: "prod-mug", Quantity: dec("1")}},
		Payments:  []domain.PaymentInput{{Method: domain.PaymentCard, Amount: dec("20.00")}},
	}); err != nil {
		t.Fatalf("card sale: %v", err)
	}

	f.clock.Advance(time.Minute)
	if _, err := f.svc.RecordPayout(ctx, session.ID, dec("10.00"), "window cleaner", ""); err != nil {
		t.Fatalf("payout: %v", err)
	}

	expected, err := f.svc.ExpectedAmount(ctx, session.ID)
	if err != nil {
		t.Fatalf("expected amount: %v", err)
	}
	if !expected.Equal(dec("94.73")) {
		t.Fatalf("expected 94.73, got %s", expected)
	}
	again, err := f.svc.ExpectedAmount(ctx, session.ID)
	if err != nil {
		t.Fatalf("expected amount: %v", err)
	}
	if !again.Equal(expected) {
		t.Fatalf("expected amount must be repeatable: %s then %s", expected, again)
	}

	f.clock.Advance(time.Minute)
	if _, err := f.svc.RequestRefund(ctx, refundOne(sale, "1", "damaged")); err != nil {
		t.Fatalf("refund: %v", err)
	}
	expected, err = f.svc.ExpectedAmount(ctx, session.ID)
	if err != nil {
		t.Fatalf("expected amount: %v", err)
	}
	if !expected.Equal(dec("90.00")) {
		t.Fatalf("expected 90.00 after cash refund, got %s", expected)
	}
}

func TestRecordCountAndCloseWithVariance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.svc.OpenSession(ctx, "cashier", "store-main", dec("50.00"))
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	f.clock.Advance(time.Minute)
	f.cashSale(t, "cashier", "prod-mug", "1", "20.00")

	counted, err := f.svc.RecordCount(ctx, session.ID, dec("69.50"))
	if err != nil {
		t.Fatalf("record count: %v", err)
	}
	if !counted.CountVerified || counted.Variance == nil || !counted.Variance.Equal(dec("-0.50")) {
		t.Fatalf("unexpected interim count %+v", counted)
	}

	f.clock.Advance(time.Hour)
	closed, err := f.svc.CloseSession(ctx, session.ID, decPtr("70.00"), "")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Status != domain.DrawerClosed || closed.ClosedAt == nil {
		t.Fatalf("expected closed session, got %+v", closed)
	}
	if !closed.ExpectedAmount.Equal(dec("70.00")) || !closed.Variance.IsZero() || !closed.CountVerified {
		t.Fatalf("unexpected close values %+v", closed)
	}

	counts, err := f.svc.ListCounts(ctx, session.ID)
	if err != nil {
		t.Fatalf("list counts: %v", err)
	}
	if len(counts) != 2 || counts[0].Kind != domain.DrawerCountInterim || counts[1].Kind != domain.DrawerCountClosing {
		t.Fatalf("expected interim and closing counts, got %+v", counts)
	}

	if _, err := f.svc.CloseSession(ctx, session.ID, decPtr("70.00"), ""); !errors.Is(err, store.ErrInvalidStateTransition) {
		t.Fatalf("expected double close to fail, got %v", err)
	}
	if _, err := f.svc.RecordPayout(ctx, session.ID, dec("1.00"), "late", ""); !errors.Is(err, store.ErrInvalidStateTransition) {
		t.Fatalf("expected payout on closed drawer to fail, got %v", err)
	}

	// A closed window is fixed: later sales do not change it.
	f.clock.Advance(time.Minute)
	f.cashSale(t, "cashier", "prod-mug", "1", "20.00")
	expected, err := f.svc.ExpectedAmount(ctx, session.ID)
	if err != nil {
		t.Fatalf("expected amount: %v", err)
	}
	if !expected.Equal(dec("70.00")) {
		t.Fatalf("closed session expected amount moved to %s", expected)
	}
}

func TestCloseWithoutCountIsUnverified(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.svc.OpenSession(ctx, "cashier", "store-main", dec("25.00"))
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	closed, err := f.svc.CloseSession(ctx, session.ID, nil, "")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.CountVerified {
		t.Fatalf("close without count must not be verified")
	}
	if closed.CountedAmount == nil || !closed.CountedAmount.Equal(dec("25.00")) || !closed.Variance.IsZero() {
		t.Fatalf("unexpected close values %+v", closed)
	}
	if closed.Notes != closedWithoutCountNote {
		t.Fatalf("expected note %q, got %q", closedWithoutCountNote, closed.Notes)
	}

	if _, err := f.svc.OpenSession(ctx, "cashier", "store-main", dec("25.00")); err != nil {
		t.Fatalf("reopen after close: %v", err)
	}
}

func TestGetOpenSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.GetOpenSession(ctx, "cashier", "store-main"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	opened, err := f.svc.OpenSession(ctx, "cashier", "store-main", dec("10.00"))
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	found, err := f.svc.GetOpenSession(ctx, "cashier", "store-main")
	if err != nil {
		t.Fatalf("get open session: %v", err)
	}
	if found.ID != opened.ID {
		t.Fatalf("expected %s, got %s", opened.ID, found.ID)
	}
}

// lateCommitRepo commits a payout just before the close takes the drawer
// lock, the way a second terminal would.
type lateCommitRepo struct {
	*memory.Store
	payout domain.DrawerPayout
}

func (r *lateCommitRepo) CloseDrawerSession(ctx context.Context, c domain.DrawerClose) (*domain.DrawerSession, error) {
	if _, err := r.Store.CreateDrawerPayout(ctx, r.payout); err != nil {
		return nil, err
	}
	return r.Store.CloseDrawerSession(ctx, c)
}

func TestCloseSettlesActivityCommittedBeforeTheLock(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	repo := &lateCommitRepo{Store: memory.NewSeeded(logging.Discard())}
	svc := New(repo, Options{Logger: logging.Discard(), RefundPolicy: DefaultRefundPolicy(), Now: clock.Now})
	ctx := context.Background()

	session, err := svc.OpenSession(ctx, "cashier", "store-main", dec("100.00"))
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	clock.Advance(time.Minute)
	repo.payout = domain.DrawerPayout{
		ID:         "pout-late",
		SessionID:  session.ID,
		Amount:     dec("5.00"),
		Reason:     "milk",
		RecordedBy: "cashier",
		CreatedAt:  clock.Now(),
	}

	closed, err := svc.CloseSession(ctx, session.ID, decPtr("95.00"), "")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !closed.ExpectedAmount.Equal(dec("95.00")) || closed.Variance == nil || !closed.Variance.IsZero() {
		t.Fatalf("expected the late payout in the close, got expected %s variance %v", closed.ExpectedAmount, closed.Variance)
	}

	clock.Advance(time.Minute)
	expected, err := svc.ExpectedAmount(ctx, session.ID)
	if err != nil {
		t.Fatalf("expected amount: %v", err)
	}
	if !expected.Equal(closed.ExpectedAmount) {
		t.Fatalf("closed expected amount changed from %s to %s", closed.ExpectedAmount, expected)
	}
}
