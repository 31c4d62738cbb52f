package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

const closedWithoutCountNote = "closed without physical count"

// OpenSession starts a cash drawer session. A cashier holds at most one open
// session per store.
func (s *Service) OpenSession(ctx context.Context, cashierID string, storeID string, openingAmount decimal.Decimal) (domain.DrawerSession, error) {
	if strings.TrimSpace(cashierID) == "" {
		return domain.DrawerSession{}, store.Invalid("cashier_id", "is required")
	}
	if err := validMoney("opening_amount", openingAmount); err != nil {
		return domain.DrawerSession{}, err
	}
	if _, err := s.requireStore(ctx, storeID); err != nil {
		return domain.DrawerSession{}, err
	}

	session, err := s.repo.CreateDrawerSession(ctx, domain.DrawerSession{
		ID:             xid.New("drw"),
		CashierID:      cashierID,
		StoreID:        storeID,
		Status:         domain.DrawerOpen,
		OpeningAmount:  openingAmount,
		ExpectedAmount: openingAmount,
		OpenedAt:       s.now(),
	})
	if err != nil {
		s.logFailure("OpenSession", "create drawer session", cashierID, err)
		return domain.DrawerSession{}, err
	}

	s.logAudit(ctx, storeID, cashierID, "drawer.open", "drawer_session", session.ID,
		fmt.Sprintf("opening %s", openingAmount.StringFixed(2)))
	return *session, nil
}

// ExpectedAmount is the cash the drawer should hold now: opening float plus
// cash taken, less change, cash refunds and payouts. A closed session keeps
// the amount fixed when it closed.
func (s *Service) ExpectedAmount(ctx context.Context, sessionID string) (decimal.Decimal, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return decimal.Zero, err
	}
	if session.Status == domain.DrawerClosed {
		return session.ExpectedAmount, nil
	}
	return s.expectedAt(ctx, session, s.now())
}

func (s *Service) expectedAt(ctx context.Context, session domain.DrawerSession, until time.Time) (decimal.Decimal, error) {
	activity, err := s.repo.CashActivity(ctx, session, until)
	if err != nil {
		return decimal.Zero, err
	}
	return activity.Expected(session.OpeningAmount), nil
}

// RecordCount stores an interim physical count and its variance against the
// expected amount at that moment.
func (s *Service) RecordCount(ctx context.Context, sessionID string, counted decimal.Decimal) (domain.DrawerSession, error) {
	if err := validMoney("counted_amount", counted); err != nil {
		return domain.DrawerSession{}, err
	}
	session, err := s.openSession(ctx, sessionID, "counted")
	if err != nil {
		return domain.DrawerSession{}, err
	}

	now := s.now()
	expected, err := s.expectedAt(ctx, session, now)
	if err != nil {
		return domain.DrawerSession{}, err
	}
	updated, err := s.repo.RecordDrawerCount(ctx, domain.DrawerCount{
		ID:             xid.New("count"),
		SessionID:      session.ID,
		Kind:           domain.DrawerCountInterim,
		CountedAmount:  counted,
		ExpectedAmount: expected,
		Variance:       counted.Sub(expected),
		CountedAt:      now,
	})
	if err != nil {
		s.logFailure("RecordCount", "record drawer count", sessionID, err)
		return domain.DrawerSession{}, err
	}

	s.logAudit(ctx, session.StoreID, session.CashierID, "drawer.count", "drawer_session", session.ID,
		fmt.Sprintf("counted %s expected %s", counted.StringFixed(2), expected.StringFixed(2)))
	return *updated, nil
}

// CloseSession closes the drawer. The store settles the expected amount
// while it holds the session lock. With no count the expected amount is recorded as counted and the
// session is marked unverified.
func (s *Service) CloseSession(ctx context.Context, sessionID string, counted *decimal.Decimal, notes string) (domain.DrawerSession, error) {
	if counted != nil {
		if err := validMoney("counted_amount", *counted); err != nil {
			return domain.DrawerSession{}, err
		}
	}
	session, err := s.openSession(ctx, sessionID, domain.DrawerClosed)
	if err != nil {
		return domain.DrawerSession{}, err
	}

	closing := domain.DrawerClose{
		SessionID: session.ID,
		Counted:   counted,
		Notes:     strings.TrimSpace(notes),
		ClosedAt:  s.now(),
	}
	if counted == nil {
		if closing.Notes == "" {
			closing.Notes = closedWithoutCountNote
		} else {
			closing.Notes = closedWithoutCountNote + ": " + closing.Notes
		}
	}

	closed, err := s.repo.CloseDrawerSession(ctx, closing)
	if err != nil {
		s.logFailure("CloseSession", "close drawer session", sessionID, err)
		return domain.DrawerSession{}, err
	}

	countedAmount, variance := closed.ExpectedAmount, decimal.Zero
	if closed.CountedAmount != nil {
		countedAmount = *closed.CountedAmount
	}
	if closed.Variance != nil {
		variance = *closed.Variance
	}
	fields := logrus.Fields{
		"session_id": closed.ID,
		"cashier_id": closed.CashierID,
		"expected":   closed.ExpectedAmount.StringFixed(2),
		"verified":   closed.CountVerified,
	}
	if !variance.IsZero() {
		fields["variance"] = variance.StringFixed(2)
		s.logger.WithFields(fields).Warn("drawer closed with variance")
	} else {
		s.logger.WithFields(fields).Info("drawer closed")
	}
	s.logAudit(ctx, closed.StoreID, closed.CashierID, "drawer.close", "drawer_session", closed.ID,
		fmt.Sprintf("expected %s counted %s variance %s", closed.ExpectedAmount.StringFixed(2),
			countedAmount.StringFixed(2), variance.StringFixed(2)))
	return *closed, nil
}

// RecordPayout takes cash out of an open drawer for a non-sale reason.
func (s *Service) RecordPayout(ctx context.Context, sessionID string, amount decimal.Decimal, reason string, recordedBy string) (domain.DrawerPayout, error) {
	if !amount.IsPositive() {
		return domain.DrawerPayout{}, store.Invalid("amount", "must be greater than zero")
	}
	if err := validMoney("amount", amount); err != nil {
		return domain.DrawerPayout{}, err
	}
	if strings.TrimSpace(reason) == "" {
		return domain.DrawerPayout{}, store.Invalid("reason", "is required")
	}
	session, err := s.openSession(ctx, sessionID, "paid out")
	if err != nil {
		return domain.DrawerPayout{}, err
	}
	if recordedBy == "" {
		recordedBy = session.CashierID
	}

	payout, err := s.repo.CreateDrawerPayout(ctx, domain.DrawerPayout{
		ID:         xid.New("pout"),
		SessionID:  session.ID,
		Amount:     amount,
		Reason:     strings.TrimSpace(reason),
		RecordedBy: recordedBy,
		CreatedAt:  s.now(),
	})
	if err != nil {
		return domain.DrawerPayout{}, err
	}
	s.logAudit(ctx, session.StoreID, recordedBy, "drawer.payout", "drawer_session", session.ID,
		fmt.Sprintf("%s: %s", amount.StringFixed(2), payout.Reason))
	return *payout, nil
}

func (s *Service) GetSession(ctx context.Context, sessionID string) (domain.DrawerSession, error) {
	if strings.TrimSpace(sessionID) == "" {
		return domain.DrawerSession{}, store.Invalid("session_id", "is required")
	}
	session, err := s.repo.GetDrawerSession(ctx, sessionID)
	if err != nil {
		return domain.DrawerSession{}, err
	}
	return *session, nil
}

func (s *Service) GetOpenSession(ctx context.Context, cashierID string, storeID string) (domain.DrawerSession, error) {
	session, err := s.repo.GetOpenDrawerSession(ctx, cashierID, storeID)
	if err != nil {
		return domain.DrawerSession{}, err
	}
	return *session, nil
}

func (s *Service) ListCounts(ctx context.Context, sessionID string) ([]domain.DrawerCount, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.repo.ListDrawerCounts(ctx, sessionID)
}

func (s *Service) openSession(ctx context.Context, sessionID string, target string) (domain.DrawerSession, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return domain.DrawerSession{}, err
	}
	if session.Status != domain.DrawerOpen {
		return domain.DrawerSession{}, &store.StateTransitionError{Entity: "drawer session", ID: sessionID, From: session.Status, To: target}
	}
	return session, nil
}
