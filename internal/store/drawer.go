package store

import (
	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
)

// DrawerSettlement holds the values fixed on a session when it closes.
type DrawerSettlement struct {
	Expected decimal.Decimal
	Counted  decimal.Decimal
	Variance decimal.Decimal
	Verified bool
}

// SettleDrawer works out the close values from the cash activity read while
// the session is locked. Without a count the expected amount stands in for
// the counted one and the close is unverified.
func SettleDrawer(session domain.DrawerSession, activity domain.CashActivity, counted *decimal.Decimal) DrawerSettlement {
	expected := activity.Expected(session.OpeningAmount)
	if counted == nil {
		return DrawerSettlement{Expected: expected, Counted: expected, Variance: decimal.Zero}
	}
	return DrawerSettlement{
		Expected: expected,
		Counted:  *counted,
		Variance: counted.Sub(expected),
		Verified: true,
	}
}
