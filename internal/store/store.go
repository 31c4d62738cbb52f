package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
)

// Repository is the persistence boundary. Every mutating method is one atomic
// unit: it either commits all of its writes or returns an error having
// committed none of them.
type Repository interface {
	CreateStore(ctx context.Context, s domain.Store) (*domain.Store, error)
	GetStore(ctx context.Context, id string) (*domain.Store, error)
	GetPrimaryStore(ctx context.Context) (*domain.Store, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	SetProductActive(ctx context.Context, id string, active bool) (*domain.Product, error)

	// ApplyMovements appends the movements and updates the affected balances.
	// Decrements on tracked products that would go below zero fail the whole
	// batch with *InsufficientStockError.
	ApplyMovements(ctx context.Context, movements []domain.MovementRequest) ([]domain.StockMovement, error)
	GetInventoryRecord(ctx context.Context, storeID string, productID string) (*domain.InventoryRecord, error)
	ListMovements(ctx context.Context, storeID string, productID string, limit int) ([]domain.StockMovement, error)
	SumMovements(ctx context.Context, storeID string, productID string) (decimal.Decimal, error)

	NextSaleSequence(ctx context.Context, storeID string, businessDate time.Time) (int64, error)
	CreateSale(ctx context.Context, sale domain.Sale, movements []domain.MovementRequest, entry domain.AccountingQueueEntry) (*domain.Sale, error)
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error)

	GetRefundedLines(ctx context.Context, saleID string) (map[string]domain.RefundedLine, error)
	// CreateRefund re-checks refundable quantities while holding the sale
	// lock, then applies movements when the refund is created completed.
	CreateRefund(ctx context.Context, refund domain.Refund, movements []domain.MovementRequest) (*domain.Refund, error)
	GetRefund(ctx context.Context, id string) (*domain.Refund, error)
	TransitionRefund(ctx context.Context, transition domain.RefundTransition) (*domain.Refund, error)

	CreateDrawerSession(ctx context.Context, session domain.DrawerSession) (*domain.DrawerSession, error)
	GetDrawerSession(ctx context.Context, id string) (*domain.DrawerSession, error)
	GetOpenDrawerSession(ctx context.Context, cashierID string, storeID string) (*domain.DrawerSession, error)
	RecordDrawerCount(ctx context.Context, count domain.DrawerCount) (*domain.DrawerSession, error)
	CloseDrawerSession(ctx context.Context, close domain.DrawerClose) (*domain.DrawerSession, error)
	CreateDrawerPayout(ctx context.Context, payout domain.DrawerPayout) (*domain.DrawerPayout, error)
	ListDrawerCounts(ctx context.Context, sessionID string) ([]domain.DrawerCount, error)
	// CashActivity sums cash for the session's cashier and store in
	// [session.OpenedAt, until].
	CashActivity(ctx context.Context, session domain.DrawerSession, until time.Time) (domain.CashActivity, error)

	ClaimAccountingEntries(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]domain.AccountingQueueEntry, error)
	MarkAccountingSynced(ctx context.Context, entryID string, at time.Time) error
	MarkAccountingFailed(ctx context.Context, entryID string, lastError string, nextAttemptAt *time.Time, at time.Time) error
	GetAccountingEntryBySale(ctx context.Context, saleID string) (*domain.AccountingQueueEntry, error)
	ListAccountingEntries(ctx context.Context, status string, limit int) ([]domain.AccountingQueueEntry, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, storeID string, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// InventoryKey identifies one ledger balance.
type InventoryKey struct {
	StoreID   string
	ProductID string
}

func (k InventoryKey) String() string {
	return k.StoreID + "/" + k.ProductID
}
