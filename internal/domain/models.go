package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Store struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	Primary   bool      `json:"primary"`
	CreatedAt time.Time `json:"created_at"`
}

type Product struct {
	ID              string           `json:"id"`
	SKU             string           `json:"sku"`
	Name            string           `json:"name"`
	UnitPrice       decimal.Decimal  `json:"unit_price"`
	CostPrice       *decimal.Decimal `json:"cost_price,omitempty"`
	TaxRate         decimal.Decimal  `json:"tax_rate"`
	TracksInventory bool             `json:"tracks_inventory"`
	Active          bool             `json:"active"`
	CreatedAt       time.Time        `json:"created_at"`
}

type InventoryRecord struct {
	StoreID        string          `json:"store_id"`
	ProductID      string          `json:"product_id"`
	QuantityOnHand decimal.Decimal `json:"quantity_on_hand"`
	AverageCost    decimal.Decimal `json:"average_cost"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type StockMovement struct {
	ID            string           `json:"id"`
	StoreID       string           `json:"store_id"`
	ProductID     string           `json:"product_id"`
	Type          string           `json:"type"`
	Quantity      decimal.Decimal  `json:"quantity"`
	UnitCost      *decimal.Decimal `json:"unit_cost,omitempty"`
	ReferenceType string           `json:"reference_type,omitempty"`
	ReferenceID   string           `json:"reference_id,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	BalanceAfter  decimal.Decimal  `json:"balance_after"`
	PerformedBy   string           `json:"performed_by,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// MovementRequest is the input to the ledger. Quantity is the signed delta.
type MovementRequest struct {
	StoreID       string           `json:"store_id" validate:"required"`
	ProductID     string           `json:"product_id" validate:"required"`
	Quantity      decimal.Decimal  `json:"quantity"`
	Type          string           `json:"type" validate:"required"`
	ReferenceType string           `json:"reference_type,omitempty"`
	ReferenceID   string           `json:"reference_id,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	UnitCost      *decimal.Decimal `json:"unit_cost,omitempty"`
	PerformedBy   string           `json:"performed_by,omitempty"`
}

type TransferRequest struct {
	FromStoreID string          `json:"from_store_id" validate:"required"`
	ToStoreID   string          `json:"to_store_id" validate:"required,nefield=FromStoreID"`
	ProductID   string          `json:"product_id" validate:"required"`
	Quantity    decimal.Decimal `json:"quantity"`
	Reason      string          `json:"reason,omitempty"`
	PerformedBy string          `json:"performed_by,omitempty"`
}

type TransferResult struct {
	Out StockMovement `json:"out"`
	In  StockMovement `json:"in"`
}

type BalanceCheck struct {
	StoreID        string          `json:"store_id"`
	ProductID      string          `json:"product_id"`
	QuantityOnHand decimal.Decimal `json:"quantity_on_hand"`
	MovementSum    decimal.Decimal `json:"movement_sum"`
	Consistent     bool            `json:"consistent"`
}

type Sale struct {
	ID                 string          `json:"id"`
	SaleNumber         string          `json:"sale_number"`
	StoreID            string          `json:"store_id"`
	CashierID          string          `json:"cashier_id"`
	CustomerRef        string          `json:"customer_ref,omitempty"`
	IdempotencyKey     string          `json:"idempotency_key,omitempty"`
	Subtotal           decimal.Decimal `json:"subtotal"`
	DiscountTotal      decimal.Decimal `json:"discount_total"`
	TaxTotal           decimal.Decimal `json:"tax_total"`
	TotalAmount        decimal.Decimal `json:"total_amount"`
	AmountPaid         decimal.Decimal `json:"amount_paid"`
	ChangeDue          decimal.Decimal `json:"change_due"`
	PaymentStatus      string          `json:"payment_status"`
	SyncedToAccounting bool            `json:"synced_to_accounting"`
	CreatedAt          time.Time       `json:"created_at"`
	Items              []SaleItem      `json:"items"`
	Payments           []SalePayment   `json:"payments"`
}

type SaleItem struct {
	ID           string          `json:"id"`
	SaleID       string          `json:"sale_id"`
	LineNo       int             `json:"line_no"`
	ProductID    string          `json:"product_id"`
	SKU          string          `json:"sku"`
	Name         string          `json:"name"`
	Quantity     decimal.Decimal `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	LineDiscount decimal.Decimal `json:"line_discount"`
	LineTotal    decimal.Decimal `json:"line_total"`
	TaxRate      decimal.Decimal `json:"tax_rate"`
	TaxAmount    decimal.Decimal `json:"tax_amount"`
	Source       string          `json:"source"`
	StockStoreID string          `json:"stock_store_id,omitempty"`
}

type SalePayment struct {
	ID        string          `json:"id"`
	SaleID    string          `json:"sale_id"`
	Method    string          `json:"method"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
}

type Discount struct {
	Type  string          `json:"type"`
	Value decimal.Decimal `json:"value"`
}

type SaleItemInput struct {
	ProductID    string           `json:"product_id" validate:"required"`
	Quantity     decimal.Decimal  `json:"quantity"`
	UnitPrice    *decimal.Decimal `json:"unit_price,omitempty"`
	LineDiscount decimal.Decimal  `json:"line_discount"`
	Source       string           `json:"source,omitempty"`
}

type PaymentInput struct {
	Method    string          `json:"method" validate:"required"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
}

type CreateSaleRequest struct {
	StoreID                 string          `json:"store_id" validate:"required"`
	CashierID               string          `json:"-"`
	Items                   []SaleItemInput `json:"items" validate:"required,min=1,dive"`
	Payments                []PaymentInput  `json:"payments" validate:"dive"`
	Discount                *Discount       `json:"discount,omitempty"`
	CustomerRef             string          `json:"customer_ref,omitempty"`
	IdempotencyKey          string          `json:"idempotency_key,omitempty"`
	PriceOverrideAuthorized bool            `json:"-"`
}

type SaleResponse struct {
	Sale      Sale `json:"sale"`
	Duplicate bool `json:"duplicate"`
}

type Refund struct {
	ID               string          `json:"id"`
	SaleID           string          `json:"sale_id"`
	StoreID          string          `json:"store_id"`
	Status           string          `json:"status"`
	ReasonCode       string          `json:"reason_code"`
	Method           string          `json:"method"`
	RequiresApproval bool            `json:"requires_approval"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	RequestedBy      string          `json:"requested_by"`
	ApproverID       string          `json:"approver_id,omitempty"`
	ApproverNotes    string          `json:"approver_notes,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	Items            []RefundItem    `json:"items"`

	// PricedAgainst is what the sale had refunded per line when the item
	// amounts were worked out. It is not stored.
	PricedAgainst map[string]RefundedLine `json:"-"`
}

type RefundItem struct {
	ID           string          `json:"id"`
	RefundID     string          `json:"refund_id"`
	SaleItemID   string          `json:"sale_item_id"`
	ProductID    string          `json:"product_id"`
	Quantity     decimal.Decimal `json:"quantity"`
	RefundAmount decimal.Decimal `json:"refund_amount"`
	ReasonCode   string          `json:"reason_code"`
	StockStoreID string          `json:"stock_store_id,omitempty"`
}

type RefundItemInput struct {
	SaleItemID string          `json:"sale_item_id" validate:"required"`
	Quantity   decimal.Decimal `json:"quantity"`
	ReasonCode string          `json:"reason_code,omitempty"`
}

type RefundRequest struct {
	SaleID      string            `json:"sale_id" validate:"required"`
	Items       []RefundItemInput `json:"items" validate:"required,min=1,dive"`
	ReasonCode  string            `json:"reason_code"`
	Method      string            `json:"method,omitempty"`
	RequestedBy string            `json:"-"`
}

// RefundTransition moves a refund from one status to another inside one
// atomic unit. Movements are applied only when the transition commits.
type RefundTransition struct {
	RefundID   string
	From       string
	To         string
	ActorID    string
	Notes      string
	At         time.Time
	Movements  []MovementRequest
	Completing bool
}

type DrawerSession struct {
	ID             string           `json:"id"`
	CashierID      string           `json:"cashier_id"`
	StoreID        string           `json:"store_id"`
	Status         string           `json:"status"`
	OpeningAmount  decimal.Decimal  `json:"opening_amount"`
	ExpectedAmount decimal.Decimal  `json:"expected_amount"`
	CountedAmount  *decimal.Decimal `json:"counted_amount,omitempty"`
	Variance       *decimal.Decimal `json:"variance,omitempty"`
	CountVerified  bool             `json:"count_verified"`
	Notes          string           `json:"notes,omitempty"`
	OpenedAt       time.Time        `json:"opened_at"`
	LastCountedAt  *time.Time       `json:"last_counted_at,omitempty"`
	ClosedAt       *time.Time       `json:"closed_at,omitempty"`
}

type DrawerCount struct {
	ID             string          `json:"id"`
	SessionID      string          `json:"session_id"`
	Kind           string          `json:"kind"`
	CountedAmount  decimal.Decimal `json:"counted_amount"`
	ExpectedAmount decimal.Decimal `json:"expected_amount"`
	Variance       decimal.Decimal `json:"variance"`
	CountedAt      time.Time       `json:"counted_at"`
}

type DrawerPayout struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	Amount     decimal.Decimal `json:"amount"`
	Reason     string          `json:"reason"`
	RecordedBy string          `json:"recorded_by"`
	CreatedAt  time.Time       `json:"created_at"`
}

// DrawerClose asks the store to close a session. A nil Counted closes it
// without a physical count.
type DrawerClose struct {
	SessionID string
	Counted   *decimal.Decimal
	Notes     string
	ClosedAt  time.Time
}

// CashActivity is the cash that moved through one drawer window.
type CashActivity struct {
	CashPayments decimal.Decimal `json:"cash_payments"`
	ChangeGiven  decimal.Decimal `json:"change_given"`
	CashRefunds  decimal.Decimal `json:"cash_refunds"`
	Payouts      decimal.Decimal `json:"payouts"`
}

// Expected is the cash a drawer opened with opening should hold after a.
func (a CashActivity) Expected(opening decimal.Decimal) decimal.Decimal {
	return opening.Add(a.CashPayments).Sub(a.ChangeGiven).Sub(a.CashRefunds).Sub(a.Payouts)
}

type AccountingQueueEntry struct {
	ID            string     `json:"id"`
	SaleID        string     `json:"sale_id"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	SyncedAt      *time.Time `json:"synced_at,omitempty"`
	LockedUntil   *time.Time `json:"-"`
}

type AuditLog struct {
	ID         string    `json:"id"`
	StoreID    string    `json:"store_id"`
	ActorID    string    `json:"actor_id"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const (
	MovementSale             = "sale"
	MovementReturn           = "return"
	MovementTransferIn       = "transfer_in"
	MovementTransferOut      = "transfer_out"
	MovementManualAdjustment = "manual_adjustment"
	MovementPurchase         = "purchase"
)

const (
	ReferenceSale     = "sale"
	ReferenceRefund   = "refund"
	ReferenceTransfer = "transfer"
	ReferenceManual   = "manual"
)

const (
	PaymentCash         = "cash"
	PaymentCard         = "card"
	PaymentMobileMoney  = "mobile_money"
	PaymentStoreCredit  = "store_credit"
	PaymentGiftCard     = "gift_card"
	PaymentBankTransfer = "bank_transfer"
)

const (
	PaymentStatusPaid          = "paid"
	PaymentStatusPartiallyPaid = "partially_paid"
)

const (
	DiscountFlat    = "flat"
	DiscountPercent = "percent"
)

const (
	RefundRequested       = "requested"
	RefundPendingApproval = "pending_approval"
	RefundApproved        = "approved"
	RefundRejected        = "rejected"
	RefundCompleted       = "completed"
	RefundCancelled       = "cancelled"
)

const (
	DrawerOpen   = "open"
	DrawerClosed = "closed"

	DrawerCountInterim = "interim"
	DrawerCountClosing = "closing"
)

const (
	AccountingPending = "pending"
	AccountingSynced  = "synced"
	AccountingFailed  = "failed"
)

const (
	RoleCashier = "cashier"
	RoleManager = "manager"
	RoleAdmin   = "admin"
)

// SystemActor resolves refunds that no person decided, such as window expiry.
const SystemActor = "system"

func IsPaymentMethod(method string) bool {
	switch method {
	case PaymentCash, PaymentCard, PaymentMobileMoney, PaymentStoreCredit, PaymentGiftCard, PaymentBankTransfer:
		return true
	default:
		return false
	}
}

func IsMovementType(kind string) bool {
	switch kind {
	case MovementSale, MovementReturn, MovementTransferIn, MovementTransferOut, MovementManualAdjustment, MovementPurchase:
		return true
	default:
		return false
	}
}

// RefundStatusCountsAgainstSale reports whether quantities in a refund with
// this status are unavailable for further refunds.
func RefundStatusCountsAgainstSale(status string) bool {
	switch status {
	case RefundRequested, RefundPendingApproval, RefundApproved, RefundCompleted:
		return true
	default:
		return false
	}
}

// RefundedLine is what has already been claimed against one sale item.
type RefundedLine struct {
	Quantity decimal.Decimal `json:"quantity"`
	Amount   decimal.Decimal `json:"amount"`
}
