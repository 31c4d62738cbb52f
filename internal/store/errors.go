package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrValidation             = errors.New("validation error")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrSessionAlreadyOpen     = errors.New("drawer session already open")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrPersistence            = errors.New("persistence error")
	ErrNotAuthorized          = errors.New("not authorized")
	ErrDuplicateSaleNumber    = errors.New("duplicate sale number")
	ErrDuplicateIdempotency   = errors.New("duplicate idempotency key")
	ErrLockTimeout            = errors.New("lock timeout")
	ErrRefundRepriced         = errors.New("sale refunded since the refund was priced")
)

// ValidationError reports bad input. Nothing was persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Reason)
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func Invalid(field string, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

type StockShortage struct {
	StoreID   string          `json:"store_id"`
	ProductID string          `json:"product_id"`
	Available decimal.Decimal `json:"available"`
	Requested decimal.Decimal `json:"requested"`
}

// InsufficientStockError lists every (store, product) key that could not
// cover its requested decrement.
type InsufficientStockError struct {
	Shortages []StockShortage
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		parts = append(parts, fmt.Sprintf("product %s at store %s: available %s, requested %s",
			s.ProductID, s.StoreID, s.Available.String(), s.Requested.String()))
	}
	return "insufficient stock: " + strings.Join(parts, "; ")
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// First returns the first shortage, which is the only one for single-key
// ledger calls.
func (e *InsufficientStockError) First() StockShortage {
	if len(e.Shortages) == 0 {
		return StockShortage{}
	}
	return e.Shortages[0]
}

type StateTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s %s is %s, cannot move to %s", e.Entity, e.ID, e.From, e.To)
}

func (e *StateTransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}

// PersistenceError wraps a storage failure. The whole call is safe to retry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// WrapPersistence wraps err unless it already carries a domain error kind.
func WrapPersistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if Kind(err) != KindPersistence {
		return err
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

const (
	KindValidation        = "validation_error"
	KindInsufficientStock = "insufficient_stock"
	KindSessionOpen       = "session_already_open"
	KindInvalidTransition = "invalid_state_transition"
	KindNotFound          = "not_found"
	KindNotAuthorized     = "not_authorized"
	KindPersistence       = "persistence_error"
)

// Kind maps an error to the tag callers switch on. Anything unrecognised is
// treated as a persistence failure.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrInsufficientStock):
		return KindInsufficientStock
	case errors.Is(err, ErrSessionAlreadyOpen):
		return KindSessionOpen
	case errors.Is(err, ErrInvalidStateTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrNotAuthorized):
		return KindNotAuthorized
	default:
		return KindPersistence
	}
}

func Retryable(err error) bool {
	return err != nil && Kind(err) == KindPersistence
}
