package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

type refundActionRequest struct {
	RefundID string `json:"refund_id" validate:"required"`
	Notes    string `json:"notes"`
}

type drawerOpenRequest struct {
	StoreID       string          `json:"store_id" validate:"required"`
	OpeningAmount decimal.Decimal `json:"opening_amount"`
}

type drawerCountRequest struct {
	SessionID     string          `json:"session_id" validate:"required"`
	CountedAmount decimal.Decimal `json:"counted_amount"`
}

type drawerCloseRequest struct {
	SessionID     string           `json:"session_id" validate:"required"`
	CountedAmount *decimal.Decimal `json:"counted_amount,omitempty"`
	Notes         string           `json:"notes"`
}

type drawerPayoutRequest struct {
	SessionID string          `json:"session_id" validate:"required"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason" validate:"required"`
}

type drawerView struct {
	Session        domain.DrawerSession `json:"session"`
	ExpectedAmount decimal.Decimal      `json:"expected_amount"`
	Counts         []domain.DrawerCount `json:"counts"`
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := a.decode(r, &req); err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCreateSale(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	var req domain.CreateSaleRequest
	if err := a.decode(r, &req); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}
	req.CashierID = actor.Username
	req.PriceOverrideAuthorized = isSupervisor(actor.Role)

	resp, err := a.service.CreateSale(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	status := http.StatusCreated
	if resp.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (a *API) handleGetSale(w http.ResponseWriter, r *http.Request) {
	sale, err := a.service.GetSale(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

func (a *API) handleRequestRefund(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	var req domain.RefundRequest
	if err := a.decode(r, &req); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	req.RequestedBy = actor.Username

	refund, err := a.service.RequestRefund(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"refund": refund})
}

func (a *API) handleGetRefund(w http.ResponseWriter, r *http.Request) {
	refund, err := a.service.GetRefund(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"refund": refund})
}

func (a *API) handleApproveRefund(w http.ResponseWriter, r *http.Request) {
	a.refundAction(w, r, func(actor domain.Actor, req refundActionRequest) (domain.Refund, error) {
		return a.service.ApproveRefund(r.Context(), req.RefundID, actor.Username, req.Notes, isSupervisor(actor.Role))
	})
}

func (a *API) handleRejectRefund(w http.ResponseWriter, r *http.Request) {
	a.refundAction(w, r, func(actor domain.Actor, req refundActionRequest) (domain.Refund, error) {
		return a.service.RejectRefund(r.Context(), req.RefundID, actor.Username, req.Notes, isSupervisor(actor.Role))
	})
}

func (a *API) handleCancelRefund(w http.ResponseWriter, r *http.Request) {
	a.refundAction(w, r, func(actor domain.Actor, req refundActionRequest) (domain.Refund, error) {
		return a.service.CancelRefund(r.Context(), req.RefundID, actor.Username, isSupervisor(actor.Role))
	})
}

func (a *API) refundAction(w http.ResponseWriter, r *http.Request, act func(domain.Actor, refundActionRequest) (domain.Refund, error)) {
	actor, err := actorFrom(r)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	var req refundActionRequest
	if err := a.decode(r, &req); err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	refund, err := act(actor, req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"refund": refund})
}

func (a *API) handleDrawerOpen(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	var req drawerOpenRequest
	if err := a.decode(r, &req); err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	session, err := a.service.OpenSession(r.Context(), actor.Username, req.StoreID, req.OpeningAmount)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session": session})
}

func (a *API) handleDrawerCount(w http.ResponseWriter, r *http.Request) {
	var req drawerCountRequest
	if err := a.decode(r, &req); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if _, err := a.ownSession(r, req.SessionID); err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	session, err := a.service.RecordCount(r.Context(), req.SessionID, req.CountedAmount)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session})
}

func (a *API) handleDrawerClose(w http.ResponseWriter, r *http.Request) {
	var req drawerCloseRequest
	if err := a.decode(r, &req); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if _, err := a.ownSession(r, req.SessionID); err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	session, err := a.service.CloseSession(r.Context(), req.SessionID, req.CountedAmount, req.Notes)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session})
}

func (a *API) handleDrawerPayout(w http.ResponseWriter, r *http.Request) {
	var req drawerPayoutRequest
	if err := a.decode(r, &req); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	actor, err := a.ownSession(r, req.SessionID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	payout, err := a.service.RecordPayout(r.Context(), req.SessionID, req.Amount, req.Reason, actor.Username)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"payout": payout})
}

func (a *API) handleGetDrawer(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if _, err := a.ownSession(r, sessionID); err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	session, err := a.service.GetSession(r.Context(), sessionID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	expected, err := a.service.ExpectedAmount(r.Context(), sessionID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	counts, err := a.service.ListCounts(r.Context(), sessionID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, drawerView{Session: session, ExpectedAmount: expected, Counts: counts})
}

// ownSession lets a cashier act only on their own drawer. Supervisors may act
// on any session.
func (a *API) ownSession(r *http.Request, sessionID string) (domain.Actor, error) {
	actor, err := actorFrom(r)
	if err != nil {
		return domain.Actor{}, err
	}
	if isSupervisor(actor.Role) {
		return actor, nil
	}
	session, err := a.service.GetSession(r.Context(), sessionID)
	if err != nil {
		return domain.Actor{}, err
	}
	if session.CashierID != actor.Username {
		return domain.Actor{}, fmt.Errorf("%w: drawer session belongs to another cashier", store.ErrNotAuthorized)
	}
	return actor, nil
}

func (a *API) handleInventoryBalance(w http.ResponseWriter, r *http.Request) {
	storeID := strings.TrimSpace(r.URL.Query().Get("store"))
	productID := strings.TrimSpace(r.URL.Query().Get("product"))
	if storeID == "" {
		a.writeServiceError(w, r, store.Invalid("store", "is required"))
		return
	}
	if productID == "" {
		a.writeServiceError(w, r, store.Invalid("product", "is required"))
		return
	}

	record, err := a.service.GetInventoryRecord(r.Context(), storeID, productID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"inventory": record})
}

func (a *API) handleInventoryMovement(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	var req domain.MovementRequest
	if err := a.decode(r, &req); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	req.PerformedBy = actor.Username
	req.ReferenceType = domain.ReferenceManual
	req.ReferenceID = ""

	movement, err := a.service.ApplyMovement(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"movement": movement})
}

func (a *API) handleInventoryTransfer(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	var req domain.TransferRequest
	if err := a.decode(r, &req); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	req.PerformedBy = actor.Username

	result, err := a.service.TransferStock(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"transfer": result})
}
