package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/logging"
	"posledger/backend/internal/service"
	"posledger/backend/internal/store"
	"posledger/backend/internal/store/memory"
)

type errorBody struct {
	Error   string         `json:"error"`
	Kind    string         `json:"kind"`
	Details map[string]any `json:"details"`
}

// newTestEnv builds the full request path on the seeded in-memory store.
func newTestEnv(t *testing.T) (*API, *memory.Store) {
	t.Helper()

	repo := memory.NewSeeded(logging.Discard())
	svc := service.New(repo, service.Options{Logger: logging.Discard()})
	auth := NewAuthManager("test-secret-key-with-32-characters", time.Hour, repo, logging.Discard())

	return New(svc, auth, "*", logging.Discard()), repo
}

func newTestAPI(t *testing.T) *API {
	t.Helper()
	api, _ := newTestEnv(t)
	return api
}

func login(t *testing.T, api *API, username string, password string) string {
	t.Helper()

	body, _ := json.Marshal(domain.LoginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("%s login failed, status %d (%s)", username, res.Code, res.Body.String())
	}

	var payload domain.LoginResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode login response failed: %v", err)
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		t.Fatalf("expected access token in login response")
	}
	return payload.AccessToken
}

func doJSON(t *testing.T, api *API, token string, method string, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("encode payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	return res
}

func decodeInto(t *testing.T, res *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.NewDecoder(res.Body).Decode(dest); err != nil {
		t.Fatalf("decode body: %v (%s)", err, res.Body.String())
	}
}

func expectError(t *testing.T, res *httptest.ResponseRecorder, status int, kind string) errorBody {
	t.Helper()
	if res.Code != status {
		t.Fatalf("expected %d, got %d (%s)", status, res.Code, res.Body.String())
	}
	var body errorBody
	decodeInto(t, res, &body)
	if body.Kind != kind {
		t.Fatalf("expected kind %q, got %q (%s)", kind, body.Kind, body.Error)
	}
	return body
}

func saleBody(productID string, qty string, method string, amount string) map[string]any {
	return map[string]any{
		"store_id": "store-main",
		"items":    []map[string]any{{"product_id": productID, "quantity": qty}},
		"payments": []map[string]any{{"method": method, "amount": amount}},
	}
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	res := doJSON(t, api, "", http.MethodGet, "/healthz", nil)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var body map[string]any
	decodeInto(t, res, &body)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLoginInvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	res := doJSON(t, api, "", http.MethodPost, "/api/v1/auth/login", map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})
	expectError(t, res, http.StatusUnauthorized, "unauthenticated")

	res = doJSON(t, api, "", http.MethodPost, "/api/v1/auth/login", map[string]string{"username": "admin"})
	body := expectError(t, res, http.StatusBadRequest, store.KindValidation)
	if body.Details["field"] != "password" {
		t.Fatalf("expected password field error, got %v", body.Details)
	}
}

func TestCreateSaleUsesTokenSubjectAndIsIdempotent(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "cashier", "cashier123")

	raw, _ := json.Marshal(saleBody("prod-tea", "2", domain.PaymentCash, "10.00"))
	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/sales", bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Idempotency-Key", "till-1-0001")
		res := httptest.NewRecorder()
		api.Handler().ServeHTTP(res, req)
		return res
	}

	first := send()
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", first.Code, first.Body.String())
	}
	var created domain.SaleResponse
	decodeInto(t, first, &created)
	if created.Sale.CashierID != "cashier" || created.Duplicate {
		t.Fatalf("unexpected sale response %+v", created)
	}
	if !created.Sale.TotalAmount.Equal(decimal.RequireFromString("9.45")) || !created.Sale.ChangeDue.Equal(decimal.RequireFromString("0.55")) {
		t.Fatalf("unexpected totals %s change %s", created.Sale.TotalAmount, created.Sale.ChangeDue)
	}

	replay := send()
	if replay.Code != http.StatusOK {
		t.Fatalf("expected 200 for replay, got %d (%s)", replay.Code, replay.Body.String())
	}
	var again domain.SaleResponse
	decodeInto(t, replay, &again)
	if !again.Duplicate || again.Sale.ID != created.Sale.ID {
		t.Fatalf("expected duplicate of %s, got %+v", created.Sale.ID, again)
	}

	got := doJSON(t, api, token, http.MethodGet, "/api/v1/sales/"+created.Sale.ID, nil)
	if got.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", got.Code)
	}
	var fetched struct {
		Sale domain.Sale `json:"sale"`
	}
	decodeInto(t, got, &fetched)
	if fetched.Sale.SaleNumber != created.Sale.SaleNumber || len(fetched.Sale.Items) != 1 {
		t.Fatalf("unexpected fetched sale %+v", fetched.Sale)
	}

	balance := doJSON(t, api, token, http.MethodGet, "/api/v1/inventory/balance?store=store-main&product=prod-tea", nil)
	var inv struct {
		Inventory domain.InventoryRecord `json:"inventory"`
	}
	decodeInto(t, balance, &inv)
	if !inv.Inventory.QuantityOnHand.Equal(decimal.NewFromInt(98)) {
		t.Fatalf("replay must not decrement twice, balance %s", inv.Inventory.QuantityOnHand)
	}
}

func TestCreateSaleErrorKinds(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "cashier", "cashier123")

	res := doJSON(t, api, token, http.MethodPost, "/api/v1/sales", saleBody("prod-tea", "1000", domain.PaymentCash, "5000.00"))
	body := expectError(t, res, http.StatusConflict, store.KindInsufficientStock)
	shortages, ok := body.Details["shortages"].([]any)
	if !ok || len(shortages) != 1 {
		t.Fatalf("expected one shortage in details, got %v", body.Details)
	}

	res = doJSON(t, api, token, http.MethodPost, "/api/v1/sales", map[string]any{
		"store_id": "store-main",
		"items":    []map[string]any{},
		"payments": []map[string]any{},
	})
	body = expectError(t, res, http.StatusBadRequest, store.KindValidation)
	if body.Details["field"] != "items" {
		t.Fatalf("expected items field error, got %v", body.Details)
	}

	res = doJSON(t, api, token, http.MethodPost, "/api/v1/sales", saleBody("prod-tea", "1", domain.PaymentCash, "1.00"))
	expectError(t, res, http.StatusBadRequest, store.KindValidation)

	res = doJSON(t, api, token, http.MethodGet, "/api/v1/sales/sale_missing", nil)
	expectError(t, res, http.StatusNotFound, store.KindNotFound)
}

func TestRefundApprovalRequiresSupervisor(t *testing.T) {
	api := newTestAPI(t)
	cashier := login(t, api, "cashier", "cashier123")
	manager := login(t, api, "manager", "manager123")

	res := doJSON(t, api, cashier, http.MethodPost, "/api/v1/sales", saleBody("prod-mug", "3", domain.PaymentCash, "60.00"))
	if res.Code != http.StatusCreated {
		t.Fatalf("create sale: %d (%s)", res.Code, res.Body.String())
	}
	var sale domain.SaleResponse
	decodeInto(t, res, &sale)

	res = doJSON(t, api, cashier, http.MethodPost, "/api/v1/refunds", map[string]any{
		"sale_id":     sale.Sale.ID,
		"reason_code": "damaged",
		"items":       []map[string]any{{"sale_item_id": sale.Sale.Items[0].ID, "quantity": "3"}},
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("request refund: %d (%s)", res.Code, res.Body.String())
	}
	var requested struct {
		Refund domain.Refund `json:"refund"`
	}
	decodeInto(t, res, &requested)
	if requested.Refund.Status != domain.RefundPendingApproval || requested.Refund.RequestedBy != "cashier" {
		t.Fatalf("unexpected refund %+v", requested.Refund)
	}

	action := map[string]any{"refund_id": requested.Refund.ID, "notes": "ok"}
	res = doJSON(t, api, cashier, http.MethodPost, "/api/v1/refunds/approve", action)
	expectError(t, res, http.StatusForbidden, store.KindNotAuthorized)

	res = doJSON(t, api, manager, http.MethodPost, "/api/v1/refunds/approve", action)
	if res.Code != http.StatusOK {
		t.Fatalf("approve: %d (%s)", res.Code, res.Body.String())
	}
	var approved struct {
		Refund domain.Refund `json:"refund"`
	}
	decodeInto(t, res, &approved)
	if approved.Refund.Status != domain.RefundCompleted || approved.Refund.ApproverID != "manager" {
		t.Fatalf("unexpected approved refund %+v", approved.Refund)
	}

	res = doJSON(t, api, manager, http.MethodPost, "/api/v1/refunds/approve", action)
	body := expectError(t, res, http.StatusConflict, store.KindInvalidTransition)
	if body.Details["from"] != domain.RefundCompleted {
		t.Fatalf("expected transition details, got %v", body.Details)
	}

	res = doJSON(t, api, cashier, http.MethodGet, "/api/v1/refunds/"+requested.Refund.ID, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("get refund: %d", res.Code)
	}
}

func TestRefundWithItemLevelReasons(t *testing.T) {
	api := newTestAPI(t)
	cashier := login(t, api, "cashier", "cashier123")

	res := doJSON(t, api, cashier, http.MethodPost, "/api/v1/sales", saleBody("prod-coffee", "2", domain.PaymentCash, "21.00"))
	if res.Code != http.StatusCreated {
		t.Fatalf("create sale: %d (%s)", res.Code, res.Body.String())
	}
	var sale domain.SaleResponse
	decodeInto(t, res, &sale)
	lineID := sale.Sale.Items[0].ID

	res = doJSON(t, api, cashier, http.MethodPost, "/api/v1/refunds", map[string]any{
		"sale_id": sale.Sale.ID,
		"items":   []map[string]any{{"sale_item_id": lineID, "quantity": "1"}},
	})
	body := expectError(t, res, http.StatusBadRequest, store.KindValidation)
	if body.Details["field"] != "reason_code" {
		t.Fatalf("expected reason_code field error, got %v", body.Details)
	}

	res = doJSON(t, api, cashier, http.MethodPost, "/api/v1/refunds", map[string]any{
		"sale_id": sale.Sale.ID,
		"items":   []map[string]any{{"sale_item_id": lineID, "quantity": "1", "reason_code": "no_receipt"}},
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("request refund: %d (%s)", res.Code, res.Body.String())
	}
	var requested struct {
		Refund domain.Refund `json:"refund"`
	}
	decodeInto(t, res, &requested)
	if requested.Refund.Status != domain.RefundPendingApproval || requested.Refund.ReasonCode != "no_receipt" {
		t.Fatalf("expected item reason to drive approval, got %+v", requested.Refund)
	}
}

func TestCancelRefundByRequester(t *testing.T) {
	api := newTestAPI(t)
	cashier := login(t, api, "cashier", "cashier123")

	res := doJSON(t, api, cashier, http.MethodPost, "/api/v1/sales", saleBody("prod-tea", "1", domain.PaymentCash, "5.00"))
	var sale domain.SaleResponse
	decodeInto(t, res, &sale)

	res = doJSON(t, api, cashier, http.MethodPost, "/api/v1/refunds", map[string]any{
		"sale_id":     sale.Sale.ID,
		"reason_code": "no_receipt",
		"items":       []map[string]any{{"sale_item_id": sale.Sale.Items[0].ID, "quantity": "1"}},
	})
	var requested struct {
		Refund domain.Refund `json:"refund"`
	}
	decodeInto(t, res, &requested)

	res = doJSON(t, api, cashier, http.MethodPost, "/api/v1/refunds/cancel", map[string]any{"refund_id": requested.Refund.ID})
	if res.Code != http.StatusOK {
		t.Fatalf("cancel: %d (%s)", res.Code, res.Body.String())
	}
	var cancelled struct {
		Refund domain.Refund `json:"refund"`
	}
	decodeInto(t, res, &cancelled)
	if cancelled.Refund.Status != domain.RefundCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Refund.Status)
	}
}

func TestDrawerLifecycle(t *testing.T) {
	api, repo := newTestEnv(t)
	if err := repo.CreateUser(context.Background(), domain.UserAccount{Username: "cashier2", Password: "cashier2pass", Role: domain.RoleCashier, Active: true}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	cashier := login(t, api, "cashier", "cashier123")
	other := login(t, api, "cashier2", "cashier2pass")

	res := doJSON(t, api, cashier, http.MethodPost, "/api/v1/drawer/open", map[string]any{"store_id": "store-main", "opening_amount": "100.00"})
	if res.Code != http.StatusCreated {
		t.Fatalf("open: %d (%s)", res.Code, res.Body.String())
	}
	var opened struct {
		Session domain.DrawerSession `json:"session"`
	}
	decodeInto(t, res, &opened)

	res = doJSON(t, api, cashier, http.MethodPost, "/api/v1/drawer/open", map[string]any{"store_id": "store-main", "opening_amount": "10.00"})
	expectError(t, res, http.StatusConflict, store.KindSessionOpen)

	doJSON(t, api, cashier, http.MethodPost, "/api/v1/sales", saleBody("prod-mug", "1", domain.PaymentCash, "20.00"))

	res = doJSON(t, api, cashier, http.MethodPost, "/api/v1/drawer/payout", map[string]any{"session_id": opened.Session.ID, "amount": "5.00", "reason": "milk"})
	if res.Code != http.StatusCreated {
		t.Fatalf("payout: %d (%s)", res.Code, res.Body.String())
	}

	res = doJSON(t, api, other, http.MethodGet, "/api/v1/drawer/"+opened.Session.ID, nil)
	expectError(t, res, http.StatusForbidden, store.KindNotAuthorized)

	res = doJSON(t, api, cashier, http.MethodGet, "/api/v1/drawer/"+opened.Session.ID, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("get drawer: %d (%s)", res.Code, res.Body.String())
	}
	var view drawerView
	decodeInto(t, res, &view)
	if !view.ExpectedAmount.Equal(decimal.RequireFromString("115.00")) {
		t.Fatalf("expected 115.00 in drawer, got %s", view.ExpectedAmount)
	}

	res = doJSON(t, api, cashier, http.MethodPost, "/api/v1/drawer/count", map[string]any{"session_id": opened.Session.ID, "counted_amount": "114.00"})
	if res.Code != http.StatusOK {
		t.Fatalf("count: %d (%s)", res.Code, res.Body.String())
	}

	res = doJSON(t, api, cashier, http.MethodPost, "/api/v1/drawer/close", map[string]any{"session_id": opened.Session.ID, "counted_amount": "115.00"})
	if res.Code != http.StatusOK {
		t.Fatalf("close: %d (%s)", res.Code, res.Body.String())
	}
	var closed struct {
		Session domain.DrawerSession `json:"session"`
	}
	decodeInto(t, res, &closed)
	if closed.Session.Status != domain.DrawerClosed || !closed.Session.Variance.IsZero() {
		t.Fatalf("unexpected closed session %+v", closed.Session)
	}

	res = doJSON(t, api, cashier, http.MethodPost, "/api/v1/drawer/close", map[string]any{"session_id": opened.Session.ID})
	expectError(t, res, http.StatusConflict, store.KindInvalidTransition)
}

func TestInventoryEndpoints(t *testing.T) {
	api := newTestAPI(t)
	manager := login(t, api, "manager", "manager123")

	res := doJSON(t, api, manager, http.MethodGet, "/api/v1/inventory/balance?store=store-main", nil)
	body := expectError(t, res, http.StatusBadRequest, store.KindValidation)
	if body.Details["field"] != "product" {
		t.Fatalf("expected product field error, got %v", body.Details)
	}

	res = doJSON(t, api, manager, http.MethodPost, "/api/v1/inventory/movements", map[string]any{
		"store_id":   "store-main",
		"product_id": "prod-rice",
		"quantity":   "-2.5",
		"type":       domain.MovementManualAdjustment,
		"reason":     "spillage",
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("movement: %d (%s)", res.Code, res.Body.String())
	}
	var moved struct {
		Movement domain.StockMovement `json:"movement"`
	}
	decodeInto(t, res, &moved)
	if moved.Movement.PerformedBy != "manager" || !moved.Movement.BalanceAfter.Equal(decimal.RequireFromString("97.5")) {
		t.Fatalf("unexpected movement %+v", moved.Movement)
	}

	res = doJSON(t, api, manager, http.MethodPost, "/api/v1/inventory/transfers", map[string]any{
		"from_store_id": "store-main",
		"to_store_id":   "store-main",
		"product_id":    "prod-rice",
		"quantity":      "1",
	})
	expectError(t, res, http.StatusBadRequest, store.KindValidation)

	res = doJSON(t, api, manager, http.MethodPost, "/api/v1/inventory/transfers", map[string]any{
		"from_store_id": "store-main",
		"to_store_id":   "store-north",
		"product_id":    "prod-rice",
		"quantity":      "500",
	})
	expectError(t, res, http.StatusConflict, store.KindInsufficientStock)

	res = doJSON(t, api, manager, http.MethodPost, "/api/v1/inventory/transfers", map[string]any{
		"from_store_id": "store-main",
		"to_store_id":   "store-north",
		"product_id":    "prod-rice",
		"quantity":      "7.5",
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("transfer: %d (%s)", res.Code, res.Body.String())
	}

	res = doJSON(t, api, manager, http.MethodGet, "/api/v1/inventory/balance?store=store-north&product=prod-rice", nil)
	var inv struct {
		Inventory domain.InventoryRecord `json:"inventory"`
	}
	decodeInto(t, res, &inv)
	if !inv.Inventory.QuantityOnHand.Equal(decimal.RequireFromString("107.5")) {
		t.Fatalf("expected 107.5 at north, got %s", inv.Inventory.QuantityOnHand)
	}
}

func TestPersistenceErrorsAreHidden(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sales/x", nil)
	res := httptest.NewRecorder()

	api.writeServiceError(res, req, store.WrapPersistence("insert sale", errors.New("pq: connection refused at 10.0.0.5")))

	body := expectError(t, res, http.StatusServiceUnavailable, store.KindPersistence)
	if strings.Contains(body.Error, "10.0.0.5") {
		t.Fatalf("persistence error leaked its cause: %s", body.Error)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	cases := map[string]int{
		store.KindValidation:        http.StatusBadRequest,
		store.KindInsufficientStock: http.StatusConflict,
		store.KindSessionOpen:       http.StatusConflict,
		store.KindInvalidTransition: http.StatusConflict,
		store.KindNotFound:          http.StatusNotFound,
		store.KindNotAuthorized:     http.StatusForbidden,
		store.KindPersistence:       http.StatusServiceUnavailable,
	}
	for kind, want := range cases {
		if got := errorStatus(kind); got != want {
			t.Fatalf("%s: expected %d, got %d", kind, want, got)
		}
	}
}

func TestStockMovementIgnoresClientReference(t *testing.T) {
	api, repo := newTestEnv(t)
	manager := login(t, api, "manager", "manager123")

	res := doJSON(t, api, manager, http.MethodPost, "/api/v1/inventory/movements", map[string]any{
		"store_id":       "store-main",
		"product_id":     "prod-tea",
		"quantity":       "12",
		"type":           domain.MovementPurchase,
		"reference_type": domain.ReferenceSale,
		"reference_id":   "sale_forged",
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("movement: %d (%s)", res.Code, res.Body.String())
	}
	var moved struct {
		Movement domain.StockMovement `json:"movement"`
	}
	decodeInto(t, res, &moved)
	if moved.Movement.ReferenceType != domain.ReferenceManual || moved.Movement.ReferenceID != "" {
		t.Fatalf("expected a manual reference, got %q/%q", moved.Movement.ReferenceType, moved.Movement.ReferenceID)
	}

	logs, err := repo.ListAuditLogs(context.Background(), "store-main", 10)
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	found := false
	for _, entry := range logs {
		if entry.Action == "inventory."+domain.MovementPurchase && entry.ActorID == "manager" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the movement to be audited, got %+v", logs)
	}
}
