package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/logging"
	"posledger/backend/internal/service"
	"posledger/backend/internal/store"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	validate      *validator.Validate
	logger        *logrus.Logger
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, logger *logrus.Logger) *API {
	if logger == nil {
		logger = logging.Discard()
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		validate:      newValidator(),
		logger:        logger,
	}
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.withMiddleware)

	r.Get("/healthz", a.handleHealth)
	r.Post("/api/v1/auth/login", a.handleLogin)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(a.requireAuth)

		r.Post("/sales", a.handleCreateSale)
		r.Get("/sales/{id}", a.handleGetSale)

		r.Post("/refunds", a.handleRequestRefund)
		r.Get("/refunds/{id}", a.handleGetRefund)
		r.Post("/refunds/approve", a.handleApproveRefund)
		r.Post("/refunds/reject", a.handleRejectRefund)
		r.Post("/refunds/cancel", a.handleCancelRefund)

		r.Post("/drawer/open", a.handleDrawerOpen)
		r.Post("/drawer/count", a.handleDrawerCount)
		r.Post("/drawer/close", a.handleDrawerClose)
		r.Post("/drawer/payout", a.handleDrawerPayout)
		r.Get("/drawer/{id}", a.handleGetDrawer)

		r.Get("/inventory/balance", a.handleInventoryBalance)
		r.With(a.requireRole(domain.RoleManager, domain.RoleAdmin)).Post("/inventory/movements", a.handleInventoryMovement)
		r.With(a.requireRole(domain.RoleManager, domain.RoleAdmin)).Post("/inventory/transfers", a.handleInventoryTransfer)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	})

	return r
}

func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
	})
}

func (a *API) requireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := service.ActorFromContext(r.Context())
			if !ok || !isRoleAllowed(actor.Role, roles) {
				writeError(w, http.StatusForbidden, errors.New("forbidden role"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(startedAt).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		}).Info("http request")
	})
}

func (a *API) decode(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return store.Invalid("body", "malformed JSON: %v", err)
	}
	if err := a.validate.Struct(dest); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fieldError(verrs[0])
		}
		return store.Invalid("body", "%v", err)
	}
	return nil
}

func fieldError(fe validator.FieldError) *store.ValidationError {
	field := fe.Namespace()
	if idx := strings.Index(field, "."); idx >= 0 {
		field = field[idx+1:]
	}
	switch fe.Tag() {
	case "required":
		return store.Invalid(field, "is required")
	case "min":
		return store.Invalid(field, "must have at least %s entries", fe.Param())
	case "nefield":
		return store.Invalid(field, "must differ from %s", fe.Param())
	default:
		return store.Invalid(field, "failed %s check", fe.Tag())
	}
}

// errorStatus maps an error kind to its HTTP status.
func errorStatus(kind string) int {
	switch kind {
	case store.KindValidation:
		return http.StatusBadRequest
	case store.KindInsufficientStock, store.KindSessionOpen, store.KindInvalidTransition:
		return http.StatusConflict
	case store.KindNotFound:
		return http.StatusNotFound
	case store.KindNotAuthorized:
		return http.StatusForbidden
	default:
		return http.StatusServiceUnavailable
	}
}

func errorDetails(err error) map[string]any {
	var (
		verr     *store.ValidationError
		shortage *store.InsufficientStockError
		trans    *store.StateTransitionError
	)
	switch {
	case errors.As(err, &verr):
		return map[string]any{"field": verr.Field, "reason": verr.Reason}
	case errors.As(err, &shortage):
		return map[string]any{"shortages": shortage.Shortages}
	case errors.As(err, &trans):
		return map[string]any{"entity": trans.Entity, "id": trans.ID, "from": trans.From, "to": trans.To}
	default:
		return map[string]any{}
	}
}

// writeServiceError renders a core error with its kind tag. Persistence
// failures never leak their cause.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	kind := store.Kind(err)
	status := errorStatus(kind)
	msg := err.Error()
	if status >= 500 {
		a.logger.WithError(err).WithField("request_id", middleware.GetReqID(r.Context())).Error("request failed")
		msg = "service temporarily unavailable, retry the request"
	}
	writeJSON(w, status, map[string]any{
		"error":   msg,
		"kind":    kind,
		"details": errorDetails(err),
	})
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{
		"error":   err.Error(),
		"kind":    statusKind(status),
		"details": map[string]any{},
	})
}

func statusKind(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "unauthenticated"
	case http.StatusForbidden:
		return store.KindNotAuthorized
	case http.StatusNotFound:
		return store.KindNotFound
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	default:
		return strings.ReplaceAll(strings.ToLower(http.StatusText(status)), " ", "_")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func actorFrom(r *http.Request) (domain.Actor, error) {
	actor, ok := service.ActorFromContext(r.Context())
	if !ok || actor.Username == "" {
		return domain.Actor{}, fmt.Errorf("%w: missing actor", store.ErrNotAuthorized)
	}
	return actor, nil
}
