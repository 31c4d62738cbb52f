package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"posledger/backend/internal/cache"
	"posledger/backend/internal/domain"
	"posledger/backend/internal/logging"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// RefundPolicy decides which refunds settle immediately.
type RefundPolicy struct {
	ApprovalThreshold decimal.Decimal
	SensitiveReasons  []string
	WindowDays        int
	MakerChecker      bool
}

func DefaultRefundPolicy() RefundPolicy {
	return RefundPolicy{
		ApprovalThreshold: decimal.NewFromInt(50),
		SensitiveReasons:  []string{"no_receipt", "price_adjustment", "other"},
		WindowDays:        30,
	}
}

func (p RefundPolicy) anySensitive(reasons []string) bool {
	for _, reason := range reasons {
		if p.isSensitive(reason) {
			return true
		}
	}
	return false
}

func (p RefundPolicy) isSensitive(reason string) bool {
	reason = strings.ToLower(strings.TrimSpace(reason))
	for _, r := range p.SensitiveReasons {
		if r == reason {
			return true
		}
	}
	return false
}

type Options struct {
	Logger          *logrus.Logger
	ProductCache    cache.ProductCache
	ProductCacheTTL time.Duration
	RefundPolicy    RefundPolicy
	Now             func() time.Time
}

type Service struct {
	repo            store.Repository
	logger          *logrus.Logger
	products        cache.ProductCache
	productCacheTTL time.Duration
	refundPolicy    RefundPolicy
	now             func() time.Time
}

func New(repo store.Repository, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.ProductCache == nil {
		opts.ProductCache = cache.NoopProductCache{}
	}
	if opts.ProductCacheTTL <= 0 {
		opts.ProductCacheTTL = 30 * time.Second
	}
	if opts.RefundPolicy.ApprovalThreshold.IsZero() && len(opts.RefundPolicy.SensitiveReasons) == 0 {
		opts.RefundPolicy = DefaultRefundPolicy()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Service{
		repo:            repo,
		logger:          opts.Logger,
		products:        opts.ProductCache,
		productCacheTTL: opts.ProductCacheTTL,
		refundPolicy:    opts.RefundPolicy,
		now:             opts.Now,
	}
}

func (s *Service) CreateStore(ctx context.Context, st domain.Store) (domain.Store, error) {
	if strings.TrimSpace(st.ID) == "" {
		st.ID = xid.New("store")
	}
	st.Active = true
	st.CreatedAt = s.now()
	created, err := s.repo.CreateStore(ctx, st)
	if err != nil {
		return domain.Store{}, err
	}
	return *created, nil
}

func (s *Service) CreateProduct(ctx context.Context, product domain.Product) (domain.Product, error) {
	if strings.TrimSpace(product.ID) == "" {
		product.ID = xid.New("prod")
	}
	product.UnitPrice = roundMoney(product.UnitPrice)
	product.Active = true
	product.CreatedAt = s.now()
	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}
	return *created, nil
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	products, err := s.loadProducts(ctx, []string{id})
	if err != nil {
		return domain.Product{}, err
	}
	product, ok := products[id]
	if !ok {
		return domain.Product{}, store.ErrNotFound
	}
	return product, nil
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) SetProductActive(ctx context.Context, id string, active bool) (domain.Product, error) {
	updated, err := s.repo.SetProductActive(ctx, id, active)
	if err != nil {
		return domain.Product{}, err
	}
	if err := s.products.Invalidate(ctx, id); err != nil {
		s.logger.WithError(err).WithField("product_id", id).Warn("product cache invalidate failed")
	}
	return *updated, nil
}

// loadProducts reads through the product cache. Cache failures fall back to
// the repository.
func (s *Service) loadProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	found := make(map[string]domain.Product, len(ids))
	missing := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := found[id]; ok {
			continue
		}
		product, hit, err := s.products.Get(ctx, id)
		if err != nil {
			s.logger.WithError(err).WithField("product_id", id).Warn("product cache read failed")
		}
		if hit && product != nil {
			found[id] = *product
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return found, nil
	}

	loaded, err := s.repo.GetProductsByIDs(ctx, missing)
	if err != nil {
		return nil, err
	}
	for id, product := range loaded {
		found[id] = product
		if err := s.products.Set(ctx, product, s.productCacheTTL); err != nil {
			s.logger.WithError(err).WithField("product_id", id).Warn("product cache write failed")
		}
	}
	return found, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, storeID string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, storeID, limit)
}

// logAudit never fails the caller; the operation it records has already
// committed.
func (s *Service) logAudit(ctx context.Context, storeID string, actorID string, action string, entityType string, entityID string, detail string) {
	if actorID == "" {
		if actor, ok := ActorFromContext(ctx); ok {
			actorID = actor.Username
		} else {
			actorID = domain.SystemActor
		}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:         xid.New("audit"),
		StoreID:    storeID,
		ActorID:    actorID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  s.now(),
	}); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"action": action,
			"entity": entityType + "/" + entityID,
		}).Warn("failed to write audit log")
	}
}

func (s *Service) requireStore(ctx context.Context, storeID string) (*domain.Store, error) {
	if strings.TrimSpace(storeID) == "" {
		return nil, store.Invalid("store_id", "is required")
	}
	st, err := s.repo.GetStore(ctx, storeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.Invalid("store_id", "store %s does not exist", storeID)
		}
		return nil, err
	}
	if !st.Active {
		return nil, store.Invalid("store_id", "store %s is inactive", storeID)
	}
	return st, nil
}

func (s *Service) logFailure(funcName string, context string, data any, err error) {
	if store.Kind(err) == store.KindPersistence {
		logging.LogError(s.logger, "service", funcName, context, data, err)
	}
}

func notAuthorized(format string, args ...any) error {
	return fmt.Errorf("%w: %s", store.ErrNotAuthorized, fmt.Sprintf(format, args...))
}
