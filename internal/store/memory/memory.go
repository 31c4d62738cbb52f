package memory

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

const defaultLockTimeout = 5 * time.Second

var _ store.Repository = (*Store)(nil)

// Store keeps every table in maps. mu guards the maps themselves; the
// per-key locks serialize units of work that read and then write the same
// balance, refund or drawer session.
type Store struct {
	mu          sync.RWMutex
	locks       *keyLocks
	lockTimeout time.Duration

	stores          map[string]domain.Store
	products        map[string]domain.Product
	inventory       map[store.InventoryKey]store.Balance
	inventoryAt     map[store.InventoryKey]time.Time
	movements       []domain.StockMovement
	saleSequences   map[string]int64
	sales           map[string]*domain.Sale
	saleNumbers     map[string]string
	salesByIdem     map[string]string
	refunds         map[string]*domain.Refund
	refundsBySale   map[string][]string
	sessions        map[string]domain.DrawerSession
	openSessionKeys map[string]string
	drawerCounts    map[string][]domain.DrawerCount
	drawerPayouts   map[string][]domain.DrawerPayout
	outbox          map[string]*domain.AccountingQueueEntry
	outboxOrder     []string
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		locks:           newKeyLocks(),
		lockTimeout:     defaultLockTimeout,
		stores:          make(map[string]domain.Store),
		products:        make(map[string]domain.Product),
		inventory:       make(map[store.InventoryKey]store.Balance),
		inventoryAt:     make(map[store.InventoryKey]time.Time),
		movements:       make([]domain.StockMovement, 0, 256),
		saleSequences:   make(map[string]int64),
		sales:           make(map[string]*domain.Sale),
		saleNumbers:     make(map[string]string),
		salesByIdem:     make(map[string]string),
		refunds:         make(map[string]*domain.Refund),
		refundsBySale:   make(map[string][]string),
		sessions:        make(map[string]domain.DrawerSession),
		openSessionKeys: make(map[string]string),
		drawerCounts:    make(map[string][]domain.DrawerCount),
		drawerPayouts:   make(map[string][]domain.DrawerPayout),
		outbox:          make(map[string]*domain.AccountingQueueEntry),
		outboxOrder:     make([]string, 0, 64),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store with two shops, a small catalog, opening stock
// and dev users. Passwords come from SEED_*_PASSWORD when set.
func NewSeeded(logger logrus.FieldLogger) *Store {
	s := New()
	now := time.Now().UTC()

	for _, st := range []domain.Store{
		{ID: "store-main", Code: "MAIN", Name: "Main Street", Active: true, Primary: true, CreatedAt: now},
		{ID: "store-north", Code: "NORTH", Name: "North Mall", Active: true, CreatedAt: now},
	} {
		s.stores[st.ID] = st
	}

	cost := func(v string) *decimal.Decimal {
		d := decimal.RequireFromString(v)
		return &d
	}
	products := []domain.Product{
		{ID: "prod-coffee", SKU: "BEV-COFFEE-250", Name: "Ground Coffee 250g", UnitPrice: decimal.RequireFromString("10.00"), CostPrice: cost("6.20"), TaxRate: decimal.RequireFromString("0.05"), TracksInventory: true, Active: true},
		{ID: "prod-mug", SKU: "HOME-MUG-01", Name: "Ceramic Mug", UnitPrice: decimal.RequireFromString("20.00"), CostPrice: cost("8.00"), TaxRate: decimal.Zero, TracksInventory: true, Active: true},
		{ID: "prod-tea", SKU: "BEV-TEA-20", Name: "Green Tea 20 bags", UnitPrice: decimal.RequireFromString("4.50"), CostPrice: cost("2.10"), TaxRate: decimal.RequireFromString("0.05"), TracksInventory: true, Active: true},
		{ID: "prod-rice", SKU: "GRO-RICE-KG", Name: "Jasmine Rice (kg)", UnitPrice: decimal.RequireFromString("2.80"), CostPrice: cost("1.90"), TaxRate: decimal.Zero, TracksInventory: true, Active: true},
		{ID: "prod-giftwrap", SKU: "SVC-GIFTWRAP", Name: "Gift Wrapping", UnitPrice: decimal.RequireFromString("3.00"), TaxRate: decimal.RequireFromString("0.10"), TracksInventory: false, Active: true},
	}
	for _, p := range products {
		p.CreatedAt = now
		s.products[p.ID] = p
	}

	opening := make([]domain.MovementRequest, 0, len(products)*2)
	for _, storeID := range []string{"store-main", "store-north"} {
		for _, p := range products {
			if !p.TracksInventory {
				continue
			}
			opening = append(opening, domain.MovementRequest{
				StoreID:       storeID,
				ProductID:     p.ID,
				Quantity:      decimal.NewFromInt(100),
				Type:          domain.MovementPurchase,
				ReferenceType: domain.ReferenceManual,
				Reason:        "opening stock",
				UnitCost:      p.CostPrice,
				PerformedBy:   domain.SystemActor,
			})
		}
	}
	if _, err := s.ApplyMovements(context.Background(), opening); err != nil && logger != nil {
		logger.WithError(err).Error("memory-store: failed to seed opening stock")
	}

	s.usersByUsername = seedUsers(logger)
	return s
}

// seedUsers builds dev/demo accounts. They are never used when DATABASE_URL
// is set.
func seedUsers(logger logrus.FieldLogger) map[string]domain.UserAccount {
	passwords := map[string]string{
		"admin":   envOr("SEED_ADMIN_PASSWORD", "admin123"),
		"manager": envOr("SEED_MANAGER_PASSWORD", "manager123"),
		"cashier": envOr("SEED_CASHIER_PASSWORD", "cashier123"),
	}
	if logger != nil && (os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "") {
		logger.Warn("memory-store: using default dev credentials, set SEED_ADMIN_PASSWORD, SEED_MANAGER_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := make(map[string]domain.UserAccount, len(passwords))
	for username, role := range map[string]string{
		"admin":   domain.RoleAdmin,
		"manager": domain.RoleManager,
		"cashier": domain.RoleCashier,
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(passwords[username]), bcrypt.DefaultCost)
		if err != nil {
			if logger != nil {
				logger.WithError(err).Errorf("memory-store: failed to hash seed password for %s", username)
			}
			continue
		}
		users[username] = domain.UserAccount{
			Username:  username,
			Password:  string(hash),
			Role:      role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// SetLockTimeout bounds how long a unit of work waits for its keys.
func (s *Store) SetLockTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockTimeout = d
}

func (s *Store) lock(ctx context.Context, keys ...string) (func(), error) {
	s.mu.RLock()
	timeout := s.lockTimeout
	s.mu.RUnlock()
	return s.locks.acquire(ctx, timeout, keys...)
}

func (s *Store) CreateStore(_ context.Context, st domain.Store) (*domain.Store, error) {
	st.Code = strings.ToUpper(strings.TrimSpace(st.Code))
	if strings.TrimSpace(st.ID) == "" || st.Code == "" || strings.TrimSpace(st.Name) == "" {
		return nil, store.Invalid("store", "id, code and name are required")
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.stores {
		if existing.ID == st.ID || existing.Code == st.Code {
			return nil, store.Invalid("code", "store %s already exists", st.Code)
		}
		if st.Primary && existing.Primary {
			return nil, store.Invalid("primary", "store %s is already primary", existing.Code)
		}
	}
	s.stores[st.ID] = st
	saved := st
	return &saved, nil
}

func (s *Store) GetStore(_ context.Context, id string) (*domain.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stores[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &st, nil
}

func (s *Store) GetPrimaryStore(_ context.Context) (*domain.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.stores {
		if st.Primary {
			found := st
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	product.SKU = strings.ToUpper(strings.TrimSpace(product.SKU))
	if strings.TrimSpace(product.ID) == "" || product.SKU == "" || strings.TrimSpace(product.Name) == "" {
		return nil, store.Invalid("product", "id, sku and name are required")
	}
	if product.UnitPrice.IsNegative() || product.TaxRate.IsNegative() {
		return nil, store.Invalid("product", "price and tax rate must not be negative")
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.products {
		if existing.ID == product.ID || existing.SKU == product.SKU {
			return nil, store.Invalid("sku", "product %s already exists", product.SKU)
		}
	}
	s.products[product.ID] = product
	created := product
	return &created, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	product, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if product, ok := s.products[id]; ok {
			result[id] = product
		}
	}
	return result, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	products := make([]domain.Product, 0, len(s.products))
	for _, product := range s.products {
		if product.Active {
			products = append(products, product)
		}
	}
	sort.Slice(products, func(i, j int) bool {
		return products[i].SKU < products[j].SKU
	})
	return products, nil
}

func (s *Store) SetProductActive(_ context.Context, id string, active bool) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	product, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	product.Active = active
	s.products[id] = product
	return &product, nil
}

func (s *Store) ApplyMovements(ctx context.Context, movements []domain.MovementRequest) ([]domain.StockMovement, error) {
	if len(movements) == 0 {
		return nil, store.Invalid("movements", "at least one movement is required")
	}
	keys := store.MovementKeys(movements)
	release, err := s.lock(ctx, inventoryLockKeys(keys)...)
	if err != nil {
		return nil, err
	}
	defer release()

	now := time.Now().UTC()
	rows, next, err := s.planLocked(movements, keys, now)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitMovementsLocked(rows, next, now)
	return rows, nil
}

// planLocked reads the current balances of keys, which the caller holds
// locks for, and plans the batch against them.
func (s *Store) planLocked(movements []domain.MovementRequest, keys []store.InventoryKey, now time.Time) ([]domain.StockMovement, map[store.InventoryKey]store.Balance, error) {
	s.mu.RLock()
	balances := make(map[store.InventoryKey]store.Balance, len(keys))
	products := make(map[string]domain.Product, len(keys))
	for _, key := range keys {
		balances[key] = s.inventory[key]
		if product, ok := s.products[key.ProductID]; ok {
			products[key.ProductID] = product
		}
		if _, ok := s.stores[key.StoreID]; !ok {
			s.mu.RUnlock()
			return nil, nil, store.Invalid("store_id", "store %s does not exist", key.StoreID)
		}
	}
	s.mu.RUnlock()

	return store.PlanMovements(movements, balances, products, now, func() string { return xid.New("mov") })
}

func (s *Store) commitMovementsLocked(rows []domain.StockMovement, next map[store.InventoryKey]store.Balance, now time.Time) {
	for key, bal := range next {
		s.inventory[key] = bal
		s.inventoryAt[key] = now
	}
	s.movements = append(s.movements, rows...)
}

func (s *Store) GetInventoryRecord(_ context.Context, storeID string, productID string) (*domain.InventoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := store.InventoryKey{StoreID: storeID, ProductID: productID}
	bal := s.inventory[key]
	return &domain.InventoryRecord{
		StoreID:        storeID,
		ProductID:      productID,
		QuantityOnHand: bal.Quantity,
		AverageCost:    bal.AverageCost,
		UpdatedAt:      s.inventoryAt[key],
	}, nil
}

func (s *Store) ListMovements(_ context.Context, storeID string, productID string, limit int) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.StockMovement, 0, limit)
	for i := len(s.movements) - 1; i >= 0; i-- {
		m := s.movements[i]
		if m.StoreID != storeID || m.ProductID != productID {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) SumMovements(_ context.Context, storeID string, productID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := decimal.Zero
	for _, m := range s.movements {
		if m.StoreID == storeID && m.ProductID == productID {
			sum = sum.Add(m.Quantity)
		}
	}
	return sum, nil
}

func (s *Store) NextSaleSequence(_ context.Context, storeID string, businessDate time.Time) (int64, error) {
	key := storeID + "|" + businessDate.UTC().Format("20060102")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saleSequences[key]++
	return s.saleSequences[key], nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale, movements []domain.MovementRequest, entry domain.AccountingQueueEntry) (*domain.Sale, error) {
	if sale.ID == "" || sale.SaleNumber == "" || len(sale.Items) == 0 || len(sale.Payments) == 0 {
		return nil, store.Invalid("sale", "id, number, items and payments are required")
	}

	keys := store.MovementKeys(movements)
	release, err := s.lock(ctx, inventoryLockKeys(keys)...)
	if err != nil {
		return nil, err
	}
	defer release()

	var rows []domain.StockMovement
	var next map[store.InventoryKey]store.Balance
	if len(movements) > 0 {
		rows, next, err = s.planLocked(movements, keys, sale.CreatedAt)
		if err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.saleNumbers[sale.SaleNumber]; exists {
		return nil, store.ErrDuplicateSaleNumber
	}
	if sale.IdempotencyKey != "" {
		if _, exists := s.salesByIdem[sale.IdempotencyKey]; exists {
			return nil, store.ErrDuplicateIdempotency
		}
	}

	s.commitMovementsLocked(rows, next, sale.CreatedAt)
	saved := cloneSale(&sale)
	s.sales[sale.ID] = saved
	s.saleNumbers[sale.SaleNumber] = sale.ID
	if sale.IdempotencyKey != "" {
		s.salesByIdem[sale.IdempotencyKey] = sale.ID
	}
	queued := entry
	s.outbox[entry.ID] = &queued
	s.outboxOrder = append(s.outboxOrder, entry.ID)

	return cloneSale(saved), nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) FindSaleByIdempotency(_ context.Context, key string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.salesByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(s.sales[id]), nil
}

func (s *Store) GetRefundedLines(_ context.Context, saleID string) (map[string]domain.RefundedLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refundedLinesLocked(saleID), nil
}

func (s *Store) refundedLinesLocked(saleID string) map[string]domain.RefundedLine {
	lines := make(map[string]domain.RefundedLine)
	for _, refundID := range s.refundsBySale[saleID] {
		refund := s.refunds[refundID]
		if !domain.RefundStatusCountsAgainstSale(refund.Status) {
			continue
		}
		for _, item := range refund.Items {
			line := lines[item.SaleItemID]
			line.Quantity = line.Quantity.Add(item.Quantity)
			line.Amount = line.Amount.Add(item.RefundAmount)
			lines[item.SaleItemID] = line
		}
	}
	return lines
}

func (s *Store) CreateRefund(ctx context.Context, refund domain.Refund, movements []domain.MovementRequest) (*domain.Refund, error) {
	if refund.ID == "" || refund.SaleID == "" || len(refund.Items) == 0 {
		return nil, store.Invalid("refund", "id, sale and items are required")
	}

	keys := store.MovementKeys(movements)
	lockKeys := append([]string{"sale:" + refund.SaleID}, inventoryLockKeys(keys)...)
	release, err := s.lock(ctx, lockKeys...)
	if err != nil {
		return nil, err
	}
	defer release()

	s.mu.RLock()
	sale, ok := s.sales[refund.SaleID]
	if !ok {
		s.mu.RUnlock()
		return nil, store.ErrNotFound
	}
	refunded := s.refundedLinesLocked(refund.SaleID)
	checkErr := store.CheckRefundable(sale, refunded, refund.Items)
	if checkErr == nil {
		checkErr = store.CheckRefundBasis(refunded, refund)
	}
	s.mu.RUnlock()
	if checkErr != nil {
		return nil, checkErr
	}

	var rows []domain.StockMovement
	var next map[store.InventoryKey]store.Balance
	if len(movements) > 0 {
		rows, next, err = s.planLocked(movements, keys, refund.CreatedAt)
		if err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitMovementsLocked(rows, next, refund.CreatedAt)
	saved := cloneRefund(&refund)
	saved.PricedAgainst = nil
	s.refunds[refund.ID] = saved
	s.refundsBySale[refund.SaleID] = append(s.refundsBySale[refund.SaleID], refund.ID)
	return cloneRefund(saved), nil
}

func (s *Store) GetRefund(_ context.Context, id string) (*domain.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	refund, ok := s.refunds[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneRefund(refund), nil
}

func (s *Store) TransitionRefund(ctx context.Context, t domain.RefundTransition) (*domain.Refund, error) {
	keys := store.MovementKeys(t.Movements)
	lockKeys := append([]string{"refund:" + t.RefundID}, inventoryLockKeys(keys)...)
	release, err := s.lock(ctx, lockKeys...)
	if err != nil {
		return nil, err
	}
	defer release()

	s.mu.RLock()
	current, ok := s.refunds[t.RefundID]
	if !ok {
		s.mu.RUnlock()
		return nil, store.ErrNotFound
	}
	status := current.Status
	s.mu.RUnlock()
	if status != t.From {
		return nil, &store.StateTransitionError{Entity: "refund", ID: t.RefundID, From: status, To: t.To}
	}

	var rows []domain.StockMovement
	var next map[store.InventoryKey]store.Balance
	if len(t.Movements) > 0 {
		rows, next, err = s.planLocked(t.Movements, keys, t.At)
		if err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitMovementsLocked(rows, next, t.At)
	refund := s.refunds[t.RefundID]
	refund.Status = t.To
	at := t.At
	if t.ActorID != "" && t.To != domain.RefundCancelled {
		refund.ApproverID = t.ActorID
		refund.ApproverNotes = t.Notes
	}
	refund.ResolvedAt = &at
	if t.Completing {
		refund.CompletedAt = &at
	}
	return cloneRefund(refund), nil
}

func (s *Store) CreateDrawerSession(_ context.Context, session domain.DrawerSession) (*domain.DrawerSession, error) {
	if session.ID == "" || session.CashierID == "" || session.StoreID == "" {
		return nil, store.Invalid("session", "id, cashier and store are required")
	}
	key := sessionKey(session.CashierID, session.StoreID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stores[session.StoreID]; !ok {
		return nil, store.Invalid("store_id", "store %s does not exist", session.StoreID)
	}
	if _, open := s.openSessionKeys[key]; open {
		return nil, store.ErrSessionAlreadyOpen
	}
	session.Status = domain.DrawerOpen
	s.sessions[session.ID] = session
	s.openSessionKeys[key] = session.ID
	saved := session
	return &saved, nil
}

func (s *Store) GetDrawerSession(_ context.Context, id string) (*domain.DrawerSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &session, nil
}

func (s *Store) GetOpenDrawerSession(_ context.Context, cashierID string, storeID string) (*domain.DrawerSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.openSessionKeys[sessionKey(cashierID, storeID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	session := s.sessions[id]
	return &session, nil
}

func (s *Store) RecordDrawerCount(ctx context.Context, count domain.DrawerCount) (*domain.DrawerSession, error) {
	release, err := s.lock(ctx, "drawer:"+count.SessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.openSessionLocked(count.SessionID, "counted")
	if err != nil {
		return nil, err
	}
	counted := count.CountedAmount
	variance := count.Variance
	at := count.CountedAt
	session.CountedAmount = &counted
	session.ExpectedAmount = count.ExpectedAmount
	session.Variance = &variance
	session.CountVerified = true
	session.LastCountedAt = &at
	s.sessions[session.ID] = session
	s.drawerCounts[session.ID] = append(s.drawerCounts[session.ID], count)
	return &session, nil
}

func (s *Store) CloseDrawerSession(ctx context.Context, c domain.DrawerClose) (*domain.DrawerSession, error) {
	release, err := s.lock(ctx, "drawer:"+c.SessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.openSessionLocked(c.SessionID, domain.DrawerClosed)
	if err != nil {
		return nil, err
	}
	settled := store.SettleDrawer(session, s.cashActivityLocked(session, c.ClosedAt), c.Counted)
	counted := settled.Counted
	variance := settled.Variance
	closedAt := c.ClosedAt
	session.Status = domain.DrawerClosed
	session.CountedAmount = &counted
	session.ExpectedAmount = settled.Expected
	session.Variance = &variance
	session.CountVerified = settled.Verified
	session.Notes = c.Notes
	session.ClosedAt = &closedAt
	if settled.Verified {
		session.LastCountedAt = &closedAt
		s.drawerCounts[session.ID] = append(s.drawerCounts[session.ID], domain.DrawerCount{
			ID:             xid.New("count"),
			SessionID:      session.ID,
			Kind:           domain.DrawerCountClosing,
			CountedAmount:  counted,
			ExpectedAmount: settled.Expected,
			Variance:       variance,
			CountedAt:      closedAt,
		})
	}
	s.sessions[session.ID] = session
	delete(s.openSessionKeys, sessionKey(session.CashierID, session.StoreID))
	return &session, nil
}

func (s *Store) CreateDrawerPayout(ctx context.Context, payout domain.DrawerPayout) (*domain.DrawerPayout, error) {
	release, err := s.lock(ctx, "drawer:"+payout.SessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.openSessionLocked(payout.SessionID, "paid out"); err != nil {
		return nil, err
	}
	s.drawerPayouts[payout.SessionID] = append(s.drawerPayouts[payout.SessionID], payout)
	saved := payout
	return &saved, nil
}

func (s *Store) openSessionLocked(id string, target string) (domain.DrawerSession, error) {
	session, ok := s.sessions[id]
	if !ok {
		return domain.DrawerSession{}, store.ErrNotFound
	}
	if session.Status != domain.DrawerOpen {
		return domain.DrawerSession{}, &store.StateTransitionError{Entity: "drawer session", ID: id, From: session.Status, To: target}
	}
	return session, nil
}

func (s *Store) ListDrawerCounts(_ context.Context, sessionID string) ([]domain.DrawerCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := s.drawerCounts[sessionID]
	out := make([]domain.DrawerCount, len(counts))
	copy(out, counts)
	return out, nil
}

func (s *Store) CashActivity(_ context.Context, session domain.DrawerSession, until time.Time) (domain.CashActivity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cashActivityLocked(session, until), nil
}

func (s *Store) cashActivityLocked(session domain.DrawerSession, until time.Time) domain.CashActivity {
	inWindow := func(at time.Time) bool {
		return !at.Before(session.OpenedAt) && !at.After(until)
	}

	activity := domain.CashActivity{
		CashPayments: decimal.Zero,
		ChangeGiven:  decimal.Zero,
		CashRefunds:  decimal.Zero,
		Payouts:      decimal.Zero,
	}
	for _, sale := range s.sales {
		if sale.StoreID != session.StoreID || sale.CashierID != session.CashierID || !inWindow(sale.CreatedAt) {
			continue
		}
		hadCash := false
		for _, p := range sale.Payments {
			if p.Method == domain.PaymentCash {
				activity.CashPayments = activity.CashPayments.Add(p.Amount)
				hadCash = true
			}
		}
		if hadCash {
			activity.ChangeGiven = activity.ChangeGiven.Add(sale.ChangeDue)
		}
	}
	for _, refund := range s.refunds {
		if refund.Status != domain.RefundCompleted || refund.Method != domain.PaymentCash || refund.CompletedAt == nil {
			continue
		}
		if refund.StoreID != session.StoreID || refund.RequestedBy != session.CashierID || !inWindow(*refund.CompletedAt) {
			continue
		}
		activity.CashRefunds = activity.CashRefunds.Add(refund.TotalAmount)
	}
	for _, payout := range s.drawerPayouts[session.ID] {
		if inWindow(payout.CreatedAt) {
			activity.Payouts = activity.Payouts.Add(payout.Amount)
		}
	}
	return activity
}

func (s *Store) ClaimAccountingEntries(_ context.Context, now time.Time, limit int, lease time.Duration) ([]domain.AccountingQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	claimed := make([]domain.AccountingQueueEntry, 0, limit)
	leaseUntil := now.Add(lease)
	for _, id := range s.outboxOrder {
		if limit > 0 && len(claimed) >= limit {
			break
		}
		entry := s.outbox[id]
		if entry.Status == domain.AccountingSynced || entry.NextAttemptAt == nil || entry.NextAttemptAt.After(now) {
			continue
		}
		if entry.LockedUntil != nil && entry.LockedUntil.After(now) {
			continue
		}
		until := leaseUntil
		entry.LockedUntil = &until
		entry.Attempts++
		entry.UpdatedAt = now
		claimed = append(claimed, *entry)
	}
	return claimed, nil
}

func (s *Store) MarkAccountingSynced(_ context.Context, entryID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.outbox[entryID]
	if !ok {
		return store.ErrNotFound
	}
	syncedAt := at
	entry.Status = domain.AccountingSynced
	entry.SyncedAt = &syncedAt
	entry.NextAttemptAt = nil
	entry.LockedUntil = nil
	entry.LastError = ""
	entry.UpdatedAt = at
	if sale, ok := s.sales[entry.SaleID]; ok {
		sale.SyncedToAccounting = true
	}
	return nil
}

func (s *Store) MarkAccountingFailed(_ context.Context, entryID string, lastError string, nextAttemptAt *time.Time, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.outbox[entryID]
	if !ok {
		return store.ErrNotFound
	}
	entry.Status = domain.AccountingFailed
	entry.LastError = lastError
	entry.NextAttemptAt = nextAttemptAt
	entry.LockedUntil = nil
	entry.UpdatedAt = at
	return nil
}

func (s *Store) GetAccountingEntryBySale(_ context.Context, saleID string) (*domain.AccountingQueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.outboxOrder {
		if entry := s.outbox[id]; entry.SaleID == saleID {
			found := *entry
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListAccountingEntries(_ context.Context, status string, limit int) ([]domain.AccountingQueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AccountingQueueEntry, 0, limit)
	for _, id := range s.outboxOrder {
		entry := s.outbox[id]
		if status != "" && entry.Status != status {
			continue
		}
		out = append(out, *entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, storeID string, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if storeID != "" && entry.StoreID != storeID {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.Invalid("username", "username and password are required")
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.Invalid("username", "user %s already exists", user.Username)
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].Username < users[j].Username
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func sessionKey(cashierID string, storeID string) string {
	return cashierID + "|" + storeID
}

func cloneSale(src *domain.Sale) *domain.Sale {
	if src == nil {
		return nil
	}
	dst := *src
	dst.Items = append([]domain.SaleItem(nil), src.Items...)
	dst.Payments = append([]domain.SalePayment(nil), src.Payments...)
	return &dst
}

func cloneRefund(src *domain.Refund) *domain.Refund {
	if src == nil {
		return nil
	}
	dst := *src
	dst.Items = append([]domain.RefundItem(nil), src.Items...)
	return &dst
}
