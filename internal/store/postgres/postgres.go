package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

const defaultLockTimeout = 5 * time.Second

var _ store.Repository = (*Store)(nil)

type Store struct {
	db          *sql.DB
	lockTimeout time.Duration
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, lockTimeout: defaultLockTimeout}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SetLockTimeout bounds how long a transaction waits on a row lock before
// failing with a retryable persistence error.
func (s *Store) SetLockTimeout(d time.Duration) {
	if d > 0 {
		s.lockTimeout = d
	}
}

// inTx runs fn in one read-committed transaction. Row locks taken inside fn
// are held until commit.
func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return translate(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		return translate(op, err)
	}
	if err := fn(tx); err != nil {
		return translate(op, err)
	}
	if err := tx.Commit(); err != nil {
		return translate(op, err)
	}
	return nil
}

// translate turns driver errors into the store's error kinds. Domain errors
// pass through untouched.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03":
			return &store.PersistenceError{Op: op, Err: store.ErrLockTimeout}
		case "23503":
			return store.Invalid(pgErr.ColumnName, "references a record that does not exist")
		case "23514":
			return store.Invalid(pgErr.ColumnName, "violates constraint %s", pgErr.ConstraintName)
		}
	}
	return store.WrapPersistence(op, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func violatedConstraint(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}

func (s *Store) CreateStore(ctx context.Context, st domain.Store) (*domain.Store, error) {
	st.Code = strings.ToUpper(strings.TrimSpace(st.Code))
	if strings.TrimSpace(st.ID) == "" || st.Code == "" || strings.TrimSpace(st.Name) == "" {
		return nil, store.Invalid("store", "id, code and name are required")
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stores (id, code, name, active, is_primary, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, st.ID, st.Code, st.Name, st.Active, st.Primary, st.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.Invalid("code", "store %s already exists or conflicts with the primary store", st.Code)
		}
		return nil, translate("create store", err)
	}
	saved := st
	return &saved, nil
}

const storeColumns = `id, code, name, active, is_primary, created_at`

func scanStore(row interface{ Scan(...any) error }) (*domain.Store, error) {
	var st domain.Store
	if err := row.Scan(&st.ID, &st.Code, &st.Name, &st.Active, &st.Primary, &st.CreatedAt); err != nil {
		return nil, err
	}
	st.CreatedAt = st.CreatedAt.UTC()
	return &st, nil
}

func (s *Store) GetStore(ctx context.Context, id string) (*domain.Store, error) {
	st, err := scanStore(s.db.QueryRowContext(ctx, `SELECT `+storeColumns+` FROM stores WHERE id = $1`, id))
	if err != nil {
		return nil, translate("get store", err)
	}
	return st, nil
}

func (s *Store) GetPrimaryStore(ctx context.Context) (*domain.Store, error) {
	st, err := scanStore(s.db.QueryRowContext(ctx, `SELECT `+storeColumns+` FROM stores WHERE is_primary LIMIT 1`))
	if err != nil {
		return nil, translate("get primary store", err)
	}
	return st, nil
}

const productColumns = `id, sku, name, unit_price, cost_price, tax_rate, tracks_inventory, active, created_at`

func scanProduct(row interface{ Scan(...any) error }) (*domain.Product, error) {
	var p domain.Product
	var cost decimal.NullDecimal
	if err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.UnitPrice, &cost, &p.TaxRate, &p.TracksInventory, &p.Active, &p.CreatedAt); err != nil {
		return nil, err
	}
	if cost.Valid {
		c := cost.Decimal
		p.CostPrice = &c
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, product.ID, product.SKU, product.Name, product.UnitPrice, nullDecimal(product.CostPrice),
		product.TaxRate, product.TracksInventory, product.Active, product.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.Invalid("sku", "product %s already exists", product.SKU)
		}
		return nil, translate("create product", err)
	}
	created := product
	return &created, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err != nil {
		return nil, translate("get product", err)
	}
	return p, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	return loadProducts(ctx, s.db, ids)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadProducts(ctx context.Context, q queryer, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	rows, err := q.QueryContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, translate("load products", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, translate("load products", err)
		}
		result[p.ID] = *p
	}
	if err := rows.Err(); err != nil {
		return nil, translate("load products", err)
	}
	return result, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE active = true
		ORDER BY sku
	`)
	if err != nil {
		return nil, translate("list products", err)
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, translate("list products", err)
		}
		products = append(products, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("list products", err)
	}
	return products, nil
}

func (s *Store) SetProductActive(ctx context.Context, id string, active bool) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `
		UPDATE products SET active = $2 WHERE id = $1
		RETURNING `+productColumns, id, active))
	if err != nil {
		return nil, translate("set product active", err)
	}
	return p, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, store_id, actor_id, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, nullIfEmpty(entry.StoreID), entry.ActorID, entry.Action, entry.EntityType, entry.EntityID,
		nullIfEmpty(entry.Detail), entry.CreatedAt)
	return translate("create audit log", err)
}

func (s *Store) ListAuditLogs(ctx context.Context, storeID string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(store_id, ''), actor_id, action, entity_type, entity_id, COALESCE(detail, ''), created_at
		FROM audit_logs
		WHERE ($1 = '' OR store_id = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, storeID, limit)
	if err != nil {
		return nil, translate("list audit logs", err)
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.StoreID, &entry.ActorID, &entry.Action, &entry.EntityType,
			&entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, translate("list audit logs", err)
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("list audit logs", err)
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.Invalid("username", "user %s already exists", user.Username)
		}
		return translate("create user", err)
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, translate("list users", err)
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, translate("list users", err)
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("list users", err)
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.Invalid("password", "username and password are required")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return translate("update user password", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return translate("update user password", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

func nullDecimal(val *decimal.Decimal) any {
	if val == nil {
		return nil
	}
	return *val
}

func timePtr(val sql.NullTime) *time.Time {
	if !val.Valid {
		return nil
	}
	t := val.Time.UTC()
	return &t
}

func decimalPtr(val decimal.NullDecimal) *decimal.Decimal {
	if !val.Valid {
		return nil
	}
	d := val.Decimal
	return &d
}
