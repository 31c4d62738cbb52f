package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "catalog",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS stores (
				id TEXT PRIMARY KEY,
				code TEXT NOT NULL UNIQUE,
				name TEXT NOT NULL,
				active BOOLEAN NOT NULL DEFAULT true,
				is_primary BOOLEAN NOT NULL DEFAULT false,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS stores_single_primary ON stores (is_primary) WHERE is_primary`,
			`CREATE TABLE IF NOT EXISTS products (
				id TEXT PRIMARY KEY,
				sku TEXT NOT NULL UNIQUE,
				name TEXT NOT NULL,
				unit_price NUMERIC(14,2) NOT NULL CHECK (unit_price >= 0),
				cost_price NUMERIC(14,4),
				tax_rate NUMERIC(6,4) NOT NULL DEFAULT 0 CHECK (tax_rate >= 0),
				tracks_inventory BOOLEAN NOT NULL DEFAULT true,
				active BOOLEAN NOT NULL DEFAULT true,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE TABLE IF NOT EXISTS app_users (
				username TEXT PRIMARY KEY,
				password TEXT NOT NULL,
				role TEXT NOT NULL,
				active BOOLEAN NOT NULL DEFAULT true,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
		},
	},
	{
		version: 2,
		name:    "inventory_ledger",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS inventory_records (
				store_id TEXT NOT NULL REFERENCES stores(id),
				product_id TEXT NOT NULL REFERENCES products(id),
				quantity_on_hand NUMERIC(14,3) NOT NULL DEFAULT 0,
				average_cost NUMERIC(14,4) NOT NULL DEFAULT 0,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				PRIMARY KEY (store_id, product_id)
			)`,
			`CREATE TABLE IF NOT EXISTS stock_movements (
				id TEXT PRIMARY KEY,
				store_id TEXT NOT NULL REFERENCES stores(id),
				product_id TEXT NOT NULL REFERENCES products(id),
				movement_type TEXT NOT NULL,
				quantity NUMERIC(14,3) NOT NULL CHECK (quantity <> 0),
				unit_cost NUMERIC(14,4),
				reference_type TEXT,
				reference_id TEXT,
				reason TEXT,
				balance_after NUMERIC(14,3) NOT NULL,
				performed_by TEXT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE INDEX IF NOT EXISTS stock_movements_key_idx ON stock_movements (store_id, product_id, created_at DESC)`,
			`CREATE INDEX IF NOT EXISTS stock_movements_reference_idx ON stock_movements (reference_type, reference_id)`,
		},
	},
	{
		version: 3,
		name:    "sales",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS sale_sequences (
				store_id TEXT NOT NULL REFERENCES stores(id),
				business_date DATE NOT NULL,
				last_value BIGINT NOT NULL,
				PRIMARY KEY (store_id, business_date)
			)`,
			`CREATE TABLE IF NOT EXISTS sales (
				id TEXT PRIMARY KEY,
				sale_number TEXT NOT NULL UNIQUE,
				store_id TEXT NOT NULL REFERENCES stores(id),
				cashier_id TEXT NOT NULL,
				customer_ref TEXT,
				idempotency_key TEXT UNIQUE,
				subtotal NUMERIC(14,2) NOT NULL,
				discount_total NUMERIC(14,2) NOT NULL,
				tax_total NUMERIC(14,2) NOT NULL,
				total_amount NUMERIC(14,2) NOT NULL,
				amount_paid NUMERIC(14,2) NOT NULL,
				change_due NUMERIC(14,2) NOT NULL,
				payment_status TEXT NOT NULL,
				synced_to_accounting BOOLEAN NOT NULL DEFAULT false,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE INDEX IF NOT EXISTS sales_drawer_idx ON sales (store_id, cashier_id, created_at)`,
			`CREATE TABLE IF NOT EXISTS sale_items (
				id TEXT PRIMARY KEY,
				sale_id TEXT NOT NULL REFERENCES sales(id) ON DELETE CASCADE,
				line_no INT NOT NULL,
				product_id TEXT NOT NULL REFERENCES products(id),
				sku TEXT NOT NULL,
				name TEXT NOT NULL,
				quantity NUMERIC(14,3) NOT NULL CHECK (quantity > 0),
				unit_price NUMERIC(14,2) NOT NULL,
				line_discount NUMERIC(14,2) NOT NULL DEFAULT 0,
				line_total NUMERIC(14,2) NOT NULL,
				tax_rate NUMERIC(6,4) NOT NULL DEFAULT 0,
				tax_amount NUMERIC(14,2) NOT NULL DEFAULT 0,
				source TEXT NOT NULL,
				stock_store_id TEXT REFERENCES stores(id),
				UNIQUE (sale_id, line_no)
			)`,
			`CREATE TABLE IF NOT EXISTS sale_payments (
				id TEXT PRIMARY KEY,
				sale_id TEXT NOT NULL REFERENCES sales(id) ON DELETE CASCADE,
				position INT NOT NULL,
				method TEXT NOT NULL,
				amount NUMERIC(14,2) NOT NULL CHECK (amount > 0),
				reference TEXT
			)`,
		},
	},
	{
		version: 4,
		name:    "refunds",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS refunds (
				id TEXT PRIMARY KEY,
				sale_id TEXT NOT NULL REFERENCES sales(id),
				store_id TEXT NOT NULL REFERENCES stores(id),
				status TEXT NOT NULL,
				reason_code TEXT NOT NULL,
				method TEXT NOT NULL,
				requires_approval BOOLEAN NOT NULL,
				total_amount NUMERIC(14,2) NOT NULL,
				requested_by TEXT NOT NULL,
				approver_id TEXT,
				approver_notes TEXT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				resolved_at TIMESTAMPTZ,
				completed_at TIMESTAMPTZ
			)`,
			`CREATE INDEX IF NOT EXISTS refunds_sale_idx ON refunds (sale_id)`,
			`CREATE INDEX IF NOT EXISTS refunds_drawer_idx ON refunds (store_id, requested_by, completed_at)`,
			`CREATE TABLE IF NOT EXISTS refund_items (
				id TEXT PRIMARY KEY,
				refund_id TEXT NOT NULL REFERENCES refunds(id) ON DELETE CASCADE,
				sale_item_id TEXT NOT NULL REFERENCES sale_items(id),
				product_id TEXT NOT NULL REFERENCES products(id),
				quantity NUMERIC(14,3) NOT NULL CHECK (quantity > 0),
				refund_amount NUMERIC(14,2) NOT NULL,
				reason_code TEXT,
				stock_store_id TEXT REFERENCES stores(id)
			)`,
		},
	},
	{
		version: 5,
		name:    "drawer",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS drawer_sessions (
				id TEXT PRIMARY KEY,
				cashier_id TEXT NOT NULL,
				store_id TEXT NOT NULL REFERENCES stores(id),
				status TEXT NOT NULL,
				opening_amount NUMERIC(14,2) NOT NULL,
				expected_amount NUMERIC(14,2) NOT NULL DEFAULT 0,
				counted_amount NUMERIC(14,2),
				variance NUMERIC(14,2),
				count_verified BOOLEAN NOT NULL DEFAULT false,
				notes TEXT,
				opened_at TIMESTAMPTZ NOT NULL,
				last_counted_at TIMESTAMPTZ,
				closed_at TIMESTAMPTZ
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS drawer_sessions_one_open ON drawer_sessions (cashier_id, store_id) WHERE status = 'open'`,
			`CREATE TABLE IF NOT EXISTS drawer_counts (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL REFERENCES drawer_sessions(id),
				kind TEXT NOT NULL,
				counted_amount NUMERIC(14,2) NOT NULL,
				expected_amount NUMERIC(14,2) NOT NULL,
				variance NUMERIC(14,2) NOT NULL,
				counted_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS drawer_payouts (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL REFERENCES drawer_sessions(id),
				amount NUMERIC(14,2) NOT NULL CHECK (amount > 0),
				reason TEXT NOT NULL,
				recorded_by TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL
			)`,
		},
	},
	{
		version: 6,
		name:    "accounting_outbox_and_audit",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS accounting_queue (
				id TEXT PRIMARY KEY,
				sale_id TEXT NOT NULL UNIQUE REFERENCES sales(id),
				status TEXT NOT NULL,
				attempts INT NOT NULL DEFAULT 0,
				last_error TEXT,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL,
				next_attempt_at TIMESTAMPTZ,
				synced_at TIMESTAMPTZ,
				locked_until TIMESTAMPTZ
			)`,
			`CREATE INDEX IF NOT EXISTS accounting_queue_due_idx ON accounting_queue (next_attempt_at) WHERE status <> 'synced'`,
			`CREATE TABLE IF NOT EXISTS audit_logs (
				id TEXT PRIMARY KEY,
				store_id TEXT,
				actor_id TEXT NOT NULL,
				action TEXT NOT NULL,
				entity_type TEXT NOT NULL,
				entity_id TEXT NOT NULL,
				detail TEXT,
				created_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS audit_logs_store_idx ON audit_logs (store_id, created_at DESC)`,
		},
	},
}

// Migrate applies every migration newer than the recorded schema version.
// Each migration runs in its own transaction.
func (s *Store) Migrate(ctx context.Context, logger logrus.FieldLogger) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %d %s: %w", m.version, m.name, err)
		}
		if logger != nil {
			logger.WithFields(logrus.Fields{"version": m.version, "name": m.name}).Info("applied migration")
		}
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range m.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, name, applied_at) VALUES ($1, $2, $3)
	`, m.version, m.name, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}
