package database

import (
	"database/sql"
	"fmt"
)

// migrations are idempotent DDL statements executed in order at startup.
// balances.points carries the non-negativity invariant at the schema level
// as a last line of defense; services never rely on the CHECK alone.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS balances (
		user_id TEXT PRIMARY KEY,
		points BIGINT NOT NULL DEFAULT 0 CHECK (points >= 0),
		last_check_in DATE,
		check_in_streak INT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS point_history (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL,
		delta BIGINT NOT NULL,
		remark TEXT NOT NULL DEFAULT '',
		start_date TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		end_date TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_point_history_user_created
		ON point_history (user_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS posts (
		id TEXT PRIMARY KEY,
		tax_id TEXT NOT NULL,
		company_name TEXT NOT NULL,
		title TEXT NOT NULL,
		employment_type TEXT NOT NULL DEFAULT 'fulltime',
		city TEXT NOT NULL,
		work_years INT NOT NULL DEFAULT 0,
		total_work_years INT NOT NULL DEFAULT 0,
		monthly_salary BIGINT,
		yearly_salary BIGINT NOT NULL,
		overtime INT NOT NULL DEFAULT 2,
		feeling INT NOT NULL DEFAULT 2,
		job_description TEXT NOT NULL,
		suggestion TEXT NOT NULL,
		tags TEXT[] NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'pending',
		seen BIGINT NOT NULL DEFAULT 0,
		create_user TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_posts_company_status
		ON posts (company_name, status)`,
	`CREATE TABLE IF NOT EXISTS post_unlocks (
		post_id TEXT NOT NULL REFERENCES posts(id),
		user_id TEXT NOT NULL,
		unlocked_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (post_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id BIGSERIAL PRIMARY KEY,
		transaction_id TEXT UNIQUE NOT NULL,
		user_id TEXT NOT NULL,
		amount BIGINT NOT NULL,
		points BIGINT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		expiry_time TIMESTAMPTZ NOT NULL,
		provider_transaction_id TEXT,
		order_details JSONB NOT NULL,
		remark TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_user_status
		ON transactions (user_id, status)`,
}

// Migrate applies all schema migrations.
func Migrate(db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
