package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Column names are pinned by the original migration; renaming any of
// them breaks existing deployments.
const schema = `
CREATE TABLE IF NOT EXISTS flat_requests (
	id BIGSERIAL PRIMARY KEY,
	flat_id TEXT NOT NULL,
	name TEXT NOT NULL,
	note TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'PENDING' CHECK (status IN ('PENDING','APPROVED','REJECTED')),
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_flat_requests_status ON flat_requests(status);

CREATE TABLE IF NOT EXISTS flats (
	flat_id TEXT PRIMARY KEY,
	status TEXT NOT NULL DEFAULT 'ACTIVE' CHECK (status IN ('ACTIVE','DISABLED')),
	pin_hash TEXT,
	password_hash TEXT,
	strike_count INT NOT NULL DEFAULT 0,
	ban_until TIMESTAMPTZ,
	requires_admin_revoke BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_login_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS setup_codes (
	id BIGSERIAL PRIMARY KEY,
	flat_id TEXT NOT NULL REFERENCES flats(flat_id) ON DELETE CASCADE,
	code_hash TEXT NOT NULL,
	expires_at BIGINT NOT NULL,
	used_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_setup_codes_flat_id ON setup_codes(flat_id);
CREATE INDEX IF NOT EXISTS idx_setup_codes_expires_at ON setup_codes(expires_at);

CREATE TABLE IF NOT EXISTS admin_audit (
	id BIGSERIAL PRIMARY KEY,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS user_sessions (
	sid VARCHAR PRIMARY KEY,
	sess JSON NOT NULL,
	expire TIMESTAMP(6) NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_user_sessions_expire ON user_sessions(expire);
`

// EnsureSchema applies the schema. Statements are idempotent; the
// user_sessions shape matches what the previous session store expected.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}
