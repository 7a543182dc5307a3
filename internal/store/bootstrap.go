package store

import (
	"context"
	"fmt"
)

// users is owned by the marketplace; only the audit table belongs to us.
const systemTablesSQL = `
CREATE TABLE IF NOT EXISTS _permission_audit (
    id              BIGSERIAL PRIMARY KEY,
    route           TEXT NOT NULL,
    user_id         TEXT,
    logged_in_as_id TEXT,
    resource_id     TEXT,
    allowed         BOOLEAN NOT NULL,
    missing         JSONB,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_permission_audit_created ON _permission_audit(created_at);
CREATE INDEX IF NOT EXISTS idx_permission_audit_user ON _permission_audit(user_id);
`

// Bootstrap creates the tables permgate writes to.
func Bootstrap(ctx context.Context, q Querier) error {
	if _, err := q.Exec(ctx, systemTablesSQL); err != nil {
		return fmt.Errorf("bootstrap system tables: %w", err)
	}
	return nil
}
