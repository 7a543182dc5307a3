package instrument

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is satisfied by *pgxpool.Pool.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const cleanupSQL = `DELETE FROM _permission_audit WHERE created_at < NOW() - make_interval(days => $1)`

// CleanupOldDecisions deletes audit rows older than retentionDays.
func CleanupOldDecisions(ctx context.Context, db Execer, retentionDays int, logger *slog.Logger) (int64, error) {
	if retentionDays <= 0 {
		return 0, fmt.Errorf("retention must be positive, got %d days", retentionDays)
	}
	if logger == nil {
		logger = slog.Default()
	}
	tag, err := db.Exec(ctx, cleanupSQL, retentionDays)
	if err != nil {
		return 0, fmt.Errorf("audit cleanup: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		logger.Info("audit cleanup deleted old decisions", "rows", n, "retention_days", retentionDays)
	}
	return tag.RowsAffected(), nil
}
