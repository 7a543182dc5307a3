// Package instrument records permission decisions for later audit.
package instrument

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"permgate/internal/engine"
)

// Decision is one evaluated route requirement.
type Decision struct {
	Route        string
	UserID       string
	LoggedInAsID string
	ResourceID   string
	Allowed      bool
	Missing      []engine.Missing
	At           time.Time
}

// Recorder accepts decisions. Implementations must not block the request.
type Recorder interface {
	Record(d Decision)
}

// DB is the slice of *pgxpool.Pool the buffer needs.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var auditColumns = []string{"route", "user_id", "logged_in_as_id", "resource_id", "allowed", "missing", "created_at"}

// DecisionBuffer collects decisions in memory and periodically flushes them
// to the _permission_audit table in a batch insert.
type DecisionBuffer struct {
	mu        sync.Mutex
	decisions []Decision
	db        DB
	maxSize   int
	ticker    *time.Ticker
	done      chan struct{}
	stopOnce  sync.Once
	logger    *slog.Logger
}

// DefaultFlushInterval replaces a non-positive flush interval.
const DefaultFlushInterval = time.Second

// NewDecisionBuffer creates a buffer that flushes on a timer or when full.
func NewDecisionBuffer(db DB, maxSize int, flushInterval time.Duration, logger *slog.Logger) *DecisionBuffer {
	if logger == nil {
		logger = slog.Default()
	}
	if maxSize <= 0 {
		maxSize = 1
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	b := &DecisionBuffer{
		db:      db,
		maxSize: maxSize,
		done:    make(chan struct{}),
		logger:  logger.With("component", "audit"),
	}
	b.ticker = time.NewTicker(flushInterval)
	go b.run()
	return b
}

func (b *DecisionBuffer) run() {
	for {
		select {
		case <-b.done:
			return
		case <-b.ticker.C:
			b.Flush(context.Background())
		}
	}
}

// Record adds a decision to the buffer. A full buffer triggers an
// asynchronous flush.
func (b *DecisionBuffer) Record(d Decision) {
	if d.At.IsZero() {
		d.At = time.Now()
	}
	b.mu.Lock()
	b.decisions = append(b.decisions, d)
	shouldFlush := len(b.decisions) >= b.maxSize
	b.mu.Unlock()
	if shouldFlush {
		go b.Flush(context.Background())
	}
}

// Pending returns the number of buffered decisions.
func (b *DecisionBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.decisions)
}

// Flush writes all buffered decisions in a single insert. A failed batch is
// logged and dropped.
func (b *DecisionBuffer) Flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.decisions) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.decisions
	b.decisions = nil
	b.mu.Unlock()

	if err := b.write(ctx, batch); err != nil {
		b.logger.Error("audit flush failed", "decisions", len(batch), "error", err)
	}
}

func (b *DecisionBuffer) write(ctx context.Context, batch []Decision) error {
	sql, args, err := insertStatement(batch)
	if err != nil {
		return err
	}

	tx, err := b.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if _, err := tx.Exec(ctx, "SET LOCAL synchronous_commit = off"); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("set sync commit: %w", err)
	}
	if _, err := tx.Exec(ctx, sql, args...); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertStatement(batch []Decision) (string, []any, error) {
	placeholders := make([]string, 0, len(batch))
	args := make([]any, 0, len(batch)*len(auditColumns))
	for i, d := range batch {
		offset := i * len(auditColumns)
		ph := make([]string, len(auditColumns))
		for j := range auditColumns {
			ph[j] = fmt.Sprintf("$%d", offset+j+1)
		}
		placeholders = append(placeholders, "("+strings.Join(ph, ",")+")")

		var missing any
		if len(d.Missing) > 0 {
			raw, err := json.Marshal(d.Missing)
			if err != nil {
				return "", nil, fmt.Errorf("marshal missing permissions: %w", err)
			}
			missing = string(raw)
		}
		args = append(args, d.Route, nullable(d.UserID), nullable(d.LoggedInAsID), nullable(d.ResourceID), d.Allowed, missing, d.At)
	}

	sql := fmt.Sprintf("INSERT INTO _permission_audit (%s) VALUES %s",
		strings.Join(auditColumns, ","), strings.Join(placeholders, ","))
	return sql, args, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Stop halts the background ticker and flushes remaining decisions.
func (b *DecisionBuffer) Stop(ctx context.Context) {
	b.stopOnce.Do(func() {
		b.ticker.Stop()
		close(b.done)
		b.Flush(ctx)
	})
}
