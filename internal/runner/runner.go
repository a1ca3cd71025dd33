package runner

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/mickamy/rowcost/internal/model"
	"github.com/mickamy/rowcost/internal/parser"
)

// erKeyDoesNotExist is MySQL's ER_KEY_DOES_NOT_EXITS.
const erKeyDoesNotExist = 1176

var keyMissingPattern = regexp.MustCompile(`Key .+? doesn't exist in table`)

// Options customises how EXPLAIN is executed.
type Options struct {
	// Timeout bounds each EXPLAIN round trip; zero defers to the connection.
	Timeout time.Duration
}

// Runner executes EXPLAIN FORMAT=JSON against a MySQL connection pool.
type Runner struct {
	db   *sql.DB
	opts Options
	own  bool
}

// Open connects to MySQL using a go-sql-driver DSN.
func Open(ctx context.Context, dsn string, opts Options) (*Runner, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("runner: empty DSN")
	}
	if _, err := mysql.ParseDSN(dsn); err != nil {
		return nil, fmt.Errorf("runner: parse dsn: %w", err)
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("runner: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("runner: connect: %w", err)
	}
	r := New(db, opts)
	r.own = true
	return r, nil
}

// New wraps an existing pool. Close leaves a borrowed pool open.
func New(db *sql.DB, opts Options) *Runner {
	return &Runner{db: db, opts: opts}
}

// Close releases the pool when the runner opened it.
func (r *Runner) Close() error {
	if r.own && r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Run executes EXPLAIN FORMAT=JSON for the statement and returns the raw document.
func (r *Runner) Run(ctx context.Context, sqlStatement string) ([]byte, error) {
	query := strings.TrimRight(strings.TrimSpace(sqlStatement), "; \t\r\n")
	if query == "" {
		return nil, fmt.Errorf("runner: empty sql statement")
	}

	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}

	var payload []byte
	if err := r.db.QueryRowContext(ctx, "EXPLAIN FORMAT=JSON "+query).Scan(&payload); err != nil {
		return nil, fmt.Errorf("runner: query: %w", err)
	}
	return payload, nil
}

// Explain runs EXPLAIN and normalizes the resulting plan.
func (r *Runner) Explain(ctx context.Context, sqlStatement string) (model.Plan, error) {
	payload, err := r.Run(ctx, sqlStatement)
	if err != nil {
		return nil, err
	}
	plan, err := parser.ParsePlan(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("runner: %w", err)
	}
	return plan, nil
}

// IsKeyMissing reports whether err says a forced index does not exist on the table.
func IsKeyMissing(err error) bool {
	if err == nil {
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == erKeyDoesNotExist
	}
	return keyMissingPattern.MatchString(err.Error())
}
