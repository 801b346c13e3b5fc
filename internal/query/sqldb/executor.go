// Package sqldb executes validated statements against the HR database through database/sql.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hellio/hrchat/internal/config"
	"github.com/hellio/hrchat/internal/query"
)

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectDuckDB   Dialect = "duckdb"

	defaultTimeout = 10 * time.Second

	// SQLSTATE query_canceled, raised when statement_timeout fires.
	pgQueryCanceled = "57014"
)

func DialectForDriver(driver string) Dialect {
	if driver == config.DriverDuckDB {
		return DialectDuckDB
	}
	return DialectPostgres
}

type Executor struct {
	db             *sql.DB
	dialect        Dialect
	defaultTimeout time.Duration
}

func NewExecutor(db *sql.DB, dialect Dialect, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Executor{db: db, dialect: dialect, defaultTimeout: timeout}
}

func (e *Executor) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	if strings.TrimSpace(request.SQL) == "" {
		return query.Result{}, fmt.Errorf("sql is required")
	}
	if request.RowLimit <= 0 {
		return query.Result{}, fmt.Errorf("row limit must be > 0")
	}
	timeout := request.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		result query.Result
		err    error
	)
	if e.dialect == DialectPostgres {
		result, err = e.executePostgres(ctx, runCtx, request, timeout)
	} else {
		result, err = e.executeDirect(runCtx, request)
	}
	if err != nil {
		if isTimeout(runCtx, err) && ctx.Err() == nil {
			return query.Result{}, fmt.Errorf("%w after %s: %w", query.ErrTimeout, timeout, err)
		}
		return query.Result{}, err
	}
	result.Duration = time.Since(start)
	return result, nil
}

// executePostgres runs the statement inside a READ ONLY transaction that is always rolled back.
func (e *Executor) executePostgres(ctx, runCtx context.Context, request query.Request, timeout time.Duration) (query.Result, error) {
	tx, err := e.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return query.Result{}, fmt.Errorf("begin read-only transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(runCtx, fmt.Sprintf("SET LOCAL statement_timeout = %d", timeout.Milliseconds())); err != nil {
		return query.Result{}, fmt.Errorf("set statement timeout: %w", err)
	}
	rows, err := tx.QueryContext(runCtx, request.SQL)
	if err != nil {
		return query.Result{}, fmt.Errorf("execute query: %w", err)
	}
	return collect(rows, request.RowLimit)
}

// executeDirect relies on the connection being opened read-only (DuckDB access_mode).
func (e *Executor) executeDirect(runCtx context.Context, request query.Request) (query.Result, error) {
	rows, err := e.db.QueryContext(runCtx, request.SQL)
	if err != nil {
		return query.Result{}, fmt.Errorf("execute query: %w", err)
	}
	return collect(rows, request.RowLimit)
}

func collect(rows *sql.Rows, limit int) (query.Result, error) {
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return query.Result{}, fmt.Errorf("query columns: %w", err)
	}

	resultRows := make([][]any, 0)
	for len(resultRows) < limit && rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return query.Result{}, fmt.Errorf("scan row: %w", err)
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return query.Result{}, fmt.Errorf("iterate rows: %w", err)
	}

	return query.Result{
		Columns:   columns,
		Rows:      resultRows,
		RowCount:  len(resultRows),
		Truncated: len(resultRows) >= limit,
	}, nil
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		case time.Time:
			normalized[i] = typed.Format(time.RFC3339)
		case interface{ Float64() float64 }:
			normalized[i] = typed.Float64()
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

func isTimeout(runCtx context.Context, err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgQueryCanceled {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded)
}
