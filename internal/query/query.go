package query

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout reports a statement cancelled by its execution deadline.
var ErrTimeout = errors.New("query execution timed out")

type Request struct {
	SQL      string
	RowLimit int
	Timeout  time.Duration
}

type Result struct {
	Columns []string
	Rows    [][]any
	// RowCount is the number of rows returned, never more than the request's RowLimit.
	RowCount  int
	Truncated bool
	Duration  time.Duration
}

// Records returns the rows as column-keyed maps, in result order.
func (r Result) Records() []map[string]any {
	records := make([]map[string]any, 0, len(r.Rows))
	for _, row := range r.Rows {
		record := make(map[string]any, len(r.Columns))
		for i, column := range r.Columns {
			if i < len(row) {
				record[column] = row[i]
			}
		}
		records = append(records, record)
	}
	return records
}

// Executor runs one statement that has already been validated as read-only and bounded.
type Executor interface {
	Execute(ctx context.Context, request Request) (Result, error)
}
