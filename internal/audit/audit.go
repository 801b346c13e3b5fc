// Package audit records the outcome of every chat request for operators.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type Outcome string

const (
	OutcomeAnswered  Outcome = "answered"
	OutcomeClarified Outcome = "clarified"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
)

// Record holds operator-only detail: the candidate SQL of a rejected query is kept here and in logs,
// never in the user response.
type Record struct {
	ID           string
	TraceID      string
	Subject      string
	Question     string
	Category     string
	Outcome      Outcome
	ErrorKind    string
	Reason       string
	CandidateSQL string
	ExecutedSQL  string
	RowCount     int
	Truncated    bool
	StartedAt    time.Time
	Duration     time.Duration
}

func NewRecord(startedAt time.Time) Record {
	return Record{ID: uuid.NewString(), StartedAt: startedAt}
}

type Sink interface {
	Emit(ctx context.Context, record Record)
}

// LogSink writes one structured line per record.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Emit(ctx context.Context, record Record) {
	if s.Logger == nil {
		return
	}
	attrs := []slog.Attr{
		slog.String("audit_id", record.ID),
		slog.String("outcome", string(record.Outcome)),
		slog.String("category", record.Category),
		slog.Int("row_count", record.RowCount),
		slog.Duration("duration", record.Duration),
	}
	if record.TraceID != "" {
		attrs = append(attrs, slog.String("trace_id", record.TraceID))
	}
	if record.Subject != "" {
		attrs = append(attrs, slog.String("subject", record.Subject))
	}
	if record.ErrorKind != "" {
		attrs = append(attrs, slog.String("error_kind", record.ErrorKind), slog.String("reason", record.Reason))
	}
	if record.ExecutedSQL != "" {
		attrs = append(attrs, slog.String("sql", record.ExecutedSQL))
	} else if record.CandidateSQL != "" {
		attrs = append(attrs, slog.String("candidate_sql", record.CandidateSQL))
	}
	s.Logger.LogAttrs(ctx, slog.LevelInfo, "chat_audit", attrs...)
}

type Multi []Sink

func (m Multi) Emit(ctx context.Context, record Record) {
	for _, sink := range m {
		if sink != nil {
			sink.Emit(ctx, record)
		}
	}
}

type Discard struct{}

func (Discard) Emit(context.Context, Record) {}
