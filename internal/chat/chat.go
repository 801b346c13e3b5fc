// Package chat answers natural-language questions about the HR database from validated, read-only queries.
package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/hellio/hrchat/internal/sqlguard"
)

const NoRecordsAnswer = "No matching records found in the database."

var (
	ErrEmptyQuestion   = errors.New("question is required")
	ErrQuestionTooLong = errors.New("question is too long")
)

// CandidateQuery is generated SQL before validation; it is never executed as-is.
type CandidateQuery struct {
	RawSQL string
}

type Response struct {
	Answer string `json:"answer"`
	// SQL and RowCount are omitted when the question was answered without a query.
	SQL       string           `json:"sql,omitempty"`
	RowCount  *int             `json:"row_count,omitempty"`
	Truncated bool             `json:"truncated,omitempty"`
	Columns   []string         `json:"columns,omitempty"`
	Results   []map[string]any `json:"results,omitempty"`
	Category  Category         `json:"category"`
}

type Asker interface {
	Ask(ctx context.Context, question string) (Response, error)
}

type ErrorKind string

const (
	KindValidationRejected     ErrorKind = "validation_rejected"
	KindGenerationFailed       ErrorKind = "generation_failed"
	KindExecutionTimeout       ErrorKind = "execution_timeout"
	KindExecutionFailed        ErrorKind = "execution_failed"
	KindAnswerGenerationFailed ErrorKind = "answer_generation_failed"
)

// Error is a failed stage. Reason and Err are for operators; users only see UserMessage.
type Error struct {
	Kind      ErrorKind
	Reason    string
	Err       error
	temporary bool
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Temporary reports a failure of an upstream service that may succeed if the question is asked again.
func (e *Error) Temporary() bool {
	return e.temporary
}

func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindValidationRejected:
		switch sqlguard.Reason(e.Reason) {
		case sqlguard.ReasonNotReadOnly, sqlguard.ReasonForbiddenKeyword, sqlguard.ReasonMultipleStatements:
			return "I can only answer questions that retrieve information from the database. I cannot modify, delete, or create data. Please ask a question about existing candidates or positions."
		}
		return "I couldn't generate a valid database query for that question. Please try rephrasing it, or use one of the example questions."
	case KindGenerationFailed, KindAnswerGenerationFailed:
		if e.temporary {
			return "The assistant is temporarily unavailable. Please try again in a moment."
		}
		return "I had trouble processing that question. Please try rephrasing it or ask something like: 'How many open positions are there?'"
	case KindExecutionTimeout:
		return "The database took too long to answer that question. Please try a narrower question."
	default:
		return "I encountered an unexpected error processing your question. Please try rephrasing it or use one of the example questions."
	}
}
