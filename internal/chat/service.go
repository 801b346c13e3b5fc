package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hellio/hrchat/internal/audit"
	"github.com/hellio/hrchat/internal/auth"
	"github.com/hellio/hrchat/internal/config"
	"github.com/hellio/hrchat/internal/llm"
	"github.com/hellio/hrchat/internal/observability"
	"github.com/hellio/hrchat/internal/query"
	"github.com/hellio/hrchat/internal/schema"
	"github.com/hellio/hrchat/internal/sqlguard"
)

const (
	stageClassify = "classify"
	stageSchema   = "schema"
	stageGenerate = "generate"
	stageValidate = "validate"
	stageExecute  = "execute"
	stageAnswer   = "answer"

	defaultMaxQuestionLength = 2000
	defaultStageTimeout      = 30 * time.Second
	defaultExecutionTimeout  = 10 * time.Second
	defaultAnswerPreviewRows = 50
	defaultResultPreviewRows = 10
)

type Config struct {
	MaxQuestionLength int
	GenerationTimeout time.Duration
	ExecutionTimeout  time.Duration
	AnswerTimeout     time.Duration
	AnswerPreviewRows int
	ResultPreviewRows int
}

func ConfigFrom(cfg config.Config) Config {
	return Config{
		MaxQuestionLength: cfg.Chat.MaxQuestionLength,
		GenerationTimeout: cfg.AI.Timeout,
		ExecutionTimeout:  cfg.Query.Timeout,
		AnswerTimeout:     cfg.AI.Timeout,
		AnswerPreviewRows: cfg.Chat.AnswerPreviewRows,
		ResultPreviewRows: cfg.Chat.ResultPreviewRows,
	}
}

type Dependencies struct {
	Schema     schema.Provider
	Generator  llm.Completer
	Executor   query.Executor
	Validator  *sqlguard.Validator
	Classifier Classifier
	Audit      audit.Sink
	Logger     *slog.Logger
	Clock      func() time.Time
}

// Service runs classify, generate, validate, execute and answer for one question at a time; calls are independent.
type Service struct {
	schema     schema.Provider
	generator  llm.Completer
	executor   query.Executor
	validator  *sqlguard.Validator
	classifier Classifier
	answerer   answerer
	audit      audit.Sink
	logger     *slog.Logger
	clock      func() time.Time
	config     Config
}

func NewService(deps Dependencies, cfg Config) (*Service, error) {
	if deps.Schema == nil {
		return nil, fmt.Errorf("schema provider is required")
	}
	if deps.Generator == nil {
		return nil, fmt.Errorf("text generator is required")
	}
	if deps.Executor == nil {
		return nil, fmt.Errorf("query executor is required")
	}
	if deps.Validator == nil {
		deps.Validator = sqlguard.NewValidator(sqlguard.DefaultPolicy())
	}
	if deps.Classifier == nil {
		deps.Classifier = RuleClassifier{}
	}
	if deps.Audit == nil {
		deps.Audit = audit.Discard{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if cfg.MaxQuestionLength <= 0 {
		cfg.MaxQuestionLength = defaultMaxQuestionLength
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = defaultStageTimeout
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = defaultExecutionTimeout
	}
	if cfg.AnswerTimeout <= 0 {
		cfg.AnswerTimeout = defaultStageTimeout
	}
	if cfg.AnswerPreviewRows <= 0 {
		cfg.AnswerPreviewRows = defaultAnswerPreviewRows
	}
	if cfg.ResultPreviewRows <= 0 {
		cfg.ResultPreviewRows = defaultResultPreviewRows
	}

	return &Service{
		schema:     deps.Schema,
		generator:  deps.Generator,
		executor:   deps.Executor,
		validator:  deps.Validator,
		classifier: deps.Classifier,
		answerer: answerer{
			completer:   deps.Generator,
			previewRows: cfg.AnswerPreviewRows,
			timeout:     cfg.AnswerTimeout,
		},
		audit:  deps.Audit,
		logger: deps.Logger,
		clock:  deps.Clock,
		config: cfg,
	}, nil
}

func (s *Service) Ask(ctx context.Context, question string) (Response, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Response{}, ErrEmptyQuestion
	}
	if utf8.RuneCountInString(question) > s.config.MaxQuestionLength {
		return Response{}, ErrQuestionTooLong
	}

	started := s.clock()
	record := audit.NewRecord(started)
	record.TraceID = observability.TraceIDFromContext(ctx)
	record.Question = question
	if identity, ok := auth.IdentityFromContext(ctx); ok {
		record.Subject = identity.Subject
	}

	resp, err := s.run(ctx, question, &record)

	record.Duration = s.clock().Sub(started)
	switch {
	case err == nil && resp.SQL == "":
		record.Outcome = audit.OutcomeClarified
	case err == nil:
		record.Outcome = audit.OutcomeAnswered
	default:
		record.Outcome = audit.OutcomeFailed
		var chatErr *Error
		if errors.As(err, &chatErr) {
			record.ErrorKind = string(chatErr.Kind)
			record.Reason = chatErr.Reason
			if chatErr.Kind == KindValidationRejected {
				record.Outcome = audit.OutcomeRejected
			}
		}
	}
	observability.ObserveChatOutcome(string(record.Outcome))
	s.audit.Emit(ctx, record)
	return resp, err
}

func (s *Service) run(ctx context.Context, question string, record *audit.Record) (Response, error) {
	done := s.stage(stageClassify)
	classification := s.classifier.Classify(ctx, question)
	done()
	record.Category = string(classification.Category)
	if !classification.NeedsQuery {
		s.logger.DebugContext(ctx, "question answered without query", slog.String("category", record.Category))
		return Response{Answer: classification.Reply, Category: classification.Category}, nil
	}

	done = s.stage(stageSchema)
	desc, err := s.schema.Current(ctx)
	done()
	if err != nil {
		return Response{}, s.fail(ctx, &Error{Kind: KindGenerationFailed, Reason: "schema_unavailable", Err: err, temporary: true})
	}

	done = s.stage(stageGenerate)
	candidate, err := s.generate(ctx, question, desc, classification.Intent)
	done()
	if err != nil {
		return Response{}, s.fail(ctx, &Error{Kind: KindGenerationFailed, Reason: "generation_error", Err: err, temporary: isTemporary(err)})
	}
	record.CandidateSQL = candidate.RawSQL

	done = s.stage(stageValidate)
	validation := s.validator.Validate(candidate.RawSQL, desc)
	done()
	if !validation.Accepted {
		observability.IncrementValidationRejection(string(validation.Rejection.Kind))
		s.logger.WarnContext(ctx, "generated sql rejected",
			slog.String("reason", string(validation.Rejection.Kind)),
			slog.String("detail", validation.Rejection.Detail),
			slog.String("candidate_sql", candidate.RawSQL),
		)
		return Response{}, &Error{Kind: KindValidationRejected, Reason: string(validation.Rejection.Kind), Err: validation.Rejection}
	}
	record.ExecutedSQL = validation.NormalizedSQL

	done = s.stage(stageExecute)
	result, err := s.executor.Execute(ctx, query.Request{
		SQL:      validation.NormalizedSQL,
		RowLimit: s.validator.MaxRows(),
		Timeout:  s.config.ExecutionTimeout,
	})
	done()
	if err != nil {
		if errors.Is(err, query.ErrTimeout) {
			return Response{}, s.fail(ctx, &Error{Kind: KindExecutionTimeout, Reason: "statement_timeout", Err: err})
		}
		return Response{}, s.fail(ctx, &Error{Kind: KindExecutionFailed, Reason: "database_error", Err: err})
	}
	observability.ObserveQueryRows(result.RowCount)
	record.RowCount = result.RowCount
	record.Truncated = result.Truncated

	done = s.stage(stageAnswer)
	answer, err := s.answerer.answer(ctx, question, validation.NormalizedSQL, result)
	done()
	if err != nil {
		return Response{}, s.fail(ctx, &Error{Kind: KindAnswerGenerationFailed, Reason: "answer_error", Err: err, temporary: isTemporary(err)})
	}

	rowCount := result.RowCount
	records := result.Records()
	if len(records) > s.config.ResultPreviewRows {
		records = records[:s.config.ResultPreviewRows]
	}
	return Response{
		Answer:    answer,
		SQL:       validation.NormalizedSQL,
		RowCount:  &rowCount,
		Truncated: result.Truncated,
		Columns:   result.Columns,
		Results:   records,
		Category:  classification.Category,
	}, nil
}

func (s *Service) generate(ctx context.Context, question string, desc schema.Descriptor, intent Intent) (CandidateQuery, error) {
	genCtx, cancel := context.WithTimeout(ctx, s.config.GenerationTimeout)
	defer cancel()

	text, err := s.generator.Complete(genCtx, SQLPrompt(question, desc, s.validator.MaxRows(), intent))
	if err != nil {
		return CandidateQuery{}, err
	}
	return CandidateQuery{RawSQL: llm.StripCodeFence(text)}, nil
}

func (s *Service) stage(name string) func() {
	start := s.clock()
	return func() {
		observability.ObserveChatStage(name, s.clock().Sub(start))
	}
}

func (s *Service) fail(ctx context.Context, err *Error) error {
	s.logger.ErrorContext(ctx, "chat request failed",
		slog.String("error_kind", string(err.Kind)),
		slog.String("reason", err.Reason),
		slog.Bool("temporary", err.temporary),
		slog.Any("error", err.Err),
	)
	return err
}

func isTemporary(err error) bool {
	return errors.Is(err, llm.ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}
