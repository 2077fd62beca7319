package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"risk-coach/internal/domain"
)

const (
	defaultMaxOutputTokens = 1000
	defaultMaxQuestion     = 2000
	tracerName             = "risk-coach/internal/usecase"
)

// ContextReader is the read-only source of the financial context.
type ContextReader interface {
	FinancialProfile(ctx context.Context, userID string) (domain.Document, error)
	PortfolioPositions(ctx context.Context, userID string) ([]domain.Document, error)
	NewsSentiment(ctx context.Context, userID string) ([]domain.Document, error)
	PersonalizedNews(ctx context.Context, userID string) ([]domain.Document, error)
	MarketContext(ctx context.Context) (domain.Document, error)
}

// HistoryStore keeps each user's bounded conversation history.
type HistoryStore interface {
	GetHistory(ctx context.Context, userID string) ([]domain.Turn, error)
	AppendExchange(ctx context.Context, userID, question, answer string) error
	Clear(ctx context.Context, userID string) error
}

// ModelClient sends a seeded conversation and one question to a hosted model.
type ModelClient interface {
	Generate(ctx context.Context, seed []domain.Turn, question string, cfg domain.GenerationConfig) (string, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// CoachService answers risk questions and manages each user's conversation.
type CoachService struct {
	reader         ContextReader
	history        HistoryStore
	model          ModelClient
	logger         *slog.Logger
	genConfig      domain.GenerationConfig
	maxQuestionLen int
}

// AskInput is one question from one user.
type AskInput struct {
	UserID        string
	Question      string
	CorrelationID string
}

// AskOutput holds the model's answer.
type AskOutput struct {
	Answer string
}

// ClearInput names the user whose history is removed.
type ClearInput struct {
	UserID        string
	CorrelationID string
}

// NewCoachService creates a CoachService. Non-positive limits fall back to
// 1000 output tokens and 2000 question runes.
func NewCoachService(r ContextReader, h HistoryStore, m ModelClient, logger *slog.Logger, maxOutputTokens, maxQuestionLen int) (*CoachService, error) {
	if r == nil {
		return nil, errors.New("usecase: context reader must not be nil")
	}
	if h == nil {
		return nil, errors.New("usecase: history store must not be nil")
	}
	if m == nil {
		return nil, errors.New("usecase: model client must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if maxOutputTokens <= 0 {
		maxOutputTokens = defaultMaxOutputTokens
	}
	if maxQuestionLen <= 0 {
		maxQuestionLen = defaultMaxQuestion
	}
	return &CoachService{
		reader:         r,
		history:        h,
		model:          m,
		logger:         logger,
		genConfig:      domain.GenerationConfig{MaxOutputTokens: int32(maxOutputTokens)},
		maxQuestionLen: maxQuestionLen,
	}, nil
}

// Ask answers one question. History is only written after the model returned
// a non-empty answer, so any failure leaves it untouched.
func (s *CoachService) Ask(ctx context.Context, in AskInput) (out AskOutput, err error) {
	userID := strings.TrimSpace(in.UserID)
	question := strings.TrimSpace(in.Question)
	if userID == "" || question == "" {
		return AskOutput{}, newError(ErrorInvalidInput, "missing_fields", nil)
	}
	if utf8.RuneCountInString(question) > s.maxQuestionLen {
		return AskOutput{}, newError(ErrorInvalidInput, "question_too_long", nil)
	}

	ctx, span := startSpan(ctx, "CoachService.Ask", attribute.String("correlation_id", in.CorrelationID))
	defer func() { endSpan(span, err) }()
	log := s.logger.With("correlation_id", in.CorrelationID, "user_id", userID)

	var fc domain.FinancialContext
	if err := s.stage(ctx, log, "gather_context", func(ctx context.Context) error {
		var gerr error
		fc, gerr = gatherContext(ctx, s.reader, userID)
		return gerr
	}); err != nil {
		return AskOutput{}, newError(ErrorRetrieval, "context_fetch_error", err)
	}

	var history []domain.Turn
	if err := s.stage(ctx, log, "load_history", func(ctx context.Context) error {
		var herr error
		history, herr = s.history.GetHistory(ctx, userID)
		return herr
	}); err != nil {
		return AskOutput{}, newError(ErrorState, "history_read_error", err)
	}

	seed, err := composeSeed(fc, history)
	if err != nil {
		return AskOutput{}, newError(ErrorInternal, "prompt_compose_error", err)
	}

	var answer string
	if err := s.stage(ctx, log, "generate", func(ctx context.Context) error {
		var merr error
		answer, merr = s.model.Generate(ctx, seed, question, s.genConfig)
		return merr
	}); err != nil {
		if status, ok := upstreamStatusCode(err); ok && status == 429 {
			return AskOutput{}, newError(ErrorRateLimited, "model_rate_limited", err)
		}
		return AskOutput{}, newError(ErrorUpstream, "model_error", err)
	}
	if strings.TrimSpace(answer) == "" {
		return AskOutput{}, newError(ErrorUpstream, "model_empty_response", nil)
	}

	if err := s.stage(ctx, log, "append_history", func(ctx context.Context) error {
		return s.history.AppendExchange(ctx, userID, question, answer)
	}); err != nil {
		return AskOutput{}, newError(ErrorState, "history_write_error", err)
	}

	return AskOutput{Answer: answer}, nil
}

// ClearHistory removes the user's conversation. Clearing an empty history succeeds.
func (s *CoachService) ClearHistory(ctx context.Context, in ClearInput) (err error) {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return newError(ErrorInvalidInput, "missing_user_id", nil)
	}

	ctx, span := startSpan(ctx, "CoachService.ClearHistory", attribute.String("correlation_id", in.CorrelationID))
	defer func() { endSpan(span, err) }()

	if err := s.history.Clear(ctx, userID); err != nil {
		return newError(ErrorState, "history_clear_error", err)
	}
	s.logger.Info("history cleared", "correlation_id", in.CorrelationID, "user_id", userID)
	return nil
}

func (s *CoachService) stage(ctx context.Context, log *slog.Logger, name string, fn func(context.Context) error) error {
	ctx, span := startSpan(ctx, "CoachService."+name)
	start := time.Now()
	err := fn(ctx)
	endSpan(span, err)
	log.Debug("stage finished", "stage", name, "duration_ms", time.Since(start).Milliseconds(), "ok", err == nil)
	return err
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
