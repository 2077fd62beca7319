package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"risk-coach/internal/usecase"
)

const (
	routeChat      = "/api/risk-coach/chat"
	routeClearChat = "/api/risk-coach/clear-chat"
	routeInfo      = "/api/info"

	headerCorrelationID = "X-Correlation-Id"

	errorNotFound         = "NOT_FOUND"
	errorMethodNotAllowed = "METHOD_NOT_ALLOWED"

	msgChatOK          = "Successfully fetched AI response"
	msgCleared         = "Chat history cleared"
	msgInfo            = "API is live"
	msgChatRequired    = "userId and question are required"
	msgUserRequired    = "userId is required"
	msgInvalidBody     = "Invalid request body"
	msgQuestionTooLong = "question is too long"
	msgRateLimited     = "Too many requests, please try again later"
	msgNotFound        = "Route not found"
	msgMethod          = "Method not allowed"
	msgInternal        = "Something went wrong"
)

// CoachUseCase is the application surface the handler drives.
type CoachUseCase interface {
	Ask(ctx context.Context, in usecase.AskInput) (usecase.AskOutput, error)
	ClearHistory(ctx context.Context, in usecase.ClearInput) error
}

type Handler struct {
	uc      CoachUseCase
	logger  *slog.Logger
	timeout time.Duration
}

type Option func(*Handler)

// WithTimeout bounds the time spent on each request. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		h.timeout = d
	}
}

// envelope is the body of every response.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type chatRequest struct {
	UserID   string `json:"userId"`
	Question string `json:"question"`
}

type chatData struct {
	Response string `json:"response"`
}

type clearRequest struct {
	UserID string `json:"userId"`
}

// result is what a route produces before it is written out.
type result struct {
	status int
	body   envelope
	err    error
}

func NewHandler(uc CoachUseCase, logger *slog.Logger, opts ...Option) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{uc: uc, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	start := time.Now()
	correlationID := correlationIDFrom(event.Headers)
	log := h.logger.With("correlation_id", correlationID)

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	path := strings.TrimRight(event.Path, "/")
	res := h.route(ctx, event, path, correlationID)

	attrs := []any{
		"method", event.HTTPMethod,
		"path", path,
		"status", res.status,
		"duration_ms", time.Since(start).Milliseconds(),
	}
	if res.status >= http.StatusInternalServerError {
		log.Error("request failed", append(attrs, "err", res.err)...)
	} else {
		log.Info("request handled", attrs...)
	}

	return respond(res, correlationID), nil
}

func (h *Handler) route(ctx context.Context, event events.APIGatewayProxyRequest, path, correlationID string) result {
	var method string
	switch path {
	case routeChat, routeClearChat:
		method = http.MethodPost
	case routeInfo:
		method = http.MethodGet
	default:
		return failure(http.StatusNotFound, msgNotFound, errorNotFound, nil)
	}
	if !strings.EqualFold(event.HTTPMethod, method) {
		return failure(http.StatusMethodNotAllowed, msgMethod, errorMethodNotAllowed, nil)
	}

	switch path {
	case routeChat:
		return h.chat(ctx, event, correlationID)
	case routeClearChat:
		return h.clearChat(ctx, event, correlationID)
	default:
		return result{status: http.StatusOK, body: envelope{Success: true, Message: msgInfo}}
	}
}

func (h *Handler) chat(ctx context.Context, event events.APIGatewayProxyRequest, correlationID string) result {
	var req chatRequest
	if err := decodeBody(event, &req); err != nil {
		return failure(http.StatusBadRequest, msgInvalidBody, string(usecase.ErrorInvalidInput), err)
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Question) == "" {
		return failure(http.StatusBadRequest, msgChatRequired, string(usecase.ErrorInvalidInput), nil)
	}

	out, err := h.uc.Ask(ctx, usecase.AskInput{
		UserID:        req.UserID,
		Question:      req.Question,
		CorrelationID: correlationID,
	})
	if err != nil {
		return mapError(err, msgChatRequired)
	}
	return result{status: http.StatusOK, body: envelope{
		Success: true,
		Message: msgChatOK,
		Data:    chatData{Response: out.Answer},
	}}
}

func (h *Handler) clearChat(ctx context.Context, event events.APIGatewayProxyRequest, correlationID string) result {
	var req clearRequest
	if err := decodeBody(event, &req); err != nil {
		return failure(http.StatusBadRequest, msgInvalidBody, string(usecase.ErrorInvalidInput), err)
	}
	if strings.TrimSpace(req.UserID) == "" {
		return failure(http.StatusBadRequest, msgUserRequired, string(usecase.ErrorInvalidInput), nil)
	}

	if err := h.uc.ClearHistory(ctx, usecase.ClearInput{UserID: req.UserID, CorrelationID: correlationID}); err != nil {
		return mapError(err, msgUserRequired)
	}
	return result{status: http.StatusOK, body: envelope{
		Success: true,
		Message: msgCleared,
		Data:    map[string]any{},
	}}
}

// mapError translates a use case failure to a status. Only validation
// failures carry a specific message; everything else is generic.
func mapError(err error, invalidMsg string) result {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		return failure(http.StatusInternalServerError, msgInternal, string(usecase.ErrorInternal), err)
	}
	switch ucErr.Code {
	case usecase.ErrorInvalidInput:
		if ucErr.Reason == "question_too_long" {
			invalidMsg = msgQuestionTooLong
		}
		return failure(http.StatusBadRequest, invalidMsg, string(ucErr.Code), err)
	case usecase.ErrorRateLimited:
		return failure(http.StatusTooManyRequests, msgRateLimited, string(ucErr.Code), err)
	default:
		return failure(http.StatusInternalServerError, msgInternal, string(ucErr.Code), err)
	}
}

func failure(status int, message, code string, err error) result {
	return result{
		status: status,
		body:   envelope{Success: false, Message: message, Error: code},
		err:    err,
	}
}

func decodeBody(event events.APIGatewayProxyRequest, v any) error {
	raw := []byte(event.Body)
	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(event.Body)
		if err != nil {
			return err
		}
		raw = decoded
	}
	return json.Unmarshal(raw, v)
}

func respond(res result, correlationID string) events.APIGatewayProxyResponse {
	body, err := json.Marshal(res.body)
	if err != nil {
		res.status = http.StatusInternalServerError
		body = []byte(`{"success":false,"message":"` + msgInternal + `","error":"` + string(usecase.ErrorInternal) + `"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: res.status,
		Headers: map[string]string{
			"Content-Type":      "application/json",
			headerCorrelationID: correlationID,
		},
		Body: string(body),
	}
}

func correlationIDFrom(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, headerCorrelationID) {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return newUUID()
}

var newUUID = func() string {
	return uuid.NewString()
}
