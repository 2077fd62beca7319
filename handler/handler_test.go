package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"risk-coach/internal/usecase"
)

type stubUseCase struct {
	out      usecase.AskOutput
	err      error
	clearErr error

	in        usecase.AskInput
	clearIn   usecase.ClearInput
	askCalls  int
	clearCall int
	deadline  bool
}

func (s *stubUseCase) Ask(ctx context.Context, in usecase.AskInput) (usecase.AskOutput, error) {
	s.askCalls++
	s.in = in
	_, s.deadline = ctx.Deadline()
	return s.out, s.err
}

func (s *stubUseCase) ClearHistory(_ context.Context, in usecase.ClearInput) error {
	s.clearCall++
	s.clearIn = in
	return s.clearErr
}

func makeEvent(method, path, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: method,
		Path:       path,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func chatEvent(body string) events.APIGatewayProxyRequest {
	return makeEvent(http.MethodPost, routeChat, body)
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func newTestHandler(t *testing.T, uc CoachUseCase, opts ...Option) (*Handler, *bytes.Buffer) {
	t.Helper()
	var logs bytes.Buffer
	h, err := NewHandler(uc, slog.New(slog.NewJSONHandler(&logs, nil)), opts...)
	require.NoError(t, err)
	return h, &logs
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil, nil)
	require.Error(t, err)
}

func TestHandle_Chat_HappyPath(t *testing.T) {
	uc := &stubUseCase{out: usecase.AskOutput{Answer: "Risk Meter: HIGH"}}
	h, _ := newTestHandler(t, uc)

	event := chatEvent(`{"userId":"u1","question":"Why is my portfolio risky?"}`)
	event.Headers["X-Correlation-Id"] = "corr-1"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, usecase.AskInput{UserID: "u1", Question: "Why is my portfolio risky?", CorrelationID: "corr-1"}, uc.in)

	require.JSONEq(t, `{"success":true,"message":"Successfully fetched AI response","data":{"response":"Risk Meter: HIGH"}}`, resp.Body)
	require.Equal(t, "corr-1", resp.Headers["X-Correlation-Id"])
	require.Equal(t, "application/json", resp.Headers["Content-Type"])
}

func TestHandle_Chat_Base64Body(t *testing.T) {
	uc := &stubUseCase{out: usecase.AskOutput{Answer: "ok"}}
	h, _ := newTestHandler(t, uc)

	event := chatEvent(base64.StdEncoding.EncodeToString([]byte(`{"userId":"u1","question":"q"}`)))
	event.IsBase64Encoded = true
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "q", uc.in.Question)
}

func TestHandle_Chat_InvalidBody(t *testing.T) {
	for _, event := range []events.APIGatewayProxyRequest{
		chatEvent(`not-json`),
		{HTTPMethod: http.MethodPost, Path: routeChat, Body: "%%%", IsBase64Encoded: true},
	} {
		uc := &stubUseCase{}
		h, _ := newTestHandler(t, uc)

		resp, err := h.Handle(context.Background(), event)
		require.NoError(t, err)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)

		out := parseBody[envelope](t, resp.Body)
		require.False(t, out.Success)
		require.Equal(t, string(usecase.ErrorInvalidInput), out.Error)
		require.Zero(t, uc.askCalls)
	}
}

func TestHandle_Chat_MissingFields(t *testing.T) {
	for _, body := range []string{`{}`, `{"userId":"u1"}`, `{"question":"q"}`, `{"userId":" ","question":"q"}`} {
		uc := &stubUseCase{}
		h, _ := newTestHandler(t, uc)

		resp, err := h.Handle(context.Background(), chatEvent(body))
		require.NoError(t, err)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		out := parseBody[envelope](t, resp.Body)
		require.Equal(t, "userId and question are required", out.Message)
		require.Zero(t, uc.askCalls)
	}
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		status  int
		code    string
		message string
	}{
		{"invalid input", &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "missing_fields"}, http.StatusBadRequest, string(usecase.ErrorInvalidInput), msgChatRequired},
		{"too long", &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "question_too_long"}, http.StatusBadRequest, string(usecase.ErrorInvalidInput), msgQuestionTooLong},
		{"rate limited", &usecase.Error{Code: usecase.ErrorRateLimited, Reason: "model_rate_limited"}, http.StatusTooManyRequests, string(usecase.ErrorRateLimited), msgRateLimited},
		{"upstream", &usecase.Error{Code: usecase.ErrorUpstream, Reason: "model_error", Err: errors.New("gemini: quota for key AIza-secret")}, http.StatusInternalServerError, string(usecase.ErrorUpstream), msgInternal},
		{"retrieval", &usecase.Error{Code: usecase.ErrorRetrieval, Reason: "context_fetch_error", Err: errors.New("pq: relation does not exist")}, http.StatusInternalServerError, string(usecase.ErrorRetrieval), msgInternal},
		{"state", &usecase.Error{Code: usecase.ErrorState, Reason: "history_write_error"}, http.StatusInternalServerError, string(usecase.ErrorState), msgInternal},
		{"internal", &usecase.Error{Code: usecase.ErrorInternal, Reason: "prompt_compose_error"}, http.StatusInternalServerError, string(usecase.ErrorInternal), msgInternal},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, string(usecase.ErrorInternal), msgInternal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			uc := &stubUseCase{err: tc.err}
			h, _ := newTestHandler(t, uc)

			resp, err := h.Handle(context.Background(), chatEvent(`{"userId":"u1","question":"q"}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[envelope](t, resp.Body)
			require.False(t, out.Success)
			require.Equal(t, tc.code, out.Error)
			require.Equal(t, tc.message, out.Message)
			require.NotContains(t, resp.Body, "AIza-secret")
			require.NotContains(t, resp.Body, "pq:")
		})
	}
}

func TestHandle_ClearChat(t *testing.T) {
	uc := &stubUseCase{}
	h, _ := newTestHandler(t, uc)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, routeClearChat, `{"userId":"u1"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"success":true,"message":"Chat history cleared","data":{}}`, resp.Body)
	require.Equal(t, "u1", uc.clearIn.UserID)
	require.NotEmpty(t, uc.clearIn.CorrelationID)
}

func TestHandle_ClearChat_Errors(t *testing.T) {
	uc := &stubUseCase{}
	h, _ := newTestHandler(t, uc)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, routeClearChat, `{}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "userId is required", parseBody[envelope](t, resp.Body).Message)
	require.Zero(t, uc.clearCall)

	uc.clearErr = &usecase.Error{Code: usecase.ErrorState, Reason: "history_clear_error"}
	resp, err = h.Handle(context.Background(), makeEvent(http.MethodPost, routeClearChat, `{"userId":"u1"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Equal(t, msgInternal, parseBody[envelope](t, resp.Body).Message)
}

func TestHandle_Info(t *testing.T) {
	h, _ := newTestHandler(t, &stubUseCase{})
	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/api/info/", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"success":true,"message":"API is live"}`, resp.Body)
}

func TestHandle_RoutingErrors(t *testing.T) {
	h, _ := newTestHandler(t, &stubUseCase{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/api/unknown", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, errorNotFound, parseBody[envelope](t, resp.Body).Error)

	resp, err = h.Handle(context.Background(), makeEvent(http.MethodGet, routeChat, ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	require.Equal(t, errorMethodNotAllowed, parseBody[envelope](t, resp.Body).Error)
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	uc := &stubUseCase{out: usecase.AskOutput{Answer: "ok"}}
	h, _ := newTestHandler(t, uc)

	event := chatEvent(`{"userId":"u1","question":"q"}`)
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
	require.Equal(t, "corr-123", uc.in.CorrelationID)
}

func TestHandle_GeneratesCorrelationID(t *testing.T) {
	orig := newUUID
	newUUID = func() string { return "generated-id" }
	t.Cleanup(func() { newUUID = orig })

	uc := &stubUseCase{out: usecase.AskOutput{Answer: "ok"}}
	h, logs := newTestHandler(t, uc)

	resp, err := h.Handle(context.Background(), chatEvent(`{"userId":"u1","question":"q"}`))
	require.NoError(t, err)
	require.Equal(t, "generated-id", resp.Headers["X-Correlation-Id"])
	require.Equal(t, "generated-id", uc.in.CorrelationID)
	require.Contains(t, logs.String(), `"correlation_id":"generated-id"`)
}

func TestHandle_LogsRequests(t *testing.T) {
	uc := &stubUseCase{err: &usecase.Error{Code: usecase.ErrorUpstream, Reason: "model_error", Err: errors.New("deadline exceeded")}}
	h, logs := newTestHandler(t, uc)

	_, err := h.Handle(context.Background(), chatEvent(`{"userId":"u1","question":"q"}`))
	require.NoError(t, err)

	line := logs.String()
	require.Contains(t, line, `"level":"ERROR"`)
	require.Contains(t, line, `"path":"/api/risk-coach/chat"`)
	require.Contains(t, line, `"status":500`)
	require.Contains(t, line, "deadline exceeded")
	require.True(t, strings.Contains(line, `"duration_ms"`))
}

func TestHandle_AppliesTimeout(t *testing.T) {
	uc := &stubUseCase{out: usecase.AskOutput{Answer: "ok"}}
	h, _ := newTestHandler(t, uc, WithTimeout(time.Second))

	_, err := h.Handle(context.Background(), chatEvent(`{"userId":"u1","question":"q"}`))
	require.NoError(t, err)
	require.True(t, uc.deadline)
}
