package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"risk-coach/internal/domain"
	"risk-coach/internal/integrations/paramstore"
)

func TestChatURL(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"https://api.openai.com/v1", "https://api.openai.com/v1/chat/completions"},
		{"https://api.openai.com/v1/", "https://api.openai.com/v1/chat/completions"},
		{"http://localhost:8080", "http://localhost:8080/v1/chat/completions"},
		{"", "https://api.openai.com/v1/chat/completions"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, chatURL(tc.base), "base=%q", tc.base)
	}
}

func TestNewClient_NilKeySource(t *testing.T) {
	_, err := NewClient(nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "nil")
}

func TestNewClient_Defaults(t *testing.T) {
	c, err := NewClient(paramstore.StaticToken("sk-test"))
	require.NoError(t, err)
	require.Equal(t, defaultBaseURL, c.baseURL)
	require.Equal(t, defaultModel, c.model)

	c, err = NewClient(paramstore.StaticToken("sk-test"), WithModel("gpt-4.1-mini"))
	require.NoError(t, err)
	require.Equal(t, "gpt-4.1-mini", c.model)
}

func TestToMessages_MapsRoles(t *testing.T) {
	msgs := toMessages([]domain.Turn{
		{Role: domain.RoleUser, Text: "persona"},
		{Role: domain.RoleModel, Text: "ack"},
	}, "question")
	require.Equal(t, []message{
		{Role: "user", Content: "persona"},
		{Role: "assistant", Content: "ack"},
		{Role: "user", Content: "question"},
	}, msgs)
}

type failingKeys struct{ err error }

func (f failingKeys) Get(context.Context) (string, error) { return "", f.err }

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(
		paramstore.StaticToken("sk-test"),
		WithBaseURL(srv.URL),
		WithModel("gpt-mock"),
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
	)
	require.NoError(t, err)
	return c
}

func TestClient_Generate_HappyPath(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-123",
			"choices": [{
				"index": 0,
				"message": { "role": "assistant", "content": "Risk Meter: HIGH" },
				"finish_reason": "stop"
			}]
		}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	seed := []domain.Turn{
		{Role: domain.RoleUser, Text: "persona"},
		{Role: domain.RoleModel, Text: "ack"},
	}
	resp, err := c.Generate(context.Background(), seed, "How risky am I?", domain.GenerationConfig{MaxOutputTokens: 1000})
	require.NoError(t, err)
	require.Equal(t, "Risk Meter: HIGH", resp)

	require.Equal(t, "gpt-mock", got.Model)
	require.Equal(t, int32(1000), got.MaxTokens)
	require.Len(t, got.Messages, 3)
	require.Equal(t, "assistant", got.Messages[1].Role)
	require.Equal(t, "How risky am I?", got.Messages[2].Content)
}

func TestClient_Generate_KeyError(t *testing.T) {
	c, err := NewClient(failingKeys{err: errors.New("ssm unavailable")})
	require.NoError(t, err)
	_, err = c.Generate(context.Background(), nil, "q", domain.GenerationConfig{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "ssm unavailable")
}

func TestClient_Generate_StatusErrors(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusTooManyRequests, http.StatusInternalServerError} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"upstream"}`))
		}))

		c := newTestClient(t, srv)
		_, err := c.Generate(context.Background(), nil, "q", domain.GenerationConfig{})
		srv.Close()

		var statusErr *HTTPStatusError
		require.ErrorAs(t, err, &statusErr)
		require.Equal(t, status, statusErr.HTTPStatusCode())
		require.Contains(t, err.Error(), "unexpected status")
	}
}

func TestClient_Generate_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`not-a-json`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Generate(context.Background(), nil, "q", domain.GenerationConfig{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "decode response")
}

func TestClient_Generate_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Generate(context.Background(), nil, "q", domain.GenerationConfig{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no choices")
}

func TestClient_Generate_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	c.httpClient = &http.Client{Timeout: 50 * time.Millisecond}
	_, err := c.Generate(context.Background(), nil, "q", domain.GenerationConfig{})
	require.Error(t, err)
}

func TestClient_Generate_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"late"}}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Generate(ctx, nil, "q", domain.GenerationConfig{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestClient_Generate_NetworkError(t *testing.T) {
	c, err := NewClient(paramstore.StaticToken("sk-test"), WithBaseURL("http://127.0.0.1:1"),
		WithHTTPClient(&http.Client{Timeout: 100 * time.Millisecond}))
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), nil, "q", domain.GenerationConfig{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "request failed")
}
