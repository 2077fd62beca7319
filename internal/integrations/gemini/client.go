package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"

	"risk-coach/internal/domain"
)

const defaultModel = "gemini-1.5-flash"

// KeySource supplies the API key.
type KeySource interface {
	Get(ctx context.Context) (string, error)
}

// chatSession is the part of *genai.Chat used by Client.
type chatSession interface {
	Send(ctx context.Context, parts ...*genai.Part) (*genai.GenerateContentResponse, error)
}

// chatCreator opens a chat seeded with history.
type chatCreator interface {
	Create(ctx context.Context, model string, cfg *genai.GenerateContentConfig, history []*genai.Content) (chatSession, error)
}

type genaiChats struct {
	chats *genai.Chats
}

func (g genaiChats) Create(ctx context.Context, model string, cfg *genai.GenerateContentConfig, history []*genai.Content) (chatSession, error) {
	chat, err := g.chats.Create(ctx, model, cfg, history)
	if err != nil {
		return nil, err
	}
	return chat, nil
}

func newGenaiChats(ctx context.Context, apiKey string) (chatCreator, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	return genaiChats{chats: client.Chats}, nil
}

// StatusError is a Gemini API failure carrying the HTTP status it came with.
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gemini: send: status %d: %v", e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

func (e *StatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client answers one question per call against a fresh chat seeded with the
// caller's turns. No chat state survives between calls.
type Client struct {
	keys  KeySource
	model string

	newCreator func(ctx context.Context, apiKey string) (chatCreator, error)

	mu      sync.Mutex
	creator chatCreator
}

type Option func(*Client)

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(c *Client) {
		if m := strings.TrimSpace(model); m != "" {
			c.model = m
		}
	}
}

// NewClient creates a Client. The genai client is built on first use.
func NewClient(keys KeySource, opts ...Option) (*Client, error) {
	if keys == nil {
		return nil, errors.New("gemini: key source must not be nil")
	}
	c := &Client{
		keys:       keys,
		model:      defaultModel,
		newCreator: newGenaiChats,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// chats returns the shared chat creator, building it on first use. A failure
// is not cached.
func (c *Client) chats(ctx context.Context) (chatCreator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.creator != nil {
		return c.creator, nil
	}
	apiKey, err := c.keys.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("gemini: load api key: %w", err)
	}
	creator, err := c.newCreator(ctx, apiKey)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	c.creator = creator
	return creator, nil
}

// toContents converts seed turns to genai history.
func toContents(seed []domain.Turn) []*genai.Content {
	out := make([]*genai.Content, 0, len(seed))
	for _, t := range seed {
		if t.Role == domain.RoleModel {
			out = append(out, genai.NewContentFromText(t.Text, genai.RoleModel))
			continue
		}
		out = append(out, genai.NewContentFromText(t.Text, genai.RoleUser))
	}
	return out
}

func (c *Client) Generate(ctx context.Context, seed []domain.Turn, question string, cfg domain.GenerationConfig) (string, error) {
	creator, err := c.chats(ctx)
	if err != nil {
		return "", err
	}

	chat, err := creator.Create(ctx, c.model, &genai.GenerateContentConfig{
		MaxOutputTokens: cfg.MaxOutputTokens,
	}, toContents(seed))
	if err != nil {
		return "", fmt.Errorf("gemini: create chat: %w", err)
	}

	resp, err := chat.Send(ctx, &genai.Part{Text: question})
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) && apiErr.Code != 0 {
			return "", &StatusError{StatusCode: apiErr.Code, Err: err}
		}
		return "", fmt.Errorf("gemini: send: %w", err)
	}
	return responseText(resp)
}

// responseText joins the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", errors.New("gemini: empty response")
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("gemini: prompt blocked: %s", resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("gemini: no candidates in response")
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		b.WriteString(part.Text)
	}
	return b.String(), nil
}
