package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// Message is one turn of a chat exchange.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options tunes a single generation call. Zero values defer to the model's
// defaults.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// Provider is the text-generation capability the engine depends on.
type Provider interface {
	// Chat sends the conversation and returns the assistant reply text.
	Chat(ctx context.Context, msgs []Message, opts Options) (string, error)

	// ChatJSON sends the conversation with a JSON-only instruction and
	// decodes the reply into out. Malformed model output fails immediately;
	// retrying the same prompt tends to reproduce the same malformed shape.
	ChatJSON(ctx context.Context, msgs []Message, opts Options, out any) error
}

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = 2 * time.Second
)

// Config configures an OpenAI-compatible chat client.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string

	// MaxRetries bounds transport-level attempts; delay doubles each retry.
	MaxRetries int
	BaseDelay  time.Duration

	Timeout time.Duration
	Logger  *log.Logger
}

// Client talks to an OpenAI-compatible /chat/completions endpoint.
type Client struct {
	http       *http.Client
	baseURL    string
	apiKey     string
	model      string
	maxRetries int
	baseDelay  time.Duration
	logger     *log.Logger

	// sleep is swapped out in tests.
	sleep func(context.Context, time.Duration) error
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[LLM] ", log.LstdFlags)
	}
	return &Client{
		http:       &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		logger:     logger,
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-time.After(d):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Chat performs the completion with bounded retries and exponential backoff.
func (c *Client) Chat(ctx context.Context, msgs []Message, opts Options) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if attempt > 1 {
			delay := c.baseDelay * (1 << (attempt - 2))
			c.logger.Printf("retrying chat (attempt %d/%d) after %s: %v", attempt, c.maxRetries, delay, lastErr)
			if err := c.sleep(ctx, delay); err != nil {
				return "", err
			}
		}
		text, err := c.chatOnce(ctx, msgs, opts)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
	}
	return "", fmt.Errorf("chat failed after %d attempts: %w", c.maxRetries, lastErr)
}

func (c *Client) chatOnce(ctx context.Context, msgs []Message, opts Options) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    msgs,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat api %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("chat api error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("chat response carried no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

const jsonOnlyInstruction = "You must respond with valid JSON only. No prose, no markdown fences, no explanation outside the JSON value."

// ChatJSON wraps Chat with a JSON-only system instruction and decodes the
// reply. Fenced replies are unwrapped before decoding. A reply that still
// fails to decode is returned as an error without another model call.
func (c *Client) ChatJSON(ctx context.Context, msgs []Message, opts Options, out any) error {
	wrapped := make([]Message, 0, len(msgs)+1)
	wrapped = append(wrapped, Message{Role: "system", Content: jsonOnlyInstruction})
	wrapped = append(wrapped, msgs...)

	text, err := c.Chat(ctx, wrapped, opts)
	if err != nil {
		return err
	}
	cleaned := StripCodeFence(text)
	if err := json.Unmarshal([]byte(cleaned), out); err != nil {
		return fmt.Errorf("model returned malformed JSON: %w", err)
	}
	return nil
}

// StripCodeFence removes a surrounding markdown code fence, with or without
// a language tag, from model output.
func StripCodeFence(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		first := strings.TrimSpace(trimmed[:idx])
		if first == "" || isLanguageTag(first) {
			trimmed = trimmed[idx+1:]
		}
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

func isLanguageTag(s string) bool {
	for _, r := range s {
		if !('a' <= r && r <= 'z' || '0' <= r && r <= '9') {
			return false
		}
	}
	return len(s) > 0
}
