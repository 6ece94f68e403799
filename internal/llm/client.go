// Package llm drives the language-model normalization step: an OpenAI-style
// chat completion client, the per-store runtime gate, and the step-2 prompt
// that turns parsed lines plus candidates into a structured result.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/orderdesk/posgate/pkg/models"
)

// ErrTimeout marks a completion that ran out of time, either via the request
// context or the client's own timeout.
var ErrTimeout = errors.New("llm completion timed out")

// Client produces one completion for one prompt. Implementations must return
// the raw assistant text; callers own JSON parsing and retries.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	completionTokens = 900
)

// OpenAIClient calls the chat completions API with JSON-mode output.
type OpenAIClient struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// OpenAIOption configures the client.
type OpenAIOption func(*OpenAIClient)

// WithBaseURL points the client at a proxy or compatible endpoint.
func WithBaseURL(baseURL string) OpenAIOption {
	return func(c *OpenAIClient) {
		if baseURL != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(client *http.Client) OpenAIOption {
	return func(c *OpenAIClient) { c.client = client }
}

// NewOpenAIClient creates a chat completion client. Timeout bounds one
// request end to end.
func NewOpenAIClient(apiKey, model string, timeout time.Duration, opts ...OpenAIOption) *OpenAIClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := &OpenAIClient{
		baseURL: defaultBaseURL,
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	MaxTokens      int           `json:"max_tokens"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete sends one user message and returns the assistant text.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	payload := chatRequest{
		Model:       c.model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: 0,
		MaxTokens:   completionTokens,
	}
	payload.ResponseFormat.Type = "json_object"

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return "", fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat completions API returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result chatResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if result.Error != nil {
		return "", fmt.Errorf("chat completions API error: %s", result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return "", errors.New("chat completions API returned no choices")
	}
	return result.Choices[0].Message.Content, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Runtime is the resolved per-request LLM gate: whether the model step runs,
// and why not when it doesn't.
type Runtime struct {
	Client   Client
	Enabled  bool
	Reason   string
	Model    string
	TimeoutS float64
}

// Runtime gate reasons.
const (
	ReasonReady               = "ready"
	ReasonDisabled            = "env_disabled"
	ReasonUnsupportedProvider = "unsupported_provider"
	ReasonMissingAPIKey       = "missing_api_key"
)

// BuildRuntime resolves the effective gate from a store's llm_config plus the
// process-level base URL. Enabled nil means auto: on iff an api key exists.
func BuildRuntime(cfg models.LLMConfig, apiKey, baseURL string) Runtime {
	runtime := Runtime{Model: cfg.Model, TimeoutS: cfg.TimeoutS}
	if runtime.TimeoutS <= 0 {
		runtime.TimeoutS = 15
	}

	if cfg.Enabled != nil && !*cfg.Enabled {
		runtime.Reason = ReasonDisabled
		return runtime
	}
	if cfg.Provider != "" && cfg.Provider != "openai" {
		runtime.Reason = ReasonUnsupportedProvider
		return runtime
	}
	if apiKey == "" {
		runtime.Reason = ReasonMissingAPIKey
		return runtime
	}

	runtime.Enabled = true
	runtime.Reason = ReasonReady
	runtime.Client = NewOpenAIClient(apiKey, cfg.Model,
		time.Duration(runtime.TimeoutS*float64(time.Second)), WithBaseURL(baseURL))
	return runtime
}
