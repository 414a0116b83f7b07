package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/John-Rood/MemoryRouter-sub003/pkg/types"
)

const (
	// TypeOpenAI selects the OpenAI-compatible HTTP client.
	TypeOpenAI = "openai"
	// DefaultBaseURL is the default OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com/v1"
)

// OpenAI talks to any OpenAI-compatible /chat/completions endpoint.
type OpenAI struct {
	apiKey  string
	baseURL string
	headers map[string]string
	client  *http.Client
}

// NewOpenAI creates an OpenAI-compatible provider.
func NewOpenAI(cfg Config) (*OpenAI, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OpenAI{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		headers: cfg.Headers,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// Name returns the provider identifier.
func (p *OpenAI) Name() string {
	return TypeOpenAI
}

// ChatCompletion sends req and parses the answer. Streaming is not
// supported; the stream flag is cleared before sending.
func (p *OpenAI) ChatCompletion(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	httpReq, err := p.BuildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", p.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, p.MapError(resp.StatusCode, body)
	}
	return p.ParseResponse(resp)
}

// BuildRequest creates an HTTP request for the chat completions API.
func (p *OpenAI) BuildRequest(ctx context.Context, req *types.ChatRequest) (*http.Request, error) {
	out := *req
	out.Stream = false

	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

// ParseResponse decodes a chat completion response.
func (p *OpenAI) ParseResponse(resp *http.Response) (*types.ChatResponse, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var chatResp types.ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("%s returned no choices", p.Name())
	}
	return &chatResp, nil
}

// MapError converts an OpenAI error body into an HTTPError.
func (p *OpenAI) MapError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}

	herr := &HTTPError{Provider: p.Name(), StatusCode: statusCode, Message: "unknown error"}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		herr.Message = errResp.Error.Message
		herr.Type = errResp.Error.Type
	} else if len(body) > 0 {
		herr.Message = strings.TrimSpace(string(body))
	}
	return herr
}
