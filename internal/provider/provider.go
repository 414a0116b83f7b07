// Package provider calls the LLM that answers memory-augmented requests.
// The memory engine treats the call as opaque: it only needs the returned
// text and token usage.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/John-Rood/MemoryRouter-sub003/pkg/types"
)

// Provider sends a chat completion request to an LLM.
type Provider interface {
	// Name returns the provider identifier (e.g., "openai").
	Name() string
	ChatCompletion(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error)
}

// Config contains provider connection settings.
type Config struct {
	Type    string            `yaml:"type"` // openai or echo
	BaseURL string            `yaml:"base_url"`
	APIKey  string            `yaml:"api_key"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// New builds the provider selected by cfg.Type.
func New(cfg Config) (Provider, error) {
	switch cfg.Type {
	case "", TypeOpenAI:
		return NewOpenAI(cfg)
	case TypeEcho:
		return NewEcho(), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}

// HTTPError is a non-2xx answer from a provider.
type HTTPError struct {
	Provider   string
	StatusCode int
	Type       string
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// ClientStatus is the status the caller should see. Client errors are
// passed through; everything else becomes a bad gateway.
func (e *HTTPError) ClientStatus() int {
	switch e.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusTooManyRequests:
		return e.StatusCode
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
