package embedding

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"
)

// maxServiceBatch is the largest batch the embedding service accepts.
const maxServiceBatch = 100

// ServiceConfig configures an HTTPEmbedder.
type ServiceConfig struct {
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	Dimension int           `yaml:"dimension"`
	Normalize bool          `yaml:"normalize"`
	Timeout   time.Duration `yaml:"timeout"`
	// RequestsPerSecond caps outgoing calls; 0 disables the limiter.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// HTTPEmbedder calls a self-hosted sentence-embedding service:
//
//	POST {base}/embed {"texts": [...], "normalize": true}
//	→ {"embeddings": [[...]], "dims": 1024, "count": 1, "model": "...", "latency_ms": 12.3}
type HTTPEmbedder struct {
	client    *http.Client
	baseURL   string
	apiKey    string
	dim       int
	normalize bool
	limiter   *rate.Limiter
}

// NewHTTPEmbedder creates a client for the embedding service.
func NewHTTPEmbedder(cfg ServiceConfig) (*HTTPEmbedder, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("embedding service base_url is required")
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	e := &HTTPEmbedder{
		client:    &http.Client{Timeout: cfg.Timeout},
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		dim:       cfg.Dimension,
		normalize: cfg.Normalize,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return e, nil
}

// Dimension returns the configured vector length.
func (e *HTTPEmbedder) Dimension() int { return e.dim }

// Embed vectorizes a single text.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch vectorizes texts, splitting them into service-sized batches.
func (e *HTTPEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxServiceBatch {
		end := start + maxServiceBatch
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := e.call(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

type serviceRequest struct {
	Texts     []string `json:"texts"`
	Normalize bool     `json:"normalize"`
}

type serviceResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Dims       int         `json:"dims"`
	Count      int         `json:"count"`
	Model      string      `json:"model"`
	LatencyMs  float64     `json:"latency_ms"`
}

func (e *HTTPEmbedder) call(ctx context.Context, texts []string) ([][]float32, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("embedding rate limit: %w", err)
		}
	}

	body, err := json.Marshal(serviceRequest{Texts: texts, Normalize: e.normalize})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embedding failed: status=%d, body=%s", resp.StatusCode, string(msg))
	}

	var parsed serviceResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding service returned %d vectors for %d texts", len(parsed.Embeddings), len(texts))
	}
	for i, vec := range parsed.Embeddings {
		if err := Validate(vec, e.dim); err != nil {
			return nil, fmt.Errorf("embedding %d: %w", i, err)
		}
	}
	return parsed.Embeddings, nil
}

// Health calls GET {base}/health.
func (e *HTTPEmbedder) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("health request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("embedding service unhealthy: status=%d", resp.StatusCode)
	}
	return nil
}
