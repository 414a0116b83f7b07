// Package pipeline wraps a chat completion with memory: the last user
// message is embedded, relevant context is retrieved and injected into the
// request, and the new turns are stored for later retrieval.
//
// Memory never fails a completion. Embedding, retrieval and storage errors
// and budget overruns degrade the injected context; only a provider failure
// is returned to the caller.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/John-Rood/MemoryRouter-sub003/internal/embedding"
	"github.com/John-Rood/MemoryRouter-sub003/internal/memory"
	"github.com/John-Rood/MemoryRouter-sub003/internal/metrics"
	"github.com/John-Rood/MemoryRouter-sub003/internal/observability"
	"github.com/John-Rood/MemoryRouter-sub003/internal/provider"
	"github.com/John-Rood/MemoryRouter-sub003/internal/tokenizer"
	mrerrors "github.com/John-Rood/MemoryRouter-sub003/pkg/errors"
	"github.com/John-Rood/MemoryRouter-sub003/pkg/types"
)

// ErrMissingKey is returned when Complete is called without a memory key.
var ErrMissingKey = errors.New("memory key is required")

// DefaultContextHeader introduces the injected memory.
const DefaultContextHeader = "Relevant memory from earlier conversations with this user:"

// Memory is the part of memory.Registry the pipeline uses.
type Memory interface {
	Retrieve(ctx context.Context, key string, req memory.RetrieveRequest) (memory.RetrieveResult, error)
	StoreAsync(key string, turn memory.Turn) (<-chan memory.StoreOutcome, error)
}

// Budgets bound the time memory may add to a completion.
type Budgets struct {
	// Overhead bounds retrieval plus context injection.
	Overhead time.Duration `yaml:"overhead"`
	// SoftOverhead is the overhead above which a warning is logged.
	SoftOverhead time.Duration `yaml:"soft_overhead"`
	// Processing bounds embedding, overhead and storing the user turn.
	Processing time.Duration `yaml:"processing"`
}

// DefaultBudgets returns 100ms overhead (50ms soft) and 200ms processing.
func DefaultBudgets() Budgets {
	return Budgets{
		Overhead:     100 * time.Millisecond,
		SoftOverhead: 50 * time.Millisecond,
		Processing:   200 * time.Millisecond,
	}
}

// Options configures a Pipeline.
type Options struct {
	Budgets Budgets
	// TokenBudget caps the injected context. Zero uses the actor default.
	TokenBudget   int
	TopK          int
	Mode          memory.Mode
	ContextHeader string
	Tracer        trace.Tracer
	Logger        *slog.Logger
}

// Pipeline runs memory-augmented completions.
type Pipeline struct {
	mem      Memory
	embedder embedding.Embedder
	provider provider.Provider
	opts     Options
	tracer   trace.Tracer
	logger   *slog.Logger
}

// New creates a Pipeline.
func New(mem Memory, embedder embedding.Embedder, prov provider.Provider, opts Options) *Pipeline {
	d := DefaultBudgets()
	if opts.Budgets.Overhead <= 0 {
		opts.Budgets.Overhead = d.Overhead
	}
	if opts.Budgets.SoftOverhead <= 0 || opts.Budgets.SoftOverhead > opts.Budgets.Overhead {
		opts.Budgets.SoftOverhead = opts.Budgets.Overhead / 2
	}
	if opts.Budgets.Processing <= 0 {
		opts.Budgets.Processing = d.Processing
	}
	if opts.ContextHeader == "" {
		opts.ContextHeader = DefaultContextHeader
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(observability.TracerName)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pipeline{
		mem:      mem,
		embedder: embedder,
		provider: prov,
		opts:     opts,
		tracer:   opts.Tracer,
		logger:   opts.Logger,
	}
}

// Complete answers req with memory for key injected. The returned report
// is non-nil whenever the request was valid, also when the provider failed.
func (p *Pipeline) Complete(ctx context.Context, key string, req *types.ChatRequest) (*types.ChatResponse, *types.MemoryReport, error) {
	if strings.TrimSpace(key) == "" {
		return nil, nil, ErrMissingKey
	}
	if req == nil {
		return nil, nil, errors.New("request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}

	ctx, span := p.tracer.Start(ctx, "memory.complete", trace.WithAttributes(
		attribute.String("memory.key", key),
		attribute.String("gen_ai.request.model", req.Model),
	))
	defer span.End()

	logger := p.logger.With("memory_key", key)
	if id := observability.RequestIDFromContext(ctx); id != "" {
		logger = logger.With("request_id", id)
	}
	report := &types.MemoryReport{MemoryKey: key}

	augmented, userTurn := p.prepare(ctx, logger, key, req, report)
	span.SetAttributes(attribute.Float64("memory.processing_ms", report.Latency.MRProcessingMs))

	providerStart := time.Now()
	resp, err := p.callProvider(ctx, key, req, augmented)
	report.Latency.ProviderMs = ms(time.Since(providerStart))
	metrics.RecordPipelineLatency("provider_ms", report.Latency.ProviderMs)
	if err != nil {
		observability.RecordError(span, err)
		logger.Error("provider call failed, assistant turn not stored",
			"provider", p.provider.Name(), "user_turn_stored", userTurn, "error", err)
		return nil, report, err
	}

	if text := resp.AssistantText(); text != "" {
		if _, err := p.mem.StoreAsync(key, memory.Turn{Role: "assistant", Content: text}); err != nil {
			logger.Warn("assistant turn not stored", "error", err)
		}
	}
	return resp, report, nil
}

// prepare runs every memory stage before the provider call and fills the
// memory part of report. It reports whether the user turn was queued.
func (p *Pipeline) prepare(ctx context.Context, logger *slog.Logger, key string, req *types.ChatRequest, report *types.MemoryReport) (*types.ChatRequest, bool) {
	start := time.Now()
	procCtx, cancel := context.WithTimeout(ctx, p.opts.Budgets.Processing)
	defer cancel()

	idx, query := req.LastUserMessage()

	embedStart := time.Now()
	vec := p.embedQuery(procCtx, logger, key, query, report)
	report.Latency.EmbeddingMs = ms(time.Since(embedStart))

	overheadStart := time.Now()
	res := p.retrieve(procCtx, logger, key, vec, report)
	augmented := inject(req, p.opts.ContextHeader, res.Text())
	overhead := time.Since(overheadStart)
	report.Latency.MROverheadMs = ms(overhead)

	switch {
	case overhead > p.opts.Budgets.Overhead:
		p.exceeded(logger, key, "overhead", overhead, p.opts.Budgets.Overhead)
	case overhead > p.opts.Budgets.SoftOverhead:
		logger.Warn("memory overhead above soft budget",
			"overhead_ms", ms(overhead), "soft_budget_ms", ms(p.opts.Budgets.SoftOverhead))
	}

	stored := false
	if idx >= 0 && strings.TrimSpace(query) != "" {
		stored = p.storeUserTurn(procCtx, logger, key, query)
	}

	processing := time.Since(start)
	report.Latency.MRProcessingMs = ms(processing)
	if processing > p.opts.Budgets.Processing {
		p.exceeded(logger, key, "processing", processing, p.opts.Budgets.Processing)
	}

	metrics.RecordPipelineLatency("embedding_ms", report.Latency.EmbeddingMs)
	metrics.RecordPipelineLatency("mr_overhead_ms", report.Latency.MROverheadMs)
	metrics.RecordPipelineLatency("mr_processing_ms", report.Latency.MRProcessingMs)
	return augmented, stored
}

func (p *Pipeline) embedQuery(ctx context.Context, logger *slog.Logger, key, query string, report *types.MemoryReport) []float32 {
	if strings.TrimSpace(query) == "" || p.embedder == nil {
		return nil
	}
	ctx, span := p.tracer.Start(ctx, "memory.embed")
	defer span.End()

	start := time.Now()
	vec, err := p.embedder.Embed(ctx, query)
	if err == nil {
		err = embedding.Validate(vec, p.embedder.Dimension())
	}
	if err != nil {
		if ctx.Err() != nil {
			p.exceeded(logger, key, "embedding", time.Since(start), p.opts.Budgets.Processing)
		}
		merr := mrerrors.NewEmbeddingFailure(key, "query embedding failed", err)
		observability.RecordError(span, merr)
		logger.Warn("query embedding failed, retrieving without similarity search", "error", merr)
		metrics.EmbeddingFailures.Inc()
		report.Degraded = true
		return nil
	}
	return vec
}

func (p *Pipeline) retrieve(ctx context.Context, logger *slog.Logger, key string, vec []float32, report *types.MemoryReport) memory.RetrieveResult {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Budgets.Overhead)
	defer cancel()
	ctx, span := p.tracer.Start(ctx, "memory.retrieve")
	defer span.End()

	res, err := p.mem.Retrieve(ctx, key, memory.RetrieveRequest{
		Query:       vec,
		TokenBudget: p.opts.TokenBudget,
		K:           p.opts.TopK,
		Mode:        p.opts.Mode,
	})
	if err != nil {
		observability.RecordError(span, err)
		logger.Warn("memory retrieval failed, continuing without context", "error", err)
		report.Degraded = true
		return memory.RetrieveResult{}
	}

	report.TokensRetrieved = res.TokensRetrieved
	report.ChunksRetrieved = res.ChunksRetrieved
	report.WindowBreakdown = types.WindowBreakdown{
		Hot:      res.Breakdown.Hot,
		Working:  res.Breakdown.Working,
		Longterm: res.Breakdown.Longterm,
		Archive:  res.Breakdown.Archive,
	}
	report.Degraded = report.Degraded || res.Degraded
	observability.RecordRetrieval(span, res.TokensRetrieved, res.ChunksRetrieved, res.Degraded)
	return res
}

// storeUserTurn queues the user turn and waits for it within the budget.
// A store that outlives the budget still completes in the background.
func (p *Pipeline) storeUserTurn(ctx context.Context, logger *slog.Logger, key, text string) bool {
	start := time.Now()
	ch, err := p.mem.StoreAsync(key, memory.Turn{Role: "user", Content: text})
	if err != nil {
		logger.Warn("user turn not stored", "error", err)
		return false
	}
	select {
	case out := <-ch:
		if out.Err != nil {
			logger.Warn("user turn not stored", "error", out.Err)
			return false
		}
		if out.Result.SyncLag > 0 {
			logger.Debug("user turn stored ahead of durable store", "sync_lag", out.Result.SyncLag)
		}
	case <-ctx.Done():
		p.exceeded(logger, key, "store", time.Since(start), p.opts.Budgets.Processing)
	}
	return true
}

func (p *Pipeline) callProvider(ctx context.Context, key string, req, augmented *types.ChatRequest) (*types.ChatResponse, error) {
	name := p.provider.Name()
	ctx, span := observability.StartProviderSpan(ctx, p.tracer, "provider.chat_completion", observability.ProviderSpanAttributes{
		Provider:  name,
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		MemoryKey: key,
	})
	defer span.End()

	resp, err := p.provider.ChatCompletion(ctx, augmented)
	metrics.RecordProviderCall(name, req.Model, err)
	if err != nil {
		observability.RecordError(span, err)
		return nil, mrerrors.NewProviderFailure(key, err)
	}

	tokenizer.FillUsage(req.Model, augmented, resp)
	finish := ""
	if len(resp.Choices) > 0 {
		finish = resp.Choices[0].FinishReason
	}
	if resp.Usage != nil {
		metrics.RecordTokens(name, req.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		observability.RecordProviderResponse(span, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, finish)
	}
	return resp, nil
}

func (p *Pipeline) exceeded(logger *slog.Logger, key, stage string, took, budget time.Duration) {
	metrics.RecordBudgetExceeded(stage)
	err := mrerrors.NewBudgetExceeded(key, stage, fmt.Errorf("took %s, budget %s", took, budget))
	logger.Warn("memory budget exceeded, using partial results", "stage", stage, "error", err)
}

// inject returns a copy of req with text added as a system message after
// any leading system messages. req itself is not modified.
func inject(req *types.ChatRequest, header, text string) *types.ChatRequest {
	out := *req
	if strings.TrimSpace(text) == "" {
		return &out
	}
	i := 0
	for i < len(req.Messages) && req.Messages[i].Role == "system" {
		i++
	}
	msgs := make([]types.ChatMessage, 0, len(req.Messages)+1)
	msgs = append(msgs, req.Messages[:i]...)
	msgs = append(msgs, types.NewTextMessage("system", header+"\n\n"+text))
	msgs = append(msgs, req.Messages[i:]...)
	out.Messages = msgs
	return &out
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
