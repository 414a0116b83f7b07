package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/John-Rood/MemoryRouter-sub003/internal/chunker"
	"github.com/John-Rood/MemoryRouter-sub003/internal/kronos"
	"github.com/John-Rood/MemoryRouter-sub003/internal/metrics"
	"github.com/John-Rood/MemoryRouter-sub003/internal/snapshot"
)

// Degradation reasons.
const (
	reasonUnavailable = "unavailable"
	reasonDeadline    = "deadline"
	reasonSearch      = "search"
)

// Retrieve returns the context for a query: the unindexed buffer and retry
// queue first, then indexed chunks by score, cut to the token budget.
//
// Retrieve does not fail on internal errors. If the index is unavailable,
// or ctx ends while the key is busy with earlier work, the result holds
// only the last published buffer state and is marked Degraded.
func (a *Actor) Retrieve(ctx context.Context, req RetrieveRequest) (RetrieveResult, error) {
	start := time.Now()
	req = a.normalize(req)

	ch := submit(a, "retrieve", func() (RetrieveResult, error) {
		if err := ctx.Err(); err != nil {
			return RetrieveResult{}, err
		}
		return a.retrieve(req), nil
	})

	var res RetrieveResult
	select {
	case out := <-ch:
		if errors.Is(out.err, ErrActorStopped) {
			return RetrieveResult{}, out.err
		}
		if out.err != nil {
			res = a.degraded(req, reasonDeadline)
		} else {
			res = out.val
		}
	case <-ctx.Done():
		a.logger.Warn("retrieval deadline expired while key busy, serving buffer only")
		res = a.degraded(req, reasonDeadline)
	}

	res.ProcessingTime = time.Since(start)
	metrics.RecordRetrieval(res.TokensRetrieved, res.Breakdown)
	return res, nil
}

func (a *Actor) normalize(req RetrieveRequest) RetrieveRequest {
	if req.Now.IsZero() {
		req.Now = a.opts.Now()
	}
	if req.TokenBudget <= 0 {
		req.TokenBudget = a.opts.TokenBudget
	}
	if req.K <= 0 {
		req.K = a.opts.TopK
	}
	if req.Mode == "" {
		req.Mode = ModeFull
	}
	return req
}

func (a *Actor) degraded(req RetrieveRequest, reason string) RetrieveResult {
	v := a.view.Load()
	res := a.assemble(req, v.buffer, v.pending, nil)
	res.Degraded = true
	metrics.RecordDegraded(reason)
	return res
}

type hit struct {
	id        uint32
	score     float64
	timestamp float64
	tier      kronos.Tier
	text      chunkText
}

func (a *Actor) retrieve(req RetrieveRequest) RetrieveResult {
	if a.st.index == nil {
		metrics.RecordDegraded(reasonUnavailable)
		res := a.assemble(req, a.st.buffer, a.st.pending, nil)
		res.Degraded = true
		return res
	}

	var hits []hit
	degraded := false
	if len(req.Query) > 0 && a.st.index.Len() > 0 {
		var err error
		if hits, err = a.search(req); err != nil {
			a.logger.Warn("vector search failed, serving buffer only", "error", err)
			metrics.RecordDegraded(reasonSearch)
			degraded = true
		}
	}
	res := a.assemble(req, a.st.buffer, a.st.pending, hits)
	res.Degraded = degraded
	return res
}

func (a *Actor) search(req RetrieveRequest) ([]hit, error) {
	n := req.K
	if req.Mode == ModeTiered {
		n = a.st.index.Len()
	}
	results, err := a.st.index.Search(req.Query, n)
	if err != nil {
		return nil, err
	}

	cut := a.opts.Kronos.Cutoffs(req.Now)
	hits := make([]hit, len(results))
	for i, r := range results {
		hits[i] = hit{
			id:        r.ID,
			score:     r.Score,
			timestamp: r.Timestamp,
			tier:      cut.ClassifyMillis(r.Timestamp),
			text:      a.st.records[r.ID],
		}
	}
	if req.Mode == ModeTiered {
		hits = selectTiered(hits, a.opts.Quotas.Slots(req.K), req.K)
	}
	return hits, nil
}

// selectTiered takes the best hits of each tier up to its slots, then fills
// slots left unused with the best remaining hits of any tier. hits must be
// sorted by score.
func selectTiered(hits []hit, slots map[kronos.Tier]int, k int) []hit {
	taken := make([]bool, len(hits))
	out := make([]hit, 0, k)
	for i, h := range hits {
		if slots[h.tier] > 0 {
			slots[h.tier]--
			taken[i] = true
			out = append(out, h)
		}
	}
	for i, h := range hits {
		if len(out) >= k {
			break
		}
		if !taken[i] {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].id < out[j].id
	})
	return out
}

// assemble spends the token budget on the buffer, then the retry queue
// newest first, then hits in order. Items that do not fit are skipped; the
// buffer alone is cut to its most recent text.
func (a *Actor) assemble(req RetrieveRequest, buf chunker.Buffer, pending []snapshot.PendingChunk, hits []hit) RetrieveResult {
	var res RetrieveResult
	remaining := req.TokenBudget
	add := func(it ContextItem) {
		res.Items = append(res.Items, it)
		res.TokensRetrieved += it.Tokens
		remaining -= it.Tokens
	}

	if text := a.fit(strings.TrimSpace(buf.PendingText), remaining); text != "" {
		add(ContextItem{
			Source:    SourceBuffer,
			Content:   text,
			Timestamp: req.Now,
			Tokens:    a.opts.Chunker.EstimateTokens(text),
		})
	}

	for i := len(pending) - 1; i >= 0; i-- {
		p := pending[i]
		tokens := a.opts.Chunker.EstimateTokens(p.Content)
		if tokens == 0 || tokens > remaining {
			continue
		}
		add(ContextItem{
			Source:    SourcePending,
			Role:      p.Role,
			Content:   p.Content,
			Timestamp: kronos.FromMillis(p.Timestamp),
			Tokens:    tokens,
		})
	}

	for _, h := range hits {
		tokens := a.opts.Chunker.EstimateTokens(h.text.content)
		if tokens == 0 || tokens > remaining {
			continue
		}
		add(ContextItem{
			Source:    SourceChunk,
			ChunkID:   h.id,
			Role:      h.text.role,
			Content:   h.text.content,
			Score:     h.score,
			Timestamp: kronos.FromMillis(h.timestamp),
			Tier:      h.tier,
			Tokens:    tokens,
		})
		res.ChunksRetrieved++
		res.Breakdown.Add(h.tier)
	}
	return res
}

// fit cuts text to its most recent part holding at most budget tokens.
func (a *Actor) fit(text string, budget int) string {
	if budget <= 0 || text == "" {
		return ""
	}
	if a.opts.Chunker.EstimateTokens(text) <= budget {
		return text
	}
	runes := []rune(text)
	keep := budget * a.opts.Chunker.Config().CharsPerToken
	return strings.TrimSpace(string(runes[len(runes)-keep:]))
}
