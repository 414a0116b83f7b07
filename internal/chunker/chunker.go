// Package chunker turns a stream of conversation turns into bounded,
// overlapping chunks that can be embedded independently.
//
// Token counts here are estimates (characters divided by a fixed ratio), not
// the output of a real tokenizer.
package chunker

import (
	"strings"
	"unicode"
)

// Config controls chunk sizing.
type Config struct {
	TargetTokens  int `yaml:"target_tokens"`
	OverlapTokens int `yaml:"overlap_tokens"`
	CharsPerToken int `yaml:"chars_per_token"`
}

// DefaultConfig returns the standard sizing: 300-token chunks with a 30-token overlap.
func DefaultConfig() Config {
	return Config{
		TargetTokens:  300,
		OverlapTokens: 30,
		CharsPerToken: 4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c == (Config{}) {
		return d
	}
	if c.TargetTokens <= 0 {
		c.TargetTokens = d.TargetTokens
	}
	// The overlap must stay below the shortest possible split (70% of the
	// target) or draining would stop making progress.
	if c.OverlapTokens < 0 || c.OverlapTokens*2 > c.TargetTokens {
		c.OverlapTokens = c.TargetTokens / 10
	}
	if c.CharsPerToken <= 0 {
		c.CharsPerToken = d.CharsPerToken
	}
	return c
}

// Buffer is the pending, not yet embedded text of a memory key.
type Buffer struct {
	PendingText   string `json:"pending_text"`
	TokenEstimate int    `json:"token_count"`
}

// Result is the outcome of ProcessBuffer.
type Result struct {
	Chunks []string
	Buffer Buffer
}

// Chunker splits text according to a Config.
type Chunker struct {
	cfg Config
}

// New creates a Chunker. Zero fields fall back to DefaultConfig values.
func New(cfg Config) *Chunker {
	return &Chunker{cfg: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (c *Chunker) Config() Config { return c.cfg }

// EstimateTokens approximates the token count of text.
func (c *Chunker) EstimateTokens(text string) int {
	return estimate(len([]rune(text)), c.cfg.CharsPerToken)
}

// NewBuffer builds a Buffer whose estimate is computed from text.
func (c *Chunker) NewBuffer(text string) Buffer {
	return Buffer{PendingText: text, TokenEstimate: c.EstimateTokens(text)}
}

func estimate(runes, ratio int) int {
	return (runes + ratio - 1) / ratio
}

// ProcessBuffer appends newContent to existing and extracts every chunk that
// has reached the target size. The leftover text, which starts with the
// overlap carried from the last chunk, is returned as the new buffer.
func (c *Chunker) ProcessBuffer(existing, newContent string) Result {
	combined := join(existing, newContent)
	chunks, rest := c.drain([]rune(combined))
	return Result{Chunks: chunks, Buffer: c.NewBuffer(string(rest))}
}

// ChunkLargeContent splits a single oversized input completely. The final
// remainder is emitted as a chunk as well unless it is only the overlap
// carried from the previous chunk.
func (c *Chunker) ChunkLargeContent(content string) []string {
	runes := []rune(content)
	chunks, rest := c.drain(runes)

	tail := strings.TrimSpace(string(rest))
	if tail == "" {
		return chunks
	}
	if len(chunks) > 0 && len([]rune(tail)) <= c.overlapRunes() && strings.HasSuffix(chunks[len(chunks)-1], tail) {
		return chunks
	}
	return append(chunks, tail)
}

func (c *Chunker) targetRunes() int  { return c.cfg.TargetTokens * c.cfg.CharsPerToken }
func (c *Chunker) overlapRunes() int { return c.cfg.OverlapTokens * c.cfg.CharsPerToken }

func (c *Chunker) drain(combined []rune) ([]string, []rune) {
	var chunks []string
	for estimate(len(combined), c.cfg.CharsPerToken) >= c.cfg.TargetTokens {
		split := c.splitPoint(combined)
		head := combined[:split]

		if chunk := strings.TrimSpace(string(head)); chunk != "" {
			chunks = append(chunks, chunk)
		}

		overlap := c.overlapRunes()
		if overlap > len(head) {
			overlap = len(head)
		}
		next := make([]rune, 0, overlap+len(combined)-split)
		next = append(next, head[len(head)-overlap:]...)
		next = append(next, combined[split:]...)
		combined = next
	}
	return chunks, combined
}

// splitPoint picks where the next chunk ends, in runes. Preference order:
// a sentence end within ±20% of the target, the last word boundary in
// [70%, 100%] of the target, then a hard cut at the target.
func (c *Chunker) splitPoint(text []rune) int {
	target := c.targetRunes()
	if target > len(text) {
		target = len(text)
	}

	lo := target - target/5
	hi := target + target/5
	if hi > len(text)-1 {
		hi = len(text) - 1
	}
	best, bestDist := -1, 0
	for i := lo; i <= hi; i++ {
		if !isSentenceEnd(text[i]) || i+1 >= len(text) || !unicode.IsSpace(text[i+1]) {
			continue
		}
		dist := abs(i + 1 - target)
		if best < 0 || dist < bestDist {
			best, bestDist = i+1, dist
		}
	}
	if best > 0 {
		return best
	}

	floor := target * 7 / 10
	for i := target; i >= floor && i > 0; i-- {
		if i < len(text) && unicode.IsSpace(text[i]) {
			return i
		}
	}
	return target
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func join(existing, addition string) string {
	switch {
	case existing == "":
		return addition
	case addition == "":
		return existing
	default:
		return existing + "\n\n" + addition
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
