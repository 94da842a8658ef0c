// Package tokens estimates token counts for conversation content. Estimates
// intentionally lean high so budget checks trigger compaction early rather
// than late; nothing here is a real tokenizer.
package tokens

import (
	"hash/fnv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/corey-rosamond/Code-Forge-sub003/internal/logging"
	"github.com/corey-rosamond/Code-Forge-sub003/internal/session"
)

// MessageOverhead is the fixed per-message framing cost added on top of the
// content estimate (role markers, separators).
const MessageOverhead = 4

// Estimator maps text and messages to token counts. Implementations must be
// deterministic for identical input and must not mutate it.
type Estimator interface {
	Count(text string) int
	CountMessages(msgs []session.Message) int
}

// Approx estimates tokens as words x Factor. Cheap, model-agnostic.
type Approx struct {
	// Factor defaults to 1.3 when zero or negative.
	Factor float64
}

const defaultWordFactor = 1.3

func (a Approx) Count(text string) int {
	if text == "" {
		return 0
	}
	factor := a.Factor
	if factor <= 0 {
		factor = defaultWordFactor
	}
	words := len(strings.Fields(text))
	n := int(float64(words) * factor)
	if n < 1 {
		n = 1
	}
	return n
}

func (a Approx) CountMessages(msgs []session.Message) int {
	return countMessages(a, msgs)
}

// modelRatio returns the bytes-per-token divisor for a known model family.
func modelRatio(model string) (int, bool) {
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case m == "":
		return 0, false
	case strings.Contains(m, "claude"):
		return 4, true
	case strings.Contains(m, "gpt") || strings.Contains(m, "o4"):
		return 4, true
	case strings.Contains(m, "minimax"):
		return 3, true
	case strings.HasPrefix(m, "glm"):
		return 3, true
	default:
		return 0, false
	}
}

// Model is the vocabulary-aware estimator: bytes divided by the model
// family's bytes-per-token ratio, bounded below by runes/2 so short ASCII
// fragments are not undercounted.
type Model struct {
	ratio int
}

// ForModel returns a Model estimator for a known model, or falls back to
// Approx with a logged warning for an unknown one. Never fails.
func ForModel(model string, log *logging.Logger) Estimator {
	ratio, ok := modelRatio(model)
	if !ok {
		log.Warn("unknown model for token estimation, using approximate estimator", map[string]interface{}{
			"model": model,
		})
		return Approx{}
	}
	return Model{ratio: ratio}
}

func (m Model) Count(text string) int {
	if text == "" {
		return 0
	}
	ratio := m.ratio
	if ratio <= 0 {
		ratio = 3
	}
	byBytes := len(text) / ratio
	byRunes := utf8.RuneCountInString(text) / 2
	if byBytes < byRunes {
		return byRunes
	}
	return byBytes
}

func (m Model) CountMessages(msgs []session.Message) int {
	return countMessages(m, msgs)
}

// countMessages sums per-message content cost, tool-call argument cost, and
// the fixed framing overhead.
func countMessages(e Estimator, msgs []session.Message) int {
	total := 0
	for i := range msgs {
		total += messageCost(e, &msgs[i])
	}
	return total
}

func messageCost(e Estimator, msg *session.Message) int {
	cost := e.Count(msg.Content) + MessageOverhead
	for _, call := range msg.ToolCalls {
		cost += e.Count(call.Name)
		cost += e.Count(string(call.Arguments))
	}
	return cost
}

// Cached memoizes an inner estimator keyed by a hash of the input. Policies
// re-estimate the same messages many times per shrink decision; this keeps
// that cheap. The cache is reset when it grows past maxEntries.
type Cached struct {
	inner Estimator

	mu      sync.Mutex
	byHash  map[uint64]int
	entries int
}

const cacheMaxEntries = 8192

func NewCached(inner Estimator) *Cached {
	return &Cached{
		inner:  inner,
		byHash: make(map[uint64]int),
	}
}

func (c *Cached) Count(text string) int {
	if text == "" {
		return 0
	}
	key := hashString("t\x00" + text)
	if n, ok := c.get(key); ok {
		return n
	}
	n := c.inner.Count(text)
	c.put(key, n)
	return n
}

func (c *Cached) CountMessages(msgs []session.Message) int {
	total := 0
	for i := range msgs {
		msg := &msgs[i]
		h := fnv.New64a()
		h.Write([]byte(msg.Role))
		h.Write([]byte{0})
		h.Write([]byte(msg.Content))
		h.Write([]byte{0})
		h.Write([]byte(msg.ToolCallID))
		for _, call := range msg.ToolCalls {
			h.Write([]byte{0})
			h.Write([]byte(call.Name))
			h.Write([]byte{0})
			h.Write(call.Arguments)
		}
		key := h.Sum64()
		if n, ok := c.get(key); ok {
			total += n
			continue
		}
		n := messageCost(c.inner, msg)
		c.put(key, n)
		total += n
	}
	return total
}

func (c *Cached) get(key uint64) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.byHash[key]
	return n, ok
}

func (c *Cached) put(key uint64, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries >= cacheMaxEntries {
		c.byHash = make(map[uint64]int)
		c.entries = 0
	}
	if _, ok := c.byHash[key]; !ok {
		c.entries++
	}
	c.byHash[key] = n
}

func hashString(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}
