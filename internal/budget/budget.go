// Package budget tracks how much of a model's context window the next
// request would occupy and how much room remains for conversation turns.
package budget

import (
	"encoding/json"
	"strings"

	"github.com/corey-rosamond/Code-Forge-sub003/internal/logging"
	"github.com/corey-rosamond/Code-Forge-sub003/internal/session"
	"github.com/corey-rosamond/Code-Forge-sub003/internal/tokens"
)

// DefaultContextWindow is the conservative fallback for unknown models.
const DefaultContextWindow = 32_000

// DefaultOutputReserve is held back for the model's reply.
const DefaultOutputReserve = 8192

// ContextWindowTokens returns the documented context window for a model.
// Callers should still allow explicit overrides because providers change
// limits.
func ContextWindowTokens(model string) (int, bool) {
	m := strings.ToLower(strings.TrimSpace(model))
	if m == "" {
		return 0, false
	}

	if strings.Contains(m, "claude") {
		return 200_000, true
	}
	if strings.Contains(m, "gpt-4o") || strings.Contains(m, "gpt-4.1") {
		return 128_000, true
	}
	if strings.HasPrefix(m, "glm-4") || strings.HasPrefix(m, "glm-5") {
		return 200_000, true
	}
	if strings.Contains(m, "minimax") {
		return 205_000, true
	}

	return 0, false
}

// ToolSchema is the declared shape of one tool offered to the model. Its
// serialized size counts against the context window on every request.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Tracker accounts for system prompt, tool schemas, and tracked messages
// against a model's context window.
//
// Invariant: CurrentTokens == systemTokens + toolTokens + messageTokens.
// Available never goes negative; once the window is exceeded ExceedsLimit
// reports true and the caller must shrink before proceeding.
type Tracker struct {
	est           tokens.Estimator
	contextWindow int
	outputReserve int

	systemTokens  int
	toolTokens    int
	messageTokens int
}

type TrackerOption func(*Tracker)

// WithContextWindow overrides the registry lookup.
func WithContextWindow(n int) TrackerOption {
	return func(t *Tracker) {
		if n > 0 {
			t.contextWindow = n
		}
	}
}

func WithOutputReserve(n int) TrackerOption {
	return func(t *Tracker) {
		if n >= 0 {
			t.outputReserve = n
		}
	}
}

// NewTracker builds a tracker for the model, falling back to
// DefaultContextWindow for unknown models rather than failing.
func NewTracker(model string, est tokens.Estimator, log *logging.Logger, opts ...TrackerOption) *Tracker {
	window, ok := ContextWindowTokens(model)
	if !ok {
		log.Warn("unknown model context window, using conservative default", map[string]interface{}{
			"model":          model,
			"default_tokens": DefaultContextWindow,
		})
		window = DefaultContextWindow
	}
	t := &Tracker{
		est:           est,
		contextWindow: window,
		outputReserve: DefaultOutputReserve,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) SetSystemPrompt(text string) {
	t.systemTokens = t.est.Count(text)
}

func (t *Tracker) SetToolSchemas(schemas []ToolSchema) {
	total := 0
	for _, s := range schemas {
		total += t.est.Count(s.Name)
		total += t.est.Count(s.Description)
		total += t.est.Count(string(s.Parameters))
	}
	t.toolTokens = total
}

func (t *Tracker) Add(msg session.Message) {
	t.messageTokens += t.est.CountMessages([]session.Message{msg})
}

// AddAll tracks a whole message list at once.
func (t *Tracker) AddAll(msgs []session.Message) {
	t.messageTokens += t.est.CountMessages(msgs)
}

func (t *Tracker) CurrentTokens() int {
	return t.systemTokens + t.toolTokens + t.messageTokens
}

func (t *Tracker) ContextWindow() int { return t.contextWindow }

// Budget is the token allowance for conversation turns: the context window
// minus the output reserve and the fixed system/tool overhead.
func (t *Tracker) Budget() int {
	b := t.contextWindow - t.outputReserve - t.systemTokens - t.toolTokens
	if b < 0 {
		return 0
	}
	return b
}

// Available is the remaining allowance, clamped at zero.
func (t *Tracker) Available() int {
	a := t.Budget() - t.messageTokens
	if a < 0 {
		return 0
	}
	return a
}

func (t *Tracker) ExceedsLimit() bool {
	return t.messageTokens > t.Budget()
}

// UtilizationFraction reports CurrentTokens over the usable window (context
// window minus output reserve), in [0, +inf).
func (t *Tracker) UtilizationFraction() float64 {
	usable := t.contextWindow - t.outputReserve
	if usable <= 0 {
		return 1
	}
	return float64(t.CurrentTokens()) / float64(usable)
}

// Reset drops tracked messages; system prompt and tool schema overhead are
// retained until explicitly changed.
func (t *Tracker) Reset() {
	t.messageTokens = 0
}
