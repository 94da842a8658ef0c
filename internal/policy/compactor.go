package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/corey-rosamond/Code-Forge-sub003/internal/llm"
	"github.com/corey-rosamond/Code-Forge-sub003/internal/logging"
	"github.com/corey-rosamond/Code-Forge-sub003/internal/session"
	"github.com/corey-rosamond/Code-Forge-sub003/internal/tokens"
)

const (
	defaultCompactMinMessages = 20
	defaultCompactKeepRecent  = 8
	defaultCompactTimeout     = 30 * time.Second

	compactPerMessageChars = 700
	compactTranscriptChars = 22000
	compactSummaryMaxWords = 400
	summaryMarkerName      = "context-summary"
)

// Compactor replaces the oldest contiguous run of non-pinned, non-system
// messages with a single model-generated summary turn. It is network-bound;
// callers run it off the interactive path with a bounded context. Any
// failure degrades to returning the input unchanged.
type Compactor struct {
	Client llm.Completer
	Log    *logging.Logger
	// MinMessages is the conversation size floor below which compaction is
	// skipped.
	MinMessages int
	// KeepRecent is the tail of most-recent messages left untouched.
	KeepRecent int
	// Timeout bounds the model call.
	Timeout time.Duration
}

func NewCompactor(client llm.Completer, log *logging.Logger) *Compactor {
	return &Compactor{
		Client:      client,
		Log:         log,
		MinMessages: defaultCompactMinMessages,
		KeepRecent:  defaultCompactKeepRecent,
		Timeout:     defaultCompactTimeout,
	}
}

// IsSummary reports whether a message is a compaction-produced summary turn.
func IsSummary(msg session.Message) bool {
	return msg.Name == summaryMarkerName
}

// Compact returns the compacted message list and whether anything changed.
// On any failure the original list is returned with changed == false.
func (c *Compactor) Compact(ctx context.Context, msgs []session.Message) ([]session.Message, bool) {
	minMessages := c.MinMessages
	if minMessages <= 0 {
		minMessages = defaultCompactMinMessages
	}
	keepRecent := c.KeepRecent
	if keepRecent < 0 {
		keepRecent = defaultCompactKeepRecent
	}
	if len(msgs) < minMessages {
		return msgs, false
	}

	start, end := compactableRun(msgs, keepRecent)
	if end-start < 2 {
		return msgs, false
	}
	run := msgs[start:end]

	summary, err := c.summarize(ctx, run)
	if err != nil || strings.TrimSpace(summary) == "" {
		fields := map[string]interface{}{"messages": len(run)}
		if err != nil {
			fields["error"] = err.Error()
		}
		c.Log.Warn("context compaction skipped", fields)
		return msgs, false
	}

	summaryMsg := session.Message{
		Role:      session.RoleSystem,
		Name:      summaryMarkerName,
		Content:   "Summary of earlier conversation:\n" + strings.TrimSpace(summary),
		CreatedAt: time.Now().UTC(),
	}

	out := make([]session.Message, 0, len(msgs)-len(run)+1)
	out = append(out, msgs[:start]...)
	out = append(out, summaryMsg)
	out = append(out, msgs[end:]...)
	c.Log.Info("context compacted", map[string]interface{}{
		"replaced_messages": len(run),
	})
	return out, true
}

// compactableRun selects the oldest contiguous span of non-pinned,
// non-system messages, stopping short of the protected tail.
func compactableRun(msgs []session.Message, keepRecent int) (int, int) {
	limit := len(msgs) - keepRecent
	if limit < 0 {
		limit = 0
	}
	start := 0
	for start < limit {
		m := msgs[start]
		if m.Role != session.RoleSystem && !m.Pinned {
			break
		}
		start++
	}
	end := start
	for end < limit {
		m := msgs[end]
		if m.Role == session.RoleSystem || m.Pinned {
			break
		}
		end++
	}
	return start, end
}

func (c *Compactor) summarize(ctx context.Context, run []session.Message) (string, error) {
	transcript := buildTranscript(run)
	if transcript == "" {
		return "", fmt.Errorf("empty transcript")
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultCompactTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := c.Client.Complete(callCtx, buildSummaryPrompt(transcript))
	if err != nil {
		// A timeout or cancellation abandons compaction outright; only
		// other provider failures degrade to a locally built summary.
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return "", err
		}
		if fallback := heuristicSummary(run); fallback != "" {
			c.Log.Warn("model compaction failed, using heuristic summary", map[string]interface{}{
				"error": err.Error(),
			})
			return fallback, nil
		}
		return "", err
	}
	return trimToMaxWords(strings.TrimSpace(out), compactSummaryMaxWords), nil
}

func buildSummaryPrompt(transcript string) string {
	var b strings.Builder
	b.WriteString("[SYSTEM]\n")
	b.WriteString("You compress conversation context for a coding assistant.\n")
	b.WriteString("Return concise Markdown only (no code fences), max 400 words.\n")
	b.WriteString("Use exactly these sections:\n")
	b.WriteString("## Goal\n## Decisions\n## Progress\n## Open Tasks\n\n")
	b.WriteString("Prioritize actionable continuity so the conversation can resume immediately.\n\n")
	b.WriteString("[USER]\n")
	b.WriteString("Conversation transcript:\n")
	b.WriteString(transcript)
	b.WriteString("\n\nGenerate the summary now.")
	return b.String()
}

func buildTranscript(msgs []session.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		role := strings.ToUpper(strings.TrimSpace(m.Role))
		content := strings.TrimSpace(m.Content)
		if role == "" || content == "" {
			continue
		}
		content = strings.Join(strings.Fields(content), " ")
		content = truncateEllipsis(content, compactPerMessageChars)
		line := fmt.Sprintf("[%s] %s\n", role, content)
		if b.Len()+len(line) > compactTranscriptChars {
			break
		}
		b.WriteString(line)
	}
	return strings.TrimSpace(b.String())
}

// heuristicSummary builds a degraded local summary from the newest user and
// assistant turns in the run, for when the model boundary is unavailable.
func heuristicSummary(msgs []session.Message) string {
	var goals []string
	var progress []string
	for i := len(msgs) - 1; i >= 0 && (len(goals) < 4 || len(progress) < 4); i-- {
		content := truncateEllipsis(strings.Join(strings.Fields(msgs[i].Content), " "), 220)
		if content == "" {
			continue
		}
		switch msgs[i].Role {
		case session.RoleUser:
			if len(goals) < 4 {
				goals = append(goals, content)
			}
		case session.RoleAssistant:
			if len(progress) < 4 {
				progress = append(progress, content)
			}
		}
	}
	if len(goals) == 0 && len(progress) == 0 {
		return ""
	}
	reverse(goals)
	reverse(progress)

	var b strings.Builder
	b.WriteString("## Goal\n")
	if len(goals) == 0 {
		b.WriteString("- Continue the active session task.\n")
	}
	for _, g := range goals {
		b.WriteString("- " + g + "\n")
	}
	b.WriteString("\n## Progress\n")
	if len(progress) == 0 {
		b.WriteString("- No assistant progress captured yet.\n")
	}
	for _, p := range progress {
		b.WriteString("- " + p + "\n")
	}
	return trimToMaxWords(strings.TrimSpace(b.String()), compactSummaryMaxWords)
}

func reverse(items []string) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}

func truncateEllipsis(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	return strings.TrimSpace(s[:max]) + "..."
}

func trimToMaxWords(s string, maxWords int) string {
	if s == "" || maxWords <= 0 {
		return s
	}
	words := strings.Fields(s)
	if len(words) <= maxWords {
		return s
	}
	return strings.TrimSpace(strings.Join(words[:maxWords], " "))
}

// ToolResultCapper bounds the size of a single tool result, applied eagerly
// at append time rather than only at request time.
type ToolResultCapper struct {
	MaxTokens int
	Est       tokens.Estimator
}

// Cap truncates result when it exceeds MaxTokens, appending a truncation
// notice. Results within the ceiling are returned unchanged.
func (c ToolResultCapper) Cap(result string) string {
	if c.MaxTokens <= 0 || c.Est == nil {
		return result
	}
	total := c.Est.Count(result)
	if total <= c.MaxTokens {
		return result
	}
	// Scale byte length by the allowed fraction of the estimate, then trim
	// to a rune boundary.
	keep := len(result) * c.MaxTokens / total
	for keep > 0 && keep < len(result) && !utf8RuneStart(result[keep]) {
		keep--
	}
	return strings.TrimSpace(result[:keep]) +
		fmt.Sprintf("\n...[tool result truncated: ~%d tokens omitted]", total-c.MaxTokens)
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }
