package session

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is one tool invocation requested by an assistant message.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Message is a single conversation turn. Messages are immutable once
// appended; compaction replaces spans with new messages rather than
// editing in place.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID/Name link a tool-result message back to the call it answers.
	ToolCallID string    `json:"tool_call_id,omitempty"`
	Name       string    `json:"name,omitempty"`
	Pinned     bool      `json:"pinned,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ToolInvocation records one executed tool call. Append-only.
type ToolInvocation struct {
	ID         string          `json:"id"`
	ToolName   string          `json:"tool_name"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Result     *string         `json:"result,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	DurationMs int64           `json:"duration_ms"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
}

// Session is the aggregate root: an ordered conversation with its tool log
// and usage counters. The manager owns at most one in memory; the store owns
// the on-disk representation.
type Session struct {
	ID               string            `json:"id"`
	Title            string            `json:"title,omitempty"`
	WorkDir          string            `json:"work_dir"`
	Model            string            `json:"model"`
	Messages         []Message         `json:"messages"`
	ToolHistory      []ToolInvocation  `json:"tool_history,omitempty"`
	PromptTokens     int               `json:"prompt_tokens"`
	CompletionTokens int               `json:"completion_tokens"`
	Tags             []string          `json:"tags,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// SessionSummary is the projection stored in the index. Always regenerated
// from a Session, never edited directly.
type SessionSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title,omitempty"`
	WorkDir      string    `json:"work_dir"`
	Model        string    `json:"model"`
	MessageCount int       `json:"message_count"`
	TotalTokens  int       `json:"total_tokens"`
	Tags         []string  `json:"tags,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func New(title, workDir, model string, tags []string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        uuid.New().String(),
		Title:     strings.TrimSpace(title),
		WorkDir:   workDir,
		Model:     model,
		Messages:  []Message{},
		Tags:      normalizeTags(tags),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// touch refreshes UpdatedAt, keeping it monotonically non-decreasing even if
// the wall clock steps backwards.
func (s *Session) touch() {
	now := time.Now().UTC()
	if now.After(s.UpdatedAt) {
		s.UpdatedAt = now
	}
}

func (s *Session) AppendMessage(msg Message) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	s.Messages = append(s.Messages, msg)
	s.touch()
}

func (s *Session) RecordTool(inv ToolInvocation) {
	if strings.TrimSpace(inv.ID) == "" {
		inv.ID = uuid.New().String()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	s.ToolHistory = append(s.ToolHistory, inv)
	s.touch()
}

func (s *Session) AddUsage(promptTokens, completionTokens int) {
	if promptTokens > 0 {
		s.PromptTokens += promptTokens
	}
	if completionTokens > 0 {
		s.CompletionTokens += completionTokens
	}
	s.touch()
}

func (s *Session) ResetUsage() {
	s.PromptTokens = 0
	s.CompletionTokens = 0
	s.touch()
}

func (s *Session) TotalTokens() int {
	return s.PromptTokens + s.CompletionTokens
}

func (s *Session) SetTitle(title string) {
	s.Title = strings.TrimSpace(title)
	s.touch()
}

func (s *Session) AddTag(tag string) {
	tag = strings.TrimSpace(tag)
	if tag == "" || s.HasTag(tag) {
		return
	}
	s.Tags = append(s.Tags, tag)
	s.touch()
}

func (s *Session) RemoveTag(tag string) bool {
	for i, t := range s.Tags {
		if strings.EqualFold(t, tag) {
			s.Tags = append(s.Tags[:i], s.Tags[i+1:]...)
			s.touch()
			return true
		}
	}
	return false
}

func (s *Session) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

func (s *Session) SetMeta(key, value string) {
	if s.Metadata == nil {
		s.Metadata = make(map[string]string)
	}
	s.Metadata[key] = value
	s.touch()
}

// Summary derives the index projection for this session.
func (s *Session) Summary() SessionSummary {
	tags := make([]string, len(s.Tags))
	copy(tags, s.Tags)
	return SessionSummary{
		ID:           s.ID,
		Title:        s.Title,
		WorkDir:      s.WorkDir,
		Model:        s.Model,
		MessageCount: len(s.Messages),
		TotalTokens:  s.TotalTokens(),
		Tags:         tags,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		dup := false
		for _, seen := range out {
			if strings.EqualFold(seen, t) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, t)
		}
	}
	return out
}
