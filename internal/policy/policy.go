// Package policy shrinks message lists to fit a token budget. Policies are
// pure transformations: they never reorder surviving messages and never
// fabricate content beyond an explicit omission marker.
package policy

import (
	"fmt"

	"github.com/corey-rosamond/Code-Forge-sub003/internal/session"
	"github.com/corey-rosamond/Code-Forge-sub003/internal/tokens"
)

// Policy transforms an ordered message list so its estimated cost fits the
// budget whenever a shrinking solution exists. An input that already fits is
// returned unchanged.
type Policy interface {
	Apply(msgs []session.Message, budget int, est tokens.Estimator) []session.Message
}

const omissionMarkerName = "context-omission"

// OmissionMarker builds the synthetic placeholder inserted where messages
// were dropped.
func OmissionMarker(count int) session.Message {
	return session.Message{
		Role:    session.RoleSystem,
		Name:    omissionMarkerName,
		Content: fmt.Sprintf("[%d earlier messages omitted]", count),
	}
}

func IsOmissionMarker(msg session.Message) bool {
	return msg.Name == omissionMarkerName
}

// SlidingWindow keeps the last Window messages regardless of budget.
// With KeepSystem set, system-role messages survive in addition to the
// window.
type SlidingWindow struct {
	Window     int
	KeepSystem bool
}

func (p SlidingWindow) Apply(msgs []session.Message, budget int, est tokens.Estimator) []session.Message {
	if p.Window <= 0 || len(msgs) <= p.Window {
		return msgs
	}
	if !p.KeepSystem {
		return msgs[len(msgs)-p.Window:]
	}

	nonSystem := 0
	for i := range msgs {
		if msgs[i].Role != session.RoleSystem {
			nonSystem++
		}
	}
	if nonSystem <= p.Window {
		return msgs
	}

	// Keep every system message plus the last Window non-system messages.
	dropLeft := nonSystem - p.Window
	out := make([]session.Message, 0, len(msgs)-dropLeft)
	for i := range msgs {
		if msgs[i].Role == session.RoleSystem {
			out = append(out, msgs[i])
			continue
		}
		if dropLeft > 0 {
			dropLeft--
			continue
		}
		out = append(out, msgs[i])
	}
	return out
}

// TokenBudget drops the oldest non-system messages until the estimated cost
// fits the budget. System messages are never dropped by this policy.
type TokenBudget struct{}

func (p TokenBudget) Apply(msgs []session.Message, budget int, est tokens.Estimator) []session.Message {
	return evictUntilFits(msgs, budget, est, func(msg *session.Message) bool {
		return msg.Role == session.RoleSystem
	})
}

// SmartTruncation keeps the first Head and last Tail messages (system
// messages always survive) and inserts one omission marker where anything
// was dropped.
type SmartTruncation struct {
	Head int
	Tail int
}

func (p SmartTruncation) Apply(msgs []session.Message, budget int, est tokens.Estimator) []session.Message {
	head, tail := p.Head, p.Tail
	if head < 0 {
		head = 0
	}
	if tail < 0 {
		tail = 0
	}
	if head+tail >= len(msgs) {
		return msgs
	}

	dropped := 0
	out := make([]session.Message, 0, head+tail+2)
	out = append(out, msgs[:head]...)
	for i := head; i < len(msgs)-tail; i++ {
		if msgs[i].Role == session.RoleSystem {
			out = append(out, msgs[i])
			continue
		}
		dropped++
	}
	if dropped == 0 {
		return msgs
	}
	out = append(out, OmissionMarker(dropped))
	out = append(out, msgs[len(msgs)-tail:]...)
	return out
}

// Selective protects messages whose role is in PreserveRoles or that carry
// the pinned marker; everything else is subject to the token-budget rule.
type Selective struct {
	PreserveRoles []string
}

func (p Selective) Apply(msgs []session.Message, budget int, est tokens.Estimator) []session.Message {
	preserve := make(map[string]bool, len(p.PreserveRoles))
	for _, role := range p.PreserveRoles {
		preserve[role] = true
	}
	return evictUntilFits(msgs, budget, est, func(msg *session.Message) bool {
		return msg.Pinned || preserve[msg.Role]
	})
}

// Composite applies stages left to right, short-circuiting once the budget
// is satisfied.
type Composite struct {
	Stages []Policy
}

func (p Composite) Apply(msgs []session.Message, budget int, est tokens.Estimator) []session.Message {
	for _, stage := range p.Stages {
		if est.CountMessages(msgs) <= budget {
			return msgs
		}
		msgs = stage.Apply(msgs, budget, est)
	}
	return msgs
}

// evictionGroups partitions message indices into atomic eviction units: an
// assistant message that requests tool calls forms one group with every
// tool-result message answering those calls, so a pair is evicted both or
// neither and no orphaned tool result survives. Groups are ordered by their
// first (oldest) index, which is also the eviction tie-break order.
func evictionGroups(msgs []session.Message) [][]int {
	assigned := make([]bool, len(msgs))
	groups := make([][]int, 0, len(msgs))
	for i := range msgs {
		if assigned[i] {
			continue
		}
		group := []int{i}
		assigned[i] = true
		if len(msgs[i].ToolCalls) > 0 {
			ids := make(map[string]bool, len(msgs[i].ToolCalls))
			for _, call := range msgs[i].ToolCalls {
				ids[call.ID] = true
			}
			for j := i + 1; j < len(msgs); j++ {
				if !assigned[j] && msgs[j].ToolCallID != "" && ids[msgs[j].ToolCallID] {
					group = append(group, j)
					assigned[j] = true
				}
			}
		}
		groups = append(groups, group)
	}
	return groups
}

// evictUntilFits drops the oldest unprotected eviction groups until the
// estimated cost fits the budget. A group containing any protected message
// is never dropped. The input is returned unchanged when it already fits or
// when nothing droppable remains.
func evictUntilFits(msgs []session.Message, budget int, est tokens.Estimator, protected func(*session.Message) bool) []session.Message {
	if est.CountMessages(msgs) <= budget {
		return msgs
	}

	drop := make([]bool, len(msgs))
	surviving := func() []session.Message {
		out := make([]session.Message, 0, len(msgs))
		for i := range msgs {
			if !drop[i] {
				out = append(out, msgs[i])
			}
		}
		return out
	}

	droppedAny := false
	for _, group := range evictionGroups(msgs) {
		isProtected := false
		for _, i := range group {
			if protected(&msgs[i]) {
				isProtected = true
				break
			}
		}
		if isProtected {
			continue
		}
		for _, i := range group {
			drop[i] = true
		}
		droppedAny = true
		if est.CountMessages(surviving()) <= budget {
			break
		}
	}
	if !droppedAny {
		return msgs
	}
	return surviving()
}
