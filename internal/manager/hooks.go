package manager

import (
	"fmt"
	"sync"

	"github.com/corey-rosamond/Code-Forge-sub003/internal/session"
)

// Event identifies a session lifecycle moment hooks can observe.
type Event int

const (
	EventStart Event = iota
	EventEnd
	EventMessage
	EventSave
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "session:start"
	case EventEnd:
		return "session:end"
	case EventMessage:
		return "session:message"
	case EventSave:
		return "session:save"
	default:
		return fmt.Sprintf("session:unknown(%d)", int(e))
	}
}

// Hook observes a lifecycle event. msg is non-nil only for EventMessage.
// Hooks run synchronously; errors and panics are swallowed and logged,
// never allowed to abort the triggering operation.
type Hook func(sess *session.Session, msg *session.Message) error

type hookSet struct {
	mu      sync.RWMutex
	byEvent map[Event][]Hook
}

func newHookSet() *hookSet {
	return &hookSet{byEvent: make(map[Event][]Hook)}
}

func (h *hookSet) add(ev Event, hook Hook) {
	if hook == nil {
		return
	}
	h.mu.Lock()
	h.byEvent[ev] = append(h.byEvent[ev], hook)
	h.mu.Unlock()
}

func (h *hookSet) list(ev Event) []Hook {
	h.mu.RLock()
	defer h.mu.RUnlock()
	hooks := h.byEvent[ev]
	out := make([]Hook, len(hooks))
	copy(out, hooks)
	return out
}
