// Package manager owns the current session and ties the store, index,
// policies, and hooks together behind one façade.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/corey-rosamond/Code-Forge-sub003/internal/logging"
	"github.com/corey-rosamond/Code-Forge-sub003/internal/policy"
	"github.com/corey-rosamond/Code-Forge-sub003/internal/session"
)

// ErrNoCurrentSession signals a caller bug: mutating session state with no
// session current. It is a programming-contract violation, not a runtime
// condition to recover from.
var ErrNoCurrentSession = errors.New("no current session")

const (
	defaultCheckpointInterval = 30 * time.Second
	titleMaxChars             = 50
)

// Manager serializes all mutations against at most one in-memory session
// and runs the background checkpoint task while a session is current.
type Manager struct {
	store *session.Store
	index *session.Index
	log   *logging.Logger
	hooks *hookSet

	checkpointEvery time.Duration
	capper          *policy.ToolResultCapper

	mu             sync.Mutex
	current        *session.Session
	compacting     bool
	checkpointStop chan struct{}
	checkpointWG   sync.WaitGroup
}

type Option func(*Manager)

// WithCheckpointInterval overrides the auto-checkpoint period.
func WithCheckpointInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.checkpointEvery = d
		}
	}
}

// WithToolResultCapper caps oversized tool results eagerly at record time.
func WithToolResultCapper(c *policy.ToolResultCapper) Option {
	return func(m *Manager) { m.capper = c }
}

func New(store *session.Store, index *session.Index, log *logging.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:           store,
		index:           index,
		log:             log,
		hooks:           newHookSet(),
		checkpointEvery: defaultCheckpointInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// On registers a hook for an event. Hooks for the same event run in
// registration order.
func (m *Manager) On(ev Event, hook Hook) {
	m.hooks.add(ev, hook)
}

func (m *Manager) fire(ev Event, sess *session.Session, msg *session.Message) {
	for _, hook := range m.hooks.list(ev) {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("session hook panicked", map[string]interface{}{
						"event": ev.String(),
						"panic": fmt.Sprint(r),
					})
				}
			}()
			if err := hook(sess, msg); err != nil {
				m.log.Warn("session hook failed", map[string]interface{}{
					"event": ev.String(),
					"error": err.Error(),
				})
			}
		}()
	}
}

// Current returns the session the manager currently owns, or nil.
func (m *Manager) Current() *session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Create builds a new empty session, persists it immediately, and makes it
// current.
func (m *Manager) Create(title, workDir, model string, tags []string) (*session.Session, error) {
	sess := session.New(title, workDir, model, tags)
	if err := m.persist(sess); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.stopCheckpointLocked()
	m.current = sess
	m.startCheckpointLocked()
	m.mu.Unlock()

	m.fire(EventStart, sess, nil)
	return sess, nil
}

// Resume loads an existing session and makes it current. A corrupted file is
// restored from backup when possible before giving up.
func (m *Manager) Resume(id string) (*session.Session, error) {
	sess, err := m.store.Load(id)
	if errors.Is(err, session.ErrCorrupted) {
		m.log.Warn("session corrupted, attempting backup recovery", map[string]interface{}{
			"session_id": id,
		})
		if m.store.RecoverFromBackup(id) {
			sess, err = m.store.Load(id)
		}
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.stopCheckpointLocked()
	m.current = sess
	m.startCheckpointLocked()
	m.mu.Unlock()

	m.fire(EventStart, sess, nil)
	return sess, nil
}

// ResumeLatest resumes the most recently updated session, or returns nil
// when none exist.
func (m *Manager) ResumeLatest() (*session.Session, error) {
	sums := m.index.List(session.ListOptions{Limit: 1})
	if len(sums) == 0 {
		return nil, nil
	}
	return m.Resume(sums[0].ID)
}

// ResumeOrCreate resumes id when given and present, otherwise creates a new
// session.
func (m *Manager) ResumeOrCreate(id, title, workDir, model string, tags []string) (*session.Session, error) {
	if strings.TrimSpace(id) != "" {
		sess, err := m.Resume(id)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, session.ErrNotFound) {
			return nil, err
		}
	}
	return m.Create(title, workDir, model, tags)
}

// Save persists sess, or the current session when sess is nil.
func (m *Manager) Save(sess *session.Session) error {
	if sess == nil {
		sess = m.Current()
	}
	if sess == nil {
		return ErrNoCurrentSession
	}
	m.mu.Lock()
	err := m.persist(sess)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.fire(EventSave, sess, nil)
	return nil
}

// Close performs a final save, fires the end hook, and stops checkpointing.
// No checkpoint fires after Close returns.
func (m *Manager) Close(sess *session.Session) error {
	m.mu.Lock()
	if sess == nil {
		sess = m.current
	}
	if sess == nil {
		m.mu.Unlock()
		return nil
	}
	saveErr := m.persist(sess)
	if m.current != nil && m.current.ID == sess.ID {
		m.stopCheckpointLocked()
		m.current = nil
	}
	m.mu.Unlock()

	m.fire(EventEnd, sess, nil)
	return saveErr
}

// Delete removes the session from disk and index, stopping checkpointing
// first when deleting the current session. Returns false if nothing was
// deleted.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	if m.current != nil && m.current.ID == id {
		m.stopCheckpointLocked()
		m.current = nil
	}
	m.mu.Unlock()

	deleted := m.store.Delete(id)
	if m.index.Remove(id) {
		if err := m.index.SaveIfDirty(); err != nil {
			m.log.Warn("index save after delete failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
	return deleted
}

// AddMessage appends a plain turn to the current session.
func (m *Manager) AddMessage(role, content string) (*session.Message, error) {
	return m.AppendMessage(session.Message{Role: role, Content: content})
}

// AppendMessage appends a fully specified message to the current session
// and fires the message hook.
func (m *Manager) AppendMessage(msg session.Message) (*session.Message, error) {
	m.mu.Lock()
	sess := m.current
	if sess == nil {
		m.mu.Unlock()
		return nil, ErrNoCurrentSession
	}
	sess.AppendMessage(msg)
	appended := &sess.Messages[len(sess.Messages)-1]
	m.mu.Unlock()

	m.fire(EventMessage, sess, appended)
	return appended, nil
}

// RecordToolCall logs one executed tool call on the current session,
// capping oversized results when a capper is configured.
func (m *Manager) RecordToolCall(name string, args json.RawMessage, result *string, duration time.Duration, success bool, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ErrNoCurrentSession
	}
	if result != nil && m.capper != nil {
		capped := m.capper.Cap(*result)
		result = &capped
	}
	m.current.RecordTool(session.ToolInvocation{
		ToolName:   name,
		Arguments:  args,
		Result:     result,
		DurationMs: duration.Milliseconds(),
		Success:    success,
		Error:      errText,
	})
	return nil
}

// UpdateUsage adds to the cumulative token counters of the current session.
func (m *Manager) UpdateUsage(promptTokens, completionTokens int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ErrNoCurrentSession
	}
	m.current.AddUsage(promptTokens, completionTokens)
	return nil
}

// SetTitle renames the current session.
func (m *Manager) SetTitle(title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ErrNoCurrentSession
	}
	m.current.SetTitle(title)
	return nil
}

func (m *Manager) Tag(tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ErrNoCurrentSession
	}
	m.current.AddTag(tag)
	return nil
}

func (m *Manager) Untag(tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ErrNoCurrentSession
	}
	m.current.RemoveTag(tag)
	return nil
}

// GenerateTitle derives a title from the first line of the first user
// message, truncated on a rune boundary; sessions with no user message yet
// get a timestamp title.
func GenerateTitle(sess *session.Session) string {
	for _, msg := range sess.Messages {
		if msg.Role != session.RoleUser {
			continue
		}
		line := strings.TrimSpace(msg.Content)
		if i := strings.IndexByte(line, '\n'); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" {
			continue
		}
		runes := []rune(line)
		if len(runes) > titleMaxChars {
			line = strings.TrimSpace(string(runes[:titleMaxChars])) + "..."
		}
		return line
	}
	return "Session " + sess.CreatedAt.Format("2006-01-02 15:04")
}

// EnsureTitle fills in a generated title when the current session has none.
func (m *Manager) EnsureTitle() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ErrNoCurrentSession
	}
	if strings.TrimSpace(m.current.Title) == "" {
		m.current.SetTitle(GenerateTitle(m.current))
	}
	return nil
}

// MessagesSnapshot returns a copy of the current session's messages, safe
// to read while background compaction may splice the originals.
func (m *Manager) MessagesSnapshot() ([]session.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, ErrNoCurrentSession
	}
	out := make([]session.Message, len(m.current.Messages))
	copy(out, m.current.Messages)
	return out, nil
}

// CompactInBackground runs the compactor off the interactive path and
// splices the result back in when it lands, preserving any turns appended
// meanwhile. At most one compaction is in flight; further requests are
// dropped until it finishes. Failures are logged; the session is left as-is.
func (m *Manager) CompactInBackground(ctx context.Context, c *policy.Compactor) {
	m.mu.Lock()
	sess := m.current
	if sess == nil || m.compacting {
		m.mu.Unlock()
		return
	}
	m.compacting = true
	id := sess.ID
	snapshot := make([]session.Message, len(sess.Messages))
	copy(snapshot, sess.Messages)
	m.mu.Unlock()

	go func() {
		compacted, changed := c.Compact(ctx, snapshot)
		m.mu.Lock()
		m.compacting = false
		if !changed || m.current == nil || m.current.ID != id {
			m.mu.Unlock()
			return
		}
		// The snapshotted prefix must still be present; if the list shrank
		// underneath us (another splice landed), drop this result.
		if len(m.current.Messages) < len(snapshot) {
			m.mu.Unlock()
			return
		}
		// Replace the snapshotted prefix; keep messages appended since.
		tail := m.current.Messages[len(snapshot):]
		merged := make([]session.Message, 0, len(compacted)+len(tail))
		merged = append(merged, compacted...)
		merged = append(merged, tail...)
		m.current.Messages = merged
		err := m.persist(m.current)
		m.mu.Unlock()
		if err != nil {
			m.log.Warn("save after compaction failed", map[string]interface{}{
				"session_id": id,
				"error":      err.Error(),
			})
		}
	}()
}

// persist saves the session and updates the index. Callers hold m.mu when
// the session is the current one.
func (m *Manager) persist(sess *session.Session) error {
	if err := m.store.Save(sess); err != nil {
		return err
	}
	m.index.Put(sess)
	if err := m.index.SaveIfDirty(); err != nil {
		m.log.Warn("index save failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return nil
}

// startCheckpointLocked launches the periodic auto-save task for the current
// session. Caller holds m.mu.
func (m *Manager) startCheckpointLocked() {
	if m.checkpointEvery <= 0 || m.current == nil {
		return
	}
	stop := make(chan struct{})
	m.checkpointStop = stop
	m.checkpointWG.Add(1)
	go func() {
		defer m.checkpointWG.Done()
		ticker := time.NewTicker(m.checkpointEvery)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.checkpoint(stop)
			}
		}
	}()
}

// checkpoint saves the current session from the background path. A failure
// is logged and retried on the next tick, never propagated.
func (m *Manager) checkpoint(stop chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// The stop channel identifies the session generation this task belongs
	// to; bail if the manager moved on while we waited for the lock.
	if m.checkpointStop != stop || m.current == nil {
		return
	}
	if err := m.persist(m.current); err != nil {
		m.log.Warn("background checkpoint failed", map[string]interface{}{
			"session_id": m.current.ID,
			"error":      err.Error(),
		})
	}
}

// stopCheckpointLocked cancels the checkpoint task and waits for it to
// finish. Caller holds m.mu; the task never blocks on the lock forever
// because checkpoint re-checks its generation.
func (m *Manager) stopCheckpointLocked() {
	if m.checkpointStop == nil {
		return
	}
	close(m.checkpointStop)
	m.checkpointStop = nil
}

// StopCheckpoint synchronously stops any running checkpoint task and waits
// for it to exit.
func (m *Manager) StopCheckpoint() {
	m.mu.Lock()
	m.stopCheckpointLocked()
	m.mu.Unlock()
	m.checkpointWG.Wait()
}

// Index exposes read-only listing over all sessions.
func (m *Manager) Index() *session.Index { return m.index }

// Store exposes the durable store, mainly for cleanup and recovery paths.
func (m *Manager) Store() *session.Store { return m.store }
