package session

import (
	"encoding/json"
	"errors"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/corey-rosamond/Code-Forge-sub003/internal/logging"
)

const indexVersion = 1

// Sort fields accepted by ListOptions.SortBy. The zero value sorts by most
// recently updated.
const (
	SortByUpdated  = "updated"
	SortByCreated  = "created"
	SortByTitle    = "title"
	SortByMessages = "messages"
	SortByTokens   = "tokens"
)

type ListOptions struct {
	Limit      int
	Offset     int
	SortBy     string
	Descending bool
	// Tags must all be present on a session for it to match.
	Tags []string
	// Search is a case-insensitive substring match on the title.
	Search  string
	WorkDir string
}

type indexDocument struct {
	Version  int                       `json:"version"`
	Sessions map[string]SessionSummary `json:"sessions"`
}

// Index is a write-through summary cache over the Store. It is persisted
// opportunistically (SaveIfDirty) and is never the source of truth: a
// missing, version-mismatched, or unparsable index file triggers a full
// rebuild from the session files.
type Index struct {
	mu       sync.Mutex
	store    *Store
	path     string
	log      *logging.Logger
	sessions map[string]SessionSummary
	dirty    bool
	// gen advances on every mutation so SaveIfDirty can tell whether the
	// table changed while its write was in flight.
	gen uint64
}

// NewIndex loads the index file, rebuilding from the store when the file is
// unusable for any reason.
func NewIndex(store *Store, log *logging.Logger) (*Index, error) {
	idx := &Index{
		store:    store,
		path:     store.IndexPath(),
		log:      log,
		sessions: make(map[string]SessionSummary),
	}
	if err := idx.load(); err != nil {
		idx.log.Warn("session index unusable, rebuilding", map[string]interface{}{
			"path":  idx.path,
			"error": err.Error(),
		})
		if err := idx.Rebuild(); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

func (idx *Index) load() error {
	data, err := os.ReadFile(idx.path)
	if err != nil {
		return err
	}
	var doc indexDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	if doc.Version != indexVersion {
		return errors.New("index version mismatch")
	}
	if doc.Sessions == nil {
		doc.Sessions = make(map[string]SessionSummary)
	}
	idx.mu.Lock()
	idx.sessions = doc.Sessions
	idx.dirty = false
	idx.mu.Unlock()
	return nil
}

// Rebuild re-derives every summary by reading each session file. This is the
// authoritative recovery path; sessions that fail to load are skipped.
func (idx *Index) Rebuild() error {
	ids, err := idx.store.ListIDs()
	if err != nil {
		return err
	}
	sessions := make(map[string]SessionSummary, len(ids))
	for _, id := range ids {
		sess, err := idx.store.Load(id)
		if err != nil {
			idx.log.Warn("skipping unreadable session during index rebuild", map[string]interface{}{
				"session_id": id,
				"error":      err.Error(),
			})
			continue
		}
		sessions[id] = sess.Summary()
	}
	idx.mu.Lock()
	idx.sessions = sessions
	idx.dirty = true
	idx.gen++
	idx.mu.Unlock()
	return nil
}

// Put inserts or refreshes the summary for a session.
func (idx *Index) Put(sess *Session) {
	if sess == nil || sess.ID == "" {
		return
	}
	idx.mu.Lock()
	idx.sessions[sess.ID] = sess.Summary()
	idx.dirty = true
	idx.gen++
	idx.mu.Unlock()
}

func (idx *Index) Remove(id string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, ok := idx.sessions[id]; !ok {
		return false
	}
	delete(idx.sessions, id)
	idx.dirty = true
	idx.gen++
	return true
}

// Get returns a copy of the summary for id, or nil.
func (idx *Index) Get(id string) *SessionSummary {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	sum, ok := idx.sessions[id]
	if !ok {
		return nil
	}
	return &sum
}

func (idx *Index) Count() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.sessions)
}

// List returns the filtered, sorted, paginated summaries.
func (idx *Index) List(opts ListOptions) []SessionSummary {
	idx.mu.Lock()
	out := make([]SessionSummary, 0, len(idx.sessions))
	for _, sum := range idx.sessions {
		if matchesFilter(sum, opts) {
			out = append(out, sum)
		}
	}
	idx.mu.Unlock()

	sortSummaries(out, opts)

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return []SessionSummary{}
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

// SaveIfDirty persists the index file when anything changed since the last
// save. The write is atomic like session saves.
func (idx *Index) SaveIfDirty() error {
	doc, gen, dirty := idx.snapshot()
	if !dirty {
		return nil
	}
	return idx.finishSave(doc, gen)
}

// snapshot copies the summary table for writing, together with the
// generation the copy reflects.
func (idx *Index) snapshot() (indexDocument, uint64, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if !idx.dirty {
		return indexDocument{}, 0, false
	}
	doc := indexDocument{
		Version:  indexVersion,
		Sessions: make(map[string]SessionSummary, len(idx.sessions)),
	}
	for id, sum := range idx.sessions {
		doc.Sessions[id] = sum
	}
	return doc, idx.gen, true
}

// finishSave writes the snapshotted document. The dirty flag is cleared only
// when no mutation landed after the snapshot was taken, so a concurrent Put
// is never silently marked clean.
func (idx *Index) finishSave(doc indexDocument, gen uint64) error {
	data, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return err
	}
	if err := atomicWrite(idx.path, data); err != nil {
		return err
	}
	idx.mu.Lock()
	if idx.gen == gen {
		idx.dirty = false
	}
	idx.mu.Unlock()
	return nil
}

func matchesFilter(sum SessionSummary, opts ListOptions) bool {
	if opts.WorkDir != "" && sum.WorkDir != opts.WorkDir {
		return false
	}
	if opts.Search != "" &&
		!strings.Contains(strings.ToLower(sum.Title), strings.ToLower(opts.Search)) {
		return false
	}
	for _, want := range opts.Tags {
		found := false
		for _, have := range sum.Tags {
			if strings.EqualFold(have, want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func sortSummaries(sums []SessionSummary, opts ListOptions) {
	sortBy := opts.SortBy
	desc := opts.Descending
	if sortBy == "" {
		// Default listing: most recently updated first.
		sortBy = SortByUpdated
		desc = true
	}
	less := func(a, b SessionSummary) bool {
		switch sortBy {
		case SortByCreated:
			return a.CreatedAt.Before(b.CreatedAt)
		case SortByTitle:
			return strings.ToLower(a.Title) < strings.ToLower(b.Title)
		case SortByMessages:
			return a.MessageCount < b.MessageCount
		case SortByTokens:
			return a.TotalTokens < b.TotalTokens
		default:
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
	}
	sort.SliceStable(sums, func(i, j int) bool {
		if desc {
			return less(sums[j], sums[i])
		}
		return less(sums[i], sums[j])
	})
}
