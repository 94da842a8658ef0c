package session

import (
	"os"
	"testing"
	"time"
)

func seedSessions(t *testing.T, store *Store) (*Session, *Session, *Session) {
	t.Helper()
	a := New("alpha refactor", "/work/a", "claude-sonnet-4-5", []string{"refactor"})
	b := New("beta bugfix", "/work/b", "claude-sonnet-4-5", []string{"bug", "urgent"})
	c := New("gamma docs", "/work/a", "glm-4.6", nil)

	base := time.Now().UTC().Add(-time.Hour)
	a.CreatedAt, a.UpdatedAt = base, base
	b.CreatedAt, b.UpdatedAt = base.Add(time.Minute), base.Add(20*time.Minute)
	c.CreatedAt, c.UpdatedAt = base.Add(2*time.Minute), base.Add(10*time.Minute)
	b.AddUsage(500, 100)
	for i := 0; i < 3; i++ {
		c.Messages = append(c.Messages, Message{Role: RoleUser, Content: "x"})
	}

	for _, s := range []*Session{a, b, c} {
		if err := store.Save(s); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	return a, b, c
}

func TestNewIndexRebuildsWhenFileMissing(t *testing.T) {
	store := newTestStore(t)
	seedSessions(t, store)

	idx, err := NewIndex(store, nil)
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	if idx.Count() != 3 {
		t.Fatalf("Count = %d, want 3", idx.Count())
	}
}

func TestNewIndexRebuildsOnVersionMismatch(t *testing.T) {
	store := newTestStore(t)
	seedSessions(t, store)
	if err := os.WriteFile(store.IndexPath(), []byte(`{"version":999,"sessions":{}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	idx, err := NewIndex(store, nil)
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	if idx.Count() != 3 {
		t.Fatalf("Count = %d after version-mismatch rebuild, want 3", idx.Count())
	}
}

func TestNewIndexRebuildsOnUnparsableFile(t *testing.T) {
	store := newTestStore(t)
	seedSessions(t, store)
	if err := os.WriteFile(store.IndexPath(), []byte("not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	idx, err := NewIndex(store, nil)
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	if idx.Count() != 3 {
		t.Fatalf("Count = %d after corrupt-file rebuild, want 3", idx.Count())
	}
}

func TestRebuildMatchesStore(t *testing.T) {
	store := newTestStore(t)
	a, _, _ := seedSessions(t, store)

	idx, err := NewIndex(store, nil)
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	// Mutate the store behind the index's back, then rebuild.
	store.Delete(a.ID)
	if err := idx.Rebuild(); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if idx.Count() != 2 {
		t.Fatalf("Count = %d after rebuild, want 2", idx.Count())
	}
	if idx.Get(a.ID) != nil {
		t.Fatal("deleted session still indexed after rebuild")
	}

	ids, err := store.ListIDs()
	if err != nil {
		t.Fatalf("ListIDs: %v", err)
	}
	for _, id := range ids {
		if idx.Get(id) == nil {
			t.Fatalf("session %s missing from rebuilt index", id)
		}
	}
}

func TestRebuildSkipsUnreadableSessions(t *testing.T) {
	store := newTestStore(t)
	seedSessions(t, store)
	if err := os.WriteFile(store.sessionPath("broken"), []byte("junk"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	idx, err := NewIndex(store, nil)
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	if idx.Count() != 3 {
		t.Fatalf("Count = %d, want 3 (broken file skipped)", idx.Count())
	}
}

func TestPutRemoveGet(t *testing.T) {
	store := newTestStore(t)
	idx, err := NewIndex(store, nil)
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}

	sess := New("tracked", "", "m", nil)
	idx.Put(sess)
	got := idx.Get(sess.ID)
	if got == nil || got.Title != "tracked" {
		t.Fatalf("Get = %+v", got)
	}
	// Get returns a copy; mutating it must not affect the index.
	got.Title = "mutated"
	if idx.Get(sess.ID).Title != "tracked" {
		t.Fatal("Get leaked an aliased summary")
	}

	if !idx.Remove(sess.ID) {
		t.Fatal("Remove = false for an indexed session")
	}
	if idx.Remove(sess.ID) {
		t.Fatal("Remove = true for an already-removed session")
	}
	if idx.Get(sess.ID) != nil {
		t.Fatal("Get returned a removed session")
	}
}

func TestListDefaultOrderIsUpdatedDesc(t *testing.T) {
	store := newTestStore(t)
	a, b, c := seedSessions(t, store)
	idx, err := NewIndex(store, nil)
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}

	out := idx.List(ListOptions{})
	if len(out) != 3 {
		t.Fatalf("got %d summaries, want 3", len(out))
	}
	want := []string{b.ID, c.ID, a.ID} // updated +20m, +10m, +0
	for i, id := range want {
		if out[i].ID != id {
			t.Fatalf("position %d = %s, want %s", i, out[i].ID, id)
		}
	}
}

func TestListFilters(t *testing.T) {
	store := newTestStore(t)
	a, b, c := seedSessions(t, store)
	idx, err := NewIndex(store, nil)
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}

	cases := []struct {
		name string
		opts ListOptions
		want []string
	}{
		{"by tag", ListOptions{Tags: []string{"URGENT"}}, []string{b.ID}},
		{"all tags must match", ListOptions{Tags: []string{"bug", "refactor"}}, nil},
		{"title search", ListOptions{Search: "GAMMA"}, []string{c.ID}},
		{"workdir", ListOptions{WorkDir: "/work/a", SortBy: SortByCreated}, []string{a.ID, c.ID}},
		{"title sort", ListOptions{SortBy: SortByTitle}, []string{a.ID, b.ID, c.ID}},
		{"tokens desc", ListOptions{SortBy: SortByTokens, Descending: true, Limit: 1}, []string{b.ID}},
		{"messages desc", ListOptions{SortBy: SortByMessages, Descending: true, Limit: 1}, []string{c.ID}},
	}
	for _, tc := range cases {
		out := idx.List(tc.opts)
		if len(out) != len(tc.want) {
			t.Fatalf("%s: got %d results, want %d", tc.name, len(out), len(tc.want))
		}
		for i, id := range tc.want {
			if out[i].ID != id {
				t.Fatalf("%s: position %d = %s, want %s", tc.name, i, out[i].ID, id)
			}
		}
	}
}

func TestListPagination(t *testing.T) {
	store := newTestStore(t)
	_, b, c := seedSessions(t, store)
	idx, err := NewIndex(store, nil)
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}

	page := idx.List(ListOptions{Limit: 2})
	if len(page) != 2 || page[0].ID != b.ID {
		t.Fatalf("first page = %v", page)
	}
	page = idx.List(ListOptions{Limit: 2, Offset: 1})
	if len(page) != 2 || page[0].ID != c.ID {
		t.Fatalf("offset page = %v", page)
	}
	if got := idx.List(ListOptions{Offset: 10}); len(got) != 0 {
		t.Fatalf("past-the-end offset returned %d results", len(got))
	}
}

func TestMidSaveMutationStaysDirty(t *testing.T) {
	store := newTestStore(t)
	idx, err := NewIndex(store, nil)
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}

	first := New("first", "", "m", nil)
	if err := store.Save(first); err != nil {
		t.Fatalf("Save: %v", err)
	}
	idx.Put(first)

	// Drive the two halves of SaveIfDirty with a Put landing in between,
	// like a concurrent mutation during the file write.
	doc, gen, dirty := idx.snapshot()
	if !dirty {
		t.Fatal("index not dirty after Put")
	}
	second := New("second", "", "m", nil)
	if err := store.Save(second); err != nil {
		t.Fatalf("Save: %v", err)
	}
	idx.Put(second)
	if err := idx.finishSave(doc, gen); err != nil {
		t.Fatalf("finishSave: %v", err)
	}

	// The interrupted write predates the second session.
	stale, err := NewIndex(store, nil)
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	if stale.Get(second.ID) != nil {
		t.Fatal("stale index file already has the mid-save session")
	}

	// The mutation must still be pending, so the next save picks it up.
	if err := idx.SaveIfDirty(); err != nil {
		t.Fatalf("SaveIfDirty: %v", err)
	}
	reloaded, err := NewIndex(store, nil)
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	if reloaded.Get(second.ID) == nil {
		t.Fatal("mid-save mutation was marked clean and lost")
	}
}

func TestSaveIfDirtyPersists(t *testing.T) {
	store := newTestStore(t)
	idx, err := NewIndex(store, nil)
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}

	sess := New("persisted", "", "m", nil)
	if err := store.Save(sess); err != nil {
		t.Fatalf("Save: %v", err)
	}
	idx.Put(sess)
	if err := idx.SaveIfDirty(); err != nil {
		t.Fatalf("SaveIfDirty: %v", err)
	}

	// A fresh index loads the persisted file rather than rebuilding.
	idx2, err := NewIndex(store, nil)
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	if got := idx2.Get(sess.ID); got == nil || got.Title != "persisted" {
		t.Fatalf("reloaded index Get = %+v", got)
	}

	// Not dirty anymore: a second save must be a no-op even if the file is
	// removed out from under it.
	os.Remove(store.IndexPath())
	if err := idx.SaveIfDirty(); err != nil {
		t.Fatalf("SaveIfDirty: %v", err)
	}
	if _, err := os.Stat(store.IndexPath()); err == nil {
		t.Fatal("clean index rewrote its file")
	}
}
