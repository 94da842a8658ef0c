package session

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)

	sess := New("fix the parser", "/work/repo", "claude-sonnet-4-5", []string{"bug", "parser"})
	sess.AppendMessage(Message{Role: RoleUser, Content: "the parser drops comments"})
	sess.AppendMessage(Message{Role: RoleAssistant, Content: "looking at lexer.go now"})
	result := "file contents"
	sess.RecordTool(ToolInvocation{ToolName: "read_file", Arguments: []byte(`{"path":"lexer.go"}`), Result: &result, Success: true, DurationMs: 12})
	sess.AddUsage(120, 45)
	sess.SetMeta("branch", "fix/comments")

	if err := store.Save(sess); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Load(sess.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ID != sess.ID || got.Title != sess.Title || got.WorkDir != sess.WorkDir || got.Model != sess.Model {
		t.Fatalf("identity fields differ: got %+v", got)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(got.Messages))
	}
	if got.Messages[0].Role != RoleUser || got.Messages[0].Content != "the parser drops comments" {
		t.Fatalf("first message = %+v", got.Messages[0])
	}
	if len(got.ToolHistory) != 1 || got.ToolHistory[0].ToolName != "read_file" {
		t.Fatalf("tool history = %+v", got.ToolHistory)
	}
	if got.ToolHistory[0].Result == nil || *got.ToolHistory[0].Result != "file contents" {
		t.Fatal("tool result not preserved")
	}
	if got.TotalTokens() != 165 {
		t.Fatalf("TotalTokens = %d, want 165", got.TotalTokens())
	}
	if len(got.Tags) != 2 || got.Tags[0] != "bug" {
		t.Fatalf("tags = %v", got.Tags)
	}
	if got.Metadata["branch"] != "fix/comments" {
		t.Fatalf("metadata = %v", got.Metadata)
	}
	if !got.CreatedAt.Equal(sess.CreatedAt) || !got.UpdatedAt.Equal(sess.UpdatedAt) {
		t.Fatal("timestamps not preserved")
	}
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Load("no-such-id")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if store.LoadOrNil("no-such-id") != nil {
		t.Fatal("LoadOrNil returned a session for a missing id")
	}
}

func TestLoadUnparsableReturnsCorrupted(t *testing.T) {
	store := newTestStore(t)
	path := store.sessionPath("broken")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := store.Load("broken")
	if !errors.Is(err, ErrCorrupted) {
		t.Fatalf("err = %v, want ErrCorrupted", err)
	}
	var ce *CorruptError
	if !errors.As(err, &ce) || ce.ID != "broken" {
		t.Fatalf("expected CorruptError with id, got %v", err)
	}
}

func TestSaveKeepsBackupOfPreviousVersion(t *testing.T) {
	store := newTestStore(t)
	sess := New("t", "", "m", nil)
	if err := store.Save(sess); err != nil {
		t.Fatalf("first Save: %v", err)
	}
	sess.AppendMessage(Message{Role: RoleUser, Content: "second version"})
	if err := store.Save(sess); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	if _, err := os.Stat(store.backupPath(sess.ID)); err != nil {
		t.Fatalf("backup missing after rewrite: %v", err)
	}
}

func TestRecoverFromBackup(t *testing.T) {
	store := newTestStore(t)
	sess := New("recoverable", "", "m", nil)
	sess.AppendMessage(Message{Role: RoleUser, Content: "kept"})
	if err := store.Save(sess); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Save(sess); err != nil { // second save creates the backup
		t.Fatalf("Save: %v", err)
	}

	// Simulate a corrupted primary.
	if err := os.WriteFile(store.sessionPath(sess.ID), []byte("garbage"), 0o600); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	if _, err := store.Load(sess.ID); !errors.Is(err, ErrCorrupted) {
		t.Fatalf("expected corruption, got %v", err)
	}

	if !store.RecoverFromBackup(sess.ID) {
		t.Fatal("RecoverFromBackup = false, want true")
	}
	got, err := store.Load(sess.ID)
	if err != nil {
		t.Fatalf("Load after recovery: %v", err)
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "kept" {
		t.Fatalf("recovered session = %+v", got)
	}
}

func TestRecoverFromBackupRejectsBadBackup(t *testing.T) {
	store := newTestStore(t)
	if err := os.WriteFile(store.backupPath("x"), []byte("also garbage"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if store.RecoverFromBackup("x") {
		t.Fatal("unparsable backup must not be restored")
	}
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)
	sess := New("t", "", "m", nil)
	if err := store.Save(sess); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Save(sess); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if !store.Delete(sess.ID) {
		t.Fatal("Delete = false for an existing session")
	}
	if store.Exists(sess.ID) {
		t.Fatal("session file survived Delete")
	}
	if _, err := os.Stat(store.backupPath(sess.ID)); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("backup survived Delete")
	}
	if store.Delete(sess.ID) {
		t.Fatal("Delete = true for a missing session")
	}
}

func TestListIDsSkipsBackupsAndStrays(t *testing.T) {
	store := newTestStore(t)
	for _, title := range []string{"a", "b", "c"} {
		if err := store.Save(New(title, "", "m", nil)); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	// Stray files that must not be listed.
	dir := store.sessionsDir()
	os.WriteFile(filepath.Join(dir, "x.json.backup"), []byte("{}"), 0o600)
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o600)
	os.WriteFile(filepath.Join(dir, "y.json.tmp-123"), []byte("partial"), 0o600)

	ids, err := store.ListIDs()
	if err != nil {
		t.Fatalf("ListIDs: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("got %d ids, want 3: %v", len(ids), ids)
	}
}

func TestInterruptedWriteLeavesPreviousFileIntact(t *testing.T) {
	store := newTestStore(t)
	sess := New("durable", "", "m", nil)
	sess.AppendMessage(Message{Role: RoleUser, Content: "original"})
	if err := store.Save(sess); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// A crash mid-write leaves only a temp sibling; the primary is never
	// truncated in place.
	stray := store.sessionPath(sess.ID) + ".tmp-crash"
	if err := os.WriteFile(stray, []byte(`{"id":"partial`), 0o600); err != nil {
		t.Fatalf("write stray: %v", err)
	}

	got, err := store.Load(sess.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "original" {
		t.Fatalf("previous version lost: %+v", got)
	}
}

func TestCleanupOlderThan(t *testing.T) {
	store := newTestStore(t)

	old1 := New("old-1", "", "m", nil)
	old2 := New("old-2", "", "m", nil)
	fresh := New("fresh", "", "m", nil)
	stale := time.Now().UTC().Add(-48 * time.Hour)
	old1.CreatedAt, old1.UpdatedAt = stale, stale
	old2.CreatedAt, old2.UpdatedAt = stale.Add(time.Hour), stale.Add(time.Hour)
	for _, s := range []*Session{old1, old2, fresh} {
		if err := store.Save(s); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	deleted, err := store.CleanupOlderThan(24*time.Hour, 2)
	if err != nil {
		t.Fatalf("CleanupOlderThan: %v", err)
	}
	// keepMinimum 2 protects fresh and old2 (the two most recent); only old1
	// is both past the cutoff and unprotected.
	if len(deleted) != 1 || deleted[0] != old1.ID {
		t.Fatalf("deleted = %v, want [%s]", deleted, old1.ID)
	}
	if !store.Exists(old2.ID) || !store.Exists(fresh.ID) {
		t.Fatal("protected sessions were deleted")
	}
}
