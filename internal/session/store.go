package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/corey-rosamond/Code-Forge-sub003/internal/logging"
)

var (
	// ErrNotFound means no file exists for the session id.
	ErrNotFound = errors.New("session not found")
	// ErrCorrupted means a file exists but could not be parsed. Callers can
	// attempt RecoverFromBackup before treating it as data loss.
	ErrCorrupted = errors.New("session file corrupted")
)

// CorruptError wraps the parse failure for a specific session file. It
// matches ErrCorrupted under errors.Is.
type CorruptError struct {
	ID  string
	Err error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("session %s corrupted: %v", e.ID, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

func (e *CorruptError) Is(target error) bool { return target == ErrCorrupted }

const (
	sessionExt = ".json"
	backupExt  = ".json.backup"
)

// Store persists one JSON document per session under <root>/sessions.
// Saves are crash-safe: the previous file is copied to a .backup sibling,
// the new document is written to a temp file in the same directory, fsynced,
// and renamed into place. Readers always see either the old complete file or
// the new complete file.
type Store struct {
	root string
	log  *logging.Logger
}

// DefaultStorageRoot prefers the XDG data dir and falls back to
// ~/.local/share, then the temp dir.
func DefaultStorageRoot() string {
	if base := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); base != "" {
		return filepath.Join(base, "forge", "storage")
	}
	if base, err := os.UserHomeDir(); err == nil && base != "" {
		return filepath.Join(base, ".local", "share", "forge", "storage")
	}
	return filepath.Join(os.TempDir(), "forge", "storage")
}

func NewStore(root string, log *logging.Logger) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		root = DefaultStorageRoot()
	}
	s := &Store{root: root, log: log}
	if err := os.MkdirAll(s.sessionsDir(), 0o700); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return s, nil
}

func (s *Store) Root() string { return s.root }

func (s *Store) sessionsDir() string {
	return filepath.Join(s.root, "sessions")
}

func (s *Store) sessionPath(id string) string {
	return filepath.Join(s.sessionsDir(), id+sessionExt)
}

func (s *Store) backupPath(id string) string {
	return filepath.Join(s.sessionsDir(), id+backupExt)
}

// IndexPath is where the companion Index persists its summary table.
func (s *Store) IndexPath() string {
	return filepath.Join(s.root, "index.json")
}

// Save writes the session atomically. The previous file, if any, is first
// copied to a backup sibling; a backup failure is logged, not fatal.
func (s *Store) Save(sess *Session) error {
	if sess == nil {
		return errors.New("nil session")
	}
	if strings.TrimSpace(sess.ID) == "" {
		return errors.New("missing session id")
	}
	path := s.sessionPath(sess.ID)

	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, s.backupPath(sess.ID)); err != nil {
			s.log.Warn("session backup copy failed", map[string]interface{}{
				"session_id": sess.ID,
				"error":      err.Error(),
			})
		}
	}

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize session %s: %w", sess.ID, err)
	}
	return atomicWrite(path, data)
}

// Load reads and parses the session file for id. Missing file yields
// ErrNotFound; a present-but-unparsable file yields a CorruptError.
func (s *Store) Load(id string) (*Session, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(s.sessionPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, &CorruptError{ID: id, Err: err}
	}
	if sess.Messages == nil {
		sess.Messages = []Message{}
	}
	return &sess, nil
}

// LoadOrNil returns nil for any load failure instead of an error.
func (s *Store) LoadOrNil(id string) *Session {
	sess, err := s.Load(id)
	if err != nil {
		return nil
	}
	return sess
}

func (s *Store) Exists(id string) bool {
	_, err := os.Stat(s.sessionPath(id))
	return err == nil
}

// Delete removes the session file and its backup. Returns false if no file
// existed.
func (s *Store) Delete(id string) bool {
	err := os.Remove(s.sessionPath(id))
	_ = os.Remove(s.backupPath(id))
	return err == nil
}

func (s *Store) ListIDs() ([]string, error) {
	ents, err := os.ReadDir(s.sessionsDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, backupExt) || !strings.HasSuffix(name, sessionExt) {
			continue
		}
		id := strings.TrimSuffix(name, sessionExt)
		if id != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// RecoverFromBackup restores the primary file from its backup sibling. The
// backup must itself parse before it replaces the primary. Returns true on
// success.
func (s *Store) RecoverFromBackup(id string) bool {
	data, err := os.ReadFile(s.backupPath(id))
	if err != nil {
		return false
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		s.log.Warn("session backup is also unparsable", map[string]interface{}{
			"session_id": id,
			"error":      err.Error(),
		})
		return false
	}
	if err := atomicWrite(s.sessionPath(id), data); err != nil {
		s.log.Error("session backup restore failed", map[string]interface{}{
			"session_id": id,
			"error":      err.Error(),
		})
		return false
	}
	s.log.Info("session restored from backup", map[string]interface{}{
		"session_id": id,
	})
	return true
}

// CleanupOlderThan deletes sessions whose last update is older than age,
// always keeping the keepMinimum most recently updated regardless of age.
// Unreadable files are skipped, never deleted. Returns the deleted ids.
func (s *Store) CleanupOlderThan(age time.Duration, keepMinimum int) ([]string, error) {
	ids, err := s.ListIDs()
	if err != nil {
		return nil, err
	}

	type candidate struct {
		id      string
		updated time.Time
	}
	all := make([]candidate, 0, len(ids))
	for _, id := range ids {
		sess, err := s.Load(id)
		if err != nil {
			continue
		}
		all = append(all, candidate{id: id, updated: sess.UpdatedAt})
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].updated.After(all[j].updated)
	})

	cutoff := time.Now().UTC().Add(-age)
	deleted := []string{}
	for i, c := range all {
		if i < keepMinimum {
			continue
		}
		if c.updated.After(cutoff) {
			continue
		}
		if s.Delete(c.id) {
			deleted = append(deleted, c.id)
		}
	}
	return deleted, nil
}

// atomicWrite lands data at path via a same-directory temp file, fsync, and
// rename. The primary is never truncated in place, so a crash mid-write
// leaves the previous file intact. File mode is owner-only.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
