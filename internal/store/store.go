// Package store persists grading sessions in a single YAML file.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MeKo-Tech/markscan/internal/marks"
	"github.com/MeKo-Tech/markscan/internal/reconcile"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned for unknown session or record IDs.
var ErrNotFound = errors.New("not found")

// ErrInvalidSession aliases the data model sentinel so callers need only
// this package.
var ErrInvalidSession = marks.ErrInvalidSession

// ErrInvalidMark rejects a manual mark outside the session's range.
var ErrInvalidMark = errors.New("invalid mark")

// fileFormat is the on-disk document.
type fileFormat struct {
	Version  int             `yaml:"version"`
	Sessions []marks.Session `yaml:"sessions"`
}

const formatVersion = 1

// Store is a file-backed session collection. All methods are safe for
// concurrent use.
type Store struct {
	path  string
	now   func() time.Time
	newID func() string

	mu       sync.Mutex
	sessions []marks.Session
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides the session ID generator.
func WithIDGenerator(newID func() string) Option {
	return func(s *Store) { s.newID = newID }
}

// Open loads the store at path. A missing file yields an empty store.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{path: path, now: time.Now, newID: uuid.NewString}
	for _, opt := range opts {
		opt(s)
	}

	data, err := os.ReadFile(path) //nolint:gosec // G304: store path comes from configuration
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Debug("Session store does not exist yet", "path", path)
		s.sessions = []marks.Session{}
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read session store %s: %w", path, err)
	}

	var doc fileFormat
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse session store %s: %w", path, err)
	}
	s.sessions = doc.Sessions
	if s.sessions == nil {
		s.sessions = []marks.Session{}
	}
	for i := range s.sessions {
		if s.sessions[i].Marks == nil {
			s.sessions[i].Marks = []marks.StudentMark{}
		}
	}
	slog.Debug("Session store loaded", "path", path, "sessions", len(s.sessions))
	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// save writes the document atomically. Callers hold s.mu.
func (s *Store) save() error {
	data, err := yaml.Marshal(fileFormat{Version: formatVersion, Sessions: s.sessions})
	if err != nil {
		return fmt.Errorf("encode session store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".sessions-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace session store: %w", err)
	}
	return nil
}

func (s *Store) index(id string) int {
	for i := range s.sessions {
		if s.sessions[i].ID == id {
			return i
		}
	}
	return -1
}

func copySession(sess marks.Session) marks.Session {
	sess.Marks = append([]marks.StudentMark{}, sess.Marks...)
	return sess
}

// Create adds a new empty session.
func (s *Store) Create(name string, maxMark float64) (marks.Session, error) {
	sess, err := marks.NewSession(s.newID(), name, maxMark, s.now())
	if err != nil {
		return marks.Session{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, sess)
	if err := s.save(); err != nil {
		s.sessions = s.sessions[:len(s.sessions)-1]
		return marks.Session{}, err
	}
	slog.Info("Session created", "session_id", sess.ID, "name", sess.Name, "max_mark", sess.MaxMark)
	return copySession(sess), nil
}

// List returns all sessions, newest first.
func (s *Store) List() []marks.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]marks.Session, len(s.sessions))
	for i, sess := range s.sessions {
		out[i] = copySession(sess)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Get returns a session by ID.
func (s *Store) Get(id string) (marks.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(id)
	if i < 0 {
		return marks.Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return copySession(s.sessions[i]), nil
}

// Find returns the session whose ID starts with prefix or whose name matches
// exactly. An ambiguous prefix is treated as not found.
func (s *Store) Find(ref string) (marks.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.index(ref); i >= 0 {
		return copySession(s.sessions[i]), nil
	}
	match := -1
	for i, sess := range s.sessions {
		if sess.Name == ref || (len(ref) >= 4 && strings.HasPrefix(sess.ID, ref)) {
			if match >= 0 {
				return marks.Session{}, fmt.Errorf("session %q is ambiguous: %w", ref, ErrNotFound)
			}
			match = i
		}
	}
	if match < 0 {
		return marks.Session{}, fmt.Errorf("session %s: %w", ref, ErrNotFound)
	}
	return copySession(s.sessions[match]), nil
}

// Delete removes a session.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(id)
	if i < 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	old := s.sessions
	s.sessions = append(append([]marks.Session{}, old[:i]...), old[i+1:]...)
	if err := s.save(); err != nil {
		s.sessions = old
		return err
	}
	slog.Info("Session deleted", "session_id", id)
	return nil
}

// Commit appends the reviewed records to a session. Records whose student ID
// is already in the session at this moment are discarded and counted.
func (s *Store) Commit(id string, pending []marks.StudentMark) (reconcile.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(id)
	if i < 0 {
		return reconcile.Result{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}

	sess := s.sessions[i]
	pending = sanitizePending(pending, sess)
	merged, res := reconcile.Merge(sess, pending)
	s.sessions[i] = merged
	if err := s.save(); err != nil {
		s.sessions[i] = sess
		return reconcile.Result{}, err
	}
	slog.Info("Records committed", "session_id", id, "accepted", len(res.Accepted), "duplicates", res.Duplicates)
	return res, nil
}

// sanitizePending re-validates reviewed records, which the caller may have
// edited. A record ID that is missing or already taken in the session or
// earlier in pending is replaced, so every record stays addressable.
func sanitizePending(pending []marks.StudentMark, sess marks.Session) []marks.StudentMark {
	taken := make(map[string]bool, len(sess.Marks)+len(pending))
	for _, m := range sess.Marks {
		taken[m.ID] = true
	}
	out := make([]marks.StudentMark, 0, len(pending))
	for _, p := range pending {
		c, ok := marks.ValidateCandidate(p.Candidate(), sess.MaxMark)
		if !ok {
			continue
		}
		for p.ID == "" || taken[p.ID] {
			p.ID = uuid.NewString()
		}
		taken[p.ID] = true
		p.StudentID, p.Mark = c.StudentID, c.Mark
		out = append(out, p)
	}
	return out
}

// MarkUpdate is a manual edit of one record. Nil fields are left unchanged.
type MarkUpdate struct {
	StudentID *string
	Mark      *marks.Mark
}

// UpdateMark edits a record by hand. The mark must be empty or within the
// session's range. Student ID uniqueness is not re-checked.
func (s *Store) UpdateMark(sessionID, markID string, upd MarkUpdate) (marks.StudentMark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(sessionID)
	if i < 0 {
		return marks.StudentMark{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	sess := &s.sessions[i]
	j := markIndex(sess.Marks, markID)
	if j < 0 {
		return marks.StudentMark{}, fmt.Errorf("record %s: %w", markID, ErrNotFound)
	}

	rec := sess.Marks[j]
	if upd.StudentID != nil {
		if strings.TrimSpace(*upd.StudentID) == "" {
			return marks.StudentMark{}, fmt.Errorf("%w: student ID must not be empty", ErrInvalidMark)
		}
		rec.StudentID = *upd.StudentID
	}
	if upd.Mark != nil {
		if v, ok := upd.Mark.Value(); ok && !marks.ClampMark(v, sess.MaxMark).IsSet() {
			return marks.StudentMark{}, fmt.Errorf("%w: %s is outside 0..%s", ErrInvalidMark, upd.Mark, marks.MarkOf(sess.MaxMark))
		}
		rec.Mark = *upd.Mark
	}

	old := sess.Marks[j]
	sess.Marks[j] = rec
	if err := s.save(); err != nil {
		sess.Marks[j] = old
		return marks.StudentMark{}, err
	}
	return rec, nil
}

// DeleteMark removes one record from a session.
func (s *Store) DeleteMark(sessionID, markID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(sessionID)
	if i < 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	sess := &s.sessions[i]
	j := markIndex(sess.Marks, markID)
	if j < 0 {
		return fmt.Errorf("record %s: %w", markID, ErrNotFound)
	}
	old := sess.Marks
	sess.Marks = append(append([]marks.StudentMark{}, old[:j]...), old[j+1:]...)
	if err := s.save(); err != nil {
		sess.Marks = old
		return err
	}
	return nil
}

func markIndex(records []marks.StudentMark, id string) int {
	for i := range records {
		if records[i].ID == id {
			return i
		}
	}
	return -1
}
