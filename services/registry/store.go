// Package registry owns the on-disk catalog of known models and their
// context-test state (spec §3.1, §4.2 "Registry Store", component C2).
//
// # Description
//
// The registry file is a single JSON document whose top-level keys are
// Model.Path values. Store.Upsert and Store.ReplaceAll write it atomically
// (temp file + fsync + rename) so a reader never observes a half-written
// document, and
// Store.Get resolves an identifier against id, short_id, and path with a
// fixed precedence, refusing to silently pick a winner on ambiguity — this
// is the fix for the id/path lookup confusion the source project's issue
// tracker repeatedly hit (spec §9).
//
// # Thread Safety
//
// Store is safe for concurrent reads. Concurrent writers are not
// supported: the core assumes single-writer discipline (spec §4.2), and
// Store only serializes its own in-process callers via an internal mutex —
// it does not protect against a second OS process writing the same file.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/twardoch/lmstrix/services/errs"
)

// Store owns the registry file at path and caches its parsed contents in
// memory between calls.
type Store struct {
	path string

	mu      sync.RWMutex
	byPath  map[string]Model
}

// Open loads the registry file at path into memory, creating an empty one
// if it does not yet exist. A missing file is not an error: a fresh
// install has no registry until the first scan.
func Open(path string) (*Store, error) {
	s := &Store{path: path, byPath: make(map[string]Model)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.Wrap(errs.KindRegistryIO, "reading registry", err).WithPath(s.path)
	}
	if len(data) == 0 {
		return nil
	}
	var m map[string]Model
	if err := json.Unmarshal(data, &m); err != nil {
		return errs.Wrap(errs.KindRegistryCorrupt, "parsing registry", err).WithPath(s.path)
	}
	s.byPath = m
	return nil
}

// List returns a snapshot of every known Model Record, sorted by path for
// deterministic iteration (spec §5 "Ordering guarantees" ties are broken by
// path lexicographically; List gives callers that order for free).
func (s *Store) List() []Model {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Model, 0, len(s.byPath))
	for _, m := range s.byPath {
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// AmbiguousIdentifierError is returned by Get when an identifier matches
// more than one record and the precedence rule in spec §4.2 cannot resolve
// it (which only happens if the registry itself contains two records with
// the same id, or, when no id matches, two records with the same short_id;
// a path match always wins outright).
type AmbiguousIdentifierError struct {
	Identifier string
	Paths      []string
}

func (e *AmbiguousIdentifierError) Error() string {
	return fmt.Sprintf("identifier %q is ambiguous: matches %v", e.Identifier, e.Paths)
}

// Get resolves identifier against path, id, and short_id, in that
// precedence order (spec §4.2). A path match always wins outright since
// path is the registry's primary key. If no path matches, id matches are
// considered first and short_id matches only when no id matches; more than
// one match at the deciding level is reported as *AmbiguousIdentifierError
// rather than silently picking one.
func (s *Store) Get(identifier string) (Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if m, ok := s.byPath[identifier]; ok {
		return m.Clone(), nil
	}

	var idMatches, shortMatches []Model
	for _, m := range s.byPath {
		if m.ID == identifier {
			idMatches = append(idMatches, m)
		} else if m.ShortID == identifier {
			shortMatches = append(shortMatches, m)
		}
	}

	switch {
	case len(idMatches) == 1:
		return idMatches[0].Clone(), nil
	case len(idMatches) > 1:
		return Model{}, &AmbiguousIdentifierError{Identifier: identifier, Paths: pathsOf(idMatches)}
	case len(shortMatches) == 1:
		return shortMatches[0].Clone(), nil
	case len(shortMatches) > 1:
		return Model{}, &AmbiguousIdentifierError{Identifier: identifier, Paths: pathsOf(shortMatches)}
	default:
		return Model{}, errs.New(errs.KindNotFound, fmt.Sprintf("no model matches identifier %q", identifier))
	}
}

func pathsOf(models []Model) []string {
	out := make([]string, len(models))
	for i, m := range models {
		out[i] = m.Path
	}
	return out
}

// Upsert writes one Model Record, replacing any existing record at the same
// path, and atomically persists the whole registry to disk.
func (s *Store) Upsert(m Model) error {
	if err := m.Validate(); err != nil {
		return errs.Wrap(errs.KindRegistryIO, "model failed validation", err).WithPath(m.Path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.byPath[m.Path] = m
	return s.saveLocked()
}

// ReplaceAll replaces the entire in-memory catalog and persists it. Used
// after a scan: existing test state for a path that survives the scan is
// expected to already be folded into records by the caller (the core facade
// does this merge, not Store — Store just persists what it's given).
func (s *Store) ReplaceAll(models []Model) error {
	for _, m := range models {
		if err := m.Validate(); err != nil {
			return errs.Wrap(errs.KindRegistryIO, "model failed validation", err).WithPath(m.Path)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]Model, len(models))
	for _, m := range models {
		next[m.Path] = m
	}
	s.byPath = next
	return s.saveLocked()
}

// saveLocked writes s.byPath to disk atomically: write to a temp file in
// the same directory, fsync, then rename over the target. A failure at any
// point before the rename leaves the previous on-disk version untouched
// (spec §4.2's "the previous on-disk version is preserved").
func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.byPath, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindRegistryIO, "marshaling registry", err).WithPath(s.path)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(errs.KindRegistryIO, "creating registry directory", err).WithPath(dir)
	}

	tmp, err := os.CreateTemp(dir, ".registry-*.tmp")
	if err != nil {
		return errs.Wrap(errs.KindRegistryIO, "creating temp registry file", err).WithPath(dir)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errs.Wrap(errs.KindRegistryIO, "writing temp registry file", err).WithPath(tmpPath)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errs.Wrap(errs.KindRegistryIO, "fsyncing temp registry file", err).WithPath(tmpPath)
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrap(errs.KindRegistryIO, "closing temp registry file", err).WithPath(tmpPath)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return errs.Wrap(errs.KindRegistryIO, "renaming registry file into place", err).WithPath(s.path)
	}
	return nil
}

// Path returns the registry file's location on disk.
func (s *Store) Path() string { return s.path }
