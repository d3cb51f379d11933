// Package journal implements the append-only per-model probe log (spec
// §3.1 "Probe Attempt", §4.3 "Probe Journal", component C3).
//
// # Description
//
// Each model gets its own journal file, one JSON-encoded Probe Attempt per
// line. Lines are never rewritten or removed; Append writes then flushes
// before returning, so an entry is either fully on disk or not there at
// all — there is no torn-write window for a reader to observe.
package journal

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/twardoch/lmstrix/services/errs"
)

// Attempt is one Probe Attempt record (spec §3.1).
type Attempt struct {
	ID              string        `json:"id"`
	Timestamp       time.Time     `json:"timestamp"`
	ModelID         string        `json:"model_id"`
	RequestedCtx    int           `json:"requested_ctx"`
	LoadOK          bool          `json:"load_ok"`
	InferenceOK     bool          `json:"inference_ok"`
	ResponseExcerpt string        `json:"response_excerpt,omitempty"`
	ErrorKind       errs.Kind     `json:"error_kind,omitempty"`
	ErrorDetail     string        `json:"error_detail,omitempty"`
	DurationSeconds float64       `json:"duration_seconds"`
}

// Validate enforces the one cross-field invariant a Probe Attempt carries:
// inference cannot have succeeded without a successful load (spec §3.1).
func (a Attempt) Validate() error {
	if a.InferenceOK && !a.LoadOK {
		return errs.New(errs.KindInferenceError, "inference_ok implies load_ok, but load_ok is false")
	}
	return nil
}

// Journal appends Probe Attempts for one model to a single file on disk.
//
// # Thread Safety
//
// A Journal instance serializes its own Append calls with an internal
// mutex, but a Journal must not be shared across models — spec §4.3 scopes
// one journal file to one model, and the core never opens two Journal
// instances on the same path concurrently (component C4 is not reentrant
// for a given model; see services/lock).
type Journal struct {
	path string
	mu   sync.Mutex
}

// Open returns a Journal writing to path, creating the parent directory if
// needed. It does not truncate an existing file: reopening a journal for a
// resumed run must see prior entries remain intact.
func Open(path string) (*Journal, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindRegistryIO, "creating journal directory", err).WithPath(dir)
	}
	return &Journal{path: path}, nil
}

// Append writes one Probe Attempt as a JSON line and flushes it to disk
// before returning, per spec §4.3's "writes are line-atomic".
func (j *Journal) Append(a Attempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	if err := a.Validate(); err != nil {
		return err
	}

	line, err := json.Marshal(a)
	if err != nil {
		return errs.Wrap(errs.KindRegistryIO, "marshaling probe attempt", err).WithPath(j.path)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errs.Wrap(errs.KindRegistryIO, "opening journal for append", err).WithPath(j.path)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return errs.Wrap(errs.KindRegistryIO, "appending to journal", err).WithPath(j.path)
	}
	return f.Sync()
}

// ReadAll replays every Attempt recorded in the journal, in append order.
// This is used for audit tooling and for reconstructing in-progress state
// if the registry's durable fields are ever lost (spec §4.3); it is never
// on the happy-path resume, which reads only the registry (spec §9).
func ReadAll(path string) ([]Attempt, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.KindRegistryIO, "opening journal", err).WithPath(path)
	}
	defer f.Close()

	var out []Attempt
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var a Attempt
		if err := json.Unmarshal(line, &a); err != nil {
			return nil, errs.Wrap(errs.KindRegistryCorrupt, "parsing journal line", err).WithPath(path)
		}
		out = append(out, a)
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.Wrap(errs.KindRegistryIO, "reading journal", err).WithPath(path)
	}
	return out, nil
}

// Path returns the journal file's location on disk.
func (j *Journal) Path() string { return j.path }
