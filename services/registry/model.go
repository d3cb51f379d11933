package registry

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// modelValidate is the struct-tag validator for Model. Initialized once in
// init() rather than per-call: validator.New() builds and caches a type
// cache internally, so a package-level singleton is the idiomatic way to
// use it.
var modelValidate *validator.Validate

func init() {
	modelValidate = validator.New()
}

// TestStatus is the state-machine position of a Model Record's context
// test, per spec §4.4.5: untested -> in_progress -> {completed, failed}.
type TestStatus string

const (
	StatusUntested   TestStatus = "untested"
	StatusInProgress TestStatus = "in_progress"
	StatusCompleted  TestStatus = "completed"
	StatusFailed     TestStatus = "failed"
)

// Model is the registry's unit of persistence (spec §3.1 "Model Record").
// Field names are the Go-idiomatic counterpart of the snake_case keys the
// registry file serializes them as (see the json tags); Validate enforces
// the invariants that must hold independent of how the record was produced.
type Model struct {
	ID       string `json:"id" validate:"required"`
	ShortID  string `json:"short_id,omitempty"`
	Path     string `json:"path" validate:"required"`
	SizeBytes int64  `json:"size_bytes,omitempty" validate:"gte=0"`
	HasTools  bool   `json:"has_tools,omitempty"`
	HasVision bool   `json:"has_vision,omitempty"`

	CtxInDeclared  int  `json:"ctx_in_declared" validate:"gte=0"`
	CtxOutDefault  *int `json:"ctx_out_default,omitempty"`

	TestedMaxContext      *int `json:"tested_max_context,omitempty"`
	LoadableMaxContext    *int `json:"loadable_max_context,omitempty"`
	LastKnownGoodContext  *int `json:"last_known_good_context,omitempty"`
	LastKnownBadContext   *int `json:"last_known_bad_context,omitempty"`

	ContextTestStatus  TestStatus `json:"context_test_status"`
	ContextTestDate    *time.Time `json:"context_test_date,omitempty"`
	ContextTestLogPath string     `json:"context_test_log_path,omitempty"`

	Failed   bool   `json:"failed,omitempty"`
	ErrorMsg string `json:"error_msg,omitempty"`
}

// Clone returns a deep-enough copy of m: every pointer field is copied into
// a fresh allocation so the caller can mutate the clone without aliasing the
// original. Used by the Registry Store to hand callers a value they cannot
// accidentally corrupt the in-memory catalog through.
func (m Model) Clone() Model {
	out := m
	if m.CtxOutDefault != nil {
		v := *m.CtxOutDefault
		out.CtxOutDefault = &v
	}
	if m.TestedMaxContext != nil {
		v := *m.TestedMaxContext
		out.TestedMaxContext = &v
	}
	if m.LoadableMaxContext != nil {
		v := *m.LoadableMaxContext
		out.LoadableMaxContext = &v
	}
	if m.LastKnownGoodContext != nil {
		v := *m.LastKnownGoodContext
		out.LastKnownGoodContext = &v
	}
	if m.LastKnownBadContext != nil {
		v := *m.LastKnownBadContext
		out.LastKnownBadContext = &v
	}
	if m.ContextTestDate != nil {
		v := *m.ContextTestDate
		out.ContextTestDate = &v
	}
	return out
}

// Validate checks Model's struct-tag constraints (required identity fields,
// non-negative sizes) via go-playground/validator. It is independent of
// Invariant: Validate catches a malformed record regardless of where it
// came from (a freshly scanned backend entry, a hand-edited registry file),
// while Invariant checks cross-field relationships that only make sense
// once a record has bounds at all.
func (m Model) Validate() error {
	return modelValidate.Struct(m)
}

// Invariant checks the invariants of spec §3.1. It does not mutate m; it is
// meant to be called after every mutation as a cheap assertion in tests and
// as a defensive check before an atomic save.
func (m Model) Invariant() error {
	if m.LastKnownGoodContext != nil && m.LastKnownBadContext != nil {
		if *m.LastKnownGoodContext >= *m.LastKnownBadContext {
			return &invariantError{"last_known_good_context must be < last_known_bad_context"}
		}
	}
	if m.TestedMaxContext != nil && m.LastKnownGoodContext != nil {
		if *m.TestedMaxContext != *m.LastKnownGoodContext {
			return &invariantError{"tested_max_context must equal last_known_good_context"}
		}
	}
	if m.TestedMaxContext != nil && m.LoadableMaxContext != nil {
		if *m.TestedMaxContext > *m.LoadableMaxContext {
			return &invariantError{"tested_max_context must be <= loadable_max_context"}
		}
	}
	if m.ContextTestStatus == StatusCompleted {
		if m.TestedMaxContext == nil && !m.Failed {
			return &invariantError{"completed status requires tested_max_context or failed"}
		}
	}
	return nil
}

type invariantError struct{ msg string }

func (e *invariantError) Error() string { return "model invariant violated: " + e.msg }

// EffectiveMaxContext returns the largest context size downstream callers
// should use: tested_max_context, capped at ctx_in_declared in case the
// implementation ever tested above the declared maximum (spec §3.1).
func (m Model) EffectiveMaxContext() (int, bool) {
	if m.TestedMaxContext == nil {
		return 0, false
	}
	v := *m.TestedMaxContext
	if m.CtxInDeclared > 0 && v > m.CtxInDeclared {
		v = m.CtxInDeclared
	}
	return v, true
}
