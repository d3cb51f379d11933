// Package backend implements the Backend Adapter (spec §4.1, component C1):
// the single synchronous probe operation that loads a model at a requested
// context size, runs one bounded completion, and always unloads before
// returning.
package backend

import (
	"context"
	"time"
)

// Outcome is the tagged result of one Probe (spec §4.1 "ProbeOutcome").
// Exactly one of the four shapes is populated, selected by Class.
type Outcome struct {
	Class OutcomeClass

	// Populated for ClassLoadFailed and ClassInferenceFailed.
	ErrorKind string
	Detail    string

	// Populated for every class: how long the load call itself took.
	LoadDuration time.Duration

	// Populated for ClassSuccess. TotalDuration spans load plus inference;
	// TotalDuration-LoadDuration isolates the inference-only portion.
	ResponseText  string
	TotalDuration time.Duration
}

// OutcomeClass selects which shape of Outcome is populated.
type OutcomeClass int

const (
	ClassLoadFailed OutcomeClass = iota
	ClassInferenceFailed
	ClassInferenceHung
	ClassSuccess
)

func (c OutcomeClass) String() string {
	switch c {
	case ClassLoadFailed:
		return "load_failed"
	case ClassInferenceFailed:
		return "inference_failed"
	case ClassInferenceHung:
		return "inference_hung"
	case ClassSuccess:
		return "success"
	default:
		return "unknown"
	}
}

// ProbeRequest is one probe invocation against the backend.
type ProbeRequest struct {
	ModelID string
	// CtxSize is the context window, in tokens, to load the model at.
	CtxSize int
	// Prompt is the fixed trivial probe text (spec §4.4.1 — always "Say hello"
	// in production use, but the adapter does not hardcode it so it stays
	// testable with other strings).
	Prompt string
	// MaxTokens bounds the generation length. Spec §9 requires this be small
	// and always set, as the other half (with the inference timeout) of the
	// defense against a backend that "continues generating" forever.
	MaxTokens int

	LoadTimeout      time.Duration
	InferenceTimeout time.Duration
}

// DownloadedModel is one entry from the backend's list of locally available
// models (spec §6.2 item 1).
type DownloadedModel struct {
	ID        string
	Path      string
	SizeBytes int64
	CtxIn     int
	CtxOut    int
	HasTools  bool
	HasVision bool
}

// Prober is what services/tester and services/fleet depend on: the single
// probe operation plus model discovery, both synchronous and cancellable.
// The HTTP implementation lives in client.go; tests substitute a scripted
// fake so the strategy engine in services/tester can be exercised without a
// live inference server.
type Prober interface {
	// Probe loads req.ModelID at req.CtxSize, runs one completion, and
	// always unloads — on success, on every error path, and on context
	// cancellation — before returning (spec §4.1).
	Probe(ctx context.Context, req ProbeRequest) (Outcome, error)

	// ListDownloadedModels enumerates the backend's locally available
	// models (spec §6.2 item 1), used by the core facade's Scan operation.
	ListDownloadedModels(ctx context.Context) ([]DownloadedModel, error)
}
