package tester

import (
	"strings"
	"time"

	"github.com/twardoch/lmstrix/services/backend"
	"github.com/twardoch/lmstrix/services/registry"
)

// Phase is one state of the Test Plan's search strategy (spec §4.4.3).
type Phase string

const (
	PhaseVerifyMinimum Phase = "verify-minimum"
	PhaseClimb         Phase = "climb"
	PhaseBisect        Phase = "bisect"
	PhaseDone          Phase = "done"
)

// Default strategy constants (spec §4.4.3). The CLI (cmd/lmstrix
// testOptions) overrides these per-invocation via Options.
const (
	DefaultThreshold         = 102400
	DefaultMinProbe          = 1024
	DefaultClimbStep         = 10240
	DefaultBisectConvergence = 256
	DefaultMaxIterations     = 25
)

// Options parameterizes one tester run. Zero values are replaced by the
// spec's defaults in WithDefaults.
type Options struct {
	Threshold         int
	MinProbe          int
	ClimbStep         int
	BisectConvergence int
	MaxIterations     int

	// Target, when non-nil, switches the run into single-shot mode: probe
	// exactly once at *Target and return (spec §4.4.3 "optional explicit
	// target").
	Target *int

	// Reset clears prior test state before planning, re-entering in_progress
	// even if the record was previously completed or failed (spec §4.4.5).
	Reset bool

	Prompt           string
	MaxTokens        int
	LoadTimeout      time.Duration
	InferenceTimeout time.Duration

	// Observer, if set, is called synchronously after every probe that
	// reaches a classification, with the freshly persisted Model Record,
	// the probe's class, and the raw backend outcome (for load/inference
	// duration reporting). Nothing in the tester or fleet package depends
	// on it being set; it exists purely so an outer shell (the CLI's live
	// summary line, the status server's websocket feed, the TUI) can watch
	// a run in progress without polling the registry.
	Observer func(registry.Model, ProbeClass, backend.Outcome)
}

func (o Options) WithDefaults() Options {
	if o.Threshold <= 0 {
		o.Threshold = DefaultThreshold
	}
	if o.MinProbe <= 0 {
		o.MinProbe = DefaultMinProbe
	}
	if o.ClimbStep <= 0 {
		o.ClimbStep = DefaultClimbStep
	}
	if o.BisectConvergence <= 0 {
		o.BisectConvergence = DefaultBisectConvergence
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = DefaultMaxIterations
	}
	if o.Prompt == "" {
		o.Prompt = ProbePrompt
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 32
	}
	if o.LoadTimeout <= 0 {
		o.LoadTimeout = 60 * time.Second
	}
	if o.InferenceTimeout <= 0 {
		o.InferenceTimeout = 30 * time.Second
	}
	return o
}

// ProbePrompt is the fixed, deliberately trivial probe text (spec §4.4.1).
// It works across instruct/chat/base/code/vision models without
// tokenizer-specific quirks; arithmetic-style prompts were unreliable.
const ProbePrompt = "Say hello"

// ProbeClass is the classification of one probe outcome (spec §4.4.2).
type ProbeClass int

const (
	ClassGood ProbeClass = iota
	ClassBadSemantic
	ClassBadInfer
	ClassBadLoad
)

// String renders the classification using the same labels the metrics
// layer and the progress feed use for the "class" dimension.
func (c ProbeClass) String() string {
	switch c {
	case ClassGood:
		return "success"
	case ClassBadSemantic:
		return "bad_semantic"
	case ClassBadInfer:
		return "bad_infer"
	case ClassBadLoad:
		return "bad_load"
	default:
		return "unknown"
	}
}

// classify maps a raw backend.Outcome onto the four-way classification
// table in spec §4.4.2.
func classify(o backend.Outcome) ProbeClass {
	switch o.Class {
	case backend.ClassSuccess:
		if strings.Contains(strings.ToLower(o.ResponseText), "hello") {
			return ClassGood
		}
		return ClassBadSemantic
	case backend.ClassInferenceFailed, backend.ClassInferenceHung:
		return ClassBadInfer
	default: // backend.ClassLoadFailed
		return ClassBadLoad
	}
}

// Plan is the Test Plan transient type (spec §3.1): it exists only for the
// duration of one model's run and never touches disk directly.
type Plan struct {
	// Lo/Hi are -1 when unknown — they mirror last_known_good_context and
	// last_known_bad_context respectively while the run is live.
	Lo, Hi          int
	NextSize        int
	Phase           Phase
	IterationsSpent int
}

func capOf(declared, threshold int) int {
	if declared < threshold {
		return declared
	}
	return threshold
}

// newPlan builds the resumed Test Plan from persisted bounds (spec §4.4.3
// "Resume"): if either bound is already known, Phase V is skipped entirely.
func newPlan(lo, hi int, opts Options, cap int) Plan {
	switch {
	case lo == -1 && hi == -1:
		return Plan{Lo: -1, Hi: -1, Phase: PhaseVerifyMinimum, NextSize: opts.MinProbe}
	case hi == -1:
		next := lo + opts.ClimbStep
		if next > cap {
			next = cap
		}
		return Plan{Lo: lo, Hi: -1, Phase: PhaseClimb, NextSize: next}
	default:
		effectiveLo := lo
		if effectiveLo == -1 {
			effectiveLo = 0
		}
		return Plan{Lo: effectiveLo, Hi: hi, Phase: PhaseBisect, NextSize: effectiveLo + (hi-effectiveLo)/2}
	}
}

// next advances the plan given the classification observed at probedSize.
// It is a pure function over the plan's own state — no I/O, no registry or
// journal access — so the search strategy can be unit tested without a
// Prober.
func (p Plan) next(class ProbeClass, probedSize, cap int, opts Options) Plan {
	switch p.Phase {
	case PhaseVerifyMinimum:
		if class != ClassGood {
			return Plan{Lo: p.Lo, Hi: probedSize, Phase: PhaseDone}
		}
		return climbFrom(probedSize, p.Hi, cap, opts)

	case PhaseClimb:
		if class == ClassGood {
			if probedSize >= cap {
				return Plan{Lo: probedSize, Hi: p.Hi, Phase: PhaseDone}
			}
			return climbFrom(probedSize, p.Hi, cap, opts)
		}
		// Any BAD classification while climbing opens Phase B with the last
		// known good as lo and this probe as hi (spec §4.4.3 Phase C exit).
		return bisectFrom(p.Lo, probedSize, 0)

	case PhaseBisect:
		lo, hi := p.Lo, p.Hi
		if class == ClassGood {
			lo = probedSize
		} else {
			hi = probedSize
		}
		iterations := p.IterationsSpent + 1
		if hi-lo <= opts.BisectConvergence || iterations >= opts.MaxIterations {
			return Plan{Lo: lo, Hi: hi, Phase: PhaseDone, IterationsSpent: iterations}
		}
		return bisectFrom(lo, hi, iterations)

	default:
		return p
	}
}

// climbFrom computes the next climb candidate from a new good floor,
// applying the safety clamp: a candidate may never reach or exceed a known
// bad ceiling (spec §4.4.3 "Safety clamp"), switching straight to bisection
// instead of wasting a probe on a size already known to be unreachable.
func climbFrom(goodFloor, knownBad, cap int, opts Options) Plan {
	next := goodFloor + opts.ClimbStep
	if next > cap {
		next = cap
	}
	if knownBad != -1 && next >= knownBad {
		return bisectFrom(goodFloor, knownBad, 0)
	}
	return Plan{Lo: goodFloor, Hi: knownBad, Phase: PhaseClimb, NextSize: next}
}

func bisectFrom(lo, hi, iterations int) Plan {
	return Plan{Lo: lo, Hi: hi, Phase: PhaseBisect, NextSize: lo + (hi-lo)/2, IterationsSpent: iterations}
}
