// Package tester implements the Single-Model Tester (spec §4.4, component
// C4): the strategy engine that, given one model record, repeatedly drives
// the Backend Adapter, classifies outcomes, updates registry state, and
// decides when to stop.
package tester

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/twardoch/lmstrix/services/backend"
	"github.com/twardoch/lmstrix/services/errs"
	"github.com/twardoch/lmstrix/services/journal"
	"github.com/twardoch/lmstrix/services/registry"
)

var tracer = otel.Tracer("lmstrix.tester")

// Tester drives one model's context search, one probe at a time. It is not
// safe to invoke concurrently for the same model (spec §5 "No
// reentrancy") — the caller (the core facade, or the Fleet Scheduler) is
// responsible for serializing access.
//
// Every Step call re-reads the model's persisted bounds and re-derives its
// Test Plan from them (see newPlan) rather than holding plan state across
// calls in memory. That is what makes the engine resumable for free: a
// crash between two Step calls loses at most the probe that was in flight,
// exactly as spec §4.4.3's "Resume" and §8's law L1 require.
type Tester struct {
	prober backend.Prober
	store  *registry.Store
	logger *slog.Logger
}

// New builds a Tester over the given Backend Adapter and Registry Store.
func New(prober backend.Prober, store *registry.Store) *Tester {
	return &Tester{
		prober: prober,
		store:  store,
		logger: slog.Default().With("component", "tester.Tester"),
	}
}

// Run drives identifier's model to termination, calling Step repeatedly
// until it reports done. This is what the core facade's TestOne exposes;
// the Fleet Scheduler instead calls Step directly, once per pass.
func (t *Tester) Run(ctx context.Context, identifier string, opts Options) (registry.Model, error) {
	opts = opts.WithDefaults()

	if opts.Reset {
		if _, err := t.ResetModel(identifier); err != nil {
			return registry.Model{}, err
		}
		opts.Reset = false
	}

	for {
		model, done, err := t.Step(ctx, identifier, opts)
		if err != nil {
			return model, err
		}
		if done {
			return model, nil
		}
	}
}

// ResetModel clears a model's test state so a subsequent Step/Run re-enters
// in_progress instead of short-circuiting on a prior completed/failed
// status (spec §4.4.5). It persists the cleared state immediately.
func (t *Tester) ResetModel(identifier string) (registry.Model, error) {
	model, err := t.store.Get(identifier)
	if err != nil {
		return registry.Model{}, err
	}
	model = resetModel(model)
	if err := t.store.Upsert(model); err != nil {
		return model, err
	}
	return model, nil
}

// Step advances identifier's model by exactly one probe and reports whether
// the model has reached a terminal state (completed or failed) or, in
// explicit-target mode, simply that the one requested probe has run. A
// model already at StatusCompleted is a no-op: Step returns it unchanged
// with done=true.
func (t *Tester) Step(ctx context.Context, identifier string, opts Options) (registry.Model, bool, error) {
	opts = opts.WithDefaults()

	ctx, span := tracer.Start(ctx, "tester.Step")
	defer span.End()
	span.SetAttributes(attribute.String("lmstrix.identifier", identifier))

	model, err := t.store.Get(identifier)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return registry.Model{}, false, err
	}

	if model.ContextTestStatus == registry.StatusCompleted {
		return model, true, nil
	}

	jrnl, err := journal.Open(model.ContextTestLogPath)
	if err != nil {
		return model, false, err
	}
	r := &runState{t: t, jrnl: jrnl, opts: opts}

	if err := ctx.Err(); err != nil {
		return model, false, errs.Wrap(errs.KindCancelled, "test run cancelled", err)
	}

	if opts.Target != nil {
		m, err := r.singleShot(ctx, model, *opts.Target, false)
		return m, true, err
	}

	if model.CtxInDeclared < opts.MinProbe {
		m, err := r.singleShot(ctx, model, model.CtxInDeclared, true)
		return m, true, err
	}

	return r.phaseStep(ctx, model)
}

// runState threads the per-step dependencies without widening Tester's own
// surface.
type runState struct {
	t    *Tester
	jrnl *journal.Journal
	opts Options
}

// phaseStep performs exactly one iteration of the Phase V/C/B strategy
// (spec §4.4.3), re-deriving the Test Plan from the model's current
// persisted bounds so it can be called repeatedly across independent
// invocations (Run's loop, or one call per Fleet Scheduler pass).
func (r *runState) phaseStep(ctx context.Context, model registry.Model) (registry.Model, bool, error) {
	lo, hi := -1, -1
	if model.LastKnownGoodContext != nil {
		lo = *model.LastKnownGoodContext
	}
	if model.LastKnownBadContext != nil {
		hi = *model.LastKnownBadContext
	}
	cap := capOf(model.CtxInDeclared, r.opts.Threshold)
	plan := newPlan(lo, hi, r.opts, cap)

	size := plan.NextSize
	outcome, probeErr := r.t.prober.Probe(ctx, backend.ProbeRequest{
		ModelID:          model.ID,
		CtxSize:          size,
		Prompt:           r.opts.Prompt,
		MaxTokens:        r.opts.MaxTokens,
		LoadTimeout:      r.opts.LoadTimeout,
		InferenceTimeout: r.opts.InferenceTimeout,
	})
	if probeErr != nil {
		return model, false, probeErr
	}

	class := classify(outcome)
	model = applyClassification(model, size, class, outcome)

	if err := r.append(&model, size, class, outcome); err != nil {
		return model, false, err
	}
	if model.ContextTestStatus == registry.StatusUntested || model.ContextTestStatus == "" {
		model.ContextTestStatus = registry.StatusInProgress
	}

	if class == ClassBadLoad && outcome.ErrorKind == string(errs.KindNotFound) {
		model.Failed = true
		model.ErrorMsg = "model not resolvable"
		model.ContextTestStatus = registry.StatusCompleted
		stamp(&model)
		if err := r.t.store.Upsert(model); err != nil {
			return model, false, err
		}
		r.notify(model, class, outcome)
		return model, true, nil
	}

	priorPhase := plan.Phase
	next := plan.next(class, size, cap, r.opts)

	if priorPhase == PhaseVerifyMinimum && class != ClassGood {
		model.Failed = true
		model.ErrorMsg = fmt.Sprintf("minimum probe size %d failed", size)
		model.ContextTestStatus = registry.StatusCompleted
		stamp(&model)
		if err := r.t.store.Upsert(model); err != nil {
			return model, false, err
		}
		r.notify(model, class, outcome)
		return model, true, nil
	}

	done := next.Phase == PhaseDone
	if done {
		model.ContextTestStatus = registry.StatusCompleted
	}

	stamp(&model)
	if err := r.t.store.Upsert(model); err != nil {
		return model, false, err
	}
	r.notify(model, class, outcome)
	return model, done, nil
}

// notify invokes the caller's Observer hook, if set. Kept as a one-line
// method rather than inlined so every probe-terminating return path in
// phaseStep/singleShot calls it the same way.
func (r *runState) notify(model registry.Model, class ProbeClass, outcome backend.Outcome) {
	if r.opts.Observer != nil {
		r.opts.Observer(model, class, outcome)
	}
}

// stamp records the time of the mutation just applied (spec §3.1
// context_test_date).
func stamp(m *registry.Model) {
	now := time.Now().UTC()
	m.ContextTestDate = &now
}

// singleShot implements both the explicit-target mode and the
// declared-below-minimum boundary (spec §4.4.3, §8 B1): probe exactly once
// and return. completesTest controls whether the model transitions to a
// terminal status (only the declared<min_probe branch does — an explicit
// target probe is informational and leaves status untouched beyond
// untested->in_progress). A not_found outcome marks the record failed and
// completed in either mode.
func (r *runState) singleShot(ctx context.Context, model registry.Model, size int, completesTest bool) (registry.Model, error) {
	outcome, err := r.t.prober.Probe(ctx, backend.ProbeRequest{
		ModelID:          model.ID,
		CtxSize:          size,
		Prompt:           r.opts.Prompt,
		MaxTokens:        r.opts.MaxTokens,
		LoadTimeout:      r.opts.LoadTimeout,
		InferenceTimeout: r.opts.InferenceTimeout,
	})
	if err != nil {
		return model, err
	}

	class := classify(outcome)
	model = applyClassification(model, size, class, outcome)

	if appendErr := r.append(&model, size, class, outcome); appendErr != nil {
		return model, appendErr
	}
	if model.ContextTestStatus == registry.StatusUntested || model.ContextTestStatus == "" {
		model.ContextTestStatus = registry.StatusInProgress
	}

	if class == ClassBadLoad && outcome.ErrorKind == string(errs.KindNotFound) {
		model.Failed = true
		model.ErrorMsg = "model not resolvable"
		model.ContextTestStatus = registry.StatusCompleted
	} else if completesTest {
		model.ContextTestStatus = registry.StatusCompleted
		if class != ClassGood {
			// Invariant I4: completed requires tested_max_context set, or
			// failed=true. A single sub-minimum probe that didn't pan out
			// leaves no tested size, so the record must be sticky-failed.
			model.Failed = true
			model.ErrorMsg = fmt.Sprintf("single probe at %d did not succeed", size)
		}
	}

	stamp(&model)
	if err := r.t.store.Upsert(model); err != nil {
		return model, err
	}
	r.notify(model, class, outcome)
	return model, nil
}

func (r *runState) append(model *registry.Model, size int, class ProbeClass, outcome backend.Outcome) error {
	a := journal.Attempt{
		ModelID:      model.ID,
		RequestedCtx: size,
		LoadOK:       class != ClassBadLoad,
		InferenceOK:  class == ClassGood || class == ClassBadSemantic,
	}
	switch class {
	case ClassGood, ClassBadSemantic:
		a.ResponseExcerpt = excerpt(outcome.ResponseText)
		a.DurationSeconds = outcome.TotalDuration.Seconds()
	case ClassBadInfer:
		a.DurationSeconds = outcome.LoadDuration.Seconds()
		if outcome.Class == backend.ClassInferenceHung {
			a.ErrorKind = errs.KindInferenceTimeout
		} else {
			a.ErrorKind = errs.KindInferenceError
			a.ErrorDetail = outcome.Detail
		}
	case ClassBadLoad:
		a.DurationSeconds = outcome.LoadDuration.Seconds()
		a.ErrorKind = mapLoadErrorKind(outcome.ErrorKind)
		a.ErrorDetail = outcome.Detail
	}

	if err := r.jrnl.Append(a); err != nil {
		return err
	}
	model.ContextTestLogPath = r.jrnl.Path()
	return nil
}

func mapLoadErrorKind(kind string) errs.Kind {
	switch kind {
	case string(errs.KindOutOfMemory):
		return errs.KindOutOfMemory
	case string(errs.KindNotFound):
		return errs.KindNotFound
	case string(errs.KindConnectionError):
		return errs.KindConnectionError
	default:
		return errs.KindLoadError
	}
}

func excerpt(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// applyClassification updates a Model Record's bounds per the
// classification table in spec §4.4.2. It never lowers last_known_good_context,
// never raises last_known_bad_context, and keeps tested_max_context mirrored
// to last_known_good_context exactly, per the Model Record invariant (spec §3.1).
func applyClassification(m registry.Model, size int, class ProbeClass, outcome backend.Outcome) registry.Model {
	switch class {
	case ClassGood:
		if m.LastKnownGoodContext == nil || size > *m.LastKnownGoodContext {
			v := size
			m.LastKnownGoodContext = &v
			tested := size
			m.TestedMaxContext = &tested
		}
		raiseLoadable(&m, size)
	case ClassBadSemantic, ClassBadInfer:
		lowerBad(&m, size)
		raiseLoadable(&m, size)
	case ClassBadLoad:
		lowerBad(&m, size)
		// loadable_max_context is untouched: the load itself did not succeed.
	}
	m.ErrorMsg = ""
	if class == ClassBadLoad && outcome.ErrorKind != "" {
		m.ErrorMsg = outcome.Detail
	}
	return m
}

func raiseLoadable(m *registry.Model, size int) {
	if m.LoadableMaxContext == nil || size > *m.LoadableMaxContext {
		v := size
		m.LoadableMaxContext = &v
	}
}

func lowerBad(m *registry.Model, size int) {
	if m.LastKnownBadContext == nil || size < *m.LastKnownBadContext {
		v := size
		m.LastKnownBadContext = &v
	}
}

// resetModel clears all prior test state (spec §4.4.5: "re-invocation can
// re-enter in_progress if the operator requests a reset") while preserving
// the model's identity and descriptive fields.
func resetModel(m registry.Model) registry.Model {
	m.TestedMaxContext = nil
	m.LoadableMaxContext = nil
	m.LastKnownGoodContext = nil
	m.LastKnownBadContext = nil
	m.ContextTestStatus = registry.StatusUntested
	m.ContextTestDate = nil
	m.Failed = false
	m.ErrorMsg = ""
	return m
}
