// Package fleet implements the Fleet Scheduler (spec §4.5, component C5):
// the multi-model driver that orders models, runs them in passes to
// minimize reloads, and enforces safety thresholds across an entire
// download set.
package fleet

import (
	"context"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/twardoch/lmstrix/services/registry"
	"github.com/twardoch/lmstrix/services/tester"
)

var tracer = otel.Tracer("lmstrix.fleet")

// Scheduler drives tester.Tester across many models. It must not be
// invoked concurrently in the same process (spec §5 "No reentrancy").
type Scheduler struct {
	tester *tester.Tester
	store  *registry.Store
	logger *slog.Logger
}

// New builds a Scheduler over an existing Tester and Registry Store. The
// Scheduler and the Tester must share the same Store, since the Scheduler
// reads eligibility from it before every pass and the Tester is the only
// thing that writes to it.
func New(t *tester.Tester, store *registry.Store) *Scheduler {
	return &Scheduler{tester: t, store: store, logger: slog.Default().With("component", "fleet.Scheduler")}
}

// Run drives every eligible model to termination (or, in explicit target
// mode, through exactly one probe each) and returns their final records.
func (s *Scheduler) Run(ctx context.Context, opts tester.Options) ([]registry.Model, error) {
	opts = opts.WithDefaults()

	ctx, span := tracer.Start(ctx, "fleet.Run")
	defer span.End()

	eligible, err := s.buildEligiblePlan(opts)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("lmstrix.eligible_count", len(eligible)))

	if opts.Reset {
		for i, m := range eligible {
			reset, err := s.tester.ResetModel(m.Path)
			if err != nil {
				return nil, err
			}
			eligible[i] = reset
		}
	}
	// Reset has already been applied once, up front; each per-model Step
	// call below must not re-clear state on every pass.
	stepOpts := opts
	stepOpts.Reset = false

	results := make(map[string]registry.Model, len(eligible))
	for _, m := range eligible {
		results[m.Path] = m
	}

	pass := 0
	for len(eligible) > 0 {
		pass++
		s.logger.Info("fleet pass starting", "pass", pass, "remaining", len(eligible))

		next := eligible[:0:0]
		for _, m := range eligible {
			if err := ctx.Err(); err != nil {
				return sortedValues(results), err
			}

			updated, done, stepErr := s.tester.Step(ctx, m.Path, stepOpts)
			if stepErr != nil {
				return sortedValues(results), stepErr
			}
			results[m.Path] = updated

			if !done {
				next = append(next, updated)
			}
		}
		eligible = next
	}

	return sortedValues(results), nil
}

// buildEligiblePlan reads the current registry, applies the eligibility
// filter (spec §4.5), and orders the survivors by declared context
// ascending with a path tie-break (spec §5 ordering guarantee).
func (s *Scheduler) buildEligiblePlan(opts tester.Options) ([]registry.Model, error) {
	all := s.store.List() // already path-sorted, which doubles as our tie-break order
	eligible := make([]registry.Model, 0, len(all))

	for _, m := range all {
		if !opts.Reset {
			if m.ContextTestStatus == registry.StatusCompleted {
				continue
			}
			if m.Failed {
				continue
			}
		}
		if opts.Target != nil && m.LastKnownBadContext != nil && *opts.Target >= *m.LastKnownBadContext {
			// The intended probe is already known to be unreachable for this
			// model; skip it rather than waste a probe on a certain BAD-LOAD.
			continue
		}
		eligible = append(eligible, m)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].CtxInDeclared < eligible[j].CtxInDeclared
	})
	return eligible, nil
}

func sortedValues(results map[string]registry.Model) []registry.Model {
	out := make([]registry.Model, 0, len(results))
	for _, m := range results {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
