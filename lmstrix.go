// Package lmstrix is the library facade over the Adaptive Context Tester
// core (spec §6.3): the four operations any outer shell — the CLI, the
// status server, a batch script, or a library user — drives the core
// through. It owns nothing itself; it wires together the Registry Store
// (C2), Backend Adapter (C1), Single-Model Tester (C4), and Fleet
// Scheduler (C5) that already implement spec §3–§5, and adds the one
// thing none of them individually enforce: in-process reentrancy safety
// across concurrent callers of TestOne for the same model (spec §5 "No
// reentrancy").
package lmstrix

import (
	"context"
	"fmt"
	"path/filepath"

	"golang.org/x/sync/singleflight"

	"github.com/twardoch/lmstrix/services/backend"
	"github.com/twardoch/lmstrix/services/fleet"
	"github.com/twardoch/lmstrix/services/registry"
	"github.com/twardoch/lmstrix/services/tester"
)

// Core wires the five components into the four operations spec §6.3
// exposes. It is safe for concurrent use: concurrent TestOne calls for
// distinct models run independently, and concurrent calls for the same
// model are collapsed onto a single in-flight run via singleflight rather
// than racing two Testers against one registry record.
type Core struct {
	store      *registry.Store
	prober     backend.Prober
	tester     *tester.Tester
	fleet      *fleet.Scheduler
	journalDir string
	inflight   singleflight.Group
}

// New builds a Core over an already-open Registry Store and Backend
// Adapter. journalDir is where Scan points a newly discovered model's
// probe journal at (spec §4.3); an already-known model keeps whatever
// journal path it already has. The caller owns the Store's lifetime (and,
// if it wants cross-process exclusion, a services/lock.ProcessLock around
// the whole session — Core itself only guards against concurrent callers
// inside one process).
func New(store *registry.Store, prober backend.Prober, journalDir string) *Core {
	t := tester.New(prober, store)
	return &Core{
		store:      store,
		prober:     prober,
		tester:     t,
		fleet:      fleet.New(t, store),
		journalDir: journalDir,
	}
}

// Scan synchronizes the registry to the backend's current download set
// (spec §6.3). Existing test state for a path that survives the scan is
// preserved; a path no longer reported by the backend keeps its record
// (pruning stale entries is an operator action, out of the core's scope
// per spec §3.2). It returns the number of models the backend reported.
func (c *Core) Scan(ctx context.Context) (int, error) {
	downloaded, err := c.prober.ListDownloadedModels(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing downloaded models: %w", err)
	}

	existing := make(map[string]registry.Model, len(downloaded))
	for _, m := range c.store.List() {
		existing[m.Path] = m
	}

	merged := make([]registry.Model, 0, len(downloaded))
	for _, d := range downloaded {
		m, ok := existing[d.Path]
		if !ok {
			m = registry.Model{
				ContextTestStatus:  registry.StatusUntested,
				ContextTestLogPath: filepath.Join(c.journalDir, d.ID+".jsonl"),
			}
		}
		m.ID = d.ID
		m.Path = d.Path
		m.SizeBytes = d.SizeBytes
		m.HasTools = d.HasTools
		m.HasVision = d.HasVision
		m.CtxInDeclared = d.CtxIn
		if d.CtxOut > 0 {
			out := d.CtxOut
			m.CtxOutDefault = &out
		}
		merged = append(merged, m)
	}

	// Paths the backend no longer lists are kept as-is (spec §3.2): append
	// whatever survived from the prior registry that scan didn't touch.
	seen := make(map[string]bool, len(merged))
	for _, m := range merged {
		seen[m.Path] = true
	}
	for path, m := range existing {
		if !seen[path] {
			merged = append(merged, m)
		}
	}

	if err := c.store.ReplaceAll(merged); err != nil {
		return 0, err
	}
	return len(downloaded), nil
}

// List returns every known Model Record (spec §6.3).
func (c *Core) List() []registry.Model {
	return c.store.List()
}

// Get resolves identifier against path, id, or short_id (spec §4.2) and
// returns the matching Model Record.
func (c *Core) Get(identifier string) (registry.Model, error) {
	return c.store.Get(identifier)
}

// TestOne runs the Single-Model Tester to termination for the model
// matching identifier (spec §6.3 "test_one"). Concurrent calls for the
// same identifier are collapsed into one underlying run via singleflight;
// every caller observes that run's final Model Record rather than racing
// their own Tester against the registry.
func (c *Core) TestOne(ctx context.Context, identifier string, opts tester.Options) (registry.Model, error) {
	// Resolve up front so that two different spellings of the same model
	// (path vs. id vs. short_id) collapse onto the same singleflight key —
	// otherwise the dedup this method exists to provide would silently not
	// apply whenever a caller used a different identifier form.
	resolved, err := c.store.Get(identifier)
	if err != nil {
		return registry.Model{}, err
	}

	v, err, _ := c.inflight.Do(resolved.Path, func() (any, error) {
		return c.tester.Run(ctx, resolved.Path, opts)
	})
	if err != nil {
		return registry.Model{}, err
	}
	return v.(registry.Model), nil
}

// TestFleet runs the Fleet Scheduler to termination across every eligible
// model (spec §6.3 "test_fleet"). It does not singleflight-dedup against
// concurrent TestOne calls for an individual model; the Fleet Scheduler's
// own "No reentrancy" contract (spec §5) assumes it is the only driver of
// a given registry for the run's duration, which is the caller's
// responsibility to uphold (e.g. via services/lock at the process level).
func (c *Core) TestFleet(ctx context.Context, opts tester.Options) ([]registry.Model, error) {
	return c.fleet.Run(ctx, opts)
}
