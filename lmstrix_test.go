package lmstrix

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twardoch/lmstrix/services/backend"
	"github.com/twardoch/lmstrix/services/registry"
	"github.com/twardoch/lmstrix/services/tester"
)

type fakeProber struct {
	downloaded []backend.DownloadedModel
	probes     int32
}

func (f *fakeProber) Probe(context.Context, backend.ProbeRequest) (backend.Outcome, error) {
	atomic.AddInt32(&f.probes, 1)
	return backend.Outcome{Class: backend.ClassSuccess, ResponseText: "hello there"}, nil
}

func (f *fakeProber) ListDownloadedModels(context.Context) ([]backend.DownloadedModel, error) {
	return f.downloaded, nil
}

func newCoreStore(t *testing.T) (*registry.Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := registry.Open(filepath.Join(dir, "registry.json"))
	require.NoError(t, err)
	return s, dir
}

func upsertWithLog(t *testing.T, store *registry.Store, dir string, m registry.Model) {
	t.Helper()
	if m.ContextTestLogPath == "" {
		m.ContextTestLogPath = filepath.Join(dir, m.ID+".jsonl")
	}
	require.NoError(t, store.Upsert(m))
}

func TestScanPopulatesRegistryFromBackend(t *testing.T) {
	store, dir := newCoreStore(t)
	prober := &fakeProber{downloaded: []backend.DownloadedModel{
		{ID: "m1", Path: "/models/m1.gguf", SizeBytes: 100, CtxIn: 4096},
		{ID: "m2", Path: "/models/m2.gguf", SizeBytes: 200, CtxIn: 8192, HasVision: true},
	}}
	core := New(store, prober, dir)

	n, err := core.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	models := core.List()
	require.Len(t, models, 2)

	m2, err := core.Get("/models/m2.gguf")
	require.NoError(t, err)
	assert.True(t, m2.HasVision)
	assert.Equal(t, 8192, m2.CtxInDeclared)
	assert.NotEmpty(t, m2.ContextTestLogPath, "scan must give a newly discovered model a journal path, or a later TestOne/TestFleet run has nowhere to append")
}

func TestScanPreservesExistingTestStateByPath(t *testing.T) {
	store, dir := newCoreStore(t)
	tested := 4096
	upsertWithLog(t, store, dir, registry.Model{
		ID: "m1", Path: "/models/m1.gguf", CtxInDeclared: 4096,
		TestedMaxContext: &tested, ContextTestStatus: registry.StatusCompleted,
	})

	prober := &fakeProber{downloaded: []backend.DownloadedModel{
		{ID: "m1", Path: "/models/m1.gguf", CtxIn: 4096},
	}}
	core := New(store, prober, dir)

	_, err := core.Scan(context.Background())
	require.NoError(t, err)

	m, err := core.Get("/models/m1.gguf")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusCompleted, m.ContextTestStatus)
	require.NotNil(t, m.TestedMaxContext)
	assert.Equal(t, 4096, *m.TestedMaxContext)
}

func TestScanKeepsRecordsTheBackendNoLongerLists(t *testing.T) {
	store, dir := newCoreStore(t)
	upsertWithLog(t, store, dir, registry.Model{ID: "gone", Path: "/models/gone.gguf", CtxInDeclared: 4096})

	prober := &fakeProber{downloaded: nil}
	core := New(store, prober, dir)

	_, err := core.Scan(context.Background())
	require.NoError(t, err)

	_, err = core.Get("/models/gone.gguf")
	assert.NoError(t, err, "scan must not prune records the core didn't see; pruning is an operator action")
}

func TestTestOneCollapsesConcurrentCallsForSameModel(t *testing.T) {
	store, dir := newCoreStore(t)
	upsertWithLog(t, store, dir, registry.Model{ID: "m1", Path: "/models/m1.gguf", CtxInDeclared: 1024})
	prober := &fakeProber{}
	core := New(store, prober, dir)

	var wg sync.WaitGroup
	results := make([]registry.Model, 5)
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = core.TestOne(context.Background(), "/models/m1.gguf", tester.Options{})
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, registry.StatusCompleted, results[i].ContextTestStatus)
	}
}

func TestTestFleetRunsEveryEligibleModel(t *testing.T) {
	store, dir := newCoreStore(t)
	upsertWithLog(t, store, dir, registry.Model{ID: "m1", Path: "/models/m1.gguf", CtxInDeclared: 1024})
	upsertWithLog(t, store, dir, registry.Model{ID: "m2", Path: "/models/m2.gguf", CtxInDeclared: 2048})
	prober := &fakeProber{}
	core := New(store, prober, dir)

	results, err := core.TestFleet(context.Background(), tester.Options{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, m := range results {
		assert.Equal(t, registry.StatusCompleted, m.ContextTestStatus)
	}
}
