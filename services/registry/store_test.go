package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twardoch/lmstrix/services/errs"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "registry.json"))
	require.NoError(t, err)
	return s
}

func TestOpenMissingFileIsEmpty(t *testing.T) {
	s := tempStore(t)
	assert.Empty(t, s.List())
}

func TestUpsertAndGetByPath(t *testing.T) {
	s := tempStore(t)
	m := Model{ID: "m1", Path: "/models/m1.gguf", CtxInDeclared: 4096, ContextTestStatus: StatusUntested}
	require.NoError(t, s.Upsert(m))

	got, err := s.Get("/models/m1.gguf")
	require.NoError(t, err)
	assert.Equal(t, "m1", got.ID)
}

func TestGetPrecedenceIDBeatsShortID(t *testing.T) {
	s := tempStore(t)
	// One record's id equals another's short_id — the id match must win.
	require.NoError(t, s.Upsert(Model{ID: "alias-of-other", Path: "/models/a.gguf"}))
	require.NoError(t, s.Upsert(Model{ID: "m2", ShortID: "alias-of-other", Path: "/models/b.gguf"}))

	got, err := s.Get("alias-of-other")
	require.NoError(t, err)
	assert.Equal(t, "/models/a.gguf", got.Path, "id match must take precedence over short_id")
}

func TestGetAmbiguousShortID(t *testing.T) {
	s := tempStore(t)
	require.NoError(t, s.Upsert(Model{ID: "m1", ShortID: "dup", Path: "/models/a.gguf"}))
	require.NoError(t, s.Upsert(Model{ID: "m2", ShortID: "dup", Path: "/models/b.gguf"}))

	_, err := s.Get("dup")
	require.Error(t, err)
	var ambiguous *AmbiguousIdentifierError
	require.ErrorAs(t, err, &ambiguous)
	assert.ElementsMatch(t, []string{"/models/a.gguf", "/models/b.gguf"}, ambiguous.Paths)
}

func TestGetNotFound(t *testing.T) {
	s := tempStore(t)
	_, err := s.Get("nope")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestSaveIsAtomicAndRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")
	s, err := Open(path)
	require.NoError(t, err)

	good := 4096
	require.NoError(t, s.Upsert(Model{
		ID: "m1", Path: "/models/m1.gguf", CtxInDeclared: 8192,
		LastKnownGoodContext: &good,
		ContextTestStatus:    StatusInProgress,
	}))

	s2, err := Open(path)
	require.NoError(t, err)
	got, err := s2.Get("/models/m1.gguf")
	require.NoError(t, err)
	require.NotNil(t, got.LastKnownGoodContext)
	assert.Equal(t, 4096, *got.LastKnownGoodContext)

	// No stray temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestReplaceAllPreservesNothingItself(t *testing.T) {
	s := tempStore(t)
	require.NoError(t, s.Upsert(Model{ID: "old", Path: "/models/old.gguf"}))
	require.NoError(t, s.ReplaceAll([]Model{{ID: "new", Path: "/models/new.gguf"}}))

	_, err := s.Get("/models/old.gguf")
	assert.Error(t, err, "replaceAll drops records absent from the new set")

	got, err := s.Get("/models/new.gguf")
	require.NoError(t, err)
	assert.Equal(t, "new", got.ID)
}

func TestModelInvariant(t *testing.T) {
	good, bad := 4096, 2048
	m := Model{LastKnownGoodContext: &good, LastKnownBadContext: &bad}
	assert.Error(t, m.Invariant(), "good >= bad must be rejected")

	good2, bad2 := 2048, 4096
	m2 := Model{LastKnownGoodContext: &good2, LastKnownBadContext: &bad2}
	assert.NoError(t, m2.Invariant())
}

func TestEffectiveMaxContextCappedAtDeclared(t *testing.T) {
	tested := 200000
	m := Model{CtxInDeclared: 100000, TestedMaxContext: &tested}
	v, ok := m.EffectiveMaxContext()
	require.True(t, ok)
	assert.Equal(t, 100000, v)
}
