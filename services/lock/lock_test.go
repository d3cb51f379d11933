package lock

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, "lmstrix")

	require.NoError(t, l.Acquire())
	assert.True(t, l.IsHeld())

	pidData, err := os.ReadFile(filepath.Join(dir, "lmstrix.pid"))
	require.NoError(t, err)
	assert.Contains(t, string(pidData), "\n")

	require.NoError(t, l.Release())
	assert.False(t, l.IsHeld())

	_, err = os.Stat(filepath.Join(dir, "lmstrix.pid"))
	assert.True(t, os.IsNotExist(err), "pid file should be removed on release")
}

func TestAcquireIsIdempotentForSameHolder(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, "lmstrix")
	require.NoError(t, l.Acquire())
	require.NoError(t, l.Acquire())
	require.NoError(t, l.Release())
}

func TestSecondAcquireFailsWithHolderPID(t *testing.T) {
	dir := t.TempDir()
	first := New(dir, "lmstrix")
	require.NoError(t, first.Acquire())
	defer first.Release()

	second := New(dir, "lmstrix")
	err := second.Acquire()
	require.Error(t, err)

	var heldErr *ErrHeld
	require.ErrorAs(t, err, &heldErr)
	assert.Equal(t, os.Getpid(), heldErr.HolderPID)
	assert.False(t, second.IsHeld())
}

func TestReleaseWithoutAcquireIsNoop(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, "lmstrix")
	assert.NoError(t, l.Release())
}

func TestAcquireCreatesMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "deeper")
	l := New(dir, "lmstrix")
	require.NoError(t, l.Acquire())
	defer l.Release()

	_, err := os.Stat(dir)
	assert.NoError(t, err)
}

func TestLockReacquirableAfterRelease(t *testing.T) {
	dir := t.TempDir()
	first := New(dir, "lmstrix")
	require.NoError(t, first.Acquire())
	require.NoError(t, first.Release())

	second := New(dir, "lmstrix")
	require.NoError(t, second.Acquire())
	require.NoError(t, second.Release())
}

func TestDefaultNameWhenEmpty(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, "")
	require.NoError(t, l.Acquire())
	defer l.Release()

	_, err := os.Stat(filepath.Join(dir, "lmstrix.lock"))
	assert.NoError(t, err)
}
