package provisioner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLock_Exclusive(t *testing.T) {
	dir := t.TempDir()

	held, err := acquireLock(context.Background(), dir)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, LockFileName))

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	_, err = acquireLock(ctx, dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLocked)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, CategoryLocked, Categorize(err))

	require.NoError(t, held.release())

	again, err := acquireLock(context.Background(), dir)
	require.NoError(t, err)
	assert.NoError(t, again.release())
}

func TestAcquireLock_WaitsForRelease(t *testing.T) {
	dir := t.TempDir()
	held, err := acquireLock(context.Background(), dir)
	require.NoError(t, err)

	go func() {
		time.Sleep(200 * time.Millisecond)
		_ = held.release()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l, err := acquireLock(ctx, dir)
	require.NoError(t, err)
	assert.NoError(t, l.release())
}

func stubLockFallbackDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	orig := lockFallbackDir
	lockFallbackDir = func() string { return dir }
	t.Cleanup(func() { lockFallbackDir = orig })
	return dir
}

func TestAcquireLock_MissingDirUsesFallback(t *testing.T) {
	fallback := stubLockFallbackDir(t)
	missing := filepath.Join(t.TempDir(), "nope")

	held, err := acquireLock(context.Background(), missing)
	require.NoError(t, err)
	assert.NoDirExists(t, missing, "the CA path must not be created")
	matches, _ := filepath.Glob(filepath.Join(fallback, "step-provision-*.lock"))
	assert.Len(t, matches, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	_, err = acquireLock(ctx, missing+"/")
	assert.ErrorIs(t, err, ErrLocked, "the same CA path maps to the same lock")

	other, err := acquireLock(context.Background(), filepath.Join(t.TempDir(), "other"))
	require.NoError(t, err)
	assert.NoError(t, other.release())
	assert.NoError(t, held.release())
}

func TestAcquireLock_PathIsFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "ca")
	require.NoError(t, os.WriteFile(file, nil, 0o600))
	_, err := acquireLock(context.Background(), file)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrLocked)
}

func TestReconcile_MissingCAPathWithRemoteCA(t *testing.T) {
	stubLockFallbackDir(t)
	step := newFakeStep()
	r, _ := newTestReconciler(t, step, CAContext{
		CAPath: filepath.Join(t.TempDir(), "no-such-dir"),
		CAURL:  "https://ca.internal:9000",
	})

	out, err := r.Reconcile(context.Background(), Request{Name: "svc1", Type: TypeACME, State: StatePresent})
	require.NoError(t, err)
	assert.True(t, out.Changed)
	assert.Equal(t, []string{"list", "add"}, step.subcommands())
}

func TestReconcile_HoldsLock(t *testing.T) {
	dir := t.TempDir()
	held, err := acquireLock(context.Background(), dir)
	require.NoError(t, err)
	defer held.release()

	step := newFakeStep()
	r, _ := newTestReconciler(t, step, CAContext{CAPath: dir})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = r.Reconcile(ctx, Request{Name: "svc1", Type: TypeACME, State: StatePresent})
	assert.ErrorIs(t, err, ErrLocked)
	assert.Empty(t, step.subcommands(), "nothing may run without the lock")

	// Check mode only reads and does not wait for the lock.
	out, err := r.Reconcile(context.Background(), Request{Name: "svc1", Type: TypeACME, State: StatePresent, CheckOnly: true})
	require.NoError(t, err)
	assert.True(t, out.Changed)
}

func TestReconcile_LockTimeout(t *testing.T) {
	dir := t.TempDir()
	held, err := acquireLock(context.Background(), dir)
	require.NoError(t, err)
	defer held.release()

	step := newFakeStep()
	r, _ := newTestReconciler(t, step, CAContext{CAPath: dir}, WithLockTimeout(150*time.Millisecond))

	start := time.Now()
	_, err = r.Reconcile(context.Background(), Request{Name: "svc1", Type: TypeACME, State: StatePresent})
	assert.ErrorIs(t, err, ErrLocked)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Empty(t, step.subcommands())
}
