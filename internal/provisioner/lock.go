package provisioner

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// LockFileName is created inside the CA path to serialize reconciliations
// of the same CA across processes.
const LockFileName = ".step-provision.lock"

// lockFallbackDir holds the lock when the CA path does not exist locally,
// as with a remote CA reached through --ca-url.
var lockFallbackDir = os.TempDir

const lockRetryInterval = 100 * time.Millisecond

// ErrLocked is returned when another process held the CA lock until the
// context ended.
var ErrLocked = errors.New("another step-provision run holds the CA lock")

type caLock struct {
	f *os.File
}

// acquireLock takes an exclusive flock on <dir>/.step-provision.lock,
// retrying until ctx is done. When dir does not exist the lock file lives in
// lockFallbackDir, named after a hash of dir, so runs against the same CA
// path still exclude each other.
func acquireLock(ctx context.Context, dir string) (*caLock, error) {
	path, perm, flags, err := lockFile(dir)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, flags, perm)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &caLock{f: f}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			f.Close()
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, fmt.Errorf("%w (%s): %w", ErrLocked, path, ctx.Err())
		case <-time.After(lockRetryInterval):
		}
	}
}

func lockFile(dir string) (string, fs.FileMode, int, error) {
	fi, err := os.Stat(dir)
	switch {
	case err == nil && fi.IsDir():
		return filepath.Join(dir, LockFileName), 0o600, os.O_RDONLY | os.O_CREATE, nil
	case err == nil:
		return "", 0, 0, fmt.Errorf("CA path %s is not a directory", dir)
	case !errors.Is(err, fs.ErrNotExist):
		return "", 0, 0, fmt.Errorf("stat CA path: %w", err)
	}
	// Shared by every account that may reconcile this CA, and never followed
	// through a planted symlink.
	sum := sha256.Sum256([]byte(filepath.Clean(dir)))
	name := fmt.Sprintf("step-provision-%x.lock", sum[:8])
	return filepath.Join(lockFallbackDir(), name), 0o644, os.O_RDONLY | os.O_CREATE | unix.O_NOFOLLOW, nil
}

func (l *caLock) release() error {
	if l == nil {
		return nil
	}
	unlockErr := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	closeErr := l.f.Close()
	return errors.Join(unlockErr, closeErr)
}
