// Package secretfile hands one-time secrets to external commands through
// short-lived files readable only by the account that runs the command.
package secretfile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/manchtools/step-provision/internal/executor"
)

const (
	privateFileMode fs.FileMode = 0o600
	privateDirMode  fs.FileMode = 0o700
	// Fallback modes when ownership cannot be transferred: the file becomes
	// world-readable and the directory traversable, but not listable.
	fallbackFileMode fs.FileMode = 0o644
	fallbackDirMode  fs.FileMode = 0o711
)

const secretFileName = "password"

var (
	chownFunc         = os.Chown
	lookupAccountFunc = executor.LookupAccount
)

// File is a provisioned secret file. It must be passed to Release exactly
// once, or created through With.
type File struct {
	Path  string
	Dir   string
	Owner string
	Mode  fs.FileMode

	// Degraded is set when ownership could not be transferred to Owner and
	// the file was made readable by everyone instead. Warning says why.
	Degraded bool
	Warning  string

	released bool
}

// Manager creates and removes secret files.
type Manager struct {
	logger  *slog.Logger
	tempDir string
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for degradation warnings and cleanup failures.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithTempDir sets the parent directory for private secret directories.
// Defaults to os.TempDir.
func WithTempDir(dir string) Option {
	return func(m *Manager) { m.tempDir = dir }
}

// NewManager creates a secret file manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Provision writes secret to a new file in a private directory. When owner
// is set, ownership of the file and directory is transferred to that
// account; if that fails the file is widened to 0644 and the returned File
// is marked Degraded.
func (m *Manager) Provision(secret *Secret, owner string) (*File, error) {
	lb, err := secret.open()
	if err != nil {
		return nil, err
	}
	defer lb.Destroy()

	dir, err := os.MkdirTemp(m.tempDir, "step-provision-")
	if err != nil {
		return nil, fmt.Errorf("create secret directory: %w", err)
	}
	f := &File{
		Path:  filepath.Join(dir, secretFileName),
		Dir:   dir,
		Owner: owner,
		Mode:  privateFileMode,
	}

	if err := writeOnce(f.Path, lb.Bytes()); err != nil {
		m.removeAll(f)
		return nil, err
	}

	if owner != "" {
		if err := m.transferOwnership(f); err != nil {
			if err := m.degrade(f, err); err != nil {
				m.removeAll(f)
				return nil, err
			}
		}
	}
	return f, nil
}

func writeOnce(path string, data []byte) error {
	fh, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, privateFileMode)
	if err != nil {
		return fmt.Errorf("create secret file: %w", err)
	}
	if _, err := fh.Write(data); err != nil {
		fh.Close()
		return fmt.Errorf("write secret file: %w", err)
	}
	if err := fh.Close(); err != nil {
		return fmt.Errorf("close secret file: %w", err)
	}
	// The umask can only narrow the create mode, but pin it regardless.
	if err := os.Chmod(path, privateFileMode); err != nil {
		return fmt.Errorf("restrict secret file: %w", err)
	}
	return nil
}

func (m *Manager) transferOwnership(f *File) error {
	acct, err := lookupAccountFunc(f.Owner)
	if err != nil {
		return err
	}
	uid, gid := int(acct.UID), int(acct.GID)
	if err := chownFunc(f.Path, uid, gid); err != nil {
		return err
	}
	return chownFunc(f.Dir, uid, gid)
}

func (m *Manager) degrade(f *File, cause error) error {
	if err := os.Chmod(f.Path, fallbackFileMode); err != nil {
		return fmt.Errorf("widen secret file permissions: %w", err)
	}
	if err := os.Chmod(f.Dir, fallbackDirMode); err != nil {
		return fmt.Errorf("widen secret directory permissions: %w", err)
	}
	f.Mode = fallbackFileMode
	f.Degraded = true
	f.Warning = fmt.Sprintf("could not give %s to user %q (%v); the password file is readable by all local users until it is removed",
		f.Path, f.Owner, cause)
	m.logger.Warn("secret file permissions degraded",
		"path", f.Path,
		"owner", f.Owner,
		"mode", fmt.Sprintf("%04o", fallbackFileMode),
		"error", cause,
	)
	return nil
}

// Release removes the file and its private directory. Failures are logged
// and never returned. Releasing twice is a no-op.
func (m *Manager) Release(f *File) {
	if f == nil || f.released {
		return
	}
	f.released = true
	m.removeAll(f)
}

func (m *Manager) removeAll(f *File) {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		m.logger.Warn("failed to remove secret file", "path", f.Path, "error", err)
	}
	if err := os.Remove(f.Dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		m.logger.Warn("failed to remove secret directory", "path", f.Dir, "error", err)
	}
}

// With provisions secret, calls fn with the file and releases it afterwards,
// whether fn returns an error or panics.
func (m *Manager) With(ctx context.Context, secret *Secret, owner string, fn func(context.Context, *File) error) error {
	f, err := m.Provision(secret, owner)
	if err != nil {
		return err
	}
	defer m.Release(f)
	return fn(ctx, f)
}
