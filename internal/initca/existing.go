package initca

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// caFiles are the files `step ca init` writes below the step path.
var caFiles = []string{
	"certs/intermediate_ca.crt",
	"certs/root_ca.crt",
	"config/ca.json",
	"config/defaults.json",
	"secrets/intermediate_ca_key",
	"secrets/root_ca_key",
}

// ExistingFilesError reports that a CA already lives at the step path.
type ExistingFilesError struct {
	Found string
	Files []string
}

func (e *ExistingFilesError) Error() string {
	return fmt.Sprintf("found %s, cannot continue.\nUse --force to override or ensure that none of the following files exist:\n%s",
		e.Found, strings.Join(e.Files, "\n"))
}

// Files returns the absolute CA file paths under stepPath.
func Files(stepPath string) []string {
	out := make([]string, len(caFiles))
	for i, rel := range caFiles {
		out[i] = filepath.Join(stepPath, rel)
	}
	return out
}

// CheckExisting returns an *ExistingFilesError naming the first CA file
// present under stepPath, or nil when there is none.
func CheckExisting(stepPath string) error {
	files := Files(stepPath)
	for _, f := range files {
		if _, err := os.Lstat(f); err == nil {
			return &ExistingFilesError{Found: f, Files: files}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("check %s: %w", f, err)
		}
	}
	return nil
}

// RemoveExisting deletes every CA file under stepPath and returns the ones
// that were actually there.
func RemoveExisting(stepPath string) ([]string, error) {
	var removed []string
	for _, f := range Files(stepPath) {
		err := os.Remove(f)
		switch {
		case err == nil:
			removed = append(removed, f)
		case errors.Is(err, fs.ErrNotExist):
		default:
			return removed, fmt.Errorf("remove %s: %w", f, err)
		}
	}
	return removed, nil
}
