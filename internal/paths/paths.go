package paths

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

var (
	// ErrInvalidRunID returned when a run id fails validation
	ErrInvalidRunID = errors.New("invalid run id")
)

// StateDirName is the per-working-directory state folder.
const StateDirName = ".simgate"

// NewRunID returns a fresh run id.
func NewRunID() string {
	return uuid.NewString()
}

// ValidateRunID returns nil for canonical (hyphenated, lowercase) UUIDs, or
// ErrInvalidRunID. Anything else is rejected so ids taken from URLs can never
// be confused with paths.
func ValidateRunID(id string) error {
	if id == "" {
		return fmt.Errorf("empty run id: %w", ErrInvalidRunID)
	}
	u, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("run id is not a uuid: %w", ErrInvalidRunID)
	}
	if u.String() != id {
		return fmt.Errorf("run id is not in canonical form: %w", ErrInvalidRunID)
	}
	return nil
}

// StateDir returns the state directory under root (e.g. "<root>/.simgate").
func StateDir(root string) string {
	return filepath.Join(root, StateDirName)
}

// DefaultDBPath returns the default sqlite path under root.
func DefaultDBPath(root string) string {
	return filepath.Join(StateDir(root), "simgate.db")
}

// StagingDir resolves the directory used for per-run staged files. An empty
// dir selects the system temp directory. The directory must exist.
func StagingDir(dir string) (string, error) {
	if dir == "" {
		return os.TempDir(), nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if !fi.IsDir() {
		return "", fmt.Errorf("staging dir %s is not a directory", abs)
	}
	return abs, nil
}
