// Package diskspace implements the preflight free-space check that runs
// before any chunk is requested.
package diskspace

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// InsufficientSpaceError reports that the planned byte cost (with
// margin) does not fit on the destination volume. It is returned before
// any destructive action is taken.
type InsufficientSpaceError struct {
	Path      string
	Required  uint64
	Available uint64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("insufficient space on %s: need %d bytes (incl. margin), %d available",
		e.Path, e.Required, e.Available)
}

// statfs is swapped out in tests.
var statfs = unix.Statfs

// Check verifies that plannedBytes multiplied by (1 + margin) fits into
// the free space of the volume holding path. When path does not exist
// yet, the nearest existing parent directory is probed instead.
func Check(path string, plannedBytes int64, margin float64) error {
	if plannedBytes < 0 {
		return fmt.Errorf("diskspace: negative planned bytes %d", plannedBytes)
	}
	probe, err := nearestExisting(path)
	if err != nil {
		return fmt.Errorf("diskspace: resolve %s: %w", path, err)
	}

	var st unix.Statfs_t
	if err := statfs(probe, &st); err != nil {
		return fmt.Errorf("diskspace: statfs %s: %w", probe, err)
	}

	available := st.Bavail * uint64(st.Bsize)
	required := uint64(float64(plannedBytes) * (1 + margin))
	if required > available {
		return &InsufficientSpaceError{Path: probe, Required: required, Available: available}
	}
	return nil
}

// nearestExisting walks up from path until it finds a directory that
// exists, so fresh install destinations can be probed before creation.
func nearestExisting(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(abs); err == nil {
			return abs, nil
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return "", fmt.Errorf("no existing parent for %s", path)
		}
		abs = parent
	}
}
