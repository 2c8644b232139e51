// Package filex contains small filesystem helpers shared by the install
// and save-sync paths.
package filex

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// EnsureDir creates dir (and parents) if missing and returns it.
func EnsureDir(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o770); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return dir, nil
}

// AtomicWrite writes data to path via a temp file in the same directory
// followed by a rename, so readers never observe a half-written file.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if _, err := EnsureDir(dir); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", tmpName, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename to %s: %w", path, err)
	}
	return nil
}

// BackupName derives a timestamped backup filename for name, e.g.
// "slot1.sav" -> "slot1.sav.20240131T154500Z.bak".
func BackupName(name string, t time.Time) string {
	return fmt.Sprintf("%s.%s.bak", name, t.UTC().Format("20060102T150405Z"))
}

// WriteBackup stores data as a timestamped backup of name under dir and
// returns the backup path.
func WriteBackup(dir, name string, data []byte, t time.Time) (string, error) {
	if _, err := EnsureDir(dir); err != nil {
		return "", err
	}
	path := filepath.Join(dir, BackupName(name, t))
	if err := AtomicWrite(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	return path, nil
}
