// Package chunkstore implements the local content-addressed blob store.
// Blobs are keyed by the hex digest of their bytes and written with a
// per-hash create-if-absent discipline, so concurrent writers of the
// same content collapse to one stored copy without a global lock.
package chunkstore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/vpoletaev/depot/internal/common"
	"github.com/vpoletaev/depot/internal/digest"
)

// ErrCorrupted is returned by Put when the supplied bytes do not hash to
// the claimed key. The blob is never written in that case.
var ErrCorrupted = errors.New("chunkstore: content does not match claimed hash")

// Store is a directory-backed content-addressed store. Instances are
// plain values injected into their users; there is no process-wide
// store. Blobs live at objects/<aa>/<bb>/<hash> where aa/bb are the
// first two hash byte pairs, keeping directories small.
type Store struct {
	root string
}

// New opens (creating if needed) a store rooted at dir.
func New(dir string) (*Store, error) {
	root := filepath.Join(dir, "objects")
	if err := os.MkdirAll(root, 0o770); err != nil {
		return nil, fmt.Errorf("chunkstore: init %s: %w", root, err)
	}
	return &Store{root: root}, nil
}

func (s *Store) blobPath(hash string) string {
	if len(hash) < 4 {
		return filepath.Join(s.root, hash)
	}
	return filepath.Join(s.root, hash[0:2], hash[2:4], hash)
}

// Put verifies that data hashes to hash and persists it. Writing an
// already-present hash is a no-op: the second copy is verified-equal by
// construction and silently discarded.
func (s *Store) Put(hash string, data []byte) error {
	if digest.Sum(data) != hash {
		return fmt.Errorf("%w: %s", ErrCorrupted, hash)
	}

	path := s.blobPath(hash)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o770); err != nil {
		return fmt.Errorf("chunkstore: mkdir %s: %w", dir, err)
	}

	// Write to a unique temp file, then rename. Rename is atomic, so a
	// concurrent identical Put just replaces the file with equal bytes.
	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return fmt.Errorf("chunkstore: temp for %s: %w", hash, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chunkstore: write %s: %w", hash, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chunkstore: close %s: %w", hash, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chunkstore: commit %s: %w", hash, err)
	}
	return nil
}

// Has reports whether a blob for hash is present.
func (s *Store) Has(hash string) bool {
	_, err := os.Stat(s.blobPath(hash))
	return err == nil
}

// Open returns a reader over the blob for hash.
func (s *Store) Open(hash string) (io.ReadCloser, error) {
	f, err := os.Open(s.blobPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("chunkstore: blob %s: %w", hash, common.ErrNotFound)
		}
		return nil, fmt.Errorf("chunkstore: open %s: %w", hash, err)
	}
	return f, nil
}

// Read returns the full blob for hash.
func (s *Store) Read(hash string) ([]byte, error) {
	r, err := s.Open(hash)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: read %s: %w", hash, err)
	}
	return data, nil
}

// Verify re-hashes the stored blob and reports whether it still matches
// its key. Used by the assembler to distinguish store corruption from
// manifest mismatch.
func (s *Store) Verify(hash string) (bool, error) {
	r, err := s.Open(hash)
	if err != nil {
		return false, err
	}
	defer r.Close()
	got, err := digest.SumReader(r)
	if err != nil {
		return false, fmt.Errorf("chunkstore: hash %s: %w", hash, err)
	}
	return got == hash, nil
}

// Delete removes the blob for hash. Deleting an absent blob is a no-op.
func (s *Store) Delete(hash string) error {
	if err := os.Remove(s.blobPath(hash)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("chunkstore: delete %s: %w", hash, err)
	}
	return nil
}

// Keys walks the store and returns every stored hash. Temp files
// orphaned by an interrupted Put are not blobs and are skipped.
func (s *Store) Keys() ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isDigest(d.Name()) {
			keys = append(keys, d.Name())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("chunkstore: walk: %w", err)
	}
	return keys, nil
}

// isDigest reports whether name is a lowercase sha256 hex digest.
func isDigest(name string) bool {
	if len(name) != 64 {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
