// Package assemble reconstructs installed files from content-addressed
// chunks. Assembly is idempotent: re-running it over an already-correct
// file rewrites it to the same bytes.
package assemble

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vpoletaev/depot/internal/digest"
	"github.com/vpoletaev/depot/internal/logging"
	"github.com/vpoletaev/depot/internal/manifest"
)

const (
	permRegular    = os.FileMode(0o644)
	permExecutable = os.FileMode(0o755)
)

// ChunkSource reads verified chunk bytes and can re-check and evict
// stored blobs when a whole-file digest mismatch points at local
// corruption.
type ChunkSource interface {
	Open(hash string) (io.ReadCloser, error)
	Verify(hash string) (bool, error)
	Delete(hash string) error
}

// FileIntegrityError reports an assembled file whose digest does not
// match the manifest and whose source chunks all verified clean. This
// is not recoverable by re-downloading.
type FileIntegrityError struct {
	Path string
	Want string
	Got  string
}

func (e *FileIntegrityError) Error() string {
	return fmt.Sprintf("assemble %s: digest %s, manifest declares %s", e.Path, e.Got, e.Want)
}

// CorruptChunksError reports stored chunks that failed re-verification
// during a digest mismatch investigation. The chunks have been evicted;
// the caller should re-plan and re-download them.
type CorruptChunksError struct {
	Path   string
	Hashes []string
}

func (e *CorruptChunksError) Error() string {
	return fmt.Sprintf("assemble %s: evicted %d corrupt chunk(s): %s",
		e.Path, len(e.Hashes), strings.Join(e.Hashes, ", "))
}

// Assembler writes manifest files into an install directory.
type Assembler struct {
	store ChunkSource
	root  string
	log   logging.Logger
}

func New(store ChunkSource, root string, log logging.Logger) *Assembler {
	return &Assembler{store: store, root: root, log: log}
}

// AssembleFile reconstructs one file at its manifest-relative path.
// The file is truncated to zero and regrown to its declared size first,
// so zero-fill ranges come out as holes without any chunk I/O even when
// a previous build left data there, then each content chunk is copied
// to its offset and the whole-file digest is checked against the
// manifest.
func (a *Assembler) AssembleFile(ctx context.Context, entry manifest.FileEntry) error {
	path, err := a.securePath(entry.Path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("assemble %s: %w", entry.Path, err)
	}

	perm := permRegular
	if entry.Executable {
		perm = permExecutable
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, perm)
	if err != nil {
		return fmt.Errorf("assemble %s: %w", entry.Path, err)
	}
	defer f.Close()

	// Dropping to zero length first discards whatever a previous build
	// left in ranges the new manifest declares zero-filled; growing
	// back re-creates them as holes.
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("assemble %s: truncate: %w", entry.Path, err)
	}
	if err := f.Truncate(entry.Size); err != nil {
		return fmt.Errorf("assemble %s: truncate: %w", entry.Path, err)
	}

	chunks := append([]manifest.ChunkRef(nil), entry.Chunks...)
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Offset < chunks[j].Offset })

	for _, c := range chunks {
		if c.Zero() {
			continue
		}
		if err := a.writeChunk(f, c); err != nil {
			return fmt.Errorf("assemble %s: %w", entry.Path, err)
		}
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("assemble %s: sync: %w", entry.Path, err)
	}

	// An existing file may carry stale permissions from a previous
	// install; OpenFile only applies perm on creation.
	if err := f.Chmod(perm); err != nil {
		return fmt.Errorf("assemble %s: chmod: %w", entry.Path, err)
	}

	if entry.Hash != "" {
		if err := a.verifyFile(ctx, f, entry, chunks); err != nil {
			return err
		}
	}
	return nil
}

func (a *Assembler) writeChunk(f *os.File, c manifest.ChunkRef) error {
	rc, err := a.store.Open(c.Hash)
	if err != nil {
		return fmt.Errorf("chunk %s: %w", c.Hash, err)
	}
	defer rc.Close()

	n, err := io.Copy(io.NewOffsetWriter(f, c.Offset), rc)
	if err != nil {
		return fmt.Errorf("chunk %s: %w", c.Hash, err)
	}
	if n != c.Size {
		return fmt.Errorf("chunk %s: wrote %d bytes, manifest declares %d", c.Hash, n, c.Size)
	}
	return nil
}

// verifyFile recomputes the whole-file digest. On mismatch it
// re-verifies every source chunk: corrupt blobs are evicted and
// reported as recoverable; if all blobs are clean the mismatch is
// unexplained and fatal.
func (a *Assembler) verifyFile(ctx context.Context, f *os.File, entry manifest.FileEntry, chunks []manifest.ChunkRef) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("assemble %s: %w", entry.Path, err)
	}
	got, err := digest.SumReader(f)
	if err != nil {
		return fmt.Errorf("assemble %s: %w", entry.Path, err)
	}
	if got == entry.Hash {
		return nil
	}

	a.log.Warn(ctx, "assembled file digest mismatch, re-verifying source chunks",
		"path", entry.Path, "want", entry.Hash, "got", got)

	var evicted []string
	seen := make(map[string]bool)
	for _, c := range chunks {
		if c.Zero() || seen[c.Hash] {
			continue
		}
		seen[c.Hash] = true
		ok, err := a.store.Verify(c.Hash)
		if err != nil {
			return fmt.Errorf("assemble %s: verify chunk %s: %w", entry.Path, c.Hash, err)
		}
		if !ok {
			if err := a.store.Delete(c.Hash); err != nil {
				return fmt.Errorf("assemble %s: evict chunk %s: %w", entry.Path, c.Hash, err)
			}
			evicted = append(evicted, c.Hash)
		}
	}
	if len(evicted) > 0 {
		return &CorruptChunksError{Path: entry.Path, Hashes: evicted}
	}
	return &FileIntegrityError{Path: entry.Path, Want: entry.Hash, Got: got}
}

// securePath resolves a manifest-relative path under root, rejecting
// absolute paths and traversal outside the install directory.
func (a *Assembler) securePath(rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("assemble: invalid path %q", rel)
	}
	path := filepath.Join(a.root, filepath.FromSlash(rel))
	if path != a.root && !strings.HasPrefix(path, a.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("assemble: path %q escapes install directory", rel)
	}
	if path == a.root {
		return "", fmt.Errorf("assemble: invalid path %q", rel)
	}
	return path, nil
}

// Remove deletes one installed file and prunes directories that the
// removal left empty, stopping at the install root.
func (a *Assembler) Remove(rel string) error {
	path, err := a.securePath(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", rel, err)
	}
	for dir := filepath.Dir(path); dir != a.root; dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			break // not empty, or already gone
		}
	}
	return nil
}
