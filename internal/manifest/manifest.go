// Package manifest defines the build manifest model and the resolver
// that fetches and validates manifests from a remote endpoint.
package manifest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vpoletaev/depot/internal/digest"
)

// ChunkRef is a content-addressed byte range of a file. Hash is a pure
// function of the chunk bytes, so identical content at different
// offsets (or in different files) shares one stored blob.
//
// A ChunkRef with an empty Hash is an explicit zero-fill range: it
// occupies [Offset, Offset+Size) in the file but has no backing blob
// and is realized as a filesystem hole.
type ChunkRef struct {
	Hash   string `json:"hash,omitempty"`
	Size   int64  `json:"size"`
	Offset int64  `json:"offset"`
}

// Zero reports whether the ref is a zero-fill range.
func (c ChunkRef) Zero() bool { return c.Hash == "" }

// FileEntry describes one file of the build.
type FileEntry struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
	// Executable selects the installed permission bits: 0o755 when
	// set, 0o644 otherwise.
	Executable bool   `json:"executable,omitempty"`
	Hash       string `json:"hash"`
	// Priority orders chunk fetching; higher values are scheduled
	// first so launch-critical files complete early.
	Priority int        `json:"priority,omitempty"`
	Chunks   []ChunkRef `json:"chunks"`
}

// Manifest is a versioned description of a build's files and chunks.
type Manifest struct {
	AppID      string      `json:"app_id"`
	BuildID    string      `json:"build_id"`
	Version    string      `json:"version"`
	Executable string      `json:"launch_exe,omitempty"`
	Files      []FileEntry `json:"files"`
	// Checksum, when present, is the digest of the canonical file list
	// and guards against tampering in transit.
	Checksum string `json:"checksum,omitempty"`
}

// TotalBytes is the declared size of the full build.
func (m *Manifest) TotalBytes() int64 {
	var total int64
	for _, f := range m.Files {
		total += f.Size
	}
	return total
}

// Validate checks structural invariants: every file's chunk list must
// exactly tile [0, Size) with no gaps or overlaps, and declared chunk
// sizes must be positive. When a Checksum is embedded it must match the
// canonical digest.
func (m *Manifest) Validate() error {
	if m.AppID == "" {
		return &IntegrityError{Reason: "missing app id"}
	}
	for _, f := range m.Files {
		if err := validateTiling(f); err != nil {
			return err
		}
	}
	if m.Checksum != "" && m.Checksum != m.CanonicalDigest() {
		return &IntegrityError{Reason: fmt.Sprintf("checksum mismatch for build %s", m.BuildID)}
	}
	return nil
}

func validateTiling(f FileEntry) error {
	if f.Size < 0 {
		return &IntegrityError{Reason: fmt.Sprintf("%s: negative size", f.Path)}
	}
	refs := make([]ChunkRef, len(f.Chunks))
	copy(refs, f.Chunks)
	sort.Slice(refs, func(i, j int) bool { return refs[i].Offset < refs[j].Offset })

	var next int64
	for _, c := range refs {
		if c.Size <= 0 {
			return &IntegrityError{Reason: fmt.Sprintf("%s: chunk with non-positive size at offset %d", f.Path, c.Offset)}
		}
		if c.Offset != next {
			return &IntegrityError{Reason: fmt.Sprintf("%s: gap or overlap at offset %d (expected %d)", f.Path, c.Offset, next)}
		}
		next = c.Offset + c.Size
	}
	if next != f.Size {
		return &IntegrityError{Reason: fmt.Sprintf("%s: chunks cover %d of %d declared bytes", f.Path, next, f.Size)}
	}
	return nil
}

// CanonicalDigest hashes the ordered file list (path, hash, size per
// line) and is the value an embedded Checksum must match.
func (m *Manifest) CanonicalDigest() string {
	var b strings.Builder
	for _, f := range m.Files {
		fmt.Fprintf(&b, "%s\n%s\n%d\n", f.Path, f.Hash, f.Size)
	}
	return digest.Sum([]byte(b.String()))
}
