package assemble

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpoletaev/depot/internal/chunkstore"
	"github.com/vpoletaev/depot/internal/digest"
	"github.com/vpoletaev/depot/internal/logging"
	"github.com/vpoletaev/depot/internal/manifest"
)

func setup(t *testing.T) (*Assembler, *chunkstore.Store, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := chunkstore.New(filepath.Join(dir, "objects"))
	require.NoError(t, err)
	root := filepath.Join(dir, "install")
	require.NoError(t, os.MkdirAll(root, 0o755))
	return New(store, root, logging.Discard()), store, root
}

func putChunk(t *testing.T, store *chunkstore.Store, data []byte) string {
	t.Helper()
	h := digest.Sum(data)
	require.NoError(t, store.Put(h, data))
	return h
}

func entryFor(path string, parts ...[]byte) manifest.FileEntry {
	var whole []byte
	var chunks []manifest.ChunkRef
	var off int64
	for _, p := range parts {
		chunks = append(chunks, manifest.ChunkRef{
			Hash:   digest.Sum(p),
			Size:   int64(len(p)),
			Offset: off,
		})
		whole = append(whole, p...)
		off += int64(len(p))
	}
	return manifest.FileEntry{
		Path:   path,
		Size:   off,
		Hash:   digest.Sum(whole),
		Chunks: chunks,
	}
}

func TestAssembleFile(t *testing.T) {
	a, store, root := setup(t)

	p1 := []byte("the first chunk of the file ")
	p2 := []byte("and the second one")
	putChunk(t, store, p1)
	putChunk(t, store, p2)

	entry := entryFor("data/level.pak", p1, p2)
	require.NoError(t, a.AssembleFile(context.Background(), entry))

	got, err := os.ReadFile(filepath.Join(root, "data", "level.pak"))
	require.NoError(t, err)
	assert.Equal(t, append(p1, p2...), got)

	info, err := os.Stat(filepath.Join(root, "data", "level.pak"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestAssembleExecutablePermissions(t *testing.T) {
	a, store, root := setup(t)

	p := []byte("#!/bin/sh\necho hi\n")
	putChunk(t, store, p)

	entry := entryFor("bin/game", p)
	entry.Executable = true
	require.NoError(t, a.AssembleFile(context.Background(), entry))

	info, err := os.Stat(filepath.Join(root, "bin", "game"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestAssembleZeroFillHole(t *testing.T) {
	a, store, root := setup(t)

	head := []byte("header")
	tail := []byte("footer")
	putChunk(t, store, head)
	putChunk(t, store, tail)

	size := int64(len(head)) + 1024 + int64(len(tail))
	whole := make([]byte, size)
	copy(whole, head)
	copy(whole[len(head)+1024:], tail)

	entry := manifest.FileEntry{
		Path: "save/slots.bin",
		Size: size,
		Hash: digest.Sum(whole),
		Chunks: []manifest.ChunkRef{
			{Hash: digest.Sum(head), Size: int64(len(head)), Offset: 0},
			{Size: 1024, Offset: int64(len(head))}, // zero-fill
			{Hash: digest.Sum(tail), Size: int64(len(tail)), Offset: int64(len(head)) + 1024},
		},
	}
	require.NoError(t, a.AssembleFile(context.Background(), entry))

	got, err := os.ReadFile(filepath.Join(root, "save", "slots.bin"))
	require.NoError(t, err)
	assert.Equal(t, whole, got)
}

func TestAssembleClearsStaleBytesInZeroRange(t *testing.T) {
	a, store, root := setup(t)

	head := []byte("new head")
	putChunk(t, store, head)

	size := int64(len(head)) + 8
	whole := make([]byte, size)
	copy(whole, head)

	entry := manifest.FileEntry{
		Path: "data/world.bin",
		Size: size,
		Hash: digest.Sum(whole),
		Chunks: []manifest.ChunkRef{
			{Hash: digest.Sum(head), Size: int64(len(head)), Offset: 0},
			{Size: 8, Offset: int64(len(head))}, // zero-fill
		},
	}

	// A previous build left data where the new manifest declares a
	// zero range; size matches, so truncating to the declared size
	// alone would keep the stale bytes.
	path := filepath.Join(root, "data", "world.bin")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	stale := append([]byte("old head"), []byte("leftover")...)
	require.NoError(t, os.WriteFile(path, stale, 0o644))

	require.NoError(t, a.AssembleFile(context.Background(), entry))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, whole, got)
}

func TestAssembleIdempotent(t *testing.T) {
	a, store, root := setup(t)

	p := []byte("stable content")
	putChunk(t, store, p)
	entry := entryFor("a.bin", p)

	require.NoError(t, a.AssembleFile(context.Background(), entry))
	require.NoError(t, a.AssembleFile(context.Background(), entry))

	got, err := os.ReadFile(filepath.Join(root, "a.bin"))
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestAssembleOverwritesStaleFile(t *testing.T) {
	a, store, root := setup(t)

	p := []byte("new")
	putChunk(t, store, p)
	entry := entryFor("patched.bin", p)

	// Pre-existing longer file from a previous build.
	require.NoError(t, os.WriteFile(filepath.Join(root, "patched.bin"), []byte("old longer content"), 0o644))
	require.NoError(t, a.AssembleFile(context.Background(), entry))

	got, err := os.ReadFile(filepath.Join(root, "patched.bin"))
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestAssembleMissingChunk(t *testing.T) {
	a, _, _ := setup(t)

	entry := entryFor("x.bin", []byte("never stored"))
	err := a.AssembleFile(context.Background(), entry)
	require.Error(t, err)
}

func TestAssembleEvictsCorruptChunk(t *testing.T) {
	dir := t.TempDir()
	store, err := chunkstore.New(dir)
	require.NoError(t, err)
	root := filepath.Join(dir, "install")
	require.NoError(t, os.MkdirAll(root, 0o755))
	a := New(store, root, logging.Discard())

	p := []byte("will be corrupted on disk")
	h := putChunk(t, store, p)
	entry := entryFor("c.bin", p)

	// Flip a byte in the stored blob behind the store's back.
	blobPath := filepath.Join(dir, "objects", h[0:2], h[2:4], h)
	bad := append([]byte(nil), p...)
	bad[0] ^= 0xff
	require.NoError(t, os.WriteFile(blobPath, bad, 0o644))

	err = a.AssembleFile(context.Background(), entry)
	var cce *CorruptChunksError
	require.ErrorAs(t, err, &cce)
	assert.Equal(t, []string{h}, cce.Hashes)
	assert.False(t, store.Has(h), "corrupt blob must be evicted")
}

func TestAssembleRejectsEscapingPaths(t *testing.T) {
	a, _, _ := setup(t)

	for _, p := range []string{"", "/etc/passwd", "../outside.bin", "a/../../outside.bin"} {
		err := a.AssembleFile(context.Background(), manifest.FileEntry{Path: p, Size: 0})
		assert.Error(t, err, "path %q must be rejected", p)
	}
}

func TestRemove(t *testing.T) {
	a, store, root := setup(t)

	p := []byte("bye")
	putChunk(t, store, p)
	entry := entryFor("deep/nested/file.bin", p)
	require.NoError(t, a.AssembleFile(context.Background(), entry))

	require.NoError(t, a.Remove("deep/nested/file.bin"))

	_, err := os.Stat(filepath.Join(root, "deep"))
	assert.True(t, os.IsNotExist(err), "empty parent directories must be pruned")

	// Removing an already-absent file is fine.
	require.NoError(t, a.Remove("deep/nested/file.bin"))
}
