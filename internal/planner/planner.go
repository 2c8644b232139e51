// Package planner computes the minimal chunk set to fetch for a fresh
// install or a differential update, by content-addressed diffing against
// whatever is already held locally.
package planner

import (
	"fmt"
	"sort"

	"github.com/vpoletaev/depot/internal/common"
	"github.com/vpoletaev/depot/internal/manifest"
)

// ChunkIndex answers whether a chunk is already held locally. Both the
// chunk store and a previous install record satisfy it.
type ChunkIndex interface {
	Has(hash string) bool
}

// Plan is the ordered set of chunks to download. Chunks holds one entry
// per distinct absent hash, in fetch order; TotalBytes is their summed
// size (the true delta cost, used for the disk-space preflight).
type Plan struct {
	Chunks     []manifest.ChunkRef
	TotalBytes int64
}

// Empty reports whether nothing needs fetching.
func (p *Plan) Empty() bool { return len(p.Chunks) == 0 }

// Build produces the download plan for m. Each index contributes hashes
// that are already present; a ChunkRef enters the plan iff its hash is
// absent from all of them. Content reused across versions, or relocated
// within a file, therefore costs zero bytes. With no indexes every
// non-zero chunk is planned (fresh install).
//
// Files with a higher Priority are planned first so launch-critical
// content lands early; within a file, manifest order is preserved.
// Repeated hashes are planned once.
func Build(m *manifest.Manifest, indexes ...ChunkIndex) (*Plan, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil manifest", common.ErrPlanning)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrPlanning, err)
	}

	files := make([]manifest.FileEntry, len(m.Files))
	copy(files, m.Files)
	sort.SliceStable(files, func(i, j int) bool { return files[i].Priority > files[j].Priority })

	plan := &Plan{}
	seen := make(map[string]bool)
	for _, f := range files {
		for _, c := range f.Chunks {
			if c.Zero() || seen[c.Hash] {
				continue
			}
			seen[c.Hash] = true
			if held(c.Hash, indexes) {
				continue
			}
			plan.Chunks = append(plan.Chunks, c)
			plan.TotalBytes += c.Size
		}
	}
	return plan, nil
}

func held(hash string, indexes []ChunkIndex) bool {
	for _, idx := range indexes {
		if idx != nil && idx.Has(hash) {
			return true
		}
	}
	return false
}
