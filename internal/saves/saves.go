// Package saves synchronizes per-application save files between a local
// directory and a remote store. Two remote backends are provided: a
// plain HTTP endpoint and an S3 bucket. Conflict detection works from
// the last-sync marker persisted in the install ledger: a side counts
// as changed when it was modified after that marker.
package saves

import (
	"context"
	"time"
)

// Metadata describes one save file on either side.
type Metadata struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mtime"`
	Hash    string    `json:"sha256"`
}

// RemoteStore is the remote side of a sync. Implementations retry
// transient failures internally; callers see final errors only.
type RemoteStore interface {
	List(ctx context.Context, app string) ([]Metadata, error)
	Download(ctx context.Context, app, name string) ([]byte, error)
	Upload(ctx context.Context, app string, meta Metadata, data []byte) error
	Delete(ctx context.Context, app, name string) error
}
