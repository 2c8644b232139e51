package saves

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vpoletaev/depot/internal/digest"
	"github.com/vpoletaev/depot/internal/filex"
	"github.com/vpoletaev/depot/internal/logging"
)

// Marker persists the last successful sync time per app. The install
// ledger satisfies this.
type Marker interface {
	LastSaveSync(ctx context.Context, app string) (time.Time, error)
	SetLastSaveSync(ctx context.Context, app string, t time.Time) error
}

// Synchronizer reconciles a local save directory with a remote store.
type Synchronizer struct {
	remote RemoteStore
	marker Marker
	skew   time.Duration
	log    logging.Logger
	now    func() time.Time
}

func NewSynchronizer(remote RemoteStore, marker Marker, skew time.Duration, log logging.Logger) *Synchronizer {
	return &Synchronizer{
		remote: remote,
		marker: marker,
		skew:   skew,
		log:    log,
		now:    time.Now,
	}
}

// Sync reconciles dir with the remote store for app. Files changed on
// one side since the last sync move to the other; files changed on both
// sides with differing content resolve newest-wins when the timestamps
// are further apart than the skew tolerance, and go through resolve
// otherwise. Whichever version an overwrite discards, local or remote,
// is preserved first as a timestamped local backup.
func (s *Synchronizer) Sync(ctx context.Context, app, dir string, resolve Resolver) (*Report, error) {
	lastSync, err := s.marker.LastSaveSync(ctx, app)
	if err != nil {
		return nil, err
	}

	local, err := s.scanLocal(dir)
	if err != nil {
		return nil, err
	}
	remoteList, err := s.remote.List(ctx, app)
	if err != nil {
		return nil, err
	}
	remote := make(map[string]Metadata, len(remoteList))
	for _, m := range remoteList {
		remote[m.Name] = m
	}

	names := make(map[string]struct{}, len(local)+len(remote))
	for n := range local {
		names[n] = struct{}{}
	}
	for n := range remote {
		names[n] = struct{}{}
	}
	ordered := make([]string, 0, len(names))
	for n := range names {
		ordered = append(ordered, n)
	}
	sort.Strings(ordered)

	report := &Report{}
	for _, name := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lm, hasLocal := local[name]
		rm, hasRemote := remote[name]

		switch {
		case hasLocal && !hasRemote:
			if err := s.upload(ctx, app, dir, lm, report); err != nil {
				return nil, err
			}
		case !hasLocal && hasRemote:
			if err := s.download(ctx, app, dir, rm, report); err != nil {
				return nil, err
			}
		default:
			if err := s.reconcile(ctx, app, dir, lm, rm, lastSync, resolve, report); err != nil {
				return nil, err
			}
		}
	}

	if err := s.marker.SetLastSaveSync(ctx, app, s.now()); err != nil {
		return nil, err
	}
	return report, nil
}

func (s *Synchronizer) reconcile(ctx context.Context, app, dir string, lm, rm Metadata, lastSync time.Time, resolve Resolver, report *Report) error {
	if lm.Hash != "" && lm.Hash == rm.Hash {
		report.Skipped = append(report.Skipped, lm.Name)
		return nil
	}

	localChanged := lm.ModTime.After(lastSync)
	remoteChanged := rm.ModTime.After(lastSync)

	switch {
	case localChanged && !remoteChanged:
		return s.upload(ctx, app, dir, lm, report)
	case remoteChanged && !localChanged:
		return s.download(ctx, app, dir, rm, report)
	}

	// Changed on both sides (or drifted without either mtime moving
	// past the marker). Newest wins when the gap is clearly larger
	// than clock skew could explain.
	delta := lm.ModTime.Sub(rm.ModTime)
	if delta < 0 {
		delta = -delta
	}
	if delta > s.skew {
		if lm.ModTime.After(rm.ModTime) {
			s.log.Info(ctx, "save conflict resolved newest-wins: local",
				"app", app, "name", lm.Name)
			if _, err := s.backupRemote(ctx, app, dir, rm.Name); err != nil {
				return err
			}
			return s.upload(ctx, app, dir, lm, report)
		}
		s.log.Info(ctx, "save conflict resolved newest-wins: remote",
			"app", app, "name", lm.Name)
		return s.download(ctx, app, dir, rm, report)
	}

	conflict := Conflict{App: app, Name: lm.Name, Local: lm, Remote: rm}
	resolution := ResolutionSkip
	if resolve != nil {
		var err error
		resolution, err = resolve(conflict)
		if err != nil {
			return err
		}
	}

	switch resolution {
	case ResolutionKeepLocal:
		if _, err := s.backupRemote(ctx, app, dir, rm.Name); err != nil {
			return err
		}
		return s.upload(ctx, app, dir, lm, report)
	case ResolutionKeepRemote:
		return s.download(ctx, app, dir, rm, report)
	case ResolutionKeepBoth:
		return s.keepBoth(ctx, app, dir, lm, rm, report)
	default:
		s.log.Warn(ctx, "save conflict skipped", "app", app, "name", lm.Name)
		report.Conflicts = append(report.Conflicts, lm.Name)
		return nil
	}
}

func (s *Synchronizer) upload(ctx context.Context, app, dir string, meta Metadata, report *Report) error {
	data, err := os.ReadFile(filepath.Join(dir, meta.Name))
	if err != nil {
		return fmt.Errorf("sync %s: read %s: %w", app, meta.Name, err)
	}
	if err := s.remote.Upload(ctx, app, meta, data); err != nil {
		return err
	}
	report.Uploaded = append(report.Uploaded, meta.Name)
	return nil
}

func (s *Synchronizer) download(ctx context.Context, app, dir string, meta Metadata, report *Report) error {
	data, err := s.remote.Download(ctx, app, meta.Name)
	if err != nil {
		return err
	}
	if meta.Hash != "" {
		if got := digest.Sum(data); got != meta.Hash {
			return fmt.Errorf("sync %s: save %s: downloaded hash %s, remote declares %s",
				app, meta.Name, got, meta.Hash)
		}
	}
	if err := s.backupLocal(dir, meta.Name); err != nil {
		return fmt.Errorf("sync %s: %w", app, err)
	}
	path := filepath.Join(dir, meta.Name)
	if err := filex.AtomicWrite(path, data, 0o644); err != nil {
		return fmt.Errorf("sync %s: %w", app, err)
	}
	if !meta.ModTime.IsZero() {
		if err := os.Chtimes(path, meta.ModTime, meta.ModTime); err != nil {
			return fmt.Errorf("sync %s: chtimes %s: %w", app, meta.Name, err)
		}
	}
	report.Downloaded = append(report.Downloaded, meta.Name)
	return nil
}

// keepBoth lands the remote content under a timestamped backup name and
// pushes the local file, so both versions survive and the remote side
// converges on the local one.
func (s *Synchronizer) keepBoth(ctx context.Context, app, dir string, lm, rm Metadata, report *Report) error {
	backup, err := s.backupRemote(ctx, app, dir, rm.Name)
	if err != nil {
		return err
	}
	s.log.Info(ctx, "kept both sides of save conflict",
		"app", app, "name", rm.Name, "remote_copy", backup)
	return s.upload(ctx, app, dir, lm, report)
}

// backupRemote snapshots the remote version of a save as a local
// timestamped backup before the local version overwrites it.
func (s *Synchronizer) backupRemote(ctx context.Context, app, dir, name string) (string, error) {
	data, err := s.remote.Download(ctx, app, name)
	if err != nil {
		return "", err
	}
	backup, err := filex.WriteBackup(dir, name, data, s.now())
	if err != nil {
		return "", fmt.Errorf("sync %s: %w", app, err)
	}
	return backup, nil
}

// backupLocal snapshots the current local file before an overwrite.
// Missing files need no backup.
func (s *Synchronizer) backupLocal(dir, name string) error {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("backup %s: %w", name, err)
	}
	if _, err := filex.WriteBackup(dir, name, data, s.now()); err != nil {
		return err
	}
	return nil
}

// scanLocal indexes the save directory, hashing each file. Backup
// artifacts are not sync candidates.
func (s *Synchronizer) scanLocal(dir string) (map[string]Metadata, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return map[string]Metadata{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan saves %s: %w", dir, err)
	}

	local := make(map[string]Metadata)
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".bak") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("scan saves %s: %w", dir, err)
		}
		hash, err := digest.SumFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("scan saves %s: %w", dir, err)
		}
		local[e.Name()] = Metadata{
			Name:    e.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime().UTC(),
			Hash:    hash,
		}
	}
	return local, nil
}
