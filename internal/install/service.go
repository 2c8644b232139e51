// Package install orchestrates the whole pipeline: manifest resolution,
// chunk planning, disk preflight, scheduled downloads, file assembly,
// and ledger bookkeeping. The CLI talks to this package only.
package install

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/vpoletaev/depot/internal/assemble"
	"github.com/vpoletaev/depot/internal/chunkstore"
	"github.com/vpoletaev/depot/internal/common"
	"github.com/vpoletaev/depot/internal/digest"
	"github.com/vpoletaev/depot/internal/diskspace"
	"github.com/vpoletaev/depot/internal/download"
	"github.com/vpoletaev/depot/internal/ledger"
	"github.com/vpoletaev/depot/internal/logging"
	"github.com/vpoletaev/depot/internal/manifest"
	"github.com/vpoletaev/depot/internal/planner"
	"github.com/vpoletaev/depot/internal/progress"
)

// checkSpace is a seam for testing the preflight without filling disks.
var checkSpace = diskspace.Check

// ManifestSource resolves app manifests. manifest.Resolver satisfies
// this.
type ManifestSource interface {
	Fetch(ctx context.Context, app string) (*manifest.Manifest, error)
	Invalidate(app string)
}

// Options tunes the orchestrator.
type Options struct {
	// InstallDir is the base directory; each app installs into
	// InstallDir/<app>.
	InstallDir string

	Workers        int
	MaxAttempts    int
	BaseBackoff    time.Duration
	BandwidthLimit int64

	// SpaceMargin is the preflight safety fraction on top of the
	// planned byte cost.
	SpaceMargin float64

	// LedgerBatch is how many verified chunks accumulate before a
	// ledger flush.
	LedgerBatch int

	// ProgressInterval is the snapshot cadence.
	ProgressInterval time.Duration
}

func (o *Options) defaults() {
	if o.LedgerBatch <= 0 {
		o.LedgerBatch = 32
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = 500 * time.Millisecond
	}
}

// Plan is the outcome of PlanInstall: everything Execute needs to carry
// an install or update through.
type Plan struct {
	App        string
	Manifest   *manifest.Manifest
	InstallDir string
	// Chunks is the differential download queue, priority-ordered.
	Chunks     []manifest.ChunkRef
	TotalBytes int64
	// Obsolete lists files from the previous build that the new
	// manifest no longer contains; they are removed after a
	// successful update.
	Obsolete []string
}

// Service wires the engine together.
type Service struct {
	source ManifestSource
	store  *chunkstore.Store
	ledger *ledger.Store
	fetch  download.Fetcher
	opts   Options
	log    logging.Logger
}

func New(source ManifestSource, store *chunkstore.Store, lg *ledger.Store, fetch download.Fetcher, opts Options, log logging.Logger) *Service {
	opts.defaults()
	return &Service{
		source: source,
		store:  store,
		ledger: lg,
		fetch:  fetch,
		opts:   opts,
		log:    log,
	}
}

func (s *Service) appDir(app string) string {
	return filepath.Join(s.opts.InstallDir, app)
}

// PlanInstall resolves the manifest and computes the differential
// download plan. Planning is idempotent: chunks already held in the
// store or recorded in the ledger are excluded, so re-planning after an
// interruption resumes instead of restarting.
func (s *Service) PlanInstall(ctx context.Context, app string) (*Plan, error) {
	m, err := s.source.Fetch(ctx, app)
	if err != nil {
		return nil, err
	}

	rec, err := s.ledger.Get(ctx, app)
	if err != nil {
		return nil, err
	}

	var obsolete []string
	switch {
	case rec == nil:
		rec = &ledger.Record{
			AppID:      app,
			BuildID:    m.BuildID,
			Version:    m.Version,
			InstallDir: s.appDir(app),
			Executable: m.Executable,
		}
		if err := s.ledger.Create(ctx, rec); err != nil {
			return nil, err
		}
		if err := s.ledger.ReplaceFiles(ctx, app, m.Files); err != nil {
			return nil, err
		}
	case rec.BuildID != m.BuildID:
		// Update: diff the old file list before replacing it.
		oldFiles, err := s.ledger.Files(ctx, app)
		if err != nil {
			return nil, err
		}
		keep := make(map[string]bool, len(m.Files))
		for _, f := range m.Files {
			keep[f.Path] = true
		}
		for _, f := range oldFiles {
			if !keep[f.Path] {
				obsolete = append(obsolete, f.Path)
			}
		}
		if err := s.ledger.SetStatus(ctx, app, ledger.StatusPending); err != nil {
			return nil, err
		}
		if err := s.ledger.SetVersion(ctx, app, m.BuildID, m.Version); err != nil {
			return nil, err
		}
		if err := s.ledger.ReplaceFiles(ctx, app, m.Files); err != nil {
			return nil, err
		}
	default:
		// Same build: resume. Completion flags and the chunk set stay.
		if rec.Status == ledger.StatusFailed {
			if err := s.ledger.SetStatus(ctx, app, ledger.StatusPending); err != nil {
				return nil, err
			}
		}
	}

	held, err := s.ledger.Chunks(ctx, app)
	if err != nil {
		return nil, err
	}
	p, err := planner.Build(m, held, s.store)
	if err != nil {
		return nil, err
	}

	s.log.Info(ctx, "install planned",
		"app", app, "build", m.BuildID,
		"chunks", len(p.Chunks), "bytes", p.TotalBytes, "obsolete", len(obsolete))

	return &Plan{
		App:        app,
		Manifest:   m,
		InstallDir: rec.InstallDir,
		Chunks:     p.Chunks,
		TotalBytes: p.TotalBytes,
		Obsolete:   obsolete,
	}, nil
}

// Execute runs a plan to completion: disk preflight, scheduled chunk
// downloads with batched ledger flushes, file assembly, and obsolete
// file removal. Progress snapshots go to sink; pass nil to discard.
func (s *Service) Execute(ctx context.Context, plan *Plan, sink progress.Sink) error {
	log := s.log.With("run", uuid.NewString(), "app", plan.App)
	log.Debug(ctx, "executing plan", "chunks", len(plan.Chunks), "bytes", plan.TotalBytes)

	if err := checkSpace(plan.InstallDir, plan.TotalBytes, s.opts.SpaceMargin); err != nil {
		return err
	}
	if err := s.ledger.SetStatus(ctx, plan.App, ledger.StatusDownloading); err != nil {
		return err
	}

	tracker := progress.NewTracker(sink, plan.TotalBytes, len(plan.Chunks), s.opts.ProgressInterval)
	tracker.Start()
	defer tracker.Stop()

	if err := s.downloadChunks(ctx, plan, tracker); err != nil {
		s.fail(ctx, plan.App)
		return err
	}

	if err := s.ledger.SetStatus(ctx, plan.App, ledger.StatusVerifying); err != nil {
		return err
	}
	if err := s.assembleFiles(ctx, plan, tracker); err != nil {
		s.fail(ctx, plan.App)
		return err
	}

	asm := assemble.New(s.store, plan.InstallDir, s.log)
	for _, path := range plan.Obsolete {
		if err := asm.Remove(path); err != nil {
			s.fail(ctx, plan.App)
			return err
		}
		log.Debug(ctx, "removed obsolete file", "path", path)
	}

	if err := s.ledger.SetStatus(ctx, plan.App, ledger.StatusComplete); err != nil {
		return err
	}
	log.Info(ctx, "install complete", "build", plan.Manifest.BuildID)
	return nil
}

// downloadChunks drains the plan through the scheduler, flushing
// verified hashes to the ledger in batches. The flush callback runs on
// the scheduler's collector goroutine, so ledger writes stay
// single-threaded.
func (s *Service) downloadChunks(ctx context.Context, plan *Plan, tracker *progress.Tracker) error {
	if len(plan.Chunks) == 0 {
		return nil
	}

	sched := download.NewScheduler(s.fetch, s.store, download.Options{
		Workers:        s.opts.Workers,
		MaxAttempts:    s.opts.MaxAttempts,
		BaseBackoff:    s.opts.BaseBackoff,
		BandwidthLimit: s.opts.BandwidthLimit,
	}, s.log)

	batch := make([]manifest.ChunkRef, 0, s.opts.LedgerBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.ledger.AddChunks(ctx, plan.App, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	err := sched.Run(ctx, plan.Chunks, func(ref manifest.ChunkRef) error {
		tracker.ChunkDone(ref.Size)
		batch = append(batch, ref)
		if len(batch) >= s.opts.LedgerBatch {
			return flush()
		}
		return nil
	})
	if err != nil {
		// Chunks verified before the failure are still worth
		// recording; the next plan resumes past them.
		if ferr := flush(); ferr != nil {
			s.log.Error(ctx, "ledger flush after failed download", "app", plan.App, "err", ferr)
		}
		return err
	}
	return flush()
}

func (s *Service) assembleFiles(ctx context.Context, plan *Plan, tracker *progress.Tracker) error {
	asm := assemble.New(s.store, plan.InstallDir, s.log)
	for _, f := range plan.Manifest.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		tracker.SetCurrentFile(f.Path)
		if err := asm.AssembleFile(ctx, f); err != nil {
			var cce *assemble.CorruptChunksError
			if errors.As(err, &cce) {
				// Drop the evicted hashes so the next plan re-downloads
				// them.
				if lerr := s.ledger.RemoveChunks(ctx, plan.App, cce.Hashes); lerr != nil {
					return lerr
				}
			}
			return err
		}
		if err := s.ledger.MarkFileComplete(ctx, plan.App, f.Path); err != nil {
			return err
		}
	}
	return nil
}

// fail is best-effort: the original error matters more than the
// bookkeeping one.
func (s *Service) fail(ctx context.Context, app string) {
	if err := s.ledger.SetStatus(ctx, app, ledger.StatusFailed); err != nil {
		s.log.Error(ctx, "recording failed status", "app", app, "err", err)
	}
}

// Install plans and executes in one call. Safe to re-run after an
// interruption.
func (s *Service) Install(ctx context.Context, app string, sink progress.Sink) error {
	plan, err := s.PlanInstall(ctx, app)
	if err != nil {
		return err
	}
	return s.Execute(ctx, plan, sink)
}

// UpdateInfo is the result of an update check.
type UpdateInfo struct {
	App              string
	InstalledBuild   string
	InstalledVersion string
	LatestBuild      string
	LatestVersion    string
	UpdateAvailable  bool
}

// CheckUpdate compares the installed build against the latest manifest.
// The manifest cache is bypassed so the answer is current.
func (s *Service) CheckUpdate(ctx context.Context, app string) (*UpdateInfo, error) {
	rec, err := s.ledger.Get(ctx, app)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("check update: app %s: %w", app, common.ErrNotFound)
	}

	s.source.Invalidate(app)
	m, err := s.source.Fetch(ctx, app)
	if err != nil {
		return nil, err
	}

	return &UpdateInfo{
		App:              app,
		InstalledBuild:   rec.BuildID,
		InstalledVersion: rec.Version,
		LatestBuild:      m.BuildID,
		LatestVersion:    m.Version,
		UpdateAvailable:  rec.BuildID != m.BuildID,
	}, nil
}

// VerificationReport summarizes a VerifyInstallation pass.
type VerificationReport struct {
	App     string
	Checked int
	Missing []string
	Damaged []string
}

// OK reports whether every file verified clean.
func (r *VerificationReport) OK() bool {
	return len(r.Missing) == 0 && len(r.Damaged) == 0
}

// VerifyInstallation re-hashes every installed file against the ledger.
// It only reports; re-running Install repairs, since damaged files
// re-assemble from stored chunks and missing chunks re-plan.
func (s *Service) VerifyInstallation(ctx context.Context, app string) (*VerificationReport, error) {
	rec, err := s.ledger.Get(ctx, app)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("verify: app %s: %w", app, common.ErrNotFound)
	}

	files, err := s.ledger.Files(ctx, app)
	if err != nil {
		return nil, err
	}

	report := &VerificationReport{App: app}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report.Checked++
		got, err := digest.SumFile(filepath.Join(rec.InstallDir, filepath.FromSlash(f.Path)))
		switch {
		case err != nil:
			report.Missing = append(report.Missing, f.Path)
		case f.Hash != "" && got != f.Hash:
			report.Damaged = append(report.Damaged, f.Path)
		}
	}
	return report, nil
}

// Uninstall removes the app's files, prunes chunks no other install
// references, and deletes the ledger record.
func (s *Service) Uninstall(ctx context.Context, app string) error {
	rec, err := s.ledger.Get(ctx, app)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("uninstall: app %s: %w", app, common.ErrNotFound)
	}

	files, err := s.ledger.Files(ctx, app)
	if err != nil {
		return err
	}
	asm := assemble.New(s.store, rec.InstallDir, s.log)
	for _, f := range files {
		if err := asm.Remove(f.Path); err != nil {
			return err
		}
	}

	if err := s.pruneChunks(ctx, app); err != nil {
		return err
	}
	if err := s.ledger.Delete(ctx, app); err != nil {
		return err
	}
	s.log.Info(ctx, "uninstalled", "app", app)
	return nil
}

// pruneChunks deletes stored blobs held by app and by no other install.
func (s *Service) pruneChunks(ctx context.Context, app string) error {
	mine, err := s.ledger.Chunks(ctx, app)
	if err != nil {
		return err
	}
	if len(mine) == 0 {
		return nil
	}

	recs, err := s.ledger.List(ctx)
	if err != nil {
		return err
	}
	shared := make(map[string]bool)
	for _, r := range recs {
		if r.AppID == app {
			continue
		}
		theirs, err := s.ledger.Chunks(ctx, r.AppID)
		if err != nil {
			return err
		}
		for h := range theirs {
			shared[h] = true
		}
	}

	for h := range mine {
		if shared[h] {
			continue
		}
		if err := s.store.Delete(h); err != nil {
			return err
		}
	}
	return nil
}

// List returns every install record.
func (s *Service) List(ctx context.Context) ([]ledger.Record, error) {
	return s.ledger.List(ctx)
}
