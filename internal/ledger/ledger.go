// Package ledger persists install state in an SQLite database: one
// record per application, the file list with completion flags, and the
// set of verified chunk hashes. The ledger is what makes interrupted
// installs resumable and differential updates diffable.
//
// Every failure is wrapped in common.ErrStateStore: ledger errors are
// always fatal, the caller must abort rather than carry on against a
// record that may be inconsistent.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/vpoletaev/depot/internal/common"
	"github.com/vpoletaev/depot/internal/dbx"
	"github.com/vpoletaev/depot/internal/ledger/migrations"
	"github.com/vpoletaev/depot/internal/manifest"
)

// Status is the lifecycle position of an installed application.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusVerifying   Status = "verifying"
	StatusComplete    Status = "complete"
	StatusFailed      Status = "failed"
)

// transitions lists the allowed moves. Failed installs re-enter
// Downloading on retry. Any state can fall back to Pending: planning a
// new build supersedes whatever was in flight.
var transitions = map[Status][]Status{
	StatusPending:     {StatusDownloading, StatusFailed},
	StatusDownloading: {StatusVerifying, StatusFailed, StatusPending},
	StatusVerifying:   {StatusComplete, StatusFailed, StatusPending},
	StatusFailed:      {StatusPending, StatusDownloading},
	StatusComplete:    {StatusPending, StatusDownloading},
}

func validTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Record is one application's install state.
type Record struct {
	AppID        string
	BuildID      string
	Version      string
	Status       Status
	InstallDir   string
	Executable   string
	LastSaveSync time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// FileRecord is one file row of an install.
type FileRecord struct {
	Path     string
	Hash     string
	Size     int64
	Complete bool
}

// ChunkSet is the verified chunk hashes of an install, loaded once and
// queried in memory. It satisfies the planner's chunk index contract.
type ChunkSet map[string]int64

func (s ChunkSet) Has(hash string) bool {
	_, ok := s[hash]
	return ok
}

// Store is the SQLite-backed install ledger.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the ledger database at path and
// applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", common.ErrStateStore, path, err)
	}
	// modernc sqlite serializes writes itself; one connection keeps
	// SQLITE_BUSY out of the picture.
	db.SetMaxOpenConns(1)
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate %s: %v", common.ErrStateStore, path, err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

func (s *Store) Close() error {
	return s.db.Close()
}

func wrap(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", common.ErrStateStore, op, err)
}

// Create inserts a fresh record in StatusPending. Creating an app that
// already exists is an error; use Get first.
func (s *Store) Create(ctx context.Context, rec *Record) error {
	now := s.now().UTC()
	rec.Status = StatusPending
	rec.CreatedAt = now
	rec.UpdatedAt = now
	query := `INSERT INTO installs (app_id, build_id, version, status, install_dir, executable, last_save_sync, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		rec.AppID, rec.BuildID, rec.Version, rec.Status, rec.InstallDir,
		rec.Executable, rec.LastSaveSync.UTC().Unix(), now.Unix(), now.Unix())
	if err != nil {
		return wrap("create "+rec.AppID, err)
	}
	return nil
}

// Get returns the record for app, or (nil, nil) if none exists.
func (s *Store) Get(ctx context.Context, app string) (*Record, error) {
	query := `SELECT app_id, build_id, version, status, install_dir, executable, last_save_sync, created_at, updated_at
		FROM installs WHERE app_id = ?`
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, app))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get "+app, err)
	}
	return rec, nil
}

// List returns every install record, ordered by app id.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	query := `SELECT app_id, build_id, version, status, install_dir, executable, last_save_sync, created_at, updated_at
		FROM installs ORDER BY app_id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, wrap("list", err)
	}
	defer rows.Close()

	var result []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, wrap("list", err)
		}
		result = append(result, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list", err)
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var rec Record
	var lastSync, created, updated int64
	err := row.Scan(&rec.AppID, &rec.BuildID, &rec.Version, &rec.Status,
		&rec.InstallDir, &rec.Executable, &lastSync, &created, &updated)
	if err != nil {
		return nil, err
	}
	rec.LastSaveSync = time.Unix(lastSync, 0).UTC()
	rec.CreatedAt = time.Unix(created, 0).UTC()
	rec.UpdatedAt = time.Unix(updated, 0).UTC()
	return &rec, nil
}

// SetStatus moves app to the given status, enforcing the allowed
// lifecycle transitions.
func (s *Store) SetStatus(ctx context.Context, app string, status Status) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var current Status
		row := tx.QueryRowContext(ctx, `SELECT status FROM installs WHERE app_id = ?`, app)
		if err := row.Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: set status: app %s: %v", common.ErrStateStore, app, common.ErrNotFound)
			}
			return wrap("set status "+app, err)
		}
		if !validTransition(current, status) {
			return fmt.Errorf("%w: set status %s: illegal transition %s -> %s",
				common.ErrStateStore, app, current, status)
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE installs SET status = ?, updated_at = ? WHERE app_id = ?`,
			status, s.now().UTC().Unix(), app)
		if err != nil {
			return wrap("set status "+app, err)
		}
		return nil
	})
}

// SetVersion records the build the install now tracks. Used when an
// update is planned, before downloading starts.
func (s *Store) SetVersion(ctx context.Context, app, buildID, version string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE installs SET build_id = ?, version = ?, updated_at = ? WHERE app_id = ?`,
		buildID, version, s.now().UTC().Unix(), app)
	if err != nil {
		return wrap("set version "+app, err)
	}
	return requireOneRow(res, "set version "+app)
}

// LastSaveSync returns the completion time of the previous cloud-save
// sync, or the zero time when the install has never synced. An app
// without an install record is ErrNotFound, so callers fail before
// moving any data.
func (s *Store) LastSaveSync(ctx context.Context, app string) (time.Time, error) {
	var ts int64
	row := s.db.QueryRowContext(ctx, `SELECT last_save_sync FROM installs WHERE app_id = ?`, app)
	if err := row.Scan(&ts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, fmt.Errorf("last save sync %s: %w", app, common.ErrNotFound)
		}
		return time.Time{}, wrap("last save sync "+app, err)
	}
	if ts == 0 {
		return time.Time{}, nil
	}
	return time.Unix(ts, 0).UTC(), nil
}

// SetLastSaveSync records the completion time of a cloud-save sync.
func (s *Store) SetLastSaveSync(ctx context.Context, app string, t time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE installs SET last_save_sync = ?, updated_at = ? WHERE app_id = ?`,
		t.UTC().Unix(), s.now().UTC().Unix(), app)
	if err != nil {
		return wrap("set last save sync "+app, err)
	}
	return requireOneRow(res, "set last save sync "+app)
}

func requireOneRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrap(op, err)
	}
	if n != 1 {
		return fmt.Errorf("%w: %s: %v", common.ErrStateStore, op, common.ErrNotFound)
	}
	return nil
}

// ReplaceFiles swaps the install's file list for the manifest's,
// resetting completion flags. Run when an install or update is planned.
func (s *Store) ReplaceFiles(ctx context.Context, app string, files []manifest.FileEntry) error {
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM install_files WHERE app_id = ?`, app); err != nil {
			return err
		}
		for _, f := range files {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO install_files (app_id, path, hash, size, complete) VALUES (?, ?, ?, ?, 0)`,
				app, f.Path, f.Hash, f.Size)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return wrap("replace files "+app, err)
	}
	return nil
}

// Files returns the install's file rows, ordered by path.
func (s *Store) Files(ctx context.Context, app string) ([]FileRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, hash, size, complete FROM install_files WHERE app_id = ? ORDER BY path`, app)
	if err != nil {
		return nil, wrap("files "+app, err)
	}
	defer rows.Close()

	var result []FileRecord
	for rows.Next() {
		var f FileRecord
		if err := rows.Scan(&f.Path, &f.Hash, &f.Size, &f.Complete); err != nil {
			return nil, wrap("files "+app, err)
		}
		result = append(result, f)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("files "+app, err)
	}
	return result, nil
}

// MarkFileComplete flags one assembled, digest-verified file.
func (s *Store) MarkFileComplete(ctx context.Context, app, path string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE install_files SET complete = 1 WHERE app_id = ? AND path = ?`, app, path)
	if err != nil {
		return wrap("mark file complete "+app, err)
	}
	return requireOneRow(res, "mark file complete "+app+" "+path)
}

// AddChunks records a batch of verified chunk hashes in one
// transaction. Re-adding a hash is a no-op, so interrupted runs can
// replay their batches safely.
func (s *Store) AddChunks(ctx context.Context, app string, refs []manifest.ChunkRef) error {
	if len(refs) == 0 {
		return nil
	}
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, c := range refs {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO install_chunks (app_id, hash, size) VALUES (?, ?, ?)
				 ON CONFLICT(app_id, hash) DO NOTHING`,
				app, c.Hash, c.Size)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return wrap("add chunks "+app, err)
	}
	return nil
}

// Chunks loads the install's verified chunk set.
func (s *Store) Chunks(ctx context.Context, app string) (ChunkSet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT hash, size FROM install_chunks WHERE app_id = ?`, app)
	if err != nil {
		return nil, wrap("chunks "+app, err)
	}
	defer rows.Close()

	set := make(ChunkSet)
	for rows.Next() {
		var hash string
		var size int64
		if err := rows.Scan(&hash, &size); err != nil {
			return nil, wrap("chunks "+app, err)
		}
		set[hash] = size
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("chunks "+app, err)
	}
	return set, nil
}

// RemoveChunks drops hashes from the install's chunk set, e.g. after
// the assembler evicted corrupt blobs.
func (s *Store) RemoveChunks(ctx context.Context, app string, hashes []string) error {
	if len(hashes) == 0 {
		return nil
	}
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, h := range hashes {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM install_chunks WHERE app_id = ? AND hash = ?`, app, h); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return wrap("remove chunks "+app, err)
	}
	return nil
}

// Delete removes the install record and, via cascading deletes, its
// file and chunk rows. Deleting an absent app is a no-op.
func (s *Store) Delete(ctx context.Context, app string) error {
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		// modernc sqlite has foreign keys off by default; delete
		// children explicitly rather than depend on a pragma.
		for _, q := range []string{
			`DELETE FROM install_chunks WHERE app_id = ?`,
			`DELETE FROM install_files WHERE app_id = ?`,
			`DELETE FROM installs WHERE app_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, app); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return wrap("delete "+app, err)
	}
	return nil
}
