package cli

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/vpoletaev/depot/internal/chunkstore"
	"github.com/vpoletaev/depot/internal/config"
	"github.com/vpoletaev/depot/internal/download"
	"github.com/vpoletaev/depot/internal/httpx"
	"github.com/vpoletaev/depot/internal/install"
	"github.com/vpoletaev/depot/internal/ledger"
	"github.com/vpoletaev/depot/internal/logging"
	"github.com/vpoletaev/depot/internal/manifest"
	"github.com/vpoletaev/depot/internal/saves"
)

// App holds the engine components a command needs. Built once per
// invocation from the loaded Config.
type App struct {
	Config  *config.Config
	Log     logging.Logger
	Service *install.Service
	Ledger  *ledger.Store
	Store   *chunkstore.Store
}

func newApp(ctx context.Context, opts *RootOptions) (*App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	log := logging.NewDefault(level)

	store, err := chunkstore.New(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	lg, err := ledger.Open(ctx, filepath.Join(cfg.DataDir, "ledger.db"))
	if err != nil {
		return nil, err
	}

	client := httpx.NewClient(httpx.Options{
		Timeout:     cfg.RequestTimeout,
		MaxAttempts: cfg.MaxAttempts,
		BaseBackoff: cfg.BaseBackoff,
		Token:       cfg.Token,
	})
	resolver := manifest.NewResolver(client, cfg.ManifestURL, cfg.ManifestCacheTTL, log)
	fetcher := download.NewHTTPFetcher(client, cfg.ChunkURL)

	svc := install.New(resolver, store, lg, fetcher, install.Options{
		InstallDir:     cfg.InstallDir,
		Workers:        cfg.Workers,
		MaxAttempts:    cfg.MaxAttempts,
		BaseBackoff:    cfg.BaseBackoff,
		BandwidthLimit: cfg.BandwidthLimit,
		SpaceMargin:    cfg.SpaceMargin,
		LedgerBatch:    cfg.LedgerBatch,
	}, log)

	return &App{Config: cfg, Log: log, Service: svc, Ledger: lg, Store: store}, nil
}

func (a *App) Close() error {
	return a.Ledger.Close()
}

// remoteSaveStore picks the save backend: S3 when a bucket is
// configured, the HTTP endpoint otherwise.
func (a *App) remoteSaveStore(ctx context.Context) (saves.RemoteStore, error) {
	if a.Config.SaveS3.Bucket != "" {
		return saves.NewS3Store(ctx, a.Config.SaveS3)
	}
	client := httpx.NewClient(httpx.Options{
		Timeout:     a.Config.RequestTimeout,
		MaxAttempts: a.Config.MaxAttempts,
		BaseBackoff: a.Config.BaseBackoff,
		Token:       a.Config.Token,
	})
	return saves.NewHTTPStore(client, a.Config.SaveURL), nil
}
