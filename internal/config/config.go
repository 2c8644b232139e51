// Package config holds runtime settings for the depot engine. Values are
// assembled as defaults, then a JSON file, then environment variables;
// later sources take precedence. Command-line overrides are applied by
// the CLI on top of the loaded Config.
package config

import "time"

// S3 holds settings for the S3-backed remote save store. Endpoint may
// point at a self-hosted MinIO instance.
type S3 struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// Config holds all tunables consumed by the engine.
//
// Units: BandwidthLimit is bytes per second (0 disables throttling).
// SpaceMargin is a fraction of the planned byte cost (0.10 = +10%).
type Config struct {
	// Remote endpoints. ManifestURL and ChunkURL are base URLs; the
	// bearer credential in Token is supplied by an external
	// authentication component.
	ManifestURL string
	ChunkURL    string
	SaveURL     string
	Token       string

	// Local layout.
	InstallDir string
	DataDir    string

	// Download tuning.
	Workers        int
	BandwidthLimit int64
	MaxAttempts    int
	BaseBackoff    time.Duration
	RequestTimeout time.Duration

	// Preflight and ledger behavior.
	SpaceMargin float64
	LedgerBatch int

	// Manifest metadata cache.
	ManifestCacheTTL time.Duration

	// Cloud saves.
	SaveSkewTolerance time.Duration
	SaveS3            S3
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.InstallDir = "games"
	c.DataDir = "depot-data"
	c.Workers = 8
	c.BandwidthLimit = 0
	c.MaxAttempts = 5
	c.BaseBackoff = time.Second
	c.RequestTimeout = 30 * time.Second
	c.SpaceMargin = 0.10
	c.LedgerBatch = 32
	c.ManifestCacheTTL = time.Hour
	c.SaveSkewTolerance = 2 * time.Minute
}

// Load constructs a Config: defaults, then the JSON file at path (if
// non-empty), then environment variables.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()
	if err := applyJSON(cfg, path); err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}
