package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// duration lets JSON specify intervals either as strings like "3s" or as
// integer nanoseconds.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("invalid duration: %s", string(b))
	}
	return nil
}

// jsonConfig is a DTO used exclusively for JSON unmarshalling. Pointer
// fields distinguish "absent" from zero values so the file only
// overrides what it mentions.
type jsonConfig struct {
	ManifestURL       *string   `json:"manifest_url"`
	ChunkURL          *string   `json:"chunk_url"`
	SaveURL           *string   `json:"save_url"`
	InstallDir        *string   `json:"install_dir"`
	DataDir           *string   `json:"data_dir"`
	Workers           *int      `json:"workers"`
	BandwidthLimit    *int64    `json:"bandwidth_limit"`
	MaxAttempts       *int      `json:"max_attempts"`
	BaseBackoff       *duration `json:"base_backoff"`
	RequestTimeout    *duration `json:"request_timeout"`
	SpaceMargin       *float64  `json:"space_margin"`
	LedgerBatch       *int      `json:"ledger_batch"`
	ManifestCacheTTL  *duration `json:"manifest_cache_ttl"`
	SaveSkewTolerance *duration `json:"save_skew_tolerance"`

	S3Endpoint  *string `json:"s3_endpoint"`
	S3Region    *string `json:"s3_region"`
	S3Bucket    *string `json:"s3_bucket"`
	S3AccessKey *string `json:"s3_access_key"`
	S3SecretKey *string `json:"s3_secret_key"`
}

// applyJSON overlays cfg with values from the JSON file at path. A missing
// path is not an error; a present but unreadable or malformed file is.
func applyJSON(cfg *Config, path string) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}

	var jc jsonConfig
	if err := json.Unmarshal(data, &jc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	setString(&cfg.ManifestURL, jc.ManifestURL)
	setString(&cfg.ChunkURL, jc.ChunkURL)
	setString(&cfg.SaveURL, jc.SaveURL)
	setString(&cfg.InstallDir, jc.InstallDir)
	setString(&cfg.DataDir, jc.DataDir)
	if jc.Workers != nil {
		cfg.Workers = *jc.Workers
	}
	if jc.BandwidthLimit != nil {
		cfg.BandwidthLimit = *jc.BandwidthLimit
	}
	if jc.MaxAttempts != nil {
		cfg.MaxAttempts = *jc.MaxAttempts
	}
	if jc.BaseBackoff != nil {
		cfg.BaseBackoff = jc.BaseBackoff.Duration
	}
	if jc.RequestTimeout != nil {
		cfg.RequestTimeout = jc.RequestTimeout.Duration
	}
	if jc.SpaceMargin != nil {
		cfg.SpaceMargin = *jc.SpaceMargin
	}
	if jc.LedgerBatch != nil {
		cfg.LedgerBatch = *jc.LedgerBatch
	}
	if jc.ManifestCacheTTL != nil {
		cfg.ManifestCacheTTL = jc.ManifestCacheTTL.Duration
	}
	if jc.SaveSkewTolerance != nil {
		cfg.SaveSkewTolerance = jc.SaveSkewTolerance.Duration
	}
	setString(&cfg.SaveS3.Endpoint, jc.S3Endpoint)
	setString(&cfg.SaveS3.Region, jc.S3Region)
	setString(&cfg.SaveS3.Bucket, jc.S3Bucket)
	setString(&cfg.SaveS3.AccessKey, jc.S3AccessKey)
	setString(&cfg.SaveS3.SecretKey, jc.S3SecretKey)

	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}
