package config

import (
	"os"
	"strconv"
)

// applyEnv overlays cfg with DEPOT_* environment variables. The bearer
// token is only ever taken from the environment or the CLI, never from
// the config file.
func applyEnv(cfg *Config) {
	envString(&cfg.ManifestURL, "DEPOT_MANIFEST_URL")
	envString(&cfg.ChunkURL, "DEPOT_CHUNK_URL")
	envString(&cfg.SaveURL, "DEPOT_SAVE_URL")
	envString(&cfg.Token, "DEPOT_TOKEN")
	envString(&cfg.InstallDir, "DEPOT_INSTALL_DIR")
	envString(&cfg.DataDir, "DEPOT_DATA_DIR")

	if v, ok := os.LookupEnv("DEPOT_WORKERS"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workers = n
		}
	}
	if v, ok := os.LookupEnv("DEPOT_BANDWIDTH_LIMIT"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			cfg.BandwidthLimit = n
		}
	}

	envString(&cfg.SaveS3.Endpoint, "DEPOT_S3_ENDPOINT")
	envString(&cfg.SaveS3.Region, "DEPOT_S3_REGION")
	envString(&cfg.SaveS3.Bucket, "DEPOT_S3_BUCKET")
	envString(&cfg.SaveS3.AccessKey, "DEPOT_S3_ACCESS_KEY")
	envString(&cfg.SaveS3.SecretKey, "DEPOT_S3_SECRET_KEY")
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}
