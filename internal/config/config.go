package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds node configuration.
type Config struct {
	ServerAddr string

	// RedisAddr selects the Redis transport when set; empty runs the
	// in-process transport.
	RedisAddr     string
	RedisPassword string

	// DatabaseURL enables the Postgres snapshot record store when set;
	// empty keeps records in memory.
	DatabaseURL   string
	MigrationsDir string

	// BlobURL points at the blob gateway snapshots are uploaded to; empty
	// keeps blobs in memory.
	BlobURL string

	KeyPath       string
	KeyPassphrase string

	SnapshotPublishInterval time.Duration
	SnapshotStaleWindow     time.Duration

	LogLevel  string
	LogPretty bool
}

// Load reads configuration from environment.
func Load() (*Config, error) {
	return &Config{
		ServerAddr:              getenv("SERVER_ADDR", "0.0.0.0:8080"),
		RedisAddr:               os.Getenv("REDIS_ADDR"),
		RedisPassword:           os.Getenv("REDIS_PASSWORD"),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		MigrationsDir:           getenv("MIGRATIONS_DIR", "migrations"),
		BlobURL:                 os.Getenv("BLOB_URL"),
		KeyPath:                 getenv("KEY_PATH", ".qahub/key.json"),
		KeyPassphrase:           getenv("KEY_PASSPHRASE", "qahub"),
		SnapshotPublishInterval: parseDuration(getenv("SNAPSHOT_PUBLISH_INTERVAL", "1h"), time.Hour),
		SnapshotStaleWindow:     parseDuration(getenv("SNAPSHOT_STALE_WINDOW", "18h"), 18*time.Hour),
		LogLevel:                getenv("LOG_LEVEL", "info"),
		LogPretty:               parseBool(os.Getenv("LOG_PRETTY"), false),
	}, nil
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseBool(val string, def bool) bool {
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return b
}
