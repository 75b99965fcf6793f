// Package config loads runtime settings from KILN_* environment
// variables and fleet definitions from YAML.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds process-wide settings.
type Config struct {
	DBPath           string
	CredentialDBPath string
	MasterKey        string
	LogLevel         string
	EventQueueSize   int
	QuoteCacheTTL    time.Duration
	StripeSecretKey  string
	CircleAPIKey     string
	DefaultRail      string
	RedisAddr        string
	SnapshotBucket   string
	OTLPEndpoint     string
}

// Load reads configuration from the environment, applying defaults for
// anything unset. Secrets stay empty rather than defaulted.
func Load() *Config {
	dbPath := os.Getenv("KILN_DB_PATH")
	if dbPath == "" {
		dbPath = filepath.Join(stateDir(), "kiln.db")
	}

	credDBPath := os.Getenv("KILN_CREDENTIAL_DB_PATH")
	if credDBPath == "" {
		credDBPath = filepath.Join(filepath.Dir(dbPath), "credentials.db")
	}

	logLevel := os.Getenv("KILN_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	queueSize := 10_000
	if raw := os.Getenv("KILN_EVENT_QUEUE_SIZE"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			queueSize = n
		}
	}

	quoteTTL := time.Hour
	if raw := os.Getenv("KILN_QUOTE_CACHE_TTL"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			quoteTTL = d
		} else if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			quoteTTL = time.Duration(secs) * time.Second
		}
	}

	return &Config{
		DBPath:           dbPath,
		CredentialDBPath: credDBPath,
		MasterKey:        os.Getenv("KILN_MASTER_KEY"),
		LogLevel:         logLevel,
		EventQueueSize:   queueSize,
		QuoteCacheTTL:    quoteTTL,
		StripeSecretKey:  os.Getenv("KILN_STRIPE_SECRET_KEY"),
		CircleAPIKey:     os.Getenv("KILN_CIRCLE_API_KEY"),
		DefaultRail:      os.Getenv("KILN_DEFAULT_RAIL"),
		RedisAddr:        os.Getenv("KILN_REDIS_ADDR"),
		SnapshotBucket:   os.Getenv("KILN_SNAPSHOT_BUCKET"),
		OTLPEndpoint:     os.Getenv("KILN_OTLP_ENDPOINT"),
	}
}

func stateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".kiln")
}
