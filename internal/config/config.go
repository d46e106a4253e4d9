// Package config loads the ingester configuration from environment
// variables. Every setting is optional and defaulted so the process can
// run with an empty environment inside the standard compose setup.
//
// A .env file in the working directory is loaded first if present.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all ingester settings. It is read once at startup;
// changes require a restart.
type Config struct {
	// PGHost is the PostgreSQL host (PG_HOST).
	PGHost string
	// PGDB is the PostgreSQL database name (PG_DB).
	PGDB string
	// PGUser is the PostgreSQL username (PG_USER).
	PGUser string
	// PGPass is the PostgreSQL password (PG_PASS).
	PGPass string

	// FirehoseURL is the upstream subscribeRepos websocket endpoint.
	FirehoseURL string

	// ProcessWorkers is the number of frame-processing workers.
	ProcessWorkers int
	// StoreWorkers is the number of persistence workers. The database
	// pool is sized StoreWorkers+1, leaving one connection for schema work.
	StoreWorkers int

	// BatchSize is the per-kind batch flush threshold.
	BatchSize int
	// BatchTimeout bounds how long a non-empty batch may sit unflushed.
	BatchTimeout time.Duration

	// QueueSize bounds both the frame queue and the persistence queue.
	QueueSize int

	// ResetDB drops and recreates all tables on startup. Development only.
	ResetDB bool

	// LogDir is the directory for the rotating log file.
	LogDir string

	// OpsAddr is the listen address for the health/stats endpoint.
	// Empty disables the ops server.
	OpsAddr string
}

// Load reads configuration from the environment, applying defaults for
// anything unset. It returns an error only for values that parse but
// make no sense (non-positive worker counts or batch sizes).
func Load() (*Config, error) {
	// Ignore a missing .env; it is a development convenience.
	_ = godotenv.Load()

	cfg := &Config{
		PGHost:      getenv("PG_HOST", "db"),
		PGDB:        getenv("PG_DB", "bluesky"),
		PGUser:      getenv("PG_USER", "postgres"),
		PGPass:      getenv("PG_PASS", "postgres"),
		FirehoseURL: getenv("FIREHOSE_URL", "wss://bsky.network/xrpc/com.atproto.sync.subscribeRepos"),
		LogDir:      getenv("WIDESKY_LOG_DIR", "/app/logs"),
		OpsAddr:     getenv("WIDESKY_OPS_ADDR", ":3000"),
		ResetDB:     getenv("WIDESKY_RESET_DB", "") == "true",
	}

	var err error
	if cfg.ProcessWorkers, err = getint("WIDESKY_PROCESS_WORKERS", 5); err != nil {
		return nil, err
	}
	if cfg.StoreWorkers, err = getint("WIDESKY_STORE_WORKERS", 5); err != nil {
		return nil, err
	}
	if cfg.BatchSize, err = getint("WIDESKY_BATCH_SIZE", 100); err != nil {
		return nil, err
	}
	if cfg.QueueSize, err = getint("WIDESKY_QUEUE_SIZE", 4096); err != nil {
		return nil, err
	}

	timeoutSec, err := getint("WIDESKY_BATCH_TIMEOUT", 3)
	if err != nil {
		return nil, err
	}
	cfg.BatchTimeout = time.Duration(timeoutSec) * time.Second

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks the values that have to be positive for the pipeline
// to function at all.
func (c *Config) validate() error {
	switch {
	case c.ProcessWorkers <= 0:
		return fmt.Errorf("config: WIDESKY_PROCESS_WORKERS must be positive")
	case c.StoreWorkers <= 0:
		return fmt.Errorf("config: WIDESKY_STORE_WORKERS must be positive")
	case c.BatchSize <= 0:
		return fmt.Errorf("config: WIDESKY_BATCH_SIZE must be positive")
	case c.BatchTimeout <= 0:
		return fmt.Errorf("config: WIDESKY_BATCH_TIMEOUT must be positive")
	case c.QueueSize <= 0:
		return fmt.Errorf("config: WIDESKY_QUEUE_SIZE must be positive")
	}
	return nil
}

// ConnString builds a PostgreSQL connection URI from the config fields.
// url.URL applies userinfo escaping, so credentials with spaces or
// URI-reserved characters round-trip through the driver's parser.
func (c *Config) ConnString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.PGUser, c.PGPass),
		Host:     c.PGHost,
		Path:     "/" + c.PGDB,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: parse %s=%q: %w", key, v, err)
	}
	return n, nil
}
