// Package config loads daemon configuration from environment variables.
// Command-line flag parsing and config-file loading are out of scope
// (spec.md Non-goals); every option has a documented default.
package config

import (
	"os"
	"strconv"
	"time"
)

// PersistenceMode is one of the three recognized durability modes.
type PersistenceMode string

const (
	PersistenceMemoryOnly      PersistenceMode = "memory-only"
	PersistencePeriodicSnapshot PersistenceMode = "periodic-snapshot"
	PersistenceWriteAheadLog   PersistenceMode = "write-ahead-log"
)

// Config holds every tunable named in spec.md §6.
type Config struct {
	HeartbeatCheckInterval time.Duration
	HeartbeatWarning       time.Duration
	HeartbeatTimeout       time.Duration

	TTLSweepInterval time.Duration
	DefaultTTL       time.Duration
	DrainGrace       time.Duration

	SnapshotInterval time.Duration
	PersistenceMode  PersistenceMode
	SnapshotPath     string
	WALPath          string

	MaxTasksPerWorker  int
	DefaultMaxRetries  int
	DispatchGraceMs    int

	ParallelActivationThreshold float64
	ParallelActivationEnabled   bool
	SingleExpertThreshold       float64
	MinimumConfidence           float64

	SubscriberBufferDepth int
	NATSURL               string

	HTTPAddr string

	ValidatorPatternFile string
}

// Load reads configuration from the environment, applying the spec's defaults.
func Load() Config {
	return Config{
		HeartbeatCheckInterval: getEnvDuration("TASKGUARD_HEARTBEAT_CHECK_INTERVAL", 5*time.Second),
		HeartbeatWarning:       getEnvDuration("TASKGUARD_HEARTBEAT_WARNING", 10*time.Second),
		HeartbeatTimeout:       getEnvDuration("TASKGUARD_HEARTBEAT_TIMEOUT", 15*time.Second),

		TTLSweepInterval: getEnvDuration("TASKGUARD_TTL_SWEEP_INTERVAL", 1*time.Second),
		DefaultTTL:       getEnvDuration("TASKGUARD_DEFAULT_TTL", 300*time.Second),
		DrainGrace:       getEnvDuration("TASKGUARD_DRAIN_GRACE", 30*time.Second),

		SnapshotInterval: getEnvDuration("TASKGUARD_SNAPSHOT_INTERVAL", 30*time.Second),
		PersistenceMode:  PersistenceMode(getEnvDefault("TASKGUARD_PERSISTENCE_MODE", string(PersistenceMemoryOnly))),
		SnapshotPath:     getEnvDefault("TASKGUARD_SNAPSHOT_PATH", "taskguard-snapshot.json"),
		WALPath:          getEnvDefault("TASKGUARD_WAL_PATH", "taskguard-wal.log"),

		MaxTasksPerWorker: getEnvInt("TASKGUARD_MAX_TASKS_PER_WORKER", 10),
		DefaultMaxRetries: getEnvInt("TASKGUARD_DEFAULT_MAX_RETRIES", 3),
		DispatchGraceMs:   getEnvInt("TASKGUARD_DISPATCH_GRACE_MS", 2000),

		ParallelActivationThreshold: getEnvFloat("TASKGUARD_PARALLEL_ACTIVATION_THRESHOLD", 0.60),
		ParallelActivationEnabled:   getEnvBool("TASKGUARD_PARALLEL_ACTIVATION_ENABLED", false),
		SingleExpertThreshold:       getEnvFloat("TASKGUARD_SINGLE_EXPERT_THRESHOLD", 0.80),
		MinimumConfidence:           getEnvFloat("TASKGUARD_MINIMUM_CONFIDENCE", 0.30),

		SubscriberBufferDepth: getEnvInt("TASKGUARD_SUBSCRIBER_BUFFER_DEPTH", 256),
		NATSURL:               os.Getenv("TASKGUARD_NATS_URL"),

		HTTPAddr: getEnvDefault("TASKGUARD_HTTP_ADDR", ":8080"),

		ValidatorPatternFile: os.Getenv("TASKGUARD_VALIDATOR_PATTERN_FILE"),
	}
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
