// Package config resolves runtime settings from the environment with an
// optional YAML overlay file. Every knob has a default; nothing is required
// at boot.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Settings holds every knob the runtime recognizes.
type Settings struct {
	RedisHost     string `yaml:"redis_host"`
	RedisPort     int    `yaml:"redis_port"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPassword string `yaml:"redis_password"`

	StreamName string `yaml:"stream_name"`
	DLQStream  string `yaml:"dlq_stream"`

	KeyPrefix         string `yaml:"key_prefix"`
	TracePrefix       string `yaml:"trace_prefix"`
	MetricsNamespace  string `yaml:"metrics_namespace"`
	IdempotencePrefix string `yaml:"idempotence_prefix"`

	ConsumerGroup string `yaml:"consumer_group"`
	ConsumerName  string `yaml:"consumer_name"`
	AgentTarget   string `yaml:"agent_target"`

	BlockMS             int `yaml:"block_ms"`
	IdleReclaimMS       int `yaml:"idle_reclaim_ms"`
	PendingReclaimCount int `yaml:"pending_reclaim_count"`
	MaxAttempts         int `yaml:"max_attempts"`
	DedupeTTLSeconds    int `yaml:"dedupe_ttl_seconds"`
	LockTTLSeconds      int `yaml:"lock_ttl_s"`
	HandlerTimeoutMS    int `yaml:"handler_timeout_ms"`

	SchemasDir  string `yaml:"schemas_dir"`
	OpsAddr     string `yaml:"ops_addr"`
	LogLevel    string `yaml:"log_level"`
	ReasonerURL string `yaml:"reasoner_url"`
}

// FromEnv builds Settings from environment variables, defaulting every field.
func FromEnv() Settings {
	return Settings{
		RedisHost:     getenv("REDIS_HOST", "localhost"),
		RedisPort:     getenvInt("REDIS_PORT", 6379),
		RedisDB:       getenvInt("REDIS_DB", 0),
		RedisPassword: getenv("REDIS_PASSWORD", ""),

		StreamName: getenv("STREAM_NAME", "audit:events"),
		DLQStream:  getenv("DLQ_STREAM", "audit:dlq"),

		KeyPrefix:         getenv("KEY_PREFIX", "audit"),
		TracePrefix:       getenv("TRACE_PREFIX", "audit:trace"),
		MetricsNamespace:  getenv("METRICS_NAMESPACE", "audit"),
		IdempotencePrefix: getenv("IDEMPOTENCE_PREFIX", "audit:processed"),

		ConsumerGroup: getenv("CONSUMER_GROUP", "audit_stream_consumers"),
		ConsumerName:  getenv("CONSUMER_NAME", "consumer-1"),
		AgentTarget:   getenv("AGENT_TARGET", "dev_worker"),

		BlockMS:             getenvInt("BLOCK_MS", 5000),
		IdleReclaimMS:       getenvInt("IDLE_RECLAIM_MS", 5000),
		PendingReclaimCount: getenvInt("PENDING_RECLAIM_COUNT", 50),
		MaxAttempts:         getenvInt("MAX_ATTEMPTS", 5),
		DedupeTTLSeconds:    getenvInt("DEDUPE_TTL_SECONDS", 24*3600),
		LockTTLSeconds:      getenvInt("LOCK_TTL_S", 120),
		HandlerTimeoutMS:    getenvInt("HANDLER_TIMEOUT_MS", 30000),

		SchemasDir:  getenv("SCHEMAS_DIR", ""),
		OpsAddr:     getenv("OPS_ADDR", ":9090"),
		LogLevel:    getenv("LOG_LEVEL", "INFO"),
		ReasonerURL: getenv("REASONER_URL", ""),
	}
}

// Load resolves settings from the environment, then applies the YAML file
// named by CONFIG_FILE when present. A missing file is not an error.
func Load() (Settings, error) {
	s := FromEnv()
	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		return s, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(&s); err != nil {
		return s, fmt.Errorf("decode config file %s: %w", path, err)
	}
	return s, nil
}

// RedisAddr returns host:port for the substrate connection.
func (s Settings) RedisAddr() string {
	return fmt.Sprintf("%s:%d", s.RedisHost, s.RedisPort)
}

// Block returns BlockMS as a duration.
func (s Settings) Block() time.Duration { return time.Duration(s.BlockMS) * time.Millisecond }

// IdleReclaim returns IdleReclaimMS as a duration.
func (s Settings) IdleReclaim() time.Duration {
	return time.Duration(s.IdleReclaimMS) * time.Millisecond
}

// DedupeTTL returns the idempotence marker TTL.
func (s Settings) DedupeTTL() time.Duration {
	return time.Duration(s.DedupeTTLSeconds) * time.Second
}

// LockTTL returns the dispatch lease TTL.
func (s Settings) LockTTL() time.Duration {
	return time.Duration(s.LockTTLSeconds) * time.Second
}

// HandlerTimeout returns the per-handler wall-clock budget.
func (s Settings) HandlerTimeout() time.Duration {
	return time.Duration(s.HandlerTimeoutMS) * time.Millisecond
}

// SlogLevel maps LOG_LEVEL onto a slog level, defaulting to info.
func (s Settings) SlogLevel() slog.Level {
	switch strings.ToUpper(s.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
