package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// JournalConfig holds the settings every opened journal starts from.
type JournalConfig struct {
	Provider           string `yaml:"provider"`      // "wal", "pebble", "badger" or "memory"
	PeerProvider       string `yaml:"peer_provider"` // "", "same" or "kafka"
	IdleDelay          string `yaml:"idle_delay"`
	ReplayOfferTimeout string `yaml:"replay_offer_timeout"`
	SaveMaxItems       int64  `yaml:"save_max_items"`
	SaveMaxAge         string `yaml:"save_max_age"`
}

// WALConfig holds the segmented file store configuration.
type WALConfig struct {
	Dir                 string `yaml:"dir"`
	SyncMode            string `yaml:"sync_mode"`
	MaxSegmentSizeBytes int64  `yaml:"max_segment_size_bytes"`
	Compression         string `yaml:"compression"`
	SaveAfterSegments   int    `yaml:"save_after_segments"`
}

// PebbleConfig holds the pebble store configuration.
type PebbleConfig struct {
	Dir            string `yaml:"dir"`
	SyncMode       string `yaml:"sync_mode"`
	SaveAfterItems int    `yaml:"save_after_items"`
}

// BadgerConfig holds the badger store configuration.
type BadgerConfig struct {
	Dir            string `yaml:"dir"`
	InMemory       bool   `yaml:"in_memory"`
	LowMemory      bool   `yaml:"low_memory"`
	SyncMode       string `yaml:"sync_mode"`
	SaveAfterItems int    `yaml:"save_after_items"`
}

// PeerConfig holds the Kafka peer journal configuration.
type PeerConfig struct {
	Brokers        []string `yaml:"brokers"`
	TopicPrefix    string   `yaml:"topic_prefix"`
	ReadTimeout    string   `yaml:"read_timeout"`
	SyncMode       string   `yaml:"sync_mode"`
	SaveAfterItems int      `yaml:"save_after_items"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "stderr", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// Config is the top-level configuration struct.
type Config struct {
	Journal JournalConfig `yaml:"journal"`
	WAL     WALConfig     `yaml:"wal"`
	Pebble  PebbleConfig  `yaml:"pebble"`
	Badger  BadgerConfig  `yaml:"badger"`
	Peer    PeerConfig    `yaml:"peer"`
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Journal: JournalConfig{
			Provider:           "wal",
			PeerProvider:       "",
			IdleDelay:          "5s",
			ReplayOfferTimeout: "30s",
			SaveMaxItems:       0,
			SaveMaxAge:         "",
		},
		WAL: WALConfig{
			Dir:                 "./data/journal",
			SyncMode:            "interval",
			MaxSegmentSizeBytes: 16 * 1024 * 1024, // 16 MiB
			Compression:         "none",
			SaveAfterSegments:   4,
		},
		Pebble: PebbleConfig{
			Dir:            "./data/pebble",
			SyncMode:       "interval",
			SaveAfterItems: 10000,
		},
		Badger: BadgerConfig{
			Dir:            "./data/badger",
			SyncMode:       "interval",
			SaveAfterItems: 10000,
		},
		Peer: PeerConfig{
			Brokers:        []string{"localhost:9092"},
			TopicPrefix:    "mailjournal.",
			ReadTimeout:    "10s",
			SyncMode:       "interval",
			SaveAfterItems: 10000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stderr",
			File:   "mailjournal.log",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
	}
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}
