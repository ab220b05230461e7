// Package config loads and validates the SDK's runtime tunables.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"xlink/internal/domain"
)

// Config holds every tunable enumerated for the core.
type Config struct {
	StreamThresholdBytes        int `yaml:"stream_threshold_bytes"`
	FragmentSizeBytes           int `yaml:"fragment_size_bytes"`
	StreamTimeoutMs             int `yaml:"stream_timeout_ms"`
	MaxConcurrentStreamsPerSend int `yaml:"max_concurrent_streams_per_sender"`
	SkippedKeysBoundPerPeer     int `yaml:"skipped_keys_bound_per_peer"`
	RateLimitPerSenderPerSec    int `yaml:"rate_limit_per_sender_per_sec"`
	HeartbeatIntervalMs         int `yaml:"heartbeat_interval_ms"`

	// CompressStreams enables optional zstd compression of stream payloads
	// above StreamThresholdBytes before fragmentation. Off by default.
	CompressStreams bool `yaml:"compress_streams"`
}

// Default returns the specification's default tunables.
func Default() *Config {
	return &Config{
		StreamThresholdBytes:        32768,
		FragmentSizeBytes:           16384,
		StreamTimeoutMs:             60000,
		MaxConcurrentStreamsPerSend: 32,
		SkippedKeysBoundPerPeer:     1024,
		RateLimitPerSenderPerSec:    100,
		HeartbeatIntervalMs:         15000,
		CompressStreams:             false,
	}
}

// LoadFile reads a YAML config file and merges it over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects out-of-range tunables.
func (c *Config) Validate() error {
	switch {
	case c.StreamThresholdBytes <= 0:
		return domain.New(domain.ErrInvalidInput, "stream_threshold_bytes must be positive", nil)
	case c.FragmentSizeBytes <= 0:
		return domain.New(domain.ErrInvalidInput, "fragment_size_bytes must be positive", nil)
	case c.StreamTimeoutMs <= 0:
		return domain.New(domain.ErrInvalidInput, "stream_timeout_ms must be positive", nil)
	case c.MaxConcurrentStreamsPerSend <= 0:
		return domain.New(domain.ErrInvalidInput, "max_concurrent_streams_per_sender must be positive", nil)
	case c.SkippedKeysBoundPerPeer <= 0:
		return domain.New(domain.ErrInvalidInput, "skipped_keys_bound_per_peer must be positive", nil)
	case c.RateLimitPerSenderPerSec <= 0:
		return domain.New(domain.ErrInvalidInput, "rate_limit_per_sender_per_sec must be positive", nil)
	case c.HeartbeatIntervalMs <= 0:
		return domain.New(domain.ErrInvalidInput, "heartbeat_interval_ms must be positive", nil)
	}
	return nil
}

func (c *Config) StreamTimeout() time.Duration {
	return time.Duration(c.StreamTimeoutMs) * time.Millisecond
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}
