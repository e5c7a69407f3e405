// Package config loads the relay agent's configuration from environment
// variables, validated once at process start.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
)

// Config holds the agent's runtime configuration.
type Config struct {
	ListenAddr      string
	RemoteUploadURL string
	RemoteToken     string
	StagingDir      string
	ChunkSize       int
	Verbose         bool
}

const (
	minChunkSize = 1024
	maxChunkSize = 1024 * 1024
)

// Load reads configuration from the environment, applying the same
// defaults documented in spec.md, and validates it.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:      getEnv("LISTEN_ADDR", "127.0.0.1:8787"),
		RemoteUploadURL: os.Getenv("REMOTE_UPLOAD_URL"),
		RemoteToken:     os.Getenv("REMOTE_SERVER_TOKEN"),
		StagingDir:      getEnv("STAGING_DIR", defaultStagingDir()),
		ChunkSize:       65536,
		Verbose:         os.Getenv("VERBOSE") == "1",
	}

	if v := os.Getenv("CHUNK_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("CHUNK_SIZE: %w", err)
		}
		cfg.ChunkSize = n
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.RemoteUploadURL != "" {
		u, err := url.ParseRequestURI(c.RemoteUploadURL)
		if err != nil {
			return fmt.Errorf("REMOTE_UPLOAD_URL must be an absolute URL: %w", err)
		}
		if !u.IsAbs() || u.Host == "" {
			return fmt.Errorf("REMOTE_UPLOAD_URL must be an absolute URL, got %q", c.RemoteUploadURL)
		}
	}
	if c.ChunkSize < minChunkSize || c.ChunkSize > maxChunkSize {
		return fmt.Errorf("CHUNK_SIZE must be between %d and %d bytes, got %d", minChunkSize, maxChunkSize, c.ChunkSize)
	}
	return nil
}

func defaultStagingDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "./staging"
	}
	return dir + "/filerelay/staging"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
