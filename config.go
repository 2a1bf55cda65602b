package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	appName = "flurry-host"

	queueDBFile     = "analytics-queue.db"
	collectorDBFile = "collector.db"

	defaultListen        = "127.0.0.1:8990"
	defaultFlushInterval = 30 * time.Second
)

// Environment overrides
const (
	envDataDir  = "FLURRY_HOST_DATA_DIR"
	envEndpoint = "FLURRY_ENDPOINT"
)

// Config is the host configuration. Values come from the YAML file, then the
// environment, then command line flags.
type Config struct {
	DataDir       string        `yaml:"dataDir"`
	Endpoint      string        `yaml:"endpoint"`
	FlushInterval time.Duration `yaml:"flushInterval"`
	Listen        string        `yaml:"listen"`
}

func defaultConfig() Config {
	return Config{
		FlushInterval: defaultFlushInterval,
		Listen:        defaultListen,
	}
}

// loadConfig reads path (if not empty) over the defaults and applies the
// environment overrides
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if dir := os.Getenv(envDataDir); dir != "" {
		cfg.DataDir = dir
	}
	if endpoint := os.Getenv(envEndpoint); endpoint != "" {
		cfg.Endpoint = endpoint
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.FlushInterval <= 0 {
		return errors.New("flushInterval must be positive")
	}
	if c.Listen == "" {
		return errors.New("listen address must not be empty")
	}
	return nil
}

// getDataDir returns the directory holding the host's databases, creating it
// if needed. An empty customDir means the per-OS application data location.
func getDataDir(customDir string) (string, error) {
	if customDir != "" {
		if err := os.MkdirAll(customDir, 0755); err != nil {
			return "", fmt.Errorf("failed to create custom data directory: %w", err)
		}
		return customDir, nil
	}

	var baseDir string

	switch runtime.GOOS {
	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		baseDir = filepath.Join(homeDir, "Library", "Application Support", appName)
	case "windows":
		baseDir = filepath.Join(os.Getenv("APPDATA"), appName)
	default: // Linux and others
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		baseDir = filepath.Join(homeDir, ".config", appName)
	}

	// Create directory if it doesn't exist
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	return baseDir, nil
}
