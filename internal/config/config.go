package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Log        LogConfig
	Classifier ClassifierConfig
	Cache      CacheConfig
	Policy     PolicyConfig
	Snippet    SnippetConfig
	Sweep      SweepConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type ClassifierConfig struct {
	BaseURL      string
	SharedSecret string
	Timeout      time.Duration
}

type CacheConfig struct {
	TTL        time.Duration
	MaxEntries int
}

type PolicyConfig struct {
	StrikeLimit         int
	SimilarityThreshold int
	TempAllowMinutes    int
}

type SnippetConfig struct {
	Enabled bool
	Timeout time.Duration
}

type SweepConfig struct {
	Schedule string
}

func defaults() Config {
	return Config{
		Server:  ServerConfig{Port: 4100},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Log:     LogConfig{Level: "info"},
		Classifier: ClassifierConfig{
			BaseURL: "https://lockin-web.onrender.com",
			Timeout: 15 * time.Second,
		},
		Cache: CacheConfig{
			TTL:        60 * time.Minute,
			MaxEntries: 5000,
		},
		Policy: PolicyConfig{
			StrikeLimit:         2,
			SimilarityThreshold: 1,
			TempAllowMinutes:    20,
		},
		Snippet: SnippetConfig{
			Enabled: true,
			Timeout: 800 * time.Millisecond,
		},
		Sweep: SweepConfig{Schedule: "@every 10m"},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "lockin-data"
		}
	}
	return filepath.Join(dir, "lockin")
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/lockin/config.json, then applies LOCKIN_* environment
// overrides, then fills secrets from the secret store in the configured data
// directory.
func Load() (Config, error) {
	return loadWith(defaultBackend(), nil)
}

// loadWith reads secrets from the given store, or from the one in the
// resolved data directory when secrets is nil.
func loadWith(b ConfigBackend, secrets SecretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if secrets == nil {
		secrets = NewSecretStore(cfg.Storage.DataDir)
	}
	if cfg.Classifier.SharedSecret == "" {
		v, err := secrets.Get(secretSharedSecret)
		switch {
		case err == nil:
			cfg.Classifier.SharedSecret = v
		case !errors.Is(err, ErrSecretNotFound):
			return Config{}, fmt.Errorf("reading classifier shared secret: %w", err)
		}
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid config: server.port %d out of range", cfg.Server.Port)
	}
	if cfg.Policy.StrikeLimit < 1 {
		return fmt.Errorf("invalid config: policy.strike_limit must be at least 1")
	}
	if cfg.Classifier.BaseURL == "" {
		return fmt.Errorf("invalid config: classifier.base_url is empty")
	}
	return nil
}
