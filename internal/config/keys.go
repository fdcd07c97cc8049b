package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "LOCKIN_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "LOCKIN_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "LOCKIN_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "classifier.base_url", typ: kString, env: "LOCKIN_CLASSIFIER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Classifier.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Classifier.BaseURL },
	},
	{
		key: "classifier.shared_secret", typ: kString, env: "LOCKIN_CLASSIFIER_SHARED_SECRET",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Classifier.SharedSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Classifier.SharedSecret },
	},
	{
		key: "classifier.timeout", typ: kDuration, env: "LOCKIN_CLASSIFIER_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Classifier.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Classifier.Timeout },
	},
	{
		key: "cache.ttl", typ: kDuration, env: "LOCKIN_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.TTL },
	},
	{
		key: "cache.max_entries", typ: kInt, env: "LOCKIN_CACHE_MAX_ENTRIES",
		apply:   func(cfg *Config, v any) { cfg.Cache.MaxEntries = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.MaxEntries },
	},
	{
		key: "policy.strike_limit", typ: kInt, env: "LOCKIN_POLICY_STRIKE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Policy.StrikeLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Policy.StrikeLimit },
	},
	{
		key: "policy.similarity_threshold", typ: kInt, env: "LOCKIN_POLICY_SIMILARITY_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Policy.SimilarityThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Policy.SimilarityThreshold },
	},
	{
		key: "policy.temp_allow_minutes", typ: kInt, env: "LOCKIN_POLICY_TEMP_ALLOW_MINUTES",
		apply:   func(cfg *Config, v any) { cfg.Policy.TempAllowMinutes = v.(int) },
		extract: func(cfg Config) any { return cfg.Policy.TempAllowMinutes },
	},
	{
		key: "snippet.enabled", typ: kBool, env: "LOCKIN_SNIPPET_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Snippet.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Snippet.Enabled },
	},
	{
		key: "snippet.timeout", typ: kDuration, env: "LOCKIN_SNIPPET_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Snippet.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Snippet.Timeout },
	},
	{
		key: "sweep.schedule", typ: kString, env: "LOCKIN_SWEEP_SCHEDULE",
		apply:   func(cfg *Config, v any) { cfg.Sweep.Schedule = v.(string) },
		extract: func(cfg Config) any { return cfg.Sweep.Schedule },
	},
}

// parseValue converts raw into the Go type of t.
func parseValue(t keyType, raw string) (any, error) {
	switch t {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, fmt.Errorf("duration must be positive")
		}
		return d, nil
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
