// Package policy holds the persistent focus-policy repositories: the allow
// lists, the blacklist, the strike ledger, the learned strike patterns and
// the monitoring switch. Each repository persists its state as a JSON value
// under one key of a KV store and serializes its own read-modify-write cycles.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// KV is the persistent key-value store the repositories are built on.
// Implemented by storage.Store.
type KV interface {
	Get(ctx context.Context, keys ...string) (map[string]string, error)
	Set(ctx context.Context, key, value string) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Persisted keys.
const (
	keyBlacklist       = "blacklist"
	keyStrikeCounts    = "strikeCounts"
	keyStrikePatterns  = "strikePatterns"
	keyAllowlistPaths  = "allowlistPaths"
	keyTempAllowPaths  = "tempAllowPaths"
	keyMonitoringState = "monitoringState"
)

// load decodes the JSON value stored under key into dst. It reports whether
// the key was present.
func load(ctx context.Context, kv KV, key string, dst any) (bool, error) {
	vals, err := kv.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("loading %s: %w", key, err)
	}
	raw, ok := vals[key]
	if !ok || raw == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("decoding %s: %w", key, err)
	}
	return true, nil
}

func save(ctx context.Context, kv KV, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	if err := kv.Set(ctx, key, string(b)); err != nil {
		return fmt.Errorf("saving %s: %w", key, err)
	}
	return nil
}
