package policy

import (
	"context"
	"fmt"
)

// EnsureDefaults seeds a fresh store: empty collections are written for every
// missing key, monitoring starts enabled and DefaultBlacklist is merged into
// the blacklist. It is safe to call on every startup.
func EnsureDefaults(ctx context.Context, kv KV, blacklist *Blacklist) error {
	present, err := kv.Get(ctx,
		keyStrikeCounts, keyStrikePatterns, keyAllowlistPaths, keyTempAllowPaths, keyMonitoringState)
	if err != nil {
		return fmt.Errorf("reading defaults: %w", err)
	}

	empty := map[string]any{
		keyStrikeCounts:    map[string]int{},
		keyStrikePatterns:  []StrikePattern{},
		keyAllowlistPaths:  []string{},
		keyTempAllowPaths:  []TempAllow{},
		keyMonitoringState: true,
	}
	for key, v := range empty {
		if _, ok := present[key]; ok {
			continue
		}
		if err := save(ctx, kv, key, v); err != nil {
			return err
		}
	}

	if _, err := blacklist.Merge(ctx, DefaultBlacklist); err != nil {
		return fmt.Errorf("seeding blacklist: %w", err)
	}
	return nil
}
