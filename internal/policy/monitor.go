package policy

import (
	"context"
	"sync"
)

// Monitor persists whether navigation events are evaluated at all.
// Monitoring is on until explicitly stopped.
type Monitor struct {
	kv KV
	mu sync.Mutex
}

func NewMonitor(kv KV) *Monitor {
	return &Monitor{kv: kv}
}

func (m *Monitor) Enabled(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	enabled := true
	if _, err := load(ctx, m.kv, keyMonitoringState, &enabled); err != nil {
		return false, err
	}
	return enabled, nil
}

func (m *Monitor) SetEnabled(ctx context.Context, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return save(ctx, m.kv, keyMonitoringState, enabled)
}
