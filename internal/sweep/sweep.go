// Package sweep periodically reclaims expired policy state. Expiry is already
// enforced lazily on read; the sweep only keeps storage from growing.
package sweep

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

const DefaultSchedule = "@every 10m"

// TempAllowPruner drops expired temporary allow entries.
type TempAllowPruner interface {
	PruneExpired(ctx context.Context) (int, error)
}

// CacheSweeper drops expired cache entries.
type CacheSweeper interface {
	Sweep() int
}

// Result reports what one sweep removed.
type Result struct {
	TempAllowsPruned  int
	CacheEntriesSwept int
}

// Sweeper runs the maintenance job on a cron schedule.
type Sweeper struct {
	allow    TempAllowPruner
	cache    CacheSweeper
	schedule cron.Schedule
	spec     string
	logger   *slog.Logger
}

// New creates a Sweeper. spec is a standard cron expression or descriptor such
// as "@every 10m" (DefaultSchedule when empty).
func New(allow TempAllowPruner, cache CacheSweeper, spec string) (*Sweeper, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return &Sweeper{
		allow:    allow,
		cache:    cache,
		schedule: sched,
		spec:     spec,
		logger:   slog.Default(),
	}, nil
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	if s.cache != nil {
		res.CacheEntriesSwept = s.cache.Sweep()
	}
	if s.allow != nil {
		n, err := s.allow.PruneExpired(ctx)
		if err != nil {
			return res, fmt.Errorf("pruning temporary allows: %w", err)
		}
		res.TempAllowsPruned = n
	}
	return res, nil
}

// Run sweeps on schedule until ctx is cancelled, then waits for a sweep in
// progress to finish.
func (s *Sweeper) Run(ctx context.Context) {
	c := cron.New()
	c.Schedule(s.schedule, cron.FuncJob(func() {
		res, err := s.RunOnce(ctx)
		if err != nil {
			s.logger.Error("sweep failed", "error", err)
			return
		}
		if res.TempAllowsPruned > 0 || res.CacheEntriesSwept > 0 {
			s.logger.Info("sweep complete",
				"temp_allows_pruned", res.TempAllowsPruned,
				"cache_entries_swept", res.CacheEntriesSwept,
			)
		}
	}))

	s.logger.Debug("sweep scheduled", "schedule", s.spec)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
}
