package policy

import (
	"context"
	"sync"
)

// DefaultStrikeLimit is the strike count at which a domain is promoted to the
// blacklist.
const DefaultStrikeLimit = 2

// StrikeLedger counts manual strikes per domain and promotes domains that
// reach the limit into the blacklist.
type StrikeLedger struct {
	kv        KV
	blacklist *Blacklist
	limit     int
	mu        sync.Mutex
}

// NewStrikeLedger creates a ledger promoting into blacklist at limit strikes
// (DefaultStrikeLimit when limit <= 0).
func NewStrikeLedger(kv KV, blacklist *Blacklist, limit int) *StrikeLedger {
	if limit <= 0 {
		limit = DefaultStrikeLimit
	}
	return &StrikeLedger{kv: kv, blacklist: blacklist, limit: limit}
}

// Limit returns the promotion threshold.
func (l *StrikeLedger) Limit() int { return l.limit }

// RecordStrike increments the count for domain and returns the new value.
// It never promotes; promotion happens on the next classification.
func (l *StrikeLedger) RecordStrike(ctx context.Context, domain string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	counts, err := l.loadLocked(ctx)
	if err != nil {
		return 0, err
	}
	counts[domain]++
	if err := save(ctx, l.kv, keyStrikeCounts, counts); err != nil {
		return 0, err
	}
	return counts[domain], nil
}

// Count returns the current strike count for domain (0 when absent).
func (l *StrikeLedger) Count(ctx context.Context, domain string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	counts, err := l.loadLocked(ctx)
	if err != nil {
		return 0, err
	}
	return counts[domain], nil
}

// All returns a copy of the whole ledger.
func (l *StrikeLedger) All(ctx context.Context) (map[string]int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadLocked(ctx)
}

// CheckAndPromote promotes domain when currentCount has reached the limit: the
// domain is added to the blacklist if missing and its ledger entry is removed.
func (l *StrikeLedger) CheckAndPromote(ctx context.Context, domain string, currentCount int) (bool, error) {
	if currentCount < l.limit {
		return false, nil
	}

	if _, err := l.blacklist.Add(ctx, domain); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	counts, err := l.loadLocked(ctx)
	if err != nil {
		return false, err
	}
	if _, ok := counts[domain]; ok {
		delete(counts, domain)
		if err := save(ctx, l.kv, keyStrikeCounts, counts); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (l *StrikeLedger) loadLocked(ctx context.Context) (map[string]int, error) {
	counts := map[string]int{}
	if _, err := load(ctx, l.kv, keyStrikeCounts, &counts); err != nil {
		return nil, err
	}
	if counts == nil {
		counts = map[string]int{}
	}
	return counts, nil
}
