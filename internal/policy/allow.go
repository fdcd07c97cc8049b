package policy

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Allow reasons.
const (
	AllowPermanent = "permanent"
	AllowTemporary = "temporary"
)

// TempAllow is a time-limited override for one URL key.
type TempAllow struct {
	URLKey    string    `json:"urlKey"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// AllowResult reports whether a URL key is overridden by the user and why.
type AllowResult struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// AllowStore keeps the permanent and temporary user allow lists.
type AllowStore struct {
	kv    KV
	clock Clock
	mu    sync.Mutex
}

func NewAllowStore(kv KV) *AllowStore {
	return NewAllowStoreWithClock(kv, realClock{})
}

// NewAllowStoreWithClock creates an AllowStore with a custom clock (for testing).
func NewAllowStoreWithClock(kv KV, clock Clock) *AllowStore {
	return &AllowStore{kv: kv, clock: clock}
}

// IsAllowed checks the permanent list first, then the temporary list. Expired
// temporary entries are pruned and persisted as a side effect.
func (s *AllowStore) IsAllowed(ctx context.Context, urlKey string) (AllowResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var permanent []string
	if _, err := load(ctx, s.kv, keyAllowlistPaths, &permanent); err != nil {
		return AllowResult{}, err
	}
	if slices.Contains(permanent, urlKey) {
		return AllowResult{Allowed: true, Reason: AllowPermanent}, nil
	}

	active, _, err := s.pruneLocked(ctx)
	if err != nil {
		return AllowResult{}, err
	}
	for _, e := range active {
		if e.URLKey == urlKey {
			return AllowResult{Allowed: true, Reason: AllowTemporary}, nil
		}
	}
	return AllowResult{}, nil
}

// GrantPermanent adds urlKey to the permanent list. Granting twice is a no-op.
func (s *AllowStore) GrantPermanent(ctx context.Context, urlKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var permanent []string
	if _, err := load(ctx, s.kv, keyAllowlistPaths, &permanent); err != nil {
		return err
	}
	if slices.Contains(permanent, urlKey) {
		return nil
	}
	return save(ctx, s.kv, keyAllowlistPaths, append(permanent, urlKey))
}

// RevokePermanent removes urlKey from the permanent list and reports whether
// it was present.
func (s *AllowStore) RevokePermanent(ctx context.Context, urlKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var permanent []string
	if _, err := load(ctx, s.kv, keyAllowlistPaths, &permanent); err != nil {
		return false, err
	}
	i := slices.Index(permanent, urlKey)
	if i < 0 {
		return false, nil
	}
	return true, save(ctx, s.kv, keyAllowlistPaths, slices.Delete(permanent, i, i+1))
}

// GrantTemporary allows urlKey for the given number of minutes, replacing any
// earlier temporary grant for the same key. It returns the expiry time.
func (s *AllowStore) GrantTemporary(ctx context.Context, urlKey string, minutes int) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []TempAllow
	if _, err := load(ctx, s.kv, keyTempAllowPaths, &entries); err != nil {
		return time.Time{}, err
	}
	entries = slices.DeleteFunc(entries, func(e TempAllow) bool { return e.URLKey == urlKey })

	expiresAt := s.clock.Now().Add(time.Duration(minutes) * time.Minute)
	entries = append(entries, TempAllow{URLKey: urlKey, ExpiresAt: expiresAt})
	if err := save(ctx, s.kv, keyTempAllowPaths, entries); err != nil {
		return time.Time{}, err
	}
	return expiresAt, nil
}

// Permanent returns the permanent allow list.
func (s *AllowStore) Permanent(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	permanent := []string{}
	if _, err := load(ctx, s.kv, keyAllowlistPaths, &permanent); err != nil {
		return nil, err
	}
	return permanent, nil
}

// Temporary returns the active temporary entries. Expired ones are pruned
// first, as in IsAllowed.
func (s *AllowStore) Temporary(ctx context.Context) ([]TempAllow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, _, err := s.pruneLocked(ctx)
	return entries, err
}

// PruneExpired drops expired temporary entries and returns how many were removed.
func (s *AllowStore) PruneExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, removed, err := s.pruneLocked(ctx)
	return removed, err
}

// pruneLocked filters the temporary list to entries expiring after now and
// persists the result only when something was dropped.
func (s *AllowStore) pruneLocked(ctx context.Context) ([]TempAllow, int, error) {
	var entries []TempAllow
	if _, err := load(ctx, s.kv, keyTempAllowPaths, &entries); err != nil {
		return nil, 0, err
	}

	now := s.clock.Now()
	active := make([]TempAllow, 0, len(entries))
	for _, e := range entries {
		if e.ExpiresAt.After(now) {
			active = append(active, e)
		}
	}

	removed := len(entries) - len(active)
	if removed > 0 {
		if err := save(ctx, s.kv, keyTempAllowPaths, active); err != nil {
			return nil, 0, err
		}
	}
	return active, removed, nil
}
