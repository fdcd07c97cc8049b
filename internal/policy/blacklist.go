package policy

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// DefaultBlacklist is merged into the blacklist on every startup.
var DefaultBlacklist = []string{
	"instagram.com",
	"tiktok.com",
	"twitter.com",
	"facebook.com",
	"youtube.com/shorts",
	"iyf.tv",
}

// Blacklist is the set of hard-blocked domains.
type Blacklist struct {
	kv KV
	mu sync.Mutex
}

func NewBlacklist(kv KV) *Blacklist {
	return &Blacklist{kv: kv}
}

// IsBlacklisted reports whether any blacklisted entry occurs anywhere in the
// raw URL. The match is deliberately coarse: it covers subdomains and entries
// that carry a path such as "youtube.com/shorts".
func (b *Blacklist) IsBlacklisted(ctx context.Context, rawURL string) (bool, error) {
	domains, err := b.List(ctx)
	if err != nil {
		return false, err
	}
	for _, d := range domains {
		if d != "" && strings.Contains(rawURL, d) {
			return true, nil
		}
	}
	return false, nil
}

// List returns the blacklist in insertion order.
func (b *Blacklist) List(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listLocked(ctx)
}

// Add inserts domain and reports whether it was newly added.
func (b *Blacklist) Add(ctx context.Context, domain string) (bool, error) {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return false, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	domains, err := b.listLocked(ctx)
	if err != nil {
		return false, err
	}
	if slices.Contains(domains, domain) {
		return false, nil
	}
	if err := save(ctx, b.kv, keyBlacklist, append(domains, domain)); err != nil {
		return false, err
	}
	return true, nil
}

// Remove deletes domain and reports whether it was present.
func (b *Blacklist) Remove(ctx context.Context, domain string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	domains, err := b.listLocked(ctx)
	if err != nil {
		return false, err
	}
	i := slices.Index(domains, domain)
	if i < 0 {
		return false, nil
	}
	if err := save(ctx, b.kv, keyBlacklist, slices.Delete(domains, i, i+1)); err != nil {
		return false, err
	}
	return true, nil
}

// Merge adds every domain not already present and returns how many were added.
func (b *Blacklist) Merge(ctx context.Context, domains []string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current, err := b.listLocked(ctx)
	if err != nil {
		return 0, err
	}
	added := 0
	for _, d := range domains {
		if d == "" || slices.Contains(current, d) {
			continue
		}
		current = append(current, d)
		added++
	}
	if added == 0 {
		return 0, nil
	}
	return added, save(ctx, b.kv, keyBlacklist, current)
}

func (b *Blacklist) listLocked(ctx context.Context) ([]string, error) {
	domains := []string{}
	if _, err := load(ctx, b.kv, keyBlacklist, &domains); err != nil {
		return nil, err
	}
	return domains, nil
}
