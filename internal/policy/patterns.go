package policy

import (
	"context"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/lockin/internal/urlkey"
)

// DefaultSimilarityThreshold is the number of signals a stored pattern must
// produce for a candidate URL to count as similar.
const DefaultSimilarityThreshold = 1

// StrikePattern is a fingerprint learned from manual strikes. There is at most
// one pattern per (Domain, PathPrefix).
type StrikePattern struct {
	Domain     string    `json:"domain"`
	PathPrefix string    `json:"pathPrefix"`
	Keywords   []string  `json:"keywords"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// Match is the outcome of MatchSimilar.
type Match struct {
	Similar bool   `json:"isSimilar"`
	Reason  string `json:"reason"`
}

// PatternStore accumulates strike patterns.
type PatternStore struct {
	kv    KV
	clock Clock
	mu    sync.Mutex
}

func NewPatternStore(kv KV) *PatternStore {
	return NewPatternStoreWithClock(kv, realClock{})
}

// NewPatternStoreWithClock creates a PatternStore with a custom clock (for testing).
func NewPatternStoreWithClock(kv KV, clock Clock) *PatternStore {
	return &PatternStore{kv: kv, clock: clock}
}

// RecordPattern fingerprints u and merges it into the store: keywords are
// unioned into an existing pattern with the same domain and prefix, otherwise
// a new pattern is appended.
func (s *PatternStore) RecordPattern(ctx context.Context, u *url.URL) (StrikePattern, error) {
	fp := urlkey.Of(u)
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	patterns, err := s.loadLocked(ctx)
	if err != nil {
		return StrikePattern{}, err
	}

	i := slices.IndexFunc(patterns, func(p StrikePattern) bool {
		return p.Domain == fp.Domain && p.PathPrefix == fp.PathPrefix
	})
	if i >= 0 {
		p := &patterns[i]
		for _, kw := range fp.Keywords {
			if !slices.Contains(p.Keywords, kw) {
				p.Keywords = append(p.Keywords, kw)
			}
		}
		p.LastSeenAt = now
	} else {
		patterns = append(patterns, StrikePattern{
			Domain:     fp.Domain,
			PathPrefix: fp.PathPrefix,
			Keywords:   fp.Keywords,
			LastSeenAt: now,
		})
		i = len(patterns) - 1
	}

	if err := save(ctx, s.kv, keyStrikePatterns, patterns); err != nil {
		return StrikePattern{}, err
	}
	return patterns[i], nil
}

// Patterns returns all stored patterns in insertion order.
func (s *PatternStore) Patterns(ctx context.Context) ([]StrikePattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

func (s *PatternStore) loadLocked(ctx context.Context) ([]StrikePattern, error) {
	patterns := []StrikePattern{}
	if _, err := load(ctx, s.kv, keyStrikePatterns, &patterns); err != nil {
		return nil, err
	}
	return patterns, nil
}

// MatchSimilar compares u against every pattern on the same domain. Each
// pattern scores one signal when u's path prefix starts with the pattern's
// prefix and one when their keyword sets intersect. The first pattern
// reaching threshold wins.
func MatchSimilar(u *url.URL, patterns []StrikePattern, threshold int) Match {
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}
	fp := urlkey.Of(u)

	for _, p := range patterns {
		if p.Domain != fp.Domain {
			continue
		}

		signals := 0
		var reason string
		if p.PathPrefix != "" && strings.HasPrefix(fp.PathPrefix, p.PathPrefix) {
			signals++
			reason = "path prefix " + p.PathPrefix
		}
		if keywordsOverlap(p.Keywords, fp.Keywords) {
			signals++
			if reason != "" {
				reason += " + keywords"
			} else {
				reason = "keyword overlap"
			}
		}

		if signals >= threshold {
			return Match{Similar: true, Reason: reason}
		}
	}
	return Match{}
}

func keywordsOverlap(a, b []string) bool {
	for _, kw := range a {
		if slices.Contains(b, kw) {
			return true
		}
	}
	return false
}
