// Package pipeline runs the layered page classification and the user actions
// that feed back into it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/kalambet/lockin/internal/cache"
	"github.com/kalambet/lockin/internal/classifier"
	"github.com/kalambet/lockin/internal/policy"
	"github.com/kalambet/lockin/internal/storage"
	"github.com/kalambet/lockin/internal/urlkey"
)

const (
	DefaultCacheTTL         = 60 * time.Minute
	DefaultTempAllowMinutes = 20
)

var (
	// ErrMissingTitle is returned for navigation events without a page title.
	ErrMissingTitle = errors.New("missing page title")
	// ErrInvalidMinutes is returned for a temporary allowance that is not positive.
	ErrInvalidMinutes = errors.New("minutes must be positive")
)

// AllowStore is the subset of policy.AllowStore the orchestrator needs.
type AllowStore interface {
	IsAllowed(ctx context.Context, urlKey string) (policy.AllowResult, error)
	GrantPermanent(ctx context.Context, urlKey string) error
	GrantTemporary(ctx context.Context, urlKey string, minutes int) (time.Time, error)
	RevokePermanent(ctx context.Context, urlKey string) (bool, error)
	Permanent(ctx context.Context) ([]string, error)
	Temporary(ctx context.Context) ([]policy.TempAllow, error)
}

type Blacklist interface {
	IsBlacklisted(ctx context.Context, rawURL string) (bool, error)
	Add(ctx context.Context, domain string) (bool, error)
	Remove(ctx context.Context, domain string) (bool, error)
	List(ctx context.Context) ([]string, error)
}

type StrikeLedger interface {
	RecordStrike(ctx context.Context, domain string) (int, error)
	Count(ctx context.Context, domain string) (int, error)
	CheckAndPromote(ctx context.Context, domain string, currentCount int) (bool, error)
	All(ctx context.Context) (map[string]int, error)
}

type PatternStore interface {
	RecordPattern(ctx context.Context, u *url.URL) (policy.StrikePattern, error)
	Patterns(ctx context.Context) ([]policy.StrikePattern, error)
}

type Monitor interface {
	Enabled(ctx context.Context) (bool, error)
	SetEnabled(ctx context.Context, enabled bool) error
}

// Remote is the remote classifier.
type Remote interface {
	Classify(ctx context.Context, req classifier.Request) (classifier.Label, error)
}

// SnippetCollector returns a page text sample, or "" when none is available.
type SnippetCollector interface {
	Collect(ctx context.Context, rawURL string) string
}

// DecisionLog records completed runs.
type DecisionLog interface {
	SaveDecision(ctx context.Context, d storage.DecisionRecord) error
}

// Deps are the collaborators of an Orchestrator. Snippets and Log are optional.
type Deps struct {
	Allow     AllowStore
	Blacklist Blacklist
	Strikes   StrikeLedger
	Patterns  PatternStore
	Monitor   Monitor
	Cache     *cache.Cache[Decision]
	Remote    Remote
	Snippets  SnippetCollector
	Log       DecisionLog
	Logger    *slog.Logger
}

// Options tune the policy.
type Options struct {
	CacheTTL            time.Duration
	SimilarityThreshold int
	TempAllowMinutes    int
}

// Navigation is a page visit to evaluate.
type Navigation struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet,omitempty"`
}

// NavigationResult is the answer to a navigation event. Decision is nil when
// monitoring is off.
type NavigationResult struct {
	Monitoring bool      `json:"monitoring"`
	Decision   *Decision `json:"decision,omitempty"`
	Action     Action    `json:"action,omitempty"`
}

// AllowLists is a snapshot of both allow lists. Temporary holds active
// entries only.
type AllowLists struct {
	Permanent []string           `json:"permanent"`
	Temporary []policy.TempAllow `json:"temporary"`
}

// StrikeResult is the answer to a manual strike.
type StrikeResult struct {
	Domain      string   `json:"domain"`
	StrikeCount int      `json:"strikeCount"`
	Decision    Decision `json:"decision"`
	Action      Action   `json:"action"`
}

// Orchestrator runs the classification stages and applies user actions.
type Orchestrator struct {
	allow     AllowStore
	blacklist Blacklist
	strikes   StrikeLedger
	patterns  PatternStore
	monitor   Monitor
	cache     *cache.Cache[Decision]
	remote    Remote
	snippets  SnippetCollector
	log       DecisionLog
	logger    *slog.Logger
	opts      Options

	domains *keyedMutex
	flight  singleflight.Group

	// strikeEpoch advances on every strike. A remote answer that raced a
	// strike is returned but not cached.
	strikeEpoch atomic.Uint64
}

// New creates an Orchestrator. Zero options take their defaults.
func New(deps Deps, opts Options) *Orchestrator {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = policy.DefaultSimilarityThreshold
	}
	if opts.TempAllowMinutes <= 0 {
		opts.TempAllowMinutes = DefaultTempAllowMinutes
	}
	if deps.Cache == nil {
		deps.Cache = cache.New[Decision](0)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Orchestrator{
		allow:     deps.Allow,
		blacklist: deps.Blacklist,
		strikes:   deps.Strikes,
		patterns:  deps.Patterns,
		monitor:   deps.Monitor,
		cache:     deps.Cache,
		remote:    deps.Remote,
		snippets:  deps.Snippets,
		log:       deps.Log,
		logger:    deps.Logger,
		opts:      opts,
		domains:   newKeyedMutex(),
	}
}

// HandleNavigation evaluates a page visit when monitoring is on. Non-http(s)
// URLs and empty titles are rejected.
func (o *Orchestrator) HandleNavigation(ctx context.Context, nav Navigation) (NavigationResult, error) {
	if _, err := parseWebURL(nav.URL); err != nil {
		return NavigationResult{}, err
	}
	if strings.TrimSpace(nav.Title) == "" {
		return NavigationResult{}, ErrMissingTitle
	}

	on, err := o.monitor.Enabled(ctx)
	if err != nil {
		return NavigationResult{}, fmt.Errorf("reading monitoring state: %w", err)
	}
	if !on {
		return NavigationResult{Monitoring: false}, nil
	}

	d, err := o.Classify(ctx, nav)
	if err != nil {
		return NavigationResult{}, err
	}
	return NavigationResult{Monitoring: true, Decision: &d, Action: d.Action()}, nil
}

// Classify runs the pipeline for one page regardless of the monitoring state.
// Concurrent calls for the same URL share a single run. The shared run is not
// cancelled with any one caller; a caller whose ctx ends returns ctx.Err()
// while the others keep waiting for the result.
func (o *Orchestrator) Classify(ctx context.Context, nav Navigation) (Decision, error) {
	u, err := parseWebURL(nav.URL)
	if err != nil {
		return Decision{}, err
	}

	ch := o.flight.DoChan(nav.URL, func() (any, error) {
		return o.run(context.WithoutCancel(ctx), u, nav)
	})
	select {
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Decision{}, res.Err
		}
		return res.Val.(Decision), nil
	}
}

// Strike records a manual strike against the page, learns its pattern and
// re-evaluates it at once. The returned action is a redirect when the
// re-evaluation hard-blocks and an overlay otherwise.
func (o *Orchestrator) Strike(ctx context.Context, nav Navigation) (StrikeResult, error) {
	u, err := parseWebURL(nav.URL)
	if err != nil {
		return StrikeResult{}, err
	}
	domain := urlkey.Domain(u)

	count, err := o.recordStrike(ctx, u, nav.URL, domain)
	if err != nil {
		return StrikeResult{}, err
	}
	o.logger.Info("strike recorded", "domain", domain, "count", count)

	d, err := o.run(ctx, u, nav)
	if err != nil {
		return StrikeResult{}, err
	}

	res := StrikeResult{Domain: domain, StrikeCount: count, Decision: d, Action: ActionOverlay}
	if d.BlockType == BlockHard {
		res.Action = ActionRedirect
	}
	return res, nil
}

func (o *Orchestrator) recordStrike(ctx context.Context, u *url.URL, rawURL, domain string) (int, error) {
	o.domains.Lock(domain)
	defer o.domains.Unlock(domain)

	count, err := o.strikes.RecordStrike(ctx, domain)
	if err != nil {
		return 0, fmt.Errorf("recording strike: %w", err)
	}
	if _, err := o.patterns.RecordPattern(ctx, u); err != nil {
		return 0, fmt.Errorf("recording strike pattern: %w", err)
	}
	o.strikeEpoch.Add(1)
	o.cache.Invalidate(rawURL)
	return count, nil
}

// GrantPermanent always allows the page's URL key and drops its cached decision.
func (o *Orchestrator) GrantPermanent(ctx context.Context, rawURL string) error {
	u, err := urlkey.Parse(rawURL)
	if err != nil {
		return err
	}
	if err := o.allow.GrantPermanent(ctx, urlkey.Key(u)); err != nil {
		return fmt.Errorf("granting permanent allow: %w", err)
	}
	o.cache.Invalidate(rawURL)
	return nil
}

// GrantTemporary allows the page for minutes and drops its cached decision.
// Zero minutes means the configured default. It returns the expiry.
func (o *Orchestrator) GrantTemporary(ctx context.Context, rawURL string, minutes int) (time.Time, error) {
	u, err := urlkey.Parse(rawURL)
	if err != nil {
		return time.Time{}, err
	}
	if minutes < 0 {
		return time.Time{}, fmt.Errorf("%w: got %d", ErrInvalidMinutes, minutes)
	}
	if minutes == 0 {
		minutes = o.opts.TempAllowMinutes
	}
	expiresAt, err := o.allow.GrantTemporary(ctx, urlkey.Key(u), minutes)
	if err != nil {
		return time.Time{}, fmt.Errorf("granting temporary allow: %w", err)
	}
	o.cache.Invalidate(rawURL)
	return expiresAt, nil
}

// RevokePermanent removes the page's URL key from the permanent allow list and
// drops its cached decision. It reports whether the key was allowed.
func (o *Orchestrator) RevokePermanent(ctx context.Context, rawURL string) (bool, error) {
	u, err := urlkey.Parse(rawURL)
	if err != nil {
		return false, err
	}
	removed, err := o.allow.RevokePermanent(ctx, urlkey.Key(u))
	if err != nil {
		return false, fmt.Errorf("revoking permanent allow: %w", err)
	}
	o.cache.Invalidate(rawURL)
	return removed, nil
}

func (o *Orchestrator) AllowLists(ctx context.Context) (AllowLists, error) {
	permanent, err := o.allow.Permanent(ctx)
	if err != nil {
		return AllowLists{}, fmt.Errorf("reading permanent allows: %w", err)
	}
	temporary, err := o.allow.Temporary(ctx)
	if err != nil {
		return AllowLists{}, fmt.Errorf("reading temporary allows: %w", err)
	}
	return AllowLists{Permanent: permanent, Temporary: temporary}, nil
}

func (o *Orchestrator) AddBlacklist(ctx context.Context, domain string) (bool, error) {
	return o.blacklist.Add(ctx, domain)
}

func (o *Orchestrator) RemoveBlacklist(ctx context.Context, domain string) (bool, error) {
	return o.blacklist.Remove(ctx, domain)
}

func (o *Orchestrator) Blacklist(ctx context.Context) ([]string, error) {
	return o.blacklist.List(ctx)
}

func (o *Orchestrator) Strikes(ctx context.Context) (map[string]int, error) {
	return o.strikes.All(ctx)
}

func (o *Orchestrator) Patterns(ctx context.Context) ([]policy.StrikePattern, error) {
	return o.patterns.Patterns(ctx)
}

func (o *Orchestrator) Monitoring(ctx context.Context) (bool, error) {
	return o.monitor.Enabled(ctx)
}

func (o *Orchestrator) SetMonitoring(ctx context.Context, enabled bool) error {
	if err := o.monitor.SetEnabled(ctx, enabled); err != nil {
		return err
	}
	o.logger.Info("monitoring state changed", "enabled", enabled)
	return nil
}

// run walks the stages in order until one answers. The domain lock is held
// across the store stages and the cache write, and released while a remote
// stage is in flight. Store errors abort the run and nothing is cached.
func (o *Orchestrator) run(ctx context.Context, u *url.URL, nav Navigation) (Decision, error) {
	start := time.Now()
	epoch := o.strikeEpoch.Load()
	ev := &evaluation{
		rawURL:  nav.URL,
		u:       u,
		key:     urlkey.Key(u),
		domain:  urlkey.Domain(u),
		title:   nav.Title,
		snippet: nav.Snippet,
	}
	logger := o.logger.With("url", nav.URL)

	o.domains.Lock(ev.domain)
	locked := true
	defer func() {
		if locked {
			o.domains.Unlock(ev.domain)
		}
	}()

	for _, st := range o.stages() {
		if st.remote {
			o.domains.Unlock(ev.domain)
			locked = false
		}
		d, err := st.run(ctx, ev)
		if st.remote {
			o.domains.Lock(ev.domain)
			locked = true
		}
		if err != nil {
			logger.Error("pipeline aborted", "stage", st.name, "error", err)
			return Decision{}, err
		}
		logStage(logger, st.name, d)
		if d == nil {
			continue
		}

		if st.cacheable && !ev.degraded && o.strikeEpoch.Load() == epoch {
			o.cache.Put(nav.URL, *d, o.opts.CacheTTL)
		}
		logger.Info("page classified",
			"classification", d.Classification,
			"source", d.Source,
			"block_type", d.BlockType,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		o.record(ctx, ev, *d, start)
		return *d, nil
	}

	// Unreachable: the ai stage always answers.
	return Decision{}, fmt.Errorf("no stage produced a decision for %s", nav.URL)
}

func (o *Orchestrator) record(ctx context.Context, ev *evaluation, d Decision, at time.Time) {
	if o.log == nil {
		return
	}
	err := o.log.SaveDecision(ctx, storage.DecisionRecord{
		ID:             uuid.NewString(),
		CreatedAt:      at.UTC(),
		URL:            ev.rawURL,
		Domain:         ev.domain,
		Classification: string(d.Classification),
		Source:         string(d.Source),
		BlockType:      string(d.BlockType),
		StrikeCount:    d.StrikeCount,
	})
	if err != nil {
		o.logger.Warn("failed to record decision", "url", ev.rawURL, "error", err)
	}
}

// parseWebURL accepts absolute http and https URLs only.
func parseWebURL(raw string) (*url.URL, error) {
	u, err := urlkey.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", urlkey.ErrInvalidURL, u.Scheme)
	}
	return u, nil
}
