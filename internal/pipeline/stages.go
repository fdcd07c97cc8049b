package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/kalambet/lockin/internal/classifier"
	"github.com/kalambet/lockin/internal/policy"
)

// evaluation is the state threaded through one pipeline run.
type evaluation struct {
	rawURL  string
	u       *url.URL
	key     string
	domain  string
	title   string
	snippet string

	strikeCount int

	// degraded marks an answer produced by failing open; it is never cached.
	degraded bool
}

// stage is one layer of the pipeline. run returns nil when the stage has no
// definitive answer and the next stage should be consulted. Remote stages run
// without the domain lock.
type stage struct {
	name      string
	cacheable bool
	remote    bool
	run       func(ctx context.Context, ev *evaluation) (*Decision, error)
}

// stages returns the layers in precedence order.
func (o *Orchestrator) stages() []stage {
	return []stage{
		{name: "allowlist", run: o.allowStage},
		{name: "cache", run: o.cacheStage},
		{name: "static_blacklist", run: o.blacklistStage},
		{name: "strike_system", run: o.strikeStage},
		{name: "similarity_match", run: o.similarityStage},
		{name: "known_list", cacheable: true, run: o.knownListStage},
		{name: "ai", cacheable: true, remote: true, run: o.aiStage},
	}
}

func (o *Orchestrator) allowStage(ctx context.Context, ev *evaluation) (*Decision, error) {
	res, err := o.allow.IsAllowed(ctx, ev.key)
	if err != nil {
		return nil, fmt.Errorf("checking allow lists: %w", err)
	}
	if !res.Allowed {
		return nil, nil
	}
	return &Decision{
		Classification: classifier.Conducive,
		Source:         SourceAllowlist,
		BlockType:      BlockNone,
		Reason:         res.Reason,
	}, nil
}

func (o *Orchestrator) cacheStage(_ context.Context, ev *evaluation) (*Decision, error) {
	d, ok := o.cache.Get(ev.rawURL)
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (o *Orchestrator) blacklistStage(ctx context.Context, ev *evaluation) (*Decision, error) {
	blocked, err := o.blacklist.IsBlacklisted(ctx, ev.rawURL)
	if err != nil {
		return nil, fmt.Errorf("checking blacklist: %w", err)
	}
	if !blocked {
		return nil, nil
	}
	return &Decision{
		Classification: classifier.Distracting,
		Source:         SourceStaticBlacklist,
		BlockType:      BlockHard,
	}, nil
}

// strikeStage promotes a domain whose strike count has reached the limit.
// Promotion happens here rather than when the strike is recorded.
func (o *Orchestrator) strikeStage(ctx context.Context, ev *evaluation) (*Decision, error) {
	count, err := o.strikes.Count(ctx, ev.domain)
	if err != nil {
		return nil, fmt.Errorf("reading strike count: %w", err)
	}
	ev.strikeCount = count

	promoted, err := o.strikes.CheckAndPromote(ctx, ev.domain, count)
	if err != nil {
		return nil, fmt.Errorf("promoting %s: %w", ev.domain, err)
	}
	if !promoted {
		return nil, nil
	}
	o.logger.Info("domain promoted to blacklist", "domain", ev.domain, "strikes", count)
	return &Decision{
		Classification: classifier.Distracting,
		Source:         SourceStrikeSystem,
		BlockType:      BlockHard,
		StrikeCount:    count,
	}, nil
}

func (o *Orchestrator) similarityStage(ctx context.Context, ev *evaluation) (*Decision, error) {
	patterns, err := o.patterns.Patterns(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading strike patterns: %w", err)
	}
	m := policy.MatchSimilar(ev.u, patterns, o.opts.SimilarityThreshold)
	if !m.Similar {
		return nil, nil
	}
	return &Decision{
		Classification: classifier.Distracting,
		Source:         SourceSimilarityMatch,
		BlockType:      BlockGlassWall,
		StrikeCount:    ev.strikeCount,
		Reason:         m.Reason,
	}, nil
}

func (o *Orchestrator) knownListStage(_ context.Context, ev *evaluation) (*Decision, error) {
	if !isKnownDistracting(ev.domain) {
		return nil, nil
	}
	return &Decision{
		Classification: classifier.Distracting,
		Source:         SourceKnownList,
		BlockType:      BlockGlassWall,
		StrikeCount:    ev.strikeCount,
	}, nil
}

// aiStage is the fallback and always answers. Remote failures fail open to
// MIXED without blocking.
func (o *Orchestrator) aiStage(ctx context.Context, ev *evaluation) (*Decision, error) {
	snippet := ev.snippet
	if snippet == "" && o.snippets != nil {
		snippet = o.snippets.Collect(ctx, ev.rawURL)
	}

	label, err := o.remote.Classify(ctx, classifier.Request{
		URL:         ev.u.String(),
		Title:       ev.title,
		PageSnippet: snippet,
	})
	if err != nil {
		o.logger.Warn("remote classification failed, allowing page", "url", ev.rawURL, "error", err)
		label = classifier.Mixed
		ev.degraded = true
	}

	block := BlockNone
	if label == classifier.Distracting {
		block = BlockGlassWall
	}
	return &Decision{
		Classification: label,
		Source:         SourceAI,
		BlockType:      block,
		StrikeCount:    ev.strikeCount,
	}, nil
}

func logStage(logger *slog.Logger, name string, d *Decision) {
	if d == nil {
		logger.Debug("stage passed", "stage", name)
		return
	}
	logger.Debug("stage decided", "stage", name, "classification", d.Classification, "block_type", d.BlockType)
}
