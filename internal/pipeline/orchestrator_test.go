package pipeline

import (
	"context"
	"errors"
	neturl "net/url"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/lockin/internal/cache"
	"github.com/kalambet/lockin/internal/classifier"
	"github.com/kalambet/lockin/internal/policy"
	"github.com/kalambet/lockin/internal/storage"
	"github.com/kalambet/lockin/internal/urlkey"
)

// --- fakes ---

type fakeRemote struct {
	mu    sync.Mutex
	label classifier.Label
	err   error
	delay time.Duration
	calls atomic.Int32
	last  classifier.Request
}

func (f *fakeRemote) Classify(ctx context.Context, req classifier.Request) (classifier.Label, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.last = req
	label, err, delay := f.label, f.err, f.delay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return label, err
}

// gatedRemote blocks every call until release is closed, honoring ctx.
type gatedRemote struct {
	label   classifier.Label
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func newGatedRemote(label classifier.Label) *gatedRemote {
	return &gatedRemote{
		label:   label,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gatedRemote) Classify(ctx context.Context, _ classifier.Request) (classifier.Label, error) {
	if g.calls.Add(1) == 1 {
		close(g.entered)
	}
	select {
	case <-g.release:
		return g.label, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type fakeSnippets struct {
	text  string
	calls atomic.Int32
}

func (f *fakeSnippets) Collect(context.Context, string) string {
	f.calls.Add(1)
	return f.text
}

type failingKV struct{}

var errStoreDown = errors.New("store down")

func (failingKV) Get(context.Context, ...string) (map[string]string, error) {
	return nil, errStoreDown
}

func (failingKV) Set(context.Context, string, string) error { return errStoreDown }

type testEnv struct {
	store     *storage.Store
	allow     *policy.AllowStore
	blacklist *policy.Blacklist
	strikes   *policy.StrikeLedger
	patterns  *policy.PatternStore
	monitor   *policy.Monitor
	cache     *cache.Cache[Decision]
	remote    *fakeRemote
	snippets  *fakeSnippets
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *testEnv) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bl := policy.NewBlacklist(store)
	env := &testEnv{
		store:     store,
		allow:     policy.NewAllowStore(store),
		blacklist: bl,
		strikes:   policy.NewStrikeLedger(store, bl, policy.DefaultStrikeLimit),
		patterns:  policy.NewPatternStore(store),
		monitor:   policy.NewMonitor(store),
		cache:     cache.New[Decision](100),
		remote:    &fakeRemote{label: classifier.Conducive},
		snippets:  &fakeSnippets{text: "Intro | Setup"},
	}
	o := New(Deps{
		Allow:     env.allow,
		Blacklist: env.blacklist,
		Strikes:   env.strikes,
		Patterns:  env.patterns,
		Monitor:   env.monitor,
		Cache:     env.cache,
		Remote:    env.remote,
		Snippets:  env.snippets,
		Log:       store,
	}, Options{})
	return o, env
}

func nav(url string) Navigation {
	return Navigation{URL: url, Title: "Some page"}
}

func mustParse(t *testing.T, raw string) *neturl.URL {
	t.Helper()
	u, err := urlkey.Parse(raw)
	if err != nil {
		t.Fatalf("Parse(%q): %v", raw, err)
	}
	return u
}

// --- tests ---

func TestClassify_AllowlistTakesPrecedence(t *testing.T) {
	ctx := context.Background()
	o, env := newTestOrchestrator(t)
	env.blacklist.Add(ctx, "tiktok.com")

	url := "https://www.tiktok.com/@creator?lang=en"
	if err := o.GrantPermanent(ctx, url); err != nil {
		t.Fatalf("GrantPermanent: %v", err)
	}

	d, err := o.Classify(ctx, nav(url))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	want := Decision{Classification: classifier.Conducive, Source: SourceAllowlist, BlockType: BlockNone, Reason: policy.AllowPermanent}
	if d != want {
		t.Errorf("decision = %+v, want %+v", d, want)
	}
	if env.remote.calls.Load() != 0 {
		t.Error("remote called for allowlisted page")
	}
}

func TestClassify_StaticBlacklist(t *testing.T) {
	ctx := context.Background()
	o, env := newTestOrchestrator(t)
	env.blacklist.Add(ctx, "youtube.com/shorts")

	d, err := o.Classify(ctx, nav("https://youtube.com/shorts/xyz"))
	if err != nil {
		t.Fatal(err)
	}
	if d.Source != SourceStaticBlacklist || d.BlockType != BlockHard || d.Action() != ActionRedirect {
		t.Errorf("decision = %+v", d)
	}
	if env.cache.Len() != 0 {
		t.Error("blacklist decisions must not be cached")
	}
}

func TestStrike_PromotesOnSecondStrike(t *testing.T) {
	ctx := context.Background()
	o, env := newTestOrchestrator(t)
	url := "https://news.example.com/world/politics/election-results"

	first, err := o.Strike(ctx, nav(url))
	if err != nil {
		t.Fatalf("first Strike: %v", err)
	}
	if first.StrikeCount != 1 || first.Action != ActionOverlay {
		t.Errorf("first strike = %+v, want count 1 with overlay", first)
	}
	if first.Decision.Source != SourceSimilarityMatch {
		t.Errorf("first strike re-evaluation source = %q, want similarity_match", first.Decision.Source)
	}

	second, err := o.Strike(ctx, nav(url))
	if err != nil {
		t.Fatalf("second Strike: %v", err)
	}
	if second.StrikeCount != 2 || second.Action != ActionRedirect {
		t.Errorf("second strike = %+v, want count 2 with redirect", second)
	}
	want := Decision{Classification: classifier.Distracting, Source: SourceStrikeSystem, BlockType: BlockHard, StrikeCount: 2}
	if second.Decision != want {
		t.Errorf("second decision = %+v, want %+v", second.Decision, want)
	}

	if domains, _ := env.blacklist.List(ctx); !slices.Contains(domains, "news.example.com") {
		t.Error("domain not promoted to blacklist")
	}
	if n, _ := env.strikes.Count(ctx, "news.example.com"); n != 0 {
		t.Errorf("ledger entry not cleared, count = %d", n)
	}

	d, err := o.Classify(ctx, nav("https://news.example.com/sport"))
	if err != nil {
		t.Fatal(err)
	}
	if d.Source != SourceStaticBlacklist {
		t.Errorf("after promotion source = %q, want static_blacklist", d.Source)
	}
	if env.remote.calls.Load() != 0 {
		t.Errorf("remote calls = %d, want 0", env.remote.calls.Load())
	}
}

func TestStrike_InvalidatesCache(t *testing.T) {
	ctx := context.Background()
	o, env := newTestOrchestrator(t)
	url := "https://blog.example.org/daily/cat-pictures"

	if _, err := o.Classify(ctx, nav(url)); err != nil {
		t.Fatal(err)
	}
	if _, ok := env.cache.Get(url); !ok {
		t.Fatal("ai decision not cached")
	}

	res, err := o.Strike(ctx, nav(url))
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision.Source == SourceAI {
		t.Errorf("strike re-evaluation served the stale cached decision: %+v", res.Decision)
	}
}

func TestClassify_CachesAndSkipsRemote(t *testing.T) {
	ctx := context.Background()
	o, env := newTestOrchestrator(t)
	env.remote.label = classifier.Distracting
	url := "https://reddit.com/r/golang?sort=new"

	first, err := o.Classify(ctx, nav(url))
	if err != nil {
		t.Fatal(err)
	}
	second, err := o.Classify(ctx, nav(url))
	if err != nil {
		t.Fatal(err)
	}

	want := Decision{Classification: classifier.Distracting, Source: SourceAI, BlockType: BlockGlassWall}
	if first != want || second != want {
		t.Errorf("decisions = %+v, %+v; want %+v", first, second, want)
	}
	if got := env.remote.calls.Load(); got != 1 {
		t.Errorf("remote calls = %d, want 1", got)
	}

	// A different query string is a different page.
	if _, err := o.Classify(ctx, nav("https://reddit.com/r/golang?sort=top")); err != nil {
		t.Fatal(err)
	}
	if got := env.remote.calls.Load(); got != 2 {
		t.Errorf("remote calls = %d, want 2", got)
	}
}

func TestClassify_RemoteRequestCarriesSnippet(t *testing.T) {
	ctx := context.Background()
	o, env := newTestOrchestrator(t)

	o.Classify(ctx, Navigation{URL: "https://go.dev/doc/tutorial", Title: "Tutorial"})
	if env.remote.last.PageSnippet != "Intro | Setup" || env.remote.last.Title != "Tutorial" {
		t.Errorf("remote request = %+v", env.remote.last)
	}

	o.Classify(ctx, Navigation{URL: "https://go.dev/blog", Title: "Blog", Snippet: "given"})
	if env.remote.last.PageSnippet != "given" {
		t.Errorf("provided snippet not forwarded: %+v", env.remote.last)
	}
	if got := env.snippets.calls.Load(); got != 1 {
		t.Errorf("collector calls = %d, want 1", got)
	}
}

func TestGrants_InvalidateCache(t *testing.T) {
	ctx := context.Background()
	o, env := newTestOrchestrator(t)
	env.remote.label = classifier.Distracting

	tests := []struct {
		name  string
		url   string
		grant func(url string) error
	}{
		{"permanent", "https://twitch.tv/somestreamer", func(url string) error {
			return o.GrantPermanent(ctx, url)
		}},
		{"temporary", "https://twitch.tv/otherstreamer", func(url string) error {
			_, err := o.GrantTemporary(ctx, url, 5)
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := o.Classify(ctx, nav(tt.url))
			if err != nil || d.Source != SourceAI {
				t.Fatalf("Classify = %+v, %v", d, err)
			}
			if err := tt.grant(tt.url); err != nil {
				t.Fatalf("grant: %v", err)
			}
			d, err = o.Classify(ctx, nav(tt.url))
			if err != nil {
				t.Fatal(err)
			}
			if d.Source != SourceAllowlist {
				t.Errorf("after grant source = %q, want allowlist", d.Source)
			}
		})
	}
}

func TestGrantTemporary_DefaultMinutes(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(t)

	before := time.Now()
	expiresAt, err := o.GrantTemporary(ctx, "https://example.com/", 0)
	if err != nil {
		t.Fatal(err)
	}
	if d := expiresAt.Sub(before); d < 19*time.Minute || d > 21*time.Minute {
		t.Errorf("default expiry in %v, want about 20m", d)
	}
}

func TestClassify_SimilarityMatch(t *testing.T) {
	ctx := context.Background()
	o, env := newTestOrchestrator(t)
	env.patterns.RecordPattern(ctx, mustParse(t, "https://x.com/a/b/foo"))

	d, err := o.Classify(ctx, nav("https://x.com/a/b/c?x=1"))
	if err != nil {
		t.Fatal(err)
	}
	if d.Source != SourceSimilarityMatch || d.BlockType != BlockGlassWall || d.Reason != "path prefix /a/b" {
		t.Errorf("decision = %+v", d)
	}

	d, _ = o.Classify(ctx, nav("https://y.com/a/b/foo"))
	if d.Source == SourceSimilarityMatch {
		t.Error("pattern matched on another domain")
	}
}

func TestClassify_KnownListSkipsRemote(t *testing.T) {
	ctx := context.Background()
	o, env := newTestOrchestrator(t)
	url := "https://www.netflix.com/browse"

	d, err := o.Classify(ctx, nav(url))
	if err != nil {
		t.Fatal(err)
	}
	if d.Source != SourceKnownList || d.BlockType != BlockGlassWall {
		t.Errorf("decision = %+v", d)
	}
	if env.remote.calls.Load() != 0 {
		t.Error("remote called for known distracting site")
	}
	if _, ok := env.cache.Get(url); !ok {
		t.Error("known-list decision not cached")
	}
}

func TestClassify_RemoteFailureFailsOpen(t *testing.T) {
	ctx := context.Background()
	o, env := newTestOrchestrator(t)
	env.remote.err = errors.New("unexpected status 500")
	url := "https://forum.example.net/thread/42"

	d, err := o.Classify(ctx, nav(url))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	want := Decision{Classification: classifier.Mixed, Source: SourceAI, BlockType: BlockNone}
	if d != want {
		t.Errorf("decision = %+v, want %+v", d, want)
	}
	if _, ok := env.cache.Get(url); ok {
		t.Error("fail-open decision was cached")
	}

	env.remote.mu.Lock()
	env.remote.err = nil
	env.remote.mu.Unlock()
	o.Classify(ctx, nav(url))
	if got := env.remote.calls.Load(); got != 2 {
		t.Errorf("remote calls = %d, want 2", got)
	}
}

func TestClassify_StoreErrorAborts(t *testing.T) {
	ctx := context.Background()
	_, env := newTestOrchestrator(t)
	o := New(Deps{
		Allow:     policy.NewAllowStore(failingKV{}),
		Blacklist: env.blacklist,
		Strikes:   env.strikes,
		Patterns:  env.patterns,
		Monitor:   env.monitor,
		Cache:     env.cache,
		Remote:    env.remote,
	}, Options{})

	_, err := o.Classify(ctx, nav("https://example.com/"))
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("error = %v, want errStoreDown", err)
	}
	if env.cache.Len() != 0 || env.remote.calls.Load() != 0 {
		t.Error("aborted run must not reach the remote or the cache")
	}
}

func TestHandleNavigation(t *testing.T) {
	ctx := context.Background()
	o, env := newTestOrchestrator(t)
	env.remote.label = classifier.Distracting

	res, err := o.HandleNavigation(ctx, nav("https://example.com/feed"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Monitoring || res.Decision == nil || res.Action != ActionOverlay {
		t.Errorf("result = %+v", res)
	}

	if err := o.SetMonitoring(ctx, false); err != nil {
		t.Fatal(err)
	}
	res, err = o.HandleNavigation(ctx, nav("https://example.com/other"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Monitoring || res.Decision != nil {
		t.Errorf("result while monitoring off = %+v", res)
	}
	if got := env.remote.calls.Load(); got != 1 {
		t.Errorf("remote calls = %d, want 1", got)
	}
}

func TestHandleNavigation_InputErrors(t *testing.T) {
	ctx := context.Background()
	o, env := newTestOrchestrator(t)

	tests := []struct {
		name string
		nav  Navigation
		want error
	}{
		{"browser page", Navigation{URL: "chrome://extensions", Title: "Extensions"}, urlkey.ErrInvalidURL},
		{"relative", Navigation{URL: "/just/a/path", Title: "x"}, urlkey.ErrInvalidURL},
		{"no title", Navigation{URL: "https://example.com/", Title: "  "}, ErrMissingTitle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.HandleNavigation(ctx, tt.nav)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
	if env.cache.Len() != 0 {
		t.Error("input errors must not be cached")
	}
}

func TestClassify_ConcurrentSameURL(t *testing.T) {
	ctx := context.Background()
	o, env := newTestOrchestrator(t)
	env.remote.label = classifier.Distracting
	env.remote.delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := o.Classify(ctx, nav("https://example.com/same")); err != nil {
				t.Errorf("Classify: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := env.remote.calls.Load(); got != 1 {
		t.Errorf("remote calls = %d, want 1", got)
	}
}

func TestClassify_RecordsDecisions(t *testing.T) {
	ctx := context.Background()
	o, env := newTestOrchestrator(t)

	o.Classify(ctx, nav("https://go.dev/"))
	o.Classify(ctx, nav("https://www.netflix.com/title/1"))

	recs, err := env.store.ListDecisions(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("recorded %d decisions, want 2", len(recs))
	}
	if recs[0].Domain != "netflix.com" || recs[0].Source != string(SourceKnownList) {
		t.Errorf("newest record = %+v", recs[0])
	}
	if recs[1].ID == "" || recs[1].Classification != string(classifier.Conducive) {
		t.Errorf("oldest record = %+v", recs[1])
	}
}

func TestDecisionAction(t *testing.T) {
	tests := []struct {
		block BlockType
		want  Action
	}{
		{BlockHard, ActionRedirect},
		{BlockGlassWall, ActionOverlay},
		{BlockNone, ActionNone},
	}
	for _, tt := range tests {
		if got := (Decision{BlockType: tt.block}).Action(); got != tt.want {
			t.Errorf("Action(%q) = %q, want %q", tt.block, got, tt.want)
		}
	}
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	var wg sync.WaitGroup
	var inside atomic.Int32
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k.Lock("a.com")
			if inside.Add(1) != 1 {
				t.Error("two holders inside the same key")
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			k.Unlock("a.com")
		}()
	}
	wg.Wait()

	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.locks) != 0 {
		t.Errorf("leaked %d lock entries", len(k.locks))
	}
}

func TestClassify_CancelledCallerLeavesSharedRunIntact(t *testing.T) {
	o, env := newTestOrchestrator(t)
	remote := newGatedRemote(classifier.Distracting)
	o.remote = remote
	const url = "https://example.com/shared"

	ctx1, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := make(chan error, 1)
	go func() {
		_, err := o.Classify(ctx1, nav(url))
		first <- err
	}()
	<-remote.entered

	type result struct {
		d   Decision
		err error
	}
	second := make(chan result, 1)
	go func() {
		d, err := o.Classify(context.Background(), nav(url))
		second <- result{d, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled caller err = %v, want context.Canceled", err)
	}
	close(remote.release)

	res := <-second
	if res.err != nil {
		t.Fatalf("second caller: %v", res.err)
	}
	want := Decision{Classification: classifier.Distracting, Source: SourceAI, BlockType: BlockGlassWall}
	if res.d != want {
		t.Errorf("second caller decision = %+v, want %+v", res.d, want)
	}
	if got := remote.calls.Load(); got != 1 {
		t.Errorf("remote calls = %d, want 1", got)
	}
	if _, ok := env.cache.Get(url); !ok {
		t.Error("remote answer was not cached")
	}
}

func TestClassify_RemoteCallReleasesDomainLock(t *testing.T) {
	ctx := context.Background()
	o, env := newTestOrchestrator(t)
	remote := newGatedRemote(classifier.Conducive)
	o.remote = remote

	if _, err := env.blacklist.Add(ctx, "example.com/blocked"); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		o.Classify(ctx, nav("https://example.com/slow"))
	}()
	defer func() {
		close(remote.release)
		<-done
	}()
	<-remote.entered

	tctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	d, err := o.Classify(tctx, nav("https://example.com/blocked"))
	if err != nil {
		t.Fatalf("Classify on the same domain during a remote call: %v", err)
	}
	if d.Source != SourceStaticBlacklist {
		t.Errorf("source = %q, want static_blacklist", d.Source)
	}
}

func TestRevokePermanent_InvalidatesCache(t *testing.T) {
	ctx := context.Background()
	o, env := newTestOrchestrator(t)
	env.remote.label = classifier.Distracting
	const url = "https://twitch.tv/somestreamer"

	if err := o.GrantPermanent(ctx, url); err != nil {
		t.Fatal(err)
	}
	if d, _ := o.Classify(ctx, nav(url)); d.Source != SourceAllowlist {
		t.Fatalf("source after grant = %q", d.Source)
	}

	removed, err := o.RevokePermanent(ctx, url)
	if err != nil || !removed {
		t.Fatalf("RevokePermanent = %v, %v", removed, err)
	}
	d, err := o.Classify(ctx, nav(url))
	if err != nil {
		t.Fatal(err)
	}
	if d.Source != SourceAI || d.Classification != classifier.Distracting {
		t.Errorf("after revoke = %+v, want ai/DISTRACTING", d)
	}

	if removed, err := o.RevokePermanent(ctx, url); err != nil || removed {
		t.Errorf("second revoke = %v, %v, want false", removed, err)
	}
	if _, err := o.RevokePermanent(ctx, "not a url"); !errors.Is(err, urlkey.ErrInvalidURL) {
		t.Errorf("revoke bad url err = %v", err)
	}
}

func TestAllowLists(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(t)

	lists, err := o.AllowLists(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(lists.Permanent) != 0 || len(lists.Temporary) != 0 {
		t.Fatalf("empty lists = %+v", lists)
	}

	o.GrantPermanent(ctx, "https://go.dev/doc#intro")
	o.GrantTemporary(ctx, "https://news.site/today", 5)

	lists, err = o.AllowLists(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(lists.Permanent, []string{"https://go.dev/doc"}) {
		t.Errorf("permanent = %v", lists.Permanent)
	}
	if len(lists.Temporary) != 1 || lists.Temporary[0].URLKey != "https://news.site/today" {
		t.Errorf("temporary = %+v", lists.Temporary)
	}
}

func TestGrantTemporary_NegativeMinutes(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	if _, err := o.GrantTemporary(context.Background(), "https://example.com/", -5); !errors.Is(err, ErrInvalidMinutes) {
		t.Errorf("err = %v, want ErrInvalidMinutes", err)
	}
}
