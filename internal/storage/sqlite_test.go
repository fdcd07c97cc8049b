package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) == 0 {
		t.Fatal("expected at least one applied migration")
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	for _, idx := range []string{"idx_decisions_created", "idx_decisions_domain"} {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying index %s: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %s not found", idx)
		}
	}
}

func TestKV_GetSet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	got, err := s.Get(ctx, "blacklist", "strikeCounts")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty result, got %v", got)
	}

	if err := s.Set(ctx, "blacklist", `["tiktok.com"]`); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "strikeCounts", `{"x.com":1}`); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "blacklist", `["tiktok.com","x.com"]`); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}

	got, err = s.Get(ctx, "blacklist", "strikeCounts", "missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got["blacklist"] != `["tiktok.com","x.com"]` {
		t.Errorf("blacklist = %q", got["blacklist"])
	}
	if got["strikeCounts"] != `{"x.com":1}` {
		t.Errorf("strikeCounts = %q", got["strikeCounts"])
	}
	if _, ok := got["missing"]; ok {
		t.Error("missing key should be absent")
	}
}

func TestKV_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s1.Set(ctx, "monitoringState", "true"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, err := s2.Get(ctx, "monitoringState")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got["monitoringState"] != "true" {
		t.Errorf("monitoringState = %q, want true", got["monitoringState"])
	}
}

func TestSaveAndGetDecision(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	d := DecisionRecord{
		ID:             "dec-1",
		CreatedAt:      now,
		URL:            "https://netflix.com/browse",
		Domain:         "netflix.com",
		Classification: "DISTRACTING",
		Source:         "known_list",
		BlockType:      "glass_wall",
		StrikeCount:    1,
	}
	if err := s.SaveDecision(ctx, d); err != nil {
		t.Fatalf("SaveDecision: %v", err)
	}

	got, err := s.GetDecision(ctx, "dec-1")
	if err != nil {
		t.Fatalf("GetDecision: %v", err)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, now)
	}
	got.CreatedAt = d.CreatedAt
	if got != d {
		t.Errorf("GetDecision = %+v, want %+v", got, d)
	}
}

func TestGetDecisionNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetDecision(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestListDecisions_NewestFirstAndPaginated(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := range 5 {
		err := s.SaveDecision(ctx, DecisionRecord{
			ID:             fmt.Sprintf("dec-%d", i),
			CreatedAt:      base.Add(time.Duration(i) * 500 * time.Millisecond),
			URL:            fmt.Sprintf("https://example.com/%d", i),
			Domain:         "example.com",
			Classification: "MIXED",
			Source:         "ai",
			BlockType:      "none",
		})
		if err != nil {
			t.Fatalf("SaveDecision %d: %v", i, err)
		}
	}

	page, err := s.ListDecisions(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListDecisions: %v", err)
	}
	if len(page) != 2 || page[0].ID != "dec-4" || page[1].ID != "dec-3" {
		t.Fatalf("first page = %+v", page)
	}

	page, err = s.ListDecisions(ctx, 10, 4)
	if err != nil {
		t.Fatalf("ListDecisions: %v", err)
	}
	if len(page) != 1 || page[0].ID != "dec-0" {
		t.Fatalf("last page = %+v", page)
	}
}

func TestPurgeDecisions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := range 3 {
		s.SaveDecision(ctx, DecisionRecord{
			ID: fmt.Sprintf("d%d", i), CreatedAt: time.Now(), URL: "u", Domain: "d",
			Classification: "MIXED", Source: "ai", BlockType: "none",
		})
	}

	n, err := s.PurgeDecisions(ctx)
	if err != nil {
		t.Fatalf("PurgeDecisions: %v", err)
	}
	if n != 3 {
		t.Errorf("purged %d rows, want 3", n)
	}

	left, err := s.ListDecisions(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListDecisions: %v", err)
	}
	if len(left) != 0 {
		t.Errorf("expected empty history, got %d", len(left))
	}
}
