package specialist

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "modernc.org/sqlite"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// In-memory databases are per-connection; keep the pool at one.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(testDB(t))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestSeedIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	added, err := s.Seed(ctx)
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if added != len(builtinProfiles()) {
		t.Errorf("first seed added %d, want %d", added, len(builtinProfiles()))
	}

	added, err = s.Seed(ctx)
	if err != nil {
		t.Fatalf("second Seed: %v", err)
	}
	if added != 0 {
		t.Errorf("second seed added %d, want 0", added)
	}
}

func TestSeedPreservesOperatorEdits(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.Seed(ctx); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	p, err := s.Get(ctx, "pricing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	p.SystemPrompt = "custom prompt"
	if err := s.Put(ctx, p); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, err := s.Seed(ctx); err != nil {
		t.Fatalf("reseed: %v", err)
	}

	got, err := s.Get(ctx, "pricing")
	if err != nil {
		t.Fatalf("Get after reseed: %v", err)
	}
	if got.SystemPrompt != "custom prompt" {
		t.Errorf("reseed overwrote operator edit: %q", got.SystemPrompt)
	}
}

func TestPutGetRoundtrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	in := &Profile{
		Name:         "warranty",
		Description:  "Warranty claims and coverage",
		Keywords:     []string{"warranty", "coverage", "claim"},
		SystemPrompt: "You handle warranty questions.",
		Model:        "qwen2.5:14b",
		MaxHistory:   12,
	}
	if err := s.Put(ctx, in); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, "warranty")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Description != in.Description || got.SystemPrompt != in.SystemPrompt {
		t.Errorf("roundtrip mismatch: %+v", got)
	}
	if got.Model != "qwen2.5:14b" || got.MaxHistory != 12 {
		t.Errorf("Model/MaxHistory = %q/%d", got.Model, got.MaxHistory)
	}
	if len(got.Keywords) != 3 || got.Keywords[0] != "warranty" {
		t.Errorf("Keywords = %v", got.Keywords)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not populated")
	}
}

func TestPutRequiresName(t *testing.T) {
	s := testStore(t)
	if err := s.Put(context.Background(), &Profile{Description: "nameless"}); err == nil {
		t.Error("Put accepted a profile without a name")
	}
}

func TestGetMissing(t *testing.T) {
	s := testStore(t)
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListSorted(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := s.Put(ctx, &Profile{Name: name, Description: name, SystemPrompt: "p"}); err != nil {
			t.Fatalf("Put %s: %v", name, err)
		}
	}

	profiles, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(profiles) != 3 {
		t.Fatalf("List returned %d profiles", len(profiles))
	}
	want := []string{"alpha", "mid", "zeta"}
	for i, p := range profiles {
		if p.Name != want[i] {
			t.Errorf("profiles[%d] = %q, want %q", i, p.Name, want[i])
		}
	}
}

func TestDeleteProfile(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, &Profile{Name: "temp", Description: "d", SystemPrompt: "p"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete(ctx, "temp"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "temp"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}
