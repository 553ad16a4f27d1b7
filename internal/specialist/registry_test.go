package specialist

import (
	"context"
	"log/slog"
	"testing"
)

func TestLoadRegistrySkipsDisabled(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.Seed(ctx); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	p, err := s.Get(ctx, "support")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	p.Disabled = true
	if err := s.Put(ctx, p); err != nil {
		t.Fatalf("Put: %v", err)
	}

	reg, err := LoadRegistry(ctx, s, &cannedLLM{reply: "ok"}, "m", "general", slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}

	if reg.Has("support") {
		t.Error("disabled profile registered")
	}
	if !reg.Has("pricing") || !reg.Has("inventory") || !reg.Has("general") {
		t.Errorf("missing builtin handlers: %v", reg.Names())
	}
	if reg.DefaultName() != "general" {
		t.Errorf("default = %q", reg.DefaultName())
	}
}

func TestReloadPicksUpNewProfile(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)
	client := &cannedLLM{reply: "ok"}

	if _, err := s.Seed(ctx); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	reg, err := LoadRegistry(ctx, s, client, "m", "general", logger)
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}

	err = s.Put(ctx, &Profile{
		Name:         "warranty",
		Description:  "Warranty claims",
		Keywords:     []string{"warranty"},
		SystemPrompt: "You handle warranty questions.",
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := Reload(ctx, reg, s, client, "m", logger); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !reg.Has("warranty") {
		t.Error("reload missed the new profile")
	}
}
