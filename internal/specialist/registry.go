package specialist

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tkwest/switchboard/internal/handler"
	"github.com/tkwest/switchboard/internal/llm"
)

// BuildHandlers constructs agents for every enabled profile in the
// store. Each agent gets the full roster so its model can name valid
// handoff targets.
func BuildHandlers(ctx context.Context, store *Store, client llm.Client, defaultModel string, logger *slog.Logger) ([]handler.Handler, error) {
	profiles, err := store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}

	var enabled []*Profile
	roster := make([]handler.Spec, 0, len(profiles))
	for _, p := range profiles {
		if p.Disabled {
			continue
		}
		enabled = append(enabled, p)
		roster = append(roster, handler.Spec{
			Name:        p.Name,
			Description: p.Description,
			Keywords:    p.Keywords,
		})
	}

	handlers := make([]handler.Handler, 0, len(enabled))
	for _, p := range enabled {
		handlers = append(handlers, NewAgent(p, client, defaultModel, roster, logger))
	}
	return handlers, nil
}

// LoadRegistry builds a fresh registry from the store.
func LoadRegistry(ctx context.Context, store *Store, client llm.Client, defaultModel, defaultName string, logger *slog.Logger) (*handler.Registry, error) {
	handlers, err := BuildHandlers(ctx, store, client, defaultModel, logger)
	if err != nil {
		return nil, err
	}

	reg := handler.NewRegistry(defaultName)
	for _, h := range handlers {
		if err := reg.Register(h); err != nil {
			return nil, err
		}
	}
	logger.Info("specialist registry loaded", "handlers", reg.Len(), "default", defaultName)
	return reg, nil
}

// Reload swaps the registry contents from the current store state.
// Turns in flight keep the handler instance they already resolved.
func Reload(ctx context.Context, reg *handler.Registry, store *Store, client llm.Client, defaultModel string, logger *slog.Logger) error {
	handlers, err := BuildHandlers(ctx, store, client, defaultModel, logger)
	if err != nil {
		return err
	}
	if err := reg.Replace(handlers); err != nil {
		return err
	}
	logger.Info("specialist registry reloaded", "handlers", reg.Len())
	return nil
}
