package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/tkwest/switchboard/internal/conversation"
	"github.com/tkwest/switchboard/internal/handler"
)

// dispatch invokes the selected handler. The hop counter is bumped
// before invocation so a crashing handler still consumes a hop.
//
// Handler failures never propagate as engine failures: the error is
// absorbed into an error-flagged message attributed to the handler,
// and the turn proceeds to the decision engine so the conversation
// can still terminate cleanly and be relayed.
func (e *Engine) dispatch(ctx context.Context, st *conversation.State) {
	name := st.CurrentHandler

	h, err := e.registry.Get(name)
	if err != nil {
		if errors.Is(err, handler.ErrNotFound) {
			if def := e.registry.Default(); def != nil && def.Name() != name {
				e.logger.Warn("handler not found, dispatching default",
					"thread_id", st.ThreadID, "handler", name)
				h = def
				name = def.Name()
				st.CurrentHandler = name
			}
		}
		if h == nil {
			st.ShouldContinue = false
			e.logger.Error("handler not found and no default",
				"thread_id", st.ThreadID, "handler", name)
			return
		}
	}

	st.HopCount++

	hctx, cancel := context.WithTimeout(ctx, e.cfg.HandlerTimeout)
	defer cancel()

	// Handlers run against a clone so a failing handler can't leave
	// half-applied mutations behind.
	result, herr := h.Handle(hctx, st.Clone())
	if herr != nil {
		e.logger.Warn("handler failed, absorbing error",
			"thread_id", st.ThreadID,
			"handler", name,
			"hop", st.HopCount,
			"error", herr,
		)
		m := conversation.NewMessage(
			conversation.RoleHandler,
			fmt.Sprintf("The %s specialist ran into a problem: %v", name, herr),
			name,
		)
		m.Error = true
		m.Intermediate = true
		st.Append(m)
		st.LastHandler = name
		return
	}

	// Adopt the handler's mutations, preserving engine-owned counters.
	hops := st.HopCount
	*st = *result
	st.HopCount = hops
	st.LastHandler = name

	e.logger.Debug("handler dispatched",
		"thread_id", st.ThreadID,
		"handler", name,
		"hop", st.HopCount,
		"next_handler", st.NextHandler,
	)
}
