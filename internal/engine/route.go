package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tkwest/switchboard/internal/conversation"
)

// route selects the handler to dispatch next, or ends the turn.
//
// An explicit handoff requested by the previous handler always wins:
// the requested handler is selected directly, the request fields are
// consumed and cleared, and a synthetic context message summarizes the
// handoff for the next handler's benefit. Otherwise the latest user
// message is classified against the registry; messages produced
// internally during this turn are never re-routed on.
func (e *Engine) route(ctx context.Context, turnID string, st *conversation.State) {
	if st.NextHandler != "" {
		target := st.NextHandler
		reason := st.HandoffReason

		st.Append(e.handoffContextMessage(st))
		st.CurrentHandler = target
		st.NextHandler = ""
		st.HandoffReason = ""
		st.HandoffContext = nil
		st.ShouldContinue = true

		e.logger.Info("routing explicit handoff",
			"turn_id", turnID,
			"thread_id", st.ThreadID,
			"from", st.LastHandler,
			"to", target,
			"reason", reason,
		)
		return
	}

	// Only the first pass of a turn reaches this point: later passes
	// always carry an explicit NextHandler set by the decision engine.
	userMsg, ok := st.LatestUserMessage()
	if !ok {
		st.ShouldContinue = false
		st.CurrentHandler = ""
		e.logger.Debug("no user message to route on", "thread_id", st.ThreadID)
		return
	}

	name, reason := e.classify(ctx, userMsg.Content)
	if name == "" || !e.registry.Has(name) {
		if def := e.registry.Default(); def != nil {
			if name != "" {
				e.logger.Warn("classifier named unknown handler, using default",
					"thread_id", st.ThreadID, "handler", name)
			}
			name = def.Name()
			reason = "default handler"
		} else {
			// No placement and no default: end the turn with the
			// relay fallback response.
			st.ShouldContinue = false
			st.CurrentHandler = ""
			e.logger.Warn("no handler for message and no default configured",
				"thread_id", st.ThreadID)
			return
		}
	}

	st.CurrentHandler = name
	st.ShouldContinue = true

	e.logger.Info("routed user message",
		"turn_id", turnID,
		"thread_id", st.ThreadID,
		"handler", name,
		"reason", reason,
	)
}

// classify asks the model collaborator to place the message, falling
// back to keyword scoring when it is unavailable or unhelpful.
func (e *Engine) classify(ctx context.Context, text string) (string, string) {
	specs := e.registry.Specs()
	if len(specs) == 0 {
		return "", ""
	}

	if e.classifier != nil {
		choice, err := e.classifier.Classify(ctx, text, specs)
		if err == nil {
			return choice.Handler, choice.Reason
		}
		e.logger.Debug("classifier unavailable for routing, using keywords", "error", err)
	}

	if name := bestKeywordMatch(text, specs, ""); name != "" {
		return name, "keyword match"
	}
	return "", ""
}

// handoffContextMessage builds the synthetic internal message that
// carries the handoff reason and structured context to the next
// handler.
func (e *Engine) handoffContextMessage(st *conversation.State) conversation.Message {
	content := fmt.Sprintf("Handoff from %s to %s", orEmpty(st.LastHandler, "router"), st.NextHandler)
	if st.HandoffReason != "" {
		content += ": " + st.HandoffReason
	}
	if len(st.HandoffContext) > 0 {
		if payload, err := json.Marshal(st.HandoffContext); err == nil {
			content += "\nContext: " + string(payload)
		}
	}

	m := conversation.NewMessage(conversation.RoleHandler, content, conversation.OrchestratorName)
	m.Intermediate = true
	return m
}

func orEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
