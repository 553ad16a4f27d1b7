package engine

import (
	"context"
	"strings"
	"time"

	"github.com/tkwest/switchboard/internal/classifier"
	"github.com/tkwest/switchboard/internal/conversation"
	"github.com/tkwest/switchboard/internal/handler"
)

// Decision is the outcome of the handoff decision engine.
type Decision int

const (
	// DecisionEnd proceeds to relay.
	DecisionEnd Decision = iota
	// DecisionContinue routes back for another internal dispatch.
	DecisionContinue
)

func (d Decision) String() string {
	if d == DecisionContinue {
		return "continue"
	}
	return "end"
}

// Decision causes, in precedence order. LoopLimit is not an error but
// must be distinguishable from a voluntary relay in telemetry.
const (
	CauseLoopLimit  = "loop_limit"
	CauseExplicit   = "explicit_request"
	CauseModel      = "model_handoff"
	CauseModelRelay = "model_relay"
	CauseKeyword    = "keyword"
	CauseAskUser    = "ask_user"
	CauseDefault    = "default"
)

// DecisionRecord captures one handoff decision for the audit log.
type DecisionRecord struct {
	TurnID    string    `json:"turn_id"`
	ThreadID  string    `json:"thread_id"`
	Timestamp time.Time `json:"timestamp"`
	Hop       int       `json:"hop"`
	Outcome   string    `json:"outcome"`
	Cause     string    `json:"cause"`
	Handler   string    `json:"handler,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// Stats tracks engine decision statistics.
type Stats struct {
	TotalTurns     int64            `json:"total_turns"`
	TotalDecisions int64            `json:"total_decisions"`
	CauseCounts    map[string]int64 `json:"cause_counts"`
	HandlerCounts  map[string]int64 `json:"handler_counts"`
}

// decide runs after every dispatch and determines whether the turn
// continues internally or proceeds to relay. Rules are evaluated in
// strict precedence order, first match wins.
func (e *Engine) decide(ctx context.Context, turnID string, st *conversation.State) (Decision, DecisionRecord) {
	rec := DecisionRecord{
		TurnID:    turnID,
		ThreadID:  st.ThreadID,
		Timestamp: time.Now().UTC(),
		Hop:       st.HopCount,
	}

	// Rule 1: loop guard. Checked before everything else — even an
	// explicit handoff request cannot extend a turn past the ceiling.
	if st.HopCount >= e.cfg.MaxHops {
		rec.Outcome, rec.Cause = DecisionEnd.String(), CauseLoopLimit
		e.logger.Warn("hop limit reached, forcing relay",
			"thread_id", st.ThreadID,
			"hops", st.HopCount,
			"max_hops", e.cfg.MaxHops,
			"pending_handoff", st.NextHandler,
		)
		return DecisionEnd, rec
	}

	// Rule 2: explicit handler request.
	if st.NextHandler != "" {
		rec.Outcome, rec.Cause = DecisionContinue.String(), CauseExplicit
		rec.Handler, rec.Reason = st.NextHandler, st.HandoffReason
		return DecisionContinue, rec
	}

	userMsg, _ := st.LatestUserMessage()
	handlerMsg, _ := st.LatestHandlerMessage()

	// Rule 3: model-assisted suggestion. Best-effort — any failure
	// falls through to the keyword heuristic.
	if decision, rec, ok := e.modelSuggestion(ctx, st, rec, userMsg, handlerMsg); ok {
		return decision, rec
	}

	// Rule 4: keyword heuristic over the latest user and internal
	// messages, excluding the handler that just ran.
	if name := bestKeywordMatch(userMsg.Content+" "+handlerMsg.Content, e.registry.Specs(), st.LastHandler); name != "" {
		st.NextHandler = name
		st.HandoffReason = "keyword match suggested a follow-up specialist"
		rec.Outcome, rec.Cause = DecisionContinue.String(), CauseKeyword
		rec.Handler = name
		return DecisionContinue, rec
	}

	// Rule 5: the handler is asking the caller for something; go back
	// to the user rather than another specialist.
	if containsAny(strings.ToLower(handlerMsg.Content), e.cfg.AskUserMarkers) {
		rec.Outcome, rec.Cause = DecisionEnd.String(), CauseAskUser
		return DecisionEnd, rec
	}

	// Rule 6: nothing asked for more processing.
	rec.Outcome, rec.Cause = DecisionEnd.String(), CauseDefault
	return DecisionEnd, rec
}

// modelSuggestion implements rule 3. The third return is false when
// the suggestion step produced nothing usable and the caller should
// fall through to the next rule.
func (e *Engine) modelSuggestion(ctx context.Context, st *conversation.State, rec DecisionRecord, userMsg, handlerMsg conversation.Message) (Decision, DecisionRecord, bool) {
	if e.classifier == nil {
		return DecisionEnd, rec, false
	}

	dctx, cancel := context.WithTimeout(ctx, e.cfg.DecideTimeout)
	defer cancel()

	sug, err := e.classifier.SuggestHandoff(dctx, classifier.HandoffRequest{
		Specs:              e.registry.Specs(),
		LastUserMessage:    userMsg.Content,
		LastHandler:        st.LastHandler,
		LastHandlerMessage: handlerMsg.Content,
	})
	if err != nil {
		e.logger.Debug("handoff suggestion unavailable, degrading to keywords", "error", err)
		return DecisionEnd, rec, false
	}

	switch sug.Action {
	case classifier.ActionHandoff:
		// A self-handoff or unknown name is no suggestion at all.
		if sug.Handler == st.LastHandler || !e.registry.Has(sug.Handler) {
			e.logger.Debug("ignoring unusable handoff suggestion",
				"handler", sug.Handler, "last_handler", st.LastHandler)
			return DecisionEnd, rec, false
		}
		st.NextHandler = sug.Handler
		st.HandoffReason = sug.Reason
		rec.Outcome, rec.Cause = DecisionContinue.String(), CauseModel
		rec.Handler, rec.Reason = sug.Handler, sug.Reason
		return DecisionContinue, rec, true

	case classifier.ActionRelay:
		rec.Outcome, rec.Cause = DecisionEnd.String(), CauseModelRelay
		return DecisionEnd, rec, true
	}

	return DecisionEnd, rec, false
}

// bestKeywordMatch scores each handler (skipping exclude) by counting
// keyword hits in text and returns the top scorer, or "" when no
// handler scores above zero. Ties resolve to the first name in sorted
// spec order, keeping the heuristic deterministic.
func bestKeywordMatch(text string, specs []handler.Spec, exclude string) string {
	lower := strings.ToLower(text)

	best := ""
	bestScore := 0
	for _, spec := range specs {
		if spec.Name == exclude {
			continue
		}
		score := 0
		for _, kw := range spec.Keywords {
			if kw == "" {
				continue
			}
			score += strings.Count(lower, strings.ToLower(kw))
		}
		if score > bestScore {
			best = spec.Name
			bestScore = score
		}
	}
	return best
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if m != "" && strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// record appends a decision to the audit ring and updates stats.
func (e *Engine) record(rec DecisionRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.auditLog) >= e.cfg.MaxAudit {
		e.auditLog = e.auditLog[1:]
	}
	e.auditLog = append(e.auditLog, rec)

	e.stats.TotalDecisions++
	e.stats.CauseCounts[rec.Cause]++
	if rec.Handler != "" {
		e.stats.HandlerCounts[rec.Handler]++
	}
}

func (e *Engine) bumpTurnStats() {
	e.mu.Lock()
	e.stats.TotalTurns++
	e.mu.Unlock()
}

// Audit returns the most recent decision records, newest last.
func (e *Engine) Audit(limit int) []DecisionRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if limit <= 0 || limit > len(e.auditLog) {
		limit = len(e.auditLog)
	}
	start := len(e.auditLog) - limit
	out := make([]DecisionRecord, limit)
	copy(out, e.auditLog[start:])
	return out
}

// GetStats returns a copy of the engine statistics.
func (e *Engine) GetStats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := Stats{
		TotalTurns:     e.stats.TotalTurns,
		TotalDecisions: e.stats.TotalDecisions,
		CauseCounts:    make(map[string]int64, len(e.stats.CauseCounts)),
		HandlerCounts:  make(map[string]int64, len(e.stats.HandlerCounts)),
	}
	for k, v := range e.stats.CauseCounts {
		out.CauseCounts[k] = v
	}
	for k, v := range e.stats.HandlerCounts {
		out.HandlerCounts[k] = v
	}
	return out
}
