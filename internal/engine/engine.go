// Package engine implements the turn orchestration loop: checkpoint
// load, routing, handler dispatch, handoff decisions, and the single
// relayed response per turn.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tkwest/switchboard/internal/checkpoint"
	"github.com/tkwest/switchboard/internal/classifier"
	"github.com/tkwest/switchboard/internal/conversation"
	"github.com/tkwest/switchboard/internal/handler"
)

// ErrCheckpointSave marks a turn whose state may not have persisted.
// Unlike handler and classifier failures, this is surfaced to the
// caller instead of being absorbed.
var ErrCheckpointSave = errors.New("engine: checkpoint save failed")

// CheckpointStore is the persistence contract the engine needs.
type CheckpointStore interface {
	Load(ctx context.Context, threadID string) (*conversation.State, error)
	Save(ctx context.Context, threadID string, st *conversation.State) error
}

// RoutingClassifier is the model-assisted decision contract. Both
// calls are best-effort; errors degrade to heuristics.
type RoutingClassifier interface {
	Classify(ctx context.Context, text string, specs []handler.Spec) (classifier.Choice, error)
	SuggestHandoff(ctx context.Context, req classifier.HandoffRequest) (classifier.Suggestion, error)
}

// Config bounds the engine.
type Config struct {
	// MaxHops caps internal dispatches per turn. The loop guard is the
	// sole hard ceiling against infinite internal handoffs.
	MaxHops int
	// MaxMessages/TrimTarget bound per-thread history. When the loaded
	// history exceeds MaxMessages, it is trimmed from the oldest end
	// down to TrimTarget before the new message is appended.
	MaxMessages int
	TrimTarget  int
	// HandlerTimeout bounds one handler dispatch; a timeout is treated
	// as a handler failure, not an engine failure.
	HandlerTimeout time.Duration
	// DecideTimeout bounds one model-assisted handoff call; a timeout
	// degrades the decision to the keyword heuristic.
	DecideTimeout time.Duration
	// AskUserMarkers end the turn when a handler's reply contains one:
	// the handler is waiting on the caller, not on another specialist.
	AskUserMarkers []string
	// MaxAudit is how many decision records to keep in memory.
	MaxAudit int
}

func defaultAskUserMarkers() []string {
	return []string{
		"could you confirm",
		"could you share",
		"can you clarify",
		"please provide",
		"please confirm",
		"which of these",
		"do you mean",
		"let me know which",
	}
}

// Engine routes turns through specialist handlers and relays a single
// response per turn.
type Engine struct {
	logger      *slog.Logger
	registry    *handler.Registry
	classifier  RoutingClassifier
	checkpoints CheckpointStore
	cfg         Config

	// Per-thread locks serialize the load-append-save cycle. Turns on
	// distinct threads run in parallel.
	threadLocks sync.Map // threadID → *sync.Mutex

	mu       sync.RWMutex
	auditLog []DecisionRecord
	stats    Stats
}

// New creates an engine. classifier may be nil, in which case routing
// and handoff decisions rely on keyword heuristics alone.
func New(logger *slog.Logger, registry *handler.Registry, cls RoutingClassifier, store CheckpointStore, cfg Config) *Engine {
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = 5
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 200
	}
	if cfg.TrimTarget <= 0 || cfg.TrimTarget > cfg.MaxMessages {
		cfg.TrimTarget = cfg.MaxMessages * 3 / 4
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 120 * time.Second
	}
	if cfg.DecideTimeout <= 0 {
		cfg.DecideTimeout = 15 * time.Second
	}
	if len(cfg.AskUserMarkers) == 0 {
		cfg.AskUserMarkers = defaultAskUserMarkers()
	}
	if cfg.MaxAudit <= 0 {
		cfg.MaxAudit = 1000
	}

	return &Engine{
		logger:      logger.With("component", "engine"),
		registry:    registry,
		classifier:  cls,
		checkpoints: store,
		cfg:         cfg,
		auditLog:    make([]DecisionRecord, 0, cfg.MaxAudit),
		stats: Stats{
			CauseCounts:   make(map[string]int64),
			HandlerCounts: make(map[string]int64),
		},
	}
}

// TurnEvent types delivered to a streaming caller.
const (
	EventAck     = "ack"
	EventContent = "content"
	EventDone    = "done"
)

// TurnEvent is one unit of the streaming turn contract: an ack with
// the thread ID, then the relay content, then a completion marker.
type TurnEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id,omitempty"`
	Text     string `json:"text,omitempty"`
	Handler  string `json:"handler,omitempty"`
}

// TurnCallback receives turn events as they occur. May be nil.
type TurnCallback func(TurnEvent)

// TurnResult is the aggregated outcome of one turn.
type TurnResult struct {
	ThreadID    string                 `json:"thread_id"`
	Messages    []conversation.Message `json:"messages"`
	Relay       conversation.Message   `json:"relay"`
	LastHandler string                 `json:"last_handler"`
	HopCount    int                    `json:"hop_count"`
}

// ProcessTurn runs one complete turn: load (or create) the thread
// state, append the user message, loop through route → dispatch →
// decide until an END decision, relay, and save.
//
// Turns on the same thread are serialized; a cancelled turn discards
// all partial state rather than persisting a half-finished turn.
func (e *Engine) ProcessTurn(ctx context.Context, threadID, userID, text string, stream TurnCallback) (*TurnResult, error) {
	if threadID == "" {
		threadID = newThreadID()
	}

	unlock := e.lockThread(threadID)
	defer unlock()

	st := e.loadState(ctx, threadID)
	if trimmed := st.Trim(e.cfg.MaxMessages, e.cfg.TrimTarget); trimmed > 0 {
		e.logger.Debug("trimmed thread history", "thread_id", threadID, "dropped", trimmed)
	}

	base := len(st.Messages)
	st.AppendUser(text)
	if userID != "" {
		st.UserID = userID
	}
	st.BeginTurn()

	if stream != nil {
		stream(TurnEvent{Type: EventAck, ThreadID: threadID})
	}

	e.logger.Info("turn started",
		"thread_id", threadID,
		"user_id", userID,
		"history", base,
	)

	turnID := newTurnID()
	for {
		e.route(ctx, turnID, st)
		if !st.ShouldContinue || st.CurrentHandler == "" {
			break
		}

		e.dispatch(ctx, st)

		decision, rec := e.decide(ctx, turnID, st)
		e.record(rec)
		if decision == DecisionEnd {
			break
		}
	}

	relayMsg := e.relay(st)

	// A disconnected caller must not commit a half-finished turn.
	if err := ctx.Err(); err != nil {
		e.logger.Warn("turn cancelled, discarding partial state",
			"thread_id", threadID, "error", err)
		return nil, err
	}

	turnMessages := append([]conversation.Message(nil), st.Messages[base:]...)

	// The turn may have appended enough handler messages to cross the
	// history bound; never persist more than MaxMessages.
	if trimmed := st.Trim(e.cfg.MaxMessages, e.cfg.TrimTarget); trimmed > 0 {
		e.logger.Debug("trimmed thread history before save", "thread_id", threadID, "dropped", trimmed)
	}

	if err := e.checkpoints.Save(ctx, threadID, st); err != nil {
		e.logger.Error("checkpoint save failed", "thread_id", threadID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrCheckpointSave, err)
	}

	if stream != nil {
		stream(TurnEvent{Type: EventContent, ThreadID: threadID, Text: relayMsg.Content, Handler: relayMsg.Handler})
		stream(TurnEvent{Type: EventDone, ThreadID: threadID})
	}

	e.bumpTurnStats()

	e.logger.Info("turn completed",
		"thread_id", threadID,
		"hops", st.HopCount,
		"messages", len(st.Messages),
	)

	return &TurnResult{
		ThreadID:    threadID,
		Messages:    turnMessages,
		Relay:       relayMsg,
		LastHandler: st.LastHandler,
		HopCount:    st.HopCount,
	}, nil
}

// loadState loads the persisted state for a thread, treating any load
// failure as a fresh conversation.
func (e *Engine) loadState(ctx context.Context, threadID string) *conversation.State {
	st, err := e.checkpoints.Load(ctx, threadID)
	if err != nil {
		if !errors.Is(err, checkpoint.ErrNotFound) {
			e.logger.Warn("checkpoint load failed, starting fresh",
				"thread_id", threadID, "error", err)
		}
		return conversation.NewState(threadID)
	}
	return st
}

func (e *Engine) lockThread(threadID string) func() {
	v, _ := e.threadLocks.LoadOrStore(threadID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func newThreadID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

func newTurnID() string {
	return time.Now().UTC().Format("20060102-150405.000")
}
