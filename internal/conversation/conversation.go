// Package conversation defines the state threaded through one turn and
// persisted across turns.
package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Message roles.
const (
	// RoleUser marks a message from the external caller.
	RoleUser = "user"
	// RoleHandler marks output produced by an internal specialist handler.
	RoleHandler = "handler"
	// RoleRelay marks the single externally-visible message per turn.
	RoleRelay = "relay"
)

// OrchestratorName is the external-facing identity. All relayed output
// is attributed to it, regardless of which handler produced the text.
const OrchestratorName = "orchestrator"

// Message is a single conversation entry. Messages are immutable once
// appended to a State.
type Message struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
	// Handler names the handler that produced this message (empty for
	// user messages, OrchestratorName for relayed output).
	Handler string `json:"handler,omitempty"`
	// Error marks output produced while absorbing a handler failure.
	Error bool `json:"error,omitempty"`
	// Intermediate marks handler output that has not been relayed to
	// the external caller. Intermediate messages are never delivered
	// directly — only their relayed re-attribution is.
	Intermediate bool      `json:"intermediate,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewMessage constructs a message with a fresh ID and timestamp.
func NewMessage(role, content, handler string) Message {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the entropy source does; fall back to v4.
		id = uuid.New()
	}
	return Message{
		ID:        id.String(),
		Role:      role,
		Content:   content,
		Handler:   handler,
		Timestamp: time.Now().UTC(),
	}
}

// State is the conversation record for one thread. It is owned
// exclusively by the engine for the duration of a turn and persisted
// at turn boundaries.
type State struct {
	ThreadID string    `json:"thread_id"`
	UserID   string    `json:"user_id,omitempty"`
	Messages []Message `json:"messages"`

	// CurrentHandler is the handler selected to run next this turn.
	CurrentHandler string `json:"current_handler,omitempty"`
	// NextHandler is an explicit follow-up requested by the handler
	// that just ran. Always cleared by the next router pass.
	NextHandler string `json:"next_handler,omitempty"`
	// HandoffReason and HandoffContext travel with NextHandler and are
	// consumed and cleared together with it.
	HandoffReason  string         `json:"handoff_reason,omitempty"`
	HandoffContext map[string]any `json:"handoff_context,omitempty"`
	// LastHandler is the most recent handler to have produced output.
	LastHandler string `json:"last_handler,omitempty"`

	// HopCount counts internal dispatches within the current turn. It
	// is the sole loop-prevention signal.
	HopCount       int    `json:"hop_count"`
	ShouldContinue bool   `json:"should_continue"`
	Err            string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewState creates a fresh state for a thread.
func NewState(threadID string) *State {
	now := time.Now().UTC()
	return &State{
		ThreadID:  threadID,
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// BeginTurn resets the per-turn fields at the start of an
// externally-initiated turn. Cross-turn fields (Messages, LastHandler)
// are untouched.
func (s *State) BeginTurn() {
	s.HopCount = 0
	s.ShouldContinue = true
	s.CurrentHandler = ""
	s.Err = ""
}

// Append adds a message to the history. History is append-only; the
// only removal path is Trim.
func (s *State) Append(m Message) {
	s.Messages = append(s.Messages, m)
	s.UpdatedAt = time.Now().UTC()
}

// AppendUser appends an externally-submitted user message and returns it.
func (s *State) AppendUser(content string) Message {
	m := NewMessage(RoleUser, content, "")
	s.Append(m)
	return m
}

// LatestUserMessage returns the most recent user message, scanning
// backwards. The second return is false when no user message exists.
func (s *State) LatestUserMessage() (Message, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return s.Messages[i], true
		}
	}
	return Message{}, false
}

// LatestHandlerMessage returns the most recent internal handler
// message, scanning backwards.
func (s *State) LatestHandlerMessage() (Message, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleHandler {
			return s.Messages[i], true
		}
	}
	return Message{}, false
}

// Trim discards messages from the oldest end when the history exceeds
// max, reducing it to target. Recent messages are retained in their
// original order. Returns the number of messages dropped.
func (s *State) Trim(max, target int) int {
	if max <= 0 || len(s.Messages) <= max {
		return 0
	}
	if target <= 0 || target > max {
		target = max
	}
	drop := len(s.Messages) - target
	s.Messages = append([]Message(nil), s.Messages[drop:]...)
	s.UpdatedAt = time.Now().UTC()
	return drop
}

// Clone returns a deep copy of the state. The engine mutates a clone
// during a turn so that a cancelled turn never leaks partial messages
// into the persisted state.
func (s *State) Clone() *State {
	dup := *s
	dup.Messages = append([]Message(nil), s.Messages...)
	if s.HandoffContext != nil {
		dup.HandoffContext = make(map[string]any, len(s.HandoffContext))
		for k, v := range s.HandoffContext {
			dup.HandoffContext[k] = v
		}
	}
	return &dup
}
