package llm

import (
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles understood by all providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a chat message for the LLM.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the unified response from any LLM provider.
// Wire format conversion happens at provider boundaries
// (ollama.go, anthropic.go, openai.go).
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Content   string
	Done      bool

	// Token usage (provider-neutral).
	InputTokens  int
	OutputTokens int

	// Timing (populated when available).
	TotalDuration time.Duration
}
