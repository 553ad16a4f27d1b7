// Package classifier asks a language model to make routing and handoff
// decisions. Both calls are side-effect-free and best-effort: callers
// must treat any error as "no suggestion" and fall back to heuristics.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tkwest/switchboard/internal/handler"
	"github.com/tkwest/switchboard/internal/llm"
)

// Handoff suggestion actions.
const (
	ActionHandoff = "handoff"
	ActionRelay   = "relay"
)

// Choice is the initial-routing result.
type Choice struct {
	Handler string `json:"handler"`
	Reason  string `json:"reason"`
}

// Suggestion is the post-dispatch handoff decision.
type Suggestion struct {
	Action  string `json:"action"` // handoff | relay
	Handler string `json:"handler,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// HandoffRequest carries the context for a handoff suggestion.
type HandoffRequest struct {
	Specs              []handler.Spec
	LastUserMessage    string
	LastHandler        string
	LastHandlerMessage string
}

// Classifier makes routing decisions via an LLM.
type Classifier struct {
	llm     llm.Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a classifier using the given client and model. timeout
// bounds each call independently; zero means 15 seconds.
func New(client llm.Client, model string, timeout time.Duration, logger *slog.Logger) *Classifier {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		llm:     client,
		model:   model,
		timeout: timeout,
		logger:  logger.With("component", "classifier"),
	}
}

// Classify picks the handler best suited to an incoming user message.
func (c *Classifier) Classify(ctx context.Context, text string, specs []handler.Spec) (Choice, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	prompt := buildClassifyPrompt(text, specs)
	resp, err := c.llm.Chat(ctx, c.model, []llm.Message{
		{Role: llm.RoleSystem, Content: classifySystemPrompt},
		{Role: llm.RoleUser, Content: prompt},
	})
	if err != nil {
		return Choice{}, fmt.Errorf("classify: %w", err)
	}

	var choice Choice
	if err := decodeLoose(resp.Content, &choice); err != nil {
		return Choice{}, fmt.Errorf("classify: %w", err)
	}
	if choice.Handler == "" {
		return Choice{}, fmt.Errorf("classify: model named no handler")
	}

	c.logger.Debug("classified message",
		"handler", choice.Handler,
		"reason", choice.Reason,
	)
	return choice, nil
}

// SuggestHandoff asks whether the turn should continue with another
// handler or be relayed to the caller.
func (c *Classifier) SuggestHandoff(ctx context.Context, req HandoffRequest) (Suggestion, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	prompt := buildHandoffPrompt(req)
	resp, err := c.llm.Chat(ctx, c.model, []llm.Message{
		{Role: llm.RoleSystem, Content: handoffSystemPrompt},
		{Role: llm.RoleUser, Content: prompt},
	})
	if err != nil {
		return Suggestion{}, fmt.Errorf("suggest handoff: %w", err)
	}

	var sug Suggestion
	if err := decodeLoose(resp.Content, &sug); err != nil {
		return Suggestion{}, fmt.Errorf("suggest handoff: %w", err)
	}

	switch sug.Action {
	case ActionHandoff:
		if sug.Handler == "" {
			return Suggestion{}, fmt.Errorf("suggest handoff: handoff without a handler name")
		}
	case ActionRelay:
		// Nothing more to validate.
	default:
		return Suggestion{}, fmt.Errorf("suggest handoff: unknown action %q", sug.Action)
	}

	c.logger.Debug("handoff suggestion",
		"action", sug.Action,
		"handler", sug.Handler,
	)
	return sug, nil
}

const classifySystemPrompt = `You route customer messages to specialist handlers.
Reply with a single JSON object: {"handler": "<name>", "reason": "<short reason>"}.
Pick exactly one handler from the list. No prose, no markdown fences.`

const handoffSystemPrompt = `You decide whether a conversation needs another specialist before replying to the customer.
Reply with a single JSON object:
{"action": "handoff", "handler": "<name>", "reason": "<short reason>"}
or
{"action": "relay"}
Choose "handoff" only when a different specialist clearly must add something. When in doubt, choose "relay". No prose, no markdown fences.`

func buildClassifyPrompt(text string, specs []handler.Spec) string {
	var sb strings.Builder
	sb.WriteString("Available handlers:\n")
	for _, s := range specs {
		fmt.Fprintf(&sb, "- %s: %s", s.Name, s.Description)
		if len(s.Keywords) > 0 {
			fmt.Fprintf(&sb, " (keywords: %s)", strings.Join(s.Keywords, ", "))
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "\nCustomer message:\n%s\n", text)
	return sb.String()
}

func buildHandoffPrompt(req HandoffRequest) string {
	var sb strings.Builder
	sb.WriteString("Available handlers:\n")
	for _, s := range req.Specs {
		fmt.Fprintf(&sb, "- %s: %s\n", s.Name, s.Description)
	}
	fmt.Fprintf(&sb, "\nCustomer message:\n%s\n", req.LastUserMessage)
	fmt.Fprintf(&sb, "\nHandler %q replied:\n%s\n", req.LastHandler, req.LastHandlerMessage)
	return sb.String()
}

// decodeLoose extracts the first JSON object from s and unmarshals it
// into v. Models wrap JSON in prose and markdown fences often enough
// that strict decoding would discard usable answers.
func decodeLoose(s string, v any) error {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in model output")
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), v); err != nil {
		return fmt.Errorf("parse model output: %w", err)
	}
	return nil
}
