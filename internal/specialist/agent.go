package specialist

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tkwest/switchboard/internal/conversation"
	"github.com/tkwest/switchboard/internal/handler"
	"github.com/tkwest/switchboard/internal/llm"
)

// Agent adapts a stored profile to the handler contract. It holds no
// per-thread state; everything it needs arrives in the state snapshot.
type Agent struct {
	profile      *Profile
	llm          llm.Client
	defaultModel string
	roster       []handler.Spec
	logger       *slog.Logger
}

// NewAgent builds a handler from a profile. roster describes the other
// registered specialists so the model knows what it can hand off to.
func NewAgent(p *Profile, client llm.Client, defaultModel string, roster []handler.Spec, logger *slog.Logger) *Agent {
	return &Agent{
		profile:      p,
		llm:          client,
		defaultModel: defaultModel,
		roster:       roster,
		logger:       logger.With("specialist", p.Name),
	}
}

func (a *Agent) Name() string        { return a.profile.Name }
func (a *Agent) Description() string { return a.profile.Description }
func (a *Agent) Keywords() []string  { return a.profile.Keywords }

// Handle generates the specialist's reply from the recent conversation
// window, appends it as an intermediate message, and translates a
// trailing HANDOFF directive into a handoff request on the state.
func (a *Agent) Handle(ctx context.Context, st *conversation.State) (*conversation.State, error) {
	model := a.profile.Model
	if model == "" {
		model = a.defaultModel
	}

	resp, err := a.llm.Chat(ctx, model, a.buildMessages(st))
	if err != nil {
		return nil, fmt.Errorf("specialist %s: %w", a.profile.Name, err)
	}

	content, target, reason := parseHandoff(resp.Content)
	if content == "" && target != "" {
		content = fmt.Sprintf("Handing this over to %s.", target)
	}
	if content == "" {
		return nil, fmt.Errorf("specialist %s: empty response from %s", a.profile.Name, model)
	}

	m := conversation.NewMessage(conversation.RoleHandler, content, a.profile.Name)
	m.Intermediate = true
	st.Append(m)

	if target != "" && target != a.profile.Name {
		st.NextHandler = target
		st.HandoffReason = reason
		a.logger.Debug("specialist requested handoff",
			"thread_id", st.ThreadID, "to", target, "reason", reason)
	}

	a.logger.Debug("specialist replied",
		"thread_id", st.ThreadID,
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
	)
	return st, nil
}

// buildMessages assembles the system prompt, roster, and the recent
// conversation window in provider-neutral form.
func (a *Agent) buildMessages(st *conversation.State) []llm.Message {
	var sb strings.Builder
	sb.WriteString(a.profile.SystemPrompt)
	if len(a.roster) > 0 {
		sb.WriteString("\n\n## Specialist roster\n")
		for _, spec := range a.roster {
			if spec.Name == a.profile.Name {
				continue
			}
			fmt.Fprintf(&sb, "- %s: %s\n", spec.Name, spec.Description)
		}
	}
	sb.WriteString(handoffInstructions)

	msgs := []llm.Message{{Role: llm.RoleSystem, Content: sb.String()}}

	window := st.Messages
	maxHistory := a.profile.MaxHistory
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	if len(window) > maxHistory {
		window = window[len(window)-maxHistory:]
	}

	for _, m := range window {
		switch m.Role {
		case conversation.RoleUser:
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: m.Content})
		case conversation.RoleHandler:
			// Internal messages from other specialists are prefixed so
			// the model can tell voices apart.
			content := m.Content
			if m.Handler != "" && m.Handler != a.profile.Name {
				content = fmt.Sprintf("(%s) %s", m.Handler, m.Content)
			}
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: content})
		case conversation.RoleRelay:
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: m.Content})
		}
	}
	return msgs
}

// parseHandoff splits a trailing "HANDOFF(<name>): <reason>" line off
// a model reply. It returns the reply without the directive, plus the
// target and reason when present. Directives anywhere but the final
// non-empty line are left in place.
func parseHandoff(reply string) (content, target, reason string) {
	trimmed := strings.TrimRight(reply, " \t\n")
	idx := strings.LastIndex(trimmed, "\n")
	last := strings.TrimSpace(trimmed[idx+1:])

	rest, ok := strings.CutPrefix(last, "HANDOFF(")
	if !ok {
		return trimmed, "", ""
	}
	name, rest, ok := strings.Cut(rest, ")")
	if !ok || strings.TrimSpace(name) == "" {
		return trimmed, "", ""
	}

	target = strings.TrimSpace(name)
	reason = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rest), ":"))

	if idx < 0 {
		content = ""
	} else {
		content = strings.TrimRight(trimmed[:idx], " \t\n")
	}
	return content, target, reason
}
