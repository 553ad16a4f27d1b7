package specialist

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/tkwest/switchboard/internal/conversation"
	"github.com/tkwest/switchboard/internal/handler"
	"github.com/tkwest/switchboard/internal/llm"
)

// cannedLLM returns a fixed reply and records the last request.
type cannedLLM struct {
	reply     string
	err       error
	lastModel string
	lastMsgs  []llm.Message
}

func (c *cannedLLM) Chat(ctx context.Context, model string, messages []llm.Message) (*llm.ChatResponse, error) {
	c.lastModel = model
	c.lastMsgs = messages
	if c.err != nil {
		return nil, c.err
	}
	return &llm.ChatResponse{Model: model, Content: c.reply, Done: true}, nil
}

func (c *cannedLLM) ChatStream(ctx context.Context, model string, messages []llm.Message, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	return c.Chat(ctx, model, messages)
}

func (c *cannedLLM) Ping(ctx context.Context) error { return nil }

func testProfile() *Profile {
	return &Profile{
		Name:         "pricing",
		Description:  "Product prices",
		Keywords:     []string{"price"},
		SystemPrompt: "You answer pricing questions.",
	}
}

func testRoster() []handler.Spec {
	return []handler.Spec{
		{Name: "pricing", Description: "Product prices"},
		{Name: "inventory", Description: "Stock levels"},
	}
}

func TestParseHandoff(t *testing.T) {
	tests := []struct {
		name        string
		reply       string
		wantContent string
		wantTarget  string
		wantReason  string
	}{
		{
			name:        "no directive",
			reply:       "The grinder is $199.",
			wantContent: "The grinder is $199.",
		},
		{
			name:        "trailing directive",
			reply:       "The grinder is $199.\nHANDOFF(inventory): customer asked about stock",
			wantContent: "The grinder is $199.",
			wantTarget:  "inventory",
			wantReason:  "customer asked about stock",
		},
		{
			name:        "directive without reason",
			reply:       "Done.\nHANDOFF(support)",
			wantContent: "Done.",
			wantTarget:  "support",
		},
		{
			name:       "directive only",
			reply:      "HANDOFF(inventory): out of my lane",
			wantTarget: "inventory",
			wantReason: "out of my lane",
		},
		{
			name:        "directive mid-reply stays put",
			reply:       "I considered HANDOFF(inventory): but answered anyway.\nThe price is $50.",
			wantContent: "I considered HANDOFF(inventory): but answered anyway.\nThe price is $50.",
		},
		{
			name:        "unclosed directive ignored",
			reply:       "Sure.\nHANDOFF(inventory",
			wantContent: "Sure.\nHANDOFF(inventory",
		},
		{
			name:        "trailing whitespace",
			reply:       "Answer.\nHANDOFF(support): broken unit  \n\n",
			wantContent: "Answer.",
			wantTarget:  "support",
			wantReason:  "broken unit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content, target, reason := parseHandoff(tt.reply)
			if content != tt.wantContent {
				t.Errorf("content = %q, want %q", content, tt.wantContent)
			}
			if target != tt.wantTarget {
				t.Errorf("target = %q, want %q", target, tt.wantTarget)
			}
			if reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", reason, tt.wantReason)
			}
		})
	}
}

func TestAgentHandleReply(t *testing.T) {
	client := &cannedLLM{reply: "The Barista Express is $699.95."}
	a := NewAgent(testProfile(), client, "llama3.2:3b", testRoster(), slog.New(slog.DiscardHandler))

	st := conversation.NewState("t1")
	st.AppendUser("What's the price of the Breville Barista Express?")

	out, err := a.Handle(context.Background(), st)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	last := out.Messages[len(out.Messages)-1]
	if last.Role != conversation.RoleHandler || last.Handler != "pricing" {
		t.Errorf("reply message = %+v", last)
	}
	if !last.Intermediate {
		t.Error("reply not flagged intermediate")
	}
	if out.NextHandler != "" {
		t.Errorf("NextHandler = %q, want none", out.NextHandler)
	}
	if client.lastModel != "llama3.2:3b" {
		t.Errorf("model = %q, want engine default", client.lastModel)
	}
}

func TestAgentHandleHandoffDirective(t *testing.T) {
	client := &cannedLLM{reply: "It's $699.95.\nHANDOFF(inventory): stock question pending"}
	a := NewAgent(testProfile(), client, "llama3.2:3b", testRoster(), slog.New(slog.DiscardHandler))

	st := conversation.NewState("t1")
	st.AppendUser("price and stock?")

	out, err := a.Handle(context.Background(), st)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if out.NextHandler != "inventory" {
		t.Errorf("NextHandler = %q, want inventory", out.NextHandler)
	}
	if out.HandoffReason != "stock question pending" {
		t.Errorf("HandoffReason = %q", out.HandoffReason)
	}
	last := out.Messages[len(out.Messages)-1]
	if strings.Contains(last.Content, "HANDOFF") {
		t.Errorf("directive leaked into message: %q", last.Content)
	}
}

func TestAgentHandleSelfHandoffIgnored(t *testing.T) {
	client := &cannedLLM{reply: "Answer.\nHANDOFF(pricing): loop"}
	a := NewAgent(testProfile(), client, "m", testRoster(), slog.New(slog.DiscardHandler))

	st := conversation.NewState("t1")
	st.AppendUser("hi")

	out, err := a.Handle(context.Background(), st)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if out.NextHandler != "" {
		t.Errorf("self-handoff accepted: %q", out.NextHandler)
	}
}

func TestAgentHandleDirectiveOnly(t *testing.T) {
	client := &cannedLLM{reply: "HANDOFF(support): account problem"}
	a := NewAgent(testProfile(), client, "m", testRoster(), slog.New(slog.DiscardHandler))

	st := conversation.NewState("t1")
	st.AppendUser("my account is locked")

	out, err := a.Handle(context.Background(), st)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if out.NextHandler != "support" {
		t.Errorf("NextHandler = %q", out.NextHandler)
	}
	last := out.Messages[len(out.Messages)-1]
	if last.Content == "" {
		t.Error("handoff-only reply produced empty message")
	}
}

func TestAgentHandleClientError(t *testing.T) {
	client := &cannedLLM{err: errors.New("connection refused")}
	a := NewAgent(testProfile(), client, "m", testRoster(), slog.New(slog.DiscardHandler))

	st := conversation.NewState("t1")
	st.AppendUser("hi")

	if _, err := a.Handle(context.Background(), st); err == nil {
		t.Fatal("Handle succeeded despite client error")
	}
}

func TestAgentHandleModelOverride(t *testing.T) {
	p := testProfile()
	p.Model = "qwen2.5:14b"
	client := &cannedLLM{reply: "ok"}
	a := NewAgent(p, client, "llama3.2:3b", testRoster(), slog.New(slog.DiscardHandler))

	st := conversation.NewState("t1")
	st.AppendUser("hi")
	if _, err := a.Handle(context.Background(), st); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if client.lastModel != "qwen2.5:14b" {
		t.Errorf("model = %q, want profile override", client.lastModel)
	}
}

func TestBuildMessages(t *testing.T) {
	client := &cannedLLM{reply: "ok"}
	a := NewAgent(testProfile(), client, "m", testRoster(), slog.New(slog.DiscardHandler))

	st := conversation.NewState("t1")
	st.AppendUser("how much?")
	other := conversation.NewMessage(conversation.RoleHandler, "checked the shelf", "inventory")
	other.Intermediate = true
	st.Append(other)

	if _, err := a.Handle(context.Background(), st); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	msgs := client.lastMsgs
	if msgs[0].Role != llm.RoleSystem {
		t.Fatalf("first message role = %q", msgs[0].Role)
	}
	sys := msgs[0].Content
	if !strings.Contains(sys, "inventory: Stock levels") {
		t.Errorf("system prompt missing roster entry:\n%s", sys)
	}
	if strings.Contains(sys, "pricing: Product prices") {
		t.Errorf("roster should not list the agent itself:\n%s", sys)
	}
	if !strings.Contains(sys, "HANDOFF(") {
		t.Error("system prompt missing handoff instructions")
	}

	var sawPrefixed bool
	for _, m := range msgs[1:] {
		if m.Role == llm.RoleAssistant && strings.HasPrefix(m.Content, "(inventory)") {
			sawPrefixed = true
		}
	}
	if !sawPrefixed {
		t.Error("other specialist's message not voice-prefixed")
	}
}

func TestBuildMessagesWindowLimit(t *testing.T) {
	p := testProfile()
	p.MaxHistory = 4
	client := &cannedLLM{reply: "ok"}
	a := NewAgent(p, client, "m", testRoster(), slog.New(slog.DiscardHandler))

	st := conversation.NewState("t1")
	for i := 0; i < 10; i++ {
		st.AppendUser("message")
	}

	if _, err := a.Handle(context.Background(), st); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	// system + the 4 newest conversation messages
	if len(client.lastMsgs) != 5 {
		t.Errorf("sent %d messages, want 5", len(client.lastMsgs))
	}
}
