package llm

import (
	"context"
	"testing"
)

// fakeClient records which instance served a call.
type fakeClient struct {
	name string
}

func (f *fakeClient) Chat(ctx context.Context, model string, messages []Message) (*ChatResponse, error) {
	return &ChatResponse{Model: model, Content: "from " + f.name, Done: true}, nil
}

func (f *fakeClient) ChatStream(ctx context.Context, model string, messages []Message, callback StreamCallback) (*ChatResponse, error) {
	return f.Chat(ctx, model, messages)
}

func (f *fakeClient) Ping(ctx context.Context) error { return nil }

func TestMultiClientRouting(t *testing.T) {
	local := &fakeClient{name: "ollama"}
	remote := &fakeClient{name: "anthropic"}

	m := NewMultiClient(local)
	m.AddProvider("anthropic", remote)
	m.AddModel("claude-sonnet-4-20250514", "anthropic")

	tests := []struct {
		model string
		want  string
	}{
		{"claude-sonnet-4-20250514", "from anthropic"},
		{"qwen3:8b", "from ollama"}, // unmapped → fallback
	}

	for _, tt := range tests {
		resp, err := m.Chat(context.Background(), tt.model, nil)
		if err != nil {
			t.Fatalf("Chat(%s): %v", tt.model, err)
		}
		if resp.Content != tt.want {
			t.Errorf("Chat(%s) = %q, want %q", tt.model, resp.Content, tt.want)
		}
	}
}

func TestMultiClientUnknownProvider(t *testing.T) {
	m := NewMultiClient(nil)
	m.AddModel("orphan", "gone")

	if _, err := m.Chat(context.Background(), "orphan", nil); err == nil {
		t.Error("Chat with no provider succeeded")
	}
	if err := m.Ping(context.Background()); err == nil {
		t.Error("Ping with no fallback succeeded")
	}
}
