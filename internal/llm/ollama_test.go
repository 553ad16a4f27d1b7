package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOllamaChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q", r.URL.Path)
		}
		fmt.Fprint(w, `{"model":"test-model","created_at":"2026-01-02T15:04:05Z","message":{"role":"assistant","content":"hello there"},"done":true,"prompt_eval_count":12,"eval_count":4}`)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL)
	resp, err := c.Chat(context.Background(), "test-model", []Message{
		{Role: RoleUser, Content: "hi"},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if resp.Content != "hello there" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 4 {
		t.Errorf("tokens = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
	if !resp.Done {
		t.Error("Done = false")
	}
}

func TestOllamaChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chunks := []string{
			`{"model":"m","message":{"role":"assistant","content":"hel"},"done":false}`,
			`{"model":"m","message":{"role":"assistant","content":"lo"},"done":false}`,
			`{"model":"m","message":{"role":"assistant","content":""},"done":true,"eval_count":2}`,
		}
		for _, c := range chunks {
			fmt.Fprintln(w, c)
		}
	}))
	defer srv.Close()

	var tokens []string
	c := NewOllamaClient(srv.URL)
	resp, err := c.ChatStream(context.Background(), "m", []Message{
		{Role: RoleUser, Content: "hi"},
	}, func(token string) {
		tokens = append(tokens, token)
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	if got := strings.Join(tokens, ""); got != "hello" {
		t.Errorf("streamed = %q, want hello", got)
	}
	if resp.Content != "hello" {
		t.Errorf("Content = %q", resp.Content)
	}
}

func TestOllamaChatAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL)
	_, err := c.Chat(context.Background(), "missing", []Message{{Role: RoleUser, Content: "hi"}})
	if err == nil {
		t.Fatal("Chat succeeded, want error")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %v, want status code", err)
	}
}

func TestOllamaPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %q", r.URL.Path)
		}
		fmt.Fprint(w, `{"models":[]}`)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL)
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
