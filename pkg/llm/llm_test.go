package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/parapetlabs/parapet/pkg/routing"
)

func TestGenerate(t *testing.T) {
	got := make(chan generateRequest, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("path = %s, want /api/generate", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %s, want application/json", ct)
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		got <- req
		_ = json.NewEncoder(w).Encode(map[string]any{"response": "  raw text ", "done": true})
	}))
	defer server.Close()

	e := NewExecutor(WithBaseURL(server.URL), WithModel("test-model"))
	text, err := e.Generate(context.Background(), "hello", "")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	// The generate path returns the payload untouched; only the chat
	// fallback trims.
	if text != "  raw text " {
		t.Errorf("text = %q, want %q", text, "  raw text ")
	}

	req := <-got
	if req.Model != "test-model" {
		t.Errorf("model = %q, want test-model", req.Model)
	}
	if req.Prompt != "hello" {
		t.Errorf("prompt = %q, want hello", req.Prompt)
	}
	if req.Stream {
		t.Error("blocking generate must send stream=false")
	}
}

func TestGenerateSystemField(t *testing.T) {
	got := make(chan map[string]any, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		got <- body
		_ = json.NewEncoder(w).Encode(map[string]any{"response": "ok", "done": true})
	}))
	defer server.Close()

	e := NewExecutor(WithBaseURL(server.URL))

	if _, err := e.Generate(context.Background(), "p", ""); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if body := <-got; func() bool { _, ok := body["system"]; return ok }() {
		t.Error("empty system prompt should be omitted from the payload")
	}

	if _, err := e.Generate(context.Background(), "p", "be brief"); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if body := <-got; body["system"] != "be brief" {
		t.Errorf("system = %v, want %q", body["system"], "be brief")
	}
}

func TestGenerateChatFallback(t *testing.T) {
	got := make(chan chatRequest, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/generate":
			http.NotFound(w, r)
		case "/api/chat":
			var req chatRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode chat request: %v", err)
			}
			got <- req
			_ = json.NewEncoder(w).Encode(map[string]any{
				"message": map[string]any{"role": "assistant", "content": "\n  fallback reply \n"},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	e := NewExecutor(WithBaseURL(server.URL), WithModel("m"))
	text, err := e.Generate(context.Background(), "the prompt", "stay calm")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if text != "fallback reply" {
		t.Errorf("text = %q, want %q (chat fallback trims whitespace)", text, "fallback reply")
	}

	req := <-got
	if req.Stream {
		t.Error("fallback must not stream")
	}
	wantMsgs := []chatMessage{
		{Role: "system", Content: "stay calm"},
		{Role: "user", Content: "the prompt"},
	}
	if !reflect.DeepEqual(req.Messages, wantMsgs) {
		t.Errorf("messages = %+v, want %+v", req.Messages, wantMsgs)
	}
}

func TestGenerateServerErrorNoFallback(t *testing.T) {
	var chatCalls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/chat" {
			chatCalls.Add(1)
		}
		http.Error(w, "model exploded", http.StatusInternalServerError)
	}))
	defer server.Close()

	e := NewExecutor(WithBaseURL(server.URL))
	_, err := e.Generate(context.Background(), "p", "")
	if err == nil {
		t.Fatal("expected error from 500 response")
	}
	if !strings.Contains(err.Error(), "status 500") || !strings.Contains(err.Error(), "model exploded") {
		t.Errorf("error = %v, want status and body", err)
	}
	if chatCalls.Load() != 0 {
		t.Error("only 404 should trigger the chat fallback")
	}
}

func TestChatFallbackErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/generate" {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "bad upstream", http.StatusBadGateway)
	}))
	defer server.Close()

	e := NewExecutor(WithBaseURL(server.URL))
	_, err := e.Generate(context.Background(), "p", "")
	if err == nil || !strings.Contains(err.Error(), "ollama chat: status 502") {
		t.Errorf("error = %v, want chat status 502", err)
	}
}

func TestStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !req.Stream {
			t.Error("streaming request must send stream=true")
		}
		lines := []string{
			`{"response":"Hel","done":false}`,
			``,
			`{"response":"lo","done":false}`,
			`{"done":false}`,
			`{"response":"!","done":true}`,
			`{"response":"after-done","done":false}`,
		}
		for _, line := range lines {
			fmt.Fprintln(w, line)
		}
	}))
	defer server.Close()

	e := NewExecutor(WithBaseURL(server.URL))
	var chunks []string
	err := e.Stream(context.Background(), "p", "", func(chunk string) error {
		chunks = append(chunks, chunk)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if got := strings.Join(chunks, ""); got != "Hello!" {
		t.Errorf("streamed text = %q, want %q", got, "Hello!")
	}
	if len(chunks) != 3 {
		t.Errorf("chunk count = %d, want 3 (blank and empty-response lines skipped, nothing after done)", len(chunks))
	}
}

func TestStreamCallbackError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"response":"one","done":false}`)
		fmt.Fprintln(w, `{"response":"two","done":true}`)
	}))
	defer server.Close()

	sentinel := errors.New("client went away")
	e := NewExecutor(WithBaseURL(server.URL))
	err := e.Stream(context.Background(), "p", "", func(string) error { return sentinel })
	if !errors.Is(err, sentinel) {
		t.Errorf("Stream() error = %v, want callback error", err)
	}
}

func TestStreamStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	e := NewExecutor(WithBaseURL(server.URL))
	err := e.Stream(context.Background(), "p", "", func(string) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "ollama stream: status 503") {
		t.Errorf("error = %v, want stream status 503", err)
	}
}

func TestPickProvider(t *testing.T) {
	e := NewExecutor(WithProviders("primary-x", "safe-x"))
	tests := []struct {
		decision string
		want     Provider
	}{
		{routing.DecisionAllow, "primary-x"},
		{routing.DecisionReview, "safe-x"},
		{routing.DecisionBlock, "safe-x"},
	}
	for _, tt := range tests {
		if got := e.PickProvider(tt.decision); got != tt.want {
			t.Errorf("PickProvider(%s) = %s, want %s", tt.decision, got, tt.want)
		}
	}
}

func TestExecute(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"response": "forwarded", "done": true})
	}))
	defer server.Close()

	e := NewExecutor(WithBaseURL(server.URL), WithModel("m1"))
	comp, err := e.Execute(context.Background(), routing.DecisionAllow, "hi", "")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	want := &Completion{Provider: ProviderOllama, Model: "m1", Text: "forwarded"}
	if !reflect.DeepEqual(comp, want) {
		t.Errorf("completion = %+v, want %+v", comp, want)
	}
}

func TestExecuteUnsupportedProvider(t *testing.T) {
	e := NewExecutor(WithProviders(ProviderOllama, "anthropic"))
	_, err := e.Execute(context.Background(), routing.DecisionBlock, "hi", "")
	if err == nil || !strings.Contains(err.Error(), "unsupported provider") {
		t.Errorf("error = %v, want unsupported provider", err)
	}
}

func TestGenerateBusy(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		_ = json.NewEncoder(w).Encode(map[string]any{"response": "slow", "done": true})
	}))
	defer server.Close()

	e := NewExecutor(WithBaseURL(server.URL), WithConcurrency(1))

	done := make(chan error, 1)
	go func() {
		_, err := e.Generate(context.Background(), "slow prompt", "")
		done <- err
	}()
	<-entered

	if _, err := e.Generate(context.Background(), "rejected", ""); !errors.Is(err, ErrBusy) {
		t.Errorf("second call error = %v, want ErrBusy", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Errorf("first call error = %v", err)
	}
	if stats := e.Stats(); stats.Dropped != 1 {
		t.Errorf("dropped = %d, want 1", stats.Dropped)
	}
}

func TestExecutorDefaults(t *testing.T) {
	e := NewExecutor()
	if e.BaseURL() != DefaultBaseURL {
		t.Errorf("base URL = %s, want %s", e.BaseURL(), DefaultBaseURL)
	}
	if e.Model() != DefaultModel {
		t.Errorf("model = %s, want %s", e.Model(), DefaultModel)
	}
	if got := e.PickProvider(routing.DecisionAllow); got != ProviderOllama {
		t.Errorf("default primary = %s, want %s", got, ProviderOllama)
	}
}

func TestWithBaseURLTrimsSlashes(t *testing.T) {
	paths := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		_ = json.NewEncoder(w).Encode(map[string]any{"response": "ok", "done": true})
	}))
	defer server.Close()

	e := NewExecutor(WithBaseURL(server.URL + "///"))
	if _, err := e.Generate(context.Background(), "p", ""); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if p := <-paths; p != "/api/generate" {
		t.Errorf("path = %s, want /api/generate", p)
	}
}
