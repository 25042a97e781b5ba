// Package llm forwards prompts to the downstream model provider once
// routing has decided where a session's traffic belongs. Only
// Ollama-style backends are wired today; the provider indirection
// keeps the primary-vs-safe split out of the HTTP plumbing.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/parapetlabs/parapet/pkg/httputil"
	"github.com/parapetlabs/parapet/pkg/routing"
)

// Provider identifies a downstream backend.
type Provider string

// ProviderOllama is the only backend the executor speaks natively.
const ProviderOllama Provider = "ollama"

// Defaults matching a local Ollama runner.
const (
	DefaultBaseURL = "http://host.docker.internal:11434"
	DefaultModel   = "llama3.1:8b-instruct-q5_K_M"
)

// ErrBusy is returned when the admission semaphore is full. Callers
// should surface it as backpressure, not as a provider failure.
var ErrBusy = errors.New("llm: executor at capacity")

// Completion is the result of a forwarded prompt.
type Completion struct {
	Provider Provider `json:"provider"`
	Model    string   `json:"model"`
	Text     string   `json:"text"`
}

// ============================================================================
// WIRE TYPES
// ============================================================================

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	Stream bool   `json:"stream"`
}

// generateResponse doubles as the streaming chunk shape; both carry
// a response fragment and a done marker.
type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
}

// ============================================================================
// EXECUTOR
// ============================================================================

// Executor is the forwarding client. Safe for concurrent use.
type Executor struct {
	client  *http.Client
	stream  *http.Client
	sem     *httputil.Semaphore
	baseURL string
	model   string
	primary Provider
	safe    Provider
}

// Option configures an Executor.
type Option func(*Executor)

// WithBaseURL overrides the provider endpoint. Trailing slashes are
// stripped so path joins stay predictable.
func WithBaseURL(u string) Option {
	return func(e *Executor) {
		if u != "" {
			e.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithModel overrides the model name sent to the provider.
func WithModel(m string) Option {
	return func(e *Executor) {
		if m != "" {
			e.model = m
		}
	}
}

// WithProviders sets the targets for allowed and non-allowed traffic.
func WithProviders(primary, safe Provider) Option {
	return func(e *Executor) {
		if primary != "" {
			e.primary = primary
		}
		if safe != "" {
			e.safe = safe
		}
	}
}

// WithTimeout replaces the blocking-call client with one using the
// given deadline. The streaming client keeps no deadline; it is
// bounded by the request context.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.client = httputil.NewClient(d)
		}
	}
}

// WithConcurrency caps in-flight provider calls.
func WithConcurrency(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.sem = httputil.NewSemaphore(n)
		}
	}
}

// NewExecutor returns an executor targeting a local Ollama runner.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		client:  httputil.ModelClient(),
		stream:  httputil.StreamClient(),
		sem:     httputil.NewSemaphore(httputil.DefaultModelConcurrency),
		baseURL: DefaultBaseURL,
		model:   DefaultModel,
		primary: ProviderOllama,
		safe:    ProviderOllama,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Model reports the configured model name.
func (e *Executor) Model() string { return e.model }

// BaseURL reports the provider endpoint.
func (e *Executor) BaseURL() string { return e.baseURL }

// Stats exposes the admission semaphore counters.
func (e *Executor) Stats() httputil.SemaphoreStats { return e.sem.Stats() }

// PickProvider maps a routing decision to a forwarding target.
// Allowed traffic goes to the primary provider; anything under review
// or blocked goes to the safe one.
func (e *Executor) PickProvider(decision string) Provider {
	if decision == routing.DecisionAllow {
		return e.primary
	}
	return e.safe
}

// Execute runs the full forwarding path: provider selection, admission
// through the semaphore, then a blocking generate call.
func (e *Executor) Execute(ctx context.Context, decision, prompt, system string) (*Completion, error) {
	provider := e.PickProvider(decision)
	if provider != ProviderOllama {
		return nil, fmt.Errorf("llm: unsupported provider: %s", provider)
	}
	text, err := e.Generate(ctx, prompt, system)
	if err != nil {
		return nil, err
	}
	return &Completion{Provider: provider, Model: e.model, Text: text}, nil
}

// Generate POSTs a blocking generate request and returns the response
// text. Servers that predate the generate endpoint answer 404; those
// get the chat-style body instead.
func (e *Executor) Generate(ctx context.Context, prompt, system string) (string, error) {
	if !e.sem.TryAcquire() {
		return "", ErrBusy
	}
	defer e.sem.Release()

	body := generateRequest{Model: e.model, Prompt: prompt, System: system}
	resp, err := e.post(ctx, e.client, "/api/generate", body)
	if err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		httputil.DrainAndClose(resp.Body)
		return e.chat(ctx, prompt, system)
	}
	defer httputil.DrainAndClose(resp.Body)
	if resp.StatusCode != http.StatusOK {
		msg, _ := httputil.ReadErrorBody(resp.Body)
		return "", fmt.Errorf("ollama generate: status %d: %s", resp.StatusCode, msg)
	}

	raw, err := httputil.ReadResponseBody(resp.Body, 0)
	if err != nil {
		return "", fmt.Errorf("ollama generate: read: %w", err)
	}
	var out generateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("ollama generate: unmarshal: %w", err)
	}
	return out.Response, nil
}

// chat is the fallback for servers without /api/generate.
func (e *Executor) chat(ctx context.Context, prompt, system string) (string, error) {
	msgs := make([]chatMessage, 0, 2)
	if system != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: system})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: prompt})

	resp, err := e.post(ctx, e.client, "/api/chat", chatRequest{Model: e.model, Messages: msgs})
	if err != nil {
		return "", fmt.Errorf("ollama chat: %w", err)
	}
	defer httputil.DrainAndClose(resp.Body)
	if resp.StatusCode != http.StatusOK {
		msg, _ := httputil.ReadErrorBody(resp.Body)
		return "", fmt.Errorf("ollama chat: status %d: %s", resp.StatusCode, msg)
	}

	raw, err := httputil.ReadResponseBody(resp.Body, 0)
	if err != nil {
		return "", fmt.Errorf("ollama chat: read: %w", err)
	}
	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("ollama chat: unmarshal: %w", err)
	}
	return strings.TrimSpace(out.Message.Content), nil
}

// Stream POSTs a streaming generate request and invokes fn once per
// response fragment. It stops after the chunk marked done, or on the
// first fn error.
func (e *Executor) Stream(ctx context.Context, prompt, system string, fn func(chunk string) error) error {
	if !e.sem.TryAcquire() {
		return ErrBusy
	}
	defer e.sem.Release()

	body := generateRequest{Model: e.model, Prompt: prompt, System: system, Stream: true}
	resp, err := e.post(ctx, e.stream, "/api/generate", body)
	if err != nil {
		return fmt.Errorf("ollama stream: %w", err)
	}
	defer httputil.DrainAndClose(resp.Body)
	if resp.StatusCode != http.StatusOK {
		msg, _ := httputil.ReadErrorBody(resp.Body)
		return fmt.Errorf("ollama stream: status %d: %s", resp.StatusCode, msg)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk generateResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return fmt.Errorf("ollama stream: unmarshal: %w", err)
		}
		if chunk.Response != "" {
			if err := fn(chunk.Response); err != nil {
				return err
			}
		}
		if chunk.Done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("ollama stream: %w", err)
	}
	return nil
}

func (e *Executor) post(ctx context.Context, client *http.Client, path string, payload any) (*http.Response, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return client.Do(req)
}
