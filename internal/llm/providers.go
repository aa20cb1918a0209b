package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/Sumatoshi-tech/peer/internal/config"
)

// Default models per provider.
const (
	modelOpenAI     = "gpt-4o-mini"
	modelGroq       = "llama-3.3-70b-versatile"
	modelDeepSeek   = "deepseek-chat"
	modelOpenRouter = "meta-llama/llama-3.3-70b-instruct"
	modelGemini     = "gemini-2.0-flash"
)

// Provider endpoints. OpenAI-compatible providers share the
// chat-completions wire shape; Gemini uses generateContent with the key in
// the URL query.
const (
	endpointOpenAI     = "https://api.openai.com/v1/chat/completions"
	endpointGroq       = "https://api.groq.com/openai/v1/chat/completions"
	endpointDeepSeek   = "https://api.deepseek.com/v1/chat/completions"
	endpointOpenRouter = "https://openrouter.ai/api/v1/chat/completions"
	endpointGemini     = "https://generativelanguage.googleapis.com/v1beta/models"
)

const (
	requestTemperature = 0.2
	requestMaxTokens   = 4096
)

// breaker settings: open after five consecutive failures, probe again
// after thirty seconds.
const (
	breakerConsecutiveFailures = 5
	breakerOpenTimeout         = 30 * time.Second
)

// chatProvider is an OpenAI-compatible chat-completions backend.
type chatProvider struct {
	name     string
	endpoint string
	model    string
	key      string
	timeout  time.Duration
	client   *http.Client
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Name implements Provider.
func (p *chatProvider) Name() string { return p.name }

// Call implements Provider over the chat-completions wire shape.
func (p *chatProvider) Call(ctx context.Context, req Request) (Response, error) {
	if p.key == "" {
		return Response{}, fmt.Errorf("%w: %s", ErrNoCredentials, p.name)
	}

	body := chatRequest{
		Model:       p.model,
		Temperature: requestTemperature,
		MaxTokens:   requestMaxTokens,
	}

	if req.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.System})
	}

	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.User})

	started := time.Now()

	raw, err := postJSON(ctx, p.client, p.timeout, p.endpoint, body, map[string]string{
		"Authorization": "Bearer " + p.key,
	})
	if err != nil {
		return Response{}, err
	}

	var parsed chatResponse

	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Response{}, fmt.Errorf("%s: decode response: %w", p.name, err)
	}

	if len(parsed.Choices) == 0 {
		return Response{}, fmt.Errorf("%s: empty choices", p.name)
	}

	model := parsed.Model
	if model == "" {
		model = p.model
	}

	return Response{
		Text:         parsed.Choices[0].Message.Content,
		Model:        model,
		Provider:     p.name,
		ResponseTime: time.Since(started),
	}, nil
}

// geminiProvider speaks the generateContent wire shape with key-in-URL auth.
type geminiProvider struct {
	endpoint string
	model    string
	key      string
	timeout  time.Duration
	client   *http.Client
}

type geminiRequest struct {
	SystemInstruction *geminiContent `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  struct {
		Temperature     float64 `json:"temperature"`
		MaxOutputTokens int     `json:"maxOutputTokens"`
	} `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

// Name implements Provider.
func (p *geminiProvider) Name() string { return ProviderGemini }

// Call implements Provider over the generateContent wire shape.
func (p *geminiProvider) Call(ctx context.Context, req Request) (Response, error) {
	if p.key == "" {
		return Response{}, fmt.Errorf("%w: %s", ErrNoCredentials, ProviderGemini)
	}

	body := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: req.User}}},
		},
	}
	body.GenerationConfig.Temperature = requestTemperature
	body.GenerationConfig.MaxOutputTokens = requestMaxTokens

	if req.System != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}

	endpoint := fmt.Sprintf("%s/%s:generateContent?key=%s", p.endpoint, p.model, url.QueryEscape(p.key))

	started := time.Now()

	raw, err := postJSON(ctx, p.client, p.timeout, endpoint, body, nil)
	if err != nil {
		return Response{}, err
	}

	var parsed geminiResponse

	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Response{}, fmt.Errorf("gemini: decode response: %w", err)
	}

	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return Response{}, fmt.Errorf("gemini: empty candidates")
	}

	return Response{
		Text:         parsed.Candidates[0].Content.Parts[0].Text,
		Model:        p.model,
		Provider:     ProviderGemini,
		ResponseTime: time.Since(started),
	}, nil
}

// postJSON performs a timeout-bounded JSON POST and returns the response
// body. Non-2xx statuses are errors.
func postJSON(ctx context.Context, client *http.Client, timeout time.Duration, endpoint string, body any, headers map[string]string) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("provider call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("provider status %d: %s", resp.StatusCode, truncateBody(raw))
	}

	return raw, nil
}

// truncateBody keeps error messages readable for large provider error bodies.
func truncateBody(raw []byte) string {
	const maxErrBody = 200

	if len(raw) > maxErrBody {
		return string(raw[:maxErrBody]) + "..."
	}

	return string(raw)
}

// breakerProvider wraps a Provider in a circuit breaker. An open breaker
// is reported as a provider error, which the router treats like any other
// failure and advances the chain.
type breakerProvider struct {
	inner   Provider
	breaker *gobreaker.CircuitBreaker
}

func withBreaker(inner Provider) Provider {
	settings := gobreaker.Settings{
		Name: inner.Name(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerConsecutiveFailures
		},
		Timeout: breakerOpenTimeout,
	}

	return &breakerProvider{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Name implements Provider.
func (b *breakerProvider) Name() string { return b.inner.Name() }

// Call implements Provider through the breaker.
func (b *breakerProvider) Call(ctx context.Context, req Request) (Response, error) {
	result, err := b.breaker.Execute(func() (any, error) {
		return b.inner.Call(ctx, req)
	})
	if err != nil {
		return Response{}, fmt.Errorf("%s: %w", b.inner.Name(), err)
	}

	resp, ok := result.(Response)
	if !ok {
		return Response{}, fmt.Errorf("%s: unexpected breaker result type", b.inner.Name())
	}

	return resp, nil
}

// NewProviders builds the five standard providers from configuration.
// Per-user keys in userKeys override the platform keys. Providers with no
// key at all are still constructed; they fail fast with ErrNoCredentials
// and the router advances past them.
func NewProviders(cfg config.LLMConfig, userKeys map[string]string) map[string]Provider {
	client := &http.Client{}

	key := func(name string) string {
		if k, ok := userKeys[name]; ok && k != "" {
			return k
		}

		return cfg.Keys.Key(name)
	}

	providers := map[string]Provider{
		ProviderOpenAI: &chatProvider{
			name: ProviderOpenAI, endpoint: endpointOpenAI, model: modelOpenAI,
			key: key(ProviderOpenAI), timeout: cfg.ProviderTimeout(ProviderOpenAI), client: client,
		},
		ProviderGroq: &chatProvider{
			name: ProviderGroq, endpoint: endpointGroq, model: modelGroq,
			key: key(ProviderGroq), timeout: cfg.ProviderTimeout(ProviderGroq), client: client,
		},
		ProviderDeepSeek: &chatProvider{
			name: ProviderDeepSeek, endpoint: endpointDeepSeek, model: modelDeepSeek,
			key: key(ProviderDeepSeek), timeout: cfg.ProviderTimeout(ProviderDeepSeek), client: client,
		},
		ProviderOpenRouter: &chatProvider{
			name: ProviderOpenRouter, endpoint: endpointOpenRouter, model: modelOpenRouter,
			key: key(ProviderOpenRouter), timeout: cfg.ProviderTimeout(ProviderOpenRouter), client: client,
		},
		ProviderGemini: &geminiProvider{
			endpoint: endpointGemini, model: modelGemini,
			key: key(ProviderGemini), timeout: cfg.ProviderTimeout(ProviderGemini), client: client,
		},
	}

	for name, p := range providers {
		providers[name] = withBreaker(p)
	}

	return providers
}
