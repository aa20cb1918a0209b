// Package llm routes chat-completion requests across the configured
// providers: explicit override first, otherwise a complexity-ordered
// fallback chain, fronted by a content-addressed response cache and gated
// by the per-user token quota.
package llm

import (
	"context"
	"errors"
	"time"
)

// Provider names, in default routing order.
const (
	ProviderOpenAI     = "openai"
	ProviderGroq       = "groq"
	ProviderDeepSeek   = "deepseek"
	ProviderOpenRouter = "openrouter"
	ProviderGemini     = "gemini"

	// ProviderCache is the synthetic provider name reported on cache hits.
	ProviderCache = "cache"
)

// ErrQuotaExceeded is returned when a user's token budget cannot cover the
// estimated request cost. The autofix job fails fast with this reason.
var ErrQuotaExceeded = errors.New("token_limit_exceeded")

// ErrNoCredentials is returned by a provider that has no API key configured.
var ErrNoCredentials = errors.New("llm: no credentials for provider")

// Request is a single chat-completion exchange.
type Request struct {
	System string
	User   string
}

// Response is the provider output.
type Response struct {
	// Text is the completion. Empty means the provider chain was
	// exhausted without a usable answer.
	Text string

	// Model is the concrete model that answered.
	Model string

	// Provider is the answering provider name, or "cache".
	Provider string

	// ResponseTime is the wall time of the provider call, zero on cache hits.
	ResponseTime time.Duration
}

// Provider is one LLM backend.
type Provider interface {
	// Name returns the provider registry name.
	Name() string

	// Call performs one chat completion. Implementations must honor ctx
	// cancellation and deadlines.
	Call(ctx context.Context, req Request) (Response, error)
}

// UserContext carries the requesting user's quota state and optional
// private API keys. Own keys bypass the platform quota.
type UserContext struct {
	UserID          string
	TokenLimit      int64
	TokensUsed      int64
	PurchasedTokens int64
	APIKeys         map[string]string
}

// HasOwnKeys reports whether the user supplied any private provider key.
func (u *UserContext) HasOwnKeys() bool {
	return u != nil && len(u.APIKeys) > 0
}

// tokenEstimateDivisor approximates tokens from characters.
const tokenEstimateDivisor = 4

// EstimateTokens approximates the token cost of a request.
func EstimateTokens(req Request) int64 {
	return int64((len(req.System) + len(req.User)) / tokenEstimateDivisor)
}

// CheckQuota returns ErrQuotaExceeded when the user's budget cannot cover
// the estimate. A nil user, own keys, or an unlimited budget always pass.
func CheckQuota(user *UserContext, estimate int64) error {
	if user == nil || user.HasOwnKeys() {
		return nil
	}

	if user.TokenLimit < 0 {
		return nil
	}

	if user.TokensUsed+estimate <= user.TokenLimit+user.PurchasedTokens {
		return nil
	}

	return ErrQuotaExceeded
}
