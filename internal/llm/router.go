package llm

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/Sumatoshi-tech/peer/internal/analysis"
	"github.com/Sumatoshi-tech/peer/internal/config"
	"github.com/Sumatoshi-tech/peer/pkg/kv"
)

// Router walks the provider fallback chain until one returns usable text.
// Provider errors and timeouts are logged and advanced past, never raised;
// only quota denial is surfaced as an error.
type Router struct {
	cfg       config.LLMConfig
	providers map[string]Provider
	cache     *Cache
	logger    *slog.Logger
	tracer    trace.Tracer
}

// RouterOption customizes a Router.
type RouterOption func(*Router)

// WithRouterLogger sets the router's logger.
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = logger }
}

// WithRouterTracer wraps each provider call in a span.
func WithRouterTracer(tracer trace.Tracer) RouterOption {
	return func(r *Router) { r.tracer = tracer }
}

// WithProviders replaces the provider set, used by tests and per-user keys.
func WithProviders(providers map[string]Provider) RouterOption {
	return func(r *Router) { r.providers = providers }
}

// NewRouter builds a router from configuration. The cache is enabled when
// cfg.CacheEnabled and a store is supplied.
func NewRouter(cfg config.LLMConfig, store kv.Store, opts ...RouterOption) *Router {
	r := &Router{
		cfg:       cfg,
		providers: NewProviders(cfg, nil),
		logger:    slog.Default(),
		tracer:    nooptrace.NewTracerProvider().Tracer("llm"),
	}

	if cfg.CacheEnabled && store != nil {
		r.cache = NewCache(store, cfg.CacheTTL)
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// RouteRequest is one routed completion.
type RouteRequest struct {
	// System and User form the chat exchange.
	System string
	User   string

	// File and Content address the cache together with Findings; leave
	// File empty to bypass the cache.
	File    string
	Content string

	// Findings drive the complexity classifier and the cache key.
	Findings []analysis.Finding

	// ProviderOverride forces a specific provider, skipping routing.
	ProviderOverride string

	// User carries quota state and optional private keys.
	UserContext *UserContext
}

// Route resolves a completion: cache, quota gate, then the provider chain.
// Chain exhaustion returns an empty Response with nil error; callers treat
// that as "no AI assistance".
func (r *Router) Route(ctx context.Context, req RouteRequest) (Response, error) {
	chain := r.chain(req)

	cacheKey := ""
	if req.File != "" && r.cache != nil {
		cacheKey = CacheKey(req.File, req.Content, req.Findings, r.modelLabel(req, chain))

		if resp, hit := r.cache.Get(ctx, cacheKey); hit {
			r.logger.DebugContext(ctx, "llm.cache_hit", slog.String("file", req.File))

			return resp, nil
		}
	}

	if err := CheckQuota(req.UserContext, EstimateTokens(Request{System: req.System, User: req.User})); err != nil {
		return Response{}, fmt.Errorf("llm quota: %w", err)
	}

	providers := r.providers
	if req.UserContext.HasOwnKeys() {
		providers = NewProviders(r.cfg, req.UserContext.APIKeys)
	}

	resp := r.walk(ctx, providers, chain, Request{System: req.System, User: req.User})

	if resp.Text != "" && cacheKey != "" {
		r.cache.Put(ctx, cacheKey, resp)
	}

	return resp, nil
}

// chain resolves the ordered provider list for a request.
func (r *Router) chain(req RouteRequest) []string {
	if req.ProviderOverride != "" {
		return []string{req.ProviderOverride}
	}

	if r.cfg.Provider != "" {
		return []string{r.cfg.Provider}
	}

	complexity := ComplexitySimple
	if r.cfg.EnableComplexity {
		complexity = Classify(req.Findings)
	}

	return Chain(complexity)
}

// modelLabel names the routing target for the cache key: the forced
// provider, or the head of the chain.
func (r *Router) modelLabel(req RouteRequest, chain []string) string {
	if req.ProviderOverride != "" {
		return req.ProviderOverride
	}

	if len(chain) > 0 {
		return chain[0]
	}

	return "auto"
}

// walk tries each provider in order until one returns non-empty text.
func (r *Router) walk(ctx context.Context, providers map[string]Provider, chain []string, req Request) Response {
	for _, name := range chain {
		provider, ok := providers[name]
		if !ok {
			continue
		}

		spanCtx, span := r.tracer.Start(ctx, "llm.provider.call",
			trace.WithAttributes(attribute.String("llm.provider", name)))

		resp, err := provider.Call(spanCtx, req)

		span.End()

		if err != nil {
			r.logger.WarnContext(ctx, "llm.provider_failed",
				slog.String("provider", name),
				slog.Any("error", err))

			continue
		}

		if resp.Text == "" {
			r.logger.WarnContext(ctx, "llm.provider_empty", slog.String("provider", name))

			continue
		}

		return resp
	}

	return Response{}
}
