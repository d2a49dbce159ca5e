package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/osa-run/osa/internal/domain/service"
	"go.uber.org/zap"
)

// Router implements service.LLMClient by routing to the configured default
// provider and falling back along the fallback chain on error. Fallback
// resumes at the chain position after the failing provider — it never
// restarts from the head, so a provider is tried at most once per call.
// Features: per-provider latency tracking, circuit breaker, failover.
type Router struct {
	providers []Provider
	stats     map[string]*providerStats  // provider name → stats
	breakers  map[string]*CircuitBreaker // provider name → circuit breaker
	mu        sync.RWMutex
	logger    *zap.Logger

	// defaultProvider and fallbackChain are provider names; when unset, the
	// chain is the providers slice in insertion order.
	defaultProvider string
	fallbackChain   []string
}

// providerStats tracks per-provider performance metrics.
type providerStats struct {
	TotalCalls   int64
	FailureCount int64
	LastLatency  time.Duration
}

// NewRouter creates a new LLM router
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		stats:    make(map[string]*providerStats),
		breakers: make(map[string]*CircuitBreaker),
		logger:   logger.With(zap.String("component", "llm-router")),
	}
}

// Compile-time interface check: Router implements service.LLMClient
var _ service.LLMClient = (*Router)(nil)

// SetFallbackChain configures the default provider and the ordered fallback
// chain tried after it. Names not registered via AddProvider are skipped at
// call time.
func (r *Router) SetFallbackChain(defaultProvider string, chain []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultProvider = defaultProvider
	r.fallbackChain = append([]string(nil), chain...)
}

// Configured reports whether a provider with the given name is registered
// with a non-empty API key — the signal routing and UI use to decide whether
// a provider can be offered at all.
func (r *Router) Configured(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.providers {
		if p.Name() == name {
			return p.IsAvailable(context.Background())
		}
	}
	return false
}

// orderedCandidates returns the providers to try for one call: the
// preferred provider (explicit override or the configured default) first,
// then the sub-tail of the fallback chain starting after it. With no chain
// configured, falls back to insertion order starting at the preferred
// provider.
func (r *Router) orderedCandidates(preferred string) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byName := make(map[string]Provider, len(r.providers))
	for _, p := range r.providers {
		byName[p.Name()] = p
	}

	if preferred == "" {
		preferred = r.defaultProvider
	}

	chain := r.fallbackChain
	if len(chain) == 0 {
		chain = make([]string, 0, len(r.providers))
		for _, p := range r.providers {
			chain = append(chain, p.Name())
		}
	}

	var out []Provider
	seen := make(map[string]bool, len(chain)+1)
	if p, ok := byName[preferred]; ok {
		out = append(out, p)
		seen[preferred] = true
	}

	// Resume after the preferred provider's chain position: everything
	// before it already had its chance on a previous call.
	start := 0
	for i, name := range chain {
		if name == preferred {
			start = i + 1
			break
		}
	}
	for _, name := range chain[start:] {
		if seen[name] {
			continue
		}
		if p, ok := byName[name]; ok {
			out = append(out, p)
			seen[name] = true
		}
	}

	if len(out) == 0 {
		out = append(out, r.providers...)
	}
	return out
}

// AddProvider adds a provider to the router.
// With no explicit fallback chain, providers are tried in insertion order.
func (r *Router) AddProvider(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = append(r.providers, p)
	r.stats[p.Name()] = &providerStats{}
	r.breakers[p.Name()] = NewCircuitBreaker(5, 30*time.Second)
	r.logger.Info("LLM provider added",
		zap.String("name", p.Name()),
		zap.Strings("models", p.Models()),
	)
}

// Generate implements service.LLMClient.
// It routes to the preferred provider (request model's provider prefix or
// the configured default), then retries each provider in the fallback
// chain's sub-tail until one succeeds; exhaustion returns the last error.
func (r *Router) Generate(ctx context.Context, req *service.LLMRequest) (*service.LLMResponse, error) {
	providers := r.orderedCandidates(providerPrefix(req.Model))

	var lastErr error

	for _, p := range providers {
		if !p.SupportsModel(req.Model) {
			continue
		}

		if !p.IsAvailable(ctx) {
			r.logger.Debug("Provider unavailable, skipping",
				zap.String("provider", p.Name()),
			)
			continue
		}

		// Circuit breaker check
		if cb, ok := r.breakers[p.Name()]; ok && !cb.Allow() {
			r.logger.Debug("Provider circuit open, skipping",
				zap.String("provider", p.Name()),
			)
			continue
		}

		r.logger.Debug("Routing to provider",
			zap.String("provider", p.Name()),
			zap.String("model", req.Model),
		)

		start := time.Now()
		resp, err := p.Generate(ctx, req)
		latency := time.Since(start)

		r.mu.Lock()
		if s, ok := r.stats[p.Name()]; ok {
			s.TotalCalls++
			s.LastLatency = latency
			if err != nil {
				s.FailureCount++
			}
		}
		r.mu.Unlock()

		if err != nil {
			if cb, ok := r.breakers[p.Name()]; ok {
				cb.RecordFailure()
			}
			lastErr = err
			r.logger.Warn("Provider failed, trying next",
				zap.String("provider", p.Name()),
				zap.Duration("latency", latency),
				zap.Error(err),
			)
			continue
		}

		if cb, ok := r.breakers[p.Name()]; ok {
			cb.RecordSuccess()
		}

		r.logger.Debug("Provider succeeded",
			zap.String("provider", p.Name()),
			zap.Duration("latency", latency),
			zap.Int("tokens", resp.TokensUsed),
		)

		return resp, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("all providers failed, last error: %w", lastErr)
	}

	return nil, fmt.Errorf("no provider available for model '%s'", req.Model)
}

// GenerateStream implements service.LLMClient.
// Routes to the first available streaming-capable provider.
func (r *Router) GenerateStream(ctx context.Context, req *service.LLMRequest, deltaCh chan<- service.StreamChunk) (*service.LLMResponse, error) {
	providers := r.orderedCandidates(providerPrefix(req.Model))

	var lastErr error

	for _, p := range providers {
		if !p.SupportsModel(req.Model) {
			continue
		}

		if !p.IsAvailable(ctx) {
			continue
		}

		// Circuit breaker check
		if cb, ok := r.breakers[p.Name()]; ok && !cb.Allow() {
			r.logger.Debug("Provider circuit open, skipping stream",
				zap.String("provider", p.Name()),
			)
			continue
		}

		r.logger.Debug("Streaming via provider",
			zap.String("provider", p.Name()),
			zap.String("model", req.Model),
		)

		start := time.Now()
		resp, err := p.GenerateStream(ctx, req, deltaCh)
		latency := time.Since(start)

		r.mu.Lock()
		if s, ok := r.stats[p.Name()]; ok {
			s.TotalCalls++
			s.LastLatency = latency
			if err != nil {
				s.FailureCount++
			}
		}
		r.mu.Unlock()

		if err != nil {
			if cb, ok := r.breakers[p.Name()]; ok {
				cb.RecordFailure()
			}
			lastErr = err
			r.logger.Warn("Streaming provider failed, trying next",
				zap.String("provider", p.Name()),
				zap.Duration("latency", latency),
				zap.Error(err),
			)
			continue
		}

		if cb, ok := r.breakers[p.Name()]; ok {
			cb.RecordSuccess()
		}

		return resp, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("all streaming providers failed, last error: %w", lastErr)
	}

	return nil, fmt.Errorf("no streaming provider available for model '%s'", req.Model)
}

// ListProviders returns names, status, and performance stats of all registered providers
func (r *Router) ListProviders(ctx context.Context) []ProviderStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []ProviderStatus
	for _, p := range r.providers {
		ps := ProviderStatus{
			Name:      p.Name(),
			Models:    p.Models(),
			Available: p.IsAvailable(ctx),
		}
		if s, ok := r.stats[p.Name()]; ok {
			ps.TotalCalls = s.TotalCalls
			ps.FailureCount = s.FailureCount
			ps.LastLatencyMs = float64(s.LastLatency) / float64(time.Millisecond)
		}
		if cb, ok := r.breakers[p.Name()]; ok {
			ps.CircuitState = cb.State().String()
		}
		result = append(result, ps)
	}
	return result
}

// providerPrefix extracts the provider name from a prefixed model id
// ("bailian/qwen3-coder-plus" → "bailian"); an unprefixed model id yields
// "" and the router falls back to the configured default provider.
func providerPrefix(model string) string {
	for i := 0; i < len(model); i++ {
		if model[i] == '/' {
			return model[:i]
		}
	}
	return ""
}

// ProviderStatus describes a provider's current state and performance
type ProviderStatus struct {
	Name          string   `json:"name"`
	Models        []string `json:"models"`
	Available     bool     `json:"available"`
	TotalCalls    int64    `json:"total_calls"`
	FailureCount  int64    `json:"failure_count"`
	LastLatencyMs float64  `json:"last_latency_ms"`
	CircuitState  string   `json:"circuit_state"`
}
