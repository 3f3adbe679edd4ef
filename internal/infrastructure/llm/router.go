package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/ngoclaw/orchestrator-core/internal/infrastructure/interaction"
	"github.com/ngoclaw/orchestrator-core/internal/infrastructure/registry"
	coreerrors "github.com/ngoclaw/orchestrator-core/pkg/errors"
)

var tracer = otel.Tracer("orchestrator-core/llm")

// defaultBreakerFailureThreshold and defaultBreakerRecoveryTimeout are the
// circuit breaker thresholds new providers get unless SetBreakerDefaults
// has overridden them (RouterConfig.CircuitFailureThreshold /
// CircuitRecoveryTimeoutSeconds).
const (
	defaultBreakerFailureThreshold = 5
	defaultBreakerRecoveryTimeout  = 30 * time.Second
)

// Router normalizes model identifiers, detects the owning provider, and
// dispatches to the matching adapter. It also implements the
// capability-aware strategy selector (resolveModel / routedLlm).
type Router struct {
	reg       *registry.Registry
	store     *interaction.Store
	providers map[string]Provider
	breakers  map[string]*CircuitBreaker
	logger    *zap.Logger

	breakerFailureThreshold int
	breakerRecoveryTimeout  time.Duration

	mu               sync.RWMutex
	strategyDefaults StrategyDefaults
}

// NewRouter creates a router bound to the capability registry and
// interaction store. Providers are registered afterward with
// RegisterProvider.
func NewRouter(reg *registry.Registry, store *interaction.Store, logger *zap.Logger) *Router {
	return &Router{
		reg:                     reg,
		store:                   store,
		providers:               make(map[string]Provider),
		breakers:                make(map[string]*CircuitBreaker),
		logger:                  logger.With(zap.String("component", "llm-router")),
		strategyDefaults:        defaultStrategyDefaults(),
		breakerFailureThreshold: defaultBreakerFailureThreshold,
		breakerRecoveryTimeout:  defaultBreakerRecoveryTimeout,
	}
}

// SetBreakerDefaults overrides the circuit breaker thresholds applied to
// providers registered afterward. Call before RegisterProvider; it has no
// effect on breakers already created.
func (r *Router) SetBreakerDefaults(failureThreshold int, recoveryTimeout time.Duration) {
	if failureThreshold > 0 {
		r.breakerFailureThreshold = failureThreshold
	}
	if recoveryTimeout > 0 {
		r.breakerRecoveryTimeout = recoveryTimeout
	}
}

// RegisterProvider wires an adapter under its own Name(), with a dedicated
// circuit breaker sized from the router's current breaker defaults.
func (r *Router) RegisterProvider(p Provider) {
	r.providers[p.Name()] = p
	r.breakers[p.Name()] = NewCircuitBreaker(r.breakerFailureThreshold, r.breakerRecoveryTimeout)
}

// RunOpts parameterizes a single routed or direct LLM call.
type RunOpts struct {
	Model   string
	Timeout time.Duration
	Caller  string
	SkipLog bool
}

const defaultRunTimeout = 60 * time.Second

// RunLlm normalizes the model, detects its provider, and dispatches. The
// duration attached to the result is measured outside the adapter for
// defense-in-depth, even though every adapter also times itself.
func (r *Router) RunLlm(ctx context.Context, prompt string, opts RunOpts) (*Result, error) {
	model := normalizeModel(opts.Model)
	providerName, err := detectProvider(model)
	if err != nil {
		return nil, err
	}
	return r.invoke(ctx, providerName, model, prompt, opts)
}

// RunClaude forces dispatch to the Anthropic adapter regardless of the
// model's detected provider.
func (r *Router) RunClaude(ctx context.Context, prompt string, opts RunOpts) (*Result, error) {
	model := normalizeModel(opts.Model)
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	return r.invoke(ctx, "anthropic", model, prompt, opts)
}

// RunOpenAI forces dispatch to the OpenAI adapter regardless of the model's
// detected provider.
func (r *Router) RunOpenAI(ctx context.Context, prompt string, opts RunOpts) (*Result, error) {
	model := normalizeModel(opts.Model)
	if model == "" {
		model = "gpt-4o"
	}
	return r.invoke(ctx, "openai", model, prompt, opts)
}

func (r *Router) invoke(ctx context.Context, providerName, model, prompt string, opts RunOpts) (*Result, error) {
	p, ok := r.providers[providerName]
	if !ok {
		return nil, coreerrors.NewUnknownProvider(model)
	}

	cb := r.breakers[providerName]
	if cb != nil && !cb.Allow() {
		return nil, coreerrors.NewProviderHTTP(503, fmt.Sprintf("circuit open for provider %s", providerName))
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultRunTimeout
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err := p.Invoke(callCtx, model, prompt, timeout, opts.Caller, opts.SkipLog)
	duration := time.Since(start)

	if err != nil {
		if cb != nil {
			cb.RecordFailure()
		}
		return nil, err
	}
	if cb != nil {
		cb.RecordSuccess()
	}

	res.Provider = providerName
	res.DurationMs = duration.Milliseconds()
	return res, nil
}

// RoutedOpts parameterizes routedLlm.
type RoutedOpts struct {
	Strategy   string
	Capability string
	Model      string
	Caller     string
	SkipLog    bool
	Timeout    time.Duration // overrides the descriptor's default timeout when set
}

// RoutedLlm resolves a concrete model via the strategy selector, falls back
// to that model's descriptor timeout when the caller didn't specify one,
// invokes it, and attaches the resolved model name to the result.
func (r *Router) RoutedLlm(ctx context.Context, prompt string, opts RoutedOpts) (*Result, error) {
	ctx, span := tracer.Start(ctx, "llm.routedLlm")
	defer span.End()

	model := r.resolveModel(ctx, opts.Strategy, ResolveOpts{Capability: opts.Capability, Model: opts.Model})
	span.SetAttributes(
		attribute.String("llm.strategy", opts.Strategy),
		attribute.String("llm.resolved_model", model),
	)

	timeout := opts.Timeout
	if timeout <= 0 {
		if d, ok := r.reg.Info(model); ok {
			timeout = time.Duration(d.DefaultTimeoutMs) * time.Millisecond
		}
	}

	res, err := r.RunLlm(ctx, prompt, RunOpts{Model: model, Timeout: timeout, Caller: opts.Caller, SkipLog: opts.SkipLog})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	res.ResolvedModel = model
	return res, nil
}

// Configure merges any non-zero-valued fields of overrides into the
// router's strategy defaults and returns the resulting immutable snapshot.
func (r *Router) Configure(overrides StrategyDefaults) StrategyDefaults {
	r.mu.Lock()
	defer r.mu.Unlock()

	if overrides.MinSuccessRate > 0 {
		r.strategyDefaults.MinSuccessRate = overrides.MinSuccessRate
	}
	if overrides.BalancedMinSuccessRate > 0 {
		r.strategyDefaults.BalancedMinSuccessRate = overrides.BalancedMinSuccessRate
	}
	if overrides.MinSampleSize > 0 {
		r.strategyDefaults.MinSampleSize = overrides.MinSampleSize
	}
	if overrides.StatsHoursBack > 0 {
		r.strategyDefaults.StatsHoursBack = overrides.StatsHoursBack
	}
	if len(overrides.Fallbacks) > 0 {
		merged := make(map[string]string, len(r.strategyDefaults.Fallbacks))
		for k, v := range r.strategyDefaults.Fallbacks {
			merged[k] = v
		}
		for k, v := range overrides.Fallbacks {
			merged[k] = v
		}
		r.strategyDefaults.Fallbacks = merged
	}

	return r.snapshotLocked()
}

// GetStrategyDefaults returns the current immutable snapshot of router
// defaults.
func (r *Router) GetStrategyDefaults() StrategyDefaults {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *Router) snapshotLocked() StrategyDefaults {
	fallbacks := make(map[string]string, len(r.strategyDefaults.Fallbacks))
	for k, v := range r.strategyDefaults.Fallbacks {
		fallbacks[k] = v
	}
	snap := r.strategyDefaults
	snap.Fallbacks = fallbacks
	return snap
}

// GetModelStats exposes the interaction store's aggregate view over the
// configured lookback window, for callers inspecting router decisions.
func (r *Router) GetModelStats(ctx context.Context) ([]interaction.ModelStats, error) {
	r.mu.RLock()
	hours := r.strategyDefaults.StatsHoursBack
	r.mu.RUnlock()
	if r.store == nil {
		return nil, nil
	}
	return r.store.StatsSince(ctx, time.Now().Add(-time.Duration(hours)*time.Hour))
}

// ProviderStatus describes one registered provider's current health and
// recent performance, aggregated across every model it owns in the
// registry.
type ProviderStatus struct {
	Name         string
	Models       []string
	CircuitState string
	CircuitTrips int64
	TotalCalls   int64
	FailureRate  float64
	AvgLatencyMs float64
}

// ListProviders reports status and recent performance for every registered
// provider, aggregating the interaction store's per-model stats by the
// registry's provider ownership. Not named in the stable API surface, but
// a natural operational view given the router already tracks this data.
func (r *Router) ListProviders(ctx context.Context) []ProviderStatus {
	stats, _ := r.GetModelStats(ctx)
	statsByModel := make(map[string]interaction.ModelStats, len(stats))
	for _, s := range stats {
		statsByModel[s.Model] = s
	}

	var result []ProviderStatus
	for name, breaker := range r.breakers {
		ps := ProviderStatus{Name: name, CircuitState: breaker.State().String(), CircuitTrips: breaker.Trips()}

		var totalCalls, totalFailures int64
		var latencySum float64
		for _, model := range r.reg.All() {
			d, ok := r.reg.Info(model)
			if !ok || d.Provider != name {
				continue
			}
			ps.Models = append(ps.Models, model)
			if s, ok := statsByModel[model]; ok {
				calls := int64(s.CallCount)
				totalCalls += calls
				totalFailures += int64(float64(calls) * (1 - s.SuccessRate))
				latencySum += s.AvgLatencyMs * float64(calls)
			}
		}
		ps.TotalCalls = totalCalls
		if totalCalls > 0 {
			ps.FailureRate = float64(totalFailures) / float64(totalCalls)
			ps.AvgLatencyMs = latencySum / float64(totalCalls)
		}
		result = append(result, ps)
	}
	return result
}
