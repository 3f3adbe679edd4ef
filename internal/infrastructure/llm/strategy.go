package llm

import (
	"context"
	"sort"
	"time"

	"github.com/ngoclaw/orchestrator-core/internal/infrastructure/interaction"
)

// StrategyDefaults are the overridable knobs behind resolveModel, published
// as an immutable snapshot by configure().
type StrategyDefaults struct {
	MinSuccessRate         float64
	BalancedMinSuccessRate float64
	MinSampleSize          int
	StatsHoursBack         int
	Fallbacks              map[string]string
}

const epsilon = 1e-9

func defaultStrategyDefaults() StrategyDefaults {
	return StrategyDefaults{
		MinSuccessRate:         0.8,
		BalancedMinSuccessRate: 0.9,
		MinSampleSize:          3,
		StatsHoursBack:         24,
		Fallbacks: map[string]string{
			"cheapest": "claude-haiku-4-5",
			"fastest":  "claude-haiku-4-5",
			"best":     "claude-opus-4-5",
			"balanced": "claude-sonnet-4-5",
		},
	}
}

// ResolveOpts parameterizes resolveModel.
type ResolveOpts struct {
	Capability string
	Model      string // explicit model, honored when strategy is "specific" or empty
}

// ResolveModel exposes the strategy selector to callers outside this
// package (the core facade's resolveModel operation).
func (r *Router) ResolveModel(ctx context.Context, strategy string, opts ResolveOpts) string {
	return r.resolveModel(ctx, strategy, opts)
}

// resolveModel never fails: hard fallbacks guarantee a model name is always
// returned, per the router's error-propagation policy.
func (r *Router) resolveModel(ctx context.Context, strategy string, opts ResolveOpts) string {
	if strategy == "" && opts.Model != "" {
		return opts.Model
	}
	if strategy == "specific" {
		if opts.Model != "" {
			return opts.Model
		}
		strategy = "balanced"
	}

	pool := r.reg.All()
	if opts.Capability != "" {
		pool = r.reg.ByCapability(opts.Capability)
	}

	r.mu.RLock()
	defaults := r.strategyDefaults
	r.mu.RUnlock()

	fallback := func(key, hardFallback string) string {
		if f, ok := defaults.Fallbacks[key]; ok && f != "" {
			return f
		}
		return hardFallback
	}

	switch strategy {
	case "cheapest":
		stats := r.reliableStats(ctx, pool, defaults, defaults.MinSuccessRate)
		if model, ok := cheapestByStats(stats); ok {
			return model
		}
		if model, ok := r.reg.Cheapest(pool); ok {
			return model
		}
		return fallback("cheapest", "claude-haiku-4-5")

	case "fastest":
		stats := r.reliableStats(ctx, pool, defaults, defaults.MinSuccessRate)
		if model, ok := fastestByStats(stats); ok {
			return model
		}
		if model, ok := r.reg.Fastest(pool); ok {
			return model
		}
		return fallback("fastest", "claude-haiku-4-5")

	case "best":
		if model, ok := r.reg.Best(pool); ok {
			return model
		}
		return fallback("best", "claude-opus-4-5")

	case "balanced":
		fallthrough
	default:
		stats := r.reliableStats(ctx, pool, defaults, defaults.BalancedMinSuccessRate)
		if model, ok := balancedByStats(stats); ok {
			return model
		}
		for _, m := range pool {
			if m == "claude-sonnet-4-5" {
				return m
			}
		}
		return fallback("balanced", "claude-sonnet-4-5")
	}
}

// reliableStats loads interaction stats over the configured lookback
// window, restricted to pool and meeting minSampleSize + the given
// reliability threshold.
func (r *Router) reliableStats(ctx context.Context, pool []string, defaults StrategyDefaults, minSuccessRate float64) []interaction.ModelStats {
	if r.store == nil {
		return nil
	}
	since := time.Now().Add(-time.Duration(defaults.StatsHoursBack) * time.Hour)
	all, err := r.store.StatsSince(ctx, since)
	if err != nil {
		return nil
	}

	poolSet := make(map[string]struct{}, len(pool))
	for _, m := range pool {
		poolSet[m] = struct{}{}
	}

	var out []interaction.ModelStats
	for _, s := range all {
		if _, ok := poolSet[s.Model]; !ok {
			continue
		}
		if s.CallCount < defaults.MinSampleSize {
			continue
		}
		if s.SuccessRate < minSuccessRate {
			continue
		}
		out = append(out, s)
	}
	return out
}

func cheapestByStats(stats []interaction.ModelStats) (string, bool) {
	if len(stats) == 0 {
		return "", false
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].AvgCost != stats[j].AvgCost {
			return stats[i].AvgCost < stats[j].AvgCost
		}
		return stats[i].Model < stats[j].Model
	})
	return stats[0].Model, true
}

func fastestByStats(stats []interaction.ModelStats) (string, bool) {
	if len(stats) == 0 {
		return "", false
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].AvgLatencyMs != stats[j].AvgLatencyMs {
			return stats[i].AvgLatencyMs < stats[j].AvgLatencyMs
		}
		return stats[i].Model < stats[j].Model
	})
	return stats[0].Model, true
}

func balancedByStats(stats []interaction.ModelStats) (string, bool) {
	if len(stats) == 0 {
		return "", false
	}
	score := func(s interaction.ModelStats) float64 {
		cost := s.AvgCost
		if cost < epsilon {
			cost = epsilon
		}
		latency := s.AvgLatencyMs
		if latency < epsilon {
			latency = epsilon
		}
		return 1 / (cost * latency)
	}
	sort.Slice(stats, func(i, j int) bool {
		si, sj := score(stats[i]), score(stats[j])
		if si != sj {
			return si > sj
		}
		return stats[i].Model < stats[j].Model
	})
	return stats[0].Model, true
}
