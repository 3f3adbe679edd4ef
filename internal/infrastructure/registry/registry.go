// Package registry is the static capability table (C2): a pure-data source
// of model metadata and deterministic selection helpers. No I/O, no mutable
// state after construction.
package registry

import "sort"

// Tier is an ordinal quality ranking independent of capability.
type Tier int

const (
	TierCheap Tier = iota
	TierBalanced
	TierBest
)

// Pricing holds USD-per-million-token rates for cost estimation.
type Pricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// Descriptor is an immutable, registry-resident model descriptor.
type Descriptor struct {
	Name             string
	Provider         string // anthropic | openai
	Tier             Tier
	Capabilities     map[string]struct{}
	CostTier         int // lower is cheaper
	DefaultTimeoutMs int
	MaxContextTokens int
	Pricing          Pricing
}

func caps(list ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(list))
	for _, c := range list {
		m[c] = struct{}{}
	}
	return m
}

// Registry is the static table of model → descriptor, with lookup helpers.
// Safe for concurrent read-only use; nothing ever mutates it after New.
type Registry struct {
	models map[string]Descriptor
	order  []string // insertion order, for deterministic ranging
}

// New builds the registry from the canonical model set. Per-model pricing
// overrides (e.g. for codex's still-unpublished rate card) are applied on
// top of the built-in defaults.
func New(pricingOverrides map[string]Pricing) *Registry {
	r := &Registry{models: make(map[string]Descriptor)}

	r.add(Descriptor{
		Name: "claude-opus-4-5", Provider: "anthropic", Tier: TierBest,
		Capabilities:     caps("coding", "reasoning", "long-context", "review", "creative"),
		CostTier:         5,
		DefaultTimeoutMs: 120_000,
		MaxContextTokens: 200_000,
		Pricing:          Pricing{InputPerMillion: 15, OutputPerMillion: 75},
	})
	r.add(Descriptor{
		Name: "claude-sonnet-4-5", Provider: "anthropic", Tier: TierBalanced,
		Capabilities:     caps("coding", "reasoning", "long-context", "review", "extraction"),
		CostTier:         3,
		DefaultTimeoutMs: 90_000,
		MaxContextTokens: 200_000,
		Pricing:          Pricing{InputPerMillion: 3, OutputPerMillion: 15},
	})
	r.add(Descriptor{
		Name: "claude-haiku-4-5", Provider: "anthropic", Tier: TierCheap,
		Capabilities:     caps("simple-reasoning", "classification", "extraction"),
		CostTier:         1,
		DefaultTimeoutMs: 30_000,
		MaxContextTokens: 200_000,
		Pricing:          Pricing{InputPerMillion: 0.8, OutputPerMillion: 4},
	})
	r.add(Descriptor{
		// The "opus-3" alias target (see aliases.go), superseded by
		// claude-opus-4-5; tiered below it so Best never ties against the
		// model it was replaced by.
		Name: "claude-opus-4", Provider: "anthropic", Tier: TierBalanced,
		Capabilities:     caps("coding", "reasoning", "review"),
		CostTier:         5,
		DefaultTimeoutMs: 120_000,
		MaxContextTokens: 200_000,
		Pricing:          Pricing{InputPerMillion: 15, OutputPerMillion: 75},
	})
	r.add(Descriptor{
		Name: "claude-sonnet-3-5", Provider: "anthropic", Tier: TierBalanced,
		Capabilities:     caps("coding", "reasoning", "extraction"),
		CostTier:         3,
		DefaultTimeoutMs: 90_000,
		MaxContextTokens: 200_000,
		Pricing:          Pricing{InputPerMillion: 3, OutputPerMillion: 15},
	})
	r.add(Descriptor{
		Name: "gpt-4o", Provider: "openai", Tier: TierBalanced,
		Capabilities:     caps("coding", "reasoning", "multimodal", "creative"),
		CostTier:         3,
		DefaultTimeoutMs: 90_000,
		MaxContextTokens: 128_000,
		Pricing:          Pricing{InputPerMillion: 2.5, OutputPerMillion: 10},
	})
	r.add(Descriptor{
		Name: "gpt-4-turbo", Provider: "openai", Tier: TierBalanced,
		Capabilities:     caps("coding", "reasoning"),
		CostTier:         4,
		DefaultTimeoutMs: 90_000,
		MaxContextTokens: 128_000,
		Pricing:          Pricing{InputPerMillion: 10, OutputPerMillion: 30},
	})
	r.add(Descriptor{
		Name: "gpt-3.5-turbo", Provider: "openai", Tier: TierCheap,
		Capabilities:     caps("simple-reasoning", "classification"),
		CostTier:         1,
		DefaultTimeoutMs: 30_000,
		MaxContextTokens: 16_000,
		Pricing:          Pricing{InputPerMillion: 0.5, OutputPerMillion: 1.5},
	})
	r.add(Descriptor{
		// Pricing for gpt-5.3-codex is not published at the time of writing;
		// exposed as zero-value configurable pricing until Pricing config
		// supplies real rates.
		Name: "gpt-5.3-codex", Provider: "openai", Tier: TierBest,
		Capabilities:     caps("coding", "reasoning", "long-context"),
		CostTier:         5,
		DefaultTimeoutMs: 180_000,
		MaxContextTokens: 272_000,
		Pricing:          Pricing{},
	})

	for name, p := range pricingOverrides {
		if d, ok := r.models[name]; ok {
			d.Pricing = p
			r.models[name] = d
		}
	}

	return r
}

func (r *Registry) add(d Descriptor) {
	r.models[d.Name] = d
	r.order = append(r.order, d.Name)
}

// Info returns the descriptor for name, or false if unknown.
func (r *Registry) Info(name string) (Descriptor, bool) {
	d, ok := r.models[name]
	return d, ok
}

// All returns every registered model name, in registration order.
func (r *Registry) All() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ByTier returns every model at the given tier, alphabetically.
func (r *Registry) ByTier(tier Tier) []string {
	var out []string
	for _, name := range r.order {
		if r.models[name].Tier == tier {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// ByCapability returns every model carrying the given capability tag,
// alphabetically.
func (r *Registry) ByCapability(capability string) []string {
	var out []string
	for _, name := range r.order {
		if _, ok := r.models[name].Capabilities[capability]; ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// ByContextFit returns models (optionally restricted to candidates) whose
// MaxContextTokens is at least minTokens, alphabetically.
func (r *Registry) ByContextFit(minTokens int, candidates []string) []string {
	pool := r.pool(candidates)
	var out []string
	for _, name := range pool {
		if d, ok := r.models[name]; ok && d.MaxContextTokens >= minTokens {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Cheapest returns the lowest-CostTier model among candidates (or the whole
// registry if candidates is empty), breaking ties alphabetically.
func (r *Registry) Cheapest(candidates []string) (string, bool) {
	return r.extremum(candidates, func(a, b Descriptor) bool { return a.CostTier < b.CostTier })
}

// Fastest returns the lowest-DefaultTimeoutMs model among candidates.
func (r *Registry) Fastest(candidates []string) (string, bool) {
	return r.extremum(candidates, func(a, b Descriptor) bool { return a.DefaultTimeoutMs < b.DefaultTimeoutMs })
}

// Best returns the highest-tier model among candidates.
func (r *Registry) Best(candidates []string) (string, bool) {
	return r.extremum(candidates, func(a, b Descriptor) bool { return a.Tier > b.Tier })
}

func (r *Registry) pool(candidates []string) []string {
	if len(candidates) == 0 {
		return r.All()
	}
	return candidates
}

// extremum picks, among the pool, the descriptor for which better(candidate,
// best) holds over the running best, breaking ties alphabetically by
// iterating the pool in sorted order and only replacing on strict
// improvement.
func (r *Registry) extremum(candidates []string, better func(a, b Descriptor) bool) (string, bool) {
	pool := r.pool(candidates)
	names := make([]string, 0, len(pool))
	for _, n := range pool {
		if _, ok := r.models[n]; ok {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		return "", false
	}
	sort.Strings(names)

	bestName := names[0]
	bestDesc := r.models[bestName]
	for _, name := range names[1:] {
		d := r.models[name]
		if better(d, bestDesc) {
			bestName, bestDesc = name, d
		}
	}
	return bestName, true
}
