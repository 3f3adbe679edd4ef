package registry

import "testing"

func TestInfoAndAll(t *testing.T) {
	r := New(nil)

	if _, ok := r.Info("does-not-exist"); ok {
		t.Fatal("expected unknown model to miss")
	}
	d, ok := r.Info("claude-opus-4-5")
	if !ok {
		t.Fatal("expected claude-opus-4-5 to be registered")
	}
	if d.Provider != "anthropic" || d.Tier != TierBest {
		t.Fatalf("unexpected descriptor: %+v", d)
	}

	if len(r.All()) == 0 {
		t.Fatal("expected non-empty registry")
	}
}

func TestByTierOrdering(t *testing.T) {
	r := New(nil)
	cheap := r.ByTier(TierCheap)
	if len(cheap) < 2 {
		t.Fatalf("expected at least two cheap models, got %v", cheap)
	}
	for i := 1; i < len(cheap); i++ {
		if cheap[i-1] > cheap[i] {
			t.Fatalf("ByTier not alphabetical: %v", cheap)
		}
	}
}

func TestByCapability(t *testing.T) {
	r := New(nil)
	multimodal := r.ByCapability("multimodal")
	if len(multimodal) != 1 || multimodal[0] != "gpt-4o" {
		t.Fatalf("expected gpt-4o only, got %v", multimodal)
	}
}

func TestByContextFit(t *testing.T) {
	r := New(nil)
	fit := r.ByContextFit(150_000, nil)
	for _, name := range fit {
		d, _ := r.Info(name)
		if d.MaxContextTokens < 150_000 {
			t.Fatalf("model %s below requested context", name)
		}
	}
	if len(fit) == 0 {
		t.Fatal("expected at least one long-context model")
	}
}

func TestCheapestFastestBestDeterministic(t *testing.T) {
	r := New(nil)

	cheapest, ok := r.Cheapest(nil)
	if !ok || cheapest != "claude-haiku-4-5" {
		t.Fatalf("expected claude-haiku-4-5 cheapest, got %q", cheapest)
	}

	fastest, ok := r.Fastest(nil)
	if !ok {
		t.Fatal("expected a fastest model")
	}
	if fd, _ := r.Info(fastest); fd.DefaultTimeoutMs != 30_000 {
		t.Fatalf("expected fastest model to have a 30s default timeout, got %d", fd.DefaultTimeoutMs)
	}

	best, ok := r.Best(r.ByCapability("multimodal"))
	if !ok || best != "gpt-4o" {
		t.Fatalf("expected gpt-4o best among multimodal candidates, got %q", best)
	}
}

func TestPricingOverride(t *testing.T) {
	r := New(map[string]Pricing{
		"gpt-5.3-codex": {InputPerMillion: 12, OutputPerMillion: 48},
	})
	d, ok := r.Info("gpt-5.3-codex")
	if !ok {
		t.Fatal("expected gpt-5.3-codex to exist")
	}
	if d.Pricing.InputPerMillion != 12 || d.Pricing.OutputPerMillion != 48 {
		t.Fatalf("pricing override not applied: %+v", d.Pricing)
	}
}

func TestEmptyCandidatesNeverPanic(t *testing.T) {
	r := New(nil)
	if _, ok := r.Cheapest([]string{"nope"}); ok {
		t.Fatal("expected no match among unknown candidates")
	}
}
