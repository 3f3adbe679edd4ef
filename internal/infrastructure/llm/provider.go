// Package llm is the multi-provider LLM router (C4) and its uniform
// provider-adapter contract (C3).
package llm

import (
	"context"
	"time"
)

// Result is the uniform shape every provider adapter returns.
type Result struct {
	Text          string
	Provider      string
	DurationMs    int64
	InputTokens   int
	OutputTokens  int
	ResolvedModel string // set by routedLlm after strategy resolution
}

// Provider is the shared contract for every LLM vendor adapter. A single
// Invoke call is non-streaming from the caller's perspective even when the
// adapter consumes a streaming API internally.
type Provider interface {
	// Name returns the provider identifier ("anthropic" | "openai").
	Name() string

	// Invoke performs one LLM call. skipLog, when true, bypasses the
	// interaction-store write for this call.
	Invoke(ctx context.Context, model, prompt string, timeout time.Duration, caller string, skipLog bool) (*Result, error)
}
