// Package anthropic adapts the Anthropic Messages API to the llm.Provider
// contract, using the vendor SDK's streaming iterator internally even though
// Invoke is non-streaming to the caller.
package anthropic

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/ngoclaw/orchestrator-core/internal/infrastructure/interaction"
	"github.com/ngoclaw/orchestrator-core/internal/infrastructure/llm"
	"github.com/ngoclaw/orchestrator-core/internal/infrastructure/llm/auth"
	coreerrors "github.com/ngoclaw/orchestrator-core/pkg/errors"
)

const defaultMaxTokens = 4096

// Config configures the Anthropic adapter.
type Config struct {
	APIKey      string // set to bypass the OAuth auth-file flow entirely
	BaseURL     string
	AuthFile    string
	OAuthURL    string
	ClientID    string
	SkipSmoke   bool
	HTTPTimeout time.Duration
}

// Provider implements llm.Provider against the Anthropic Messages API.
type Provider struct {
	cfg       Config
	store     *interaction.Store
	refresher *auth.Refresher
	smoke     *auth.SmokeTester
	client    *http.Client
	logger    *zap.Logger
}

// New builds an Anthropic adapter. When cfg.APIKey is set, OAuth refresh and
// the smoke test are both bypassed.
func New(cfg Config, store *interaction.Store, logger *zap.Logger) *Provider {
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	if cfg.HTTPTimeout <= 0 {
		httpClient.Timeout = 2 * time.Minute
	}

	p := &Provider{
		cfg:    cfg,
		store:  store,
		client: httpClient,
		logger: logger.With(zap.String("component", "anthropic-provider")),
	}

	if cfg.APIKey == "" {
		authStore := auth.NewStore(cfg.AuthFile)
		p.refresher = auth.NewRefresher(authStore, "anthropic", cfg.OAuthURL, cfg.ClientID, httpClient, logger)
		p.smoke = auth.NewSmokeTester(cfg.SkipSmoke)
	}

	return p
}

func (p *Provider) Name() string { return "anthropic" }

// Invoke performs one non-streaming-to-caller completion, internally driving
// the SDK's streaming iterator and accumulating text from the assistant's
// text content blocks.
func (p *Provider) Invoke(ctx context.Context, model, prompt string, timeout time.Duration, caller string, skipLog bool) (*llm.Result, error) {
	start := time.Now()

	apiKey, err := p.resolveAPIKey(ctx)
	if err != nil {
		return nil, err
	}

	if p.smoke != nil {
		if err := p.smoke.Ensure(ctx, func(ctx context.Context) error {
			return p.smokeCall(ctx, apiKey, model)
		}); err != nil {
			return nil, err
		}
	}

	text, inputTokens, outputTokens, err := p.complete(ctx, apiKey, model, prompt)
	duration := time.Since(start)

	if err != nil {
		if !skipLog && p.store != nil {
			p.store.LogCall(interaction.Record{
				Provider: p.Name(), Model: model, Caller: caller,
				Prompt: prompt, DurationMs: duration.Milliseconds(),
				OK: false, Error: err.Error(),
			})
		}
		return nil, err
	}

	if !skipLog && p.store != nil {
		p.store.LogCall(interaction.Record{
			Provider: p.Name(), Model: model, Caller: caller,
			Prompt: prompt, Response: text,
			InputTokens: inputTokens, OutputTokens: outputTokens,
			CostEstimate: p.store.EstimateCost(model, inputTokens, outputTokens),
			DurationMs:   duration.Milliseconds(),
			OK:           true,
		})
	}

	return &llm.Result{
		Text:         text,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	}, nil
}

func (p *Provider) resolveAPIKey(ctx context.Context) (string, error) {
	if p.cfg.APIKey != "" {
		return p.cfg.APIKey, nil
	}
	return p.refresher.AccessToken(ctx)
}

func (p *Provider) sdkClient(apiKey string) anthropicsdk.Client {
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithHTTPClient(p.client)}
	if p.cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(p.cfg.BaseURL))
	}
	return anthropicsdk.NewClient(opts...)
}

// smokeCall issues the minimal "reply with exactly AUTH_OK" completion used
// to validate freshly-acquired credentials before any real traffic.
func (p *Provider) smokeCall(ctx context.Context, apiKey, model string) error {
	smokeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, _, _, err := p.complete(smokeCtx, apiKey, model, "Reply with exactly: AUTH_OK")
	return err
}

// complete drives the SDK's streaming iterator to completion and returns the
// accumulated assistant text plus token usage.
func (p *Provider) complete(ctx context.Context, apiKey, model, prompt string) (string, int, int, error) {
	client := p.sdkClient(apiKey)

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(model),
		MaxTokens: defaultMaxTokens,
		Messages: []anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(prompt)),
		},
	}

	stream := client.Messages.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	var acc anthropicsdk.Message
	var text strings.Builder

	for stream.Next() {
		event := stream.Current()
		// The SDK's Accumulate can fail to marshal certain partial content
		// blocks; text is tracked independently below so this is non-fatal.
		_ = acc.Accumulate(event)

		switch ev := event.AsAny().(type) {
		case anthropicsdk.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(anthropicsdk.TextDelta); ok {
				text.WriteString(delta.Text)
			}
		}
	}

	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return "", 0, 0, coreerrors.NewTimeout("anthropic completion timed out: " + ctx.Err().Error())
		}
		return "", 0, 0, classifyError(err)
	}

	inputTokens := int(acc.Usage.InputTokens)
	outputTokens := int(acc.Usage.OutputTokens)
	if inputTokens == 0 {
		inputTokens = interaction.EstimateTokensFromChars(prompt)
	}
	if outputTokens == 0 {
		outputTokens = interaction.EstimateTokensFromChars(text.String())
	}

	return text.String(), inputTokens, outputTokens, nil
}

// classifyError maps an SDK error into the core's error taxonomy. The SDK
// surfaces HTTP-level failures as *anthropicsdk.Error; anything else is
// wrapped as an internal error.
func classifyError(err error) error {
	var apiErr *anthropicsdk.Error
	if errors.As(err, &apiErr) {
		body := apiErr.Error()
		if r := []rune(body); len(r) > 500 {
			body = string(r[:500])
		}
		return coreerrors.NewProviderHTTP(apiErr.StatusCode, body)
	}
	return coreerrors.NewInternal("anthropic completion failed", err)
}
