// Package openai adapts an OpenAI-compatible chat-completions endpoint
// (OpenAI itself, or the Codex OAuth-fronted variant) to the llm.Provider
// contract.
package openai

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/orchestrator-core/internal/infrastructure/interaction"
	"github.com/ngoclaw/orchestrator-core/internal/infrastructure/llm"
	"github.com/ngoclaw/orchestrator-core/internal/infrastructure/llm/auth"
	coreerrors "github.com/ngoclaw/orchestrator-core/pkg/errors"
)

const defaultMaxTokens = 4096

// Config configures the OpenAI-compatible adapter.
type Config struct {
	APIKey      string // set to bypass the OAuth auth-file flow entirely
	BaseURL     string
	AuthFile    string
	OAuthURL    string
	ClientID    string
	SkipSmoke   bool
	HTTPTimeout time.Duration
}

// Provider is a Go-native OpenAI-compatible HTTP client.
type Provider struct {
	cfg       Config
	baseURL   string
	store     *interaction.Store
	refresher *auth.Refresher
	smoke     *auth.SmokeTester
	client    *http.Client
	logger    *zap.Logger
}

// New builds an OpenAI adapter. When cfg.APIKey is set, OAuth refresh and
// the smoke test are both bypassed.
func New(cfg Config, store *interaction.Store, logger *zap.Logger) *Provider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 300 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}
	httpClient := &http.Client{Transport: transport, Timeout: cfg.HTTPTimeout}
	if cfg.HTTPTimeout <= 0 {
		httpClient.Timeout = 2 * time.Minute
	}

	p := &Provider{
		cfg:     cfg,
		baseURL: baseURL,
		store:   store,
		client:  httpClient,
		logger:  logger.With(zap.String("component", "openai-provider")),
	}

	if cfg.APIKey == "" {
		authStore := auth.NewStore(cfg.AuthFile)
		p.refresher = auth.NewRefresher(authStore, "openai", cfg.OAuthURL, cfg.ClientID, httpClient, logger)
		p.smoke = auth.NewSmokeTester(cfg.SkipSmoke)
	}

	return p
}

func (p *Provider) Name() string { return "openai" }

// Invoke performs one non-streaming chat completion.
func (p *Provider) Invoke(ctx context.Context, model, prompt string, timeout time.Duration, caller string, skipLog bool) (*llm.Result, error) {
	start := time.Now()

	token, err := p.resolveToken(ctx)
	if err != nil {
		return nil, err
	}

	if p.smoke != nil {
		if err := p.smoke.Ensure(ctx, func(ctx context.Context) error {
			_, _, _, err := p.complete(ctx, token, model, "Reply with exactly: AUTH_OK")
			return err
		}); err != nil {
			return nil, err
		}
	}

	text, inputTokens, outputTokens, err := p.complete(ctx, token, model, prompt)
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

	return &llm.Result{Text: text, InputTokens: inputTokens, OutputTokens: outputTokens}, nil
}

func (p *Provider) resolveToken(ctx context.Context) (string, error) {
	if p.cfg.APIKey != "" {
		return p.cfg.APIKey, nil
	}
	return p.refresher.AccessToken(ctx)
}

func (p *Provider) complete(ctx context.Context, token, model, prompt string) (string, int, int, error) {
	apiReq := Request{
		Model:     model,
		Messages:  []Message{{Role: "user", Content: prompt}},
		MaxTokens: defaultMaxTokens,
	}

	body, err := json.Marshal(apiReq)
	if err != nil {
		return "", 0, 0, coreerrors.NewInternal("marshal openai request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", 0, 0, coreerrors.NewInternal("build openai request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", 0, 0, coreerrors.NewTimeout("openai completion timed out: " + ctx.Err().Error())
		}
		return "", 0, 0, coreerrors.NewInternal("openai HTTP request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", 0, 0, coreerrors.NewInternal("read openai response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", 0, 0, coreerrors.NewProviderHTTP(resp.StatusCode, truncate(string(respBody), 500))
	}

	var apiResp Response
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", 0, 0, coreerrors.NewInternal("parse openai response", err)
	}
	if len(apiResp.Choices) == 0 {
		return "", 0, 0, coreerrors.NewInternal("openai response had no choices", fmt.Errorf("empty choices"))
	}

	text := apiResp.Choices[0].Message.Content

	inputTokens := apiResp.Usage.PromptTokens
	outputTokens := apiResp.Usage.CompletionTokens
	if inputTokens == 0 {
		inputTokens = interaction.EstimateTokensFromChars(prompt)
	}
	if outputTokens == 0 {
		outputTokens = interaction.EstimateTokensFromChars(text)
	}

	return text, inputTokens, outputTokens, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
