package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"go.uber.org/zap"

	"github.com/ngoclaw/orchestrator-core/internal/infrastructure/interaction"
	"github.com/ngoclaw/orchestrator-core/internal/infrastructure/registry"
	coreerrors "github.com/ngoclaw/orchestrator-core/pkg/errors"
)

func writeEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, payload map[string]any) {
	if _, ok := payload["type"]; !ok {
		payload["type"] = eventType
	}
	b, _ := json.Marshal(payload)
	fmt.Fprintf(w, "event: %s\n", eventType)
	fmt.Fprintf(w, "data: %s\n\n", b)
	if flusher != nil {
		flusher.Flush()
	}
}

func minimalMessage() sdk.Message {
	return sdk.Message{
		ID:         "msg",
		Type:       constant.Message("message"),
		Role:       constant.Assistant("assistant"),
		Model:      sdk.ModelClaude3_7SonnetLatest,
		StopReason: sdk.StopReasonEndTurn,
		Content:    []sdk.ContentBlockUnion{},
	}
}

func streamTextServer(t *testing.T, chunks []string, inputTokens, outputTokens int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)

		writeEvent(w, flusher, "message_start", map[string]any{"message": minimalMessage()})
		writeEvent(w, flusher, "content_block_start", map[string]any{
			"index":         0,
			"content_block": map[string]any{"type": "text", "text": ""},
		})
		for _, c := range chunks {
			writeEvent(w, flusher, "content_block_delta", map[string]any{
				"index": 0,
				"delta": map[string]any{"type": "text_delta", "text": c},
			})
		}
		writeEvent(w, flusher, "message_delta", map[string]any{
			"delta": map[string]any{"stop_reason": "end_turn"},
			"usage": map[string]any{
				"input_tokens":  inputTokens,
				"output_tokens": outputTokens,
			},
		})
	}))
}

func newTestProvider(t *testing.T, baseURL string) (*Provider, *interaction.Store) {
	t.Helper()
	reg := registry.New(nil)
	store, err := interaction.Open(filepath.Join(t.TempDir(), "interactions.db"), 100, reg, zap.NewNop())
	if err != nil {
		t.Fatalf("interaction.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	p := New(Config{APIKey: "test-key", BaseURL: baseURL, SkipSmoke: true}, store, zap.NewNop())
	return p, store
}

func TestInvokeAccumulatesStreamedText(t *testing.T) {
	srv := streamTextServer(t, []string{"hello", " world"}, 12, 34)
	t.Cleanup(srv.Close)

	p, _ := newTestProvider(t, srv.URL)
	res, err := p.Invoke(context.Background(), "claude-sonnet-4-5", "hi", 0, "test", false)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Text != "hello world" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if res.InputTokens != 12 || res.OutputTokens != 34 {
		t.Fatalf("unexpected token counts: %+v", res)
	}
}

func TestInvokeFallsBackToCharEstimateWhenUsageZero(t *testing.T) {
	srv := streamTextServer(t, []string{"short"}, 0, 0)
	t.Cleanup(srv.Close)

	p, _ := newTestProvider(t, srv.URL)
	res, err := p.Invoke(context.Background(), "claude-sonnet-4-5", "hi", 0, "test", false)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.InputTokens == 0 || res.OutputTokens == 0 {
		t.Fatalf("expected char-estimate fallback for zero-usage stream, got %+v", res)
	}
}

func TestInvokeNonOKStatusIsProviderHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	t.Cleanup(srv.Close)

	p, _ := newTestProvider(t, srv.URL)
	_, err := p.Invoke(context.Background(), "claude-sonnet-4-5", "hi", 0, "test", true)
	if err == nil {
		t.Fatal("expected an error for a non-2xx response")
	}
	if !coreerrors.Is(err, coreerrors.CodeProviderHTTP) {
		t.Fatalf("expected a ProviderHTTP error, got %v", err)
	}
}

func TestInvokeSkipLogBypassesStoreWrite(t *testing.T) {
	srv := streamTextServer(t, []string{"ok"}, 1, 1)
	t.Cleanup(srv.Close)

	p, store := newTestProvider(t, srv.URL)
	if _, err := p.Invoke(context.Background(), "claude-sonnet-4-5", "hi", 0, "test", true); err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	rows, err := store.StatsSince(context.Background(), time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("StatsSince: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no logged rows when skipLog=true, got %d", len(rows))
	}
}
