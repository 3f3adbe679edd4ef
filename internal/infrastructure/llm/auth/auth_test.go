package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func writeAuthFile(t *testing.T, path string, contents map[string]interface{}) {
	t.Helper()
	data, err := json.Marshal(contents)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
}

func TestStoreReadMissingFileIsAuthMissing(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "nope.json"))
	if _, err := s.Read("openai-codex"); err == nil {
		t.Fatal("expected AuthMissing for a nonexistent file")
	}
}

func TestStoreWritePreservesUnrelatedKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.json")
	writeAuthFile(t, path, map[string]interface{}{
		"openai-codex":  map[string]interface{}{"access": "a1", "refresh": "r1", "expires": 1},
		"unrelated-key": map[string]interface{}{"foo": "bar"},
	})

	s := NewStore(path)
	if err := s.Write("openai-codex", Credentials{Access: "a2", Refresh: "r2", Expires: 2}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := raw["unrelated-key"]; !ok {
		t.Fatal("expected unrelated-key to survive the write")
	}

	creds, err := s.Read("openai-codex")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if creds.Access != "a2" || creds.Expires != 2 {
		t.Fatalf("unexpected roundtrip: %+v", creds)
	}
}

// Invariant 7: concurrent refreshes of an expired token result in exactly
// one HTTPS refresh request.
func TestConcurrentRefreshIsDeduplicated(t *testing.T) {
	var hits int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt64(&hits, 1)
		time.Sleep(20 * time.Millisecond) // widen the race window
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"expires_in":    3600,
			"token_type":    "Bearer",
		})
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "auth.json")
	writeAuthFile(t, path, map[string]interface{}{
		"openai-codex": map[string]interface{}{
			"access": "stale", "refresh": "stale-refresh",
			"expires": time.Now().Add(-time.Hour).UnixMilli(),
		},
	})

	store := NewStore(path)
	refresher := NewRefresher(store, "openai-codex", srv.URL, "fallback-client", srv.Client(), zap.NewNop())

	var wg sync.WaitGroup
	tokens := make([]string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := refresher.AccessToken(context.Background())
			if err != nil {
				t.Errorf("AccessToken: %v", err)
				return
			}
			tokens[i] = tok
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt64(&hits); got != 1 {
		t.Fatalf("expected exactly 1 refresh HTTP request, got %d", got)
	}
	for _, tok := range tokens {
		if tok != "new-access" {
			t.Fatalf("expected all callers to see the refreshed token, got %q", tok)
		}
	}
}

func TestSmokeTesterDedupesConcurrentFirstCalls(t *testing.T) {
	var calls int64
	st := NewSmokeTester(false)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = st.Ensure(context.Background(), func(ctx context.Context) error {
				atomic.AddInt64(&calls, 1)
				time.Sleep(10 * time.Millisecond)
				return nil
			})
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("expected exactly 1 smoke-test call, got %d", got)
	}

	// Subsequent calls after passing should not invoke call() again.
	if err := st.Ensure(context.Background(), func(ctx context.Context) error {
		t.Fatal("should not re-run a passed smoke test")
		return nil
	}); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
}

func TestSmokeTesterSkipDisablesEntirely(t *testing.T) {
	st := NewSmokeTester(true)
	if err := st.Ensure(context.Background(), func(ctx context.Context) error {
		t.Fatal("skip=true must never invoke call()")
		return nil
	}); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
}
