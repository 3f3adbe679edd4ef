package auth

import (
	"context"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	coreerrors "github.com/ngoclaw/orchestrator-core/pkg/errors"
)

const expiryWarnWindow = 24 * time.Hour

// Refresher resolves a usable access token for one provider key, performing
// an auto-refresh when the stored token has expired. Concurrent refreshes
// are deduplicated: every caller racing for an expired token awaits the
// same in-flight HTTP request.
type Refresher struct {
	store    *Store
	key      string
	oauthURL string
	clientID string
	client   *http.Client
	logger   *zap.Logger

	group singleflight.Group
}

// NewRefresher builds a Refresher for one provider's auth-file entry.
func NewRefresher(store *Store, key, oauthURL, clientID string, httpClient *http.Client, logger *zap.Logger) *Refresher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Refresher{
		store:    store,
		key:      key,
		oauthURL: oauthURL,
		clientID: clientID,
		client:   httpClient,
		logger:   logger.With(zap.String("component", "auth-refresher"), zap.String("provider", key)),
	}
}

// AccessToken returns a currently-valid access token, refreshing first if
// the stored token has expired.
func (r *Refresher) AccessToken(ctx context.Context) (string, error) {
	creds, err := r.store.Read(r.key)
	if err != nil {
		return "", err
	}

	now := time.Now().UnixMilli()
	if creds.Expires < now {
		refreshed, err := r.refreshDeduped(ctx, *creds)
		if err != nil {
			return "", coreerrors.NewAuthRefreshFailed("token refresh failed for "+r.key, err)
		}
		return refreshed.Access, nil
	}

	if time.Duration(creds.Expires-now)*time.Millisecond < expiryWarnWindow {
		r.logger.Warn("access token expires soon", zap.Int64("expires_at_ms", creds.Expires))
	}

	return creds.Access, nil
}

// refreshDeduped ensures only one HTTPS refresh request is in flight per
// provider key, regardless of how many callers race an expired token.
func (r *Refresher) refreshDeduped(ctx context.Context, stale Credentials) (Credentials, error) {
	v, err, _ := r.group.Do(r.key, func() (interface{}, error) {
		return r.doRefresh(ctx, stale)
	})
	if err != nil {
		return Credentials{}, err
	}
	return v.(Credentials), nil
}

// doRefresh exchanges the stale refresh token for a new access token via the
// standard OAuth2 refresh-token grant (RFC 6749 §6), using x/oauth2's
// Config.TokenSource to build the form-encoded POST and parse the response
// instead of hand-rolling either.
func (r *Refresher) doRefresh(ctx context.Context, stale Credentials) (Credentials, error) {
	clientID := r.clientID
	if extracted, ok := clientIDFromJWT(stale.Access); ok {
		clientID = extracted
	}

	cfg := &oauth2.Config{
		ClientID: clientID,
		Endpoint: oauth2.Endpoint{TokenURL: r.oauthURL},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)

	// Expiry in the past forces TokenSource.Token() to perform the refresh
	// POST immediately rather than returning the stale token as-is.
	stolen := &oauth2.Token{
		AccessToken:  stale.Access,
		RefreshToken: stale.Refresh,
		Expiry:       time.Now().Add(-time.Minute),
	}

	refreshed, err := cfg.TokenSource(ctx, stolen).Token()
	if err != nil {
		return Credentials{}, err
	}

	refreshToken := refreshed.RefreshToken
	if refreshToken == "" {
		refreshToken = stale.Refresh
	}

	updated := Credentials{
		Access:  refreshed.AccessToken,
		Refresh: refreshToken,
		Expires: refreshed.Expiry.UnixMilli(),
	}

	if err := r.store.Write(r.key, updated); err != nil {
		r.logger.Warn("failed to persist refreshed credentials", zap.Error(err))
	}

	return updated, nil
}

// clientIDFromJWT extracts the client_id claim from an unverified JWT
// payload. The access token is not ours to validate here — only to read a
// single public claim used to construct the refresh request.
func clientIDFromJWT(token string) (string, bool) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return "", false
	}
	if v, ok := claims["client_id"].(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// SmokeTester gates the first call per process behind a minimal validation
// call, deduplicated across concurrent first-callers. Once a test passes it
// stays passed until Invalidate is called; a token refresh by Refresher
// does not reset it.
type SmokeTester struct {
	skip   bool
	passed atomic.Bool
	group  singleflight.Group
}

// NewSmokeTester creates a tester; skip, or SKIP_SMOKE_TEST=1 in the
// environment, disables the smoke test entirely.
func NewSmokeTester(skip bool) *SmokeTester {
	return &SmokeTester{skip: skip || os.Getenv("SKIP_SMOKE_TEST") == "1"}
}

// Ensure runs call() at most once (across all concurrent callers) until it
// succeeds. Call should issue the minimal "Reply with exactly AUTH_OK"
// completion with a short timeout.
func (s *SmokeTester) Ensure(ctx context.Context, call func(ctx context.Context) error) error {
	if s.skip || s.passed.Load() {
		return nil
	}

	_, err, _ := s.group.Do("smoke", func() (interface{}, error) {
		if s.passed.Load() {
			return nil, nil
		}
		if err := call(ctx); err != nil {
			return nil, err
		}
		s.passed.Store(true)
		return nil, nil
	})
	if err != nil {
		return coreerrors.NewSmokeTestFailed(err.Error())
	}
	return nil
}

// Invalidate forces the next Ensure to repeat the smoke test. Nothing in
// this module calls it; the refresh path leaves a passed test in place.
func (s *SmokeTester) Invalidate() {
	s.passed.Store(false)
}
