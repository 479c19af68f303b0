package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/damlgraph/damlgraph/pkg/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticToken(t *testing.T) {
	m := NewStatic("opaque-token")

	tok, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "opaque-token", tok)

	// Invalidate is a no-op for static tokens
	m.Invalidate()
	tok, err = m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "opaque-token", tok)
}

func TestFakeTokenClaims(t *testing.T) {
	m := NewFake("operator")

	tok, err := m.Token(context.Background())
	require.NoError(t, err)

	claims := jwt.MapClaims{}
	_, _, err = jwt.NewParser().ParseUnverified(tok, claims)
	require.NoError(t, err)

	assert.Equal(t, "operator", claims["sub"])
	assert.Equal(t, fakeIssuer, claims["iss"])
	assert.Equal(t, fakeScope, claims["scope"])
	assert.NotEmpty(t, claims["jti"])

	exp, err := claims.GetExpirationTime()
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(fakeTokenTTL), exp.Time, time.Minute)
}

func TestFakeTokenIsCached(t *testing.T) {
	m := NewFake("operator")

	first, err := m.Token(context.Background())
	require.NoError(t, err)
	second, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)

	m.Invalidate()
	third, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first, third, "invalidation mints a fresh token")
}

func TestFakeTokenRemintsNearExpiry(t *testing.T) {
	m := NewFake("operator")
	base := time.Now()
	m.now = func() time.Time { return base }

	first, err := m.Token(context.Background())
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(fakeTokenTTL - 30*time.Second) }
	second, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func tokenEndpoint(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv.URL
}

func oauthManager(t *testing.T, endpoint string) *OAuth {
	t.Helper()
	m, err := NewOAuth(config.KeycloakConfig{
		ClientID:      "sync",
		ClientSecret:  "s3cret",
		TokenEndpoint: endpoint,
		GrantType:     config.GrantClientCredentials,
	})
	require.NoError(t, err)
	return m
}

func TestOAuthFetchesAndCaches(t *testing.T) {
	var calls atomic.Int32
	url := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-1",
			"token_type":   "bearer",
			"expires_in":   3600,
		})
	})

	m := oauthManager(t, url)

	tok, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	tok, err = m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, int32(1), calls.Load(), "second read is served from cache")
}

func TestOAuthServesStaleWithinExpiry(t *testing.T) {
	var fail atomic.Bool
	url := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-1",
			"token_type":   "bearer",
			"expires_in":   3600,
		})
	})

	m := oauthManager(t, url)

	_, err := m.Token(context.Background())
	require.NoError(t, err)

	// provider goes down; the cached token is still served because it
	// has not expired
	fail.Store(true)
	tok, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
}

func TestOAuthUnavailableWhenExpiredAndDown(t *testing.T) {
	url := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	m := oauthManager(t, url)

	_, err := m.Token(context.Background())
	require.ErrorIs(t, err, ErrAuthUnavailable)
}

func TestOAuthExpiryFromClaims(t *testing.T) {
	exp := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	claims := jwt.MapClaims{"sub": "svc", "exp": exp.Unix()}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	// response without expires_in: the exp claim drives the refresh
	// schedule
	url := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": signed,
			"token_type":   "bearer",
		})
	})

	m := oauthManager(t, url)

	_, err = m.Token(context.Background())
	require.NoError(t, err)

	rec := m.current.Load()
	require.NotNil(t, rec)
	assert.True(t, rec.expires.Equal(exp), "expires %v, want %v", rec.expires, exp)
}

func TestOAuthRunStopsOnDenial(t *testing.T) {
	url := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	m := oauthManager(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := m.Run(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.DeadlineExceeded, "denial must end the loop before the deadline")
}

func TestOAuthInvalidateForcesRefetch(t *testing.T) {
	var calls atomic.Int32
	url := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": fmt.Sprintf("tok-%d", n),
			"token_type":   "bearer",
			"expires_in":   3600,
		})
	})

	m := oauthManager(t, url)

	tok, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	// the participant rejected tok-1 even though it has not expired
	m.Invalidate()

	tok, err = m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
	assert.Equal(t, int32(2), calls.Load())
}

func TestOAuthInvalidateDeduplicates(t *testing.T) {
	m := &OAuth{kick: make(chan struct{}, 1), now: time.Now}

	// many concurrent invalidations collapse into one pending request
	for i := 0; i < 10; i++ {
		m.Invalidate()
	}
	assert.Len(t, m.kick, 1)
}

func TestOAuthRejectsUnknownGrant(t *testing.T) {
	_, err := NewOAuth(config.KeycloakConfig{GrantType: "implicit"})
	require.Error(t, err)
}
