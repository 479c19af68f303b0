package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/damlgraph/damlgraph/pkg/config"
	"github.com/damlgraph/damlgraph/pkg/log"
	"github.com/damlgraph/damlgraph/pkg/metrics"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	// refreshMargin is how long before expiry a proactive refresh runs
	refreshMargin = time.Minute

	refreshBackoffInitial = 1 * time.Second
	refreshBackoffMax     = 60 * time.Second

	// fallbackTTL applies when neither expires_in nor an exp claim is
	// present in the provider's response
	fallbackTTL = time.Hour
)

// record is an immutable token snapshot, swapped atomically
type record struct {
	token   string
	expires time.Time
}

// OAuth fetches bearer tokens from an OAuth2 identity provider and
// refreshes them before expiry.
type OAuth struct {
	fetch  func(ctx context.Context) (*oauth2.Token, error)
	logger zerolog.Logger

	current atomic.Pointer[record]
	// stale marks the current token as rejected by the participant, so
	// the next refresh fetches even though the token has not expired
	stale atomic.Bool
	// kick has capacity one; concurrent Invalidate calls collapse into
	// a single pending refresh
	kick chan struct{}
	// mu serialises state transitions so at most one token request is
	// in flight
	mu  sync.Mutex
	now func() time.Time
}

// NewOAuth builds a manager for the configured grant
func NewOAuth(cfg config.KeycloakConfig) (*OAuth, error) {
	m := &OAuth{
		logger: log.WithComponent("auth"),
		kick:   make(chan struct{}, 1),
		now:    time.Now,
	}

	switch cfg.GrantType {
	case config.GrantClientCredentials:
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenEndpoint,
		}
		m.fetch = cc.Token
	case config.GrantPassword:
		oc := &oauth2.Config{
			ClientID: cfg.ClientID,
			Endpoint: oauth2.Endpoint{TokenURL: cfg.TokenEndpoint},
		}
		m.fetch = func(ctx context.Context) (*oauth2.Token, error) {
			return oc.PasswordCredentialsToken(ctx, cfg.Username, cfg.Password)
		}
	default:
		return nil, fmt.Errorf("unsupported grant type %q", cfg.GrantType)
	}

	return m, nil
}

// Token returns the cached credential, fetching one synchronously when
// the cache is empty or expired. While the provider is down, the last
// unexpired token keeps being served.
func (m *OAuth) Token(ctx context.Context) (string, error) {
	if r := m.current.Load(); r != nil && !m.stale.Load() && m.now().Before(r.expires) {
		return r.token, nil
	}

	if err := m.refresh(ctx); err != nil {
		if r := m.current.Load(); r != nil && m.now().Before(r.expires) {
			return r.token, nil
		}
		return "", fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}

	return m.current.Load().token, nil
}

// Invalidate schedules one out-of-band refresh
func (m *OAuth) Invalidate() {
	m.stale.Store(true)
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Run refreshes proactively before each expiry and on Invalidate. A
// provider outage is retried with exponential backoff; a denial (401 or
// 403) ends the loop with an error.
func (m *OAuth) Run(ctx context.Context) error {
	for {
		wait := time.Duration(0)
		if r := m.current.Load(); r != nil {
			wait = r.expires.Add(-refreshMargin).Sub(m.now())
		}

		if wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.kick:
				m.logger.Debug().Msg("out-of-band token refresh requested")
			case <-time.After(wait):
			}
		}

		if err := m.refreshWithBackoff(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("identity provider denied token refresh: %w", err)
		}
	}
}

// refresh performs one deduplicated token fetch. A caller that lost the
// race to a concurrent refresh returns without a second fetch.
func (m *OAuth) refresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r := m.current.Load(); r != nil && !m.stale.Load() && m.now().Before(r.expires.Add(-refreshMargin)) {
		return nil
	}

	tok, err := m.fetch(ctx)
	if err != nil {
		return err
	}
	m.stale.Store(false)

	expires := tok.Expiry
	if expires.IsZero() {
		expires = m.expiryFromClaims(tok.AccessToken)
	}

	m.current.Store(&record{token: tok.AccessToken, expires: expires})
	metrics.TokenRefreshesTotal.Inc()
	m.logger.Info().Time("expires", expires).Msg("bearer token refreshed")
	return nil
}

func (m *OAuth) refreshWithBackoff(ctx context.Context) error {
	attempt := func() error {
		err := m.refresh(ctx)
		if err != nil && isDenied(err) {
			return backoff.Permanent(err)
		}
		if err != nil {
			m.logger.Warn().Err(err).Msg("token refresh failed, backing off")
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = refreshBackoffInitial
	policy.MaxInterval = refreshBackoffMax
	policy.MaxElapsedTime = 0

	return backoff.Retry(attempt, backoff.WithContext(policy, ctx))
}

// expiryFromClaims reads the exp claim without verifying the signature;
// the participant, not this process, is the token's verifier.
func (m *OAuth) expiryFromClaims(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return m.now().Add(fallbackTTL)
}

// isDenied reports whether the provider rejected the request outright
// rather than failing transiently
func isDenied(err error) bool {
	var rErr *oauth2.RetrieveError
	if !errors.As(err, &rErr) {
		return false
	}
	code := rErr.Response.StatusCode
	return code == 401 || code == 403
}
