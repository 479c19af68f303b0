package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	fakeTokenTTL      = 24 * time.Hour
	fakeAudience      = "https://daml.com/ledger-api"
	fakeScope         = "daml_ledger_api"
	fakeIssuer        = "sandbox"
	fakeRefreshMargin = time.Minute
)

// Fake mints unsigned tokens for local sandboxes that accept any
// well-formed JWT.
type Fake struct {
	user string

	mu      sync.Mutex
	token   string
	expires time.Time
	now     func() time.Time
}

// NewFake creates a sandbox token manager for the given ledger user
func NewFake(user string) *Fake {
	return &Fake{user: user, now: time.Now}
}

// Token returns the current fake token, minting a new one shortly
// before expiry
func (f *Fake) Token(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.token != "" && f.now().Before(f.expires.Add(-fakeRefreshMargin)) {
		return f.token, nil
	}

	now := f.now()
	claims := jwt.MapClaims{
		"sub":   f.user,
		"aud":   fakeAudience,
		"iss":   fakeIssuer,
		"scope": fakeScope,
		"iat":   now.Unix(),
		"exp":   now.Add(fakeTokenTTL).Unix(),
		"jti":   uuid.NewString(),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		return "", fmt.Errorf("failed to mint sandbox token: %w", err)
	}

	f.token = token
	f.expires = now.Add(fakeTokenTTL)
	return token, nil
}

func (f *Fake) Invalidate() {
	f.mu.Lock()
	f.token = ""
	f.mu.Unlock()
}

func (f *Fake) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
