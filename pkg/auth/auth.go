// Package auth keeps a valid bearer credential available to the ledger
// client.
//
// Three managers cover the deployment modes: Static wraps a token given
// on the command line, Fake mints unsigned sandbox tokens, and OAuth
// fetches and refreshes tokens from an identity provider. OAuth keeps
// its current token as an atomically swapped immutable record, so its
// readers never take a lock after the initial acquisition; Fake guards
// its token with a mutex.
package auth

import (
	"context"
	"errors"
)

// ErrAuthUnavailable is returned by Token when no unexpired credential
// exists and a fresh one cannot be fetched.
var ErrAuthUnavailable = errors.New("no valid bearer token available")

// Manager supplies bearer credentials to the stream driver
type Manager interface {
	// Token returns a credential believed to be valid
	Token(ctx context.Context) (string, error)
	// Invalidate requests an out-of-band refresh after the participant
	// rejected the current token. Managers without a refresh path
	// ignore it. Concurrent requests collapse into one refresh.
	Invalidate()
	// Run owns the proactive refresh loop. It blocks until ctx is
	// cancelled or the identity provider denies a refresh outright.
	Run(ctx context.Context) error
}

// Static is a fixed token with no refresh, for --access-token
type Static struct {
	token string
}

// NewStatic wraps a caller-supplied bearer token
func NewStatic(token string) *Static {
	return &Static{token: token}
}

func (s *Static) Token(_ context.Context) (string, error) { return s.token, nil }

func (s *Static) Invalidate() {}

func (s *Static) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
