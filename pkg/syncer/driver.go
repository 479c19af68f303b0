package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/damlgraph/damlgraph/pkg/auth"
	"github.com/damlgraph/damlgraph/pkg/ledger"
	"github.com/damlgraph/damlgraph/pkg/log"
	"github.com/damlgraph/damlgraph/pkg/metrics"
	"github.com/damlgraph/damlgraph/pkg/projector"
	"github.com/rs/zerolog"
)

// State names the driver's position in its connect/stream lifecycle
type State string

const (
	StateStarting       State = "starting"
	StateConnecting     State = "connecting"
	StateStreaming      State = "streaming"
	StateRefreshingAuth State = "refreshing_auth"
	StateBackoff        State = "backoff"
	StateDone           State = "done"
	StateFailed         State = "failed"
)

const (
	reconnectBackoffInitial = 1 * time.Second
	reconnectBackoffMax     = 60 * time.Second
)

// Driver owns the update subscription. It connects with the current
// bearer token, feeds received updates through the projector into the
// writer queue, and reconnects with exponential backoff when the stream
// drops. An Unauthenticated rejection triggers one reactive token
// refresh; a second consecutive one is fatal.
type Driver struct {
	client  ledger.Client
	auth    auth.Manager
	tracker *OffsetTracker
	out     chan<- mutation

	parties []string
	// end bounds the subscription; nil streams until cancelled
	end *int64

	state  State
	logger zerolog.Logger
}

// NewDriver wires a stream driver to its collaborators. out is closed
// when the driver stops so the writer can drain and exit.
func NewDriver(client ledger.Client, tokens auth.Manager, tracker *OffsetTracker, out chan<- mutation, parties []string, end *int64) *Driver {
	return &Driver{
		client:  client,
		auth:    tokens,
		tracker: tracker,
		out:     out,
		parties: parties,
		end:     end,
		state:   StateStarting,
		logger:  log.WithComponent("stream"),
	}
}

func (d *Driver) transition(s State) {
	if d.state == s {
		return
	}
	d.logger.Debug().Str("from", string(d.state)).Str("to", string(s)).Msg("stream state changed")
	d.state = s
}

// Run drives the subscription until the stream's configured end, a
// fatal error, or cancellation. It closes the writer queue on the way
// out.
func (d *Driver) Run(ctx context.Context) error {
	defer close(d.out)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = reconnectBackoffInitial
	policy.MaxInterval = reconnectBackoffMax
	policy.MaxElapsedTime = 0
	policy.Reset()

	authRetried := false

	for {
		d.transition(StateConnecting)

		begin, ok := d.tracker.Committed()
		if !ok {
			d.transition(StateFailed)
			return fmt.Errorf("stream driver started without a resume point")
		}

		stream, err := d.client.Updates(ctx, ledger.StreamRequest{
			Parties:        d.parties,
			BeginExclusive: begin,
			EndInclusive:   d.end,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fatal, cause := d.classify(err, &authRetried)
			if fatal != nil {
				d.transition(StateFailed)
				return fatal
			}
			if err := d.sleep(ctx, policy, cause); err != nil {
				return err
			}
			continue
		}

		d.logger.Info().Int64("begin_exclusive", begin).Msg("update stream open")
		err = d.consume(ctx, stream, policy, &authRetried)
		stream.Close()

		switch {
		case err == nil:
			// bounded stream delivered its last offset
			d.transition(StateDone)
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			fatal, cause := d.classify(err, &authRetried)
			if fatal != nil {
				d.transition(StateFailed)
				return fatal
			}
			if err := d.sleep(ctx, policy, cause); err != nil {
				return err
			}
		}
	}
}

// consume receives until the stream ends or fails. A nil return means
// the configured end was reached; io.EOF on an unbounded stream comes
// back to the caller as a reconnectable error.
func (d *Driver) consume(ctx context.Context, stream ledger.Stream, policy *backoff.ExponentialBackOff, authRetried *bool) error {
	d.transition(StateStreaming)

	for {
		u, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) && d.end != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("participant closed the update stream")
			}
			return err
		}

		// a successful receive proves the connection and the token
		policy.Reset()
		*authRetried = false

		stmts, err := projector.Project(u)
		if err != nil {
			return err
		}
		metrics.UpdatesReceivedTotal.WithLabelValues(updateKind(u)).Inc()

		select {
		case d.out <- mutation{offset: u.UpdateOffset(), statements: stmts}:
		case <-ctx.Done():
			return ctx.Err()
		}

		if d.end != nil && u.UpdateOffset() >= *d.end {
			return nil
		}
	}
}

// classify splits an error into fatal (first return) and retryable
// (second). Auth rejections get one reactive refresh before they turn
// fatal.
func (d *Driver) classify(err error, authRetried *bool) (error, error) {
	switch {
	case ledger.IsFatal(err):
		return err, nil
	case ledger.IsUnauthenticated(err) || errors.Is(err, auth.ErrAuthUnavailable):
		if *authRetried {
			return fmt.Errorf("authentication failed after token refresh: %w", err), nil
		}
		*authRetried = true
		d.transition(StateRefreshingAuth)
		d.logger.Warn().Err(err).Msg("stream rejected the bearer token, requesting refresh")
		d.auth.Invalidate()
		return nil, err
	default:
		return nil, err
	}
}

// sleep waits out one backoff interval before the next connect attempt
func (d *Driver) sleep(ctx context.Context, policy *backoff.ExponentialBackOff, cause error) error {
	d.transition(StateBackoff)
	metrics.StreamReconnectsTotal.Inc()

	delay := policy.NextBackOff()
	d.logger.Warn().Err(cause).Dur("delay", delay).Msg("stream interrupted, reconnecting")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

func updateKind(u ledger.Update) string {
	switch u.(type) {
	case *ledger.Transaction:
		return "transaction"
	case *ledger.Reassignment:
		return "reassignment"
	case *ledger.Checkpoint:
		return "checkpoint"
	default:
		return "unknown"
	}
}
