package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/damlgraph/damlgraph/pkg/graph"
	"github.com/damlgraph/damlgraph/pkg/log"
	"github.com/damlgraph/damlgraph/pkg/metrics"
	"github.com/rs/zerolog"
)

const (
	// DefaultBatchSize is how many updates one committed transaction
	// spans at most
	DefaultBatchSize = 100
	// DefaultBatchTimeout bounds how long the first buffered update
	// waits for company
	DefaultBatchTimeout = 1 * time.Second

	// finalFlushTimeout bounds the shutdown flush of buffered updates
	finalFlushTimeout = 5 * time.Second
)

// mutation is one projected update travelling from the stream driver to
// the batch writer
type mutation struct {
	offset     int64
	statements []graph.Statement
}

// Batcher accumulates projected updates and commits them to the graph
// store, one transaction per flush. It is the pipeline's single
// consumer, so updates reach the store in stream order.
type Batcher struct {
	store   graph.Store
	tracker *OffsetTracker
	size    int
	timeout time.Duration
	logger  zerolog.Logger
}

// NewBatcher creates a batch writer with the given flush thresholds.
// Zero values select the defaults.
func NewBatcher(store graph.Store, tracker *OffsetTracker, size int, timeout time.Duration) *Batcher {
	if size <= 0 {
		size = DefaultBatchSize
	}
	if timeout <= 0 {
		timeout = DefaultBatchTimeout
	}
	return &Batcher{
		store:   store,
		tracker: tracker,
		size:    size,
		timeout: timeout,
		logger:  log.WithComponent("writer"),
	}
}

// Run consumes mutations until in closes or ctx is cancelled. Buffered
// updates are flushed one final time on the way out so a shutdown loses
// no committed work; whatever cannot be flushed is re-fetched on the
// next start because the offset only advances after commit.
func (b *Batcher) Run(ctx context.Context, in <-chan mutation) error {
	var buf []mutation

	timer := time.NewTimer(b.timeout)
	timer.Stop()

	flush := func(flushCtx context.Context) error {
		if len(buf) == 0 {
			return nil
		}

		stmts := make([]graph.Statement, 0, len(buf))
		for _, m := range buf {
			stmts = append(stmts, m.statements...)
		}
		last := buf[len(buf)-1].offset

		// a buffer of nothing but checkpoints only moves the offset
		if len(stmts) > 0 {
			t := metrics.NewTimer()
			if err := b.store.WriteBatch(flushCtx, stmts); err != nil {
				return fmt.Errorf("failed to commit batch ending at offset %d: %w", last, err)
			}
			t.ObserveDuration(metrics.BatchFlushDuration)
			metrics.BatchesFlushedTotal.Inc()
			metrics.StatementsFlushedTotal.Add(float64(len(stmts)))
		}

		b.tracker.Advance(last)
		b.logger.Debug().
			Int("updates", len(buf)).
			Int("statements", len(stmts)).
			Int64("offset", last).
			Msg("batch committed")

		buf = buf[:0]
		return nil
	}

	finalFlush := func() error {
		// drain whatever the driver already queued
	drain:
		for {
			select {
			case m, ok := <-in:
				if !ok {
					break drain
				}
				buf = append(buf, m)
			default:
				break drain
			}
		}
		// the run context is gone by now; give the last commit its own
		// bounded lease
		flushCtx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
		defer cancel()
		return flush(flushCtx)
	}

	for {
		select {
		case m, ok := <-in:
			if !ok {
				if err := finalFlush(); err != nil {
					return err
				}
				return nil
			}

			if len(buf) == 0 {
				timer.Reset(b.timeout)
			}
			buf = append(buf, m)

			if len(buf) >= b.size {
				timer.Stop()
				if err := flush(ctx); err != nil {
					return err
				}
			}

		case <-timer.C:
			if err := flush(ctx); err != nil {
				return err
			}

		case <-ctx.Done():
			if err := finalFlush(); err != nil {
				b.logger.Warn().Err(err).Msg("final flush failed, updates will be re-fetched")
			}
			return ctx.Err()
		}
	}
}
