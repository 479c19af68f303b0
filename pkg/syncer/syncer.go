package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/damlgraph/damlgraph/pkg/auth"
	"github.com/damlgraph/damlgraph/pkg/graph"
	"github.com/damlgraph/damlgraph/pkg/ledger"
	"github.com/damlgraph/damlgraph/pkg/log"
	"github.com/damlgraph/damlgraph/pkg/projector"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// queueDepth bounds the stream→writer pipeline. The stream driver
// blocks once the writer falls this far behind.
const queueDepth = 256

// Options tunes one sync run
type Options struct {
	Parties     []string
	BeginOffset int64
	// Fresh drops all sync-managed data and restarts from the current
	// ledger end, bootstrapping from the active contract set
	Fresh bool
	// EndOffset bounds the run; nil syncs indefinitely
	EndOffset *int64

	BatchSize    int
	BatchTimeout time.Duration
}

// Syncer composes the pipeline: token manager, stream driver, projector
// and batch writer, with the offset tracker deciding where to resume.
type Syncer struct {
	client ledger.Client
	store  graph.Store
	auth   auth.Manager
	opts   Options

	tracker *OffsetTracker
	logger  zerolog.Logger
}

// New wires a syncer from its collaborators
func New(client ledger.Client, store graph.Store, tokens auth.Manager, opts Options) *Syncer {
	return &Syncer{
		client:  client,
		store:   store,
		auth:    tokens,
		opts:    opts,
		tracker: NewOffsetTracker(),
		logger:  log.WithComponent("sync"),
	}
}

// Run executes the sync engine until ctx is cancelled, the configured
// end offset is reached, or a fatal error occurs. Cancellation is a
// clean exit and returns nil.
func (s *Syncer) Run(ctx context.Context) error {
	if err := s.store.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("failed to prepare graph store: %w", err)
	}

	if err := s.prepareResumePoint(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := make(chan mutation, queueDepth)
	batcher := NewBatcher(s.store, s.tracker, s.opts.BatchSize, s.opts.BatchTimeout)
	driver := NewDriver(s.client, s.auth, s.tracker, queue, s.opts.Parties, s.opts.EndOffset)

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		err := s.auth.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		err := driver.Run(gctx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		if err == nil {
			// release the token manager once the stream is done
			cancel()
		}
		return err
	})

	g.Go(func() error {
		err := batcher.Run(gctx, queue)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	committed, _ := s.tracker.Committed()
	s.logger.Info().Int64("offset", committed).Msg("sync stopped")
	return nil
}

// prepareResumePoint seeds the offset tracker. A fresh start wipes the
// engine's data and bootstraps from the active contract set at the
// current ledger end; otherwise the highest committed offset in the
// graph wins, falling back to the configured begin offset on an empty
// store.
func (s *Syncer) prepareResumePoint(ctx context.Context) error {
	if s.opts.Fresh {
		s.logger.Warn().Msg("fresh start requested, dropping sync-managed graph data")
		if err := s.store.DropSyncData(ctx); err != nil {
			return fmt.Errorf("failed to clear graph store: %w", err)
		}
		return s.bootstrapFromACS(ctx)
	}

	if committed, ok, err := s.store.HighestOffset(ctx); err != nil {
		return fmt.Errorf("failed to determine resume point: %w", err)
	} else if ok {
		s.tracker.Seed(committed)
		s.logger.Info().Int64("offset", committed).Msg("resuming from last committed offset")
		return nil
	}

	s.tracker.Seed(s.opts.BeginOffset)
	s.logger.Info().Int64("offset", s.opts.BeginOffset).Msg("empty graph, starting from configured begin offset")
	return nil
}

// bootstrapFromACS loads the active contract set at the ledger end and
// projects it through the same idempotent write path the stream uses.
// Streaming then begins exclusively after that end.
func (s *Syncer) bootstrapFromACS(ctx context.Context) error {
	end, err := s.client.LedgerEnd(ctx)
	if err != nil {
		return fmt.Errorf("failed to read ledger end: %w", err)
	}

	contracts, err := s.client.ActiveContracts(ctx, s.opts.Parties, end)
	if err != nil {
		return fmt.Errorf("failed to load active contract set: %w", err)
	}

	batchSize := s.opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	var stmts []graph.Statement
	for i, c := range contracts {
		stmts = append(stmts, projector.ProjectActiveContract(c, end, int64(i))...)
		if len(stmts) >= batchSize {
			if err := s.store.WriteBatch(ctx, stmts); err != nil {
				return fmt.Errorf("failed to write active contract set: %w", err)
			}
			stmts = stmts[:0]
		}
	}
	if len(stmts) > 0 {
		if err := s.store.WriteBatch(ctx, stmts); err != nil {
			return fmt.Errorf("failed to write active contract set: %w", err)
		}
	}

	s.tracker.Seed(end)
	s.logger.Info().
		Int("contracts", len(contracts)).
		Int64("ledger_end", end).
		Msg("bootstrapped from active contract set")
	return nil
}
