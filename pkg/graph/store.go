package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/damlgraph/damlgraph/pkg/config"
	"github.com/damlgraph/damlgraph/pkg/log"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/rs/zerolog"
)

// commit retry policy for transient database failures
const (
	commitRetryInitial = 1 * time.Second
	commitRetryMax     = 30 * time.Second
	commitMaxRetries   = 5
)

// Store is the graph-side surface the sync engine writes through
type Store interface {
	// EnsureIndexes creates the engine's indexes if absent
	EnsureIndexes(ctx context.Context) error
	// HighestOffset returns the largest committed update offset, with
	// ok=false when no sync-managed data exists yet
	HighestOffset(ctx context.Context) (int64, bool, error)
	// DropSyncData removes every node and edge the engine manages
	DropSyncData(ctx context.Context) error
	// WriteBatch commits all statements in one transaction
	WriteBatch(ctx context.Context, stmts []Statement) error
	Close(ctx context.Context) error
}

// syncLabels are the node labels this engine owns. DropSyncData deletes
// only these, leaving unrelated graph content alone.
var syncLabels = []string{"Transaction", "Reassignment", "Created", "Exercised", "Party"}

// indexDDL is idempotent; every statement uses IF NOT EXISTS
var indexDDL = []string{
	"CREATE INDEX created_contract_id IF NOT EXISTS FOR (n:Created) ON (n.contract_id)",
	"CREATE INDEX created_key IF NOT EXISTS FOR (n:Created) ON (n.offset, n.node_id)",
	"CREATE INDEX exercised_key IF NOT EXISTS FOR (n:Exercised) ON (n.offset, n.node_id)",
	"CREATE INDEX transaction_offset IF NOT EXISTS FOR (n:Transaction) ON (n.offset)",
	"CREATE INDEX party_id IF NOT EXISTS FOR (n:Party) ON (n.party_id)",
}

// Neo4jStore implements Store on a Neo4j server via the Bolt driver
type Neo4jStore struct {
	driver neo4j.DriverWithContext
	logger zerolog.Logger
}

// Connect opens a driver against the configured Neo4j server and
// verifies connectivity.
func Connect(ctx context.Context, cfg config.Neo4jConfig) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("failed to reach neo4j at %s: %w", cfg.URI, err)
	}

	return &Neo4jStore{
		driver: driver,
		logger: log.WithComponent("graph"),
	}, nil
}

// Close releases the driver and its connection pool
func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// EnsureIndexes creates the engine's indexes if absent
func (s *Neo4jStore) EnsureIndexes(ctx context.Context) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	for _, ddl := range indexDDL {
		if _, err := neo4j.ExecuteWrite(ctx, session, func(tx neo4j.ManagedTransaction) (any, error) {
			_, err := tx.Run(ctx, ddl, nil)
			return nil, err
		}); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	s.logger.Debug().Int("indexes", len(indexDDL)).Msg("indexes ensured")
	return nil
}

// HighestOffset returns the largest committed update offset
func (s *Neo4jStore) HighestOffset(ctx context.Context) (int64, bool, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	value, err := neo4j.ExecuteRead(ctx, session, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx,
			"MATCH (n) WHERE n:Transaction OR n:Reassignment RETURN max(n.offset) AS offset", nil)
		if err != nil {
			return nil, err
		}
		record, err := result.Single(ctx)
		if err != nil {
			return nil, err
		}
		offset, _ := record.Get("offset")
		return offset, nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("failed to query committed offset: %w", err)
	}

	offset, ok := value.(int64)
	if !ok {
		// max() over zero rows is null
		return 0, false, nil
	}
	return offset, true, nil
}

// DropSyncData removes all sync-managed nodes and their edges. Unrelated
// labels in the same database survive.
func (s *Neo4jStore) DropSyncData(ctx context.Context) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	for _, label := range syncLabels {
		query := fmt.Sprintf("MATCH (n:%s) DETACH DELETE n", label)
		if _, err := neo4j.ExecuteWrite(ctx, session, func(tx neo4j.ManagedTransaction) (any, error) {
			_, err := tx.Run(ctx, query, nil)
			return nil, err
		}); err != nil {
			return fmt.Errorf("failed to drop %s nodes: %w", label, err)
		}
		s.logger.Info().Str("label", label).Msg("dropped sync-managed nodes")
	}
	return nil
}

// WriteBatch commits all statements in one transaction. Transient
// failures are retried with exponential backoff before surfacing.
func (s *Neo4jStore) WriteBatch(ctx context.Context, stmts []Statement) error {
	if len(stmts) == 0 {
		return nil
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	commit := func() error {
		_, err := neo4j.ExecuteWrite(ctx, session, func(tx neo4j.ManagedTransaction) (any, error) {
			for _, st := range stmts {
				if _, err := tx.Run(ctx, st.Cypher, st.Params); err != nil {
					return nil, err
				}
			}
			return nil, nil
		})
		if err != nil && !neo4j.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = commitRetryInitial
	policy.MaxInterval = commitRetryMax

	err := backoff.Retry(commit, backoff.WithContext(backoff.WithMaxRetries(policy, commitMaxRetries), ctx))
	if err != nil {
		return fmt.Errorf("failed to commit batch of %d statements: %w", len(stmts), err)
	}
	return nil
}
