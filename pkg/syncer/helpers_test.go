package syncer

import (
	"context"
	"io"
	"sync"

	"github.com/damlgraph/damlgraph/pkg/graph"
	"github.com/damlgraph/damlgraph/pkg/ledger"
)

// fakeStore records committed batches in memory
type fakeStore struct {
	mu          sync.Mutex
	batches     [][]graph.Statement
	highest     int64
	hasHighest  bool
	dropped     bool
	indexed     bool
	writeErrs   []error // consumed one per WriteBatch call
	highestErr  error
	ensureErr   error
}

func (s *fakeStore) EnsureIndexes(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexed = true
	return s.ensureErr
}

func (s *fakeStore) HighestOffset(context.Context) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.highest, s.hasHighest, s.highestErr
}

func (s *fakeStore) DropSyncData(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped = true
	return nil
}

func (s *fakeStore) WriteBatch(_ context.Context, stmts []graph.Statement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.writeErrs) > 0 {
		err := s.writeErrs[0]
		s.writeErrs = s.writeErrs[1:]
		if err != nil {
			return err
		}
	}
	batch := make([]graph.Statement, len(stmts))
	copy(batch, stmts)
	s.batches = append(s.batches, batch)
	return nil
}

func (s *fakeStore) Close(context.Context) error { return nil }

func (s *fakeStore) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *fakeStore) allStatements() []graph.Statement {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []graph.Statement
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

// fakeStream replays scripted updates, then returns finalErr (io.EOF
// when unset)
type fakeStream struct {
	updates  []ledger.Update
	finalErr error
	pos      int
}

func (s *fakeStream) Recv() (ledger.Update, error) {
	if s.pos < len(s.updates) {
		u := s.updates[s.pos]
		s.pos++
		return u, nil
	}
	if s.finalErr != nil {
		return nil, s.finalErr
	}
	return nil, io.EOF
}

func (s *fakeStream) Close() error { return nil }

// fakeClient hands out one scripted outcome per Updates call
type fakeClient struct {
	mu        sync.Mutex
	end       int64
	acs       []*ledger.Created
	script    []connectOutcome
	requests  []ledger.StreamRequest
	acsCalled bool
}

type connectOutcome struct {
	err    error
	stream *fakeStream
}

func (c *fakeClient) LedgerEnd(context.Context) (int64, error) {
	return c.end, nil
}

func (c *fakeClient) ActiveContracts(_ context.Context, _ []string, _ int64) ([]*ledger.Created, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acsCalled = true
	return c.acs, nil
}

func (c *fakeClient) Updates(_ context.Context, req ledger.StreamRequest) (ledger.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.script) == 0 {
		return &fakeStream{}, nil
	}
	next := c.script[0]
	c.script = c.script[1:]
	if next.err != nil {
		return nil, next.err
	}
	return next.stream, nil
}

func (c *fakeClient) Close() error { return nil }

func (c *fakeClient) requestLog() []ledger.StreamRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ledger.StreamRequest, len(c.requests))
	copy(out, c.requests)
	return out
}

// fakeAuth counts invalidations and serves a fixed token
type fakeAuth struct {
	mu          sync.Mutex
	token       string
	tokenErr    error
	invalidated int
}

func (a *fakeAuth) Token(context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tokenErr != nil {
		return "", a.tokenErr
	}
	if a.token == "" {
		return "test-token", nil
	}
	return a.token, nil
}

func (a *fakeAuth) Invalidate() {
	a.mu.Lock()
	a.invalidated++
	a.mu.Unlock()
}

func (a *fakeAuth) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (a *fakeAuth) invalidations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.invalidated
}

func txAt(offset int64) *ledger.Transaction {
	return &ledger.Transaction{
		Offset:   offset,
		UpdateID: "upd",
		Events: []ledger.Event{
			&ledger.Created{NodeID: 0, ContractID: "00cafe", TemplateName: "T"},
		},
	}
}
