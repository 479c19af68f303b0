package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/damlgraph/damlgraph/pkg/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func boundedDriver(client *fakeClient, tokens *fakeAuth, begin int64, end int64, queue chan mutation) *Driver {
	tracker := NewOffsetTracker()
	tracker.Seed(begin)
	return NewDriver(client, tokens, tracker, queue, []string{"alice::12ab"}, &end)
}

func collect(queue chan mutation) []mutation {
	var out []mutation
	for m := range queue {
		out = append(out, m)
	}
	return out
}

func TestDriverStreamsUpdatesInOrder(t *testing.T) {
	client := &fakeClient{script: []connectOutcome{
		{stream: &fakeStream{updates: []ledger.Update{txAt(11), txAt(12), txAt(13)}}},
	}}
	queue := make(chan mutation, 16)
	d := boundedDriver(client, &fakeAuth{}, 10, 13, queue)

	require.NoError(t, d.Run(context.Background()))

	muts := collect(queue)
	require.Len(t, muts, 3)
	for i, m := range muts {
		assert.Equal(t, int64(11+i), m.offset)
		assert.NotEmpty(t, m.statements)
	}

	reqs := client.requestLog()
	require.Len(t, reqs, 1)
	assert.Equal(t, int64(10), reqs[0].BeginExclusive)
	assert.Equal(t, StateDone, d.state)
}

func TestDriverEndBoundedStreamFinishes(t *testing.T) {
	// the participant keeps the stream open past the end offset; the
	// driver must still stop once the end has been delivered
	client := &fakeClient{script: []connectOutcome{
		{stream: &fakeStream{updates: []ledger.Update{txAt(11)}, finalErr: status.Error(codes.Unavailable, "should not be seen")}},
	}}
	queue := make(chan mutation, 16)
	d := boundedDriver(client, &fakeAuth{}, 10, 11, queue)

	require.NoError(t, d.Run(context.Background()))
	assert.Equal(t, StateDone, d.state)
}

func TestDriverReconnectsAfterTransientError(t *testing.T) {
	client := &fakeClient{script: []connectOutcome{
		{stream: &fakeStream{
			updates:  []ledger.Update{txAt(11)},
			finalErr: status.Error(codes.Unavailable, "connection reset"),
		}},
		{stream: &fakeStream{updates: []ledger.Update{txAt(12)}}},
	}}
	queue := make(chan mutation, 16)
	d := boundedDriver(client, &fakeAuth{}, 10, 12, queue)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, d.Run(ctx))

	muts := collect(queue)
	require.Len(t, muts, 2)
	assert.Equal(t, int64(11), muts[0].offset)
	assert.Equal(t, int64(12), muts[1].offset)

	// both subscriptions started from the tracker's offset: nothing was
	// committed between them
	reqs := client.requestLog()
	require.Len(t, reqs, 2)
	assert.Equal(t, int64(10), reqs[0].BeginExclusive)
	assert.Equal(t, int64(10), reqs[1].BeginExclusive)
}

func TestDriverReconnectUsesCommittedOffset(t *testing.T) {
	client := &fakeClient{script: []connectOutcome{
		{err: status.Error(codes.Unavailable, "participant restarting")},
		{stream: &fakeStream{updates: []ledger.Update{txAt(12)}}},
	}}
	queue := make(chan mutation, 16)
	tracker := NewOffsetTracker()
	tracker.Seed(10)
	end := int64(12)
	d := NewDriver(client, &fakeAuth{}, tracker, queue, []string{"alice::12ab"}, &end)

	// a flush has moved the tracker past its seed before the driver runs
	tracker.Advance(11)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, d.Run(ctx))

	reqs := client.requestLog()
	require.Len(t, reqs, 2)
	assert.Equal(t, int64(11), reqs[1].BeginExclusive, "reconnect resumes after the committed offset")
}

func TestDriverAuthErrorTriggersOneRefresh(t *testing.T) {
	tokens := &fakeAuth{}
	client := &fakeClient{script: []connectOutcome{
		{err: status.Error(codes.Unauthenticated, "token expired")},
		{stream: &fakeStream{updates: []ledger.Update{txAt(11)}}},
	}}
	queue := make(chan mutation, 16)
	d := boundedDriver(client, tokens, 10, 11, queue)

	require.NoError(t, d.Run(context.Background()))

	assert.Equal(t, 1, tokens.invalidations())
	assert.Len(t, collect(queue), 1)
}

func TestDriverRepeatedAuthErrorIsFatal(t *testing.T) {
	tokens := &fakeAuth{}
	client := &fakeClient{script: []connectOutcome{
		{err: status.Error(codes.Unauthenticated, "token expired")},
		{err: status.Error(codes.Unauthenticated, "still expired")},
	}}
	queue := make(chan mutation, 16)
	d := boundedDriver(client, tokens, 10, 11, queue)

	err := d.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after token refresh")
	assert.Equal(t, 1, tokens.invalidations())
	assert.Equal(t, StateFailed, d.state)
}

func TestDriverAuthRetryResetsAfterSuccessfulReceive(t *testing.T) {
	tokens := &fakeAuth{}
	client := &fakeClient{script: []connectOutcome{
		{err: status.Error(codes.Unauthenticated, "token expired")},
		{stream: &fakeStream{
			updates:  []ledger.Update{txAt(11)},
			finalErr: status.Error(codes.Unauthenticated, "expired again much later"),
		}},
		{stream: &fakeStream{updates: []ledger.Update{txAt(12)}}},
	}}
	queue := make(chan mutation, 16)
	d := boundedDriver(client, tokens, 10, 12, queue)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, d.Run(ctx))

	assert.Equal(t, 2, tokens.invalidations(), "each rejection separated by progress gets its own refresh")
}

func TestDriverPrunedDataIsFatal(t *testing.T) {
	client := &fakeClient{script: []connectOutcome{
		{err: &ledger.DataPrunedError{EarliestOffset: 500}},
	}}
	queue := make(chan mutation, 16)
	d := boundedDriver(client, &fakeAuth{}, 100, 600, queue)

	err := d.Run(context.Background())

	var pruned *ledger.DataPrunedError
	require.ErrorAs(t, err, &pruned)
	assert.Equal(t, int64(500), pruned.EarliestOffset)
	assert.Empty(t, collect(queue), "no mutation may reach the writer")
	assert.Equal(t, StateFailed, d.state)
}

func TestDriverMalformedUpdateIsFatal(t *testing.T) {
	// an exercise whose interval is inverted breaks the tree invariant
	bad := &ledger.Transaction{
		Offset: 11,
		Events: []ledger.Event{&ledger.Exercised{NodeID: 4, LastDescendant: 1}},
	}
	client := &fakeClient{script: []connectOutcome{
		{stream: &fakeStream{updates: []ledger.Update{bad}}},
	}}
	queue := make(chan mutation, 16)
	d := boundedDriver(client, &fakeAuth{}, 10, 11, queue)

	err := d.Run(context.Background())

	var malformed *ledger.MalformedError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, StateFailed, d.state)
}

func TestDriverStopsOnCancel(t *testing.T) {
	client := &fakeClient{} // unbounded: empty stream then EOF → reconnect loop
	queue := make(chan mutation, 16)
	tracker := NewOffsetTracker()
	tracker.Seed(0)
	d := NewDriver(client, &fakeAuth{}, tracker, queue, []string{"alice::12ab"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	err := <-done
	require.ErrorIs(t, err, context.Canceled)
}

func TestDriverWithoutResumePointFails(t *testing.T) {
	queue := make(chan mutation, 16)
	d := NewDriver(&fakeClient{}, &fakeAuth{}, NewOffsetTracker(), queue, nil, nil)

	err := d.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resume point")
}
