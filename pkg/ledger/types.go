package ledger

import (
	"context"
	"time"
)

// Update is one element of a participant's update stream. Implementations
// are Transaction, Reassignment and Checkpoint.
type Update interface {
	// UpdateOffset returns the position of this update in the ledger's
	// update log. Offsets are strictly increasing within one stream.
	UpdateOffset() int64
	// UpdateRecordTime returns the participant record time, or the zero
	// time when the update does not carry one.
	UpdateRecordTime() time.Time
}

// Event is a node of a transaction's event tree. Implementations are
// Created and Exercised.
type Event interface {
	// EventNodeID returns the node id, unique within one transaction.
	EventNodeID() int64
	// EventLastDescendant returns the largest node id in this event's
	// subtree. For Created events this equals the node id.
	EventLastDescendant() int64
}

// Transaction is a committed ledger transaction with its visible events
type Transaction struct {
	Offset            int64
	UpdateID          string
	CommandID         string
	EffectiveAt       time.Time
	RecordTime        time.Time
	RequestingParties []string
	Events            []Event
}

func (t *Transaction) UpdateOffset() int64         { return t.Offset }
func (t *Transaction) UpdateRecordTime() time.Time { return t.RecordTime }

// Reassignment moves a contract between synchronizers. It carries the
// create event of the reassigned contract as visible on the target.
type Reassignment struct {
	Offset     int64
	UpdateID   string
	RecordTime time.Time
	Created    *Created
}

func (r *Reassignment) UpdateOffset() int64         { return r.Offset }
func (r *Reassignment) UpdateRecordTime() time.Time { return r.RecordTime }

// Checkpoint carries an offset with no ledger changes. It lets the sync
// engine advance its resume point across quiet periods.
type Checkpoint struct {
	Offset     int64
	RecordTime time.Time
}

func (c *Checkpoint) UpdateOffset() int64         { return c.Offset }
func (c *Checkpoint) UpdateRecordTime() time.Time { return c.RecordTime }

// Created is a contract-create event. Creates are always leaves of the
// event tree, so the last descendant is the node itself.
type Created struct {
	NodeID       int64
	ContractID   string
	TemplateName string
	Signatories  []string
	Observers    []string
	Payload      []byte
}

func (c *Created) EventNodeID() int64         { return c.NodeID }
func (c *Created) EventLastDescendant() int64 { return c.NodeID }

// Exercised is a choice-exercise event. Its subtree spans the node id
// interval [NodeID, LastDescendant].
type Exercised struct {
	NodeID           int64
	TargetContractID string
	ChoiceName       string
	ActingParties    []string
	Consuming        bool
	LastDescendant   int64
}

func (e *Exercised) EventNodeID() int64         { return e.NodeID }
func (e *Exercised) EventLastDescendant() int64 { return e.LastDescendant }

// StreamRequest parameterises an update subscription
type StreamRequest struct {
	Parties        []string
	BeginExclusive int64
	// EndInclusive bounds the stream; nil streams indefinitely
	EndInclusive *int64
}

// Stream is a server-streaming update subscription. Recv blocks until the
// next update arrives, the stream ends (io.EOF) or fails.
type Stream interface {
	Recv() (Update, error)
	Close() error
}

// Client is the participant-facing surface the sync engine consumes.
// The engine treats it as a lazy sequence of updates plus two snapshot
// queries; the concrete implementation speaks the participant's gRPC API.
type Client interface {
	// LedgerEnd returns the participant's current end offset
	LedgerEnd(ctx context.Context) (int64, error)
	// ActiveContracts returns the active contract set visible to parties
	// as of the given offset
	ActiveContracts(ctx context.Context, parties []string, atOffset int64) ([]*Created, error)
	// Updates opens an update subscription
	Updates(ctx context.Context, req StreamRequest) (Stream, error)
	Close() error
}

// TokenSource supplies the bearer credential attached to each RPC. The
// token is read at call time so long-lived clients pick up refreshes.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}
