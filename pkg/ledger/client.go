package ledger

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/damlgraph/damlgraph/pkg/log"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

const (
	ledgerEndMethod       = "/ledgerapi.v1.StateService/GetLedgerEnd"
	activeContractsMethod = "/ledgerapi.v1.StateService/GetActiveContracts"
	updatesMethod         = "/ledgerapi.v1.UpdateService/GetUpdates"
)

// frame carries an already-encoded message through grpc
type frame struct {
	payload []byte
}

// rawCodec moves frames through grpc untouched. Serialisation lives in
// wire.go, next to the field numbers it depends on.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*frame)
	if !ok {
		return nil, fmt.Errorf("rawCodec: unexpected message type %T", v)
	}
	return f.payload, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*frame)
	if !ok {
		return fmt.Errorf("rawCodec: unexpected message type %T", v)
	}
	f.payload = data
	return nil
}

// Name keeps the standard proto content subtype so participants accept
// the frames.
func (rawCodec) Name() string { return "proto" }

// GRPCClient implements Client against a participant's gRPC endpoint
type GRPCClient struct {
	conn   *grpc.ClientConn
	tokens TokenSource
	logger zerolog.Logger
}

// Dial connects to a participant. A https:// prefix selects TLS with
// system roots; anything else dials in the clear (local sandboxes).
func Dial(target string, tokens TokenSource) (*GRPCClient, error) {
	creds := insecure.NewCredentials()
	if strings.HasPrefix(target, "https://") {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	target = strings.TrimPrefix(strings.TrimPrefix(target, "https://"), "http://")

	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to participant: %w", err)
	}

	return &GRPCClient{
		conn:   conn,
		tokens: tokens,
		logger: log.WithComponent("ledger"),
	}, nil
}

// Close closes the underlying connection
func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

// authContext attaches the current bearer credential as call metadata.
// The token is fetched per call so streams opened after a refresh carry
// the new credential.
func (c *GRPCClient) authContext(ctx context.Context) (context.Context, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token), nil
}

// LedgerEnd returns the participant's current end offset
func (c *GRPCClient) LedgerEnd(ctx context.Context) (int64, error) {
	ctx, err := c.authContext(ctx)
	if err != nil {
		return 0, err
	}

	resp := &frame{}
	if err := c.conn.Invoke(ctx, ledgerEndMethod, &frame{payload: encodeGetLedgerEndRequest()}, resp); err != nil {
		return 0, mapRPCError(err)
	}
	return decodeGetLedgerEndResponse(resp.payload)
}

// ActiveContracts fetches the active contract set visible to parties as
// of atOffset
func (c *GRPCClient) ActiveContracts(ctx context.Context, parties []string, atOffset int64) ([]*Created, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	authCtx, err := c.authContext(ctx)
	if err != nil {
		return nil, err
	}

	desc := &grpc.StreamDesc{StreamName: "GetActiveContracts", ServerStreams: true}
	cs, err := c.conn.NewStream(authCtx, desc, activeContractsMethod)
	if err != nil {
		return nil, mapRPCError(err)
	}
	if err := cs.SendMsg(&frame{payload: encodeGetActiveContractsRequest(parties, atOffset)}); err != nil {
		return nil, mapRPCError(err)
	}
	if err := cs.CloseSend(); err != nil {
		return nil, mapRPCError(err)
	}

	var contracts []*Created
	for {
		resp := &frame{}
		if err := cs.RecvMsg(resp); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, mapRPCError(err)
		}
		created, err := decodeGetActiveContractsResponse(resp.payload)
		if err != nil {
			return nil, err
		}
		if created != nil {
			contracts = append(contracts, created)
		}
	}

	c.logger.Debug().Int("contracts", len(contracts)).Int64("offset", atOffset).Msg("loaded active contract set")
	return contracts, nil
}

// Updates opens an update subscription starting after req.BeginExclusive
func (c *GRPCClient) Updates(ctx context.Context, req StreamRequest) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)

	authCtx, err := c.authContext(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	desc := &grpc.StreamDesc{StreamName: "GetUpdates", ServerStreams: true}
	cs, err := c.conn.NewStream(authCtx, desc, updatesMethod)
	if err != nil {
		cancel()
		return nil, mapRPCError(err)
	}
	if err := cs.SendMsg(&frame{payload: encodeGetUpdatesRequest(req)}); err != nil {
		cancel()
		return nil, mapRPCError(err)
	}
	if err := cs.CloseSend(); err != nil {
		cancel()
		return nil, mapRPCError(err)
	}

	c.logger.Debug().
		Int64("begin_exclusive", req.BeginExclusive).
		Strs("parties", req.Parties).
		Msg("update subscription opened")

	return &updateStream{cs: cs, cancel: cancel}, nil
}

// updateStream adapts a raw grpc stream to the Stream interface
type updateStream struct {
	cs     grpc.ClientStream
	cancel context.CancelFunc
}

func (s *updateStream) Recv() (Update, error) {
	resp := &frame{}
	if err := s.cs.RecvMsg(resp); err != nil {
		return nil, mapRPCError(err)
	}
	return decodeGetUpdatesResponse(resp.payload)
}

func (s *updateStream) Close() error {
	s.cancel()
	return nil
}
