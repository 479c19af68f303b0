/*
Package ledger models the participant-facing side of the sync engine.

The Client interface presents the participant as a lazy sequence of
updates plus two snapshot queries (ledger end and active contract set).
GRPCClient implements it over the participant's server-streaming gRPC
API, attaching the current bearer token to every call.

Messages are encoded and decoded by hand against the field numbers in
api/ledgerapi/v1/ledgerapi.proto (see wire.go); the grpc layer moves
opaque frames via a pass-through codec. Unknown fields from newer
participants are skipped, unparseable frames surface as MalformedError,
and pruning rejections as DataPrunedError.
*/
package ledger
