package ledger

import (
	"errors"
	"fmt"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// PrunedDataReason is the error-info reason participants attach when a
// subscription begins below the pruning offset.
const PrunedDataReason = "PARTICIPANT_PRUNED_DATA_ACCESSED"

// DataPrunedError reports that the requested begin offset predates the
// participant's pruning point. Not retryable: the operator must raise
// begin_offset above EarliestOffset.
type DataPrunedError struct {
	EarliestOffset int64
}

func (e *DataPrunedError) Error() string {
	return fmt.Sprintf("requested offset predates pruning, earliest retained offset is %d", e.EarliestOffset)
}

// MalformedError reports an unparseable message or a broken stream
// invariant. Not retryable: it indicates data corruption.
type MalformedError struct {
	Detail string
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed ledger message: %s: %v", e.Detail, e.Err)
	}
	return fmt.Sprintf("malformed ledger message: %s", e.Detail)
}

func (e *MalformedError) Unwrap() error { return e.Err }

// IsUnauthenticated reports whether err is an authentication failure from
// the participant
func IsUnauthenticated(err error) bool {
	return status.Code(err) == codes.Unauthenticated
}

// IsFatal reports whether err can never be cured by reconnecting
func IsFatal(err error) bool {
	var pruned *DataPrunedError
	var malformed *MalformedError
	return errors.As(err, &pruned) || errors.As(err, &malformed)
}

// mapRPCError translates gRPC status errors into the package's error
// taxonomy. Pruning rejections become DataPrunedError; everything else is
// passed through for the caller's retry policy.
func mapRPCError(err error) error {
	if err == nil {
		return nil
	}

	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	if st.Code() == codes.FailedPrecondition {
		for _, d := range st.Details() {
			info, ok := d.(*errdetails.ErrorInfo)
			if !ok || info.GetReason() != PrunedDataReason {
				continue
			}
			pruned := &DataPrunedError{}
			if raw, ok := info.GetMetadata()["earliest_offset"]; ok {
				fmt.Sscanf(raw, "%d", &pruned.EarliestOffset)
			}
			return pruned
		}
	}

	return err
}
