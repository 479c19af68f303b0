package ledger

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Hand-rolled encoding of the participant API message subset. Field
// numbers mirror api/ledgerapi/v1/ledgerapi.proto; the two files must
// change together.

func encodeGetLedgerEndRequest() []byte {
	return nil
}

func decodeGetLedgerEndResponse(b []byte) (int64, error) {
	var offset int64
	err := eachField(b, func(num protowire.Number, typ protowire.Type, payload []byte) error {
		if num == 1 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(payload)
			if n < 0 {
				return protowire.ParseError(n)
			}
			offset = int64(v)
		}
		return nil
	})
	if err != nil {
		return 0, &MalformedError{Detail: "ledger end response", Err: err}
	}
	return offset, nil
}

func encodeGetActiveContractsRequest(parties []string, atOffset int64) []byte {
	var b []byte
	for _, p := range parties {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, p)
	}
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(atOffset))
	return b
}

func decodeGetActiveContractsResponse(b []byte) (*Created, error) {
	var created *Created
	err := eachField(b, func(num protowire.Number, typ protowire.Type, payload []byte) error {
		if num == 1 && typ == protowire.BytesType {
			msg, n := protowire.ConsumeBytes(payload)
			if n < 0 {
				return protowire.ParseError(n)
			}
			c, err := decodeCreated(msg)
			if err != nil {
				return err
			}
			created = c
		}
		return nil
	})
	if err != nil {
		return nil, &MalformedError{Detail: "active contracts response", Err: err}
	}
	return created, nil
}

func encodeGetUpdatesRequest(req StreamRequest) []byte {
	var b []byte
	for _, p := range req.Parties {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, p)
	}
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(req.BeginExclusive))
	if req.EndInclusive != nil {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*req.EndInclusive))
	}
	return b
}

func decodeGetUpdatesResponse(b []byte) (Update, error) {
	var update Update
	err := eachField(b, func(num protowire.Number, typ protowire.Type, payload []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		msg, n := protowire.ConsumeBytes(payload)
		if n < 0 {
			return protowire.ParseError(n)
		}
		switch num {
		case 1:
			tx, err := decodeTransaction(msg)
			if err != nil {
				return err
			}
			update = tx
		case 2:
			re, err := decodeReassignment(msg)
			if err != nil {
				return err
			}
			update = re
		case 3:
			cp, err := decodeCheckpoint(msg)
			if err != nil {
				return err
			}
			update = cp
		}
		return nil
	})
	if err != nil {
		return nil, &MalformedError{Detail: "update response", Err: err}
	}
	if update == nil {
		return nil, &MalformedError{Detail: "update response carries no update"}
	}
	return update, nil
}

func decodeTransaction(b []byte) (*Transaction, error) {
	tx := &Transaction{}
	err := eachField(b, func(num protowire.Number, typ protowire.Type, payload []byte) error {
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(payload)
			if n < 0 {
				return protowire.ParseError(n)
			}
			tx.Offset = int64(v)
		case 2:
			s, n := protowire.ConsumeString(payload)
			if n < 0 {
				return protowire.ParseError(n)
			}
			tx.UpdateID = s
		case 3:
			s, n := protowire.ConsumeString(payload)
			if n < 0 {
				return protowire.ParseError(n)
			}
			tx.CommandID = s
		case 4:
			ts, err := decodeNestedTimestamp(payload)
			if err != nil {
				return err
			}
			tx.EffectiveAt = ts
		case 5:
			ts, err := decodeNestedTimestamp(payload)
			if err != nil {
				return err
			}
			tx.RecordTime = ts
		case 6:
			s, n := protowire.ConsumeString(payload)
			if n < 0 {
				return protowire.ParseError(n)
			}
			tx.RequestingParties = append(tx.RequestingParties, s)
		case 7:
			msg, n := protowire.ConsumeBytes(payload)
			if n < 0 {
				return protowire.ParseError(n)
			}
			ev, err := decodeEvent(msg)
			if err != nil {
				return err
			}
			tx.Events = append(tx.Events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func decodeReassignment(b []byte) (*Reassignment, error) {
	re := &Reassignment{}
	err := eachField(b, func(num protowire.Number, typ protowire.Type, payload []byte) error {
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(payload)
			if n < 0 {
				return protowire.ParseError(n)
			}
			re.Offset = int64(v)
		case 2:
			s, n := protowire.ConsumeString(payload)
			if n < 0 {
				return protowire.ParseError(n)
			}
			re.UpdateID = s
		case 3:
			ts, err := decodeNestedTimestamp(payload)
			if err != nil {
				return err
			}
			re.RecordTime = ts
		case 4:
			msg, n := protowire.ConsumeBytes(payload)
			if n < 0 {
				return protowire.ParseError(n)
			}
			c, err := decodeCreated(msg)
			if err != nil {
				return err
			}
			re.Created = c
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return re, nil
}

func decodeCheckpoint(b []byte) (*Checkpoint, error) {
	cp := &Checkpoint{}
	err := eachField(b, func(num protowire.Number, typ protowire.Type, payload []byte) error {
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(payload)
			if n < 0 {
				return protowire.ParseError(n)
			}
			cp.Offset = int64(v)
		case 2:
			ts, err := decodeNestedTimestamp(payload)
			if err != nil {
				return err
			}
			cp.RecordTime = ts
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

func decodeEvent(b []byte) (Event, error) {
	var ev Event
	err := eachField(b, func(num protowire.Number, typ protowire.Type, payload []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		msg, n := protowire.ConsumeBytes(payload)
		if n < 0 {
			return protowire.ParseError(n)
		}
		switch num {
		case 1:
			c, err := decodeCreated(msg)
			if err != nil {
				return err
			}
			ev = c
		case 2:
			ex, err := decodeExercised(msg)
			if err != nil {
				return err
			}
			ev = ex
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, fmt.Errorf("event carries neither created nor exercised")
	}
	return ev, nil
}

func decodeCreated(b []byte) (*Created, error) {
	c := &Created{}
	err := eachField(b, func(num protowire.Number, typ protowire.Type, payload []byte) error {
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(payload)
			if n < 0 {
				return protowire.ParseError(n)
			}
			c.NodeID = int64(v)
		case 2:
			s, n := protowire.ConsumeString(payload)
			if n < 0 {
				return protowire.ParseError(n)
			}
			c.ContractID = s
		case 3:
			s, n := protowire.ConsumeString(payload)
			if n < 0 {
				return protowire.ParseError(n)
			}
			c.TemplateName = s
		case 4:
			s, n := protowire.ConsumeString(payload)
			if n < 0 {
				return protowire.ParseError(n)
			}
			c.Signatories = append(c.Signatories, s)
		case 5:
			s, n := protowire.ConsumeString(payload)
			if n < 0 {
				return protowire.ParseError(n)
			}
			c.Observers = append(c.Observers, s)
		case 6:
			raw, n := protowire.ConsumeBytes(payload)
			if n < 0 {
				return protowire.ParseError(n)
			}
			c.Payload = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func decodeExercised(b []byte) (*Exercised, error) {
	ex := &Exercised{}
	err := eachField(b, func(num protowire.Number, typ protowire.Type, payload []byte) error {
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(payload)
			if n < 0 {
				return protowire.ParseError(n)
			}
			ex.NodeID = int64(v)
		case 2:
			s, n := protowire.ConsumeString(payload)
			if n < 0 {
				return protowire.ParseError(n)
			}
			ex.TargetContractID = s
		case 3:
			s, n := protowire.ConsumeString(payload)
			if n < 0 {
				return protowire.ParseError(n)
			}
			ex.ChoiceName = s
		case 4:
			s, n := protowire.ConsumeString(payload)
			if n < 0 {
				return protowire.ParseError(n)
			}
			ex.ActingParties = append(ex.ActingParties, s)
		case 5:
			v, n := protowire.ConsumeVarint(payload)
			if n < 0 {
				return protowire.ParseError(n)
			}
			ex.Consuming = v != 0
		case 6:
			v, n := protowire.ConsumeVarint(payload)
			if n < 0 {
				return protowire.ParseError(n)
			}
			ex.LastDescendant = int64(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if ex.LastDescendant < ex.NodeID {
		return nil, fmt.Errorf("exercised node %d has last descendant %d below itself", ex.NodeID, ex.LastDescendant)
	}
	return ex, nil
}

func decodeNestedTimestamp(payload []byte) (time.Time, error) {
	msg, n := protowire.ConsumeBytes(payload)
	if n < 0 {
		return time.Time{}, protowire.ParseError(n)
	}
	var seconds, nanos int64
	err := eachField(msg, func(num protowire.Number, typ protowire.Type, inner []byte) error {
		v, n := protowire.ConsumeVarint(inner)
		if n < 0 {
			return protowire.ParseError(n)
		}
		switch num {
		case 1:
			seconds = int64(v)
		case 2:
			nanos = int64(v)
		}
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	if seconds == 0 && nanos == 0 {
		return time.Time{}, nil
	}
	return time.Unix(seconds, nanos).UTC(), nil
}

// eachField walks the top-level fields of an encoded message. fn receives
// the tail of the buffer starting at the field payload and must not
// consume past its own field; unknown fields are skipped here.
func eachField(b []byte, fn func(num protowire.Number, typ protowire.Type, payload []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(num, typ, b); err != nil {
			return err
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}
