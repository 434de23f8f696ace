package ndgrproto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// MessagePayloadCase discriminates the oneof carried by a ChunkedMessage.
type MessagePayloadCase int

const (
	PayloadCaseUnknown MessagePayloadCase = iota
	PayloadCaseMessage
	PayloadCaseState
	PayloadCaseSignal
)

// ProgramState mirrors the subset of NicoliveState.ProgramStatus.State
// the fetchers need to recognize program-ended.
type ProgramState int

const (
	ProgramStateUnspecified ProgramState = iota
	ProgramStateOnAir
	ProgramStateEnded
)

// Meta identifies a ChunkedMessage for dedup/resume purposes.
type Meta struct {
	ID       string
	AtSec    int64
	AtNanos  int32
	HasMeta  bool
}

// NicoliveState is the `state` payload case; only the fields the core
// engine inspects (program-ended detection) are modeled.
type NicoliveState struct {
	ProgramStatusState ProgramState
	HasProgramStatus   bool
}

// ChunkedMessage is one frame of a live or backward segment stream (see
// spec §3, §4.E, §4.F).
type ChunkedMessage struct {
	Meta    Meta
	Payload MessagePayloadCase
	State   NicoliveState
	// RawMessage/RawSignal hold the opaque payload bytes for the
	// `message`/`signal` cases: this engine only needs to recognize and
	// forward them, not interpret their internal chat-comment schema.
	RawMessage []byte
	RawSignal  []byte
}

const (
	chunkedMessageFieldMeta    = 1
	chunkedMessageFieldMessage = 2
	chunkedMessageFieldState   = 3
	chunkedMessageFieldSignal  = 4

	metaFieldID  = 1
	metaFieldAt  = 2

	stateFieldProgramStatus = 1
	programStatusFieldState = 1
)

// UnmarshalChunkedMessage decodes a single length-delimited ChunkedMessage
// payload.
func UnmarshalChunkedMessage(b []byte) (*ChunkedMessage, error) {
	m := &ChunkedMessage{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("ndgrproto: ChunkedMessage: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case chunkedMessageFieldMeta:
			sub, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, fmt.Errorf("ndgrproto: ChunkedMessage.meta: %w", err)
			}
			b = b[n:]
			meta, err := unmarshalMeta(sub)
			if err != nil {
				return nil, err
			}
			m.Meta = *meta
		case chunkedMessageFieldMessage:
			sub, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, fmt.Errorf("ndgrproto: ChunkedMessage.message: %w", err)
			}
			b = b[n:]
			m.Payload = PayloadCaseMessage
			m.RawMessage = sub
		case chunkedMessageFieldState:
			sub, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, fmt.Errorf("ndgrproto: ChunkedMessage.state: %w", err)
			}
			b = b[n:]
			st, err := unmarshalState(sub)
			if err != nil {
				return nil, err
			}
			m.Payload = PayloadCaseState
			m.State = *st
		case chunkedMessageFieldSignal:
			sub, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, fmt.Errorf("ndgrproto: ChunkedMessage.signal: %w", err)
			}
			b = b[n:]
			m.Payload = PayloadCaseSignal
			m.RawSignal = sub
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("ndgrproto: ChunkedMessage: skip field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return m, nil
}

func unmarshalMeta(b []byte) (*Meta, error) {
	meta := &Meta{HasMeta: true}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("ndgrproto: Meta: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case metaFieldID:
			s, n, err := consumeString(b, typ)
			if err != nil {
				return nil, err
			}
			meta.ID = s
			b = b[n:]
		case metaFieldAt:
			sub, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			b = b[n:]
			sec, nanos, err := unmarshalTimestamp(sub)
			if err != nil {
				return nil, err
			}
			meta.AtSec = sec
			meta.AtNanos = nanos
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("ndgrproto: Meta: skip field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return meta, nil
}

// unmarshalTimestamp decodes a google.protobuf.Timestamp-shaped
// {seconds, nanos} message.
func unmarshalTimestamp(b []byte) (sec int64, nanos int32, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, 0, fmt.Errorf("ndgrproto: Timestamp: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case 1:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return 0, 0, err
			}
			sec = int64(v)
			b = b[n:]
		case 2:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return 0, 0, err
			}
			nanos = int32(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return 0, 0, fmt.Errorf("ndgrproto: Timestamp: skip field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return sec, nanos, nil
}

func unmarshalState(b []byte) (*NicoliveState, error) {
	st := &NicoliveState{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("ndgrproto: NicoliveState: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if num == stateFieldProgramStatus {
			sub, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			b = b[n:]
			ps, err := unmarshalProgramStatus(sub)
			if err != nil {
				return nil, err
			}
			st.ProgramStatusState = ps
			st.HasProgramStatus = true
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return nil, fmt.Errorf("ndgrproto: NicoliveState: skip field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return st, nil
}

func unmarshalProgramStatus(b []byte) (ProgramState, error) {
	var state ProgramState
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, fmt.Errorf("ndgrproto: ProgramStatus: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if num == programStatusFieldState {
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return 0, err
			}
			state = ProgramState(v)
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return 0, fmt.Errorf("ndgrproto: ProgramStatus: skip field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return state, nil
}

// IsProgramEnded reports whether m is the payload=state,
// programStatus.state=Ended frame spec.md §3 defines as program-ended.
func (m *ChunkedMessage) IsProgramEnded() bool {
	return m.Payload == PayloadCaseState && m.State.HasProgramStatus && m.State.ProgramStatusState == ProgramStateEnded
}
