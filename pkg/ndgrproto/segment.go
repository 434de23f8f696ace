package ndgrproto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// PackedSegment is a one-shot historic page returned by a backward URI
// fetch (spec §3, §4.F). Messages is forward chronological within the
// page; successive pages via Next walk further into the past.
type PackedSegment struct {
	Messages    []*ChunkedMessage
	NextURI     string
	HasNext     bool
	SnapshotURI string
	HasSnapshot bool
}

const (
	packedFieldMessages = 1
	packedFieldNext     = 2
	packedFieldSnapshot = 3
)

// UnmarshalPackedSegment decodes a full PackedSegment body (not
// size-delimited: the backward endpoint returns exactly one message per
// response, see spec §6).
func UnmarshalPackedSegment(b []byte) (*PackedSegment, error) {
	p := &PackedSegment{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("ndgrproto: PackedSegment: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case packedFieldMessages:
			sub, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, fmt.Errorf("ndgrproto: PackedSegment.messages: %w", err)
			}
			b = b[n:]
			msg, err := UnmarshalChunkedMessage(sub)
			if err != nil {
				return nil, err
			}
			p.Messages = append(p.Messages, msg)
		case packedFieldNext:
			sub, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, fmt.Errorf("ndgrproto: PackedSegment.next: %w", err)
			}
			b = b[n:]
			uri, err := unmarshalURIOnly(sub, 1)
			if err != nil {
				return nil, err
			}
			p.NextURI = uri
			p.HasNext = true
		case packedFieldSnapshot:
			sub, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, fmt.Errorf("ndgrproto: PackedSegment.snapshot: %w", err)
			}
			b = b[n:]
			uri, err := unmarshalURIOnly(sub, 1)
			if err != nil {
				return nil, err
			}
			p.SnapshotURI = uri
			p.HasSnapshot = true
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("ndgrproto: PackedSegment: skip field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return p, nil
}
