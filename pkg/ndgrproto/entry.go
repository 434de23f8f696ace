// Package ndgrproto holds the wire message shapes the ndgr chat
// infrastructure streams over HTTP: ChunkedEntry, ChunkedMessage and
// PackedSegment. Full protoc-generated bindings are out of scope (the
// schema is assumed available and referenced by name); these types
// decode the same wire shapes field-by-field using protowire, which is
// enough to drive pkg/sizedelim and the fetchers against real traffic.
package ndgrproto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// EntryCase discriminates the oneof carried by a ChunkedEntry.
type EntryCase int

const (
	EntryCaseUnknown EntryCase = iota
	EntryCaseBackward
	EntryCasePrevious
	EntryCaseSegment
	EntryCaseNext
)

// Backward points at the historic bulk-fetch chains for a live program.
type Backward struct {
	SegmentURI string
	HasSegment bool
	SnapshotURI string
	HasSnapshot bool
}

// Segment is a forward-looking sub-stream of the message channel.
type Segment struct {
	URI   string
	From  int64
	Until int64
}

// Previous is a one-shot historic sub-segment inlined ahead of a fetch's
// forward segments.
type Previous struct {
	URI string
}

// Next instructs the entry fetcher to rearm the entry stream at At.
type Next struct {
	At int64
}

// ChunkedEntry is one frame of the entry stream (see spec §3, §4.D).
type ChunkedEntry struct {
	Case     EntryCase
	Backward Backward
	Previous Previous
	Segment  Segment
	Next     Next
}

// field numbers per the ndgr ChunkedEntry schema.
const (
	entryFieldBackward = 1
	entryFieldPrevious = 2
	entryFieldSegment  = 3
	entryFieldNext     = 4

	backwardFieldSegment  = 1
	backwardFieldSnapshot = 2

	segmentFieldURI   = 1
	segmentFieldFrom  = 2
	segmentFieldUntil = 3

	nextFieldAt = 1
)

// UnmarshalChunkedEntry decodes a single length-delimited ChunkedEntry
// payload (the bytes already stripped of their varint length prefix by
// pkg/sizedelim).
func UnmarshalChunkedEntry(b []byte) (*ChunkedEntry, error) {
	e := &ChunkedEntry{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("ndgrproto: ChunkedEntry: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case entryFieldBackward:
			sub, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, fmt.Errorf("ndgrproto: ChunkedEntry.backward: %w", err)
			}
			b = b[n:]
			bw, err := unmarshalBackward(sub)
			if err != nil {
				return nil, err
			}
			e.Case = EntryCaseBackward
			e.Backward = *bw
		case entryFieldPrevious:
			sub, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, fmt.Errorf("ndgrproto: ChunkedEntry.previous: %w", err)
			}
			b = b[n:]
			uri, err := unmarshalURIOnly(sub, 1)
			if err != nil {
				return nil, err
			}
			e.Case = EntryCasePrevious
			e.Previous = Previous{URI: uri}
		case entryFieldSegment:
			sub, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, fmt.Errorf("ndgrproto: ChunkedEntry.segment: %w", err)
			}
			b = b[n:]
			seg, err := unmarshalSegment(sub)
			if err != nil {
				return nil, err
			}
			e.Case = EntryCaseSegment
			e.Segment = *seg
		case entryFieldNext:
			sub, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, fmt.Errorf("ndgrproto: ChunkedEntry.next: %w", err)
			}
			b = b[n:]
			at, err := unmarshalVarintField(sub, nextFieldAt)
			if err != nil {
				return nil, err
			}
			e.Case = EntryCaseNext
			e.Next = Next{At: at}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("ndgrproto: ChunkedEntry: skip unknown field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return e, nil
}

func unmarshalBackward(b []byte) (*Backward, error) {
	bw := &Backward{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("ndgrproto: Backward: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case backwardFieldSegment:
			sub, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			b = b[n:]
			uri, err := unmarshalURIOnly(sub, 1)
			if err != nil {
				return nil, err
			}
			bw.SegmentURI = uri
			bw.HasSegment = true
		case backwardFieldSnapshot:
			sub, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			b = b[n:]
			uri, err := unmarshalURIOnly(sub, 1)
			if err != nil {
				return nil, err
			}
			bw.SnapshotURI = uri
			bw.HasSnapshot = true
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("ndgrproto: Backward: skip field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return bw, nil
}

func unmarshalSegment(b []byte) (*Segment, error) {
	seg := &Segment{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("ndgrproto: Segment: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case segmentFieldURI:
			s, n, err := consumeString(b, typ)
			if err != nil {
				return nil, err
			}
			seg.URI = s
			b = b[n:]
		case segmentFieldFrom:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return nil, err
			}
			seg.From = int64(v)
			b = b[n:]
		case segmentFieldUntil:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return nil, err
			}
			seg.Until = int64(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("ndgrproto: Segment: skip field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return seg, nil
}

// unmarshalURIOnly decodes a single-field {uri string} message, used by
// both `backward.segment`/`backward.snapshot` and `previous`.
func unmarshalURIOnly(b []byte, uriField protowire.Number) (string, error) {
	var uri string
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", fmt.Errorf("ndgrproto: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if num == uriField {
			s, n, err := consumeString(b, typ)
			if err != nil {
				return "", err
			}
			uri = s
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return "", fmt.Errorf("ndgrproto: skip field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return uri, nil
}

func unmarshalVarintField(b []byte, field protowire.Number) (int64, error) {
	var v int64
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, fmt.Errorf("ndgrproto: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if num == field {
			val, n, err := consumeVarint(b, typ)
			if err != nil {
				return 0, err
			}
			v = int64(val)
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return 0, fmt.Errorf("ndgrproto: skip field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return v, nil
}

func consumeBytes(b []byte, typ protowire.Type) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("ndgrproto: expected bytes wire type, got %v", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeString(b []byte, typ protowire.Type) (string, int, error) {
	v, n, err := consumeBytes(b, typ)
	if err != nil {
		return "", 0, err
	}
	return string(v), n, nil
}

func consumeVarint(b []byte, typ protowire.Type) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("ndgrproto: expected varint wire type, got %v", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}
