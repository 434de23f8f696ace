package ndgrproto

import "google.golang.org/protobuf/encoding/protowire"

// The Marshal* helpers below are used by the test suites in this module
// to build wire-accurate frames without
// depending on a live server. They are not required by the decode path
// in production, which only ever receives bytes over the wire.

func appendString(b []byte, field protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, field, protowire.BytesType)
	return protowire.AppendBytes(b, []byte(s))
}

func appendVarint(b []byte, field protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, field, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendMessage(b []byte, field protowire.Number, payload []byte) []byte {
	b = protowire.AppendTag(b, field, protowire.BytesType)
	return protowire.AppendBytes(b, payload)
}

func marshalURIOnly(uri string) []byte {
	return appendString(nil, 1, uri)
}

// MarshalBackwardEntry builds a ChunkedEntry carrying a `backward` case.
func MarshalBackwardEntry(segmentURI, snapshotURI string) []byte {
	var bw []byte
	if segmentURI != "" {
		bw = appendMessage(bw, backwardFieldSegment, marshalURIOnly(segmentURI))
	}
	if snapshotURI != "" {
		bw = appendMessage(bw, backwardFieldSnapshot, marshalURIOnly(snapshotURI))
	}
	return appendMessage(nil, entryFieldBackward, bw)
}

// MarshalPreviousEntry builds a ChunkedEntry carrying a `previous` case.
func MarshalPreviousEntry(uri string) []byte {
	return appendMessage(nil, entryFieldPrevious, marshalURIOnly(uri))
}

// MarshalSegmentEntry builds a ChunkedEntry carrying a `segment` case.
func MarshalSegmentEntry(uri string, from, until int64) []byte {
	var seg []byte
	seg = appendString(seg, segmentFieldURI, uri)
	seg = appendVarint(seg, segmentFieldFrom, from)
	seg = appendVarint(seg, segmentFieldUntil, until)
	return appendMessage(nil, entryFieldSegment, seg)
}

// MarshalNextEntry builds a ChunkedEntry carrying a `next` case.
func MarshalNextEntry(at int64) []byte {
	next := appendVarint(nil, nextFieldAt, at)
	return appendMessage(nil, entryFieldNext, next)
}

// MarshalTimestamp encodes a {seconds, nanos} timestamp message.
func MarshalTimestamp(sec int64, nanos int32) []byte {
	var b []byte
	b = appendVarint(b, 1, sec)
	b = appendVarint(b, 2, int64(nanos))
	return b
}

func marshalMeta(id string, sec int64, nanos int32) []byte {
	var b []byte
	b = appendString(b, metaFieldID, id)
	b = appendMessage(b, metaFieldAt, MarshalTimestamp(sec, nanos))
	return b
}

// MarshalChatMessage builds a ChunkedMessage carrying a `message` payload.
func MarshalChatMessage(metaID string, atSec int64, atNanos int32, raw []byte) []byte {
	var b []byte
	b = appendMessage(b, chunkedMessageFieldMeta, marshalMeta(metaID, atSec, atNanos))
	b = appendMessage(b, chunkedMessageFieldMessage, raw)
	return b
}

// MarshalStateMessage builds a ChunkedMessage carrying a `state` payload
// whose ProgramStatus.State is set to state.
func MarshalStateMessage(metaID string, atSec int64, atNanos int32, state ProgramState) []byte {
	var ps []byte
	ps = appendVarint(ps, programStatusFieldState, int64(state))
	var st []byte
	st = appendMessage(st, stateFieldProgramStatus, ps)

	var b []byte
	b = appendMessage(b, chunkedMessageFieldMeta, marshalMeta(metaID, atSec, atNanos))
	b = appendMessage(b, chunkedMessageFieldState, st)
	return b
}

// MarshalPackedSegment builds a PackedSegment body from already-encoded
// ChunkedMessage payloads (as produced by MarshalChatMessage /
// MarshalStateMessage) plus optional next/snapshot URIs.
func MarshalPackedSegment(messages [][]byte, nextURI, snapshotURI string) []byte {
	var b []byte
	for _, m := range messages {
		b = appendMessage(b, packedFieldMessages, m)
	}
	if nextURI != "" {
		b = appendMessage(b, packedFieldNext, marshalURIOnly(nextURI))
	}
	if snapshotURI != "" {
		b = appendMessage(b, packedFieldSnapshot, marshalURIOnly(snapshotURI))
	}
	return b
}
