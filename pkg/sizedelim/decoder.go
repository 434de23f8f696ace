// Package sizedelim decodes a byte stream into a lazy, cancellable
// sequence of length-delimited protobuf messages: a varint length N
// followed by exactly N payload bytes, repeated until the upstream
// source ends (spec §4.A).
package sizedelim

import (
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrTruncatedFrame is returned when the upstream source ends with a
// non-empty, incomplete frame buffered (spec §4.A: "this is a
// truncated-frame error").
var ErrTruncatedFrame = errors.New("sizedelim: truncated frame at end of stream")

// Unmarshal decodes a single frame's payload bytes into a T.
type Unmarshal[T any] func([]byte) (T, error)

// Decoder turns r into a pull-based sequence of T. It is single-reader:
// only one goroutine should call Next at a time.
type Decoder[T any] struct {
	r         io.Reader
	unmarshal Unmarshal[T]
	buf       []byte
	readBuf   []byte
	eof       bool
}

// New wraps r, decoding each frame's payload with unmarshal.
func New[T any](r io.Reader, unmarshal Unmarshal[T]) *Decoder[T] {
	return &Decoder[T]{
		r:         r,
		unmarshal: unmarshal,
		readBuf:   make([]byte, 32*1024),
	}
}

// Next returns the next decoded message, io.EOF when the stream ended
// cleanly on a frame boundary, or ErrTruncatedFrame when the stream
// ended mid-frame. It does not copy the buffer more than necessary: the
// bytes handed to unmarshal are a slice of the internal buffer valid
// only until the next Next call.
func (d *Decoder[T]) Next() (T, error) {
	var zero T
	for {
		if msg, consumed, ok, err := d.tryDecodeOne(); err != nil {
			return zero, err
		} else if ok {
			d.buf = d.buf[consumed:]
			return msg, nil
		}

		if d.eof {
			if len(d.buf) > 0 {
				return zero, ErrTruncatedFrame
			}
			return zero, io.EOF
		}

		n, err := d.r.Read(d.readBuf)
		if n > 0 {
			d.buf = append(d.buf, d.readBuf[:n]...)
		}
		if err != nil {
			if err == io.EOF {
				d.eof = true
				continue
			}
			return zero, fmt.Errorf("sizedelim: reading upstream: %w", err)
		}
	}
}

// tryDecodeOne attempts to decode exactly one frame out of d.buf without
// mutating d.buf; the caller advances d.buf on success.
func (d *Decoder[T]) tryDecodeOne() (msg T, consumed int, ok bool, err error) {
	var zero T
	if len(d.buf) == 0 {
		return zero, 0, false, nil
	}

	length, n := protowire.ConsumeVarint(d.buf)
	if n < 0 {
		// Not enough bytes yet to read the varint itself.
		return zero, 0, false, nil
	}
	if int(length) < 0 || uint64(n)+length > uint64(len(d.buf)) {
		// Varint parsed, but payload isn't fully buffered yet.
		return zero, 0, false, nil
	}

	payload := d.buf[n : n+int(length)]
	decoded, err := d.unmarshal(payload)
	if err != nil {
		return zero, 0, false, fmt.Errorf("sizedelim: decoding frame: %w", err)
	}
	return decoded, n + int(length), true, nil
}
