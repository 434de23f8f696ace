package sizedelim

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func frame(payload []byte) []byte {
	var b []byte
	b = protowire.AppendVarint(b, uint64(len(payload)))
	return append(b, payload...)
}

func identity(b []byte) (string, error) {
	return string(b), nil
}

func TestDecoderSingleMessage(t *testing.T) {
	data := frame([]byte("hello"))
	d := New(bytes.NewReader(data), identity)

	msg, err := d.Next()
	require.NoError(t, err)
	require.Equal(t, "hello", msg)

	_, err = d.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestDecoderMultipleMessages(t *testing.T) {
	var data []byte
	data = append(data, frame([]byte("first"))...)
	data = append(data, frame([]byte("second"))...)
	data = append(data, frame([]byte("third"))...)

	d := New(bytes.NewReader(data), identity)

	for _, want := range []string{"first", "second", "third"} {
		got, err := d.Next()
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := d.Next()
	require.ErrorIs(t, err, io.EOF)
}

// chunkedReader dribbles out n bytes at a time, simulating a slow or
// fragmented upstream HTTP body.
type chunkedReader struct {
	data     []byte
	pos      int
	perRead  int
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if c.pos >= len(c.data) {
		return 0, io.EOF
	}
	n := c.perRead
	if n > len(p) {
		n = len(p)
	}
	remaining := len(c.data) - c.pos
	if n > remaining {
		n = remaining
	}
	copy(p, c.data[c.pos:c.pos+n])
	c.pos += n
	return n, nil
}

func TestDecoderHandlesFragmentedReads(t *testing.T) {
	msg := strings.Repeat("x", 5000)
	data := frame([]byte(msg))

	d := New(&chunkedReader{data: data, perRead: 7}, identity)
	got, err := d.Next()
	require.NoError(t, err)
	require.Equal(t, msg, got)

	_, err = d.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestDecoderTruncatedFrame(t *testing.T) {
	data := frame([]byte("this is the message"))
	truncated := data[:len(data)-1]

	d := New(bytes.NewReader(truncated), identity)
	_, err := d.Next()
	require.True(t, errors.Is(err, ErrTruncatedFrame))
}

func TestDecoderTruncatedVarintHeader(t *testing.T) {
	// A single 0x80 byte is an incomplete varint: high bit set, no
	// continuation byte ever arrives.
	d := New(bytes.NewReader([]byte{0x80}), identity)
	_, err := d.Next()
	require.True(t, errors.Is(err, ErrTruncatedFrame))
}

func TestDecoderCleanEmptyStream(t *testing.T) {
	d := New(bytes.NewReader(nil), identity)
	_, err := d.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestDecoderPropagatesUnmarshalError(t *testing.T) {
	boom := errors.New("boom")
	d := New(bytes.NewReader(frame([]byte("x"))), func([]byte) (string, error) {
		return "", boom
	})
	_, err := d.Next()
	require.ErrorIs(t, err, boom)
}
