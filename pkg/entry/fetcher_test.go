package entry

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/mujurin/ndgrclient-go/pkg/ndgrproto"
)

// fakeOpener serves a fixed byte stream per `at` value and records the
// sequence of `at` values requested, so tests can assert the next-link
// chain was followed in order.
type fakeOpener struct {
	pages map[string][]byte
	seen  []string
}

func (f *fakeOpener) open(ctx context.Context, uri string) (io.ReadCloser, error) {
	f.seen = append(f.seen, uri)
	b, ok := f.pages[uri]
	if !ok {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func frame(payload []byte) []byte {
	var b []byte
	b = protowire.AppendVarint(b, uint64(len(payload)))
	return append(b, payload...)
}

func TestFetcherFollowsNextAndEmitsSegments(t *testing.T) {
	opener := &fakeOpener{pages: map[string][]byte{}}

	var page0 bytes.Buffer
	page0.Write(frame(ndgrproto.MarshalSegmentEntry("https://seg/1", 0, 100)))
	page0.Write(frame(ndgrproto.MarshalNextEntry(200)))
	opener.pages["https://view.test?at=0"] = page0.Bytes()

	var page1 bytes.Buffer
	page1.Write(frame(ndgrproto.MarshalSegmentEntry("https://seg/2", 100, 200)))
	opener.pages["https://view.test?at=200"] = page1.Bytes()

	f := Start(context.Background(), opener.open, "https://view.test", 0, false)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	seg1, err := f.Out().Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "https://seg/1", seg1.URI)

	seg2, err := f.Out().Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "https://seg/2", seg2.URI)

	_, err = f.Out().Next(ctx)
	require.ErrorIs(t, err, io.EOF)

	require.Equal(t, []string{"https://view.test?at=0", "https://view.test?at=200"}, opener.seen)
}

func TestFetcherCapturesFirstBackwardOnlyBeforeSegmentSeen(t *testing.T) {
	opener := &fakeOpener{pages: map[string][]byte{}}

	var page0 bytes.Buffer
	page0.Write(frame(ndgrproto.MarshalBackwardEntry("https://back/1", "")))
	page0.Write(frame(ndgrproto.MarshalSegmentEntry("https://seg/1", 0, 100)))
	page0.Write(frame(ndgrproto.MarshalBackwardEntry("https://back/2", "")))
	opener.pages["https://view.test?at=0"] = page0.Bytes()

	f := Start(context.Background(), opener.open, "https://view.test", 0, false)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	seg, err := f.Out().Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "https://seg/1", seg.URI)

	select {
	case bw := <-f.Backward():
		require.Equal(t, "https://back/1", bw.SegmentURI)
	case <-ctx.Done():
		t.Fatal("backward never resolved")
	}
}

func TestFetcherInlinesPreviousBeforeSegmentSeen(t *testing.T) {
	opener := &fakeOpener{pages: map[string][]byte{}}

	var page0 bytes.Buffer
	page0.Write(frame(ndgrproto.MarshalPreviousEntry("https://prev/1")))
	page0.Write(frame(ndgrproto.MarshalSegmentEntry("https://seg/1", 0, 100)))
	opener.pages["https://view.test?at=0"] = page0.Bytes()

	f := Start(context.Background(), opener.open, "https://view.test", 0, false)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first, err := f.Out().Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "https://prev/1", first.URI)

	second, err := f.Out().Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "https://seg/1", second.URI)
}

func TestFetcherRecordsLastEntryAt(t *testing.T) {
	opener := &fakeOpener{pages: map[string][]byte{}}

	var page0 bytes.Buffer
	page0.Write(frame(ndgrproto.MarshalNextEntry(42)))
	opener.pages["https://view.test?at=0"] = page0.Bytes()

	f := Start(context.Background(), opener.open, "https://view.test", 0, false)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := f.Out().Next(ctx)
	require.ErrorIs(t, err, io.EOF)

	require.Eventually(t, func() bool {
		at, ok := f.LastEntryAt()
		return ok && at == 42
	}, time.Second, 10*time.Millisecond)
}
