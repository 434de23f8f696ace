package message

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/mujurin/ndgrclient-go/pkg/asyncchannel"
	"github.com/mujurin/ndgrclient-go/pkg/entry"
	"github.com/mujurin/ndgrclient-go/pkg/ndgrproto"
)

type fakeOpener struct {
	pages map[string][]byte
}

func (f *fakeOpener) open(ctx context.Context, uri string) (io.ReadCloser, error) {
	b := f.pages[uri]
	return io.NopCloser(bytes.NewReader(b)), nil
}

func frame(payload []byte) []byte {
	var b []byte
	b = protowire.AppendVarint(b, uint64(len(payload)))
	return append(b, payload...)
}

func TestFetcherConcatenatesSegments(t *testing.T) {
	opener := &fakeOpener{pages: map[string][]byte{}}

	var seg1 bytes.Buffer
	seg1.Write(frame(ndgrproto.MarshalChatMessage("m1", 100, 0, []byte("hi"))))
	opener.pages["https://seg/1"] = seg1.Bytes()

	var seg2 bytes.Buffer
	seg2.Write(frame(ndgrproto.MarshalChatMessage("m2", 200, 0, []byte("there"))))
	opener.pages["https://seg/2"] = seg2.Bytes()

	in := asyncchannel.New[entry.ForwardSegment]()
	in.Enqueue(entry.ForwardSegment{URI: "https://seg/1"})
	in.Enqueue(entry.ForwardSegment{URI: "https://seg/2"})
	in.Close()

	f := Start(context.Background(), opener.open, in, "")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	m1, err := f.Out().Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "m1", m1.Meta.ID)

	m2, err := f.Out().Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "m2", m2.Meta.ID)

	_, err = f.Out().Next(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestFetcherSkipsInclusiveUpToMetaID(t *testing.T) {
	opener := &fakeOpener{pages: map[string][]byte{}}

	var seg bytes.Buffer
	seg.Write(frame(ndgrproto.MarshalChatMessage("m1", 100, 0, []byte("a"))))
	seg.Write(frame(ndgrproto.MarshalChatMessage("m2", 200, 0, []byte("b"))))
	seg.Write(frame(ndgrproto.MarshalChatMessage("m3", 300, 0, []byte("c"))))
	opener.pages["https://seg/1"] = seg.Bytes()

	in := asyncchannel.New[entry.ForwardSegment]()
	in.Enqueue(entry.ForwardSegment{URI: "https://seg/1"})
	in.Close()

	f := Start(context.Background(), opener.open, in, "m2")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	m3, err := f.Out().Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "m3", m3.Meta.ID)

	_, err = f.Out().Next(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestFetcherStopsOnProgramEnded(t *testing.T) {
	opener := &fakeOpener{pages: map[string][]byte{}}

	var seg1 bytes.Buffer
	seg1.Write(frame(ndgrproto.MarshalChatMessage("m1", 100, 0, []byte("a"))))
	seg1.Write(frame(ndgrproto.MarshalStateMessage("m2", 200, 0, ndgrproto.ProgramStateEnded)))
	opener.pages["https://seg/1"] = seg1.Bytes()
	opener.pages["https://seg/2"] = frame(ndgrproto.MarshalChatMessage("m3", 300, 0, []byte("never")))

	in := asyncchannel.New[entry.ForwardSegment]()
	in.Enqueue(entry.ForwardSegment{URI: "https://seg/1"})
	in.Enqueue(entry.ForwardSegment{URI: "https://seg/2"})
	in.Close()

	f := Start(context.Background(), opener.open, in, "")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	m1, err := f.Out().Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "m1", m1.Meta.ID)

	m2, err := f.Out().Next(ctx)
	require.NoError(t, err)
	require.True(t, m2.IsProgramEnded())

	_, err = f.Out().Next(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestFetcherTracksLastMeta(t *testing.T) {
	opener := &fakeOpener{pages: map[string][]byte{}}

	var seg bytes.Buffer
	seg.Write(frame(ndgrproto.MarshalChatMessage("m1", 100, 0, []byte("a"))))
	opener.pages["https://seg/1"] = seg.Bytes()

	in := asyncchannel.New[entry.ForwardSegment]()
	in.Enqueue(entry.ForwardSegment{URI: "https://seg/1"})
	in.Close()

	f := Start(context.Background(), opener.open, in, "")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := f.Out().Next(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		meta, ok := f.LastMeta()
		return ok && meta.ID == "m1"
	}, time.Second, 10*time.Millisecond)
}
