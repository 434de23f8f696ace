package backward

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mujurin/ndgrclient-go/pkg/ndgrerr"
	"github.com/mujurin/ndgrclient-go/pkg/ndgrproto"
)

type fakeOpener struct {
	mu    sync.Mutex
	pages map[string][]byte
	calls []string
}

func (f *fakeOpener) open(ctx context.Context, uri string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, uri)
	f.mu.Unlock()
	return f.pages[uri], nil
}

func TestGetBackwardMessagesFlattensReversedPages(t *testing.T) {
	opener := &fakeOpener{pages: map[string][]byte{}}

	// page chain: seg/1 -> seg/2 -> seg/3 (walking further into the past)
	opener.pages["https://seg/1"] = ndgrproto.MarshalPackedSegment(
		[][]byte{ndgrproto.MarshalChatMessage("m1", 300, 0, []byte("newest"))},
		"https://seg/2", "")
	opener.pages["https://seg/2"] = ndgrproto.MarshalPackedSegment(
		[][]byte{ndgrproto.MarshalChatMessage("m2", 200, 0, []byte("middle"))},
		"https://seg/3", "")
	opener.pages["https://seg/3"] = ndgrproto.MarshalPackedSegment(
		[][]byte{ndgrproto.MarshalChatMessage("m3", 100, 0, []byte("oldest"))},
		"", "")

	f := New(opener.open, "https://seg/1", "")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := f.GetBackwardMessages(ctx, 0, 0, false)
	require.NoError(t, err)
	require.NotNil(t, res)

	require.Len(t, res.Messages, 3)
	require.Equal(t, "m3", res.Messages[0].Meta.ID)
	require.Equal(t, "m2", res.Messages[1].Meta.ID)
	require.Equal(t, "m1", res.Messages[2].Meta.ID)
	require.False(t, res.HasSegment)
}

func TestGetBackwardMessagesRespectsMaxSegmentCount(t *testing.T) {
	opener := &fakeOpener{pages: map[string][]byte{}}

	opener.pages["https://seg/1"] = ndgrproto.MarshalPackedSegment(
		[][]byte{ndgrproto.MarshalChatMessage("m1", 300, 0, []byte("a"))},
		"https://seg/2", "")
	opener.pages["https://seg/2"] = ndgrproto.MarshalPackedSegment(
		[][]byte{ndgrproto.MarshalChatMessage("m2", 200, 0, []byte("b"))},
		"https://seg/3", "")

	f := New(opener.open, "https://seg/1", "")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := f.GetBackwardMessages(ctx, 0, 1, false)
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	require.Equal(t, "m1", res.Messages[0].Meta.ID)
	require.True(t, res.HasSegment)
	require.Equal(t, "https://seg/2", res.SegmentURI)
}

func TestGetBackwardMessagesReturnsNilWithoutURI(t *testing.T) {
	opener := &fakeOpener{pages: map[string][]byte{}}
	f := New(opener.open, "", "")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := f.GetBackwardMessages(ctx, 0, 0, false)
	require.NoError(t, err)
	require.Nil(t, res)
}

func TestGetBackwardMessagesJoinsConcurrentCalls(t *testing.T) {
	opener := &fakeOpener{pages: map[string][]byte{}}
	opener.pages["https://seg/1"] = ndgrproto.MarshalPackedSegment(
		[][]byte{ndgrproto.MarshalChatMessage("m1", 100, 0, []byte("a"))},
		"", "")

	f := New(opener.open, "https://seg/1", "")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.GetBackwardMessages(ctx, 0, 0, false)
			require.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	require.NotNil(t, results[0])
	require.NotNil(t, results[1])
}

func TestGetBackwardMessagesResolvesPartialBatchOnTruncatedPage(t *testing.T) {
	opener := &fakeOpener{pages: map[string][]byte{}}

	opener.pages["https://seg/1"] = ndgrproto.MarshalPackedSegment(
		[][]byte{ndgrproto.MarshalChatMessage("m1", 300, 0, []byte("a"))},
		"https://seg/2", "")
	good := ndgrproto.MarshalPackedSegment(
		[][]byte{ndgrproto.MarshalChatMessage("m2", 200, 0, []byte("b"))},
		"https://seg/3", "")
	opener.pages["https://seg/2"] = good[:len(good)-3] // truncated 3 bytes short (spec S6)

	f := New(opener.open, "https://seg/1", "")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := f.GetBackwardMessages(ctx, 0, 0, false)
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	require.Equal(t, "m1", res.Messages[0].Meta.ID)
}

func TestGetBackwardMessagesRejectsWhenFirstPageTruncated(t *testing.T) {
	opener := &fakeOpener{pages: map[string][]byte{}}

	good := ndgrproto.MarshalPackedSegment(
		[][]byte{ndgrproto.MarshalChatMessage("m1", 300, 0, []byte("a"))},
		"", "")
	opener.pages["https://seg/1"] = good[:len(good)-3]

	f := New(opener.open, "https://seg/1", "")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := f.GetBackwardMessages(ctx, 0, 0, false)
	require.Error(t, err)
	var fetchErr *ndgrerr.FetchError
	require.True(t, errors.As(err, &fetchErr))
	require.True(t, fetchErr.Truncated)
}

func TestGetBackwardMessagesMarksProgramEndedAdvisoryOnly(t *testing.T) {
	opener := &fakeOpener{pages: map[string][]byte{}}
	opener.pages["https://seg/1"] = ndgrproto.MarshalPackedSegment(
		[][]byte{ndgrproto.MarshalStateMessage("m1", 100, 0, ndgrproto.ProgramStateEnded)},
		"", "")

	f := New(opener.open, "https://seg/1", "")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := f.GetBackwardMessages(ctx, 0, 0, false)
	require.NoError(t, err)
	require.True(t, res.ProgramEndedObserved)
}
