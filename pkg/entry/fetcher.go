// Package entry implements the EntryFetcher: it drives the chained
// ChunkedEntry stream, classifying entries and following `next` links
// across entry-fetch boundaries (spec §4.D).
package entry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/mujurin/ndgrclient-go/pkg/asyncchannel"
	"github.com/mujurin/ndgrclient-go/pkg/ndgrerr"
	"github.com/mujurin/ndgrclient-go/pkg/ndgrproto"
	"github.com/mujurin/ndgrclient-go/pkg/sizedelim"
)

// ForwardSegment is an emitted forward-looking sub-stream pointer: both
// `segment` entries and inlined `previous` entries become one of these
// (spec §4.D).
type ForwardSegment struct {
	URI   string
	From  int64
	Until int64
}

// Backward is the first `backward` pointer seen for an entry-fetch
// (spec invariant 1: "the first backward observed yields exactly once").
type Backward struct {
	SegmentURI  string
	HasSegment  bool
	SnapshotURI string
	HasSnapshot bool
}

// Opener opens an HTTP GET stream at uri, returning the response body.
// Non-2xx statuses must be turned into *ndgrerr.FetchError.
type Opener func(ctx context.Context, uri string) (io.ReadCloser, error)

// DefaultOpener is the production Opener, backed by an *http.Client.
func DefaultOpener(client *http.Client) Opener {
	return func(ctx context.Context, uri string) (io.ReadCloser, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return nil, fmt.Errorf("entry: building request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, &ndgrerr.NetworkError{Op: "fetch entry stream", Err: err}
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			resp.Body.Close()
			return nil, &ndgrerr.FetchError{URI: uri, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status %s", resp.Status)}
		}
		return resp.Body, nil
	}
}

// Fetcher drives the chained entry stream described in spec §4.D.
type Fetcher struct {
	opener  Opener
	viewURI string
	log     *log.Entry

	out *asyncchannel.Channel[ForwardSegment]

	lastEntryAtMu sync.RWMutex
	lastEntryAt   int64
	haveAt        bool

	backwardOnce sync.Once
	backwardCh   chan Backward
}

// Start launches the entry-fetch loop in a background goroutine and
// returns immediately; segments are delivered through Out(). atSec is
// the initial `at` query value in seconds; when useNow is true, "now"
// is requested instead and atSec is ignored.
func Start(ctx context.Context, opener Opener, viewURI string, atSec int64, useNow bool) *Fetcher {
	f := &Fetcher{
		opener:     opener,
		viewURI:    viewURI,
		log:        log.WithField("component", "entry.Fetcher"),
		out:        asyncchannel.New[ForwardSegment](),
		backwardCh: make(chan Backward, 1),
	}
	go f.run(ctx, atSec, useNow)
	return f
}

// Out is the concatenated forward-segment sequence across all
// entry-fetches (spec §4.D).
func (f *Fetcher) Out() *asyncchannel.Channel[ForwardSegment] {
	return f.out
}

// Backward resolves with the first `backward` pointer seen across any
// entry-fetch this Fetcher drives, or blocks forever if none ever
// arrives (select against ctx in the caller).
func (f *Fetcher) Backward() <-chan Backward {
	return f.backwardCh
}

// LastEntryAt returns the most recent `next.at` ever observed, for
// carryover into a reconnect (spec §4.D, §4.G).
func (f *Fetcher) LastEntryAt() (at int64, ok bool) {
	f.lastEntryAtMu.RLock()
	defer f.lastEntryAtMu.RUnlock()
	return f.lastEntryAt, f.haveAt
}

func (f *Fetcher) recordLastEntryAt(at int64) {
	f.lastEntryAtMu.Lock()
	defer f.lastEntryAtMu.Unlock()
	f.lastEntryAt = at
	f.haveAt = true
}

func (f *Fetcher) resolveBackward(b Backward) {
	f.backwardOnce.Do(func() {
		f.backwardCh <- b
	})
}

func (f *Fetcher) run(ctx context.Context, atSec int64, useNow bool) {
	defer f.out.Close()

	at := fmt.Sprintf("%d", atSec)
	if useNow {
		at = "now"
	}

	for {
		nextAt, done, err := f.runOneFetch(ctx, at)
		if err != nil {
			if ctx.Err() != nil {
				return // caller-initiated abort: close silently (spec §4.D)
			}
			f.log.WithError(err).Warn("entry: fetch failed")
			f.out.Throw(err)
			return
		}
		if done {
			return
		}
		at = fmt.Sprintf("%d", nextAt)
	}
}

// runOneFetch drives a single GET <viewUri>?at=<at> stream to
// completion, applying the backward/previous/segment/next ordering
// rules (spec §4.D, invariant 1). It returns the next `at` to refetch
// with, or done=true if no `next` arrived.
func (f *Fetcher) runOneFetch(ctx context.Context, at string) (nextAt int64, done bool, err error) {
	uri := fmt.Sprintf("%s?at=%s", f.viewURI, at)
	body, err := f.opener(ctx, uri)
	if err != nil {
		return 0, false, err
	}
	defer body.Close()

	dec := sizedelim.New(body, ndgrproto.UnmarshalChunkedEntry)

	sawSegment := false
	haveNext := false

	for {
		e, decErr := dec.Next()
		if decErr != nil {
			if errors.Is(decErr, io.EOF) {
				break
			}
			return 0, false, toFetchError(uri, decErr)
		}

		switch e.Case {
		case ndgrproto.EntryCaseNext:
			nextAt = e.Next.At
			haveNext = true
			f.recordLastEntryAt(nextAt)
		case ndgrproto.EntryCaseSegment:
			sawSegment = true
			f.out.Enqueue(ForwardSegment{URI: e.Segment.URI, From: e.Segment.From, Until: e.Segment.Until})
		case ndgrproto.EntryCaseBackward:
			if !sawSegment {
				f.resolveBackward(Backward{
					SegmentURI:  e.Backward.SegmentURI,
					HasSegment:  e.Backward.HasSegment,
					SnapshotURI: e.Backward.SnapshotURI,
					HasSnapshot: e.Backward.HasSnapshot,
				})
			}
		case ndgrproto.EntryCasePrevious:
			if !sawSegment {
				f.out.Enqueue(ForwardSegment{URI: e.Previous.URI})
			}
		}
	}

	if !haveNext {
		return 0, true, nil
	}
	return nextAt, false, nil
}

func toFetchError(uri string, err error) error {
	if errors.Is(err, sizedelim.ErrTruncatedFrame) {
		return &ndgrerr.FetchError{URI: uri, Truncated: true, Err: err}
	}
	return &ndgrerr.FetchError{URI: uri, Err: err}
}
