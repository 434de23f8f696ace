// Package backward implements the BackwardFetcher: an on-demand,
// single-flight walk of the historic PackedSegment chain a `backward`
// entry points at (spec §4.F).
package backward

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/mujurin/ndgrclient-go/pkg/ndgrerr"
	"github.com/mujurin/ndgrclient-go/pkg/ndgrproto"
)

// Opener opens an HTTP GET at uri and returns the full response body.
// PackedSegment responses are not size-delimited: one body is exactly
// one PackedSegment (spec §4.F, §6).
type Opener func(ctx context.Context, uri string) ([]byte, error)

// DefaultOpener is the production Opener, backed by an *http.Client.
func DefaultOpener(client *http.Client) Opener {
	return func(ctx context.Context, uri string) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return nil, fmt.Errorf("backward: building request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, &ndgrerr.NetworkError{Op: "fetch backward page", Err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &ndgrerr.FetchError{URI: uri, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status %s", resp.Status)}
		}
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &ndgrerr.NetworkError{Op: "read backward page body", Err: err}
		}
		return b, nil
	}
}

// Result is the flattened outcome of one getBackwardMessages call
// (spec §4.F).
type Result struct {
	Messages []*ndgrproto.ChunkedMessage
	// SegmentURI/SnapshotURI are currentBackward after the walk: the
	// pointers a subsequent call would resume from.
	SegmentURI  string
	HasSegment  bool
	SnapshotURI string
	HasSnapshot bool
	// ProgramEndedObserved is advisory only (see DESIGN.md): it never
	// tears anything down on its own.
	ProgramEndedObserved bool
}

// Fetcher walks the backward/snapshot PackedSegment chain on demand.
// Exactly one fetch is ever in flight at a time (spec invariant 4);
// concurrent callers join the in-flight call and receive its result.
type Fetcher struct {
	opener Opener
	log    *log.Entry
	delay  func(ctx context.Context, d time.Duration)

	mu          sync.Mutex
	segmentURI  string
	hasSegment  bool
	snapshotURI string
	hasSnapshot bool

	group singleflight.Group
}

// New constructs a Fetcher seeded with the first backward pointer an
// EntryFetcher discovered.
func New(opener Opener, segmentURI, snapshotURI string) *Fetcher {
	return &Fetcher{
		opener:      opener,
		log:         log.WithField("component", "backward.Fetcher"),
		delay:       sleepCtx,
		segmentURI:  segmentURI,
		hasSegment:  segmentURI != "",
		snapshotURI: snapshotURI,
		hasSnapshot: snapshotURI != "",
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// CurrentURIs returns the tracked segment/snapshot pointers. The
// supervisor keeps one Fetcher across reconnects, so nothing re-injects
// these into a new Fetcher.
func (f *Fetcher) CurrentURIs() (segmentURI string, hasSegment bool, snapshotURI string, hasSnapshot bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.segmentURI, f.hasSegment, f.snapshotURI, f.hasSnapshot
}

// currentURI returns the pointer the isSnapshot variant should walk.
func (f *Fetcher) currentURI(isSnapshot bool) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if isSnapshot {
		return f.snapshotURI, f.hasSnapshot
	}
	return f.segmentURI, f.hasSegment
}

func (f *Fetcher) setCurrent(next *ndgrproto.PackedSegment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.segmentURI, f.hasSegment = next.NextURI, next.HasNext
	f.snapshotURI, f.hasSnapshot = next.SnapshotURI, next.HasSnapshot
}

// GetBackwardMessages walks the PackedSegment chain starting from the
// currently tracked pointer, delaying delay between page fetches, for
// up to maxSegmentCount pages (≤0 means unbounded). It returns nil if
// no URI is currently tracked (spec §4.F). A call made while another
// walk of the same chain is in flight does not return nil and does not
// start a second walk: it waits for the in-flight walk and returns that
// walk's result and error.
func (f *Fetcher) GetBackwardMessages(ctx context.Context, delay time.Duration, maxSegmentCount int, isSnapshot bool) (*Result, error) {
	if _, ok := f.currentURI(isSnapshot); !ok {
		return nil, nil
	}

	key := "segment"
	if isSnapshot {
		key = "snapshot"
	}

	v, err, _ := f.group.Do(key, func() (interface{}, error) {
		return f.walk(ctx, delay, maxSegmentCount, isSnapshot)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (f *Fetcher) walk(ctx context.Context, delay time.Duration, maxSegmentCount int, isSnapshot bool) (*Result, error) {
	if maxSegmentCount <= 0 {
		maxSegmentCount = -1 // sentinel: unbounded
	}

	var pages [][]*ndgrproto.ChunkedMessage
	programEndedObserved := false

	uri, ok := f.currentURI(isSnapshot)
	for ok && (maxSegmentCount < 0 || len(pages) < maxSegmentCount) {
		body, err := f.opener(ctx, uri)
		if err != nil {
			if ctx.Err() != nil {
				break // abort mid-loop: return whatever was collected so far
			}
			return nil, err
		}

		packed, err := ndgrproto.UnmarshalPackedSegment(body)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if len(pages) > 0 {
				break // partial batch: resolve with what decoded cleanly so far (spec S6)
			}
			return nil, &ndgrerr.FetchError{URI: uri, Truncated: true, Err: err}
		}

		pages = append(pages, packed.Messages)
		if len(packed.Messages) > 0 {
			last := packed.Messages[len(packed.Messages)-1]
			if last.IsProgramEnded() {
				programEndedObserved = true
			}
		}

		f.setCurrent(packed)
		uri, ok = f.currentURI(isSnapshot)

		if ok && (maxSegmentCount < 0 || len(pages) < maxSegmentCount) {
			f.delay(ctx, delay)
			if ctx.Err() != nil {
				break
			}
		}
	}

	res := &Result{Messages: flattenReversed(pages), ProgramEndedObserved: programEndedObserved}
	res.SegmentURI, res.HasSegment = f.currentURI(false)
	res.SnapshotURI, res.HasSnapshot = f.currentURI(true)
	return res, nil
}

// flattenReversed orders pages oldest-page-first (pages were collected
// walking forward into the past, so the collection order is
// newest-first) while preserving forward chronological order within
// each page (spec §4.F: "flatten(reverse(pages))").
func flattenReversed(pages [][]*ndgrproto.ChunkedMessage) []*ndgrproto.ChunkedMessage {
	var out []*ndgrproto.ChunkedMessage
	for i := len(pages) - 1; i >= 0; i-- {
		out = append(out, pages[i]...)
	}
	return out
}
