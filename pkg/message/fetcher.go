// Package message implements the MessageFetcher: it consumes forward
// segment descriptors, fetches and decodes each as a ChunkedMessage
// stream, and re-emits a single normalized, deduplicated message
// sequence (spec §4.E).
package message

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/mujurin/ndgrclient-go/pkg/asyncchannel"
	"github.com/mujurin/ndgrclient-go/pkg/entry"
	"github.com/mujurin/ndgrclient-go/pkg/ndgrerr"
	"github.com/mujurin/ndgrclient-go/pkg/ndgrproto"
	"github.com/mujurin/ndgrclient-go/pkg/sizedelim"
)

// Opener opens an HTTP GET stream at uri, returning the response body.
type Opener func(ctx context.Context, uri string) (io.ReadCloser, error)

// DefaultOpener is the production Opener, backed by an *http.Client.
func DefaultOpener(client *http.Client) Opener {
	return func(ctx context.Context, uri string) (io.ReadCloser, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return nil, fmt.Errorf("message: building request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, &ndgrerr.NetworkError{Op: "fetch message segment", Err: err}
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			resp.Body.Close()
			return nil, &ndgrerr.FetchError{URI: uri, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status %s", resp.Status)}
		}
		return resp.Body, nil
	}
}

// Fetcher drives the segment-by-segment ChunkedMessage stream described
// in spec §4.E.
type Fetcher struct {
	opener Opener
	in     *asyncchannel.Channel[entry.ForwardSegment]
	log    *log.Entry

	out *asyncchannel.Channel[*ndgrproto.ChunkedMessage]

	lastMetaMu sync.RWMutex
	lastMeta   ndgrproto.Meta

	skipToMetaID string
}

// Start launches the message-fetch loop in a background goroutine and
// returns immediately. skipToMetaID, if non-empty, swallows messages
// (inclusive) until one with that meta id is seen — the carryover
// mechanism a reconnect uses to avoid redelivering already-seen
// messages (spec §4.E, §4.G).
func Start(ctx context.Context, opener Opener, in *asyncchannel.Channel[entry.ForwardSegment], skipToMetaID string) *Fetcher {
	f := &Fetcher{
		opener:       opener,
		in:           in,
		log:          log.WithField("component", "message.Fetcher"),
		out:          asyncchannel.New[*ndgrproto.ChunkedMessage](),
		skipToMetaID: skipToMetaID,
	}
	go f.run(ctx)
	return f
}

// Out is the concatenated, deduplicated ChunkedMessage sequence (spec
// §4.E: "the sequence is single").
func (f *Fetcher) Out() *asyncchannel.Channel[*ndgrproto.ChunkedMessage] {
	return f.out
}

// LastMeta returns the meta of the most recently emitted message that
// carried one, for carryover into a reconnect (spec §4.E, §4.G).
func (f *Fetcher) LastMeta() (ndgrproto.Meta, bool) {
	f.lastMetaMu.RLock()
	defer f.lastMetaMu.RUnlock()
	return f.lastMeta, f.lastMeta.HasMeta
}

func (f *Fetcher) run(ctx context.Context) {
	defer f.out.Close()

	skipping := f.skipToMetaID != ""

	for {
		seg, err := f.in.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return // upstream entry sequence ended cleanly (spec §4.E)
			}
			if ctx.Err() != nil {
				return
			}
			f.log.WithError(err).Warn("message: upstream entry sequence failed")
			f.out.Throw(err)
			return
		}

		ended, err := f.runOneSegment(ctx, seg, &skipping)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.log.WithError(err).Warn("message: segment fetch failed")
			f.out.Throw(err)
			return
		}
		if ended {
			return // program-ended: stop consuming further segments (spec §4.E)
		}
	}
}

// runOneSegment decodes a single segment URI to completion, applying
// the skip-to-meta-id filter and program-ended detection (spec §4.E).
func (f *Fetcher) runOneSegment(ctx context.Context, seg entry.ForwardSegment, skipping *bool) (programEnded bool, err error) {
	body, err := f.opener(ctx, seg.URI)
	if err != nil {
		return false, err
	}
	defer body.Close()

	dec := sizedelim.New(body, ndgrproto.UnmarshalChunkedMessage)

	for {
		msg, decErr := dec.Next()
		if decErr != nil {
			if errors.Is(decErr, io.EOF) {
				return false, nil
			}
			return false, toFetchError(seg.URI, decErr)
		}

		if *skipping {
			if msg.Meta.HasMeta && msg.Meta.ID == f.skipToMetaID {
				*skipping = false
			}
			continue // the matching message itself is dropped too (inclusive)
		}

		if msg.Meta.HasMeta {
			f.lastMetaMu.Lock()
			f.lastMeta = msg.Meta
			f.lastMetaMu.Unlock()
		}

		f.out.Enqueue(msg)

		if msg.IsProgramEnded() {
			return true, nil
		}
	}
}

func toFetchError(uri string, err error) error {
	if errors.Is(err, sizedelim.ErrTruncatedFrame) {
		return &ndgrerr.FetchError{URI: uri, Truncated: true, Err: err}
	}
	return &ndgrerr.FetchError{URI: uri, Err: err}
}
