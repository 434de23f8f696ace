// Package supervisor implements the ConnectionSupervisor: it composes a
// WatchSession, EntryFetcher and MessageFetcher into one cooperating
// triad, applies the reconnect policy, and presents callers a single
// deduplicated ChunkedMessage sequence across however many underlying
// connections it takes (spec §4.G).
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mujurin/ndgrclient-go/pkg/asyncchannel"
	"github.com/mujurin/ndgrclient-go/pkg/backward"
	"github.com/mujurin/ndgrclient-go/pkg/entry"
	"github.com/mujurin/ndgrclient-go/pkg/message"
	"github.com/mujurin/ndgrclient-go/pkg/ndgrerr"
	"github.com/mujurin/ndgrclient-go/pkg/ndgrproto"
	"github.com/mujurin/ndgrclient-go/pkg/watch"
)

// State is a value of the supervisor state machine (spec §4.G).
type State int

const (
	StateConnecting State = iota
	StateOpened
	StateReconnecting
	StateDisconnected
	StateReconnectFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpened:
		return "opened"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateReconnectFailed:
		return "reconnect_failed"
	default:
		return "unknown"
	}
}

var (
	stateGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ndgrclient_supervisor_state",
		Help: "Current ConnectionSupervisor state (0=connecting 1=opened 2=reconnecting 3=disconnected 4=reconnect_failed).",
	})
	reconnectAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ndgrclient_supervisor_reconnect_attempts_total",
		Help: "Total number of reconnect attempts made by the ConnectionSupervisor.",
	})
)

// retryDelays is the fixed reconnect backoff ladder (spec §4.G).
var retryDelays = []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second, 30 * time.Second, 30 * time.Second}

// Config configures a Supervisor at construction.
type Config struct {
	Dial         watch.Dialer
	WatchURL     string
	StartOptions watch.Options
	HTTPClient   *http.Client

	// EntryOpener/MessageOpener/BackwardOpener default to HTTPClient-backed
	// openers; tests substitute fakes here instead of running a real
	// HTTP server.
	EntryOpener    entry.Opener
	MessageOpener  message.Opener
	BackwardOpener backward.Opener

	// FromSec is the initial entry `at` value in seconds; if UseNow is
	// true, "now" is requested instead regardless of FromSec.
	FromSec int64
	UseNow  bool

	// RetryDelays overrides the reconnect backoff ladder for this
	// Supervisor; nil keeps the package default (retryDelays).
	RetryDelays []time.Duration
}

// endEvent is how the per-connection forwarders report the connection
// ending, back to the run loop.
type endEvent struct {
	err              error // nil: clean end (caller close or program-ended), unless forced is set
	reconnectAfter   time.Duration
	newAudienceToken string
	hasNewToken      bool
	forced           bool // Reconnect() was called explicitly
	fatal            bool // non-EndProgram disconnect: surface to disconnected, never reconnect
}

// Supervisor owns one live WatchSession+EntryFetcher+MessageFetcher
// triad at a time, rebuilding it across reconnects per spec §4.G.
type Supervisor struct {
	cfg Config
	log *log.Entry

	out   *asyncchannel.Channel[*ndgrproto.ChunkedMessage]
	wsOut *asyncchannel.Channel[watch.ReceiveMessage]
	states *asyncchannel.Channel[State]

	mu sync.RWMutex
	w  *watch.Session
	e  *entry.Fetcher
	m  *message.Fetcher
	bf *backward.Fetcher

	closing int32

	reconnectCh chan struct{}
}

// Start dials the initial connection and launches the supervisor's
// background run loop.
func Start(ctx context.Context, cfg Config) *Supervisor {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.EntryOpener == nil {
		cfg.EntryOpener = entry.DefaultOpener(cfg.HTTPClient)
	}
	if cfg.MessageOpener == nil {
		cfg.MessageOpener = message.DefaultOpener(cfg.HTTPClient)
	}
	if cfg.BackwardOpener == nil {
		cfg.BackwardOpener = backward.DefaultOpener(cfg.HTTPClient)
	}
	s := &Supervisor{
		cfg:         cfg,
		log:         log.WithField("component", "supervisor.Supervisor"),
		out:         asyncchannel.New[*ndgrproto.ChunkedMessage](),
		wsOut:       asyncchannel.New[watch.ReceiveMessage](),
		states:      asyncchannel.New[State](),
		reconnectCh: make(chan struct{}, 1),
	}
	go s.run(ctx)
	return s
}

// Iterator is the supervisor's single deduplicated, monotonic message
// sequence (spec §4.G: `iterator`).
func (s *Supervisor) Iterator() *asyncchannel.Channel[*ndgrproto.ChunkedMessage] {
	return s.out
}

// WsIterator is the raw forwarded watch-channel frame sequence (spec
// §4.G: `wsIterator`).
func (s *Supervisor) WsIterator() *asyncchannel.Channel[watch.ReceiveMessage] {
	return s.wsOut
}

// States is the supervisor state-machine transition sequence.
func (s *Supervisor) States() *asyncchannel.Channel[State] {
	return s.states
}

// Close ends the supervisor and every connection it owns, silently
// (spec §4.G: "any -> disconnected" on caller close).
func (s *Supervisor) Close() error {
	atomic.StoreInt32(&s.closing, 1)
	s.mu.RLock()
	w := s.w
	s.mu.RUnlock()
	if w != nil {
		return w.Close()
	}
	return nil
}

// Reconnect forces an immediate reconnect, as if the server had sent a
// `reconnect` frame with no delay.
func (s *Supervisor) Reconnect() {
	select {
	case s.reconnectCh <- struct{}{}:
	default:
	}
}

// GetBackwardMessages proxies to the live BackwardFetcher (spec §4.G).
// A program-ended state seen in the backward pages is logged at Warn
// and leaves the live connection running.
func (s *Supervisor) GetBackwardMessages(ctx context.Context, delay time.Duration, maxSegmentCount int, isSnapshot bool) (*backward.Result, error) {
	s.mu.RLock()
	bf := s.bf
	s.mu.RUnlock()
	if bf == nil {
		return nil, nil
	}
	res, err := bf.GetBackwardMessages(ctx, delay, maxSegmentCount, isSnapshot)
	if res != nil && res.ProgramEndedObserved {
		s.log.Warn("supervisor: backward page observed program ended; live fetching continues")
	}
	return res, err
}

// GetSchedule proxies to the live WatchSession's schedule (spec §4.G).
func (s *Supervisor) GetSchedule() (watch.Schedule, bool) {
	s.mu.RLock()
	w := s.w
	s.mu.RUnlock()
	if w == nil {
		return watch.Schedule{}, false
	}
	sched := w.Schedule().Get()
	return sched, !sched.Begin.IsZero()
}

// GetMessageServerData proxies to the live WatchSession (spec §4.G).
func (s *Supervisor) GetMessageServerData() (*watch.MessageServerData, bool) {
	s.mu.RLock()
	w := s.w
	s.mu.RUnlock()
	if w == nil {
		return nil, false
	}
	return w.MessageServerData()
}

// PostComment proxies to the live WatchSession (spec §4.G).
func (s *Supervisor) PostComment(text string, isAnonymous bool, opts watch.PostCommentOptions) error {
	s.mu.RLock()
	w := s.w
	s.mu.RUnlock()
	if w == nil {
		return fmt.Errorf("supervisor: postComment before a connection is established")
	}
	return w.PostComment(text, isAnonymous, opts)
}

// Send proxies an arbitrary outbound frame to the live WatchSession
// (spec §4.G).
func (s *Supervisor) Send(typ string, data interface{}) error {
	s.mu.RLock()
	w := s.w
	s.mu.RUnlock()
	if w == nil {
		return fmt.Errorf("supervisor: send before a connection is established")
	}
	return w.Send(typ, data)
}

func (s *Supervisor) setState(st State) {
	stateGauge.Set(float64(st))
	s.states.Enqueue(st)
}

func (s *Supervisor) run(ctx context.Context) {
	defer s.out.Close()
	defer s.wsOut.Close()
	defer s.states.Close()

	fromSec := s.cfg.FromSec
	useNow := s.cfg.UseNow
	skipToMetaID := ""
	audienceToken := ""
	reconnecting := false
	attempt := 0

	delays := retryDelays
	if s.cfg.RetryDelays != nil {
		delays = s.cfg.RetryDelays
	}

	for {
		if ctx.Err() != nil || atomic.LoadInt32(&s.closing) == 1 {
			s.setState(StateDisconnected)
			return
		}

		if reconnecting {
			s.setState(StateReconnecting)
			reconnectAttemptsTotal.Inc()
		} else {
			s.setState(StateConnecting)
		}

		ev, programEnded, err := s.connectAndRun(ctx, fromSec, useNow, skipToMetaID, reconnecting, audienceToken)
		if err != nil {
			attempt++
			if attempt > len(delays) {
				s.setState(StateReconnectFailed)
				return
			}
			s.log.WithError(err).WithField("attempt", attempt).Warn("supervisor: reconnect attempt failed")
			sleepCtx(ctx, delays[attempt-1])
			reconnecting = true
			continue
		}

		attempt = 0
		s.setState(StateOpened)

		e := <-ev
		if atomic.LoadInt32(&s.closing) == 1 || ctx.Err() != nil {
			s.setState(StateDisconnected)
			return
		}
		if programEnded() {
			s.setState(StateDisconnected)
			return
		}
		if e.fatal {
			s.log.WithError(e.err).Warn("supervisor: fatal disconnect, not reconnecting")
			s.setState(StateDisconnected)
			return
		}
		if e.err == nil && !e.hasNewToken && e.reconnectAfter == 0 && !e.forced {
			s.setState(StateDisconnected)
			return
		}

		fromSec, skipToMetaID = s.carryover()
		useNow = false
		if e.hasNewToken {
			audienceToken = e.newAudienceToken
		}
		if e.reconnectAfter > 0 {
			sleepCtx(ctx, e.reconnectAfter)
		}
		reconnecting = true
	}
}

func (s *Supervisor) carryover() (fromSec int64, skipToMetaID string) {
	s.mu.RLock()
	e, m := s.e, s.m
	s.mu.RUnlock()
	if e != nil {
		if at, ok := e.LastEntryAt(); ok {
			fromSec = at
		}
	}
	if m != nil {
		if meta, ok := m.LastMeta(); ok {
			skipToMetaID = meta.ID
		}
	}
	return
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// connectAndRun builds one W/E/M/BF connection, wires its forwarders,
// and returns a channel that receives exactly one endEvent when the
// connection ends, plus a function reporting whether the end was due
// to an observed program-ended state.
func (s *Supervisor) connectAndRun(ctx context.Context, fromSec int64, useNow bool, skipToMetaID string, reconnecting bool, audienceToken string) (<-chan endEvent, func() bool, error) {
	wsURL, err := watch.BuildURL(s.cfg.WatchURL, audienceToken)
	if err != nil {
		return nil, nil, err
	}

	connCtx, cancel := context.WithCancel(ctx)

	opts := s.cfg.StartOptions
	opts.Reconnect = reconnecting

	w, err := watch.Open(connCtx, s.cfg.Dial, wsURL, opts)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	msData, err := w.WaitForMessageServerData(connCtx)
	if err != nil {
		_ = w.Close()
		cancel()
		return nil, nil, err
	}

	// connID correlates every log line this connection's goroutines emit
	// across its lifetime, including across the reconnects that replace it.
	connID := uuid.New().String()
	connLog := s.log.WithField("conn_id", connID)
	connLog.Debug("supervisor: connection established")

	e := entry.Start(connCtx, s.cfg.EntryOpener, msData.ViewURI, fromSec, useNow)
	m := message.Start(connCtx, s.cfg.MessageOpener, e.Out(), skipToMetaID)

	s.mu.Lock()
	s.w, s.e, s.m = w, e, m
	s.mu.Unlock()

	go s.runBackwardWatcher(connCtx, e)

	ev := make(chan endEvent, 1)
	var programEnded int32
	var once sync.Once
	signal := func(event endEvent) {
		once.Do(func() {
			cancel()
			_ = w.Close()
			ev <- event
		})
	}

	go s.forwardWatch(connCtx, w, connLog, signal)
	go s.forwardMessages(connCtx, m, connLog, signal, &programEnded)
	go func() {
		select {
		case <-s.reconnectCh:
			signal(endEvent{forced: true})
		case <-connCtx.Done():
		}
	}()

	return ev, func() bool { return atomic.LoadInt32(&programEnded) == 1 }, nil
}

// runBackwardWatcher seeds the BackwardFetcher from the first backward
// pointer the entry stream discovers. A BackwardFetcher already built
// by a prior connection is left untouched across a reconnect: it owns
// its own evolving segment/snapshot pointers independent of the entry
// fetch that originally discovered it (spec §4.G carryover).
func (s *Supervisor) runBackwardWatcher(ctx context.Context, e *entry.Fetcher) {
	s.mu.RLock()
	already := s.bf != nil
	s.mu.RUnlock()
	if already {
		return
	}

	select {
	case bw := <-e.Backward():
		bf := backward.New(s.cfg.BackwardOpener, bw.SegmentURI, bw.SnapshotURI)
		s.mu.Lock()
		if s.bf == nil {
			s.bf = bf
		}
		s.mu.Unlock()
	case <-ctx.Done():
	}
}

func (s *Supervisor) forwardWatch(ctx context.Context, w *watch.Session, connLog *log.Entry, signal func(endEvent)) {
	for {
		msg, err := w.Iterator().Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				signal(endEvent{})
				return
			}
			if errors.Is(err, io.EOF) {
				if atomic.LoadInt32(&s.closing) == 1 {
					signal(endEvent{})
					return
				}
				connLog.Warn("supervisor: watch socket closed")
				signal(endEvent{err: fmt.Errorf("supervisor: watch socket closed")})
				return
			}
			connLog.WithError(err).Warn("supervisor: watch socket error")
			signal(endEvent{err: err})
			return
		}

		s.wsOut.Enqueue(msg)

		switch msg.Type {
		case watch.InTypeReconnect:
			waitTimeSec := time.Duration(msg.Reconnect.WaitTimeSec) * time.Second
			req := &ndgrerr.WsReconnectRequest{
				AudienceToken: msg.Reconnect.AudienceToken,
				WaitTimeSec:   msg.Reconnect.WaitTimeSec,
				ReconnectTime: time.Now().Add(waitTimeSec),
			}
			connLog.WithError(req).Debug("supervisor: reconnect requested")
			signal(endEvent{
				err:              req,
				reconnectAfter:   waitTimeSec,
				newAudienceToken: msg.Reconnect.AudienceToken,
				hasNewToken:      true,
			})
			return
		case watch.InTypeDisconnect:
			if msg.Disconnect.Reason == watch.ReasonEndProgram {
				signal(endEvent{})
			} else {
				connLog.Warn("supervisor: fatal watch disconnect")
				signal(endEvent{err: &ndgrerr.WsDisconnectError{Reason: string(msg.Disconnect.Reason)}, fatal: true})
			}
			return
		}
	}
}

func (s *Supervisor) forwardMessages(ctx context.Context, m *message.Fetcher, connLog *log.Entry, signal func(endEvent), programEnded *int32) {
	for {
		msg, err := m.Out().Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				signal(endEvent{})
				return
			}
			if errors.Is(err, io.EOF) {
				if atomic.LoadInt32(programEnded) == 1 {
					signal(endEvent{})
				} else {
					connLog.Warn("supervisor: message sequence ended unexpectedly")
					signal(endEvent{err: fmt.Errorf("supervisor: message sequence ended unexpectedly")})
				}
				return
			}
			connLog.WithError(err).Warn("supervisor: message fetch error")
			signal(endEvent{err: err})
			return
		}

		s.out.Enqueue(msg)
		if msg.IsProgramEnded() {
			atomic.StoreInt32(programEnded, 1)
		}
	}
}
