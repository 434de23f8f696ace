// Package watch implements the ws channel: the bidirectional websocket
// session that negotiates viewing parameters and emits control events
// (spec §4.C).
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mujurin/ndgrclient-go/pkg/asyncchannel"
	"github.com/mujurin/ndgrclient-go/pkg/ndgrerr"
)

// MessageServerData is latched from the first `messageServer` frame of
// a connection (spec §3, §4.C). It is established once per live
// watch-session connection (invariant 5).
type MessageServerData struct {
	ViewURI      string
	VposBaseTime time.Time
	HashedUserID string
}

// Options configures a Session at construction.
type Options struct {
	// Reconnect is carried as startWatching.data.reconnect.
	Reconnect bool
	Stream    *StreamOption
}

// Session owns one websocket connection to the watch channel. Construct
// with Open; every Session is single-use — once Close is called or the
// connection fails, build a new Session to reconnect (the supervisor
// owns that policy, see pkg/supervisor).
type Session struct {
	conn Conn
	log  *log.Entry

	writeMu sync.Mutex

	recv *asyncchannel.Channel[ReceiveMessage]

	schedule *Schedule

	msgServerMu    sync.RWMutex
	msgServerData  *MessageServerData
	msgServerReady chan struct{}

	closing int32 // atomic bool: set by Close before tearing down conn
}

// BuildURL returns pageData's websocket URL, or — on a server-initiated
// migration — that URL with its audience_token query parameter replaced
// (spec §4.C).
func BuildURL(base string, audienceToken string) (string, error) {
	if audienceToken == "" {
		return base, nil
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("watch: parsing websocket url: %w", err)
	}
	q := u.Query()
	q.Set("audience_token", audienceToken)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Open dials wsURL with dial, sends the startWatching handshake, and
// starts the background read loop. The returned Session's Iterator
// begins delivering frames (including the ones Session acts on
// internally) immediately.
func Open(ctx context.Context, dial Dialer, wsURL string, opts Options) (*Session, error) {
	conn, err := dial(ctx, wsURL)
	if err != nil {
		return nil, &ndgrerr.NetworkError{Op: "open watch socket", Err: err}
	}

	s := &Session{
		conn:           conn,
		log:            log.WithField("component", "watch.Session"),
		recv:           asyncchannel.New[ReceiveMessage](),
		schedule:       &Schedule{},
		msgServerReady: make(chan struct{}),
	}

	if err := s.send(newFrame("startWatching", StartWatchingData{
		Reconnect: opts.Reconnect,
		Stream:    opts.Stream,
	})); err != nil {
		_ = conn.Close()
		return nil, err
	}

	go s.readLoop(ctx)
	return s, nil
}

// Iterator is the shared inbound frame sequence (spec §9 "shared
// iterator semantics": one underlying queue, readers race for values).
func (s *Session) Iterator() *asyncchannel.Channel[ReceiveMessage] {
	return s.recv
}

// Schedule returns the live-updated program schedule.
func (s *Session) Schedule() *Schedule {
	return s.schedule
}

// MessageServerData returns the latched message server data, if any
// `messageServer` frame has arrived yet.
func (s *Session) MessageServerData() (*MessageServerData, bool) {
	s.msgServerMu.RLock()
	defer s.msgServerMu.RUnlock()
	if s.msgServerData == nil {
		return nil, false
	}
	cp := *s.msgServerData
	return &cp, true
}

// WaitForMessageServerData blocks until a `messageServer` frame has
// latched or ctx is done. A socket that closes or fails before such a
// frame arrives does not end the wait; only ctx does.
func (s *Session) WaitForMessageServerData(ctx context.Context) (*MessageServerData, error) {
	if d, ok := s.MessageServerData(); ok {
		return d, nil
	}
	select {
	case <-s.msgServerReady:
		d, _ := s.MessageServerData()
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) latchMessageServerData(p *MessageServerPayload) {
	vposBase, err := time.Parse(time.RFC3339Nano, p.VposBaseTime)
	if err != nil {
		// Fall back to second precision; some deployments omit the
		// fractional part.
		vposBase, err = time.Parse(time.RFC3339, p.VposBaseTime)
		if err != nil {
			s.log.WithError(err).Warn("watch: unparseable vposBaseTime")
			return
		}
	}

	s.msgServerMu.Lock()
	alreadySet := s.msgServerData != nil
	if !alreadySet {
		s.msgServerData = &MessageServerData{
			ViewURI:      p.ViewURI,
			VposBaseTime: vposBase,
			HashedUserID: p.HashedUserID,
		}
	}
	s.msgServerMu.Unlock()

	if !alreadySet {
		close(s.msgServerReady)
	}
}

// Send serializes and transmits an arbitrary outbound message. Outbound
// sends are serialized so call order is preserved on the wire (spec
// §5).
func (s *Session) Send(typ string, data interface{}) error {
	return s.send(newFrame(typ, data))
}

func (s *Session) send(frame outboundFrame) error {
	b, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("watch: marshaling %s frame: %w", frame.Type, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(b); err != nil {
		return &ndgrerr.NetworkError{Op: "write " + frame.Type + " frame", Err: err}
	}
	return nil
}

// PostComment posts a viewer/broadcaster comment, computing vpos from
// wall-clock time against the latched VposBaseTime (spec §4.C, testable
// property 5). isAnonymous has no default: it is sent exactly as the
// caller passes it.
func (s *Session) PostComment(text string, isAnonymous bool, opts PostCommentOptions) error {
	data, ok := s.MessageServerData()
	if !ok {
		return fmt.Errorf("watch: postComment before messageServer frame received")
	}
	return s.send(newFrame("postComment", PostCommentData{
		Text:        text,
		Vpos:        vpos(time.Now(), data.VposBaseTime),
		IsAnonymous: isAnonymous,
		Color:       opts.Color,
		Size:        opts.Size,
		Position:    opts.Position,
		Font:        opts.Font,
	}))
}

// KeepSeat sends a standalone keepSeat frame. Normally unnecessary: the
// session piggybacks keepSeat on every server ping (spec §4.C/§9), this
// is exposed for callers that want to keep a seat warm absent traffic.
func (s *Session) KeepSeat() error {
	return s.send(newFrame("keepSeat", nil))
}

// Close tears down the connection and ends the Iterator sequence
// cleanly (no error), distinguishing caller-initiated closure from a
// network failure (spec §5).
func (s *Session) Close() error {
	atomic.StoreInt32(&s.closing, 1)
	err := s.conn.Close()
	return err
}

func (s *Session) readLoop(ctx context.Context) {
	defer s.recv.Close()

	for {
		raw, err := s.conn.ReadMessage()
		if err != nil {
			if atomic.LoadInt32(&s.closing) == 1 || ctx.Err() != nil {
				return // caller-initiated: end silently (spec §5)
			}
			s.recv.Throw(&ndgrerr.NetworkError{Op: "read watch frame", Err: err})
			return
		}

		msg, err := decodeReceiveMessage(raw)
		if err != nil {
			s.log.WithError(err).Warn("watch: failed to decode inbound frame")
			continue
		}

		switch msg.Type {
		case InTypePing:
			if err := s.send(newFrame("pong", nil)); err != nil {
				s.log.WithError(err).Warn("watch: failed to send pong")
			}
			if err := s.send(newFrame("keepSeat", nil)); err != nil {
				s.log.WithError(err).Warn("watch: failed to send keepSeat")
			}
		case InTypeSchedule:
			begin, errB := time.Parse(time.RFC3339Nano, msg.Schedule.Begin)
			end, errE := time.Parse(time.RFC3339Nano, msg.Schedule.End)
			if errB == nil && errE == nil {
				s.schedule.set(begin, end)
			}
		case InTypeMessageServer:
			s.latchMessageServerData(msg.MessageServer)
		}

		s.recv.Enqueue(*msg)

		if msg.Type == InTypeDisconnect {
			return
		}
	}
}
