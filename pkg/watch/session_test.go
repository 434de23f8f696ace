package watch

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory Conn: inbound frames are fed via push(), and
// every outbound WriteMessage is captured into sent for assertions.
type fakeConn struct {
	mu     sync.Mutex
	inbox  chan []byte
	sent   [][]byte
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbox: make(chan []byte, 64)}
}

func (f *fakeConn) push(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	f.inbox <- b
}

func (f *fakeConn) ReadMessage() ([]byte, error) {
	b, ok := <-f.inbox
	if !ok {
		return nil, io.EOF
	}
	return b, nil
}

func (f *fakeConn) WriteMessage(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), p...)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.inbox)
	}
	return nil
}

func (f *fakeConn) sentTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var types []string
	for _, b := range f.sent {
		var env struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(b, &env)
		types = append(types, env.Type)
	}
	return types
}

func dialerFor(conn *fakeConn) Dialer {
	return func(ctx context.Context, url string) (Conn, error) {
		return conn, nil
	}
}

func openTestSession(t *testing.T, conn *fakeConn) *Session {
	t.Helper()
	s, err := Open(context.Background(), dialerFor(conn), "wss://example.test/ws", Options{})
	require.NoError(t, err)
	return s
}

func TestOpenSendsStartWatching(t *testing.T) {
	conn := newFakeConn()
	_ = openTestSession(t, conn)

	require.Eventually(t, func() bool {
		return len(conn.sentTypes()) >= 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"startWatching"}, conn.sentTypes())
}

func TestPingTriggersPongThenKeepSeatInOrder(t *testing.T) {
	conn := newFakeConn()
	s := openTestSession(t, conn)

	conn.push(map[string]any{"type": "ping"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := s.Iterator().Next(ctx)
	require.NoError(t, err)
	require.Equal(t, InTypePing, msg.Type)

	require.Eventually(t, func() bool {
		return len(conn.sentTypes()) >= 3
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"startWatching", "pong", "keepSeat"}, conn.sentTypes())
}

func TestMessageServerLatchAndVpos(t *testing.T) {
	conn := newFakeConn()
	s := openTestSession(t, conn)

	conn.push(map[string]any{
		"type": "messageServer",
		"data": map[string]any{
			"viewUri":      "https://host/view",
			"vposBaseTime": "2023-11-14T22:13:20.000Z",
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	data, err := s.WaitForMessageServerData(ctx)
	require.NoError(t, err)
	require.Equal(t, "https://host/view", data.ViewURI)

	require.Equal(t, int64(12345), vpos(
		time.Date(2023, 11, 14, 22, 15, 23, 450_000_000, time.UTC),
		data.VposBaseTime,
	))
}

func TestScheduleUpdatedOnScheduleFrame(t *testing.T) {
	conn := newFakeConn()
	s := openTestSession(t, conn)

	conn.push(map[string]any{
		"type": "schedule",
		"data": map[string]any{
			"begin": "2023-11-14T22:13:20Z",
			"end":   "2023-11-14T23:13:20Z",
		},
	})

	require.Eventually(t, func() bool {
		sched := s.Schedule().Get()
		return !sched.Begin.IsZero()
	}, time.Second, 10*time.Millisecond)

	sched := s.Schedule().Get()
	require.Equal(t, 2023, sched.Begin.Year())
	require.True(t, sched.End.After(sched.Begin))
}

func TestReconnectAndDisconnectFramesAreForwarded(t *testing.T) {
	conn := newFakeConn()
	s := openTestSession(t, conn)

	conn.push(map[string]any{
		"type": "reconnect",
		"data": map[string]any{"audienceToken": "B", "waitTimeSec": 10},
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := s.Iterator().Next(ctx)
	require.NoError(t, err)
	require.Equal(t, InTypeReconnect, msg.Type)
	require.Equal(t, "B", msg.Reconnect.AudienceToken)
	require.Equal(t, 10, msg.Reconnect.WaitTimeSec)

	conn.push(map[string]any{
		"type": "disconnect",
		"data": map[string]any{"reason": "END_PROGRAM"},
	})
	msg, err = s.Iterator().Next(ctx)
	require.NoError(t, err)
	require.Equal(t, InTypeDisconnect, msg.Type)
	require.Equal(t, ReasonEndProgram, msg.Disconnect.Reason)

	// After a disconnect frame, the iterator ends cleanly.
	_, err = s.Iterator().Next(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestCloseEndsIteratorWithoutError(t *testing.T) {
	conn := newFakeConn()
	s := openTestSession(t, conn)

	require.NoError(t, s.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := s.Iterator().Next(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestPostCommentBuildsExpectedFrame(t *testing.T) {
	conn := newFakeConn()
	s := openTestSession(t, conn)

	conn.push(map[string]any{
		"type": "messageServer",
		"data": map[string]any{
			"viewUri":      "https://host/view",
			"vposBaseTime": "2023-11-14T22:13:20.000Z",
		},
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := s.WaitForMessageServerData(ctx)
	require.NoError(t, err)

	err = s.PostComment("hello", false, PostCommentOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		types := conn.sentTypes()
		return len(types) > 0 && types[len(types)-1] == "postComment"
	}, time.Second, 10*time.Millisecond)
}

func TestSendRoundTripsEveryOutboundFrameType(t *testing.T) {
	conn := newFakeConn()
	s := openTestSession(t, conn)

	require.NoError(t, s.Send("getAkashic", GetAkashicData{ChasePlay: true}))
	require.NoError(t, s.Send("changeStream", &StreamOption{Quality: QualityHigh, Latency: LatencyLow}))
	require.NoError(t, s.Send("answerEnquete", AnswerEnqueteData{Answer: 3}))
	require.NoError(t, s.Send("getTaxonomy", nil))
	require.NoError(t, s.Send("getStreamQualities", nil))

	require.Eventually(t, func() bool {
		return len(conn.sentTypes()) >= 6 // startWatching + the five above
	}, time.Second, 10*time.Millisecond)

	types := conn.sentTypes()
	require.Equal(t, []string{
		"startWatching", "getAkashic", "changeStream", "answerEnquete", "getTaxonomy", "getStreamQualities",
	}, types)

	conn.mu.Lock()
	frames := append([][]byte(nil), conn.sent...)
	conn.mu.Unlock()

	var akashic struct {
		Data GetAkashicData `json:"data"`
	}
	require.NoError(t, json.Unmarshal(frames[1], &akashic))
	require.True(t, akashic.Data.ChasePlay)

	var enquete struct {
		Data AnswerEnqueteData `json:"data"`
	}
	require.NoError(t, json.Unmarshal(frames[3], &enquete))
	require.Equal(t, 3, enquete.Data.Answer)
}
