package watch

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the minimal transport surface Session needs from a websocket
// connection. It is an interface so tests can substitute an in-memory
// fake instead of dialing a real socket.
type Conn interface {
	// ReadMessage blocks for the next text frame's payload.
	ReadMessage() ([]byte, error)
	// WriteMessage sends one text frame.
	WriteMessage(p []byte) error
	Close() error
}

// Dialer opens a Conn to url.
type Dialer func(ctx context.Context, url string) (Conn, error)

// DialGorilla is the production Dialer, backed by
// github.com/gorilla/websocket.
func DialGorilla(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &gorillaConn{conn: conn}, nil
}

type gorillaConn struct {
	conn *websocket.Conn
}

func (g *gorillaConn) ReadMessage() ([]byte, error) {
	_, data, err := g.conn.ReadMessage()
	return data, err
}

func (g *gorillaConn) WriteMessage(p []byte) error {
	return g.conn.WriteMessage(websocket.TextMessage, p)
}

func (g *gorillaConn) Close() error {
	_ = g.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return g.conn.Close()
}
