package session

import (
	"context"
	"sync"
	"time"

	"drocsid-backend/internal/protocol"

	"github.com/gorilla/websocket"
)

// Conn is one bidirectional link to the relay.
type Conn interface {
	ReadEnvelope() (protocol.Envelope, error)
	WriteEnvelope(protocol.Envelope) error
	Close() error
}

// Dialer opens the primary transport. The context carries the setup timeout;
// a dialer that can't produce an open link before it expires must fail.
type Dialer func(ctx context.Context) (Conn, error)

// WebsocketDialer dials a relay websocket endpoint.
func WebsocketDialer(url string) Dialer {
	return func(ctx context.Context) (Conn, error) {
		dialer := websocket.Dialer{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		}

		conn, _, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return &wsConn{conn: conn}, nil
	}
}

type wsConn struct {
	conn       *websocket.Conn
	writeMutex sync.Mutex
}

func (c *wsConn) ReadEnvelope() (protocol.Envelope, error) {
	var env protocol.Envelope
	err := c.conn.ReadJSON(&env)
	return env, err
}

func (c *wsConn) WriteEnvelope(env protocol.Envelope) error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	return c.conn.WriteJSON(env)
}

func (c *wsConn) Close() error {
	c.writeMutex.Lock()
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	c.writeMutex.Unlock()

	return c.conn.Close()
}
