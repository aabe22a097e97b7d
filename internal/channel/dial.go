package channel

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/texlink/texlink/internal/protocol"
)

// Conn is the peer side of the channel.
type Conn struct {
	conn *websocket.Conn
}

// Dial connects to a texlink server at url (ws:// or wss://).
func Dial(ctx context.Context, url string) (*Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return nil, fmt.Errorf("dialing %s: a peer is already linked", url)
		}
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return &Conn{conn: conn}, nil
}

// Send writes one command.
func (c *Conn) Send(ctx context.Context, command string, payload any) error {
	frame, err := protocol.Encode(command, payload)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// Receive reads the next command, waiting until ctx is done.
func (c *Conn) Receive(ctx context.Context) (*protocol.Envelope, error) {
	if d, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(d)
	} else {
		c.conn.SetReadDeadline(time.Time{})
	}
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ != websocket.TextMessage {
			continue
		}
		return protocol.DecodeEnvelope(data)
	}
}

// Close sends a close frame and closes the connection.
func (c *Conn) Close() error {
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}
