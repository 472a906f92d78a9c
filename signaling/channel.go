package signaling

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
)

// Channel is a duplex JSON message channel to the signaling relay.
type Channel struct {
	conn     *websocket.Conn
	writeMux sync.Mutex
}

// Dial opens the websocket to the relay. The dialer applies its own
// handshake timeout.
func Dial(ctx context.Context, rawURL string) (*Channel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return &Channel{conn: conn}, nil
}

// Send writes one message as a text frame. Safe for concurrent use.
func (c *Channel) Send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMux.Lock()
	defer c.writeMux.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Next blocks until the relay delivers the next text frame.
func (c *Channel) Next() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *Channel) Close() error {
	return c.conn.Close()
}
