package signaling

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/soda-magic/tank-rtc-sdk/internal/util"
)

// WSClient is the websocket-backed signaling client. Inbound messages are
// read on a background pump and dispatched to the handler in arrival
// order; writes are serialized.
type WSClient struct {
	conn    *websocket.Conn
	handler Handler
	logger  *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the signaling server at url and starts the read pump.
// The handler runs on the pump goroutine; it must not block on Send to the
// same client's peer in a way that deadlocks the caller.
func Dial(ctx context.Context, url string, handler Handler) (*WSClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial signaling server %s", url)
	}

	c := &WSClient{
		conn:    conn,
		handler: handler,
		logger:  util.GetLogger().With("component", "signaling"),
		done:    make(chan struct{}),
	}
	go c.readPump()
	return c, nil
}

func (c *WSClient) readPump() {
	defer c.Close()
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("signaling read error", "err", err)
			}
			return
		}
		if msg.Type == "" {
			continue
		}
		if c.handler != nil {
			c.handler(msg)
		}
	}
}

// Send writes one message to the server.
func (c *WSClient) Send(msg Message) error {
	select {
	case <-c.done:
		return errors.New("signaling client is closed")
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(msg); err != nil {
		return errors.Wrapf(err, "failed to send %s message", msg.Type)
	}
	return nil
}

// Close tears the socket down. Safe to call more than once.
func (c *WSClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}
