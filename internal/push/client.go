package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingInterval = 20 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
	maxFrameSize = 1 << 20
)

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("push: connection closed")

// Client is one websocket session. Next must be called from a single goroutine.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

// Dial opens the websocket at socketURL and starts the keepalive pinger.
func Dial(ctx context.Context, socketURL, authToken string) (*Client, error) {
	header := http.Header{}
	if authToken != "" {
		header.Set("Authorization", "Bearer "+authToken)
	}
	dialer := websocket.Dialer{HandshakeTimeout: writeWait}
	conn, resp, err := dialer.DialContext(ctx, socketURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("push: dial %s: %w (status %d)", socketURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("push: dial %s: %w", socketURL, err)
	}

	c := &Client{conn: conn, done: make(chan struct{})}
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.keepalive()
	return c, nil
}

// Join registers this connection as the given responder.
func (c *Client) Join(username string) error {
	msg, err := Encode(TypeJoinResponder, username)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

func (c *Client) Send(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("push: write %s: %w", msg.Type, err)
	}
	return nil
}

// Next blocks for the next decodable event. Frames that fail to decode are
// reported through onBadFrame (when non-nil) and skipped.
func (c *Client) Next(ctx context.Context, onBadFrame func(error)) (Event, error) {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return Event{}, ctx.Err()
			}
			select {
			case <-c.done:
				return Event{}, ErrClosed
			default:
			}
			return Event{}, fmt.Errorf("push: read: %w", err)
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			if onBadFrame != nil {
				onBadFrame(fmt.Errorf("push: malformed frame: %w", err))
			}
			continue
		}
		ev, err := Decode(msg)
		if err != nil {
			if onBadFrame != nil {
				onBadFrame(err)
			}
			continue
		}
		return ev, nil
	}
}

func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Client) keepalive() {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				_ = c.Close()
				return
			}
		}
	}
}
