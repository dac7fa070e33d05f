package surface

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"maxidomd/internal/capture"
	"maxidomd/internal/lockdown"
)

const (
	clientWriteTimeout = 10 * time.Second
	helloTimeout       = 5 * time.Second
)

// Client is a Go surface: it attaches to a hub, reports input and receives
// directives. The attach command and tests use it.
type Client struct {
	conn *websocket.Conn
	ref  lockdown.SurfaceRef

	writeMu    sync.Mutex
	directives chan lockdown.Directive
	done       chan struct{}
	err        error
}

// Dial connects to a hub WebSocket URL (ws:// or wss://) and waits for the
// hello frame.
func Dial(ctx context.Context, url, token string) (*Client, error) {
	header := http.Header{}
	if token != "" {
		header.Set(TokenHeader, token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("surface: dial %s: %w (HTTP %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("surface: dial %s: %w", url, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(helloTimeout))
	var hello Message
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != MsgHello {
		conn.Close()
		if err == nil {
			err = fmt.Errorf("unexpected %q frame", hello.Type)
		}
		return nil, fmt.Errorf("surface: handshake: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	c := &Client{
		conn:       conn,
		ref:        hello.Surface,
		directives: make(chan lockdown.Directive, 16),
		done:       make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Ref is the identifier the hub assigned to this surface.
func (c *Client) Ref() lockdown.SurfaceRef { return c.ref }

// Directives delivers directives in arrival order. It is closed when the
// connection ends.
func (c *Client) Directives() <-chan lockdown.Directive { return c.directives }

// Done is closed when the connection ends; Err then reports why.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the read error that ended the connection, if any.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Ready tells the hub this surface can enforce directives.
func (c *Client) Ready() error {
	return c.write(Message{Type: MsgReady})
}

// Input reports a batch of raw input.
func (c *Client) Input(events ...capture.Input) error {
	if len(events) == 0 {
		return nil
	}
	return c.write(Message{Type: MsgInput, Events: events})
}

// Verify submits a challenge attempt.
func (c *Client) Verify(attempt string) error {
	return c.write(Message{Type: MsgVerify, Password: attempt})
}

// Enroll submits the password chosen at first run.
func (c *Client) Enroll(password string) error {
	return c.write(Message{Type: MsgEnroll, Password: password})
}

// Close ends the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *Client) write(m Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
	return c.conn.WriteJSON(m)
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.directives)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !errors.Is(err, websocket.ErrCloseSent) {
				c.err = err
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == MsgDirective && msg.Directive != nil {
			c.directives <- *msg.Directive
		}
	}
}
