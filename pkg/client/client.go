// Package client is a Go client for the fairvault session protocol. It
// multiplexes requests over one websocket connection, matching replies by
// message ID, and delivers server pushes to registered handlers.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/slog"
	"github.com/gorilla/websocket"
)

// ErrClosed is returned by calls on a closed client.
var ErrClosed = errors.New("client closed")

// Message is the wire envelope shared with the server.
type Message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RemoteError is an error reply from the server.
type RemoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Client is a connected session protocol client. It is safe for concurrent
// use.
type Client struct {
	cfg   Config
	log   slog.Logger
	ws    *websocket.Conn
	ntfns *NotificationManager

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan *Message
	err     error

	done chan struct{}
}

// Dial connects to the server and starts reading replies.
func Dial(ctx context.Context, cfg Config, ntfns *NotificationManager) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.Log == nil {
		cfg.Log = slog.Disabled
	}
	if ntfns == nil {
		ntfns = NewNotificationManager()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	ws, resp, err := dialer.DialContext(ctx, cfg.URL, cfg.header())
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to %s: %v (HTTP %d)", cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to connect to %s: %v", cfg.URL, err)
	}

	c := &Client{
		cfg:     cfg,
		log:     cfg.Log,
		ws:      ws,
		ntfns:   ntfns,
		pending: make(map[string]chan *Message),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close closes the connection. Pending calls fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.err == nil {
		c.err = ErrClosed
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.ws.Close()
	<-c.done
	return err
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warnf("Dropping malformed frame: %v", err)
			continue
		}
		if msg.ID == "" {
			c.ntfns.dispatch(&msg)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		if !ok {
			c.log.Debugf("Reply %s for unknown request %s", msg.Type, msg.ID)
			continue
		}
		ch <- &msg
	}
}

// fail records the connection error and releases every waiting call.
func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) || errors.Is(err, websocket.ErrCloseSent) {
		err = ErrClosed
	}
	if c.err == nil {
		c.err = err
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Call sends a request of type typ and decodes the reply payload into resp,
// which may be nil. Error replies are returned as *RemoteError.
func (c *Client) Call(ctx context.Context, typ string, req, resp any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}

	msg := Message{Type: typ, ID: strconv.FormatUint(c.nextID.Add(1), 10)}
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", typ, err)
		}
		msg.Payload = b
	}

	ch := make(chan *Message, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[msg.ID] = ch
	c.mu.Unlock()

	if err := c.write(ctx, &msg); err != nil {
		c.forget(msg.ID)
		return err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			c.mu.Lock()
			err := c.err
			c.mu.Unlock()
			return err
		}
		return decodeReply(reply, resp)
	case <-ctx.Done():
		c.forget(msg.ID)
		return ctx.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) write(ctx context.Context, msg *Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(dl)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}
	return nil
}

func decodeReply(reply *Message, resp any) error {
	if reply.Type == "error" {
		var re RemoteError
		if err := json.Unmarshal(reply.Payload, &re); err != nil {
			return fmt.Errorf("undecodable error reply: %w", err)
		}
		return &re
	}
	if resp == nil || len(reply.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(reply.Payload, resp); err != nil {
		return fmt.Errorf("failed to decode %s: %w", reply.Type, err)
	}
	return nil
}
