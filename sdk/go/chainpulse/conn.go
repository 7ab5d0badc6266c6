package chainpulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by calls made after the connection has gone away.
var ErrClosed = errors.New("chainpulse: connection closed")

// Conn is a WebSocket session with a ChainPulse server. A Conn may run chat
// turns for several sessions at once, but only one turn per session.
type Conn struct {
	ws       *websocket.Conn
	clientID string

	writeMu sync.Mutex

	mu       sync.Mutex
	chats    map[string]chan ChatEvent
	statuses []chan connectionStatus
	pongs    []chan struct{}
	errs     []chan ErrorData

	realtime chan Envelope
	done     chan struct{}
	err      error
}

type connectionStatus struct {
	ClientID string   `json:"clientId"`
	Status   string   `json:"status"`
	Groups   []string `json:"groups,omitempty"`
}

// Dial connects to the server's /ws endpoint and waits for the
// connection_status greeting.
func Dial(ctx context.Context, url string) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
	}
	var greeting Envelope
	if err := ws.ReadJSON(&greeting); err != nil {
		ws.Close()
		return nil, fmt.Errorf("read greeting: %w", err)
	}
	var status connectionStatus
	if greeting.Type != "connection_status" || json.Unmarshal(greeting.Data, &status) != nil {
		ws.Close()
		return nil, fmt.Errorf("unexpected greeting %q", greeting.Type)
	}
	_ = ws.SetReadDeadline(time.Time{})

	c := &Conn{
		ws:       ws,
		clientID: status.ClientID,
		chats:    make(map[string]chan ChatEvent),
		realtime: make(chan Envelope, 64),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// ClientID returns the identifier the server assigned to this connection. It
// is also the default session id for Chat.
func (c *Conn) ClientID() string { return c.clientID }

// Realtime delivers realtime_block and realtime_fee broadcasts. Messages are
// dropped when the channel is full. The channel is closed with the Conn.
func (c *Conn) Realtime() <-chan Envelope { return c.realtime }

// Chat sends one user message and returns the turn's events. The channel is
// closed after the terminal done or error event, when ctx ends or when the
// connection drops.
func (c *Conn) Chat(ctx context.Context, sessionID, text string) (<-chan ChatEvent, error) {
	if sessionID == "" {
		sessionID = c.clientID
	}
	ch := make(chan ChatEvent, 128)

	c.mu.Lock()
	if c.closedLocked() {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if _, busy := c.chats[sessionID]; busy {
		c.mu.Unlock()
		return nil, fmt.Errorf("chainpulse: session %s already has a turn in flight", sessionID)
	}
	c.chats[sessionID] = ch
	c.mu.Unlock()

	if err := c.write(map[string]any{"type": "chat", "data": map[string]any{"sessionId": sessionID, "message": text}}); err != nil {
		c.finishChat(sessionID, ch)
		return nil, err
	}
	go func() {
		select {
		case <-ctx.Done():
			c.finishChat(sessionID, ch)
		case <-c.done:
		}
	}()
	return ch, nil
}

// Ping sends an application ping and waits for the pong.
func (c *Conn) Ping(ctx context.Context) error {
	wait := make(chan struct{}, 1)
	c.mu.Lock()
	c.pongs = append(c.pongs, wait)
	c.mu.Unlock()

	if err := c.write(map[string]any{"type": "ping"}); err != nil {
		return err
	}
	select {
	case <-wait:
		return nil
	case <-c.done:
		return c.closeErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe joins broadcast groups and returns every group the connection
// now belongs to.
func (c *Conn) Subscribe(ctx context.Context, groups ...string) ([]string, error) {
	return c.groups(ctx, "subscribe", groups)
}

// Unsubscribe leaves broadcast groups and returns the remaining groups.
func (c *Conn) Unsubscribe(ctx context.Context, groups ...string) ([]string, error) {
	return c.groups(ctx, "unsubscribe", groups)
}

func (c *Conn) groups(ctx context.Context, kind string, groups []string) ([]string, error) {
	status := make(chan connectionStatus, 1)
	failed := make(chan ErrorData, 1)
	c.mu.Lock()
	c.statuses = append(c.statuses, status)
	c.errs = append(c.errs, failed)
	c.mu.Unlock()

	if err := c.write(map[string]any{"type": kind, "data": map[string]any{"groups": groups}}); err != nil {
		return nil, err
	}
	select {
	case s := <-status:
		return s.Groups, nil
	case e := <-failed:
		return nil, &e
	case <-c.done:
		return nil, c.closeErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the connection.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *Conn) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return c.closeErr()
	default:
	}
	if err := c.ws.WriteJSON(v); err != nil {
		return fmt.Errorf("chainpulse: write: %w", err)
	}
	return nil
}

func (c *Conn) readLoop() {
	var err error
	defer func() { c.shutdown(err) }()
	for {
		var env Envelope
		if err = c.ws.ReadJSON(&env); err != nil {
			return
		}
		c.route(env)
	}
}

func (c *Conn) route(env Envelope) {
	switch env.Type {
	case "chat":
		var ev ChatEvent
		if json.Unmarshal(env.Data, &ev) != nil {
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		ch := c.chats[ev.SessionID]
		if ch == nil {
			return
		}
		select {
		case ch <- ev:
		default:
		}
		if ev.Terminal() {
			delete(c.chats, ev.SessionID)
			close(ch)
		}
	case "pong":
		c.mu.Lock()
		if len(c.pongs) > 0 {
			c.pongs[0] <- struct{}{}
			c.pongs = c.pongs[1:]
		}
		c.mu.Unlock()
	case "connection_status":
		var s connectionStatus
		if json.Unmarshal(env.Data, &s) != nil {
			return
		}
		c.mu.Lock()
		if len(c.statuses) > 0 {
			c.statuses[0] <- s
			c.statuses, c.errs = c.statuses[1:], c.errs[1:]
		}
		c.mu.Unlock()
	case "error":
		var e ErrorData
		if json.Unmarshal(env.Data, &e) != nil {
			return
		}
		c.mu.Lock()
		if len(c.errs) > 0 {
			c.errs[0] <- e
			c.statuses, c.errs = c.statuses[1:], c.errs[1:]
		}
		c.mu.Unlock()
	default:
		select {
		case c.realtime <- env:
		default:
		}
	}
}

func (c *Conn) finishChat(sessionID string, ch chan ChatEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chats[sessionID] == ch {
		delete(c.chats, sessionID)
		close(ch)
	}
}

func (c *Conn) shutdown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		err = nil
	}
	c.err = err
	close(c.done)
	for id, ch := range c.chats {
		delete(c.chats, id)
		close(ch)
	}
	close(c.realtime)
}

func (c *Conn) closedLocked() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, c.err)
	}
	return ErrClosed
}
