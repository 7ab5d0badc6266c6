package transport

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Client 是一个已注册的 WebSocket 连接。
type Client struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	alive     atomic.Bool
	groups    map[string]struct{} // 由 hub.mu 保护
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(id string, conn *websocket.Conn, hub *Hub, buffer int) *Client {
	if buffer <= 0 {
		buffer = 64
	}
	c := &Client{
		id:     id,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, buffer),
		groups: make(map[string]struct{}),
		done:   make(chan struct{}),
	}
	c.alive.Store(true)
	return c
}

// ID 返回客户端标识。
func (c *Client) ID() string { return c.id }

// Send 序列化并投递一条消息。缓冲区已满或连接已关闭时丢弃并返回 false。
func (c *Client) Send(env Envelope) bool {
	payload, err := json.Marshal(env)
	if err != nil {
		c.hub.logger.Warn("encode envelope failed", "client_id", c.id, "type", env.Type, "error", err)
		return false
	}
	return c.sendRaw(payload)
}

func (c *Client) sendRaw(payload []byte) bool {
	select {
	case <-c.done:
		c.hub.dropped()
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	case <-c.done:
	default:
	}
	c.hub.dropped()
	return false
}

// deliver 阻塞投递一条对话消息，直到写入缓冲、连接关闭或 ctx 结束。
// 等待超过 wait 说明客户端读取过慢，直接断开连接而不是丢掉其中一部分事件。
func (c *Client) deliver(ctx context.Context, payload []byte, wait time.Duration) bool {
	if c.closed() {
		c.hub.dropped()
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case c.send <- payload:
		return true
	case <-c.done:
	case <-ctx.Done():
	case <-timer.C:
		c.hub.logger.Warn("slow client disconnected", "client_id", c.id, "wait", wait)
		c.hub.Unregister(c)
	}
	c.hub.dropped()
	return false
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) markAlive() { c.alive.Store(true) }

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// ping 发送一个控制帧，gorilla 允许它与 writePump 并发调用。
func (c *Client) ping(wait time.Duration) error {
	if c.conn == nil {
		return nil
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wait))
}

func (c *Client) writePump(wait time.Duration) {
	defer c.close()
	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.hub.logger.Debug("write failed", "client_id", c.id, "error", err)
				c.hub.Unregister(c)
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wait))
			return
		}
	}
}

func (c *Client) readPump(limit int64, handle func(*Client, []byte)) {
	defer c.hub.Unregister(c)
	if limit > 0 {
		c.conn.SetReadLimit(limit)
	}
	c.conn.SetPongHandler(func(string) error {
		c.markAlive()
		return nil
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("read failed", "client_id", c.id, "error", err)
			}
			return
		}
		c.markAlive()
		handle(c, message)
	}
}
