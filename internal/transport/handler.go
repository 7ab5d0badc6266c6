package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	xerrors "ChainPulse/internal/errors"
	"ChainPulse/pkg/logger"
)

// Handler 把 HTTP 请求升级为 WebSocket 并处理客户端消息。
type Handler struct {
	ctx   context.Context
	hub   *Hub
	turns TurnProcessor
	queue *turnQueue

	upgrader    websocket.Upgrader
	turnTimeout time.Duration
	queueWait   time.Duration
	writeWait   time.Duration
	readLimit   int64
	sendBuffer  int
	newID       func() string
	logger      *slog.Logger

	wg sync.WaitGroup
}

// HandlerOption 自定义 Handler。
type HandlerOption func(*Handler)

// WithTurnTimeout 设置单轮对话的安全超时。
func WithTurnTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.turnTimeout = d
		}
	}
}

// WithQueueWait 设置同一会话排队等待的上限。
func WithQueueWait(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.queueWait = d
		}
	}
}

// WithSendBuffer 设置每个客户端的发送缓冲。
func WithSendBuffer(n int) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// WithReadLimit 设置单条入站消息的最大字节数。
func WithReadLimit(n int64) HandlerOption {
	return func(h *Handler) {
		h.readLimit = n
	}
}

// WithWriteWait 设置单次写入的期限，对话事件等待发送缓冲超过该期限时断开客户端。
func WithWriteWait(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.writeWait = d
		}
	}
}

// WithClientIDs 替换客户端标识生成器。
func WithClientIDs(fn func() string) HandlerOption {
	return func(h *Handler) {
		if fn != nil {
			h.newID = fn
		}
	}
}

// NewHandler 创建 Handler。ctx 是服务级上下文，对话只随它或安全超时取消。
func NewHandler(ctx context.Context, hub *Hub, turns TurnProcessor, opts ...HandlerOption) *Handler {
	h := &Handler{
		ctx:         ctx,
		hub:         hub,
		turns:       turns,
		queue:       newTurnQueue(),
		turnTimeout: 60 * time.Second,
		writeWait:   10 * time.Second,
		readLimit:   64 << 10,
		sendBuffer:  64,
		newID:       uuid.NewString,
		logger:      logger.Named("transport"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.queueWait == 0 {
		h.queueWait = h.turnTimeout
	}
	return h
}

// ServeWS 是 /ws 路由的 echo 处理函数。
func (h *Handler) ServeWS(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return nil
	}

	client := newClient(h.newID(), conn, h.hub, h.sendBuffer)
	client.Send(h.envelope(TypeConnectionStatus, ConnectionStatus{ClientID: client.id, Status: "connected"}))
	h.hub.Register(client)
	logger.Audit().Info("client connected",
		slog.String("client_id", client.id),
		slog.String("remote_addr", c.RealIP()),
	)

	go client.writePump(h.writeWait)
	go client.readPump(h.readLimit, h.dispatch)
	return nil
}

// ActiveTurns 返回正在执行或排队的会话数。
func (h *Handler) ActiveTurns() int {
	return h.queue.busy()
}

// Wait 等待进行中的对话结束。
func (h *Handler) Wait() {
	h.wg.Wait()
}

func (h *Handler) dispatch(c *Client, raw []byte) {
	h.hub.received.Add(1)
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.sendError(c, xerrors.Wrap(xerrors.CodeMalformedMessage, err, "message is not valid JSON"))
		return
	}
	msg.Type = strings.TrimSpace(msg.Type)
	if msg.Type == "" {
		h.sendError(c, xerrors.New(xerrors.CodeMalformedMessage, "message type is required"))
		return
	}

	switch msg.Type {
	case TypeChat:
		h.handleChat(c, msg.Data)
	case TypePing:
		c.Send(h.envelope(TypePong, nil))
	case TypeSubscribe, TypeUnsubscribe:
		h.handleGroups(c, msg.Type, msg.Data)
	default:
		h.sendError(c, xerrors.Newf(xerrors.CodeMalformedMessage, "unknown message type: %s", msg.Type))
	}
}

func (h *Handler) handleChat(c *Client, data json.RawMessage) {
	var req ChatRequest
	if err := decodeData(data, &req); err != nil {
		h.sendError(c, err)
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		req.SessionID = c.id
	}

	ticket := h.queue.enqueue(req.SessionID)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.runTurn(c, req, ticket)
	}()
}

func (h *Handler) handleGroups(c *Client, kind string, data json.RawMessage) {
	var req GroupRequest
	if err := decodeData(data, &req); err != nil {
		h.sendError(c, err)
		return
	}
	names := req.names()
	if len(names) == 0 {
		h.sendError(c, xerrors.New(xerrors.CodeMalformedMessage, "group is required"))
		return
	}

	status := ConnectionStatus{ClientID: c.id}
	if kind == TypeSubscribe {
		status.Status, status.Groups = "subscribed", h.hub.Subscribe(c, names...)
	} else {
		status.Status, status.Groups = "unsubscribed", h.hub.Unsubscribe(c, names...)
	}
	c.Send(h.envelope(TypeConnectionStatus, status))
}

// sendChat 阻塞投递一条对话事件，返回是否写入了客户端的发送缓冲。
func (h *Handler) sendChat(ctx context.Context, c *Client, data ChatData) bool {
	payload, err := json.Marshal(h.envelope(TypeChat, data))
	if err != nil {
		h.logger.Warn("encode chat event failed", "client_id", c.id, "error", err)
		return false
	}
	return c.deliver(ctx, payload, h.writeWait)
}

func (h *Handler) sendError(c *Client, err error) {
	c.Send(h.envelope(TypeError, errorData(err)))
}

func (h *Handler) envelope(msgType string, data any) Envelope {
	return Envelope{Type: msgType, Data: data, Timestamp: h.hub.now().UnixMilli()}
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return xerrors.New(xerrors.CodeMalformedMessage, "message data is required")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return xerrors.Wrap(xerrors.CodeMalformedMessage, err, "message data is malformed")
	}
	return nil
}
