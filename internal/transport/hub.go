package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"ChainPulse/internal/observability/metrics"
	"ChainPulse/pkg/logger"
)

// Lifecycle 在首个客户端接入时启动、最后一个客户端离开时停止，realtime.Scheduler 满足该接口。
type Lifecycle interface {
	Start()
	Stop()
}

// Stats 是 Hub 的运行快照。
type Stats struct {
	Clients  int            `json:"clients"`
	Groups   map[string]int `json:"groups"`
	Dropped  int64          `json:"dropped"`
	Evicted  int64          `json:"evicted"`
	Received int64          `json:"received"`
}

// Hub 维护全部客户端及其订阅的广播组。
type Hub struct {
	mu        sync.Mutex
	clients   map[string]*Client
	groups    map[string]map[string]*Client
	lifecycle Lifecycle

	pingWait time.Duration
	now      func() time.Time
	metrics  *metrics.Registry
	logger   *slog.Logger

	droppedN atomic.Int64
	evictedN atomic.Int64
	received atomic.Int64
}

// HubOption 自定义 Hub。
type HubOption func(*Hub)

// WithLifecycle 设置随客户端数量启停的组件。
func WithLifecycle(l Lifecycle) HubOption {
	return func(h *Hub) {
		h.lifecycle = l
	}
}

// WithHubMetrics 设置指标注册表。
func WithHubMetrics(m *metrics.Registry) HubOption {
	return func(h *Hub) {
		h.metrics = m
	}
}

// WithHubClock 替换时间来源。
func WithHubClock(now func() time.Time) HubOption {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHub 创建 Hub。
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		clients:  make(map[string]*Client),
		groups:   make(map[string]map[string]*Client),
		pingWait: 10 * time.Second,
		now:      time.Now,
		logger:   logger.Named("transport"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Register 加入客户端，首个客户端会启动 Lifecycle。
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; ok {
		return
	}
	h.clients[c.id] = c
	h.metrics.SetClients(len(h.clients))
	if len(h.clients) == 1 && h.lifecycle != nil {
		h.lifecycle.Start()
	}
}

// Unregister 移除客户端并退出全部广播组，最后一个客户端离开时停止 Lifecycle。
// 返回客户端此前是否已注册。
func (h *Hub) Unregister(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; !ok {
		return false
	}
	delete(h.clients, c.id)
	for name := range c.groups {
		h.leaveLocked(c, name)
	}
	c.close()
	h.metrics.SetClients(len(h.clients))
	logger.Audit().Info("client disconnected", slog.String("client_id", c.id))
	if len(h.clients) == 0 && h.lifecycle != nil {
		h.lifecycle.Stop()
	}
	return true
}

// Subscribe 把客户端加入广播组，返回客户端当前所在的全部组。
func (h *Hub) Subscribe(c *Client, groups ...string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; ok {
		for _, name := range groups {
			members := h.groups[name]
			if members == nil {
				members = make(map[string]*Client)
				h.groups[name] = members
			}
			members[c.id] = c
			c.groups[name] = struct{}{}
		}
	}
	return groupNames(c.groups)
}

// Unsubscribe 把客户端移出广播组，返回客户端剩余的组。
func (h *Hub) Unsubscribe(c *Client, groups ...string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, name := range groups {
		h.leaveLocked(c, name)
	}
	return groupNames(c.groups)
}

func (h *Hub) leaveLocked(c *Client, name string) {
	delete(c.groups, name)
	if members := h.groups[name]; members != nil {
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.groups, name)
		}
	}
}

// Broadcast 向广播组的成员发送消息，group 为空时发送给全部客户端。
// 单个连接发送失败不影响其他连接，返回成功投递的数量。
func (h *Hub) Broadcast(msgType string, data any, group string) int {
	payload, err := json.Marshal(Envelope{Type: msgType, Data: data, Timestamp: h.now().UnixMilli()})
	if err != nil {
		h.logger.Warn("encode broadcast failed", slog.String("type", msgType), slog.Any("error", err))
		return 0
	}

	h.mu.Lock()
	var targets []*Client
	if group == "" {
		targets = make([]*Client, 0, len(h.clients))
		for _, c := range h.clients {
			targets = append(targets, c)
		}
	} else {
		for _, c := range h.groups[group] {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	delivered := 0
	for _, c := range targets {
		if c.sendRaw(payload) {
			delivered++
		}
	}
	return delivered
}

// Sweep 执行一次心跳检查：上次检查后没有应答的客户端被断开，其余客户端被标记为待应答并收到 ping。
// 返回被断开的数量。
func (h *Hub) Sweep() int {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	evicted := 0
	for _, c := range clients {
		if !c.alive.Swap(false) {
			if h.Unregister(c) {
				evicted++
				h.evictedN.Add(1)
				h.metrics.IncEvictions()
				h.logger.Info("client evicted by heartbeat", slog.String("client_id", c.id))
			}
			continue
		}
		if err := c.ping(h.pingWait); err != nil {
			h.logger.Debug("heartbeat ping failed", slog.String("client_id", c.id), slog.Any("error", err))
		}
	}
	return evicted
}

// RunHeartbeat 按 interval 周期执行 Sweep，直到 ctx 取消。
func (h *Hub) RunHeartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sweep()
		}
	}
}

// Close 断开全部客户端。
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.Unregister(c)
	}
}

// Clients 返回在线客户端数量。
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Groups 返回每个广播组的成员数量。
func (h *Hub) Groups() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int, len(h.groups))
	for name, members := range h.groups {
		out[name] = len(members)
	}
	return out
}

// Stats 返回运行快照。
func (h *Hub) Stats() Stats {
	return Stats{
		Clients:  h.Clients(),
		Groups:   h.Groups(),
		Dropped:  h.droppedN.Load(),
		Evicted:  h.evictedN.Load(),
		Received: h.received.Load(),
	}
}

func (h *Hub) dropped() {
	h.droppedN.Add(1)
	h.metrics.IncDropped()
}

func groupNames(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
