// Package metrics exposes ChainPulse's Prometheus collectors. Every method
// on *Registry is safe to call on a nil receiver so components can run
// without metrics wired in.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry 持有进程内的 Prometheus 注册表与全部指标。
type Registry struct {
	reg *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	turns         *prometheus.CounterVec
	turnDuration  prometheus.Histogram
	toolCalls     *prometheus.CounterVec
	toolAttempts  *prometheus.CounterVec
	polls         *prometheus.CounterVec
	announcements *prometheus.CounterVec
	wsClients     prometheus.Gauge
	wsEvictions   prometheus.Counter
	wsDropped     prometheus.Counter
}

// New 创建并注册全部指标。
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainpulse_http_requests_total",
			Help: "Total number of HTTP requests processed.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chainpulse_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"route"}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainpulse_turns_total",
			Help: "Conversation turns by terminal outcome.",
		}, []string{"outcome"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chainpulse_turn_duration_seconds",
			Help:    "Wall time of a conversation turn.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainpulse_tool_calls_total",
			Help: "Tool calls by tool and terminal status.",
		}, []string{"tool", "status"}),
		toolAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainpulse_tool_attempts_total",
			Help: "Handler invocations including retries.",
		}, []string{"tool"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainpulse_polls_total",
			Help: "Upstream polls by kind and result.",
		}, []string{"kind", "result"}),
		announcements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainpulse_announcements_total",
			Help: "Realtime values announced to subscribers.",
		}, []string{"kind"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chainpulse_ws_clients",
			Help: "Currently connected WebSocket clients.",
		}),
		wsEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainpulse_ws_evictions_total",
			Help: "Clients disconnected by the heartbeat watchdog.",
		}),
		wsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainpulse_ws_dropped_messages_total",
			Help: "Outbound messages dropped because a client was closed or slow.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.httpRequests, r.httpDuration,
		r.turns, r.turnDuration,
		r.toolCalls, r.toolAttempts,
		r.polls, r.announcements,
		r.wsClients, r.wsEvictions, r.wsDropped,
	)
	return r
}

// Handler 以 Prometheus 文本格式暴露指标。
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer 返回底层注册表，测试中用于读取指标。
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.reg
}

// ObserveHTTPRequest 记录一次 HTTP 请求。
func (r *Registry) ObserveHTTPRequest(route string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// ObserveTurn 记录一轮对话的结果，outcome 为 done、error 或 timeout。
func (r *Registry) ObserveTurn(outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	r.turns.WithLabelValues(outcome).Inc()
	r.turnDuration.Observe(duration.Seconds())
}

// ObserveToolCall 记录工具调用的终态与尝试次数。
func (r *Registry) ObserveToolCall(tool, status string, attempts int) {
	if r == nil {
		return
	}
	r.toolCalls.WithLabelValues(tool, status).Inc()
	if attempts > 0 {
		r.toolAttempts.WithLabelValues(tool).Add(float64(attempts))
	}
}

// ObservePoll 记录一次轮询，result 为 ok、error 或 skipped。
func (r *Registry) ObservePoll(kind, result string) {
	if r == nil {
		return
	}
	r.polls.WithLabelValues(kind, result).Inc()
}

// ObserveAnnouncement 记录一次实时推送。
func (r *Registry) ObserveAnnouncement(kind string) {
	if r == nil {
		return
	}
	r.announcements.WithLabelValues(kind).Inc()
}

// SetClients 更新在线客户端数量。
func (r *Registry) SetClients(n int) {
	if r == nil {
		return
	}
	r.wsClients.Set(float64(n))
}

// IncEvictions 记录心跳剔除。
func (r *Registry) IncEvictions() {
	if r == nil {
		return
	}
	r.wsEvictions.Inc()
}

// IncDropped 记录被丢弃的出站消息。
func (r *Registry) IncDropped() {
	if r == nil {
		return
	}
	r.wsDropped.Inc()
}
