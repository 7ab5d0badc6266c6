package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"ChainPulse/internal/cache"
	xerrors "ChainPulse/internal/errors"
	"ChainPulse/internal/observability/metrics"
	"ChainPulse/internal/realtime"
	"ChainPulse/pkg/logger"
)

// Hub 提供在线客户端信息，transport.Hub 满足该接口。
type Hub interface {
	Clients() int
	Groups() map[string]int
}

// Scheduler 提供轮询状态，realtime.Scheduler 满足该接口。
type Scheduler interface {
	Running() bool
	LastAnnounced() (uint64, bool)
}

// Sessions 提供会话数量，session.Store 满足该接口。
type Sessions interface {
	Len() int
}

// Tools 提供已注册的工具名，tools.Registry 满足该接口。
type Tools interface {
	Names() []string
}

// Archive 提供归档统计，mysql.Archive 满足该接口。
type Archive interface {
	Counts(ctx context.Context) (blocks, fees int64, err error)
	LatestBlocks(ctx context.Context, limit int) ([]realtime.BlockSnapshot, error)
}

// Dependencies 是 Server 读取的组件，除 Cache 外都可以为空。
type Dependencies struct {
	Cache     cache.Cache[any]
	Hub       Hub
	Scheduler Scheduler
	Sessions  Sessions
	Tools     Tools
	Archive   Archive
	Metrics   *metrics.Registry
	WebSocket echo.HandlerFunc
}

// Options 控制 HTTP 服务参数。
type Options struct {
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	RequestsPerSecond float64
	Burst             int
	ShutdownTimeout   time.Duration
}

// Server 负责暴露 HTTP 接口。
type Server struct {
	addr    string
	deps    Dependencies
	opts    Options
	echo    *echo.Echo
	limiter *RateLimiter
	started time.Time
	logger  *slog.Logger
}

// NewServer 构造 API 服务实例并注册路由。
func NewServer(addr string, deps Dependencies, opts Options) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{
		addr:    addr,
		deps:    deps,
		opts:    opts,
		limiter: NewRateLimiter(opts.RequestsPerSecond, opts.Burst),
		started: time.Now(),
		logger:  logger.Named("api"),
	}
	s.echo = s.routes()
	return s
}

// Handler 返回完整的 HTTP 处理器，便于测试。
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogMethod:   true,
		LogRemoteIP: true,
		HandleError: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("http request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("remote_ip", v.RemoteIP),
			)
			return nil
		},
	}))
	e.Use(s.observe)

	limited := s.limiter.Middleware()
	e.GET("/health", s.handleHealth, limited)
	api := e.Group("/api", limited)
	api.GET("/realtime/block", s.handleCached(cache.KeyBlock, "no block has been observed yet"))
	api.GET("/realtime/fee", s.handleCached(cache.KeyFee, "no fee estimate has been observed yet"))
	api.GET("/stats", s.handleStats)

	if s.deps.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.deps.Metrics.Handler()))
	}
	if s.deps.WebSocket != nil {
		e.GET("/ws", s.deps.WebSocket)
	}
	return e
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.opts.ReadTimeout,
		WriteTimeout:      s.opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http server shutdown", slog.Any("error", err))
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// observe 记录每个路由的请求指标。
func (s *Server) observe(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		status := c.Response().Status
		if err != nil {
			status = xerrors.HTTPStatusOf(err)
			var he *echo.HTTPError
			if errors.As(err, &he) {
				status = he.Code
			}
		}
		route := c.Path()
		if route == "" || status == http.StatusNotFound && err != nil {
			route = "unmatched"
		}
		s.deps.Metrics.ObserveHTTPRequest(route, status, time.Since(start))
		return err
	}
}

type healthResponse struct {
	Status           string  `json:"status"`
	UptimeSeconds    float64 `json:"uptime"`
	Clients          int     `json:"clients"`
	SchedulerRunning bool    `json:"scheduler_running"`
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := healthResponse{Status: "ok", UptimeSeconds: time.Since(s.started).Seconds()}
	if s.deps.Hub != nil {
		resp.Clients = s.deps.Hub.Clients()
	}
	if s.deps.Scheduler != nil {
		resp.SchedulerRunning = s.deps.Scheduler.Running()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCached(key, missing string) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.deps.Cache == nil {
			return writeError(c, xerrors.New(xerrors.CodeNotFound, missing))
		}
		value, ok, err := s.deps.Cache.Get(c.Request().Context(), key)
		if err != nil {
			return writeError(c, xerrors.Wrap(xerrors.CodeStorageFailure, err, "cache read failed"))
		}
		if !ok {
			return writeError(c, xerrors.New(xerrors.CodeNotFound, missing))
		}
		return c.JSON(http.StatusOK, value)
	}
}

type schedulerStats struct {
	Running   bool    `json:"running"`
	LastBlock *uint64 `json:"last_block,omitempty"`
}

type archiveStats struct {
	Blocks int64                    `json:"blocks"`
	Fees   int64                    `json:"fees"`
	Recent []realtime.BlockSnapshot `json:"recent"`
}

type statsResponse struct {
	Clients   int            `json:"clients"`
	Groups    map[string]int `json:"groups"`
	Sessions  int            `json:"sessions"`
	Scheduler schedulerStats `json:"scheduler"`
	Tools     []string       `json:"tools"`
	Archive   *archiveStats  `json:"archive,omitempty"`
}

func (s *Server) handleStats(c echo.Context) error {
	resp := statsResponse{Groups: map[string]int{}, Tools: []string{}}
	if s.deps.Hub != nil {
		resp.Clients = s.deps.Hub.Clients()
		resp.Groups = s.deps.Hub.Groups()
	}
	if s.deps.Sessions != nil {
		resp.Sessions = s.deps.Sessions.Len()
	}
	if s.deps.Scheduler != nil {
		resp.Scheduler.Running = s.deps.Scheduler.Running()
		if h, ok := s.deps.Scheduler.LastAnnounced(); ok {
			resp.Scheduler.LastBlock = &h
		}
	}
	if s.deps.Tools != nil {
		resp.Tools = s.deps.Tools.Names()
	}
	if s.deps.Archive != nil {
		ctx := c.Request().Context()
		blocks, fees, err := s.deps.Archive.Counts(ctx)
		if err != nil {
			s.logger.Warn("archive stats unavailable", slog.Any("error", err))
		} else {
			recent, err := s.deps.Archive.LatestBlocks(ctx, 5)
			if err != nil {
				s.logger.Warn("archive recent blocks unavailable", slog.Any("error", err))
			}
			resp.Archive = &archiveStats{Blocks: blocks, Fees: fees, Recent: recent}
		}
	}
	return c.JSON(http.StatusOK, resp)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(c echo.Context, err error) error {
	msg := err.Error()
	if e, ok := xerrors.From(err); ok {
		msg = e.Message()
	}
	return c.JSON(xerrors.HTTPStatusOf(err), errorBody{Error: errorDetail{Code: string(xerrors.CodeOf(err)), Message: msg}})
}

// handleError 把 echo 自身的错误（未匹配路由、方法不允许）转成统一的错误格式。
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code := xerrors.CodeInternal
		switch he.Code {
		case http.StatusNotFound:
			code = xerrors.CodeNotFound
		case http.StatusMethodNotAllowed, http.StatusBadRequest:
			code = xerrors.CodeInvalidArgument
		case http.StatusTooManyRequests:
			code = xerrors.CodeRateLimited
		}
		_ = c.JSON(he.Code, errorBody{Error: errorDetail{Code: string(code), Message: http.StatusText(he.Code)}})
		return
	}
	_ = writeError(c, err)
}
