package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"ChainPulse/internal/cache"
	"ChainPulse/internal/notify"
	"ChainPulse/internal/observability/metrics"
	"ChainPulse/internal/observability/tracing"
	"ChainPulse/pkg/logger"
)

const (
	defaultBlockInterval = 60 * time.Second
	defaultFeeInterval   = 30 * time.Second
	defaultPollTimeout   = 15 * time.Second
	snapshotTTLFactor    = 4
)

// Scheduler 以固定间隔轮询区块高度与手续费。
//
// 区块高度减去确认深度后只在严格变大时推送，高度未变时只续期缓存中的快照；
// 手续费每次轮询都会写缓存并推送。缓存快照的有效期是对应轮询间隔的 snapshotTTLFactor 倍。
// 同一种轮询不会并发执行，两种轮询互不影响。
type Scheduler struct {
	source   Source
	cache    cache.Cache[any]
	notifier notify.Notifier

	blockInterval time.Duration
	feeInterval   time.Duration
	margin        uint64
	pollTimeout   time.Duration
	metrics       *metrics.Registry
	tracer        trace.Tracer
	now           func() time.Time
	logger        *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool

	blockMu   sync.Mutex
	announced bool
	last      uint64
	lastBlock BlockSnapshot

	feeMu sync.Mutex
}

// Option 配置 Scheduler。
type Option func(*Scheduler)

// WithBlockInterval 设置区块轮询间隔。
func WithBlockInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.blockInterval = d
		}
	}
}

// WithFeeInterval 设置手续费轮询间隔。
func WithFeeInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.feeInterval = d
		}
	}
}

// WithFinalityMargin 设置确认深度，0 表示直接推送上报的高度。
func WithFinalityMargin(n uint64) Option {
	return func(s *Scheduler) { s.margin = n }
}

// WithPollTimeout 设置单次轮询的超时。
func WithPollTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.pollTimeout = d
		}
	}
}

// WithMetrics 记录轮询指标。
func WithMetrics(m *metrics.Registry) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithTracer 替换 tracer。
func WithTracer(t trace.Tracer) Option {
	return func(s *Scheduler) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithClock 替换时钟。
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New 创建调度器，notifier 可以为 nil。
func New(source Source, store cache.Cache[any], notifier notify.Notifier, opts ...Option) *Scheduler {
	s := &Scheduler{
		source:        source,
		cache:         store,
		notifier:      notifier,
		blockInterval: defaultBlockInterval,
		feeInterval:   defaultFeeInterval,
		margin:        1,
		pollTimeout:   defaultPollTimeout,
		tracer:        tracing.Tracer(),
		now:           time.Now,
		logger:        logger.Named("realtime"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start 启动两个定时器并立即各轮询一次，重复调用无副作用。
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	cl := cronLogger{s.logger}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	c.Schedule(cron.Every(s.blockInterval), cron.FuncJob(func() { s.PollBlock(ctx) }))
	c.Schedule(cron.Every(s.feeInterval), cron.FuncJob(func() { s.PollFee(ctx) }))
	c.Start()

	s.cron, s.cancel, s.running = c, cancel, true
	s.logger.Info("realtime polling started",
		slog.String("chain", s.source.Name()),
		slog.Duration("block_interval", s.blockInterval),
		slog.Duration("fee_interval", s.feeInterval),
	)

	go s.PollBlock(ctx)
	go s.PollFee(ctx)
}

// Stop 停止定时器并取消进行中的轮询，重复调用无副作用。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.cancel()
	s.cron.Stop()
	s.cron, s.cancel, s.running = nil, nil, false
	s.logger.Info("realtime polling stopped")
}

// Running 判断调度器是否在运行。
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastAnnounced 返回最近推送的确认高度。
func (s *Scheduler) LastAnnounced() (uint64, bool) {
	s.blockMu.Lock()
	defer s.blockMu.Unlock()
	return s.last, s.announced
}

// PollBlock 执行一次区块轮询，返回是否产生了推送。
func (s *Scheduler) PollBlock(ctx context.Context) bool {
	s.blockMu.Lock()
	defer s.blockMu.Unlock()

	ctx, span := s.tracer.Start(ctx, "realtime.poll", trace.WithAttributes(attribute.String("poll.kind", notify.KindBlock)))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.pollTimeout)
	defer cancel()

	reported, err := s.source.BlockHeight(ctx)
	if err != nil {
		tracing.RecordError(span, err)
		s.metrics.ObservePoll(notify.KindBlock, "error")
		s.logger.Warn("block poll failed", slog.String("chain", s.source.Name()), slog.Any("error", err))
		return false
	}
	if reported < s.margin {
		s.metrics.ObservePoll(notify.KindBlock, "skipped")
		return false
	}
	confirmed := reported - s.margin
	if s.announced && confirmed <= s.last {
		s.store(ctx, cache.KeyBlock, s.lastBlock, s.blockInterval)
		s.metrics.ObservePoll(notify.KindBlock, "skipped")
		return false
	}

	snapshot := BlockSnapshot{
		Chain:          s.source.Name(),
		Height:         confirmed,
		ReportedHeight: reported,
		ObservedAt:     s.now().UnixMilli(),
	}
	s.store(ctx, cache.KeyBlock, snapshot, s.blockInterval)
	s.last, s.announced, s.lastBlock = confirmed, true, snapshot
	s.metrics.ObservePoll(notify.KindBlock, "ok")
	s.announce(ctx, notify.KindBlock, snapshot)
	logger.Audit().Info("block announced", slog.String("chain", snapshot.Chain), slog.Uint64("height", confirmed))
	return true
}

// PollFee 执行一次手续费轮询，每次成功都会推送。
func (s *Scheduler) PollFee(ctx context.Context) bool {
	s.feeMu.Lock()
	defer s.feeMu.Unlock()

	ctx, span := s.tracer.Start(ctx, "realtime.poll", trace.WithAttributes(attribute.String("poll.kind", notify.KindFee)))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.pollTimeout)
	defer cancel()

	fee, err := s.source.FeeEstimate(ctx)
	if err != nil {
		tracing.RecordError(span, err)
		s.metrics.ObservePoll(notify.KindFee, "error")
		s.logger.Warn("fee poll failed", slog.String("chain", s.source.Name()), slog.Any("error", err))
		return false
	}
	snapshot := FeeSnapshot{
		Chain:      s.source.Name(),
		Fast:       fee.Fast,
		Standard:   fee.Standard,
		Slow:       fee.Slow,
		BaseFee:    fee.BaseFee,
		Unit:       fee.Unit,
		ObservedAt: s.now().UnixMilli(),
	}
	s.store(ctx, cache.KeyFee, snapshot, s.feeInterval)
	s.metrics.ObservePoll(notify.KindFee, "ok")
	s.announce(ctx, notify.KindFee, snapshot)
	return true
}

func (s *Scheduler) store(ctx context.Context, key string, value any, interval time.Duration) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, key, value, snapshotTTLFactor*interval); err != nil {
		s.logger.Warn("cache write failed", slog.String("key", key), slog.Any("error", err))
	}
}

func (s *Scheduler) announce(ctx context.Context, kind string, payload any) {
	s.metrics.ObserveAnnouncement(kind)
	if s.notifier == nil {
		return
	}
	ann := notify.Announcement{Kind: kind, Payload: payload, Timestamp: s.now()}
	if err := s.notifier.Notify(ctx, ann); err != nil {
		s.logger.Warn("announcement failed", slog.String("kind", kind), slog.Any("error", err))
	}
}

// cronLogger 把 cron 的日志接到 slog。
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
