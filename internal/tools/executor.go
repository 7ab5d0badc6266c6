package tools

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	xerrors "ChainPulse/internal/errors"
	"ChainPulse/internal/llm"
	"ChainPulse/internal/observability/metrics"
	"ChainPulse/internal/observability/tracing"
	"ChainPulse/pkg/logger"
)

const (
	defaultMaxRetries  = 2
	defaultBackoffBase = time.Second
	defaultCallTimeout = 10 * time.Second
)

// Outcome 是一次成功执行的结果。
type Outcome struct {
	Result   any
	Attempts int
}

// SleepFunc 等待 d 或 ctx 结束。
type SleepFunc func(ctx context.Context, d time.Duration) error

// Executor 解析工具名并以重试策略执行处理函数。
type Executor struct {
	registry    *Registry
	maxRetries  int
	backoffBase time.Duration
	callTimeout time.Duration
	sleep       SleepFunc
	metrics     *metrics.Registry
	tracer      trace.Tracer
	logger      *slog.Logger
}

// ExecutorOption 配置 Executor。
type ExecutorOption func(*Executor)

// WithMaxRetries 设置临时故障的额外重试次数。
func WithMaxRetries(n int) ExecutorOption {
	return func(e *Executor) {
		if n >= 0 {
			e.maxRetries = n
		}
	}
}

// WithBackoffBase 设置第一次重试前的等待时间，之后逐次翻倍。
func WithBackoffBase(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.backoffBase = d
		}
	}
}

// WithCallTimeout 设置单次尝试的超时。
func WithCallTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.callTimeout = d
		}
	}
}

// WithSleep 替换退避等待函数。
func WithSleep(fn SleepFunc) ExecutorOption {
	return func(e *Executor) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

// WithMetrics 记录工具调用指标。
func WithMetrics(m *metrics.Registry) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithTracer 替换 tracer。
func WithTracer(t trace.Tracer) ExecutorOption {
	return func(e *Executor) {
		if t != nil {
			e.tracer = t
		}
	}
}

// NewExecutor 创建执行器。
func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:    registry,
		maxRetries:  defaultMaxRetries,
		backoffBase: defaultBackoffBase,
		callTimeout: defaultCallTimeout,
		sleep:       sleepContext,
		tracer:      tracing.Tracer(),
		logger:      logger.Named("tools"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Registry 返回底层注册表。
func (e *Executor) Registry() *Registry { return e.registry }

// Specs 返回提供给模型的工具描述。
func (e *Executor) Specs() []llm.ToolSpec { return e.registry.Specs() }

// Execute 执行指定工具。
//
// 未注册的工具立即返回 UNKNOWN_TOOL，参数不符合 Schema 返回 INVALID_ARGUMENT，两者都不重试。
// 处理函数返回临时错误时按 backoffBase*2^i 退避后重试，重试耗尽、遇到非临时错误，
// 或 ctx 剩余时间不够再退避并完整尝试一次时，返回包装了最后一次错误的 TOOL_EXECUTION_FAILED。
func (e *Executor) Execute(ctx context.Context, name string, args map[string]any) (Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "tools.Execute", trace.WithAttributes(attribute.String("tool.name", name)))
	defer span.End()

	outcome, err := e.execute(ctx, name, args)
	span.SetAttributes(attribute.Int("tool.attempts", outcome.Attempts))
	status := "completed"
	if err != nil {
		status = "failed"
		tracing.RecordError(span, err)
		e.logger.Warn("tool call failed", slog.String("tool", name), slog.Int("attempts", outcome.Attempts), slog.Any("error", err))
	}
	e.metrics.ObserveToolCall(name, status, outcome.Attempts)
	return outcome, err
}

func (e *Executor) execute(ctx context.Context, name string, args map[string]any) (Outcome, error) {
	handler, ok := e.registry.Lookup(name)
	if !ok {
		return Outcome{}, xerrors.Newf(xerrors.CodeUnknownTool, "unknown tool %q", name)
	}
	if err := e.registry.Validate(name, args); err != nil {
		return Outcome{}, err
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			delay := e.backoffBase << (attempt - 1)
			if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < delay+e.callTimeout {
				e.logger.Debug("retry skipped, deadline too close", slog.String("tool", name), slog.Int("attempt", attempt+1))
				break
			}
			e.logger.Debug("retrying tool call", slog.String("tool", name), slog.Int("attempt", attempt+1), slog.Duration("delay", delay))
			if err := e.sleep(ctx, delay); err != nil {
				break
			}
		}

		attempts++
		result, err := e.attempt(ctx, handler, args)
		if err == nil {
			return Outcome{Result: result, Attempts: attempts}, nil
		}
		lastErr = err
		if ctx.Err() != nil || !xerrors.IsTransient(err) {
			break
		}
	}
	return Outcome{Attempts: attempts}, xerrors.Wrap(xerrors.CodeToolExecution, lastErr, name+" failed")
}

func (e *Executor) attempt(ctx context.Context, handler Handler, args map[string]any) (result any, err error) {
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = xerrors.Newf(xerrors.CodeInternal, "tool handler panic: %v", r)
		}
	}()

	result, err = handler(callCtx, args)
	if err != nil && callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return nil, xerrors.Wrap(xerrors.CodeToolTimeout, err, "tool call timed out")
	}
	return result, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
