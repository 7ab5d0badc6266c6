package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	xerrors "ChainPulse/internal/errors"
	"ChainPulse/internal/llm"
	"ChainPulse/internal/observability/metrics"
	"ChainPulse/internal/observability/tracing"
	"ChainPulse/internal/prompt"
	"ChainPulse/internal/tools"
	"ChainPulse/pkg/logger"
)

// ToolRunner 执行工具调用并提供模型可见的工具列表。
type ToolRunner interface {
	Execute(ctx context.Context, name string, args map[string]any) (tools.Outcome, error)
	Specs() []llm.ToolSpec
}

// SessionStore 是编排器使用的会话历史。
type SessionStore interface {
	History(id string) []llm.Message
	Append(id string, msgs ...llm.Message)
}

// Orchestrator 驱动单轮对话：第一次模型调用、工具调度、第二次模型调用。
// 不同会话的轮次可以并发执行；同一会话的串行化由调用方保证。
type Orchestrator struct {
	client     llm.StreamClient
	runner     ToolRunner
	store      SessionStore
	contextOpt prompt.Options
	model      string
	tracer     trace.Tracer
	metrics    *metrics.Registry
	now        func() time.Time
	newID      func() string
	logger     *slog.Logger
	buffer     int
}

// Option 定义可选的编排器配置。
type Option func(*Orchestrator)

// WithContextOptions 设置上下文窗口参数。
func WithContextOptions(opts prompt.Options) Option {
	return func(o *Orchestrator) { o.contextOpt = opts }
}

// WithModelName 设置写入消息元数据的模型名称。
func WithModelName(name string) Option {
	return func(o *Orchestrator) { o.model = name }
}

// WithTracer 替换 tracer。
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithMetrics 记录轮次指标。
func WithMetrics(m *metrics.Registry) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock 替换时钟。
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDGenerator 替换消息与步骤标识的生成函数。
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.newID = fn
		}
	}
}

// New 创建编排器。
func New(client llm.StreamClient, runner ToolRunner, store SessionStore, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client: client,
		runner: runner,
		store:  store,
		tracer: tracing.Tracer(),
		now:    time.Now,
		newID:  uuid.NewString,
		logger: logger.Named("agent"),
		buffer: 32,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// ProcessTurn 执行一轮对话并返回有序事件流。
//
// 通道恰好以一个 DoneEvent 或 ErrorEvent 结束后关闭。工具失败不会中止本轮，
// 模型流失败时本轮的助手文本与工具结果都不写入会话，先写入的用户消息保留。
// ctx 取消后剩余事件被丢弃，调用方应持续读取直到通道关闭。
func (o *Orchestrator) ProcessTurn(ctx context.Context, sessionID, userText string) <-chan Event {
	out := make(chan Event, o.buffer)
	go func() {
		defer close(out)
		t := &turn{
			o:         o,
			ctx:       ctx,
			out:       out,
			sessionID: sessionID,
			started:   o.now(),
		}
		t.run(strings.TrimSpace(userText))
	}()
	return out
}

// turn 保存单轮对话的可变状态，只在 ProcessTurn 的 goroutine 内使用。
type turn struct {
	o         *Orchestrator
	ctx       context.Context
	out       chan<- Event
	sessionID string
	started   time.Time

	planned bool
	calls   []llm.ToolCall
	results []llm.ToolResult
}

func (t *turn) run(userText string) {
	ctx, span := t.o.tracer.Start(t.ctx, "agent.ProcessTurn", trace.WithAttributes(attribute.String("session.id", t.sessionID)))
	defer span.End()
	t.ctx = ctx

	outcome, err := t.drive(userText)
	span.SetAttributes(
		attribute.Int("turn.tool_calls", len(t.calls)),
		attribute.String("turn.outcome", outcome),
	)
	if err != nil {
		tracing.RecordError(span, err)
	}
	t.o.metrics.ObserveTurn(outcome, t.o.now().Sub(t.started))
	logger.Audit().Info("turn finished",
		slog.String("session_id", t.sessionID),
		slog.String("outcome", outcome),
		slog.Int("tool_calls", len(t.calls)),
		slog.Duration("elapsed", t.o.now().Sub(t.started)),
	)
}

func (t *turn) drive(userText string) (string, error) {
	if t.o.client == nil {
		return t.fail(xerrors.New(xerrors.CodeInternal, "未配置模型客户端"), "")
	}

	history := t.o.store.History(t.sessionID)
	if userText != "" {
		userMsg := llm.Message{ID: t.o.newID(), Role: llm.RoleUser, Content: userText, CreatedAt: t.o.now()}
		t.o.store.Append(t.sessionID, userMsg)
		if !t.step(StepUserMessageReceived, "Message received", "", nil) {
			return "cancelled", t.ctx.Err()
		}
	}

	if !t.step(StepThinking, "Thinking", "", nil) {
		return "cancelled", t.ctx.Err()
	}
	firstText, err := t.pass(prompt.Build(userText, history, t.o.contextOpt), true)
	if err != nil {
		return t.fail(err, firstText)
	}

	// 历史快照加上本轮用户消息，作为第二次调用的基础。
	base := history
	if userText != "" {
		base = append(base, llm.Message{Role: llm.RoleUser, Content: userText})
	}

	if len(t.calls) == 0 {
		if !t.step(StepResponding, "Responding", "", nil) {
			return "cancelled", t.ctx.Err()
		}
		final := t.assistant(firstText, nil)
		t.o.store.Append(t.sessionID, final)
		return t.finish(final)
	}

	if !t.step(StepProcessingResults, "Processing results", fmt.Sprintf("%d tool result(s)", len(t.results)), nil) {
		return "cancelled", t.ctx.Err()
	}
	callMsg := t.assistant(firstText, t.calls)
	callMsg.Metadata = nil
	resultMsg := llm.Message{
		ID:          t.o.newID(),
		Role:        llm.RoleUser,
		ToolResults: append([]llm.ToolResult(nil), t.results...),
		CreatedAt:   t.o.now(),
	}

	if !t.step(StepResponding, "Responding", "", nil) {
		return "cancelled", t.ctx.Err()
	}
	secondCtx := append(append(base, callMsg), resultMsg)
	finalText, err := t.pass(prompt.Build("", secondCtx, t.o.contextOpt), false)
	if err != nil {
		return t.fail(err, joinText(firstText, finalText))
	}
	if strings.TrimSpace(finalText) == "" {
		finalText = FallbackAnswer(t.results)
		if !t.emit(TextEvent{Content: finalText}) {
			return "cancelled", t.ctx.Err()
		}
	}

	final := t.assistant(finalText, nil)
	t.o.store.Append(t.sessionID, callMsg, resultMsg, final)
	return t.finish(final)
}

// pass 消费一次模型流。dispatch 为 true 时执行流中请求的工具调用。
func (t *turn) pass(messages []llm.Message, dispatch bool) (string, error) {
	raw, err := t.o.client.StreamChat(t.ctx, messages, t.o.runner.Specs())
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeModelStream, err, "model stream failed")
	}

	var (
		text    strings.Builder
		order   []string
		pending = map[string]*pendingUse{}
	)
	track := func(use llm.ToolUse, complete bool) *pendingUse {
		if use.ID == "" {
			use.ID = "call_" + t.o.newID()
		}
		p, ok := pending[use.ID]
		if !ok {
			p = &pendingUse{use: use}
			pending[use.ID] = p
			order = append(order, use.ID)
		}
		if complete || p.use.Input == nil {
			if use.Name != "" {
				p.use.Name = use.Name
			}
			if use.Input != nil {
				p.use.Input = use.Input
			}
		}
		return p
	}

	guarded := llm.Guard(t.ctx, raw)
	defer func() {
		go func() {
			for range guarded {
			}
		}()
	}()

	for ev := range guarded {
		switch e := ev.(type) {
		case llm.TextDelta:
			if e.Content == "" {
				continue
			}
			text.WriteString(e.Content)
			if !t.emit(TextEvent{Content: e.Content}) {
				return text.String(), t.ctx.Err()
			}
		case llm.ToolUseStart:
			if !dispatch {
				t.o.logger.Warn("ignoring tool request in result pass", slog.String("tool", e.Name))
				continue
			}
			track(e.ToolUse, false)
			if !t.plan() {
				return text.String(), t.ctx.Err()
			}
		case llm.ToolUseComplete:
			if !dispatch {
				t.o.logger.Warn("ignoring tool request in result pass", slog.String("tool", e.Name))
				continue
			}
			p := track(e.ToolUse, true)
			if !t.plan() {
				return text.String(), t.ctx.Err()
			}
			if !p.dispatched {
				p.dispatched = true
				if !t.invoke(p.use) {
					return text.String(), t.ctx.Err()
				}
			}
		case llm.StreamError:
			return text.String(), e.Err
		case llm.StreamDone:
			for _, id := range order {
				if p := pending[id]; !p.dispatched {
					p.dispatched = true
					if !t.invoke(p.use) {
						return text.String(), t.ctx.Err()
					}
				}
			}
			return text.String(), nil
		}
	}
	return text.String(), nil
}

type pendingUse struct {
	use        llm.ToolUse
	dispatched bool
}

func (t *turn) plan() bool {
	if t.planned {
		return true
	}
	t.planned = true
	return t.step(StepPlanning, "Planning", "The model requested live data", nil)
}

// invoke 执行一次工具调用，无论成败都会产生终态的 ToolCall 与对应的 ToolResult。
func (t *turn) invoke(use llm.ToolUse) bool {
	call := llm.ToolCall{ID: use.ID, Name: use.Name, Arguments: use.Input, Status: llm.ToolPending}
	if call.Arguments == nil {
		call.Arguments = map[string]any{}
	}

	if !t.step(StepToolCalling, "Calling "+call.Name, "", &call) ||
		!t.emit(ToolCallEvent{Call: call}) ||
		!t.step(StepToolExecuting, "Executing "+call.Name, "", &call) {
		return false
	}

	outcome, err := t.o.runner.Execute(t.ctx, call.Name, call.Arguments)
	if err != nil {
		_ = call.Fail(describe(err))
	} else {
		_ = call.Complete(outcome.Result)
	}
	t.calls = append(t.calls, call)
	result := call.ResultOf()
	t.results = append(t.results, result)

	desc := "completed"
	if call.Status == llm.ToolFailed {
		desc = "failed: " + call.Error
	}
	return t.step(StepToolCompleted, call.Name+" "+string(call.Status), desc, &call) &&
		t.emit(ToolCallEvent{Call: call}) &&
		t.emit(ToolResultEvent{Result: result})
}

func (t *turn) assistant(content string, calls []llm.ToolCall) llm.Message {
	sources := make([]string, 0, len(t.calls))
	seen := map[string]bool{}
	for _, c := range t.calls {
		if c.Status == llm.ToolCompleted && !seen[c.Name] {
			seen[c.Name] = true
			sources = append(sources, c.Name)
		}
	}
	return llm.Message{
		ID:        t.o.newID(),
		Role:      llm.RoleAssistant,
		Content:   content,
		ToolCalls: append([]llm.ToolCall(nil), calls...),
		Metadata: &llm.Metadata{
			Model:     t.o.model,
			LatencyMs: t.o.now().Sub(t.started).Milliseconds(),
			Sources:   sources,
		},
		CreatedAt: t.o.now(),
	}
}

func (t *turn) finish(final llm.Message) (string, error) {
	if !t.step(StepComplete, "Complete", "", nil) || !t.emit(DoneEvent{Message: final}) {
		return "cancelled", t.ctx.Err()
	}
	return "done", nil
}

func (t *turn) fail(err error, partial string) (string, error) {
	if xerrors.CodeOf(err) == xerrors.CodeUnknown {
		err = xerrors.Wrap(xerrors.CodeModelStream, err, "model stream failed")
	}
	message := "Error: " + describe(err)
	t.o.logger.Warn("turn failed", slog.String("session_id", t.sessionID), slog.Any("error", err))
	if t.step(StepError, "Error", message, nil) {
		t.emit(ErrorEvent{Err: err, Message: message, Partial: partial})
	}
	return "error", err
}

func (t *turn) step(kind StepType, title, description string, call *llm.ToolCall) bool {
	s := Step{ID: t.o.newID(), Type: kind, Title: title, Description: description, Timestamp: t.o.now()}
	if call != nil {
		snapshot := *call
		s.ToolCall = &snapshot
	}
	return t.emit(StepEvent{Step: s})
}

func (t *turn) emit(ev Event) bool {
	select {
	case t.out <- ev:
		return true
	case <-t.ctx.Done():
		return false
	}
}

// describe 返回不带错误码前缀的可读描述。
func describe(err error) string {
	if e, ok := xerrors.From(err); ok {
		if cause := e.Unwrap(); cause != nil {
			return e.Message() + ": " + describe(cause)
		}
		return e.Message()
	}
	return err.Error()
}

func joinText(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(p)
	}
	return b.String()
}
