package tools

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	xerrors "ChainPulse/internal/errors"
)

func newRegistryWith(t *testing.T, name string, handler Handler) *Registry {
	t.Helper()
	reg := NewRegistry()
	if err := reg.Register(Definition{Name: name}, handler); err != nil {
		t.Fatalf("register: %v", err)
	}
	return reg
}

func TestExecuteRetriesTransientWithBackoff(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []time.Time
	)
	handler := func(ctx context.Context, args map[string]any) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, time.Now())
		if len(calls) < 3 {
			return nil, errors.New("dial tcp: i/o timeout")
		}
		return map[string]any{"ok": true}, nil
	}
	exec := NewExecutor(newRegistryWith(t, "flaky", handler))

	outcome, err := exec.Execute(context.Background(), "flaky", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Attempts != 3 || len(calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d (%d calls)", outcome.Attempts, len(calls))
	}
	if gap := calls[1].Sub(calls[0]); gap < time.Second {
		t.Fatalf("first backoff too short: %v", gap)
	}
	if gap := calls[2].Sub(calls[1]); gap < 2*time.Second {
		t.Fatalf("second backoff too short: %v", gap)
	}
}

func TestExecuteNonTransientCalledOnce(t *testing.T) {
	calls := 0
	handler := func(context.Context, map[string]any) (any, error) {
		calls++
		return nil, errors.New("address checksum mismatch")
	}
	var slept []time.Duration
	exec := NewExecutor(newRegistryWith(t, "strict", handler), WithSleep(func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}))

	outcome, err := exec.Execute(context.Background(), "strict", nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	if calls != 1 || outcome.Attempts != 1 || len(slept) != 0 {
		t.Fatalf("non-transient error should not retry: calls=%d sleeps=%v", calls, slept)
	}
	if xerrors.CodeOf(err) != xerrors.CodeToolExecution {
		t.Fatalf("expected TOOL_EXECUTION_FAILED, got %s", xerrors.CodeOf(err))
	}
}

func TestExecuteSkipsRetryPastDeadline(t *testing.T) {
	calls := 0
	handler := func(context.Context, map[string]any) (any, error) {
		calls++
		return nil, errors.New("dial tcp: i/o timeout")
	}
	var slept []time.Duration
	exec := NewExecutor(newRegistryWith(t, "slow", handler),
		WithCallTimeout(5*time.Second),
		WithSleep(func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	outcome, err := exec.Execute(ctx, "slow", nil)
	if xerrors.CodeOf(err) != xerrors.CodeToolExecution {
		t.Fatalf("expected TOOL_EXECUTION_FAILED, got %v", err)
	}
	if calls != 1 || outcome.Attempts != 1 || len(slept) != 0 {
		t.Fatalf("retry should be skipped near the deadline: calls=%d sleeps=%v", calls, slept)
	}
	if ctx.Err() != nil {
		t.Fatalf("failure should be reported before the deadline")
	}
}

func TestDefaultRetryBudgetFitsTurnTimeout(t *testing.T) {
	budget := time.Duration(defaultMaxRetries+1)*defaultCallTimeout + defaultBackoffBase + 2*defaultBackoffBase
	if budget >= 60*time.Second {
		t.Fatalf("default retry budget %v exceeds the turn safety timeout", budget)
	}
}

func TestExecuteExhaustsRetries(t *testing.T) {
	calls := 0
	handler := func(context.Context, map[string]any) (any, error) {
		calls++
		return nil, errors.New("read: connection reset by peer")
	}
	var slept []time.Duration
	exec := NewExecutor(newRegistryWith(t, "down", handler),
		WithBackoffBase(10*time.Millisecond),
		WithSleep(func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		}))

	_, err := exec.Execute(context.Background(), "down", nil)
	if !xerrors.HasCode(err, xerrors.CodeToolExecution) {
		t.Fatalf("expected TOOL_EXECUTION_FAILED, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if len(slept) != 2 || slept[0] != 10*time.Millisecond || slept[1] != 20*time.Millisecond {
		t.Fatalf("unexpected backoff sequence %v", slept)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	exec := NewExecutor(NewRegistry())
	outcome, err := exec.Execute(context.Background(), "missing", nil)
	if xerrors.CodeOf(err) != xerrors.CodeUnknownTool {
		t.Fatalf("expected UNKNOWN_TOOL, got %v", err)
	}
	if outcome.Attempts != 0 {
		t.Fatalf("unknown tool should not be attempted")
	}
	if xerrors.IsTransient(err) {
		t.Fatalf("unknown tool must not be transient")
	}
}

func TestExecuteRejectsInvalidArguments(t *testing.T) {
	reg := NewRegistry()
	called := false
	err := reg.Register(Definition{
		Name:        "get_balance",
		InputSchema: []byte(`{"type":"object","properties":{"address":{"type":"string"}},"required":["address"]}`),
	}, func(context.Context, map[string]any) (any, error) {
		called = true
		return nil, nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err = NewExecutor(reg).Execute(context.Background(), "get_balance", map[string]any{"address": 42})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
	if called {
		t.Fatalf("handler must not run with invalid arguments")
	}
}

func TestExecuteAttemptTimeoutIsRetried(t *testing.T) {
	calls := 0
	handler := func(ctx context.Context, _ map[string]any) (any, error) {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return "ok", nil
	}
	exec := NewExecutor(newRegistryWith(t, "slow", handler),
		WithCallTimeout(20*time.Millisecond),
		WithSleep(func(context.Context, time.Duration) error { return nil }))

	outcome, err := exec.Execute(context.Background(), "slow", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Result != "ok" || outcome.Attempts != 2 {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
}

func TestExecuteRecoversPanic(t *testing.T) {
	exec := NewExecutor(newRegistryWith(t, "boom", func(context.Context, map[string]any) (any, error) {
		panic("nil map")
	}))
	_, err := exec.Execute(context.Background(), "boom", nil)
	if !xerrors.HasCode(err, xerrors.CodeToolExecution) {
		t.Fatalf("expected wrapped failure, got %v", err)
	}
}

func TestExecuteRecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	exec := NewExecutor(newRegistryWith(t, "echo", func(_ context.Context, args map[string]any) (any, error) {
		return args, nil
	}), WithTracer(provider.Tracer("test")))

	if _, err := exec.Execute(context.Background(), "echo", map[string]any{"a": 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	spans := recorder.Ended()
	if len(spans) != 1 || spans[0].Name() != "tools.Execute" {
		t.Fatalf("unexpected spans %+v", spans)
	}
	var attempts int64
	for _, kv := range spans[0].Attributes() {
		if kv.Key == "tool.attempts" {
			attempts = kv.Value.AsInt64()
		}
	}
	if attempts != 1 {
		t.Fatalf("expected tool.attempts=1, got %d", attempts)
	}
}
