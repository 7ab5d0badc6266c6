package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	xerrors "ChainPulse/internal/errors"
	"ChainPulse/internal/llm"
)

func chunk(delta string, finish string) string {
	choice := map[string]any{"index": 0, "delta": json.RawMessage(delta)}
	if finish != "" {
		choice["finish_reason"] = finish
	}
	payload, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion.chunk",
		"created": 1,
		"model":   "gpt-4o-mini",
		"choices": []any{choice},
	})
	return "data: " + string(payload) + "\n\n"
}

func streamServer(t *testing.T, chunks []string, captured *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header: %s", got)
		}
		if captured != nil {
			body, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(body, captured)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, c := range chunks {
			fmt.Fprint(w, c)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func collect(t *testing.T, ch <-chan llm.StreamEvent) []llm.StreamEvent {
	t.Helper()
	var events []llm.StreamEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("stream did not finish")
		}
	}
}

func TestStreamChatAccumulatesToolCalls(t *testing.T) {
	chunks := []string{
		chunk(`{"role":"assistant","content":"Let me check. "}`, ""),
		chunk(`{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_balance","arguments":"{\"addr"}}]}`, ""),
		chunk(`{"tool_calls":[{"index":0,"function":{"arguments":"ess\":\"0xabc\"}"}}]}`, ""),
		chunk(`{}`, "tool_calls"),
	}
	var body map[string]any
	srv := streamServer(t, chunks, &body)

	client, err := NewClient(Config{APIKey: "test-key", BaseURL: srv.URL + "/v1"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ch, err := client.StreamChat(context.Background(), []llm.Message{
		{Role: llm.RoleSystem, Content: "sys"},
		{Role: llm.RoleUser, Content: "balance of 0xabc"},
	}, []llm.ToolSpec{{Name: "get_balance", InputSchema: json.RawMessage(`{"type":"object"}`)}})
	if err != nil {
		t.Fatalf("stream chat: %v", err)
	}

	events := collect(t, ch)
	if len(events) != 4 {
		t.Fatalf("expected text, start, complete, done; got %#v", events)
	}
	if text := events[0].(llm.TextDelta); text.Content != "Let me check. " {
		t.Fatalf("unexpected text %q", text.Content)
	}
	if start := events[1].(llm.ToolUseStart); start.ID != "call_1" || start.Name != "get_balance" {
		t.Fatalf("unexpected start %#v", start)
	}
	complete := events[2].(llm.ToolUseComplete)
	if complete.Input["address"] != "0xabc" {
		t.Fatalf("arguments not accumulated: %#v", complete.Input)
	}
	if done := events[3].(llm.StreamDone); done.StopReason != "tool_calls" {
		t.Fatalf("unexpected finish reason %q", done.StopReason)
	}
	if tools, _ := body["tools"].([]any); len(tools) != 1 {
		t.Fatalf("tools not sent: %v", body["tools"])
	}
}

func TestConvertMessagesSplitsToolResults(t *testing.T) {
	converted := convertMessages([]llm.Message{
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c1", Name: "get_fee_estimate", Arguments: map[string]any{}}}},
		{Role: llm.RoleUser, ToolResults: []llm.ToolResult{
			{ToolCallID: "c1", Result: map[string]any{"fast": 10}},
			{ToolCallID: "c2", Error: "timeout"},
		}},
	})
	if len(converted) != 3 {
		t.Fatalf("expected assistant + two tool messages, got %d", len(converted))
	}
	if converted[1].Role != "tool" || converted[1].ToolCallID != "c1" || converted[1].Content != `{"fast":10}` {
		t.Fatalf("unexpected tool message %#v", converted[1])
	}
	if converted[2].Content != "error: timeout" {
		t.Fatalf("failed results should be marked as errors: %q", converted[2].Content)
	}
}

func TestStreamChatAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	}))
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{APIKey: "test-key", BaseURL: srv.URL + "/v1"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.StreamChat(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, nil)
	if xerrors.CodeOf(err) != xerrors.CodeModelStream || !xerrors.RetryableError(err) {
		t.Fatalf("expected retryable MODEL_STREAM_FAILURE, got %v", err)
	}
}
