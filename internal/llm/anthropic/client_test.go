package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ChainPulse/internal/llm"
)

func sseServer(t *testing.T, lines []string, capture *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/messages") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if capture != nil {
			body, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(body, capture)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func drainEvents(t *testing.T, ch <-chan llm.StreamEvent) []llm.StreamEvent {
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

func TestStreamChatTextAndToolUse(t *testing.T) {
	lines := []string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude","usage":{"input_tokens":3,"output_tokens":1}}}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Checking"}}`,
		``,
		`event: content_block_stop`,
		`data: {"type":"content_block_stop","index":0}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"get_latest_block","input":{}}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"chain\":"}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"bitcoin\"}"}}`,
		``,
		`event: content_block_stop`,
		`data: {"type":"content_block_stop","index":1}`,
		``,
		`event: message_delta`,
		`data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":9}}`,
		``,
		`event: message_stop`,
		`data: {"type":"message_stop"}`,
		``,
	}
	var body map[string]any
	srv := sseServer(t, lines, &body)

	client, err := NewClient(Config{APIKey: "test-key", BaseURL: srv.URL + "/"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: "be precise"},
		{Role: llm.RoleUser, Content: "latest block?"},
	}
	tools := []llm.ToolSpec{{Name: "get_latest_block", Description: "latest block", InputSchema: json.RawMessage(`{"type":"object","properties":{"chain":{"type":"string"}}}`)}}

	ch, err := client.StreamChat(context.Background(), messages, tools)
	if err != nil {
		t.Fatalf("stream chat: %v", err)
	}
	events := drainEvents(t, ch)
	if len(events) != 4 {
		t.Fatalf("expected text, tool start, tool complete, done; got %#v", events)
	}
	if text, ok := events[0].(llm.TextDelta); !ok || text.Content != "Checking" {
		t.Fatalf("unexpected first event %#v", events[0])
	}
	if start, ok := events[1].(llm.ToolUseStart); !ok || start.ID != "toolu_1" {
		t.Fatalf("unexpected tool start %#v", events[1])
	}
	complete, ok := events[2].(llm.ToolUseComplete)
	if !ok || complete.Input["chain"] != "bitcoin" {
		t.Fatalf("unexpected tool complete %#v", events[2])
	}
	if done, ok := events[3].(llm.StreamDone); !ok || done.StopReason != "tool_use" {
		t.Fatalf("unexpected terminal %#v", events[3])
	}

	if body["system"] == nil {
		t.Fatalf("system prompt should be sent separately: %v", body)
	}
	if msgs, _ := body["messages"].([]any); len(msgs) != 1 {
		t.Fatalf("system message must not be in messages: %v", body["messages"])
	}
}

func TestStreamWithoutMessageStopLeavesTerminalToGuard(t *testing.T) {
	lines := []string{
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"partial"}}`,
		``,
	}
	srv := sseServer(t, lines, nil)
	client, err := NewClient(Config{APIKey: "test-key", BaseURL: srv.URL + "/"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	raw, err := client.StreamChat(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("stream chat: %v", err)
	}
	events := drainEvents(t, llm.Guard(context.Background(), raw))
	if len(events) != 2 {
		t.Fatalf("unexpected events %#v", events)
	}
	if _, ok := events[1].(llm.StreamDone); !ok {
		t.Fatalf("guard should synthesize done, got %#v", events[1])
	}
}

func TestConvertMessagesToolRoundTrip(t *testing.T) {
	messages := []llm.Message{
		{Role: llm.RoleUser, Content: "fee?"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "t1", Name: "get_fee_estimate", Arguments: map[string]any{}}}},
		{Role: llm.RoleUser, ToolResults: []llm.ToolResult{{ToolCallID: "t1", Name: "get_fee_estimate", Error: "timeout"}}},
	}
	converted, err := convertMessages(messages)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(converted) != 3 {
		t.Fatalf("unexpected message count %d", len(converted))
	}
	if _, err := convertMessages([]llm.Message{{Role: llm.RoleSystem, Content: "only system"}}); err == nil {
		t.Fatalf("expected error when no conversational messages remain")
	}
}

func TestNewClientRequiresKey(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error without api key")
	}
}
