package transport

import (
	"encoding/json"
	"strings"

	"ChainPulse/internal/agent"
	xerrors "ChainPulse/internal/errors"
	"ChainPulse/internal/llm"
)

// 信封类型。
const (
	TypeChat             = "chat"
	TypePing             = "ping"
	TypePong             = "pong"
	TypeSubscribe        = "subscribe"
	TypeUnsubscribe      = "unsubscribe"
	TypeError            = "error"
	TypeConnectionStatus = "connection_status"
)

// chat 事件的 data.type 取值。
const (
	ChatText       = "text"
	ChatToolCall   = "tool_call"
	ChatToolResult = "tool_result"
	ChatStep       = "step"
	ChatDone       = "done"
	ChatError      = "error"
)

// Envelope 是服务端发出的消息，Timestamp 为毫秒。
type Envelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// inbound 是客户端发来的消息，data 按 type 延迟解析。
type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ChatRequest 是 chat 消息的 data。
type ChatRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

// GroupRequest 是 subscribe / unsubscribe 消息的 data，group 与 groups 可以同时给出。
type GroupRequest struct {
	Group  string   `json:"group,omitempty"`
	Groups []string `json:"groups,omitempty"`
}

func (g GroupRequest) names() []string {
	seen := make(map[string]bool)
	var out []string
	for _, name := range append([]string{g.Group}, g.Groups...) {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// ConnectionStatus 是 connection_status 消息的 data。
type ConnectionStatus struct {
	ClientID string   `json:"clientId"`
	Status   string   `json:"status"`
	Groups   []string `json:"groups,omitempty"`
}

// ErrorData 描述一个客户端可见的错误。
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ChatData 是 chat 消息的 data，每个编排器事件对应一条。
type ChatData struct {
	SessionID  string          `json:"sessionId"`
	Type       string          `json:"type"`
	Content    string          `json:"content,omitempty"`
	ToolCall   *llm.ToolCall   `json:"toolCall,omitempty"`
	ToolResult *llm.ToolResult `json:"toolResult,omitempty"`
	Message    *llm.Message    `json:"message,omitempty"`
	Step       *agent.Step     `json:"step,omitempty"`
	Error      *ErrorData      `json:"error,omitempty"`
}

func chatData(sessionID string, ev agent.Event) ChatData {
	d := ChatData{SessionID: sessionID}
	switch e := ev.(type) {
	case agent.TextEvent:
		d.Type, d.Content = ChatText, e.Content
	case agent.ToolCallEvent:
		call := e.Call
		d.Type, d.ToolCall = ChatToolCall, &call
	case agent.ToolResultEvent:
		result := e.Result
		d.Type, d.ToolResult = ChatToolResult, &result
	case agent.StepEvent:
		step := e.Step
		d.Type, d.Step = ChatStep, &step
	case agent.DoneEvent:
		msg := e.Message
		d.Type, d.Message = ChatDone, &msg
	case agent.ErrorEvent:
		d.Type, d.Content = ChatError, e.Partial
		d.Error = &ErrorData{Code: string(xerrors.CodeOf(e.Err)), Message: e.Message}
	}
	return d
}

func errorData(err error) ErrorData {
	msg := err.Error()
	if e, ok := xerrors.From(err); ok {
		msg = e.Message()
	}
	return ErrorData{Code: string(xerrors.CodeOf(err)), Message: msg}
}
