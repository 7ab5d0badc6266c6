package llm

import (
	"encoding/json"
	"time"

	xerrors "ChainPulse/internal/errors"
)

// Role 是消息角色。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolStatus 是工具调用状态，只能从 pending 单向迁移到 completed 或 failed。
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolCompleted ToolStatus = "completed"
	ToolFailed    ToolStatus = "failed"
)

// ToolCall 表示模型请求的一次工具调用。
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Status    ToolStatus     `json:"status"`
	Result    any            `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Complete 将调用标记为成功。
func (c *ToolCall) Complete(result any) error {
	if c.Status != ToolPending {
		return xerrors.Newf(xerrors.CodeInternal, "tool call %s already %s", c.ID, c.Status)
	}
	c.Status = ToolCompleted
	c.Result = result
	return nil
}

// Fail 将调用标记为失败。
func (c *ToolCall) Fail(reason string) error {
	if c.Status != ToolPending {
		return xerrors.Newf(xerrors.CodeInternal, "tool call %s already %s", c.ID, c.Status)
	}
	c.Status = ToolFailed
	c.Error = reason
	return nil
}

// Terminal 判断调用是否已结束。
func (c ToolCall) Terminal() bool {
	return c.Status == ToolCompleted || c.Status == ToolFailed
}

// ResultOf 由终态的工具调用生成对应的 ToolResult。
func (c ToolCall) ResultOf() ToolResult {
	return ToolResult{ToolCallID: c.ID, Name: c.Name, Result: c.Result, Error: c.Error}
}

// ToolResult 是注入回模型的工具执行结果。
type ToolResult struct {
	ToolCallID string `json:"toolCallId"`
	Name       string `json:"name"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Failed 判断结果是否为失败。
func (r ToolResult) Failed() bool { return r.Error != "" }

// Content 返回供模型阅读的文本：失败时为错误描述，成功时为 JSON。
func (r ToolResult) Content() string {
	if r.Failed() {
		return "error: " + r.Error
	}
	encoded, err := json.Marshal(r.Result)
	if err != nil {
		return "error: unserializable tool result"
	}
	return string(encoded)
}

// Metadata 附带在助手消息上的补充信息。
type Metadata struct {
	Model     string   `json:"model,omitempty"`
	LatencyMs int64    `json:"latencyMs,omitempty"`
	Sources   []string `json:"sources,omitempty"`
}

// Message 是会话中的一条消息。
type Message struct {
	ID          string       `json:"id"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	ToolCalls   []ToolCall   `json:"toolCalls,omitempty"`
	ToolResults []ToolResult `json:"toolResults,omitempty"`
	Metadata    *Metadata    `json:"metadata,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// Validate 检查消息的角色约束。
func (m Message) Validate() error {
	switch m.Role {
	case RoleSystem:
		if len(m.ToolCalls) > 0 || len(m.ToolResults) > 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, "system message cannot carry tool data")
		}
	case RoleUser:
		if len(m.ToolCalls) > 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, "user message cannot carry tool calls")
		}
		if m.Content == "" && len(m.ToolResults) == 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, "user message needs text or tool results")
		}
	case RoleAssistant:
		if len(m.ToolResults) > 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, "assistant message cannot carry tool results")
		}
	default:
		return xerrors.Newf(xerrors.CodeInvalidArgument, "unknown role %q", m.Role)
	}
	return nil
}

// Clone 深拷贝消息的切片字段，参数与结果载荷按只读共享。
func (m Message) Clone() Message {
	out := m
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, call := range m.ToolCalls {
			out.ToolCalls[i] = call
			if call.Arguments != nil {
				args := make(map[string]any, len(call.Arguments))
				for k, v := range call.Arguments {
					args[k] = v
				}
				out.ToolCalls[i].Arguments = args
			}
		}
	}
	if m.ToolResults != nil {
		out.ToolResults = append([]ToolResult(nil), m.ToolResults...)
	}
	if m.Metadata != nil {
		meta := *m.Metadata
		meta.Sources = append([]string(nil), m.Metadata.Sources...)
		out.Metadata = &meta
	}
	return out
}

// CloneMessages 拷贝消息列表。
func CloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	for i, msg := range in {
		out[i] = msg.Clone()
	}
	return out
}

// OrphanResults 返回 msgs 开头连续的、只剩工具结果的 user 消息条数。
// 窗口裁剪后这些消息对应的 assistant 工具调用已被丢弃，必须一并去掉。
func OrphanResults(msgs []Message) int {
	n := 0
	for n < len(msgs) && msgs[n].Role == RoleUser && len(msgs[n].ToolResults) > 0 {
		n++
	}
	return n
}

// ToolSpec 描述提供给模型的工具。
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}
