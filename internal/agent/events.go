package agent

import (
	"time"

	"ChainPulse/internal/llm"
)

// StepType 标识一轮对话所处的阶段。
type StepType string

const (
	StepUserMessageReceived StepType = "user_message_received"
	StepThinking            StepType = "thinking"
	StepPlanning            StepType = "planning"
	StepToolCalling         StepType = "tool_calling"
	StepToolExecuting       StepType = "tool_executing"
	StepToolCompleted       StepType = "tool_completed"
	StepProcessingResults   StepType = "processing_results"
	StepResponding          StepType = "responding"
	StepComplete            StepType = "complete"
	StepError               StepType = "error"
)

// Step 是仅用于进度展示的交互步骤，创建后不再修改。
type Step struct {
	ID          string        `json:"id"`
	Type        StepType      `json:"type"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
	ToolCall    *llm.ToolCall `json:"toolCall,omitempty"`
}

// Event 是编排器输出事件的封闭联合类型。
type Event interface {
	orchestratorEvent()
}

// TextEvent 是模型输出的增量文本。
type TextEvent struct {
	Content string
}

// ToolCallEvent 报告工具调用状态，pending 时发送一次，进入终态后再发送一次。
type ToolCallEvent struct {
	Call llm.ToolCall
}

// ToolResultEvent 报告注入回模型的工具结果。
type ToolResultEvent struct {
	Result llm.ToolResult
}

// StepEvent 报告阶段迁移。
type StepEvent struct {
	Step Step
}

// DoneEvent 是正常终止事件，携带最终的助手消息。
type DoneEvent struct {
	Message llm.Message
}

// ErrorEvent 是异常终止事件。Partial 是失败前已收到的文本，仅用于展示，不会写入会话。
type ErrorEvent struct {
	Err     error
	Message string
	Partial string
}

func (TextEvent) orchestratorEvent()       {}
func (ToolCallEvent) orchestratorEvent()   {}
func (ToolResultEvent) orchestratorEvent() {}
func (StepEvent) orchestratorEvent()       {}
func (DoneEvent) orchestratorEvent()       {}
func (ErrorEvent) orchestratorEvent()      {}

// IsTerminal 判断事件是否结束了一轮对话。
func IsTerminal(ev Event) bool {
	switch ev.(type) {
	case DoneEvent, ErrorEvent:
		return true
	default:
		return false
	}
}
