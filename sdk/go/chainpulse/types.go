package chainpulse

import (
	"encoding/json"
	"time"
)

// Envelope is a server message as received on the WebSocket.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// ErrorData describes a client-visible error.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorData) Error() string {
	if e == nil {
		return ""
	}
	return "chainpulse: " + e.Code + ": " + e.Message
}

// ToolCall mirrors a tool invocation reported during a chat turn.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Status    string         `json:"status"`
	Result    any            `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// ToolResult is the result fed back to the model for one tool call.
type ToolResult struct {
	ToolCallID string `json:"toolCallId"`
	Name       string `json:"name"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Message is the final assistant message of a turn.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Step is a progress marker emitted during a turn.
type Step struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ChatEvent is one event of a chat turn. Type is one of text, tool_call,
// tool_result, step, done or error.
type ChatEvent struct {
	SessionID  string      `json:"sessionId"`
	Type       string      `json:"type"`
	Content    string      `json:"content,omitempty"`
	ToolCall   *ToolCall   `json:"toolCall,omitempty"`
	ToolResult *ToolResult `json:"toolResult,omitempty"`
	Message    *Message    `json:"message,omitempty"`
	Step       *Step       `json:"step,omitempty"`
	Error      *ErrorData  `json:"error,omitempty"`
}

// Terminal reports whether the event ends the turn.
func (e ChatEvent) Terminal() bool {
	return e.Type == "done" || e.Type == "error"
}

// Block is a confirmed block height snapshot.
type Block struct {
	Chain          string `json:"chain"`
	Height         uint64 `json:"height"`
	ReportedHeight uint64 `json:"reported_height"`
	ObservedAt     int64  `json:"observed_at"`
}

// Fee is a fee level snapshot.
type Fee struct {
	Chain      string  `json:"chain"`
	Fast       float64 `json:"fast"`
	Standard   float64 `json:"standard"`
	Slow       float64 `json:"slow"`
	BaseFee    float64 `json:"base_fee,omitempty"`
	Unit       string  `json:"unit"`
	ObservedAt int64   `json:"observed_at"`
}

// Health is the /health response.
type Health struct {
	Status           string  `json:"status"`
	Uptime           float64 `json:"uptime"`
	Clients          int     `json:"clients"`
	SchedulerRunning bool    `json:"scheduler_running"`
}

// Stats is the /api/stats response.
type Stats struct {
	Clients   int            `json:"clients"`
	Groups    map[string]int `json:"groups"`
	Sessions  int            `json:"sessions"`
	Scheduler struct {
		Running   bool    `json:"running"`
		LastBlock *uint64 `json:"last_block,omitempty"`
	} `json:"scheduler"`
	Tools   []string `json:"tools"`
	Archive *struct {
		Blocks int64   `json:"blocks"`
		Fees   int64   `json:"fees"`
		Recent []Block `json:"recent"`
	} `json:"archive,omitempty"`
}
