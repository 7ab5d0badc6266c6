package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	xerrors "ChainPulse/internal/errors"
	"ChainPulse/internal/llm"
)

const (
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI Chat Completions 流式接口所需的信息。
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// Client 通过 go-openai 调用 OpenAI 兼容的流式接口。
type Client struct {
	client    *goopenai.Client
	model     string
	maxTokens int
}

var _ llm.StreamClient = (*Client)(nil)

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "未提供 OpenAI API Key")
	}

	clientCfg := goopenai.DefaultConfig(apiKey)
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	return &Client{
		client:    goopenai.NewClientWithConfig(clientCfg),
		model:     model,
		maxTokens: cfg.MaxTokens,
	}, nil
}

// StreamChat 发起流式补全请求。
func (c *Client) StreamChat(ctx context.Context, messages []llm.Message, tools []llm.ToolSpec) (<-chan llm.StreamEvent, error) {
	req := goopenai.ChatCompletionRequest{
		Model:    c.model,
		Messages: convertMessages(messages),
		Stream:   true,
	}
	if c.maxTokens > 0 {
		req.MaxTokens = c.maxTokens
	}
	if len(tools) > 0 {
		req.Tools = convertTools(tools)
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, classify(err)
	}

	out := make(chan llm.StreamEvent, 16)
	go processStream(ctx, stream, out)
	return out, nil
}

type pendingCall struct {
	id      string
	name    string
	args    strings.Builder
	started bool
}

func processStream(ctx context.Context, stream *goopenai.ChatCompletionStream, out chan<- llm.StreamEvent) {
	defer close(out)
	defer stream.Close()

	send := func(ev llm.StreamEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	calls := make(map[int]*pendingCall)
	var finishReason string

	// flush 按 index 顺序发送已累积完成的工具调用。
	flush := func() bool {
		indexes := make([]int, 0, len(calls))
		for idx := range calls {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)
		for _, idx := range indexes {
			call := calls[idx]
			if call.id == "" || call.name == "" {
				continue
			}
			input := map[string]any{}
			if raw := strings.TrimSpace(call.args.String()); raw != "" {
				if err := json.Unmarshal([]byte(raw), &input); err != nil {
					send(llm.StreamError{Err: xerrors.Wrap(xerrors.CodeModelStream, err, "invalid tool arguments from "+call.name)})
					return false
				}
			}
			if !send(llm.ToolUseComplete{ToolUse: llm.ToolUse{ID: call.id, Name: call.name, Input: input}}) {
				return false
			}
		}
		calls = make(map[int]*pendingCall)
		return true
	}

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			if flush() {
				send(llm.StreamDone{StopReason: finishReason})
			}
			return
		}
		if err != nil {
			send(llm.StreamError{Err: classify(err)})
			return
		}
		if len(response.Choices) == 0 {
			continue
		}

		choice := response.Choices[0]
		if choice.Delta.Content != "" && !send(llm.TextDelta{Content: choice.Delta.Content}) {
			return
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call := calls[index]
			if call == nil {
				call = &pendingCall{}
				calls[index] = call
			}
			if tc.ID != "" {
				call.id = tc.ID
			}
			if tc.Function.Name != "" {
				call.name = tc.Function.Name
			}
			call.args.WriteString(tc.Function.Arguments)
			if !call.started && call.id != "" && call.name != "" {
				call.started = true
				if !send(llm.ToolUseStart{ToolUse: llm.ToolUse{ID: call.id, Name: call.name}}) {
					return
				}
			}
		}

		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
			if choice.FinishReason == goopenai.FinishReasonToolCalls && !flush() {
				return
			}
		}
	}
}

func convertMessages(messages []llm.Message) []goopenai.ChatCompletionMessage {
	result := make([]goopenai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			result = append(result, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: msg.Content})
		case llm.RoleAssistant:
			oaiMsg := goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleAssistant, Content: msg.Content}
			for _, call := range msg.ToolCalls {
				args, _ := json.Marshal(call.Arguments)
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, goopenai.ToolCall{
					ID:   call.ID,
					Type: goopenai.ToolTypeFunction,
					Function: goopenai.FunctionCall{
						Name:      call.Name,
						Arguments: string(args),
					},
				})
			}
			result = append(result, oaiMsg)
		case llm.RoleUser:
			// 工具结果在 OpenAI 中是独立的 tool 角色消息。
			for _, tr := range msg.ToolResults {
				result = append(result, goopenai.ChatCompletionMessage{
					Role:       goopenai.ChatMessageRoleTool,
					Content:    tr.Content(),
					ToolCallID: tr.ToolCallID,
				})
			}
			if msg.Content != "" {
				result = append(result, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleUser, Content: msg.Content})
			}
		}
	}
	return result
}

func convertTools(tools []llm.ToolSpec) []goopenai.Tool {
	result := make([]goopenai.Tool, 0, len(tools))
	for _, tool := range tools {
		var params map[string]any
		if err := json.Unmarshal(tool.InputSchema, &params); err != nil || params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}
	return result
}

// classify 把 API 错误映射为统一错误码，限流与服务端错误视为可重试。
func classify(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		retryable := apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
		return xerrors.Wrap(xerrors.CodeModelStream, err, "openai request failed", xerrors.WithRetryable(retryable))
	}
	return xerrors.Wrap(xerrors.CodeModelStream, err, "openai stream failed")
}
