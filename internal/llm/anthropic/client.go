// Package anthropic 基于官方 anthropic-sdk-go 实现流式模型客户端。
package anthropic

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	xerrors "ChainPulse/internal/errors"
	"ChainPulse/internal/llm"
)

// DefaultModel 在未配置模型时使用。
const DefaultModel = "claude-sonnet-4-20250514"

// Config 描述 Anthropic 客户端的参数。
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxTokens  int
	Timeout    time.Duration
	MaxRetries int
}

// Client 实现 llm.StreamClient。
type Client struct {
	client    sdk.Client
	model     string
	maxTokens int64
}

var _ llm.StreamClient = (*Client)(nil)

// NewClient 创建 Anthropic 流式客户端。
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "anthropic 需要配置 API Key")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(cfg.MaxRetries)}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Client{client: sdk.NewClient(opts...), model: model, maxTokens: maxTokens}, nil
}

// StreamChat 发起流式请求，并把 SSE 事件翻译为 llm.StreamEvent。
func (c *Client) StreamChat(ctx context.Context, messages []llm.Message, tools []llm.ToolSpec) (<-chan llm.StreamEvent, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: c.maxTokens,
	}

	var system []string
	for _, msg := range messages {
		if msg.Role == llm.RoleSystem {
			system = append(system, msg.Content)
		}
	}
	if len(system) > 0 {
		params.System = []sdk.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}

	converted, err := convertMessages(messages)
	if err != nil {
		return nil, err
	}
	params.Messages = converted

	if len(tools) > 0 {
		toolParams, err := convertTools(tools)
		if err != nil {
			return nil, err
		}
		params.Tools = toolParams
	}

	stream := c.client.Messages.NewStreaming(ctx, params)
	out := make(chan llm.StreamEvent, 16)
	go processStream(ctx, stream, out)
	return out, nil
}

func processStream(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], out chan<- llm.StreamEvent) {
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

	var (
		current    *llm.ToolUse
		inputJSON  strings.Builder
		stopReason string
	)

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				current = &llm.ToolUse{ID: toolUse.ID, Name: toolUse.Name}
				inputJSON.Reset()
				if !send(llm.ToolUseStart{ToolUse: *current}) {
					return
				}
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" && !send(llm.TextDelta{Content: delta.Text}) {
					return
				}
			case "input_json_delta":
				inputJSON.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if current == nil {
				continue
			}
			input, err := decodeInput(inputJSON.String())
			if err != nil {
				send(llm.StreamError{Err: err})
				return
			}
			current.Input = input
			if !send(llm.ToolUseComplete{ToolUse: *current}) {
				return
			}
			current = nil

		case "message_delta":
			if reason := string(event.AsMessageDelta().Delta.StopReason); reason != "" {
				stopReason = reason
			}

		case "message_stop":
			send(llm.StreamDone{StopReason: stopReason})
			return
		}
	}

	if err := stream.Err(); err != nil {
		send(llm.StreamError{Err: xerrors.Wrap(xerrors.CodeModelStream, err, "anthropic stream failed")})
	}
	// 未收到 message_stop 直接结束时不补发 done，由 llm.Guard 统一处理。
}

func decodeInput(raw string) (map[string]any, error) {
	input := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return input, nil
	}
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeModelStream, err, "invalid tool input json")
	}
	return input, nil
}

func convertMessages(messages []llm.Message) ([]sdk.MessageParam, error) {
	result := make([]sdk.MessageParam, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == llm.RoleSystem {
			continue
		}

		var content []sdk.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, sdk.NewTextBlock(msg.Content))
		}
		for _, result := range msg.ToolResults {
			content = append(content, sdk.NewToolResultBlock(result.ToolCallID, result.Content(), result.Failed()))
		}
		for _, call := range msg.ToolCalls {
			args := call.Arguments
			if args == nil {
				args = map[string]any{}
			}
			content = append(content, sdk.NewToolUseBlock(call.ID, args, call.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == llm.RoleAssistant {
			result = append(result, sdk.NewAssistantMessage(content...))
		} else {
			result = append(result, sdk.NewUserMessage(content...))
		}
	}
	if len(result) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "anthropic 请求至少需要一条非系统消息")
	}
	return result, nil
}

func convertTools(tools []llm.ToolSpec) ([]sdk.ToolUnionParam, error) {
	result := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema sdk.ToolInputSchemaParam
		if len(tool.InputSchema) > 0 {
			if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid tool schema for "+tool.Name)
			}
		}
		param := sdk.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool != nil && tool.Description != "" {
			param.OfTool.Description = sdk.String(tool.Description)
		}
		result = append(result, param)
	}
	return result, nil
}
