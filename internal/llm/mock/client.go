// Package mock 提供离线可用的脚本化模型，按关键词把用户问题路由到链上工具，
// 便于在没有模型 API Key 的环境中运行完整的对话流程。
package mock

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"ChainPulse/internal/llm"
)

var (
	evmAddress = regexp.MustCompile(`0x[0-9a-fA-F]{40}\b`)
	btcAddress = regexp.MustCompile(`\b(bc1[0-9a-z]{8,87}|[13][a-km-zA-HJ-NP-Z1-9]{25,34})\b`)
	txHash     = regexp.MustCompile(`\b(0x)?[0-9a-fA-F]{64}\b`)
)

// Client 实现 llm.StreamClient。
type Client struct{}

var _ llm.StreamClient = (*Client)(nil)

// New 创建脚本化模型。
func New() *Client { return &Client{} }

// StreamChat 对最后一条消息作出回应：携带工具结果时输出总结文本，否则尝试规划工具调用。
func (c *Client) StreamChat(ctx context.Context, messages []llm.Message, tools []llm.ToolSpec) (<-chan llm.StreamEvent, error) {
	var events []llm.StreamEvent
	last, ok := lastConversational(messages)
	switch {
	case !ok:
		events = textEvents("Hello! Ask me about blocks, fees, balances or transactions.")
	case len(last.ToolResults) > 0:
		events = textEvents(summarize(last.ToolResults))
	default:
		plans := plan(last.Content, available(tools))
		if len(plans) == 0 {
			events = textEvents("I can look up the latest block, current fee estimates, address balances and transaction status. What would you like to know?")
			break
		}
		events = append(events, llm.TextDelta{Content: "Let me fetch live data for you. "})
		for _, p := range plans {
			use := llm.ToolUse{ID: "toolu_" + uuid.NewString(), Name: p.name, Input: p.input}
			events = append(events, llm.ToolUseStart{ToolUse: llm.ToolUse{ID: use.ID, Name: use.Name}}, llm.ToolUseComplete{ToolUse: use})
		}
	}
	events = append(events, llm.StreamDone{StopReason: "end_turn"})

	out := make(chan llm.StreamEvent, len(events))
	go func() {
		defer close(out)
		for _, ev := range events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

type toolPlan struct {
	name  string
	input map[string]any
}

func plan(text string, tools map[string]bool) []toolPlan {
	lower := strings.ToLower(text)
	var plans []toolPlan
	add := func(name string, input map[string]any) {
		if tools[name] {
			plans = append(plans, toolPlan{name: name, input: input})
		}
	}

	if tx := txHash.FindString(text); tx != "" {
		add("get_transaction_status", map[string]any{"txid": tx})
	} else if addr := evmAddress.FindString(text); addr != "" {
		add("get_balance", map[string]any{"address": addr})
	} else if addr := btcAddress.FindString(text); addr != "" {
		add("get_balance", map[string]any{"address": addr})
	}
	if strings.Contains(lower, "block") || strings.Contains(lower, "height") {
		add("get_latest_block", map[string]any{})
	}
	if strings.Contains(lower, "fee") || strings.Contains(lower, "gas") {
		add("get_fee_estimate", map[string]any{})
	}
	if strings.Contains(lower, "chains") || strings.Contains(lower, "networks") {
		add("list_chains", map[string]any{})
	}
	return plans
}

func summarize(results []llm.ToolResult) string {
	var b strings.Builder
	b.WriteString("Here is the live data I found:\n")
	for _, r := range results {
		if r.Failed() {
			fmt.Fprintf(&b, "- %s could not be retrieved (%s).\n", r.Name, r.Error)
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", r.Name, r.Content())
	}
	return strings.TrimRight(b.String(), "\n")
}

// textEvents 按词切分文本以模拟增量输出。
func textEvents(text string) []llm.StreamEvent {
	words := strings.SplitAfter(text, " ")
	events := make([]llm.StreamEvent, 0, len(words))
	for _, w := range words {
		if w != "" {
			events = append(events, llm.TextDelta{Content: w})
		}
	}
	return events
}

func lastConversational(messages []llm.Message) (llm.Message, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser {
			return messages[i], true
		}
	}
	return llm.Message{}, false
}

func available(tools []llm.ToolSpec) map[string]bool {
	set := make(map[string]bool, len(tools))
	for _, t := range tools {
		set[t.Name] = true
	}
	return set
}
