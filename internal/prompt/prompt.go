// Package prompt assembles the bounded message window sent to the model on
// every pass of a turn.
package prompt

import (
	"strings"

	"ChainPulse/internal/llm"
)

// DefaultMaxMessages 是上下文中保留的历史消息条数。
const DefaultMaxMessages = 20

// DefaultSystemPrompt 是默认的系统提示词。
const DefaultSystemPrompt = `You are ChainPulse, a blockchain data assistant.
Use the provided tools whenever the user asks about live chain data such as block heights, fees, balances or transactions.
Never invent numbers, hashes or addresses; only report values returned by a tool.
If a tool fails, say so plainly and explain which data could not be retrieved.
Keep answers short and cite the chain each value came from.`

// Summarizer 可以把被裁掉的历史压缩成一条消息，返回 nil 表示不插入。
type Summarizer func(dropped []llm.Message) *llm.Message

// Options 控制上下文的组装方式。
type Options struct {
	MaxMessages   int
	DisableSystem bool
	SystemPrompt  string
	Summarizer    Summarizer
}

func (o Options) maxMessages() int {
	if o.MaxMessages <= 0 {
		return DefaultMaxMessages
	}
	return o.MaxMessages
}

func (o Options) systemPrompt() string {
	if strings.TrimSpace(o.SystemPrompt) == "" {
		return DefaultSystemPrompt
	}
	return o.SystemPrompt
}

// Build 返回 系统消息 + 最近的历史 + 新的用户消息。
//
// 裁剪不会留下失去对应工具调用的工具结果。
// 历史中的 system 消息会被忽略；userText 去除空白后为空时不追加用户消息。
// 函数不修改入参，可在多个会话间并发调用。
func Build(userText string, history []llm.Message, opts Options) []llm.Message {
	conversational := make([]llm.Message, 0, len(history))
	for _, msg := range history {
		if msg.Role == llm.RoleUser || msg.Role == llm.RoleAssistant {
			conversational = append(conversational, msg)
		}
	}

	var dropped []llm.Message
	if limit := opts.maxMessages(); len(conversational) > limit {
		cut := len(conversational) - limit
		cut += llm.OrphanResults(conversational[cut:])
		dropped = conversational[:cut]
		conversational = conversational[cut:]
	}

	out := make([]llm.Message, 0, len(conversational)+3)
	if !opts.DisableSystem {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: opts.systemPrompt()})
	}
	if len(dropped) > 0 && opts.Summarizer != nil {
		if summary := opts.Summarizer(llm.CloneMessages(dropped)); summary != nil {
			out = append(out, summary.Clone())
		}
	}
	out = append(out, llm.CloneMessages(conversational)...)

	if text := strings.TrimSpace(userText); text != "" {
		out = append(out, llm.Message{Role: llm.RoleUser, Content: text})
	}
	return out
}
