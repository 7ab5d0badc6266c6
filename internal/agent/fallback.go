package agent

import (
	"strings"

	"ChainPulse/internal/llm"
)

// FallbackAnswer 在第二次模型调用没有产出文本时，根据工具结果拼出最终回答。
func FallbackAnswer(results []llm.ToolResult) string {
	if len(results) == 0 {
		return "I could not produce an answer for this request."
	}
	var b strings.Builder
	b.WriteString("Here is what the tools returned:")
	for _, r := range results {
		b.WriteString("\n- ")
		b.WriteString(r.Name)
		if r.Failed() {
			b.WriteString(" failed: ")
			b.WriteString(r.Error)
			continue
		}
		b.WriteString(": ")
		b.WriteString(r.Content())
	}
	return b.String()
}
