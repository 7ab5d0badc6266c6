package llm

import (
	"context"

	xerrors "ChainPulse/internal/errors"
)

// StreamClient 把消息列表转换为有序的流式事件。
//
// 返回的通道在流结束后关闭。实现不必保证发送终止事件，调用方应通过 Guard 消费。
type StreamClient interface {
	StreamChat(ctx context.Context, messages []Message, tools []ToolSpec) (<-chan StreamEvent, error)
}

// StreamEvent 是模型流事件的封闭联合类型。
type StreamEvent interface {
	streamEvent()
}

// TextDelta 是一段增量文本。
type TextDelta struct {
	Content string
}

// ToolUse 是模型请求的工具输入。
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolUseStart 表示模型开始声明一次工具调用，输入可能尚不完整。
type ToolUseStart struct {
	ToolUse
}

// ToolUseComplete 表示工具调用的输入已完整。
type ToolUseComplete struct {
	ToolUse
}

// StreamDone 是正常结束事件。
type StreamDone struct {
	StopReason string
}

// StreamError 是异常结束事件。
type StreamError struct {
	Err error
}

func (TextDelta) streamEvent()       {}
func (ToolUseStart) streamEvent()    {}
func (ToolUseComplete) streamEvent() {}
func (StreamDone) streamEvent()      {}
func (StreamError) streamEvent()     {}

// IsTerminal 判断事件是否为终止事件。
func IsTerminal(ev StreamEvent) bool {
	switch ev.(type) {
	case StreamDone, StreamError:
		return true
	default:
		return false
	}
}

// Guard 包装原始的供应商事件流，保证输出恰好包含一个终止事件：
// 原始流未发送 done 即关闭时补发 StreamDone；终止事件之后的事件被丢弃；
// ctx 取消时发送 StreamError。输出通道在终止事件之后关闭。
func Guard(ctx context.Context, raw <-chan StreamEvent) <-chan StreamEvent {
	out := make(chan StreamEvent, 16)
	go func() {
		defer close(out)
		defer drain(raw)

		emit := func(ev StreamEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		fail := func(err error) {
			// 终止事件必须送达；消费者按约定读到通道关闭为止。
			out <- StreamError{Err: xerrors.Wrap(xerrors.CodeModelStream, err, "model stream interrupted")}
		}

		for {
			select {
			case <-ctx.Done():
				fail(ctx.Err())
				return
			case ev, ok := <-raw:
				if !ok {
					if !emit(StreamDone{StopReason: "eof"}) {
						fail(ctx.Err())
					}
					return
				}
				if ev == nil {
					continue
				}
				if se, isErr := ev.(StreamError); isErr && se.Err == nil {
					ev = StreamError{Err: xerrors.New(xerrors.CodeModelStream, "")}
				}
				if !emit(ev) {
					fail(ctx.Err())
					return
				}
				if IsTerminal(ev) {
					return
				}
			}
		}
	}()
	return out
}

// drain 在后台读空原始流，避免供应商协程阻塞在发送上。
func drain(raw <-chan StreamEvent) {
	if raw == nil {
		return
	}
	go func() {
		for range raw {
		}
	}()
}
