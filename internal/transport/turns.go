package transport

import (
	"context"
	"errors"
	"sync"

	"ChainPulse/internal/agent"
	xerrors "ChainPulse/internal/errors"
)

// TurnProcessor 执行一轮对话，agent.Orchestrator 满足该接口。
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, sessionID, userText string) <-chan agent.Event
}

// turnQueue 是按会话划分的先进先出队列，同一会话同时只有一轮对话在执行。
// 排队顺序在 enqueue 时确定，与等待方何时被调度无关。
type turnQueue struct {
	mu    sync.Mutex
	slots map[string]*turnSlot
}

type turnSlot struct {
	tail chan struct{} // 最后一个排队者的完成信号
	refs int
}

// turnTicket 是会话队列中的一个位置。
type turnTicket struct {
	q       *turnQueue
	session string
	slot    *turnSlot
	prev    <-chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newTurnQueue() *turnQueue {
	return &turnQueue{slots: make(map[string]*turnSlot)}
}

// enqueue 立即占据 sessionID 队尾的位置，不会阻塞。
func (q *turnQueue) enqueue(sessionID string) *turnTicket {
	q.mu.Lock()
	defer q.mu.Unlock()
	slot := q.slots[sessionID]
	if slot == nil {
		slot = &turnSlot{}
		q.slots[sessionID] = slot
	}
	t := &turnTicket{q: q, session: sessionID, slot: slot, prev: slot.tail, done: make(chan struct{})}
	slot.tail = t.done
	slot.refs++
	return t
}

// acquire 排队并等待轮到 sessionID，返回的 release 必须调用一次。
func (q *turnQueue) acquire(ctx context.Context, sessionID string) (func(), error) {
	t := q.enqueue(sessionID)
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.release, nil
}

// wait 等待前一个位置让出。ctx 结束时放弃位置，后面的排队者仍等到前一个位置让出后才执行，
// 此后不能再调用 release。
func (t *turnTicket) wait(ctx context.Context) error {
	if t.prev == nil {
		return nil
	}
	select {
	case <-t.prev:
		return nil
	case <-ctx.Done():
		go func() {
			<-t.prev
			t.release()
		}()
		return ctx.Err()
	}
}

// release 让出位置，可重复调用。
func (t *turnTicket) release() {
	t.once.Do(func() {
		close(t.done)
		t.q.leave(t.session, t.slot)
	})
}

func (q *turnQueue) leave(sessionID string, slot *turnSlot) {
	q.mu.Lock()
	defer q.mu.Unlock()
	slot.refs--
	if slot.refs == 0 && q.slots[sessionID] == slot {
		delete(q.slots, sessionID)
	}
}

// busy 返回正在执行或排队的会话数。
func (q *turnQueue) busy() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.slots)
}

// runTurn 等到 ticket 排到后执行一轮对话，并按顺序把每个事件转发给发起的客户端。
// 客户端断开不会取消对话，只有服务关闭或安全超时会取消。
func (h *Handler) runTurn(c *Client, req ChatRequest, ticket *turnTicket) {
	waitCtx, cancelWait := context.WithTimeout(h.ctx, h.queueWait)
	err := ticket.wait(waitCtx)
	cancelWait()
	if err != nil {
		h.sendChat(h.ctx, c, ChatData{
			SessionID: req.SessionID,
			Type:      ChatError,
			Error:     &ErrorData{Code: string(xerrors.CodeTurnTimeout), Message: "session is busy with another turn"},
		})
		return
	}
	defer ticket.release()

	ctx, cancel := context.WithTimeout(h.ctx, h.turnTimeout)
	defer cancel()

	events := h.turns.ProcessTurn(ctx, req.SessionID, req.Message)
	count, settled, delivered := 0, false, false
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				h.finishTurn(ctx, c, req.SessionID, count, delivered)
				return
			}
			count++
			if settled {
				continue
			}
			sent := h.sendChat(ctx, c, chatData(req.SessionID, ev))
			if agent.IsTerminal(ev) {
				settled, delivered = true, sent
			}
		case <-ctx.Done():
			cancel()
			for range events {
			}
			h.finishTurn(ctx, c, req.SessionID, count, delivered)
			return
		}
	}
}

// finishTurn 在事件流结束后补发缺失的终止事件。客户端已断开时不再补发。
func (h *Handler) finishTurn(ctx context.Context, c *Client, sessionID string, count int, delivered bool) {
	if delivered || c.closed() {
		return
	}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		h.logger.Warn("turn timed out", "session_id", sessionID, "client_id", c.id, "events", count)
		h.sendChat(h.ctx, c, ChatData{
			SessionID: sessionID,
			Type:      ChatError,
			Error:     &ErrorData{Code: string(xerrors.CodeTurnTimeout), Message: "turn timed out"},
		})
	case errors.Is(ctx.Err(), context.Canceled):
		h.sendChat(h.ctx, c, ChatData{
			SessionID: sessionID,
			Type:      ChatError,
			Error:     &ErrorData{Code: string(xerrors.CodeTransportClosed), Message: "server is shutting down"},
		})
	case count == 0:
		h.sendChat(h.ctx, c, ChatData{SessionID: sessionID, Type: ChatDone})
	default:
		h.sendChat(h.ctx, c, ChatData{
			SessionID: sessionID,
			Type:      ChatError,
			Error:     &ErrorData{Code: string(xerrors.CodeInternal), Message: "turn ended without a terminal event"},
		})
	}
}
