package session

import (
	"fmt"
	"sync"
	"testing"

	"ChainPulse/internal/llm"
)

func userMessage(i int) llm.Message {
	return llm.Message{ID: fmt.Sprintf("m%d", i), Role: llm.RoleUser, Content: fmt.Sprintf("message %d", i)}
}

func TestAppendTrimsToMostRecent(t *testing.T) {
	store := NewStore(50)
	for i := 0; i < 60; i++ {
		store.Append("s1", userMessage(i))
	}

	history := store.History("s1")
	if len(history) != 50 {
		t.Fatalf("expected 50 messages, got %d", len(history))
	}
	if history[0].ID != "m10" || history[49].ID != "m59" {
		t.Fatalf("unexpected window: first=%s last=%s", history[0].ID, history[49].ID)
	}
}

func TestAppendDropsOrphanToolResults(t *testing.T) {
	store := NewStore(3)
	store.Append("s1",
		llm.Message{ID: "q", Role: llm.RoleUser, Content: "balance?"},
		llm.Message{ID: "call", Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "t1", Name: "get_balance"}}},
		llm.Message{ID: "result", Role: llm.RoleUser, ToolResults: []llm.ToolResult{{ToolCallID: "t1", Name: "get_balance"}}},
		llm.Message{ID: "a", Role: llm.RoleAssistant, Content: "1 BTC"},
		llm.Message{ID: "q2", Role: llm.RoleUser, Content: "thanks"},
	)

	history := store.History("s1")
	if len(history) != 2 || history[0].ID != "a" || history[1].ID != "q2" {
		t.Fatalf("unexpected window %+v", history)
	}
}

func TestHistoryReturnsCopy(t *testing.T) {
	store := NewStore(10)
	store.Append("s1", llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "t1", Name: "get_latest_block", Status: llm.ToolCompleted}}})

	history := store.History("s1")
	history[0].ToolCalls[0].Name = "mutated"
	history[0].Content = "mutated"

	again := store.History("s1")
	if again[0].ToolCalls[0].Name != "get_latest_block" || again[0].Content != "" {
		t.Fatalf("store was mutated through returned history: %+v", again[0])
	}
}

func TestClearAndIDs(t *testing.T) {
	store := NewStore(0)
	if store.MaxHistory() != DefaultMaxHistory {
		t.Fatalf("expected default max history, got %d", store.MaxHistory())
	}
	store.Append("b", userMessage(1))
	store.Append("a", userMessage(2))

	ids := store.IDs()
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("unexpected ids %v", ids)
	}
	store.Clear("a")
	if store.Len() != 1 || store.History("a") != nil {
		t.Fatalf("session a should be gone")
	}
}

func TestConcurrentAppendAcrossSessions(t *testing.T) {
	store := NewStore(50)
	var wg sync.WaitGroup
	for s := 0; s < 8; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", s)
			for i := 0; i < 20; i++ {
				store.Append(id, userMessage(i))
				_ = store.History(id)
			}
		}(s)
	}
	wg.Wait()

	if store.Len() != 8 {
		t.Fatalf("expected 8 sessions, got %d", store.Len())
	}
	for _, id := range store.IDs() {
		if n := len(store.History(id)); n != 20 {
			t.Fatalf("session %s has %d messages", id, n)
		}
	}
}
