// Package session keeps per-session conversation history in process memory.
package session

import (
	"sort"
	"sync"

	"ChainPulse/internal/llm"
)

// DefaultMaxHistory 是每个会话保留的消息条数上限。
const DefaultMaxHistory = 50

// Store 保存每个会话最近的消息，会话在首次追加时创建。
type Store struct {
	mu         sync.RWMutex
	maxHistory int
	sessions   map[string][]llm.Message
}

// NewStore 创建会话存储，maxHistory 小于 1 时使用默认值。
func NewStore(maxHistory int) *Store {
	if maxHistory < 1 {
		maxHistory = DefaultMaxHistory
	}
	return &Store{maxHistory: maxHistory, sessions: make(map[string][]llm.Message)}
}

// History 返回会话历史的副本，未知会话返回 nil。
func (s *Store) History(id string) []llm.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return llm.CloneMessages(s.sessions[id])
}

// Append 追加消息并裁剪到上限，只保留最近的消息。
func (s *Store) Append(id string, msgs ...llm.Message) {
	if len(msgs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	history := append(s.sessions[id], llm.CloneMessages(msgs)...)
	if overflow := len(history) - s.maxHistory; overflow > 0 {
		overflow += llm.OrphanResults(history[overflow:])
		trimmed := make([]llm.Message, len(history)-overflow)
		copy(trimmed, history[overflow:])
		history = trimmed
	}
	s.sessions[id] = history
}

// Clear 删除会话。
func (s *Store) Clear(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Len 返回会话数量。
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// IDs 返回排序后的会话标识。
func (s *Store) IDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// MaxHistory 返回配置的上限。
func (s *Store) MaxHistory() int { return s.maxHistory }
