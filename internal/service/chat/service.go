package chat

import (
	"errors"
	"sync"

	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/tavern-irc/internal/model/chat"
)

var (
	ErrParticipantNotFound = errors.New("participant has no history")
)

// DefaultHistorySize bounds a conversation when the configuration does not.
const DefaultHistorySize = 24

// SystemPrompt returns the system message seeded for new participants.
type SystemPrompt func() string

// Service keeps the per-(scope, participant) conversation history in memory.
// Nothing is persisted: a restart starts every conversation from scratch.
type Service struct {
	mu        sync.RWMutex
	histories map[chat.Key]*history
	size      int
	seed      SystemPrompt
}

type history struct {
	messages []*schema.Message
}

// NewService bootstraps the history store. size bounds every history; seed
// supplies the default system prompt for participants seen for the first time.
func NewService(size int, seed SystemPrompt) *Service {
	if size < 2 {
		size = DefaultHistorySize
	}
	return &Service{
		histories: make(map[chat.Key]*history),
		size:      size,
		seed:      seed,
	}
}

// Append adds a message to the participant's history and returns it.
// A participant without history is first seeded with the default system
// prompt, unless the message itself is a system message.
func (s *Service) Append(key chat.Key, role schema.RoleType, content string) *schema.Message {
	msg := chat.NewMessage(role, content)

	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.entry(key, role != chat.RoleSystem)
	h.messages = append(h.messages, msg)
	h.messages = trim(h.messages, s.size)
	return msg
}

// Prompt returns the messages a completion for content would be built from:
// the participant's history (seeded for a newcomer) followed by content as a
// user turn, trimmed to the bound. The store itself is not modified, so a
// failed completion leaves no trace.
func (s *Service) Prompt(key chat.Key, content string) []*schema.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var msgs []*schema.Message
	if h, ok := s.histories[key]; ok {
		msgs = chat.Snapshot(h.messages)
	} else if s.seed != nil {
		msgs = append(msgs, chat.NewMessage(chat.RoleSystem, s.seed()))
	}
	msgs = append(msgs, chat.NewMessage(chat.RoleUser, content))
	return trim(msgs, s.size)
}

// Commit records a completed exchange: the user turn and the assistant reply
// are appended together, after seeding a newcomer.
func (s *Service) Commit(key chat.Key, prompt, reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.entry(key, true)
	h.messages = append(h.messages,
		chat.NewMessage(chat.RoleUser, prompt),
		chat.NewMessage(chat.RoleAssistant, reply),
	)
	h.messages = trim(h.messages, s.size)
}

// entry returns the history for key, creating it when missing. Callers hold
// the write lock.
func (s *Service) entry(key chat.Key, seed bool) *history {
	h, ok := s.histories[key]
	if !ok {
		h = &history{messages: make([]*schema.Message, 0, s.size+2)}
		if seed && s.seed != nil {
			h.messages = append(h.messages, chat.NewMessage(chat.RoleSystem, s.seed()))
		}
		s.histories[key] = h
	}
	return h
}

// trim evicts the oldest non-system exchange until the bound holds. A user
// turn leaves together with the assistant reply that follows it, so the
// history keeps alternating. A leading system message always stays at index 0.
func trim(msgs []*schema.Message, size int) []*schema.Message {
	for len(msgs) > size {
		idx := 0
		if msgs[0].Role == chat.RoleSystem {
			idx = 1
		}
		if idx >= len(msgs) {
			break
		}
		n := 1
		// The newest message is never evicted as half of a pair.
		if msgs[idx].Role == chat.RoleUser && idx+2 < len(msgs) && msgs[idx+1].Role == chat.RoleAssistant {
			n = 2
		}
		copy(msgs[idx:], msgs[idx+n:])
		for i := len(msgs) - n; i < len(msgs); i++ {
			msgs[i] = nil
		}
		msgs = msgs[:len(msgs)-n]
	}
	return msgs
}

// Clear empties the participant's history in place. The participant stays
// known, so the next Append does not seed a system prompt.
func (s *Service) Clear(key chat.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.histories[key]
	if !ok {
		s.histories[key] = &history{messages: make([]*schema.Message, 0, s.size+1)}
		return
	}
	for i := range h.messages {
		h.messages[i] = nil
	}
	h.messages = h.messages[:0]
}

// Has reports whether the participant has a history entry in the scope.
func (s *Service) Has(key chat.Key) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.histories[key]
	return ok
}

// Get returns a copy of the participant's history, oldest first.
func (s *Service) Get(key chat.Key) ([]*schema.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.histories[key]
	if !ok {
		return nil, ErrParticipantNotFound
	}
	return chat.Snapshot(h.messages), nil
}

// Len returns the number of tracked participants across all scopes.
func (s *Service) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.histories)
}

// Scopes returns the number of tracked participants per scope.
func (s *Service) Scopes() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int)
	for key := range s.histories {
		out[key.Scope]++
	}
	return out
}
