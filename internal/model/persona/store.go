package persona

import (
	"strings"
	"sync"
)

// Store holds the process-wide default persona.
type Store interface {
	Default() string
	SetDefault(persona string) bool
	Restore()
}

// MemoryStore implements Store in memory. Admin commands write it while
// response tasks read it, so every access goes through the lock.
type MemoryStore struct {
	mu      sync.RWMutex
	initial string
	current string
}

// NewMemoryStore returns a MemoryStore seeded with the configured default.
func NewMemoryStore(initial string) *MemoryStore {
	initial = strings.TrimSpace(initial)
	if initial == "" {
		initial = DefaultPersona
	}
	return &MemoryStore{initial: initial, current: initial}
}

// Default returns the persona applied to new participants and on .reset.
func (s *MemoryStore) Default() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// SetDefault replaces the default persona. Blank values are rejected.
func (s *MemoryStore) SetDefault(persona string) bool {
	persona = strings.TrimSpace(persona)
	if persona == "" {
		return false
	}
	s.mu.Lock()
	s.current = persona
	s.mu.Unlock()
	return true
}

// Restore puts the configured default back.
func (s *MemoryStore) Restore() {
	s.mu.Lock()
	s.current = s.initial
	s.mu.Unlock()
}
