package agent

import (
	"sync"
)

// Arena holds the live sessions of the process keyed by call SID. Sessions
// are removed explicitly when their call ends.
type Arena struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewArena() *Arena {
	return &Arena{sessions: make(map[string]*Session)}
}

// Add registers s. It reports false if a session for the same call exists.
func (a *Arena) Add(s *Session) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.sessions[s.CallSID()]; ok {
		return false
	}
	a.sessions[s.CallSID()] = s
	return true
}

func (a *Arena) Get(callSID string) (*Session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[callSID]
	return s, ok
}

// Remove drops s if it is still the registered session for its call.
func (a *Arena) Remove(s *Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cur, ok := a.sessions[s.CallSID()]; ok && cur == s {
		delete(a.sessions, s.CallSID())
	}
}

func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// EndAll ends every registered session concurrently and empties the arena.
func (a *Arena) EndAll(reason string) {
	a.mu.Lock()
	sessions := make([]*Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		sessions = append(sessions, s)
	}
	a.sessions = make(map[string]*Session)
	a.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.End(reason)
		}(s)
	}
	wg.Wait()
}
