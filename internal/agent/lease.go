package agent

import (
	"errors"
	"sync"
)

// ErrConversationBusy is returned when a conversation already has an active
// loop execution.
var ErrConversationBusy = errors.New("conversation busy")

// Locker provides per-conversation mutual exclusion. It prevents two
// concurrent Process calls from advancing the same conversation's checkpoint
// simultaneously.
type Locker struct {
	mu     sync.Mutex
	active map[string]struct{}
}

// NewLocker creates a new conversation locker.
func NewLocker() *Locker {
	return &Locker{active: make(map[string]struct{})}
}

// TryAcquire claims the lease for a conversation without blocking. It returns
// a release function that MUST be called when the execution completes, or
// ErrConversationBusy if another execution holds the lease.
func (l *Locker) TryAcquire(conversationID string) (release func(), err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.active[conversationID]; busy {
		return nil, ErrConversationBusy
	}
	l.active[conversationID] = struct{}{}

	return func() {
		l.mu.Lock()
		delete(l.active, conversationID)
		l.mu.Unlock()
	}, nil
}

// ActiveCount returns the number of conversations with a held lease.
// Intended for testing.
func (l *Locker) ActiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active)
}
