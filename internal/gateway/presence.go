// ABOUTME: Process-scoped presence registry for connected identities
// ABOUTME: Counts live event streams per user; never persisted

package gateway

import "sync"

// presenceRegistry tracks which identities hold at least one open event
// stream. A user with two tabs open counts once for Online and disconnects
// only when the last stream closes.
type presenceRegistry struct {
	mu    sync.RWMutex
	conns map[string]int
}

func newPresenceRegistry() *presenceRegistry {
	return &presenceRegistry{conns: make(map[string]int)}
}

// Connect registers one open stream for the user.
func (p *presenceRegistry) Connect(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns[userID]++
}

// Disconnect releases one stream; the entry disappears with the last one.
func (p *presenceRegistry) Disconnect(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns[userID] <= 1 {
		delete(p.conns, userID)
		return
	}
	p.conns[userID]--
}

// Online reports whether the user has any open stream.
func (p *presenceRegistry) Online(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conns[userID] > 0
}
