package concurrency

import "sync"

// KeyedGuard marks identifiers as in flight so that a second caller
// for the same identifier backs off instead of running concurrently.
type KeyedGuard struct {
	mu     sync.Mutex
	active map[string]struct{}
}

// NewKeyedGuard creates an empty guard
func NewKeyedGuard() *KeyedGuard {
	return &KeyedGuard{active: make(map[string]struct{})}
}

// TryAcquire marks key as in flight. It returns a release func and true
// on success, or nil and false when the key is already held.
func (g *KeyedGuard) TryAcquire(key string) (func(), bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, held := g.active[key]; held {
		return nil, false
	}
	g.active[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.active, key)
			g.mu.Unlock()
		})
	}, true
}

// InFlight reports whether key is currently held
func (g *KeyedGuard) InFlight(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, held := g.active[key]
	return held
}

// Len returns the number of held keys
func (g *KeyedGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}
