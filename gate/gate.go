// Package gate bounds how many sandbox creations may be in flight at once.
//
// Container creation is the most expensive engine call; the gate caps
// concurrent creations engine-wide so a burst of executors cannot pile up
// timeouts on the engine side.
package gate

import (
	"fmt"
	"sync"
)

// DefaultCeiling is the creation limit used when none is configured.
const DefaultCeiling = 3

// Gate is a counter with a fixed ceiling. The zero value is not usable; use New.
type Gate struct {
	mu       sync.Mutex
	inFlight int
	ceiling  int
}

// New creates a gate admitting at most ceiling concurrent holders.
func New(ceiling int) (*Gate, error) {
	if ceiling <= 0 {
		return nil, fmt.Errorf("gate ceiling must be positive, got: %d", ceiling)
	}
	return &Gate{ceiling: ceiling}, nil
}

// TryAcquire takes a slot if one is free. It never blocks.
func (g *Gate) TryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight >= g.ceiling {
		return false
	}
	g.inFlight++
	return true
}

// Release returns a slot taken by TryAcquire. Releasing an idle gate is a no-op.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight > 0 {
		g.inFlight--
	}
}

// InFlight returns the number of slots currently held.
func (g *Gate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

// Ceiling returns the configured limit.
func (g *Gate) Ceiling() int {
	return g.ceiling
}
