// Package license keeps the in-process admission gate consistent with the
// engine's on-disk license lock. A Control is shared by the simulation runner
// and the watchdog; the Reconciler infers that the gate may be released from
// the lock artifact disappearing, and the Watchdog drives it in the background.
package license

import (
	"context"
	"sync"

	"github.com/throw-if-null/simgate/internal/gate"
)

// Control is the concurrency-control state shared by one service instance.
type Control struct {
	gate *gate.Gate

	// mu orders admissions against reclaims.
	mu       sync.Mutex
	inflight int

	done chan struct{}
}

func NewControl() *Control {
	return &Control{
		gate: gate.New(),
		done: make(chan struct{}, 1),
	}
}

// Gate returns the admission gate.
func (c *Control) Gate() *gate.Gate { return c.gate }

// Admit blocks until the caller holds the gate and is registered as running
// the engine. A hold reclaimed between acquisition and registration is
// discarded and the caller waits again.
func (c *Control) Admit(ctx context.Context) error {
	for {
		tok, err := c.gate.Acquire(ctx)
		if err != nil {
			return err
		}
		c.mu.Lock()
		if c.gate.Holds(tok) {
			c.inflight++
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()
	}
}

// TryAdmit is Admit without waiting. It reports false when the gate is
// HELD.
func (c *Control) TryAdmit() bool {
	tok, ok := c.gate.TryAcquire()
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.gate.Holds(tok) {
		// reclaimed before registration; the slot is FREE again
		return false
	}
	c.inflight++
	return true
}

// Exited marks the end of an engine invocation started after Admit and fires
// the completion signal. The gate is left HELD for the reconciler.
func (c *Control) Exited() {
	c.mu.Lock()
	if c.inflight > 0 {
		c.inflight--
	}
	c.mu.Unlock()
	c.Notify()
}

// Notify fires the completion signal. Signals coalesce until consumed.
func (c *Control) Notify() {
	select {
	case c.done <- struct{}{}:
	default:
	}
}

// Completed is the completion signal channel. Receiving from it clears the
// signal.
func (c *Control) Completed() <-chan struct{} { return c.done }

// Running reports whether an engine invocation is in flight.
func (c *Control) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight > 0
}
