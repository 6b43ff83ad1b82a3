// Package gate provides the single-slot admission gate guarding the simulation
// engine. Any goroutine may release the gate, not only the one that acquired
// it, and releasing a free gate is a no-op.
package gate

import (
	"context"
	"sync"
)

// Token identifies one holding of the gate. Every release that frees a held
// gate issues a new token, so a holder can detect that its hold was reclaimed.
type Token uint64

// Gate is a single-slot mutual exclusion token with FREE and HELD states.
// The gate is FREE while a token sits in slot.
type Gate struct {
	slot chan Token

	mu  sync.Mutex
	gen Token
}

func New() *Gate {
	g := &Gate{slot: make(chan Token, 1)}
	g.slot <- 0
	return g
}

// Acquire blocks until the gate is FREE and marks it HELD. It returns the
// context error if ctx is done before the gate could be taken.
func (g *Gate) Acquire(ctx context.Context) (Token, error) {
	// an already-cancelled ctx must never win a race against a free slot
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	select {
	case tok := <-g.slot:
		return tok, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// TryAcquire takes the gate if it is FREE.
func (g *Gate) TryAcquire() (Token, bool) {
	select {
	case tok := <-g.slot:
		return tok, true
	default:
		return 0, false
	}
}

// Release marks the gate FREE. It reports whether the gate was HELD.
func (g *Gate) Release() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.slot) != 0 {
		return false
	}
	g.gen++
	g.slot <- g.gen
	return true
}

// Held reports whether the gate is currently HELD.
func (g *Gate) Held() bool {
	return len(g.slot) == 0
}

// Holds reports whether tok still identifies the current hold, i.e. the gate
// is HELD and has not been released since tok was handed out.
func (g *Gate) Holds(tok Token) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.slot) == 0 && g.gen == tok
}
