package gate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestReleaseIsIdempotent(t *testing.T) {
	g := New()
	for i := 0; i < 5; i++ {
		if g.Release() {
			t.Fatalf("release %d on free gate reported held", i)
		}
		if g.Held() {
			t.Fatalf("gate held after release %d", i)
		}
	}

	if _, err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !g.Release() {
		t.Fatalf("expected first release to report held")
	}
	if g.Release() {
		t.Fatalf("expected second release to be a no-op")
	}
	if g.Held() {
		t.Fatalf("expected gate free")
	}
}

func TestTryAcquire(t *testing.T) {
	g := New()
	if _, ok := g.TryAcquire(); !ok {
		t.Fatalf("expected free gate to be acquired")
	}
	if _, ok := g.TryAcquire(); ok {
		t.Fatalf("expected held gate to refuse")
	}
	g.Release()
	if _, ok := g.TryAcquire(); !ok {
		t.Fatalf("expected gate to be acquirable after release")
	}
}

func TestHoldsDetectsReclaim(t *testing.T) {
	g := New()
	tok, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !g.Holds(tok) {
		t.Fatalf("expected token to hold the gate")
	}

	g.Release()
	if g.Holds(tok) {
		t.Fatalf("released token must not hold the gate")
	}

	next, ok := g.TryAcquire()
	if !ok {
		t.Fatalf("expected re-acquire")
	}
	if next == tok {
		t.Fatalf("expected a fresh token after release")
	}
	if g.Holds(tok) || !g.Holds(next) {
		t.Fatalf("only the fresh token should hold the gate")
	}
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	g := New()
	if _, err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		_, _ = g.Acquire(context.Background())
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatalf("second acquire should block while gate is held")
	case <-time.After(50 * time.Millisecond):
	}

	// release from a different goroutine than the holder
	go g.Release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("second acquire not admitted after release")
	}
	if !g.Held() {
		t.Fatalf("expected gate held by second acquirer")
	}
}

func TestAcquireHonoursContext(t *testing.T) {
	g := New()
	g.TryAcquire()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := g.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	cancelled, cancel2 := context.WithCancel(context.Background())
	cancel2()
	g.Release()
	if _, err := g.Acquire(cancelled); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled on free gate with dead ctx, got %v", err)
	}
	if g.Held() {
		t.Fatalf("cancelled acquire must not take the gate")
	}
}

func TestAtMostOneHolder(t *testing.T) {
	g := New()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Acquire(context.Background()); err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			g.Release()
		}()
	}
	wg.Wait()
	if maxInside.Load() != 1 {
		t.Fatalf("expected at most one holder, saw %d", maxInside.Load())
	}
}
