package license

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultLockPath is where the engine keeps its license lock.
const DefaultLockPath = "/tmp/plm.pid"

// DefaultReclaimThreshold bounds how often an absent lock artifact is taken
// as permission to release the gate.
const DefaultReclaimThreshold = 5 * time.Second

// FS is the part of the filesystem the reconciler touches.
type FS interface {
	Remove(name string) error
}

// OSFS removes files on the local filesystem.
type OSFS struct{}

func (OSFS) Remove(name string) error { return os.Remove(name) }

// Outcome describes what a single reconcile pass did.
type Outcome int

const (
	// OutcomeNone: artifact absent and a reclaim happened recently.
	OutcomeNone Outcome = iota
	// OutcomeBusy: an engine invocation is running, nothing was touched.
	OutcomeBusy
	// OutcomeRemoved: the artifact was found and deleted, gate released.
	OutcomeRemoved
	// OutcomeAssumed: artifact absent long enough to assume an external
	// cleanup, gate released.
	OutcomeAssumed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeBusy:
		return "busy"
	case OutcomeRemoved:
		return "removed"
	case OutcomeAssumed:
		return "assumed"
	default:
		return "none"
	}
}

// Reclaim is reported to the reclaim hook whenever a pass released the gate.
type Reclaim struct {
	Outcome Outcome
	At      time.Time
	// WasHeld is false when the release found the gate already FREE.
	WasHeld bool
}

// Reconciler releases the admission gate once the engine's lock artifact is
// gone.
type Reconciler struct {
	ctl       *Control
	fs        FS
	path      string
	threshold time.Duration
	nowFunc   func() time.Time

	mu          sync.Mutex
	lastReclaim time.Time
	onReclaim   func(Reclaim)
}

// NewReconciler builds a reconciler for the lock artifact at path. A zero
// threshold selects DefaultReclaimThreshold; a nil fs selects OSFS.
func NewReconciler(ctl *Control, fsys FS, path string, threshold time.Duration) *Reconciler {
	if fsys == nil {
		fsys = OSFS{}
	}
	if path == "" {
		path = DefaultLockPath
	}
	if threshold <= 0 {
		threshold = DefaultReclaimThreshold
	}
	return &Reconciler{
		ctl:       ctl,
		fs:        fsys,
		path:      path,
		threshold: threshold,
		nowFunc:   time.Now,
	}
}

// OnReclaim registers fn to be called after every pass that freed a HELD
// gate. fn runs on the reconciling goroutine.
func (r *Reconciler) OnReclaim(fn func(Reclaim)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReclaim = fn
}

// LastReclaim returns the time of the last release, zero if none happened.
func (r *Reconciler) LastReclaim() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastReclaim
}

// LockPath returns the watched lock artifact path.
func (r *Reconciler) LockPath() string { return r.path }

// Reconcile runs one pass. Filesystem errors other than not-exist are
// returned and leave the gate untouched.
func (r *Reconciler) Reconcile() (Outcome, error) {
	r.ctl.mu.Lock()
	if r.ctl.inflight > 0 {
		r.ctl.mu.Unlock()
		return OutcomeBusy, nil
	}

	var (
		outcome = OutcomeNone
		rec     Reclaim
	)
	err := r.fs.Remove(r.path)
	switch {
	case err == nil:
		outcome = OutcomeRemoved
		rec = r.release(outcome)
	case errors.Is(err, fs.ErrNotExist):
		if r.nowFunc().Sub(r.LastReclaim()) > r.threshold {
			// assume the artifact was removed by someone else
			outcome = OutcomeAssumed
			rec = r.release(outcome)
		}
	default:
		r.ctl.mu.Unlock()
		return OutcomeNone, fmt.Errorf("remove lock artifact %s: %w", r.path, err)
	}
	r.ctl.mu.Unlock()

	if outcome == OutcomeRemoved || outcome == OutcomeAssumed {
		r.report(rec)
	}
	return outcome, nil
}

// release must be called with ctl.mu held.
func (r *Reconciler) release(outcome Outcome) Reclaim {
	wasHeld := r.ctl.gate.Release()
	now := r.nowFunc()
	r.mu.Lock()
	r.lastReclaim = now
	r.mu.Unlock()
	return Reclaim{Outcome: outcome, At: now, WasHeld: wasHeld}
}

func (r *Reconciler) report(rec Reclaim) {
	if !rec.WasHeld {
		return
	}
	_, span := otel.Tracer("simgate").Start(context.Background(), "simgate.reclaim")
	span.SetAttributes(
		attribute.String("reclaim.outcome", rec.Outcome.String()),
		attribute.String("lock.path", r.path),
	)
	span.End()

	r.mu.Lock()
	fn := r.onReclaim
	r.mu.Unlock()
	if fn != nil {
		fn(rec)
	}
}

// Status is a point-in-time view of the license state.
type Status struct {
	LockPath      string
	GateHeld      bool
	EngineRunning bool
	LastReclaim   time.Time
}

func (r *Reconciler) Status() Status {
	return Status{
		LockPath:      r.path,
		GateHeld:      r.ctl.gate.Held(),
		EngineRunning: r.ctl.Running(),
		LastReclaim:   r.LastReclaim(),
	}
}
