package license

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// fakeFS reports the artifact as present while present is true and
// removes it on the first Remove.
type fakeFS struct {
	mu      sync.Mutex
	present bool
	err     error
	calls   int
}

func (f *fakeFS) Remove(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	if !f.present {
		return &fs.PathError{Op: "remove", Path: name, Err: fs.ErrNotExist}
	}
	f.present = false
	return nil
}

func (f *fakeFS) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestReconciler(fsys FS) (*Control, *Reconciler, *fakeClock) {
	ctl := NewControl()
	r := NewReconciler(ctl, fsys, "/tmp/test-plm.pid", 5*time.Second)
	clk := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	r.nowFunc = clk.Now
	return ctl, r, clk
}

func hold(t *testing.T, ctl *Control) {
	t.Helper()
	if _, ok := ctl.Gate().TryAcquire(); !ok {
		t.Fatalf("gate unexpectedly held")
	}
}

func TestReconcile_PresentArtifactReleasesGate(t *testing.T) {
	f := &fakeFS{present: true}
	ctl, r, clk := newTestReconciler(f)
	hold(t, ctl)

	got, err := r.Reconcile()
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got != OutcomeRemoved {
		t.Fatalf("expected removed, got %s", got)
	}
	if ctl.Gate().Held() {
		t.Fatalf("expected gate released")
	}
	if !r.LastReclaim().Equal(clk.Now()) {
		t.Fatalf("expected last reclaim stamped, got %v", r.LastReclaim())
	}
}

func TestReconcile_AbsentPastThresholdReleasesGate(t *testing.T) {
	f := &fakeFS{present: true}
	ctl, r, clk := newTestReconciler(f)

	// first reclaim stamps the timestamp
	if _, err := r.Reconcile(); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	hold(t, ctl)

	clk.Advance(5*time.Second + time.Millisecond)
	got, err := r.Reconcile()
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got != OutcomeAssumed {
		t.Fatalf("expected assumed, got %s", got)
	}
	if ctl.Gate().Held() {
		t.Fatalf("expected gate released")
	}
	if !r.LastReclaim().Equal(clk.Now()) {
		t.Fatalf("expected last reclaim updated")
	}
}

func TestReconcile_AbsentWithinThresholdLeavesGate(t *testing.T) {
	f := &fakeFS{present: true}
	ctl, r, clk := newTestReconciler(f)
	if _, err := r.Reconcile(); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	stamp := r.LastReclaim()
	hold(t, ctl)

	for _, d := range []time.Duration{0, time.Second, 4 * time.Second} {
		clk.now = stamp.Add(d)
		got, err := r.Reconcile()
		if err != nil {
			t.Fatalf("reconcile: %v", err)
		}
		if got != OutcomeNone {
			t.Fatalf("after %v expected none, got %s", d, got)
		}
		if !ctl.Gate().Held() {
			t.Fatalf("after %v gate should stay held", d)
		}
	}
	if !r.LastReclaim().Equal(stamp) {
		t.Fatalf("timestamp must not move inside the threshold")
	}
}

func TestReconcile_NoPriorReclaimCountsAsElapsed(t *testing.T) {
	ctl, r, _ := newTestReconciler(&fakeFS{})
	hold(t, ctl)
	got, err := r.Reconcile()
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got != OutcomeAssumed || ctl.Gate().Held() {
		t.Fatalf("expected assumed release, got %s held=%v", got, ctl.Gate().Held())
	}
}

func TestReconcile_FreeGateStaysFree(t *testing.T) {
	ctl, r, _ := newTestReconciler(&fakeFS{present: true})
	var hooks int
	r.OnReclaim(func(Reclaim) { hooks++ })
	if _, err := r.Reconcile(); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if ctl.Gate().Held() {
		t.Fatalf("gate must stay free")
	}
	if hooks != 0 {
		t.Fatalf("hook must only fire when a held gate was freed")
	}
}

func TestReconcile_SkipsWhileEngineRunning(t *testing.T) {
	f := &fakeFS{present: true}
	ctl, r, _ := newTestReconciler(f)
	if err := ctl.Admit(context.Background()); err != nil {
		t.Fatalf("admit: %v", err)
	}

	got, err := r.Reconcile()
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got != OutcomeBusy {
		t.Fatalf("expected busy, got %s", got)
	}
	if f.Calls() != 0 {
		t.Fatalf("artifact must not be touched while the engine runs")
	}

	ctl.Exited()
	if got, _ := r.Reconcile(); got != OutcomeRemoved {
		t.Fatalf("expected removed after exit, got %s", got)
	}
	if ctl.Gate().Held() {
		t.Fatalf("expected gate released after exit")
	}
}

func TestReconcile_FilesystemErrorIsReturned(t *testing.T) {
	f := &fakeFS{err: os.ErrPermission}
	ctl, r, _ := newTestReconciler(f)
	hold(t, ctl)

	_, err := r.Reconcile()
	if !errors.Is(err, os.ErrPermission) {
		t.Fatalf("expected permission error, got %v", err)
	}
	if !ctl.Gate().Held() {
		t.Fatalf("gate must be untouched on error")
	}
}

func TestReconcile_HookReceivesReclaim(t *testing.T) {
	ctl, r, clk := newTestReconciler(&fakeFS{present: true})
	hold(t, ctl)
	var got []Reclaim
	r.OnReclaim(func(rc Reclaim) { got = append(got, rc) })

	if _, err := r.Reconcile(); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one reclaim, got %d", len(got))
	}
	if got[0].Outcome != OutcomeRemoved || !got[0].WasHeld || !got[0].At.Equal(clk.Now()) {
		t.Fatalf("unexpected reclaim %+v", got[0])
	}
}

func TestReconcile_RealFilesystem(t *testing.T) {
	lock := filepath.Join(t.TempDir(), "plm.pid")
	if err := os.WriteFile(lock, []byte("4242\n"), 0o644); err != nil {
		t.Fatalf("write lock: %v", err)
	}
	ctl := NewControl()
	r := NewReconciler(ctl, nil, lock, 0)
	hold(t, ctl)

	got, err := r.Reconcile()
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got != OutcomeRemoved {
		t.Fatalf("expected removed, got %s", got)
	}
	if _, err := os.Stat(lock); !os.IsNotExist(err) {
		t.Fatalf("expected lock artifact deleted")
	}
}

func TestAdmit_RetriesWhenHoldReclaimed(t *testing.T) {
	ctl := NewControl()
	tok, _ := ctl.Gate().TryAcquire()
	// a reclaim between acquisition and registration invalidates tok
	ctl.Gate().Release()
	if ctl.Gate().Holds(tok) {
		t.Fatalf("token should be stale")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ctl.Admit(ctx); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if !ctl.Running() {
		t.Fatalf("expected admitted caller registered as running")
	}
}

func TestTryAdmit(t *testing.T) {
	ctl := NewControl()
	if !ctl.TryAdmit() {
		t.Fatalf("expected free gate to admit")
	}
	if !ctl.Running() {
		t.Fatalf("expected admitted caller registered as running")
	}
	if ctl.TryAdmit() {
		t.Fatalf("expected held gate to refuse")
	}
	ctl.Exited()
	if ctl.TryAdmit() {
		t.Fatalf("gate stays held until reclaimed")
	}
	ctl.Gate().Release()
	if !ctl.TryAdmit() {
		t.Fatalf("expected admission after release")
	}
}
