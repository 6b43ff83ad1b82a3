// Package simulation runs simulation requests through the external engine
// under the admission gate.
package simulation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/throw-if-null/simgate/internal/api"
	"github.com/throw-if-null/simgate/internal/engine"
	"github.com/throw-if-null/simgate/internal/license"
	"github.com/throw-if-null/simgate/internal/paths"
)

var (
	ErrStaging     = errors.New("staging failed")
	ErrEngineStart = errors.New("engine invocation failed")
	ErrOutput      = errors.New("engine output unreadable")
	ErrNotAdmitted = errors.New("gave up waiting for the engine")
)

// Recorder receives the lifecycle of every run. Implemented by store.Store.
type Recorder interface {
	CreateRun(runID, diagram string, scenarios []string) error
	MarkRunning(runID string, argv []string) error
	FinishRun(runID string, status api.RunStatus, exitCode *int, errorFlag bool, diagnostics string) error
}

// Config controls how the engine is invoked.
type Config struct {
	// Command is the engine program and any leading arguments.
	Command []string
	// StagingDir holds staged files; empty means the system temp dir.
	StagingDir string
	// Env is appended to the inherited environment of the engine.
	Env []string
}

type Runner struct {
	ctl    *license.Control
	exe    engine.CommandRunner
	cfg    Config
	rec    Recorder
	logger *slog.Logger
}

// NewRunner wires a runner. rec may be nil.
func NewRunner(ctl *license.Control, exe engine.CommandRunner, cfg Config, rec Recorder, logger *slog.Logger) *Runner {
	if len(cfg.Command) == 0 {
		cfg.Command = []string{engine.DefaultCommand}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{ctl: ctl, exe: exe, cfg: cfg, rec: rec, logger: logger}
}

// Run simulates req under a fresh run id.
func (r *Runner) Run(ctx context.Context, req *api.SimulateRequest) (api.Result, error) {
	return r.Execute(ctx, paths.NewRunID(), req)
}

// Execute simulates req. An engine that ran and exited non-zero is not an
// error: its diagnostics come back as a Result with Error set. The returned
// error covers staging, abandoning the wait for the gate, and engine
// invocations that could not be started. The gate is never released here;
// the license watchdog frees it once the engine's lock artifact is gone.
func (r *Runner) Execute(ctx context.Context, runID string, req *api.SimulateRequest) (api.Result, error) {
	ctx, span := otel.Tracer("simgate").Start(ctx, "simgate.simulation",
		trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	diagram := ""
	if req.Diagram != nil {
		diagram = req.Diagram.String()
	}
	r.record("create", runID, func(rec Recorder) error { return rec.CreateRun(runID, diagram, req.Scenarios) })
	span.AddEvent("run.queued")

	st, err := stage(r.cfg.StagingDir, req)
	if err != nil {
		return r.abort(span, runID, fmt.Errorf("%w: %v", ErrStaging, err))
	}
	defer st.cleanup(r.logger)

	argv := engine.Argv(r.cfg.Command, req, st.files)

	if err := r.admit(ctx, span, runID); err != nil {
		return r.abort(span, runID, fmt.Errorf("%w: %w", ErrNotAdmitted, err))
	}
	span.AddEvent("gate.acquired")
	r.record("mark running", runID, func(rec Recorder) error { return rec.MarkRunning(runID, argv) })
	r.logger.Info("running engine", "run_id", runID, "argv", argv)

	var stdout, stderr bytes.Buffer
	code, runErr := r.invoke(ctx, argv, &stdout, &stderr)
	span.AddEvent("engine.exited", trace.WithAttributes(attribute.Int("engine.exit_code", code)))

	if stdout.Len() > 0 {
		r.logger.Debug("engine stdout", "run_id", runID, "stdout", stdout.String())
	}
	if runErr != nil {
		return r.abort(span, runID, fmt.Errorf("%w: %v", ErrEngineStart, runErr))
	}

	diagnostics := stderr.String()
	if code != 0 {
		r.logger.Info("engine failed", "run_id", runID, "exit_code", code, "stderr", diagnostics)
		span.SetStatus(codes.Error, "engine exit "+fmt.Sprint(code))
		r.finish(runID, api.RunFailed, &code, true, diagnostics)
		return api.Result{Result: diagnostics, Error: true}, nil
	}
	if diagnostics != "" {
		r.logger.Debug("engine stderr", "run_id", runID, "stderr", diagnostics)
	}

	out, err := os.ReadFile(st.files.Output)
	if err != nil {
		return r.abort(span, runID, fmt.Errorf("%w: %v", ErrOutput, err))
	}
	r.finish(runID, api.RunSucceeded, &code, false, diagnostics)
	span.SetStatus(codes.Ok, "")
	return api.Result{Result: string(out), Error: false}, nil
}

// admit takes the gate, noting on the span when the caller has to queue.
func (r *Runner) admit(ctx context.Context, span trace.Span, runID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.ctl.TryAdmit() {
		return nil
	}
	span.AddEvent("gate.waiting")
	r.logger.Debug("waiting for the engine", "run_id", runID)
	return r.ctl.Admit(ctx)
}

// invoke runs the engine to completion; once started the child ignores ctx.
// Exited fires on every path, a panicking CommandRunner included.
func (r *Runner) invoke(ctx context.Context, argv []string, stdout, stderr io.Writer) (int, error) {
	defer r.ctl.Exited()
	return r.exe.Run(context.WithoutCancel(ctx), argv, r.cfg.Env, stdout, stderr)
}

func (r *Runner) abort(span trace.Span, runID string, err error) (api.Result, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	r.logger.Error("simulation aborted", "run_id", runID, "err", err)
	r.finish(runID, api.RunError, nil, true, err.Error())
	return api.Result{}, err
}

func (r *Runner) finish(runID string, status api.RunStatus, code *int, errorFlag bool, diagnostics string) {
	r.record("finish", runID, func(rec Recorder) error {
		return rec.FinishRun(runID, status, code, errorFlag, diagnostics)
	})
}

// record failures never change a simulation result.
func (r *Runner) record(op, runID string, fn func(Recorder) error) {
	if r.rec == nil {
		return
	}
	if err := fn(r.rec); err != nil {
		r.logger.Warn("run history update failed", "op", op, "run_id", runID, "err", err)
	}
}
