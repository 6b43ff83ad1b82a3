package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
)

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 8080
)

// SimulateRequest is the body of POST /simulate.
type SimulateRequest struct {
	BPMNModel  string   `json:"bpmn_model"`
	BPSimModel *string  `json:"bpsim_model,omitempty"`
	Diagram    *Diagram `json:"diagram,omitempty"`
	Scenarios  []string `json:"scenarios,omitempty"`
}

// Result is the outcome of one simulation. When Error is true Result holds
// the engine's diagnostics instead of a simulation artifact.
type Result struct {
	Result string `json:"result"`
	Error  bool   `json:"error"`
}

// Diagram selects a diagram either by name or by index. On the wire it is a
// JSON string or integer and keeps that kind when re-encoded; the engine
// always receives its string form.
type Diagram struct {
	value string
	index bool
}

var ErrInvalidDiagram = errors.New("diagram must be a string or integer")

func DiagramName(s string) *Diagram { return &Diagram{value: s} }

func DiagramIndex(i int) *Diagram { return &Diagram{value: strconv.Itoa(i), index: true} }

func (d Diagram) String() string { return d.value }

// IsIndex reports whether the diagram was given as an integer.
func (d Diagram) IsIndex() bool { return d.index }

func (d *Diagram) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		d.index = false
		return json.Unmarshal(b, &d.value)
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return ErrInvalidDiagram
	}
	i, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return ErrInvalidDiagram
	}
	d.value = strconv.FormatInt(i, 10)
	d.index = true
	return nil
}

func (d Diagram) MarshalJSON() ([]byte, error) {
	if d.index {
		return []byte(d.value), nil
	}
	return json.Marshal(d.value)
}

// RunStatus is the lifecycle state of a recorded simulation run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunError     RunStatus = "error"
)

// Run is the history record of one simulation request.
type Run struct {
	RunID       string    `json:"run_id"`
	Status      RunStatus `json:"status"`
	Diagram     string    `json:"diagram,omitempty"`
	Scenarios   []string  `json:"scenarios,omitempty"`
	Argv        []string  `json:"argv,omitempty"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	ErrorFlag   bool      `json:"error"`
	Diagnostics string    `json:"diagnostics,omitempty"`
	CreatedAt   string    `json:"created_at"`
	StartedAt   string    `json:"started_at,omitempty"`
	FinishedAt  string    `json:"finished_at,omitempty"`
}

// LicenseStatus is the body of GET /v1/license.
type LicenseStatus struct {
	LockPath      string `json:"lock_path"`
	GateHeld      bool   `json:"gate_held"`
	EngineRunning bool   `json:"engine_running"`
	LastReclaim   string `json:"last_reclaim,omitempty"`
	Reclaims      int64  `json:"reclaims"`
}
