// Package engine knows how to invoke the external simulation engine: the
// argument contract and the child-process runner.
package engine

import (
	"strings"

	"github.com/throw-if-null/simgate/internal/api"
)

// DefaultCommand is the engine executable.
const DefaultCommand = "pragmaprocesscommand"

const subcommand = "simulate"

// SelectorArgs returns the subcommand followed by the optional diagram and
// scenario flags. Scenario order is preserved.
func SelectorArgs(req *api.SimulateRequest) []string {
	args := []string{subcommand}
	if req.Diagram != nil {
		args = append(args, "-d", req.Diagram.String())
	}
	if req.Scenarios != nil {
		args = append(args, "-s", strings.Join(req.Scenarios, ","))
	}
	return args
}

// Files names the staged files handed to the engine. Params is empty when
// the request carried no parameter document.
type Files struct {
	Output string
	Input  string
	Params string
}

// Argv assembles the full command line: program, selector args, then
// -o <output> <input> [<params>].
func Argv(command []string, req *api.SimulateRequest, f Files) []string {
	argv := append([]string{}, command...)
	argv = append(argv, SelectorArgs(req)...)
	argv = append(argv, "-o", f.Output, f.Input)
	if f.Params != "" {
		argv = append(argv, f.Params)
	}
	return argv
}
