package simulation

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"

	"github.com/throw-if-null/simgate/internal/api"
	"github.com/throw-if-null/simgate/internal/engine"
	"github.com/throw-if-null/simgate/internal/paths"
)

const (
	modelPattern  = "simgate-*.bpmn"
	paramsPattern = "simgate-*.bpsim"
)

// staged tracks the files created for one run.
type staged struct {
	files   engine.Files
	created []string
}

// stage creates the empty output file, the input file holding the model and,
// when present, the parameter file. On error everything created so far is
// removed.
func stage(dir string, req *api.SimulateRequest) (_ *staged, err error) {
	dir, err = paths.StagingDir(dir)
	if err != nil {
		return nil, err
	}
	st := &staged{}
	defer func() {
		if err != nil {
			st.cleanup(nil)
		}
	}()

	if st.files.Output, err = st.create(dir, modelPattern, ""); err != nil {
		return nil, err
	}
	if st.files.Input, err = st.create(dir, modelPattern, req.BPMNModel); err != nil {
		return nil, err
	}
	if req.BPSimModel != nil {
		if st.files.Params, err = st.create(dir, paramsPattern, *req.BPSimModel); err != nil {
			return nil, err
		}
	}
	return st, nil
}

func (st *staged) create(dir, pattern, content string) (string, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", err
	}
	st.created = append(st.created, f.Name())
	if content != "" {
		if _, err := f.WriteString(content); err != nil {
			f.Close()
			return "", err
		}
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return f.Name(), nil
}

func (st *staged) cleanup(logger *slog.Logger) {
	for _, name := range st.created {
		if err := os.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) && logger != nil {
			logger.Warn("remove staged file", "path", name, "err", err)
		}
	}
	st.created = nil
}
