package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"chemdrive/internal/config"
)

var ErrWorkerNotFound = errors.New("worker entry point not found")

// Target selects one of the worker implementations.
type Target string

const (
	TargetReal    Target = "real"
	TargetVirtual Target = "virtual"
)

// Worker describes how to launch the device-control server and how to
// recognise it among the host's processes.
type Worker struct {
	Interpreter string
	Entries     map[Target]string
	Dir         string
	Env         []string // full environment; nil inherits the host's
	ReadyLine   string
	Signature   Signature
}

// Signature identifies a worker command line.
type Signature struct {
	Executable string
	Package    string
	MainScript string
}

// Match reports whether cmdline belongs to a worker: it contains the
// compiled executable name, or the package name together with the main
// script name and a .toml argument.
func (sig Signature) Match(cmdline string) bool {
	if sig.Executable != "" && strings.Contains(cmdline, sig.Executable) {
		return true
	}
	if sig.Package == "" || sig.MainScript == "" {
		return false
	}
	return strings.Contains(cmdline, sig.Package) &&
		strings.Contains(cmdline, sig.MainScript) &&
		strings.Contains(cmdline, ".toml")
}

func WorkerFromConfig(cfg config.WorkerConfig) Worker {
	return Worker{
		Interpreter: cfg.Interpreter,
		Entries: map[Target]string{
			TargetReal:    cfg.Entry,
			TargetVirtual: cfg.VirtualEntry,
		},
		Dir:       cfg.Directory,
		Env:       cfg.Env(),
		ReadyLine: cfg.ReadyLine,
		Signature: Signature{
			Executable: cfg.Executable,
			Package:    cfg.Package,
			MainScript: cfg.MainScript,
		},
	}
}

// command resolves the program and arguments for a run of target.
func (w Worker) command(target Target, configPath string) (string, []string, error) {
	entry := w.Entries[target]
	if entry == "" {
		return "", nil, fmt.Errorf("%w: no %s entry point configured", ErrWorkerNotFound, target)
	}

	if _, err := os.Stat(entry); err != nil {
		if w.Interpreter != "" {
			return "", nil, fmt.Errorf("%w: %w", ErrWorkerNotFound, err)
		}
		path, lerr := exec.LookPath(entry)
		if lerr != nil {
			return "", nil, fmt.Errorf("%w: %w", ErrWorkerNotFound, lerr)
		}
		entry = path
	}

	if w.Interpreter == "" {
		return entry, []string{configPath}, nil
	}
	return w.Interpreter, []string{entry, configPath}, nil
}
