// Package supervisor owns the lifecycle of the external device-control
// worker: launching it against a configuration file, classifying its
// output, and stopping it with an escalating sequence of signals.
//
// All methods except TerminateExisting and Subscribe must be called on the
// owning event loop. Events are delivered on that loop as well.
package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"chemdrive/internal/loop"
	"chemdrive/internal/models"
	"chemdrive/internal/notify"
)

const (
	maxLineSize = 1024 * 1024
	waitDelay   = time.Second
	timeLayout  = "2006-01-02 15:04:05"
)

// Listener receives supervisor events on the loop goroutine.
type Listener func(models.Event)

type Option func(*Supervisor)

func WithMetrics(m *Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

func WithProcessTable(t ProcessTable) Option {
	return func(s *Supervisor) { s.table = t }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

type Supervisor struct {
	loop    *loop.Loop
	worker  Worker
	metrics *Metrics
	table   ProcessTable
	logger  *slog.Logger

	events notify.Hub[models.Event]

	run     *run
	lastID  string
	current atomic.Int64 // pid of the live worker, 0 when idle

	graceTimeout     time.Duration
	terminateTimeout time.Duration
	killTimeout      time.Duration
}

type run struct {
	id      string
	cmd     *exec.Cmd
	pid     int
	started time.Time
	ready   bool
	exited  bool
	stop    *stopState
}

// RunInfo is a snapshot of the current worker run.
type RunInfo struct {
	ID      string
	Pid     int
	Started time.Time
	Ready   bool
}

func New(l *loop.Loop, w Worker, opts ...Option) *Supervisor {
	s := &Supervisor{
		loop:             l,
		worker:           w,
		table:            hostTable{},
		logger:           slog.Default(),
		graceTimeout:     3 * time.Second,
		terminateTimeout: time.Second,
		killTimeout:      time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers fn for every event and returns a function removing it.
func (s *Supervisor) Subscribe(fn Listener) (cancel func()) {
	return s.events.Subscribe(fn)
}

// IsRunning reports whether a worker process is alive.
func (s *Supervisor) IsRunning() bool {
	return s.run != nil
}

// Info returns the current run, if any.
func (s *Supervisor) Info() (RunInfo, bool) {
	if s.run == nil {
		return RunInfo{}, false
	}
	return RunInfo{
		ID:      s.run.id,
		Pid:     s.run.pid,
		Started: s.run.started,
		Ready:   s.run.ready,
	}, true
}

// Start launches the worker against the configuration file at configPath.
// It returns false when the worker could not be located or spawned.
func (s *Supervisor) Start(configPath string, virtual bool) bool {
	if s.run != nil {
		s.warning("The process is already running.")
		return true
	}

	target := TargetReal
	if virtual {
		target = TargetVirtual
	}
	name, args, err := s.worker.command(target, configPath)
	if err != nil {
		s.failure("Could not locate the worker module.")
		s.logf("Error: %v", err)
		s.metrics.launch("not_found")
		return false
	}

	cmd := exec.Command(name, args...)
	cmd.Dir = s.worker.Dir
	cmd.Env = s.worker.Env
	cmd.SysProcAttr = sysProcAttr()
	cmd.WaitDelay = waitDelay

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		outW.Close()
		errW.Close()
		s.failure("Details in log window.")
		s.logf("Error: failed to start worker: %v", err)
		s.metrics.launch("spawn_failed")
		return false
	}

	r := &run{
		id:      uuid.NewString(),
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		started: time.Now(),
	}
	s.run = r
	s.lastID = r.id
	s.current.Store(int64(r.pid))
	s.metrics.launch("started")
	s.metrics.setRunning(true)

	s.logger.Info("worker started", "pid", r.pid, "run_id", r.id, "config", configPath, "target", target)
	s.logf("Process started with PID %d (%s)", r.pid, strings.Join(cmd.Args, " "))
	s.success("Status: Connecting ...")

	var readers sync.WaitGroup
	readers.Add(2)
	go s.read(r, outR, false, &readers)
	go s.read(r, errR, true, &readers)
	go s.wait(r, &readers, outW, errW)
	return true
}

func (s *Supervisor) read(r *run, rd io.Reader, stderr bool, wg *sync.WaitGroup) {
	defer wg.Done()

	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		s.loop.Post(func() { s.handleLine(r, line, stderr) })
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("worker output unreadable", "run_id", r.id, "error", err)
		// Keep draining so the worker never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, rd)
	}
}

func (s *Supervisor) wait(r *run, readers *sync.WaitGroup, writers ...io.Closer) {
	err := r.cmd.Wait()
	for _, w := range writers {
		w.Close()
	}
	readers.Wait()
	s.loop.Post(func() { s.handleExit(r, err) })
}

func (s *Supervisor) handleLine(r *run, line string, stderr bool) {
	if !stderr {
		s.logRun(r, "Process report Output: %s", line)
		return
	}

	s.logRun(r, "Process report: %s", line)
	if r != s.run {
		return
	}
	if !r.ready && s.worker.ReadyLine != "" && strings.Contains(line, s.worker.ReadyLine) {
		r.ready = true
		s.metrics.readyAfter(time.Since(r.started))
		s.logger.Info("worker ready", "pid", r.pid, "run_id", r.id)
		s.emit(models.Event{Kind: models.EventProcessStarted, Message: "Process is running."})
	}
	if msg, ok := advisory(line); ok {
		s.metrics.advisory()
		s.failure(msg)
	}
}

func (s *Supervisor) handleExit(r *run, err error) {
	r.exited = true
	if s.run == r {
		s.run = nil
		s.current.Store(0)
		s.metrics.setRunning(false)
	}

	code, crashed := exitStatus(r.cmd.ProcessState)
	if crashed {
		s.logRun(r, "Process crashed with exit code %d", code)
	} else {
		s.logRun(r, "Process finished with exit code %d", code)
	}
	s.logger.Info("worker exited", "pid", r.pid, "run_id", r.id, "code", code, "error", err)

	if r.stop != nil {
		s.finishStop(r)
		return
	}
	s.emitRun(r, models.Event{Kind: models.EventProcessExited, ExitCode: code})
}

func exitStatus(ps *os.ProcessState) (int, bool) {
	if ps == nil {
		return -1, true
	}
	return ps.ExitCode(), !ps.Exited()
}

// Close kills a live worker without escalation. It is used on shutdown,
// after which no further events are delivered.
func (s *Supervisor) Close() {
	r := s.run
	if r == nil {
		return
	}
	if r.stop != nil && r.stop.timer != nil {
		r.stop.timer.Stop()
	}
	if err := kill(r.cmd.Process); err != nil {
		s.logger.Warn("kill worker on shutdown", "pid", r.pid, "error", err)
	}
}

func (s *Supervisor) success(msg string) {
	s.emit(models.Event{Kind: models.EventSuccess, Message: msg})
}

func (s *Supervisor) warning(msg string) {
	s.logger.Warn(msg)
	s.emit(models.Event{Kind: models.EventWarning, Message: msg})
}

func (s *Supervisor) failure(msg string) {
	s.logger.Error(msg)
	s.emit(models.Event{Kind: models.EventError, Message: msg})
}

func (s *Supervisor) logf(format string, args ...any) {
	s.logRun(s.run, format, args...)
}

// logRun emits a timestamped audit line attributed to r.
func (s *Supervisor) logRun(r *run, format string, args ...any) {
	msg := fmt.Sprintf("[%s] %s", time.Now().Format(timeLayout), fmt.Sprintf(format, args...))
	s.emitRun(r, models.Event{Kind: models.EventLog, Message: msg})
}

func (s *Supervisor) emit(ev models.Event) {
	s.emitRun(s.run, ev)
}

func (s *Supervisor) emitRun(r *run, ev models.Event) {
	ev.Time = time.Now()
	if r != nil {
		ev.RunID = r.id
	} else if ev.RunID == "" {
		ev.RunID = s.lastID
	}
	s.events.Publish(ev)
}

// post delivers an event from outside the loop.
func (s *Supervisor) post(ev models.Event) {
	s.loop.Post(func() { s.emit(ev) })
}
