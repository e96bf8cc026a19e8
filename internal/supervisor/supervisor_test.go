package supervisor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"chemdrive/internal/loop"
	"chemdrive/internal/models"
)

const readyLine = "Uvicorn running on"

type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) record(ev models.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) all() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

func (r *recorder) count(kind models.EventKind) int {
	n := 0
	for _, ev := range r.all() {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) has(kind models.EventKind, msg string) bool {
	return slices.ContainsFunc(r.all(), func(ev models.Event) bool {
		return ev.Kind == kind && ev.Message == msg
	})
}

type harness struct {
	sup     *Supervisor
	loop    *loop.Loop
	events  *recorder
	reg     *prometheus.Registry
	config  string
	scripts string
}

func newHarness(t *testing.T, script string) *harness {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	dir := t.TempDir()
	entry := filepath.Join(dir, "worker.sh")
	require.NoError(t, os.WriteFile(entry, []byte(script), 0o755))
	cfg := filepath.Join(dir, "devices.toml")
	require.NoError(t, os.WriteFile(cfg, []byte("[device.pump]\n"), 0o644))

	l := loop.New()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = l.Run(context.Background())
	}()

	reg := prometheus.NewRegistry()
	sup := New(l, Worker{
		Interpreter: "sh",
		Entries:     map[Target]string{TargetReal: entry, TargetVirtual: entry},
		ReadyLine:   readyLine,
	}, WithMetrics(NewMetrics(reg)), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	sup.graceTimeout = 300 * time.Millisecond
	sup.terminateTimeout = 300 * time.Millisecond
	sup.killTimeout = 300 * time.Millisecond

	h := &harness{sup: sup, loop: l, events: &recorder{}, reg: reg, config: cfg, scripts: dir}
	sup.Subscribe(h.events.record)

	t.Cleanup(func() {
		_ = l.Call(context.Background(), sup.Close)
		l.Close()
		wg.Wait()
	})
	return h
}

func (h *harness) do(t *testing.T, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.loop.Call(ctx, fn))
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	var ok bool
	h.do(t, func() { ok = h.sup.Start(h.config, false) })
	require.True(t, ok)
}

func (h *harness) running(t *testing.T) bool {
	t.Helper()
	var running bool
	h.do(t, func() { running = h.sup.IsRunning() })
	return running
}

func (h *harness) eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 20*time.Millisecond)
}

const servingWorker = `
echo "starting" 1>&2
echo "INFO:     Uvicorn running on http://127.0.0.1:8000 (Press CTRL+C to quit)" 1>&2
echo "INFO:     Uvicorn running on http://127.0.0.1:8000 again" 1>&2
echo "plain output"
while true; do sleep 0.1; done
`

func TestStartReady(t *testing.T) {
	h := newHarness(t, servingWorker)
	h.start(t)

	h.eventually(t, func() bool { return h.events.count(models.EventProcessStarted) == 1 })
	require.True(t, h.events.has(models.EventSuccess, "Status: Connecting ..."))
	h.eventually(t, func() bool {
		return slices.ContainsFunc(h.events.all(), func(ev models.Event) bool {
			return ev.Kind == models.EventLog && strings.HasSuffix(ev.Message, "] Process report Output: plain output")
		})
	})

	var info RunInfo
	var ok bool
	h.do(t, func() { info, ok = h.sup.Info() })
	require.True(t, ok)
	require.True(t, info.Ready)
	require.NotEmpty(t, info.ID)
	require.Positive(t, info.Pid)

	// The readiness line appears twice but is reported once.
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, h.events.count(models.EventProcessStarted))
	require.Equal(t, float64(1), testutil.ToFloat64(h.sup.metrics.running))
	require.Equal(t, float64(1), testutil.ToFloat64(h.sup.metrics.launches.WithLabelValues("started")))
}

func TestStartWhileRunning(t *testing.T) {
	h := newHarness(t, servingWorker)
	h.start(t)
	h.start(t)
	require.True(t, h.events.has(models.EventWarning, "The process is already running."))
}

func TestStartMissingEntry(t *testing.T) {
	h := newHarness(t, servingWorker)
	h.sup.worker.Entries[TargetVirtual] = filepath.Join(h.scripts, "missing.sh")

	var ok bool
	h.do(t, func() { ok = h.sup.Start(h.config, true) })
	require.False(t, ok)
	require.True(t, h.events.has(models.EventError, "Could not locate the worker module."))
	require.False(t, h.running(t))
}

func TestStartSpawnFailure(t *testing.T) {
	h := newHarness(t, servingWorker)
	h.sup.worker.Interpreter = filepath.Join(h.scripts, "no-such-interpreter")

	var ok bool
	h.do(t, func() { ok = h.sup.Start(h.config, false) })
	require.False(t, ok)
	require.True(t, h.events.has(models.EventError, "Details in log window."))
	require.Equal(t, float64(1), testutil.ToFloat64(h.sup.metrics.launches.WithLabelValues("spawn_failed")))
}

func TestAdvisoryError(t *testing.T) {
	h := newHarness(t, `
echo "Traceback (most recent call last):" 1>&2
echo "AssertionError: Port COM4 is busy" 1>&2
while true; do sleep 0.1; done
`)
	h.start(t)

	h.eventually(t, func() bool { return h.events.has(models.EventError, "Port COM4 is busy") })
	require.True(t, h.running(t))
}

func TestUnexpectedExit(t *testing.T) {
	h := newHarness(t, "echo boom 1>&2\nexit 3\n")
	h.start(t)

	h.eventually(t, func() bool { return h.events.count(models.EventProcessExited) == 1 })
	var exited models.Event
	for _, ev := range h.events.all() {
		if ev.Kind == models.EventProcessExited {
			exited = ev
		}
	}
	require.Equal(t, 3, exited.ExitCode)
	require.Zero(t, h.events.count(models.EventProcessStopped))
	require.False(t, h.running(t))
}

func TestStopGraceful(t *testing.T) {
	h := newHarness(t, `
trap 'exit 0' INT
echo "INFO:     Uvicorn running on http://127.0.0.1:8000" 1>&2
while true; do sleep 0.1; done
`)
	h.sup.graceTimeout = 3 * time.Second
	h.start(t)
	h.eventually(t, func() bool { return h.events.count(models.EventProcessStarted) == 1 })

	h.do(t, h.sup.Stop)
	h.do(t, h.sup.Stop)

	h.eventually(t, func() bool { return h.events.count(models.EventProcessStopped) == 1 })
	require.True(t, h.events.has(models.EventWarning, "Attempting to stop the process gracefully..."))
	require.True(t, h.events.has(models.EventSuccess, "Process terminated gracefully."))
	require.False(t, h.running(t))

	time.Sleep(time.Second)
	require.Equal(t, 1, h.events.count(models.EventProcessStopped))
	require.Zero(t, h.events.count(models.EventProcessExited))
}

func TestStopEscalatesToKill(t *testing.T) {
	h := newHarness(t, `
trap '' INT
trap '' TERM
echo "INFO:     Uvicorn running on http://127.0.0.1:8000" 1>&2
while true; do sleep 0.1; done
`)
	h.sup.killTimeout = 3 * time.Second
	h.start(t)
	h.eventually(t, func() bool { return h.events.count(models.EventProcessStarted) == 1 })

	h.do(t, h.sup.Stop)

	h.eventually(t, func() bool { return h.events.count(models.EventProcessStopped) == 1 })
	require.True(t, h.events.has(models.EventWarning, "Graceful stop failed, forcing termination."))
	require.True(t, h.events.has(models.EventSuccess, "Process killed."))
	require.False(t, h.running(t))
	require.Equal(t, float64(1), testutil.ToFloat64(h.sup.metrics.escalations.WithLabelValues("kill")))

	time.Sleep(time.Second)
	require.Equal(t, 1, h.events.count(models.EventProcessStopped))
}

func TestStopNotRunning(t *testing.T) {
	h := newHarness(t, servingWorker)
	h.do(t, h.sup.Stop)

	require.Len(t, h.events.all(), 1)
	ev := h.events.all()[0]
	require.Equal(t, models.EventLog, ev.Kind)
	require.Contains(t, ev.Message, "Process was not running.")
	require.Zero(t, h.events.count(models.EventProcessStopped))
}

func TestStopCouldNotTerminate(t *testing.T) {
	h := newHarness(t, servingWorker)

	// A run whose exit is never observed stands in for an unkillable worker.
	cmd := exec.Command("sh", "-c", "exit 0")
	require.NoError(t, cmd.Run())
	h.do(t, func() {
		h.sup.run = &run{id: "stuck", cmd: cmd, pid: cmd.Process.Pid, started: time.Now()}
		h.sup.Stop()
	})

	h.eventually(t, func() bool { return h.events.count(models.EventProcessStopped) == 1 })
	require.True(t, h.events.has(models.EventError, "Process could not be terminated."))

	h.do(t, func() { h.sup.run = nil })
}

func TestStopAfterFailedEscalation(t *testing.T) {
	h := newHarness(t, servingWorker)

	cmd := exec.Command("sh", "-c", "exit 0")
	require.NoError(t, cmd.Run())
	h.do(t, func() {
		h.sup.run = &run{id: "stuck", cmd: cmd, pid: cmd.Process.Pid, started: time.Now()}
		h.sup.Stop()
	})
	h.eventually(t, func() bool { return h.events.count(models.EventProcessStopped) == 1 })

	// The second stop concludes without waiting for another escalation.
	h.do(t, h.sup.Stop)
	require.Equal(t, 2, h.events.count(models.EventProcessStopped))
	require.False(t, slices.ContainsFunc(h.events.all(), func(ev models.Event) bool {
		return strings.HasSuffix(ev.Message, "Process is already stopping.")
	}))

	h.do(t, func() { h.sup.run = nil })
}

func TestUnsubscribe(t *testing.T) {
	h := newHarness(t, servingWorker)
	second := &recorder{}
	cancel := h.sup.Subscribe(second.record)

	h.do(t, h.sup.Stop)
	cancel()
	h.do(t, h.sup.Stop)

	require.Len(t, second.all(), 1)
	require.Len(t, h.events.all(), 2)
}
