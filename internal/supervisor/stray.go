package supervisor

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"chemdrive/internal/models"
)

const strayPollInterval = 100 * time.Millisecond

// ProcessTable lists the processes of the host.
type ProcessTable interface {
	Processes(ctx context.Context) ([]HostProcess, error)
}

// HostProcess is a process found in the ProcessTable.
type HostProcess interface {
	PID() int32
	Cmdline(ctx context.Context) (string, error)
	Terminate(ctx context.Context) error
	Running(ctx context.Context) (bool, error)
}

type hostTable struct{}

func (hostTable) Processes(ctx context.Context) ([]HostProcess, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]HostProcess, len(procs))
	for i, p := range procs {
		out[i] = hostProcess{p}
	}
	return out, nil
}

type hostProcess struct {
	p *process.Process
}

func (h hostProcess) PID() int32 { return h.p.Pid }

func (h hostProcess) Cmdline(ctx context.Context) (string, error) {
	return h.p.CmdlineWithContext(ctx)
}

func (h hostProcess) Terminate(ctx context.Context) error {
	return h.p.TerminateWithContext(ctx)
}

func (h hostProcess) Running(ctx context.Context) (bool, error) {
	return h.p.IsRunningWithContext(ctx)
}

// TerminateExisting looks for a worker left over from a previous session
// and terminates the first one found. It blocks until that process is gone
// or ctx ends, so call it off the loop. Events are posted to the loop.
func (s *Supervisor) TerminateExisting(ctx context.Context) (bool, error) {
	s.post(models.Event{Kind: models.EventSuccess, Message: "Looking for worker processes already running ..."})

	procs, err := s.table.Processes(ctx)
	if err != nil {
		s.post(models.Event{Kind: models.EventError, Message: "Could not list running processes."})
		return false, fmt.Errorf("list processes: %w", err)
	}

	self := int32(os.Getpid())
	own := int32(s.current.Load())
	for _, p := range procs {
		pid := p.PID()
		if pid == self || (own != 0 && pid == own) {
			continue
		}
		cmdline, err := p.Cmdline(ctx)
		if err != nil || !s.worker.Signature.Match(cmdline) {
			continue
		}

		s.post(models.Event{
			Kind:    models.EventSuccess,
			Message: fmt.Sprintf("Found existing process %d: %s. Terminating...", pid, cmdline),
		})
		if err := p.Terminate(ctx); err != nil {
			s.post(models.Event{Kind: models.EventError, Message: fmt.Sprintf("Could not terminate process %d.", pid)})
			return true, fmt.Errorf("terminate %d: %w", pid, err)
		}
		if err := waitGone(ctx, p); err != nil {
			s.post(models.Event{Kind: models.EventError, Message: fmt.Sprintf("Process %d did not exit.", pid)})
			return true, err
		}
		s.metrics.stray()
		s.logger.Info("terminated leftover worker", "pid", pid)
		s.post(models.Event{Kind: models.EventSuccess, Message: "Existing process terminated."})
		return true, nil
	}

	s.post(models.Event{Kind: models.EventLog, Message: fmt.Sprintf("[%s] No existing worker process found.", time.Now().Format(timeLayout))})
	return false, nil
}

func waitGone(ctx context.Context, p HostProcess) error {
	ticker := time.NewTicker(strayPollInterval)
	defer ticker.Stop()

	for {
		running, err := p.Running(ctx)
		if err != nil || !running {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for %d: %w", p.PID(), ctx.Err())
		case <-ticker.C:
		}
	}
}
