package supervisor

import (
	"chemdrive/internal/loop"
	"chemdrive/internal/models"
)

type stopStep int

const (
	stepInterrupt stopStep = iota
	stepTerminate
	stepKill
)

func (s stopStep) String() string {
	switch s {
	case stepInterrupt:
		return "interrupt"
	case stepTerminate:
		return "terminate"
	default:
		return "kill"
	}
}

type stopState struct {
	step  stopStep
	timer *loop.Timer
	done  bool
}

// Stop asks the worker to exit, escalating from an interrupt to terminate
// and finally kill. processStopped is emitted exactly once per stop, either
// when the worker exits or when the last step times out. A worker that
// survived a full escalation is killed again and the stop concludes at once.
func (s *Supervisor) Stop() {
	r := s.run
	if r == nil {
		s.logf("Process was not running.")
		return
	}
	if r.stop != nil && r.stop.done {
		s.metrics.escalate(stepKill.String())
		if err := kill(r.cmd.Process); err != nil {
			s.logRun(r, "Kill failed: %v", err)
		}
		s.failure("Process could not be terminated.")
		s.emitRun(r, models.Event{Kind: models.EventProcessStopped})
		return
	}
	if r.stop != nil {
		s.logRun(r, "Process is already stopping.")
		return
	}

	r.stop = &stopState{step: stepInterrupt}
	s.metrics.escalate(stepInterrupt.String())
	s.warning("Attempting to stop the process gracefully...")
	if err := interrupt(r.cmd.Process); err != nil {
		s.logRun(r, "Interrupt failed: %v", err)
	}
	r.stop.timer = s.loop.AfterFunc(s.graceTimeout, func() { s.escalate(r) })
}

func (s *Supervisor) escalate(r *run) {
	st := r.stop
	if r.exited || st == nil || st.done {
		return
	}

	switch st.step {
	case stepInterrupt:
		st.step = stepTerminate
		s.metrics.escalate(st.step.String())
		s.warning("Graceful stop failed, forcing termination.")
		if err := terminate(r.cmd.Process); err != nil {
			s.logRun(r, "Terminate failed: %v", err)
		}
		st.timer = s.loop.AfterFunc(s.terminateTimeout, func() { s.escalate(r) })
	case stepTerminate:
		st.step = stepKill
		s.metrics.escalate(st.step.String())
		s.logRun(r, "Process did not terminate, killing it.")
		if err := kill(r.cmd.Process); err != nil {
			s.logRun(r, "Kill failed: %v", err)
		}
		st.timer = s.loop.AfterFunc(s.killTimeout, func() { s.escalate(r) })
	default:
		st.done = true
		st.timer = nil
		s.failure("Process could not be terminated.")
		s.emitRun(r, models.Event{Kind: models.EventProcessStopped})
	}
}

// finishStop runs once the worker exited while a stop was in progress.
func (s *Supervisor) finishStop(r *run) {
	st := r.stop
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	if st.done {
		return
	}
	st.done = true

	switch st.step {
	case stepInterrupt:
		s.success("Process terminated gracefully.")
	case stepTerminate:
		s.success("Process terminated.")
	default:
		s.success("Process killed.")
	}
	s.emitRun(r, models.Event{Kind: models.EventProcessStopped})
}
