package models

import "time"

type EventKind string

const (
	EventSuccess        EventKind = "success"
	EventWarning        EventKind = "warning"
	EventError          EventKind = "error"
	EventLog            EventKind = "log"
	EventProcessStarted EventKind = "processStarted"
	EventProcessStopped EventKind = "processStopped"
	EventProcessExited  EventKind = "processExited"
	EventState          EventKind = "state"
)

// Event is a notification emitted by the supervisor or the drive host.
type Event struct {
	Kind     EventKind   `json:"kind"`
	Message  string      `json:"message,omitempty"`
	Time     time.Time   `json:"time"`
	RunID    string      `json:"run_id,omitempty"`
	Device   string      `json:"device,omitempty"`
	State    ServerState `json:"state,omitempty"`
	ExitCode int         `json:"exit_code,omitempty"`
}

// Level maps an event kind onto the log buffer levels.
func (e Event) Level() string {
	switch e.Kind {
	case EventWarning:
		return "warning"
	case EventError:
		return "error"
	case EventSuccess:
		return "success"
	default:
		return "info"
	}
}
