package models

// ServerState is the supervisor's interpretation of a worker run as seen by
// one device. It is a plain tag; colours and labels belong to the UI layer.
type ServerState string

const (
	StateOff      ServerState = "OFF"
	StateStarting ServerState = "STARTING"
	StateRunning  ServerState = "RUNNING"
	StateError    ServerState = "ERROR"
	StateVerified ServerState = "VERIFIED"
)

func (s ServerState) Valid() bool {
	switch s {
	case StateOff, StateStarting, StateRunning, StateError, StateVerified:
		return true
	}
	return false
}
