package models

// WorkerStatus describes the supervised worker process
type WorkerStatus struct {
	Running   bool   `json:"running"`
	Ready     bool   `json:"ready"`
	RunID     string `json:"run_id,omitempty"`
	Pid       int    `json:"pid"`
	Uptime    string `json:"uptime"`
	Memory    string `json:"memory"`
	CPU       string `json:"cpu"`
	ServerURL string `json:"server_url,omitempty"`
	Testing   bool   `json:"testing"`

	TestDevice  string   `json:"test_device,omitempty"`
	TestPending []string `json:"test_pending,omitempty"`
}

// LogEntry represents a log entry
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
	Level     string `json:"level"`
	RunID     string `json:"run_id,omitempty"`
}
