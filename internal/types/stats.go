package types

import "time"

// PollerStats contains the health of a single poll loop
type PollerStats struct {
	Name        string    `json:"name"`
	IsRunning   bool      `json:"is_running"`
	Polls       uint64    `json:"polls"`
	Failures    uint64    `json:"failures"`
	NextPollIn  int64     `json:"next_poll_in"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// SessionStats contains performance and health statistics of the monitoring session
type SessionStats struct {
	Endpoint   string        `json:"endpoint"`
	Network    string        `json:"network"`
	IsRunning  bool          `json:"is_running"`
	StartedAt  time.Time     `json:"started_at"`
	Uptime     string        `json:"uptime"`
	WindowSize int           `json:"window_size"`
	Published  uint64        `json:"published"`
	Dropped    uint64        `json:"dropped"`
	ErrorCount uint64        `json:"error_count"`
	Pollers    []PollerStats `json:"pollers"`
}
