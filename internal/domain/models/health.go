package models

import "time"

// Status is the coarse state of a component.
type Status string

const (
	StatusStarting Status = "starting"
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
	StatusStopped  Status = "stopped"
)

// ComponentHealth is reported per component; Kind, Since and LastMessage
// describe the most recent failure.
type ComponentHealth struct {
	Component   string    `json:"component"`
	Status      Status    `json:"status"`
	Kind        string    `json:"kind,omitempty"`
	Since       time.Time `json:"since,omitempty"`
	LastMessage string    `json:"last_message,omitempty"`
}

// Health is the aggregate report.
type Health struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	CheckedAt  time.Time                  `json:"checked_at"`
}

// FeedHealth is the price feed view.
type FeedHealth struct {
	Connected   bool          `json:"connected"`
	LastTickAge time.Duration `json:"last_tick_age"`
	Reconnects  int64         `json:"reconnects"`
}

// QueueStats describes the trap queue.
type QueueStats struct {
	Size     int64   `json:"size"`
	Capacity int64   `json:"capacity"`
	Fill     float64 `json:"fill"`
}
