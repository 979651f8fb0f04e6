package pipeline

import "time"

// Status is the final state of a cycle.
type Status string

const (
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusSkipped  Status = "skipped"
	StatusFailed   Status = "failed"
)

// Run records what one cycle saw and did.
type Run struct {
	ID          string    `json:"id"`
	Trigger     string    `json:"trigger"`
	Status      Status    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
	Duration    float64   `json:"duration_s"`

	Fetched  int   `json:"fetched"`
	New      int   `json:"new"`
	Filtered int   `json:"filtered"`
	Groups   int   `json:"groups"`
	Members  int   `json:"members"`
	Pruned   int64 `json:"pruned"`

	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Triggers recorded on Run.
const (
	TriggerSchedule = "schedule"
	TriggerAPI      = "api"
	TriggerOnce     = "once"
)

// Skip reasons recorded on Run.
const (
	ReasonNoNewEntries = "no new entries"
	ReasonAllFiltered  = "all entries filtered"
)
