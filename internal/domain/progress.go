package domain

import (
	"strings"
	"time"
)

// Progress statuses. Running phases are encoded as "running:<phase>" so the
// status enumeration stays open to new pipeline phases.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"

	runningPrefix = "running:"
)

// RunningStatus builds the status string for an in-flight pipeline phase.
func RunningStatus(phase string) string {
	return runningPrefix + phase
}

// IsTerminal reports whether a status ends the job's lifecycle. Clients stop
// polling and unsubscribe once they observe a terminal status.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// IsRunning reports whether the status names an in-flight phase.
func IsRunning(status string) bool {
	return strings.HasPrefix(status, runningPrefix)
}

// ProgressSnapshot is the versioned progress record for one job. Writes go
// through a conditional update keyed on Version; readers merge by Version.
type ProgressSnapshot struct {
	JobID      string    `json:"job_id"`
	Step       string    `json:"step"`
	Status     string    `json:"status"`
	Percent    int       `json:"percent"`
	Message    string    `json:"message"`
	RetryCount int       `json:"retry_count"`
	Version    int64     `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ClampPercent bounds a progress percentage to [0, 100].
func ClampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
