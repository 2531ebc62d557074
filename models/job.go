package models

import "time"

type Summary struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// JobStatus is the pollable state of the latest job for one source.
type JobStatus struct {
	JobID           string     `json:"job_id,omitempty"`
	Source          string     `json:"source"`
	ProgressPercent int        `json:"progress_percent"`
	CurrentTask     string     `json:"current_task"`
	Log             []string   `json:"log"`
	Complete        bool       `json:"complete"`
	Summary         *Summary   `json:"summary"`
	Error           *string    `json:"error"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// IdleStatus is reported for a source that has never run.
func IdleStatus(source string) JobStatus {
	return JobStatus{
		Source:      source,
		CurrentTask: "No active jobs.",
		Log:         []string{},
		Complete:    true,
	}
}
