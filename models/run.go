package models

import "time"

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

type ScrapeRun struct {
	ID            int64      `json:"id" db:"id"`
	JobID         string     `json:"job_id" db:"job_id"`
	SiteID        string     `json:"site_id" db:"site_id"`
	Pages         int        `json:"pages" db:"pages"`
	StartedAt     time.Time  `json:"started_at" db:"started_at"`
	FinishedAt    *time.Time `json:"finished_at" db:"finished_at"`
	Status        RunStatus  `json:"status" db:"status"`
	ListingsFound int        `json:"listings_found" db:"listings_found"`
	Added         int        `json:"added" db:"added"`
	Updated       int        `json:"updated" db:"updated"`
	Skipped       int        `json:"skipped" db:"skipped"`
	ErrorsCount   int        `json:"errors_count" db:"errors_count"`
	Error         string     `json:"error,omitempty" db:"error"`
}

func (r *ScrapeRun) ApplySummary(s Summary) {
	r.Added = s.Added
	r.Updated = s.Updated
	r.Skipped = s.Skipped
	r.ErrorsCount = s.Errors
}
