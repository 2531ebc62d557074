package progress

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"estate_ingest/models"
)

const maxLogEntries = 100

var ErrJobRunning = errors.New("job already running for source")

// Tracker holds the status of the latest job per source. Workers write through
// a Job handle; readers get copies.
type Tracker struct {
	mu   sync.RWMutex
	jobs map[string]*models.JobStatus
	now  func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		jobs: make(map[string]*models.JobStatus),
		now:  time.Now,
	}
}

// Begin replaces the finished status of source with a fresh running one.
func (t *Tracker) Begin(source, jobID, task string) (*Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.jobs[source]; ok && !cur.Complete {
		return nil, fmt.Errorf("%s: %w", source, ErrJobRunning)
	}

	started := t.now()
	t.jobs[source] = &models.JobStatus{
		JobID:       jobID,
		Source:      source,
		CurrentTask: task,
		Log:         []string{},
		StartedAt:   &started,
	}
	return &Job{tracker: t, source: source, jobID: jobID}, nil
}

func (t *Tracker) Running(source string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cur, ok := t.jobs[source]
	return ok && !cur.Complete
}

// Snapshot returns a copy of the current status, or the idle status when
// nothing has run for source.
func (t *Tracker) Snapshot(source string) models.JobStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cur, ok := t.jobs[source]
	if !ok {
		return models.IdleStatus(source)
	}
	return copyStatus(cur)
}

// All returns snapshots for the given sources plus any other tracked source, sorted by source.
func (t *Tracker) All(sources []string) []models.JobStatus {
	t.mu.RLock()
	seen := make(map[string]bool, len(sources))
	var out []models.JobStatus
	for _, src := range sources {
		seen[src] = true
		if cur, ok := t.jobs[src]; ok {
			out = append(out, copyStatus(cur))
		} else {
			out = append(out, models.IdleStatus(src))
		}
	}
	for src, cur := range t.jobs {
		if !seen[src] {
			out = append(out, copyStatus(cur))
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

func copyStatus(s *models.JobStatus) models.JobStatus {
	c := *s
	c.Log = append([]string(nil), s.Log...)
	if c.Log == nil {
		c.Log = []string{}
	}
	if s.Summary != nil {
		sum := *s.Summary
		c.Summary = &sum
	}
	if s.Error != nil {
		e := *s.Error
		c.Error = &e
	}
	if s.StartedAt != nil {
		st := *s.StartedAt
		c.StartedAt = &st
	}
	if s.FinishedAt != nil {
		ft := *s.FinishedAt
		c.FinishedAt = &ft
	}
	return c
}

// Job is the write handle owned by one worker.
type Job struct {
	tracker *Tracker
	source  string
	jobID   string
}

func (j *Job) ID() string     { return j.jobID }
func (j *Job) Source() string { return j.source }

func (j *Job) update(fn func(s *models.JobStatus)) {
	j.tracker.mu.Lock()
	defer j.tracker.mu.Unlock()
	s, ok := j.tracker.jobs[j.source]
	if !ok || s.JobID != j.jobID || s.Complete {
		return
	}
	fn(s)
}

// Log appends a timestamped entry, evicting the oldest past the cap.
func (j *Job) Log(msg string, isErr bool) {
	entry := j.tracker.now().Format("15:04:05") + ": " + msg
	if isErr {
		entry = "[ERROR] " + entry
	}
	j.update(func(s *models.JobStatus) {
		appendLog(s, entry)
	})
}

func appendLog(s *models.JobStatus, entry string) {
	s.Log = append(s.Log, entry)
	if n := len(s.Log); n > maxLogEntries {
		s.Log = append([]string(nil), s.Log[n-maxLogEntries:]...)
	}
}

func (j *Job) SetTask(task string) {
	j.update(func(s *models.JobStatus) {
		s.CurrentTask = task
	})
}

// Advance raises the progress; lower values are ignored.
func (j *Job) Advance(percent int) {
	j.update(func(s *models.JobStatus) {
		advance(s, percent)
	})
}

func advance(s *models.JobStatus, percent int) {
	if percent > 100 {
		percent = 100
	}
	if percent > s.ProgressPercent {
		s.ProgressPercent = percent
	}
}

// Report applies an event whose Progress fraction maps into [lo, hi] percent.
func (j *Job) Report(ev models.Event, lo, hi int) {
	var entry string
	if ev.Message != "" {
		entry = j.tracker.now().Format("15:04:05") + ": " + ev.Message
		if ev.Error {
			entry = "[ERROR] " + entry
		}
	}
	frac := ev.Progress
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	percent := lo + int(frac*float64(hi-lo))

	j.update(func(s *models.JobStatus) {
		if entry != "" {
			appendLog(s, entry)
		}
		if ev.Task != "" {
			s.CurrentTask = ev.Task
		}
		advance(s, percent)
	})
}

// Finish marks the job complete. A non-nil err fills the error field.
func (j *Job) Finish(task, finalLog string, summary *models.Summary, err error) {
	now := j.tracker.now()
	j.update(func(s *models.JobStatus) {
		if finalLog != "" {
			entry := now.Format("15:04:05") + ": " + finalLog
			if err != nil {
				entry = "[ERROR] " + entry
			}
			appendLog(s, entry)
		}
		if task != "" {
			s.CurrentTask = task
		}
		if summary != nil {
			sum := *summary
			s.Summary = &sum
		}
		if err != nil {
			msg := err.Error()
			s.Error = &msg
		}
		s.ProgressPercent = 100
		s.Complete = true
		s.FinishedAt = &now
	})
}
