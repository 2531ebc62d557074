package progress

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"estate_ingest/models"
)

func fixedTracker() *Tracker {
	tr := NewTracker()
	tr.now = func() time.Time { return time.Date(2024, 5, 1, 14, 3, 9, 0, time.UTC) }
	return tr
}

func TestSnapshot_IdleDefault(t *testing.T) {
	tr := NewTracker()
	st := tr.Snapshot("olx")
	if !st.Complete || st.Summary != nil || st.Error != nil {
		t.Fatalf("unexpected idle status %+v", st)
	}
	if st.Log == nil || len(st.Log) != 0 {
		t.Fatalf("expected empty non-nil log, got %#v", st.Log)
	}
	if st.CurrentTask != "No active jobs." {
		t.Fatalf("unexpected task %q", st.CurrentTask)
	}
}

func TestBegin_RejectsWhileRunning(t *testing.T) {
	tr := NewTracker()
	job, err := tr.Begin("olx", "job-1", "Starting")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tr.Begin("olx", "job-2", "Starting"); !errors.Is(err, ErrJobRunning) {
		t.Fatalf("expected ErrJobRunning, got %v", err)
	}
	if _, err := tr.Begin("krisha", "job-3", "Starting"); err != nil {
		t.Fatalf("other source should start: %v", err)
	}

	job.Finish("Done", "", &models.Summary{}, nil)
	if _, err := tr.Begin("olx", "job-4", "Starting"); err != nil {
		t.Fatalf("finished source should restart: %v", err)
	}
	if st := tr.Snapshot("olx"); st.JobID != "job-4" || st.Complete || st.ProgressPercent != 0 {
		t.Fatalf("expected fresh status, got %+v", st)
	}
}

func TestJob_LogFormatAndCap(t *testing.T) {
	tr := fixedTracker()
	job, _ := tr.Begin("olx", "job-1", "Starting")

	job.Log("first", false)
	job.Log("broken", true)
	st := tr.Snapshot("olx")
	if st.Log[0] != "14:03:09: first" {
		t.Fatalf("unexpected entry %q", st.Log[0])
	}
	if st.Log[1] != "[ERROR] 14:03:09: broken" {
		t.Fatalf("unexpected error entry %q", st.Log[1])
	}

	for i := 0; i < 150; i++ {
		job.Log(fmt.Sprintf("line %d", i), false)
	}
	st = tr.Snapshot("olx")
	if len(st.Log) != maxLogEntries {
		t.Fatalf("expected %d entries, got %d", maxLogEntries, len(st.Log))
	}
	if !strings.HasSuffix(st.Log[len(st.Log)-1], "line 149") {
		t.Fatalf("expected newest entry last, got %q", st.Log[len(st.Log)-1])
	}
	if !strings.HasSuffix(st.Log[0], "line 50") {
		t.Fatalf("expected oldest entries evicted, got %q", st.Log[0])
	}
}

func TestJob_ProgressIsMonotonic(t *testing.T) {
	tr := NewTracker()
	job, _ := tr.Begin("krisha", "job-1", "Starting")

	job.Report(models.Event{Progress: 0.5}, 0, 50)
	if p := tr.Snapshot("krisha").ProgressPercent; p != 25 {
		t.Fatalf("expected 25, got %d", p)
	}
	job.Report(models.Event{Progress: 0.2}, 0, 50)
	job.Advance(10)
	if p := tr.Snapshot("krisha").ProgressPercent; p != 25 {
		t.Fatalf("progress went backwards to %d", p)
	}
	job.Report(models.Event{Progress: 0.5, Task: "Merging"}, 50, 100)
	st := tr.Snapshot("krisha")
	if st.ProgressPercent != 75 || st.CurrentTask != "Merging" {
		t.Fatalf("unexpected status %+v", st)
	}
	job.Advance(250)
	if p := tr.Snapshot("krisha").ProgressPercent; p != 100 {
		t.Fatalf("expected clamp at 100, got %d", p)
	}
}

func TestJob_FinishWithError(t *testing.T) {
	tr := NewTracker()
	job, _ := tr.Begin("olx", "job-1", "Starting")
	job.Finish("Failed", "Critical error: boom", &models.Summary{Errors: 2}, errors.New("boom"))

	st := tr.Snapshot("olx")
	if !st.Complete || st.ProgressPercent != 100 || st.FinishedAt == nil {
		t.Fatalf("expected terminal status, got %+v", st)
	}
	if st.Error == nil || *st.Error != "boom" {
		t.Fatalf("unexpected error %v", st.Error)
	}
	if st.Summary == nil || st.Summary.Errors != 2 {
		t.Fatalf("unexpected summary %+v", st.Summary)
	}

	job.Log("late write", false)
	if got := tr.Snapshot("olx").Log; len(got) != 1 {
		t.Fatalf("writes after finish should be ignored, got %v", got)
	}
}

func TestSnapshot_IsACopy(t *testing.T) {
	tr := NewTracker()
	job, _ := tr.Begin("olx", "job-1", "Starting")
	job.Log("one", false)

	st := tr.Snapshot("olx")
	st.Log[0] = "mutated"
	st.CurrentTask = "mutated"

	again := tr.Snapshot("olx")
	if strings.Contains(again.Log[0], "mutated") || again.CurrentTask == "mutated" {
		t.Fatalf("snapshot shares state with tracker: %+v", again)
	}
}

func TestAll_IncludesIdleSources(t *testing.T) {
	tr := NewTracker()
	tr.Begin("olx", "job-1", "Starting")

	all := tr.All([]string{"krisha", "olx"})
	if len(all) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(all))
	}
	if all[0].Source != "krisha" || !all[0].Complete {
		t.Fatalf("expected idle krisha first, got %+v", all[0])
	}
	if all[1].Source != "olx" || all[1].Complete {
		t.Fatalf("expected running olx, got %+v", all[1])
	}
}
