package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"estate_ingest/config"
	"estate_ingest/models"
	"estate_ingest/storage"
)

type fakeRunner struct {
	runs     int
	commands []models.CommandType
}

func (r *fakeRunner) RunAll() { r.runs++ }

func (r *fakeRunner) HandleCommand(cmd *models.Command) error {
	r.commands = append(r.commands, cmd.Command)
	return nil
}

type fakeTrigger struct{ n int }

func (f *fakeTrigger) Trigger() { f.n++ }

func newOpsStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "ops.db"))
	if err != nil {
		t.Fatalf("open ops store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestScheduler_ProcessCommands(t *testing.T) {
	store := newOpsStore(t)
	runner := &fakeRunner{}
	mirror := &fakeTrigger{}

	s := New(&config.Config{}, runner, store)
	s.SetMirror(mirror)

	if _, err := store.EnqueueCommand(models.CmdScrapeSite, &models.CommandParams{Site: "olx", Pages: 2}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.EnqueueCommand(models.CmdMirror, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	s.processCommands()

	if len(runner.commands) != 1 || runner.commands[0] != models.CmdScrapeSite {
		t.Fatalf("unexpected forwarded commands %v", runner.commands)
	}
	if mirror.n != 1 {
		t.Fatalf("mirror triggered %d times", mirror.n)
	}

	pending, err := store.GetPendingCommands()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected all commands processed, %d left", len(pending))
	}
}

type chanTrigger chan struct{}

func (c chanTrigger) Trigger() { c <- struct{}{} }

func TestScheduler_MirrorSetWhilePolling(t *testing.T) {
	store := newOpsStore(t)
	s := New(&config.Config{}, &fakeRunner{}, store)
	s.pollInterval = 10 * time.Millisecond

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	mirror := make(chanTrigger, 1)
	s.SetMirror(mirror)
	if _, err := store.EnqueueCommand(models.CmdMirror, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case <-mirror:
	case <-time.After(5 * time.Second):
		t.Fatal("mirror command was not delivered")
	}
}

func TestScheduler_InvalidCron(t *testing.T) {
	cfg := &config.Config{Scheduler: config.SchedulerConfig{Cron: "every tuesday"}}
	s := New(cfg, &fakeRunner{}, nil)
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestScheduler_StopIsIdempotent(t *testing.T) {
	cfg := &config.Config{Scheduler: config.SchedulerConfig{Cron: "0 3 * * *"}}
	s := New(cfg, &fakeRunner{}, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()
	s.Stop()
}
