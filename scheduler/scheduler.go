package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"estate_ingest/config"
	"estate_ingest/models"
	"estate_ingest/storage"
)

// Triggerable allows workers to be triggered manually
type Triggerable interface {
	Trigger()
}

// Runner is the part of the orchestrator the scheduler drives.
type Runner interface {
	RunAll()
	HandleCommand(cmd *models.Command) error
}

type Scheduler struct {
	cfg          *config.Config
	orchestrator Runner
	store        *storage.SQLiteStore
	cron         *cron.Cron
	pollInterval time.Duration
	stopCh       chan struct{}
	stopped      bool

	mu           sync.Mutex
	mirrorWorker Triggerable
}

func New(cfg *config.Config, orchestrator Runner, store *storage.SQLiteStore) *Scheduler {
	return &Scheduler{
		cfg:          cfg,
		orchestrator: orchestrator,
		store:        store,
		cron:         cron.New(),
		pollInterval: 2 * time.Second,
		stopCh:       make(chan struct{}),
	}
}

// SetMirror registers the image mirror for manual triggering
func (s *Scheduler) SetMirror(mirror Triggerable) {
	s.mu.Lock()
	s.mirrorWorker = mirror
	s.mu.Unlock()
}

func (s *Scheduler) mirror() Triggerable {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mirrorWorker
}

func (s *Scheduler) Start(ctx context.Context) error {
	if s.store != nil {
		go s.pollCommands(ctx)
	}

	if s.cfg.Scheduler.Cron == "" {
		log.Println("No schedule configured, daemon will only respond to commands and API calls")
		return nil
	}

	log.Printf("Starting scheduler with cron: %s", s.cfg.Scheduler.Cron)
	if _, err := s.cron.AddFunc(s.cfg.Scheduler.Cron, s.orchestrator.RunAll); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	if s.stopped {
		return
	}
	s.stopped = true
	<-s.cron.Stop().Done()
	close(s.stopCh)
}

func (s *Scheduler) pollCommands(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processCommands()
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) processCommands() {
	cmds, err := s.store.GetPendingCommands()
	if err != nil {
		log.Printf("Error getting commands: %v", err)
		return
	}

	for _, cmd := range cmds {
		log.Printf("Processing command: %s", cmd.Command)
		if err := s.handleCommand(&cmd); err != nil {
			log.Printf("Command error: %v", err)
		}
		if err := s.store.MarkCommandProcessed(cmd.ID); err != nil {
			log.Printf("Error marking command processed: %v", err)
		}
	}
}

func (s *Scheduler) handleCommand(cmd *models.Command) error {
	switch cmd.Command {
	case models.CmdMirror:
		if m := s.mirror(); m != nil {
			m.Trigger()
			log.Println("Image mirror triggered via command")
		}
		return nil
	default:
		return s.orchestrator.HandleCommand(cmd)
	}
}
