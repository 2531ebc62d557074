package scraper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"estate_ingest/config"
	"estate_ingest/httputil"
	"estate_ingest/models"
	"estate_ingest/progress"
	"estate_ingest/storage"
)

var (
	ErrUnknownSource    = errors.New("unknown source")
	ErrInvalidPageCount = errors.New("page count must be at least 1")
	ErrJobRunning       = progress.ErrJobRunning
	ErrStopped          = errors.New("orchestrator is shutting down")
)

// Progress bands: collecting fills 0-50%, merging 50-100%.
const (
	collectLo = 0
	collectHi = 50
	mergeLo   = 50
	mergeHi   = 100
)

// Merger persists a harvested batch.
type Merger interface {
	Merge(ctx context.Context, listings []models.RawListing, report func(models.Event)) (models.Summary, error)
}

type AdapterFactory func(siteCfg *config.SiteConfig, deps Deps) (Adapter, error)

// Orchestrator starts one background job per source and tracks it until it
// reaches a terminal state.
type Orchestrator struct {
	cfg     *config.Config
	tracker *progress.Tracker
	merger  Merger
	client  *http.Client
	store   *storage.SQLiteStore

	newAdapter  AdapterFactory
	newRevealer func(kind string) (PhoneRevealer, error)
	retry       httputil.Retry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	paused bool
}

func NewOrchestrator(cfg *config.Config, tracker *progress.Tracker, merger Merger, client *http.Client) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:         cfg,
		tracker:     tracker,
		merger:      merger,
		client:      client,
		newAdapter:  NewAdapter,
		newRevealer: NewPhoneRevealer,
		retry: httputil.Retry{
			MaxAttempts: cfg.Scraper.Retries + 1,
			BaseDelay:   2 * time.Second,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetStore enables run and log bookkeeping in the ops database.
func (o *Orchestrator) SetStore(store *storage.SQLiteStore) {
	o.store = store
}

// Start validates the request, registers a running job and hands it to a
// worker goroutine. An empty baseURL means the site's configured one.
func (o *Orchestrator) Start(source string, pageCount int, baseURL string) (string, error) {
	siteCfg, ok := o.cfg.Sites[source]
	if !ok {
		return "", fmt.Errorf("%s: %w", source, ErrUnknownSource)
	}
	if pageCount < 1 {
		return "", fmt.Errorf("%d: %w", pageCount, ErrInvalidPageCount)
	}
	if o.ctx.Err() != nil {
		return "", ErrStopped
	}
	if baseURL == "" {
		baseURL = siteCfg.BaseURL
	}

	jobID := uuid.NewString()
	job, err := o.tracker.Begin(source, jobID, fmt.Sprintf("Starting data collection from %s.", siteCfg.Name))
	if err != nil {
		return "", err
	}
	job.Log(fmt.Sprintf("Parsing %s initiated.", siteCfg.Name), false)

	o.wg.Add(1)
	go o.run(job, siteCfg, pageCount, baseURL)

	return jobID, nil
}

func (o *Orchestrator) run(job *progress.Job, siteCfg *config.SiteConfig, pageCount int, baseURL string) {
	defer o.wg.Done()

	run := &models.ScrapeRun{
		JobID:     job.ID(),
		SiteID:    siteCfg.ID,
		Pages:     pageCount,
		StartedAt: time.Now(),
		Status:    models.RunStatusRunning,
	}
	if o.store != nil {
		if id, err := o.store.CreateRun(run); err != nil {
			log.Printf("Warning: failed to record run for %s: %v", siteCfg.ID, err)
		} else {
			run.ID = id
		}
	}

	var summary *models.Summary
	var err error
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Panic in %s job %s: %v\n%s", siteCfg.ID, job.ID(), r, debug.Stack())
			summary = nil
			err = fmt.Errorf("internal error: %v", r)
		}
		o.finish(job, run, summary, err)
	}()

	summary, err = o.execute(o.ctx, job, run, siteCfg, pageCount, baseURL)
}

func (o *Orchestrator) execute(ctx context.Context, job *progress.Job, run *models.ScrapeRun,
	siteCfg *config.SiteConfig, pageCount int, baseURL string) (*models.Summary, error) {

	revealer, err := o.newRevealer(o.cfg.Scraper.PhoneReveal)
	if err != nil {
		o.event(job, run, models.Event{Message: fmt.Sprintf("Warning: phone reveal unavailable: %v", err)}, collectLo, collectHi)
		revealer = nil
	}
	if revealer != nil {
		defer func() {
			if err := revealer.Close(); err != nil {
				log.Printf("Warning: close phone revealer: %v", err)
			}
		}()
	}

	adapter, err := o.newAdapter(siteCfg, Deps{Client: o.client, Retry: o.retry, Phones: revealer})
	if err != nil {
		return nil, err
	}

	o.event(job, run, models.Event{
		Task:    fmt.Sprintf("Collecting data from %s...", siteCfg.Name),
		Message: fmt.Sprintf("Starting data collection from %s.", siteCfg.Name),
	}, collectLo, collectHi)

	listings, err := adapter.Fetch(ctx, baseURL, pageCount, func(ev models.Event) {
		o.event(job, run, ev, collectLo, collectHi)
	})
	if err != nil {
		return nil, fmt.Errorf("collect %s: %w", siteCfg.Name, err)
	}
	run.ListingsFound = len(listings)

	o.event(job, run, models.Event{
		Task:     "Processing data...",
		Message:  fmt.Sprintf("Collected %d listings. Starting processing.", len(listings)),
		Progress: 1,
	}, collectLo, collectHi)

	summary, err := o.merger.Merge(ctx, listings, func(ev models.Event) {
		o.event(job, run, ev, mergeLo, mergeHi)
	})
	if err != nil {
		return &summary, fmt.Errorf("process listings: %w", err)
	}
	return &summary, nil
}

func (o *Orchestrator) finish(job *progress.Job, run *models.ScrapeRun, summary *models.Summary, err error) {
	now := time.Now()
	run.FinishedAt = &now
	if summary != nil {
		run.ApplySummary(*summary)
	}

	if err != nil {
		run.Status = models.RunStatusFailed
		run.Error = err.Error()
		msg := fmt.Sprintf("Critical error: %v", err)
		o.log(run, models.LogLevelError, msg)
		job.Finish("Error!", msg, summary, err)
	} else {
		run.Status = models.RunStatusCompleted
		msg := fmt.Sprintf("Finished. Added: %d, Updated: %d, Errors: %d, Skipped: %d.",
			summary.Added, summary.Updated, summary.Errors, summary.Skipped)
		o.log(run, models.LogLevelInfo, msg)

		var jobErr error
		if summary.Errors > 0 {
			jobErr = fmt.Errorf("finished with %d errors while processing data", summary.Errors)
		}
		job.Finish("Finished.", msg, summary, jobErr)
	}

	if o.store != nil && run.ID != 0 {
		if err := o.store.UpdateRun(run); err != nil {
			log.Printf("Warning: failed to update run %d: %v", run.ID, err)
		}
	}
}

// event forwards an adapter or merge event to the tracker and the run log.
func (o *Orchestrator) event(job *progress.Job, run *models.ScrapeRun, ev models.Event, lo, hi int) {
	job.Report(ev, lo, hi)
	if ev.Message != "" {
		o.log(run, models.EventLevel(ev), ev.Message)
	}
}

func (o *Orchestrator) log(run *models.ScrapeRun, level models.LogLevel, message string) {
	log.Printf("[%s] %s: %s", level, run.SiteID, message)
	if o.store == nil || run.ID == 0 {
		return
	}
	if err := o.store.Log(&run.ID, level, message, run.SiteID); err != nil {
		log.Printf("Warning: failed to write run log: %v", err)
	}
}

// RunAll starts every configured site with its default page count. Sites
// that are already running are skipped.
func (o *Orchestrator) RunAll() {
	if o.IsPaused() {
		log.Println("Scraper is paused, skipping run")
		return
	}
	for _, id := range o.cfg.SiteIDs() {
		if o.tracker.Running(id) {
			log.Printf("Skipping %s, a job is already running", id)
			continue
		}
		site := o.cfg.Sites[id]
		if _, err := o.Start(id, site.Pages, ""); err != nil {
			log.Printf("Warning: not starting %s: %v", id, err)
		}
	}
}

func (o *Orchestrator) HandleCommand(cmd *models.Command) error {
	if o.store == nil {
		return fmt.Errorf("commands need the ops store")
	}
	params, err := o.store.ParseCommandParams(cmd)
	if err != nil {
		return err
	}

	switch cmd.Command {
	case models.CmdScrapeNow:
		o.RunAll()
	case models.CmdScrapeSite:
		if params.Site == "" {
			o.RunAll()
			return nil
		}
		pages := params.Pages
		if pages == 0 {
			if site, ok := o.cfg.Sites[params.Site]; ok {
				pages = site.Pages
			}
		}
		_, err := o.Start(params.Site, pages, params.BaseURL)
		return err
	case models.CmdPause:
		o.setPaused(true)
		log.Println("Scraper paused")
	case models.CmdResume:
		o.setPaused(false)
		log.Println("Scraper resumed")
	}

	return nil
}

func (o *Orchestrator) setPaused(p bool) {
	o.mu.Lock()
	o.paused = p
	o.mu.Unlock()
}

func (o *Orchestrator) IsPaused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paused
}

// Sources returns the configured site ids in a stable order.
func (o *Orchestrator) Sources() []string {
	return o.cfg.SiteIDs()
}

func (o *Orchestrator) Tracker() *progress.Tracker {
	return o.tracker
}

// Wait blocks until every started worker has exited.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown cancels running jobs. Workers finish as failed.
func (o *Orchestrator) Shutdown() {
	o.cancel()
}

// DefaultPages is the configured page count for source, 1 when unknown.
func (o *Orchestrator) DefaultPages(source string) int {
	if site, ok := o.cfg.Sites[source]; ok && site.Pages > 0 {
		return site.Pages
	}
	return 1
}
