package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"estate_ingest/models"
	"estate_ingest/progress"
	"estate_ingest/scraper"
)

// Jobs starts ingestion jobs. *scraper.Orchestrator satisfies it.
type Jobs interface {
	Start(source string, pageCount int, baseURL string) (string, error)
	Sources() []string
	DefaultPages(source string) int
}

// RunLister reads job history from the ops store.
type RunLister interface {
	RecentRuns(siteID string, limit int) ([]models.ScrapeRun, error)
	RunLogs(runID int64) ([]models.ScrapeLog, error)
}

type Server struct {
	jobs    Jobs
	tracker *progress.Tracker
	runs    RunLister
}

func NewServer(jobs Jobs, tracker *progress.Tracker, runs RunLister) *Server {
	return &Server{jobs: jobs, tracker: tracker, runs: runs}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	s.RegisterRoutes(r)
	return r
}

func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/admin/parser/run/{source}", s.handleStart).Methods("POST")
	r.HandleFunc("/admin/parser/status", s.handleStatusAll).Methods("GET")
	r.HandleFunc("/admin/parser/status/{source}", s.handleStatus).Methods("GET")
	r.HandleFunc("/admin/parser/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/admin/parser/runs/{id:[0-9]+}/logs", s.handleRunLogs).Methods("GET")
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, r.Method+" is not allowed on "+r.URL.Path)
	})
}

// NewHTTPServer wraps the router with the timeouts used in production.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
}

type startRequest struct {
	Pages   *int   `json:"pages"`
	BaseURL string `json:"base_url"`
}

type startResponse struct {
	Status string `json:"status"`
	JobID  string `json:"job_id"`
	Source string `json:"source"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	source := mux.Vars(r)["source"]

	var req startRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
	}

	q := r.URL.Query()
	if req.Pages == nil && q.Get("pages") != "" {
		n, err := strconv.Atoi(q.Get("pages"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "pages must be an integer")
			return
		}
		req.Pages = &n
	}
	if req.BaseURL == "" {
		req.BaseURL = q.Get("base_url")
	}

	pages := s.jobs.DefaultPages(source)
	if req.Pages != nil {
		pages = *req.Pages
	}

	jobID, err := s.jobs.Start(source, pages, strings.TrimSpace(req.BaseURL))
	switch {
	case err == nil:
	case errors.Is(err, scraper.ErrUnknownSource):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, scraper.ErrInvalidPageCount):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, scraper.ErrJobRunning):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, scraper.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	default:
		log.Printf("Warning: start %s: %v", source, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, startResponse{Status: "started", JobID: jobID, Source: source})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	source := mux.Vars(r)["source"]
	if !s.known(source) {
		writeError(w, http.StatusNotFound, "unknown source: "+source)
		return
	}
	writeJSON(w, http.StatusOK, s.tracker.Snapshot(source))
}

func (s *Server) handleStatusAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.All(s.jobs.Sources()))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run history is not configured")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := s.runs.RecentRuns(r.URL.Query().Get("source"), limit)
	if err != nil {
		log.Printf("Warning: list runs: %v", err)
		writeError(w, http.StatusInternalServerError, "could not list runs")
		return
	}
	if runs == nil {
		runs = []models.ScrapeRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleRunLogs(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run history is not configured")
		return
	}
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	logs, err := s.runs.RunLogs(id)
	if err != nil {
		log.Printf("Warning: run logs %d: %v", id, err)
		writeError(w, http.StatusInternalServerError, "could not read run logs")
		return
	}
	if logs == nil {
		logs = []models.ScrapeLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) known(source string) bool {
	for _, id := range s.jobs.Sources() {
		if id == source {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Warning: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
