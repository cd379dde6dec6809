package orchestrator

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/zaporter/trl/orchestrator/pipeline"
)

type Stage string

const (
	StageStarting   Stage = "starting"
	StageExperience Stage = "experience"
	StageLearning   Stage = "learning"
	StageSaving     Stage = "saving"
	StageDone       Stage = "done"
	StageFailed     Stage = "failed"
)

// Status is the live view of a Run, served over http.
type Status struct {
	mu        sync.Mutex
	phase     int
	phases    int
	stage     Stage
	started   time.Time
	completed []PhaseResult
	err       string
	store     *pipeline.PPORolloutStorage
}

func NewStatus() *Status {
	return &Status{stage: StageStarting, started: time.Now()}
}

type StatusSnapshot struct {
	Phase     int           `json:"phase"`
	Phases    int           `json:"phases"`
	Stage     Stage         `json:"stage"`
	Uptime    string        `json:"uptime"`
	Completed []PhaseResult `json:"completed"`
	Error     string        `json:"error,omitempty"`
}

// nil-safe so Run can call it unconditionally
func (s *Status) update(f func(s *Status)) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f(s)
}

func (s *Status) Snapshot() StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatusSnapshot{
		Phase:     s.phase,
		Phases:    s.phases,
		Stage:     s.stage,
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Completed: append([]PhaseResult(nil), s.completed...),
		Error:     s.err,
	}
}

func (s *Status) rolloutStore() *pipeline.PPORolloutStorage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store
}

func setupHeader(w http.ResponseWriter, contentType string) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Content-Type", contentType)
}

func (s *Status) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/api/ping", func(w http.ResponseWriter, r *http.Request) {
		setupHeader(w, "text/html; charset=utf-8")
		w.Write([]byte("pong"))
	})
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		setupHeader(w, "application/json; charset=utf-8")
		json.NewEncoder(w).Encode(s.Snapshot())
	})
	mux.HandleFunc("/api/rollouts/stats", func(w http.ResponseWriter, r *http.Request) {
		setupHeader(w, "application/json; charset=utf-8")
		store := s.rolloutStore()
		if store == nil {
			http.Error(w, "no model built yet", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(store.Stats())
	})
	mux.HandleFunc("/api/rollouts/dump", func(w http.ResponseWriter, r *http.Request) {
		store := s.rolloutStore()
		if store == nil {
			http.Error(w, "no model built yet", http.StatusServiceUnavailable)
			return
		}
		setupHeader(w, "application/jsonl; charset=utf-8")
		if err := store.DumpJSONL(w); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
