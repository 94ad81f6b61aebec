package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"focusstack/internal/fsutil"
	"focusstack/internal/pipeline"
	"focusstack/internal/storage"
)

// Queue is the part of the pipeline the HTTP API needs.
type Queue interface {
	Submit(job pipeline.Job) (pipeline.Job, error)
	Subscribe() (<-chan pipeline.Result, func())
}

// Server exposes the job pipeline over HTTP and a websocket event stream.
type Server struct {
	addr   string
	store  *storage.Store
	queue  Queue
	roots  []string
	log    *slog.Logger
	server *http.Server
	hub    *hub
}

// NewServer creates a server. roots restricts the paths jobs may read and
// write; an empty list allows any path.
func NewServer(addr string, store *storage.Store, queue Queue, roots []string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:  addr,
		store: store,
		queue: queue,
		roots: roots,
		log:   log,
		hub:   newHub(log),
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.run(ctx, s.queue)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/stack", s.handleSubmit).Methods("POST")
	api.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", s.handleJob).Methods("GET")
	r.HandleFunc("/ws", s.hub.serveWS).Methods("GET")
	return r
}

// SubmitRequest is the body of POST /api/stack.
type SubmitRequest struct {
	Type     string         `json:"type,omitempty"` // stack (default), align, sharpness
	Inputs   []string       `json:"inputs,omitempty"`
	InputDir string         `json:"input_dir,omitempty"`
	Output   string         `json:"output"`
	Options  map[string]any `json:"options,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Type == "" {
		req.Type = string(pipeline.JobStack)
	}
	jobType, ok := pipeline.ParseJobType(req.Type)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown job type: "+req.Type)
		return
	}
	if len(req.Inputs) == 0 && req.InputDir == "" {
		writeError(w, http.StatusBadRequest, "inputs or input_dir is required")
		return
	}
	if req.Output == "" {
		writeError(w, http.StatusBadRequest, "output is required")
		return
	}

	paths := append([]string{req.Output}, req.Inputs...)
	if req.InputDir != "" {
		paths = append(paths, req.InputDir)
	}
	if v, ok := req.Options["debugDir"]; ok {
		dir, isString := v.(string)
		if !isString {
			writeError(w, http.StatusBadRequest, "options.debugDir must be a string")
			return
		}
		if dir != "" {
			paths = append(paths, dir)
		}
	}
	for _, p := range paths {
		if !fsutil.Within(p, s.roots) {
			writeError(w, http.StatusForbidden, "path outside allowed roots: "+p)
			return
		}
	}

	job, err := s.queue.Submit(pipeline.Job{
		Type:      jobType,
		Inputs:    req.Inputs,
		InputPath: req.InputDir,
		Output:    req.Output,
		Options:   req.Options,
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.log.Info("job accepted", "id", job.ID, "type", job.Type)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID, "status": "queued"})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	recs, err := s.store.RecentJobs(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []storage.JobRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// JobDetail is the body of GET /api/jobs/{id}.
type JobDetail struct {
	Job    storage.JobRecord        `json:"job"`
	Meta   map[string]any           `json:"meta,omitempty"`
	Frames []storage.FrameAlignment `json:"frames"`
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.Job(id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	detail := JobDetail{Job: rec, Frames: []storage.FrameAlignment{}}
	if meta, err := s.store.JobMeta(id); err == nil {
		detail.Meta = meta
	} else if !errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	frames, err := s.store.FrameAlignments(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if frames != nil {
		detail.Frames = frames
	}
	writeJSON(w, http.StatusOK, detail)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
