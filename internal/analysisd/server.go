package analysisd

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/inkworks/novelwatch/internal/analysis"
	"github.com/inkworks/novelwatch/internal/observability"
)

type ServerConfig struct {
	AllowAnyOrigin bool
	TotalChapters  int
}

// Server exposes the analysis control API and the per-novel push channel the
// sync engine subscribes to.
type Server struct {
	cfg      ServerConfig
	store    Store
	runner   *Runner
	hub      *Hub
	upgrader websocket.Upgrader
}

func NewServer(cfg ServerConfig, store Store, runner *Runner, hub *Hub) *Server {
	if cfg.TotalChapters <= 0 {
		cfg.TotalChapters = 40
	}
	return &Server{
		cfg:    cfg,
		store:  store,
		runner: runner,
		hub:    hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/ws/analysis/{novelID}", s.handleAnalysisWS)
	r.Post("/api/novels/{novelID}/analyze", s.handleStartAnalysis)
	r.Get("/api/novels/{novelID}/analysis/latest", s.handleLatestTask)
	r.Get("/api/analysis/active", s.handleActiveAnalyses)
	r.Get("/api/analysis/{taskID}", s.handleGetTask)
	r.Patch("/api/analysis/{taskID}", s.handlePatchTask)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleAnalysisWS upgrades the subject-scoped push channel and parks until
// the peer goes away. Client frames are drained only to detect disconnect.
func (s *Server) handleAnalysisWS(w http.ResponseWriter, r *http.Request) {
	novelID := strings.TrimSpace(chi.URLParam(r, "novelID"))
	if novelID == "" {
		respondError(w, http.StatusBadRequest, "invalid_novel_id", "missing novel id")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.hub.Register(novelID, conn)
	defer func() {
		s.hub.Unregister(novelID, conn)
		_ = conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

type startRequest struct {
	ChapterStart int  `json:"chapter_start"`
	ChapterEnd   int  `json:"chapter_end"`
	Force        bool `json:"force"`
}

func (s *Server) handleStartAnalysis(w http.ResponseWriter, r *http.Request) {
	novelID := strings.TrimSpace(chi.URLParam(r, "novelID"))
	if novelID == "" {
		respondError(w, http.StatusBadRequest, "invalid_novel_id", "missing novel id")
		return
	}

	var req startRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.ChapterStart == 0 {
		req.ChapterStart = 1
	}
	if req.ChapterEnd == 0 {
		req.ChapterEnd = s.cfg.TotalChapters
	}

	task, err := s.runner.Start(r.Context(), novelID, req.ChapterStart, req.ChapterEnd)
	if err != nil {
		if errors.Is(err, ErrTaskActive) {
			respondError(w, http.StatusConflict, "task_active", err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"task_id": task.ID,
		"status":  task.Status,
	})
}

func (s *Server) handleLatestTask(w http.ResponseWriter, r *http.Request) {
	novelID := strings.TrimSpace(chi.URLParam(r, "novelID"))
	task, err := s.store.LatestTask(r.Context(), novelID)
	if err != nil {
		if errors.Is(err, ErrStoreNotFound) {
			respondJSON(w, http.StatusOK, analysis.LatestResult{})
			return
		}
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}

	stats := cumulativeStats(task)
	respondJSON(w, http.StatusOK, analysis.LatestResult{Task: &task, Stats: &stats})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "taskID"))
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, ErrStoreNotFound) {
			respondError(w, http.StatusNotFound, "task_not_found", "no such task")
			return
		}
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, task)
}

type patchTaskRequest struct {
	Status analysis.TaskStatus `json:"status"`
}

func (s *Server) handlePatchTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "taskID"))
	var req patchTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	var err error
	switch req.Status {
	case analysis.TaskStatusPaused:
		err = s.runner.Pause(r.Context(), taskID)
	case analysis.TaskStatusRunning:
		err = s.runner.Resume(r.Context(), taskID)
	case analysis.TaskStatusCancelled:
		err = s.runner.Cancel(r.Context(), taskID)
	default:
		respondError(w, http.StatusBadRequest, "invalid_status", "expected paused|running|cancelled")
		return
	}
	if err != nil {
		if errors.Is(err, ErrStoreNotFound) {
			respondError(w, http.StatusNotFound, "task_not_found", "no such task")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_transition", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "status": req.Status})
}

func (s *Server) handleActiveAnalyses(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListActive(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	// One entry per novel; running wins over paused when both exist.
	byNovel := make(map[string]analysis.TaskStatus, len(tasks))
	for _, task := range tasks {
		if cur, ok := byNovel[task.NovelID]; !ok || cur != analysis.TaskStatusRunning {
			byNovel[task.NovelID] = task.Status
		}
	}
	items := make([]map[string]any, 0, len(byNovel))
	for novelID, status := range byNovel {
		items = append(items, map[string]any{"novel_id": novelID, "status": status})
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": items})
}

// cumulativeStats rebuilds the stat counters the run loop would have
// accumulated through the task's current chapter.
func cumulativeStats(task analysis.Task) analysis.Stats {
	var stats analysis.Stats
	for ch := task.ChapterStart; ch <= task.CurrentChapter; ch++ {
		stats.Entities += 2 + ch%3
		stats.Relations += 1 + ch%2
		stats.Events += ch % 2
	}
	return stats
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
