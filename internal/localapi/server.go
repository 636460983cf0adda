package localapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"taskman/internal/auth"
	"taskman/internal/logging"
	"taskman/internal/task"
)

const maxBodyBytes = 1 << 20

// TaskService is what the gateway needs from the task manager.
type TaskService interface {
	Create(ctx context.Context, prompt, workdir string) (task.Task, error)
	Get(ctx context.Context, taskID string) (task.View, error)
	List(ctx context.Context) []task.Task
	Output(ctx context.Context, taskID string, tail int) (string, error)
	SendFollowup(ctx context.Context, taskID, prompt string) (task.Task, task.Followup, error)
	Kill(ctx context.Context, taskID string) (task.Task, error)
}

type Deps struct {
	Tasks          TaskService
	Gate           *auth.Gatekeeper
	Logger         *slog.Logger
	BasePath       string
	StreamInterval time.Duration
	// OutputPath, when set, locates a task's output log so streams wake on
	// writes instead of waiting for the next tick.
	OutputPath func(taskID string) string
}

type Server struct {
	deps   Deps
	mux    *http.ServeMux
	base   string
	logger *slog.Logger
}

func NewServer(deps Deps) *Server {
	base := "/" + strings.Trim(strings.TrimSpace(deps.BasePath), "/")
	if base == "/" {
		base = ""
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.StreamInterval <= 0 {
		deps.StreamInterval = time.Second
	}
	s := &Server{
		deps:   deps,
		mux:    http.NewServeMux(),
		base:   base,
		logger: deps.Logger.With("module", "localapi"),
	}
	s.registerTaskRoutes()
	s.registerAuthRoutes()
	s.mux.HandleFunc("/healthz", s.handleHealth)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondTaskError maps manager errors onto the gateway's status codes.
// Unclassified errors are logged and reported without internal detail.
func (s *Server) respondTaskError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, task.ErrInvalidPrompt), errors.Is(err, task.ErrInvalidWorkdir):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, task.ErrNotFound):
		respondError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, task.ErrSessionEnded):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}
