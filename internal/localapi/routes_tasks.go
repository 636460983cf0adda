package localapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"taskman/internal/task"
)

const listPromptRunes = 120

type createTaskRequest struct {
	Prompt  string `json:"prompt"`
	Workdir string `json:"workdir"`
}

type createTaskResponse struct {
	TaskID                string      `json:"task_id"`
	SessionConversationID string      `json:"session_conversation_id"`
	Prompt                string      `json:"prompt"`
	Workdir               string      `json:"workdir"`
	Status                task.Status `json:"status"`
	CreatedAt             time.Time   `json:"created_at"`
	SessionName           string      `json:"session_name"`
	ErrorMessage          string      `json:"error_message,omitempty"`
}

type taskSummary struct {
	TaskID    string      `json:"task_id"`
	Prompt    string      `json:"prompt"`
	Status    task.Status `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

type messageRequest struct {
	Prompt string `json:"prompt"`
}

type messageResponse struct {
	TaskID                string          `json:"task_id"`
	SessionConversationID string          `json:"session_conversation_id"`
	Status                task.Status     `json:"status"`
	Followups             []task.Followup `json:"followups"`
}

type killResponse struct {
	TaskID   string      `json:"task_id"`
	Status   task.Status `json:"status"`
	KilledAt *time.Time  `json:"killed_at"`
}

func (s *Server) registerTaskRoutes() {
	s.mux.Handle(s.base+"/tasks", s.deps.Gate.RequireBearer(http.HandlerFunc(s.handleTasks)))
	s.mux.Handle(s.base+"/tasks/", s.deps.Gate.RequireBearer(http.HandlerFunc(s.handleTaskActions)))
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateTask(w, r)
	case http.MethodGet:
		s.handleListTasks(w, r)
	default:
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		respondError(w, http.StatusBadRequest, task.ErrInvalidPrompt.Error())
		return
	}
	t, err := s.deps.Tasks.Create(r.Context(), req.Prompt, req.Workdir)
	if err != nil {
		s.respondTaskError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createTaskResponse{
		TaskID:                t.TaskID,
		SessionConversationID: t.SessionConversationID,
		Prompt:                t.Prompt,
		Workdir:               t.Workdir,
		Status:                t.Status,
		CreatedAt:             t.CreatedAt,
		SessionName:           t.SessionName,
		ErrorMessage:          t.ErrorMessage,
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.deps.Tasks.List(r.Context())
	out := make([]taskSummary, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskSummary{
			TaskID:    t.TaskID,
			Prompt:    truncateRunes(t.Prompt, listPromptRunes),
			Status:    t.Status,
			CreatedAt: t.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

func (s *Server) handleTaskActions(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, s.base+"/tasks/"), "/")
	taskID := parts[0]
	if taskID == "" || len(parts) > 2 {
		respondError(w, http.StatusNotFound, "route not found")
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}
	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			s.handleGetTask(w, r, taskID)
		case http.MethodDelete:
			s.handleKillTask(w, r, taskID)
		default:
			respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	case "output":
		if r.Method != http.MethodGet {
			respondError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleTaskOutput(w, r, taskID)
	case "message":
		if r.Method != http.MethodPost {
			respondError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleSendMessage(w, r, taskID)
	case "stream":
		if r.Method != http.MethodGet {
			respondError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleTaskStream(w, r, taskID)
	default:
		respondError(w, http.StatusNotFound, "route not found")
	}
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request, taskID string) {
	view, err := s.deps.Tasks.Get(r.Context(), taskID)
	if err != nil {
		s.respondTaskError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleTaskOutput(w http.ResponseWriter, r *http.Request, taskID string) {
	tail := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("tail")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "tail must be a non-negative integer")
			return
		}
		tail = n
	}
	out, err := s.deps.Tasks.Output(r.Context(), taskID, tail)
	if err != nil {
		s.respondTaskError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(out))
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, taskID string) {
	var req messageRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	t, _, err := s.deps.Tasks.SendFollowup(r.Context(), taskID, req.Prompt)
	if err != nil {
		s.respondTaskError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{
		TaskID:                t.TaskID,
		SessionConversationID: t.SessionConversationID,
		Status:                t.Status,
		Followups:             t.Followups,
	})
}

func (s *Server) handleKillTask(w http.ResponseWriter, r *http.Request, taskID string) {
	t, err := s.deps.Tasks.Kill(r.Context(), taskID)
	if err != nil {
		s.respondTaskError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, killResponse{TaskID: t.TaskID, Status: t.Status, KilledAt: t.FinishedAt})
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
