package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/nadavbarak14/agentboard/internal/orchestrator"
	"github.com/nadavbarak14/agentboard/internal/session"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{Error: apiError{Code: code, Message: message}})
}

// sessionView is the JSON shape of a session.
type sessionView struct {
	ID                string    `json:"id"`
	Title             string    `json:"title"`
	WorkingDir        string    `json:"workingDir"`
	WorkerID          string    `json:"workerId,omitempty"`
	Status            string    `json:"status"`
	ConversationID    string    `json:"conversationId,omitempty"`
	ContinuationCount int       `json:"continuationCount"`
	NeedsInput        bool      `json:"needsInput"`
	Locked            bool      `json:"locked"`
	Worktree          bool      `json:"worktree"`
	Position          int       `json:"position"`
	CreatedAt         time.Time `json:"createdAt"`
	LastActiveAt      time.Time `json:"lastActiveAt"`
}

func viewOf(sess *session.Session) sessionView {
	return sessionView{
		ID:                sess.ID,
		Title:             sess.Title,
		WorkingDir:        sess.WorkingDir,
		WorkerID:          sess.WorkerID,
		Status:            string(sess.Status),
		ConversationID:    sess.ConversationID,
		ContinuationCount: sess.ContinuationCount,
		NeedsInput:        sess.NeedsInput,
		Locked:            sess.Locked,
		Worktree:          sess.Worktree,
		Position:          sess.Position,
		CreatedAt:         sess.CreatedAt,
		LastActiveAt:      sess.LastActiveAt,
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"readOnly": s.cfg.ReadOnly,
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	switch r.Method {
	case http.MethodGet:
		sessions, err := s.repo.ListSessions(session.Status(r.URL.Query().Get("status")))
		if err != nil {
			writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list sessions")
			return
		}
		views := make([]sessionView, 0, len(sessions))
		for _, sess := range sessions {
			views = append(views, viewOf(sess))
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": views})

	case http.MethodPost:
		if s.cfg.ReadOnly {
			writeAPIError(w, http.StatusForbidden, "READ_ONLY", "server is read-only")
			return
		}
		var req struct {
			Title      string `json:"title"`
			WorkingDir string `json:"workingDir"`
			WorkerID   string `json:"workerId"`
			Worktree   bool   `json:"worktree"`
			Locked     bool   `json:"locked"`
			StartFresh bool   `json:"startFresh"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json payload")
			return
		}
		sess, err := s.core.CreateSession(orchestrator.CreateInput{
			Title:      req.Title,
			WorkingDir: req.WorkingDir,
			WorkerID:   req.WorkerID,
			Worktree:   req.Worktree,
			Locked:     req.Locked,
			StartFresh: req.StartFresh,
		})
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, "CREATE_FAILED", err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, viewOf(sess))

	default:
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}
}

// handleSessionByID routes /api/session/{id} and /api/session/{id}/{action}.
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/session/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "session id is required")
		return
	}

	if action == "" {
		switch r.Method {
		case http.MethodGet:
			sess, err := s.repo.GetSession(id)
			if err != nil {
				writeSessionError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, viewOf(sess))
		case http.MethodDelete:
			if s.cfg.ReadOnly {
				writeAPIError(w, http.StatusForbidden, "READ_ONLY", "server is read-only")
				return
			}
			if err := s.core.DeleteSession(id); err != nil {
				writeSessionError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
		default:
			writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		}
		return
	}

	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if s.cfg.ReadOnly {
		writeAPIError(w, http.StatusForbidden, "READ_ONLY", "server is read-only")
		return
	}
	s.handleSessionAction(w, r, id, action)
}

func (s *Server) handleSessionAction(w http.ResponseWriter, r *http.Request, id, action string) {
	switch action {
	case "continue":
		res, err := s.core.ContinueSession(id)
		if err != nil {
			writeSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  string(res.Status),
			"message": res.Message,
		})

	case "kill":
		writeJSON(w, http.StatusOK, map[string]any{"killed": s.core.KillSession(id)})

	case "comment":
		var req struct {
			Body string `json:"body"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Body) == "" {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "comment body is required")
			return
		}
		if err := s.core.AddComment(id, req.Body); err != nil {
			writeSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"queued": true})

	case "lock":
		var req struct {
			Locked bool `json:"locked"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json payload")
			return
		}
		if err := s.core.SetLocked(id, req.Locked); err != nil {
			writeSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"locked": req.Locked})

	default:
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "unknown session action")
	}
}

func writeSessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrNotFound) {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
		return
	}
	writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
}
