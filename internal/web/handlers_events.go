package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nadavbarak14/agentboard/internal/orchestrator"
	"github.com/nadavbarak14/agentboard/internal/session"
)

const eventsHeartbeatInterval = 30 * time.Second

// handleSessionEvents streams lifecycle transitions over SSE. Each
// notification is followed by a fresh session snapshot so clients never
// need to reconcile dropped events.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "stream unavailable")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := s.writeSessionsSnapshot(w, flusher); err != nil {
		return
	}

	notifications := s.subscribeNotifications()
	defer s.unsubscribeNotifications(notifications)

	heartbeat := time.NewTicker(eventsHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case n := <-notifications:
			if err := writeSSEEvent(w, flusher, "notification", notificationView(n)); err != nil {
				return
			}
			if err := s.writeSessionsSnapshot(w, flusher); err != nil {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) writeSessionsSnapshot(w http.ResponseWriter, flusher http.Flusher) error {
	sessions, err := s.repo.ListSessions(session.Status(""))
	if err != nil {
		return err
	}
	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, viewOf(sess))
	}
	return writeSSEEvent(w, flusher, "sessions", map[string]any{"sessions": views})
}

func notificationView(n orchestrator.Notification) map[string]any {
	v := map[string]any{
		"kind":      string(n.Kind),
		"sessionId": n.SessionID,
	}
	if n.ConversationID != "" {
		v["conversationId"] = n.ConversationID
	}
	if n.Kind == orchestrator.NotifNeedsInput {
		v["needsInput"] = n.NeedsInput
	}
	return v
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
