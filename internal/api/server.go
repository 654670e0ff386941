// Package api exposes the engine over HTTP: task lifecycle, event streams,
// and diagnostics.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flitsinc/agentcore/internal/engine"
	"github.com/flitsinc/agentcore/internal/eventbus"
	"github.com/flitsinc/agentcore/internal/history"
	"github.com/flitsinc/agentcore/internal/state"
	"github.com/flitsinc/agentcore/internal/task"
)

type Server struct {
	Engine       *engine.Engine
	Bus          *eventbus.Bus
	Store        *state.Store
	Restart      func() error
	RestartToken string
	StartedAt    time.Time
	Info         DiagnosticsInfo
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTaskItem)
	mux.HandleFunc("/api/streams/subscribe", s.handleStreamSubscribe)
	mux.HandleFunc("/api/streams/ws", s.handleStreamWS)
	mux.HandleFunc("/api/streams/", s.handleStreams)
	mux.HandleFunc("/api/admin/restart", s.handleRestart)
	mux.HandleFunc("/api/diagnostics", s.handleDiagnostics)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := parseInt(r.URL.Query().Get("limit"), 100)
		items, err := s.Engine.ListTasks(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case http.MethodPost:
		var spec task.Spec
		if err := decodeJSON(r.Body, &spec); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		id, err := s.Engine.StartTask(r.Context(), spec)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, engine.ErrTaskOpen) {
				status = http.StatusConflict
			}
			writeError(w, status, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": id})
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleTaskItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("task"))
		return
	}
	taskID := segments[0]
	if len(segments) == 1 {
		switch r.Method {
		case http.MethodGet:
			item, err := s.Engine.GetTask(r.Context(), taskID)
			if err != nil {
				writeError(w, http.StatusNotFound, err)
				return
			}
			writeJSON(w, http.StatusOK, item)
		default:
			writeMethodNotAllowed(w)
		}
		return
	}

	action := segments[1]
	switch action {
	case "cancel":
		s.handleTaskCancel(w, r, taskID)
	case "resume":
		s.handleTaskResume(w, r, taskID)
	case "condense":
		s.handleTaskCondense(w, r, taskID)
	case "message":
		s.handleTaskMessage(w, r, taskID)
	case "respond":
		s.handleTaskRespond(w, r, taskID)
	case "transcript":
		s.handleTaskTranscript(w, r, taskID)
	case "messages":
		s.handleTaskMessages(w, r, taskID)
	default:
		writeError(w, http.StatusNotFound, errNotFound("task action"))
	}
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if err := s.Engine.CancelTask(r.Context(), taskID); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleTaskResume(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if err := s.Engine.ResumeTask(r.Context(), taskID); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, engine.ErrTaskOpen) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleTaskCondense(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	res, err := s.Engine.CondenseTask(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"condense_id": res.CondenseID,
		"condensed":   res.Condensed,
	})
}

func (s *Server) handleTaskMessage(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		Text string `json:"text"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if open, ok := s.Engine.OpenTaskID(); !ok || open != taskID {
		writeError(w, http.StatusConflict, errNotFound("open task "+taskID))
		return
	}
	if err := s.Engine.SendMessage(payload.Text); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleTaskRespond(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		Approved bool   `json:"approved"`
		Text     string `json:"text"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if open, ok := s.Engine.OpenTaskID(); !ok || open != taskID {
		writeError(w, http.StatusConflict, errNotFound("open task "+taskID))
		return
	}
	if err := s.Engine.Respond(payload.Approved, payload.Text); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleTaskTranscript(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	entries, err := s.Engine.Transcript(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleTaskMessages serves the request log; ?view=effective filters out
// condensed messages.
func (s *Server) handleTaskMessages(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	hist := history.NewStore(s.Store, taskID)
	if err := hist.Load(r.Context()); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if r.URL.Query().Get("view") == "effective" {
		writeJSON(w, http.StatusOK, hist.EffectiveHistory())
		return
	}
	writeJSON(w, http.StatusOK, hist.RequestLog())
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/streams/")
	stream := strings.Trim(path, "/")
	if stream == "" {
		writeError(w, http.StatusNotFound, errNotFound("stream"))
		return
	}
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	taskID := r.URL.Query().Get("task_id")
	items, err := s.Bus.List(r.Context(), stream, taskID, limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleStreamSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	streamsParam := r.URL.Query().Get("streams")
	if streamsParam == "" {
		streamsParam = "task_state,delegation,errors"
	}
	streamList := splitComma(streamsParam)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errNotFound("streaming support"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	_, _ = w.Write([]byte(":ok\n\n"))
	flusher.Flush()

	ctx := r.Context()
	sub := s.Bus.Subscribe(ctx, streamList)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			payload, _ := json.Marshal(evt)
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if s.Restart == nil {
		writeError(w, http.StatusNotImplemented, errNotFound("restart"))
		return
	}
	if token := s.RestartToken; token != "" {
		header := r.Header.Get("X-Restart-Token")
		if header != token {
			writeError(w, http.StatusUnauthorized, errNotFound("invalid restart token"))
			return
		}
	}
	if err := s.Restart(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitComma(value string) []string {
	parts := strings.Split(value, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}
