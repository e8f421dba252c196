package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/BTreeMap/CheckIn/internal/flow"
	"github.com/BTreeMap/CheckIn/internal/models"
)

// decodeJSON decodes the request body into v. An empty body is accepted when
// allowEmpty is set.
func decodeJSON(r *http.Request, v interface{}, allowEmpty bool) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) && allowEmpty {
		return nil
	}
	return err
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// createSessionHandler handles POST /sessions
func (s *Server) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest
	if err := decodeJSON(r, &req, true); err != nil {
		slog.Warn("Server.createSessionHandler: invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.createSessionHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	view, err := s.svc.CreateSession(r.Context(), req.Name)
	if err != nil {
		writeServiceError(w, "createSessionHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Session created", view))
}

// listSessionsHandler handles GET /sessions
func (s *Server) listSessionsHandler(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.svc.ListSessions(r.Context())
	if err != nil {
		writeServiceError(w, "listSessionsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sessions))
}

// getSessionHandler handles GET /sessions/{id}
func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	view, err := s.svc.GetSession(r.Context(), id)
	if err != nil {
		writeServiceError(w, "getSessionHandler", err, "sessionID", id)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(view))
}

// turnHandler handles POST /sessions/{id}/turns
func (s *Server) turnHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req models.TurnRequest
	if err := decodeJSON(r, &req, false); err != nil {
		slog.Warn("Server.turnHandler: invalid JSON", "sessionID", id, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.turnHandler: validation failed", "sessionID", id, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	result, err := s.svc.ProcessTurn(r.Context(), flow.TurnInput{
		SessionID:     id,
		TurnKey:       req.TurnKey,
		Transcription: req.Transcription,
		Vision:        req.Vision,
	})
	if err != nil {
		writeServiceError(w, "turnHandler", err, "sessionID", id)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

// mediaHandler handles POST /sessions/{id}/media
func (s *Server) mediaHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req models.MediaTurnRequest
	if err := decodeJSON(r, &req, false); err != nil {
		slog.Warn("Server.mediaHandler: invalid JSON", "sessionID", id, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.mediaHandler: validation failed", "sessionID", id, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	result, err := s.svc.ProcessMedia(r.Context(), flow.MediaInput{
		SessionID: id,
		TurnKey:   req.TurnKey,
		AudioURL:  req.AudioURL,
		VideoURL:  req.VideoURL,
	})
	if err != nil {
		writeServiceError(w, "mediaHandler", err, "sessionID", id)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

// listTurnsHandler handles GET /sessions/{id}/turns
func (s *Server) listTurnsHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	turns, err := s.svc.Turns(r.Context(), id)
	if err != nil {
		writeServiceError(w, "listTurnsHandler", err, "sessionID", id)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(turns))
}

// endSessionHandler handles POST /sessions/{id}/end
func (s *Server) endSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	view, err := s.svc.EndSession(r.Context(), id)
	if err != nil {
		writeServiceError(w, "endSessionHandler", err, "sessionID", id)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session ended", view))
}

// resumeSessionHandler handles POST /sessions/{id}/resume
func (s *Server) resumeSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	view, err := s.svc.ResumeSession(r.Context(), id)
	if err != nil {
		writeServiceError(w, "resumeSessionHandler", err, "sessionID", id)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session resumed", view))
}

// summaryHandler handles GET /sessions/{id}/summary
func (s *Server) summaryHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	summary, err := s.svc.Summary(r.Context(), id)
	if err != nil {
		writeServiceError(w, "summaryHandler", err, "sessionID", id)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(summary))
}

// listTriggersHandler handles GET /sessions/{id}/triggers
func (s *Server) listTriggersHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	events, err := s.svc.Triggers(r.Context(), id)
	if err != nil {
		writeServiceError(w, "listTriggersHandler", err, "sessionID", id)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(events))
}
