package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/FormPipe/internal/auth"
	"github.com/BTreeMap/FormPipe/internal/engine"
	"github.com/BTreeMap/FormPipe/internal/models"
	"github.com/go-chi/chi/v5"
)

type createSessionRequest struct {
	Channel  string            `json:"channel"`
	Locale   string            `json:"locale"`
	Metadata map[string]string `json:"metadata"`
}

type createSessionResponse struct {
	SessionID        string               `json:"session_id"`
	SessionToken     string               `json:"session_token"`
	State            models.SessionStatus `json:"state"`
	AssistantMessage string               `json:"assistant_message"`
}

type messageRequest struct {
	Message *string `json:"message"`
}

type messageResponse struct {
	SessionID string `json:"session_id"`
	models.TurnResult
}

type messagesResponse struct {
	SessionID string           `json:"session_id"`
	Messages  []models.Message `json:"messages"`
}

type completeResponse struct {
	SessionID    string               `json:"session_id"`
	Status       models.SessionStatus `json:"status"`
	SubmissionID string               `json:"submission_id"`
}

// requireSessionToken rejects requests whose bearer token was not issued for the session in the path.
func (s *Server) requireSessionToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "id")
		token, ok := auth.BearerToken(r)
		if !ok {
			writeJSONResponse(w, http.StatusUnauthorized, models.Error("Missing session token"))
			return
		}
		if err := s.signer.Verify(token, sessionID); err != nil {
			slog.Warn("Server.requireSessionToken: invalid token", "sessionID", sessionID, "error", err)
			writeJSONResponse(w, http.StatusUnauthorized, models.Error("Invalid session token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// createSessionHandler starts a respondent session (POST /public/f/{slug}/sessions).
func (s *Server) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, DefaultMaxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		slog.Warn("Server.createSessionHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.Channel == "" {
		req.Channel = "chat"
	}

	started, err := s.engine.StartSession(r.Context(), chi.URLParam(r, "slug"), engine.StartOptions{
		Channel:  req.Channel,
		Locale:   req.Locale,
		Metadata: req.Metadata,
	})
	if err != nil {
		writeError(w, "Server.createSessionHandler", err)
		return
	}
	token, err := s.signer.Issue(started.Session.ID)
	if err != nil {
		writeError(w, "Server.createSessionHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(createSessionResponse{
		SessionID:        started.Session.ID,
		SessionToken:     token,
		State:            started.Session.Status,
		AssistantMessage: started.Reply,
	}))
}

// messageHandler runs one respondent turn (POST /public/sessions/{id}/message).
func (s *Server) messageHandler(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, DefaultMaxBodyBytes)).Decode(&req); err != nil {
		slog.Warn("Server.messageHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.Message == nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: message"))
		return
	}

	sessionID := chi.URLParam(r, "id")
	result, err := s.engine.ProcessTurn(r.Context(), sessionID, *req.Message)
	if err != nil {
		writeError(w, "Server.messageHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Turn(messageResponse{SessionID: sessionID, TurnResult: result}, result.Accepted))
}

// messagesHandler returns the transcript for reconnecting clients (GET /public/sessions/{id}/messages).
func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	messages, err := s.engine.Transcript(r.Context(), sessionID)
	if err != nil {
		writeError(w, "Server.messagesHandler", err)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(messagesResponse{SessionID: sessionID, Messages: messages}))
}

// completeHandler completes a session with its current answers (POST /public/sessions/{id}/complete).
func (s *Server) completeHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	sub, err := s.engine.CompleteSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, "Server.completeHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(completeResponse{
		SessionID:    sessionID,
		Status:       models.SessionStatusCompleted,
		SubmissionID: sub.ID,
	}))
}
