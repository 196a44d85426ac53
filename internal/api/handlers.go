package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/careerdesk/counselor/internal/apperr"
	"github.com/careerdesk/counselor/internal/engine"
	"github.com/careerdesk/counselor/internal/store"
)

// CreateUserRequest is the body of POST /v1/users.
type CreateUserRequest struct {
	UserID string `json:"user_id"`
}

// PromptRequest is the body of POST .../prompts.
type PromptRequest struct {
	Prompt string `json:"prompt"`
}

// ResultResponse is the result slot of one run. Once completed it
// carries the exchange: the id, the user's utterance and the
// assistant's reply, each labelled with its role.
type ResultResponse struct {
	MessageID        string          `json:"message_id"`
	ThreadID         string          `json:"thread_id"`
	RunID            string          `json:"run_id"`
	Status           store.RunStatus `json:"status"`
	User             string          `json:"user"`
	UserContent      string          `json:"usercontent"`
	Assistant        string          `json:"ai"`
	AssistantContent string          `json:"aicontent,omitempty"`
	Attempts         int             `json:"attempts"`
	Error            string          `json:"error,omitempty"`
}

func newResultResponse(rec *store.RunRecord) ResultResponse {
	return ResultResponse{
		MessageID:        rec.Token,
		ThreadID:         rec.ThreadID,
		RunID:            rec.RunID,
		Status:           rec.Status,
		User:             "user",
		UserContent:      rec.UserText,
		Assistant:        "assistant",
		AssistantContent: rec.AssistantText,
		Attempts:         rec.Attempts,
		Error:            rec.Error,
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.E(apperr.ErrInvalidInput, "invalid request body: %v", err)
	}
	return nil
}

func (s *Server) handleUserCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.orch.CreateUser(r.Context(), req.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, u)
}

func (s *Server) handleUserList(w http.ResponseWriter, r *http.Request) {
	users, err := s.orch.ListUsers(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if users == nil {
		users = []store.User{}
	}
	s.respond(w, http.StatusOK, map[string]any{"users": users, "count": len(users)})
}

func (s *Server) handleUserGet(w http.ResponseWriter, r *http.Request) {
	u, err := s.orch.FindUser(r.Context(), r.PathValue("userID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, u)
}

func (s *Server) handleUserDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.DeleteUser(r.Context(), r.PathValue("userID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleThreadCreate(w http.ResponseWriter, r *http.Request) {
	t, err := s.orch.CreateThread(r.Context(), r.PathValue("userID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, t)
}

func (s *Server) handleThreadList(w http.ResponseWriter, r *http.Request) {
	threads, err := s.orch.ListThreads(r.Context(), r.PathValue("userID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"threads": threads, "count": len(threads)})
}

func (s *Server) handleThreadDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.DeleteThread(r.Context(), r.PathValue("userID"), r.PathValue("threadID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUserExchanges(w http.ResponseWriter, r *http.Request) {
	exchanges, err := s.orch.ListUserExchanges(r.Context(), r.PathValue("userID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if exchanges == nil {
		exchanges = []store.Exchange{}
	}
	s.respond(w, http.StatusOK, map[string]any{"exchanges": exchanges, "count": len(exchanges)})
}

// handleUserUsage reports token usage. ?since= takes a duration
// looking back from now (e.g. 24h) or an RFC 3339 timestamp.
func (s *Server) handleUserUsage(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-defaultUsageWindow)
	if v := r.URL.Query().Get("since"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			since = time.Now().Add(-d)
		} else if ts, err := time.Parse(time.RFC3339, v); err == nil {
			since = ts
		} else {
			s.writeError(w, r, apperr.E(apperr.ErrInvalidInput, "invalid since %q (want a duration or RFC 3339 time)", v))
			return
		}
	}
	report, err := s.orch.UserUsage(r.Context(), r.PathValue("userID"), since)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, report)
}

func (s *Server) handlePromptSubmit(w http.ResponseWriter, r *http.Request) {
	var req PromptRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ticket, err := s.orch.SubmitPrompt(r.Context(), r.PathValue("userID"), r.PathValue("threadID"), req.Prompt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/runs/"+ticket.Token)
	s.respond(w, http.StatusAccepted, ticket)
}

func (s *Server) handleThreadMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.orch.ListExchanges(r.Context(), r.PathValue("userID"), r.PathValue("threadID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []engine.Message{}
	}
	s.respond(w, http.StatusOK, map[string]any{"messages": msgs, "count": len(msgs)})
}

func (s *Server) handleThreadHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.orch.ThreadHistory(r.Context(), r.PathValue("userID"), r.PathValue("threadID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if history == nil {
		history = []store.Exchange{}
	}
	s.respond(w, http.StatusOK, map[string]any{"exchanges": history, "count": len(history)})
}

// handleRunGet returns the result slot. With ?wait=<duration> it
// blocks until the run resolves or the wait elapses.
func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")

	var wait time.Duration
	if v := r.URL.Query().Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			s.writeError(w, r, apperr.E(apperr.ErrInvalidInput, "invalid wait duration %q", v))
			return
		}
		wait = min(d, maxWait)
	}

	var rec *store.RunRecord
	var err error
	if wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		rec, err = s.orch.AwaitResult(ctx, token)
		cancel()
	} else {
		rec, err = s.orch.Result(r.Context(), token)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, newResultResponse(rec))
}
