package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/flowpbx/callctl/internal/call"
	"github.com/flowpbx/callctl/internal/callcontrol"
	"github.com/flowpbx/callctl/internal/media"
	"github.com/flowpbx/callctl/internal/message"
)

// setUpRequest is the body of POST /calls.
type setUpRequest struct {
	PartyB       string `json:"party_b"`
	PartyA       string `json:"party_a"`
	AlertingType string `json:"alerting_type"`
}

// userInputRequest is the body of POST /calls/{token}/input.
type userInputRequest struct {
	Input      string `json:"input"`
	DurationMS int    `json:"duration_ms"`
}

// commandResponse acknowledges an accepted command. Its outcome arrives
// on the event feed.
type commandResponse struct {
	Token   string `json:"token"`
	Command string `json:"command"`
}

// handleListCalls returns a snapshot of the live calls.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	calls := s.calls.Calls()
	if calls == nil {
		calls = []call.Info{}
	}
	writeJSON(w, http.StatusOK, calls)
}

// handleGetCall returns one live call.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	info, ok := s.calls.Call(tokenParam(r))
	if !ok {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleSetUpCall starts an outgoing call and returns its token.
func (s *Server) handleSetUpCall(w http.ResponseWriter, r *http.Request) {
	var req setUpRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	for _, msg := range []string{
		validateParty("party_b", req.PartyB, true),
		validateParty("party_a", req.PartyA, false),
		validateStringLen("alerting_type", req.AlertingType, maxAlertingLen),
	} {
		if msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
	}

	resp, err := s.calls.SetUpCall(req.PartyB, req.PartyA, req.AlertingType)
	if err != nil {
		s.writeCallError(w, "set up call", "", err)
		return
	}

	s.logger.Info("call set up requested", "token", resp.Token, "party_b", req.PartyB)
	writeJSON(w, http.StatusCreated, commandResponse{Token: resp.Token, Command: resp.Kind.String()})
}

// handleAnswerCall answers an alerting incoming call.
func (s *Server) handleAnswerCall(w http.ResponseWriter, r *http.Request) {
	token := tokenParam(r)
	if err := s.calls.AnswerCall(token); err != nil {
		s.writeCallError(w, "answer call", token, err)
		return
	}
	writeJSON(w, http.StatusAccepted, commandResponse{Token: token, Command: message.CommandAnswer.String()})
}

// handleClearCall clears a call. Query param: reason (defaults to Unknown).
func (s *Server) handleClearCall(w http.ResponseWriter, r *http.Request) {
	token := tokenParam(r)

	reason, err := message.ParseReason(r.URL.Query().Get("reason"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.calls.ClearCall(token, reason); err != nil {
		s.writeCallError(w, "clear call", token, err)
		return
	}
	writeJSON(w, http.StatusAccepted, commandResponse{Token: token, Command: message.CommandClear.String()})
}

// handleSendUserInput sends DTMF digits on an established call.
func (s *Server) handleSendUserInput(w http.ResponseWriter, r *http.Request) {
	token := tokenParam(r)

	var req userInputRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if msg := validateRequiredStringLen("input", req.Input, maxInputLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if _, err := media.SplitInput(req.Input, 0); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.DurationMS < 0 {
		writeError(w, http.StatusBadRequest, "duration_ms must not be negative")
		return
	}

	duration := time.Duration(req.DurationMS) * time.Millisecond
	if err := s.calls.SendUserInput(token, req.Input, duration); err != nil {
		s.writeCallError(w, "send user input", token, err)
		return
	}
	writeJSON(w, http.StatusAccepted, commandResponse{Token: token, Command: message.CommandUserInput.String()})
}

// writeCallError maps a call-control error to an HTTP status.
func (s *Server) writeCallError(w http.ResponseWriter, op, token string, err error) {
	var status int
	switch {
	case errors.Is(err, callcontrol.ErrUnknownToken):
		status = http.StatusNotFound
	case errors.Is(err, callcontrol.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, callcontrol.ErrInvalidCommand):
		status = http.StatusBadRequest
	case errors.Is(err, callcontrol.ErrNotInitialised), errors.Is(err, callcontrol.ErrResourceExhausted):
		status = http.StatusServiceUnavailable
	default:
		s.logger.Error(op+": failed", "token", token, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.logger.Debug(op+": rejected", "token", token, "status", status, "error", err)
	writeError(w, status, err.Error())
}
