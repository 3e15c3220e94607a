package api

import (
	"net/http"
	"time"

	"github.com/flowpbx/callctl/internal/message"
)

// maxRegisterTTL bounds ttl_seconds; registrars cap far below this.
const maxRegisterTTL = 24 * 60 * 60

// registerRequest is the body of POST /registrations. A zero ttl_seconds
// removes the registration.
type registerRequest struct {
	Server     string `json:"server"`
	Identifier string `json:"identifier"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// handleRegister starts, refreshes or removes a registration. The outcome
// arrives on the event feed as a Registration event.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	for _, msg := range []string{
		validateParty("server", req.Server, true),
		validateParty("identifier", req.Identifier, false),
	} {
		if msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
	}
	if req.TTLSeconds < 0 || req.TTLSeconds > maxRegisterTTL {
		writeError(w, http.StatusBadRequest, "ttl_seconds must be 0..86400")
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	if err := s.calls.Register(req.Server, req.Identifier, ttl); err != nil {
		s.writeCallError(w, "register", "", err)
		return
	}

	s.logger.Info("registration requested", "registrar", req.Server, "ttl", ttl)
	writeJSON(w, http.StatusAccepted, commandResponse{Command: message.CommandRegister.String()})
}
