package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/Lockstep/internal/models"
)

// twilioInboundHandler handles POST /webhooks/twilio/inbound. Only STOP and
// START style replies change state; everything else is acknowledged and dropped.
func (s *Server) twilioInboundHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if !s.validTwilioRequest(r) {
		slog.Warn("Server.twilioInboundHandler: invalid Twilio signature", "remote", r.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Error("Server.twilioInboundHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	from := r.PostFormValue("From")
	body := r.PostFormValue("Body")
	if from == "" {
		slog.Warn("Server.twilioInboundHandler: missing From")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	action, changed, err := s.inbound.HandleInbound(r.Context(), from, body)
	if err != nil {
		if errors.Is(err, models.ErrInvalidPhone) {
			slog.Warn("Server.twilioInboundHandler: unparseable sender", "from", from)
			writeTwiML(w)
			return
		}
		slog.Error("Server.twilioInboundHandler: failed to apply reply", "from", from, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	slog.Debug("Server.twilioInboundHandler: reply handled", "from", from, "action", action, "changed", changed)
	writeTwiML(w)
}

// twilioStatusHandler handles POST /webhooks/twilio/status delivery callbacks.
func (s *Server) twilioStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if !s.validTwilioRequest(r) {
		slog.Warn("Server.twilioStatusHandler: invalid Twilio signature", "remote", r.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	sid := r.PostFormValue("MessageSid")
	status := r.PostFormValue("MessageStatus")
	if _, err := s.status.HandleStatus(r.Context(), sid, status); err != nil {
		slog.Error("Server.twilioStatusHandler: failed to apply status", "sid", sid, "status", status, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) validTwilioRequest(r *http.Request) bool {
	if s.opts.Validator == nil {
		return true
	}
	return s.opts.Validator.Validate(r)
}
