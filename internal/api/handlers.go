package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/Lockstep/internal/messaging"
	"github.com/BTreeMap/Lockstep/internal/models"
)

type processCheckpointsRequest struct {
	CheckpointID string `json:"checkpointId"`
}

type sendNudgeRequest struct {
	GuestID      string         `json:"guestId"`
	CheckpointID string         `json:"checkpointId"`
	EventID      string         `json:"eventId"`
	Channel      models.Channel `json:"channel"`
	Message      string         `json:"message"`
	Retry        bool           `json:"retry"`
}

type sendNudgeResponse struct {
	Success     bool   `json:"success"`
	NudgeID     string `json:"nudgeId,omitempty"`
	MessageSID  string `json:"messageSid,omitempty"`
	AlreadySent bool   `json:"alreadySent,omitempty"`
}

type createGuestRequest struct {
	EventID string `json:"eventId"`
	UserID  string `json:"userId"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
}

type createGuestResponse struct {
	Guest models.Guest `json:"guest"`
}

// processCheckpointsHandler handles POST /process-checkpoints. A missing or
// malformed body means scan mode.
func (s *Server) processCheckpointsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.processCheckpointsHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if !s.authorizedCron(r) {
		slog.Warn("Server.processCheckpointsHandler: unauthorized trigger", "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if s.runner == nil {
		slog.Error("Server.processCheckpointsHandler: checkpoint runner not configured")
		writeError(w, http.StatusInternalServerError, "Checkpoint runner not configured")
		return
	}
	// Checkpoint nudges go out over SMS; without a provider nothing is claimed.
	if cc, ok := s.sender.(channelChecker); ok && !cc.HasProvider(models.ChannelSMS) {
		slog.Error("Server.processCheckpointsHandler: no SMS provider configured")
		writeError(w, http.StatusInternalServerError, "SMS provider not configured")
		return
	}

	var req processCheckpointsRequest
	if r.Body != nil {
		data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err == nil && len(data) > 0 {
			if err := json.Unmarshal(data, &req); err != nil {
				slog.Debug("Server.processCheckpointsHandler: ignoring malformed body", "error", err)
				req = processCheckpointsRequest{}
			}
		}
	}

	// The batch runs to completion even if the caller hangs up.
	res, err := s.runner.Process(context.WithoutCancel(r.Context()), strings.TrimSpace(req.CheckpointID))
	if err != nil {
		slog.Error("Server.processCheckpointsHandler: batch failed", "checkpointID", req.CheckpointID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	slog.Info("Server.processCheckpointsHandler: batch complete", "checkpointID", req.CheckpointID, "processed", res.Processed, "nudgesSent", res.NudgesSent)
	writeJSONResponse(w, http.StatusOK, res)
}

func (s *Server) authorizedCron(r *http.Request) bool {
	if s.opts.CronSecret == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.opts.CronSecret)) == 1
}

// sendNudgeHandler handles POST /send-nudge.
func (s *Server) sendNudgeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.sendNudgeHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if s.sender == nil {
		writeError(w, http.StatusInternalServerError, "Messaging gateway not configured")
		return
	}
	var req sendNudgeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		slog.Warn("Server.sendNudgeHandler: failed to decode JSON", "error", err)
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	if req.GuestID == "" || req.EventID == "" {
		writeError(w, http.StatusBadRequest, "Missing required fields: guestId, eventId")
		return
	}
	if req.Channel == "" {
		req.Channel = models.ChannelSMS
	}

	if s.opts.EnforceLimits && s.limits != nil {
		limit, err := s.limits.CheckLimit(r.Context(), req.EventID, "", models.LimitNudges)
		if err != nil {
			slog.Error("Server.sendNudgeHandler: limit check failed", "eventID", req.EventID, "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to check plan limits")
			return
		}
		if !limit.Allowed {
			slog.Info("Server.sendNudgeHandler: nudge limit reached", "eventID", req.EventID, "tier", limit.Tier, "used", limit.Used)
			writeJSONResponse(w, http.StatusPaymentRequired, errorBody{Error: models.ErrLimitReached.Error(), Limit: &limit})
			return
		}
	}

	res, err := s.sender.Send(r.Context(), messaging.SendRequest{
		EventID:      req.EventID,
		GuestID:      req.GuestID,
		CheckpointID: req.CheckpointID,
		Channel:      req.Channel,
		Message:      req.Message,
		RetryFailed:  req.Retry,
	})
	if err != nil {
		status := sendErrorStatus(err)
		slog.Warn("Server.sendNudgeHandler: send failed", "guestID", req.GuestID, "status", status, "error", err)
		writeJSONResponse(w, status, errorBody{Error: err.Error(), NudgeID: res.NudgeID})
		return
	}
	if res.AlreadySent {
		if !res.Status.Succeeded() {
			slog.Info("Server.sendNudgeHandler: earlier attempt did not succeed", "nudgeID", res.NudgeID, "status", res.Status)
			writeJSONResponse(w, http.StatusConflict, errorBody{Error: unsentNudgeMessage(res.Status), NudgeID: res.NudgeID, Status: res.Status})
			return
		}
		writeJSONResponse(w, http.StatusOK, sendNudgeResponse{Success: true, NudgeID: res.NudgeID, MessageSID: res.ExternalID, AlreadySent: true})
		return
	}
	writeJSONResponse(w, http.StatusOK, sendNudgeResponse{Success: true, NudgeID: res.NudgeID, MessageSID: res.ExternalID})
}

func unsentNudgeMessage(status models.NudgeStatus) string {
	switch status {
	case models.NudgeStatusSending:
		return "Nudge send already in progress"
	case models.NudgeStatusFailed:
		return "Nudge previously failed; resend with retry to try again"
	case models.NudgeStatusUnconfirmed:
		return "Nudge outcome unconfirmed after a provider timeout; it will not be resent"
	default:
		return "Nudge not sent"
	}
}

// sendErrorStatus maps gateway errors onto HTTP status codes.
func sendErrorStatus(err error) int {
	switch {
	case errors.Is(err, models.ErrGuestNotFound):
		return http.StatusNotFound
	case messaging.IsValidationError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// usageHandler handles GET /usage?eventId&userId&type.
func (s *Server) usageHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if s.limits == nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Usage tracker not configured"))
		return
	}
	q := r.URL.Query()
	eventID := q.Get("eventId")
	limitType := models.LimitType(q.Get("type"))
	if limitType == "" {
		limitType = models.LimitNudges
	}
	if eventID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required parameter: eventId"))
		return
	}
	if limitType != models.LimitGuests && limitType != models.LimitNudges {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("type must be guests or nudges"))
		return
	}
	res, err := s.limits.CheckLimit(r.Context(), eventID, q.Get("userId"), limitType)
	if err != nil {
		slog.Error("Server.usageHandler: limit check failed", "eventID", eventID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to check usage"))
		return
	}
	writeJSONResponse(w, http.StatusOK, res)
}

// eventUsageHandler handles GET /usage/events?userId.
func (s *Server) eventUsageHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if s.limits == nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Usage tracker not configured"))
		return
	}
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required parameter: userId"))
		return
	}
	res, err := s.limits.CanCreateEvent(r.Context(), userID)
	if err != nil {
		slog.Error("Server.eventUsageHandler: limit check failed", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to check usage"))
		return
	}
	writeJSONResponse(w, http.StatusOK, res)
}

// createGuestHandler handles POST /guests.
func (s *Server) createGuestHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req createGuestRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		slog.Warn("Server.createGuestHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.EventID == "" || req.Name == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required fields: eventId, name"))
		return
	}
	phone := ""
	if strings.TrimSpace(req.Phone) != "" {
		p, err := messaging.NormalizePhone(req.Phone)
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		phone = p
	}

	ctx := r.Context()
	ev, err := s.st.GetEvent(ctx, req.EventID)
	if err != nil {
		slog.Error("Server.createGuestHandler: failed to load event", "eventID", req.EventID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load event"))
		return
	}
	if ev == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error(models.ErrEventNotFound.Error()))
		return
	}

	if s.opts.EnforceLimits && s.limits != nil {
		limit, err := s.limits.CheckLimit(ctx, req.EventID, req.UserID, models.LimitGuests)
		if err != nil {
			slog.Error("Server.createGuestHandler: limit check failed", "eventID", req.EventID, "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to check plan limits"))
			return
		}
		if !limit.Allowed {
			writeJSONResponse(w, http.StatusPaymentRequired, errorBody{Error: models.ErrLimitReached.Error(), Limit: &limit})
			return
		}
	}

	g := models.Guest{EventID: req.EventID, Name: req.Name, Email: strings.TrimSpace(req.Email), Phone: phone}
	if err := s.st.AddGuest(ctx, &g); err != nil {
		slog.Error("Server.createGuestHandler: failed to add guest", "eventID", req.EventID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to add guest"))
		return
	}
	slog.Info("Server.createGuestHandler: guest added", "eventID", req.EventID, "guestID", g.ID, "hasPhone", g.HasPhone())
	writeJSONResponse(w, http.StatusCreated, createGuestResponse{Guest: g})
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":             "healthy",
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
		"checkpoints_runner": s.runner != nil,
		"limits_enforced":    s.opts.EnforceLimits,
	})
}
