package api

import (
	"errors"
	"net/http"
	"strings"

	"opendrama/internal/logging"
	"opendrama/internal/provider"
	"opendrama/internal/services"
)

// handleCallback applies a provider push notification. It shares Observe
// with the poll loop, so a callback racing a poll settles the segment once.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	subject, err := verifyCallback(s.opts.WebhookSecret, r)
	if err != nil {
		logging.WarnWithContext(logging.WithContext(r.Context(), s.logger), "provider callback rejected", "callback_rejected",
			logging.Error(err),
			logging.String(logging.FieldImpact, "segment waits for the next poll"),
			logging.String(logging.FieldErrorHint, "check provider.webhook_secret matches the provider"),
		)
		s.writeError(w, http.StatusUnauthorized, "invalid callback token")
		return
	}
	var req CallbackRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.TaskHandle = strings.TrimSpace(req.TaskHandle)
	if req.TaskHandle == "" {
		req.TaskHandle = subject
	}
	if req.TaskHandle != subject {
		s.writeError(w, http.StatusForbidden, callbackMismatch(subject, req.TaskHandle).Error())
		return
	}

	result := provider.PollResult{
		Status:       provider.NormalizeStatus(string(req.Status)),
		ArtifactURL:  strings.TrimSpace(req.ArtifactURL),
		ThumbnailURL: strings.TrimSpace(req.ThumbnailURL),
		Error:        strings.TrimSpace(req.Error),
	}
	if result.Status == provider.StatusDone && result.ArtifactURL == "" {
		result = provider.PollResult{Status: provider.StatusFailed, Error: "provider reported success without a video"}
	}
	if err := s.deps.Reconciler.ObserveHandle(r.Context(), req.TaskHandle, result); err != nil {
		if errors.Is(err, services.ErrNotFound) {
			// Reset segments are deleted; the provider still calls back.
			s.writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}
