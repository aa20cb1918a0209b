package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Sumatoshi-tech/peer/internal/pipeline"
	"github.com/Sumatoshi-tech/peer/internal/store"
)

// defaultWebhookBodyLimit caps webhook bodies when no limit is configured.
const defaultWebhookBodyLimit = 1 << 20

// Webhook headers consumed from the host.
const (
	headerEvent     = "X-GitHub-Event"
	headerDelivery  = "X-GitHub-Delivery"
	headerSignature = "X-Hub-Signature-256"
)

// handleWebhook verifies the delivery signature, parses the event, and
// dispatches it into the pipeline.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.WebhookBodyLimit
	if limit <= 0 {
		limit = defaultWebhookBodyLimit
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "body too large")

		return
	}

	if !s.verifySignature(body, r.Header.Get(headerSignature)) {
		s.writeError(w, http.StatusUnauthorized, "invalid signature")

		return
	}

	event, err := pipeline.ParseEvent(r.Header.Get(headerEvent), body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	ctx := r.Context()

	if err := s.pipeline.Dispatch(ctx, event); err != nil {
		if errors.Is(err, store.ErrRunConflict) {
			s.writeError(w, http.StatusConflict, "run already exists for this head")

			return
		}

		s.logger.ErrorContext(ctx, "webhook.dispatch_failed",
			slog.String("event", event.Kind),
			slog.String("delivery", r.Header.Get(headerDelivery)),
			slog.Any("error", err))
		s.writeError(w, http.StatusInternalServerError, "dispatch failed")

		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// verifySignature checks the HMAC-SHA256 delivery signature. An empty
// configured secret disables verification for local development.
func (s *Server) verifySignature(body []byte, header string) bool {
	if s.cfg.WebhookSecret == "" {
		return true
	}

	received, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}

	mac := hmac.New(sha256.New, []byte(s.cfg.WebhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Length gate before the constant-time compare.
	if len(received) != len(expected) {
		return false
	}

	return hmac.Equal([]byte(received), []byte(expected))
}
