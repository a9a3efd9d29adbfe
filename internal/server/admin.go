package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tekoa-labs/hookd/internal/audit"
	"github.com/tekoa-labs/hookd/internal/auth"
	"github.com/tekoa-labs/hookd/internal/ledger"
)

// scoped authenticates the bearer token and requires the given scope.
func (s *Server) scoped(scope string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.ExtractBearerToken(r)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		principal, ok := auth.Authenticate(token, s.cfg.Admin.APIKey, s.authTokens)
		if !ok {
			s.respondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if !auth.HasAnyScope(principal, scope) {
			s.respondError(w, http.StatusForbidden, "forbidden")
			return
		}
		h(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	}
}

type recordResponse struct {
	EventID     string  `json:"event_id"`
	EventType   string  `json:"event_type"`
	Status      string  `json:"status"`
	FirstSeenAt string  `json:"first_seen_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
	LastError   *string `json:"last_error,omitempty"`
}

func recordToResponse(rec *ledger.ProcessingRecord) recordResponse {
	resp := recordResponse{
		EventID:     rec.EventID,
		EventType:   rec.EventType,
		Status:      string(rec.Status),
		FirstSeenAt: rec.FirstSeenAt.Format(time.RFC3339Nano),
		LastError:   rec.LastError,
	}
	if rec.CompletedAt != nil {
		v := rec.CompletedAt.Format(time.RFC3339Nano)
		resp.CompletedAt = &v
	}
	return resp
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")

	rec, err := s.ledger.Get(r.Context(), eventID)
	if errors.Is(err, ledger.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "event not found")
		return
	}
	if err != nil {
		s.logger.Error("ledger lookup failed", "event_id", eventID, "error", err)
		s.respondError(w, http.StatusInternalServerError, "ledger lookup failed")
		return
	}
	s.respondJSON(w, http.StatusOK, recordToResponse(rec))
}

func (s *Server) handleReplayEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")

	err := s.ledger.Replay(r.Context(), eventID)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		s.respondError(w, http.StatusNotFound, "event not found")
	case errors.Is(err, ledger.ErrNotFailed):
		s.respondError(w, http.StatusConflict, "only failed events can be replayed")
	case err != nil:
		s.logger.Error("replay failed", "event_id", eventID, "error", err)
		s.respondError(w, http.StatusInternalServerError, "replay failed")
	default:
		s.logger.Info("event replay authorized", "event_id", eventID)
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "event_id": eventID})
	}
}

func (s *Server) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			s.respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	entries, err := s.audit.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("audit query failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	s.respondJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	verified, err := s.audit.VerifyChain(r.Context())
	if errors.Is(err, audit.ErrChainBroken) {
		s.respondJSON(w, http.StatusConflict, map[string]any{
			"status":   "broken",
			"verified": verified,
			"error":    err.Error(),
		})
		return
	}
	if err != nil {
		s.logger.Error("chain verification failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "chain verification failed")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "verified": verified})
}

// handleAuditStream tails the audit log over server-sent events.
func (s *Server) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		s.respondError(w, http.StatusNotFound, "live feed not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, cancel := s.hub.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	// Replay the ring buffer so a freshly attached client has context.
	for _, e := range s.hub.SnapshotSince(0) {
		writeSSE(w, e)
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, e)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, e audit.Entry) {
	if data, err := json.Marshal(e); err == nil {
		fmt.Fprintf(w, "data: %s\n\n", data)
	}
}
