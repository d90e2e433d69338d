package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st := s.relay.Snapshot()
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Connections:   st.Connections,
		Channels:      len(st.Channels),
		Pending:       st.Pending,
	})
}

// handleStatus handles GET /api/v1/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.relay.Snapshot())
}

// handleChannels handles GET /api/v1/channels.
func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	st := s.relay.Snapshot()
	respondJSON(w, http.StatusOK, ChannelsResponse{
		Count:    len(st.Channels),
		Channels: st.Channels,
	})
}

// handleChannel handles GET /api/v1/channels/{channel}.
func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "channel")
	cs, ok := s.relay.ChannelSnapshot(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, "channel not found")
		return
	}
	respondJSON(w, http.StatusOK, cs)
}

// handleHistory handles GET /api/v1/history?limit=N.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.hist == nil {
		s.writeError(w, http.StatusNotFound, "history is disabled")
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	records, err := s.hist.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("history query failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	respondJSON(w, http.StatusOK, HistoryResponse{
		Count:   len(records),
		Records: records,
	})
}

// handleHistorySummary handles GET /api/v1/history/summary?since=24h.
func (s *Server) handleHistorySummary(w http.ResponseWriter, r *http.Request) {
	if s.hist == nil {
		s.writeError(w, http.StatusNotFound, "history is disabled")
		return
	}

	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			s.writeError(w, http.StatusBadRequest, "since must be a duration like 24h")
			return
		}
		since = time.Now().Add(-d)
	}

	summary, err := s.hist.Summarize(r.Context(), since)
	if err != nil {
		s.logger.Error("history summary failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "history summary failed")
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// handleOpenAPI handles GET /api/v1/openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

func respondJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}
