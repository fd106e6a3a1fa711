package web

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"calfeed/internal/feed"
	appLog "calfeed/internal/log"
)

const maxRelayBody = 16 << 20

func setCORS(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "authorization, content-type, x-client-info, apikey")
}

func (s *Server) handleRelayPreflight(w http.ResponseWriter, _ *http.Request) {
	setCORS(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleRelay fetches an allow-listed calendar feed on the caller's behalf.
//
// POST /api/relay {"calendarUrl": "..."}
//   - 200 {"data": "<ics>", "status": "success"}
//   - 4xx/5xx {"error": "...", "status": "error"}; upstream 401/403 pass through
func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	setCORS(w)

	if key := s.cfg.RelayAPIKey; key != "" {
		if !secureCompare(r.Header.Get("Authorization"), "Bearer "+key) {
			relayError(w, http.StatusUnauthorized, "missing or invalid relay key")
			return
		}
	}

	var req feed.RelayRequest
	if err := decodeJSON(w, r, &req); err != nil || strings.TrimSpace(req.CalendarURL) == "" {
		relayError(w, http.StatusBadRequest, "calendarUrl is required")
		return
	}
	if err := feed.ValidateFeedURL(req.CalendarURL); err != nil {
		relayError(w, http.StatusBadRequest, err.Error())
		return
	}
	target := feed.Canonicalize(strings.TrimSpace(req.CalendarURL))

	upReq, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		relayError(w, http.StatusBadRequest, "invalid calendarUrl")
		return
	}
	upReq.Header.Set("Accept", "text/calendar")

	resp, err := s.upstream.Do(upReq)
	if err != nil {
		appLog.Error("relay upstream request failed", err)
		relayError(w, http.StatusBadGateway, "failed to reach calendar provider")
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		relayError(w, resp.StatusCode, fmt.Sprintf("calendar provider denied access (status %d)", resp.StatusCode))
		return
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		relayError(w, http.StatusBadGateway, fmt.Sprintf("calendar provider returned status %d", resp.StatusCode))
		return
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRelayBody))
	if err != nil {
		relayError(w, http.StatusBadGateway, "failed to read calendar data")
		return
	}
	text := string(body)
	if !strings.HasPrefix(strings.TrimLeft(text, "\ufeff \t\r\n"), "BEGIN:VCALENDAR") {
		relayError(w, http.StatusUnprocessableEntity, "response is not calendar data (missing BEGIN:VCALENDAR)")
		return
	}

	writeJSON(w, http.StatusOK, feed.RelayResponse{Data: text, Status: "success"})
}

func relayError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, feed.RelayResponse{Error: msg, Status: "error"})
}
