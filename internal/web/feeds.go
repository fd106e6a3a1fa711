package web

import (
	"errors"
	"net/http"
	"strings"

	"calfeed/internal/feed"
	appLog "calfeed/internal/log"
	"calfeed/internal/model"
	"calfeed/internal/poller"
)

type urlRequest struct {
	URL string `json:"url"`
}

type resolveResponse struct {
	Valid        bool   `json:"valid"`
	CanonicalURL string `json:"canonical_url,omitempty"`
	Error        string `json:"error,omitempty"`
}

type subscriptionResponse struct {
	ID string `json:"id"`
	model.FeedState
}

type healthResponse struct {
	CanonicalURL string `json:"canonical_url"`
	State        string `json:"state"`
	Failures     int    `json:"failures"`
}

// handleResolve validates and canonicalizes a pasted calendar link.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req urlRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := feed.ValidateFeedURL(req.URL); err != nil {
		writeJSON(w, http.StatusOK, resolveResponse{Valid: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resolveResponse{
		Valid:        true,
		CanonicalURL: feed.Canonicalize(strings.TrimSpace(req.URL)),
	})
}

// handleFeedHealth reports the fetcher's failure tracking for one feed.
//
// GET /api/feeds/health?url=...
func (s *Server) handleFeedHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeError(w, http.StatusNotFound, "health tracking unavailable")
		return
	}
	raw := strings.TrimSpace(r.URL.Query().Get("url"))
	if err := feed.ValidateFeedURL(raw); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	canonical := feed.Canonicalize(raw)
	state, failures := s.health.State(canonical)
	writeJSON(w, http.StatusOK, healthResponse{
		CanonicalURL: canonical,
		State:        state.String(),
		Failures:     failures,
	})
}

func (s *Server) handleCalendars(w http.ResponseWriter, r *http.Request) {
	if s.calendars == nil {
		writeError(w, http.StatusNotFound, "calendar discovery is not configured")
		return
	}
	list, err := s.calendars(r.Context())
	if err != nil {
		appLog.Error("calendar discovery failed", err)
		writeError(w, http.StatusBadGateway, "failed to list calendars")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req urlRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	id, err := s.registry.Subscribe(req.URL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleSubscription(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	state, err := s.registry.Get(id)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionResponse{
		ID:        id,
		FeedState: gateLocation(state, showLocation(r)),
	})
}

func (s *Server) handleRefetch(w http.ResponseWriter, r *http.Request) {
	started, err := s.registry.Refetch(r.PathValue("id"))
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"started": started})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Unsubscribe(r.PathValue("id")); err != nil {
		writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents returns the shared subscription for a feed URL, creating it
// on first use. The first response is usually still loading.
//
// GET /api/events?url=...&show_location=1
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, err := s.registry.ForURL(r.URL.Query().Get("url"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	state, err := s.registry.Get(id)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionResponse{
		ID:        id,
		FeedState: gateLocation(state, showLocation(r)),
	})
}

// handleCombined merges several subscriptions into one time-sorted view.
//
// GET /api/combined?id=a&id=b
func (s *Server) handleCombined(w http.ResponseWriter, r *http.Request) {
	ids := r.URL.Query()["id"]
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "at least one id is required")
		return
	}
	states := make([]model.FeedState, 0, len(ids))
	for _, id := range ids {
		st, err := s.registry.Get(id)
		if err != nil {
			writeRegistryError(w, err)
			return
		}
		states = append(states, st)
	}
	writeJSON(w, http.StatusOK, gateLocation(poller.Merge(states...), showLocation(r)))
}

func writeRegistryError(w http.ResponseWriter, err error) {
	if errors.Is(err, poller.ErrUnknownSubscription) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func showLocation(r *http.Request) bool {
	switch r.URL.Query().Get("show_location") {
	case "1", "true":
		return true
	}
	return false
}

// gateLocation strips locations from events unless the caller may see them.
// That covers the Location field and "Location:" lines in descriptions.
func gateLocation(st model.FeedState, show bool) model.FeedState {
	if show {
		return st
	}
	events := make([]model.CalendarEvent, len(st.Events))
	for i, ev := range st.Events {
		ev.Location = ""
		ev.Description = stripLocationLines(ev.Description)
		events[i] = ev
	}
	st.Events = events
	return st
}

func stripLocationLines(desc string) string {
	if desc == "" {
		return desc
	}
	lines := strings.Split(desc, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "location:") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimRight(strings.Join(kept, "\n"), "\n")
}
