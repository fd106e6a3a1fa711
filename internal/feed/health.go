package feed

import (
	"sync"
	"time"
)

const (
	DefaultFailureThreshold = 3
	DefaultCooldown         = 60 * time.Second
)

// HealthState is the per-URL state of the failure tracker:
//
//	Healthy -> Degraded(n) -> Cooldown(until) -> Healthy
type HealthState int

const (
	Healthy HealthState = iota
	Degraded
	Cooldown
)

func (s HealthState) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Cooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

type feedHealth struct {
	state       HealthState
	failures    int
	lastAttempt time.Time
	until       time.Time
}

// HealthTracker records fetch failures per canonical URL. One tracker is
// meant to be shared by every Fetcher in the process so that a broken feed
// cools down for all of its viewers at once.
type HealthTracker struct {
	mu        sync.Mutex
	feeds     map[string]*feedHealth
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// NewHealthTracker returns a tracker that enters cooldown after threshold
// consecutive failures and stays there for cooldown.
func NewHealthTracker(threshold int, cooldown time.Duration) *HealthTracker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &HealthTracker{
		feeds:     make(map[string]*feedHealth),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether url may be fetched now. A URL whose cooldown has
// elapsed is reset to Healthy.
func (h *HealthTracker) Allow(url string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	fh, ok := h.feeds[url]
	if !ok || fh.state != Cooldown {
		return true
	}
	if h.now().Before(fh.until) {
		return false
	}
	*fh = feedHealth{state: Healthy, lastAttempt: fh.lastAttempt}
	return true
}

// RecordAttempt stamps the time of an outbound attempt for url.
func (h *HealthTracker) RecordAttempt(url string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entry(url).lastAttempt = h.now()
}

// RecordFailure counts a failed attempt and reports whether url has now
// entered cooldown.
func (h *HealthTracker) RecordFailure(url string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	fh := h.entry(url)
	now := h.now()
	fh.failures++
	fh.lastAttempt = now
	if fh.failures >= h.threshold {
		fh.state = Cooldown
		fh.until = now.Add(h.cooldown)
		return true
	}
	fh.state = Degraded
	return false
}

// RecordSuccess returns url to Healthy.
func (h *HealthTracker) RecordSuccess(url string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fh := h.entry(url)
	*fh = feedHealth{state: Healthy, lastAttempt: h.now()}
}

// State returns the current state and consecutive failure count for url.
func (h *HealthTracker) State(url string) (HealthState, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fh, ok := h.feeds[url]
	if !ok {
		return Healthy, 0
	}
	return fh.state, fh.failures
}

// Sweep drops Healthy entries and Cooldown entries whose window has passed,
// returning how many were removed. Degraded entries are kept so their
// failure count survives.
func (h *HealthTracker) Sweep() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	removed := 0
	for url, fh := range h.feeds {
		if fh.state == Healthy || (fh.state == Cooldown && !now.Before(fh.until)) {
			delete(h.feeds, url)
			removed++
		}
	}
	return removed
}

// Reset forgets every URL.
func (h *HealthTracker) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.feeds = make(map[string]*feedHealth)
}

func (h *HealthTracker) entry(url string) *feedHealth {
	fh, ok := h.feeds[url]
	if !ok {
		fh = &feedHealth{}
		h.feeds[url] = fh
	}
	return fh
}
