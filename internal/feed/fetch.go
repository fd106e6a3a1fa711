package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	appLog "calfeed/internal/log"
)

const (
	DefaultAttempts     = 3
	DefaultFetchTimeout = 30 * time.Second

	// maxFeedBytes bounds a single feed body.
	maxFeedBytes = 16 << 20
)

// TokenGate guards calls that need upstream credentials. A gate that is also
// an oauth2.TokenSource has its bearer token sent with direct requests to
// Google hosts. Other providers never see it: their feed links carry their
// own credentials.
type TokenGate interface {
	IsTokenUsable(ctx context.Context) bool
	RefreshToken(ctx context.Context) bool
}

// FetcherConfig configures a Fetcher. Zero values pick the defaults.
type FetcherConfig struct {
	// Client overrides the HTTP client used for direct requests.
	Client *http.Client
	// Timeout applies when Client is nil.
	Timeout time.Duration
	// Attempts is the number of direct+relay rounds per call.
	Attempts int
	// Health is shared by every Fetcher in the process. A private tracker
	// is created when nil.
	Health *HealthTracker
	// Relay is tried whenever the direct request fails. Optional.
	Relay Relay
	// Gate is asked to refresh credentials after a 401/403. Optional.
	Gate TokenGate
	// CacheDir enables conditional requests backed by an on-disk copy of
	// the last body. Empty disables it.
	CacheDir string
}

// Fetcher downloads ICS text for canonical feed URLs. It never returns an
// error for an unreachable feed; callers get empty text instead and show no
// events.
type Fetcher struct {
	client   *http.Client
	attempts int
	health   *HealthTracker
	relay    Relay
	gate     TokenGate
	cache    *diskCache

	sleep func(ctx context.Context, d time.Duration) error
}

// NewFetcher returns a Fetcher for cfg.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultFetchTimeout
		}
		client = &http.Client{Timeout: timeout, CheckRedirect: CheckRedirect}
	}
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	health := cfg.Health
	if health == nil {
		health = NewHealthTracker(DefaultFailureThreshold, DefaultCooldown)
	}
	return &Fetcher{
		client:   client,
		attempts: attempts,
		health:   health,
		relay:    cfg.Relay,
		gate:     cfg.Gate,
		cache:    newDiskCache(cfg.CacheDir),
		sleep:    sleepContext,
	}
}

// Health returns the tracker the fetcher reports to.
func (f *Fetcher) Health() *HealthTracker {
	return f.health
}

// FetchFeedText returns the ICS text at canonicalURL.
//
// A URL in cooldown returns "" without touching the network. Otherwise each
// attempt tries a direct GET and, if that fails, the relay. Attempts are
// separated by 1s, 2s, 4s... Exhausting them, or tripping cooldown, returns
// "" and a nil error. The only errors are ErrAuthExpired and ctx.Err().
func (f *Fetcher) FetchFeedText(ctx context.Context, canonicalURL string) (string, error) {
	if !f.health.Allow(canonicalURL) {
		appLog.Debug("feed in cooldown; skipping fetch", "url", redactURL(canonicalURL))
		return "", nil
	}

	for attempt := 0; attempt < f.attempts; attempt++ {
		last := attempt == f.attempts-1
		f.health.RecordAttempt(canonicalURL)

		text, err := f.attempt(ctx, canonicalURL)
		if err == nil {
			f.health.RecordSuccess(canonicalURL)
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		cooling := f.health.RecordFailure(canonicalURL)
		appLog.Error("feed fetch attempt failed", err,
			"url", redactURL(canonicalURL), "attempt", attempt+1, "of", f.attempts, "cooldown", cooling)

		if IsAuthError(err) && f.gate != nil {
			if !f.gate.RefreshToken(ctx) && (last || cooling) {
				return "", ErrAuthExpired
			}
		}
		if cooling || last {
			break
		}
		if err := f.sleep(ctx, backoff(attempt)); err != nil {
			return "", err
		}
	}

	appLog.Warn("feed fetch gave up", "url", redactURL(canonicalURL))
	return "", nil
}

// attempt runs one direct request and, on failure, one relay request. An
// auth failure on either path is reported in preference to other errors.
func (f *Fetcher) attempt(ctx context.Context, canonicalURL string) (string, error) {
	text, directErr := f.fetchDirect(ctx, canonicalURL)
	if directErr == nil {
		return text, nil
	}
	if ctx.Err() != nil || f.relay == nil {
		return "", directErr
	}

	appLog.Debug("direct fetch failed; trying relay", "url", redactURL(canonicalURL), "err", directErr)
	text, relayErr := f.relay.Fetch(ctx, canonicalURL)
	if relayErr == nil {
		return text, nil
	}
	if IsAuthError(directErr) && !IsAuthError(relayErr) {
		return "", directErr
	}
	return "", fmt.Errorf("direct: %v; %w", directErr, relayErr)
}

func (f *Fetcher) fetchDirect(ctx context.Context, canonicalURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, canonicalURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "text/calendar")
	f.authorize(req)

	meta, cachedBody := f.cache.load(canonicalURL)
	if len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		if len(cachedBody) == 0 {
			return "", errors.New("received 304 Not Modified but no cached body available")
		}
		appLog.Debug("feed not modified; using cache", "url", redactURL(canonicalURL))
		return string(cachedBody), nil

	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", &StatusError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return "", err
	}

	newMeta := cacheEntry{
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}
	if err := f.cache.save(canonicalURL, newMeta, body); err != nil {
		appLog.Error("feed cache save failed", err, "url", redactURL(canonicalURL))
	}
	return string(body), nil
}

// authorize attaches the gate's token to requests bound for the provider
// that issued it.
func (f *Fetcher) authorize(req *http.Request) {
	ts, ok := f.gate.(oauth2.TokenSource)
	if !ok || !googleHosts[strings.ToLower(req.URL.Hostname())] {
		return
	}
	tok, err := ts.Token()
	if err != nil {
		appLog.Debug("no bearer token for feed request", "url", redactURL(req.URL.String()), "err", err)
		return
	}
	tok.SetAuthHeader(req)
}

func backoff(attempt int) time.Duration {
	return time.Duration(1<<attempt) * time.Second
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
