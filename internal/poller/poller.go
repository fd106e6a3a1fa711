package poller

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"calfeed/internal/feed"
	appLog "calfeed/internal/log"
	"calfeed/internal/model"
)

const (
	DefaultInterval       = 60 * time.Second
	DefaultMinGap         = 5 * time.Second
	DefaultRetryDelay     = 5 * time.Second
	DefaultInitialRetries = 3
)

const genericFailure = "could not load calendar events, try again later"

// Loader runs the fetch pipeline for one feed URL.
type Loader interface {
	Load(ctx context.Context, rawURL string) (feed.Result, error)
}

// Options tunes a Poller. Zero values pick the defaults; a negative MinGap
// or InitialRetries disables the rate guard or the initial retries.
type Options struct {
	Interval       time.Duration
	MinGap         time.Duration
	RetryDelay     time.Duration
	InitialRetries int
	Now            func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.MinGap < 0 {
		o.MinGap = 0
	} else if o.MinGap == 0 {
		o.MinGap = DefaultMinGap
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.InitialRetries < 0 {
		o.InitialRetries = 0
	} else if o.InitialRetries == 0 {
		o.InitialRetries = DefaultInitialRetries
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Poller keeps the events of one feed fresh.
//
// At most one fetch runs at a time and a fetch is refused within MinGap of
// the previous one completing. The first fetch after Start is retried up to
// InitialRetries times, RetryDelay apart; ticks and Refetch calls are not.
// Once Stop returns no fetch will change the snapshot again.
type Poller struct {
	loader Loader
	url    string
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	mu         sync.Mutex
	state      model.FeedState
	started    bool
	stopped    bool
	inFlight   bool
	lastDone   time.Time
	retries    int
	retryTimer *time.Timer
}

// New returns a Poller for feedURL. Nothing is fetched until Start.
func New(loader Loader, feedURL string, opts Options) *Poller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		loader: loader,
		url:    feedURL,
		opts:   opts.withDefaults(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		state: model.FeedState{
			FeedURL: feedURL,
			Events:  []model.CalendarEvent{},
		},
	}
}

// URL returns the feed URL the poller was created for.
func (p *Poller) URL() string {
	return p.url
}

// Start kicks off the initial fetch and the poll ticker. Calling it more
// than once, or after Stop, does nothing.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop()
	p.trigger(true, false)
}

// Refetch requests an immediate fetch and reports whether one was started.
func (p *Poller) Refetch() bool {
	return p.trigger(false, false)
}

// Snapshot returns a copy of the current state.
func (p *Poller) Snapshot() model.FeedState {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.state
	s.Events = slices.Clone(p.state.Events)
	return s
}

// Stop cancels the ticker, any pending retry and the in-flight fetch.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	if p.retryTimer != nil {
		p.retryTimer.Stop()
		p.retryTimer = nil
	}
	close(p.done)
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Poller) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.trigger(false, false)
		}
	}
}

// trigger starts a fetch unless one is running, the poller is stopped or
// the rate guard applies. Scheduled retries skip the rate guard. A retry that
// finds a fetch in flight is rescheduled, and dropped once a load succeeded.
func (p *Poller) trigger(retryEligible, isRetry bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return false
	}
	if isRetry {
		p.retryTimer = nil
		if p.retries == 0 {
			return false
		}
		if p.inFlight {
			p.scheduleRetryLocked()
			return false
		}
	}
	if p.inFlight {
		return false
	}
	if !isRetry && !p.lastDone.IsZero() && p.opts.Now().Sub(p.lastDone) < p.opts.MinGap {
		appLog.Debug("poll skipped by rate guard", "since_last", p.opts.Now().Sub(p.lastDone))
		return false
	}

	p.inFlight = true
	p.state.Loading = true
	go p.run(retryEligible)
	return true
}

func (p *Poller) run(retryEligible bool) {
	res, err := p.loader.Load(p.ctx, p.url)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}
	now := p.opts.Now()
	p.inFlight = false
	p.lastDone = now

	if err == nil {
		events := res.Events
		if events == nil {
			events = []model.CalendarEvent{}
		}
		p.state.Events = events
		p.state.Calendar = res.Calendar
		p.state.CanonicalURL = res.CanonicalURL
		p.state.Error = ""
		p.state.Loading = false
		p.state.LastFetch = now
		p.retries = 0
		return
	}

	if retryEligible && !feed.IsInvalidURL(err) && p.retries < p.opts.InitialRetries {
		p.retries++
		appLog.Info("initial feed load failed; retrying", "attempt", p.retries, "delay", p.opts.RetryDelay, "err", err)
		p.scheduleRetryLocked()
		return
	}

	appLog.Error("feed load failed", err, "canonical_url_known", p.state.CanonicalURL != "")
	p.state.Loading = false
	p.state.Error = userMessage(err)
}

func (p *Poller) scheduleRetryLocked() {
	p.retryTimer = time.AfterFunc(p.opts.RetryDelay, func() {
		p.trigger(true, true)
	})
}

// userMessage maps pipeline errors to text safe to show an end user.
func userMessage(err error) string {
	switch {
	case errors.Is(err, feed.ErrAuthExpired):
		return feed.ErrAuthExpired.Error()
	case errors.Is(err, feed.ErrNotCalendarURL):
		return feed.ErrNotCalendarURL.Error()
	case errors.Is(err, feed.ErrWrongLinkType):
		return feed.ErrWrongLinkType.Error()
	default:
		return genericFailure
	}
}
