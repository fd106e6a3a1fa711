package poller

import (
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"calfeed/internal/feed"
	appLog "calfeed/internal/log"
	"calfeed/internal/model"
)

const DefaultIdleTTL = 30 * time.Minute

// ErrUnknownSubscription is returned for handles the registry does not hold.
var ErrUnknownSubscription = errors.New("unknown subscription")

type subscription struct {
	id         string
	feedURL    string
	poller     *Poller
	lastAccess time.Time
	pinned     bool
}

// Registry owns the pollers behind subscription handles. Subscriptions made
// through ForURL are shared by every caller asking for the same canonical
// feed; Subscribe always creates a private one.
type Registry struct {
	loader  Loader
	opts    Options
	idleTTL time.Duration
	now     func() time.Time

	mu    sync.Mutex
	subs  map[string]*subscription
	byURL map[string]string
}

// NewRegistry returns an empty registry. Subscriptions not read for idleTTL
// are removed by ReapIdle unless pinned.
func NewRegistry(loader Loader, opts Options, idleTTL time.Duration) *Registry {
	opts = opts.withDefaults()
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	return &Registry{
		loader:  loader,
		opts:    opts,
		idleTTL: idleTTL,
		now:     opts.Now,
		subs:    make(map[string]*subscription),
		byURL:   make(map[string]string),
	}
}

// Subscribe starts a private poller for feedURL and returns its handle.
func (r *Registry) Subscribe(feedURL string) (string, error) {
	feedURL = strings.TrimSpace(feedURL)
	if err := feed.ValidateFeedURL(feedURL); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subscribeLocked(feedURL).id, nil
}

// ForURL returns the shared handle for feedURL, creating it on first use.
func (r *Registry) ForURL(feedURL string) (string, error) {
	feedURL = strings.TrimSpace(feedURL)
	if err := feed.ValidateFeedURL(feedURL); err != nil {
		return "", err
	}
	key := feed.Canonicalize(feedURL)

	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byURL[key]; ok {
		if s, ok := r.subs[id]; ok {
			s.lastAccess = r.now()
			return id, nil
		}
	}
	s := r.subscribeLocked(feedURL)
	r.byURL[key] = s.id
	return s.id, nil
}

// Pin makes the shared subscription for feedURL immune to ReapIdle.
func (r *Registry) Pin(feedURL string) (string, error) {
	id, err := r.ForURL(feedURL)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.subs[id]; ok {
		s.pinned = true
	}
	return id, nil
}

// Get returns the snapshot behind id.
func (r *Registry) Get(id string) (model.FeedState, error) {
	p, err := r.touch(id)
	if err != nil {
		return model.FeedState{}, err
	}
	return p.Snapshot(), nil
}

// Refetch asks the poller behind id for an immediate fetch. The bool
// reports whether a fetch was started.
func (r *Registry) Refetch(id string) (bool, error) {
	p, err := r.touch(id)
	if err != nil {
		return false, err
	}
	return p.Refetch(), nil
}

// Unsubscribe stops and forgets id.
func (r *Registry) Unsubscribe(id string) error {
	r.mu.Lock()
	s, ok := r.subs[id]
	if ok {
		r.removeLocked(s)
	}
	r.mu.Unlock()

	if !ok {
		return ErrUnknownSubscription
	}
	s.poller.Stop()
	return nil
}

// ReapIdle stops subscriptions that nobody has read for the idle TTL and
// returns how many were removed.
func (r *Registry) ReapIdle() int {
	now := r.now()

	r.mu.Lock()
	var idle []*subscription
	for _, s := range r.subs {
		if !s.pinned && now.Sub(s.lastAccess) > r.idleTTL {
			idle = append(idle, s)
			r.removeLocked(s)
		}
	}
	r.mu.Unlock()

	for _, s := range idle {
		s.poller.Stop()
	}
	if len(idle) > 0 {
		appLog.Info("reaped idle subscriptions", "count", len(idle))
	}
	return len(idle)
}

// Len returns the number of live subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Close stops every poller.
func (r *Registry) Close() {
	r.mu.Lock()
	all := make([]*subscription, 0, len(r.subs))
	for _, s := range r.subs {
		all = append(all, s)
	}
	r.subs = make(map[string]*subscription)
	r.byURL = make(map[string]string)
	r.mu.Unlock()

	for _, s := range all {
		s.poller.Stop()
	}
}

func (r *Registry) subscribeLocked(feedURL string) *subscription {
	s := &subscription{
		id:         uuid.NewString(),
		feedURL:    feedURL,
		poller:     New(r.loader, feedURL, r.opts),
		lastAccess: r.now(),
	}
	r.subs[s.id] = s
	s.poller.Start()
	return s
}

func (r *Registry) removeLocked(s *subscription) {
	delete(r.subs, s.id)
	key := feed.Canonicalize(s.feedURL)
	if r.byURL[key] == s.id {
		delete(r.byURL, key)
	}
}

func (r *Registry) touch(id string) (*Poller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[id]
	if !ok {
		return nil, ErrUnknownSubscription
	}
	s.lastAccess = r.now()
	return s.poller, nil
}

// Merge combines several feed snapshots into one time-sorted view. The
// result is loading while any input is, and carries every distinct error.
func Merge(states ...model.FeedState) model.FeedState {
	out := model.FeedState{Events: []model.CalendarEvent{}}
	var errs []string
	for _, s := range states {
		out.Events = append(out.Events, s.Events...)
		out.Loading = out.Loading || s.Loading
		if s.Error != "" && !slices.Contains(errs, s.Error) {
			errs = append(errs, s.Error)
		}
		if s.LastFetch.After(out.LastFetch) {
			out.LastFetch = s.LastFetch
		}
	}
	slices.SortStableFunc(out.Events, func(a, b model.CalendarEvent) int {
		return a.Start.Compare(b.Start)
	})
	out.Error = strings.Join(errs, "; ")
	return out
}
