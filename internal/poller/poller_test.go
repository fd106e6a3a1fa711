package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"calfeed/internal/feed"
	"calfeed/internal/model"
)

const testURL = "https://calendar.google.com/calendar/ical/team%40example.com/public/basic.ics"

type fakeLoader struct {
	calls atomic.Int32
	load  func(ctx context.Context, n int32) (feed.Result, error)
}

func (l *fakeLoader) Load(ctx context.Context, rawURL string) (feed.Result, error) {
	n := l.calls.Add(1)
	if l.load == nil {
		return okResult(rawURL), nil
	}
	return l.load(ctx, n)
}

func okResult(url string) feed.Result {
	return feed.Result{
		CanonicalURL: url,
		Calendar:     model.CalendarInfo{Name: "Team"},
		Events: []model.CalendarEvent{{
			ID:    "a",
			Title: "Standup",
			Start: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
			End:   time.Date(2024, 1, 1, 9, 15, 0, 0, time.UTC),
		}},
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func loaded(p *Poller) func() bool {
	return func() bool { return !p.Snapshot().LastFetch.IsZero() }
}

func failed(p *Poller) func() bool {
	return func() bool { return p.Snapshot().Error != "" }
}

func TestPoller_InitialLoad(t *testing.T) {
	l := &fakeLoader{}
	p := New(l, testURL, Options{})
	if s := p.Snapshot(); s.Events == nil || s.Loading {
		t.Fatalf("state before Start = %+v", s)
	}

	p.Start()
	defer p.Stop()
	waitFor(t, "initial load", loaded(p))

	s := p.Snapshot()
	if s.Loading || s.Error != "" || len(s.Events) != 1 || s.Calendar.Name != "Team" || s.CanonicalURL != testURL {
		t.Fatalf("state = %+v", s)
	}

	s.Events[0].Title = "mutated"
	if p.Snapshot().Events[0].Title != "Standup" {
		t.Fatal("Snapshot shares its event slice")
	}
}

func TestPoller_SingleFetchInFlight(t *testing.T) {
	release := make(chan struct{})
	l := &fakeLoader{load: func(ctx context.Context, _ int32) (feed.Result, error) {
		<-release
		return okResult(testURL), nil
	}}
	p := New(l, testURL, Options{MinGap: -1})
	p.Start()
	defer p.Stop()

	waitFor(t, "first call", func() bool { return l.calls.Load() == 1 })
	if !p.Snapshot().Loading {
		t.Fatal("Loading = false during fetch")
	}
	for range 5 {
		if p.Refetch() {
			t.Fatal("Refetch started a second concurrent fetch")
		}
	}
	close(release)
	waitFor(t, "load", loaded(p))

	if n := l.calls.Load(); n != 1 {
		t.Fatalf("calls = %d, want 1", n)
	}
	if !p.Refetch() {
		t.Fatal("Refetch refused after the fetch completed")
	}
}

func TestPoller_RateGuard(t *testing.T) {
	clock := newTestClock()
	l := &fakeLoader{}
	p := New(l, testURL, Options{MinGap: 5 * time.Second, Now: clock.Now})
	p.Start()
	defer p.Stop()
	waitFor(t, "initial load", loaded(p))

	clock.Advance(4 * time.Second)
	if p.Refetch() {
		t.Fatal("Refetch allowed inside the minimum gap")
	}
	clock.Advance(time.Second)
	if !p.Refetch() {
		t.Fatal("Refetch refused after the minimum gap")
	}
	waitFor(t, "second load", func() bool { return l.calls.Load() == 2 && !p.Snapshot().Loading })
}

func TestPoller_InitialRetries(t *testing.T) {
	l := &fakeLoader{load: func(_ context.Context, n int32) (feed.Result, error) {
		if n < 3 {
			return feed.Result{}, errors.New("flaky")
		}
		return okResult(testURL), nil
	}}
	p := New(l, testURL, Options{RetryDelay: time.Millisecond})
	p.Start()
	defer p.Stop()

	waitFor(t, "load after retries", loaded(p))
	if n := l.calls.Load(); n != 3 {
		t.Fatalf("calls = %d, want 3", n)
	}
	if s := p.Snapshot(); s.Error != "" || s.Loading {
		t.Fatalf("state = %+v", s)
	}
}

func retryPending(p *Poller) func() bool {
	return func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.retries == 1 && !p.inFlight && p.retryTimer != nil
	}
}

func TestPoller_RetryDeferredWhileFetchInFlight(t *testing.T) {
	release := make(chan struct{})
	l := &fakeLoader{load: func(ctx context.Context, n int32) (feed.Result, error) {
		switch n {
		case 1:
			return feed.Result{}, errors.New("flaky")
		case 2:
			select {
			case <-release:
			case <-ctx.Done():
			}
			return feed.Result{}, errors.New("still flaky")
		}
		return okResult(testURL), nil
	}}
	p := New(l, testURL, Options{MinGap: -1, RetryDelay: 50 * time.Millisecond})
	p.Start()
	defer p.Stop()

	waitFor(t, "retry scheduled", retryPending(p))
	if !p.Refetch() {
		t.Fatal("Refetch refused while a retry was pending")
	}
	time.Sleep(150 * time.Millisecond)
	if n := l.calls.Load(); n != 2 {
		t.Fatalf("calls = %d while a fetch was in flight, want 2", n)
	}

	close(release)
	waitFor(t, "load by the deferred retry", loaded(p))
	if n := l.calls.Load(); n != 3 {
		t.Fatalf("calls = %d, want 3", n)
	}
	if s := p.Snapshot(); s.Error != "" || s.Loading {
		t.Fatalf("state = %+v", s)
	}
}

func TestPoller_RetryDroppedAfterSuccess(t *testing.T) {
	l := &fakeLoader{load: func(_ context.Context, n int32) (feed.Result, error) {
		if n == 1 {
			return feed.Result{}, errors.New("flaky")
		}
		return okResult(testURL), nil
	}}
	p := New(l, testURL, Options{MinGap: -1, RetryDelay: 30 * time.Millisecond})
	p.Start()
	defer p.Stop()

	waitFor(t, "retry scheduled", retryPending(p))
	if !p.Refetch() {
		t.Fatal("Refetch refused while a retry was pending")
	}
	waitFor(t, "load", loaded(p))
	time.Sleep(100 * time.Millisecond)
	if n := l.calls.Load(); n != 2 {
		t.Fatalf("calls = %d, want 2: the pending retry should not run after a successful load", n)
	}
}

func TestPoller_RetriesExhausted(t *testing.T) {
	l := &fakeLoader{load: func(context.Context, int32) (feed.Result, error) {
		return feed.Result{}, errors.New("dial tcp: connection refused")
	}}
	p := New(l, testURL, Options{RetryDelay: time.Millisecond, InitialRetries: 2})
	p.Start()
	defer p.Stop()

	waitFor(t, "error", failed(p))
	s := p.Snapshot()
	if s.Error != genericFailure {
		t.Fatalf("Error = %q, want %q", s.Error, genericFailure)
	}
	if s.Loading || len(s.Events) != 0 || s.Events == nil {
		t.Fatalf("state = %+v", s)
	}
	if n := l.calls.Load(); n != 3 {
		t.Fatalf("calls = %d, want 3", n)
	}
}

func TestPoller_ErrorsNotRetried(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"not a calendar", feed.ErrNotCalendarURL, feed.ErrNotCalendarURL.Error()},
		{"wrong link", feed.ErrWrongLinkType, feed.ErrWrongLinkType.Error()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := &fakeLoader{load: func(context.Context, int32) (feed.Result, error) {
				return feed.Result{}, tt.err
			}}
			p := New(l, testURL, Options{RetryDelay: time.Millisecond})
			p.Start()
			defer p.Stop()

			waitFor(t, "error", failed(p))
			if got := p.Snapshot().Error; got != tt.wantMsg {
				t.Fatalf("Error = %q, want %q", got, tt.wantMsg)
			}
			if n := l.calls.Load(); n != 1 {
				t.Fatalf("calls = %d, want 1", n)
			}
		})
	}
}

func TestPoller_RefetchNotRetried(t *testing.T) {
	l := &fakeLoader{load: func(_ context.Context, n int32) (feed.Result, error) {
		if n == 1 {
			return okResult(testURL), nil
		}
		return feed.Result{}, feed.ErrAuthExpired
	}}
	p := New(l, testURL, Options{MinGap: -1, RetryDelay: time.Millisecond})
	p.Start()
	defer p.Stop()
	waitFor(t, "initial load", loaded(p))

	if !p.Refetch() {
		t.Fatal("Refetch refused")
	}
	waitFor(t, "error", failed(p))
	s := p.Snapshot()
	if s.Error != feed.ErrAuthExpired.Error() {
		t.Fatalf("Error = %q", s.Error)
	}
	if len(s.Events) != 1 {
		t.Fatalf("failed refetch discarded the previous events: %+v", s.Events)
	}
	time.Sleep(20 * time.Millisecond)
	if n := l.calls.Load(); n != 2 {
		t.Fatalf("calls = %d, want 2", n)
	}
}

func TestPoller_Ticks(t *testing.T) {
	l := &fakeLoader{}
	p := New(l, testURL, Options{Interval: 5 * time.Millisecond, MinGap: -1})
	p.Start()
	defer p.Stop()
	waitFor(t, "periodic fetches", func() bool { return l.calls.Load() >= 3 })
}

func TestPoller_StopFreezesState(t *testing.T) {
	returned := make(chan struct{})
	l := &fakeLoader{load: func(ctx context.Context, _ int32) (feed.Result, error) {
		defer close(returned)
		<-ctx.Done()
		return okResult(testURL), nil
	}}
	p := New(l, testURL, Options{})
	p.Start()
	waitFor(t, "first call", func() bool { return l.calls.Load() == 1 })

	p.Stop()
	<-returned
	time.Sleep(20 * time.Millisecond)

	if s := p.Snapshot(); len(s.Events) != 0 || !s.LastFetch.IsZero() {
		t.Fatalf("state changed after Stop: %+v", s)
	}
	if p.Refetch() {
		t.Fatal("Refetch after Stop started a fetch")
	}
	p.Start()
	p.Stop()
	if n := l.calls.Load(); n != 1 {
		t.Fatalf("calls = %d, want 1", n)
	}
}
