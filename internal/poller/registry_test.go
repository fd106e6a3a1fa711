package poller

import (
	"errors"
	"testing"
	"time"

	"calfeed/internal/feed"
	"calfeed/internal/model"
)

func newTestRegistry(t *testing.T) (*Registry, *testClock) {
	t.Helper()
	clock := newTestClock()
	r := NewRegistry(&fakeLoader{}, Options{Now: clock.Now}, 30*time.Minute)
	t.Cleanup(r.Close)
	return r, clock
}

func TestRegistry_SubscribeLifecycle(t *testing.T) {
	r, _ := newTestRegistry(t)

	if _, err := r.Subscribe("https://example.com/cal.ics"); !errors.Is(err, feed.ErrNotCalendarURL) {
		t.Fatalf("Subscribe(invalid) err = %v", err)
	}
	if r.Len() != 0 {
		t.Fatal("invalid subscription was registered")
	}

	id, err := r.Subscribe("  " + testURL + " ")
	if err != nil {
		t.Fatalf("Subscribe err = %v", err)
	}
	waitFor(t, "load", func() bool {
		s, err := r.Get(id)
		return err == nil && !s.LastFetch.IsZero()
	})

	other, _ := r.Subscribe(testURL)
	if other == id {
		t.Fatal("Subscribe returned a shared handle")
	}

	if started, err := r.Refetch("nope"); started || !errors.Is(err, ErrUnknownSubscription) {
		t.Fatalf("Refetch(unknown) = %v, %v", started, err)
	}

	if err := r.Unsubscribe(id); err != nil {
		t.Fatalf("Unsubscribe err = %v", err)
	}
	if _, err := r.Get(id); !errors.Is(err, ErrUnknownSubscription) {
		t.Fatalf("Get after Unsubscribe err = %v", err)
	}
	if err := r.Unsubscribe(id); !errors.Is(err, ErrUnknownSubscription) {
		t.Fatalf("second Unsubscribe err = %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
}

func TestRegistry_ForURLSharesByCanonicalFeed(t *testing.T) {
	r, _ := newTestRegistry(t)

	a, err := r.ForURL("https://calendar.google.com/calendar/embed?src=team%40example.com")
	if err != nil {
		t.Fatalf("ForURL err = %v", err)
	}
	b, _ := r.ForURL(testURL)
	if a != b {
		t.Fatalf("embed and ICS links got different handles: %s, %s", a, b)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}

	_ = r.Unsubscribe(a)
	c, _ := r.ForURL(testURL)
	if c == a {
		t.Fatal("ForURL returned a handle that was unsubscribed")
	}
}

func TestRegistry_ReapIdle(t *testing.T) {
	r, clock := newTestRegistry(t)

	idle, _ := r.Subscribe(testURL)
	read, _ := r.Subscribe(testURL)
	pinned, _ := r.Pin("https://calendar.google.com/calendar/ical/ops%40example.com/public/basic.ics")

	clock.Advance(20 * time.Minute)
	if _, err := r.Get(read); err != nil {
		t.Fatal(err)
	}
	clock.Advance(15 * time.Minute)

	if n := r.ReapIdle(); n != 1 {
		t.Fatalf("ReapIdle = %d, want 1", n)
	}
	if _, err := r.Get(idle); !errors.Is(err, ErrUnknownSubscription) {
		t.Fatal("idle subscription survived")
	}
	for _, id := range []string{read, pinned} {
		if _, err := r.Get(id); err != nil {
			t.Fatalf("Get(%s) err = %v", id, err)
		}
	}
}

func TestMerge(t *testing.T) {
	at := func(h int) time.Time { return time.Date(2024, 1, 1, h, 0, 0, 0, time.UTC) }
	a := model.FeedState{
		Events:    []model.CalendarEvent{{ID: "a1", Start: at(9)}, {ID: "a2", Start: at(13)}},
		LastFetch: at(8),
	}
	b := model.FeedState{
		Events:    []model.CalendarEvent{{ID: "b1", Start: at(11)}},
		Loading:   true,
		Error:     genericFailure,
		LastFetch: at(10),
	}
	c := model.FeedState{Events: []model.CalendarEvent{}, Error: genericFailure}

	got := Merge(a, b, c)
	var ids []string
	for _, ev := range got.Events {
		ids = append(ids, ev.ID)
	}
	if len(ids) != 3 || ids[0] != "a1" || ids[1] != "b1" || ids[2] != "a2" {
		t.Fatalf("event order = %v", ids)
	}
	if !got.Loading || got.Error != genericFailure || !got.LastFetch.Equal(at(10)) {
		t.Fatalf("merged = %+v", got)
	}

	if empty := Merge(); empty.Events == nil || empty.Loading || empty.Error != "" {
		t.Fatalf("Merge() = %+v", empty)
	}
}
