package model

import "time"

// CalendarEvent is one occurrence of something happening in time, as parsed
// from a feed. Expanded occurrences of a recurring series share the
// template's fields and carry IDs of the form "{uid}-{n}".
type CalendarEvent struct {
	ID    string `json:"id"`
	Title string `json:"title"`

	// Start / End are UTC instants for "Z" values and floating wall-clock
	// times (components taken literally) for everything else. Start <= End is
	// not enforced.
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	// Description is opaque text; it may carry a "Location:" marker that
	// renderers interpret.
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`

	AllDay      bool `json:"allDay,omitempty"`
	IsRecurring bool `json:"isRecurring,omitempty"`

	// RecurrenceRule is the raw RRULE value. It is only set on templates,
	// never on expanded occurrences.
	RecurrenceRule string `json:"recurrenceRule,omitempty"`
}

// Duration returns End - Start, which may be zero or negative for malformed feeds.
func (e CalendarEvent) Duration() time.Duration {
	return e.End.Sub(e.Start)
}

// CalendarInfo holds calendar-level metadata from the VCALENDAR header.
type CalendarInfo struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
	ProductID   string `json:"productId,omitempty"`
}

// FeedState is the consumer-facing view of one polled feed.
type FeedState struct {
	FeedURL      string          `json:"feedUrl"`
	CanonicalURL string          `json:"canonicalUrl,omitempty"`
	Calendar     CalendarInfo    `json:"calendar"`
	Events       []CalendarEvent `json:"events"`
	Loading      bool            `json:"loading"`
	Error        string          `json:"error,omitempty"`
	LastFetch    time.Time       `json:"lastFetch,omitzero"`
}
