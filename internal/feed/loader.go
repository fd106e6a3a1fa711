package feed

import (
	"context"

	"calfeed/internal/ics"
	"calfeed/internal/model"
)

// Result is one loaded feed.
type Result struct {
	CanonicalURL string                `json:"canonicalUrl"`
	Calendar     model.CalendarInfo    `json:"calendar"`
	Events       []model.CalendarEvent `json:"events"`
}

// Loader runs the resolve -> fetch -> parse pipeline for a single feed.
type Loader struct {
	fetcher *Fetcher
	gate    TokenGate
	parser  ics.Parser
}

// NewLoader returns a Loader. gate may be nil when no upstream credentials
// are involved.
func NewLoader(fetcher *Fetcher, gate TokenGate, parser ics.Parser) *Loader {
	return &Loader{fetcher: fetcher, gate: gate, parser: parser}
}

// Load validates rawURL, canonicalizes it and returns its parsed events. An
// unreachable feed yields an empty Result rather than an error.
func (l *Loader) Load(ctx context.Context, rawURL string) (Result, error) {
	if l.gate != nil && !l.gate.IsTokenUsable(ctx) {
		if !l.gate.RefreshToken(ctx) {
			return Result{}, ErrAuthExpired
		}
	}

	if err := ValidateFeedURL(rawURL); err != nil {
		return Result{}, err
	}
	canonical := Canonicalize(rawURL)

	text, err := l.fetcher.FetchFeedText(ctx, canonical)
	if err != nil {
		return Result{CanonicalURL: canonical}, err
	}

	return Result{
		CanonicalURL: canonical,
		Calendar:     ics.ParseCalendarInfo(text),
		Events:       l.parser.Parse(text),
	}, nil
}
