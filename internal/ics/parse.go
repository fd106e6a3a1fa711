package ics

import (
	"slices"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	appLog "calfeed/internal/log"
	"calfeed/internal/model"
)

var lineBreaks = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// Parser turns raw ICS text into CalendarEvents.
type Parser struct {
	// Floating is the location used for DTSTART/DTEND values that do not end
	// in "Z" (TZID-qualified, unqualified and date-only values). The TZID
	// itself is not resolved. nil means time.Local.
	Floating *time.Location
}

// Parse parses text with floating times in time.Local.
func Parse(text string) []model.CalendarEvent {
	return Parser{}.Parse(text)
}

// Parse never fails: malformed lines are skipped and VEVENTs missing UID,
// SUMMARY, DTSTART or DTEND are dropped. Recurring events are replaced by
// their expanded occurrences. The result is sorted by start time.
func (p Parser) Parse(text string) []model.CalendarEvent {
	loc := p.Floating
	if loc == nil {
		loc = time.Local
	}

	events := make([]model.CalendarEvent, 0)
	dropped := 0

	var cur *eventBuilder
	nested := 0

	for _, line := range unfoldLines(text) {
		control := strings.ToUpper(strings.TrimSpace(line))

		switch {
		case control == "BEGIN:VEVENT":
			cur = &eventBuilder{}
			nested = 0
		case cur == nil:
			// Outside any VEVENT: calendar headers, VTIMEZONE blocks, garbage.
		case control == "END:VEVENT":
			if ev, ok := cur.build(); ok {
				if ev.RecurrenceRule != "" {
					events = append(events, Expand(ev, ev.RecurrenceRule)...)
				} else {
					events = append(events, ev)
				}
			} else {
				dropped++
				appLog.Debug("ics vevent dropped: missing required fields", "uid", cur.ev.ID)
			}
			cur = nil
			nested = 0
		case strings.HasPrefix(control, "BEGIN:"):
			nested++
		case strings.HasPrefix(control, "END:"):
			if nested > 0 {
				nested--
			}
		case nested > 0:
			// Properties of VALARM and friends must not leak into the event.
		default:
			cur.apply(line, loc)
		}
	}

	slices.SortStableFunc(events, func(a, b model.CalendarEvent) int {
		return a.Start.Compare(b.Start)
	})

	appLog.Debug("ics parse completed", "event_count", len(events), "dropped", dropped)
	return events
}

// eventBuilder accumulates the properties of one VEVENT.
type eventBuilder struct {
	ev       model.CalendarEvent
	hasStart bool
	hasEnd   bool
}

func (b *eventBuilder) apply(line string, floating *time.Location) {
	head, value, ok := strings.Cut(line, ":")
	if !ok {
		return
	}
	parts := strings.Split(head, ";")
	key := strings.ToUpper(strings.TrimSpace(parts[0]))
	params := parseParams(parts[1:])

	switch key {
	case "UID":
		b.ev.ID = strings.TrimSpace(value)
	case "SUMMARY":
		b.ev.Title = ical.FromText(value)
	case "DESCRIPTION":
		b.ev.Description = ical.FromText(value)
	case "LOCATION":
		b.ev.Location = ical.FromText(value)
	case "DTSTART":
		if t, allDay, ok := parseTimestamp(value, params, floating); ok {
			b.ev.Start = t
			b.ev.AllDay = allDay
			b.hasStart = true
		}
	case "DTEND":
		if t, _, ok := parseTimestamp(value, params, floating); ok {
			b.ev.End = t
			b.hasEnd = true
		}
	case "RRULE":
		b.ev.RecurrenceRule = strings.TrimSpace(value)
		b.ev.IsRecurring = b.ev.RecurrenceRule != ""
	}
}

func (b *eventBuilder) build() (model.CalendarEvent, bool) {
	if b.ev.ID == "" || b.ev.Title == "" || !b.hasStart || !b.hasEnd {
		return model.CalendarEvent{}, false
	}
	return b.ev, true
}

// parseParams parses "PARAM=VALUE" pairs; keys are upper-cased and values
// unquoted. Pairs without "=" are ignored.
func parseParams(parts []string) map[string]string {
	if len(parts) == 0 {
		return nil
	}
	params := make(map[string]string, len(parts))
	for _, p := range parts {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		params[strings.ToUpper(strings.TrimSpace(k))] = strings.Trim(v, `"`)
	}
	return params
}

// parseTimestamp parses a DTSTART/DTEND value.
//
//   - 20240115T100000Z  -> UTC instant
//   - 20240115T100000   -> floating wall-clock time (also with TZID=...)
//   - 20240115          -> floating midnight, allDay=true
//
// ok is false for values that do not match any of these shapes.
func parseTimestamp(value string, params map[string]string, floating *time.Location) (t time.Time, allDay bool, ok bool) {
	v := strings.ToUpper(strings.TrimSpace(value))
	if v == "" {
		return time.Time{}, false, false
	}

	var err error
	switch {
	case params["VALUE"] == "DATE" || !strings.Contains(v, "T"):
		t, err = time.ParseInLocation(rrule.DateFormat, v, floating)
		allDay = true
	case strings.HasSuffix(v, "Z") && params["TZID"] == "":
		t, err = time.Parse(rrule.DateTimeFormat, v)
	default:
		t, err = time.ParseInLocation(rrule.LocalDateTimeFormat, strings.TrimSuffix(v, "Z"), floating)
	}
	if err != nil {
		return time.Time{}, false, false
	}
	return t, allDay, true
}

// unfoldLines splits text on any line terminator and joins continuation
// lines (leading space or tab) onto the previous logical line.
func unfoldLines(text string) []string {
	raw := strings.Split(lineBreaks.Replace(text), "\n")
	out := make([]string, 0, len(raw))
	for _, l := range raw {
		if len(out) > 0 && l != "" && (l[0] == ' ' || l[0] == '\t') {
			out[len(out)-1] += l[1:]
			continue
		}
		out = append(out, l)
	}
	return out
}
