package ics

import (
	"strconv"
	"time"

	"github.com/teambition/rrule-go"

	appLog "calfeed/internal/log"
	"calfeed/internal/model"
)

const (
	// defaultOccurrenceCap bounds open-ended rules (no COUNT, no UNTIL).
	defaultOccurrenceCap = 52

	// maxOccurrencesPerEvent is a safety cap for UNTIL-only rules whose
	// cutoff lies far in the future.
	maxOccurrencesPerEvent = 5000
)

// Expand inflates a recurring template into its concrete occurrences.
//
// Occurrence n (0-based) starts at template.Start advanced by
// n*interval units of the rule's frequency, using calendar arithmetic:
//
//   - DAILY / WEEKLY add days, preserving wall-clock time
//   - MONTHLY / YEARLY add months, clamping to the last day of the target
//     month (Jan 31 + 1 month = Feb 28/29)
//
// Expansion stops at COUNT occurrences, at the first candidate whose start is
// not before UNTIL, or after 52 occurrences when neither is present.
//
// The template's own start is always occurrence 1 unless UNTIL excludes it.
// An unsupported frequency or an unparseable rule yields only that first
// occurrence.
//
// BYDAY / BYMONTH / BYMONTHDAY are ignored.
func Expand(template model.CalendarEvent, ruleString string) []model.CalendarEvent {
	rule, err := ParseRule(ruleString, template.Start.Location())
	if err != nil {
		appLog.Debug("expand: rule not expandable, keeping first occurrence", "uid", template.ID, "rrule", ruleString, "err", err)
		dur := template.End.Sub(template.Start)
		return []model.CalendarEvent{occurrence(template, 0, template.Start, dur)}
	}
	return expandRule(template, rule)
}

func expandRule(template model.CalendarEvent, rule RecurrenceRule) []model.CalendarEvent {
	limit := defaultOccurrenceCap
	switch {
	case rule.Count > 0:
		limit = rule.Count
	case !rule.Until.IsZero():
		limit = maxOccurrencesPerEvent
	}
	if limit > maxOccurrencesPerEvent {
		limit = maxOccurrencesPerEvent
	}

	interval := rule.Interval
	if interval < 1 {
		interval = 1
	}
	dur := template.End.Sub(template.Start)

	out := make([]model.CalendarEvent, 0, min(limit, defaultOccurrenceCap))
	for n := 0; n < limit; n++ {
		start := template.Start
		if n > 0 {
			var ok bool
			if start, ok = stepFrequency(template.Start, rule.Frequency, n*interval); !ok {
				break
			}
		}
		if !rule.Until.IsZero() && !start.Before(rule.Until) {
			break
		}
		out = append(out, occurrence(template, n, start, dur))
	}

	if limit == maxOccurrencesPerEvent && len(out) == limit {
		appLog.Warn("expand: truncated occurrences for UID due to cap", "uid", template.ID, "cap", limit)
	}
	return out
}

// occurrence copies template as the n-th (0-based) instance starting at start.
func occurrence(template model.CalendarEvent, n int, start time.Time, dur time.Duration) model.CalendarEvent {
	occ := template
	occ.ID = template.ID + "-" + strconv.Itoa(n+1)
	occ.Start = start
	occ.End = start.Add(dur)
	occ.IsRecurring = true
	occ.RecurrenceRule = ""
	return occ
}

// stepFrequency advances t by steps units of freq. ok is false for
// frequencies the expander does not support.
func stepFrequency(t time.Time, freq rrule.Frequency, steps int) (time.Time, bool) {
	switch freq {
	case rrule.DAILY:
		return t.AddDate(0, 0, steps), true
	case rrule.WEEKLY:
		return t.AddDate(0, 0, 7*steps), true
	case rrule.MONTHLY:
		return addMonthsClamped(t, steps), true
	case rrule.YEARLY:
		return addMonthsClamped(t, 12*steps), true
	default:
		return time.Time{}, false
	}
}

// addMonthsClamped adds months to t without overflowing into the following
// month: the day is clamped to the length of the target month.
func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()
	first := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, t.Location())
	if last := daysIn(first.Year(), first.Month()); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, hh, mm, ss, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
