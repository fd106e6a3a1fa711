package ics

import (
	"errors"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// ErrUnsupportedFrequency is returned by ParseRule when FREQ is missing or is
// not one of DAILY, WEEKLY, MONTHLY, YEARLY.
var ErrUnsupportedFrequency = errors.New("rrule: unsupported frequency")

// RecurrenceRule is the subset of an RRULE the expander understands.
//
// ByDay, ByMonth and ByMonthDay are parsed for completeness but the expander
// does not apply them: expansion steps by frequency and interval only.
type RecurrenceRule struct {
	Frequency rrule.Frequency
	Interval  int
	// Count bounds the number of occurrences; zero means unset.
	Count int
	// Until is the exclusive cutoff for occurrence starts; zero means unset.
	Until time.Time

	ByDay      []rrule.Weekday
	ByMonth    []int
	ByMonthDay []int
}

// ruleKeys are the RRULE parts we hand to rrule-go. Anything else (WKST,
// BYSETPOS, X- extensions, typos) is skipped rather than failing the rule.
var ruleKeys = map[string]bool{
	"FREQ":       true,
	"INTERVAL":   true,
	"COUNT":      true,
	"UNTIL":      true,
	"BYDAY":      true,
	"BYMONTH":    true,
	"BYMONTHDAY": true,
}

// ParseRule parses a raw RRULE value such as "FREQ=WEEKLY;COUNT=4".
//
// Each KEY=VALUE pair is typed independently through rrule-go, so a bad
// INTERVAL or BYDAY falls back to its default instead of discarding the rule.
// Floating UNTIL values are interpreted in loc (the template's location).
func ParseRule(s string, loc *time.Location) (RecurrenceRule, error) {
	if loc == nil {
		loc = time.UTC
	}
	rule := RecurrenceRule{Interval: 1}

	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "RRULE:"), "rrule:")

	hasFreq := false
	for _, part := range strings.Split(s, ";") {
		key, value, ok := strings.Cut(part, "=")
		key = strings.ToUpper(strings.TrimSpace(key))
		value = strings.ToUpper(strings.TrimSpace(value))
		if !ok || value == "" || !ruleKeys[key] {
			continue
		}

		if key == "FREQ" {
			freq, err := rrule.StrToFreq(value)
			if err != nil {
				return rule, ErrUnsupportedFrequency
			}
			rule.Frequency = freq
			hasFreq = true
			continue
		}

		// rrule-go insists on a FREQ in every option string; the placeholder
		// is discarded.
		opt, err := rrule.StrToROptionInLocation("FREQ=DAILY;"+key+"="+value, loc)
		if err != nil {
			continue
		}

		switch key {
		case "INTERVAL":
			if opt.Interval > 0 {
				rule.Interval = opt.Interval
			}
		case "COUNT":
			if opt.Count > 0 {
				rule.Count = opt.Count
			}
		case "UNTIL":
			rule.Until = opt.Until
		case "BYDAY":
			rule.ByDay = opt.Byweekday
		case "BYMONTH":
			rule.ByMonth = opt.Bymonth
		case "BYMONTHDAY":
			rule.ByMonthDay = opt.Bymonthday
		}
	}

	if !hasFreq || !supportedFrequency(rule.Frequency) {
		return rule, ErrUnsupportedFrequency
	}
	return rule, nil
}

func supportedFrequency(f rrule.Frequency) bool {
	switch f {
	case rrule.DAILY, rrule.WEEKLY, rrule.MONTHLY, rrule.YEARLY:
		return true
	default:
		return false
	}
}
