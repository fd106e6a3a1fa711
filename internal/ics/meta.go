package ics

import (
	"strings"

	ical "github.com/arran4/golang-ical"

	appLog "calfeed/internal/log"
	"calfeed/internal/model"
)

// ParseCalendarInfo extracts calendar-level metadata (X-WR-CALNAME and
// friends) from a VCALENDAR document. It is best effort: documents the
// library rejects yield a zero CalendarInfo.
func ParseCalendarInfo(text string) model.CalendarInfo {
	var info model.CalendarInfo
	if !strings.HasPrefix(strings.TrimSpace(text), "BEGIN:VCALENDAR") {
		return info
	}

	cal, err := ical.ParseCalendar(strings.NewReader(text))
	if err != nil {
		appLog.Debug("ics calendar header parse failed", "err", err)
		return info
	}

	// Compare raw property names to avoid depending on constant variants.
	for _, p := range cal.CalendarProperties {
		switch strings.ToUpper(p.IANAToken) {
		case "X-WR-CALNAME":
			info.Name = p.Value
		case "X-WR-CALDESC":
			info.Description = p.Value
		case "X-WR-TIMEZONE":
			info.Timezone = p.Value
		case "PRODID":
			info.ProductID = p.Value
		}
	}
	return info
}
