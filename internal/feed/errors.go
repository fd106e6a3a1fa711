package feed

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotCalendarURL rejects URLs that are not https links to a supported
	// calendar provider.
	ErrNotCalendarURL = errors.New("this does not look like a calendar link; paste the public or secret ICS address of your calendar")

	// ErrWrongLinkType rejects Google Calendar links that are on the right
	// domain but are not an ICS, embed or settings link (e.g. a sharing link).
	ErrWrongLinkType = errors.New("this Google Calendar link cannot be used; open the calendar settings and copy the public address in iCal format")

	// ErrAuthExpired is returned when the upstream rejected our credentials
	// and refreshing the token did not help.
	ErrAuthExpired = errors.New("calendar connection expired, please reconnect")

	errRelayNotConfigured = errors.New("relay not configured")
)

// StatusError is a non-2xx response from the upstream or the relay.
type StatusError struct {
	Code int
	Msg  string
}

func (e *StatusError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("status %d: %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("status %d %s", e.Code, http.StatusText(e.Code))
}

// IsAuthError reports whether err carries a 401 or 403 status.
func IsAuthError(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden
}

// IsInvalidURL reports whether err is one of the resolver's rejections.
func IsInvalidURL(err error) bool {
	return errors.Is(err, ErrNotCalendarURL) || errors.Is(err, ErrWrongLinkType)
}
