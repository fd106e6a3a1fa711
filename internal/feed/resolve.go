package feed

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"unicode"
)

const (
	googleICSTemplate = "https://calendar.google.com/calendar/ical/%s/public/basic.ics"

	maxRedirects = 10
)

// googleHosts is the primary provider; its URLs get the stricter shape check
// and are rewritten to the public ICS export.
var googleHosts = map[string]bool{
	"calendar.google.com": true,
}

var providerHosts = map[string]bool{
	"outlook.live.com":      true,
	"outlook.office365.com": true,
	"outlook.office.com":    true,
	"caldav.icloud.com":     true,
	"calendar.yahoo.com":    true,
	"calendar.proton.me":    true,
	"calendar.zoho.com":     true,
	"user.fm":               true,
	"www.fastmail.com":      true,
}

var providerHostPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^p\d+-caldav\.icloud\.com$`),
	regexp.MustCompile(`^p\d+-calendarws\.icloud\.com$`),
	regexp.MustCompile(`^[a-z0-9-]+\.calendar\.yahoo\.com$`),
}

// IsValidFeedURL reports whether raw is an acceptable calendar feed link.
func IsValidFeedURL(raw string) bool {
	return ValidateFeedURL(raw) == nil
}

// ValidateFeedURL returns nil for acceptable feed links, ErrWrongLinkType for
// Google Calendar links of the wrong kind and ErrNotCalendarURL otherwise.
//
// Accepted links are https, carry no credentials or fragment, and point at
// an allow-listed provider host. Google links must additionally end in
// ".ics" or contain an /ical/, /embed or /settings path.
func ValidateFeedURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.Contains(raw, "#") {
		return ErrNotCalendarURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ErrNotCalendarURL
	}
	if u.Scheme != "https" || u.User != nil || u.Host == "" || u.Port() != "" {
		return ErrNotCalendarURL
	}

	host := strings.ToLower(u.Hostname())
	if googleHosts[host] {
		if !googleFeedShape(u) {
			return ErrWrongLinkType
		}
		return nil
	}
	if !allowedHost(host) {
		return ErrNotCalendarURL
	}
	return nil
}

// Canonicalize rewrites Google embed, settings and ID links into the public
// ICS export URL. ICS links and other providers' URLs are returned unchanged,
// as is anything it cannot make sense of.
func Canonicalize(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || !googleHosts[strings.ToLower(u.Hostname())] {
		return raw
	}
	if strings.HasSuffix(strings.ToLower(u.Path), ".ics") {
		return raw
	}
	id := calendarIDFromURL(u)
	if id == "" {
		return raw
	}
	return CanonicalizeCalendarID(id)
}

// CanonicalizeCalendarID builds the public ICS export URL for a Google
// calendar ID such as "team@group.calendar.google.com".
func CanonicalizeCalendarID(id string) string {
	escaped := strings.ReplaceAll(url.PathEscape(id), "@", "%40")
	return fmt.Sprintf(googleICSTemplate, escaped)
}

// CheckRedirect is an http.Client redirect policy that only follows hops to
// acceptable feed links, so a provider cannot bounce a fetch onto an
// internal address.
func CheckRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	if err := ValidateFeedURL(req.URL.String()); err != nil {
		return fmt.Errorf("redirect to %s refused: %w", redactURL(req.URL.String()), err)
	}
	return nil
}

func allowedHost(host string) bool {
	if providerHosts[host] {
		return true
	}
	for _, re := range providerHostPatterns {
		if re.MatchString(host) {
			return true
		}
	}
	return false
}

func googleFeedShape(u *url.URL) bool {
	p := strings.ToLower(u.Path)
	return strings.HasSuffix(p, ".ics") ||
		strings.Contains(p, "/ical/") ||
		strings.Contains(p, "/embed") ||
		strings.Contains(p, "/settings")
}

// calendarIDFromURL pulls the calendar identifier out of embed (?src=),
// ID (?cid=), settings (/settings/calendar/<id>) and export (/ical/<id>/)
// links.
func calendarIDFromURL(u *url.URL) string {
	q := u.Query()
	if src := strings.TrimSpace(q.Get("src")); src != "" {
		return decodeCalendarID(src)
	}
	if cid := strings.TrimSpace(q.Get("cid")); cid != "" {
		return decodeCalendarID(cid)
	}
	for _, marker := range []string{"/settings/calendar/", "/ical/"} {
		if seg := segmentAfter(u.Path, marker); seg != "" {
			return decodeCalendarID(seg)
		}
	}
	return ""
}

func segmentAfter(path, marker string) string {
	i := strings.Index(path, marker)
	if i < 0 {
		return ""
	}
	seg, _, _ := strings.Cut(path[i+len(marker):], "/")
	return strings.TrimSpace(seg)
}

// decodeCalendarID undoes the base64 encoding Google uses for calendar IDs
// in cid= parameters and settings paths. Plain IDs are returned as-is.
func decodeCalendarID(s string) string {
	if strings.Contains(s, "@") {
		return s
	}
	encodings := []*base64.Encoding{
		base64.RawURLEncoding, base64.URLEncoding,
		base64.RawStdEncoding, base64.StdEncoding,
	}
	for _, enc := range encodings {
		b, err := enc.DecodeString(s)
		if err != nil || len(b) == 0 {
			continue
		}
		if decoded := string(b); plausibleCalendarID(decoded) {
			return decoded
		}
	}
	return s
}

func plausibleCalendarID(s string) bool {
	if !strings.ContainsAny(s, "@.") {
		return false
	}
	for _, r := range s {
		if !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}
