package google

import (
	"context"
	"fmt"
	"net/http"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"calfeed/internal/feed"
	appLog "calfeed/internal/log"
)

// FeedCandidate is one calendar of the signed-in account, with the public ICS
// address it would be subscribed through.
type FeedCandidate struct {
	CalendarID string `json:"calendarId"`
	Summary    string `json:"summary"`
	Primary    bool   `json:"primary,omitempty"`
	AccessRole string `json:"accessRole,omitempty"`
	FeedURL    string `json:"feedUrl"`
}

// NewService returns a Calendar API client that sends requests through hc.
func NewService(ctx context.Context, hc *http.Client, opts ...option.ClientOption) (*calendar.Service, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(hc)}, opts...)
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return svc, nil
}

// ListFeeds lists the account's calendars, following pagination.
func ListFeeds(ctx context.Context, svc *calendar.Service) ([]FeedCandidate, error) {
	var out []FeedCandidate
	err := svc.CalendarList.List().Context(ctx).Pages(ctx, func(page *calendar.CalendarList) error {
		for _, item := range page.Items {
			if item.Deleted {
				continue
			}
			out = append(out, FeedCandidate{
				CalendarID: item.Id,
				Summary:    item.Summary,
				Primary:    item.Primary,
				AccessRole: item.AccessRole,
				FeedURL:    feed.CanonicalizeCalendarID(item.Id),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}
	appLog.Info("listed calendars", "count", len(out))
	return out, nil
}
