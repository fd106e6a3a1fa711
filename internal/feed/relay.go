package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxRelayBytes bounds a relay reply. JSON escaping can double the size of
// the ICS text it carries.
const maxRelayBytes = 2 * maxFeedBytes

// Relay fetches a feed on our behalf when the direct request fails.
type Relay interface {
	Fetch(ctx context.Context, calendarURL string) (string, error)
}

// RelayRequest is the payload posted to the relay function.
type RelayRequest struct {
	CalendarURL string `json:"calendarUrl"`
}

// RelayResponse is the relay function's reply: Data on success, Error
// otherwise.
type RelayResponse struct {
	Data   string `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
	Status string `json:"status"`
}

// RelayClient calls a relay function over HTTP.
type RelayClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
	maxBody  int64
}

// NewRelayClient returns a client for the relay at endpoint. apiKey, when
// set, is sent as a bearer token. A zero timeout keeps the transport default.
func NewRelayClient(endpoint, apiKey string, timeout time.Duration) *RelayClient {
	return &RelayClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
		maxBody:  maxRelayBytes,
	}
}

// Fetch asks the relay for calendarURL's ICS text.
func (r *RelayClient) Fetch(ctx context.Context, calendarURL string) (string, error) {
	if r == nil || r.endpoint == "" {
		return "", errRelayNotConfigured
	}

	payload, err := json.Marshal(RelayRequest{CalendarURL: calendarURL})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("relay: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBody+1))
	if err != nil {
		return "", fmt.Errorf("relay: read body: %w", err)
	}
	if int64(len(body)) > r.maxBody {
		return "", fmt.Errorf("relay: response exceeds %d bytes", r.maxBody)
	}

	var out RelayResponse
	decodeErr := json.Unmarshal(body, &out)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("relay: %w", &StatusError{Code: resp.StatusCode, Msg: out.Error})
	}
	if decodeErr != nil {
		return "", fmt.Errorf("relay: decode response: %w", decodeErr)
	}
	if out.Error != "" {
		return "", fmt.Errorf("relay: %s", out.Error)
	}
	return out.Data, nil
}
