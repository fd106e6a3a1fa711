package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRelayClient_Fetch(t *testing.T) {
	var got RelayRequest
	var auth, contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		auth = r.Header.Get("Authorization")
		contentType = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(RelayResponse{Data: sampleICS, Status: "success"})
	}))
	defer srv.Close()

	const target = "https://calendar.google.com/calendar/ical/a/public/basic.ics"
	text, err := NewRelayClient(srv.URL, "k3y", time.Second).Fetch(context.Background(), target)
	if err != nil || text != sampleICS {
		t.Fatalf("Fetch = %q, %v", text, err)
	}
	if got.CalendarURL != target {
		t.Errorf("calendarUrl = %q, want %q", got.CalendarURL, target)
	}
	if auth != "Bearer k3y" {
		t.Errorf("Authorization = %q", auth)
	}
	if contentType != "application/json" {
		t.Errorf("Content-Type = %q", contentType)
	}
}

func TestRelayClient_Errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantAuth bool
	}{
		{"forbidden upstream", http.StatusForbidden, `{"error":"upstream said no","status":"error"}`, true},
		{"unauthorized", http.StatusUnauthorized, `{"error":"bad key","status":"error"}`, true},
		{"bad gateway", http.StatusBadGateway, `{"error":"unreachable","status":"error"}`, false},
		{"error on 200", http.StatusOK, `{"error":"not a calendar","status":"error"}`, false},
		{"non-json 200", http.StatusOK, `<html>`, false},
		{"non-json 500", http.StatusInternalServerError, `oops`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			text, err := NewRelayClient(srv.URL, "", time.Second).Fetch(context.Background(), "https://x")
			if err == nil {
				t.Fatalf("Fetch = %q, nil; want error", text)
			}
			if IsAuthError(err) != tt.wantAuth {
				t.Fatalf("IsAuthError(%v) = %v, want %v", err, !tt.wantAuth, tt.wantAuth)
			}
		})
	}
}

func TestRelayClient_NotConfigured(t *testing.T) {
	var nilClient *RelayClient
	for _, r := range []*RelayClient{nilClient, NewRelayClient("", "", 0)} {
		if _, err := r.Fetch(context.Background(), "https://x"); !errors.Is(err, errRelayNotConfigured) {
			t.Fatalf("err = %v, want errRelayNotConfigured", err)
		}
	}
}

func TestRelayClient_OversizedReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(RelayResponse{Data: strings.Repeat("X", 4096), Status: "success"})
	}))
	defer srv.Close()

	c := NewRelayClient(srv.URL, "", time.Second)
	if c.maxBody != maxRelayBytes {
		t.Fatalf("maxBody = %d, want %d", c.maxBody, maxRelayBytes)
	}
	c.maxBody = 1024
	text, err := c.Fetch(context.Background(), "https://x")
	if err == nil || !strings.Contains(err.Error(), "exceeds 1024 bytes") {
		t.Fatalf("Fetch = %d bytes, %v; want size error", len(text), err)
	}

	c.maxBody = 8192
	if text, err := c.Fetch(context.Background(), "https://x"); err != nil || len(text) != 4096 {
		t.Fatalf("Fetch under the limit = %d bytes, %v", len(text), err)
	}
}
