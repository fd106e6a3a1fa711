package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"

	appLog "calfeed/internal/log"
)

// ErrNoToken means the auth flow has not been completed yet.
var ErrNoToken = errors.New("no oauth token; run the auth command first")

// OAuthGate keeps an OAuth2 token for the upstream calendar provider on disk
// and refreshes it on demand. It satisfies feed.TokenGate and
// oauth2.TokenSource.
type OAuthGate struct {
	cfg       *oauth2.Config
	tokenFile string

	mu    sync.Mutex
	token *oauth2.Token
}

// GoogleConfig returns the OAuth2 config for read-only Google Calendar access.
func GoogleConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  "urn:ietf:wg:oauth:2.0:oob",
		Scopes:       []string{calendar.CalendarReadonlyScope},
		Endpoint:     google.Endpoint,
	}
}

// NewOAuthGate returns a gate for cfg, loading any token already stored in
// tokenFile. A missing file is not an error.
func NewOAuthGate(cfg *oauth2.Config, tokenFile string) (*OAuthGate, error) {
	g := &OAuthGate{cfg: cfg, tokenFile: tokenFile}
	tok, err := loadToken(tokenFile)
	switch {
	case err == nil:
		g.token = tok
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("load token %s: %w", tokenFile, err)
	}
	return g, nil
}

// IsTokenUsable reports whether the stored token is present and unexpired.
func (g *OAuthGate) IsTokenUsable(ctx context.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.token.Valid()
}

// RefreshToken exchanges the stored refresh token for a new access token and
// persists it.
func (g *OAuthGate) RefreshToken(ctx context.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, err := g.refreshLocked(ctx); err != nil {
		appLog.Error("oauth token refresh failed", err)
		return false
	}
	return true
}

// Token returns a valid token, refreshing it when expired.
func (g *OAuthGate) Token() (*oauth2.Token, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.token.Valid() {
		return g.token, nil
	}
	return g.refreshLocked(context.Background())
}

// AuthCodeURL is the consent page the user visits to obtain a code.
func (g *OAuthGate) AuthCodeURL(state string) string {
	return g.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// Exchange trades an authorization code for a token and stores it.
func (g *OAuthGate) Exchange(ctx context.Context, code string) error {
	tok, err := g.cfg.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange code: %w", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.token = tok
	return saveToken(g.tokenFile, tok)
}

// Client returns an HTTP client that authorizes requests with the gate's
// token, refreshing and persisting it as needed.
func (g *OAuthGate) Client(ctx context.Context) *http.Client {
	return oauth2.NewClient(ctx, g)
}

func (g *OAuthGate) refreshLocked(ctx context.Context) (*oauth2.Token, error) {
	if g.token == nil || g.token.RefreshToken == "" {
		return nil, ErrNoToken
	}
	stale := *g.token
	stale.AccessToken = ""
	tok, err := g.cfg.TokenSource(ctx, &stale).Token()
	if err != nil {
		return nil, err
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = g.token.RefreshToken
	}
	g.token = tok
	if err := saveToken(g.tokenFile, tok); err != nil {
		appLog.Error("oauth token save failed", err, "file", g.tokenFile)
	}
	return tok, nil
}

func loadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	tok := &oauth2.Token{}
	if err := json.Unmarshal(data, tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// saveToken writes the token atomically with owner-only permissions.
func saveToken(path string, tok *oauth2.Token) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
