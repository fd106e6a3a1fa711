package feed

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// cacheEntry holds HTTP validators for a single feed URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// diskCache stores the last 200 body of each feed next to its ETag /
// Last-Modified so direct fetches can be conditional.
type diskCache struct {
	dir string
}

func newDiskCache(dir string) *diskCache {
	if dir == "" {
		return nil
	}
	return &diskCache{dir: dir}
}

// load returns cached validators and body for url. Missing or unreadable
// entries yield zero values.
func (c *diskCache) load(url string) (cacheEntry, []byte) {
	if c == nil {
		return cacheEntry{}, nil
	}
	p, err := c.pathFor(url)
	if err != nil {
		return cacheEntry{}, nil
	}

	var meta cacheEntry
	if data, err := os.ReadFile(filepath.Join(p, "meta.json")); err == nil {
		if err := json.Unmarshal(data, &meta); err != nil {
			meta = cacheEntry{}
		}
	}
	body, _ := os.ReadFile(filepath.Join(p, "body.ics"))
	return meta, body
}

func (c *diskCache) save(url string, meta cacheEntry, body []byte) error {
	if c == nil {
		return nil
	}
	p, err := c.pathFor(url)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(p, 0o700); err != nil {
		return err
	}

	// Write body first so meta never points at a missing body.
	if err := os.WriteFile(filepath.Join(p, "body.ics"), body, 0o600); err != nil {
		return err
	}

	meta.URL = url
	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(p, "meta.json"), data, 0o600)
}

func (c *diskCache) pathFor(url string) (string, error) {
	if url == "" {
		return "", errors.New("empty url")
	}
	sum := sha256.Sum256([]byte(url))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:8])), nil
}

// redactURL keeps only scheme and host; feed paths and queries often embed
// private tokens.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "ics://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
