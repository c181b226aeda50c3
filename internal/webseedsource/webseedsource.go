// Package webseedsource tracks BEP-19 web-seed ("ws=" / "url-list")
// URLs for a torrent and fetches byte ranges directly from an HTTP server
// that mirrors the torrent's file layout. No other package in this module
// imports it; the engine downloads blocks from peers only.
package webseedsource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Source is one web-seed URL: it is asked for a byte range and never for
// a piece request queue.
type Source struct {
	BaseURL string
	http    *http.Client

	failures int
	disabledUntil time.Time
}

// New returns a Source for baseURL.
func New(baseURL string, timeout time.Duration) *Source {
	return &Source{BaseURL: strings.TrimRight(baseURL, "/"), http: &http.Client{Timeout: timeout}}
}

// Disabled reports whether this source is in its post-failure cooldown
// (BEP-19 suggests backing off a web seed that errors or 404s so it
// isn't hammered every retry).
func (s *Source) Disabled() bool {
	return !s.disabledUntil.IsZero() && time.Now().Before(s.disabledUntil)
}

func (s *Source) penalize() {
	s.failures++
	backoff := time.Duration(s.failures) * 10 * time.Second
	if backoff > 10*time.Minute {
		backoff = 10 * time.Minute
	}
	s.disabledUntil = time.Now().Add(backoff)
}

// FetchRange fetches [from, from+length) of filePath (relative to the
// torrent root, single-file torrents pass "") from this web seed using
// an HTTP Range request.
func (s *Source) FetchRange(ctx context.Context, filePath string, from, length int64) ([]byte, error) {
	url := s.BaseURL
	if filePath != "" {
		url += "/" + filePath
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", from, from+length-1))

	resp, err := s.http.Do(req)
	if err != nil {
		s.penalize()
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		s.penalize()
		return nil, fmt.Errorf("webseedsource: unexpected status %d from %s", resp.StatusCode, url)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, length))
	if err != nil {
		s.penalize()
		return nil, err
	}
	s.failures = 0
	return data, nil
}
