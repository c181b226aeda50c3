// Package trackermanager caches Tracker instances by announce URL so
// multiple torrents sharing a tracker reuse one client and one
// connection-id/scrape cache (BEP-15's connection id is meant to be
// reused across calls to the same host).
package trackermanager

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/rain/internal/tracker"
	"github.com/cenkalti/rain/internal/tracker/httptracker"
	"github.com/cenkalti/rain/internal/tracker/udptracker"
)

// TrackerManager builds and caches Tracker clients by announce URL.
type TrackerManager struct {
	mu       sync.Mutex
	trackers map[string]tracker.Tracker
	timeout  time.Duration
}

// New returns a TrackerManager whose clients use the given per-call
// network timeout.
func New(timeout time.Duration) *TrackerManager {
	return &TrackerManager{
		trackers: make(map[string]tracker.Tracker),
		timeout:  timeout,
	}
}

// Get returns the cached Tracker for announceURL, constructing one on
// first use based on the URL scheme (§4.C: http(s):// -> httptracker,
// udp:// -> udptracker; any other scheme is rejected).
func (m *TrackerManager) Get(announceURL string) (tracker.Tracker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.trackers[announceURL]; ok {
		return t, nil
	}
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, err
	}
	var t tracker.Tracker
	switch u.Scheme {
	case "http", "https":
		t = httptracker.New(announceURL, m.timeout)
	case "udp":
		ut, err := udptracker.New(announceURL, m.timeout)
		if err != nil {
			return nil, err
		}
		t = ut
	default:
		return nil, fmt.Errorf("trackermanager: unsupported tracker scheme %q", u.Scheme)
	}
	m.trackers[announceURL] = t
	return t, nil
}
