// Package resumer defines the interface the session uses to persist
// and reload per-torrent resume state (info bytes, bitfield, stats,
// trackers) so a restart does not require re-downloading metadata or
// re-verifying already-downloaded pieces (§6 resume data).
package resumer

import "time"

// Stats is the subset of a torrent's lifetime counters that are worth
// persisting across restarts.
type Stats struct {
	BytesDownloaded int64
	BytesUploaded   int64
	BytesWasted     int64
	SeededFor       time.Duration
}

// Resumer reads and writes one torrent's resume record.
type Resumer interface {
	Write(spec interface{}) error
	WriteBitfield(b []byte) error
	WriteStats(s Stats) error
	WriteStarted(started bool) error
	Delete() error
}
