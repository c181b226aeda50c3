// Package torrentstate defines the Torrent lifecycle enum and its legal
// transitions, plus sentinel errors (§7) and event types (§9 callback
// redesign). The errors and event types are declared here only: no other
// package in this module returns these errors or sends these events.
package torrentstate

import "errors"

// State is the lifecycle stage of one torrent (§4.G).
type State int

const (
	NotStarted State = iota
	CheckingFiles
	DownloadingMetadata
	Allocating
	Downloading
	Seeding
	Stopping
	Stopped
	Error
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "Not Started"
	case CheckingFiles:
		return "Checking Files"
	case DownloadingMetadata:
		return "Downloading Metadata"
	case Allocating:
		return "Allocating"
	case Downloading:
		return "Downloading"
	case Seeding:
		return "Seeding"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// CanTransitionTo reports whether s -> next is a legal transition
// (§4.G: no skipping CheckingFiles/Allocating, Error is reachable from
// anywhere, Stopped can always restart into NotStarted).
func (s State) CanTransitionTo(next State) bool {
	if next == Error {
		return true
	}
	switch s {
	case NotStarted:
		return next == DownloadingMetadata || next == CheckingFiles || next == Allocating
	case DownloadingMetadata:
		return next == CheckingFiles || next == Allocating || next == Stopping
	case CheckingFiles:
		return next == Downloading || next == Seeding || next == Allocating || next == Stopping
	case Allocating:
		return next == Downloading || next == CheckingFiles || next == Stopping
	case Downloading:
		return next == Seeding || next == Stopping
	case Seeding:
		return next == Stopping
	case Stopping:
		return next == Stopped
	case Stopped:
		return next == NotStarted || next == CheckingFiles || next == Allocating || next == DownloadingMetadata
	case Error:
		return next == Stopped || next == NotStarted
	default:
		return false
	}
}

// Sentinel errors for session/stream callers (§7). No package in this
// module returns them.
var (
	ErrInvalidHandle     = errors.New("torrentstate: handle refers to a torrent that no longer exists")
	ErrInfoHashNotFound  = errors.New("torrentstate: no torrent with this info hash")
	ErrDuplicateURL      = errors.New("torrentstate: a torrent with this tracker URL set already exists")
	ErrInvalidPort       = errors.New("torrentstate: listen port is outside the configured range")
	ErrInvalidStreamState = errors.New("torrentstate: stream is not in a state that allows this operation")
	ErrTimeout           = errors.New("torrentstate: operation timed out")
)

// EventType distinguishes torrent events (§9). The torrent main loop does
// not emit them and there is no subscriber API.
type EventType int

const (
	EventMetadataChanged EventType = iota
	EventStateChanged
	EventPieceCompleted
	EventStats
	EventPeersDiscovered
)

// Event is an event payload. Only one of the typed fields is populated,
// matching EventType.
type Event struct {
	Type EventType

	State         State
	PieceIndex    uint32
	Stats         Stats
	PeersDiscovered int
}

// Stats is the snapshot carried by an EventStats event.
type Stats struct {
	BytesDownloaded int64
	BytesUploaded   int64
	BytesLeft       int64
	DownloadSpeed   float64
	UploadSpeed     float64
	Peers           int
	Seeders         int
	PiecesVerified  int
	PiecesTotal     int
}
