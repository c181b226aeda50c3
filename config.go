// Package rain is a BitTorrent client library capable of downloading
// and seeding multiple torrents in parallel over TCP, with optional
// HTTP/JSON-RPC control and progressive streaming of in-progress
// downloads.
package rain

import (
	"io/ioutil"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds every tunable of a Session and the torrents it manages.
// Zero-value fields are filled in from DefaultConfig by LoadConfig.
type Config struct {
	// Database is the path to the BoltDB resume database.
	Database string `yaml:"database"`
	// DataDir is the root directory torrent files are downloaded into.
	DataDir string `yaml:"data_dir"`

	// PortBegin/PortEnd bound the TCP port range the acceptor probes
	// for a free listening port (§4.H).
	PortBegin uint16 `yaml:"port_begin"`
	PortEnd   uint16 `yaml:"port_end"`

	MaxOpenFiles int `yaml:"max_open_files"`

	// MaxPeerDial/MaxPeerAccept bound outgoing and incoming connection
	// concurrency per torrent (§5).
	MaxPeerDial   int `yaml:"max_peer_dial"`
	MaxPeerAccept int `yaml:"max_peer_accept"`

	PeerConnectTimeout   time.Duration `yaml:"peer_connect_timeout"`
	PeerHandshakeTimeout time.Duration `yaml:"peer_handshake_timeout"`
	PieceTimeout         time.Duration `yaml:"piece_timeout"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`

	PeerReadBufferSize int `yaml:"peer_read_buffer_size"`

	// MaxRequestsIn/MaxRequestsOut are loaded from configuration, but no
	// component reads them: piecedownloader bounds its block-request
	// pipeline depth with its own fixed limits [2, 50].
	MaxRequestsIn  int `yaml:"max_requests_in"`
	MaxRequestsOut int `yaml:"max_requests_out"`

	// UnchokedPeers/OptimisticUnchokedPeers control the tit-for-tat
	// choke algorithm (§4.D).
	UnchokedPeers            int           `yaml:"unchoked_peers"`
	OptimisticUnchokedPeers  int           `yaml:"optimistic_unchoked_peers"`
	UnchokeInterval          time.Duration `yaml:"unchoke_interval"`
	OptimisticUnchokeInterval time.Duration `yaml:"optimistic_unchoke_interval"`

	// BitfieldWriteInterval bounds how often the resume bitfield is
	// flushed outside of a completion event (§6).
	BitfieldWriteInterval time.Duration `yaml:"bitfield_write_interval"`
	StatsWriteInterval     time.Duration `yaml:"stats_write_interval"`

	TrackerHTTPTimeout   time.Duration `yaml:"tracker_http_timeout"`
	TrackerUDPTimeout    time.Duration `yaml:"tracker_udp_timeout"`
	TrackerMinAnnounceInterval time.Duration `yaml:"tracker_min_announce_interval"`
	TrackerNumWant       int           `yaml:"tracker_num_want"`

	// StreamBufferSize bounds the windowed-read chunk size for the
	// streaming resource (§4.I default 256KiB).
	StreamBufferSize int `yaml:"stream_buffer_size"`
	// StreamPrepareMinPieces is the floor of the preparation-piece
	// formula (spec.md: max(8, ceil(0.08*file_pieces)) + last 3).
	StreamPrepareMinPieces int `yaml:"stream_prepare_min_pieces"`

	PieceCacheSize int `yaml:"piece_cache_size"` // blocks

	ExtensionHandshakeClientVersion string `yaml:"extension_handshake_client_version"`

	// DHTEnabled/PEXEnabled are carried as configuration surface only;
	// neither peer-discovery mechanism is wired in (Non-goals).
	DHTEnabled bool `yaml:"dht_enabled"`
	PEXEnabled bool `yaml:"pex_enabled"`

	RPCEnabled         bool          `yaml:"rpc_enabled"`
	RPCHost            string        `yaml:"rpc_host"`
	RPCPort            int           `yaml:"rpc_port"`
	RPCShutdownTimeout time.Duration `yaml:"rpc_shutdown_timeout"`
}

// DefaultConfig mirrors the teacher's defaults, extended with every
// tunable the expanded spec names.
var DefaultConfig = Config{
	Database: "~/rain/session.db",
	DataDir:  "~/rain/data",

	PortBegin: 50000,
	PortEnd:   60000,

	MaxOpenFiles: 1024,

	MaxPeerDial:   200,
	MaxPeerAccept: 200,

	PeerConnectTimeout:   5 * time.Second,
	PeerHandshakeTimeout: 10 * time.Second,
	PieceTimeout:         30 * time.Second,
	RequestTimeout:       20 * time.Second,

	PeerReadBufferSize: 64,

	MaxRequestsIn:  250,
	MaxRequestsOut: 250,

	UnchokedPeers:             4,
	OptimisticUnchokedPeers:   1,
	UnchokeInterval:           10 * time.Second,
	OptimisticUnchokeInterval: 30 * time.Second,

	BitfieldWriteInterval: 30 * time.Second,
	StatsWriteInterval:    15 * time.Second,

	TrackerHTTPTimeout:         10 * time.Second,
	TrackerUDPTimeout:          10 * time.Second,
	TrackerMinAnnounceInterval: 15 * time.Second,
	TrackerNumWant:             50,

	StreamBufferSize:       256 * 1024,
	StreamPrepareMinPieces: 8,

	PieceCacheSize: 256,

	ExtensionHandshakeClientVersion: "rain/2.0",

	DHTEnabled: false,
	PEXEnabled: false,

	RPCEnabled:         false,
	RPCHost:            "127.0.0.1",
	RPCPort:            7246,
	RPCShutdownTimeout: 5 * time.Second,
}

// LoadConfig reads filename as YAML over DefaultConfig, returning
// DefaultConfig unchanged if filename does not exist.
func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig
	b, err := ioutil.ReadFile(filename)
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
