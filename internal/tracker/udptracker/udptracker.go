// Package udptracker implements the BEP-15 UDP tracker protocol:
// connect/announce/scrape datagrams with a 60-second connection-id TTL.
// Each request datagram is sent once; a lost or timed-out datagram is not
// retransmitted.
package udptracker

import (
	"context"
	"encoding/binary"
	"errors"
	"math/rand"
	"net"
	"net/url"
	"time"

	"github.com/cenkalti/rain/internal/logger"
	"github.com/cenkalti/rain/internal/tracker"
)

const (
	actionConnect  = 0
	actionAnnounce = 1
	actionScrape   = 2
	actionError    = 3

	protocolID = 0x41727101980

	// connectionIDTTL is how long a connect response may be reused for
	// subsequent announce/scrape calls (BEP-15).
	connectionIDTTL = 60 * time.Second
)

var errTransactionMismatch = errors.New("udptracker: transaction id mismatch")

// Tracker is a BEP-15 UDP tracker client.
type Tracker struct {
	url          string
	addr         *net.UDPAddr
	timeout      time.Duration
	log          logger.Logger

	connID       uint64
	connIDExpiry time.Time
}

// New resolves announceURL (a "udp://host:port/announce" URL) into a Tracker.
func New(announceURL string, timeout time.Duration) (*Tracker, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, err
	}
	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, err
	}
	return &Tracker{url: announceURL, addr: addr, timeout: timeout, log: logger.New("udptracker " + announceURL)}, nil
}

func (t *Tracker) URL() string { return t.url }

func (t *Tracker) dial() (*net.UDPConn, error) {
	return net.DialUDP("udp", nil, t.addr)
}

// connect performs the BEP-15 connect handshake if the cached
// connection id has expired, returning the (possibly cached) id.
func (t *Tracker) connect(ctx context.Context, conn *net.UDPConn) (uint64, error) {
	if !t.connIDExpiry.IsZero() && time.Now().Before(t.connIDExpiry) {
		return t.connID, nil
	}
	txID := rand.Uint32()
	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:8], protocolID)
	binary.BigEndian.PutUint32(req[8:12], actionConnect)
	binary.BigEndian.PutUint32(req[12:16], txID)

	resp, err := t.roundTrip(ctx, conn, req, 16)
	if err != nil {
		return 0, err
	}
	if binary.BigEndian.Uint32(resp[0:4]) != actionConnect {
		return 0, errors.New("udptracker: unexpected action in connect response")
	}
	if binary.BigEndian.Uint32(resp[4:8]) != txID {
		return 0, errTransactionMismatch
	}
	t.connID = binary.BigEndian.Uint64(resp[8:16])
	t.connIDExpiry = time.Now().Add(connectionIDTTL)
	return t.connID, nil
}

// Announce performs a BEP-15 announce call.
func (t *Tracker) Announce(ctx context.Context, tor *tracker.Torrent, e tracker.Event, numWant int) (*tracker.AnnounceResponse, error) {
	conn, err := t.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	connID, err := t.connect(ctx, conn)
	if err != nil {
		return nil, err
	}

	txID := rand.Uint32()
	req := make([]byte, 98)
	binary.BigEndian.PutUint64(req[0:8], connID)
	binary.BigEndian.PutUint32(req[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(req[12:16], txID)
	copy(req[16:36], tor.InfoHash[:])
	copy(req[36:56], tor.PeerID[:])
	binary.BigEndian.PutUint64(req[56:64], uint64(tor.BytesDownloaded))
	binary.BigEndian.PutUint64(req[64:72], uint64(tor.BytesLeft))
	binary.BigEndian.PutUint64(req[72:80], uint64(tor.BytesUploaded))
	binary.BigEndian.PutUint32(req[80:84], udpEvent(e))
	binary.BigEndian.PutUint32(req[84:88], 0) // IP address: 0 = let tracker use the source address
	binary.BigEndian.PutUint32(req[88:92], rand.Uint32())
	if numWant <= 0 {
		numWant = -1
	}
	binary.BigEndian.PutUint32(req[92:96], uint32(int32(numWant)))
	binary.BigEndian.PutUint16(req[96:98], uint16(tor.Port))

	resp, err := t.roundTrip(ctx, conn, req, 20)
	if err != nil {
		return nil, err
	}
	if err := checkAction(resp, actionAnnounce, txID); err != nil {
		return nil, err
	}
	interval := binary.BigEndian.Uint32(resp[8:12])
	leechers := int32(binary.BigEndian.Uint32(resp[12:16]))
	seeders := int32(binary.BigEndian.Uint32(resp[16:20]))
	peers, err := decodeCompactPeers(resp[20:])
	if err != nil {
		return nil, err
	}
	return &tracker.AnnounceResponse{
		Interval: time.Duration(interval) * time.Second,
		Leechers: leechers,
		Seeders:  seeders,
		Peers:    peers,
	}, nil
}

// Scrape performs a BEP-15/BEP-48 scrape call for up to 74 info hashes
// per the protocol's single-datagram limit.
func (t *Tracker) Scrape(ctx context.Context, infoHashes [][20]byte) (map[[20]byte]tracker.ScrapeResponse, error) {
	conn, err := t.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	connID, err := t.connect(ctx, conn)
	if err != nil {
		return nil, err
	}

	txID := rand.Uint32()
	req := make([]byte, 16+20*len(infoHashes))
	binary.BigEndian.PutUint64(req[0:8], connID)
	binary.BigEndian.PutUint32(req[8:12], actionScrape)
	binary.BigEndian.PutUint32(req[12:16], txID)
	for i, h := range infoHashes {
		copy(req[16+i*20:16+i*20+20], h[:])
	}

	resp, err := t.roundTrip(ctx, conn, req, 8+12*len(infoHashes))
	if err != nil {
		return nil, err
	}
	if err := checkAction(resp, actionScrape, txID); err != nil {
		return nil, err
	}
	out := make(map[[20]byte]tracker.ScrapeResponse, len(infoHashes))
	for i, h := range infoHashes {
		off := 8 + i*12
		if off+12 > len(resp) {
			break
		}
		out[h] = tracker.ScrapeResponse{
			Complete:   int32(binary.BigEndian.Uint32(resp[off : off+4])),
			Downloaded: int32(binary.BigEndian.Uint32(resp[off+4 : off+8])),
			Incomplete: int32(binary.BigEndian.Uint32(resp[off+8 : off+12])),
		}
	}
	return out, nil
}

func (t *Tracker) roundTrip(ctx context.Context, conn *net.UDPConn, req []byte, minRespLen int) ([]byte, error) {
	deadline := time.Now().Add(t.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	conn.SetDeadline(deadline)

	if _, err := conn.Write(req); err != nil {
		return nil, err
	}
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	if n < minRespLen {
		if n >= 8 && binary.BigEndian.Uint32(buf[0:4]) == actionError {
			return nil, errors.New("udptracker: " + string(buf[8:n]))
		}
		return nil, errors.New("udptracker: response too short")
	}
	return buf[:n], nil
}

func checkAction(resp []byte, action uint32, txID uint32) error {
	if binary.BigEndian.Uint32(resp[0:4]) == actionError {
		return errors.New("udptracker: " + string(resp[8:]))
	}
	if binary.BigEndian.Uint32(resp[0:4]) != action {
		return errors.New("udptracker: unexpected action")
	}
	if binary.BigEndian.Uint32(resp[4:8]) != txID {
		return errTransactionMismatch
	}
	return nil
}

func udpEvent(e tracker.Event) uint32 {
	switch e {
	case tracker.EventCompleted:
		return 1
	case tracker.EventStarted:
		return 2
	case tracker.EventStopped:
		return 3
	default:
		return 0
	}
}

func decodeCompactPeers(b []byte) ([]*net.TCPAddr, error) {
	if len(b)%6 != 0 {
		return nil, errors.New("udptracker: invalid compact peers length")
	}
	addrs := make([]*net.TCPAddr, 0, len(b)/6)
	for i := 0; i < len(b); i += 6 {
		ip := net.IPv4(b[i], b[i+1], b[i+2], b[i+3])
		port := int(b[i+4])<<8 | int(b[i+5])
		addrs = append(addrs, &net.TCPAddr{IP: ip, Port: port})
	}
	return addrs, nil
}
