// Package httptracker implements the BEP-3 HTTP announce protocol and
// BEP-48 scrape, grounded on the compact-peers response shape every
// HTTP tracker in the wild uses.
package httptracker

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/rain/internal/logger"
	"github.com/cenkalti/rain/internal/tracker"
	"github.com/zeebo/bencode"
)

type announceResponse struct {
	FailureReason string `bencode:"failure reason"`
	WarningMessage string `bencode:"warning message"`
	Interval      int32  `bencode:"interval"`
	MinInterval   int32  `bencode:"min interval"`
	TrackerID     string `bencode:"tracker id"`
	Complete      int32  `bencode:"complete"`
	Incomplete    int32  `bencode:"incomplete"`
	Peers         bencode.RawMessage `bencode:"peers"`
}

type scrapeResponse struct {
	Files map[string]struct {
		Complete   int32 `bencode:"complete"`
		Downloaded int32 `bencode:"downloaded"`
		Incomplete int32 `bencode:"incomplete"`
	} `bencode:"files"`
}

// Tracker is an HTTP(S) announce URL client.
type Tracker struct {
	url        string
	scrapeURL  string
	http       *http.Client
	log        logger.Logger
}

// New returns a Tracker for announceURL, deriving its scrape URL per
// BEP-48's "replace the last /announce path segment with /scrape"
// convention when possible.
func New(announceURL string, timeout time.Duration) *Tracker {
	return &Tracker{
		url:       announceURL,
		scrapeURL: deriveScrapeURL(announceURL),
		http:      &http.Client{Timeout: timeout},
		log:       logger.New("httptracker " + announceURL),
	}
}

func deriveScrapeURL(announce string) string {
	const marker = "/announce"
	i := lastIndex(announce, marker)
	if i < 0 {
		return ""
	}
	return announce[:i] + "/scrape" + announce[i+len(marker):]
}

func lastIndex(s, sub string) int {
	for i := len(s) - len(sub); i >= 0; i-- {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func (t *Tracker) URL() string { return t.url }

// Announce performs one HTTP GET announce request (§4.C).
func (t *Tracker) Announce(ctx context.Context, tor *tracker.Torrent, e tracker.Event, numWant int) (*tracker.AnnounceResponse, error) {
	u, err := url.Parse(t.url)
	if err != nil {
		return nil, err
	}
	q := url.Values{
		"info_hash":  {string(tor.InfoHash[:])},
		"peer_id":    {string(tor.PeerID[:])},
		"port":       {strconv.Itoa(tor.Port)},
		"uploaded":   {strconv.FormatInt(tor.BytesUploaded, 10)},
		"downloaded": {strconv.FormatInt(tor.BytesDownloaded, 10)},
		"left":       {strconv.FormatInt(tor.BytesLeft, 10)},
		"compact":    {"1"},
		"numwant":    {strconv.Itoa(numWant)},
	}
	if ev := eventString(e); ev != "" {
		q.Set("event", ev)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var ar announceResponse
	dec := bencode.NewDecoder(resp.Body)
	if err := dec.Decode(&ar); err != nil {
		return nil, err
	}
	if ar.FailureReason != "" {
		return nil, errors.New(ar.FailureReason)
	}
	peers, err := parseCompactPeers(ar.Peers)
	if err != nil {
		return nil, err
	}
	return &tracker.AnnounceResponse{
		Interval: time.Duration(ar.Interval) * time.Second,
		Leechers: ar.Incomplete,
		Seeders:  ar.Complete,
		Peers:    peers,
	}, nil
}

// Scrape performs a BEP-48 scrape request for the given info hashes.
func (t *Tracker) Scrape(ctx context.Context, infoHashes [][20]byte) (map[[20]byte]tracker.ScrapeResponse, error) {
	if t.scrapeURL == "" {
		return nil, errors.New("httptracker: tracker does not support scrape")
	}
	u, err := url.Parse(t.scrapeURL)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	for _, h := range infoHashes {
		q.Add("info_hash", string(h[:]))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var sr scrapeResponse
	if err := bencode.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, err
	}
	out := make(map[[20]byte]tracker.ScrapeResponse, len(sr.Files))
	for k, v := range sr.Files {
		var h [20]byte
		copy(h[:], k)
		out[h] = tracker.ScrapeResponse{Complete: v.Complete, Incomplete: v.Incomplete, Downloaded: v.Downloaded}
	}
	return out, nil
}

func eventString(e tracker.Event) string {
	switch e {
	case tracker.EventStarted:
		return "started"
	case tracker.EventStopped:
		return "stopped"
	case tracker.EventCompleted:
		return "completed"
	default:
		return ""
	}
}

// parseCompactPeers decodes the "peers" field, which is either a
// compact binary string (6 bytes per peer: 4-byte IP, 2-byte port) or,
// rarely, a bencoded list of dicts (the non-compact fallback).
func parseCompactPeers(raw bencode.RawMessage) ([]*net.TCPAddr, error) {
	var compact string
	if err := bencode.DecodeBytes(raw, &compact); err == nil {
		return decodeCompact([]byte(compact))
	}
	var list []struct {
		IP   string `bencode:"ip"`
		Port int    `bencode:"port"`
	}
	if err := bencode.DecodeBytes(raw, &list); err != nil {
		return nil, errors.New("httptracker: invalid peers field")
	}
	addrs := make([]*net.TCPAddr, 0, len(list))
	for _, p := range list {
		ip := net.ParseIP(p.IP)
		if ip == nil {
			continue
		}
		addrs = append(addrs, &net.TCPAddr{IP: ip, Port: p.Port})
	}
	return addrs, nil
}

func decodeCompact(b []byte) ([]*net.TCPAddr, error) {
	if len(b)%6 != 0 {
		return nil, errors.New("httptracker: invalid compact peers length")
	}
	addrs := make([]*net.TCPAddr, 0, len(b)/6)
	for i := 0; i < len(b); i += 6 {
		ip := net.IPv4(b[i], b[i+1], b[i+2], b[i+3])
		port := int(b[i+4])<<8 | int(b[i+5])
		addrs = append(addrs, &net.TCPAddr{IP: ip, Port: port})
	}
	return addrs, nil
}
