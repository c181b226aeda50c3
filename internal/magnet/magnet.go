// Package magnet parses magnet URIs (§4.A, §6): v1 btih info-hashes, v2
// btmh multihashes, display name, trackers, web seeds and exact source.
package magnet

import (
	"encoding/base32"
	"encoding/hex"
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Magnet is the parsed form of a "magnet:?..." URI.
type Magnet struct {
	InfoHash   [20]byte
	InfoHashV2 [32]byte
	HasV2      bool
	Name       string
	Trackers   []string
	WebSeeds   []string
	ExactSrc   string
	Peers      []*net.TCPAddr
}

var (
	errInvalidScheme = errors.New("magnet: invalid scheme")
	errNoHash        = errors.New("magnet: missing xt parameter")
)

// New parses a magnet link such as:
//
//	magnet:?xt=urn:btih:EADAF0EFEA39406914414D359E0EA16416409BD7&dn=debian.iso&tr=udp://tracker.opentrackr.org:1337
func New(link string) (*Magnet, error) {
	u, err := url.Parse(link)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "magnet" {
		return nil, errInvalidScheme
	}
	q := u.Query()
	m := &Magnet{
		Name:     q.Get("dn"),
		Trackers: q["tr"],
		WebSeeds: q["ws"],
		ExactSrc: q.Get("xs"),
	}
	var found bool
	for _, xt := range q["xt"] {
		if h, ok := strings.CutPrefix(xt, "urn:btih:"); ok {
			ih, err := decodeV1(h)
			if err != nil {
				return nil, err
			}
			m.InfoHash = ih
			found = true
		} else if h, ok := strings.CutPrefix(xt, "urn:btmh:"); ok {
			ih, err := decodeV2(h)
			if err != nil {
				return nil, err
			}
			m.InfoHashV2 = ih
			m.HasV2 = true
			found = true
		}
	}
	if !found {
		return nil, errNoHash
	}
	for _, p := range q["x.pe"] {
		if addr, err := net.ResolveTCPAddr("tcp", p); err == nil {
			m.Peers = append(m.Peers, addr)
		}
	}
	return m, nil
}

// decodeV1 accepts either 40-char hex or 32-char base32 forms of the
// 20-byte v1 info-hash, both seen in the wild.
func decodeV1(s string) ([20]byte, error) {
	var ih [20]byte
	switch len(s) {
	case 40:
		b, err := hex.DecodeString(s)
		if err != nil {
			return ih, err
		}
		copy(ih[:], b)
	case 32:
		b, err := base32.StdEncoding.DecodeString(strings.ToUpper(s))
		if err != nil {
			return ih, err
		}
		copy(ih[:], b)
	default:
		return ih, errors.New("magnet: invalid btih length")
	}
	return ih, nil
}

// decodeV2 expects a 1220-prefixed (SHA-256 multihash) hex string per
// BEP-52 and extracts the 32-byte digest.
func decodeV2(s string) ([32]byte, error) {
	var ih [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return ih, err
	}
	if len(b) != 34 || b[0] != 0x12 || b[1] != 0x20 {
		return ih, errors.New("magnet: unsupported btmh multihash")
	}
	copy(ih[:], b[2:])
	return ih, nil
}

// String reconstructs a canonical magnet URI, used when persisting or
// re-announcing a magnet-sourced torrent.
func (m *Magnet) String() string {
	v := url.Values{}
	v.Set("xt", "urn:btih:"+strings.ToUpper(hex.EncodeToString(m.InfoHash[:])))
	if m.Name != "" {
		v.Set("dn", m.Name)
	}
	for _, t := range m.Trackers {
		v.Add("tr", t)
	}
	for _, w := range m.WebSeeds {
		v.Add("ws", w)
	}
	return "magnet:?" + v.Encode()
}

// PortOrZero is a small helper for callers building tracker.Torrent from
// parsed exact-source hints.
func PortOrZero(s string) int {
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return p
}
