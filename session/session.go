// Package session implements the top-level engine: it owns the resume
// database, the shared blocklist and tracker cache, and the set of
// active torrents, each running its own goroutine (§4, §5, §6).
package session

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	"github.com/gofrs/uuid"
	homedir "github.com/mitchellh/go-homedir"

	rain "github.com/cenkalti/rain"
	"github.com/cenkalti/rain/internal/addrlist"
	"github.com/cenkalti/rain/internal/bitfield"
	"github.com/cenkalti/rain/internal/blocklist"
	"github.com/cenkalti/rain/internal/logger"
	"github.com/cenkalti/rain/internal/magnet"
	"github.com/cenkalti/rain/internal/metainfo"
	"github.com/cenkalti/rain/internal/resumer"
	"github.com/cenkalti/rain/internal/resumer/boltdbresumer"
	"github.com/cenkalti/rain/internal/storage/filestorage"
	"github.com/cenkalti/rain/internal/tracker"
	"github.com/cenkalti/rain/internal/trackermanager"
)

// Config is this package's name for the library-wide configuration
// struct, so torrent/options/run can refer to it unqualified the way
// the rest of the package does.
type Config = rain.Config

var (
	sessionBucket  = []byte("session")
	torrentsBucket = []byte("torrents")

	errTorrentRemoved = errors.New("session: torrent has been removed")
)

// Session manages a set of torrents, a shared resume database, peer
// blocklist and tracker cache.
type Session struct {
	config         Config
	db             *bolt.DB
	log            logger.Logger
	blocklist      *blocklist.Blocklist
	trackerManager *trackermanager.TrackerManager
	closeC         chan struct{}

	m        sync.RWMutex
	torrents map[string]*Torrent

	mPorts         sync.Mutex
	availablePorts map[uint16]struct{}
}

// New opens (creating if needed) the resume database at cfg.Database and
// reloads any torrents it already contains. It starts no control server.
func New(cfg Config) (*Session, error) {
	if cfg.PortBegin >= cfg.PortEnd {
		return nil, errors.New("session: invalid port range")
	}
	if err := setNoFile(cfg.MaxOpenFiles); err != nil {
		return nil, err
	}
	var err error
	cfg.Database, err = homedir.Expand(cfg.Database)
	if err != nil {
		return nil, err
	}
	cfg.DataDir, err = homedir.Expand(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(filepath.Dir(cfg.Database), 0750); err != nil {
		return nil, err
	}
	l := logger.New("session")
	db, err := bolt.Open(cfg.Database, 0640, &bolt.Options{Timeout: time.Second})
	if err == bolt.ErrTimeout {
		return nil, errors.New("session: resume database is locked by another process")
	} else if err != nil {
		return nil, err
	}
	var ids []string
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(sessionBucket); err != nil {
			return err
		}
		tb, err := tx.CreateBucketIfNotExists(torrentsBucket)
		if err != nil {
			return err
		}
		return tb.ForEach(func(k, v []byte) error {
			if v == nil { // nested bucket, one per torrent id
				ids = append(ids, string(k))
			}
			return nil
		})
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	availablePorts := make(map[uint16]struct{})
	for p := cfg.PortBegin; p < cfg.PortEnd; p++ {
		availablePorts[p] = struct{}{}
	}

	c := &Session{
		config:         cfg,
		db:             db,
		log:            l,
		blocklist:      blocklist.New(),
		trackerManager: trackermanager.New(cfg.TrackerHTTPTimeout),
		closeC:         make(chan struct{}),
		torrents:       make(map[string]*Torrent),
		availablePorts: availablePorts,
	}
	if err = c.loadExistingTorrents(ids); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// Close stops every torrent, then closes the resume database. It does not remove any downloaded data.
func (c *Session) Close() error {
	close(c.closeC)

	c.m.RLock()
	torrents := make([]*Torrent, 0, len(c.torrents))
	for _, t := range c.torrents {
		torrents = append(torrents, t)
	}
	c.m.RUnlock()

	var wg sync.WaitGroup
	wg.Add(len(torrents))
	for _, t := range torrents {
		go func(t *Torrent) {
			defer wg.Done()
			_ = t.Stop()
		}(t)
	}
	wg.Wait()
	return c.db.Close()
}

// ListTorrents returns every torrent known to the session.
func (c *Session) ListTorrents() []*Torrent {
	c.m.RLock()
	defer c.m.RUnlock()
	out := make([]*Torrent, 0, len(c.torrents))
	for _, t := range c.torrents {
		out = append(out, t)
	}
	return out
}

// GetTorrent looks up a torrent by its session-local id, returning nil
// if no such torrent exists.
func (c *Session) GetTorrent(id string) *Torrent {
	c.m.RLock()
	defer c.m.RUnlock()
	return c.torrents[id]
}

// RemoveTorrent stops and forgets the torrent with id, deleting its
// resume record and downloaded files.
func (c *Session) RemoveTorrent(id string) error {
	c.m.Lock()
	t, ok := c.torrents[id]
	if !ok {
		c.m.Unlock()
		return nil
	}
	delete(c.torrents, id)
	c.m.Unlock()

	if err := t.Stop(); err != nil && err != errTorrentRemoved {
		return err
	}
	close(t.removed)
	c.releasePort(t.port)

	if fs, ok := t.torrent.storage.(*filestorage.FileStorage); ok {
		if err := os.RemoveAll(fs.Dest()); err != nil {
			c.log.Errorln("session: error removing torrent data:", err)
		}
	}
	return t.torrent.resume.Delete()
}

// AddTorrent parses r as a .torrent file and adds it to the session,
// stopped, so the caller can inspect it (e.g. via Stats) before
// starting.
func (c *Session) AddTorrent(r io.Reader) (*Torrent, error) {
	mi, err := metainfo.New(r)
	if err != nil {
		return nil, err
	}
	opt, sto, id, err := c.add()
	if err != nil {
		return nil, err
	}
	opt.Name = mi.Info.DisplayName()
	opt.Info = mi.Info
	opt.Trackers = c.parseTrackers(mi.GetTrackers())

	t, err := opt.NewTorrent(mi.Info.Hash[:], sto)
	if err != nil {
		return nil, err
	}
	createdAt := time.Now()
	spec := &boltdbresumer.Spec{
		InfoHash:  t.InfoHash(),
		Dest:      sto.Dest(),
		Port:      opt.Port,
		Name:      opt.Name,
		Trackers:  trackerURLs(opt.Trackers),
		Info:      mi.Info.Bytes,
		CreatedAt: createdAt,
	}
	if err = opt.Resumer.Write(spec); err != nil {
		return nil, err
	}
	return c.newTorrent(t, id, uint16(opt.Port), createdAt), nil
}

// AddURI adds a torrent from a magnet link or an http(s) URL pointing
// at a .torrent file.
func (c *Session) AddURI(uri string) (*Torrent, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "magnet":
		return c.addMagnet(uri)
	case "http", "https":
		return c.addURL(uri)
	default:
		return nil, fmt.Errorf("session: unsupported uri scheme %q", u.Scheme)
	}
}

func (c *Session) addURL(u string) (*Torrent, error) {
	resp, err := http.Get(u) //nolint:gosec,noctx // operator-supplied torrent URL, not an untrusted request input.
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("session: unexpected status fetching torrent: %s", resp.Status)
	}
	var buf bytes.Buffer
	if _, err = io.Copy(&buf, resp.Body); err != nil {
		return nil, err
	}
	return c.AddTorrent(&buf)
}

func (c *Session) addMagnet(link string) (*Torrent, error) {
	m, err := magnet.New(link)
	if err != nil {
		return nil, err
	}
	opt, sto, id, err := c.add()
	if err != nil {
		return nil, err
	}
	opt.Name = m.Name
	trackers := append([]string(nil), m.Trackers...)
	opt.Trackers = c.parseTrackers([][]string{trackers})

	t, err := opt.NewTorrent(m.InfoHash[:], sto)
	if err != nil {
		return nil, err
	}
	if len(m.Peers) > 0 {
		t.addrList.Push(m.Peers, addrlist.Manual)
	}
	createdAt := time.Now()
	spec := &boltdbresumer.Spec{
		InfoHash:  t.InfoHash(),
		Dest:      sto.Dest(),
		Port:      opt.Port,
		Name:      opt.Name,
		Trackers:  trackers,
		CreatedAt: createdAt,
	}
	if err = opt.Resumer.Write(spec); err != nil {
		return nil, err
	}
	return c.newTorrent(t, id, uint16(opt.Port), createdAt), nil
}

// add allocates a listening port and a session-local id for a new
// torrent and prepares its resumer and on-disk storage.
func (c *Session) add() (*options, *filestorage.FileStorage, string, error) {
	port, err := c.getPort()
	if err != nil {
		return nil, nil, "", err
	}
	idValue, err := uuid.NewV4()
	if err != nil {
		c.releasePort(port)
		return nil, nil, "", err
	}
	id := base64.RawURLEncoding.EncodeToString(idValue.Bytes())

	res, err := boltdbresumer.New(c.db, torrentsBucket, []byte(id))
	if err != nil {
		c.releasePort(port)
		return nil, nil, "", err
	}
	sto, err := filestorage.New(filepath.Join(c.config.DataDir, id))
	if err != nil {
		c.releasePort(port)
		return nil, nil, "", err
	}
	opt := &options{
		Port:      int(port),
		Resumer:   res,
		Blocklist: c.blocklist,
		Config:    &c.config,
	}
	return opt, sto, id, nil
}

// newTorrent wraps an internal torrent in its public handle, starts its
// run() loop and registers it with the session.
func (c *Session) newTorrent(t *torrent, id string, port uint16, createdAt time.Time) *Torrent {
	pt := &Torrent{
		session:   c,
		torrent:   t,
		id:        id,
		port:      port,
		createdAt: createdAt,
		removed:   make(chan struct{}),
	}
	go t.run()
	c.m.Lock()
	c.torrents[id] = pt
	c.m.Unlock()
	return pt
}

// loadExistingTorrents reconstructs a Torrent for every id already
// present in the resume database, auto-starting those that were
// running when the session last closed.
func (c *Session) loadExistingTorrents(ids []string) error {
	for _, id := range ids {
		res, err := boltdbresumer.New(c.db, torrentsBucket, []byte(id))
		if err != nil {
			return err
		}
		spec, err := res.Read()
		if err != nil {
			return err
		}
		if spec == nil || len(spec.InfoHash) == 0 {
			continue
		}
		port, err := c.reservePort(uint16(spec.Port))
		if err != nil {
			port, err = c.getPort()
			if err != nil {
				return err
			}
		}
		sto, err := filestorage.New(spec.Dest)
		if err != nil {
			c.releasePort(port)
			return err
		}
		opt := &options{
			Name:      spec.Name,
			Port:      int(port),
			Trackers:  c.parseTrackers([][]string{spec.Trackers}),
			Resumer:   res,
			Blocklist: c.blocklist,
			Config:    &c.config,
			Stats: resumer.Stats{
				BytesDownloaded: spec.BytesDownloaded,
				BytesUploaded:   spec.BytesUploaded,
				BytesWasted:     spec.BytesWasted,
				SeededFor:       spec.SeededFor,
			},
		}
		if len(spec.Info) > 0 {
			opt.Info, err = metainfo.NewInfo(spec.Info)
			if err != nil {
				c.releasePort(port)
				return err
			}
		}
		if len(spec.Bitfield) > 0 && opt.Info != nil {
			opt.Bitfield, err = bitfield.NewBytes(spec.Bitfield, opt.Info.NumPieces)
			if err != nil {
				c.releasePort(port)
				return err
			}
		}
		t, err := opt.NewTorrent(spec.InfoHash, sto)
		if err != nil {
			c.releasePort(port)
			return err
		}
		pt := c.newTorrent(t, id, port, spec.CreatedAt)
		started, err := res.Started()
		if err != nil {
			return err
		}
		if started {
			if err = pt.Start(); err != nil {
				return err
			}
		}
	}
	return nil
}

// parseTrackers flattens tiered tracker URLs into resolved Tracker
// clients, skipping (and logging) any URL the manager rejects rather
// than failing the whole torrent over one bad tracker (§4.C). Tier
// grouping from the source (.torrent announce-list or magnet tr=) is
// not preserved past this point; every resolved tracker is announced
// to as a single flat list.
func (c *Session) parseTrackers(tiers [][]string) []tracker.Tracker {
	var trackers []tracker.Tracker
	for _, tier := range tiers {
		for _, u := range tier {
			if u == "" {
				continue
			}
			tr, err := c.trackerManager.Get(u)
			if err != nil {
				c.log.Debugf("session: skipping tracker %q: %s", u, err)
				continue
			}
			trackers = append(trackers, tr)
		}
	}
	return trackers
}

func trackerURLs(trackers []tracker.Tracker) []string {
	out := make([]string, len(trackers))
	for i, tr := range trackers {
		out[i] = tr.URL()
	}
	return out
}

func (c *Session) getPort() (uint16, error) {
	c.mPorts.Lock()
	defer c.mPorts.Unlock()
	for p := range c.availablePorts {
		delete(c.availablePorts, p)
		return p, nil
	}
	return 0, errors.New("session: no free port in configured range")
}

// reservePort claims a specific port (used when reloading a torrent
// that previously had one assigned), returning an error if it is
// already taken or out of range.
func (c *Session) reservePort(p uint16) (uint16, error) {
	c.mPorts.Lock()
	defer c.mPorts.Unlock()
	if _, ok := c.availablePorts[p]; !ok {
		return 0, fmt.Errorf("session: port %d unavailable", p)
	}
	delete(c.availablePorts, p)
	return p, nil
}

func (c *Session) releasePort(p uint16) {
	c.mPorts.Lock()
	defer c.mPorts.Unlock()
	c.availablePorts[p] = struct{}{}
}
