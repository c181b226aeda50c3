// Package rpc is a minimal HTTP/JSON control surface over a session: list,
// add, inspect, start/stop and remove torrents, so the engine is
// independently exercisable without an in-process caller (§4's
// supplemented RPC feature).
package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"

	"github.com/cenkalti/rain/session"
)

var errTorrentNotFound = errors.New("rpc: no such torrent")

// Server serves the control surface over one Session.
type Server struct {
	session *session.Session
	server  *http.Server
}

// NewServer builds a Server for sess. Call Start to begin serving.
func NewServer(sess *session.Session) *Server {
	rs := &Server{session: sess}
	r := chi.NewRouter()
	r.Get("/torrents", rs.handleList)
	r.Post("/torrents", rs.handleAdd)
	r.Get("/torrents/{id}", rs.handleGet)
	r.Delete("/torrents/{id}", rs.handleRemove)
	r.Post("/torrents/{id}/start", rs.handleStart)
	r.Post("/torrents/{id}/stop", rs.handleStop)
	rs.server = &http.Server{Handler: r}
	return rs
}

// Start begins serving on host:port in the background.
func (rs *Server) Start(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	go func() {
		if err := rs.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			_ = err // discarded: rpc has no logger of its own and does not report it
		}
	}()
	return nil
}

// Stop gracefully shuts down the server, waiting at most timeout.
func (rs *Server) Stop(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_ = rs.server.Shutdown(ctx)
}

type torrentView struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	InfoHash  string        `json:"info_hash"`
	CreatedAt time.Time     `json:"created_at"`
	Stats     session.Stats `json:"stats"`
}

func (rs *Server) handleList(w http.ResponseWriter, r *http.Request) {
	torrents := rs.session.ListTorrents()
	out := make([]torrentView, 0, len(torrents))
	for _, t := range torrents {
		out = append(out, rs.view(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (rs *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var (
		t   *session.Torrent
		err error
	)
	switch r.Header.Get("Content-Type") {
	case "application/json":
		var body struct {
			URI string `json:"uri"`
		}
		if err = json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		t, err = rs.session.AddURI(body.URI)
	default:
		t, err = rs.session.AddTorrent(r.Body)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, rs.view(t))
}

func (rs *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	t := rs.session.GetTorrent(chi.URLParam(r, "id"))
	if t == nil {
		writeError(w, http.StatusNotFound, errTorrentNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rs.view(t))
}

func (rs *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	if err := rs.session.RemoveTorrent(chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rs *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	t := rs.session.GetTorrent(chi.URLParam(r, "id"))
	if t == nil {
		writeError(w, http.StatusNotFound, errTorrentNotFound)
		return
	}
	if err := t.Start(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rs *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	t := rs.session.GetTorrent(chi.URLParam(r, "id"))
	if t == nil {
		writeError(w, http.StatusNotFound, errTorrentNotFound)
		return
	}
	if err := t.Stop(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rs *Server) view(t *session.Torrent) torrentView {
	stats, _ := t.Stats()
	return torrentView{
		ID:        t.ID(),
		Name:      t.Name(),
		InfoHash:  hex.EncodeToString(t.InfoHash()),
		CreatedAt: t.CreatedAt(),
		Stats:     stats,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
