package rpc

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	rain "github.com/cenkalti/rain"
	"github.com/cenkalti/rain/session"
)

func newTestServer(t *testing.T) (*Server, func()) {
	dir := t.TempDir()
	cfg := rain.DefaultConfig
	cfg.Database = filepath.Join(dir, "session.db")
	cfg.DataDir = filepath.Join(dir, "data")

	sess, err := session.New(cfg)
	require.NoError(t, err)

	rs := NewServer(sess)
	return rs, func() { _ = sess.Close() }
}

func TestHandleListEmpty(t *testing.T) {
	require := require.New(t)

	rs, cleanup := newTestServer(t)
	defer cleanup()

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/torrents", nil)
	rs.handleList(w, r)

	require.Equal(http.StatusOK, w.Code)
	var out []torrentView
	require.NoError(json.Unmarshal(w.Body.Bytes(), &out))
	require.Empty(out)
}

func TestHandleGetNotFound(t *testing.T) {
	require := require.New(t)

	rs, cleanup := newTestServer(t)
	defer cleanup()

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/torrents/does-not-exist", nil)
	rs.handleGet(w, r)

	require.Equal(http.StatusNotFound, w.Code)
	var body map[string]string
	require.NoError(json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(errTorrentNotFound.Error(), body["error"])
}

func TestHandleStopNotFound(t *testing.T) {
	require := require.New(t)

	rs, cleanup := newTestServer(t)
	defer cleanup()

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/torrents/does-not-exist/stop", nil)
	rs.handleStop(w, r)

	require.Equal(http.StatusNotFound, w.Code)
}
