package api

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hjdhjd/prismcast/internal/config"
	"github.com/hjdhjd/prismcast/internal/ingest"
	"github.com/hjdhjd/prismcast/internal/logger"
	"github.com/hjdhjd/prismcast/internal/segmenter"
	"github.com/hjdhjd/prismcast/internal/session"
)

type nullSource struct{}

func (nullSource) Subscribe(segmenter.Handler)   {}
func (nullSource) Unsubscribe(segmenter.Handler) {}

func newTestServer(t *testing.T) (*httptest.Server, *session.Manager) {
	t.Helper()

	cfg := &config.Config{
		Name:            "test",
		SegmentDuration: 2,
		MaxSegments:     5,
		Streams:         []config.Stream{{Name: "lobby", Id: 1}},
	}
	log := logger.NewLogger("error")
	mgr := session.NewManager(log, cfg)
	router := New(log, mgr, ingest.NewServer(log, mgr))

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, mgr
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, body
}

func box(name string, totalSize int) []byte {
	b := make([]byte, totalSize)
	binary.BigEndian.PutUint32(b[0:4], uint32(totalSize))
	copy(b[4:8], name)
	return b
}

func TestPlaylistEndpoint(t *testing.T) {
	srv, mgr := newTestServer(t)

	resp, _ := get(t, srv.URL+"/live/1/playlist.m3u8")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, mgr.Store().UpdatePlaylist(1, "#EXTM3U\n#EXT-X-VERSION:7\n"))

	resp, body := get(t, srv.URL+"/live/1/playlist.m3u8")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/vnd.apple.mpegurl", resp.Header.Get("Content-Type"))
	assert.Equal(t, "#EXTM3U\n#EXT-X-VERSION:7\n", string(body))
}

func TestBlobEndpoints(t *testing.T) {
	srv, mgr := newTestServer(t)

	require.NoError(t, mgr.Store().StoreInitSegment(1, []byte("init-bytes")))
	require.NoError(t, mgr.Store().StoreSegment(1, "segment0.m4s", []byte("media-bytes")))

	resp, body := get(t, srv.URL+"/live/1/init.mp4")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))
	assert.Equal(t, "init-bytes", string(body))

	resp, body = get(t, srv.URL+"/live/1/segment0.m4s")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "media-bytes", string(body))

	resp, _ = get(t, srv.URL+"/live/1/segment1.m4s")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = get(t, srv.URL+"/live/1/secrets.txt")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = get(t, srv.URL+"/live/abc/init.mp4")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatsEndpoint(t *testing.T) {
	srv, mgr := newTestServer(t)

	resp, _ := get(t, srv.URL+"/live/1/stats")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, err := mgr.Attach(1, nullSource{})
	require.NoError(t, err)

	resp, body := get(t, srv.URL+"/live/1/stats")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var stats streamStats
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, 1, stats.StreamID)
	assert.Equal(t, "lobby", stats.Name)
	assert.Equal(t, uint64(0), stats.SegmentIndex)
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestIngestEndToEnd(t *testing.T) {
	srv, mgr := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ingest/1"), nil)
	require.NoError(t, err)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, box("ftyp", 16)))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, box("moov", 64)))

	require.Eventually(t, func() bool {
		data, found := mgr.Store().GetBlob(1, "init.mp4")
		return found && len(data) == 80
	}, 2*time.Second, 10*time.Millisecond)

	_, found := mgr.GetSession(1)
	assert.True(t, found)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()

	require.Eventually(t, func() bool {
		_, active := mgr.GetSession(1)
		return !active
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIngestRejectsUnknownStream(t *testing.T) {
	srv, _ := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ingest/99"), nil)
	require.NoError(t, err)
	defer conn.Close()

	// The server closes the connection straight away with a policy
	// violation, which surfaces on the next read.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func TestIngestRejectsSecondConnection(t *testing.T) {
	srv, mgr := newTestServer(t)

	first, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ingest/1"), nil)
	require.NoError(t, err)
	defer first.Close()

	require.Eventually(t, func() bool {
		_, active := mgr.GetSession(1)
		return active
	}, 2*time.Second, 10*time.Millisecond)

	second, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ingest/1"), nil)
	require.NoError(t, err)
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = second.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}
