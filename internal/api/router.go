// Package api exposes the HTTP surface: HLS playback endpoints for players
// and the WebSocket capture endpoint for producers.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/hjdhjd/prismcast/internal/hls"
	"github.com/hjdhjd/prismcast/internal/ingest"
	"github.com/hjdhjd/prismcast/internal/logger"
	"github.com/hjdhjd/prismcast/internal/segmenter"
	"github.com/hjdhjd/prismcast/internal/session"
	"github.com/hjdhjd/prismcast/internal/store"
)

type API struct {
	sessionMgr *session.Manager
	blobStore  *store.MemoryStore
	ingest     *ingest.Server
	logger     logger.Logger
}

// streamStats is the JSON document served by the stats endpoint.
type streamStats struct {
	StreamID      int                     `json:"streamId"`
	Name          string                  `json:"name"`
	SegmentIndex  uint64                  `json:"segmentIndex"`
	KeyframeStats segmenter.KeyframeStats `json:"keyframeStats"`
}

// New builds the HTTP handler for all playback and capture routes.
func New(log logger.Logger, sessionMgr *session.Manager, ingestSrv *ingest.Server) http.Handler {
	api := &API{
		sessionMgr: sessionMgr,
		blobStore:  sessionMgr.Store(),
		ingest:     ingestSrv,
		logger:     log,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /live/{streamId}/playlist.m3u8", api.handlePlaylist)
	mux.HandleFunc("GET /live/{streamId}/stats", api.handleStats)
	mux.HandleFunc("GET /live/{streamId}/{blobName}", api.handleBlob)
	mux.HandleFunc("GET /ingest/{streamId}", api.handleIngest)

	return mux
}

// streamID parses the {streamId} path value, answering 400 on garbage.
func (a *API) streamID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("streamId"))
	if err != nil || id < 0 {
		http.Error(w, "Invalid stream ID", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (a *API) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	id, ok := a.streamID(w, r)
	if !ok {
		return
	}

	playlist, found := a.blobStore.GetPlaylist(id)
	if !found {
		http.Error(w, "No playlist published for this stream", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write([]byte(playlist))
}

func (a *API) handleBlob(w http.ResponseWriter, r *http.Request) {
	id, ok := a.streamID(w, r)
	if !ok {
		return
	}

	name := r.PathValue("blobName")
	if name != hls.InitSegmentName && !strings.HasSuffix(name, ".m4s") {
		http.Error(w, "Unknown resource", http.StatusNotFound)
		return
	}

	data, found := a.blobStore.GetBlob(id, name)
	if !found {
		http.Error(w, "Segment not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "video/mp4")
	w.Write(data)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	id, ok := a.streamID(w, r)
	if !ok {
		return
	}

	sess, found := a.sessionMgr.GetSession(id)
	if !found {
		http.Error(w, "No active session for this stream", http.StatusNotFound)
		return
	}

	stats := streamStats{
		StreamID:      sess.StreamID,
		Name:          sess.Name,
		SegmentIndex:  sess.Segmenter.SegmentIndex(),
		KeyframeStats: sess.Segmenter.KeyframeStats(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		a.logger.Warnf("Failed to encode stats for stream %d: %v", id, err)
	}
}

func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	id, ok := a.streamID(w, r)
	if !ok {
		return
	}
	a.ingest.HandleCapture(w, r, id)
}
