// Package session binds capture sources to segmenters and tracks the set of
// live streams for the rest of the daemon.
package session

import (
	"fmt"
	"sync"

	"github.com/hjdhjd/prismcast/internal/config"
	"github.com/hjdhjd/prismcast/internal/hls"
	"github.com/hjdhjd/prismcast/internal/logger"
	"github.com/hjdhjd/prismcast/internal/segmenter"
	"github.com/hjdhjd/prismcast/internal/store"
)

// StreamSession holds all context for one live stream while its capture
// connection is attached.
type StreamSession struct {
	StreamID  int
	Name      string
	Segmenter *segmenter.Segmenter
}

// Manager manages all active stream sessions and owns the shared blob store.
type Manager struct {
	mutex    sync.RWMutex
	sessions map[int]*StreamSession
	logger   logger.Logger
	cfg      *config.Config
	store    *store.MemoryStore

	// nextStartIndex remembers where an ended stream left off, so a
	// reattached capture resumes numbering instead of reusing names.
	nextStartIndex map[int]uint64
	// retainedKeys keeps an ended stream's final playlist window alive in
	// the store until the stream is attached again.
	retainedKeys map[int]map[string]struct{}
}

// NewManager creates a session manager and its backing blob store.
func NewManager(log logger.Logger, cfg *config.Config) *Manager {
	m := &Manager{
		sessions:       make(map[int]*StreamSession),
		logger:         log,
		cfg:            cfg,
		nextStartIndex: make(map[int]uint64),
		retainedKeys:   make(map[int]map[string]struct{}),
	}
	m.store = store.New(log, m.ActiveBlobKeys)
	return m
}

// Store exposes the manager's blob store for the read-side handlers.
func (m *Manager) Store() *store.MemoryStore {
	return m.store
}

// Start begins the background workers for the manager's components.
func (m *Manager) Start() {
	m.store.Start()
}

// Stop shuts down all sessions and background workers.
func (m *Manager) Stop() {
	m.logger.Infof("Stopping session manager and all active sessions...")
	m.mutex.Lock()
	sessions := make([]*StreamSession, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mutex.Unlock()

	for _, sess := range sessions {
		sess.Segmenter.Stop()
	}
	m.store.Stop()
	m.logger.Infof("Session manager stopped.")
}

// Attach creates a session for the configured stream and pipes src into its
// segmenter. A stream accepts one capture connection at a time; attaching to
// a busy stream fails.
func (m *Manager) Attach(streamID int, src segmenter.Source) (*StreamSession, error) {
	streamCfg, found := m.cfg.StreamById(streamID)
	if !found {
		return nil, fmt.Errorf("no configuration for stream ID %d", streamID)
	}

	m.mutex.Lock()
	if _, busy := m.sessions[streamID]; busy {
		m.mutex.Unlock()
		return nil, fmt.Errorf("stream %d already has an active capture connection", streamID)
	}

	startIndex := streamCfg.StartingSegmentIndex
	pendingDiscontinuity := streamCfg.PendingDiscontinuity
	if resumed, ok := m.nextStartIndex[streamID]; ok {
		startIndex = resumed
		// The new capture is a different encoding run, so the window
		// must break before its first segment.
		pendingDiscontinuity = pendingDiscontinuity || resumed > 0
	}

	sess := &StreamSession{
		StreamID: streamID,
		Name:     streamCfg.Name,
	}
	sess.Segmenter = segmenter.New(segmenter.Config{
		StreamID:             streamID,
		SegmentDuration:      m.cfg.SegmentDuration,
		MaxSegments:          m.cfg.MaxSegments,
		StartingSegmentIndex: startIndex,
		PendingDiscontinuity: pendingDiscontinuity,
		KeyframeDebug:        m.cfg.KeyframeDebug,
		OnStop:               func() { m.release(streamID) },
		OnError: func(err error) {
			m.logger.Errorf("Stream %d terminated: %v", streamID, err)
			m.release(streamID)
		},
	}, m.store, m.logger)

	m.sessions[streamID] = sess
	delete(m.retainedKeys, streamID)
	m.mutex.Unlock()

	sess.Segmenter.Pipe(src)
	m.logger.Infof("Attached capture to stream %d (%s), starting at segment index %d", streamID, streamCfg.Name, startIndex)
	return sess, nil
}

// Detach stops a session without waiting for the capture to end, leaving the
// published window in place.
func (m *Manager) Detach(streamID int) {
	m.mutex.RLock()
	sess, found := m.sessions[streamID]
	m.mutex.RUnlock()
	if !found {
		return
	}
	sess.Segmenter.Stop()
	m.release(streamID)
}

// GetSession returns the live session for streamID.
func (m *Manager) GetSession(streamID int) (*StreamSession, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	sess, found := m.sessions[streamID]
	return sess, found
}

// release removes the session and snapshots its window so the stream stays
// playable until the next attach.
func (m *Manager) release(streamID int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	sess, found := m.sessions[streamID]
	if !found {
		return
	}
	delete(m.sessions, streamID)

	nextIndex := sess.Segmenter.SegmentIndex()
	m.nextStartIndex[streamID] = nextIndex
	m.retainedKeys[streamID] = windowKeys(streamID, nextIndex, m.cfg.MaxSegments)
	m.logger.Infof("Released session for stream %d; next segment index %d", streamID, nextIndex)
}

// ActiveBlobKeys collects the blob keys of every live window plus the
// retained windows of ended streams, to steer store eviction.
func (m *Manager) ActiveBlobKeys() map[string]struct{} {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	activeKeys := make(map[string]struct{})
	for streamID, sess := range m.sessions {
		for key := range windowKeys(streamID, sess.Segmenter.SegmentIndex(), m.cfg.MaxSegments) {
			activeKeys[key] = struct{}{}
		}
	}
	for _, retained := range m.retainedKeys {
		for key := range retained {
			activeKeys[key] = struct{}{}
		}
	}
	return activeKeys
}

// windowKeys returns the store keys of the init segment and the media
// segments inside the window ending just before nextIndex.
func windowKeys(streamID int, nextIndex, maxSegments uint64) map[string]struct{} {
	keys := map[string]struct{}{
		store.BlobKey(streamID, hls.InitSegmentName): {},
	}
	start := uint64(0)
	if nextIndex > maxSegments {
		start = nextIndex - maxSegments
	}
	for i := start; i < nextIndex; i++ {
		keys[store.BlobKey(streamID, hls.SegmentName(i))] = struct{}{}
	}
	return keys
}
