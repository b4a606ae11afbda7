// Package store keeps the published HLS artifacts of every stream in memory
// and evicts blobs that fell out of all live playlist windows.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hjdhjd/prismcast/internal/hls"
	"github.com/hjdhjd/prismcast/internal/logger"
)

// ActiveBlobsProvider returns the set of blob keys that must survive the next
// eviction round.
type ActiveBlobsProvider func() map[string]struct{}

// BlobKey builds the store key for a stream's named blob.
func BlobKey(streamID int, name string) string {
	return fmt.Sprintf("%d/%s", streamID, name)
}

// MemoryStore is a thread-safe in-memory blob store for init segments, media
// segments and playlists.
type MemoryStore struct {
	mutex     sync.RWMutex
	blobs     map[string][]byte
	playlists map[int]string

	logger   logger.Logger
	provider ActiveBlobsProvider

	evictionInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a MemoryStore whose eviction worker consults provider for the
// keys still referenced by a live playlist window.
func New(log logger.Logger, provider ActiveBlobsProvider) *MemoryStore {
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryStore{
		blobs:            make(map[string][]byte),
		playlists:        make(map[int]string),
		logger:           log,
		provider:         provider,
		evictionInterval: 10 * time.Second,
		ctx:              ctx,
		cancel:           cancel,
	}
}

// Start begins the background eviction worker.
func (ms *MemoryStore) Start() {
	ms.logger.Infof("Starting blob store eviction worker...")
	go ms.evictionWorker()
}

// Stop shuts down the eviction worker.
func (ms *MemoryStore) Stop() {
	ms.logger.Infof("Stopping blob store eviction worker...")
	ms.cancel()
}

// StoreInitSegment stores the stream's initialization segment.
func (ms *MemoryStore) StoreInitSegment(streamID int, data []byte) error {
	ms.set(BlobKey(streamID, hls.InitSegmentName), data)
	return nil
}

// StoreSegment stores one named media segment.
func (ms *MemoryStore) StoreSegment(streamID int, name string, data []byte) error {
	ms.set(BlobKey(streamID, name), data)
	return nil
}

// UpdatePlaylist replaces the stream's current media playlist.
func (ms *MemoryStore) UpdatePlaylist(streamID int, playlist string) error {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()
	ms.playlists[streamID] = playlist
	ms.logger.Debugf("Updated playlist for stream %d (%d bytes)", streamID, len(playlist))
	return nil
}

// GetBlob retrieves a stream's named blob.
func (ms *MemoryStore) GetBlob(streamID int, name string) ([]byte, bool) {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()
	data, found := ms.blobs[BlobKey(streamID, name)]
	return data, found
}

// GetPlaylist retrieves a stream's current media playlist.
func (ms *MemoryStore) GetPlaylist(streamID int) (string, bool) {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()
	playlist, found := ms.playlists[streamID]
	return playlist, found
}

// DropStream removes every blob and the playlist of one stream.
func (ms *MemoryStore) DropStream(streamID int) {
	prefix := fmt.Sprintf("%d/", streamID)

	ms.mutex.Lock()
	defer ms.mutex.Unlock()
	for key := range ms.blobs {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(ms.blobs, key)
		}
	}
	delete(ms.playlists, streamID)
}

func (ms *MemoryStore) set(key string, data []byte) {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()
	ms.blobs[key] = data
	ms.logger.Debugf("Stored blob: %s, size: %d bytes", key, len(data))
}

// evictionWorker runs in the background to clean up unreferenced blobs.
func (ms *MemoryStore) evictionWorker() {
	ticker := time.NewTicker(ms.evictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ms.ctx.Done():
			ms.logger.Infof("Eviction worker stopped.")
			return
		case <-ticker.C:
			ms.runEviction()
		}
	}
}

func (ms *MemoryStore) runEviction() {
	ms.logger.Debugf("Running blob eviction...")
	activeKeys := ms.provider()

	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	evictedCount := 0
	for key := range ms.blobs {
		if _, isActive := activeKeys[key]; !isActive {
			delete(ms.blobs, key)
			evictedCount++
		}
	}

	if evictedCount > 0 {
		ms.logger.Infof("Evicted %d blobs. Current store size: %d blobs.", evictedCount, len(ms.blobs))
	} else {
		ms.logger.Debugf("No blobs to evict. Current store size: %d blobs.", len(ms.blobs))
	}
}
