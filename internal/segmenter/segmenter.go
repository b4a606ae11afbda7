// Package segmenter restructures a live fragmented-MP4 byte stream into HLS
// media segments and a rolling playlist. One segmenter owns one stream.
package segmenter

import (
	"fmt"
	"sync"
	"time"

	"github.com/hjdhjd/prismcast/internal/hls"
	"github.com/hjdhjd/prismcast/internal/logger"
	"github.com/hjdhjd/prismcast/internal/mp4"
)

// Store is the downstream blob sink for one stream's outputs. Writes for a
// given stream ID happen from a single goroutine, in order: init segment
// first, then each media segment followed by the playlist reflecting it.
type Store interface {
	StoreInitSegment(streamID int, data []byte) error
	StoreSegment(streamID int, name string, data []byte) error
	UpdatePlaylist(streamID int, playlist string) error
}

// Config carries the per-stream segmenter options.
type Config struct {
	// StreamID selects the store partition.
	StreamID int
	// SegmentDuration is the target media-segment duration in seconds.
	SegmentDuration float64
	// MaxSegments is the sliding playlist window size.
	MaxSegments uint64
	// StartingSegmentIndex continues the segment counter after a hot
	// restart so names never collide with blobs a client may still fetch.
	StartingSegmentIndex uint64
	// PendingDiscontinuity forces a discontinuity tag before the first
	// emitted segment, used when resuming an interrupted stream.
	PendingDiscontinuity bool
	// KeyframeDebug enables per-fragment keyframe classification and the
	// statistics behind KeyframeStats.
	KeyframeDebug bool

	// OnStop is invoked once after the source ends gracefully and the
	// final segment has been flushed.
	OnStop func()
	// OnError is invoked once on fatal failure (upstream error, parser
	// failure, or a store write error). OnStop and OnError are mutually
	// exclusive.
	OnError func(err error)

	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// Segmenter consumes boxes lifted off the capture stream and produces an
// init segment, numbered media segments and a rolling playlist.
type Segmenter struct {
	cfg   Config
	store Store
	log   logger.Logger
	now   func() time.Time

	mu      sync.Mutex
	parser  *mp4.Parser
	handler sourceHandler
	source  Source
	stopped bool

	hasInit   bool
	initBoxes [][]byte

	fragmentBuffer      [][]byte
	segmentIndex        uint64
	firstSegmentEmitted bool
	segmentStartTime    time.Time

	segmentDurations     map[uint64]float64
	discontinuities      map[uint64]bool
	pendingDiscontinuity bool

	segmentFirstMoofChecked bool
	stats                   keyframeTracker
}

// New creates a segmenter writing to store under cfg.StreamID.
func New(cfg Config, store Store, log logger.Logger) *Segmenter {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	s := &Segmenter{
		cfg:                  cfg,
		store:                store,
		log:                  log,
		now:                  now,
		segmentIndex:         cfg.StartingSegmentIndex,
		segmentStartTime:     now(),
		segmentDurations:     make(map[uint64]float64),
		discontinuities:      make(map[uint64]bool),
		pendingDiscontinuity: cfg.PendingDiscontinuity,
	}
	s.handler = sourceHandler{s: s}
	s.parser = mp4.NewParser(s.handleBox)
	return s
}

// Pipe subscribes the segmenter to src, replacing any previous subscription.
// It is a no-op once the segmenter has stopped.
func (s *Segmenter) Pipe(src Source) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	prev := s.source
	s.source = src
	s.mu.Unlock()

	if prev != nil {
		prev.Unsubscribe(s.handler)
	}
	src.Subscribe(s.handler)
}

// Stop detaches from the source, discards the parser's partial tail and
// marks the segmenter terminal. Idempotent; fires no lifecycle callback.
func (s *Segmenter) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	src := s.detachLocked()
	s.stopped = true
	s.parser.Flush()
	s.mu.Unlock()

	if src != nil {
		src.Unsubscribe(s.handler)
	}
	s.log.Infof("Segmenter for stream %d stopped at segment index %d", s.cfg.StreamID, s.SegmentIndex())
}

// MarkDiscontinuity flushes whatever has accumulated as a short segment and
// arranges for the next emitted segment to carry a discontinuity tag. A
// no-op until the init segment exists.
func (s *Segmenter) MarkDiscontinuity() {
	s.mu.Lock()
	if s.stopped || !s.hasInit {
		s.mu.Unlock()
		return
	}
	err := s.outputSegmentLocked()
	s.pendingDiscontinuity = true
	s.mu.Unlock()

	if err != nil {
		s.fail(err)
	}
}

// SegmentIndex returns the index the next media segment will receive.
func (s *Segmenter) SegmentIndex() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.segmentIndex
}

// KeyframeStats returns a snapshot of the keyframe cadence tallies. All
// figures are 0 unless keyframe debugging is enabled.
func (s *Segmenter) KeyframeStats() KeyframeStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.snapshot()
}

// handleData feeds a chunk into the box parser. A parser failure is terminal
// for the stream.
func (s *Segmenter) handleData(chunk []byte) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	err := s.parser.Push(chunk)
	s.mu.Unlock()

	if err != nil {
		s.fail(fmt.Errorf("stream %d: %w", s.cfg.StreamID, err))
	}
}

// handleEnd flushes the final partial segment and shuts down gracefully.
func (s *Segmenter) handleEnd() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	flushErr := s.outputSegmentLocked()
	src := s.detachLocked()
	s.stopped = true
	s.parser.Flush()
	onStop, onError := s.cfg.OnStop, s.cfg.OnError
	s.mu.Unlock()

	if src != nil {
		src.Unsubscribe(s.handler)
	}

	if flushErr != nil {
		s.log.Errorf("Stream %d failed flushing final segment: %v", s.cfg.StreamID, flushErr)
		if onError != nil {
			onError(flushErr)
		}
		return
	}

	s.log.Infof("Stream %d ended", s.cfg.StreamID)
	if onStop != nil {
		onStop()
	}
}

// handleError shuts down immediately. The partial fragment buffer is dropped
// rather than salvaged.
func (s *Segmenter) handleError(err error) {
	s.fail(fmt.Errorf("stream %d upstream error: %w", s.cfg.StreamID, err))
}

// fail transitions to stopped and delivers OnError, exactly once.
func (s *Segmenter) fail(err error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	src := s.detachLocked()
	s.stopped = true
	s.parser.Flush()
	onError := s.cfg.OnError
	s.mu.Unlock()

	if src != nil {
		src.Unsubscribe(s.handler)
	}

	s.log.Errorf("Segmenter for stream %d failed: %v", s.cfg.StreamID, err)
	if onError != nil {
		onError(err)
	}
}

// detachLocked clears the source reference and returns it so the caller can
// unsubscribe outside the lock.
func (s *Segmenter) detachLocked() Source {
	src := s.source
	s.source = nil
	return src
}

// handleBox is the parser's box callback; it runs with the mutex held via
// handleData. A returned error aborts the push and is treated as terminal.
func (s *Segmenter) handleBox(b mp4.Box) error {
	if s.stopped {
		return nil
	}

	if !s.hasInit {
		return s.handleInitBoxLocked(b)
	}

	switch b.Type {
	case mp4.BoxFtyp, mp4.BoxMoov:
		// A late moov would imply a codec change mid-stream. Ignored;
		// see the design notes.
		s.log.Debugf("Stream %d: ignoring late %s box", s.cfg.StreamID, b.Type)
		return nil

	case mp4.BoxMoof:
		if len(s.fragmentBuffer) > 0 && s.shouldEmitLocked() {
			if err := s.outputSegmentLocked(); err != nil {
				return err
			}
		}
		if s.cfg.KeyframeDebug {
			class := mp4.DetectMoofKeyframe(b.Data)
			first := !s.segmentFirstMoofChecked
			s.segmentFirstMoofChecked = true
			s.stats.note(class, s.now(), first)
		}
		s.bufferLocked(b.Data)

	default:
		// Pass-through for mdat and auxiliary boxes such as styp and
		// sidx between fragments.
		s.bufferLocked(b.Data)
	}

	return nil
}

// handleInitBoxLocked accumulates ftyp and moov until the init segment is
// complete; everything else before init is discarded.
func (s *Segmenter) handleInitBoxLocked(b mp4.Box) error {
	switch b.Type {
	case mp4.BoxFtyp:
		s.initBoxes = append(s.initBoxes, b.Data)
	case mp4.BoxMoov:
		s.initBoxes = append(s.initBoxes, b.Data)
		init := concat(s.initBoxes)
		if err := s.store.StoreInitSegment(s.cfg.StreamID, init); err != nil {
			return fmt.Errorf("failed to store init segment for stream %d: %w", s.cfg.StreamID, err)
		}
		s.hasInit = true
		s.initBoxes = nil
		s.log.Infof("Stream %d: stored init segment (%d bytes)", s.cfg.StreamID, len(init))
	default:
		s.log.Debugf("Stream %d: dropping pre-init %s box", s.cfg.StreamID, b.Type)
	}
	return nil
}

// shouldEmitLocked decides whether the buffered fragments become a segment
// before the incoming moof starts the next one. The very first segment is
// emitted as soon as a second fragment arrives, which keeps time-to-first-
// frame low for newly tuned-in players.
func (s *Segmenter) shouldEmitLocked() bool {
	if !s.firstSegmentEmitted {
		return true
	}
	elapsed := s.now().Sub(s.segmentStartTime)
	return elapsed >= time.Duration(s.cfg.SegmentDuration*float64(time.Second))
}

// bufferLocked appends box bytes to the segment under assembly.
func (s *Segmenter) bufferLocked(data []byte) {
	s.fragmentBuffer = append(s.fragmentBuffer, data)
}

// outputSegmentLocked stores the buffered fragments as the next media
// segment and republishes the playlist. A no-op when nothing is buffered.
func (s *Segmenter) outputSegmentLocked() error {
	if len(s.fragmentBuffer) == 0 {
		return nil
	}

	if s.pendingDiscontinuity {
		s.discontinuities[s.segmentIndex] = true
		s.pendingDiscontinuity = false
	}

	now := s.now()
	duration := now.Sub(s.segmentStartTime).Seconds()
	if duration < 0.1 {
		duration = 0.1
	}
	s.segmentDurations[s.segmentIndex] = duration

	data := concat(s.fragmentBuffer)
	name := hls.SegmentName(s.segmentIndex)
	if err := s.store.StoreSegment(s.cfg.StreamID, name, data); err != nil {
		return fmt.Errorf("failed to store %s for stream %d: %w", name, s.cfg.StreamID, err)
	}
	s.log.Debugf("Stream %d: stored %s (%d bytes, %.3fs)", s.cfg.StreamID, name, len(data), duration)

	s.segmentIndex++
	s.firstSegmentEmitted = true
	s.pruneWindowLocked()

	s.fragmentBuffer = nil
	s.segmentFirstMoofChecked = false
	s.segmentStartTime = now

	playlist := hls.GenerateMediaPlaylist(hls.Window{
		NextIndex:       s.segmentIndex,
		MaxSegments:     s.cfg.MaxSegments,
		SegmentDuration: s.cfg.SegmentDuration,
		Durations:       s.segmentDurations,
		Discontinuities: s.discontinuities,
	})
	if err := s.store.UpdatePlaylist(s.cfg.StreamID, playlist); err != nil {
		return fmt.Errorf("failed to update playlist for stream %d: %w", s.cfg.StreamID, err)
	}

	return nil
}

// pruneWindowLocked drops bookkeeping for indices that fell out of the
// sliding playlist window.
func (s *Segmenter) pruneWindowLocked() {
	for i := range s.segmentDurations {
		if i+s.cfg.MaxSegments < s.segmentIndex {
			delete(s.segmentDurations, i)
		}
	}
	for i := range s.discontinuities {
		if i+s.cfg.MaxSegments < s.segmentIndex {
			delete(s.discontinuities, i)
		}
	}
}

func concat(parts [][]byte) []byte {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
