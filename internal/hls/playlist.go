// Package hls renders HLS version 7 media playlists for a live stream of
// fMP4 segments held in a sliding window.
package hls

import (
	"fmt"
	"math"
	"strings"
)

// InitSegmentName is the well-known name of the initialization segment.
const InitSegmentName = "init.mp4"

// SegmentName returns the blob name for media segment index i.
func SegmentName(i uint64) string {
	return fmt.Sprintf("segment%d.m4s", i)
}

// Window describes the live playlist window for one stream.
type Window struct {
	// NextIndex is the index the next emitted segment will receive; the
	// playlist references indices [max(0, NextIndex-MaxSegments), NextIndex).
	NextIndex uint64
	// MaxSegments is the sliding window size.
	MaxSegments uint64
	// SegmentDuration is the configured target duration in seconds. It is
	// both the fallback for unrecorded entries and the floor for the
	// declared TARGETDURATION, so the target is never under-declared.
	SegmentDuration float64
	// Durations maps segment index to its observed duration in seconds.
	Durations map[uint64]float64
	// Discontinuities marks indices that must be preceded by a
	// discontinuity tag and a re-announced init map.
	Discontinuities map[uint64]bool
}

// StartIndex returns the first segment index inside the window.
func (w Window) StartIndex() uint64 {
	if w.NextIndex <= w.MaxSegments {
		return 0
	}
	return w.NextIndex - w.MaxSegments
}

// GenerateMediaPlaylist renders the playlist text for the window. Lines are
// LF-terminated and the document ends with an empty line.
func GenerateMediaPlaylist(w Window) string {
	start := w.StartIndex()

	maxDuration := w.SegmentDuration
	for i := start; i < w.NextIndex; i++ {
		d, ok := w.Durations[i]
		if !ok {
			d = w.SegmentDuration
		}
		if d > maxDuration {
			maxDuration = d
		}
	}

	var sb strings.Builder
	sb.WriteString("#EXTM3U\n")
	sb.WriteString("#EXT-X-VERSION:7\n")
	sb.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", int(math.Ceil(maxDuration))))
	sb.WriteString(fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d\n", start))
	sb.WriteString(fmt.Sprintf("#EXT-X-MAP:URI=%q\n", InitSegmentName))

	for i := start; i < w.NextIndex; i++ {
		if w.Discontinuities[i] {
			// Re-announce the init map so clients reinitialize their
			// decoders across the break.
			sb.WriteString("#EXT-X-DISCONTINUITY\n")
			sb.WriteString(fmt.Sprintf("#EXT-X-MAP:URI=%q\n", InitSegmentName))
		}
		d, ok := w.Durations[i]
		if !ok {
			d = w.SegmentDuration
		}
		sb.WriteString(fmt.Sprintf("#EXTINF:%.3f,\n", d))
		sb.WriteString(SegmentName(i) + "\n")
	}

	return sb.String()
}
