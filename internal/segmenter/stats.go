package segmenter

import (
	"time"

	"github.com/hjdhjd/prismcast/internal/mp4"
)

// KeyframeStats is a point-in-time snapshot of the keyframe cadence observed
// on a stream. Interval figures are 0 until at least two keyframes have been
// seen.
type KeyframeStats struct {
	KeyframeCount                  uint64  `json:"keyframeCount"`
	NonKeyframeCount               uint64  `json:"nonKeyframeCount"`
	IndeterminateCount             uint64  `json:"indeterminateCount"`
	MinKeyframeIntervalMs          float64 `json:"minKeyframeIntervalMs"`
	MaxKeyframeIntervalMs          float64 `json:"maxKeyframeIntervalMs"`
	AverageKeyframeIntervalMs      float64 `json:"averageKeyframeIntervalMs"`
	SegmentsWithoutLeadingKeyframe uint64  `json:"segmentsWithoutLeadingKeyframe"`
}

// keyframeTracker accumulates keyframe tallies as fragments are classified.
type keyframeTracker struct {
	keyframes     uint64
	nonKeyframes  uint64
	indeterminate uint64

	lastKeyframe time.Time
	haveLast     bool
	haveInterval bool
	minMs        float64
	maxMs        float64
	totalMs      float64

	segmentsWithoutLeadingKeyframe uint64
}

// note records one classified moof. firstOfSegment marks the first fragment
// of the segment currently being assembled, which is expected to open on a
// keyframe for clean playback.
func (kt *keyframeTracker) note(class mp4.FrameClass, now time.Time, firstOfSegment bool) {
	switch class {
	case mp4.FrameKeyframe:
		kt.keyframes++
		if kt.haveLast {
			delta := float64(now.Sub(kt.lastKeyframe)) / float64(time.Millisecond)
			if !kt.haveInterval || delta < kt.minMs {
				kt.minMs = delta
			}
			if !kt.haveInterval || delta > kt.maxMs {
				kt.maxMs = delta
			}
			kt.totalMs += delta
			kt.haveInterval = true
		}
		kt.lastKeyframe = now
		kt.haveLast = true
	case mp4.FrameNonKeyframe:
		kt.nonKeyframes++
	default:
		kt.indeterminate++
	}

	if firstOfSegment && class != mp4.FrameKeyframe {
		kt.segmentsWithoutLeadingKeyframe++
	}
}

func (kt *keyframeTracker) snapshot() KeyframeStats {
	stats := KeyframeStats{
		KeyframeCount:                  kt.keyframes,
		NonKeyframeCount:               kt.nonKeyframes,
		IndeterminateCount:             kt.indeterminate,
		SegmentsWithoutLeadingKeyframe: kt.segmentsWithoutLeadingKeyframe,
	}
	if kt.keyframes >= 2 {
		stats.MinKeyframeIntervalMs = kt.minMs
		stats.MaxKeyframeIntervalMs = kt.maxMs
		stats.AverageKeyframeIntervalMs = kt.totalMs / float64(kt.keyframes-1)
	}
	return stats
}
