package mp4

import "encoding/binary"

// FrameClass is the tri-valued classification of a movie fragment.
type FrameClass int

const (
	// FrameIndeterminate means no traf carried usable sample flags.
	FrameIndeterminate FrameClass = iota
	// FrameKeyframe means the fragment starts on a sync sample.
	FrameKeyframe
	// FrameNonKeyframe means the fragment starts on a dependent sample.
	FrameNonKeyframe
)

func (c FrameClass) String() string {
	switch c {
	case FrameKeyframe:
		return "keyframe"
	case FrameNonKeyframe:
		return "non-keyframe"
	default:
		return "indeterminate"
	}
}

// tfhd optional-field flags, ISO/IEC 14496-12 8.8.7.
const (
	tfhdBaseDataOffset         = 0x000001
	tfhdSampleDescriptionIndex = 0x000002
	tfhdDefaultSampleDuration  = 0x000008
	tfhdDefaultSampleSize      = 0x000010
	tfhdDefaultSampleFlags     = 0x000020
)

// trun optional-field flags, ISO/IEC 14496-12 8.8.8.
const (
	trunDataOffset       = 0x000001
	trunFirstSampleFlags = 0x000004
	trunSampleDuration   = 0x000100
	trunSampleSize       = 0x000200
	trunSampleFlags      = 0x000400
	trunSampleCTO        = 0x000800
)

// DetectMoofKeyframe classifies whether a moof box begins on a sync sample by
// resolving the first sample's flags for each track fragment. Audio tracks
// are always sync, so any track reporting a dependent first sample marks the
// whole fragment as a non-keyframe (it can only be video).
func DetectMoofKeyframe(moof []byte) FrameClass {
	sawKeyframe := false
	sawNonKeyframe := false

	ForEachChild(moof, func(name string, traf []byte) {
		if name != BoxTraf {
			return
		}

		var defaultFlags uint32
		haveDefault := false

		ForEachChild(traf, func(name string, child []byte) {
			switch name {
			case BoxTfhd:
				if flags, ok := tfhdSampleFlags(child); ok {
					defaultFlags = flags
					haveDefault = true
				}
			case BoxTrun:
				flags, ok := trunFirstFlags(child, defaultFlags, haveDefault)
				if !ok {
					return
				}
				if isSyncSample(flags) {
					sawKeyframe = true
				} else {
					sawNonKeyframe = true
				}
			}
		})
	})

	switch {
	case sawNonKeyframe:
		return FrameNonKeyframe
	case sawKeyframe:
		return FrameKeyframe
	default:
		return FrameIndeterminate
	}
}

// tfhdSampleFlags extracts default_sample_flags from a tfhd box if present.
func tfhdSampleFlags(tfhd []byte) (uint32, bool) {
	// FullBox header (12) + track_ID (4).
	if len(tfhd) < 16 {
		return 0, false
	}
	tfFlags := binary.BigEndian.Uint32(tfhd[8:12]) & 0xffffff
	if tfFlags&tfhdDefaultSampleFlags == 0 {
		return 0, false
	}

	offset := 16
	if tfFlags&tfhdBaseDataOffset != 0 {
		offset += 8
	}
	if tfFlags&tfhdSampleDescriptionIndex != 0 {
		offset += 4
	}
	if tfFlags&tfhdDefaultSampleDuration != 0 {
		offset += 4
	}
	if tfFlags&tfhdDefaultSampleSize != 0 {
		offset += 4
	}
	if offset+4 > len(tfhd) {
		return 0, false
	}
	return binary.BigEndian.Uint32(tfhd[offset : offset+4]), true
}

// trunFirstFlags resolves the sample flags governing the first sample of a
// trun box: explicit first_sample_flags win, then the first per-sample flags
// entry, then the track fragment's default_sample_flags.
func trunFirstFlags(trun []byte, defaultFlags uint32, haveDefault bool) (uint32, bool) {
	// FullBox header (12) + sample_count (4).
	if len(trun) < 16 {
		return 0, false
	}
	trFlags := binary.BigEndian.Uint32(trun[8:12]) & 0xffffff
	sampleCount := binary.BigEndian.Uint32(trun[12:16])
	if sampleCount == 0 {
		return 0, false
	}

	offset := 16
	if trFlags&trunDataOffset != 0 {
		offset += 4
	}

	if trFlags&trunFirstSampleFlags != 0 {
		if offset+4 > len(trun) {
			return 0, false
		}
		return binary.BigEndian.Uint32(trun[offset : offset+4]), true
	}

	if trFlags&trunSampleFlags != 0 {
		if trFlags&trunSampleDuration != 0 {
			offset += 4
		}
		if trFlags&trunSampleSize != 0 {
			offset += 4
		}
		if offset+4 > len(trun) {
			return 0, false
		}
		return binary.BigEndian.Uint32(trun[offset : offset+4]), true
	}

	if haveDefault {
		return defaultFlags, true
	}
	return 0, false
}

// isSyncSample evaluates a 32-bit sample_flags word per ISO/IEC 14496-12
// 8.8.3.1: sample_depends_on of 1 means dependent, 2 means independent, and
// otherwise sample_is_non_sync_sample decides (default is sync).
func isSyncSample(flags uint32) bool {
	dependsOn := (flags >> 24) & 0x3
	nonSync := (flags >> 16) & 0x1

	switch dependsOn {
	case 1:
		return false
	case 2:
		return true
	}
	return nonSync == 0
}
