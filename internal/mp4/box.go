// Package mp4 implements a streaming, resyncing parser for ISO/IEC 14496-12
// boxes as produced by a live fragmented-MP4 capture, plus helpers for
// walking container children and classifying movie fragments.
package mp4

import (
	"encoding/binary"
	"fmt"
)

// Well-known box names handled by the segmenter.
const (
	BoxFtyp = "ftyp"
	BoxMoov = "moov"
	BoxMoof = "moof"
	BoxMdat = "mdat"
	BoxStyp = "styp"
	BoxSidx = "sidx"
	BoxTraf = "traf"
	BoxTfhd = "tfhd"
	BoxTrun = "trun"
)

// Box is a single complete top-level box lifted off the stream.
type Box struct {
	// Type is the 4-character box name, e.g. "moof".
	Type string
	// Size is the total box size in bytes, header included.
	Size uint64
	// Data holds the full box (header + payload). It is an independent
	// copy and remains valid after subsequent pushes into the parser.
	Data []byte
}

// CallbackError wraps an error returned by the OnBox callback so callers can
// tell it apart from malformed-input conditions (which the parser resyncs
// over and never surfaces).
type CallbackError struct {
	Err error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("box callback failed: %v", e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}

// Parser consumes arbitrary byte chunks and emits every complete top-level
// box it discovers, in source order. Malformed or misaligned headers are
// skipped one byte at a time until the parser resynchronizes, so corrupt
// upstream data never terminates the stream.
type Parser struct {
	buf   []byte
	onBox func(Box) error
}

// NewParser creates a parser delivering boxes to onBox. The callback is
// invoked synchronously from Push; returning an error aborts the current
// push and is surfaced as a *CallbackError.
func NewParser(onBox func(Box) error) *Parser {
	return &Parser{onBox: onBox}
}

// Push appends chunk to the internal buffer and emits every complete box now
// available. The emitted box sequence depends only on the concatenation of
// all pushed bytes, never on chunk boundaries.
func (p *Parser) Push(chunk []byte) error {
	p.buf = append(p.buf, chunk...)

	for len(p.buf) >= 8 {
		sizeField := binary.BigEndian.Uint32(p.buf[0:4])

		// A genuine box type is four printable ASCII characters; anything
		// else is garbage or a misaligned read, whatever its size field says.
		printable := true
		for _, c := range p.buf[4:8] {
			if c < 0x20 || c > 0x7e {
				printable = false
				break
			}
		}
		if !printable {
			p.resync()
			continue
		}

		var boxSize, headerSize uint64
		switch {
		case sizeField == 1:
			// Extended 64-bit size follows the type field.
			if len(p.buf) < 16 {
				return nil
			}
			if binary.BigEndian.Uint32(p.buf[8:12]) != 0 {
				// A box claiming > 4 GiB is not a realistic capture
				// fragment; treat the header as garbage and resync.
				p.resync()
				continue
			}
			boxSize = uint64(binary.BigEndian.Uint32(p.buf[12:16]))
			headerSize = 16
		case sizeField == 0:
			// "To end of file" has no meaning on a live stream.
			p.resync()
			continue
		default:
			boxSize = uint64(sizeField)
			headerSize = 8
		}

		if boxSize < headerSize {
			p.resync()
			continue
		}

		if uint64(len(p.buf)) < boxSize {
			return nil
		}

		data := make([]byte, boxSize)
		copy(data, p.buf[:boxSize])

		box := Box{
			Type: string(p.buf[4:8]),
			Size: boxSize,
			Data: data,
		}
		p.buf = p.buf[boxSize:]

		if err := p.onBox(box); err != nil {
			return &CallbackError{Err: err}
		}
	}

	return nil
}

// Flush discards any buffered incomplete tail.
func (p *Parser) Flush() {
	p.buf = nil
}

// resync drops a single byte so the scan can restart at the next offset.
func (p *Parser) resync() {
	p.buf = p.buf[1:]
}

// ForEachChild walks the immediate children of a container box, calling fn
// with each child's name and its bytes (header included). Child slices alias
// the parent, so no copies are made. Iteration stops, rather than resyncing,
// on the first malformed child header or a child overrunning the parent.
func ForEachChild(box []byte, fn func(name string, child []byte)) {
	offset := uint64(8)
	end := uint64(len(box))

	for offset+8 <= end {
		sizeField := binary.BigEndian.Uint32(box[offset : offset+4])

		var childSize uint64
		switch {
		case sizeField == 1:
			if offset+16 > end {
				return
			}
			if binary.BigEndian.Uint32(box[offset+8:offset+12]) != 0 {
				return
			}
			childSize = uint64(binary.BigEndian.Uint32(box[offset+12 : offset+16]))
			if childSize < 16 {
				return
			}
		case sizeField < 8:
			return
		default:
			childSize = uint64(sizeField)
		}

		if offset+childSize > end {
			return
		}

		fn(string(box[offset+4:offset+8]), box[offset:offset+childSize])
		offset += childSize
	}
}
