package mp4

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeBox builds a box with an 8-byte header and the given payload length.
func makeBox(name string, payloadLen int) []byte {
	b := make([]byte, 8+payloadLen)
	binary.BigEndian.PutUint32(b[0:4], uint32(8+payloadLen))
	copy(b[4:8], name)
	for i := 8; i < len(b); i++ {
		b[i] = byte(i)
	}
	return b
}

// makeLargeBox builds a box using the 64-bit extended size form.
func makeLargeBox(name string, payloadLen int, sizeHigh uint32) []byte {
	b := make([]byte, 16+payloadLen)
	binary.BigEndian.PutUint32(b[0:4], 1)
	copy(b[4:8], name)
	binary.BigEndian.PutUint32(b[8:12], sizeHigh)
	binary.BigEndian.PutUint32(b[12:16], uint32(16+payloadLen))
	return b
}

func newCollector() (*Parser, *[]Box) {
	boxes := &[]Box{}
	p := NewParser(func(b Box) error {
		*boxes = append(*boxes, b)
		return nil
	})
	return p, boxes
}

func TestParserEmitsBoxesInOrder(t *testing.T) {
	p, boxes := newCollector()

	stream := append(makeBox("ftyp", 8), makeBox("moov", 56)...)
	stream = append(stream, makeBox("moof", 32)...)

	require.NoError(t, p.Push(stream))
	require.Len(t, *boxes, 3)
	assert.Equal(t, "ftyp", (*boxes)[0].Type)
	assert.Equal(t, "moov", (*boxes)[1].Type)
	assert.Equal(t, "moof", (*boxes)[2].Type)
	assert.Equal(t, uint64(16), (*boxes)[0].Size)
	assert.Equal(t, makeBox("moov", 56), (*boxes)[1].Data)
}

func TestParserChunkBoundaryInsensitive(t *testing.T) {
	stream := append(makeBox("ftyp", 8), makeBox("moov", 56)...)
	stream = append(stream, makeBox("moof", 32)...)
	stream = append(stream, makeBox("mdat", 100)...)

	whole, wholeBoxes := newCollector()
	require.NoError(t, whole.Push(stream))

	bytewise, byteBoxes := newCollector()
	for i := range stream {
		require.NoError(t, bytewise.Push(stream[i:i+1]))
	}

	assert.Equal(t, *wholeBoxes, *byteBoxes)
}

func TestParserResyncsOverGarbagePrefix(t *testing.T) {
	p, boxes := newCollector()

	stream := append([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, makeBox("ftyp", 8)...)
	require.NoError(t, p.Push(stream))

	require.Len(t, *boxes, 1)
	assert.Equal(t, "ftyp", (*boxes)[0].Type)
	assert.Equal(t, makeBox("ftyp", 8), (*boxes)[0].Data)
}

func TestParserSkipsUnrealisticExtendedSize(t *testing.T) {
	p, boxes := newCollector()

	// A fabricated > 4 GiB box must be stepped over byte by byte without
	// ever being emitted; the following box still parses.
	stream := makeLargeBox("mdat", 4, 0x00000001)
	stream = append(stream, makeBox("moof", 32)...)

	require.NoError(t, p.Push(stream))
	require.Len(t, *boxes, 1)
	assert.Equal(t, "moof", (*boxes)[0].Type)
}

func TestParserAcceptsExtendedSizeBox(t *testing.T) {
	p, boxes := newCollector()

	require.NoError(t, p.Push(makeLargeBox("mdat", 24, 0)))
	require.Len(t, *boxes, 1)
	assert.Equal(t, "mdat", (*boxes)[0].Type)
	assert.Equal(t, uint64(40), (*boxes)[0].Size)
}

func TestParserResyncsOnZeroSize(t *testing.T) {
	p, boxes := newCollector()

	bad := make([]byte, 8)
	copy(bad[4:8], "mdat")
	stream := append(bad, makeBox("moof", 16)...)

	require.NoError(t, p.Push(stream))
	require.Len(t, *boxes, 1)
	assert.Equal(t, "moof", (*boxes)[0].Type)
}

func TestParserResyncsOnShortSize(t *testing.T) {
	p, boxes := newCollector()

	bad := make([]byte, 8)
	binary.BigEndian.PutUint32(bad[0:4], 5)
	copy(bad[4:8], "mdat")
	stream := append(bad, makeBox("styp", 12)...)

	require.NoError(t, p.Push(stream))
	require.Len(t, *boxes, 1)
	assert.Equal(t, "styp", (*boxes)[0].Type)
}

func TestParserHoldsIncompleteBox(t *testing.T) {
	p, boxes := newCollector()

	full := makeBox("moof", 32)
	require.NoError(t, p.Push(full[:20]))
	assert.Empty(t, *boxes)

	require.NoError(t, p.Push(full[20:]))
	require.Len(t, *boxes, 1)
	assert.Equal(t, full, (*boxes)[0].Data)
}

func TestParserFlushDiscardsTail(t *testing.T) {
	p, boxes := newCollector()

	full := makeBox("moof", 32)
	require.NoError(t, p.Push(full[:20]))
	p.Flush()

	// The partial tail is gone, so a fresh box parses cleanly.
	require.NoError(t, p.Push(makeBox("mdat", 8)))
	require.Len(t, *boxes, 1)
	assert.Equal(t, "mdat", (*boxes)[0].Type)
}

func TestParserEmittedBytesAreIndependent(t *testing.T) {
	p, boxes := newCollector()

	require.NoError(t, p.Push(makeBox("ftyp", 8)))
	want := makeBox("ftyp", 8)

	// Keep the parser busy; earlier emissions must not be disturbed.
	require.NoError(t, p.Push(makeBox("moov", 56)))
	require.NoError(t, p.Push(makeBox("moof", 32)))

	assert.Equal(t, want, (*boxes)[0].Data)
}

func TestParserReparseRoundTrip(t *testing.T) {
	stream := append(makeBox("ftyp", 8), makeBox("moov", 56)...)
	stream = append(stream, makeBox("moof", 32)...)
	stream = append(stream, makeBox("mdat", 64)...)

	first, firstBoxes := newCollector()
	require.NoError(t, first.Push(stream))

	var emitted []byte
	for _, b := range *firstBoxes {
		emitted = append(emitted, b.Data...)
	}

	second, secondBoxes := newCollector()
	require.NoError(t, second.Push(emitted))

	assert.Equal(t, *firstBoxes, *secondBoxes)
}

func TestParserPropagatesCallbackError(t *testing.T) {
	wantErr := assert.AnError
	p := NewParser(func(Box) error { return wantErr })

	err := p.Push(makeBox("ftyp", 8))
	require.Error(t, err)

	var cbErr *CallbackError
	require.ErrorAs(t, err, &cbErr)
	assert.ErrorIs(t, err, wantErr)
}

func TestForEachChildWalksImmediateChildren(t *testing.T) {
	child1 := makeBox("tfhd", 8)
	child2 := makeBox("trun", 20)

	parent := make([]byte, 8)
	parent = append(parent, child1...)
	parent = append(parent, child2...)
	binary.BigEndian.PutUint32(parent[0:4], uint32(len(parent)))
	copy(parent[4:8], "traf")

	var names []string
	var sizes []int
	ForEachChild(parent, func(name string, child []byte) {
		names = append(names, name)
		sizes = append(sizes, len(child))
	})

	assert.Equal(t, []string{"tfhd", "trun"}, names)
	assert.Equal(t, []int{len(child1), len(child2)}, sizes)
}

func TestForEachChildStopsOnMalformedChild(t *testing.T) {
	child := makeBox("tfhd", 8)

	// Truncated trailing child claiming more bytes than the parent holds.
	bogus := make([]byte, 8)
	binary.BigEndian.PutUint32(bogus[0:4], 64)
	copy(bogus[4:8], "trun")

	parent := make([]byte, 8)
	parent = append(parent, child...)
	parent = append(parent, bogus...)
	binary.BigEndian.PutUint32(parent[0:4], uint32(len(parent)))
	copy(parent[4:8], "traf")

	var names []string
	ForEachChild(parent, func(name string, child []byte) {
		names = append(names, name)
	})

	assert.Equal(t, []string{"tfhd"}, names)
}

func TestForEachChildStopsOnZeroSize(t *testing.T) {
	zero := make([]byte, 8)
	copy(zero[4:8], "trun")

	parent := make([]byte, 8)
	parent = append(parent, makeBox("tfhd", 4)...)
	parent = append(parent, zero...)
	parent = append(parent, makeBox("trun", 4)...)
	binary.BigEndian.PutUint32(parent[0:4], uint32(len(parent)))
	copy(parent[4:8], "traf")

	var names []string
	ForEachChild(parent, func(name string, child []byte) {
		names = append(names, name)
	})

	assert.Equal(t, []string{"tfhd"}, names)
}
