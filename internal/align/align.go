// Package align implements BURST's writer-side alignment rules (spec
// §4.4). BURST itself only extracts archives, but the placement rule is
// specified precisely enough to build synthetic archives for round-trip
// testing of the reader side, and that is this package's only consumer.
package align

import "encoding/binary"

// DefaultBaseAlignment is the base alignment A from spec §4.4: every
// multiple of this many bytes begins a frame-level element.
const DefaultBaseAlignment = 8 * 1024 * 1024

const (
	skippableMagic          uint32 = 0x184D2A5B
	skippableHeaderLen             = 8
	startOfPartPayloadLen           = 16
	startOfPartTypeByte     byte   = 0x01
)

// Engine decides, before each frame write, how much padding (if any) and
// whether a Start-of-Part marker must precede or follow it so that every
// multiple of BaseAlignment begins a frame-level element.
type Engine struct {
	BaseAlignment int64
}

// NewEngine returns an [Engine] using baseAlignment, or
// [DefaultBaseAlignment] if baseAlignment is not positive.
func NewEngine(baseAlignment int64) *Engine {
	if baseAlignment <= 0 {
		baseAlignment = DefaultBaseAlignment
	}

	return &Engine{BaseAlignment: baseAlignment}
}

// Plan is the bytes to emit around one frame write, per spec §4.4's three
// cases. Pre is written before the frame (and its descriptor, if any);
// Post is written after it. Callers append: Pre, frame, descriptor (if
// descriptorSize > 0), Post.
type Plan struct {
	Pre  []byte
	Post []byte
}

// Plan computes the padding/Start-of-Part placement for a frame of
// frameSize bytes about to be written at the given archive offset.
// descriptorSize is 0, 16, or 24: the ZIP data descriptor that will
// follow the frame if the file ends here (0 if it won't). midFile is
// true when the frame is a non-final chunk of a file whose data
// continues beyond this frame. uncompressedOffset is the file's
// uncompressed byte offset at the point any emitted Start-of-Part marks
// (only meaningful when midFile is true).
func (e *Engine) Plan(offset, frameSize, descriptorSize int64, midFile bool, uncompressedOffset int64) Plan {
	boundary := ceilDiv(offset, e.BaseAlignment) * e.BaseAlignment
	required := frameSize + descriptorSize
	space := boundary - offset

	switch {
	case space == required:
		if midFile {
			return Plan{Post: encodeStartOfPart(uncompressedOffset)}
		}

		return Plan{}

	case space >= required+skippableHeaderLen:
		return Plan{}

	default:
		padding := encodePadding(space - skippableHeaderLen)
		if midFile {
			return Plan{Pre: append(padding, encodeStartOfPart(uncompressedOffset)...)}
		}

		return Plan{Pre: padding}
	}
}

func ceilDiv(n, d int64) int64 {
	return (n + d - 1) / d
}

// encodePadding builds a skippable padding frame (spec §4.5) carrying
// payloadLen zero bytes.
func encodePadding(payloadLen int64) []byte {
	buf := make([]byte, skippableHeaderLen+int(payloadLen))
	binary.LittleEndian.PutUint32(buf[0:4], skippableMagic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(payloadLen))

	return buf
}

// encodeStartOfPart builds a Start-of-Part skippable frame (spec §4.5)
// carrying uncompressedOffset.
func encodeStartOfPart(uncompressedOffset int64) []byte {
	buf := make([]byte, skippableHeaderLen+startOfPartPayloadLen)
	binary.LittleEndian.PutUint32(buf[0:4], skippableMagic)
	binary.LittleEndian.PutUint32(buf[4:8], startOfPartPayloadLen)
	buf[8] = startOfPartTypeByte
	binary.LittleEndian.PutUint64(buf[9:17], uint64(uncompressedOffset))

	return buf
}
