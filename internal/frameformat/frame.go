// Package frameformat implements the BURST frame parser: given a byte
// slice it identifies the next wire-format element (ZIP local header, ZIP
// data descriptor, Zstandard frame, BURST skippable padding, or BURST
// Start-of-Part) and reports its size, without buffering or copying the
// frame body itself.
//
// The block-header walk needed to size a Zstandard frame is grounded on
// RFC 8878 and on klauspost/compress/zstd's frameDec (retrieved under the
// moby/moby vendor tree): that decoder actually decompresses, while
// [ParseNext] only needs to learn where the frame ends.
package frameformat

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mbaynton/burst/internal/errkind"
)

// Kind identifies which wire-format element [Frame] describes.
type Kind int

const (
	// KindUnknown is the zero value and is never returned from ParseNext.
	KindUnknown Kind = iota
	// KindZipLocalHeader is a ZIP local file header (PK\x03\x04).
	KindZipLocalHeader
	// KindZipDataDescriptor is a ZIP data descriptor (PK\x07\x08).
	KindZipDataDescriptor
	// KindCentralDirectorySentinel marks the start of the ZIP central directory.
	KindCentralDirectorySentinel
	// KindZstdCompressed is a Zstandard compressed frame.
	KindZstdCompressed
	// KindBurstPadding is a BURST skippable padding frame.
	KindBurstPadding
	// KindBurstStartOfPart is a BURST skippable Start-of-Part metadata frame.
	KindBurstStartOfPart
)

// Magic numbers recognized at the start of a frame-level element (spec §4.1, §4.5).
const (
	MagicZipLocalHeader      uint32 = 0x04034B50
	MagicZipDataDescriptor   uint32 = 0x08074B50
	MagicCentralDirectory    uint32 = 0x02014B50
	MagicZstdFrame           uint32 = 0xFD2FB528
	MagicBurstSkippableFirst uint32 = 0x184D2A50
	MagicBurstSkippableLast  uint32 = 0x184D2A5F
	MagicBurstSkippable      uint32 = 0x184D2A5B // BURST's specific skippable-frame magic.
)

const (
	zipLocalHeaderFixedLen = 30
	zipDataDescriptorLen16 = 16
	zipDataDescriptorLen24 = 24

	burstSkippableHeaderLen  = 8 // 4 magic + 4 length
	burstStartOfPartPayload  = 16
	burstStartOfPartTypeByte = 0x01
)

// Frame describes one parsed wire-format element: its [Kind], its total
// byte size on the wire (including any magic/header), and (depending on
// kind) the declared uncompressed size or Start-of-Part offset.
type Frame struct {
	Kind Kind

	// TotalSize is the frame's total size on the wire, in bytes.
	TotalSize int64

	// UncompressedSize is set for KindZstdCompressed: the frame's declared
	// Frame_Content_Size.
	UncompressedSize int64

	// UncompressedOffset is set for KindBurstStartOfPart: the uncompressed
	// byte offset within the file at which this part's continuation begins.
	UncompressedOffset int64
}

// ErrNeedMoreData is returned when buf does not yet contain enough bytes
// to determine the next frame's total size. The caller should buffer buf
// and retry once more bytes have arrived; no partial state is retained.
var ErrNeedMoreData = errors.New("frameformat: need more data")

// ParseNext identifies the frame-level element at the start of buf and
// reports its size. zip64DataDescriptor must be supplied by the caller
// (from the current file's central-directory metadata) to size a ZIP
// data descriptor, since that is not self-describing on the wire.
//
// ParseNext never consumes buf or retains partial state: on
// [ErrNeedMoreData] the caller should grow its staging buffer and call
// again with the same logical start position once more bytes are
// available.
func ParseNext(buf []byte, zip64DataDescriptor bool) (Frame, error) {
	if len(buf) < 4 {
		return Frame{}, ErrNeedMoreData
	}

	magic := binary.LittleEndian.Uint32(buf[:4])

	switch {
	case magic == MagicZipLocalHeader:
		return parseZipLocalHeader(buf)
	case magic == MagicZipDataDescriptor:
		return parseZipDataDescriptor(buf, zip64DataDescriptor)
	case magic == MagicCentralDirectory:
		return Frame{Kind: KindCentralDirectorySentinel, TotalSize: 0}, nil
	case magic == MagicZstdFrame:
		return parseZstdFrame(buf)
	case magic >= MagicBurstSkippableFirst && magic <= MagicBurstSkippableLast:
		return parseBurstSkippable(buf)
	default:
		return Frame{}, errkind.New(errkind.KindFormatInvalidSignature,
			fmt.Sprintf("unrecognized frame magic 0x%08X", magic))
	}
}

func parseZipLocalHeader(buf []byte) (Frame, error) {
	if len(buf) < zipLocalHeaderFixedLen {
		return Frame{}, ErrNeedMoreData
	}

	filenameLen := int(binary.LittleEndian.Uint16(buf[26:28]))
	extraLen := int(binary.LittleEndian.Uint16(buf[28:30]))
	total := int64(zipLocalHeaderFixedLen + filenameLen + extraLen)

	if int64(len(buf)) < total {
		return Frame{}, ErrNeedMoreData
	}

	return Frame{Kind: KindZipLocalHeader, TotalSize: total}, nil
}

func parseZipDataDescriptor(buf []byte, zip64 bool) (Frame, error) {
	size := int64(zipDataDescriptorLen16)
	if zip64 {
		size = zipDataDescriptorLen24
	}

	if int64(len(buf)) < size {
		return Frame{}, ErrNeedMoreData
	}

	return Frame{Kind: KindZipDataDescriptor, TotalSize: size}, nil
}

func parseBurstSkippable(buf []byte) (Frame, error) {
	if len(buf) < burstSkippableHeaderLen {
		return Frame{}, ErrNeedMoreData
	}

	payloadLen := int64(binary.LittleEndian.Uint32(buf[4:8]))
	total := int64(burstSkippableHeaderLen) + payloadLen

	if int64(len(buf)) < total {
		return Frame{}, ErrNeedMoreData
	}

	payload := buf[burstSkippableHeaderLen:total]
	if payloadLen == burstStartOfPartPayload && len(payload) > 0 && payload[0] == burstStartOfPartTypeByte {
		offset := int64(binary.LittleEndian.Uint64(payload[1:9]))

		return Frame{
			Kind:               KindBurstStartOfPart,
			TotalSize:          total,
			UncompressedOffset: offset,
		}, nil
	}

	return Frame{Kind: KindBurstPadding, TotalSize: total}, nil
}
