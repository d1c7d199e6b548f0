package frameformat

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mbaynton/burst/internal/errkind"
)

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)

	return b
}

func le16(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)

	return b
}

func le64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)

	return b
}

// buildMinimalZstdFrame builds a single-segment Zstandard frame with one
// last, raw (uncompressed) block holding contentLen bytes of content.
func buildMinimalZstdFrame(content []byte) []byte {
	var buf []byte
	buf = append(buf, le32(MagicZstdFrame)...)
	buf = append(buf, 0x20) // Single_Segment, FCS flag=0 => 1 byte field
	buf = append(buf, byte(len(content)))

	blockSize := len(content)
	header := uint32(1) | uint32(blockTypeRaw)<<1 | uint32(blockSize)<<3
	buf = append(buf, byte(header), byte(header>>8), byte(header>>16))
	buf = append(buf, content...)

	return buf
}

// Expectation: ParseNext should need more data on a too-short buffer.
func Test_ParseNext_NeedMoreData(t *testing.T) {
	_, err := ParseNext([]byte{0x01, 0x02}, false)
	require.ErrorIs(t, err, ErrNeedMoreData)
}

// Expectation: ParseNext should reject an unrecognized magic.
func Test_ParseNext_InvalidSignature(t *testing.T) {
	_, err := ParseNext(le32(0xDEADBEEF), false)

	kerr, ok := errkind.As(err)
	require.True(t, ok)
	require.Equal(t, errkind.KindFormatInvalidSignature, kerr.Kind)
}

// Expectation: ParseNext should size a ZIP local header from its declared lengths.
func Test_ParseNext_ZipLocalHeader(t *testing.T) {
	buf := make([]byte, zipLocalHeaderFixedLen)
	binary.LittleEndian.PutUint32(buf[0:4], MagicZipLocalHeader)
	binary.LittleEndian.PutUint16(buf[26:28], 5) // filename length
	binary.LittleEndian.PutUint16(buf[28:30], 3) // extra length
	buf = append(buf, []byte("a.txt")...)
	buf = append(buf, []byte{1, 2, 3}...)

	f, err := ParseNext(buf, false)
	require.NoError(t, err)
	require.Equal(t, KindZipLocalHeader, f.Kind)
	require.Equal(t, int64(zipLocalHeaderFixedLen+5+3), f.TotalSize)
}

// Expectation: ParseNext should need more data until the fixed header is present.
func Test_ParseNext_ZipLocalHeader_NeedMoreData(t *testing.T) {
	buf := le32(MagicZipLocalHeader)
	_, err := ParseNext(buf, false)
	require.ErrorIs(t, err, ErrNeedMoreData)
}

// Expectation: ParseNext should size a data descriptor from the caller-supplied ZIP64 flag.
func Test_ParseNext_ZipDataDescriptor_Sizes(t *testing.T) {
	buf := append(le32(MagicZipDataDescriptor), make([]byte, 24)...)

	f, err := ParseNext(buf, false)
	require.NoError(t, err)
	require.Equal(t, int64(16), f.TotalSize)

	f, err = ParseNext(buf, true)
	require.NoError(t, err)
	require.Equal(t, int64(24), f.TotalSize)
}

// Expectation: ParseNext should need more data until the whole data descriptor is present.
func Test_ParseNext_ZipDataDescriptor_NeedMoreData(t *testing.T) {
	buf := le32(MagicZipDataDescriptor)

	_, err := ParseNext(buf, false)
	require.ErrorIs(t, err, ErrNeedMoreData)
}

// Expectation: ParseNext should report the central directory sentinel with zero size.
func Test_ParseNext_CentralDirectorySentinel(t *testing.T) {
	f, err := ParseNext(le32(MagicCentralDirectory), false)
	require.NoError(t, err)
	require.Equal(t, KindCentralDirectorySentinel, f.Kind)
	require.Zero(t, f.TotalSize)
}

// Expectation: ParseNext should parse a BURST padding frame.
func Test_ParseNext_BurstPadding(t *testing.T) {
	var buf []byte
	buf = append(buf, le32(MagicBurstSkippable)...)
	buf = append(buf, le32(4)...) // payload length 4
	buf = append(buf, []byte{0, 0, 0, 0}...)

	f, err := ParseNext(buf, false)
	require.NoError(t, err)
	require.Equal(t, KindBurstPadding, f.Kind)
	require.Equal(t, int64(12), f.TotalSize)
}

// Expectation: ParseNext should need more data until the whole padding payload arrives.
func Test_ParseNext_BurstPadding_NeedMoreData(t *testing.T) {
	var buf []byte
	buf = append(buf, le32(MagicBurstSkippable)...)
	buf = append(buf, le32(100)...)
	buf = append(buf, make([]byte, 10)...)

	_, err := ParseNext(buf, false)
	require.ErrorIs(t, err, ErrNeedMoreData)
}

// Expectation: ParseNext should parse a BURST Start-of-Part frame and its offset.
func Test_ParseNext_BurstStartOfPart(t *testing.T) {
	var buf []byte
	buf = append(buf, le32(MagicBurstSkippable)...)
	buf = append(buf, le32(16)...)
	buf = append(buf, 0x01) // type byte
	buf = append(buf, le64(123456789)...)
	buf = append(buf, make([]byte, 7)...) // reserved

	f, err := ParseNext(buf, false)
	require.NoError(t, err)
	require.Equal(t, KindBurstStartOfPart, f.Kind)
	require.Equal(t, int64(123456789), f.UncompressedOffset)
	require.Equal(t, int64(24), f.TotalSize)
}

// Expectation: ParseNext should treat a 16-byte payload with a non-0x01 type byte as padding.
func Test_ParseNext_BurstPadding_SixteenBytesButNotStartOfPart(t *testing.T) {
	var buf []byte
	buf = append(buf, le32(MagicBurstSkippable)...)
	buf = append(buf, le32(16)...)
	buf = append(buf, 0x02) // not the Start-of-Part type byte
	buf = append(buf, make([]byte, 15)...)

	f, err := ParseNext(buf, false)
	require.NoError(t, err)
	require.Equal(t, KindBurstPadding, f.Kind)
}

// Expectation: ParseNext should size a Zstandard frame and report its content size.
func Test_ParseNext_ZstdCompressed(t *testing.T) {
	content := []byte("hello world!\n")
	buf := buildMinimalZstdFrame(content)

	f, err := ParseNext(buf, false)
	require.NoError(t, err)
	require.Equal(t, KindZstdCompressed, f.Kind)
	require.Equal(t, int64(len(content)), f.UncompressedSize)
	require.Equal(t, int64(len(buf)), f.TotalSize)
}

// Expectation: ParseNext should need more data when the zstd frame's block is truncated.
func Test_ParseNext_ZstdCompressed_NeedMoreData(t *testing.T) {
	full := buildMinimalZstdFrame([]byte("hello world!\n"))
	truncated := full[:len(full)-3]

	_, err := ParseNext(truncated, false)
	require.ErrorIs(t, err, ErrNeedMoreData)
}

// Expectation: ParseNext should reject a zstd frame with a missing content size.
func Test_ParseNext_ZstdMissingContentSize(t *testing.T) {
	var buf []byte
	buf = append(buf, le32(MagicZstdFrame)...)
	buf = append(buf, 0x00) // not single-segment, fcsFlag=0 => missing
	buf = append(buf, 0x00) // window descriptor

	_, err := ParseNext(buf, false)
	kerr, ok := errkind.As(err)
	require.True(t, ok)
	require.Equal(t, errkind.KindFormatZstdMissingContentSize, kerr.Kind)
}

// Expectation: ParseNext should reject a reserved zstd block type.
func Test_ParseNext_ZstdReservedBlockType(t *testing.T) {
	buf := buildMinimalZstdFrame([]byte("x"))
	// Flip the block header's type bits (1-2) to the reserved value (3).
	blockHeaderOffset := 6
	header := uint32(buf[blockHeaderOffset]) | uint32(buf[blockHeaderOffset+1])<<8 | uint32(buf[blockHeaderOffset+2])<<16
	header = (header &^ (0x3 << 1)) | (blockTypeReserve << 1)
	buf[blockHeaderOffset] = byte(header)
	buf[blockHeaderOffset+1] = byte(header >> 8)
	buf[blockHeaderOffset+2] = byte(header >> 16)

	_, err := ParseNext(buf, false)
	kerr, ok := errkind.As(err)
	require.True(t, ok)
	require.Equal(t, errkind.KindFormatUnexpectedFrame, kerr.Kind)
}
