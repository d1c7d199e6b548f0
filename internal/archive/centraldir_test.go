package archive

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mbaynton/burst/internal/errkind"
)

func le16(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)

	return b
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)

	return b
}

// buildCDRecord builds one central directory record (no extra fields).
func buildCDRecord(name string, localOffset int64, compSize, uncompSize int64, crc uint32) []byte {
	var buf []byte
	buf = append(buf, le32(sigCentralDirRec)...)
	buf = append(buf, le16(0)...)                  // version made by
	buf = append(buf, le16(0)...)                  // version needed
	buf = append(buf, le16(0)...)                  // gp flag
	buf = append(buf, le16(MethodStore)...)        // method
	buf = append(buf, le16(0)...)                  // mod time
	buf = append(buf, le16(0)...)                  // mod date
	buf = append(buf, le32(crc)...)                // crc32
	buf = append(buf, le32(uint32(compSize))...)   // compressed size
	buf = append(buf, le32(uint32(uncompSize))...) // uncompressed size
	buf = append(buf, le16(uint16(len(name)))...)  // filename length
	buf = append(buf, le16(0)...)                  // extra length
	buf = append(buf, le16(0)...)                  // comment length
	buf = append(buf, le16(0)...)                  // disk number start
	buf = append(buf, le16(0)...)                  // internal attrs
	buf = append(buf, le32(0)...)                  // external attrs
	buf = append(buf, le32(uint32(localOffset))...)
	buf = append(buf, []byte(name)...)

	return buf
}

func buildEOCD(cdOffset, cdSize int64, count uint16) []byte {
	var buf []byte
	buf = append(buf, le32(sigEOCD)...)
	buf = append(buf, le16(0)...) // disk number
	buf = append(buf, le16(0)...) // disk w/ CD
	buf = append(buf, le16(count)...)
	buf = append(buf, le16(count)...)
	buf = append(buf, le32(uint32(cdSize))...)
	buf = append(buf, le32(uint32(cdOffset))...)
	buf = append(buf, le16(0)...) // comment length

	return buf
}

// buildArchive assembles a synthetic tail buffer: just the central
// directory records immediately followed by the EOCD, as if this were
// the entire archive (local headers/data are irrelevant to these tests).
func buildArchiveTail(records [][]byte) (tail []byte, cdOffset int64, cdSize int64) {
	var cd []byte
	for _, r := range records {
		cd = append(cd, r...)
	}

	cdOffset = 1000 // pretend the CD starts here in the "full" archive
	cdSize = int64(len(cd))

	tail = append(tail, cd...)
	tail = append(tail, buildEOCD(cdOffset, cdSize, uint16(len(records)))...)

	return tail, cdOffset, cdSize
}

// Expectation: ParseFull should recover every file and compute the part index.
func Test_ParseFull_Success(t *testing.T) {
	rec1 := buildCDRecord("a.txt", 0, 100, 100, 0x1111)
	rec2 := buildCDRecord("b.txt", 200, 50, 50, 0x2222)
	tail, cdOffset, cdSize := buildArchiveTail([][]byte{rec1, rec2})

	archiveEnd := cdOffset + int64(len(tail))

	p := &Parser{PartSize: 8 * 1024 * 1024}
	dir, err := p.ParseFull(tail, archiveEnd)
	require.NoError(t, err)
	require.Len(t, dir.Files, 2)
	require.Equal(t, "a.txt", dir.Files[0].Name)
	require.Equal(t, "b.txt", dir.Files[1].Name)
	require.Equal(t, cdOffset, dir.CentralDirOffset)
	require.Equal(t, cdSize, dir.CentralDirSize)
	require.Len(t, dir.PartIndex.Parts, 1)
	require.Len(t, dir.PartIndex.Parts[0].Entries, 2)
}

// Expectation: ParseFull should fail when no EOCD signature is present.
func Test_ParseFull_NoEOCD(t *testing.T) {
	p := &Parser{PartSize: 8 * 1024 * 1024}
	_, err := p.ParseFull(make([]byte, 30), 30)

	kerr, ok := errkind.As(err)
	require.True(t, ok)
	require.Equal(t, errkind.KindFormatNoEOCD, kerr.Kind)
}

// Expectation: ParseFull should reject a tail buffer not containing the whole CD.
func Test_ParseFull_TruncatedCD(t *testing.T) {
	rec1 := buildCDRecord("a.txt", 0, 100, 100, 0x1111)
	tail, cdOffset, _ := buildArchiveTail([][]byte{rec1})

	archiveEnd := cdOffset + int64(len(tail))
	// Supply only a suffix of the tail, dropping the start of the CD record.
	shortTail := tail[10:]

	p := &Parser{PartSize: 8 * 1024 * 1024}
	_, err := p.ParseFull(shortTail, archiveEnd)
	require.Error(t, err)
}

// Expectation: buildPartIndex should mark a file spanning a part boundary as continuing.
func Test_BuildPartIndex_ContinuingFile(t *testing.T) {
	partSize := int64(100)
	files := []FileMetadata{
		{Name: "big.bin", LocalHeaderOffset: 50, CompressedSize: 200, LocalExtraLen: 0},
	}
	// header (30+7=37) + compressed (200) = 237, spans offset 50..287.
	idx := buildPartIndex(files, partSize, 400)

	require.Equal(t, -1, idx.Parts[0].ContinuingFile)
	require.Len(t, idx.Parts[0].Entries, 1)
	require.Equal(t, 0, idx.Parts[1].ContinuingFile)
	require.Equal(t, 0, idx.Parts[2].ContinuingFile)
}

// Expectation: ParsePartial should recover the trailing files and compute
// a safe-first-part when the tail buffer is missing the start of the CD.
func Test_ParsePartial_RecoversSuffix(t *testing.T) {
	rec1 := buildCDRecord("a.txt", 0, 100, 100, 0x1111)
	rec2 := buildCDRecord("b.txt", 9_000_000, 50, 50, 0x2222)
	rec3 := buildCDRecord("c.txt", 9_100_000, 50, 50, 0x3333)

	fullCD := append(append([]byte{}, rec1...), append(rec2, rec3...)...)
	cdOffset := int64(1000)
	cdSize := int64(len(fullCD))
	eocd := buildEOCD(cdOffset, cdSize, 3)

	archiveEnd := cdOffset + cdSize + int64(len(eocd))

	// Drop rec1 from the front of the supplied tail buffer to simulate a
	// fetch window that doesn't reach back to the true CD start.
	partialTail := append(append([]byte{}, rec2...), rec3...)
	partialTail = append(partialTail, eocd...)

	p := &Parser{PartSize: 8 * 1024 * 1024}
	result, err := p.ParsePartial(partialTail, archiveEnd)
	require.NoError(t, err)
	require.True(t, result.MissingPrefix)
	require.Len(t, result.Directory.Files, 2)
	require.Equal(t, "b.txt", result.Directory.Files[0].Name)
	require.Equal(t, "c.txt", result.Directory.Files[1].Name)
	require.Equal(t, 2, result.SafeFirstPart) // 9_000_000 / 8MiB + 1 == 2
}

// Expectation: ParsePartial should take the simple path when the tail
// buffer already contains the whole central directory.
func Test_ParsePartial_FullyContained(t *testing.T) {
	rec1 := buildCDRecord("a.txt", 0, 100, 100, 0x1111)
	tail, cdOffset, _ := buildArchiveTail([][]byte{rec1})
	archiveEnd := cdOffset + int64(len(tail))

	p := &Parser{PartSize: 8 * 1024 * 1024}
	result, err := p.ParsePartial(tail, archiveEnd)
	require.NoError(t, err)
	require.False(t, result.MissingPrefix)
	require.Equal(t, 0, result.SafeFirstPart)
	require.Len(t, result.Directory.Files, 1)
}
