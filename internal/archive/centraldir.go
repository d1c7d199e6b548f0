package archive

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/mbaynton/burst/internal/errkind"
)

// Record signatures and fixed lengths (ZIP APPNOTE 6.3.10), grounded on
// MinIO's zipindex reader.
const (
	sigEOCD           uint32 = 0x06054B50
	sigZip64Locator   uint32 = 0x07064B50
	sigZip64EOCD      uint32 = 0x06064B50
	sigCentralDirRec  uint32 = 0x02014B50
	zip64ExtraFieldID uint16 = 0x0001

	eocdFixedLen         = 22
	zip64LocatorLen      = 20
	zip64EOCDFixedLen    = 56
	cdRecordFixedLen     = 46
	gpFlagDataDescriptor = 1 << 3
)

// Unix file-type bits carried in BURST's private extra field's mode word.
const (
	sIFMT  = 0xF000
	sIFDIR = 0x4000
	sIFLNK = 0xA000
)

// Parser parses a ZIP-envelope central directory into a [Directory]
// (spec §4.2). PartSize must match the archive's declared part size.
type Parser struct {
	PartSize int64
}

// eocdInfo is the result of locating and decoding the End-Of-Central-
// Directory record (and, if present, its ZIP64 extension).
type eocdInfo struct {
	cdOffset int64
	cdSize   int64
	cdEnd    int64 // cdOffset + cdSize: where the EOCD-area records begin
}

// ParseFull parses a complete central directory from tail, a buffer
// whose end is the end of the archive. It requires tail to contain the
// entire central directory plus the EOCD (and ZIP64 locator/record, if
// used); if it doesn't, callers should use [Parser.ParsePartial] instead
// (spec §4.6 hybrid path).
func (p *Parser) ParseFull(tail []byte, archiveEndOffset int64) (*Directory, error) {
	eocd, err := findEOCD(tail, archiveEndOffset)
	if err != nil {
		return nil, err
	}

	tailStart := archiveEndOffset - int64(len(tail))
	cdStartInTail := eocd.cdOffset - tailStart
	cdEndInTail := eocd.cdEnd - tailStart
	if cdStartInTail < 0 || cdEndInTail > int64(len(tail)) {
		return nil, errkind.New(errkind.KindFormatTruncated,
			"central directory not fully contained in supplied tail buffer")
	}

	files, err := parseCDRecords(tail[cdStartInTail:cdEndInTail], int(eocd.cdEnd-eocd.cdOffset))
	if err != nil {
		return nil, err
	}

	dir := &Directory{
		Files:            files,
		ArchiveSize:      archiveEndOffset,
		CentralDirOffset: eocd.cdOffset,
		CentralDirSize:   eocd.cdSize,
	}
	dir.PartIndex = buildPartIndex(files, p.PartSize, archiveEndOffset)

	return dir, nil
}

// PartialResult is the outcome of a hybrid-path partial central
// directory parse (spec §4.6): the files recoverable from a tail buffer
// that does not reach back to the true start of the central directory,
// plus the first part number that is safe to dispatch immediately.
type PartialResult struct {
	Directory     *Directory
	SafeFirstPart int
	// MissingPrefix is true if earlier (lower-offset) central directory
	// records could not be recovered from the supplied buffer.
	MissingPrefix bool
}

// ParsePartial recovers as many trailing central directory records as
// possible from a tail buffer that may not extend back to the true
// start of the central directory. Because central directory records are
// written in ascending local_header_offset order, a tail buffer that is
// missing the start of the central directory is missing the
// lowest-offset (earliest) files, not the highest-offset ones: this
// anchors into the recoverable suffix via signature-scan-and-validate
// and accepts it only when the record chain lands exactly on the known
// end of the central directory taken from the EOCD. This is a
// visibility limitation, not corruption recovery (spec's central
// directory corruption is out of scope).
func (p *Parser) ParsePartial(tail []byte, archiveEndOffset int64) (*PartialResult, error) {
	eocd, err := findEOCD(tail, archiveEndOffset)
	if err != nil {
		return nil, err
	}

	tailStart := archiveEndOffset - int64(len(tail))
	cdEndInTail := eocd.cdEnd - tailStart
	if cdEndInTail > int64(len(tail)) || cdEndInTail < 0 {
		return nil, errkind.New(errkind.KindFormatTruncated,
			"central directory end not contained in supplied tail buffer")
	}

	cdStartInTail := eocd.cdOffset - tailStart
	if cdStartInTail >= 0 {
		// The full central directory is actually present; no need for the
		// hybrid anchor search.
		files, err := parseCDRecords(tail[cdStartInTail:cdEndInTail], int(eocd.cdEnd-eocd.cdOffset))
		if err != nil {
			return nil, err
		}

		dir := &Directory{
			Files: files, ArchiveSize: archiveEndOffset,
			CentralDirOffset: eocd.cdOffset, CentralDirSize: eocd.cdSize,
		}
		dir.PartIndex = buildPartIndex(files, p.PartSize, archiveEndOffset)

		return &PartialResult{Directory: dir, SafeFirstPart: 0, MissingPrefix: false}, nil
	}

	files, anchorOffset, err := scanAndValidateSuffix(tail[:cdEndInTail], tailStart, eocd.cdEnd)
	if err != nil {
		return nil, err
	}

	dir := &Directory{
		Files: files, ArchiveSize: archiveEndOffset,
		CentralDirOffset: eocd.cdOffset, CentralDirSize: eocd.cdSize,
	}
	dir.PartIndex = buildPartIndex(files, p.PartSize, archiveEndOffset)

	// With no files recovered at all, nothing is known about any part's
	// contents, so none can be dispatched early: every part must wait for
	// the full central directory.
	safeFirstPart := dir.PartCount()
	if len(files) > 0 {
		minOffset := files[0].LocalHeaderOffset
		for _, f := range files {
			if f.LocalHeaderOffset < minOffset {
				minOffset = f.LocalHeaderOffset
			}
		}
		// The part containing minOffset may also hold the tail end of an
		// unrecovered file, so only the part after it is guaranteed free
		// of missing-metadata ambiguity.
		safeFirstPart = int(minOffset/p.PartSize) + 1
	}

	_ = anchorOffset

	return &PartialResult{Directory: dir, SafeFirstPart: safeFirstPart, MissingPrefix: true}, nil
}

// findEOCD locates the End-Of-Central-Directory record within tail (by
// scanning backward for its signature, validating the comment length
// against the buffer's end) and, if a ZIP64 locator immediately precedes
// it, follows it to the ZIP64 EOCD record for 64-bit offsets/sizes.
func findEOCD(tail []byte, archiveEndOffset int64) (*eocdInfo, error) {
	if len(tail) < eocdFixedLen {
		return nil, errkind.New(errkind.KindFormatNoEOCD, "tail buffer too small to contain EOCD")
	}

	found := -1
	for i := len(tail) - eocdFixedLen; i >= 0; i-- {
		if binary.LittleEndian.Uint32(tail[i:i+4]) != sigEOCD {
			continue
		}

		commentLen := int(binary.LittleEndian.Uint16(tail[i+20 : i+22]))
		if i+eocdFixedLen+commentLen == len(tail) {
			found = i

			break
		}
	}

	if found == -1 {
		return nil, errkind.New(errkind.KindFormatNoEOCD, "no End-Of-Central-Directory record found")
	}

	tailStart := archiveEndOffset - int64(len(tail))
	cdOffset := int64(binary.LittleEndian.Uint32(tail[found+16 : found+20]))
	cdSizeField := int64(binary.LittleEndian.Uint32(tail[found+12 : found+16]))
	cdSize := cdSizeField
	diskEntries := int64(binary.LittleEndian.Uint16(tail[found+10 : found+12]))

	isZip64 := cdOffset == 0xFFFFFFFF || cdSizeField == 0xFFFFFFFF || diskEntries == 0xFFFF
	if isZip64 && found >= zip64LocatorLen && binary.LittleEndian.Uint32(tail[found-zip64LocatorLen:found-zip64LocatorLen+4]) == sigZip64Locator {
		locatorPos := found - zip64LocatorLen
		z64EOCDOffset := int64(binary.LittleEndian.Uint64(tail[locatorPos+8 : locatorPos+16]))

		z64Pos := z64EOCDOffset - tailStart
		if z64Pos < 0 || z64Pos+zip64EOCDFixedLen > int64(len(tail)) {
			return nil, errkind.New(errkind.KindZip64Unsupported, "zip64 EOCD record not present in tail buffer")
		}
		if binary.LittleEndian.Uint32(tail[z64Pos:z64Pos+4]) != sigZip64EOCD {
			return nil, errkind.New(errkind.KindFormatInvalidSignature, "zip64 EOCD locator points to non-EOCD64 record")
		}

		cdSize = int64(binary.LittleEndian.Uint64(tail[z64Pos+40 : z64Pos+48]))
		cdOffset = int64(binary.LittleEndian.Uint64(tail[z64Pos+48 : z64Pos+56]))
	}

	return &eocdInfo{cdOffset: cdOffset, cdSize: cdSize, cdEnd: cdOffset + cdSize}, nil
}

// parseCDRecords walks a buffer holding exactly the central directory's
// bytes and decodes every record. expectLen is used only to size-check
// the walk lands exactly at the end of buf.
func parseCDRecords(buf []byte, expectLen int) ([]FileMetadata, error) {
	if len(buf) != expectLen {
		return nil, errkind.New(errkind.KindFormatTruncated, "central directory buffer length mismatch")
	}

	var files []FileMetadata

	pos := 0
	for pos < len(buf) {
		f, next, err := parseOneCDRecord(buf, pos)
		if err != nil {
			return nil, err
		}

		files = append(files, f)
		pos = next
	}

	return files, nil
}

// scanAndValidateSuffix recovers a trailing run of central directory
// records from a buffer that may start partway through the central
// directory. It scans forward for the first position whose signature
// and self-declared record lengths walk exactly to cdEnd; earlier
// candidate positions that don't land exactly on cdEnd are rejected and
// scanning resumes one byte later. If no position does (for example,
// when buf is shorter than one record), no records are recovered and an
// empty result is returned.
func scanAndValidateSuffix(buf []byte, tailStart int64, cdEnd int64) ([]FileMetadata, int64, error) {
	for start := 0; start <= len(buf)-cdRecordFixedLen; start++ {
		if binary.LittleEndian.Uint32(buf[start:start+4]) != sigCentralDirRec {
			continue
		}

		files, ok := tryWalkFrom(buf, start)
		if ok {
			return files, tailStart + int64(start), nil
		}
	}

	return nil, tailStart + int64(len(buf)), nil
}

// tryWalkFrom attempts to parse a chain of central directory records
// starting at start, succeeding only if the chain consumes buf exactly.
func tryWalkFrom(buf []byte, start int) ([]FileMetadata, bool) {
	var files []FileMetadata

	pos := start
	for pos < len(buf) {
		f, next, err := parseOneCDRecord(buf, pos)
		if err != nil {
			return nil, false
		}

		files = append(files, f)
		pos = next
	}

	return files, pos == len(buf)
}

func parseOneCDRecord(buf []byte, pos int) (FileMetadata, int, error) {
	if pos+cdRecordFixedLen > len(buf) {
		return FileMetadata{}, 0, errkind.New(errkind.KindFormatTruncated, "truncated central directory record")
	}

	if binary.LittleEndian.Uint32(buf[pos:pos+4]) != sigCentralDirRec {
		return FileMetadata{}, 0, errkind.New(errkind.KindFormatInvalidSignature,
			fmt.Sprintf("expected central directory record at offset %d", pos))
	}

	gpFlag := binary.LittleEndian.Uint16(buf[pos+8 : pos+10])
	method := binary.LittleEndian.Uint16(buf[pos+10 : pos+12])
	crc32 := binary.LittleEndian.Uint32(buf[pos+16 : pos+20])
	compSize := int64(binary.LittleEndian.Uint32(buf[pos+20 : pos+24]))
	uncompSize := int64(binary.LittleEndian.Uint32(buf[pos+24 : pos+28]))
	nameLen := int(binary.LittleEndian.Uint16(buf[pos+28 : pos+30]))
	extraLen := int(binary.LittleEndian.Uint16(buf[pos+30 : pos+32]))
	commentLen := int(binary.LittleEndian.Uint16(buf[pos+32 : pos+34]))
	externalAttrs := binary.LittleEndian.Uint32(buf[pos+38 : pos+42])
	localHeaderOffset := int64(binary.LittleEndian.Uint32(buf[pos+42 : pos+46]))

	recordEnd := pos + cdRecordFixedLen + nameLen + extraLen + commentLen
	if recordEnd > len(buf) {
		return FileMetadata{}, 0, errkind.New(errkind.KindFormatTruncated, "central directory record body truncated")
	}

	name := string(buf[pos+cdRecordFixedLen : pos+cdRecordFixedLen+nameLen])
	extra := buf[pos+cdRecordFixedLen+nameLen : pos+cdRecordFixedLen+nameLen+extraLen]

	f := FileMetadata{
		Name:              name,
		LocalHeaderOffset: localHeaderOffset,
		CompressedSize:    compSize,
		UncompressedSize:  uncompSize,
		CRC32:             crc32,
		Method:            method,
		HasDataDescriptor: gpFlag&gpFlagDataDescriptor != 0,
		LocalExtraLen:     extraLen,
	}

	hasZip64Extra, mode, uid, gid, hasUnix := false, uint32(0), uint32(0), uint32(0), false

	epos := 0
	for epos+4 <= len(extra) {
		id := binary.LittleEndian.Uint16(extra[epos : epos+2])
		size := int(binary.LittleEndian.Uint16(extra[epos+2 : epos+4]))
		dataStart := epos + 4
		if dataStart+size > len(extra) {
			break
		}
		data := extra[dataStart : dataStart+size]

		switch id {
		case zip64ExtraFieldID:
			hasZip64Extra = true

			zpos := 0
			if f.UncompressedSize == 0xFFFFFFFF && zpos+8 <= len(data) {
				f.UncompressedSize = int64(binary.LittleEndian.Uint64(data[zpos : zpos+8]))
				zpos += 8
			}
			if f.CompressedSize == 0xFFFFFFFF && zpos+8 <= len(data) {
				f.CompressedSize = int64(binary.LittleEndian.Uint64(data[zpos : zpos+8]))
				zpos += 8
			}
			if f.LocalHeaderOffset == 0xFFFFFFFF && zpos+8 <= len(data) {
				f.LocalHeaderOffset = int64(binary.LittleEndian.Uint64(data[zpos : zpos+8]))
			}
		case unixExtraFieldID:
			if len(data) >= 12 {
				mode = binary.LittleEndian.Uint32(data[0:4])
				uid = binary.LittleEndian.Uint32(data[4:8])
				gid = binary.LittleEndian.Uint32(data[8:12])
				hasUnix = true
			}
		}

		epos = dataStart + size
	}

	f.ZIP64DataDescriptor = hasZip64Extra
	f.HasUnixMeta = hasUnix
	f.Mode = mode
	f.UID = uid
	f.GID = gid

	if hasUnix {
		f.IsDir = mode&sIFMT == sIFDIR
		f.IsSymlink = mode&sIFMT == sIFLNK
	} else {
		f.IsDir = len(name) > 0 && name[len(name)-1] == '/'
	}

	_ = externalAttrs

	return f, recordEnd, nil
}

// buildPartIndex places every file into the part containing its local
// header, and marks, for each part after that, the file (if any)
// continuing into it (spec §3, §4.3). It also sets each file's
// PartIndex, and sorts each part's entries by offset within the part.
func buildPartIndex(files []FileMetadata, partSize int64, archiveSize int64) PartIndex {
	partCount := int((archiveSize + partSize - 1) / partSize)

	parts := make([]PartInfo, partCount)
	for i := range parts {
		parts[i].ContinuingFile = -1
	}

	for i, f := range files {
		startPart := int(f.LocalHeaderOffset / partSize)
		files[i].PartIndex = startPart
		if startPart >= partCount {
			continue
		}

		offsetInPart := f.LocalHeaderOffset - int64(startPart)*partSize
		parts[startPart].Entries = append(parts[startPart].Entries, PartEntry{
			FileIndex:    i,
			OffsetInPart: offsetInPart,
		})

		_, end := f.byteRange()
		endPart := int((end - 1) / partSize)
		for p := startPart + 1; p <= endPart && p < partCount; p++ {
			parts[p].ContinuingFile = i
		}
	}

	for p := range parts {
		entries := parts[p].Entries
		sort.Slice(entries, func(a, b int) bool { return entries[a].OffsetInPart < entries[b].OffsetInPart })
	}

	return PartIndex{PartSize: partSize, Parts: parts}
}
