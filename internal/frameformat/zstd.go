package frameformat

import (
	"encoding/binary"

	"github.com/mbaynton/burst/internal/errkind"
)

// fcsFieldSize returns the on-wire size (in bytes) of the Frame_Content_Size
// field for the given flag bits, per RFC 8878 §3.1.1.1.3.
func fcsFieldSize(fcsFlag uint8, singleSegment bool) int {
	switch fcsFlag {
	case 0:
		if singleSegment {
			return 1
		}

		return 0 // content size missing
	case 1:
		return 2
	case 2:
		return 4
	default: // 3
		return 8
	}
}

// dictIDFieldSize returns the on-wire size (in bytes) of the Dictionary_ID
// field for the given flag bits, per RFC 8878 §3.1.1.1.2.
func dictIDFieldSize(didFlag uint8) int {
	switch didFlag {
	case 0:
		return 0
	case 1:
		return 1
	case 2:
		return 2
	default: // 3
		return 4
	}
}

// parseZstdFrame walks a Zstandard frame's header and data blocks to
// determine its total wire size and declared uncompressed content size.
// It requires the entire frame to be present in buf; if the frame's
// blocks extend past len(buf), it returns [ErrNeedMoreData].
func parseZstdFrame(buf []byte) (Frame, error) {
	const magicLen = 4
	if len(buf) < magicLen+1 {
		return Frame{}, ErrNeedMoreData
	}

	pos := magicLen
	fhd := buf[pos]
	pos++

	fcsFlag := fhd >> 6
	singleSegment := fhd&0x20 != 0
	checksumFlag := fhd&0x04 != 0
	dictIDFlag := fhd & 0x03

	if !singleSegment {
		if len(buf) < pos+1 {
			return Frame{}, ErrNeedMoreData
		}
		pos++ // Window_Descriptor
	}

	didSize := dictIDFieldSize(dictIDFlag)
	if len(buf) < pos+didSize {
		return Frame{}, ErrNeedMoreData
	}
	pos += didSize

	fcsSize := fcsFieldSize(fcsFlag, singleSegment)
	if fcsSize == 0 {
		return Frame{}, errkind.New(errkind.KindFormatZstdMissingContentSize,
			"zstd frame is missing Frame_Content_Size")
	}
	if len(buf) < pos+fcsSize {
		return Frame{}, ErrNeedMoreData
	}

	contentSize := readFCS(buf[pos:pos+fcsSize], fcsSize)
	pos += fcsSize

	blocksEnd, err := walkZstdBlocks(buf, pos)
	if err != nil {
		return Frame{}, err
	}
	pos = blocksEnd

	if checksumFlag {
		if len(buf) < pos+4 {
			return Frame{}, ErrNeedMoreData
		}
		pos += 4
	}

	return Frame{
		Kind:             KindZstdCompressed,
		TotalSize:        int64(pos),
		UncompressedSize: int64(contentSize),
	}, nil
}

// readFCS decodes the Frame_Content_Size field, applying the RFC 8878
// offset-by-256 rule used for the 2-byte encoding.
func readFCS(b []byte, size int) uint64 {
	switch size {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b)) + 256
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	default: // 8
		return binary.LittleEndian.Uint64(b)
	}
}

const (
	blockHeaderLen   = 3
	blockTypeRaw     = 0
	blockTypeRLE     = 1
	blockTypeCompr   = 2
	blockTypeReserve = 3
)

// walkZstdBlocks advances past the Data_Block sequence starting at pos,
// returning the offset immediately after the last (End_Mark-carrying) block.
func walkZstdBlocks(buf []byte, pos int) (int, error) {
	for {
		if len(buf) < pos+blockHeaderLen {
			return 0, ErrNeedMoreData
		}

		header := uint32(buf[pos]) | uint32(buf[pos+1])<<8 | uint32(buf[pos+2])<<16
		lastBlock := header&0x1 != 0
		blockType := (header >> 1) & 0x3
		blockSize := int(header >> 3)

		pos += blockHeaderLen

		switch blockType {
		case blockTypeRaw, blockTypeCompr:
			pos += blockSize
		case blockTypeRLE:
			pos++ // one byte of repeated-byte payload
		case blockTypeReserve:
			return 0, errkind.New(errkind.KindFormatUnexpectedFrame, "zstd block has reserved block type")
		}

		if len(buf) < pos {
			return 0, ErrNeedMoreData
		}

		if lastBlock {
			return pos, nil
		}
	}
}
