// Package part implements the PartProcessor state machine (spec §4.3):
// a stateful consumer of one part's byte stream that opens output files,
// decodes frame-level elements via [frameformat.ParseNext], and writes
// decoded content through an [EncodedWriteSink].
//
// The cursor-advanced-by-sequential-calls shape is grounded on the
// teacher's zipDiskStreamFileHandle (a single mutable struct advanced by
// repeated Read calls rather than a channel or generator).
package part

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mbaynton/burst/internal/archive"
	"github.com/mbaynton/burst/internal/errkind"
	"github.com/mbaynton/burst/internal/frameformat"
)

// baseAlignment is the base alignment A from spec §4.4/§4.3: a
// mid-part Start-of-Part frame is only legal at a multiple of this.
const baseAlignment = 8 * 1024 * 1024

const outputFileMode = 0o644

// EncodedWriteSink decodes a raw Zstandard frame and writes its decoded
// content at fileOffset (spec §6).
type EncodedWriteSink interface {
	Write(fd *os.File, frame []byte, uncompressedLen int64, fileOffset int64) error
}

type state int

const (
	stateInit state = iota
	stateContinuingFile
	stateExpectLocalHeader
	stateProcessingFrames
	stateReadingSymlink
	stateDone
	stateError
)

// openFile tracks the output file currently being written by this
// processor (or, for directories, just the path that was mkdir -p'd).
type openFile struct {
	fileIndex int
	path      string

	f *os.File

	isDir     bool
	isSymlink bool

	uncompressedOffset int64
	symlinkAccum       []byte
}

// Processor consumes the byte stream of exactly one part, per spec §4.3.
// It is not safe for concurrent use; each part is owned by one caller.
type Processor struct {
	dir       *archive.Directory
	partIndex int
	outputDir string
	sink      EncodedWriteSink

	state   state
	staging []byte

	entries   []archive.PartEntry
	nextEntry int

	cur *openFile

	// consumedOffset is the absolute archive byte offset of the next
	// byte this processor has not yet consumed; used for Start-of-Part
	// alignment checks and for annotating errors with a byte offset.
	consumedOffset int64

	err *errkind.Error
}

// NewProcessor returns a [Processor] for partIndex, ready to receive its
// byte stream via [Processor.ProcessData].
func NewProcessor(dir *archive.Directory, partIndex int, outputDir string, sink EncodedWriteSink) *Processor {
	info := dir.PartIndex.Parts[partIndex]

	entries := make([]archive.PartEntry, len(info.Entries))
	copy(entries, info.Entries)
	sort.Slice(entries, func(i, j int) bool { return entries[i].OffsetInPart < entries[j].OffsetInPart })

	p := &Processor{
		dir:            dir,
		partIndex:      partIndex,
		outputDir:      outputDir,
		sink:           sink,
		entries:        entries,
		consumedOffset: int64(partIndex) * dir.PartIndex.PartSize,
	}

	if info.ContinuingFile >= 0 {
		p.state = stateContinuingFile
	} else {
		p.state = stateExpectLocalHeader
	}

	return p
}

// Err returns the error stored by a prior failure, or nil.
func (p *Processor) Err() error {
	if p.err == nil {
		return nil
	}

	return p.err
}

// ProcessData feeds chunk (the next bytes of this part's stream) to the
// processor. It may be called repeatedly with chunks of any size,
// including single bytes.
func (p *Processor) ProcessData(chunk []byte) error {
	if p.state == stateError {
		return p.err
	}
	if p.state == stateDone {
		// The central directory sentinel has ended this part's body; the
		// bytes that follow it (the central directory itself) are ignored.
		return nil
	}

	var buf []byte
	if len(p.staging) > 0 {
		buf = append(p.staging, chunk...)
		p.staging = nil
	} else {
		buf = chunk
	}

	pos := 0
	for pos < len(buf) {
		if p.state == stateReadingSymlink {
			pos += p.feedSymlink(buf[pos:])

			if p.state == stateError {
				return p.err
			}

			if p.state == stateReadingSymlink {
				break // consumed everything available; still need more
			}

			continue
		}

		frameStart := p.consumedOffset

		frame, err := frameformat.ParseNext(buf[pos:], p.currentZip64DataDescriptor())
		if err != nil {
			if errors.Is(err, frameformat.ErrNeedMoreData) {
				p.staging = append([]byte(nil), buf[pos:]...)

				return nil
			}

			return p.fail(err)
		}

		frameBytes := buf[pos : pos+int(frame.TotalSize)]

		if err := p.handleFrame(frame, frameBytes, frameStart); err != nil {
			return p.fail(err)
		}

		pos += int(frame.TotalSize)
		p.consumedOffset += frame.TotalSize

		if p.state == stateDone {
			break
		}
	}

	return nil
}

// feedSymlink copies up to the remaining expected bytes from data into
// the current file's symlink-target accumulator, finishing the symlink
// once the full target has arrived. It returns the number of bytes
// consumed from data.
func (p *Processor) feedSymlink(data []byte) int {
	remaining := int64(len(p.cur.symlinkAccum))
	meta := p.dir.Files[p.cur.fileIndex]
	need := meta.UncompressedSize - remaining

	take := int64(len(data))
	if take > need {
		take = need
	}

	p.cur.symlinkAccum = append(p.cur.symlinkAccum, data[:take]...)
	p.consumedOffset += take

	if int64(len(p.cur.symlinkAccum)) >= meta.UncompressedSize {
		if err := p.finishSymlink(); err != nil {
			_ = p.fail(err)

			return int(take)
		}

		p.state = stateExpectLocalHeader
	}

	return int(take)
}

// currentZip64DataDescriptor reports whether the file currently open
// under this processor uses a 24-byte (ZIP64) data descriptor.
func (p *Processor) currentZip64DataDescriptor() bool {
	if p.cur == nil {
		return false
	}

	return p.dir.Files[p.cur.fileIndex].ZIP64DataDescriptor
}

func (p *Processor) handleFrame(frame frameformat.Frame, frameBytes []byte, frameStart int64) error {
	switch p.state {
	case stateContinuingFile:
		return p.handleContinuingFile(frame)
	case stateExpectLocalHeader:
		return p.handleExpectLocalHeader(frame)
	case stateProcessingFrames:
		return p.handleProcessingFrames(frame, frameBytes, frameStart)
	default:
		return errkind.New(errkind.KindFormatUnexpectedFrame,
			fmt.Sprintf("frame kind %d encountered in unexpected processor state", frame.Kind))
	}
}

func (p *Processor) handleContinuingFile(frame frameformat.Frame) error {
	if frame.Kind != frameformat.KindBurstStartOfPart {
		return errkind.New(errkind.KindFormatUnexpectedFrame,
			"expected Start-of-Part as the first frame of a continuing part")
	}

	fileIndex := p.dir.PartIndex.Parts[p.partIndex].ContinuingFile

	of, err := p.openFileForEntry(fileIndex)
	if err != nil {
		return err
	}

	of.uncompressedOffset = frame.UncompressedOffset
	p.cur = of
	p.state = stateProcessingFrames

	return nil
}

func (p *Processor) handleExpectLocalHeader(frame frameformat.Frame) error {
	switch frame.Kind {
	case frameformat.KindBurstPadding:
		return nil
	case frameformat.KindZipLocalHeader:
		return p.openNextEntry()
	case frameformat.KindCentralDirectorySentinel:
		// No file is open here (ExpectLocalHeader only follows a closed
		// or not-yet-opened file), so there is nothing to finalize.
		p.state = stateDone

		return nil
	default:
		return errkind.New(errkind.KindFormatUnexpectedFrame,
			fmt.Sprintf("unexpected frame kind %d while expecting a local header", frame.Kind))
	}
}

func (p *Processor) handleProcessingFrames(frame frameformat.Frame, frameBytes []byte, frameStart int64) error {
	switch frame.Kind {
	case frameformat.KindZstdCompressed:
		if p.cur == nil || p.cur.f == nil {
			return errkind.New(errkind.KindFormatUnexpectedFrame, "zstd frame with no open file")
		}

		if err := p.sink.Write(p.cur.f, frameBytes, frame.UncompressedSize, p.cur.uncompressedOffset); err != nil {
			return err
		}

		p.cur.uncompressedOffset += frame.UncompressedSize

		return nil

	case frameformat.KindBurstPadding:
		return nil

	case frameformat.KindBurstStartOfPart:
		if frameStart%baseAlignment != 0 {
			return errkind.New(errkind.KindFormatUnexpectedFrame,
				"mid-part Start-of-Part frame not at a base alignment boundary")
		}
		if p.cur == nil {
			return errkind.New(errkind.KindFormatUnexpectedFrame, "Start-of-Part with no open file")
		}

		p.cur.uncompressedOffset = frame.UncompressedOffset

		return nil

	case frameformat.KindZipDataDescriptor:
		if err := p.closeCurrentFile(); err != nil {
			return err
		}

		p.state = stateExpectLocalHeader

		return nil

	case frameformat.KindZipLocalHeader:
		if err := p.closeCurrentFile(); err != nil {
			return err
		}

		p.state = stateExpectLocalHeader

		return p.openNextEntry()

	case frameformat.KindCentralDirectorySentinel:
		if p.cur != nil {
			if err := p.closeCurrentFile(); err != nil {
				return err
			}
		}

		p.state = stateDone

		return nil

	default:
		return errkind.New(errkind.KindFormatUnexpectedFrame,
			fmt.Sprintf("unexpected frame kind %d while processing frames", frame.Kind))
	}
}

// openNextEntry opens the output file for the next PartEntry in offset
// order, per spec §4.3's ExpectLocalHeader transition.
func (p *Processor) openNextEntry() error {
	if p.nextEntry >= len(p.entries) {
		return errkind.New(errkind.KindFormatUnexpectedFrame, "local header with no corresponding central directory entry")
	}

	entry := p.entries[p.nextEntry]
	p.nextEntry++

	of, err := p.openFileForEntry(entry.FileIndex)
	if err != nil {
		return err
	}

	p.cur = of

	meta := p.dir.Files[entry.FileIndex]
	if meta.IsSymlink {
		p.state = stateReadingSymlink
	} else {
		p.state = stateProcessingFrames
	}

	return nil
}

func (p *Processor) openFileForEntry(fileIndex int) (*openFile, error) {
	meta := p.dir.Files[fileIndex]

	path, err := p.resolvePath(meta.Name)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindIO, err, "resolving archive entry path")
	}

	if meta.IsDir {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, errkind.Wrap(errkind.KindIO, err, "creating directory")
		}

		return &openFile{fileIndex: fileIndex, path: path, isDir: true}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errkind.Wrap(errkind.KindIO, err, "creating parent directory")
	}

	if meta.IsSymlink {
		return &openFile{
			fileIndex:    fileIndex,
			path:         path,
			isSymlink:    true,
			symlinkAccum: make([]byte, 0, meta.UncompressedSize),
		}, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, outputFileMode)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindIO, err, "opening output file")
	}

	return &openFile{fileIndex: fileIndex, path: path, f: f}, nil
}

// resolvePath joins name onto the output directory, rejecting any entry
// that would escape it (zip-slip).
func (p *Processor) resolvePath(name string) (string, error) {
	clean := filepath.Clean(name)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("archive entry %q escapes output directory", name)
	}

	return filepath.Join(p.outputDir, clean), nil
}

// closeCurrentFile finalizes the currently open file: truncating to its
// declared size, applying Unix mode/ownership, and closing the fd.
// Permissions are applied at close; ownership is attempted and silently
// skipped on failure (spec §4.3).
func (p *Processor) closeCurrentFile() error {
	of := p.cur
	if of == nil {
		return nil
	}

	defer func() { p.cur = nil }()

	if of.isDir {
		return nil
	}

	if of.isSymlink {
		return p.finishSymlink()
	}

	meta := p.dir.Files[of.fileIndex]

	if err := of.f.Truncate(meta.UncompressedSize); err != nil {
		_ = of.f.Close()

		return errkind.Wrap(errkind.KindIO, err, "truncating output file")
	}

	if meta.HasUnixMeta {
		_ = of.f.Chmod(os.FileMode(meta.Mode & 0o7777))
		_ = of.f.Chown(int(meta.UID), int(meta.GID))
	}

	if err := of.f.Close(); err != nil {
		return errkind.Wrap(errkind.KindIO, err, "closing output file")
	}

	return nil
}

// finishSymlink atomically replaces any existing inode at of.path with a
// symlink pointing at the accumulated target (spec §4.3).
func (p *Processor) finishSymlink() error {
	of := p.cur
	target := string(of.symlinkAccum)

	tmp := of.path + ".burst-tmp"
	_ = os.Remove(tmp)

	if err := os.Symlink(target, tmp); err != nil {
		return errkind.Wrap(errkind.KindIO, err, "creating symlink")
	}

	if err := os.Rename(tmp, of.path); err != nil {
		return errkind.Wrap(errkind.KindIO, err, "installing symlink")
	}

	p.cur = nil

	return nil
}

// Finalize closes any still-open file and reports an error if the part
// ended mid-frame (spec §4.3).
func (p *Processor) Finalize() error {
	if p.state == stateError {
		return p.err
	}

	if p.cur != nil {
		if err := p.closeCurrentFile(); err != nil {
			return p.fail(err)
		}
	}

	if len(p.staging) > 0 {
		return p.fail(errkind.New(errkind.KindFormatUnexpectedEOF, "part ended mid-frame"))
	}

	p.state = stateDone

	return nil
}

// fail transitions the processor to its terminal Error state, storing
// err (annotated with this part's index and the offset parsing stopped
// at) for all subsequent calls to return.
func (p *Processor) fail(err error) error {
	kerr, ok := errkind.As(err)
	if !ok {
		kerr = errkind.Wrap(errkind.KindIO, err, "part processing failed")
	}

	annotated := kerr.WithPart(p.partIndex, p.consumedOffset)
	p.err = annotated
	p.state = stateError

	return annotated
}
