// Package sink implements the EncodedWriteSink contract: decoding a raw
// Zstandard frame's bytes and writing the decoded content at a file's
// uncompressed byte offset. The decoder is klauspost/compress/zstd, the
// same library the teacher used for its own on-demand decompression.
package sink

import (
	"fmt"
	"os"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sys/unix"

	"github.com/mbaynton/burst/internal/errkind"
)

// Sink decodes a Zstandard-framed extent and writes it at a file offset
// via pwrite, so concurrent writers to the same file descriptor from
// different parts never need to coordinate a shared file cursor.
type Sink struct {
	decoder *zstd.Decoder
}

// New returns a [Sink] with a decoder configured for single-threaded,
// low-memory use: BURST already parallelizes across parts, so each
// Sink's decoder only ever decodes one frame at a time.
func New() (*Sink, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderLowmem(true))
	if err != nil {
		return nil, fmt.Errorf("sink: building zstd decoder: %w", err)
	}

	return &Sink{decoder: dec}, nil
}

// Close releases the decoder's resources.
func (s *Sink) Close() {
	s.decoder.Close()
}

// Write decodes frame (a complete Zstandard frame's bytes) and writes
// the decoded content — exactly uncompressedLen bytes — to fd at
// fileOffset. Safe to call concurrently on the same fd from different
// goroutines as long as the [fileOffset, fileOffset+uncompressedLen)
// ranges involved are disjoint.
func (s *Sink) Write(fd *os.File, frame []byte, uncompressedLen int64, fileOffset int64) error {
	decoded, err := s.decoder.DecodeAll(frame, make([]byte, 0, uncompressedLen))
	if err != nil {
		return errkind.Wrap(errkind.KindSinkWriteFailed, err, "decoding zstd frame")
	}

	if int64(len(decoded)) != uncompressedLen {
		return errkind.New(errkind.KindSinkWriteFailed,
			fmt.Sprintf("decoded %d bytes, frame declared %d", len(decoded), uncompressedLen))
	}

	written := 0
	for written < len(decoded) {
		n, err := unix.Pwrite(int(fd.Fd()), decoded[written:], fileOffset+int64(written))
		if err != nil {
			return errkind.Wrap(errkind.KindSinkWriteFailed, err, "pwrite")
		}
		if n == 0 {
			return errkind.New(errkind.KindSinkWriteFailed, "pwrite wrote zero bytes")
		}

		written += n
	}

	return nil
}
