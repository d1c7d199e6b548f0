// Package errkind implements the BURST error taxonomy.
//
// Every error that crosses a component boundary (frame parsing, central
// directory parsing, part processing, coordination) is either a plain Go
// error from an external package (io, os, net/http) or a [*Error] carrying
// one of the [Kind] values below. CLI exit codes (spec §6) are derived
// from [Kind] at the outermost layer only; library packages never exit.
package errkind

import (
	"errors"
	"fmt"
)

// Kind identifies the category of a BURST error.
type Kind int

const (
	// KindUnknown is the zero value and should never be constructed directly.
	KindUnknown Kind = iota

	// KindInvalidArgs marks a CLI usage error (bad flag value or range).
	KindInvalidArgs
	// KindIO marks a local filesystem I/O failure.
	KindIO
	// KindNetwork marks a transport-level failure talking to the object store.
	KindNetwork
	// KindAuth marks a credentials/authorization failure.
	KindAuth
	// KindHTTPStatus marks a non-2xx response from a range GET.
	KindHTTPStatus
	// KindTimeout marks a request that exceeded its deadline.
	KindTimeout
	// KindFormatNoEOCD marks a missing End-Of-Central-Directory record.
	KindFormatNoEOCD
	// KindFormatTruncated marks an archive whose declared sizes exceed available bytes.
	KindFormatTruncated
	// KindFormatInvalidSignature marks an unrecognized frame or record magic.
	KindFormatInvalidSignature
	// KindFormatZstdMissingContentSize marks a Zstandard frame without Frame_Content_Size.
	KindFormatZstdMissingContentSize
	// KindFormatUnexpectedFrame marks a frame that is not legal in the processor's current state.
	KindFormatUnexpectedFrame
	// KindFormatUnexpectedEOF marks a part that ended mid-frame.
	KindFormatUnexpectedEOF
	// KindZip64Unsupported marks a ZIP64 construct BURST's policy does not implement.
	KindZip64Unsupported
	// KindSinkWriteFailed marks a failure from the [EncodedWriteSink] boundary.
	KindSinkWriteFailed
	// KindOutOfMemory marks an allocation failure while growing a staging buffer.
	KindOutOfMemory
	// KindCanceled marks a request canceled by the coordinator's fail-fast latch.
	KindCanceled
)

// String renders the Kind's taxonomy name from spec §7.
func (k Kind) String() string {
	switch k {
	case KindInvalidArgs:
		return "InvalidArgs"
	case KindIO:
		return "Io"
	case KindNetwork:
		return "Network"
	case KindAuth:
		return "Auth"
	case KindHTTPStatus:
		return "HttpStatus"
	case KindTimeout:
		return "Timeout"
	case KindFormatNoEOCD:
		return "FormatNoEocd"
	case KindFormatTruncated:
		return "FormatTruncated"
	case KindFormatInvalidSignature:
		return "FormatInvalidSignature"
	case KindFormatZstdMissingContentSize:
		return "FormatZstdMissingContentSize"
	case KindFormatUnexpectedFrame:
		return "FormatUnexpectedFrame"
	case KindFormatUnexpectedEOF:
		return "FormatUnexpectedEof"
	case KindZip64Unsupported:
		return "Zip64Unsupported"
	case KindSinkWriteFailed:
		return "SinkWriteFailed"
	case KindOutOfMemory:
		return "OutOfMemory"
	case KindCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

// ExitCode maps Kind to the process exit code from spec §6.
func (k Kind) ExitCode() int {
	switch k {
	case KindInvalidArgs:
		return 1
	case KindNetwork, KindAuth, KindHTTPStatus, KindTimeout:
		return 2
	case KindFormatNoEOCD, KindFormatTruncated, KindFormatInvalidSignature,
		KindFormatZstdMissingContentSize, KindFormatUnexpectedFrame,
		KindFormatUnexpectedEOF, KindZip64Unsupported:
		return 3
	default:
		return 2
	}
}

// Error is a structured BURST error: a [Kind], a human message, and
// (when the failure occurred while processing a specific part) the part
// index and the absolute archive byte offset where parsing stopped.
type Error struct {
	Kind Kind
	Msg  string

	// PartIndex is the part being processed when the error occurred, or -1.
	PartIndex int
	// Offset is the absolute archive byte offset where parsing stopped, or -1.
	Offset int64

	// Err is the underlying cause, if any.
	Err error
}

// New returns a [*Error] with no part/offset context.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, PartIndex: -1, Offset: -1}
}

// Wrap returns a [*Error] wrapping an underlying error.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, PartIndex: -1, Offset: -1, Err: err}
}

// WithPart returns a copy of e annotated with a part index and byte offset.
func (e *Error) WithPart(partIndex int, offset int64) *Error {
	cp := *e
	cp.PartIndex = partIndex
	cp.Offset = offset

	return &cp
}

// Error implements the error interface, rendering the single user-visible
// line described in spec §7: kind, message, and (if known) part/offset.
func (e *Error) Error() string {
	if e.PartIndex >= 0 {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s (part %d, offset %d): %v", e.Kind, e.Msg, e.PartIndex, e.Offset, e.Err)
		}

		return fmt.Sprintf("%s: %s (part %d, offset %d)", e.Kind, e.Msg, e.PartIndex, e.Offset)
	}

	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap returns the underlying cause, if any, for [errors.As]/[errors.Is].
func (e *Error) Unwrap() error {
	return e.Err
}

// As reports whether err (or any error it wraps) is a [*Error] and, if so,
// returns it.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}

	return nil, false
}
