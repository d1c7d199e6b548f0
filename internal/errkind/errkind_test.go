package errkind

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// Expectation: New should produce an error with no part context.
func Test_New_Success(t *testing.T) {
	err := New(KindFormatNoEOCD, "missing EOCD")

	require.Equal(t, "FormatNoEocd: missing EOCD", err.Error())
	require.Equal(t, -1, err.PartIndex)
}

// Expectation: WithPart should annotate the error without mutating the original.
func Test_WithPart_Success(t *testing.T) {
	base := New(KindFormatUnexpectedEOF, "truncated part")
	annotated := base.WithPart(3, 1024)

	require.Equal(t, -1, base.PartIndex)
	require.Equal(t, 3, annotated.PartIndex)
	require.Equal(t, int64(1024), annotated.Offset)
	require.Contains(t, annotated.Error(), "part 3, offset 1024")
}

// Expectation: Wrap should preserve the underlying cause for errors.Is/As.
func Test_Wrap_Success(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(KindNetwork, cause, "range GET failed")

	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "connection reset")
}

// Expectation: As should extract a *Error from a wrapped error chain.
func Test_As_Success(t *testing.T) {
	inner := New(KindTimeout, "deadline exceeded")
	wrapped := errors.Join(errors.New("context"), inner)

	got, ok := As(wrapped)
	require.True(t, ok)
	require.Equal(t, KindTimeout, got.Kind)
}

// Expectation: ExitCode should map taxonomy kinds to spec exit codes.
func Test_ExitCode_Mapping(t *testing.T) {
	require.Equal(t, 1, KindInvalidArgs.ExitCode())
	require.Equal(t, 2, KindNetwork.ExitCode())
	require.Equal(t, 2, KindAuth.ExitCode())
	require.Equal(t, 3, KindFormatTruncated.ExitCode())
	require.Equal(t, 3, KindZip64Unsupported.ExitCode())
}
