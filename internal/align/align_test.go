package align

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Expectation: a frame landing exactly on the boundary mid-file emits a
// trailing Start-of-Part and no padding.
func Test_Plan_ExactFit_MidFile(t *testing.T) {
	e := NewEngine(100)
	plan := e.Plan(80, 20, 0, true, 4096)

	require.Empty(t, plan.Pre)
	require.NotEmpty(t, plan.Post)
	require.Equal(t, skippableMagic, le32(plan.Post[0:4]))
}

// Expectation: a frame landing exactly on the boundary at file end emits nothing extra.
func Test_Plan_ExactFit_FileEnd(t *testing.T) {
	e := NewEngine(100)
	plan := e.Plan(84, 16, 0, false, 0)

	require.Empty(t, plan.Pre)
	require.Empty(t, plan.Post)
}

// Expectation: ample remaining room defers the decision; no padding emitted.
func Test_Plan_AmpleRoom_NoPadding(t *testing.T) {
	e := NewEngine(100)
	plan := e.Plan(50, 10, 0, false, 0)

	require.Empty(t, plan.Pre)
	require.Empty(t, plan.Post)
}

// Expectation: insufficient leftover room (less than 8 bytes after the
// frame) pads fully to the boundary and emits Start-of-Part before the
// (deferred) frame when mid-file.
func Test_Plan_InsufficientRoom_PadsToBoundary(t *testing.T) {
	e := NewEngine(100)
	// offset=80, frame=15 -> would end at 95, boundary=100, leftover=5 (<8).
	plan := e.Plan(80, 15, 0, true, 777)

	require.NotEmpty(t, plan.Pre)
	require.Equal(t, skippableMagic, le32(plan.Pre[0:4]))

	payloadLen := le32(plan.Pre[4:8])
	require.Equal(t, uint32(20-8), payloadLen) // space=20, padding payload = space-8

	// Start-of-Part should immediately follow the padding frame.
	startOfPart := plan.Pre[8+int(payloadLen):]
	require.Equal(t, skippableMagic, le32(startOfPart[0:4]))
	require.Equal(t, startOfPartTypeByte, startOfPart[8])
}

// Expectation: a frame that doesn't fit before the boundary at all is
// deferred past a full padding frame.
func Test_Plan_FrameDoesNotFit(t *testing.T) {
	e := NewEngine(100)
	// offset=80, frame=30 -> required exceeds space=20 entirely.
	plan := e.Plan(80, 30, 0, false, 0)

	require.NotEmpty(t, plan.Pre)
	require.Equal(t, skippableMagic, le32(plan.Pre[0:4]))
}

// Expectation: a descriptor that will follow the frame counts toward required space.
func Test_Plan_DescriptorCountsTowardRequired(t *testing.T) {
	e := NewEngine(100)
	// offset=70, frame=14, descriptor=16 -> required=30, space=30: exact fit.
	plan := e.Plan(70, 14, 16, false, 0)

	require.Empty(t, plan.Pre)
	require.Empty(t, plan.Post)
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
