package transcribe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanChunksUnderCeilingSinglePiece(t *testing.T) {
	plans := planChunks(10*1024*1024, 600, MaxRemotePayloadBytes)
	require.Len(t, plans, 1)
	assert.Equal(t, 0.0, plans[0].OffsetSec)
	assert.Equal(t, 600.0, plans[0].LengthSec)
}

func TestPlanChunksOversizedSplitsContiguously(t *testing.T) {
	// 30MB file against a 25MB ceiling must split into at least 2 pieces
	const size = 30 * 1024 * 1024
	const duration = 300.0

	plans := planChunks(size, duration, MaxRemotePayloadBytes)
	require.GreaterOrEqual(t, len(plans), 2)

	// contiguous cover of [0, duration], monotonically increasing
	assert.Equal(t, 0.0, plans[0].OffsetSec)
	for i := 1; i < len(plans); i++ {
		assert.InDelta(t, plans[i-1].OffsetSec+plans[i-1].LengthSec, plans[i].OffsetSec, 1e-9)
		assert.Greater(t, plans[i].OffsetSec, plans[i-1].OffsetSec)
	}
	last := plans[len(plans)-1]
	assert.InDelta(t, duration, last.OffsetSec+last.LengthSec, 1e-9)

	// every chunk stays under the ceiling at the file's byte rate
	bytesPerSec := float64(size) / duration
	for _, p := range plans {
		assert.LessOrEqual(t, p.LengthSec*bytesPerSec, float64(MaxRemotePayloadBytes))
	}
}

func TestStitchSegmentsOffsetsTimeline(t *testing.T) {
	chunk := []Segment{
		{Start: 0, End: 5, Text: "a"},
		{Start: 5, End: 9, Text: "b"},
	}

	stitched := stitchSegments(chunk, 120)
	require.Len(t, stitched, 2)
	assert.Equal(t, 120.0, stitched[0].Start)
	assert.Equal(t, 125.0, stitched[0].End)
	assert.Equal(t, 129.0, stitched[1].End)
	// input untouched
	assert.Equal(t, 0.0, chunk[0].Start)
}

func TestStitchedTimelineMonotonicAcrossChunks(t *testing.T) {
	plans := planChunks(30*1024*1024, 300, MaxRemotePayloadBytes)
	var all []Segment
	for _, p := range plans {
		// each chunk "produces" one segment spanning itself
		all = append(all, stitchSegments([]Segment{{Start: 0, End: p.LengthSec, Text: "x"}}, p.OffsetSec)...)
	}
	for i := 1; i < len(all); i++ {
		assert.GreaterOrEqual(t, all[i].Start, all[i-1].Start)
		assert.InDelta(t, all[i-1].End, all[i].Start, 1e-9, "chunks must be continuous on the original timeline")
	}
}
