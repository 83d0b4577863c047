package transcribe

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// chunkPlan describes one slice of the original audio to be transcribed
// independently and stitched back by offset.
type chunkPlan struct {
	Index     int
	OffsetSec float64
	LengthSec float64
}

// derateFactor keeps cut chunks safely under the declared ceiling; container
// overhead and bitrate variance make an exact cut risky.
const derateFactor = 0.95

// planChunks splits [0, durationSec) into contiguous pieces that each fit
// under maxPayloadBytes, using the file's average byte rate. A file already
// under the ceiling yields a single full-length chunk.
func planChunks(sizeBytes int64, durationSec float64, maxPayloadBytes int64) []chunkPlan {
	if sizeBytes <= maxPayloadBytes || durationSec <= 0 {
		return []chunkPlan{{Index: 0, OffsetSec: 0, LengthSec: durationSec}}
	}
	bytesPerSec := float64(sizeBytes) / durationSec
	chunkSec := float64(maxPayloadBytes) * derateFactor / bytesPerSec
	if chunkSec <= 0 {
		chunkSec = 1
	}

	var plans []chunkPlan
	offset := 0.0
	for i := 0; offset < durationSec; i++ {
		length := chunkSec
		if offset+length > durationSec {
			length = durationSec - offset
		}
		plans = append(plans, chunkPlan{Index: i, OffsetSec: offset, LengthSec: length})
		offset += length
	}
	return plans
}

// cutChunk extracts one chunk with ffmpeg. Stream copy keeps cutting cheap;
// the input is already in the normalized working format.
func cutChunk(ctx context.Context, audioPath, scratchDir string, plan chunkPlan) (string, error) {
	ext := filepath.Ext(audioPath)
	base := strings.TrimSuffix(filepath.Base(audioPath), ext)
	out := filepath.Join(scratchDir, fmt.Sprintf("%s_chunk%03d%s", base, plan.Index, ext))

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-y",
		"-ss", strconv.FormatFloat(plan.OffsetSec, 'f', 3, 64),
		"-t", strconv.FormatFloat(plan.LengthSec, 'f', 3, 64),
		"-i", audioPath,
		"-c", "copy",
		out,
	)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("cut chunk %d: %w: %s", plan.Index, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// stitchSegments shifts a chunk's segments onto the original timeline.
func stitchSegments(chunkSegments []Segment, offsetSec float64) []Segment {
	out := make([]Segment, 0, len(chunkSegments))
	for _, s := range chunkSegments {
		s.Start += offsetSec
		s.End += offsetSec
		out = append(out, s)
	}
	return out
}
