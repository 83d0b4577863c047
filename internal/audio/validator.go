// Package audio inspects input files and produces the immutable metadata
// every downstream stage consumes.
package audio

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/scribeflow/scribeflow/internal/errs"
)

// Metadata describes a validated audio file. Created once by Validate and
// never mutated afterwards.
type Metadata struct {
	DurationSec float64
	SampleRate  int
	Channels    int
	Format      string
	SizeBytes   int64
	Valid       bool
	Detail      string
}

// SoftSizeLimitBytes is the size above which a warning is surfaced: large
// files have to be chunked for remote backends. Not a hard failure.
const SoftSizeLimitBytes = 25 * 1024 * 1024

var supportedFormats = map[string]bool{
	"wav": true, "mp3": true, "flac": true, "ogg": true,
	"m4a": true, "mp4": true, "webm": true, "aac": true,
	"mov,mp4,m4a,3gp,3g2,mj2": true,
	"matroska,webm":           true,
}

type probeOut struct {
	Streams []struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		SampleRate string `json:"sample_rate"`
		Channels   int    `json:"channels"`
	} `json:"streams"`
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
}

// Validate stats and probes path. Returns Metadata on success or a typed
// *errs.ValidationError. A large-but-fine file is not an error; the caller
// reads the size and warns.
func Validate(ctx context.Context, path string) (Metadata, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Metadata{}, &errs.ValidationError{Kind: errs.NotFound, Path: path, Detail: "file does not exist"}
		}
		return Metadata{}, &errs.ValidationError{Kind: errs.Unreadable, Path: path, Detail: err.Error()}
	}
	if fi.IsDir() {
		return Metadata{}, &errs.ValidationError{Kind: errs.Unreadable, Path: path, Detail: "is a directory"}
	}
	if fi.Size() == 0 {
		return Metadata{}, &errs.ValidationError{Kind: errs.Unreadable, Path: path, Detail: "file is empty"}
	}

	probed, err := probe(ctx, path)
	if err != nil {
		return Metadata{}, &errs.ValidationError{Kind: errs.UnsupportedFormat, Path: path, Detail: err.Error()}
	}

	md := Metadata{
		Format:    probed.Format.FormatName,
		SizeBytes: fi.Size(),
	}
	md.DurationSec, _ = strconv.ParseFloat(probed.Format.Duration, 64)

	foundAudio := false
	for _, s := range probed.Streams {
		if s.CodecType != "audio" {
			continue
		}
		foundAudio = true
		md.SampleRate, _ = strconv.Atoi(s.SampleRate)
		md.Channels = s.Channels
		break
	}
	if !foundAudio {
		return Metadata{}, &errs.ValidationError{Kind: errs.UnsupportedFormat, Path: path, Detail: "no audio stream"}
	}
	if !formatSupported(md.Format) {
		return Metadata{}, &errs.ValidationError{
			Kind: errs.UnsupportedFormat, Path: path,
			Detail: fmt.Sprintf("container %q not supported", md.Format),
		}
	}
	if md.DurationSec <= 0 {
		return Metadata{}, &errs.ValidationError{Kind: errs.Unreadable, Path: path, Detail: "zero or unknown duration"}
	}

	md.Valid = true
	return md, nil
}

// ExceedsSoftLimit reports whether the file is large enough to warrant a
// warning about remote payload ceilings.
func (m Metadata) ExceedsSoftLimit() bool {
	return m.SizeBytes > SoftSizeLimitBytes
}

func formatSupported(name string) bool {
	if supportedFormats[name] {
		return true
	}
	// ffprobe reports demuxer aliases like "mov,mp4,m4a,3gp,3g2,mj2"
	for _, part := range strings.Split(name, ",") {
		if supportedFormats[part] {
			return true
		}
	}
	return false
}

func probe(ctx context.Context, path string) (*probeOut, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_format", "-show_streams",
		"-of", "json",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("ffprobe: %s", strings.TrimSpace(string(ee.Stderr)))
		}
		return nil, fmt.Errorf("ffprobe: %w", err)
	}
	var parsed probeOut
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}
	return &parsed, nil
}
