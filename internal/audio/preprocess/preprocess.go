// Package preprocess normalizes raw audio to the shape the transcription
// and diarization backends expect: mono, target rate, target container.
package preprocess

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/scribeflow/scribeflow/pkg/Logger"
)

// Format enumerates the output containers we produce.
type Format string

const (
	FormatWAV Format = "wav"
	FormatMP3 Format = "mp3"
)

// Options controls a single preprocessing pass.
type Options struct {
	TrimSilence       bool
	NormalizeLoudness bool
	TargetSampleRate  int
	TargetChannels    int
	TargetFormat      Format
}

// Defaults fills unset fields. Mono 16k WAV is what every backend here eats.
func (o Options) withDefaults() Options {
	if o.TargetSampleRate == 0 {
		o.TargetSampleRate = 16000
	}
	if o.TargetChannels == 0 {
		o.TargetChannels = 1
	}
	if o.TargetFormat == "" {
		o.TargetFormat = FormatWAV
	}
	return o
}

// Preprocessor converts audio into the normalized working copy. Both
// implementations share identical semantics; only the execution substrate
// differs.
type Preprocessor interface {
	Preprocess(ctx context.Context, inPath string, opts Options) (string, error)
	ID() string
}

// Silence trimming removes only leading/trailing quiet. Interior silence
// must survive or downstream timestamps no longer line up with the speaker
// turns.
const (
	silenceThresholdDB = -40.0
	minSilenceDuration = 0.3 // seconds
	loudnessTargetLUFS = -16.0
	loudnessTruePeakDB = -1.5 // headroom against clipping
)

// buildFilterChain assembles the ffmpeg -af graph shared by both paths.
func buildFilterChain(opts Options) string {
	var filters []string
	if opts.TrimSilence {
		// trailing quiet is trimmed by reversing and trimming the lead
		// again; stop_periods semantics vary across ffmpeg builds and can
		// consume interior pauses
		lead := fmt.Sprintf(
			"silenceremove=start_periods=1:start_duration=%g:start_threshold=%gdB",
			minSilenceDuration, silenceThresholdDB,
		)
		filters = append(filters, lead, "areverse", lead, "areverse")
	}
	if opts.NormalizeLoudness {
		filters = append(filters, fmt.Sprintf("loudnorm=I=%g:TP=%g:LRA=11", loudnessTargetLUFS, loudnessTruePeakDB))
	}
	return strings.Join(filters, ",")
}

func outputPath(inPath, scratchDir, suffix string, format Format) string {
	base := strings.TrimSuffix(filepath.Base(inPath), filepath.Ext(inPath))
	return filepath.Join(scratchDir, base+suffix+"."+string(format))
}

func runFFmpeg(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, lastLine(stderr.String()))
	}
	return nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}

// Reference is the scalar CPU path.
type Reference struct {
	scratchDir string
	logger     *Logger.Logger
}

func NewReference(scratchDir string, logger *Logger.Logger) *Reference {
	if scratchDir == "" {
		scratchDir = os.TempDir()
	}
	return &Reference{scratchDir: scratchDir, logger: logger}
}

func (r *Reference) ID() string { return "preprocess-reference" }

func (r *Reference) Preprocess(ctx context.Context, inPath string, opts Options) (string, error) {
	opts = opts.withDefaults()
	out := outputPath(inPath, r.scratchDir, "_norm", opts.TargetFormat)

	args := []string{"-y", "-i", inPath,
		"-ac", strconv.Itoa(opts.TargetChannels),
		"-ar", strconv.Itoa(opts.TargetSampleRate),
	}
	if chain := buildFilterChain(opts); chain != "" {
		args = append(args, "-af", chain)
	}
	args = append(args, "-f", string(opts.TargetFormat), out)

	if err := runFFmpeg(ctx, args); err != nil {
		return "", err
	}
	r.logger.Debugf("preprocessed %s -> %s", inPath, out)
	return out, nil
}

// Accelerated uses hardware decode when available. The filter graph is the
// same as the reference path so the two outputs stay equivalent.
type Accelerated struct {
	scratchDir string
	hwAccel    string
	logger     *Logger.Logger
}

func NewAccelerated(scratchDir string, logger *Logger.Logger) *Accelerated {
	if scratchDir == "" {
		scratchDir = os.TempDir()
	}
	return &Accelerated{scratchDir: scratchDir, hwAccel: "cuda", logger: logger}
}

func (a *Accelerated) ID() string { return "preprocess-accelerated" }

func (a *Accelerated) Preprocess(ctx context.Context, inPath string, opts Options) (string, error) {
	opts = opts.withDefaults()
	out := outputPath(inPath, a.scratchDir, "_norm", opts.TargetFormat)

	args := []string{"-y", "-hwaccel", a.hwAccel, "-i", inPath,
		"-ac", strconv.Itoa(opts.TargetChannels),
		"-ar", strconv.Itoa(opts.TargetSampleRate),
	}
	if chain := buildFilterChain(opts); chain != "" {
		args = append(args, "-af", chain)
	}
	args = append(args, "-f", string(opts.TargetFormat), out)

	if err := runFFmpeg(ctx, args); err != nil {
		// hwaccel init failures fall back to the scalar path
		a.logger.Warnf("accelerated decode failed, retrying on cpu: %v", err)
		return NewReference(a.scratchDir, a.logger).Preprocess(ctx, inPath, opts)
	}
	a.logger.Debugf("preprocessed (hw) %s -> %s", inPath, out)
	return out, nil
}
