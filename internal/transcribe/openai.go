package transcribe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/scribeflow/scribeflow/internal/audio"
	"github.com/scribeflow/scribeflow/internal/errs"
	"github.com/scribeflow/scribeflow/internal/retryx"
	"github.com/scribeflow/scribeflow/pkg/Logger"
)

const openAIBackendID = "transcribe-openai"

// MaxRemotePayloadBytes is the hard payload ceiling the transcription API
// declares. Larger inputs get chunked and stitched.
const MaxRemotePayloadBytes = 25 * 1024 * 1024

const remoteCallTimeout = 5 * time.Minute

// OpenAIBackend transcribes through the managed whisper API. Oversized
// inputs are cut into chunks whose timestamps are offset back onto the
// original timeline.
type OpenAIBackend struct {
	client     openai.Client
	model      string
	retrier    *retryx.Controller
	scratchDir string
	logger     *Logger.Logger
}

func NewOpenAIBackend(apiKey, model, scratchDir string, retrier *retryx.Controller, logger *Logger.Logger) *OpenAIBackend {
	if model == "" {
		model = string(openai.AudioModelWhisper1)
	}
	if scratchDir == "" {
		scratchDir = os.TempDir()
	}
	return &OpenAIBackend{
		client:     openai.NewClient(option.WithAPIKey(apiKey)),
		model:      model,
		retrier:    retrier,
		scratchDir: scratchDir,
		logger:     logger,
	}
}

func (o *OpenAIBackend) ID() string { return openAIBackendID }

// verboseResponse is the verbose_json shape; the typed client response only
// carries text, so we decode the body ourselves.
type verboseResponse struct {
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Text     string  `json:"text"`
	Segments []struct {
		Start      float64 `json:"start"`
		End        float64 `json:"end"`
		Text       string  `json:"text"`
		AvgLogprob float64 `json:"avg_logprob"`
	} `json:"segments"`
}

func (o *OpenAIBackend) Transcribe(ctx context.Context, audioPath, languageHint string) (Result, error) {
	fi, err := os.Stat(audioPath)
	if err != nil {
		return Result{}, fmt.Errorf("stat audio: %w", err)
	}

	// Probing already happened upstream; duration comes back from the API
	// per chunk, so the plan only needs size. Single-chunk is the common
	// case.
	duration, err := audio.DurationSec(ctx, audioPath)
	if err != nil {
		return Result{}, err
	}
	plans := planChunks(fi.Size(), duration, MaxRemotePayloadBytes)
	if len(plans) > 1 {
		o.logger.Infof("audio exceeds %dMB payload ceiling, splitting into %d chunks",
			MaxRemotePayloadBytes/(1024*1024), len(plans))
	}

	var all []Segment
	var language string
	for _, plan := range plans {
		chunkPath := audioPath
		if len(plans) > 1 {
			chunkPath, err = cutChunk(ctx, audioPath, o.scratchDir, plan)
			if err != nil {
				return Result{}, err
			}
			defer os.Remove(chunkPath)
		}

		var resp verboseResponse
		callErr := o.retrier.Do(ctx, "transcribe", func(ctx context.Context) error {
			return o.transcribeOnce(ctx, chunkPath, languageHint, &resp)
		})
		if callErr != nil {
			return Result{}, callErr
		}
		if language == "" {
			language = resp.Language
		}

		segs := make([]Segment, 0, len(resp.Segments))
		for _, s := range resp.Segments {
			segs = append(segs, Segment{Start: s.Start, End: s.End, Text: s.Text, Confidence: s.AvgLogprob})
		}
		if len(segs) == 0 && resp.Text != "" {
			// some models only return flat text; keep it as one span
			segs = append(segs, Segment{Start: 0, End: resp.Duration, Text: resp.Text})
		}
		all = append(all, stitchSegments(segs, plan.OffsetSec)...)
	}

	return Result{
		Segments:    normalizeSegments(all),
		Language:    language,
		DurationSec: duration,
	}, nil
}

func (o *OpenAIBackend) transcribeOnce(ctx context.Context, path, languageHint string, out *verboseResponse) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open chunk: %w", err)
	}
	defer f.Close()

	params := openai.AudioTranscriptionNewParams{
		File:           openai.File(f, filepath.Base(path), "application/octet-stream"),
		Model:          openai.AudioModel(o.model),
		ResponseFormat: openai.AudioResponseFormatVerboseJSON,
	}
	if languageHint != "" {
		params.Language = openai.String(languageHint)
	}

	_, err = o.client.Audio.Transcriptions.New(ctx, params,
		option.WithRequestTimeout(remoteCallTimeout),
		option.WithResponseBodyInto(out),
	)
	if err != nil {
		return classifyRemoteError(err)
	}
	return nil
}

// classifyRemoteError maps API failures onto the pipeline taxonomy: rate
// limits, server errors, resets and timeouts retry; auth and bad requests
// do not.
func classifyRemoteError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429 || apiErr.StatusCode >= 500:
			return errs.Transient(err)
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return &errs.FatalBackendError{Backend: openAIBackendID, Cause: err}
		default:
			return &errs.FatalBackendError{Backend: openAIBackendID, Cause: err}
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return errs.Transient(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Transient(err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	// connection resets and friends arrive as plain transport errors
	return errs.Transient(err)
}
