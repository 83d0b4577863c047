// Package selector decides which backend set a run gets, as a pure function
// of environment capability plus an optional explicit override.
package selector

import (
	"os/exec"

	"github.com/scribeflow/scribeflow/internal/errs"
)

// Path enumerates the concrete backend sets.
type Path string

const (
	PathAuto        Path = "auto"
	PathAccelerated Path = "accelerated"
	PathRemote      Path = "remote"
	PathReference   Path = "reference"
)

// Capabilities are the environment facts the decision runs on.
type Capabilities struct {
	AcceleratorPresent    bool
	LocalModelPresent     bool
	RemoteCredential      bool
	DiarizationCredential bool
}

// Choice is the resolved backend set for one run.
type Choice struct {
	Transcription Path
	// Diarize tells the orchestrator whether to build the model backend or
	// the null one.
	Diarize bool
}

// Choose resolves caps+override into a backend choice. An unknown override
// is an *errs.InvalidBackendError, never a silent fallback. Warnings cover
// degraded selections.
func Choose(caps Capabilities, override string, wantDiarization bool) (Choice, []string, error) {
	diarize := wantDiarization && caps.DiarizationCredential
	var warnings []string
	if wantDiarization && !caps.DiarizationCredential {
		warnings = append(warnings, "diarization requested but no model credential present; speaker labels will be heuristic")
	}

	if override != "" && override != string(PathAuto) {
		switch Path(override) {
		case PathAccelerated, PathRemote, PathReference:
			return Choice{Transcription: Path(override), Diarize: diarize}, warnings, nil
		default:
			return Choice{}, nil, &errs.InvalidBackendError{Requested: override}
		}
	}

	switch {
	case caps.AcceleratorPresent && caps.LocalModelPresent:
		return Choice{Transcription: PathAccelerated, Diarize: diarize}, warnings, nil
	case caps.RemoteCredential:
		// covers both "accelerator without a local model" and "no
		// accelerator at all"
		return Choice{Transcription: PathRemote, Diarize: diarize}, warnings, nil
	default:
		warnings = append(warnings, "no accelerator or remote credential: using reference cpu path, throughput will be degraded")
		return Choice{Transcription: PathReference, Diarize: diarize}, warnings, nil
	}
}

// DetectCapabilities probes the running host. Kept apart from Choose so the
// decision itself stays a pure function.
func DetectCapabilities(remoteKey, diarizationToken string, localModelPresent bool) Capabilities {
	return Capabilities{
		AcceleratorPresent:    acceleratorPresent(),
		LocalModelPresent:     localModelPresent,
		RemoteCredential:      remoteKey != "",
		DiarizationCredential: diarizationToken != "",
	}
}

func acceleratorPresent() bool {
	if _, err := exec.LookPath("nvidia-smi"); err != nil {
		return false
	}
	return exec.Command("nvidia-smi", "-L").Run() == nil
}
