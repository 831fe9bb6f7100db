package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceUnavailable is matched by every DeviceError.
	ErrDeviceUnavailable = errors.New("audio device unavailable")

	// ErrEmptyTranscription is returned when transcription produces empty text
	ErrEmptyTranscription = errors.New("transcription returned empty text")

	// ErrTranscriptionFailed is returned when the transcriber fails
	ErrTranscriptionFailed = errors.New("speech-to-text transcription failed")

	// ErrGenerationFailed is returned when the language model fails or answers with nothing
	ErrGenerationFailed = errors.New("language model generation failed")

	// ErrSynthesisFailed is returned when every synthesis backend fails
	ErrSynthesisFailed = errors.New("text-to-speech synthesis failed")

	ErrPlaybackFailed = errors.New("audio playback failed")

	// ErrNilProvider is returned when a required provider is nil
	ErrNilProvider = errors.New("required provider is nil")

	// ErrCallActive is returned by operations that need an idle orchestrator.
	ErrCallActive = errors.New("call already in progress")

	// ErrClosed is returned once the orchestrator has been disposed.
	ErrClosed = errors.New("orchestrator closed")

	errOpenAborted = errors.New("closed while opening")

	// errTurnSuperseded aborts a pipeline whose call state moved on.
	errTurnSuperseded = errors.New("turn superseded")
)

// DeviceError reports a microphone that could not be acquired or released.
type DeviceError struct {
	Op     string
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	if e.Device != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Device, e.Err)
	}
	return fmt.Sprintf("%s microphone: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

func (e *DeviceError) Is(target error) bool {
	return target == ErrDeviceUnavailable
}
