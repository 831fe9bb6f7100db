package tts

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"github.com/lokutor-ai/lokutor-call/pkg/orchestrator"
)

// espeak-ng's own defaults, used as the 1.0 reference points.
const (
	espeakBaseWPM   = 175
	espeakBasePitch = 50
	espeakMaxAmp    = 200
)

// EspeakSynthesizer is the always-available local voice. It accepts the same
// parameters as the rich backends at coarser fidelity.
type EspeakSynthesizer struct {
	binary string
}

func NewEspeakSynthesizer(binary string) *EspeakSynthesizer {
	if binary == "" {
		binary = "espeak-ng"
	}
	return &EspeakSynthesizer{binary: binary}
}

func (e *EspeakSynthesizer) Synthesize(ctx context.Context, req orchestrator.SpeechRequest) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("espeak: empty text")
	}

	cmd := exec.CommandContext(ctx, e.binary, espeakArgs(req)...)
	cmd.Stdin = strings.NewReader(req.Text)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("espeak: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("espeak: no audio produced")
	}
	return stdout.Bytes(), nil
}

// Health reports whether the binary can be found.
func (e *EspeakSynthesizer) Health(ctx context.Context) error {
	_, err := exec.LookPath(e.binary)
	return err
}

func (e *EspeakSynthesizer) Name() string {
	return "espeak"
}

func espeakArgs(req orchestrator.SpeechRequest) []string {
	voice := req.Lang
	if voice == "" {
		voice = orchestrator.LanguageEn
	}
	wpm := int(math.Round(req.Speed * espeakBaseWPM))
	if wpm < 80 {
		wpm = 80
	}
	pitch := int(math.Round(req.Pitch * espeakBasePitch))
	if pitch > 99 {
		pitch = 99
	}
	amp := int(math.Round(req.Volume * espeakMaxAmp / 2))

	return []string{
		"--stdout",
		"--stdin",
		"-v", string(voice),
		"-s", strconv.Itoa(wpm),
		"-p", strconv.Itoa(pitch),
		"-a", strconv.Itoa(amp),
	}
}
