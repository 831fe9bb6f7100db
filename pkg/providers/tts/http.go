package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/lokutor-ai/lokutor-call/pkg/orchestrator"
)

const DefaultCSMURL = "http://localhost:8000"

// CSMSynthesizer calls the Python speech service (sesame/csm-1b) that answers
// POST /synthesize with a WAV body.
type CSMSynthesizer struct {
	baseURL string
	client  *http.Client
}

func NewCSMSynthesizer(baseURL string) *CSMSynthesizer {
	if baseURL == "" {
		baseURL = DefaultCSMURL
	}
	return &CSMSynthesizer{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  http.DefaultClient,
	}
}

func (t *CSMSynthesizer) Synthesize(ctx context.Context, req orchestrator.SpeechRequest) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/synthesize", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/wav")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("csm error: %s (status %d)", strings.TrimSpace(string(msg)), resp.StatusCode)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	if len(wav) == 0 {
		return nil, fmt.Errorf("csm returned no audio")
	}
	return wav, nil
}

// Health reports whether the service answers GET /health.
func (t *CSMSynthesizer) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("csm health: status %d", resp.StatusCode)
	}
	return nil
}

func (t *CSMSynthesizer) Name() string {
	return "csm"
}
