package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/lokutor-ai/lokutor-call/pkg/orchestrator"
)

const DefaultWhisperURL = "http://localhost:9000"

// WhisperSTT talks to any server exposing the OpenAI-compatible
// /v1/audio/transcriptions endpoint (whisper.cpp server, faster-whisper, LocalAI).
type WhisperSTT struct {
	apiKey string
	url    string
	model  string
	client *http.Client
}

func NewWhisperSTT(baseURL, model, apiKey string) *WhisperSTT {
	if baseURL == "" {
		baseURL = DefaultWhisperURL
	}
	if model == "" {
		model = "whisper-1"
	}
	return &WhisperSTT{
		apiKey: apiKey,
		url:    strings.TrimRight(baseURL, "/") + "/v1/audio/transcriptions",
		model:  model,
		client: http.DefaultClient,
	}
}

func (s *WhisperSTT) Name() string {
	return "whisper"
}

// Transcribe uploads a complete WAV clip and returns the recognized text.
func (s *WhisperSTT) Transcribe(ctx context.Context, wav []byte, lang orchestrator.Language) (string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	if err := writer.WriteField("model", s.model); err != nil {
		return "", err
	}
	if err := writer.WriteField("response_format", "json"); err != nil {
		return "", err
	}
	if lang != "" {
		if err := writer.WriteField("language", string(lang)); err != nil {
			return "", err
		}
	}

	part, err := writer.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(wav); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("whisper error: %s (status %d)", strings.TrimSpace(string(respBody)), resp.StatusCode)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode transcription: %w", err)
	}
	return result.Text, nil
}
