package tts

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lokutor-ai/lokutor-call/pkg/audio"
	"github.com/lokutor-ai/lokutor-call/pkg/orchestrator"
)

// StreamSynthesizer speaks to a websocket synthesis server. Each request is a
// JSON message; the server answers with binary s16le mono PCM chunks and a
// final "EOS" text frame, or an "ERR:" text frame.
type StreamSynthesizer struct {
	endpoint   string
	sampleRate int

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewStreamSynthesizer takes a ws:// or wss:// URL.
func NewStreamSynthesizer(endpoint string, sampleRate int) *StreamSynthesizer {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	return &StreamSynthesizer{endpoint: endpoint, sampleRate: sampleRate}
}

type streamRequest struct {
	Text   string  `json:"text"`
	Lang   string  `json:"lang"`
	Speed  float64 `json:"speed"`
	Pitch  float64 `json:"pitch"`
	Volume float64 `json:"volume"`
}

// connLocked dials lazily and reuses the connection across requests.
func (t *StreamSynthesizer) connLocked(ctx context.Context) (*websocket.Conn, error) {
	if t.conn != nil {
		return t.conn, nil
	}

	u, err := url.Parse(t.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid synthesis endpoint: %w", err)
	}
	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", u.Host, err)
	}

	conn.SetReadLimit(10 * 1024 * 1024)
	t.conn = conn
	return conn, nil
}

// dropLocked discards a connection left in an unknown state.
func (t *StreamSynthesizer) dropLocked(reason string) {
	if t.conn == nil {
		return
	}
	_ = t.conn.Close(websocket.StatusAbnormalClosure, reason)
	t.conn = nil
}

func (t *StreamSynthesizer) Synthesize(ctx context.Context, req orchestrator.SpeechRequest) ([]byte, error) {
	var pcm []byte
	err := t.StreamSynthesize(ctx, req, func(chunk []byte) error {
		pcm = append(pcm, chunk...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("synthesis server returned no audio")
	}
	return audio.NewWavBuffer(pcm, t.sampleRate), nil
}

// StreamSynthesize delivers PCM chunks as they arrive.
func (t *StreamSynthesizer) StreamSynthesize(ctx context.Context, req orchestrator.SpeechRequest, onChunk func([]byte) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	conn, err := t.connLocked(ctx)
	if err != nil {
		return err
	}

	msg := streamRequest{
		Text:   req.Text,
		Lang:   string(req.Lang),
		Speed:  req.Speed,
		Pitch:  req.Pitch,
		Volume: req.Volume,
	}
	if err := wsjson.Write(ctx, conn, msg); err != nil {
		t.dropLocked("failed to write json")
		return fmt.Errorf("failed to send synthesis request: %w", err)
	}

	for {
		messageType, payload, err := conn.Read(ctx)
		if err != nil {
			t.dropLocked("failed to read")
			return fmt.Errorf("failed to read synthesis stream: %w", err)
		}

		switch messageType {
		case websocket.MessageBinary:
			if err := onChunk(payload); err != nil {
				t.dropLocked("consumer aborted")
				return err
			}
		case websocket.MessageText:
			text := string(payload)
			if text == "EOS" {
				return nil
			}
			if strings.HasPrefix(text, "ERR:") {
				return fmt.Errorf("synthesis server error: %s", strings.TrimSpace(text[4:]))
			}
		}
	}
}

func (t *StreamSynthesizer) Name() string {
	return "stream"
}

func (t *StreamSynthesizer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		err := t.conn.Close(websocket.StatusNormalClosure, "")
		t.conn = nil
		return err
	}
	return nil
}
