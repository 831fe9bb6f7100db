package orchestrator

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lokutor-ai/lokutor-call/pkg/audio"
)

type MockTranscriber struct {
	result string
	err    error
	// release, when set, holds Transcribe until closed. Cancellation is ignored
	// so the result arrives late.
	release chan struct{}
	calls   atomic.Int32
}

func (m *MockTranscriber) Transcribe(ctx context.Context, wav []byte, lang Language) (string, error) {
	m.calls.Add(1)
	if m.release != nil {
		<-m.release
	}
	return m.result, m.err
}

func (m *MockTranscriber) Name() string {
	return "MockSTT"
}

type MockGenerator struct {
	result string
	err    error
	calls  atomic.Int32

	mu   sync.Mutex
	seen [][]Message
}

func (m *MockGenerator) Complete(ctx context.Context, messages []Message) (string, error) {
	m.calls.Add(1)
	m.mu.Lock()
	m.seen = append(m.seen, messages)
	m.mu.Unlock()
	return m.result, m.err
}

func (m *MockGenerator) Name() string {
	return "MockLLM"
}

func (m *MockGenerator) lastMessages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.seen) == 0 {
		return nil
	}
	return m.seen[len(m.seen)-1]
}

type MockSynthesizer struct {
	name      string
	result    []byte
	err       error
	healthErr error
	calls     atomic.Int32

	mu      sync.Mutex
	lastReq SpeechRequest
}

func (m *MockSynthesizer) Synthesize(ctx context.Context, req SpeechRequest) ([]byte, error) {
	m.calls.Add(1)
	m.mu.Lock()
	m.lastReq = req
	m.mu.Unlock()
	return m.result, m.err
}

func (m *MockSynthesizer) Name() string {
	if m.name == "" {
		return "MockTTS"
	}
	return m.name
}

func (m *MockSynthesizer) request() SpeechRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastReq
}

type healthySynthesizer struct {
	*MockSynthesizer
}

func (h healthySynthesizer) Health(ctx context.Context) error {
	return h.healthErr
}

type MockPlayer struct {
	err     error
	release chan struct{}
	plays   atomic.Int32
	stops   atomic.Int32
}

func (m *MockPlayer) Play(ctx context.Context, wav []byte) error {
	m.plays.Add(1)
	if m.release != nil {
		select {
		case <-m.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.err
}

func (m *MockPlayer) Stop() {
	m.stops.Add(1)
}

func (m *MockPlayer) Name() string {
	return "MockPlayer"
}

func speechWav() []byte {
	return audio.NewWavBuffer(make([]byte, 640), audio.SampleRate)
}

func testClip() Clip {
	pcm := make([]byte, 3200)
	return Clip{WAV: audio.NewWavBuffer(pcm, audio.SampleRate), Samples: 1600, SampleRate: audio.SampleRate}
}

func newTestPipeline(stt Transcriber, llm Generator, tts Synthesizer, player Player) *ConversationPipeline {
	return NewConversationPipeline(stt, llm, tts, player, DefaultConfig(), nil)
}

func TestPipelineRunsAllStages(t *testing.T) {
	stt := &MockTranscriber{result: " Hello, how are you? "}
	llm := &MockGenerator{result: "I'm doing great, thanks for asking!"}
	tts := &MockSynthesizer{result: speechWav()}
	player := &MockPlayer{}

	session := NewConversationSession("test_user")
	session.AddMessage("system", "be brief")

	var spoken []byte
	res, err := newTestPipeline(stt, llm, tts, player).Run(context.Background(), testClip(), session, func(wav []byte) bool {
		spoken = wav
		return true
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello, how are you?", res.Transcript)
	assert.Equal(t, "I'm doing great, thanks for asking!", res.Reply)
	assert.True(t, res.Played)
	assert.Equal(t, tts.result, spoken)
	assert.Equal(t, int32(1), player.plays.Load())

	history := session.GetContextCopy()
	require.Len(t, history, 3)
	assert.Equal(t, "system", history[0].Role)
	assert.Equal(t, "user", history[1].Role)
	assert.Equal(t, "assistant", history[2].Role)

	sent := llm.lastMessages()
	require.Len(t, sent, 2)
	assert.Equal(t, "Hello, how are you?", sent[1].Content)
}

func TestPipelineClampsVoiceSettings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Voice = VoiceSettings{Speed: 5, Pitch: -1, Volume: 3}
	tts := &MockSynthesizer{result: speechWav()}
	p := NewConversationPipeline(&MockTranscriber{result: "hi"}, &MockGenerator{result: "hello"}, tts, &MockPlayer{}, cfg, nil)

	_, err := p.Run(context.Background(), testClip(), NewConversationSession("clamp"), nil)
	require.NoError(t, err)

	req := tts.request()
	assert.Equal(t, "hello", req.Text)
	assert.Equal(t, 2.0, req.Speed)
	assert.Equal(t, 0.0, req.Pitch)
	assert.Equal(t, 1.0, req.Volume)
	assert.Equal(t, LanguageEn, req.Lang)
}

func TestPipelineEmptyTranscriptSkipsGeneration(t *testing.T) {
	stt := &MockTranscriber{result: "   "}
	llm := &MockGenerator{result: "response"}
	player := &MockPlayer{}

	_, err := newTestPipeline(stt, llm, &MockSynthesizer{result: speechWav()}, player).
		Run(context.Background(), testClip(), NewConversationSession("empty"), nil)
	require.ErrorIs(t, err, ErrEmptyTranscription)
	assert.Equal(t, int32(0), llm.calls.Load())
	assert.Equal(t, int32(0), player.plays.Load())
}

func TestPipelineEmptyClipNeverTranscribes(t *testing.T) {
	stt := &MockTranscriber{result: "ghost"}
	_, err := newTestPipeline(stt, &MockGenerator{}, &MockSynthesizer{}, &MockPlayer{}).
		Run(context.Background(), Clip{}, NewConversationSession("empty"), nil)
	require.ErrorIs(t, err, ErrEmptyTranscription)
	assert.Equal(t, int32(0), stt.calls.Load())
}

func TestPipelineStageErrors(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name        string
		stt         *MockTranscriber
		llm         *MockGenerator
		tts         *MockSynthesizer
		player      *MockPlayer
		expectedErr error
	}{
		{
			name:        "transcription",
			stt:         &MockTranscriber{err: boom},
			llm:         &MockGenerator{result: "unused"},
			tts:         &MockSynthesizer{result: speechWav()},
			player:      &MockPlayer{},
			expectedErr: ErrTranscriptionFailed,
		},
		{
			name:        "generation",
			stt:         &MockTranscriber{result: "hello"},
			llm:         &MockGenerator{err: boom},
			tts:         &MockSynthesizer{result: speechWav()},
			player:      &MockPlayer{},
			expectedErr: ErrGenerationFailed,
		},
		{
			name:        "generation without content",
			stt:         &MockTranscriber{result: "hello"},
			llm:         &MockGenerator{result: "  "},
			tts:         &MockSynthesizer{result: speechWav()},
			player:      &MockPlayer{},
			expectedErr: ErrGenerationFailed,
		},
		{
			name:        "synthesis",
			stt:         &MockTranscriber{result: "hello"},
			llm:         &MockGenerator{result: "hi"},
			tts:         &MockSynthesizer{err: boom},
			player:      &MockPlayer{},
			expectedErr: ErrSynthesisFailed,
		},
		{
			name:        "playback",
			stt:         &MockTranscriber{result: "hello"},
			llm:         &MockGenerator{result: "hi"},
			tts:         &MockSynthesizer{result: speechWav()},
			player:      &MockPlayer{err: io.ErrUnexpectedEOF},
			expectedErr: ErrPlaybackFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPipeline(tt.stt, tt.llm, tt.tts, tt.player)
			_, err := p.Run(context.Background(), testClip(), NewConversationSession("error_test"), nil)
			require.ErrorIs(t, err, tt.expectedErr)
		})
	}
}

func TestPipelineGenerationFailureNeverPlays(t *testing.T) {
	tts := &MockSynthesizer{result: speechWav()}
	player := &MockPlayer{}
	p := newTestPipeline(&MockTranscriber{result: "hello"}, &MockGenerator{err: errors.New("status 500")}, tts, player)

	_, err := p.Run(context.Background(), testClip(), NewConversationSession("gen"), nil)
	require.ErrorIs(t, err, ErrGenerationFailed)
	assert.Equal(t, int32(0), tts.calls.Load())
	assert.Equal(t, int32(0), player.plays.Load())
}

func TestPipelineSupersededBeforePlayback(t *testing.T) {
	player := &MockPlayer{}
	p := newTestPipeline(&MockTranscriber{result: "hello"}, &MockGenerator{result: "hi"}, &MockSynthesizer{result: speechWav()}, player)

	_, err := p.Run(context.Background(), testClip(), NewConversationSession("stale"), func([]byte) bool { return false })
	require.ErrorIs(t, err, errTurnSuperseded)
	assert.Equal(t, int32(0), player.plays.Load())
}

func TestPipelineStopsAfterCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stt := &MockTranscriber{result: "hello", release: make(chan struct{})}
	llm := &MockGenerator{result: "hi"}
	p := newTestPipeline(stt, llm, &MockSynthesizer{result: speechWav()}, &MockPlayer{})

	done := make(chan error, 1)
	go func() {
		_, err := p.Run(ctx, testClip(), NewConversationSession("cancel_test"), nil)
		done <- err
	}()

	cancel()
	close(stt.release)
	err := <-done
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), llm.calls.Load())
}

func TestPipelineRequiresProviders(t *testing.T) {
	p := newTestPipeline(nil, &MockGenerator{}, &MockSynthesizer{}, &MockPlayer{})
	_, err := p.Run(context.Background(), testClip(), NewConversationSession("nil"), nil)
	require.ErrorIs(t, err, ErrNilProvider)
}

func TestFallbackSynthesizer(t *testing.T) {
	req := SpeechRequest{Text: "hola", Speed: 1, Pitch: 1, Volume: 1, Lang: LanguageEs}

	t.Run("primary succeeds", func(t *testing.T) {
		primary := &MockSynthesizer{name: "csm", result: []byte("rich")}
		fallback := &MockSynthesizer{name: "espeak", result: []byte("plain")}
		f := NewFallbackSynthesizer(primary, fallback, nil)

		wav, err := f.Synthesize(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, []byte("rich"), wav)
		assert.Equal(t, int32(0), fallback.calls.Load())
		assert.Equal(t, "csm+espeak", f.Name())
	})

	t.Run("primary error falls back", func(t *testing.T) {
		primary := &MockSynthesizer{name: "csm", err: errors.New("connection refused")}
		fallback := &MockSynthesizer{name: "espeak", result: []byte("plain")}
		f := NewFallbackSynthesizer(primary, fallback, nil)

		wav, err := f.Synthesize(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, []byte("plain"), wav)
		assert.Equal(t, req, fallback.request())
	})

	t.Run("unhealthy primary is skipped", func(t *testing.T) {
		primary := healthySynthesizer{&MockSynthesizer{name: "csm", result: []byte("rich"), healthErr: errors.New("down")}}
		fallback := &MockSynthesizer{name: "espeak", result: []byte("plain")}
		f := NewFallbackSynthesizer(primary, fallback, nil)

		assert.False(t, f.Probe(context.Background()))
		assert.False(t, f.PrimaryAvailable())
		wav, err := f.Synthesize(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, []byte("plain"), wav)
		assert.Equal(t, int32(0), primary.calls.Load())
	})

	t.Run("fallback failure is reported", func(t *testing.T) {
		primary := &MockSynthesizer{name: "csm", err: errors.New("down")}
		fallback := &MockSynthesizer{name: "espeak", err: errors.New("not installed")}
		f := NewFallbackSynthesizer(primary, fallback, nil)

		_, err := f.Synthesize(context.Background(), req)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "espeak")
	})
}
