package orchestrator

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/smallnest/ringbuffer"

	"github.com/lokutor-ai/lokutor-call/pkg/audio"
)

const (
	// tapBytes holds the most recent 500ms of processed audio for level sampling.
	tapBytes = audio.SampleRate
	// maxClipBytes bounds one utterance to 60s; older audio is overwritten.
	maxClipBytes = audio.SampleRate * 2 * 60
)

// Clip is one finalized utterance.
type Clip struct {
	// WAV is mono 16kHz 16-bit PCM in a WAV container.
	WAV        []byte
	Samples    int
	SampleRate int
}

func (c Clip) Empty() bool {
	return c.Samples == 0
}

func (c Clip) Duration() time.Duration {
	if c.SampleRate == 0 {
		return 0
	}
	return time.Duration(c.Samples) * time.Second / time.Duration(c.SampleRate)
}

// AudioCaptureSession owns the microphone stream and the rolling utterance recorder.
type AudioCaptureSession struct {
	mic    Microphone
	opts   audio.CaptureOptions
	echo   *EchoSuppressor
	logger Logger

	mu         sync.Mutex
	stream     io.Closer
	processors []audio.Processor
	accepting  bool
	tap        *ringbuffer.RingBuffer
	clip       *ringbuffer.RingBuffer
	recording  bool
	gen        uint64
}

// NewAudioCaptureSession prepares a session; echo may be nil when cancellation is off.
func NewAudioCaptureSession(mic Microphone, opts audio.CaptureOptions, echo *EchoSuppressor, logger Logger) *AudioCaptureSession {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	s := &AudioCaptureSession{
		mic:    mic,
		opts:   opts,
		echo:   echo,
		logger: logger,
		tap:    ringbuffer.New(tapBytes).SetBlocking(false),
		clip:   ringbuffer.New(maxClipBytes).SetBlocking(false),
	}
	s.processors = s.buildProcessors()
	return s
}

// Open acquires the microphone. Calling Open on an open session is a no-op.
func (s *AudioCaptureSession) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.stream != nil {
		s.mu.Unlock()
		return nil
	}
	for _, p := range s.processors {
		p.Reset()
	}
	s.tap.Reset()
	s.clip.Reset()
	s.recording = false
	s.accepting = s.mic != nil
	gen := s.gen
	s.mu.Unlock()

	if s.mic == nil {
		return &DeviceError{Op: "open", Err: ErrNilProvider}
	}

	stream, err := s.mic.Open(ctx, s.opts, s.onPCM)
	if err != nil {
		s.mu.Lock()
		if s.gen == gen && s.stream == nil {
			s.accepting = false
		}
		s.mu.Unlock()
		return &DeviceError{Op: "open", Device: s.mic.Name(), Err: err}
	}

	s.mu.Lock()
	if aborted := s.gen != gen; aborted || s.stream != nil {
		// Closed, or opened by someone else, while the device was opening.
		s.mu.Unlock()
		_ = stream.Close()
		if aborted {
			return &DeviceError{Op: "open", Device: s.mic.Name(), Err: errOpenAborted}
		}
		return nil
	}
	s.stream = stream
	s.mu.Unlock()

	s.logger.Info("microphone opened", "backend", s.mic.Name(),
		"echoCancellation", s.opts.EchoCancellation,
		"noiseSuppression", s.opts.NoiseSuppression,
		"autoGain", s.opts.AutoGain)
	return nil
}

func (s *AudioCaptureSession) buildProcessors() []audio.Processor {
	var chain []audio.Processor
	if s.opts.EchoCancellation && s.echo != nil {
		chain = append(chain, s.echo)
	}
	if s.opts.NoiseSuppression {
		chain = append(chain, audio.NewNoiseGate())
	}
	if s.opts.AutoGain {
		chain = append(chain, audio.NewAutoGain())
	}
	return chain
}

func (s *AudioCaptureSession) onPCM(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.accepting {
		return
	}

	for _, p := range s.processors {
		chunk = p.Process(chunk)
	}

	writeEvicting(s.tap, chunk)
	if s.recording {
		writeEvicting(s.clip, chunk)
	}
}

// BeginClip starts a new utterance, dropping any unfinished one.
func (s *AudioCaptureSession) BeginClip() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clip.Reset()
	s.recording = true
}

// FinalizeClip stops recording and returns the utterance. Without an active clip
// the result is empty.
func (s *AudioCaptureSession) FinalizeClip() Clip {
	s.mu.Lock()
	if !s.recording {
		s.mu.Unlock()
		return Clip{}
	}
	s.recording = false
	pcm := s.clip.Bytes(nil)
	s.clip.Reset()
	s.mu.Unlock()

	return Clip{
		WAV:        audio.NewWavBuffer(pcm, audio.SampleRate),
		Samples:    len(pcm) / 2,
		SampleRate: audio.SampleRate,
	}
}

// DiscardClip stops recording without producing a clip.
func (s *AudioCaptureSession) DiscardClip() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recording = false
	s.clip.Reset()
}

// Recording reports whether a clip is being captured.
func (s *AudioCaptureSession) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}

// Window returns up to n of the most recently captured bytes.
func (s *AudioCaptureSession) Window(n int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.tap.Bytes(nil)
	if len(buf) > n {
		buf = buf[len(buf)-n:]
	}
	return buf
}

func (s *AudioCaptureSession) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream != nil
}

// Close releases the microphone. Safe to call repeatedly.
func (s *AudioCaptureSession) Close() error {
	s.mu.Lock()
	stream := s.stream
	s.stream = nil
	s.gen++
	s.accepting = false
	s.recording = false
	s.clip.Reset()
	s.tap.Reset()
	s.mu.Unlock()

	if stream == nil {
		return nil
	}
	// The backend may wait for an in-flight onPCM, so s.mu must not be held here.
	if err := stream.Close(); err != nil {
		return &DeviceError{Op: "close", Device: s.mic.Name(), Err: fmt.Errorf("release stream: %w", err)}
	}
	s.logger.Info("microphone closed", "backend", s.mic.Name())
	return nil
}

// writeEvicting appends p, discarding the oldest bytes when the ring is full.
func writeEvicting(rb *ringbuffer.RingBuffer, p []byte) {
	if len(p) == 0 {
		return
	}
	if c := rb.Capacity(); len(p) >= c {
		rb.Reset()
		p = p[len(p)-c:]
	}
	if free := rb.Free(); free < len(p) {
		discard := make([]byte, len(p)-free)
		_, _ = rb.Read(discard)
	}
	_, _ = rb.Write(p)
}
