package orchestrator

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/lokutor-ai/lokutor-call/pkg/audio"
)

type Logger interface {
	Debug(msg string, args ...interface{})

	Info(msg string, args ...interface{})

	Warn(msg string, args ...interface{})

	Error(msg string, args ...interface{})
}

type NoOpLogger struct{}

func (n *NoOpLogger) Debug(msg string, args ...interface{}) {}
func (n *NoOpLogger) Info(msg string, args ...interface{})  {}
func (n *NoOpLogger) Warn(msg string, args ...interface{})  {}
func (n *NoOpLogger) Error(msg string, args ...interface{}) {}

type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte, lang Language) (string, error)
	Name() string
}

type Generator interface {
	Complete(ctx context.Context, messages []Message) (string, error)
	Name() string
}

type Synthesizer interface {
	// Synthesize returns a WAV payload for req.
	Synthesize(ctx context.Context, req SpeechRequest) ([]byte, error)
	Name() string
}

// HealthChecker is implemented by backends that can be probed before use.
type HealthChecker interface {
	Health(ctx context.Context) error
}

type Player interface {
	// Play blocks until the clip has drained or playback fails.
	Play(ctx context.Context, wav []byte) error
	Stop()
	Name() string
}

// Microphone acquires an input device and streams mono 16kHz s16le PCM to onPCM
// until the returned Closer is closed.
type Microphone interface {
	Open(ctx context.Context, opts audio.CaptureOptions, onPCM func([]byte)) (io.Closer, error)
	Name() string
}

type Language string

const (
	LanguageEn Language = "en"
	LanguageEs Language = "es"
	LanguageFr Language = "fr"
	LanguageDe Language = "de"
	LanguageIt Language = "it"
	LanguagePt Language = "pt"
	LanguageJa Language = "ja"
	LanguageZh Language = "zh"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SpeechRequest is one synthesis job. Speed, Pitch and Volume are already clamped.
type SpeechRequest struct {
	Text   string   `json:"text"`
	Speed  float64  `json:"speed"`
	Pitch  float64  `json:"pitch"`
	Volume float64  `json:"volume"`
	Lang   Language `json:"lang"`
}

// VoiceSettings are the user-facing synthesis knobs.
type VoiceSettings struct {
	Speed  float64
	Pitch  float64
	Volume float64
}

// Clamp bounds each setting to the range synthesis backends accept.
func (v VoiceSettings) Clamp() VoiceSettings {
	return VoiceSettings{
		Speed:  clampFloat(v.Speed, 0.1, 2),
		Pitch:  clampFloat(v.Pitch, 0, 2),
		Volume: clampFloat(v.Volume, 0, 1),
	}
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

type Config struct {
	// SilenceThreshold is the 0-255 energy floor; speech needs SpeechMargin above it.
	SilenceThreshold int
	SpeechMargin     int
	SilenceTimeout   time.Duration
	SampleInterval   time.Duration
	// SettleDelay separates microphone acquisition from the first Listening turn.
	SettleDelay time.Duration
	// ErrorDisplay is how long an error message stays visible.
	ErrorDisplay time.Duration

	MaxContextMessages int
	SystemPrompt       string
	Language           Language
	Voice              VoiceSettings
	Capture            audio.CaptureOptions

	TranscribeTimeout time.Duration
	GenerateTimeout   time.Duration
	SynthesizeTimeout time.Duration
}

const DefaultSystemPrompt = "You are a helpful voice assistant on a phone call. " +
	"Keep your answers short and conversational, one to three sentences, " +
	"and never use lists, markdown or emojis."

func DefaultConfig() Config {
	return Config{
		SilenceThreshold:   10,
		SpeechMargin:       5,
		SilenceTimeout:     2 * time.Second,
		SampleInterval:     50 * time.Millisecond,
		SettleDelay:        time.Second,
		ErrorDisplay:       5 * time.Second,
		MaxContextMessages: 20,
		SystemPrompt:       DefaultSystemPrompt,
		Language:           LanguageEn,
		Voice:              VoiceSettings{Speed: 1, Pitch: 1, Volume: 1},
		Capture:            audio.DefaultCaptureOptions(),
		TranscribeTimeout:  30 * time.Second,
		GenerateTimeout:    60 * time.Second,
		SynthesizeTimeout:  30 * time.Second,
	}
}

// ConversationSession is the in-memory transcript of one call.
type ConversationSession struct {
	mu            sync.RWMutex
	ID            string
	Context       []Message
	LastUser      string
	LastAssistant string
	MaxMessages   int
	Language      Language
}

func NewConversationSession(id string) *ConversationSession {
	return &ConversationSession{
		ID:          id,
		Context:     []Message{},
		MaxMessages: 20,
		Language:    LanguageEn,
	}
}

// AddMessage appends a message, trimming the oldest turns past MaxMessages.
// A leading system message is always kept.
func (s *ConversationSession) AddMessage(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Context = append(s.Context, Message{Role: role, Content: content})
	if s.MaxMessages > 0 && len(s.Context) > s.MaxMessages {
		if s.Context[0].Role == "system" && s.MaxMessages > 1 {
			keep := s.Context[len(s.Context)-(s.MaxMessages-1):]
			s.Context = append([]Message{s.Context[0]}, keep...)
		} else {
			s.Context = s.Context[len(s.Context)-s.MaxMessages:]
		}
	}
	if role == "user" {
		s.LastUser = content
	} else if role == "assistant" {
		s.LastAssistant = content
	}
}

func (s *ConversationSession) ClearContext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Context = []Message{}
	s.LastUser = ""
	s.LastAssistant = ""
}

func (s *ConversationSession) GetContextCopy() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	contextCopy := make([]Message, len(s.Context))
	copy(contextCopy, s.Context)
	return contextCopy
}

func (s *ConversationSession) GetLanguage() Language {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Language
}
