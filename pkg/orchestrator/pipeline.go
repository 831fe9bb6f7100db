package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// TurnResult describes one completed utterance round trip.
type TurnResult struct {
	Transcript string
	Reply      string
	Played     bool

	TranscribeTime time.Duration
	GenerateTime   time.Duration
	SynthesizeTime time.Duration
}

// ConversationPipeline runs transcribe -> generate -> synthesize -> play for one clip.
type ConversationPipeline struct {
	transcriber Transcriber
	generator   Generator
	synthesizer Synthesizer
	player      Player
	config      Config
	logger      Logger
}

func NewConversationPipeline(stt Transcriber, llm Generator, tts Synthesizer, player Player, config Config, logger Logger) *ConversationPipeline {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &ConversationPipeline{
		transcriber: stt,
		generator:   llm,
		synthesizer: tts,
		player:      player,
		config:      config,
		logger:      logger,
	}
}

func (p *ConversationPipeline) validate() error {
	if p.transcriber == nil || p.generator == nil || p.synthesizer == nil || p.player == nil {
		return ErrNilProvider
	}
	return nil
}

// Run drives one turn. onSpeaking is invoked with the synthesized audio right
// before playback; returning false abandons the turn without playing.
func (p *ConversationPipeline) Run(ctx context.Context, clip Clip, session *ConversationSession, onSpeaking func(wav []byte) bool) (TurnResult, error) {
	var res TurnResult
	if err := p.validate(); err != nil {
		return res, err
	}
	if clip.Empty() {
		return res, ErrEmptyTranscription
	}

	// 1. Transcribe
	start := time.Now()
	transcript, err := p.transcribe(ctx, clip, session.GetLanguage())
	res.TranscribeTime = time.Since(start)
	if err != nil {
		p.logger.Error("transcription failed", "sessionID", session.ID, "error", err)
		return res, fmt.Errorf("%w: %v", ErrTranscriptionFailed, err)
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}

	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		p.logger.Warn("empty transcription received", "sessionID", session.ID, "clip", clip.Duration())
		return res, ErrEmptyTranscription
	}
	res.Transcript = transcript
	p.logger.Info("transcription completed", "sessionID", session.ID, "length", len(transcript), "took", res.TranscribeTime)
	session.AddMessage("user", transcript)

	// 2. Generate
	start = time.Now()
	reply, err := p.generate(ctx, session)
	res.GenerateTime = time.Since(start)
	if err != nil {
		p.logger.Error("generation failed", "sessionID", session.ID, "error", err)
		return res, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		p.logger.Error("generation returned no content", "sessionID", session.ID)
		return res, fmt.Errorf("%w: empty reply", ErrGenerationFailed)
	}
	res.Reply = reply
	p.logger.Info("reply generated", "sessionID", session.ID, "length", len(reply), "took", res.GenerateTime)
	session.AddMessage("assistant", reply)

	// 3. Synthesize
	start = time.Now()
	wav, err := p.synthesize(ctx, reply, session.GetLanguage())
	res.SynthesizeTime = time.Since(start)
	if err != nil {
		p.logger.Error("synthesis failed", "sessionID", session.ID, "error", err)
		return res, fmt.Errorf("%w: %v", ErrSynthesisFailed, err)
	}
	p.logger.Info("synthesis completed", "sessionID", session.ID, "audioSize", len(wav), "took", res.SynthesizeTime)

	// 4. Play
	if onSpeaking != nil && !onSpeaking(wav) {
		return res, errTurnSuperseded
	}
	if err := p.player.Play(ctx, wav); err != nil {
		p.logger.Error("playback failed", "sessionID", session.ID, "error", err)
		return res, fmt.Errorf("%w: %v", ErrPlaybackFailed, err)
	}
	res.Played = true
	return res, nil
}

func (p *ConversationPipeline) transcribe(ctx context.Context, clip Clip, lang Language) (string, error) {
	ctx, cancel := withOptionalTimeout(ctx, p.config.TranscribeTimeout)
	defer cancel()
	return p.transcriber.Transcribe(ctx, clip.WAV, lang)
}

func (p *ConversationPipeline) generate(ctx context.Context, session *ConversationSession) (string, error) {
	ctx, cancel := withOptionalTimeout(ctx, p.config.GenerateTimeout)
	defer cancel()
	return p.generator.Complete(ctx, session.GetContextCopy())
}

func (p *ConversationPipeline) synthesize(ctx context.Context, text string, lang Language) ([]byte, error) {
	ctx, cancel := withOptionalTimeout(ctx, p.config.SynthesizeTimeout)
	defer cancel()
	voice := p.config.Voice.Clamp()
	return p.synthesizer.Synthesize(ctx, SpeechRequest{
		Text:   text,
		Speed:  voice.Speed,
		Pitch:  voice.Pitch,
		Volume: voice.Volume,
		Lang:   lang,
	})
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// FallbackSynthesizer prefers a richer backend and falls back to a local one
// when the primary is unreachable or fails.
type FallbackSynthesizer struct {
	primary   Synthesizer
	fallback  Synthesizer
	logger    Logger
	primaryUp atomic.Bool
}

func NewFallbackSynthesizer(primary, fallback Synthesizer, logger Logger) *FallbackSynthesizer {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	f := &FallbackSynthesizer{primary: primary, fallback: fallback, logger: logger}
	f.primaryUp.Store(primary != nil)
	return f
}

func (f *FallbackSynthesizer) Name() string {
	switch {
	case f.primary == nil && f.fallback == nil:
		return "none"
	case f.primary == nil:
		return f.fallback.Name()
	case f.fallback == nil:
		return f.primary.Name()
	}
	return f.primary.Name() + "+" + f.fallback.Name()
}

// Probe checks the primary backend's health endpoint and records the outcome.
// Primaries without a health check are assumed reachable.
func (f *FallbackSynthesizer) Probe(ctx context.Context) bool {
	if f.primary == nil {
		return false
	}
	hc, ok := f.primary.(HealthChecker)
	if !ok {
		f.primaryUp.Store(true)
		return true
	}
	err := hc.Health(ctx)
	up := err == nil
	f.primaryUp.Store(up)
	if !up {
		f.logger.Warn("primary synthesizer unavailable", "backend", f.primary.Name(), "error", err)
	}
	return up
}

// PrimaryAvailable reports the last probe result.
func (f *FallbackSynthesizer) PrimaryAvailable() bool {
	return f.primaryUp.Load()
}

func (f *FallbackSynthesizer) Synthesize(ctx context.Context, req SpeechRequest) ([]byte, error) {
	var primaryErr error
	if f.primary != nil && f.primaryUp.Load() {
		wav, err := f.primary.Synthesize(ctx, req)
		if err == nil && len(wav) > 0 {
			return wav, nil
		}
		if err == nil {
			err = errors.New("empty audio")
		}
		if ctx.Err() != nil {
			return nil, err
		}
		primaryErr = err
		f.logger.Warn("primary synthesizer failed, using fallback", "backend", f.primary.Name(), "error", err)
	}

	if f.fallback == nil {
		if primaryErr != nil {
			return nil, primaryErr
		}
		return nil, ErrNilProvider
	}

	wav, err := f.fallback.Synthesize(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fallback %s: %w", f.fallback.Name(), err)
	}
	return wav, nil
}
