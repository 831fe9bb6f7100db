package orchestrator

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lokutor-ai/lokutor-call/pkg/audio"
)

// energyScale maps normalized RMS onto the 0-255 level scale.
// Room noise (~0.005 RMS) lands near 5, conversational speech well above 20.
const energyScale = 1024

// EnergyLevel returns the 0-255 energy of a window of mono s16le PCM.
func EnergyLevel(pcm []byte) int {
	level := math.Round(audio.RMS(pcm) * energyScale)
	if level > 255 {
		return 255
	}
	return int(level)
}

// Tap exposes the most recent captured audio.
type Tap interface {
	Window(n int) []byte
}

type MonitorConfig struct {
	SilenceThreshold int
	SpeechMargin     int
	SilenceTimeout   time.Duration
	Interval         time.Duration
}

func monitorConfigFrom(cfg Config) MonitorConfig {
	return MonitorConfig{
		SilenceThreshold: cfg.SilenceThreshold,
		SpeechMargin:     cfg.SpeechMargin,
		SilenceTimeout:   cfg.SilenceTimeout,
		Interval:         cfg.SampleInterval,
	}
}

// RequiredSilenceFrames is how many consecutive non-speech samples end an utterance.
func (c MonitorConfig) RequiredSilenceFrames() int {
	if c.Interval <= 0 {
		return 1
	}
	n := int(c.SilenceTimeout / c.Interval)
	if n < 1 {
		return 1
	}
	return n
}

// silenceDetector is the per-sample classification step.
type silenceDetector struct {
	threshold  int
	margin     int
	required   int
	speechSeen bool
	silent     int
}

func newSilenceDetector(cfg MonitorConfig) silenceDetector {
	return silenceDetector{
		threshold: cfg.SilenceThreshold,
		margin:    cfg.SpeechMargin,
		required:  cfg.RequiredSilenceFrames(),
	}
}

func (d *silenceDetector) isSpeech(energy int) bool {
	return energy > d.threshold+d.margin
}

// step consumes one energy sample and reports whether an utterance just ended.
func (d *silenceDetector) step(energy int) bool {
	if d.isSpeech(energy) {
		d.speechSeen = true
		d.silent = 0
		return false
	}
	if !d.speechSeen {
		return false
	}
	d.silent++
	if d.silent >= d.required {
		d.speechSeen = false
		d.silent = 0
		return true
	}
	return false
}

func (d *silenceDetector) reset() {
	d.speechSeen = false
	d.silent = 0
}

// VoiceActivityMonitor samples a Tap on a fixed cadence and signals the end of
// an utterance after sustained post-speech silence.
type VoiceActivityMonitor struct {
	cfg    MonitorConfig
	logger Logger

	mu    sync.Mutex
	det   silenceDetector
	muted bool
	stop  chan struct{}
	done  chan struct{}

	level atomic.Int32
}

func NewVoiceActivityMonitor(cfg MonitorConfig, logger Logger) *VoiceActivityMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 50 * time.Millisecond
	}
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &VoiceActivityMonitor{
		cfg:    cfg,
		logger: logger,
		det:    newSilenceDetector(cfg),
	}
}

// Start begins sampling tap, replacing any previous loop. onLevel runs on the
// sampling goroutine every tick; onBoundary runs on its own goroutine.
func (m *VoiceActivityMonitor) Start(tap Tap, onLevel func(int), onBoundary func()) {
	m.Stop()

	m.mu.Lock()
	m.det.reset()
	stop := make(chan struct{})
	done := make(chan struct{})
	m.stop, m.done = stop, done
	m.mu.Unlock()

	m.logger.Debug("voice activity monitor started",
		"interval", m.cfg.Interval, "requiredSilenceFrames", m.cfg.RequiredSilenceFrames())
	go m.loop(tap, stop, done, onLevel, onBoundary)
}

func (m *VoiceActivityMonitor) loop(tap Tap, stop, done chan struct{}, onLevel func(int), onBoundary func()) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	windowBytes := int(m.cfg.Interval * audio.SampleRate * 2 / time.Second)

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		level, ended := m.sample(tap, windowBytes)
		if onLevel != nil {
			onLevel(level)
		}
		if !ended {
			continue
		}

		select {
		case <-stop:
			return
		default:
		}
		m.logger.Debug("utterance boundary detected")
		if onBoundary != nil {
			go onBoundary()
		}
	}
}

func (m *VoiceActivityMonitor) sample(tap Tap, windowBytes int) (int, bool) {
	m.mu.Lock()
	muted := m.muted
	m.mu.Unlock()
	if muted {
		m.level.Store(0)
		return 0, false
	}

	level := EnergyLevel(tap.Window(windowBytes))
	m.level.Store(int32(level))
	return level, m.Observe(level)
}

// Observe classifies one energy sample. Muted monitors ignore samples.
func (m *VoiceActivityMonitor) Observe(level int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.muted {
		return false
	}
	return m.det.step(level)
}

// Stop halts sampling and waits for the loop to exit. Safe to call at any time.
func (m *VoiceActivityMonitor) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	m.level.Store(0)
}

// SetMuted suspends classification and clears the silence accumulator.
func (m *VoiceActivityMonitor) SetMuted(muted bool) {
	m.mu.Lock()
	m.muted = muted
	m.det.reset()
	m.mu.Unlock()
	if muted {
		m.level.Store(0)
	}
}

// Reset clears the silence accumulator and speech flag.
func (m *VoiceActivityMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.det.reset()
}

func (m *VoiceActivityMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stop != nil
}

// Level is the last sampled energy, 0 while muted or stopped.
func (m *VoiceActivityMonitor) Level() int {
	return int(m.level.Load())
}

// SilentFrames reports the current silence accumulator.
func (m *VoiceActivityMonitor) SilentFrames() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.det.silent
}
