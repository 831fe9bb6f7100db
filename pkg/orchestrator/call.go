package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lokutor-ai/lokutor-call/pkg/audio"
)

// Services are the external collaborators a call talks to.
type Services struct {
	Microphone  Microphone
	Transcriber Transcriber
	Generator   Generator
	Synthesizer Synthesizer
	Player      Player
}

func (s Services) validate() error {
	if s.Microphone == nil || s.Transcriber == nil || s.Generator == nil || s.Synthesizer == nil || s.Player == nil {
		return ErrNilProvider
	}
	return nil
}

// Snapshot is the externally visible call status.
type Snapshot struct {
	CallID     string    `json:"call_id,omitempty"`
	State      CallState `json:"state"`
	Muted      bool      `json:"muted"`
	Level      int       `json:"level"`
	Error      string    `json:"error,omitempty"`
	Turns      int       `json:"turns"`
	EmptyTurns int       `json:"empty_turns"`
}

type synthProber interface {
	Probe(ctx context.Context) bool
}

// CallOrchestrator owns the call state machine and wires capture, voice activity
// and the conversation pipeline together.
//
// Every field below mu is guarded by it. Async continuations (settle timer,
// utterance boundary, pipeline result) capture the epoch when scheduled and do
// nothing if it changed by the time they run.
type CallOrchestrator struct {
	config Config
	logger Logger
	bus    *eventBus
	echo   *EchoSuppressor
	level  atomic.Int32
	wg     sync.WaitGroup

	mu         sync.Mutex
	machine    *callMachine
	services   Services
	pipeline   *ConversationPipeline
	capture    *AudioCaptureSession
	monitor    *VoiceActivityMonitor
	muted      bool
	epoch      uint64
	callID     string
	session    *ConversationSession
	callCtx    context.Context
	callCancel context.CancelFunc
	settle     *time.Timer
	errMsg     string
	errGen     uint64
	errTimer   *time.Timer
	turns      int
	emptyTurns int
	closed     bool
}

func NewCallOrchestrator(services Services, config Config, logger Logger) (*CallOrchestrator, error) {
	if err := services.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = &NoOpLogger{}
	}

	o := &CallOrchestrator{
		config:  config,
		logger:  logger,
		bus:     newEventBus(),
		echo:    NewEchoSuppressor(audio.SampleRate),
		monitor: NewVoiceActivityMonitor(monitorConfigFrom(config), logger),
	}
	o.machine = newCallMachine(o.onStateEnter)
	o.installServices(services)
	return o, nil
}

func (o *CallOrchestrator) installServices(s Services) {
	o.services = s
	o.pipeline = NewConversationPipeline(s.Transcriber, s.Generator, s.Synthesizer, s.Player, o.config, o.logger)
	o.capture = NewAudioCaptureSession(s.Microphone, o.config.Capture, o.echo, o.logger)
}

// Reconfigure swaps the external services. Only allowed while idle.
func (o *CallOrchestrator) Reconfigure(services Services) error {
	if err := services.validate(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if o.machine.current() != StateIdle {
		return ErrCallActive
	}
	o.installServices(services)
	o.logger.Info("services reconfigured",
		"transcriber", services.Transcriber.Name(),
		"generator", services.Generator.Name(),
		"synthesizer", services.Synthesizer.Name())
	return nil
}

// StartCall acquires the microphone and, after the settle delay, starts listening.
// A microphone failure is returned as a *DeviceError and leaves the call idle.
func (o *CallOrchestrator) StartCall(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if err := o.machine.fire(eventDial); err != nil {
		o.mu.Unlock()
		return ErrCallActive
	}

	o.epoch++
	epoch := o.epoch
	o.clearErrorLocked()
	o.callID = uuid.NewString()
	o.session = NewConversationSession(o.callID)
	o.session.MaxMessages = o.config.MaxContextMessages
	o.session.Language = o.config.Language
	if o.config.SystemPrompt != "" {
		o.session.AddMessage("system", o.config.SystemPrompt)
	}

	callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.callCtx, o.callCancel = callCtx, cancel
	capture := o.capture
	callID := o.callID
	if p, ok := o.services.Synthesizer.(synthProber); ok {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			pctx, pcancel := context.WithTimeout(callCtx, 3*time.Second)
			defer pcancel()
			p.Probe(pctx)
		}()
	}
	o.mu.Unlock()

	o.logger.Info("call starting", "callID", callID)

	// Device acquisition can block on permission prompts; keep the lock free.
	err := capture.Open(ctx)

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.epoch != epoch {
		// Ended while the device was opening; Close already aborted this open.
		return nil
	}

	if err != nil {
		o.logger.Error("microphone unavailable", "callID", callID, "error", err)
		o.setErrorLocked(err)
		o.teardownLocked()
		return err
	}

	o.settle = time.AfterFunc(o.config.SettleDelay, func() { o.onSettled(epoch) })
	return nil
}

func (o *CallOrchestrator) onSettled(epoch uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.epoch != epoch || o.machine.current() != StateCalling {
		return
	}
	o.settle = nil
	if err := o.machine.fire(eventConnected); err != nil {
		o.logger.Error("connect transition failed", "error", err)
		return
	}
	o.beginListeningLocked()
}

// beginListeningLocked starts a fresh listening phase: new epoch, new clip
// unless muted, and a sampling loop that reports level 0 while muted.
func (o *CallOrchestrator) beginListeningLocked() {
	o.epoch++
	epoch := o.epoch

	o.monitor.SetMuted(o.muted)
	if o.muted {
		o.capture.DiscardClip()
		o.level.Store(0)
	} else {
		o.capture.BeginClip()
	}
	o.monitor.Start(o.capture, o.onLevel, func() { o.onBoundary(epoch) })
}

// onLevel runs on the sampling goroutine and must not take o.mu.
func (o *CallOrchestrator) onLevel(level int) {
	if int(o.level.Swap(int32(level))) == level {
		return
	}
	o.bus.publish(CallEvent{Type: LevelChanged, Level: level, At: time.Now()})
}

func (o *CallOrchestrator) onBoundary(epoch uint64) {
	o.mu.Lock()
	if o.closed || o.epoch != epoch || o.muted || o.machine.current() != StateListening {
		o.mu.Unlock()
		return
	}

	o.monitor.Stop()
	clip := o.capture.FinalizeClip()
	if err := o.machine.fire(eventUtterance); err != nil {
		o.logger.Error("utterance transition failed", "error", err)
		o.mu.Unlock()
		return
	}
	o.epoch++
	turn := o.epoch
	o.level.Store(0)

	ctx := o.callCtx
	pipeline := o.pipeline
	session := o.session
	o.wg.Add(1)
	o.mu.Unlock()
	defer o.wg.Done()

	o.logger.Info("utterance captured", "callID", session.ID, "duration", clip.Duration())
	res, err := pipeline.Run(ctx, clip, session, func(wav []byte) bool {
		return o.enterSpeaking(turn, wav)
	})
	o.finishTurn(turn, res, err)
}

func (o *CallOrchestrator) enterSpeaking(turn uint64, wav []byte) bool {
	var played []byte
	if o.config.Capture.EchoCancellation {
		if pcm, err := audio.DecodeWav(wav); err == nil {
			played = audio.Resample(pcm.Data, pcm.SampleRate, audio.SampleRate)
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.epoch != turn || o.machine.current() != StateProcessing {
		return false
	}
	if err := o.machine.fire(eventSpeak); err != nil {
		return false
	}
	o.echo.RecordPlayed(played)
	return true
}

func (o *CallOrchestrator) finishTurn(turn uint64, res TurnResult, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.epoch != turn {
		o.logger.Debug("discarding stale turn result", "error", err)
		return
	}

	o.turns++
	if res.Transcript != "" {
		o.emitLocked(CallEvent{Type: TranscriptText, Text: res.Transcript})
	}
	if res.Reply != "" {
		o.emitLocked(CallEvent{Type: BotResponse, Text: res.Reply})
	}

	switch {
	case err == nil:
		o.clearErrorLocked()
	case errors.Is(err, ErrEmptyTranscription):
		o.emptyTurns++
		o.logger.Info("no speech content, resuming", "callID", o.callID, "emptyTurns", o.emptyTurns)
	default:
		o.setErrorLocked(err)
	}

	if err := o.machine.fire(eventResume); err != nil {
		o.logger.Error("resume transition failed", "error", err)
		return
	}
	o.beginListeningLocked()
}

// ToggleMute flips the mute flag and returns the new value. It is a no-op while idle.
func (o *CallOrchestrator) ToggleMute() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || o.machine.current() == StateIdle {
		return o.muted
	}

	o.muted = !o.muted
	if o.machine.current() == StateListening {
		if o.muted {
			o.epoch++
			o.capture.DiscardClip()
			o.monitor.SetMuted(true)
			o.level.Store(0)
		} else {
			o.beginListeningLocked()
		}
	}

	o.logger.Info("mute toggled", "callID", o.callID, "muted", o.muted, "state", o.machine.current())
	o.emitLocked(CallEvent{Type: MuteChanged})
	return o.muted
}

// EndCall tears the call down from any state. Safe to call repeatedly.
func (o *CallOrchestrator) EndCall() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clearErrorLocked()
	if o.machine.current() == StateIdle {
		return
	}
	o.logger.Info("call ending", "callID", o.callID, "turns", o.turns)
	o.teardownLocked()
}

// teardownLocked releases every call resource and returns to Idle.
func (o *CallOrchestrator) teardownLocked() {
	o.epoch++
	if o.settle != nil {
		o.settle.Stop()
		o.settle = nil
	}
	o.monitor.Stop()
	o.capture.DiscardClip()
	if o.callCancel != nil {
		o.callCancel()
		o.callCtx, o.callCancel = nil, nil
	}
	o.services.Player.Stop()
	if err := o.capture.Close(); err != nil {
		o.logger.Warn("microphone release failed", "error", err)
	}
	o.echo.Reset()
	o.level.Store(0)

	if o.session != nil {
		o.session.ClearContext()
	}
	if err := o.machine.fire(eventHangup); err != nil {
		o.logger.Error("hangup transition failed", "error", err)
	}
	o.session = nil
	o.callID = ""
	o.turns = 0
	o.emptyTurns = 0
}

// Close ends any active call and releases the orchestrator. Subscriptions are closed.
func (o *CallOrchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	if o.machine.current() != StateIdle {
		o.teardownLocked()
	}
	o.clearErrorLocked()
	o.closed = true
	o.mu.Unlock()

	o.wg.Wait()
	o.bus.close()
	return nil
}

func (o *CallOrchestrator) setErrorLocked(err error) {
	o.errGen++
	gen := o.errGen
	o.errMsg = userMessage(err)
	if o.errTimer != nil {
		o.errTimer.Stop()
	}
	if o.config.ErrorDisplay > 0 {
		o.errTimer = time.AfterFunc(o.config.ErrorDisplay, func() { o.expireError(gen) })
	}
	o.emitLocked(CallEvent{Type: ErrorEvent, Error: o.errMsg})
}

func (o *CallOrchestrator) expireError(gen uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.errGen != gen || o.errMsg == "" {
		return
	}
	o.errTimer = nil
	o.errMsg = ""
	o.emitLocked(CallEvent{Type: ErrorCleared})
}

func (o *CallOrchestrator) clearErrorLocked() {
	o.errGen++
	if o.errTimer != nil {
		o.errTimer.Stop()
		o.errTimer = nil
	}
	if o.errMsg != "" {
		o.errMsg = ""
		o.emitLocked(CallEvent{Type: ErrorCleared})
	}
}

func userMessage(err error) string {
	switch {
	case errors.Is(err, ErrDeviceUnavailable):
		return "Could not access the microphone: " + err.Error()
	case errors.Is(err, ErrTranscriptionFailed):
		return "Could not process the recording"
	case errors.Is(err, ErrGenerationFailed):
		return "Could not generate a response"
	case errors.Is(err, ErrSynthesisFailed):
		return "Could not synthesize speech"
	case errors.Is(err, ErrPlaybackFailed):
		return "Could not play the response"
	}
	return err.Error()
}

// onStateEnter runs inside machine.fire, so o.mu is already held.
func (o *CallOrchestrator) onStateEnter(from, to CallState) {
	o.logger.Debug("call state changed", "callID", o.callID, "from", from, "to", to)
	o.emitLocked(CallEvent{Type: StateChanged})
}

func (o *CallOrchestrator) emitLocked(ev CallEvent) {
	ev.CallID = o.callID
	ev.State = o.machine.current()
	ev.Muted = o.muted
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	o.bus.publish(ev)
}

// Subscribe returns a feed of call events and a function to stop it.
func (o *CallOrchestrator) Subscribe(buffer int) (<-chan CallEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	return o.bus.subscribe(buffer)
}

func (o *CallOrchestrator) State() CallState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.machine.current()
}

func (o *CallOrchestrator) Muted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.muted
}

// Level is the live microphone energy, 0-255.
func (o *CallOrchestrator) Level() int {
	return int(o.level.Load())
}

func (o *CallOrchestrator) LastError() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.errMsg
}

func (o *CallOrchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Snapshot{
		CallID:     o.callID,
		State:      o.machine.current(),
		Muted:      o.muted,
		Level:      int(o.level.Load()),
		Error:      o.errMsg,
		Turns:      o.turns,
		EmptyTurns: o.emptyTurns,
	}
}

// History returns the current call's conversation, nil when idle.
func (o *CallOrchestrator) History() []Message {
	o.mu.Lock()
	session := o.session
	o.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.GetContextCopy()
}

// Services returns the collaborators currently installed.
func (o *CallOrchestrator) Services() Services {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.services
}
