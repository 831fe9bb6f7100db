package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lokutor-ai/lokutor-call/pkg/audio"
)

type callFixture struct {
	orch   *CallOrchestrator
	mic    *fakeMic
	stt    *MockTranscriber
	llm    *MockGenerator
	tts    *MockSynthesizer
	player *MockPlayer
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SampleInterval = time.Millisecond
	cfg.SilenceTimeout = 20 * time.Millisecond
	cfg.SettleDelay = 5 * time.Millisecond
	cfg.ErrorDisplay = time.Minute
	cfg.Capture = audio.CaptureOptions{}
	return cfg
}

func newCallFixture(t *testing.T, cfg Config) *callFixture {
	t.Helper()
	f := &callFixture{
		mic:    &fakeMic{},
		stt:    &MockTranscriber{result: "hello there"},
		llm:    &MockGenerator{result: "hi, how can I help?"},
		tts:    &MockSynthesizer{result: speechWav()},
		player: &MockPlayer{},
	}
	orch, err := NewCallOrchestrator(Services{
		Microphone:  f.mic,
		Transcriber: f.stt,
		Generator:   f.llm,
		Synthesizer: f.tts,
		Player:      f.player,
	}, cfg, nil)
	require.NoError(t, err)
	f.orch = orch
	t.Cleanup(func() { _ = orch.Close() })
	return f
}

func waitForState(t *testing.T, o *CallOrchestrator, want CallState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if o.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, still %s", want, o.State())
}

// speakThenPause makes the fake caller talk until the monitor hears it, then go quiet.
func (f *callFixture) speakThenPause(t *testing.T) {
	t.Helper()
	f.mic.level.Store(60)
	require.Eventually(t, func() bool { return f.orch.Level() == 60 }, 2*time.Second, time.Millisecond)
	f.mic.level.Store(0)
}

func (f *callFixture) assertTornDown(t *testing.T) {
	t.Helper()
	o := f.orch
	assert.Equal(t, StateIdle, o.State())
	assert.False(t, o.monitor.Running(), "monitor still sampling")
	assert.False(t, o.capture.IsOpen(), "capture still open")
	assert.Equal(t, int32(0), f.mic.active(), "microphone still held")
	assert.Equal(t, 0, o.Level())

	o.mu.Lock()
	defer o.mu.Unlock()
	assert.Nil(t, o.settle, "settle timer pending")
	assert.Nil(t, o.errTimer, "error timer pending")
	assert.Nil(t, o.callCancel)
	assert.Empty(t, o.errMsg)
}

func TestStartCallSettlesIntoListening(t *testing.T) {
	f := newCallFixture(t, testConfig())
	events, cancel := f.orch.Subscribe(64)
	defer cancel()

	require.NoError(t, f.orch.StartCall(context.Background()))
	waitForState(t, f.orch, StateListening)

	snap := f.orch.Snapshot()
	assert.NotEmpty(t, snap.CallID)
	assert.False(t, snap.Muted)
	assert.True(t, f.orch.capture.Recording())
	assert.True(t, f.orch.monitor.Running())

	history := f.orch.History()
	require.Len(t, history, 1)
	assert.Equal(t, "system", history[0].Role)

	var states []CallState
	timeout := time.After(time.Second)
	for len(states) < 2 {
		select {
		case ev := <-events:
			if ev.Type == StateChanged {
				states = append(states, ev.State)
			}
		case <-timeout:
			t.Fatalf("missing state events, got %v", states)
		}
	}
	assert.Equal(t, []CallState{StateCalling, StateListening}, states)
}

func TestStartCallTwiceIsRejected(t *testing.T) {
	f := newCallFixture(t, testConfig())
	require.NoError(t, f.orch.StartCall(context.Background()))
	require.ErrorIs(t, f.orch.StartCall(context.Background()), ErrCallActive)
}

func TestStartCallDeviceFailure(t *testing.T) {
	f := newCallFixture(t, testConfig())
	f.mic.openErr = errors.New("permission denied")

	err := f.orch.StartCall(context.Background())
	require.ErrorIs(t, err, ErrDeviceUnavailable)
	var devErr *DeviceError
	require.ErrorAs(t, err, &devErr)

	assert.Equal(t, StateIdle, f.orch.State())
	assert.Contains(t, f.orch.LastError(), "microphone")
	assert.False(t, f.orch.capture.IsOpen())
}

func TestUtteranceRunsPipelineOnce(t *testing.T) {
	f := newCallFixture(t, testConfig())
	require.NoError(t, f.orch.StartCall(context.Background()))
	waitForState(t, f.orch, StateListening)

	f.speakThenPause(t)

	require.Eventually(t, func() bool { return f.player.plays.Load() == 1 }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return f.orch.Snapshot().Turns == 1 }, 2*time.Second, time.Millisecond)
	waitForState(t, f.orch, StateListening)

	// Continued silence must not start another turn.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), f.stt.calls.Load())
	assert.Equal(t, int32(1), f.llm.calls.Load())
	assert.Equal(t, int32(1), f.player.plays.Load())
	assert.Empty(t, f.orch.LastError())
	assert.True(t, f.orch.capture.Recording(), "fresh clip after the turn")

	history := f.orch.History()
	require.Len(t, history, 3)
	assert.Equal(t, "hello there", history[1].Content)
	assert.Equal(t, "hi, how can I help?", history[2].Content)
}

func TestSpeakingStateDuringPlayback(t *testing.T) {
	f := newCallFixture(t, testConfig())
	f.player.release = make(chan struct{})

	require.NoError(t, f.orch.StartCall(context.Background()))
	waitForState(t, f.orch, StateListening)
	f.speakThenPause(t)

	waitForState(t, f.orch, StateSpeaking)
	assert.False(t, f.orch.monitor.Running(), "monitor idle while speaking")

	close(f.player.release)
	waitForState(t, f.orch, StateListening)
}

func TestEmptyTranscriptResumesSilently(t *testing.T) {
	f := newCallFixture(t, testConfig())
	f.stt.result = "   "

	require.NoError(t, f.orch.StartCall(context.Background()))
	waitForState(t, f.orch, StateListening)
	f.speakThenPause(t)

	require.Eventually(t, func() bool { return f.orch.Snapshot().EmptyTurns == 1 }, 2*time.Second, time.Millisecond)
	waitForState(t, f.orch, StateListening)
	assert.Equal(t, int32(0), f.llm.calls.Load())
	assert.Equal(t, int32(0), f.player.plays.Load())
	assert.Empty(t, f.orch.LastError())
}

func TestGenerationFailureShowsErrorWithoutPlayback(t *testing.T) {
	f := newCallFixture(t, testConfig())
	f.llm.err = errors.New("unexpected status 500")

	require.NoError(t, f.orch.StartCall(context.Background()))
	waitForState(t, f.orch, StateListening)
	f.speakThenPause(t)

	require.Eventually(t, func() bool { return f.orch.LastError() != "" }, 2*time.Second, time.Millisecond)
	waitForState(t, f.orch, StateListening)
	assert.Equal(t, int32(0), f.tts.calls.Load())
	assert.Equal(t, int32(0), f.player.plays.Load())
	assert.True(t, f.orch.capture.Recording())
}

func TestErrorMessageClearsAfterDisplayTime(t *testing.T) {
	cfg := testConfig()
	cfg.ErrorDisplay = 30 * time.Millisecond
	f := newCallFixture(t, cfg)
	f.llm.err = errors.New("unexpected status 500")

	require.NoError(t, f.orch.StartCall(context.Background()))
	waitForState(t, f.orch, StateListening)
	f.speakThenPause(t)

	require.Eventually(t, func() bool { return f.orch.LastError() != "" }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return f.orch.LastError() == "" }, 2*time.Second, 5*time.Millisecond)
}

func TestLatePipelineResultIsDiscarded(t *testing.T) {
	f := newCallFixture(t, testConfig())
	f.stt.release = make(chan struct{})

	require.NoError(t, f.orch.StartCall(context.Background()))
	waitForState(t, f.orch, StateListening)
	f.speakThenPause(t)
	waitForState(t, f.orch, StateProcessing)

	f.orch.EndCall()
	f.assertTornDown(t)

	close(f.stt.release)
	f.orch.wg.Wait()

	assert.Equal(t, StateIdle, f.orch.State())
	assert.Equal(t, int32(0), f.llm.calls.Load())
	assert.Equal(t, int32(0), f.player.plays.Load())
	assert.Empty(t, f.orch.LastError())
	assert.Nil(t, f.orch.History())
}

func TestMuteWhileListeningDiscardsClip(t *testing.T) {
	f := newCallFixture(t, testConfig())
	require.NoError(t, f.orch.StartCall(context.Background()))
	waitForState(t, f.orch, StateListening)

	f.mic.level.Store(60)
	require.Eventually(t, func() bool { return f.orch.Level() == 60 }, 2*time.Second, time.Millisecond)

	assert.True(t, f.orch.ToggleMute())
	assert.Equal(t, StateListening, f.orch.State())
	assert.False(t, f.orch.capture.Recording(), "clip survived mute")
	assert.Equal(t, 0, f.orch.monitor.SilentFrames())

	f.mic.level.Store(0)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), f.stt.calls.Load(), "boundary fired while muted")
	assert.Equal(t, StateListening, f.orch.State())
	assert.Equal(t, 0, f.orch.Level())

	// Unmuting starts over; silence alone never ends an utterance.
	assert.False(t, f.orch.ToggleMute())
	assert.True(t, f.orch.capture.Recording())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), f.stt.calls.Load())

	f.speakThenPause(t)
	require.Eventually(t, func() bool { return f.stt.calls.Load() == 1 }, 2*time.Second, time.Millisecond)
}

func TestMuteInIdleIsNoOp(t *testing.T) {
	f := newCallFixture(t, testConfig())
	events, cancel := f.orch.Subscribe(8)
	defer cancel()

	assert.False(t, f.orch.ToggleMute())
	assert.False(t, f.orch.Muted())
	assert.Equal(t, StateIdle, f.orch.State())

	select {
	case ev := <-events:
		t.Fatalf("unexpected event %s", ev.Type)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSettleHonorsExistingMute(t *testing.T) {
	cfg := testConfig()
	cfg.SettleDelay = 50 * time.Millisecond
	f := newCallFixture(t, cfg)

	require.NoError(t, f.orch.StartCall(context.Background()))
	require.Equal(t, StateCalling, f.orch.State())
	require.True(t, f.orch.ToggleMute())

	f.mic.level.Store(60)
	waitForState(t, f.orch, StateListening)
	assert.False(t, f.orch.capture.Recording())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, f.orch.Level())
}

func TestMuteDuringProcessingOnlyAffectsResume(t *testing.T) {
	f := newCallFixture(t, testConfig())
	f.stt.release = make(chan struct{})

	require.NoError(t, f.orch.StartCall(context.Background()))
	waitForState(t, f.orch, StateListening)
	f.speakThenPause(t)
	waitForState(t, f.orch, StateProcessing)

	require.True(t, f.orch.ToggleMute())
	assert.Equal(t, StateProcessing, f.orch.State())

	close(f.stt.release)
	require.Eventually(t, func() bool { return f.player.plays.Load() == 1 }, 2*time.Second, time.Millisecond)
	waitForState(t, f.orch, StateListening)
	assert.False(t, f.orch.capture.Recording(), "muted call resumed recording")
}

func TestEndCallTearsDownFromAnyState(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, f *callFixture)
	}{
		{
			name:  "idle",
			setup: func(t *testing.T, f *callFixture) {},
		},
		{
			name: "calling",
			setup: func(t *testing.T, f *callFixture) {
				f.orch.config.SettleDelay = time.Hour
				require.NoError(t, f.orch.StartCall(context.Background()))
				require.Equal(t, StateCalling, f.orch.State())
			},
		},
		{
			name: "listening",
			setup: func(t *testing.T, f *callFixture) {
				require.NoError(t, f.orch.StartCall(context.Background()))
				waitForState(t, f.orch, StateListening)
			},
		},
		{
			name: "listening muted",
			setup: func(t *testing.T, f *callFixture) {
				require.NoError(t, f.orch.StartCall(context.Background()))
				waitForState(t, f.orch, StateListening)
				f.orch.ToggleMute()
			},
		},
		{
			name: "listening mute unmute",
			setup: func(t *testing.T, f *callFixture) {
				require.NoError(t, f.orch.StartCall(context.Background()))
				waitForState(t, f.orch, StateListening)
				f.orch.ToggleMute()
				f.orch.ToggleMute()
				f.orch.ToggleMute()
			},
		},
		{
			name: "processing",
			setup: func(t *testing.T, f *callFixture) {
				f.stt.release = make(chan struct{})
				t.Cleanup(func() { close(f.stt.release) })
				require.NoError(t, f.orch.StartCall(context.Background()))
				waitForState(t, f.orch, StateListening)
				f.speakThenPause(t)
				waitForState(t, f.orch, StateProcessing)
			},
		},
		{
			name: "speaking",
			setup: func(t *testing.T, f *callFixture) {
				f.player.release = make(chan struct{})
				require.NoError(t, f.orch.StartCall(context.Background()))
				waitForState(t, f.orch, StateListening)
				f.speakThenPause(t)
				waitForState(t, f.orch, StateSpeaking)
			},
		},
		{
			name: "with visible error",
			setup: func(t *testing.T, f *callFixture) {
				f.llm.err = errors.New("unexpected status 500")
				require.NoError(t, f.orch.StartCall(context.Background()))
				waitForState(t, f.orch, StateListening)
				f.speakThenPause(t)
				require.Eventually(t, func() bool { return f.orch.LastError() != "" }, 2*time.Second, time.Millisecond)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCallFixture(t, testConfig())
			tt.setup(t, f)

			f.orch.EndCall()
			f.assertTornDown(t)

			// Nothing scheduled before EndCall may revive the call.
			time.Sleep(50 * time.Millisecond)
			f.assertTornDown(t)

			f.orch.EndCall()
			f.assertTornDown(t)
		})
	}
}

func TestEndCallStopsPlayback(t *testing.T) {
	f := newCallFixture(t, testConfig())
	f.player.release = make(chan struct{})

	require.NoError(t, f.orch.StartCall(context.Background()))
	waitForState(t, f.orch, StateListening)
	f.speakThenPause(t)
	waitForState(t, f.orch, StateSpeaking)

	f.orch.EndCall()
	assert.GreaterOrEqual(t, f.player.stops.Load(), int32(1))
	f.orch.wg.Wait()
	f.assertTornDown(t)
}

func TestCallCanBeRestarted(t *testing.T) {
	f := newCallFixture(t, testConfig())
	require.NoError(t, f.orch.StartCall(context.Background()))
	waitForState(t, f.orch, StateListening)
	first := f.orch.Snapshot().CallID

	f.orch.EndCall()
	require.NoError(t, f.orch.StartCall(context.Background()))
	waitForState(t, f.orch, StateListening)

	assert.NotEqual(t, first, f.orch.Snapshot().CallID)
	assert.Equal(t, int32(1), f.mic.active())
}

func TestReconfigureOnlyWhenIdle(t *testing.T) {
	f := newCallFixture(t, testConfig())
	next := Services{
		Microphone:  &fakeMic{},
		Transcriber: &MockTranscriber{result: "x"},
		Generator:   &MockGenerator{result: "y"},
		Synthesizer: &MockSynthesizer{result: speechWav()},
		Player:      &MockPlayer{},
	}

	require.ErrorIs(t, f.orch.Reconfigure(Services{}), ErrNilProvider)
	require.NoError(t, f.orch.StartCall(context.Background()))
	require.ErrorIs(t, f.orch.Reconfigure(next), ErrCallActive)

	f.orch.EndCall()
	require.NoError(t, f.orch.Reconfigure(next))
	assert.Equal(t, "y", mustComplete(t, f.orch.Services().Generator))
}

func mustComplete(t *testing.T, g Generator) string {
	t.Helper()
	out, err := g.Complete(context.Background(), nil)
	require.NoError(t, err)
	return out
}

func TestCloseEndsCallAndSubscriptions(t *testing.T) {
	f := newCallFixture(t, testConfig())
	events, _ := f.orch.Subscribe(256)

	require.NoError(t, f.orch.StartCall(context.Background()))
	waitForState(t, f.orch, StateListening)

	require.NoError(t, f.orch.Close())
	f.assertTornDown(t)
	require.ErrorIs(t, f.orch.StartCall(context.Background()), ErrClosed)

	for range events {
	}
	require.NoError(t, f.orch.Close())
}

func TestNewCallOrchestratorRequiresServices(t *testing.T) {
	_, err := NewCallOrchestrator(Services{}, DefaultConfig(), nil)
	require.ErrorIs(t, err, ErrNilProvider)
}
