package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"
)

// CallState is the single source of truth for where a call is.
type CallState string

const (
	StateIdle       CallState = "idle"
	StateCalling    CallState = "calling"
	StateListening  CallState = "listening"
	StateProcessing CallState = "processing"
	StateSpeaking   CallState = "speaking"
)

func (s CallState) String() string {
	return string(s)
}

// Active reports whether a call is in progress.
func (s CallState) Active() bool {
	return s != StateIdle
}

const (
	eventDial      = "dial"
	eventConnected = "connected"
	eventUtterance = "utterance"
	eventSpeak     = "speak"
	eventResume    = "resume"
	eventHangup    = "hangup"
)

// ErrInvalidTransition is returned when an event does not apply to the current state.
var ErrInvalidTransition = errors.New("invalid call state transition")

// callMachine wraps the transition table. It is not safe for concurrent use;
// CallOrchestrator serializes access under its own mutex.
type callMachine struct {
	fsm *fsm.FSM
}

func newCallMachine(onEnter func(from, to CallState)) *callMachine {
	active := []string{
		string(StateCalling),
		string(StateListening),
		string(StateProcessing),
		string(StateSpeaking),
	}

	m := &callMachine{}
	m.fsm = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: eventDial, Src: []string{string(StateIdle)}, Dst: string(StateCalling)},
			{Name: eventConnected, Src: []string{string(StateCalling)}, Dst: string(StateListening)},
			{Name: eventUtterance, Src: []string{string(StateListening)}, Dst: string(StateProcessing)},
			{Name: eventSpeak, Src: []string{string(StateProcessing)}, Dst: string(StateSpeaking)},
			{Name: eventResume, Src: []string{string(StateProcessing), string(StateSpeaking)}, Dst: string(StateListening)},
			{Name: eventHangup, Src: active, Dst: string(StateIdle)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if onEnter != nil {
					onEnter(CallState(e.Src), CallState(e.Dst))
				}
			},
		},
	)
	return m
}

func (m *callMachine) current() CallState {
	return CallState(m.fsm.Current())
}

func (m *callMachine) can(event string) bool {
	return m.fsm.Can(event)
}

func (m *callMachine) fire(event string) error {
	err := m.fsm.Event(context.Background(), event)
	if err == nil {
		return nil
	}

	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	var invalid fsm.InvalidEventError
	if errors.As(err, &invalid) {
		return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, event, m.current())
	}
	return err
}
