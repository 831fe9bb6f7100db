package orchestrator

import (
	"sync"
	"time"
)

type EventType string

const (
	StateChanged   EventType = "STATE_CHANGED"
	MuteChanged    EventType = "MUTE_CHANGED"
	LevelChanged   EventType = "LEVEL"
	TranscriptText EventType = "TRANSCRIPT"
	BotResponse    EventType = "BOT_RESPONSE"
	ErrorEvent     EventType = "ERROR"
	ErrorCleared   EventType = "ERROR_CLEARED"
)

// CallEvent is what the UI layer observes.
type CallEvent struct {
	Type   EventType `json:"type"`
	CallID string    `json:"call_id,omitempty"`
	State  CallState `json:"state,omitempty"`
	Muted  bool      `json:"muted"`
	Level  int       `json:"level,omitempty"`
	Text   string    `json:"text,omitempty"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// eventBus fans events out to subscribers without ever blocking the sender.
// Slow subscribers lose events; state can always be re-read with Snapshot.
type eventBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan CallEvent
	closed bool
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int]chan CallEvent)}
}

func (b *eventBus) subscribe(buffer int) (<-chan CallEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan CallEvent, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

func (b *eventBus) publish(ev CallEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
