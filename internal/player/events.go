package player

import (
	"encoding/json"
	"sync"
	"time"
)

type EventType string

const (
	EventLoading      EventType = "loading"
	EventReady        EventType = "ready"
	EventTimeUpdate   EventType = "timeUpdate"
	EventEnded        EventType = "ended"
	EventError        EventType = "error"
	EventVolumeChange EventType = "volumeChange"
	EventStateChange  EventType = "stateChange"
	EventCall         EventType = "call"
)

type Event struct {
	Type      EventType  `json:"type"`
	SessionID string     `json:"sessionId"`
	At        time.Time  `json:"at"`
	Kind      SourceKind `json:"kind,omitempty"`
	State     State      `json:"state,omitempty"`

	CurrentTime float64 `json:"currentTime,omitempty"`
	Duration    float64 `json:"duration,omitempty"`
	Volume      float64 `json:"volume,omitempty"`
	Muted       bool    `json:"muted,omitempty"`

	ErrorKind ErrorKind `json:"errorKind,omitempty"`
	Message   string    `json:"message,omitempty"`

	Call *Call `json:"call,omitempty"`
}

// MarshalJSON always writes the payload fields an event type carries, zero
// values included: currentTime and duration on timeUpdate and ended, volume
// and muted on volumeChange.
func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	out := struct {
		plain
		CurrentTime *float64 `json:"currentTime,omitempty"`
		Duration    *float64 `json:"duration,omitempty"`
		Volume      *float64 `json:"volume,omitempty"`
		Muted       *bool    `json:"muted,omitempty"`
	}{plain: plain(e)}
	switch e.Type {
	case EventTimeUpdate, EventEnded:
		out.CurrentTime, out.Duration = &e.CurrentTime, &e.Duration
	case EventVolumeChange:
		out.Volume, out.Muted = &e.Volume, &e.Muted
	default:
		if e.CurrentTime != 0 {
			out.CurrentTime = &e.CurrentTime
		}
		if e.Duration != 0 {
			out.Duration = &e.Duration
		}
	}
	return json.Marshal(out)
}

// bus fans events out to subscribers without ever blocking the publisher;
// a subscriber that falls behind loses events rather than stalling playback.
type bus struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

func newBus() *bus { return &bus{subs: make(map[int]chan Event)} }

func (b *bus) subscribe(buf int) (<-chan Event, func()) {
	ch := make(chan Event, buf)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.mu.Unlock()
		})
	}
}

func (b *bus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *bus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
