package runlog

import (
	"log/slog"
	"sync"
)

const tapBufSize = 256

// Bus fans out a run's events to any number of independent observers
// without the Logger knowing about its consumers. Observers attach with
// NewTap; internal/replay reads the finished events.jsonl instead.
type Bus struct {
	mu   sync.RWMutex
	taps []chan Event
}

func NewBus() *Bus { return &Bus{} }

// Publish fans e out to every tap. Non-blocking: a full tap drops the event.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	taps := b.taps
	b.mu.RUnlock()
	for _, ch := range taps {
		select {
		case ch <- e:
		default:
			slog.With("component", "runlog").Warn("tap channel full, event dropped", "kind", e.Kind)
		}
	}
}

// NewTap registers and returns a new read-only tap channel.
func (b *Bus) NewTap() <-chan Event {
	ch := make(chan Event, tapBufSize)
	b.mu.Lock()
	b.taps = append(b.taps, ch)
	b.mu.Unlock()
	return ch
}
