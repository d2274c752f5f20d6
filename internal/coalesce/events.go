package coalesce

import (
	"time"

	"burstbot/internal/eventbus"
)

// Event types published on the bus passed through WithBus.
const (
	EventPrefix         = "coalesce.flush."
	EventFlushStarted   = "coalesce.flush.started"
	EventFlushCompleted = "coalesce.flush.completed"
	EventFlushFailed    = "coalesce.flush.failed"
	EventFlushPreempted = "coalesce.flush.preempted"
)

// FlushEvent is the payload of every flush event.
type FlushEvent struct {
	ID        string        `json:"id"`
	Sender    string        `json:"sender"`
	Fragments int           `json:"fragments"`
	Chars     int           `json:"chars"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

func (e *Engine) publish(typ string, f *flight, err error) {
	if e.bus == nil {
		return
	}
	ev := FlushEvent{
		ID:        f.id,
		Sender:    f.sender,
		Fragments: f.fragments,
		Chars:     f.chars,
	}
	if typ != EventFlushStarted {
		ev.Duration = time.Since(f.started)
	}
	if err != nil {
		ev.Error = err.Error()
	}
	e.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
