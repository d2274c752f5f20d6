package coalesce

import (
	"sync"
	"time"

	logx "burstbot/pkg/logx"
)

type State int

const (
	StateIdle State = iota
	StateDebouncing
	StateProcessing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDebouncing:
		return "debouncing"
	case StateProcessing:
		return "processing"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Coalescer holds the buffered fragments and the in-flight flush of a single
// sender. All fields are guarded by mu.
type Coalescer struct {
	sender string
	eng    *Engine

	mu      sync.Mutex
	pending []string
	batch   []string
	timer   *debounceTimer
	gen     uint64
	flight  *flight
	handler Handler
	closed  bool

	lastFlushAt time.Time
}

func (c *Coalescer) Sender() string { return c.sender }

func (c *Coalescer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// Pending returns a copy of the fragments waiting for the next flush.
func (c *Coalescer) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.pending...)
}

func (c *Coalescer) stateLocked() State {
	switch {
	case c.flight != nil:
		return StateProcessing
	case c.timer != nil:
		return StateDebouncing
	default:
		return StateIdle
	}
}

func (c *Coalescer) snapshot() SenderState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return SenderState{
		Sender:      c.sender,
		State:       c.stateLocked(),
		Pending:     len(c.pending),
		InFlight:    len(c.batch),
		LastFlushAt: c.lastFlushAt,
	}
}

func (c *Coalescer) add(fragment string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// A coalescer created after Close took its registry snapshot is never
	// shut down, so the engine flag is checked here under c.mu as well.
	if c.closed || c.eng.closed.Load() {
		c.closed = true
		c.eng.log.Warn("fragment dropped", logx.String("sender", c.sender), logx.Err(ErrClosed))
		return
	}
	if h != nil {
		c.handler = h
	}

	if f := c.flight; f != nil {
		c.flight = nil
		f.cancel()

		requeued := make([]string, 0, len(c.batch)+len(c.pending)+1)
		requeued = append(requeued, c.batch...)
		requeued = append(requeued, c.pending...)
		c.pending = requeued
		c.batch = nil

		c.eng.preempted.Add(1)
		c.eng.log.Debug("flush preempted",
			logx.String("sender", c.sender),
			logx.String("flush_id", f.id),
			logx.Int("requeued", f.fragments),
		)
		c.eng.publish(EventFlushPreempted, f, nil)
	}

	c.pending = append(c.pending, fragment)
	c.rearmLocked()
}

// rearmLocked replaces any armed timer with a fresh one for the full window.
func (c *Coalescer) rearmLocked() {
	c.timer.stop()
	c.gen++
	c.timer = armTimer(c.eng.window, c.gen, c.fire)
}

func (c *Coalescer) fire(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timer == nil || c.timer.gen != gen {
		return
	}
	c.timer = nil
	if c.closed || c.eng.closed.Load() || len(c.pending) == 0 {
		return
	}

	batch := c.pending
	c.pending = nil
	if c.handler == nil {
		c.eng.log.Warn("batch dropped: no handler",
			logx.String("sender", c.sender),
			logx.Int("fragments", len(batch)),
		)
		return
	}
	c.launchLocked(batch, c.handler)
}

// shutdown is called once by Engine.Close. It returns the number of fragments
// that will never be flushed.
func (c *Coalescer) shutdown() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.timer.stop()
	c.timer = nil
	if c.flight != nil {
		c.flight.cancel()
		c.flight = nil
	}
	dropped := len(c.pending) + len(c.batch)
	c.pending = nil
	c.batch = nil
	return dropped
}
