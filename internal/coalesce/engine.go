package coalesce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"burstbot/internal/eventbus"
	logx "burstbot/pkg/logx"
)

// Handler receives the combined text of one batch. ctx is cancelled when the
// batch is preempted by a newer fragment or the engine closes.
type Handler func(ctx context.Context, sender, text string) error

const (
	DefaultWindow = 2 * time.Second
	MinWindow     = 1 * time.Second
	MaxWindow     = 5 * time.Second
)

var (
	ErrInvalidWindow = errors.New("coalesce: debounce window must be positive")
	ErrInvalidBounds = errors.New("coalesce: invalid debounce window bounds")
	ErrClosed        = errors.New("coalesce: engine closed")
)

type Option func(*options)

type options struct {
	log       logx.Logger
	bus       eventbus.Bus
	min, max  time.Duration
	boundsErr error
	newID     func() string
}

func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = log } }

// WithBus publishes flush lifecycle events (see Event* constants) to b.
func WithBus(b eventbus.Bus) Option { return func(o *options) { o.bus = b } }

// WithWindowBounds replaces the [MinWindow, MaxWindow] clamp range.
func WithWindowBounds(min, max time.Duration) Option {
	return func(o *options) {
		if min <= 0 || max < min {
			o.boundsErr = fmt.Errorf("%w: min=%s max=%s", ErrInvalidBounds, min, max)
			return
		}
		o.min, o.max = min, max
	}
}

// ClampWindow validates d and clamps it into [min, max].
func ClampWindow(d, min, max time.Duration) (time.Duration, error) {
	if d <= 0 {
		return 0, fmt.Errorf("%w: got %s", ErrInvalidWindow, d)
	}
	if d < min {
		return min, nil
	}
	if d > max {
		return max, nil
	}
	return d, nil
}

// Engine owns the sender registry and the lifetime of every timer and flush
// it starts.
type Engine struct {
	window time.Duration
	log    logx.Logger
	bus    eventbus.Bus
	newID  func() string

	reg *Registry

	// ctx parents every flush context; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	started   atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	preempted atomic.Uint64
}

// New builds an engine with the given debounce window. A non-positive window
// is a configuration error; anything outside the bounds is clamped.
func New(window time.Duration, opts ...Option) (*Engine, error) {
	o := options{min: MinWindow, max: MaxWindow, newID: uuid.NewString}
	for _, opt := range opts {
		opt(&o)
	}
	if o.boundsErr != nil {
		return nil, o.boundsErr
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}

	w, err := ClampWindow(window, o.min, o.max)
	if err != nil {
		return nil, err
	}
	if w != window {
		o.log.Warn("debounce window clamped", logx.Duration("requested", window), logx.Duration("window", w))
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		window: w,
		log:    o.log,
		bus:    o.bus,
		newID:  o.newID,
		ctx:    ctx,
		cancel: cancel,
	}
	e.reg = newRegistry(func(sender string) *Coalescer {
		return &Coalescer{sender: sender, eng: e}
	})
	return e, nil
}

func (e *Engine) Window() time.Duration { return e.window }

func (e *Engine) Registry() *Registry { return e.reg }

// AddMessage queues fragment for sender and records h as the handler for this
// and every later flush of that sender (a nil h keeps the previous one). It
// never blocks on a handler and never reports handler errors.
func (e *Engine) AddMessage(sender, fragment string, h Handler) {
	if e.closed.Load() {
		e.log.Warn("fragment dropped", logx.String("sender", sender), logx.Err(ErrClosed))
		return
	}
	e.reg.Resolve(sender).add(fragment, h)
}

// Close stops all debounce timers, cancels in-flight flushes and waits for
// their goroutines to return or ctx to expire. Pending fragments are dropped.
func (e *Engine) Close(ctx context.Context) error {
	if e.closed.CompareAndSwap(false, true) {
		dropped := 0
		for _, c := range e.reg.all() {
			dropped += c.shutdown()
		}
		e.cancel()
		if dropped > 0 {
			e.log.Warn("engine closed with unflushed fragments", logx.Int("dropped", dropped))
		}
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SenderState is a point-in-time view of one coalescer.
type SenderState struct {
	Sender      string    `json:"sender"`
	State       State     `json:"state"`
	Pending     int       `json:"pending"`
	InFlight    int       `json:"in_flight"`
	LastFlushAt time.Time `json:"last_flush_at,omitempty"`
}

// Snapshot is a diagnostics view of the engine.
type Snapshot struct {
	Window    time.Duration `json:"window"`
	Closed    bool          `json:"closed"`
	Started   uint64        `json:"flushes_started"`
	Completed uint64        `json:"flushes_completed"`
	Failed    uint64        `json:"flushes_failed"`
	Preempted uint64        `json:"flushes_preempted"`
	Senders   []SenderState `json:"senders"`
}

func (e *Engine) Snapshot() Snapshot {
	snap := Snapshot{
		Window:    e.window,
		Closed:    e.closed.Load(),
		Started:   e.started.Load(),
		Completed: e.completed.Load(),
		Failed:    e.failed.Load(),
		Preempted: e.preempted.Load(),
	}
	for _, c := range e.reg.all() {
		snap.Senders = append(snap.Senders, c.snapshot())
	}
	return snap
}
