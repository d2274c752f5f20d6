package coalesce

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"burstbot/internal/eventbus"
)

type call struct {
	sender string
	text   string
}

func newTestEngine(t *testing.T, window time.Duration, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithWindowBounds(time.Millisecond, time.Second)}, opts...)
	e, err := New(window, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return e
}

func recorder() (Handler, <-chan call) {
	ch := make(chan call, 128)
	return func(_ context.Context, sender, text string) error {
		ch <- call{sender: sender, text: text}
		return nil
	}, ch
}

func waitCall(t *testing.T, ch <-chan call) call {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not called")
		return call{}
	}
}

func expectNoCall(t *testing.T, ch <-chan call, d time.Duration) {
	t.Helper()
	select {
	case c := <-ch:
		t.Fatalf("unexpected flush %q for %q", c.text, c.sender)
	case <-time.After(d):
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func stateOf(e *Engine, sender string) State {
	c, ok := e.Registry().Lookup(sender)
	if !ok {
		return StateIdle
	}
	return c.State()
}

func TestBurstFlushesOnce(t *testing.T) {
	e := newTestEngine(t, 50*time.Millisecond)
	h, calls := recorder()

	e.AddMessage("U1", "I", h)
	time.Sleep(5 * time.Millisecond)
	e.AddMessage("U1", "want", h)
	time.Sleep(5 * time.Millisecond)
	e.AddMessage("U1", "a call", h)

	if got := stateOf(e, "U1"); got != StateDebouncing {
		t.Fatalf("state = %s, want debouncing", got)
	}

	c := waitCall(t, calls)
	if c.sender != "U1" || c.text != "I want a call" {
		t.Fatalf("flush = %+v", c)
	}
	expectNoCall(t, calls, 150*time.Millisecond)

	waitFor(t, "idle", func() bool { return stateOf(e, "U1") == StateIdle })
	snap := e.Snapshot()
	if snap.Started != 1 || snap.Completed != 1 || snap.Failed != 0 || snap.Preempted != 0 {
		t.Fatalf("counters = %+v", snap)
	}
}

func TestSingleFragmentWaitsFullWindow(t *testing.T) {
	e := newTestEngine(t, 80*time.Millisecond)
	h, calls := recorder()

	start := time.Now()
	e.AddMessage("U1", "hi", h)
	c := waitCall(t, calls)
	if c.text != "hi" {
		t.Fatalf("text = %q", c.text)
	}
	if took := time.Since(start); took < 80*time.Millisecond {
		t.Fatalf("flushed after %s, before the window elapsed", took)
	}
}

func TestEachFragmentRestartsWindow(t *testing.T) {
	e := newTestEngine(t, 60*time.Millisecond)
	h, calls := recorder()

	e.AddMessage("U1", "a", h)
	for _, frag := range []string{"b", "c", "d"} {
		time.Sleep(30 * time.Millisecond)
		e.AddMessage("U1", frag, h)
	}
	if c := waitCall(t, calls); c.text != "a b c d" {
		t.Fatalf("text = %q", c.text)
	}
}

func TestPreemptedFlushRequeuesBatch(t *testing.T) {
	e := newTestEngine(t, 40*time.Millisecond)

	started := make(chan string, 8)
	cancelled := make(chan string, 8)
	done := make(chan string, 8)
	h := func(ctx context.Context, _ string, text string) error {
		started <- text
		if text == "hello" {
			select {
			case <-ctx.Done():
				cancelled <- text
				return ctx.Err()
			case <-time.After(5 * time.Second):
				done <- text
				return nil
			}
		}
		done <- text
		return nil
	}

	e.AddMessage("U1", "hello", h)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first flush never started")
	}
	if got := stateOf(e, "U1"); got != StateProcessing {
		t.Fatalf("state = %s, want processing", got)
	}

	e.AddMessage("U1", "urgent", h)
	select {
	case text := <-cancelled:
		if text != "hello" {
			t.Fatalf("cancelled %q", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight flush was not cancelled")
	}

	select {
	case text := <-done:
		if text != "hello urgent" {
			t.Fatalf("second flush = %q, want %q", text, "hello urgent")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("requeued batch was not flushed")
	}

	waitFor(t, "idle", func() bool { return stateOf(e, "U1") == StateIdle })
	snap := e.Snapshot()
	if snap.Started != 2 || snap.Completed != 1 || snap.Preempted != 1 || snap.Failed != 0 {
		t.Fatalf("counters = %+v", snap)
	}
}

func TestPreemptionKeepsPendingOrder(t *testing.T) {
	e := newTestEngine(t, 30*time.Millisecond)

	release := make(chan struct{})
	var mu sync.Mutex
	var texts []string
	h := func(ctx context.Context, _ string, text string) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-release:
		}
		mu.Lock()
		texts = append(texts, text)
		mu.Unlock()
		return nil
	}

	e.AddMessage("U1", "one", h)
	waitFor(t, "processing", func() bool { return stateOf(e, "U1") == StateProcessing })
	e.AddMessage("U1", "two", h)
	e.AddMessage("U1", "three", h)
	waitFor(t, "processing again", func() bool { return stateOf(e, "U1") == StateProcessing })
	close(release)

	waitFor(t, "flush recorded", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(texts) == 1
	})
	if texts[0] != "one two three" {
		t.Fatalf("text = %q", texts[0])
	}
}

func TestFailedFlushDropsBatch(t *testing.T) {
	e := newTestEngine(t, 30*time.Millisecond)

	calls := make(chan string, 8)
	h := func(_ context.Context, _ string, text string) error {
		calls <- text
		if text == "boom" {
			return errors.New("agent unavailable")
		}
		return nil
	}

	e.AddMessage("U1", "boom", h)
	if got := <-calls; got != "boom" {
		t.Fatalf("first = %q", got)
	}
	waitFor(t, "idle after failure", func() bool { return stateOf(e, "U1") == StateIdle })
	if c, _ := e.Registry().Lookup("U1"); len(c.Pending()) != 0 {
		t.Fatalf("failed batch should be dropped, pending = %v", c.Pending())
	}

	e.AddMessage("U1", "next", h)
	select {
	case got := <-calls:
		if got != "next" {
			t.Fatalf("second = %q, want a fresh batch", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fresh cycle never flushed")
	}

	waitFor(t, "completed", func() bool { return e.Snapshot().Completed == 1 })
	if snap := e.Snapshot(); snap.Failed != 1 {
		t.Fatalf("failed = %d", snap.Failed)
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	e := newTestEngine(t, 20*time.Millisecond)

	calls := make(chan string, 8)
	h := func(_ context.Context, _ string, text string) error {
		calls <- text
		if text == "panic" {
			panic("boom")
		}
		return nil
	}

	e.AddMessage("U1", "panic", h)
	<-calls
	waitFor(t, "failure recorded", func() bool { return e.Snapshot().Failed == 1 })

	e.AddMessage("U1", "ok", h)
	select {
	case got := <-calls:
		if got != "ok" {
			t.Fatalf("got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not recover from handler panic")
	}
}

func TestSendersAreIndependent(t *testing.T) {
	e := newTestEngine(t, 40*time.Millisecond)
	h, calls := recorder()

	e.AddMessage("A", "a1", h)
	e.AddMessage("B", "b1", h)
	e.AddMessage("A", "a2", h)
	e.AddMessage("B", "b2", h)

	got := map[string]string{}
	for i := 0; i < 2; i++ {
		c := waitCall(t, calls)
		got[c.sender] = c.text
	}
	if got["A"] != "a1 a2" || got["B"] != "b1 b2" {
		t.Fatalf("flushes = %v", got)
	}
	if n := e.Registry().Len(); n != 2 {
		t.Fatalf("registry len = %d", n)
	}
}

func TestSlowFlushDoesNotDelayOtherSenders(t *testing.T) {
	const window = 20 * time.Millisecond
	e := newTestEngine(t, window)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	aStarted := make(chan struct{})
	e.AddMessage("A", "slow", func(ctx context.Context, _, _ string) error {
		close(aStarted)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	<-aStarted

	h, calls := recorder()
	sent := time.Now()
	e.AddMessage("B", "quick", h)
	c := waitCall(t, calls)
	took := time.Since(sent)

	if c.sender != "B" || c.text != "quick" {
		t.Fatalf("flush = %+v", c)
	}
	if took < window || took > window+250*time.Millisecond {
		t.Fatalf("B flushed after %s with A still running, window %s", took, window)
	}
	if got := stateOf(e, "A"); got != StateProcessing {
		t.Fatalf("A state = %s", got)
	}
}

func TestLatestHandlerWins(t *testing.T) {
	e := newTestEngine(t, 30*time.Millisecond)
	first, firstCalls := recorder()
	second, secondCalls := recorder()

	e.AddMessage("U1", "a", first)
	e.AddMessage("U1", "b", second)
	e.AddMessage("U1", "c", nil)

	if c := waitCall(t, secondCalls); c.text != "a b c" {
		t.Fatalf("text = %q", c.text)
	}
	expectNoCall(t, firstCalls, 60*time.Millisecond)
}

func TestNoHandlerDropsBatch(t *testing.T) {
	e := newTestEngine(t, 20*time.Millisecond)

	e.AddMessage("U1", "orphan", nil)
	waitFor(t, "idle", func() bool { return stateOf(e, "U1") == StateIdle })
	if snap := e.Snapshot(); snap.Started != 0 {
		t.Fatalf("started = %d", snap.Started)
	}
}

func TestEmptyFragmentsAreFlushed(t *testing.T) {
	e := newTestEngine(t, 20*time.Millisecond)
	h, calls := recorder()

	e.AddMessage("U1", "", h)
	e.AddMessage("U1", "", h)
	if c := waitCall(t, calls); c.text != " " {
		t.Fatalf("text = %q", c.text)
	}
}

func TestStaleTimerFireIsIgnored(t *testing.T) {
	e := newTestEngine(t, 200*time.Millisecond)
	h, calls := recorder()

	e.AddMessage("U1", "x", h)
	c, _ := e.Registry().Lookup("U1")

	c.mu.Lock()
	stale := c.gen - 1
	c.mu.Unlock()
	c.fire(stale)

	if got := c.State(); got != StateDebouncing {
		t.Fatalf("state = %s after stale fire", got)
	}
	expectNoCall(t, calls, 20*time.Millisecond)
}

func TestTimerWithNothingPendingGoesIdle(t *testing.T) {
	e := newTestEngine(t, 30*time.Millisecond)
	h, calls := recorder()

	e.AddMessage("U1", "x", h)
	c, _ := e.Registry().Lookup("U1")
	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()

	waitFor(t, "idle", func() bool { return c.State() == StateIdle })
	expectNoCall(t, calls, 30*time.Millisecond)
}

func TestConcurrentAddsLoseNothing(t *testing.T) {
	e := newTestEngine(t, 150*time.Millisecond)
	h, calls := recorder()

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e.AddMessage("U1", strconv.Itoa(i), h)
		}(i)
	}
	wg.Wait()

	c := waitCall(t, calls)
	parts := strings.Split(c.text, " ")
	if len(parts) != n {
		t.Fatalf("got %d fragments, want %d", len(parts), n)
	}
	sort.Slice(parts, func(i, j int) bool {
		a, _ := strconv.Atoi(parts[i])
		b, _ := strconv.Atoi(parts[j])
		return a < b
	})
	for i, p := range parts {
		if p != strconv.Itoa(i) {
			t.Fatalf("fragment %d = %q", i, p)
		}
	}
}

func TestRegistryResolveIsShared(t *testing.T) {
	e := newTestEngine(t, 50*time.Millisecond)

	const n = 64
	got := make([]*Coalescer, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = e.Registry().Resolve("same")
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if got[i] != got[0] {
			t.Fatalf("resolve %d returned a different coalescer", i)
		}
	}
	if e.Registry().Len() != 1 {
		t.Fatalf("len = %d", e.Registry().Len())
	}
	if _, ok := e.Registry().Lookup("other"); ok {
		t.Fatal("lookup must not create entries")
	}
}

func TestCloseCancelsInFlight(t *testing.T) {
	e, err := New(20*time.Millisecond, WithWindowBounds(time.Millisecond, time.Second))
	if err != nil {
		t.Fatal(err)
	}

	started := make(chan struct{})
	cancelled := make(chan struct{})
	h := func(ctx context.Context, _ string, _ string) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}
	e.AddMessage("U1", "x", h)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-cancelled:
	default:
		t.Fatal("handler should have observed cancellation before Close returned")
	}

	rec, calls := recorder()
	e.AddMessage("U1", "late", rec)
	e.AddMessage("U2", "late", rec)
	expectNoCall(t, calls, 60*time.Millisecond)

	snap := e.Snapshot()
	if !snap.Closed || snap.Completed != 0 || snap.Failed != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if err := e.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestCloseDropsPending(t *testing.T) {
	e, err := New(50*time.Millisecond, WithWindowBounds(time.Millisecond, time.Second))
	if err != nil {
		t.Fatal(err)
	}
	h, calls := recorder()
	e.AddMessage("U1", "never", h)

	if err := e.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	expectNoCall(t, calls, 120*time.Millisecond)
	if got := stateOf(e, "U1"); got != StateIdle {
		t.Fatalf("state = %s", got)
	}
}

func TestCloseHonorsDeadline(t *testing.T) {
	e, err := New(10*time.Millisecond, WithWindowBounds(time.Millisecond, time.Second))
	if err != nil {
		t.Fatal(err)
	}
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	e.AddMessage("U1", "stubborn", func(context.Context, string, string) error {
		close(started)
		<-release
		return nil
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := e.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Close = %v, want deadline exceeded", err)
	}
}

func TestCoalescerCreatedAfterCloseNeverFlushes(t *testing.T) {
	e, err := New(10*time.Millisecond, WithWindowBounds(time.Millisecond, time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	// AddMessage can pass its closed check just before Close runs, then
	// create a coalescer Close never saw. Drive that path directly.
	h, calls := recorder()
	c := e.Registry().Resolve("late")
	c.add("x", h)

	expectNoCall(t, calls, 60*time.Millisecond)
	if got := c.State(); got != StateIdle {
		t.Fatalf("state = %s", got)
	}
	if p := c.Pending(); len(p) != 0 {
		t.Fatalf("pending = %q", p)
	}
	if snap := e.Snapshot(); snap.Started != 0 {
		t.Fatalf("started = %d", snap.Started)
	}
}

func TestWindowValidation(t *testing.T) {
	for _, w := range []time.Duration{0, -time.Second} {
		if _, err := New(w); !errors.Is(err, ErrInvalidWindow) {
			t.Fatalf("New(%s) err = %v", w, err)
		}
	}

	cases := []struct {
		in, want time.Duration
	}{
		{500 * time.Millisecond, MinWindow},
		{2 * time.Second, 2 * time.Second},
		{10 * time.Second, MaxWindow},
	}
	for _, tc := range cases {
		e, err := New(tc.in)
		if err != nil {
			t.Fatalf("New(%s): %v", tc.in, err)
		}
		if e.Window() != tc.want {
			t.Fatalf("New(%s).Window() = %s, want %s", tc.in, e.Window(), tc.want)
		}
		_ = e.Close(context.Background())
	}

	if _, err := New(time.Second, WithWindowBounds(0, time.Second)); !errors.Is(err, ErrInvalidBounds) {
		t.Fatalf("zero min: %v", err)
	}
	if _, err := New(time.Second, WithWindowBounds(2*time.Second, time.Second)); !errors.Is(err, ErrInvalidBounds) {
		t.Fatalf("max < min: %v", err)
	}
}

func TestFlushEventsPublished(t *testing.T) {
	bus := eventbus.New()
	events, unsub := eventbus.Filter(bus, EventPrefix, 16)
	defer unsub()

	ids := 0
	e := newTestEngine(t, 20*time.Millisecond, WithBus(bus), func(o *options) {
		o.newID = func() string { ids++; return "flush-" + strconv.Itoa(ids) }
	})
	h, calls := recorder()
	e.AddMessage("U1", "hello", h)
	e.AddMessage("U1", "there", h)
	waitCall(t, calls)

	var got []eventbus.Event
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("got %d events, want 2", len(got))
		}
	}
	if got[0].Type != EventFlushStarted || got[1].Type != EventFlushCompleted {
		t.Fatalf("types = %s, %s", got[0].Type, got[1].Type)
	}
	fe, ok := got[1].Data.(FlushEvent)
	if !ok {
		t.Fatalf("payload %T", got[1].Data)
	}
	if fe.ID != "flush-1" || fe.Sender != "U1" || fe.Fragments != 2 || fe.Chars != len("hello there") {
		t.Fatalf("event = %+v", fe)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateIdle:       "idle",
		StateDebouncing: "debouncing",
		StateProcessing: "processing",
		State(42):       "unknown",
	} {
		if s.String() != want {
			t.Fatalf("%d.String() = %q", s, s.String())
		}
	}
}
