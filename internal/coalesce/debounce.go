package coalesce

import "time"

// debounceTimer is a single-shot delayed trigger bound to one generation of
// pending work.
//
// time.Timer.Stop cannot tell us whether the callback has already started, so
// the callback receives its generation and the owner drops it unless that
// generation is still the armed one (checked under the owner's lock). A timer
// stopped before it fires therefore never acts, and an unstopped one acts
// exactly once.
type debounceTimer struct {
	gen uint64
	t   *time.Timer
}

func armTimer(d time.Duration, gen uint64, fire func(gen uint64)) *debounceTimer {
	return &debounceTimer{
		gen: gen,
		t:   time.AfterFunc(d, func() { fire(gen) }),
	}
}

func (t *debounceTimer) stop() {
	if t != nil && t.t != nil {
		t.t.Stop()
	}
}
