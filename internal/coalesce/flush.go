package coalesce

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	logx "burstbot/pkg/logx"
)

// flight is one running handler invocation.
type flight struct {
	id        string
	sender    string
	fragments int
	chars     int
	started   time.Time
	cancel    context.CancelFunc
}

func (c *Coalescer) launchLocked(batch []string, h Handler) {
	e := c.eng
	if e.ctx.Err() != nil {
		return
	}
	text := strings.Join(batch, " ")
	ctx, cancel := context.WithCancel(e.ctx)
	f := &flight{
		id:        e.newID(),
		sender:    c.sender,
		fragments: len(batch),
		chars:     len(text),
		started:   time.Now(),
		cancel:    cancel,
	}
	c.batch = batch
	c.flight = f

	e.started.Add(1)
	e.log.Debug("flush started",
		logx.String("sender", c.sender),
		logx.String("flush_id", f.id),
		logx.Int("fragments", f.fragments),
	)
	e.publish(EventFlushStarted, f, nil)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		err := runHandler(ctx, h, c.sender, text)
		c.finish(f, err)
	}()
}

func runHandler(ctx context.Context, h Handler, sender, text string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h(ctx, sender, text)
}

// finish records the outcome of f. A flight that is no longer current was
// preempted or shut down; whoever replaced it already owns the state.
func (c *Coalescer) finish(f *flight, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.flight != f {
		return
	}
	c.flight = nil
	c.batch = nil
	c.lastFlushAt = time.Now()

	e := c.eng
	if err != nil {
		e.failed.Add(1)
		e.log.Error("flush failed, batch dropped",
			logx.String("sender", c.sender),
			logx.String("flush_id", f.id),
			logx.Int("fragments", f.fragments),
			logx.Err(err),
		)
		e.publish(EventFlushFailed, f, err)
	} else {
		e.completed.Add(1)
		e.log.Debug("flush completed",
			logx.String("sender", c.sender),
			logx.String("flush_id", f.id),
			logx.Duration("took", time.Since(f.started)),
		)
		e.publish(EventFlushCompleted, f, nil)
	}

	if !c.closed && len(c.pending) > 0 && c.timer == nil {
		c.rearmLocked()
	}
}
