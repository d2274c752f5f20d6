package app

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"burstbot/internal/storage"
	logx "burstbot/pkg/logx"
)

// Accepts both 5-field and 6-field (with seconds) specs plus @descriptors.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

const pruneTimeout = 30 * time.Second

// maintenance prunes old turns and flush records on a cron schedule.
type maintenance struct {
	cfg   maintenanceConfig
	store storage.Store
	log   logx.Logger
	now   func() time.Time

	mu sync.Mutex
	c  *cron.Cron
}

func newMaintenance(cfg maintenanceConfig, store storage.Store, log logx.Logger) *maintenance {
	return &maintenance{cfg: cfg, store: store, log: log, now: time.Now}
}

func (m *maintenance) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c != nil || m.store == nil {
		return nil
	}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithChain(cron.Recover(cronLogger{log: m.log})),
	)
	if _, err := c.AddFunc(m.cfg.Schedule, m.prune); err != nil {
		return err
	}
	c.Start()
	m.c = c
	m.log.Info("maintenance scheduled",
		logx.String("schedule", m.cfg.Schedule),
		logx.Duration("retention", m.cfg.Retention),
	)
	return nil
}

// Stop halts the scheduler and waits for a running prune, bounded by ctx.
func (m *maintenance) Stop(ctx context.Context) error {
	m.mu.Lock()
	c := m.c
	m.c = nil
	m.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *maintenance) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), pruneTimeout)
	defer cancel()

	start := m.now()
	res, err := m.store.Prune(ctx, start.Add(-m.cfg.Retention))
	if err != nil {
		m.log.Warn("prune failed", logx.Err(err))
		return
	}
	if res.Total() == 0 {
		m.log.Debug("prune: nothing to remove")
		return
	}
	m.log.Info("pruned old records",
		logx.Int64("turns", res.Turns),
		logx.Int64("flushes", res.Flushes),
		logx.Duration("took", time.Since(start)),
	)
}

// cronLogger routes cron's own messages (recovered panics mostly) into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
