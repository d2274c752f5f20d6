package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "burstbot/pkg/logx"
)

// Store is the persistence API used by the responder and the app.
type Store interface {
	// AppendTurns records turns for sender in order.
	AppendTurns(ctx context.Context, sender string, turns ...Turn) error
	// History returns up to limit of the most recent turns for sender,
	// oldest first.
	History(ctx context.Context, sender string, limit int) ([]Turn, error)
	AppendFlush(ctx context.Context, rec FlushRecord) error
	// Prune deletes turns and flush records older than before.
	Prune(ctx context.Context, before time.Time) (PruneResult, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
