package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage. See the package doc for driver values.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one side of an exchange with a sender.
type Turn struct {
	Role    string
	Content string
	At      time.Time
}

// FlushRecord is the audit entry for one finished flush.
type FlushRecord struct {
	ID        string
	Sender    string
	Outcome   string // completed, failed or preempted
	Fragments int
	Chars     int
	TookMS    int64
	Error     string
	At        time.Time
}

// PruneResult counts the rows removed by Prune.
type PruneResult struct {
	Turns   int64
	Flushes int64
}

func (r PruneResult) Total() int64 { return r.Turns + r.Flushes }
