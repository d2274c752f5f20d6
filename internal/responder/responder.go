// Package responder turns a coalesced batch into a reply: it loads the
// sender's history, asks a Generator for the answer, records the exchange and
// hands the text to the channel.
package responder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"burstbot/internal/coalesce"
	"burstbot/internal/storage"
	logx "burstbot/pkg/logx"
)

// NoResponse is sent when the generator produced nothing.
const NoResponse = "(no response)"

// ReplyFunc delivers text to wherever the batch came from.
type ReplyFunc func(ctx context.Context, text string) error

// Request is what a Generator sees for one batch.
type Request struct {
	Sender  string
	Text    string
	History []storage.Turn
}

type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Config selects and configures the generator.
type Config struct {
	Driver       string
	APIKey       string
	BaseURL      string
	Model        string
	Timeout      time.Duration
	SystemPrompt string
}

// NewGenerator builds the generator named by cfg.Driver ("" means echo).
func NewGenerator(cfg Config) (Generator, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "echo":
		return Echo{}, nil
	case "openai":
		return NewOpenAI(cfg)
	default:
		return nil, fmt.Errorf("unknown responder driver: %q", cfg.Driver)
	}
}

type Responder struct {
	gen          Generator
	store        storage.Store
	historyTurns int
	log          logx.Logger
}

// New returns a Responder. store may be nil, in which case no history is
// loaded or recorded.
func New(gen Generator, store storage.Store, historyTurns int, log logx.Logger) *Responder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Responder{gen: gen, store: store, historyTurns: historyTurns, log: log}
}

// Handler binds reply to a coalesce.Handler. The app builds one per inbound
// message so the latest reply target always wins.
func (r *Responder) Handler(reply ReplyFunc) coalesce.Handler {
	return func(ctx context.Context, sender, text string) error {
		return r.respond(ctx, sender, text, reply)
	}
}

func (r *Responder) respond(ctx context.Context, sender, text string, reply ReplyFunc) error {
	if reply == nil {
		return errors.New("responder: nil reply func")
	}

	req := Request{Sender: sender, Text: text}
	if r.store != nil && r.historyTurns > 0 {
		hist, err := r.store.History(ctx, sender, r.historyTurns)
		if err != nil && ctx.Err() == nil {
			r.log.Warn("history load failed; continuing without", logx.String("sender", sender), logx.Err(err))
		}
		req.History = hist
	}

	answer, err := r.gen.Generate(ctx, req)
	if cerr := ctx.Err(); cerr != nil {
		// Preempted or shutting down: nothing is recorded or sent.
		return cerr
	}
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}
	answer = strings.TrimSpace(answer)

	if r.store != nil {
		now := time.Now()
		err := r.store.AppendTurns(ctx, sender,
			storage.Turn{Role: storage.RoleUser, Content: text, At: now},
			storage.Turn{Role: storage.RoleAssistant, Content: answer, At: now},
		)
		if err != nil {
			r.log.Warn("history append failed", logx.String("sender", sender), logx.Err(err))
		}
	}

	if answer == "" {
		answer = NoResponse
	}
	if err := reply(ctx, answer); err != nil {
		return fmt.Errorf("reply: %w", err)
	}
	return nil
}

// Echo answers with the combined text.
type Echo struct{}

func (Echo) Generate(_ context.Context, req Request) (string, error) { return req.Text, nil }
