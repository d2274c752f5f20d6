package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "burstbot/internal/runtime/supervisor"
	"burstbot/internal/transport"
	logx "burstbot/pkg/logx"
)

const (
	Channel   = "telegram"
	textLimit = 4000
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// AllowFrom restricts ingress to these user ids. Empty allows everyone.
	AllowFrom []int64
	// Offline builds the bot without contacting Telegram (tests).
	Offline bool
}

// Adapter long-polls Telegram and turns text messages into transport messages.
type Adapter struct {
	cfg   Config
	log   logx.Logger
	bot   *tele.Bot
	allow map[int64]struct{}

	out     atomic.Value // chan<- transport.Message
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	dropped  atomic.Uint64
	rejected atomic.Uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: timeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	a := &Adapter{cfg: cfg, log: log, bot: b}
	if len(cfg.AllowFrom) > 0 {
		a.allow = make(map[int64]struct{}, len(cfg.AllowFrom))
		for _, id := range cfg.AllowFrom {
			a.allow[id] = struct{}{}
		}
	}
	var nilOut chan<- transport.Message
	a.out.Store(nilOut)

	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		a.accept(c.Message())
		return nil
	})
	return a, nil
}

func (a *Adapter) Name() string { return Channel }

// accept filters and forwards one update. It never blocks the poll loop: a
// full consumer channel drops the message and counts it.
func (a *Adapter) accept(m *tele.Message) {
	if m == nil || m.Sender == nil || m.Chat == nil {
		return
	}
	if a.allow != nil {
		if _, ok := a.allow[m.Sender.ID]; !ok {
			a.rejected.Add(1)
			a.log.Debug("message from unlisted user ignored", logx.Int64("user_id", m.Sender.ID))
			return
		}
	}

	out, _ := a.out.Load().(chan<- transport.Message)
	if out == nil {
		return
	}
	chatID := strconv.FormatInt(m.Chat.ID, 10)
	msg := transport.Message{
		Channel:    Channel,
		SenderID:   strconv.FormatInt(m.Sender.ID, 10),
		ChatID:     chatID,
		Text:       m.Text,
		MessageID:  strconv.Itoa(m.ID),
		ReplyTo:    transport.Target{Channel: Channel, ChatID: chatID},
		ReceivedAt: time.Now(),
	}
	select {
	case out <- msg:
	default:
		a.dropped.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Message) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDrops(cap(out))
				return
			case <-t.C:
				a.reportDrops(cap(out))
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// bot.Start blocks until bot.Stop. If it returns while we are still
	// running, restart it.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) reportDrops(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("incoming messages dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

// Stop never blocks longer than a short grace window: the long poll may
// still be waiting on Telegram.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- transport.Message
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.Uint64("rejected", a.rejected.Load()))
	sup.Cancel()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		a.log.Warn("telegram stop incomplete", logx.Err(err))
	}
	return nil
}

func (a *Adapter) Reply(ctx context.Context, to transport.Target, text string) error {
	id, err := strconv.ParseInt(to.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram reply: bad chat id %q: %w", to.ChatID, err)
	}
	chat := &tele.Chat{ID: id}
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.bot.Send(chat, chunk, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
			return err
		}
	}
	return nil
}

// splitText cuts s into chunks of at most limit runes, preferring a newline
// in the last two thirds of each window.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	var out []string
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i-start >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
