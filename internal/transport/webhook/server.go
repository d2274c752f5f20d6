package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	rtsup "burstbot/internal/runtime/supervisor"
	"burstbot/internal/transport"
	logx "burstbot/pkg/logx"
)

const Channel = "whatsapp"

// Config mirrors the webhook config section with durations and defaults
// resolved by the caller.
type Config struct {
	Addr          string
	Path          string
	PublicBaseURL string

	AuthToken           string
	AccountSID          string
	From                string
	MessagingServiceSID string
	APIBaseURL          string

	RatePerSec float64
	Burst      int
	QueueSize  int
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = "127.0.0.1:8080"
	}
	if strings.TrimSpace(c.Path) == "" {
		c.Path = "/twilio/whatsapp/webhook"
	}
	if !strings.HasPrefix(c.Path, "/") {
		c.Path = "/" + c.Path
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 5
	}
	if c.Burst <= 0 {
		c.Burst = 10
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	return c
}

// HealthFunc returns the body served on GET /healthz.
type HealthFunc func() any

// Server is the WhatsApp ingress. It accepts Twilio webhook POSTs, queues
// them for the dispatcher and sends replies through the Twilio REST API.
type Server struct {
	cfg     Config
	log     logx.Logger
	health  HealthFunc
	twilio  *TwilioClient
	limiter *senderLimiter
	queue   chan transport.Message
	handler http.Handler

	mu   sync.Mutex
	srv  *http.Server
	addr string
	sup  *rtsup.Supervisor

	accepted atomic.Uint64
	limited  atomic.Uint64
	overflow atomic.Uint64
}

func New(cfg Config, log logx.Logger, health HealthFunc) *Server {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		cfg:     cfg,
		log:     log,
		health:  health,
		twilio:  NewTwilioClient(cfg),
		limiter: newSenderLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		queue:   make(chan transport.Message, cfg.QueueSize),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+cfg.Path, s.handleInbound)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	s.handler = mux

	if s.twilio == nil {
		log.Warn("twilio credentials missing; replies will only be logged")
	}
	if !s.verifying() {
		log.Warn("webhook signature verification disabled (auth_token or public_base_url unset)")
	}
	return s
}

func (s *Server) Name() string { return Channel }

func (s *Server) Handler() http.Handler { return s.handler }

// Addr reports the actual listen address while running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) verifying() bool {
	return strings.TrimSpace(s.cfg.AuthToken) != "" && strings.TrimSpace(s.cfg.PublicBaseURL) != ""
}

func (s *Server) Start(ctx context.Context, out chan<- transport.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	s.srv = srv
	s.addr = ln.Addr().String()
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "webhook.sup"))),
		rtsup.WithCancelOnError(false),
	)

	s.sup.Go("http.serve", func(context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	s.sup.Go0("queue.forward", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case msg := <-s.queue:
				select {
				case out <- msg:
				case <-c.Done():
					return
				}
			}
		}
	})
	s.sup.Go0("limiter.sweep", func(c context.Context) {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case now := <-t.C:
				if n := s.limiter.sweep(now.Add(-10 * time.Minute)); n > 0 {
					s.log.Debug("idle sender limiters evicted", logx.Int("count", n))
				}
			}
		}
	})

	s.log.Info("webhook listening", logx.String("addr", s.addr), logx.String("path", s.cfg.Path))
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup, addr := s.srv, s.sup, s.addr
	s.srv, s.sup, s.addr = nil, nil, ""
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("webhook shutdown error", logx.String("addr", addr), logx.Err(err))
	}
	if sup != nil {
		sup.Cancel()
		if werr := sup.Wait(ctx); werr != nil && !errors.Is(werr, context.Canceled) {
			s.log.Warn("webhook stop incomplete", logx.Err(werr))
		}
	}
	s.log.Info("webhook stopped",
		logx.Uint64("accepted", s.accepted.Load()),
		logx.Uint64("rate_limited", s.limited.Load()),
		logx.Uint64("queue_full", s.overflow.Load()),
	)
	return nil
}

func (s *Server) Reply(ctx context.Context, to transport.Target, text string) error {
	if s.twilio == nil {
		s.log.Info("reply not sent (no twilio credentials)",
			logx.String("to", to.ChatID),
			logx.Int("chars", len(text)),
		)
		return nil
	}
	sid, err := s.twilio.Send(ctx, to.ChatID, text, to.Via)
	if err != nil {
		return err
	}
	s.log.Debug("reply sent", logx.String("to", to.ChatID), logx.String("sid", sid))
	return nil
}

type apiResponse struct {
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
	MessageSID string `json:"message_sid,omitempty"`
}

func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, apiResponse{Error: "Invalid form"})
		return
	}
	from := r.PostForm.Get("From")
	body := r.PostForm.Get("Body")
	to := r.PostForm.Get("To")
	sid := r.PostForm.Get("MessageSid")

	if from == "" || body == "" {
		writeJSON(w, http.StatusBadRequest, apiResponse{Error: "Missing From/Body"})
		return
	}

	if s.verifying() {
		full := publicURL(s.cfg.PublicBaseURL, r.URL.Path, r.URL.RawQuery)
		if !ValidSignature(s.cfg.AuthToken, r.Header.Get(SignatureHeader), full, r.PostForm) {
			s.log.Warn("webhook signature rejected", logx.String("from", from))
			writeJSON(w, http.StatusForbidden, apiResponse{Error: "Invalid signature"})
			return
		}
	}

	if !s.limiter.allow(from, time.Now()) {
		s.limited.Add(1)
		writeJSON(w, http.StatusTooManyRequests, apiResponse{Error: "Too many messages"})
		return
	}

	msg := transport.Message{
		Channel:    Channel,
		SenderID:   from,
		ChatID:     from,
		Text:       body,
		MessageID:  sid,
		ReplyTo:    transport.Target{Channel: Channel, ChatID: from, Via: to},
		ReceivedAt: time.Now(),
	}
	select {
	case s.queue <- msg:
		s.accepted.Add(1)
	default:
		s.overflow.Add(1)
		s.log.Warn("webhook queue full", logx.Int("queue_cap", cap(s.queue)))
		writeJSON(w, http.StatusServiceUnavailable, apiResponse{Error: "Busy"})
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{OK: true, MessageSID: sid})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"ok":           true,
		"accepted":     s.accepted.Load(),
		"rate_limited": s.limited.Load(),
		"queue_full":   s.overflow.Load(),
		"queue_len":    len(s.queue),
	}
	if s.health != nil {
		body["engine"] = s.health()
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// senderLimiter keeps one token bucket per sender.
type senderLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	senders map[string]*limiterEntry
}

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

func newSenderLimiter(limit rate.Limit, burst int) *senderLimiter {
	return &senderLimiter{limit: limit, burst: burst, senders: map[string]*limiterEntry{}}
}

func (l *senderLimiter) allow(sender string, now time.Time) bool {
	l.mu.Lock()
	e, ok := l.senders[sender]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.senders[sender] = e
	}
	e.seen = now
	l.mu.Unlock()
	return e.lim.AllowN(now, 1)
}

// sweep drops limiters not used since before and returns how many it removed.
func (l *senderLimiter) sweep(before time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, e := range l.senders {
		if e.seen.Before(before) {
			delete(l.senders, k)
			n++
		}
	}
	return n
}
