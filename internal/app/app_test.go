package app

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"burstbot/internal/coalesce"
	"burstbot/internal/config"
	"burstbot/internal/eventbus"
	"burstbot/internal/storage"
	"burstbot/internal/transport"
	logx "burstbot/pkg/logx"
)

type sentReply struct {
	to   transport.Target
	text string
}

type fakeAdapter struct {
	name    string
	mu      sync.Mutex
	out     chan<- transport.Message
	started chan struct{}
	replies chan sentReply
	stopped bool
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{name: name, started: make(chan struct{}), replies: make(chan sentReply, 8)}
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Start(_ context.Context, out chan<- transport.Message) error {
	f.mu.Lock()
	f.out = out
	f.mu.Unlock()
	close(f.started)
	return nil
}

func (f *fakeAdapter) Stop(context.Context) error {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Reply(_ context.Context, to transport.Target, text string) error {
	f.replies <- sentReply{to: to, text: text}
	return nil
}

func (f *fakeAdapter) send(t *testing.T, sender, text string) {
	t.Helper()
	<-f.started
	f.mu.Lock()
	out := f.out
	f.mu.Unlock()
	out <- transport.Message{
		Channel:  f.name,
		SenderID: sender,
		ChatID:   sender,
		Text:     text,
		ReplyTo:  transport.Target{Channel: f.name, ChatID: "chat-" + sender},
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const testConfig = `{
  "coalesce": {"window": "30ms"},
  "logging": {"level": "error", "console": true},
  "storage": {"driver": "memory"}
}`

func startTestApp(t *testing.T) (*App, *fakeAdapter) {
	t.Helper()
	a, err := newApp(writeConfig(t, testConfig), coalesce.WithWindowBounds(time.Millisecond, time.Second))
	if err != nil {
		t.Fatal(err)
	}
	fake := newFakeAdapter("fake")
	a.addAdapter(fake)
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
	return a, fake
}

func TestFragmentsAreCombinedAndAnswered(t *testing.T) {
	a, fake := startTestApp(t)
	if a.Engine().Window() != 30*time.Millisecond {
		t.Fatalf("window = %s", a.Engine().Window())
	}

	fake.send(t, "42", "I")
	fake.send(t, "42", "want")
	fake.send(t, "42", "a call")

	select {
	case r := <-fake.replies:
		if r.text != "I want a call" {
			t.Fatalf("reply = %q", r.text)
		}
		if r.to.ChatID != "chat-42" {
			t.Fatalf("reply target = %+v", r.to)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reply")
	}

	mem := a.store.(*storage.MemoryStore)
	deadline := time.Now().Add(3 * time.Second)
	for {
		recs := mem.Flushes()
		if len(recs) == 1 {
			r := recs[0]
			if r.Sender != "fake:42" || r.Outcome != "completed" || r.Fragments != 3 || r.ID == "" {
				t.Fatalf("audit record = %+v", r)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("audit records = %+v", recs)
		}
		time.Sleep(10 * time.Millisecond)
	}

	hist, err := a.store.History(context.Background(), "fake:42", 10)
	if err != nil || len(hist) != 2 || hist[0].Content != "I want a call" {
		t.Fatalf("history = %+v, err = %v", hist, err)
	}
}

func TestSendersAreKeptApart(t *testing.T) {
	_, fake := startTestApp(t)

	fake.send(t, "1", "hello")
	fake.send(t, "2", "bonjour")

	got := map[string]string{}
	for len(got) < 2 {
		select {
		case r := <-fake.replies:
			got[r.to.ChatID] = r.text
		case <-time.After(3 * time.Second):
			t.Fatalf("replies = %v", got)
		}
	}
	if got["chat-1"] != "hello" || got["chat-2"] != "bonjour" {
		t.Fatalf("replies = %v", got)
	}
}

func TestStopStopsAdaptersAndEngine(t *testing.T) {
	a, err := newApp(writeConfig(t, testConfig), coalesce.WithWindowBounds(time.Millisecond, time.Second))
	if err != nil {
		t.Fatal(err)
	}
	fake := newFakeAdapter("fake")
	a.addAdapter(fake)
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopSIGTERM); err != nil {
		t.Fatal(err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("supervisor context still live after Stop")
	}
	fake.mu.Lock()
	stopped := fake.stopped
	fake.mu.Unlock()
	if !stopped {
		t.Fatal("adapter not stopped")
	}
	if !a.Engine().Snapshot().Closed {
		t.Fatal("engine not closed")
	}
}

func TestUnknownChannelIsDropped(t *testing.T) {
	a, _ := startTestApp(t)
	a.dispatch(transport.Message{Channel: "carrier-pigeon", SenderID: "x", Text: "coo"})
	if _, ok := a.Engine().Registry().Lookup("carrier-pigeon:x"); ok {
		t.Fatal("message for unknown channel reached the engine")
	}
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"window":   `{"coalesce": {"window": "-1s"}}`,
		"storage":  `{"storage": {"driver": "sqlite"}}`,
		"schedule": `{"storage": {"driver": "memory", "prune_schedule": "every tuesday"}}`,
		"driver":   `{"responder": {"driver": "oracle"}}`,
	}
	for name, body := range cases {
		if _, err := NewApp(writeConfig(t, body)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestRecordFlushIgnoresStartedAndForeignPayloads(t *testing.T) {
	mem := storage.NewMemory()
	a := &App{store: mem, log: logx.Nop()}
	ctx := context.Background()

	a.recordFlush(ctx, eventbus.Event{Type: coalesce.EventFlushStarted, Data: coalesce.FlushEvent{ID: "a"}})
	a.recordFlush(ctx, eventbus.Event{Type: coalesce.EventFlushFailed, Data: "not a flush"})
	a.recordFlush(ctx, eventbus.Event{
		Type: coalesce.EventFlushPreempted,
		Time: time.Now(),
		Data: coalesce.FlushEvent{ID: "b", Sender: "s", Fragments: 2, Duration: 1500 * time.Millisecond, Error: "context canceled"},
	})

	recs := mem.Flushes()
	if len(recs) != 1 {
		t.Fatalf("records = %+v", recs)
	}
	if r := recs[0]; r.ID != "b" || r.Outcome != "preempted" || r.TookMS != 1500 || r.Error != "context canceled" {
		t.Fatalf("record = %+v", r)
	}
}

func TestMapStorageConfig(t *testing.T) {
	sc, on, err := mapStorageConfig(&config.Config{})
	if err != nil || on {
		t.Fatalf("empty driver: on=%v err=%v", on, err)
	}
	sc, on, err = mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "SQLite", Path: " ./x.db "}})
	if err != nil || !on || sc.Driver != "sqlite" || sc.Path != "./x.db" || sc.BusyTimeout != time.Second {
		t.Fatalf("sqlite: %+v on=%v err=%v", sc, on, err)
	}
	if _, _, err := mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "file"}}); err == nil {
		t.Fatal("file driver should be rejected")
	}
}

func TestMapMaintenanceConfig(t *testing.T) {
	mc, err := mapMaintenanceConfig(&config.Config{})
	if err != nil || mc.Retention != config.DefaultRetention || mc.Schedule != config.DefaultPruneSchedule {
		t.Fatalf("defaults: %+v err=%v", mc, err)
	}
	mc, err = mapMaintenanceConfig(&config.Config{Storage: config.StorageConfig{Retention: "24h", PruneSchedule: "0 30 3 * * *"}})
	if err != nil || mc.Retention != 24*time.Hour {
		t.Fatalf("six-field schedule: %+v err=%v", mc, err)
	}
}

func TestMaintenancePrunesOldRecords(t *testing.T) {
	mem := storage.NewMemory()
	ctx := context.Background()
	now := time.Now()
	_ = mem.AppendTurns(ctx, "s",
		storage.Turn{Role: storage.RoleUser, Content: "old", At: now.Add(-48 * time.Hour)},
		storage.Turn{Role: storage.RoleUser, Content: "new", At: now},
	)
	_ = mem.AppendFlush(ctx, storage.FlushRecord{ID: "old", Sender: "s", At: now.Add(-48 * time.Hour)})

	m := newMaintenance(maintenanceConfig{Retention: 24 * time.Hour, Schedule: "@every 1h"}, mem, logx.Nop())
	m.now = func() time.Time { return now }
	m.prune()

	hist, _ := mem.History(ctx, "s", 10)
	if len(hist) != 1 || hist[0].Content != "new" {
		t.Fatalf("history = %+v", hist)
	}
	if n := len(mem.Flushes()); n != 0 {
		t.Fatalf("flushes left = %d", n)
	}
}

func TestMaintenanceStartStop(t *testing.T) {
	m := newMaintenance(maintenanceConfig{Retention: time.Hour, Schedule: "@every 1h"}, storage.NewMemory(), logx.Nop())
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	// No store: nothing scheduled, nothing to stop.
	idle := newMaintenance(maintenanceConfig{Schedule: "@every 1h"}, nil, logx.Nop())
	if err := idle.Start(); err != nil || idle.c != nil {
		t.Fatalf("start without store: c=%v err=%v", idle.c, err)
	}
}

func TestKVFields(t *testing.T) {
	got := kvFields([]any{"entry", 3, 42, "skipped", "dangling"})
	if len(got) != 1 {
		t.Fatalf("fields = %d", len(got))
	}
}

func TestDriverName(t *testing.T) {
	if got := driverName(" "); got != "echo" {
		t.Fatalf("blank driver = %q", got)
	}
	if got := driverName("openai"); got != "openai" {
		t.Fatalf("openai driver = %q", got)
	}
}
