package claims

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/claim-desk/internal/oracle"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbNameUnsafe = regexp.MustCompile(`[^A-Za-z0-9]+`)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	// one shared in-memory db per test, one connection so goroutines serialize
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", dbNameUnsafe.ReplaceAllString(t.Name(), "_"))
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(Models()...))
	return db
}

// fakeOracle answers by task name. Unhandled tasks fail like an outage.
type fakeOracle struct {
	mu       sync.Mutex
	handlers map[string]func(req oracle.Request) (string, error)
	calls    []oracle.Request
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{handlers: map[string]func(oracle.Request) (string, error){}}
}

func (f *fakeOracle) on(task string, fn func(req oracle.Request) (string, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[task] = fn
}

func (f *fakeOracle) reply(task, out string) {
	f.on(task, func(oracle.Request) (string, error) { return out, nil })
}

func (f *fakeOracle) Reason(ctx context.Context, req oracle.Request) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	h, ok := f.handlers[req.Task]
	if !ok {
		if base, _, found := strings.Cut(req.Task, ":"); found {
			h, ok = f.handlers[base]
		}
	}
	f.mu.Unlock()
	if !ok {
		return "", errors.New("oracle unavailable")
	}
	return h(req)
}

func (f *fakeOracle) count(task string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Task == task {
			n++
		}
	}
	return n
}

func (f *fakeOracle) last(task string) (oracle.Request, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].Task == task {
			return f.calls[i], true
		}
	}
	return oracle.Request{}, false
}

type pushed struct {
	Identity string
	Event    string
	Payload  any
}

// fakePusher delivers only to identities marked online.
type fakePusher struct {
	mu     sync.Mutex
	online map[string]bool
	sent   []pushed
	missed []pushed
}

func newFakePusher(online ...string) *fakePusher {
	p := &fakePusher{online: map[string]bool{}}
	for _, id := range online {
		p.online[id] = true
	}
	return p
}

func (p *fakePusher) Push(ctx context.Context, identity, event string, payload any) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := pushed{Identity: identity, Event: event, Payload: payload}
	if !p.online[identity] {
		p.missed = append(p.missed, e)
		return false
	}
	p.sent = append(p.sent, e)
	return true
}

func (p *fakePusher) messages(identity string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.sent {
		if e.Identity == identity && e.Event == EventMessage {
			out = append(out, e.Payload.(Message).Content)
		}
	}
	return out
}

type sentMail struct{ To, Subject, Body string }

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *fakeMailer) Send(ctx context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{to, subject, body})
	return m.err
}

type memBlobs struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemBlobs() *memBlobs { return &memBlobs{data: map[string][]byte{}} }

func (b *memBlobs) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = append([]byte(nil), data...)
	return "mem://" + key, nil
}

func (b *memBlobs) Get(ctx context.Context, location string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.data[strings.TrimPrefix(location, "mem://")]
	if !ok {
		return nil, errors.New("no such blob")
	}
	return d, nil
}

// recordingDispatcher keeps tasks instead of running them.
type recordingDispatcher struct {
	mu    sync.Mutex
	tasks []Task
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, t Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, t)
	return nil
}

func (d *recordingDispatcher) kinds() []TaskKind {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]TaskKind, 0, len(d.tasks))
	for _, t := range d.tasks {
		out = append(out, t.Kind)
	}
	return out
}

// flakyDispatcher fails its first failures dispatches, then records.
type flakyDispatcher struct {
	recordingDispatcher
	failures atomic.Int32
}

func (d *flakyDispatcher) Dispatch(ctx context.Context, t Task) error {
	if d.failures.Add(-1) >= 0 {
		return errors.New("broker unreachable")
	}
	return d.recordingDispatcher.Dispatch(ctx, t)
}

var errDiskFull = errors.New("disk full")

// failClaimSaves returns a switch that, once set, fails the next write of a
// claims row.
func failClaimSaves(t *testing.T, db *gorm.DB) *atomic.Bool {
	t.Helper()
	armed := &atomic.Bool{}
	err := db.Callback().Update().Before("gorm:update").Register("test:fail_claim_save", func(tx *gorm.DB) {
		if tx.Statement.Table == "claims" && armed.CompareAndSwap(true, false) {
			_ = tx.AddError(errDiskFull)
		}
	})
	require.NoError(t, err)
	return armed
}

type harness struct {
	db       *gorm.DB
	store    *Store
	oracle   *fakeOracle
	pusher   *fakePusher
	mailer   *fakeMailer
	blobs    *memBlobs
	tasks    *GoDispatcher
	svc      *Service
	identity string
}

func twoFieldCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := NewCatalog([]Field{
		{ID: "issue_type", Question: "What went wrong?", Options: []string{"Item damaged", "Item not received"}},
		{ID: "item_name", Question: "What is the name of the item you purchased?"},
	})
	require.NoError(t, err)
	return c
}

func newHarness(t *testing.T, catalog *Catalog, dispatcher Dispatcher) *harness {
	t.Helper()
	h := &harness{
		db:       openTestDB(t),
		oracle:   newFakeOracle(),
		pusher:   newFakePusher("user-1"),
		mailer:   &fakeMailer{},
		blobs:    newMemBlobs(),
		identity: "user-1",
	}
	h.store = NewStore(NewRepo(h.db), NewLocalLocker())
	if dispatcher == nil {
		h.tasks = NewGoDispatcher()
		dispatcher = h.tasks
		t.Cleanup(h.tasks.Wait)
	}
	h.svc = NewService(Deps{
		Store:      h.store,
		Catalog:    catalog,
		Oracle:     h.oracle,
		Pusher:     h.pusher,
		Mailer:     h.mailer,
		Blobs:      h.blobs,
		Dispatcher: dispatcher,
	}, Options{ContextWindow: 20, PublicBaseURL: "http://claims.test"})
	return h
}

func testTransaction() Transaction {
	return Transaction{
		Name:          "Purchase at ABC Store",
		Date:          "2023-10-15",
		Amount:        "49.99",
		MerchantName:  "ABC Store",
		MerchantEmail: "merchant@example.com",
		TransactionID: "TX1234567890",
	}
}

func (h *harness) claim(t *testing.T, id uint64) *Claim {
	t.Helper()
	c, err := h.store.GetClaim(context.Background(), id)
	require.NoError(t, err)
	return c
}

func (h *harness) transcript(t *testing.T, id uint64) []string {
	t.Helper()
	msgs, err := h.store.ListMessages(context.Background(), id)
	require.NoError(t, err)
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}

func (h *harness) answer(t *testing.T, id uint64, text string) *Reply {
	t.Helper()
	r, err := h.svc.PostAnswer(context.Background(), id, text, "")
	require.NoError(t, err)
	return r
}

func contents(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), []byte("\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")...)
