package relay

import (
	"context"
	"io"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/apiteam/test-manager/internal/entity"
	"github.com/apiteam/test-manager/internal/envelope"
	"github.com/apiteam/test-manager/internal/testutil"
	"github.com/apiteam/test-manager/internal/transport/redisbus"
)

// mockBus records every call in order and lets tests deliver messages to
// subscribers.
type mockBus struct {
	mu       sync.Mutex
	calls    []string
	hashes   map[string]map[string]string
	sets     map[string][]string
	handlers map[string]redisbus.Handler
	closed   map[string]bool

	// beforeSnapshot runs inside HGetAll, after the call is recorded.
	beforeSnapshot func()
}

func newMockBus() *mockBus {
	return &mockBus{
		hashes:   map[string]map[string]string{},
		sets:     map[string][]string{},
		handlers: map[string]redisbus.Handler{},
		closed:   map[string]bool{},
	}
}

func (m *mockBus) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *mockBus) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockBus) Publish(_ context.Context, channel, message string) error {
	m.record("publish " + channel + " " + message)
	return nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func (m *mockBus) Subscribe(_ context.Context, channel string, h redisbus.Handler) (io.Closer, error) {
	m.record("subscribe " + channel)
	m.mu.Lock()
	m.handlers[channel] = h
	m.mu.Unlock()
	return closerFunc(func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.closed[channel] = true
		return nil
	}), nil
}

func (m *mockBus) HSet(_ context.Context, key string, fields map[string]string) error {
	m.record("hset " + key)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hashes[key] == nil {
		m.hashes[key] = map[string]string{}
	}
	for k, v := range fields {
		m.hashes[key][k] = v
	}
	return nil
}

func (m *mockBus) HGet(_ context.Context, key, field string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.hashes[key][field]
	if !ok {
		return "", redisbus.ErrNotFound
	}
	return v, nil
}

func (m *mockBus) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.record("hgetall " + key)
	if m.beforeSnapshot != nil {
		m.beforeSnapshot()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]string{}
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *mockBus) SAdd(_ context.Context, key string, members ...string) error {
	m.record("sadd " + key)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets[key] = append(m.sets[key], members...)
	return nil
}

func (m *mockBus) hash(key string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]string{}
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out
}

func (m *mockBus) subscribed(channel string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handlers[channel]
	return ok
}

func (m *mockBus) deliver(t *testing.T, channel, payload string) {
	t.Helper()
	m.mu.Lock()
	h := m.handlers[channel]
	m.mu.Unlock()
	if h == nil {
		t.Fatalf("no subscriber on %s", channel)
	}
	h(payload)
}

// mockCache is an in-memory core cache.
type mockCache struct {
	mu     sync.Mutex
	hashes map[string]map[string]string
	values map[string]string
	ttls   map[string]time.Duration

	hlenErr error
}

func newMockCache() *mockCache {
	return &mockCache{
		hashes: map[string]map[string]string{},
		values: map[string]string{},
		ttls:   map[string]time.Duration{},
	}
}

func (m *mockCache) HSet(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hashes[key] == nil {
		m.hashes[key] = map[string]string{}
	}
	for k, v := range fields {
		m.hashes[key][k] = v
	}
	return nil
}

func (m *mockCache) HGet(_ context.Context, key, field string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.hashes[key][field]
	if !ok {
		return "", redisbus.ErrNotFound
	}
	return v, nil
}

func (m *mockCache) HDel(_ context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range fields {
		delete(m.hashes[key], f)
	}
	return nil
}

func (m *mockCache) HLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hlenErr != nil {
		return 0, m.hlenErr
	}
	return int64(len(m.hashes[key])), nil
}

func (m *mockCache) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return "", redisbus.ErrNotFound
	}
	return v, nil
}

func (m *mockCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	m.ttls[key] = ttl
	return nil
}

func (m *mockCache) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}

func (m *mockCache) field(key, field string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.hashes[key][field]
	return v, ok
}

func (m *mockCache) value(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

type emitted struct {
	event   string
	payload any
}

// mockSocket records emitted events.
type mockSocket struct {
	mu     sync.Mutex
	events []emitted
	once   sync.Once
	done   chan struct{}
}

func newMockSocket() *mockSocket {
	return &mockSocket{done: make(chan struct{})}
}

func (s *mockSocket) Emit(event string, payload any) error {
	select {
	case <-s.done:
		return errSocketClosed
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, emitted{event, payload})
	return nil
}

func (s *mockSocket) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *mockSocket) Done() <-chan struct{} { return s.done }

func (s *mockSocket) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *mockSocket) Events() []emitted {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]emitted(nil), s.events...)
}

func (s *mockSocket) updates() []envelope.Envelope {
	var out []envelope.Envelope
	for _, e := range s.Events() {
		if e.event == EventUpdates {
			out = append(out, e.payload.(envelope.Envelope))
		}
	}
	return out
}

func (s *mockSocket) errors() []string {
	var out []string
	for _, e := range s.Events() {
		if e.event == EventError {
			out = append(out, e.payload.(string))
		}
	}
	return out
}

// mockRelayMetrics records dropped messages by reason.
type mockRelayMetrics struct {
	noopMetrics
	mu      sync.Mutex
	dropped map[string]int
}

func (m *mockRelayMetrics) MessageDropped(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dropped == nil {
		m.dropped = map[string]int{}
	}
	m.dropped[reason]++
}

func (m *mockRelayMetrics) Dropped(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped[reason]
}

// mockSide is a side channel that records notifications.
type mockSide struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	created   []entity.CreateResponse
	options   []entity.AddOptions
	singles   []entity.SuccessSingle
	multiple  []entity.SuccessMultiple
	failures  []entity.Failure
}

func (m *mockSide) CreateResponse(_ context.Context, req entity.CreateResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, req)
	return nil
}

func (m *mockSide) AddOptions(_ context.Context, req entity.AddOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.options = append(m.options, req)
	return nil
}

func (m *mockSide) SuccessSingle(_ context.Context, req entity.SuccessSingle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.singles = append(m.singles, req)
	return nil
}

func (m *mockSide) SuccessMultiple(_ context.Context, req entity.SuccessMultiple) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.multiple = append(m.multiple, req)
	return nil
}

func (m *mockSide) Failure(_ context.Context, req entity.Failure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, req)
	return nil
}

func (m *mockSide) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected && !m.closed
}

func (m *mockSide) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockSide) counts() (created, singles, multiple, failures int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.created), len(m.singles), len(m.multiple), len(m.failures)
}

// mockDialer hands out one mockSide and keeps the ack callback.
type mockDialer struct {
	mu        sync.Mutex
	side      *mockSide
	err       error
	params    entity.ConnParams
	onCreated func(entity.ResponseCreated)
}

func (d *mockDialer) Dial(_ context.Context, params entity.ConnParams, onCreated func(entity.ResponseCreated)) (SideConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.params = params
	d.onCreated = onCreated
	if d.err != nil {
		return nil, d.err
	}
	return d.side, nil
}

func (d *mockDialer) ack(t *testing.T, a entity.ResponseCreated) {
	t.Helper()
	d.mu.Lock()
	f := d.onCreated
	d.mu.Unlock()
	if f == nil {
		t.Fatal("side channel was never dialed")
	}
	f(a)
}

const (
	testBase  = "/api/test-manager"
	testGrace = time.Second
	testMax   = 30 * time.Minute

	testMaxRunning   = 5
	testConsoleLimit = 100
)

var testStart = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

type fixture struct {
	srv    *Server
	bus    *mockBus
	cache  *mockCache
	side   *mockSide
	dialer *mockDialer
	timers *testutil.FakeTimers
	clock  *testutil.FakeClock
}

func newFixture() *fixture {
	f := &fixture{
		bus:    newMockBus(),
		cache:  newMockCache(),
		side:   &mockSide{connected: true},
		timers: &testutil.FakeTimers{},
		clock:  testutil.NewFakeClock(testStart),
	}
	f.dialer = &mockDialer{side: f.side}
	f.srv = NewServer(Config{
		BasePath:        testBase,
		DisconnectGrace: testGrace,
		MaxJobDuration:  testMax,
		MaxRunningTests: testMaxRunning,
		ConsoleLimit:    testConsoleLimit,
	}, f.bus, f.cache, f.dialer).
		WithAfterFunc(f.timers.AfterFunc).
		WithClock(f.clock.Now)
	return f
}

// serve runs a connection in the background and returns a channel closed
// when it ends.
func (f *fixture) serve(sock Socket, rawURL string) <-chan struct{} {
	u, err := url.Parse(rawURL)
	if err != nil {
		panic(err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.srv.Serve(sock, u)
	}()
	return done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not finish")
	}
}
