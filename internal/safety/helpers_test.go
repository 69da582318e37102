package safety_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/safeguard/internal/geo"
	"github.com/linnemanlabs/safeguard/internal/geoindex"
	"github.com/linnemanlabs/safeguard/internal/safety"
	"github.com/linnemanlabs/safeguard/internal/safety/memstore"
)

var (
	lagos  = geo.Coordinate{Lat: 6.5244, Lon: 3.3792}
	pointB = geo.Coordinate{Lat: 6.6, Lon: 3.4} // ~8.72 km from lagos
	pointC = geo.Coordinate{Lat: 6.7, Lon: 3.5} // ~23.66 km from lagos
)

// mockNotifier records deliveries. Recipients listed in errs fail; block,
// when set, holds every Send until closed, ignoring ctx.
type mockNotifier struct {
	mu    sync.Mutex
	sent  []string
	errs  map[string]error
	delay time.Duration
	block chan struct{}
}

func (m *mockNotifier) Send(_ context.Context, r safety.Recipient, _ *safety.Alert) error {
	if m.block != nil {
		<-m.block
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs[r.ID]; err != nil {
		return err
	}
	m.sent = append(m.sent, r.ID)
	return nil
}

func (m *mockNotifier) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

type mockEscalator struct {
	mu    sync.Mutex
	calls []*safety.Escalation
}

func (m *mockEscalator) Escalate(_ context.Context, e *safety.Escalation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, e)
	return nil
}

func (m *mockEscalator) Calls() []*safety.Escalation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*safety.Escalation(nil), m.calls...)
}

// failingIndex wraps a Grid and fails queries.
type failingIndex struct {
	*geoindex.Grid
}

func (f failingIndex) QueryRadius(context.Context, geo.Coordinate, float64) ([]geoindex.Hit, error) {
	return nil, errors.New("index offline")
}

// testClock is a settable clock for deterministic timestamps.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	engine    *safety.Engine
	store     *memstore.Store
	tracks    *memstore.Tracks
	index     *geoindex.Grid
	notifier  *mockNotifier
	escalator *mockEscalator
	clock     *testClock
}

type envOption func(*envConfig)

type envConfig struct {
	wrapStore func(*memstore.Store) safety.Store
	wrapIndex func(*geoindex.Grid) geoindex.Index
	notifier  *mockNotifier
	hooks     safety.EngineHooks
	matcher   safety.MatcherOptions
	dispatch  safety.DispatcherOptions
	engine    safety.EngineOptions
}

func withStore(wrap func(*memstore.Store) safety.Store) envOption {
	return func(c *envConfig) { c.wrapStore = wrap }
}

func withIndex(wrap func(*geoindex.Grid) geoindex.Index) envOption {
	return func(c *envConfig) { c.wrapIndex = wrap }
}

func withNotifier(n *mockNotifier) envOption {
	return func(c *envConfig) { c.notifier = n }
}

func withHooks(h safety.EngineHooks) envOption {
	return func(c *envConfig) { c.hooks = h }
}

func withFallback(limit int) envOption {
	return func(c *envConfig) { c.matcher.FallbackLimit = limit }
}

func withDispatcher(o safety.DispatcherOptions) envOption {
	return func(c *envConfig) { c.dispatch = o }
}

func withEngineOptions(o safety.EngineOptions) envOption {
	return func(c *envConfig) { c.engine = o }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	cfg := envConfig{notifier: &mockNotifier{}}
	for _, o := range opts {
		o(&cfg)
	}

	mem := memstore.New()
	grid := geoindex.NewGrid(0)
	var store safety.Store = mem
	if cfg.wrapStore != nil {
		store = cfg.wrapStore(mem)
	}
	var index geoindex.Index = grid
	if cfg.wrapIndex != nil {
		index = cfg.wrapIndex(grid)
	}

	clock := newClock()
	if cfg.engine.Now == nil {
		cfg.engine.Now = clock.Now
	}
	tracks := memstore.NewTracks(time.Hour)
	esc := &mockEscalator{}

	matcher := safety.NewMatcher(index, store, log.Nop(), cfg.matcher)
	dispatcher := safety.NewDispatcher(cfg.notifier, log.Nop(), cfg.dispatch)
	eng := safety.NewEngine(safety.EngineDeps{
		Store:      store,
		Tracks:     tracks,
		Index:      index,
		Matcher:    matcher,
		Dispatcher: dispatcher,
		Escalator:  esc,
		Hooks:      cfg.hooks,
		Logger:     log.Nop(),
	}, cfg.engine)

	return &testEnv{
		engine:    eng,
		store:     mem,
		tracks:    tracks,
		index:     grid,
		notifier:  cfg.notifier,
		escalator: esc,
		clock:     clock,
	}
}

// drain waits for background dispatches.
func (e *testEnv) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.engine.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

// addResponder registers a responder through the engine so the record and
// the index agree.
func (e *testEnv) addResponder(t *testing.T, id string, pos geo.Coordinate, radiusKm float64) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.engine.RegisterResponder(ctx, id, safety.RoleTeamMember); err != nil {
		t.Fatalf("RegisterResponder %s: %v", id, err)
	}
	if _, err := e.engine.SetResponderRadius(ctx, id, radiusKm); err != nil {
		t.Fatalf("SetResponderRadius %s: %v", id, err)
	}
	if _, err := e.engine.SetResponderAddress(ctx, id, "ExponentPushToken["+id+"]", ""); err != nil {
		t.Fatalf("SetResponderAddress %s: %v", id, err)
	}
	if _, err := e.engine.UpdateResponderPosition(ctx, id, pos); err != nil {
		t.Fatalf("UpdateResponderPosition %s: %v", id, err)
	}
}
