package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-authgate/command-center/identity"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeClock fires AfterFunc callbacks from Advance, outside its lock.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	fired  atomic.Int32
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: epoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasPending := !t.stopped && !t.fired
	t.stopped = true
	return wasPending
}

// Advance moves time forward and runs every callback that became due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		c.fired.Add(1)
		t.f()
	}
}

// pending returns the deadlines of timers that are neither stopped nor fired.
func (c *fakeClock) pending() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Time
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.at)
		}
	}
	return out
}

// fakeProvider issues "token-N" on the Nth forced refresh.
type fakeProvider struct {
	clock interface{ Now() time.Time }
	ttl   time.Duration

	mu        sync.Mutex
	token     string
	userID    string
	expiresAt time.Time

	refreshErr error
	block      chan struct{}

	refreshCalls atomic.Int32
	signOuts     atomic.Int32
}

func newFakeProvider(clock interface{ Now() time.Time }) *fakeProvider {
	return &fakeProvider{
		clock:     clock,
		ttl:       10 * time.Minute,
		token:     "token-0",
		userID:    "admin-1",
		expiresAt: clock.Now().Add(10 * time.Minute),
	}
}

func (p *fakeProvider) CurrentPrincipal(context.Context) (*identity.Principal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token == "" {
		return nil, identity.ErrNoPrincipal
	}
	return &identity.Principal{UserID: p.userID}, nil
}

func (p *fakeProvider) IDToken(ctx context.Context, forceRefresh bool) (string, error) {
	if !forceRefresh {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.token == "" {
			return "", identity.ErrNoPrincipal
		}
		return p.token, nil
	}

	n := p.refreshCalls.Add(1)
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refreshErr != nil {
		return "", p.refreshErr
	}
	if p.token == "" {
		return "", identity.ErrNoPrincipal
	}
	p.token = fmt.Sprintf("token-%d", n)
	p.expiresAt = p.clock.Now().Add(p.ttl)
	return p.token, nil
}

func (p *fakeProvider) IDTokenResult(context.Context) (*identity.TokenResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token == "" {
		return nil, identity.ErrNoPrincipal
	}
	return &identity.TokenResult{Token: p.token, ExpirationTime: p.expiresAt}, nil
}

func (p *fakeProvider) SignOut(context.Context) error {
	p.signOuts.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = ""
	return nil
}

// recordingNavigator remembers every navigation.
type recordingNavigator struct {
	mu    sync.Mutex
	paths []string
}

func (n *recordingNavigator) Navigate(path string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.paths = append(n.paths, path)
}

func (n *recordingNavigator) visited() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.paths...)
}

type fixture struct {
	clock    *fakeClock
	provider *fakeProvider
	store    *MemoryStore
	nav      *recordingNavigator
	manager  *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := newFakeClock()
	f := &fixture{
		clock:    clock,
		provider: newFakeProvider(clock),
		store:    NewMemoryStore(),
		nav:      &recordingNavigator{},
	}
	m, err := NewManager(Options{
		Store:     f.store,
		Provider:  f.provider,
		Navigator: f.nav,
		Clock:     clock,
		AppKey:    "app-key-1",
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	f.manager = m
	return f
}

// start signs the fake principal in with the given remember-me setting.
func (f *fixture) start(t *testing.T, rememberMe bool) {
	t.Helper()
	require.NoError(t, f.manager.Start(context.Background(), rememberMe))
}
