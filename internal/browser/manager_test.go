package browser

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagefeed/internal/feed"
)

func newTestManager(l Launcher, opts ...Option) *Manager {
	return NewManager(Config{
		ProfileDir:     "",
		LockRetries:    3,
		LockRetryDelay: time.Millisecond,
	}, l, zap.NewNop(), opts...)
}

func TestGetOrCreate_ReusesLiveInstance(t *testing.T) {
	l := &fakeLauncher{}
	m := newTestManager(l)
	ctx := context.Background()

	first, err := m.GetOrCreate(ctx, Headless, "", "")
	require.NoError(t, err)
	second, err := m.GetOrCreate(ctx, Headless, "", "")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), l.launches.Load())
}

func TestGetOrCreate_ModeSwitchClosesOnceAndJoinsLaunch(t *testing.T) {
	l := &fakeLauncher{}
	m := newTestManager(l)
	ctx := context.Background()

	headless, err := m.GetOrCreate(ctx, Headless, "", "")
	require.NoError(t, err)

	gate := make(chan struct{})
	l.setGate(gate)

	var wg sync.WaitGroup
	results := make([]Instance, 2)
	errs := make([]error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = m.GetOrCreate(ctx, Headful, "", "")
	}()
	require.Eventually(t, func() bool { return l.launches.Load() == 2 }, time.Second, time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = m.GetOrCreate(ctx, Headful, "", "")
	}()
	require.Eventually(t, func() bool { return m.launchInFlight() }, time.Second, time.Millisecond)
	close(gate)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Same(t, results[0], results[1])
	assert.Equal(t, int32(2), l.launches.Load(), "exactly one relaunch")
	assert.Equal(t, int32(1), headless.(*fakeInstance).closes.Load(), "old instance closed exactly once")
	assert.Equal(t, Headful, results[0].(*fakeInstance).opts.Mode)
}

func TestGetOrCreate_MismatchedWaiterReevaluates(t *testing.T) {
	l := &fakeLauncher{}
	m := newTestManager(l)
	ctx := context.Background()

	gate := make(chan struct{})
	l.setGate(gate)

	var headful Instance
	done := make(chan struct{})
	go func() {
		defer close(done)
		headful, _ = m.GetOrCreate(ctx, Headful, "", "")
	}()
	require.Eventually(t, func() bool { return l.launches.Load() == 1 }, time.Second, time.Millisecond)

	headlessDone := make(chan Instance)
	go func() {
		inst, err := m.GetOrCreate(ctx, Headless, "", "")
		assert.NoError(t, err)
		headlessDone <- inst
	}()

	l.setGate(nil)
	close(gate)
	<-done
	headless := <-headlessDone

	require.NotNil(t, headful)
	assert.NotSame(t, headful, headless)
	assert.Equal(t, Headless, headless.(*fakeInstance).opts.Mode)
	assert.Equal(t, int32(1), headful.(*fakeInstance).closes.Load())
	assert.Equal(t, int32(2), l.launches.Load())
}

func TestGetOrCreate_CancelledLeaderDoesNotFailJoiners(t *testing.T) {
	l := &fakeLauncher{}
	m := newTestManager(l)

	gate := make(chan struct{})
	l.setGate(gate)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := m.GetOrCreate(leaderCtx, Headless, "", "")
		leaderErr <- err
	}()
	require.Eventually(t, func() bool { return l.launches.Load() == 1 }, time.Second, time.Millisecond)

	joined := make(chan Instance, 1)
	go func() {
		inst, err := m.GetOrCreate(context.Background(), Headless, "", "")
		assert.NoError(t, err)
		joined <- inst
	}()
	time.Sleep(20 * time.Millisecond)

	cancelLeader()
	require.ErrorIs(t, <-leaderErr, context.Canceled)
	close(gate)

	var inst Instance
	select {
	case inst = <-joined:
	case <-time.After(time.Second):
		t.Fatal("joined caller did not receive the shared launch")
	}
	require.NotNil(t, inst)
	assert.Equal(t, int32(1), l.launches.Load())

	again, err := m.GetOrCreate(context.Background(), Headless, "", "")
	require.NoError(t, err)
	assert.Same(t, inst, again, "the launch finished and became the live instance")
}

func TestGetOrCreate_LaunchTimeoutBoundsSharedLaunch(t *testing.T) {
	l := &fakeLauncher{}
	l.setGate(make(chan struct{}))
	m := NewManager(Config{LaunchTimeout: 20 * time.Millisecond}, l, zap.NewNop())

	_, err := m.GetOrCreate(context.Background(), Headless, "", "")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, m.launchInFlight())
}

func TestGetOrCreate_ProxyAndProfileAreCompared(t *testing.T) {
	l := &fakeLauncher{}
	m := newTestManager(l)
	ctx := context.Background()
	dir := t.TempDir()

	a, err := m.GetOrCreate(ctx, Headless, dir, "")
	require.NoError(t, err)
	b, err := m.GetOrCreate(ctx, Headless, dir, "http://proxy:8080")
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, int32(1), a.(*fakeInstance).closes.Load())
	assert.Equal(t, "http://proxy:8080", b.(*fakeInstance).opts.Proxy)
}

func TestGetOrCreate_DeadInstanceIsRelaunched(t *testing.T) {
	l := &fakeLauncher{}
	m := newTestManager(l)
	ctx := context.Background()

	first, err := m.GetOrCreate(ctx, Headless, "", "")
	require.NoError(t, err)
	first.(*fakeInstance).dead.Store(true)

	second, err := m.GetOrCreate(ctx, Headless, "", "")
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Equal(t, int32(2), l.launches.Load())
	assert.Equal(t, int32(1), first.(*fakeInstance).closes.Load())
}

func TestGetOrCreate_RecoversFromProfileLock(t *testing.T) {
	l := &fakeLauncher{failures: []error{
		errors.New("chrome failed to start: The profile appears to be in use by another Chromium process"),
		errors.New("Failed to create a ProcessSingleton for your profile directory"),
	}}
	rec := &fakeRecoverer{}
	m := newTestManager(l, WithRecoverer(rec))
	dir := t.TempDir()

	inst, err := m.GetOrCreate(context.Background(), Headless, dir, "")
	require.NoError(t, err)
	require.NotNil(t, inst)

	assert.Equal(t, int32(3), l.launches.Load())
	assert.Equal(t, int32(2), rec.recovers.Load())
}

func TestGetOrCreate_PreLaunchProbeTriggersRecovery(t *testing.T) {
	l := &fakeLauncher{}
	rec := &fakeRecoverer{held: true}
	m := newTestManager(l, WithRecoverer(rec))

	_, err := m.GetOrCreate(context.Background(), Headless, t.TempDir(), "")
	require.NoError(t, err)
	assert.Equal(t, int32(1), rec.recovers.Load())
}

func TestGetOrCreate_ProfileLockExhausted(t *testing.T) {
	lockErr := errors.New("SingletonLock: File exists")
	l := &fakeLauncher{always: lockErr}
	rec := &fakeRecoverer{}
	m := newTestManager(l, WithRecoverer(rec))
	dir := t.TempDir()

	_, err := m.GetOrCreate(context.Background(), Headless, dir, "")
	require.Error(t, err)

	var lockErrTyped *ProfileLockError
	require.ErrorAs(t, err, &lockErrTyped)
	assert.Equal(t, dir, lockErrTyped.Dir)
	assert.ErrorIs(t, err, feed.ErrTransient)
	assert.True(t, strings.Contains(err.Error(), dir))
	assert.Equal(t, int32(4), l.launches.Load(), "initial attempt plus three retries")
}

func TestGetOrCreate_BrowserNotFound(t *testing.T) {
	l := &fakeLauncher{always: ErrBrowserNotFound}
	m := newTestManager(l)

	_, err := m.GetOrCreate(context.Background(), Headless, "", "")
	require.ErrorIs(t, err, feed.ErrConfiguration)
	assert.Equal(t, int32(1), l.launches.Load())
}

func TestShutdown(t *testing.T) {
	l := &fakeLauncher{}
	m := newTestManager(l)
	ctx := context.Background()

	inst, err := m.GetOrCreate(ctx, Headless, "", "")
	require.NoError(t, err)
	require.NoError(t, m.Shutdown(ctx))
	assert.Equal(t, int32(1), inst.(*fakeInstance).closes.Load())

	_, err = m.GetOrCreate(ctx, Headless, "", "")
	require.ErrorIs(t, err, ErrClosed)
	require.NoError(t, m.Shutdown(ctx))
}

func TestIsProfileLock(t *testing.T) {
	assert.True(t, isProfileLock(errLockHeld))
	assert.True(t, isProfileLock(errors.New("xx SingletonLock yy")))
	assert.False(t, isProfileLock(errors.New("net::ERR_NAME_NOT_RESOLVED")))
	assert.False(t, isProfileLock(nil))
}

func (m *Manager) launchInFlight() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.launching != nil
}

type fakeLauncher struct {
	launches atomic.Int32

	mu       sync.Mutex
	gate     chan struct{}
	failures []error
	always   error
	pages    func() *fakePage
}

func (f *fakeLauncher) setGate(gate chan struct{}) {
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
}

func (f *fakeLauncher) Launch(ctx context.Context, opts LaunchOptions) (Instance, error) {
	f.launches.Add(1)
	f.mu.Lock()
	gate := f.gate
	var err error
	if len(f.failures) > 0 {
		err, f.failures = f.failures[0], f.failures[1:]
	} else if f.always != nil {
		err = f.always
	}
	pages := f.pages
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &fakeInstance{opts: opts, pages: pages}, nil
}

type fakeInstance struct {
	opts   LaunchOptions
	closes atomic.Int32
	dead   atomic.Bool
	pages  func() *fakePage
}

func (f *fakeInstance) NewPage(context.Context) (Page, error) {
	if f.pages == nil {
		return &fakePage{}, nil
	}
	return f.pages(), nil
}

func (f *fakeInstance) Ping(context.Context) error {
	if f.dead.Load() {
		return errors.New("connection refused")
	}
	return nil
}

func (f *fakeInstance) Close() error {
	f.closes.Add(1)
	return nil
}

type fakeRecoverer struct {
	held     bool
	recovers atomic.Int32
}

func (f *fakeRecoverer) Held(context.Context, string) bool {
	return f.held
}

func (f *fakeRecoverer) Recover(context.Context, string) error {
	f.recovers.Add(1)
	return nil
}
