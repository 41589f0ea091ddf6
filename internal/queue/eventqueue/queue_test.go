package eventqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"k8s.io/utils/clock"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/aridsondez/eventqueue/internal/config"
	"github.com/aridsondez/eventqueue/internal/queue"
	"github.com/aridsondez/eventqueue/internal/queue/store"
	"github.com/aridsondez/eventqueue/internal/submission"
)

// memStore is an in-memory store.Store that records what the queue does to it.
type memStore struct {
	mu     sync.Mutex
	clk    clock.PassiveClock
	items  []queue.Item
	leased map[string]bool

	fetches  int
	deleted  []string
	released []string

	writeErr  error
	fetchErr  error
	deleteErr error
	purgeErr  error
	// partialFetch makes a failing FetchBatch lease and return the first item.
	partialFetch bool
}

var (
	_ store.Store = (*memStore)(nil)
	_ store.Sizer = (*memStore)(nil)
)

func newMemStore(clk clock.PassiveClock) *memStore {
	return &memStore{clk: clk, leased: map[string]bool{}}
}

func (m *memStore) Write(_ context.Context, name string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	for i, it := range m.items {
		if it.Name == name {
			m.items = append(m.items[:i], m.items[i+1:]...)
			break
		}
	}
	m.items = append(m.items, queue.Item{Name: name, Payload: payload, CreatedAt: m.clk.Now()})
	return nil
}

func (m *memStore) FetchBatch(_ context.Context, limit int) ([]queue.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
	if m.fetchErr != nil {
		if m.partialFetch && len(m.items) > 0 {
			m.leased[m.items[0].Name] = true
			return m.items[:1:1], m.fetchErr
		}
		return nil, m.fetchErr
	}
	var out []queue.Item
	for _, it := range m.items {
		if len(out) == store.Limit(limit) {
			break
		}
		if m.leased[it.Name] {
			continue
		}
		m.leased[it.Name] = true
		out = append(out, it)
	}
	return out, nil
}

func (m *memStore) DeleteBatch(_ context.Context, items []queue.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	drop := map[string]bool{}
	for _, it := range items {
		drop[it.Name] = true
		delete(m.leased, it.Name)
		m.deleted = append(m.deleted, it.Name)
	}
	kept := m.items[:0]
	for _, it := range m.items {
		if !drop[it.Name] {
			kept = append(kept, it)
		}
	}
	m.items = kept
	return nil
}

func (m *memStore) ReleaseBatch(_ context.Context, items []queue.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		delete(m.leased, it.Name)
		m.released = append(m.released, it.Name)
	}
	return nil
}

func (m *memStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.purgeErr != nil {
		return 0, m.purgeErr
	}
	kept := m.items[:0]
	n := 0
	for _, it := range m.items {
		if it.CreatedAt.Before(cutoff) {
			delete(m.leased, it.Name)
			n++
			continue
		}
		kept = append(kept, it)
	}
	m.items = kept
	return n, nil
}

func (m *memStore) Len(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items), nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return store.Names(m.items)
}

func (m *memStore) leasedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leased)
}

func (m *memStore) fetchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches
}

// fakeTransport answers every Submit with resp/err. When hold is set,
// Submit signals entered and waits for hold to close.
type fakeTransport struct {
	mu      sync.Mutex
	resp    submission.Response
	err     error
	batches [][]queue.Event

	hold    chan struct{}
	entered chan struct{}
}

func (f *fakeTransport) Submit(ctx context.Context, events []queue.Event) (submission.Response, error) {
	f.mu.Lock()
	f.batches = append(f.batches, append([]queue.Event(nil), events...))
	resp, err, hold := f.resp, f.err, f.hold
	f.mu.Unlock()

	if hold != nil {
		f.entered <- struct{}{}
		<-hold
	}
	return resp, err
}

func (f *fakeTransport) submitted() [][]queue.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches
}

func respond(code int) *fakeTransport {
	return &fakeTransport{resp: submission.Response{StatusCode: code}}
}

type env struct {
	clk *clocktesting.FakeClock
	st  *memStore
	q   *Queue
}

func newEnv(t *testing.T, tr submission.Transport, opts Options) *env {
	t.Helper()
	clk := clocktesting.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	st := newMemStore(clk)
	opts.Clock = clk
	q := New(st, tr, opts)
	t.Cleanup(func() { _ = q.Close() })
	return &env{clk: clk, st: st, q: q}
}

func (e *env) enqueueN(t *testing.T, n int) []string {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, e.q.Enqueue(context.Background(), queue.Event{Type: "log", Message: "m", Date: e.clk.Now()}))
		e.clk.Step(time.Millisecond)
	}
	return e.st.names()
}

func TestCloseIsIdempotent(t *testing.T) {
	e := newEnv(t, respond(200), Options{})
	e.q.Start()

	assert.NoError(t, e.q.Close())
	assert.NoError(t, e.q.Close())
	assert.True(t, e.q.sched.Stopped())

	e.clk.Step(time.Hour)
	assert.Never(t, func() bool { return e.st.fetchCount() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestDiscardWindowDropsEnqueues(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	e := newEnv(t, respond(200), Options{Logger: zap.New(core)})
	e.q.SuspendProcessing(context.Background(), SuspendOptions{DiscardFutureQueuedItems: true})
	require.True(t, e.q.AreQueuedItemsDiscarded())

	for i := 0; i < 5; i++ {
		assert.NoError(t, e.q.Enqueue(context.Background(), queue.Event{Type: "log"}))
	}
	assert.Empty(t, e.st.names())
	assert.Equal(t, 5, logs.FilterMessage("queued_items_discarded").Len())

	e.clk.Step(DefaultSuspendDuration)
	assert.False(t, e.q.AreQueuedItemsDiscarded())
	assert.NoError(t, e.q.Enqueue(context.Background(), queue.Event{Type: "log"}))
	assert.Len(t, e.st.names(), 1)
}

func TestProcessIsSingleFlight(t *testing.T) {
	tr := respond(200)
	tr.hold = make(chan struct{})
	tr.entered = make(chan struct{}, 1)
	e := newEnv(t, tr, Options{})
	e.enqueueN(t, 2)

	done := make(chan struct{})
	go func() {
		e.q.Process(context.Background(), 0)
		close(done)
	}()
	<-tr.entered
	assert.True(t, e.q.Status(context.Background()).Processing)

	e.q.Process(context.Background(), 0)
	assert.Equal(t, 1, e.st.fetchCount(), "a second cycle must not fetch while one is in flight")

	close(tr.hold)
	<-done
	assert.False(t, e.q.Status(context.Background()).Processing)
	assert.Empty(t, e.st.names())
}

func TestSuccessDeletesBatch(t *testing.T) {
	e := newEnv(t, respond(202), Options{})
	names := e.enqueueN(t, 3)

	e.q.Process(context.Background(), 0)

	assert.Equal(t, names, e.st.deleted)
	assert.Empty(t, e.st.released)
	assert.Empty(t, e.st.names())
	assert.False(t, e.q.IsQueueProcessingSuspended())
}

func TestServiceUnavailableReleasesAndSuspends(t *testing.T) {
	e := newEnv(t, respond(503), Options{})
	names := e.enqueueN(t, 3)
	now := e.clk.Now()

	e.q.Process(context.Background(), 0)

	assert.Equal(t, names, e.st.released)
	assert.Empty(t, e.st.deleted)
	assert.Equal(t, names, e.st.names())
	assert.True(t, e.q.IsQueueProcessingSuspended())
	assert.False(t, e.q.AreQueuedItemsDiscarded())
	st := e.q.Status(context.Background())
	require.NotNil(t, st.SuspendedUntil)
	assert.WithinDuration(t, now.Add(5*time.Minute), *st.SuspendedUntil, 0)

	e.q.Process(context.Background(), 0)
	assert.Equal(t, 1, e.st.fetchCount(), "suspended cycles are no-ops")

	e.clk.Step(5 * time.Minute)
	e.q.Process(context.Background(), 0)
	assert.Equal(t, 2, e.st.fetchCount())
}

func TestPaymentRequiredPurgesAndDiscards(t *testing.T) {
	e := newEnv(t, respond(402), Options{BatchSize: 2})
	e.enqueueN(t, 3)
	e.clk.Step(time.Second)
	now := e.clk.Now()

	e.q.Process(context.Background(), 0)

	assert.Empty(t, e.st.names(), "everything written before the response is purged")
	assert.Empty(t, e.st.released)
	assert.True(t, e.q.IsQueueProcessingSuspended())
	assert.True(t, e.q.AreQueuedItemsDiscarded())

	st := e.q.Status(context.Background())
	require.NotNil(t, st.SuspendedUntil)
	require.NotNil(t, st.DiscardingUntil)
	assert.WithinDuration(t, now.Add(5*time.Minute), *st.SuspendedUntil, 0)
	assert.WithinDuration(t, now.Add(5*time.Minute), *st.DiscardingUntil, 0)
	require.NotNil(t, st.Pending)
	assert.Equal(t, 0, *st.Pending)

	require.NoError(t, e.q.Enqueue(context.Background(), queue.Event{Type: "log"}))
	assert.Empty(t, e.st.names())
}

func TestAuthAndNotFoundBackoff(t *testing.T) {
	tests := map[string]struct {
		code int
		want time.Duration
	}{
		"unauthorized": {code: 401, want: 15 * time.Minute},
		"forbidden":    {code: 403, want: 15 * time.Minute},
		"not found":    {code: 404, want: 4 * time.Hour},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t, respond(tc.code), Options{})
			names := e.enqueueN(t, 2)
			now := e.clk.Now()

			e.q.Process(context.Background(), 0)

			assert.Equal(t, names, e.st.released)
			assert.Equal(t, names, e.st.names())
			st := e.q.Status(context.Background())
			require.NotNil(t, st.SuspendedUntil)
			assert.WithinDuration(t, now.Add(tc.want), *st.SuspendedUntil, 0)
			assert.Nil(t, st.DiscardingUntil)

			e.clk.Step(tc.want - time.Second)
			assert.True(t, e.q.IsQueueProcessingSuspended())
			e.clk.Step(time.Second)
			assert.False(t, e.q.IsQueueProcessingSuspended())
		})
	}
}

func TestGenericFailureReleases(t *testing.T) {
	e := newEnv(t, respond(500), Options{})
	names := e.enqueueN(t, 2)

	e.q.Process(context.Background(), 0)

	assert.Equal(t, names, e.st.released)
	assert.Equal(t, names, e.st.names())
	assert.False(t, e.q.IsQueueProcessingSuspended())
}

func TestTransportErrorReleases(t *testing.T) {
	e := newEnv(t, &fakeTransport{err: errors.New("connection refused")}, Options{})
	names := e.enqueueN(t, 1)

	e.q.Process(context.Background(), 0)

	assert.Equal(t, names, e.st.released)
	assert.Equal(t, names, e.st.names())
	assert.False(t, e.q.IsQueueProcessingSuspended())
	assert.False(t, e.q.Status(context.Background()).Processing)
}

func TestFetchErrorClearsProcessing(t *testing.T) {
	e := newEnv(t, respond(200), Options{})
	e.st.fetchErr = errors.New("disk gone")

	e.q.Process(context.Background(), 0)
	assert.False(t, e.q.Status(context.Background()).Processing)

	e.st.fetchErr = nil
	e.q.Process(context.Background(), 0)
	assert.Equal(t, 2, e.st.fetchCount())
}

func TestDisabledSwitchSkipsCycle(t *testing.T) {
	sw := config.NewSwitch(false)
	e := newEnv(t, respond(200), Options{Switch: sw})
	e.enqueueN(t, 1)

	e.q.Process(context.Background(), 0)
	assert.Zero(t, e.st.fetchCount())
	assert.False(t, e.q.Status(context.Background()).Enabled)

	sw.Set(true)
	e.q.Process(context.Background(), 0)
	assert.Equal(t, 1, e.st.fetchCount())
	assert.Empty(t, e.st.names())
}

func TestUnreadableItemsAreDeleted(t *testing.T) {
	tr := respond(200)
	e := newEnv(t, tr, Options{})
	bad := queue.NewItemName()
	require.NoError(t, e.st.Write(context.Background(), bad, []byte("{not json")))
	e.clk.Step(time.Millisecond)
	e.enqueueN(t, 1)

	e.q.Process(context.Background(), 0)

	require.Len(t, tr.submitted(), 1)
	assert.Len(t, tr.submitted()[0], 1)
	assert.Contains(t, e.st.deleted, bad)
	assert.Empty(t, e.st.names())
}

func TestEnqueueWriteErrorPropagates(t *testing.T) {
	e := newEnv(t, respond(200), Options{})
	e.st.writeErr = errors.New("no space left")

	err := e.q.Enqueue(context.Background(), queue.Event{Type: "log"})
	assert.ErrorIs(t, err, e.st.writeErr)
}

func TestSuspendPurgeIsBestEffort(t *testing.T) {
	e := newEnv(t, respond(200), Options{})
	e.enqueueN(t, 2)
	e.st.purgeErr = errors.New("purge failed")

	e.q.SuspendProcessing(context.Background(), SuspendOptions{Duration: time.Minute, ClearQueue: true})

	assert.True(t, e.q.IsQueueProcessingSuspended())
	assert.Len(t, e.st.names(), 2)
}

func TestProcessWaitsForDelay(t *testing.T) {
	e := newEnv(t, respond(200), Options{})

	done := make(chan struct{})
	go func() {
		e.q.Process(context.Background(), time.Minute)
		close(done)
	}()
	require.Eventually(t, e.clk.HasWaiters, time.Second, time.Millisecond)
	assert.Zero(t, e.st.fetchCount())

	e.clk.Step(time.Minute)
	<-done
	assert.Equal(t, 1, e.st.fetchCount())
}

func TestProcessDelayHonoursContext(t *testing.T) {
	e := newEnv(t, respond(200), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e.q.Process(ctx, time.Minute)
	assert.Zero(t, e.st.fetchCount())
}

func TestTimerDrivesCyclesAndSuspendReschedules(t *testing.T) {
	e := newEnv(t, respond(200), Options{StartDelay: 10 * time.Second, ProcessInterval: 10 * time.Second})
	e.q.Start()

	require.Eventually(t, e.clk.HasWaiters, time.Second, time.Millisecond)
	e.clk.Step(10 * time.Second)
	require.Eventually(t, func() bool { return e.st.fetchCount() == 1 }, time.Second, time.Millisecond)

	e.q.SuspendProcessing(context.Background(), SuspendOptions{Duration: time.Minute})
	require.Eventually(t, e.clk.HasWaiters, time.Second, time.Millisecond)
	e.clk.Step(30 * time.Second)
	assert.Never(t, func() bool { return e.st.fetchCount() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	e.clk.Step(30 * time.Second)
	require.Eventually(t, func() bool { return e.st.fetchCount() == 2 }, time.Second, time.Millisecond)
}

func TestDrainsToEmptyInFIFOOrder(t *testing.T) {
	tr := respond(200)
	e := newEnv(t, tr, Options{})
	first := queue.Event{Type: "log", Message: "first", Date: e.clk.Now()}
	require.NoError(t, e.q.Enqueue(context.Background(), first))
	e.clk.Step(time.Millisecond)
	second := queue.Event{Type: "log", Message: "second", Date: e.clk.Now()}
	require.NoError(t, e.q.Enqueue(context.Background(), second))

	e.q.Process(context.Background(), 0)

	assert.Empty(t, e.st.names())
	require.Len(t, tr.submitted(), 1)
	got := tr.submitted()[0]
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Message)
	assert.Equal(t, "second", got[1].Message)
}

func TestFailedFetchReleasesPartialBatch(t *testing.T) {
	e := newEnv(t, respond(200), Options{})
	names := e.enqueueN(t, 2)
	e.st.fetchErr = errors.New("read failed")
	e.st.partialFetch = true

	e.q.Process(context.Background(), 0)

	assert.Equal(t, names[:1], e.st.released)
	assert.Zero(t, e.st.leasedCount())

	e.st.fetchErr = nil
	e.q.Process(context.Background(), 0)
	assert.Empty(t, e.st.names())
}

func TestFailedUnreadableDeleteReleasesWholeFetch(t *testing.T) {
	tr := respond(200)
	e := newEnv(t, tr, Options{})
	bad := queue.NewItemName()
	require.NoError(t, e.st.Write(context.Background(), bad, []byte("{not json")))
	e.clk.Step(time.Millisecond)
	names := e.enqueueN(t, 1)
	e.st.deleteErr = errors.New("disk gone")

	e.q.Process(context.Background(), 0)

	assert.Empty(t, tr.submitted())
	assert.Equal(t, names, e.st.released)
	assert.Zero(t, e.st.leasedCount())
	assert.False(t, e.q.Status(context.Background()).Processing)
}

func TestNoStartDelayDrainsOnStart(t *testing.T) {
	e := newEnv(t, respond(200), Options{StartDelay: NoStartDelay})
	e.q.Start()

	require.Eventually(t, e.clk.HasWaiters, time.Second, time.Millisecond)
	e.clk.Step(0)
	require.Eventually(t, func() bool { return e.st.fetchCount() == 1 }, time.Second, time.Millisecond)
}
