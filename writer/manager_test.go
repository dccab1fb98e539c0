package writer

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/relay-sync/model"
)

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, fakeWaiter{deadline: c.now.Add(d), ch: ch})
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.deadline.After(c.now) {
			w.ch <- c.now
			continue
		}
		kept = append(kept, w)
	}
	c.waiters = kept
}

func (c *fakeClock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

type writeCall struct {
	device string
	writes []model.TagWrite
}

type fakeRemote struct {
	mu      sync.Mutex
	calls   []writeCall
	started chan struct{}
	release chan struct{}
	result  func(device string) (model.WriteResult, error)
}

func (r *fakeRemote) WriteTagValues(ctx context.Context, device string, writes []model.TagWrite) (model.WriteResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, writeCall{device: device, writes: append([]model.TagWrite(nil), writes...)})
	r.mu.Unlock()

	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return model.WriteResult{}, ctx.Err()
		}
	}
	if r.result != nil {
		return r.result(device)
	}
	return model.WriteResult{Success: true}, nil
}

func (r *fakeRemote) Calls() []writeCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]writeCall(nil), r.calls...)
}

type confirmation struct {
	path    string
	value   model.Value
	quality model.Quality
}

type fakeSink struct {
	mu   sync.Mutex
	seen []confirmation
}

func (s *fakeSink) UpdateValue(path string, value model.Value, quality model.Quality, _ time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, confirmation{path: path, value: value, quality: quality})
}

func (s *fakeSink) Confirmations() []confirmation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]confirmation(nil), s.seen...)
}

func (s *fakeSink) waitFor(t *testing.T, n int) []confirmation {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.Confirmations()) >= n }, time.Second, time.Millisecond)
	return s.Confirmations()
}

var press1 = model.DeviceRef{ID: 1, Name: "Press1"}
var press2 = model.DeviceRef{ID: 2, Name: "Press2"}

func request(device model.DeviceRef, tag string, v model.Value) Request {
	return Request{
		Device: device,
		Tag:    model.TagRef{Name: tag, DataType: v.Type()},
		Path:   device.Name + "/" + tag,
		Value:  v,
	}
}

func waitForWorker(t *testing.T, clock *fakeClock, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return clock.Waiters() >= n }, time.Second, time.Millisecond)
}

func TestBufferedWritesCoalescePerPath(t *testing.T) {
	clock := newFakeClock()
	remote := &fakeRemote{}
	sink := &fakeSink{}
	m := NewManager(remote, sink, 500*time.Millisecond, WithClock(clock))
	defer m.Close()

	m.Write(context.Background(), request(press1, "Setpoint", model.IntValue(10)))
	m.Write(context.Background(), request(press1, "Setpoint", model.IntValue(20)))
	waitForWorker(t, clock, 1)
	assert.Empty(t, remote.Calls())

	clock.Advance(500 * time.Millisecond)
	seen := sink.waitFor(t, 1)

	calls := remote.Calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].writes, 1)
	assert.Equal(t, "Press1", calls[0].device)
	assert.Equal(t, model.IntValue(20), calls[0].writes[0].Value)

	require.Len(t, seen, 1)
	assert.Equal(t, confirmation{path: "Press1/Setpoint", value: model.IntValue(20), quality: model.QualityGood}, seen[0])
}

func TestBufferedWritesGroupByDevice(t *testing.T) {
	clock := newFakeClock()
	remote := &fakeRemote{}
	sink := &fakeSink{}
	m := NewManager(remote, sink, time.Second, WithClock(clock))
	defer m.Close()

	m.Write(context.Background(), request(press1, "A", model.IntValue(1)))
	m.Write(context.Background(), request(press2, "B", model.FloatValue(2.5)))
	m.Write(context.Background(), request(press1, "C", model.BoolValue(true)))
	waitForWorker(t, clock, 1)

	clock.Advance(time.Second)
	sink.waitFor(t, 3)

	calls := remote.Calls()
	require.Len(t, calls, 2)
	byDevice := map[string][]model.TagWrite{}
	for _, c := range calls {
		byDevice[c.device] = c.writes
	}
	require.Len(t, byDevice["Press1"], 2)
	assert.Equal(t, "A", byDevice["Press1"][0].Name)
	assert.Equal(t, "C", byDevice["Press1"][1].Name)
	require.Len(t, byDevice["Press2"], 1)
	assert.Equal(t, model.FloatValue(2.5), byDevice["Press2"][0].Value)
}

func TestDisabledWindowWritesImmediately(t *testing.T) {
	for _, window := range []time.Duration{Disabled, 0, 50 * time.Millisecond} {
		clock := newFakeClock()
		remote := &fakeRemote{}
		sink := &fakeSink{}
		m := NewManager(remote, sink, window, WithClock(clock))

		m.Write(context.Background(), request(press1, "A", model.IntValue(1)))
		m.Write(context.Background(), request(press1, "A", model.IntValue(2)))
		sink.waitFor(t, 2)

		assert.Len(t, remote.Calls(), 2, "window %v", window)
		assert.Zero(t, clock.Waiters())
		m.Close()
	}
}

func TestWriteErrorConfirmsAttemptedValue(t *testing.T) {
	remote := &fakeRemote{result: func(string) (model.WriteResult, error) {
		return model.WriteResult{}, errors.New("relay unreachable")
	}}
	sink := &fakeSink{}
	m := NewManager(remote, sink, Disabled)
	defer m.Close()

	m.Write(context.Background(), request(press1, "A", model.StringValue("on")))
	seen := sink.waitFor(t, 1)
	assert.Equal(t, model.QualityError, seen[0].quality)
	assert.Equal(t, model.StringValue("on"), seen[0].value)
}

func TestRejectedWriteIsError(t *testing.T) {
	remote := &fakeRemote{result: func(string) (model.WriteResult, error) {
		return model.WriteResult{Success: false, Message: "tag is read-only"}, nil
	}}
	sink := &fakeSink{}
	m := NewManager(remote, sink, Disabled)
	defer m.Close()

	m.Write(context.Background(), request(press1, "A", model.IntValue(1)))
	seen := sink.waitFor(t, 1)
	assert.Equal(t, model.QualityError, seen[0].quality)
}

func TestCloseCancelsQueuedWrites(t *testing.T) {
	clock := newFakeClock()
	remote := &fakeRemote{}
	sink := &fakeSink{}
	m := NewManager(remote, sink, time.Second, WithClock(clock))

	m.Write(context.Background(), request(press1, "A", model.IntValue(1)))
	m.Write(context.Background(), request(press2, "B", model.IntValue(2)))
	waitForWorker(t, clock, 1)

	m.Close()
	seen := sink.Confirmations()
	require.Len(t, seen, 2)
	for _, c := range seen {
		assert.Equal(t, model.QualityCancelled, c.quality)
	}
	assert.Empty(t, remote.Calls())
	assert.Zero(t, m.Pending())
}

func TestCloseCancelsInFlightWrite(t *testing.T) {
	remote := &fakeRemote{started: make(chan struct{}, 1), release: make(chan struct{})}
	sink := &fakeSink{}
	m := NewManager(remote, sink, Disabled)

	m.Write(context.Background(), request(press1, "A", model.IntValue(1)))
	<-remote.started
	m.Close()

	seen := sink.Confirmations()
	require.Len(t, seen, 1)
	assert.Equal(t, model.QualityCancelled, seen[0].quality)
}

func TestWriteAfterCloseIsCancelled(t *testing.T) {
	sink := &fakeSink{}
	m := NewManager(&fakeRemote{}, sink, time.Second)
	m.Close()

	m.Write(context.Background(), request(press1, "A", model.IntValue(1)))
	seen := sink.Confirmations()
	require.Len(t, seen, 1)
	assert.Equal(t, model.QualityCancelled, seen[0].quality)
}

func TestWorkerWaitsAgainWhenQueueRefills(t *testing.T) {
	clock := newFakeClock()
	remote := &fakeRemote{started: make(chan struct{}, 2), release: make(chan struct{}, 2)}
	sink := &fakeSink{}
	m := NewManager(remote, sink, time.Second, WithClock(clock))
	defer m.Close()

	m.Write(context.Background(), request(press1, "A", model.IntValue(1)))
	waitForWorker(t, clock, 1)
	clock.Advance(time.Second)
	<-remote.started

	// arrives while the first flush is in flight
	m.Write(context.Background(), request(press1, "A", model.IntValue(2)))
	remote.release <- struct{}{}
	sink.waitFor(t, 1)

	waitForWorker(t, clock, 1)
	assert.Len(t, remote.Calls(), 1)

	clock.Advance(time.Second)
	<-remote.started
	remote.release <- struct{}{}
	seen := sink.waitFor(t, 2)
	assert.Equal(t, model.IntValue(2), seen[1].value)

	require.Eventually(t, func() bool {
		m.mutex.Lock()
		defer m.mutex.Unlock()
		return !m.running
	}, time.Second, time.Millisecond)
}

func TestSetWindowSwitchesMode(t *testing.T) {
	remote := &fakeRemote{}
	sink := &fakeSink{}
	m := NewManager(remote, sink, time.Second, WithClock(newFakeClock()))
	defer m.Close()

	m.SetWindow(Disabled)
	assert.Equal(t, Disabled, m.Window())

	m.Write(context.Background(), request(press1, "A", model.IntValue(1)))
	sink.waitFor(t, 1)
	assert.Len(t, remote.Calls(), 1)
}

func TestQueueOrdersByCreationThenArrival(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	var q writeQueue
	heap.Push(&q, &pendingWrite{Request: Request{Path: "c"}, created: base.Add(time.Second), seq: 3})
	heap.Push(&q, &pendingWrite{Request: Request{Path: "b"}, created: base, seq: 2})
	heap.Push(&q, &pendingWrite{Request: Request{Path: "a"}, created: base, seq: 1})

	var got []string
	for _, w := range q.drainAll() {
		got = append(got, w.Path)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestGroupKeepsLastValuePerPath(t *testing.T) {
	batch := []*pendingWrite{
		{Request: request(press1, "A", model.IntValue(1)), seq: 1},
		{Request: request(press1, "B", model.IntValue(2)), seq: 2},
		{Request: request(press1, "A", model.IntValue(3)), seq: 3},
	}
	groups := group(batch)
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"Press1/A", "Press1/B"}, groups[0].paths)
	assert.Equal(t, model.IntValue(3), groups[0].writes["Press1/A"].Value)
}

func TestGroupRepeatedValueKeepsLatestWrite(t *testing.T) {
	batch := []*pendingWrite{
		{Request: request(press1, "A", model.FloatValue(1.5)), seq: 1},
		{Request: request(press1, "A", model.FloatValue(1.5)), seq: 2},
	}
	groups := group(batch)
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"Press1/A"}, groups[0].paths)
	assert.Equal(t, uint64(2), groups[0].writes["Press1/A"].seq)
}
