package tank

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	types "github.com/automatedhome/tank/pkg/types"
)

const waitFor = 2 * time.Second

type recorder struct {
	mu       sync.Mutex
	statuses []types.Status
	err      error
}

func (r *recorder) Publish(_ context.Context, s types.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.statuses)
}

func (r *recorder) last() types.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statuses[len(r.statuses)-1]
}

func newTestController(t *testing.T, opts ...Option) (*Controller, *clock.Mock, *recorder) {
	t.Helper()
	mock := clock.NewMock()
	rec := &recorder{}
	c := NewController(rec, append([]Option{WithClock(mock)}, opts...)...)
	t.Cleanup(c.Shutdown)
	return c, mock, rec
}

// advance fires the next tick and waits until it has been published.
func advance(t *testing.T, mock *clock.Mock, rec *recorder) {
	t.Helper()
	want := rec.count() + 1
	mock.Add(DefaultPeriod)
	require.Eventually(t, func() bool { return rec.count() >= want }, waitFor, time.Millisecond)
}

func TestNewControllerIsClosedAndEmpty(t *testing.T) {
	c, _, _ := newTestController(t)

	assert.Equal(t, Snapshot{}, c.Snapshot())
}

func TestOpenIsIdempotent(t *testing.T) {
	c, _, _ := newTestController(t)

	c.Open()
	c.Open()

	assert.True(t, c.IsOpened())
	assert.Equal(t, Snapshot{Opened: true}, c.Snapshot())
}

func TestInputFillsByOnePerTick(t *testing.T) {
	c, mock, rec := newTestController(t)

	c.OpenInput()
	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, 1, c.Level())

	for i := 2; i <= 5; i++ {
		advance(t, mock, rec)
		assert.Equal(t, i, c.Level())
	}
	assert.Equal(t, types.Status{Series: []int{5}, Message: types.StatusClosed}, rec.last())
}

func TestOutputDrainHoldsBelowStep(t *testing.T) {
	c, mock, rec := newTestController(t)

	c.OpenInput()
	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, time.Millisecond)
	for i := 0; i < 4; i++ {
		advance(t, mock, rec)
	}
	c.CloseInput()
	require.Equal(t, 5, c.Level())

	c.OpenOutput()
	require.Eventually(t, func() bool { return rec.count() == 6 }, waitFor, time.Millisecond)
	assert.Equal(t, 3, c.Level())

	advance(t, mock, rec)
	assert.Equal(t, 1, c.Level())
	advance(t, mock, rec)
	assert.Equal(t, 1, c.Level())
	advance(t, mock, rec)
	assert.Equal(t, 1, c.Level())
	assert.Equal(t, types.Status{Series: []int{1}, Message: types.StatusClosed}, rec.last())
}

func TestDrainBy(t *testing.T) {
	tests := []struct {
		level int
		want  int
	}{
		{level: 5, want: 3},
		{level: 3, want: 1},
		{level: 2, want: 0},
		{level: 1, want: 1},
		{level: 0, want: 0},
	}
	drain := drainBy(DefaultDrainStep)
	for _, tt := range tests {
		assert.Equal(t, tt.want, drain(tt.level), "level %d", tt.level)
	}
}

func TestIdempotentCommands(t *testing.T) {
	tests := []struct {
		name string
		run  func(c *Controller)
		want Snapshot
	}{
		{
			name: "close twice",
			run:  func(c *Controller) { c.Open(); c.Close(); c.Close() },
			want: Snapshot{},
		},
		{
			name: "close never opened tank",
			run:  func(c *Controller) { c.Close() },
			want: Snapshot{},
		},
		{
			name: "close input when closed",
			run:  func(c *Controller) { c.CloseInput() },
			want: Snapshot{},
		},
		{
			name: "close output when closed",
			run:  func(c *Controller) { c.CloseOutput() },
			want: Snapshot{},
		},
		{
			name: "close output twice",
			run:  func(c *Controller) { c.OpenOutput(); c.CloseOutput(); c.CloseOutput() },
			want: Snapshot{},
		},
		{
			name: "open output twice",
			run:  func(c *Controller) { c.OpenOutput(); c.OpenOutput() },
			want: Snapshot{OutputOpen: true},
		},
		{
			name: "open twice",
			run:  func(c *Controller) { c.Open(); c.Open() },
			want: Snapshot{Opened: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, _ := newTestController(t)

			tt.run(c)

			assert.Equal(t, tt.want, c.Snapshot())
		})
	}
}

func TestOpenOutputTwiceSchedulesOnce(t *testing.T) {
	c, mock, rec := newTestController(t)

	c.OpenOutput()
	c.OpenOutput()
	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, time.Millisecond)
	assert.Never(t, func() bool { return rec.count() > 1 }, 50*time.Millisecond, time.Millisecond)

	advance(t, mock, rec)
	assert.Equal(t, 2, rec.count())
	assert.True(t, c.IsOutputOpen())
}

func TestOpenThenCloseInputWithoutTick(t *testing.T) {
	mock := clock.NewMock()
	rec := &recorder{}
	c := NewController(rec, WithClock(mock))

	// Hold the lock so the immediate tick cannot run before CloseInput.
	c.mu.Lock()
	c.startLocked(&c.input)
	c.stopLocked(&c.input)
	c.mu.Unlock()
	c.Shutdown()

	assert.Equal(t, 0, c.Level())
	assert.Equal(t, 0, rec.count())
	assert.False(t, c.IsInputOpen())
}

func TestCloseInputStopsTicks(t *testing.T) {
	c, mock, rec := newTestController(t)

	c.OpenInput()
	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, time.Millisecond)
	c.CloseInput()
	c.Wait()

	mock.Add(10 * DefaultPeriod)
	assert.Equal(t, 1, c.Level())
	assert.Equal(t, 1, rec.count())
	assert.False(t, c.IsInputOpen())
}

func TestOpenInputTwiceSchedulesOnce(t *testing.T) {
	c, mock, rec := newTestController(t)

	c.OpenInput()
	c.OpenInput()
	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, time.Millisecond)
	advance(t, mock, rec)

	assert.Equal(t, 2, c.Level())
	assert.True(t, c.IsInputOpen())
}

func TestCloseStopsBothFaucetsAndClearsFlags(t *testing.T) {
	c, mock, rec := newTestController(t)

	c.Open()
	c.OpenInput()
	c.OpenOutput()
	require.Eventually(t, func() bool { return rec.count() == 2 }, waitFor, time.Millisecond)

	c.Close()
	c.Wait()
	level := c.Level()
	published := rec.count()

	mock.Add(10 * DefaultPeriod)
	assert.Equal(t, level, c.Level())
	assert.Equal(t, published, rec.count())
	assert.Equal(t, Snapshot{Level: level}, c.Snapshot())

	// Faucets can be reopened after a whole-tank close.
	c.OpenInput()
	require.Eventually(t, func() bool { return rec.count() == published+1 }, waitFor, time.Millisecond)
	assert.Equal(t, level+1, c.Level())
}

func TestCloseWhenNotOpenedLeavesFaucetsRunning(t *testing.T) {
	c, mock, rec := newTestController(t)

	c.OpenInput()
	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, time.Millisecond)
	c.Close()

	advance(t, mock, rec)
	assert.Equal(t, 2, c.Level())
	assert.True(t, c.IsInputOpen())
}

func TestStatusReportsOpenedState(t *testing.T) {
	c, _, rec := newTestController(t)

	c.Open()
	c.OpenInput()
	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, time.Millisecond)

	assert.Equal(t, types.Status{Series: []int{1}, Message: types.StatusOpened}, rec.last())
}

func TestPublishFailureDoesNotAffectState(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	c, mock, rec := newTestController(t, WithMetrics(m))
	rec.err = errors.New("broker unreachable")

	c.OpenInput()
	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, time.Millisecond)
	advance(t, mock, rec)

	assert.Equal(t, 2, c.Level())
	assert.True(t, c.IsInputOpen())
	assert.Eventually(t, func() bool { return testutil.ToFloat64(m.publishFailures) == 2 }, waitFor, time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ticksTotal.WithLabelValues("input")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.faucetOpen.WithLabelValues("input")))
}

func TestCustomSteps(t *testing.T) {
	c, mock, rec := newTestController(t, WithSteps(3, 5))

	c.OpenInput()
	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, time.Millisecond)
	advance(t, mock, rec)
	c.CloseInput()
	require.Equal(t, 6, c.Level())

	c.OpenOutput()
	require.Eventually(t, func() bool { return rec.count() == 3 }, waitFor, time.Millisecond)
	assert.Equal(t, 1, c.Level())
}

func TestLevelNeverNegativeUnderConcurrentCommands(t *testing.T) {
	c := NewController(nil, WithPeriod(time.Millisecond))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				switch (i + j) % 6 {
				case 0:
					c.OpenInput()
				case 1:
					c.OpenOutput()
				case 2:
					c.CloseInput()
				case 3:
					c.Open()
				case 4:
					c.Close()
				case 5:
					c.CloseOutput()
				}
				assert.GreaterOrEqual(t, c.Level(), 0)
			}
		}(i)
	}
	wg.Wait()

	c.CloseInput()
	c.CloseOutput()
	c.Wait()
	assert.GreaterOrEqual(t, c.Level(), 0)
}

func TestShutdownStopsFaucetsOfClosedTank(t *testing.T) {
	c, mock, rec := newTestController(t)

	c.OpenInput()
	c.OpenOutput()
	require.Eventually(t, func() bool { return rec.count() == 2 }, waitFor, time.Millisecond)

	c.Shutdown()
	published := rec.count()
	mock.Add(10 * DefaultPeriod)

	assert.Equal(t, published, rec.count())
	assert.False(t, c.IsInputOpen())
	assert.False(t, c.IsOutputOpen())
}

func TestFaucetsStayClosedAfterShutdown(t *testing.T) {
	c, _, rec := newTestController(t)

	c.Shutdown()
	c.OpenInput()
	c.OpenOutput()
	c.Shutdown()

	assert.False(t, c.IsInputOpen())
	assert.False(t, c.IsOutputOpen())
	assert.Equal(t, 0, rec.count())
}

// blockingPublisher holds every publish until release is closed.
type blockingPublisher struct {
	recorder
	release chan struct{}
}

func (b *blockingPublisher) Publish(ctx context.Context, s types.Status) error {
	_ = b.recorder.Publish(ctx, s)
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestSlowPublisherDoesNotDelayTicks(t *testing.T) {
	mock := clock.NewMock()
	pub := &blockingPublisher{release: make(chan struct{})}
	c := NewController(pub, WithClock(mock))
	defer c.Shutdown()
	defer close(pub.release)

	c.OpenInput()
	require.Eventually(t, func() bool { return pub.count() == 1 }, waitFor, time.Millisecond)

	for want := 2; want <= 5; want++ {
		mock.Add(DefaultPeriod)
		require.Eventually(t, func() bool { return c.Level() == want }, waitFor, time.Millisecond)
	}
	// The first status is still in flight.
	assert.Equal(t, 1, pub.count())
}

func TestPendingStatusesFlushOnShutdown(t *testing.T) {
	mock := clock.NewMock()
	pub := &blockingPublisher{release: make(chan struct{})}
	c := NewController(pub, WithClock(mock))

	c.OpenInput()
	require.Eventually(t, func() bool { return pub.count() == 1 }, waitFor, time.Millisecond)
	mock.Add(DefaultPeriod)
	require.Eventually(t, func() bool { return c.Level() == 2 }, waitFor, time.Millisecond)

	close(pub.release)
	c.Shutdown()

	assert.Equal(t, 2, pub.count())
	assert.Equal(t, types.Status{Series: []int{2}, Message: types.StatusClosed}, pub.last())
}

func TestHealthy(t *testing.T) {
	c, _, rec := newTestController(t)

	assert.True(t, c.Healthy(time.Minute))

	c.OpenInput()
	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, time.Millisecond)
	assert.True(t, c.Healthy(time.Minute))

	c.mu.Lock()
	c.lastTick = c.clock.Now().Add(-2 * time.Minute)
	c.mu.Unlock()
	assert.False(t, c.Healthy(time.Minute))

	c.CloseInput()
	assert.True(t, c.Healthy(time.Minute))
}
