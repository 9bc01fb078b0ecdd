// Package tank simulates a liquid container with an input and an output faucet.
//
// Each open faucet runs a periodic task that adjusts the fill level and
// reports the resulting status through a Publisher.
package tank

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	types "github.com/automatedhome/tank/pkg/types"
)

const (
	DefaultPeriod    = 500 * time.Millisecond
	DefaultFillStep  = 1
	DefaultDrainStep = 2

	defaultPublishTimeout = 5 * time.Second
	publishQueueSize      = 64
)

// Publisher reports tank status to an external collaborator.
type Publisher interface {
	Publish(ctx context.Context, status types.Status) error
}

// Snapshot is a consistent view of the tank state.
type Snapshot struct {
	Opened     bool `json:"opened"`
	InputOpen  bool `json:"inputOpen"`
	OutputOpen bool `json:"outputOpen"`
	Level      int  `json:"level"`
}

// faucet is scheduled while done is non-nil.
type faucet struct {
	name   string
	step   func(level int) int
	ticker *clock.Ticker
	done   chan struct{}
}

func (f *faucet) scheduled() bool {
	return f.done != nil
}

// Controller owns the tank state. All state access serializes on mu.
type Controller struct {
	mu       sync.Mutex
	opened   bool
	level    int
	input    faucet
	output   faucet
	stopped  bool
	lastTick time.Time

	clock          clock.Clock
	period         time.Duration
	publisher      Publisher
	publishTimeout time.Duration
	metrics        *Metrics
	wg             sync.WaitGroup

	statuses     chan types.Status
	publishDone  chan struct{}
	shutdownOnce sync.Once
}

type Option func(*Controller)

// WithClock replaces the wall clock driving faucet ticks.
func WithClock(c clock.Clock) Option {
	return func(ctrl *Controller) {
		ctrl.clock = c
	}
}

func WithPeriod(d time.Duration) Option {
	return func(ctrl *Controller) {
		if d > 0 {
			ctrl.period = d
		}
	}
}

// WithSteps sets how much a single tick fills and drains.
func WithSteps(fill, drain int) Option {
	return func(ctrl *Controller) {
		ctrl.input.step = fillBy(fill)
		ctrl.output.step = drainBy(drain)
	}
}

func WithPublishTimeout(d time.Duration) Option {
	return func(ctrl *Controller) {
		if d > 0 {
			ctrl.publishTimeout = d
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(ctrl *Controller) {
		ctrl.metrics = m
	}
}

// NewController returns a closed, empty tank. A nil publisher disables status reporting.
func NewController(publisher Publisher, opts ...Option) *Controller {
	c := &Controller{
		input:          faucet{name: "input", step: fillBy(DefaultFillStep)},
		output:         faucet{name: "output", step: drainBy(DefaultDrainStep)},
		clock:          clock.New(),
		period:         DefaultPeriod,
		publisher:      publisher,
		publishTimeout: defaultPublishTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.publisher != nil {
		c.statuses = make(chan types.Status, publishQueueSize)
		c.publishDone = make(chan struct{})
		go c.publishLoop()
	}
	return c
}

func fillBy(n int) func(int) int {
	return func(level int) int {
		return level + n
	}
}

func drainBy(n int) func(int) int {
	return func(level int) int {
		if level >= n {
			return level - n
		}
		return level
	}
}

func (c *Controller) Open() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.opened {
		c.opened = true
		log.Println("Tank opened!")
	}
}

// Close stops both faucets and marks them closed.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.opened {
		c.stopLocked(&c.input)
		c.stopLocked(&c.output)
		c.opened = false
		log.Println("Tank closed!")
	}
}

func (c *Controller) OpenInput() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startLocked(&c.input)
}

func (c *Controller) CloseInput() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked(&c.input)
}

func (c *Controller) OpenOutput() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startLocked(&c.output)
}

func (c *Controller) CloseOutput() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked(&c.output)
}

func (c *Controller) Level() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

func (c *Controller) IsOpened() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened
}

func (c *Controller) IsInputOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.input.scheduled()
}

func (c *Controller) IsOutputOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.output.scheduled()
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		Opened:     c.opened,
		InputOpen:  c.input.scheduled(),
		OutputOpen: c.output.scheduled(),
		Level:      c.level,
	}
}

// Wait blocks until every faucet task has exited.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Healthy reports whether the open faucets ticked within timeout. An idle
// tank is always healthy.
func (c *Controller) Healthy(timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.input.scheduled() && !c.output.scheduled() {
		return true
	}
	return c.lastTick.Add(timeout).After(c.clock.Now())
}

// Shutdown stops both faucets whether or not the tank is opened, waits for
// their tasks to exit and flushes pending status updates. Faucets cannot be
// opened afterwards.
func (c *Controller) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		c.stopLocked(&c.input)
		c.stopLocked(&c.output)
		c.mu.Unlock()
		c.wg.Wait()

		if c.statuses != nil {
			close(c.statuses)
			<-c.publishDone
		}
	})
}

func (c *Controller) startLocked(f *faucet) {
	if f.scheduled() {
		return
	}
	if c.stopped {
		log.Printf("Refusing to open %s faucet of a stopped tank", f.name)
		return
	}
	c.lastTick = c.clock.Now()
	f.done = make(chan struct{})
	f.ticker = c.clock.Ticker(c.period)
	c.metrics.faucetChanged(f.name, true)

	c.wg.Add(1)
	go c.run(f, f.ticker, f.done)
}

func (c *Controller) stopLocked(f *faucet) {
	if !f.scheduled() {
		return
	}
	f.ticker.Stop()
	close(f.done)
	f.ticker = nil
	f.done = nil
	c.metrics.faucetChanged(f.name, false)
}

// run fires immediately and then on every tick until done is closed.
func (c *Controller) run(f *faucet, ticker *clock.Ticker, done <-chan struct{}) {
	defer c.wg.Done()

	if !c.tick(f, done) {
		return
	}
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !c.tick(f, done) {
				return
			}
		}
	}
}

// tick applies one level change unless the faucet was stopped. The
// cancellation check happens under the same lock stopLocked holds.
func (c *Controller) tick(f *faucet, done <-chan struct{}) bool {
	c.mu.Lock()
	select {
	case <-done:
		c.mu.Unlock()
		return false
	default:
	}
	c.level = f.step(c.level)
	c.lastTick = c.clock.Now()
	level, opened := c.level, c.opened
	c.mu.Unlock()

	log.Printf("Tank level: %d", level)
	c.metrics.ticked(f.name, level)
	c.enqueue(types.NewStatus(level, opened))
	return true
}

// enqueue hands status to the publish loop without blocking. When the queue
// is full the oldest pending status is dropped.
func (c *Controller) enqueue(status types.Status) {
	if c.statuses == nil {
		return
	}
	for {
		select {
		case c.statuses <- status:
			return
		default:
		}
		select {
		case <-c.statuses:
			c.metrics.publishDropped()
		default:
		}
	}
}

func (c *Controller) publishLoop() {
	defer close(c.publishDone)
	for status := range c.statuses {
		c.publish(status)
	}
}

func (c *Controller) publish(status types.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), c.publishTimeout)
	defer cancel()

	if err := c.publisher.Publish(ctx, status); err != nil {
		log.Printf("Failed to publish tank status: %v", err)
		c.metrics.publishFailed()
	}
}
