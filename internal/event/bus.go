package event

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"drover/internal/async"
	"drover/internal/logging"
	"drover/internal/observability"
)

// Handler processes a single event. Handlers must be safe for concurrent
// invocation across distinct events; for a single subscription, events arrive
// in publish order.
type Handler func(ctx context.Context, e Event) error

// Scheduler runs cooperative-async handlers off the dispatch path. When no
// scheduler is configured, async handlers are skipped with a warning.
type Scheduler interface {
	Schedule(name string, fn func()) bool
}

// GoScheduler schedules async handlers on plain goroutines with panic
// recovery.
type GoScheduler struct {
	Logger logging.Logger
}

func (s *GoScheduler) Schedule(name string, fn func()) bool {
	async.Go(logging.OrNop(s.Logger), name, fn)
	return true
}

// BusConfig configures the event bus.
type BusConfig struct {
	// MaxWorkers bounds concurrent handler invocations per event.
	// 0 means inline dispatch on the dispatcher goroutine.
	MaxWorkers int
	// QueueSize bounds the pending publish queue (default: 256).
	QueueSize int
	// SlowHandlerThreshold flags dispatches slower than this (default: 1s).
	SlowHandlerThreshold time.Duration
}

// DefaultBusConfig returns the default bus configuration.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		MaxWorkers:           10,
		QueueSize:            256,
		SlowHandlerThreshold: time.Second,
	}
}

type subscription struct {
	id      string
	handler Handler
	filter  *Filter
	async   bool
}

type envelope struct {
	ctx   context.Context
	event Event
	done  chan struct{} // non-nil for blocking publishes
}

// Bus is an in-process pub/sub dispatcher. The subscriber set is snapshotted
// under a single lock before each dispatch; handlers run outside the lock, so
// subscribe and unsubscribe during publish cannot corrupt iteration. A single
// dispatcher goroutine preserves publish order per subscriber.
type Bus struct {
	config    BusConfig
	logger    logging.Logger
	metrics   *observability.MetricsCollector
	scheduler Scheduler

	mu            sync.Mutex
	subscriptions []*subscription
	closed        bool

	queue chan envelope
	wg    sync.WaitGroup
}

// BusOption customizes bus construction.
type BusOption func(*Bus)

// WithBusMetrics attaches a metrics collector.
func WithBusMetrics(mc *observability.MetricsCollector) BusOption {
	return func(b *Bus) { b.metrics = mc }
}

// WithScheduler sets the scheduler for cooperative-async handlers.
func WithScheduler(s Scheduler) BusOption {
	return func(b *Bus) { b.scheduler = s }
}

// NewBus creates and starts an event bus. Close releases the dispatcher.
func NewBus(config BusConfig, logger logging.Logger, opts ...BusOption) *Bus {
	if config.MaxWorkers < 0 {
		config.MaxWorkers = 0
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.SlowHandlerThreshold <= 0 {
		config.SlowHandlerThreshold = time.Second
	}
	b := &Bus{
		config: config,
		logger: logging.OrNop(logger),
		queue:  make(chan envelope, config.QueueSize),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.wg.Add(1)
	go b.dispatchLoop()
	return b
}

// Subscribe registers a synchronous handler. A nil filter receives every
// event. Returns the subscription id for Unsubscribe.
func (b *Bus) Subscribe(handler Handler, filter *Filter) string {
	return b.subscribe(handler, filter, false)
}

// SubscribeAsync registers a cooperative-async handler. Its invocations are
// handed to the scheduler and do not block dispatch; if the bus has no
// scheduler the handler is skipped with a warning.
func (b *Bus) SubscribeAsync(handler Handler, filter *Filter) string {
	return b.subscribe(handler, filter, true)
}

func (b *Bus) subscribe(handler Handler, filter *Filter, isAsync bool) string {
	sub := &subscription{
		id:      uuid.NewString(),
		handler: handler,
		filter:  filter,
		async:   isAsync,
	}
	b.mu.Lock()
	b.subscriptions = append(b.subscriptions, sub)
	total := len(b.subscriptions)
	b.mu.Unlock()
	b.logger.Debug("subscribed %s (async=%v, total=%d)", sub.id, isAsync, total)
	return sub.id
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subscriptions {
		if sub.id == id {
			b.subscriptions = append(b.subscriptions[:i:i], b.subscriptions[i+1:]...)
			return
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscriptions)
}

// Publish enqueues an event for dispatch and returns once it is scheduled.
// Handler completion is not awaited.
func (b *Bus) Publish(e Event) {
	if err := e.Validate(); err != nil {
		b.logger.Error("dropping invalid event: %v", err)
		return
	}
	b.enqueue(envelope{ctx: context.Background(), event: e})
}

// PublishBlocking dispatches an event and waits until every matching handler
// has completed or ctx expires. Async handlers are scheduled but not awaited.
func (b *Bus) PublishBlocking(ctx context.Context, e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	done := make(chan struct{})
	if !b.enqueue(envelope{ctx: ctx, event: e, done: done}) {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) enqueue(env envelope) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.logger.Warn("publish on closed bus, dropping %s", env.event.EventType)
		return false
	}
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.RecordEventPublished(env.ctx, string(env.event.EventType))
	}
	b.queue <- env
	return true
}

// Close stops the dispatcher after draining queued events. Publishing after
// Close drops the event with a warning.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	close(b.queue)
	b.wg.Wait()
}

func (b *Bus) dispatchLoop() {
	defer b.wg.Done()
	for env := range b.queue {
		b.dispatch(env)
		if env.done != nil {
			close(env.done)
		}
	}
}

func (b *Bus) dispatch(env envelope) {
	b.mu.Lock()
	snapshot := make([]*subscription, len(b.subscriptions))
	copy(snapshot, b.subscriptions)
	b.mu.Unlock()

	var matched []*subscription
	for _, sub := range snapshot {
		if sub.filter.Matches(env.event) {
			matched = append(matched, sub)
		}
	}
	if len(matched) == 0 {
		return
	}

	if b.config.MaxWorkers == 0 {
		for _, sub := range matched {
			if sub.async {
				b.scheduleAsync(env.ctx, sub, env.event)
				continue
			}
			b.invoke(env.ctx, sub, env.event)
		}
		return
	}

	g := &errgroup.Group{}
	g.SetLimit(b.config.MaxWorkers)
	for _, sub := range matched {
		sub := sub
		if sub.async {
			b.scheduleAsync(env.ctx, sub, env.event)
			continue
		}
		g.Go(func() error {
			b.invoke(env.ctx, sub, env.event)
			return nil
		})
	}
	_ = g.Wait()
}

func (b *Bus) scheduleAsync(ctx context.Context, sub *subscription, e Event) {
	if b.scheduler == nil {
		b.logger.Warn("no scheduler active, skipping async handler %s for %s", sub.id, e.EventType)
		return
	}
	if !b.scheduler.Schedule("event-handler-"+sub.id, func() {
		b.invoke(ctx, sub, e)
	}) {
		b.logger.Warn("scheduler rejected async handler %s for %s", sub.id, e.EventType)
	}
}

func (b *Bus) invoke(ctx context.Context, sub *subscription, e Event) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler %s panicked on %s: %v", sub.id, e.EventType, r)
		}
		elapsed := time.Since(start)
		if elapsed > b.config.SlowHandlerThreshold {
			b.logger.Warn("slow handler %s took %v on %s", sub.id, elapsed, e.EventType)
			if b.metrics != nil {
				b.metrics.RecordSlowHandler(ctx, sub.id)
			}
		}
	}()
	if err := sub.handler(ctx, e); err != nil {
		b.logger.Error("handler %s failed on %s (workflow=%s): %v", sub.id, e.EventType, e.WorkflowID, err)
	}
}
