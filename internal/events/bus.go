package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JagPat/quantumleap-trading-backend-sub001/pkg/metrics"
)

// Handler processes one event. Handlers of the same kind run one at a time
// in publish order; a failing handler is logged as a delivery failure and the
// event is not redelivered, so handlers must be idempotent or keep their own
// dead-letter path.
type Handler func(ctx context.Context, evt Event) error

// AlertSink receives the escalation when every handler of a CRITICAL event
// fails. Losing a CRITICAL event silently is not acceptable.
type AlertSink interface {
	CriticalDeliveryFailure(evt Event, errs []error)
}

// Mirror republishes delivered events to an external system (Kafka) for
// downstream consumers. Mirror failures never affect in-process delivery.
type Mirror interface {
	Publish(ctx context.Context, evt Event) error
}

// Config tunes the bus.
type Config struct {
	Workers       int `mapstructure:"workers"`
	QueueCapacity int `mapstructure:"queue_capacity"`
	HistorySize   int `mapstructure:"history_size"`
}

// DefaultConfig returns the default bus configuration.
func DefaultConfig() Config {
	return Config{
		Workers:       8,
		QueueCapacity: 4096,
		HistorySize:   1024,
	}
}

type subscription struct {
	name    string
	handler Handler
}

// Bus is the in-process event dispatcher. Publish never blocks the
// publisher; a bounded worker pool drains four priority queues, CRITICAL
// always first.
type Bus struct {
	logger *zap.Logger
	config Config

	alerts AlertSink
	mirror Mirror

	mu      sync.Mutex
	cond    *sync.Cond
	queues  [numPriorities][]Event
	busy    map[Kind]bool
	subs    map[Kind][]subscription
	history []Event
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBus creates an event bus. Start must be called before events flow.
func NewBus(config Config, logger *zap.Logger) *Bus {
	if config.Workers <= 0 {
		config.Workers = DefaultConfig().Workers
	}
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = DefaultConfig().QueueCapacity
	}
	if config.HistorySize <= 0 {
		config.HistorySize = DefaultConfig().HistorySize
	}
	b := &Bus{
		logger: logger.Named("eventbus"),
		config: config,
		busy:   make(map[Kind]bool),
		subs:   make(map[Kind][]subscription),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// SetAlertSink wires the CRITICAL delivery failure escalation.
func (b *Bus) SetAlertSink(sink AlertSink) { b.alerts = sink }

// SetMirror wires an external mirror publisher.
func (b *Bus) SetMirror(m Mirror) { b.mirror = m }

// Subscribe registers a named handler for an event kind. Must be called
// before Start.
func (b *Bus) Subscribe(kind Kind, name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[kind] = append(b.subs[kind], subscription{name: name, handler: handler})
	b.logger.Info("handler subscribed",
		zap.String("kind", string(kind)),
		zap.String("handler", name))
}

// EnsureSubscribed verifies that every given kind has at least one handler.
// Called at startup so unregistered kinds fail loudly instead of delivering
// to nobody.
func (b *Bus) EnsureSubscribed(kinds []Kind) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, kind := range kinds {
		if len(b.subs[kind]) == 0 {
			return fmt.Errorf("no handler registered for event kind %s", kind)
		}
	}
	return nil
}

// Start launches the worker pool.
func (b *Bus) Start(ctx context.Context) {
	b.ctx, b.cancel = context.WithCancel(ctx)
	for i := 0; i < b.config.Workers; i++ {
		b.wg.Add(1)
		go b.worker(i)
	}
	b.logger.Info("event bus started",
		zap.Int("workers", b.config.Workers),
		zap.Int("queue_capacity", b.config.QueueCapacity))
}

// Stop drains queued events and stops the workers.
func (b *Bus) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.cond.Broadcast()
	b.mu.Unlock()

	b.wg.Wait()
	if b.cancel != nil {
		b.cancel()
	}
	b.logger.Info("event bus stopped")
}

// Publish enqueues an event and returns immediately. When the priority queue
// is full the event is dropped and counted; the bus never blocks a
// transaction commit.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		b.logger.Warn("publish on stopped bus", zap.String("kind", string(evt.Kind)))
		return
	}
	if len(b.queues[evt.Priority]) >= b.config.QueueCapacity {
		b.mu.Unlock()
		metrics.EventsDropped.WithLabelValues(evt.Priority.String()).Inc()
		b.logger.Error("event queue full, dropping event",
			zap.String("kind", string(evt.Kind)),
			zap.String("priority", evt.Priority.String()))
		return
	}
	b.queues[evt.Priority] = append(b.queues[evt.Priority], evt)
	b.recordHistoryLocked(evt)
	b.cond.Signal()
	b.mu.Unlock()

	metrics.EventsPublished.WithLabelValues(evt.Priority.String()).Inc()
	metrics.EventQueueDepth.WithLabelValues(evt.Priority.String()).Inc()
}

// History returns recently published events, oldest first, optionally
// filtered to those at or after since.
func (b *Bus) History(since time.Time) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, 0, len(b.history))
	for _, evt := range b.history {
		if since.IsZero() || !evt.Timestamp.Before(since) {
			out = append(out, evt)
		}
	}
	return out
}

func (b *Bus) recordHistoryLocked(evt Event) {
	b.history = append(b.history, evt)
	if len(b.history) > b.config.HistorySize {
		b.history = b.history[len(b.history)-b.config.HistorySize:]
	}
}

// worker pops events in priority order and delivers them. Only one event per
// kind is in flight at a time, which keeps same-priority delivery in publish
// order for each subscriber.
func (b *Bus) worker(id int) {
	defer b.wg.Done()
	for {
		evt, ok := b.next()
		if !ok {
			return
		}
		b.deliver(evt)

		b.mu.Lock()
		b.busy[evt.Kind] = false
		b.cond.Broadcast()
		b.mu.Unlock()
	}
}

// next blocks until an event whose kind is not already in flight is
// available, scanning CRITICAL through LOW.
func (b *Bus) next() (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		for prio := range b.queues {
			for i, evt := range b.queues[prio] {
				if b.busy[evt.Kind] {
					continue
				}
				b.queues[prio] = append(b.queues[prio][:i], b.queues[prio][i+1:]...)
				b.busy[evt.Kind] = true
				metrics.EventQueueDepth.WithLabelValues(Priority(prio).String()).Dec()
				return evt, true
			}
		}
		if b.stopped {
			return Event{}, false
		}
		b.cond.Wait()
	}
}

func (b *Bus) deliver(evt Event) {
	b.mu.Lock()
	subs := append([]subscription(nil), b.subs[evt.Kind]...)
	b.mu.Unlock()

	if len(subs) == 0 {
		b.logger.Warn("no subscribers for event",
			zap.String("kind", string(evt.Kind)),
			zap.String("event_id", evt.ID.String()))
		return
	}

	var failures []error
	for _, sub := range subs {
		if err := b.invoke(sub, evt); err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", sub.name, err))
			metrics.EventDeliveryFailures.WithLabelValues(string(evt.Kind)).Inc()
			b.logger.Error("event delivery failure",
				zap.String("kind", string(evt.Kind)),
				zap.String("event_id", evt.ID.String()),
				zap.String("handler", sub.name),
				zap.Error(err))
		}
	}

	if evt.Priority == PriorityCritical && len(failures) == len(subs) && b.alerts != nil {
		b.alerts.CriticalDeliveryFailure(evt, failures)
	}

	if b.mirror != nil {
		if err := b.mirror.Publish(b.ctx, evt); err != nil {
			b.logger.Warn("event mirror publish failed",
				zap.String("kind", string(evt.Kind)),
				zap.Error(err))
		}
	}
}

func (b *Bus) invoke(sub subscription, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(b.ctx, evt)
}
