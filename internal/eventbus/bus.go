package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/fivediag/config"
	"github.com/mohammad-safakhou/fivediag/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

var (
	ErrQueueFull = errors.New("event queue full")
	ErrClosed    = errors.New("event bus closed")
)

// Event is one notification flowing through the bus.
type Event struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler processes an event. A returned error triggers a retry.
type Handler func(ctx context.Context, ev Event) error

// Filter decides whether a handler should see an event.
type Filter func(ev Event) bool

// SubscribeOptions tunes one subscription. Zero MaxAttempts and RetryDelay
// take the bus defaults. MaxAttempts counts every call, the first included.
type SubscribeOptions struct {
	Priority    int
	Filter      Filter
	MaxAttempts int
	RetryDelay  time.Duration
}

type subscription struct {
	id        string
	eventType string
	handler   Handler
	opts      SubscribeOptions
	seq       uint64
}

// Config sizes the bus.
type Config struct {
	QueueSize          int
	DeadLetterCapacity int
	MaxAttempts        int
	RetryDelay         time.Duration
	ShutdownTimeout    time.Duration
}

// ConfigFrom converts the application config section.
func ConfigFrom(c config.EventBusConfig) Config {
	c = c.Normalize()
	return Config{
		QueueSize:          c.QueueSize,
		DeadLetterCapacity: c.DeadLetterCapacity,
		MaxAttempts:        c.MaxAttempts,
		RetryDelay:         c.RetryDelay,
		ShutdownTimeout:    c.ShutdownTimeout,
	}
}

func (c Config) withDefaults() Config {
	n := config.EventBusConfig{
		QueueSize:          c.QueueSize,
		DeadLetterCapacity: c.DeadLetterCapacity,
		MaxAttempts:        c.MaxAttempts,
		RetryDelay:         c.RetryDelay,
		ShutdownTimeout:    c.ShutdownTimeout,
	}
	return ConfigFrom(n)
}

// Option customises a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bus) { b.logger = logging.OrNop(l).Named("eventbus") }
}

// WithDeadLetterSink mirrors every dead letter to sink.
func WithDeadLetterSink(s DeadLetterSink) Option {
	return func(b *Bus) { b.sink = s }
}

// WithMeter records event outcome counters on meter.
func WithMeter(m metric.Meter) Option {
	return func(b *Bus) {
		if m != nil {
			b.meter = m
		}
	}
}

type outcome int

const (
	outcomeHandled outcome = iota
	outcomeUnhandled
	outcomeFailed
)

// Bus is an in-process publish/subscribe bus with priority dispatch, retry
// and a bounded dead-letter store.
type Bus struct {
	cfg    Config
	logger *zap.Logger
	sink   DeadLetterSink
	meter  metric.Meter
	events metric.Int64Counter

	queue chan Event
	// pubMu orders Publish sends against Shutdown closing the bus.
	pubMu sync.RWMutex

	subMu sync.RWMutex
	subs  map[string][]*subscription
	seq   uint64

	dlMu sync.Mutex
	dead *ring

	stats *stats

	started  *atomic.Bool
	closed   *atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	draining chan struct{}
	done     chan struct{}
	sinkWG   sync.WaitGroup
}

// New creates a bus; call Start to run the consumer loop.
func New(cfg Config, opts ...Option) *Bus {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		cfg:      cfg,
		logger:   zap.NewNop(),
		meter:    otel.Meter("fivediag/internal/eventbus"),
		queue:    make(chan Event, cfg.QueueSize),
		subs:     make(map[string][]*subscription),
		dead:     newRing(cfg.DeadLetterCapacity),
		stats:    newStats(),
		started:  atomic.NewBool(false),
		closed:   atomic.NewBool(false),
		ctx:      ctx,
		cancel:   cancel,
		draining: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if c, err := b.meter.Int64Counter("eventbus_events_total"); err == nil {
		b.events = c
	}
	return b
}

// Start launches the single consumer loop. Cancelling ctx cancels in-flight
// handler contexts.
func (b *Bus) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		select {
		case <-ctx.Done():
			b.cancel()
		case <-b.ctx.Done():
		}
	}()
	go b.consume()
}

func (b *Bus) consume() {
	defer close(b.done)
	for {
		select {
		case ev := <-b.queue:
			b.dispatch(b.ctx, ev)
		case <-b.draining:
			for {
				select {
				case ev := <-b.queue:
					if b.ctx.Err() != nil {
						b.deadLetter(ev, ReasonShutdown, nil, 0)
						continue
					}
					b.dispatch(b.ctx, ev)
				default:
					return
				}
			}
		}
	}
}

// Subscribe registers handler for eventType (or Wildcard) and returns its id.
func (b *Bus) Subscribe(eventType string, handler Handler, opts SubscribeOptions) string {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = b.cfg.MaxAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = b.cfg.RetryDelay
	}
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.seq++
	sub := &subscription{
		id:        uuid.NewString(),
		eventType: eventType,
		handler:   handler,
		opts:      opts,
		seq:       b.seq,
	}
	b.subs[eventType] = append(b.subs[eventType], sub)
	return sub.id
}

// Unsubscribe removes a handler by id.
func (b *Bus) Unsubscribe(id string) bool {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for t, list := range b.subs {
		for i, s := range list {
			if s.id != id {
				continue
			}
			b.subs[t] = append(list[:i:i], list[i+1:]...)
			if len(b.subs[t]) == 0 {
				delete(b.subs, t)
			}
			return true
		}
	}
	return false
}

// Publish enqueues ev without blocking. A full queue sends ev straight to
// the dead-letter store and returns ErrQueueFull.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	b.pubMu.RLock()
	defer b.pubMu.RUnlock()
	if b.closed.Load() {
		return ErrClosed
	}
	ev = stamp(ev)
	select {
	case b.queue <- ev:
		b.stats.published(ev.Type)
		b.record(ctx, ev.Type, "published")
		return nil
	default:
		b.stats.dropped.Inc()
		b.record(ctx, ev.Type, "dropped")
		b.deadLetter(ev, ReasonQueueFull, nil, 0)
		return fmt.Errorf("%w: %s", ErrQueueFull, ev.Type)
	}
}

// PublishSync dispatches ev in the caller's goroutine and reports whether
// any handler succeeded.
func (b *Bus) PublishSync(ctx context.Context, ev Event) (bool, error) {
	if b.closed.Load() {
		return false, ErrClosed
	}
	ev = stamp(ev)
	b.stats.published(ev.Type)
	b.record(ctx, ev.Type, "published")
	return b.dispatch(ctx, ev) == outcomeHandled, nil
}

func stamp(ev Event) Event {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return ev
}

func (b *Bus) matching(ev Event) []*subscription {
	b.subMu.RLock()
	var subs []*subscription
	subs = append(subs, b.subs[ev.Type]...)
	if ev.Type != Wildcard {
		subs = append(subs, b.subs[Wildcard]...)
	}
	b.subMu.RUnlock()

	out := subs[:0]
	for _, s := range subs {
		if s.opts.Filter != nil && !s.opts.Filter(ev) {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].opts.Priority != out[j].opts.Priority {
			return out[i].opts.Priority > out[j].opts.Priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// dispatch launches every matching handler, highest priority first, and
// waits for all of them.
func (b *Bus) dispatch(ctx context.Context, ev Event) outcome {
	subs := b.matching(ev)
	b.stats.dispatched.Inc()
	if len(subs) == 0 {
		b.stats.unhandled.Inc()
		b.record(ctx, ev.Type, "unhandled")
		return outcomeUnhandled
	}

	errs := make([]error, len(subs))
	attempts := make([]int, len(subs))
	var wg sync.WaitGroup
	for i, s := range subs {
		wg.Add(1)
		go func(i int, s *subscription) {
			defer wg.Done()
			attempts[i], errs[i] = b.invoke(ctx, s, ev)
		}(i, s)
	}
	wg.Wait()

	var (
		failures []string
		total    int
	)
	for i, err := range errs {
		total += attempts[i]
		if err == nil {
			b.stats.handledType(ev.Type)
			b.record(ctx, ev.Type, "handled")
			return outcomeHandled
		}
		failures = append(failures, fmt.Sprintf("%s: %v", subs[i].id, err))
	}
	b.stats.failedType(ev.Type)
	b.record(ctx, ev.Type, "failed")
	b.logger.Warn("event handlers exhausted retries",
		zap.String("event_id", ev.ID),
		zap.String("type", ev.Type),
		zap.Int("handlers", len(subs)),
		zap.Strings("errors", failures))
	b.deadLetter(ev, ReasonHandlersFailed, failures, total)
	return outcomeFailed
}

func (b *Bus) invoke(ctx context.Context, s *subscription, ev Event) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		lastErr = safeCall(ctx, s.handler, ev)
		if lastErr == nil {
			return attempt, nil
		}
		if attempt == s.opts.MaxAttempts {
			return attempt, lastErr
		}
		b.stats.retries.Inc()
		select {
		case <-time.After(s.opts.RetryDelay * time.Duration(attempt)):
		case <-ctx.Done():
			return attempt, fmt.Errorf("%w (after %v)", ctx.Err(), lastErr)
		}
	}
	return s.opts.MaxAttempts, lastErr
}

func safeCall(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}

func (b *Bus) deadLetter(ev Event, reason string, errs []string, attempts int) {
	dl := DeadLetter{Event: ev, Reason: reason, Errors: errs, Attempts: attempts, At: time.Now().UTC()}
	b.dlMu.Lock()
	evicted := b.dead.push(dl)
	b.dlMu.Unlock()
	b.stats.deadLetteredType(ev.Type)
	if evicted {
		b.logger.Debug("dead letter evicted oldest entry", zap.String("type", ev.Type))
	}
	if b.sink == nil {
		return
	}
	b.sinkWG.Add(1)
	go func() {
		defer b.sinkWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.sink.ArchiveDeadLetter(ctx, dl); err != nil {
			b.logger.Warn("archive dead letter", zap.String("event_id", ev.ID), zap.Error(err))
		}
	}()
}

func (b *Bus) record(ctx context.Context, eventType, result string) {
	if b.events == nil {
		return
	}
	b.events.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", eventType),
		attribute.String("outcome", result),
	))
}

// DeadLetters returns stored dead letters, oldest first. An empty eventType
// returns all of them.
func (b *Bus) DeadLetters(eventType string) []DeadLetter {
	b.dlMu.Lock()
	defer b.dlMu.Unlock()
	return b.dead.list(eventType)
}

// ReplayDeadLetters re-dispatches matching dead letters synchronously and
// returns how many were handled. Failures land back in the store.
func (b *Bus) ReplayDeadLetters(ctx context.Context, eventType string) int {
	b.dlMu.Lock()
	entries := b.dead.take(eventType)
	b.dlMu.Unlock()

	replayed := 0
	for _, dl := range entries {
		if ctx.Err() != nil {
			b.dlMu.Lock()
			b.dead.push(dl)
			b.dlMu.Unlock()
			continue
		}
		switch b.dispatch(ctx, dl.Event) {
		case outcomeHandled:
			replayed++
		case outcomeUnhandled:
			b.dlMu.Lock()
			b.dead.push(dl)
			b.dlMu.Unlock()
		}
	}
	return replayed
}

// Metrics returns a snapshot of bus counters.
func (b *Bus) Metrics() Metrics {
	m := b.stats.snapshot()
	m.QueueDepth = len(b.queue)
	m.QueueCapacity = cap(b.queue)
	b.dlMu.Lock()
	m.DeadLetterDepth = b.dead.len()
	b.dlMu.Unlock()
	b.subMu.RLock()
	for _, list := range b.subs {
		m.Subscribers += len(list)
	}
	b.subMu.RUnlock()
	return m
}

// Shutdown stops accepting events, drains the queue for up to the
// configured wait (or ctx), then cancels outstanding handlers.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.pubMu.Lock()
	swapped := b.closed.CompareAndSwap(false, true)
	b.pubMu.Unlock()
	if !swapped {
		return nil
	}
	var err error
	if b.started.Load() {
		close(b.draining)
		timer := time.NewTimer(b.cfg.ShutdownTimeout)
		defer timer.Stop()
		select {
		case <-b.done:
		case <-timer.C:
			err = fmt.Errorf("event bus drain exceeded %s", b.cfg.ShutdownTimeout)
		case <-ctx.Done():
			err = ctx.Err()
		}
		b.cancel()
		select {
		case <-b.done:
		case <-time.After(b.cfg.ShutdownTimeout):
		}
	} else {
		b.cancel()
	}
	for drained := false; !drained; {
		select {
		case ev := <-b.queue:
			b.deadLetter(ev, ReasonShutdown, nil, 0)
		default:
			drained = true
		}
	}
	b.sinkWG.Wait()
	if err != nil {
		b.logger.Warn("event bus shutdown cut short", zap.Error(err))
	}
	return err
}
