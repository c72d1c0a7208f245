package eventbus

import (
	"sync"

	"go.uber.org/atomic"
)

// TypeMetrics counts outcomes for one event type.
type TypeMetrics struct {
	Published    int64 `json:"published"`
	Handled      int64 `json:"handled"`
	Failed       int64 `json:"failed"`
	DeadLettered int64 `json:"dead_lettered"`
}

// Metrics is a point-in-time view of the bus.
type Metrics struct {
	Published       int64                  `json:"published"`
	Dispatched      int64                  `json:"dispatched"`
	Handled         int64                  `json:"handled"`
	Unhandled       int64                  `json:"unhandled"`
	Failed          int64                  `json:"failed"`
	Retries         int64                  `json:"retries"`
	Dropped         int64                  `json:"dropped"`
	DeadLettered    int64                  `json:"dead_lettered"`
	ByType          map[string]TypeMetrics `json:"by_type"`
	QueueDepth      int                    `json:"queue_depth"`
	QueueCapacity   int                    `json:"queue_capacity"`
	DeadLetterDepth int                    `json:"dead_letter_depth"`
	Subscribers     int                    `json:"subscribers"`
}

type stats struct {
	publishedN   *atomic.Int64
	dispatched   *atomic.Int64
	handled      *atomic.Int64
	unhandled    *atomic.Int64
	failed       *atomic.Int64
	retries      *atomic.Int64
	dropped      *atomic.Int64
	deadLettered *atomic.Int64

	mu     sync.Mutex
	byType map[string]*TypeMetrics
}

func newStats() *stats {
	return &stats{
		publishedN:   atomic.NewInt64(0),
		dispatched:   atomic.NewInt64(0),
		handled:      atomic.NewInt64(0),
		unhandled:    atomic.NewInt64(0),
		failed:       atomic.NewInt64(0),
		retries:      atomic.NewInt64(0),
		dropped:      atomic.NewInt64(0),
		deadLettered: atomic.NewInt64(0),
		byType:       make(map[string]*TypeMetrics),
	}
}

func (s *stats) typeEntry(eventType string) *TypeMetrics {
	tm, ok := s.byType[eventType]
	if !ok {
		tm = &TypeMetrics{}
		s.byType[eventType] = tm
	}
	return tm
}

func (s *stats) published(eventType string) {
	s.publishedN.Inc()
	s.mu.Lock()
	s.typeEntry(eventType).Published++
	s.mu.Unlock()
}

func (s *stats) handledType(eventType string) {
	s.handled.Inc()
	s.mu.Lock()
	s.typeEntry(eventType).Handled++
	s.mu.Unlock()
}

func (s *stats) failedType(eventType string) {
	s.failed.Inc()
	s.mu.Lock()
	s.typeEntry(eventType).Failed++
	s.mu.Unlock()
}

func (s *stats) deadLetteredType(eventType string) {
	s.deadLettered.Inc()
	s.mu.Lock()
	s.typeEntry(eventType).DeadLettered++
	s.mu.Unlock()
}

func (s *stats) snapshot() Metrics {
	m := Metrics{
		Published:    s.publishedN.Load(),
		Dispatched:   s.dispatched.Load(),
		Handled:      s.handled.Load(),
		Unhandled:    s.unhandled.Load(),
		Failed:       s.failed.Load(),
		Retries:      s.retries.Load(),
		Dropped:      s.dropped.Load(),
		DeadLettered: s.deadLettered.Load(),
	}
	s.mu.Lock()
	m.ByType = make(map[string]TypeMetrics, len(s.byType))
	for t, tm := range s.byType {
		m.ByType[t] = *tm
	}
	s.mu.Unlock()
	return m
}
