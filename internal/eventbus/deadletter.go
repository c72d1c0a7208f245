package eventbus

import (
	"context"
	"time"
)

// DeadLetter is an event that no handler managed to process.
type DeadLetter struct {
	Event    Event     `json:"event"`
	Reason   string    `json:"reason"`
	Errors   []string  `json:"errors,omitempty"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
}

const (
	ReasonQueueFull      = "queue_full"
	ReasonHandlersFailed = "handlers_failed"
	ReasonShutdown       = "shutdown"
)

// DeadLetterSink receives a copy of every dead letter, e.g. for archiving.
type DeadLetterSink interface {
	ArchiveDeadLetter(ctx context.Context, dl DeadLetter) error
}

// ring keeps the newest capacity dead letters, evicting the oldest.
type ring struct {
	buf   []DeadLetter
	head  int
	count int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring{buf: make([]DeadLetter, capacity)}
}

// push appends dl and reports whether an older entry was evicted.
func (r *ring) push(dl DeadLetter) bool {
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = dl
		r.count++
		return false
	}
	r.buf[r.head] = dl
	r.head = (r.head + 1) % len(r.buf)
	return true
}

func (r *ring) len() int { return r.count }

// list returns entries oldest first, optionally restricted to one event type.
func (r *ring) list(eventType string) []DeadLetter {
	out := make([]DeadLetter, 0, r.count)
	for i := 0; i < r.count; i++ {
		dl := r.buf[(r.head+i)%len(r.buf)]
		if eventType == "" || dl.Event.Type == eventType {
			out = append(out, dl)
		}
	}
	return out
}

// take removes and returns matching entries, keeping the rest in order.
func (r *ring) take(eventType string) []DeadLetter {
	var taken, kept []DeadLetter
	for _, dl := range r.list("") {
		if eventType == "" || dl.Event.Type == eventType {
			taken = append(taken, dl)
		} else {
			kept = append(kept, dl)
		}
	}
	for i := range r.buf {
		r.buf[i] = DeadLetter{}
	}
	r.head, r.count = 0, 0
	for _, dl := range kept {
		r.push(dl)
	}
	return taken
}
