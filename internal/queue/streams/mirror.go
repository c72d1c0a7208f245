package streams

import (
	"context"
	"fmt"

	"github.com/mohammad-safakhou/fivediag/internal/eventbus"
	"github.com/mohammad-safakhou/fivediag/internal/logging"
	"go.uber.org/zap"
)

// MirrorPriority places the mirror after every in-process handler.
const MirrorPriority = -1000

// Mirror copies bus events onto a Redis stream.
type Mirror struct {
	publisher *Publisher
	stream    string
	maxLen    int64
	logger    *zap.Logger
}

// NewMirror writes events to stream, trimming it to about maxLen entries.
func NewMirror(p *Publisher, stream string, maxLen int64, logger *zap.Logger) *Mirror {
	return &Mirror{publisher: p, stream: stream, maxLen: maxLen, logger: logging.OrNop(logger).Named("streams")}
}

// Attach subscribes the mirror to every event type on bus.
func (m *Mirror) Attach(bus *eventbus.Bus) string {
	return bus.Subscribe(eventbus.Wildcard, m.Handle, eventbus.SubscribeOptions{Priority: MirrorPriority})
}

// Handle publishes ev as an envelope.
func (m *Mirror) Handle(ctx context.Context, ev eventbus.Event) error {
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	env, err := newEnvelope(ev.ID, ev.Type, ev.SessionID, ev.Timestamp, payload)
	if err != nil {
		return err
	}
	if _, err := m.publisher.Publish(ctx, m.stream, env, WithMaxLenApprox(m.maxLen)); err != nil {
		m.logger.Warn("mirror event", zap.String("type", ev.Type), zap.String("session_id", ev.SessionID), zap.Error(err))
		return fmt.Errorf("mirror %s: %w", ev.Type, err)
	}
	return nil
}

// DeadLetterArchive stores dead letters on a Redis stream.
type DeadLetterArchive struct {
	publisher *Publisher
	stream    string
	maxLen    int64
}

// NewDeadLetterArchive archives to stream, trimming it to about maxLen entries.
func NewDeadLetterArchive(p *Publisher, stream string, maxLen int64) *DeadLetterArchive {
	return &DeadLetterArchive{publisher: p, stream: stream, maxLen: maxLen}
}

// ArchiveDeadLetter implements eventbus.DeadLetterSink.
func (a *DeadLetterArchive) ArchiveDeadLetter(ctx context.Context, dl eventbus.DeadLetter) error {
	env, err := newEnvelope("", EventDeadLetter, dl.Event.SessionID, dl.At, dl)
	if err != nil {
		return err
	}
	if _, err := a.publisher.Publish(ctx, a.stream, env, WithMaxLenApprox(a.maxLen)); err != nil {
		return fmt.Errorf("archive dead letter %s: %w", dl.Event.ID, err)
	}
	return nil
}
