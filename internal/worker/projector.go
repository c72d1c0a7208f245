// Package worker projects mirrored lifecycle events into per-session audit
// records.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/fivediag/internal/diagnosis"
	"github.com/mohammad-safakhou/fivediag/internal/logging"
	"github.com/mohammad-safakhou/fivediag/internal/queue/streams"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// DefaultGroup is the consumer group the projector reads with.
const DefaultGroup = "fivediag-audit"

var workerTracer = otel.Tracer("fivediag/internal/worker")

// Store captures the persistence the projector needs.
type Store interface {
	ClaimEvent(ctx context.Context, eventID string) (bool, error)
	ReleaseEvent(ctx context.Context, eventID string) error
	Apply(ctx context.Context, sessionID string, u Update) error
}

// Source is the stream reader the projector consumes.
type Source interface {
	Read(ctx context.Context, stream string, opts streams.ReadOptions) ([]streams.Message, error)
	Ack(ctx context.Context, stream string, ids ...string) error
}

// Projector consumes lifecycle envelopes and keeps session records current.
type Projector struct {
	logger    *zap.Logger
	store     Store
	source    Source
	stream    string
	block     time.Duration
	projected otelmetric.Int64Counter
	skipped   otelmetric.Int64Counter
}

// NewProjector builds a projector for stream. A nil meter uses the global provider.
func NewProjector(logger *zap.Logger, st Store, src Source, stream string, meter otelmetric.Meter) *Projector {
	logger = logging.OrNop(logger).Named("worker")
	if meter == nil {
		meter = otel.Meter("fivediag/internal/worker")
	}
	p := &Projector{logger: logger, store: st, source: src, stream: stream, block: 5 * time.Second}
	var err error
	if p.projected, err = meter.Int64Counter("worker_events_projected_total"); err != nil {
		logger.Warn("create projected counter", zap.Error(err))
	}
	if p.skipped, err = meter.Int64Counter("worker_events_skipped_total"); err != nil {
		logger.Warn("create skipped counter", zap.Error(err))
	}
	return p
}

// Start blocks, projecting events until ctx is cancelled.
func (p *Projector) Start(ctx context.Context) error {
	p.logger.Info("projector starting", zap.String("stream", p.stream))
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("projector stopping", zap.Error(ctx.Err()))
			return nil
		default:
		}
		msgs, err := p.source.Read(ctx, p.stream, streams.ReadOptions{Block: p.block, Count: 16})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Warn("read stream", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		for _, msg := range msgs {
			if err := p.Handle(ctx, msg); err != nil {
				p.logger.Warn("project event", zap.String("id", msg.ID), zap.String("type", msg.Envelope.EventType), zap.Error(err))
				continue
			}
			if err := p.source.Ack(ctx, p.stream, msg.ID); err != nil {
				p.logger.Warn("ack event", zap.String("id", msg.ID), zap.Error(err))
			}
		}
	}
}

// Handle projects one message. Duplicates are skipped; a failed apply
// releases the claim so redelivery can retry it.
func (p *Projector) Handle(ctx context.Context, msg streams.Message) error {
	env := msg.Envelope
	ctx, span := workerTracer.Start(ctx, "worker.project")
	defer span.End()
	span.SetAttributes(attribute.String("event.type", env.EventType), attribute.String("session.id", env.SessionID))

	if env.SessionID == "" {
		p.count(ctx, p.skipped, env.EventType)
		return nil
	}
	claimed, err := p.store.ClaimEvent(ctx, env.EventID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if !claimed {
		p.logger.Debug("event already projected", zap.String("event_id", env.EventID))
		p.count(ctx, p.skipped, env.EventType)
		return nil
	}
	u, err := updateFor(env)
	if err == nil {
		err = p.store.Apply(ctx, env.SessionID, u)
	}
	if err != nil {
		if rerr := p.store.ReleaseEvent(ctx, env.EventID); rerr != nil {
			p.logger.Warn("release claim", zap.String("event_id", env.EventID), zap.Error(rerr))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	p.count(ctx, p.projected, env.EventType)
	return nil
}

func (p *Projector) count(ctx context.Context, c otelmetric.Int64Counter, eventType string) {
	if c != nil {
		c.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("event_type", eventType)))
	}
}

type lifecyclePayload struct {
	PatientID       string `json:"patient_id"`
	Mode            string `json:"mode"`
	PrimarySyndrome string `json:"primary_syndrome"`
	Error           string `json:"error"`
}

func updateFor(env streams.Envelope) (Update, error) {
	var data lifecyclePayload
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return Update{}, fmt.Errorf("decode %s payload: %w", env.EventType, err)
	}
	u := Update{EventType: env.EventType, At: env.OccurredAt}
	switch env.EventType {
	case diagnosis.EventSessionCreated:
		u.Status = string(diagnosis.StatusCreated)
		u.PatientID = data.PatientID
		u.Mode = data.Mode
	case diagnosis.EventSessionStarted:
		u.Status = string(diagnosis.StatusRunning)
	case diagnosis.EventModalityCompleted:
		u.CompletedDelta = 1
	case diagnosis.EventModalityFailed:
		u.FailedDelta = 1
	case diagnosis.EventFusionCompleted:
		u.PrimarySyndrome = data.PrimarySyndrome
	case diagnosis.EventSessionCompleted:
		u.Status = string(diagnosis.StatusCompleted)
	case diagnosis.EventSessionFailed:
		u.Status = string(diagnosis.StatusFailed)
		u.Error = data.Error
	case diagnosis.EventSessionCancelled:
		u.Status = string(diagnosis.StatusCancelled)
	}
	return u, nil
}
