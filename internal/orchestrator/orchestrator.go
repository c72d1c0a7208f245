// Package orchestrator runs diagnosis sessions: it schedules modality calls,
// records their outcomes, fuses the results and publishes lifecycle events.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/fivediag/config"
	"github.com/mohammad-safakhou/fivediag/internal/diagnosis"
	"github.com/mohammad-safakhou/fivediag/internal/eventbus"
	"github.com/mohammad-safakhou/fivediag/internal/logging"
	"github.com/mohammad-safakhou/fivediag/internal/registry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var orchestratorTracer trace.Tracer = otel.Tracer("fivediag/internal/orchestrator")

// Registry resolves modality clients.
type Registry interface {
	Client(name string) (registry.Client, bool)
	ServiceByCapability(tag string) (registry.ServiceInfo, bool)
	AvailableServices() []string
}

// Fuser merges modality results into one assessment.
type Fuser interface {
	Fuse(ctx context.Context, sessionID string, patient diagnosis.PatientInfo, results map[diagnosis.Modality]*diagnosis.Result) (*diagnosis.FusedResult, error)
}

// DecisionGenerator produces recommendations for a fused result.
type DecisionGenerator interface {
	Generate(ctx context.Context, fused *diagnosis.FusedResult, patient diagnosis.PatientInfo) (diagnosis.Recommendations, error)
}

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, ev eventbus.Event) error
}

// Mode selects how a session's modality calls are scheduled.
type Mode string

const (
	ModeParallel      Mode = "parallel"
	ModeSequential    Mode = "sequential"
	ModePriorityBased Mode = "priority"
	ModeAdaptive      Mode = "adaptive"
)

// ParseMode resolves a scheduling mode name. Empty selects adaptive.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeAdaptive, nil
	case ModeParallel, ModeSequential, ModePriorityBased, ModeAdaptive:
		return m, nil
	}
	return "", diagnosis.ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown scheduling mode %q", s)}
}

// Config tunes the orchestrator.
type Config struct {
	Mode               Mode
	CallTimeout        time.Duration
	MaxConcurrentCalls int
	MinModalities      int
	Priorities         map[diagnosis.Modality]int
	Retention          time.Duration
	SweepSchedule      string
}

// ConfigFrom converts and validates the application config section.
func ConfigFrom(c config.OrchestratorConfig) (Config, error) {
	c = c.Normalize()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	mode, err := ParseMode(c.Mode)
	if err != nil {
		return Config{}, err
	}
	out := Config{
		Mode:               mode,
		CallTimeout:        c.CallTimeout,
		MaxConcurrentCalls: c.MaxConcurrentCalls,
		MinModalities:      c.MinModalities,
		Priorities:         make(map[diagnosis.Modality]int, len(c.Priorities)),
		Retention:          c.Retention,
		SweepSchedule:      c.SweepSchedule,
	}
	for name, p := range c.Priorities {
		m, err := diagnosis.ParseModality(name)
		if err != nil {
			return Config{}, fmt.Errorf("orchestrator.priorities: %w", err)
		}
		out.Priorities[m] = p
	}
	return out, nil
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeAdaptive
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 300 * time.Second
	}
	if c.MaxConcurrentCalls <= 0 {
		c.MaxConcurrentCalls = 5
	}
	if c.MinModalities <= 0 {
		c.MinModalities = 2
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = "*/10 * * * *"
	}
	return c
}

// SessionOptions overrides orchestrator defaults for one session.
type SessionOptions struct {
	Mode        Mode
	CallTimeout time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = logging.OrNop(l).Named("orchestrator") }
}

// WithPublisher sends lifecycle events to p.
func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.events = p }
}

// WithDecisionGenerator enriches fused results with recommendations.
func WithDecisionGenerator(d DecisionGenerator) Option {
	return func(o *Orchestrator) { o.decision = d }
}

// WithMeter records session and call counters on meter.
func WithMeter(m metric.Meter) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.meter = m
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

type session struct {
	diagnosis.Session
	mode    Mode
	timeout time.Duration
}

// Orchestrator owns every in-flight session of this process.
type Orchestrator struct {
	cfg      Config
	registry Registry
	fuser    Fuser
	decision DecisionGenerator
	events   Publisher
	logger   *zap.Logger
	meter    metric.Meter
	now      func() time.Time

	sessionCounter metric.Int64Counter
	callCounter    metric.Int64Counter

	mu       sync.RWMutex
	sessions map[string]*session
	counts   counters

	// Concurrency control
	semaphore chan struct{}
	closed    *atomic.Bool
}

// New builds an orchestrator around a registry and a fuser.
func New(cfg Config, reg Registry, fuser Fuser, opts ...Option) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		cfg:       cfg,
		registry:  reg,
		fuser:     fuser,
		logger:    zap.NewNop(),
		meter:     otel.Meter("fivediag/internal/orchestrator"),
		now:       time.Now,
		sessions:  make(map[string]*session),
		semaphore: make(chan struct{}, cfg.MaxConcurrentCalls),
		closed:    atomic.NewBool(false),
	}
	for _, opt := range opts {
		opt(o)
	}
	if c, err := o.meter.Int64Counter("orchestrator_sessions_total"); err == nil {
		o.sessionCounter = c
	}
	if c, err := o.meter.Int64Counter("orchestrator_calls_total"); err == nil {
		o.callCounter = c
	}
	return o
}

// CreateSession validates the request and registers a new session in the
// created state.
func (o *Orchestrator) CreateSession(ctx context.Context, patient diagnosis.PatientInfo, modalities []diagnosis.Modality, opts SessionOptions) (string, error) {
	if o.closed.Load() {
		return "", diagnosis.OrchestrationError{Reason: "orchestrator is closed"}
	}
	if strings.TrimSpace(patient.ID) == "" {
		return "", diagnosis.ValidationError{Field: "patient.id", Reason: "required"}
	}
	enabled, err := distinctModalities(modalities)
	if err != nil {
		return "", err
	}
	if len(enabled) < o.cfg.MinModalities {
		return "", diagnosis.ValidationError{
			Field:  "modalities",
			Reason: fmt.Sprintf("at least %d modalities required, got %d", o.cfg.MinModalities, len(enabled)),
		}
	}
	mode := o.cfg.Mode
	if opts.Mode != "" {
		if mode, err = ParseMode(string(opts.Mode)); err != nil {
			return "", err
		}
	}
	timeout := o.cfg.CallTimeout
	if opts.CallTimeout > 0 {
		timeout = opts.CallTimeout
	}

	s := &session{
		Session: diagnosis.Session{
			ID:         uuid.New().String(),
			Patient:    patient,
			Modalities: enabled,
			Status:     diagnosis.StatusCreated,
			Results:    make(map[diagnosis.Modality]*diagnosis.Result, len(enabled)),
			CreatedAt:  o.now().UTC(),
		},
		mode:    mode,
		timeout: timeout,
	}
	o.mu.Lock()
	o.sessions[s.ID] = s
	o.counts.total++
	o.mu.Unlock()

	o.logger.Info("session created",
		zap.String("session_id", s.ID),
		zap.String("patient_id", patient.ID),
		zap.String("mode", string(mode)),
		zap.Int("modalities", len(enabled)))
	o.emit(ctx, s.ID, diagnosis.EventSessionCreated, map[string]any{
		"patient_id": patient.ID,
		"modalities": modalityNames(enabled),
		"mode":       string(mode),
	})
	return s.ID, nil
}

func distinctModalities(in []diagnosis.Modality) ([]diagnosis.Modality, error) {
	seen := make(map[diagnosis.Modality]struct{}, len(in))
	out := make([]diagnosis.Modality, 0, len(in))
	for _, raw := range in {
		m, err := diagnosis.ParseModality(string(raw))
		if err != nil {
			return nil, err
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	diagnosis.SortCanonical(out)
	return out, nil
}

func modalityNames(ms []diagnosis.Modality) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = string(m)
	}
	return out
}

// Cancel moves a non-terminal session to cancelled. In-flight calls are left
// to finish; their results are discarded.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	o.mu.Lock()
	s, ok := o.sessions[id]
	if !ok {
		o.mu.Unlock()
		return notFound(id)
	}
	if s.Status.Terminal() {
		o.mu.Unlock()
		return nil
	}
	prev := s.Status
	s.Status = diagnosis.StatusCancelled
	s.CompletedAt = o.now().UTC()
	o.counts.cancelled++
	o.mu.Unlock()

	o.countSession(ctx, diagnosis.StatusCancelled)
	o.logger.Info("session cancelled", zap.String("session_id", id), zap.String("from", string(prev)))
	o.emit(ctx, id, diagnosis.EventSessionCancelled, map[string]any{"previous_status": string(prev)})
	return nil
}

func notFound(id string) error {
	return fmt.Errorf("session %s: %w", id, diagnosis.ErrSessionNotFound)
}

// StatusView is the externally visible progress of a session.
type StatusView struct {
	SessionID   string                  `json:"session_id"`
	PatientID   string                  `json:"patient_id"`
	Status      diagnosis.SessionStatus `json:"status"`
	Mode        Mode                    `json:"mode"`
	Progress    float64                 `json:"progress"`
	Enabled     []diagnosis.Modality    `json:"enabled_modalities"`
	Completed   []diagnosis.Modality    `json:"completed_modalities"`
	Failed      []diagnosis.Modality    `json:"failed_modalities"`
	CreatedAt   time.Time               `json:"created_at"`
	StartedAt   time.Time               `json:"started_at,omitempty"`
	CompletedAt time.Time               `json:"completed_at,omitempty"`
	Duration    time.Duration           `json:"duration"`
	Errors      []string                `json:"errors,omitempty"`
	Warnings    []string                `json:"warnings,omitempty"`
	HasResult   bool                    `json:"has_result"`
}

// Status reports a session's progress.
func (o *Orchestrator) Status(id string) (StatusView, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.sessions[id]
	if !ok {
		return StatusView{}, notFound(id)
	}
	v := StatusView{
		SessionID:   s.ID,
		PatientID:   s.Patient.ID,
		Status:      s.Status,
		Mode:        s.mode,
		Enabled:     append([]diagnosis.Modality(nil), s.Modalities...),
		CreatedAt:   s.CreatedAt,
		StartedAt:   s.StartedAt,
		CompletedAt: s.CompletedAt,
		Duration:    s.Duration(o.now().UTC()),
		Errors:      append([]string(nil), s.Errors...),
		Warnings:    append([]string(nil), s.Warnings...),
		HasResult:   s.Fused != nil,
	}
	for m, r := range s.Results {
		if r.Succeeded() {
			v.Completed = append(v.Completed, m)
		} else {
			v.Failed = append(v.Failed, m)
		}
	}
	diagnosis.SortCanonical(v.Completed)
	diagnosis.SortCanonical(v.Failed)
	if len(s.Modalities) > 0 {
		v.Progress = float64(len(s.Results)) / float64(len(s.Modalities))
	}
	return v, nil
}

// Result returns the fused result, or nil when the session has not completed.
func (o *Orchestrator) Result(id string) (*diagnosis.FusedResult, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.sessions[id]
	if !ok {
		return nil, notFound(id)
	}
	return s.Fused, nil
}

// Sessions lists session ids ordered by creation time.
func (o *Orchestrator) Sessions() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	all := make([]*session, 0, len(o.sessions))
	for _, s := range o.sessions {
		all = append(all, s)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	out := make([]string, len(all))
	for i, s := range all {
		out[i] = s.ID
	}
	return out
}

// Close rejects new sessions and cancels every non-terminal one.
func (o *Orchestrator) Close(ctx context.Context) error {
	if !o.closed.CompareAndSwap(false, true) {
		return nil
	}
	o.mu.RLock()
	var open []string
	for id, s := range o.sessions {
		if !s.Status.Terminal() {
			open = append(open, id)
		}
	}
	o.mu.RUnlock()
	for _, id := range open {
		if err := o.Cancel(ctx, id); err != nil {
			return err
		}
	}
	o.logger.Info("orchestrator closed", zap.Int("cancelled", len(open)))
	return nil
}

func (o *Orchestrator) emit(ctx context.Context, sessionID, eventType string, payload map[string]any) {
	if o.events == nil {
		return
	}
	ev := eventbus.Event{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Type:      eventType,
		Payload:   payload,
		Timestamp: o.now().UTC(),
	}
	if err := o.events.Publish(ctx, ev); err != nil {
		o.logger.Warn("publish event", zap.String("session_id", sessionID), zap.String("type", eventType), zap.Error(err))
	}
}
