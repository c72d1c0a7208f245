package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mohammad-safakhou/fivediag/internal/diagnosis"
	"github.com/mohammad-safakhou/fivediag/internal/registry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Start runs a created session to a terminal state. Modality failures are
// absorbed into the session; only fusion and internal failures are
// returned, after marking the session failed.
func (o *Orchestrator) Start(ctx context.Context, id string, inputs map[diagnosis.Modality]map[string]any) error {
	o.mu.Lock()
	s, ok := o.sessions[id]
	if !ok {
		o.mu.Unlock()
		return notFound(id)
	}
	if s.Status != diagnosis.StatusCreated {
		status := s.Status
		o.mu.Unlock()
		return diagnosis.ValidationError{Field: "status", Reason: fmt.Sprintf("session %s is %s, not created", id, status)}
	}
	s.Status = diagnosis.StatusRunning
	s.StartedAt = o.now().UTC()
	mode, timeout := s.mode, s.timeout
	patient := s.Patient
	modalities := append([]diagnosis.Modality(nil), s.Modalities...)
	o.mu.Unlock()

	ctx, span := orchestratorTracer.Start(ctx, "orchestrator.session",
		trace.WithAttributes(
			attribute.String("session.id", id),
			attribute.String("session.mode", string(mode)),
			attribute.Int("session.modalities", len(modalities)),
		))
	defer span.End()

	o.logger.Info("session started", zap.String("session_id", id), zap.String("mode", string(mode)))
	o.emit(ctx, id, diagnosis.EventSessionStarted, map[string]any{"mode": string(mode)})

	run := func(m diagnosis.Modality) {
		o.call(ctx, id, patient.ID, m, inputs[m], timeout)
	}
	if mode == ModeAdaptive {
		mode = o.adapt(modalities)
		span.SetAttributes(attribute.String("session.effective_mode", string(mode)))
	}
	switch mode {
	case ModeParallel:
		o.fanOut(modalities, run)
	case ModeSequential:
		ordered := append([]diagnosis.Modality(nil), modalities...)
		diagnosis.SortByPriority(ordered, o.cfg.Priorities)
		for _, m := range ordered {
			run(m)
		}
	case ModePriorityBased:
		for _, group := range diagnosis.GroupByPriority(modalities, o.cfg.Priorities) {
			o.fanOut(group, run)
		}
	default:
		err := diagnosis.OrchestrationError{SessionID: id, Reason: fmt.Sprintf("unknown scheduling mode %q", mode)}
		o.fail(ctx, id, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := o.finish(ctx, id, patient); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// adapt picks parallel when every requested modality has an available
// service, by name or by capability, and the fan-out fits the call limit.
// Anything else runs priority-based.
func (o *Orchestrator) adapt(modalities []diagnosis.Modality) Mode {
	if o.registry == nil || len(modalities) > o.cfg.MaxConcurrentCalls {
		return ModePriorityBased
	}
	available := make(map[string]struct{})
	for _, name := range o.registry.AvailableServices() {
		available[name] = struct{}{}
	}
	for _, m := range modalities {
		if _, ok := available[string(m)]; ok {
			continue
		}
		if _, ok := o.registry.ServiceByCapability(string(m)); !ok {
			return ModePriorityBased
		}
	}
	return ModeParallel
}

func (o *Orchestrator) fanOut(ms []diagnosis.Modality, run func(diagnosis.Modality)) {
	var wg sync.WaitGroup
	for _, m := range ms {
		wg.Add(1)
		go func(m diagnosis.Modality) {
			defer wg.Done()
			run(m)
		}(m)
	}
	wg.Wait()
}

func (o *Orchestrator) call(ctx context.Context, sessionID, patientID string, m diagnosis.Modality, input map[string]any, timeout time.Duration) {
	// Acquire semaphore for concurrency control
	select {
	case o.semaphore <- struct{}{}:
		defer func() { <-o.semaphore }()
	case <-ctx.Done():
		o.record(ctx, sessionID, &diagnosis.Result{
			Modality: m, Status: diagnosis.CallFailed, Error: ctx.Err().Error(), CompletedAt: o.now().UTC(),
		})
		return
	}

	if o.terminal(sessionID) {
		o.warn(sessionID, fmt.Sprintf("%s skipped: session already terminal", m))
		return
	}

	callCtx, span := orchestratorTracer.Start(ctx, "orchestrator.call",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("modality", string(m)),
		))
	defer span.End()

	start := o.now()
	result := &diagnosis.Result{Modality: m}
	client, err := o.resolve(m)
	if err == nil {
		var analysis diagnosis.Analysis
		analysis, err = o.analyze(callCtx, client, m, patientID, sessionID, input, timeout)
		if err == nil {
			result.Status = diagnosis.CallCompleted
			result.Confidence = analysis.Confidence
			result.Features = analysis.Features
			result.Raw = analysis.Raw
		}
	}
	if err != nil {
		result.Error = err.Error()
		switch {
		case errors.Is(err, diagnosis.ErrTimeout):
			result.Status = diagnosis.CallTimedOut
		case errors.Is(err, diagnosis.ErrServiceUnavailable):
			result.Status = diagnosis.CallUnavailable
		default:
			result.Status = diagnosis.CallFailed
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	result.ProcessingTime = o.now().Sub(start)
	result.CompletedAt = o.now().UTC()
	o.record(ctx, sessionID, result)
}

func (o *Orchestrator) resolve(m diagnosis.Modality) (registry.Client, error) {
	if o.registry == nil {
		return nil, diagnosis.ServiceUnavailableError{Modality: m}
	}
	if c, ok := o.registry.Client(string(m)); ok {
		return c, nil
	}
	if info, ok := o.registry.ServiceByCapability(string(m)); ok && info.Name != string(m) {
		if c, ok := o.registry.Client(info.Name); ok {
			o.logger.Info("modality served by capability match",
				zap.String("modality", string(m)), zap.String("service", info.Name))
			return c, nil
		}
	}
	return nil, diagnosis.ServiceUnavailableError{Modality: m}
}

type analyzeOutcome struct {
	analysis diagnosis.Analysis
	err      error
}

// analyze bounds one client call by timeout, even when the client ignores
// its context.
func (o *Orchestrator) analyze(ctx context.Context, client registry.Client, m diagnosis.Modality, patientID, sessionID string, input map[string]any, timeout time.Duration) (diagnosis.Analysis, error) {
	if input == nil {
		input = map[string]any{}
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan analyzeOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- analyzeOutcome{err: fmt.Errorf("%s client panic: %v", m, r)}
			}
		}()
		a, err := client.Analyze(callCtx, patientID, sessionID, input)
		done <- analyzeOutcome{analysis: a, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return diagnosis.Analysis{}, diagnosis.TimeoutError{Modality: m, After: timeout}
		}
		if out.err != nil {
			return diagnosis.Analysis{}, fmt.Errorf("%s analyze: %w", m, out.err)
		}
		return out.analysis, nil
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return diagnosis.Analysis{}, diagnosis.TimeoutError{Modality: m, After: timeout}
		}
		return diagnosis.Analysis{}, fmt.Errorf("%s analyze: %w", m, callCtx.Err())
	}
}

func (o *Orchestrator) record(ctx context.Context, sessionID string, r *diagnosis.Result) {
	o.mu.Lock()
	s, ok := o.sessions[sessionID]
	if !ok || s.Status.Terminal() {
		o.mu.Unlock()
		o.logger.Debug("discarding late modality result",
			zap.String("session_id", sessionID), zap.String("modality", string(r.Modality)))
		return
	}
	s.Results[r.Modality] = r
	if !r.Succeeded() {
		s.Errors = append(s.Errors, fmt.Sprintf("%s: %s", r.Modality, r.Error))
	}
	o.mu.Unlock()

	if o.callCounter != nil {
		o.callCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("modality", string(r.Modality)),
			attribute.String("outcome", string(r.Status)),
		))
	}
	if r.Succeeded() {
		o.logger.Debug("modality completed",
			zap.String("session_id", sessionID),
			zap.String("modality", string(r.Modality)),
			zap.Float64("confidence", r.Confidence))
		o.emit(ctx, sessionID, diagnosis.EventModalityCompleted, map[string]any{
			"modality":   string(r.Modality),
			"confidence": r.Confidence,
			"duration":   r.ProcessingTime.String(),
		})
		return
	}
	o.logger.Warn("modality failed",
		zap.String("session_id", sessionID),
		zap.String("modality", string(r.Modality)),
		zap.String("status", string(r.Status)),
		zap.String("error", r.Error))
	o.emit(ctx, sessionID, diagnosis.EventModalityFailed, map[string]any{
		"modality": string(r.Modality),
		"status":   string(r.Status),
		"error":    r.Error,
	})
}

func (o *Orchestrator) terminal(id string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.sessions[id]
	return !ok || s.Status.Terminal()
}

func (o *Orchestrator) warn(id, msg string) {
	o.mu.Lock()
	if s, ok := o.sessions[id]; ok {
		s.Warnings = append(s.Warnings, msg)
	}
	o.mu.Unlock()
	o.logger.Warn(msg, zap.String("session_id", id))
}

// finish fuses the collected results and completes the session.
func (o *Orchestrator) finish(ctx context.Context, id string, patient diagnosis.PatientInfo) error {
	o.mu.RLock()
	s, ok := o.sessions[id]
	if !ok || s.Status != diagnosis.StatusRunning {
		o.mu.RUnlock()
		return nil
	}
	results := s.SuccessfulResults()
	o.mu.RUnlock()

	if o.fuser == nil {
		err := diagnosis.OrchestrationError{SessionID: id, Reason: "no fusion engine configured"}
		o.fail(ctx, id, err)
		return err
	}
	fused, err := o.fuser.Fuse(ctx, id, patient, results)
	if err == nil && fused == nil {
		err = diagnosis.FusionError{SessionID: id, Reason: "fusion returned no result"}
	}
	if err != nil {
		if !errors.Is(err, diagnosis.ErrFusion) {
			err = diagnosis.FusionError{SessionID: id, Reason: "fusion failed", Err: err}
		}
		o.fail(ctx, id, err)
		return err
	}
	if o.decision != nil {
		recs, err := o.decision.Generate(ctx, fused, patient)
		if err != nil {
			o.warn(id, fmt.Sprintf("recommendations unavailable: %v", err))
		} else {
			fused.Recommendations = recs
		}
	}
	o.mu.Lock()
	if s.Status != diagnosis.StatusRunning {
		o.mu.Unlock()
		o.logger.Info("discarding fused result for terminal session", zap.String("session_id", id))
		return nil
	}
	s.Fused = fused
	s.Status = diagnosis.StatusCompleted
	s.CompletedAt = o.now().UTC()
	duration := s.Duration(s.CompletedAt)
	o.counts.completed(duration)
	o.mu.Unlock()

	// Completion events follow the commit; a session cancelled during
	// fusion emits none of them.
	o.emit(ctx, id, diagnosis.EventFusionCompleted, map[string]any{
		"primary_syndrome":   fused.PrimarySyndrome,
		"overall_confidence": fused.OverallConfidence,
		"completeness":       fused.CompletenessScore,
	})
	o.emit(ctx, id, diagnosis.EventDecisionCompleted, map[string]any{
		"treatment": len(fused.Recommendations.Treatment),
		"lifestyle": len(fused.Recommendations.Lifestyle),
		"follow_up": len(fused.Recommendations.FollowUp),
	})
	o.countSession(ctx, diagnosis.StatusCompleted)
	o.logger.Info("session completed",
		zap.String("session_id", id),
		zap.String("primary", fused.PrimarySyndrome),
		zap.Float64("confidence", fused.OverallConfidence),
		zap.Duration("duration", duration))
	o.emit(ctx, id, diagnosis.EventSessionCompleted, map[string]any{
		"duration":   duration.String(),
		"modalities": modalityNames(fused.Modalities),
	})
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, id string, cause error) {
	o.mu.Lock()
	s, ok := o.sessions[id]
	if !ok || s.Status.Terminal() {
		o.mu.Unlock()
		return
	}
	s.Status = diagnosis.StatusFailed
	s.CompletedAt = o.now().UTC()
	s.Errors = append(s.Errors, cause.Error())
	o.counts.failed++
	o.mu.Unlock()

	o.countSession(ctx, diagnosis.StatusFailed)
	o.logger.Error("session failed", zap.String("session_id", id), zap.Error(cause))
	o.emit(ctx, id, diagnosis.EventSessionFailed, map[string]any{"error": cause.Error()})
}

func (o *Orchestrator) countSession(ctx context.Context, status diagnosis.SessionStatus) {
	if o.sessionCounter == nil {
		return
	}
	o.sessionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(status))))
}
