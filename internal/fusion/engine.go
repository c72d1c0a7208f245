package fusion

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mohammad-safakhou/fivediag/config"
	"github.com/mohammad-safakhou/fivediag/internal/diagnosis"
	"github.com/mohammad-safakhou/fivediag/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Health status buckets derived from the primary syndrome.
const (
	HealthHealthy        = "healthy"
	HealthSubHealthy     = "sub_healthy"
	HealthNeedsAttention = "needs_attention"
	HealthMildDiscomfort = "mild_discomfort"
)

const (
	resolutionKnowledgeBase     = "knowledge_base"
	resolutionHighestConfidence = "highest_confidence"
	constitutionConflictFloor   = 0.7
)

var fusionTracer trace.Tracer = otel.Tracer("fivediag/internal/fusion")

// Config tunes the engine.
type Config struct {
	Strategy                 Strategy
	ConfidenceThreshold      float64
	ConflictFloor            float64
	EnableConflictResolution bool
	ModalityWeights          map[diagnosis.Modality]float64
	CategoryWeights          map[Category]float64
}

// ConfigFrom converts and validates the application config section.
func ConfigFrom(c config.FusionConfig) (Config, error) {
	c = c.Normalize()
	st, err := ParseStrategy(c.Strategy)
	if err != nil {
		return Config{}, err
	}
	out := Config{
		Strategy:                 st,
		ConfidenceThreshold:      c.ConfidenceThreshold,
		ConflictFloor:            c.ConflictFloor,
		EnableConflictResolution: c.EnableConflictResolution,
		ModalityWeights:          make(map[diagnosis.Modality]float64, len(c.ModalityWeights)),
		CategoryWeights:          make(map[Category]float64, len(c.CategoryWeights)),
	}
	for name, w := range c.ModalityWeights {
		m, err := diagnosis.ParseModality(name)
		if err != nil {
			return Config{}, fmt.Errorf("fusion.modality_weights: %w", err)
		}
		out.ModalityWeights[m] = w
	}
	for name, w := range c.CategoryWeights {
		out.CategoryWeights[Category(strings.ToLower(name))] = w
	}
	return out, nil
}

// DefaultConfig mirrors config.FusionConfig defaults with resolution on.
func DefaultConfig() Config {
	cfg, _ := ConfigFrom(config.FusionConfig{EnableConflictResolution: true})
	return cfg
}

// Stats summarises every fusion run so far.
type Stats struct {
	TotalFusions       int64   `json:"total_fusions"`
	SuccessfulFusions  int64   `json:"successful_fusions"`
	ConflictsResolved  int64   `json:"conflicts_resolved"`
	AverageConfidence  float64 `json:"average_confidence"`
	AverageConsistency float64 `json:"average_consistency"`
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = logging.OrNop(l).Named("fusion") }
}

// WithModel installs a trained fusion model.
func WithModel(m Model) Option {
	return func(e *Engine) { e.model = m }
}

// Engine merges per-modality results into one FusedResult.
type Engine struct {
	cfg    Config
	kb     KnowledgeBase
	model  Model
	logger *zap.Logger

	mu    sync.Mutex
	stats Stats
}

// New creates an engine. kb may be nil, in which case knowledge-driven
// steps fall back to confidence ordering.
func New(cfg Config, kb KnowledgeBase, opts ...Option) *Engine {
	if cfg.Strategy == "" {
		cfg.Strategy = Hybrid
	}
	if cfg.ConflictFloor <= 0 {
		cfg.ConflictFloor = 0.5
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.6
	}
	e := &Engine{cfg: cfg, kb: kb, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HasModel reports whether a trained fusion model is installed.
func (e *Engine) HasModel() bool { return e.model != nil }

// Strategy returns the configured strategy.
func (e *Engine) Strategy() Strategy { return e.cfg.Strategy }

// Fuse reconciles the successful results of one session. It fails with a
// FusionError when there is nothing to fuse.
func (e *Engine) Fuse(ctx context.Context, sessionID string, patient diagnosis.PatientInfo, results map[diagnosis.Modality]*diagnosis.Result) (*diagnosis.FusedResult, error) {
	start := time.Now()
	ctx, span := fusionTracer.Start(ctx, "fusion.fuse",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("fusion.strategy", string(e.cfg.Strategy)),
		))
	defer span.End()

	usable := make(map[diagnosis.Modality]*diagnosis.Result, len(results))
	for m, r := range results {
		if r.Succeeded() {
			usable[m] = r
		}
	}
	if len(usable) == 0 {
		err := diagnosis.FusionError{SessionID: sessionID, Reason: "no modality results to fuse"}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("fusion.modalities", len(usable)))

	ex := extract(usable)
	conflicts := e.detectConflicts(ex.features)
	resolved := 0
	if e.cfg.EnableConflictResolution && len(conflicts) > 0 {
		resolved = e.resolveConflicts(ex.features, conflicts)
	}

	run, ok := strategies[e.cfg.Strategy]
	if !ok {
		err := diagnosis.FusionError{SessionID: sessionID, Reason: fmt.Sprintf("unknown strategy %q", e.cfg.Strategy)}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	fused, err := run(ctx, e, fusionInput{ex: ex, results: usable})
	if err != nil {
		ferr := diagnosis.FusionError{SessionID: sessionID, Reason: "strategy failed", Err: err}
		span.RecordError(ferr)
		span.SetStatus(codes.Error, ferr.Error())
		return nil, ferr
	}

	modalities := make([]diagnosis.Modality, 0, len(usable))
	for m := range usable {
		modalities = append(modalities, m)
	}
	diagnosis.SortCanonical(modalities)

	out := &diagnosis.FusedResult{
		SessionID:         sessionID,
		PatientID:         patient.ID,
		OverallConfidence: e.overallConfidence(usable, fused),
		ConsistencyScore:  consistency(usable),
		CompletenessScore: float64(len(usable)) / float64(len(diagnosis.AllModalities)),
		Modalities:        modalities,
		Conflicts:         conflicts,
		Strategy:          string(e.cfg.Strategy),
		Features:          fused.ToMap(),
		CreatedAt:         time.Now().UTC(),
	}

	primary, secondary := syndromes(fused)
	out.PrimarySyndrome = primary.Name
	for _, s := range secondary {
		out.SecondarySyndromes = append(out.SecondarySyndromes, s.Name)
	}
	out.ConstitutionType, out.ConstitutionConfidence = e.constitution(fused, patient)
	out.HealthStatus = e.healthStatus(primary)
	out.RiskFactors = e.riskFactors(fused, patient)
	out.ProcessingTime = time.Since(start)

	e.record(out, resolved)
	span.SetAttributes(
		attribute.Float64("fusion.overall_confidence", out.OverallConfidence),
		attribute.Int("fusion.conflicts", len(conflicts)),
	)
	e.logger.Debug("fusion completed",
		zap.String("session_id", sessionID),
		zap.String("primary", out.PrimarySyndrome),
		zap.Float64("confidence", out.OverallConfidence),
		zap.Int("conflicts", len(conflicts)))
	return out, nil
}

func (e *Engine) modalityWeight(m diagnosis.Modality) float64 {
	if w, ok := e.cfg.ModalityWeights[m]; ok {
		return w
	}
	if len(e.cfg.ModalityWeights) == 0 {
		return 1
	}
	return 0
}

func (e *Engine) categoryWeight(c Category) float64 {
	if w, ok := e.cfg.CategoryWeights[c]; ok && w > 0 {
		return w
	}
	return 1
}

func (e *Engine) detectConflicts(f Features) []diagnosis.Conflict {
	var conflicts []diagnosis.Conflict
	if e.kb != nil {
		var strong []ranked
		for _, r := range rank(f.Numeric(Syndromes)) {
			if r.Score >= e.cfg.ConflictFloor {
				strong = append(strong, r)
			}
		}
		for i := 0; i < len(strong); i++ {
			for j := i + 1; j < len(strong); j++ {
				if e.kb.AreSyndromesConflicting(strong[i].Name, strong[j].Name) {
					conflicts = append(conflicts, diagnosis.Conflict{
						Category: string(Syndromes),
						Labels:   []string{strong[i].Name, strong[j].Name},
					})
				}
			}
		}
	}

	var high []string
	for _, r := range rank(f.Numeric(Constitution)) {
		if r.Score > constitutionConflictFloor {
			high = append(high, r.Name)
		}
	}
	if len(high) > 1 {
		conflicts = append(conflicts, diagnosis.Conflict{Category: string(Constitution), Labels: high})
	}
	return conflicts
}

// resolveConflicts picks a winner per conflict and removes the losing labels
// from their bucket. It returns how many conflicts were resolved.
func (e *Engine) resolveConflicts(f Features, conflicts []diagnosis.Conflict) int {
	resolved := 0
	for i := range conflicts {
		c := &conflicts[i]
		bucket := f[Category(c.Category)]
		scores := make(map[string]float64, len(c.Labels))
		var live []string
		for _, l := range c.Labels {
			if v, ok := bucket[l]; ok && v.Numeric {
				scores[l] = v.Number
				live = append(live, l)
			}
		}
		if len(live) < 2 {
			if len(live) == 1 {
				c.Winner = live[0]
				c.Resolution = "superseded"
			}
			continue
		}

		winner, resolution := "", resolutionHighestConfidence
		if Category(c.Category) == Syndromes && e.kb != nil {
			if w, ok := e.kb.ResolveSyndromeConflict(live, scores); ok && scores[w] > 0 {
				winner, resolution = w, resolutionKnowledgeBase
			}
		}
		if winner == "" {
			winner = rank(scores)[0].Name
		}
		for _, l := range live {
			if l != winner {
				delete(bucket, l)
			}
		}
		c.Winner, c.Resolution = winner, resolution
		resolved++
	}
	return resolved
}

// overallConfidence is the weighted mean modality confidence scaled by how
// many of the eight buckets carry evidence.
func (e *Engine) overallConfidence(results map[diagnosis.Modality]*diagnosis.Result, fused Features) float64 {
	var sum, total, plain float64
	for m, r := range results {
		c := clamp01(r.Confidence)
		w := e.modalityWeight(m)
		sum += w * c
		total += w
		plain += c
	}
	base := plain / float64(len(results))
	if total > 0 {
		base = sum / total
	}
	breadth := math.Min(1, float64(fused.PresentBuckets())/float64(len(Categories)))
	return clamp01(base * (0.7 + 0.3*breadth))
}

// consistency is one minus the population standard deviation of modality
// confidences.
func consistency(results map[diagnosis.Modality]*diagnosis.Result) float64 {
	if len(results) < 2 {
		return 1
	}
	var mean float64
	for _, r := range results {
		mean += clamp01(r.Confidence)
	}
	mean /= float64(len(results))
	var variance float64
	for _, r := range results {
		d := clamp01(r.Confidence) - mean
		variance += d * d
	}
	variance /= float64(len(results))
	return clamp01(1 - math.Sqrt(variance))
}

func syndromes(f Features) (ranked, []ranked) {
	all := rank(f.Numeric(Syndromes))
	if len(all) == 0 {
		return ranked{}, nil
	}
	end := len(all)
	if end > 3 {
		end = 3
	}
	return all[0], all[1:end]
}

func (e *Engine) constitution(f Features, patient diagnosis.PatientInfo) (string, float64) {
	scores := f.Numeric(Constitution)
	if len(scores) == 0 {
		if v, ok := f[Constitution]["type"]; ok && v.Label != "" {
			return v.Label, 0
		}
		return "", 0
	}
	if e.kb != nil {
		if a, ok := e.kb.AnalyzeConstitution(scores, patient.Age, patient.Gender); ok && a.Type != "" {
			return a.Type, clamp01(a.Confidence)
		}
	}
	top := rank(scores)[0]
	return top.Name, clamp01(top.Score)
}

func (e *Engine) healthStatus(primary ranked) string {
	switch {
	case primary.Name == "" || primary.Score < 0.3:
		return HealthHealthy
	case primary.Score < 0.6:
		return HealthSubHealthy
	case e.kb != nil && e.kb.IsSevereSyndrome(primary.Name):
		return HealthNeedsAttention
	default:
		return HealthMildDiscomfort
	}
}

func (e *Engine) riskFactors(f Features, patient diagnosis.PatientInfo) []string {
	if e.kb == nil {
		return nil
	}
	seen := make(map[string]struct{})
	add := func(risks []string) {
		for _, r := range risks {
			if r = strings.TrimSpace(r); r != "" {
				seen[r] = struct{}{}
			}
		}
	}
	for name, score := range f.Numeric(Symptoms) {
		if score > 0.7 {
			add(e.kb.SymptomRisks(name))
		}
	}
	add(e.kb.AgeRelatedRisks(patient.Age, patient.Gender))
	out := make([]string, 0, len(seen))
	for r := range seen {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) record(r *diagnosis.FusedResult, resolved int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.TotalFusions++
	if r.OverallConfidence >= e.cfg.ConfidenceThreshold {
		e.stats.SuccessfulFusions++
	}
	e.stats.ConflictsResolved += int64(resolved)
	n := float64(e.stats.TotalFusions)
	e.stats.AverageConfidence += (r.OverallConfidence - e.stats.AverageConfidence) / n
	e.stats.AverageConsistency += (r.ConsistencyScore - e.stats.AverageConsistency) / n
}

// Stats returns a copy of the running fusion statistics.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}
