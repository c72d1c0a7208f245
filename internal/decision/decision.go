// Package decision turns a fused diagnosis into treatment, lifestyle and
// follow-up recommendations.
package decision

import (
	"context"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/fivediag/internal/diagnosis"
	"github.com/mohammad-safakhou/fivediag/internal/fusion"
	"github.com/mohammad-safakhou/fivediag/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var decisionTracer trace.Tracer = otel.Tracer("fivediag/internal/decision")

// Tables supplies recommendation content.
type Tables interface {
	TreatmentPrinciples(syndrome string) []string
	DietAdvice(syndrome string) []string
	LifestyleAdvice(constitution string) []string
	ExerciseAdvice(constitution string) []string
	IsSevereSyndrome(label string) bool
}

// Option configures a Generator.
type Option func(*Generator)

// WithLogger sets the generator logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Generator) { g.logger = logging.OrNop(l).Named("decision") }
}

// Generator builds recommendations from static tables.
type Generator struct {
	tables Tables
	logger *zap.Logger
}

// New returns a Generator. tables must not be nil.
func New(tables Tables, opts ...Option) *Generator {
	g := &Generator{tables: tables, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate derives recommendations for a fused result.
func (g *Generator) Generate(ctx context.Context, fused *diagnosis.FusedResult, patient diagnosis.PatientInfo) (diagnosis.Recommendations, error) {
	if fused == nil {
		return diagnosis.Recommendations{}, diagnosis.ValidationError{Field: "fused", Reason: "missing fused result"}
	}
	_, span := decisionTracer.Start(ctx, "decision.generate",
		trace.WithAttributes(attribute.String("session.id", fused.SessionID)))
	defer span.End()

	var recs diagnosis.Recommendations
	severe := fused.PrimarySyndrome != "" && g.tables.IsSevereSyndrome(fused.PrimarySyndrome)
	if severe {
		recs.Treatment = append(recs.Treatment,
			fmt.Sprintf("urgent: %s pattern detected, arrange an in-person consultation promptly", fused.PrimarySyndrome))
	}
	recs.Treatment = append(recs.Treatment, g.treatment(fused)...)
	recs.Lifestyle = g.lifestyle(fused, patient)
	recs.FollowUp = g.followUp(fused)

	recs.Treatment = dedupe(recs.Treatment)
	recs.Lifestyle = dedupe(recs.Lifestyle)
	recs.FollowUp = dedupe(recs.FollowUp)
	span.SetAttributes(
		attribute.Bool("decision.emergency", severe),
		attribute.Int("decision.treatment", len(recs.Treatment)),
	)
	g.logger.Debug("recommendations generated",
		zap.String("session_id", fused.SessionID),
		zap.Int("treatment", len(recs.Treatment)),
		zap.Int("lifestyle", len(recs.Lifestyle)),
		zap.Int("follow_up", len(recs.FollowUp)))
	return recs, nil
}

func (g *Generator) treatment(fused *diagnosis.FusedResult) []string {
	if fused.PrimarySyndrome == "" {
		return []string{"no active pattern identified; maintain current routine"}
	}
	var out []string
	out = append(out, g.tables.TreatmentPrinciples(fused.PrimarySyndrome)...)
	for _, s := range fused.SecondarySyndromes {
		for _, p := range g.tables.TreatmentPrinciples(s) {
			out = append(out, "supporting: "+p)
		}
	}
	for _, s := range append([]string{fused.PrimarySyndrome}, fused.SecondarySyndromes...) {
		for _, d := range g.tables.DietAdvice(s) {
			out = append(out, "diet: "+d)
		}
	}
	return out
}

func (g *Generator) lifestyle(fused *diagnosis.FusedResult, patient diagnosis.PatientInfo) []string {
	c := fused.ConstitutionType
	if c == "" {
		c = "balanced"
	}
	out := g.tables.LifestyleAdvice(c)
	for _, e := range g.tables.ExerciseAdvice(c) {
		if patient.Age >= 65 {
			e += " at reduced intensity"
		}
		out = append(out, "exercise: "+e)
	}
	if c == "qi-stagnant" || fused.PrimarySyndrome == "qi-stagnation" {
		out = append(out, "emotional: practise stress management and keep a steady mood")
	}
	for _, r := range fused.RiskFactors {
		out = append(out, "prevention: reduce "+r+" risk through regular screening")
	}
	return out
}

func (g *Generator) followUp(fused *diagnosis.FusedResult) []string {
	var interval string
	switch fused.HealthStatus {
	case fusion.HealthNeedsAttention:
		interval = "1-2 weeks"
	case fusion.HealthMildDiscomfort:
		interval = "2-4 weeks"
	default:
		interval = "1-3 months"
	}
	out := []string{"reassess in " + interval}
	for _, r := range fused.RiskFactors {
		out = append(out, "monitor "+r+" indicators at the next visit")
	}
	if fused.CompletenessScore < 0.6 {
		out = append(out, "complete the missing diagnostic modalities at the next visit")
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		k := strings.ToLower(s)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, s)
	}
	return out
}
