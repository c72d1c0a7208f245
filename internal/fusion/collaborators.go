package fusion

import (
	"context"

	"github.com/mohammad-safakhou/fivediag/internal/diagnosis"
)

// ConstitutionAssessment is the knowledge base's constitution verdict.
type ConstitutionAssessment struct {
	Type       string
	Confidence float64
}

// KnowledgeBase supplies the domain rules fusion relies on.
type KnowledgeBase interface {
	AreSyndromesConflicting(a, b string) bool
	// ResolveSyndromeConflict picks the preferred label, or returns false
	// when it cannot decide.
	ResolveSyndromeConflict(labels []string, confidences map[string]float64) (string, bool)
	IsSevereSyndrome(label string) bool
	AnalyzeConstitution(scores map[string]float64, age int, gender string) (ConstitutionAssessment, bool)
	ApplyExpertRules(features Features, results map[diagnosis.Modality]*diagnosis.Result) Features
	SymptomRisks(symptom string) []string
	AgeRelatedRisks(age int, gender string) []string
}

// Model is an optional trained fusion model.
type Model interface {
	PredictFusion(ctx context.Context, vector []float64) (Features, error)
}
