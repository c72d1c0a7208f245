package fusion

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/mohammad-safakhou/fivediag/internal/diagnosis"
)

type stubKB struct {
	conflicting  map[[2]string]bool
	prefer       string
	severe       map[string]bool
	constitution *ConstitutionAssessment
	symptomRisks map[string][]string
	ageRisks     []string
	expert       func(Features) Features
}

func (k stubKB) AreSyndromesConflicting(a, b string) bool {
	return k.conflicting[[2]string{a, b}] || k.conflicting[[2]string{b, a}]
}

func (k stubKB) ResolveSyndromeConflict(labels []string, _ map[string]float64) (string, bool) {
	for _, l := range labels {
		if l == k.prefer {
			return l, true
		}
	}
	return "", false
}

func (k stubKB) IsSevereSyndrome(label string) bool { return k.severe[label] }

func (k stubKB) AnalyzeConstitution(map[string]float64, int, string) (ConstitutionAssessment, bool) {
	if k.constitution == nil {
		return ConstitutionAssessment{}, false
	}
	return *k.constitution, true
}

func (k stubKB) ApplyExpertRules(f Features, _ map[diagnosis.Modality]*diagnosis.Result) Features {
	if k.expert != nil {
		return k.expert(f)
	}
	return f
}

func (k stubKB) SymptomRisks(symptom string) []string { return k.symptomRisks[symptom] }

func (k stubKB) AgeRelatedRisks(int, string) []string { return k.ageRisks }

func completed(m diagnosis.Modality, conf float64, features map[string]map[string]any) *diagnosis.Result {
	return &diagnosis.Result{Modality: m, Status: diagnosis.CallCompleted, Confidence: conf, Features: features}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestFuseEmptyResultsFails(t *testing.T) {
	e := New(DefaultConfig(), stubKB{})
	for _, results := range []map[diagnosis.Modality]*diagnosis.Result{
		nil,
		{diagnosis.Look: {Modality: diagnosis.Look, Status: diagnosis.CallTimedOut}},
	} {
		out, err := e.Fuse(context.Background(), "s1", diagnosis.PatientInfo{ID: "p1"}, results)
		if !errors.Is(err, diagnosis.ErrFusion) {
			t.Fatalf("expected fusion error, got %v", err)
		}
		if out != nil {
			t.Fatalf("expected no partial result")
		}
	}
}

func TestFuseNonFiniteConfidenceStaysBounded(t *testing.T) {
	e := New(DefaultConfig(), stubKB{})
	for _, bad := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		results := map[diagnosis.Modality]*diagnosis.Result{
			diagnosis.Inquiry: completed(diagnosis.Inquiry, bad, map[string]map[string]any{"syndromes": {"qi-deficiency": 0.7, "bogus": math.NaN()}}),
			diagnosis.Look:    completed(diagnosis.Look, 0.6, map[string]map[string]any{"tongue": {"pale": 0.5}}),
		}
		out, err := e.Fuse(context.Background(), "s1", diagnosis.PatientInfo{ID: "p1"}, results)
		if err != nil {
			t.Fatalf("fuse with confidence %v: %v", bad, err)
		}
		for name, v := range map[string]float64{
			"overall":      out.OverallConfidence,
			"consistency":  out.ConsistencyScore,
			"completeness": out.CompletenessScore,
		} {
			if math.IsNaN(v) || v < 0 || v > 1 {
				t.Fatalf("confidence %v: %s score %v outside [0,1]", bad, name, v)
			}
		}
		if _, err := json.Marshal(out); err != nil {
			t.Fatalf("confidence %v: result not encodable: %v", bad, err)
		}
	}
}

func TestFuseScenarioPrimarySyndromeAndCompleteness(t *testing.T) {
	e := New(DefaultConfig(), stubKB{})
	results := map[diagnosis.Modality]*diagnosis.Result{
		diagnosis.Inquiry: completed(diagnosis.Inquiry, 0.9, map[string]map[string]any{
			"syndromes": {"qi-deficiency": 0.85},
			"symptoms":  {"fatigue": 0.8},
		}),
		diagnosis.Look: completed(diagnosis.Look, 0.6, map[string]map[string]any{
			"syndromes": {"qi-deficiency": 0.7},
			"tongue":    {"pale": 0.8},
		}),
		diagnosis.Palpation: {Modality: diagnosis.Palpation, Status: diagnosis.CallTimedOut},
	}
	out, err := e.Fuse(context.Background(), "s1", diagnosis.PatientInfo{ID: "p1"}, results)
	if err != nil {
		t.Fatalf("fuse: %v", err)
	}
	if out.PrimarySyndrome != "qi-deficiency" {
		t.Fatalf("expected qi-deficiency, got %q", out.PrimarySyndrome)
	}
	if !approx(out.CompletenessScore, 0.4) {
		t.Fatalf("expected completeness 0.4, got %v", out.CompletenessScore)
	}
	if len(out.Modalities) != 2 || out.Modalities[0] != diagnosis.Inquiry {
		t.Fatalf("unexpected modalities %v", out.Modalities)
	}
	if out.Strategy != string(Hybrid) {
		t.Fatalf("expected hybrid default, got %s", out.Strategy)
	}
}

func TestScoresStayInUnitRange(t *testing.T) {
	e := New(DefaultConfig(), stubKB{})
	results := map[diagnosis.Modality]*diagnosis.Result{
		diagnosis.Inquiry:     completed(diagnosis.Inquiry, 1.7, map[string]map[string]any{"syndromes": {"a": 3.0}}),
		diagnosis.Look:        completed(diagnosis.Look, -0.4, nil),
		diagnosis.Calculation: completed(diagnosis.Calculation, 0.5, nil),
	}
	out, err := e.Fuse(context.Background(), "s", diagnosis.PatientInfo{}, results)
	if err != nil {
		t.Fatalf("fuse: %v", err)
	}
	for name, v := range map[string]float64{"overall": out.OverallConfidence, "consistency": out.ConsistencyScore} {
		if v < 0 || v > 1 {
			t.Fatalf("%s out of range: %v", name, v)
		}
	}
}

func TestConsistencyAndOverallConfidence(t *testing.T) {
	e := New(DefaultConfig(), stubKB{})
	results := map[diagnosis.Modality]*diagnosis.Result{
		diagnosis.Inquiry: completed(diagnosis.Inquiry, 0.9, map[string]map[string]any{"syndromes": {"x": 0.5}}),
		diagnosis.Look:    completed(diagnosis.Look, 0.5, nil),
	}
	out, err := e.Fuse(context.Background(), "s", diagnosis.PatientInfo{}, results)
	if err != nil {
		t.Fatalf("fuse: %v", err)
	}
	if !approx(out.ConsistencyScore, 0.8) {
		t.Fatalf("expected consistency 0.8, got %v", out.ConsistencyScore)
	}
	base := (0.30*0.9 + 0.25*0.5) / 0.55
	want := base * (0.7 + 0.3*(1.0/8.0))
	if !approx(out.OverallConfidence, want) {
		t.Fatalf("expected overall %v, got %v", want, out.OverallConfidence)
	}

	single, _ := e.Fuse(context.Background(), "s", diagnosis.PatientInfo{}, map[diagnosis.Modality]*diagnosis.Result{
		diagnosis.Look: completed(diagnosis.Look, 0.4, nil),
	})
	if single.ConsistencyScore != 1 {
		t.Fatalf("single result should be fully consistent, got %v", single.ConsistencyScore)
	}
}

func TestSyndromeConflictResolvedByKnowledgeBase(t *testing.T) {
	kb := stubKB{
		conflicting: map[[2]string]bool{{"yin-deficiency", "yang-deficiency"}: true},
		prefer:      "yang-deficiency",
	}
	e := New(DefaultConfig(), kb)
	results := map[diagnosis.Modality]*diagnosis.Result{
		diagnosis.Inquiry: completed(diagnosis.Inquiry, 0.8, map[string]map[string]any{
			"syndromes": {"yin-deficiency": 0.8, "yang-deficiency": 0.75, "damp-heat": 0.4},
		}),
	}
	out, err := e.Fuse(context.Background(), "s", diagnosis.PatientInfo{}, results)
	if err != nil {
		t.Fatalf("fuse: %v", err)
	}
	if len(out.Conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %+v", out.Conflicts)
	}
	c := out.Conflicts[0]
	if c.Winner != "yang-deficiency" || c.Resolution != resolutionKnowledgeBase {
		t.Fatalf("unexpected resolution %+v", c)
	}
	if out.PrimarySyndrome != "yang-deficiency" {
		t.Fatalf("expected winner as primary, got %s", out.PrimarySyndrome)
	}
	if len(out.SecondarySyndromes) != 1 || out.SecondarySyndromes[0] != "damp-heat" {
		t.Fatalf("expected loser removed, got %v", out.SecondarySyndromes)
	}
	if e.Stats().ConflictsResolved != 1 {
		t.Fatalf("expected conflicts resolved stat")
	}
}

func TestSyndromeConflictFallsBackToHighestConfidence(t *testing.T) {
	kb := stubKB{conflicting: map[[2]string]bool{{"heat", "cold"}: true}}
	e := New(DefaultConfig(), kb)
	out, err := e.Fuse(context.Background(), "s", diagnosis.PatientInfo{}, map[diagnosis.Modality]*diagnosis.Result{
		diagnosis.Inquiry: completed(diagnosis.Inquiry, 0.8, map[string]map[string]any{"syndromes": {"heat": 0.6, "cold": 0.9}}),
	})
	if err != nil {
		t.Fatalf("fuse: %v", err)
	}
	if out.Conflicts[0].Winner != "cold" || out.Conflicts[0].Resolution != resolutionHighestConfidence {
		t.Fatalf("unexpected resolution %+v", out.Conflicts[0])
	}
}

func TestConflictsBelowFloorIgnored(t *testing.T) {
	kb := stubKB{conflicting: map[[2]string]bool{{"heat", "cold"}: true}}
	e := New(DefaultConfig(), kb)
	out, _ := e.Fuse(context.Background(), "s", diagnosis.PatientInfo{}, map[diagnosis.Modality]*diagnosis.Result{
		diagnosis.Inquiry: completed(diagnosis.Inquiry, 0.8, map[string]map[string]any{"syndromes": {"heat": 0.3, "cold": 0.9}}),
	})
	if len(out.Conflicts) != 0 {
		t.Fatalf("expected no conflict below floor, got %+v", out.Conflicts)
	}
}

func TestConstitutionConflictAndAssessment(t *testing.T) {
	e := New(DefaultConfig(), stubKB{})
	results := map[diagnosis.Modality]*diagnosis.Result{
		diagnosis.Calculation: completed(diagnosis.Calculation, 0.7, map[string]map[string]any{
			"constitution": {"qi_deficient": 0.8, "yang_deficient": 0.75, "balanced": 0.2},
		}),
	}
	out, err := e.Fuse(context.Background(), "s", diagnosis.PatientInfo{Age: 40}, results)
	if err != nil {
		t.Fatalf("fuse: %v", err)
	}
	if len(out.Conflicts) != 1 || out.Conflicts[0].Category != string(Constitution) {
		t.Fatalf("expected constitution conflict, got %+v", out.Conflicts)
	}
	if out.ConstitutionType != "qi_deficient" {
		t.Fatalf("expected qi_deficient, got %s", out.ConstitutionType)
	}
	if _, present := out.Features["constitution"]["yang_deficient"]; present {
		t.Fatalf("losing constitution should be removed")
	}

	kb := stubKB{constitution: &ConstitutionAssessment{Type: "balanced", Confidence: 0.9}}
	out, _ = New(DefaultConfig(), kb).Fuse(context.Background(), "s", diagnosis.PatientInfo{}, results)
	if out.ConstitutionType != "balanced" || out.ConstitutionConfidence != 0.9 {
		t.Fatalf("expected knowledge base constitution, got %s/%v", out.ConstitutionType, out.ConstitutionConfidence)
	}
}

func TestHealthStatusBuckets(t *testing.T) {
	kb := stubKB{severe: map[string]bool{"blood-stasis": true}}
	e := New(DefaultConfig(), kb)
	cases := []struct {
		primary ranked
		want    string
	}{
		{ranked{}, HealthHealthy},
		{ranked{Name: "x", Score: 0.2}, HealthHealthy},
		{ranked{Name: "x", Score: 0.5}, HealthSubHealthy},
		{ranked{Name: "blood-stasis", Score: 0.8}, HealthNeedsAttention},
		{ranked{Name: "x", Score: 0.8}, HealthMildDiscomfort},
	}
	for _, tc := range cases {
		if got := e.healthStatus(tc.primary); got != tc.want {
			t.Fatalf("%+v: expected %s, got %s", tc.primary, tc.want, got)
		}
	}
}

func TestRiskFactorsDeduplicated(t *testing.T) {
	kb := stubKB{
		symptomRisks: map[string][]string{
			"chest-pain": {"cardiovascular", "anxiety"},
			"insomnia":   {"anxiety"},
		},
		ageRisks: []string{"cardiovascular", "osteoporosis"},
	}
	e := New(DefaultConfig(), kb)
	out, _ := e.Fuse(context.Background(), "s", diagnosis.PatientInfo{Age: 70}, map[diagnosis.Modality]*diagnosis.Result{
		diagnosis.Inquiry: completed(diagnosis.Inquiry, 0.9, map[string]map[string]any{
			"symptoms": {"chest-pain": 0.9, "insomnia": 0.75, "cough": 0.2},
		}),
	})
	want := []string{"anxiety", "cardiovascular", "osteoporosis"}
	if len(out.RiskFactors) != len(want) {
		t.Fatalf("expected %v, got %v", want, out.RiskFactors)
	}
	for i := range want {
		if out.RiskFactors[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, out.RiskFactors)
		}
	}
}

func TestStatsRunningAverages(t *testing.T) {
	e := New(DefaultConfig(), stubKB{})
	results := map[diagnosis.Modality]*diagnosis.Result{
		diagnosis.Inquiry: completed(diagnosis.Inquiry, 1, map[string]map[string]any{
			"syndromes": {"a": 1.0}, "symptoms": {"b": 1.0}, "other": {"c": 1.0},
		}),
	}
	first, _ := e.Fuse(context.Background(), "s1", diagnosis.PatientInfo{}, results)
	second, _ := e.Fuse(context.Background(), "s2", diagnosis.PatientInfo{}, map[diagnosis.Modality]*diagnosis.Result{
		diagnosis.Look: completed(diagnosis.Look, 0.2, nil),
	})
	st := e.Stats()
	if st.TotalFusions != 2 {
		t.Fatalf("expected 2 fusions, got %d", st.TotalFusions)
	}
	if st.SuccessfulFusions != 1 {
		t.Fatalf("expected 1 successful fusion, got %d (first %.3f)", st.SuccessfulFusions, first.OverallConfidence)
	}
	if !approx(st.AverageConfidence, (first.OverallConfidence+second.OverallConfidence)/2) {
		t.Fatalf("unexpected average confidence %v", st.AverageConfidence)
	}
}
