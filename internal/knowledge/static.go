// Package knowledge holds the built-in diagnostic knowledge tables used by
// fusion and the decision generator when no external knowledge service is
// configured.
package knowledge

import (
	"math"
	"strings"

	"github.com/mohammad-safakhou/fivediag/internal/diagnosis"
	"github.com/mohammad-safakhou/fivediag/internal/fusion"
)

// Evidence is one feature threshold a rule requires.
type Evidence struct {
	Category fusion.Category
	Feature  string
	Min      float64
}

// Rule infers a syndrome when every piece of evidence is present.
type Rule struct {
	Syndrome string
	Requires []Evidence
}

// Static is an in-memory knowledge base.
type Static struct {
	exclusive     map[string]map[string]bool
	priority      map[string]int
	severe        map[string]bool
	rules         []Rule
	symptomRisks  map[string][]string
	treatment     map[string][]string
	diet          map[string][]string
	lifestyle     map[string][]string
	exercise      map[string][]string
	deficiencyAge int
}

var exclusivePairs = [][2]string{
	{"yin-deficiency", "yang-deficiency"},
	{"excess-heat", "yang-deficiency"},
	{"excess-heat", "cold-dampness"},
	{"damp-heat", "cold-dampness"},
	{"qi-deficiency", "excess-heat"},
	{"blood-deficiency", "blood-heat"},
}

// lower ranks win arbitration when scores are close.
var syndromePriority = []string{
	"blood-stasis",
	"excess-heat",
	"phlegm-dampness",
	"damp-heat",
	"yang-deficiency",
	"yin-deficiency",
	"qi-stagnation",
	"blood-deficiency",
	"qi-deficiency",
	"cold-dampness",
	"blood-heat",
}

// NewStatic builds the default knowledge base.
func NewStatic() *Static {
	k := &Static{
		exclusive:     make(map[string]map[string]bool),
		priority:      make(map[string]int, len(syndromePriority)),
		severe:        map[string]bool{"blood-stasis": true, "excess-heat": true, "phlegm-dampness": true},
		deficiencyAge: 60,
		rules: []Rule{
			{Syndrome: "qi-deficiency", Requires: []Evidence{{fusion.Tongue, "pale", 0.6}, {fusion.Pulse, "weak", 0.6}}},
			{Syndrome: "yin-deficiency", Requires: []Evidence{{fusion.Tongue, "red", 0.6}, {fusion.Pulse, "thin-rapid", 0.6}}},
			{Syndrome: "yang-deficiency", Requires: []Evidence{{fusion.Symptoms, "cold-limbs", 0.6}, {fusion.Pulse, "deep-slow", 0.5}}},
			{Syndrome: "phlegm-dampness", Requires: []Evidence{{fusion.Tongue, "greasy-coating", 0.6}, {fusion.Pulse, "slippery", 0.6}}},
			{Syndrome: "blood-stasis", Requires: []Evidence{{fusion.Tongue, "purple", 0.6}, {fusion.Face, "dark", 0.5}}},
			{Syndrome: "qi-stagnation", Requires: []Evidence{{fusion.Voice, "sighing", 0.5}, {fusion.Pulse, "wiry", 0.6}}},
		},
		symptomRisks: map[string][]string{
			"chest-pain":          {"cardiovascular"},
			"palpitations":        {"cardiovascular", "anxiety"},
			"dizziness":           {"hypertension"},
			"headache":            {"hypertension"},
			"insomnia":            {"anxiety", "sleep-disorder"},
			"fatigue":             {"anemia"},
			"thirst":              {"diabetes"},
			"frequent-urine":      {"diabetes"},
			"chronic-cough":       {"respiratory"},
			"shortness-of-breath": {"respiratory", "cardiovascular"},
			"weight-loss":         {"metabolic"},
			"joint-pain":          {"arthritis"},
		},
		treatment: map[string][]string{
			"qi-deficiency":    {"tonify qi and strengthen the spleen", "consider Si Jun Zi Tang under practitioner guidance"},
			"yang-deficiency":  {"warm and tonify yang", "moxibustion on Guanyuan and Zusanli"},
			"yin-deficiency":   {"nourish yin and clear deficient heat", "consider Liu Wei Di Huang Wan under practitioner guidance"},
			"blood-deficiency": {"nourish and replenish blood"},
			"blood-stasis":     {"activate blood circulation and resolve stasis", "seek in-person clinical assessment"},
			"phlegm-dampness":  {"resolve phlegm and drain dampness"},
			"damp-heat":        {"clear heat and drain dampness"},
			"qi-stagnation":    {"soothe the liver and regulate qi"},
			"excess-heat":      {"clear heat and purge fire", "seek in-person clinical assessment"},
		},
		diet: map[string][]string{
			"qi-deficiency":   {"favour warm cooked grains, yam and jujube"},
			"yang-deficiency": {"favour warming foods such as ginger and lamb; avoid raw cold food"},
			"yin-deficiency":  {"favour moistening foods such as pear and lily bulb; limit spicy food"},
			"damp-heat":       {"limit greasy, sweet and alcoholic food"},
			"phlegm-dampness": {"limit dairy and fried food; favour barley and adzuki beans"},
			"excess-heat":     {"favour cooling vegetables; avoid spicy food and alcohol"},
		},
		lifestyle: map[string][]string{
			"balanced":       {"keep regular sleep and meal times"},
			"qi-deficient":   {"avoid overexertion", "rest after meals"},
			"yang-deficient": {"keep the lower back and feet warm", "get morning sunlight"},
			"yin-deficient":  {"avoid late nights", "limit sauna and heavy sweating"},
			"phlegm-damp":    {"avoid damp environments", "keep a regular activity routine"},
			"damp-heat":      {"keep living spaces dry and ventilated"},
			"blood-stasis":   {"avoid prolonged sitting", "keep warm in cold weather"},
			"qi-stagnant":    {"schedule relaxation and social activity"},
		},
		exercise: map[string][]string{
			"qi-deficient":   {"gentle tai chi or baduanjin"},
			"yang-deficient": {"moderate daytime walking"},
			"yin-deficient":  {"low intensity yoga"},
			"phlegm-damp":    {"regular brisk walking or cycling"},
			"blood-stasis":   {"daily stretching and walking"},
			"qi-stagnant":    {"outdoor group exercise"},
		},
	}
	for _, p := range exclusivePairs {
		k.markExclusive(p[0], p[1])
		k.markExclusive(p[1], p[0])
	}
	for i, s := range syndromePriority {
		k.priority[s] = i
	}
	return k
}

func (k *Static) markExclusive(a, b string) {
	if k.exclusive[a] == nil {
		k.exclusive[a] = make(map[string]bool)
	}
	k.exclusive[a][b] = true
}

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func (k *Static) AreSyndromesConflicting(a, b string) bool {
	return k.exclusive[norm(a)][norm(b)]
}

// ResolveSyndromeConflict prefers a severe label, then the clinically
// higher-priority label when scores are within 0.1. Otherwise it defers.
func (k *Static) ResolveSyndromeConflict(labels []string, confidences map[string]float64) (string, bool) {
	best, bestScore := "", -1.0
	for _, l := range labels {
		if k.severe[norm(l)] && confidences[l] > bestScore {
			best, bestScore = l, confidences[l]
		}
	}
	if best != "" {
		return best, true
	}
	var top, runner string
	for _, l := range labels {
		switch {
		case top == "" || confidences[l] > confidences[top]:
			top, runner = l, top
		case runner == "" || confidences[l] > confidences[runner]:
			runner = l
		}
	}
	if runner == "" || math.Abs(confidences[top]-confidences[runner]) >= 0.1 {
		return "", false
	}
	if k.rank(runner) < k.rank(top) {
		return runner, true
	}
	return top, true
}

func (k *Static) rank(label string) int {
	if r, ok := k.priority[norm(label)]; ok {
		return r
	}
	return len(k.priority)
}

func (k *Static) IsSevereSyndrome(label string) bool { return k.severe[norm(label)] }

// AnalyzeConstitution picks the strongest constitution, nudging deficiency
// types up for older patients. Weak evidence reads as balanced.
func (k *Static) AnalyzeConstitution(scores map[string]float64, age int, _ string) (fusion.ConstitutionAssessment, bool) {
	if len(scores) == 0 {
		return fusion.ConstitutionAssessment{}, false
	}
	best, bestScore := "", -1.0
	for name, s := range scores {
		if age >= k.deficiencyAge && strings.HasSuffix(norm(name), "-deficient") {
			s += 0.05
		}
		if s > bestScore || (s == bestScore && name < best) {
			best, bestScore = name, s
		}
	}
	if bestScore < 0.3 {
		return fusion.ConstitutionAssessment{Type: "balanced", Confidence: 1 - bestScore}, true
	}
	return fusion.ConstitutionAssessment{Type: best, Confidence: math.Min(1, bestScore)}, true
}

// ApplyExpertRules adds inferred syndromes, scored by the mean of their
// evidence, without lowering existing scores.
func (k *Static) ApplyExpertRules(features fusion.Features, _ map[diagnosis.Modality]*diagnosis.Result) fusion.Features {
	for _, rule := range k.rules {
		var sum float64
		matched := true
		for _, ev := range rule.Requires {
			v, ok := features[ev.Category][ev.Feature]
			if !ok || !v.Numeric || v.Number < ev.Min {
				matched = false
				break
			}
			sum += v.Number
		}
		if !matched {
			continue
		}
		score := sum / float64(len(rule.Requires))
		if features[fusion.Syndromes] == nil {
			features[fusion.Syndromes] = make(map[string]fusion.Value)
		}
		if cur, ok := features[fusion.Syndromes][rule.Syndrome]; !ok || !cur.Numeric || cur.Number < score {
			features[fusion.Syndromes][rule.Syndrome] = fusion.Num(score)
		}
	}
	return features
}

func (k *Static) SymptomRisks(symptom string) []string {
	return append([]string(nil), k.symptomRisks[norm(symptom)]...)
}

func (k *Static) AgeRelatedRisks(age int, gender string) []string {
	var out []string
	switch {
	case age >= 60:
		out = append(out, "cardiovascular", "osteoporosis", "cognitive-decline")
	case age >= 40:
		out = append(out, "metabolic")
	}
	switch norm(gender) {
	case "female", "f":
		if age >= 45 {
			out = append(out, "menopausal")
		}
	case "male", "m":
		if age >= 50 {
			out = append(out, "prostate")
		}
	}
	return out
}

// TreatmentPrinciples returns treatment guidance for a syndrome.
func (k *Static) TreatmentPrinciples(syndrome string) []string {
	return append([]string(nil), k.treatment[norm(syndrome)]...)
}

// DietAdvice returns dietary guidance for a syndrome.
func (k *Static) DietAdvice(syndrome string) []string {
	return append([]string(nil), k.diet[norm(syndrome)]...)
}

// LifestyleAdvice returns daily-life guidance for a constitution.
func (k *Static) LifestyleAdvice(constitution string) []string {
	return append([]string(nil), k.lifestyle[norm(constitution)]...)
}

// ExerciseAdvice returns exercise guidance for a constitution.
func (k *Static) ExerciseAdvice(constitution string) []string {
	return append([]string(nil), k.exercise[norm(constitution)]...)
}
