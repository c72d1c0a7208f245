package fusion

import (
	"encoding/json"
	"math"
	"sort"
	"strings"

	"github.com/mohammad-safakhou/fivediag/internal/diagnosis"
)

// Category is one canonical feature bucket.
type Category string

const (
	Syndromes    Category = "syndromes"
	Constitution Category = "constitution"
	Symptoms     Category = "symptoms"
	Pulse        Category = "pulse"
	Tongue       Category = "tongue"
	Face         Category = "face"
	Voice        Category = "voice"
	Other        Category = "other"
)

// Categories lists every bucket in a fixed order.
var Categories = []Category{Syndromes, Constitution, Symptoms, Pulse, Tongue, Face, Voice, Other}

// bucketsFor is the static modality to bucket mapping. Every modality also
// feeds its own "other" category.
func bucketsFor(m diagnosis.Modality) []Category {
	switch m {
	case diagnosis.Inquiry:
		return []Category{Symptoms, Syndromes, Other}
	case diagnosis.Look:
		return []Category{Tongue, Face, Other}
	case diagnosis.Listen:
		return []Category{Voice, Other}
	case diagnosis.Palpation:
		return []Category{Pulse, Other}
	case diagnosis.Calculation:
		return []Category{Constitution, Other}
	}
	return nil
}

// Value is either a numeric score or a categorical label.
type Value struct {
	Number  float64
	Label   string
	Numeric bool
}

// Num builds a numeric value.
func Num(f float64) Value { return Value{Number: f, Numeric: true} }

// Label builds a categorical value.
func Label(s string) Value { return Value{Label: s} }

// Any converts back to a JSON-friendly value.
func (v Value) Any() any {
	if v.Numeric {
		return v.Number
	}
	return v.Label
}

func (v Value) empty() bool { return !v.Numeric && v.Label == "" }

// ParseValue accepts the scalar shapes modality services return.
func ParseValue(raw any) (Value, bool) {
	switch x := raw.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return Value{}, false
		}
		return Num(x), true
	case float32:
		return ParseValue(float64(x))
	case int:
		return Num(float64(x)), true
	case int64:
		return Num(float64(x)), true
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return Label(x.String()), true
		}
		return ParseValue(f)
	case string:
		return Label(x), true
	case bool:
		if x {
			return Label("true"), true
		}
		return Label("false"), true
	}
	return Value{}, false
}

// Features maps bucket → feature name → value.
type Features map[Category]map[string]Value

func newFeatures() Features {
	f := make(Features, len(Categories))
	for _, c := range Categories {
		f[c] = make(map[string]Value)
	}
	return f
}

func (f Features) set(c Category, name string, v Value) {
	bucket, ok := f[c]
	if !ok {
		bucket = make(map[string]Value)
		f[c] = bucket
	}
	bucket[name] = v
}

// Numeric returns the numeric features of one bucket.
func (f Features) Numeric(c Category) map[string]float64 {
	out := make(map[string]float64, len(f[c]))
	for name, v := range f[c] {
		if v.Numeric {
			out[name] = v.Number
		}
	}
	return out
}

// PresentBuckets counts non-empty buckets.
func (f Features) PresentBuckets() int {
	n := 0
	for _, c := range Categories {
		if len(f[c]) > 0 {
			n++
		}
	}
	return n
}

// Clone deep-copies f.
func (f Features) Clone() Features {
	out := make(Features, len(f))
	for c, bucket := range f {
		cp := make(map[string]Value, len(bucket))
		for k, v := range bucket {
			cp[k] = v
		}
		out[c] = cp
	}
	return out
}

// ToMap renders f for JSON output, skipping empty buckets.
func (f Features) ToMap() map[string]map[string]any {
	out := make(map[string]map[string]any)
	for c, bucket := range f {
		if len(bucket) == 0 {
			continue
		}
		m := make(map[string]any, len(bucket))
		for k, v := range bucket {
			m[k] = v.Any()
		}
		out[string(c)] = m
	}
	return out
}

// FeaturesFromMap parses a raw category → name → scalar map, ignoring
// unknown categories and non-scalar values.
func FeaturesFromMap(raw map[string]map[string]any) Features {
	f := newFeatures()
	for cat, bucket := range raw {
		c := Category(strings.ToLower(strings.TrimSpace(cat)))
		if _, ok := f[c]; !ok {
			continue
		}
		for name, rv := range bucket {
			if v, ok := ParseValue(rv); ok {
				f[c][name] = v
			}
		}
	}
	return f
}

// ranked is a numeric feature with its score.
type ranked struct {
	Name  string
	Score float64
}

// rank sorts numeric values descending, ties by name.
func rank(values map[string]float64) []ranked {
	out := make([]ranked, 0, len(values))
	for k, v := range values {
		out = append(out, ranked{Name: k, Score: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// source is one modality's contribution to one bucket.
type source struct {
	modality   diagnosis.Modality
	confidence float64
	values     map[string]Value
}

// extraction holds merged features plus per-bucket sources for weighting.
type extraction struct {
	features Features
	sources  map[Category][]source
}

// extract merges each successful result's mapped buckets. Later modalities
// in canonical order overwrite earlier values for the same feature.
func extract(results map[diagnosis.Modality]*diagnosis.Result) extraction {
	ex := extraction{features: newFeatures(), sources: make(map[Category][]source)}
	for _, m := range diagnosis.AllModalities {
		res, ok := results[m]
		if !ok || res == nil {
			continue
		}
		parsed := FeaturesFromMap(res.Features)
		for _, c := range bucketsFor(m) {
			bucket := parsed[c]
			if len(bucket) == 0 {
				continue
			}
			for name, v := range bucket {
				ex.features.set(c, name, v)
			}
			ex.sources[c] = append(ex.sources[c], source{modality: m, confidence: clamp01(res.Confidence), values: bucket})
		}
	}
	return ex
}

// clamp01 bounds f to [0,1]; NaN and infinities count as 0.
func clamp01(f float64) float64 {
	switch {
	case math.IsNaN(f) || math.IsInf(f, 0):
		return 0
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
