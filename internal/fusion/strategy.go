package fusion

import (
	"context"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/fivediag/internal/diagnosis"
	"go.uber.org/zap"
)

// Strategy selects how per-modality features are combined.
type Strategy string

const (
	WeightedAverage Strategy = "weighted_average"
	Bayesian        Strategy = "bayesian"
	Ensemble        Strategy = "ensemble"
	ExpertSystem    Strategy = "expert_system"
	Hybrid          Strategy = "hybrid"
)

// ParseStrategy resolves a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := strategies[st]; !ok {
		return "", fmt.Errorf("unknown fusion strategy %q", s)
	}
	return st, nil
}

type fusionInput struct {
	ex      extraction
	results map[diagnosis.Modality]*diagnosis.Result
}

type strategyFunc func(ctx context.Context, e *Engine, in fusionInput) (Features, error)

var strategies = map[Strategy]strategyFunc{
	WeightedAverage: weightedAverage,
	Bayesian:        bayesian,
	Ensemble:        ensemble,
	ExpertSystem:    expertSystem,
	Hybrid:          hybrid,
}

func weightedAverage(_ context.Context, e *Engine, in fusionInput) (Features, error) {
	out := newFeatures()
	for _, c := range Categories {
		catWeight := e.categoryWeight(c)
		for name, merged := range in.ex.features[c] {
			if !merged.Numeric {
				out[c][name] = merged
				continue
			}
			var sum, total float64
			for _, src := range in.ex.sources[c] {
				v, ok := src.values[name]
				if !ok || !v.Numeric {
					continue
				}
				w := e.modalityWeight(src.modality) * src.confidence * catWeight
				sum += v.Number * w
				total += w
			}
			if total > 0 {
				out[c][name] = Num(sum / total)
			} else {
				out[c][name] = merged
			}
		}
	}
	return out, nil
}

const bayesPrior = 0.5

// bayesian treats the confidence of every modality reporting a feature as an
// independent likelihood against an even prior. Categorical features keep
// their label.
func bayesian(ctx context.Context, e *Engine, in fusionInput) (Features, error) {
	out, _ := weightedAverage(ctx, e, in)
	for _, c := range Categories {
		for name, merged := range in.ex.features[c] {
			if !merged.Numeric {
				continue
			}
			likelihood := 1.0
			seen := false
			for _, src := range in.ex.sources[c] {
				v, ok := src.values[name]
				if !ok || !v.Numeric {
					continue
				}
				likelihood *= src.confidence
				seen = true
			}
			if !seen {
				continue
			}
			num := likelihood * bayesPrior
			den := num + (1-likelihood)*(1-bayesPrior)
			if den > 0 {
				out[c][name] = Num(num / den)
			}
		}
	}
	return out, nil
}

func ensemble(ctx context.Context, e *Engine, in fusionInput) (Features, error) {
	base, _ := weightedAverage(ctx, e, in)
	if e.model == nil {
		return base, nil
	}
	predicted, err := e.model.PredictFusion(ctx, mlVector(in.results, in.ex.features))
	if err != nil {
		e.logger.Warn("fusion model prediction failed, using weighted average", zap.Error(err))
		return base, nil
	}
	for c, bucket := range predicted {
		for name, v := range bucket {
			base.set(c, name, v)
		}
	}
	return base, nil
}

func expertSystem(_ context.Context, e *Engine, in fusionInput) (Features, error) {
	features := in.ex.features.Clone()
	if e.kb == nil {
		return features, nil
	}
	out := e.kb.ApplyExpertRules(features, in.results)
	if out == nil {
		return features, nil
	}
	return out, nil
}

func hybrid(ctx context.Context, e *Engine, in fusionInput) (Features, error) {
	runs := []strategyFunc{weightedAverage, expertSystem}
	if e.model != nil {
		runs = append(runs, ensemble)
	}
	outputs := make([]Features, 0, len(runs))
	for _, run := range runs {
		f, err := run(ctx, e, in)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, f)
	}
	return combine(outputs), nil
}

// combine averages numeric features across outputs that produced them;
// categorical features keep the first non-empty label.
func combine(outputs []Features) Features {
	out := newFeatures()
	type acc struct {
		sum   float64
		n     int
		label string
	}
	for _, c := range Categories {
		accs := make(map[string]*acc)
		var order []string
		for _, f := range outputs {
			for name, v := range f[c] {
				a, ok := accs[name]
				if !ok {
					a = &acc{}
					accs[name] = a
					order = append(order, name)
				}
				switch {
				case v.Numeric:
					a.sum += v.Number
					a.n++
				case a.label == "" && !v.empty():
					a.label = v.Label
				}
			}
		}
		for _, name := range order {
			a := accs[name]
			switch {
			case a.n > 0:
				out[c][name] = Num(a.sum / float64(a.n))
			case a.label != "":
				out[c][name] = Label(a.label)
			}
		}
	}
	return out
}

// mlVector lays out the model input: the five modality confidences in
// canonical order, then the top five scores of syndromes, constitution,
// symptoms and pulse, zero padded.
func mlVector(results map[diagnosis.Modality]*diagnosis.Result, f Features) []float64 {
	vec := make([]float64, 0, len(diagnosis.AllModalities)+4*5)
	for _, m := range diagnosis.AllModalities {
		if r, ok := results[m]; ok && r != nil {
			vec = append(vec, clamp01(r.Confidence))
		} else {
			vec = append(vec, 0)
		}
	}
	for _, c := range []Category{Syndromes, Constitution, Symptoms, Pulse} {
		top := rank(f.Numeric(c))
		for i := 0; i < 5; i++ {
			if i < len(top) {
				vec = append(vec, top[i].Score)
			} else {
				vec = append(vec, 0)
			}
		}
	}
	return vec
}
