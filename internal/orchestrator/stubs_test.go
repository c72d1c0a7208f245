package orchestrator

import (
	"context"
	"sync"

	"github.com/mohammad-safakhou/fivediag/internal/diagnosis"
	"github.com/mohammad-safakhou/fivediag/internal/eventbus"
	"github.com/mohammad-safakhou/fivediag/internal/fusion"
	"github.com/mohammad-safakhou/fivediag/internal/knowledge"
	"github.com/mohammad-safakhou/fivediag/internal/registry"
)

type analyzeFunc func(ctx context.Context, patientID, sessionID string, input map[string]any) (diagnosis.Analysis, error)

func (f analyzeFunc) Analyze(ctx context.Context, patientID, sessionID string, input map[string]any) (diagnosis.Analysis, error) {
	return f(ctx, patientID, sessionID, input)
}

func returns(confidence float64, features map[string]map[string]any) analyzeFunc {
	return func(context.Context, string, string, map[string]any) (diagnosis.Analysis, error) {
		return diagnosis.Analysis{Confidence: confidence, Features: features}, nil
	}
}

func blocks() analyzeFunc {
	return func(ctx context.Context, _, _ string, _ map[string]any) (diagnosis.Analysis, error) {
		<-ctx.Done()
		return diagnosis.Analysis{}, ctx.Err()
	}
}

type stubRegistry struct {
	clients      map[string]registry.Client
	capabilities map[string]string
	available    []string
}

func (r *stubRegistry) Client(name string) (registry.Client, bool) {
	c, ok := r.clients[name]
	return c, ok
}

func (r *stubRegistry) ServiceByCapability(tag string) (registry.ServiceInfo, bool) {
	name, ok := r.capabilities[tag]
	if !ok {
		return registry.ServiceInfo{}, false
	}
	return registry.ServiceInfo{Name: name, Capabilities: []string{tag}, Status: registry.StatusHealthy}, true
}

func (r *stubRegistry) AvailableServices() []string { return r.available }

type recorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *recorder) Publish(_ context.Context, ev eventbus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *recorder) count(eventType string) int {
	n := 0
	for _, t := range r.types() {
		if t == eventType {
			n++
		}
	}
	return n
}

type failingFuser struct{}

func (failingFuser) Fuse(context.Context, string, diagnosis.PatientInfo, map[diagnosis.Modality]*diagnosis.Result) (*diagnosis.FusedResult, error) {
	return nil, context.Canceled
}

// gatedFuser signals entry, then waits for release before fusing.
type gatedFuser struct {
	entered chan struct{}
	release chan struct{}
	engine  *fusion.Engine
}

func (g gatedFuser) Fuse(_ context.Context, id string, p diagnosis.PatientInfo, results map[diagnosis.Modality]*diagnosis.Result) (*diagnosis.FusedResult, error) {
	close(g.entered)
	<-g.release
	return g.engine.Fuse(context.Background(), id, p, results)
}

func newEngine() *fusion.Engine {
	return fusion.New(fusion.DefaultConfig(), knowledge.NewStatic())
}

func syndromeFeatures(name string, score float64) map[string]map[string]any {
	return map[string]map[string]any{"syndromes": {name: score}}
}

var patient = diagnosis.PatientInfo{ID: "p-1", Age: 42, Gender: "female"}
