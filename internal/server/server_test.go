package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/fivediag/internal/decision"
	"github.com/mohammad-safakhou/fivediag/internal/diagnosis"
	"github.com/mohammad-safakhou/fivediag/internal/eventbus"
	"github.com/mohammad-safakhou/fivediag/internal/fusion"
	"github.com/mohammad-safakhou/fivediag/internal/knowledge"
	"github.com/mohammad-safakhou/fivediag/internal/orchestrator"
	"github.com/mohammad-safakhou/fivediag/internal/registry"
	"github.com/mohammad-safakhou/fivediag/internal/runtime"
)

type analyzeFunc func(ctx context.Context, patientID, sessionID string, input map[string]any) (diagnosis.Analysis, error)

func (f analyzeFunc) Analyze(ctx context.Context, patientID, sessionID string, input map[string]any) (diagnosis.Analysis, error) {
	return f(ctx, patientID, sessionID, input)
}

type fakeRegistry struct {
	clients map[string]registry.Client
}

func (r fakeRegistry) Client(name string) (registry.Client, bool) {
	c, ok := r.clients[name]
	return c, ok
}

func (fakeRegistry) ServiceByCapability(string) (registry.ServiceInfo, bool) {
	return registry.ServiceInfo{}, false
}

func (r fakeRegistry) AvailableServices() []string {
	out := make([]string, 0, len(r.clients))
	for name := range r.clients {
		out = append(out, name)
	}
	return out
}

func (r fakeRegistry) Services() []registry.ServiceInfo {
	out := make([]registry.ServiceInfo, 0, len(r.clients))
	for name := range r.clients {
		out = append(out, registry.ServiceInfo{Name: name, Endpoints: []string{"http://" + name}, Status: registry.StatusHealthy})
	}
	return out
}

type fakeEvents struct {
	letters  []eventbus.DeadLetter
	replayed string
}

func (f *fakeEvents) Metrics() eventbus.Metrics {
	return eventbus.Metrics{Published: 3, DeadLettered: int64(len(f.letters))}
}

func (f *fakeEvents) DeadLetters(eventType string) []eventbus.DeadLetter {
	var out []eventbus.DeadLetter
	for _, dl := range f.letters {
		if eventType == "" || dl.Event.Type == eventType {
			out = append(out, dl)
		}
	}
	return out
}

func (f *fakeEvents) ReplayDeadLetters(_ context.Context, eventType string) int {
	f.replayed = eventType
	return len(f.DeadLetters(eventType))
}

func analysis(syndrome string, score float64) analyzeFunc {
	return func(context.Context, string, string, map[string]any) (diagnosis.Analysis, error) {
		return diagnosis.Analysis{Confidence: 0.8, Features: map[string]map[string]any{"syndromes": {syndrome: score}}}, nil
	}
}

type fixture struct {
	e      *echo.Echo
	orch   *orchestrator.Orchestrator
	events *fakeEvents
}

func newFixture(t *testing.T, secret []byte) fixture {
	t.Helper()
	reg := fakeRegistry{clients: map[string]registry.Client{
		"inquiry": analysis("qi-deficiency", 0.8),
		"look":    analysis("qi-deficiency", 0.7),
	}}
	kb := knowledge.NewStatic()
	engine := fusion.New(fusion.DefaultConfig(), kb)
	orch := orchestrator.New(orchestrator.Config{CallTimeout: time.Second}, reg, engine,
		orchestrator.WithDecisionGenerator(decision.New(kb)))
	events := &fakeEvents{letters: []eventbus.DeadLetter{
		{Event: eventbus.Event{ID: "e1", Type: diagnosis.EventSessionFailed}, Reason: eventbus.ReasonHandlersFailed},
		{Event: eventbus.Event{ID: "e2", Type: diagnosis.EventSessionCreated}, Reason: eventbus.ReasonQueueFull},
	}}
	e := New(Deps{
		Sessions:  orch,
		Services:  reg,
		Events:    events,
		Fusion:    engine,
		Metrics:   http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics\n")) }),
		JWTSecret: secret,
	})
	return fixture{e: e, orch: orch, events: events}
}

func (f fixture) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, nil)
	if rec := f.do(t, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	rec := f.do(t, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "# metrics") {
		t.Fatalf("metrics: %d %q", rec.Code, rec.Body.String())
	}
}

func TestCreateSessionValidationDetails(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/api/sessions", `{"patient":{"age":30},"modalities":["inquiry","smell"]}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decode[HTTPError](t, rec)
	paths := map[string]bool{}
	for _, d := range body.Details {
		paths[d.Path] = true
	}
	if !paths["patient.id"] || !paths["modalities[1]"] {
		t.Fatalf("unexpected details %+v", body.Details)
	}

	rec = f.do(t, http.MethodPost, "/api/sessions", `{"patient":{"id":"p1"},"modalities":["inquiry"]}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("single modality: expected 400, got %d", rec.Code)
	}
	rec = f.do(t, http.MethodPost, "/api/sessions", `{"patient":{"id":"p1"},"modalities":["inquiry","look"],"call_timeout":"soon"}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad timeout: expected 400, got %d", rec.Code)
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/api/sessions", `{"patient":{"id":"p1","age":50},"modalities":["look","inquiry"],"mode":"parallel"}`, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	id := decode[createSessionResponse](t, rec).SessionID

	if rec := f.do(t, http.MethodGet, "/api/sessions/"+id+"/result", "", ""); rec.Code != http.StatusConflict {
		t.Fatalf("result before run: expected 409, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/sessions/"+id+"/start?wait=true", `{"inputs":{"inquiry":{"complaint":"fatigue"}}}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("start: %d %s", rec.Code, rec.Body.String())
	}
	view := decode[orchestrator.StatusView](t, rec)
	if view.Status != diagnosis.StatusCompleted || !view.HasResult || view.Progress != 1 {
		t.Fatalf("unexpected view %+v", view)
	}

	rec = f.do(t, http.MethodGet, "/api/sessions/"+id+"/result", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("result: %d", rec.Code)
	}
	res := decode[diagnosis.FusedResult](t, rec)
	if res.PrimarySyndrome != "qi-deficiency" || len(res.Recommendations.Treatment) == 0 {
		t.Fatalf("unexpected result %+v", res)
	}

	if rec := f.do(t, http.MethodPost, "/api/sessions/"+id+"/start", "", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("restart: expected 400, got %d", rec.Code)
	}
	// cancel on a terminal session is a no-op
	rec = f.do(t, http.MethodPost, "/api/sessions/"+id+"/cancel", "", "")
	if rec.Code != http.StatusOK || decode[orchestrator.StatusView](t, rec).Status != diagnosis.StatusCompleted {
		t.Fatalf("cancel after completion: %d %s", rec.Code, rec.Body.String())
	}
}

func TestAsyncStartAndCancel(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/api/sessions", `{"patient":{"id":"p2"},"modalities":["inquiry","look"]}`, "")
	id := decode[createSessionResponse](t, rec).SessionID
	rec = f.do(t, http.MethodPost, "/api/sessions/"+id+"/start", "", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("start: %d", rec.Code)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		view, err := f.orch.Status(id)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if view.Status.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session did not finish: %+v", view)
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec = f.do(t, http.MethodPost, "/api/sessions", `{"patient":{"id":"p3"},"modalities":["inquiry","look"]}`, "")
	id = decode[createSessionResponse](t, rec).SessionID
	rec = f.do(t, http.MethodPost, "/api/sessions/"+id+"/cancel", "", "")
	if decode[orchestrator.StatusView](t, rec).Status != diagnosis.StatusCancelled {
		t.Fatalf("expected cancelled: %s", rec.Body.String())
	}
}

func TestUnknownSessionIs404(t *testing.T) {
	f := newFixture(t, nil)
	for _, path := range []string{"/api/sessions/missing", "/api/sessions/missing/result"} {
		if rec := f.do(t, http.MethodGet, path, "", ""); rec.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, rec.Code)
		}
	}
	if rec := f.do(t, http.MethodPost, "/api/sessions/missing/start", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("start: expected 404, got %d", rec.Code)
	}
}

func TestOpsEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/api/ops/deadletters?type="+diagnosis.EventSessionFailed, "", "")
	if got := decode[[]eventbus.DeadLetter](t, rec); len(got) != 1 || got[0].Event.ID != "e1" {
		t.Fatalf("unexpected dead letters %+v", got)
	}
	rec = f.do(t, http.MethodPost, "/api/ops/deadletters/replay", "", "")
	if got := decode[replayResponse](t, rec); got.Replayed != 2 || f.events.replayed != "" {
		t.Fatalf("unexpected replay %+v", got)
	}
	rec = f.do(t, http.MethodGet, "/api/ops/services", "", "")
	if got := decode[[]registry.ServiceInfo](t, rec); len(got) != 2 {
		t.Fatalf("unexpected services %+v", got)
	}
	rec = f.do(t, http.MethodGet, "/api/ops/events", "", "")
	if got := decode[eventbus.Metrics](t, rec); got.Published != 3 {
		t.Fatalf("unexpected bus metrics %+v", got)
	}
	rec = f.do(t, http.MethodGet, "/api/ops/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/api/ops/fusion", "", "")
	if got := decode[fusion.Stats](t, rec); got.TotalFusions != 0 {
		t.Fatalf("unexpected fusion stats %+v", got)
	}
	rec = f.do(t, http.MethodGet, "/api/ops/dashboard", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "inquiry") {
		t.Fatalf("dashboard: %d %s", rec.Code, rec.Body.String())
	}
}

func TestAuthAndOpsScope(t *testing.T) {
	secret := []byte("test-secret")
	f := newFixture(t, secret)

	if rec := f.do(t, http.MethodGet, "/api/ops/metrics", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: expected 401, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz must stay public, got %d", rec.Code)
	}

	user, err := runtime.SignJWT("clinician", secret, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if rec := f.do(t, http.MethodGet, "/api/sessions/missing", "", user); rec.Code != http.StatusNotFound {
		t.Fatalf("user on sessions: expected 404, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/ops/metrics", "", user); rec.Code != http.StatusForbidden {
		t.Fatalf("user on ops: expected 403, got %d", rec.Code)
	}

	operator, err := runtime.SignJWT("oncall", secret, time.Minute, runtime.ScopeOps)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if rec := f.do(t, http.MethodGet, "/api/ops/metrics", "", operator); rec.Code != http.StatusOK {
		t.Fatalf("operator on ops: expected 200, got %d", rec.Code)
	}
}
