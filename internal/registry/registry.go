package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mohammad-safakhou/fivediag/config"
	"github.com/mohammad-safakhou/fivediag/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Status is derived from health checks only.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// Available reports whether the status is usable for routing.
func (s Status) Available() bool {
	return s == StatusHealthy || s == StatusDegraded
}

// ServiceInfo describes one modality service and its last known health.
type ServiceInfo struct {
	Name                string    `json:"name"`
	Endpoints           []string  `json:"endpoints"`
	Capabilities        []string  `json:"capabilities,omitempty"`
	Status              Status    `json:"status"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastChecked         time.Time `json:"last_checked,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
}

// HasCapability reports whether tag is declared by the service.
func (s ServiceInfo) HasCapability(tag string) bool {
	for _, c := range s.Capabilities {
		if strings.EqualFold(c, tag) {
			return true
		}
	}
	return false
}

func (s ServiceInfo) clone() ServiceInfo {
	s.Endpoints = append([]string(nil), s.Endpoints...)
	s.Capabilities = append([]string(nil), s.Capabilities...)
	return s
}

var (
	ErrServiceExists  = errors.New("service already registered")
	ErrUnknownService = errors.New("unknown service")
)

// ClientFactory builds a modality client for a service's primary endpoint.
type ClientFactory func(service, endpoint string) Client

// Config tunes health checking.
type Config struct {
	CheckInterval          time.Duration
	CheckTimeout           time.Duration
	MaxConsecutiveFailures int
}

func (c Config) withDefaults() Config {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 30 * time.Second
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = 5 * time.Second
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 3
	}
	return c
}

// Option customises a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.logger = logging.OrNop(l).Named("registry") }
}

// WithProber replaces the HTTP health prober.
func WithProber(p Prober) Option {
	return func(r *Registry) {
		if p != nil {
			r.prober = p
		}
	}
}

// WithClientFactory replaces the HTTP modality client factory.
func WithClientFactory(f ClientFactory) Option {
	return func(r *Registry) {
		if f != nil {
			r.factory = f
		}
	}
}

// WithMeter records health check counters on meter.
func WithMeter(m metric.Meter) Option {
	return func(r *Registry) {
		if m != nil {
			r.meter = m
		}
	}
}

type entry struct {
	info   ServiceInfo
	client Client
	cancel context.CancelFunc
}

// Registry tracks modality services, keeps their health current and hands
// out cached clients.
type Registry struct {
	cfg     Config
	logger  *zap.Logger
	prober  Prober
	factory ClientFactory
	meter   metric.Meter
	checks  metric.Int64Counter

	mu       sync.RWMutex
	services map[string]*entry
	runCtx   context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
}

// New creates an empty registry.
func New(cfg Config, opts ...Option) *Registry {
	cfg = cfg.withDefaults()
	httpClient := NewInstrumentedHTTPClient(cfg.CheckTimeout)
	r := &Registry{
		cfg:      cfg,
		logger:   zap.NewNop(),
		prober:   HTTPProber{Client: httpClient},
		meter:    otel.Meter("fivediag/internal/registry"),
		services: make(map[string]*entry),
	}
	r.factory = func(_ string, endpoint string) Client {
		return NewHTTPClient(endpoint, NewInstrumentedHTTPClient(0), 1, 0)
	}
	for _, opt := range opts {
		opt(r)
	}
	if c, err := r.meter.Int64Counter("registry_health_checks_total"); err == nil {
		r.checks = c
	}
	return r
}

// FromConfig builds a registry and registers every configured service.
func FromConfig(cfg config.RegistryConfig, opts ...Option) (*Registry, error) {
	r := New(Config{
		CheckInterval:          cfg.CheckInterval,
		CheckTimeout:           cfg.CheckTimeout,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
	}, opts...)
	for _, svc := range cfg.Services {
		if err := r.Register(ServiceInfo{Name: svc.Name, Endpoints: svc.Endpoints, Capabilities: svc.Capabilities}); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a service. Status always starts as unknown. Services added
// after Start get their own health loop immediately.
func (r *Registry) Register(info ServiceInfo) error {
	info.Name = strings.TrimSpace(info.Name)
	if info.Name == "" {
		return fmt.Errorf("service name required")
	}
	var endpoints []string
	for _, ep := range info.Endpoints {
		if ep = strings.TrimSpace(ep); ep != "" {
			endpoints = append(endpoints, ep)
		}
	}
	if len(endpoints) == 0 {
		return fmt.Errorf("service %s: at least one endpoint required", info.Name)
	}
	info.Endpoints = endpoints
	info.Status = StatusUnknown
	info.ConsecutiveFailures = 0
	info.LastChecked = time.Time{}
	info.LastError = ""

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[info.Name]; ok {
		return fmt.Errorf("%w: %s", ErrServiceExists, info.Name)
	}
	e := &entry{info: info.clone()}
	r.services[info.Name] = e
	if r.runCtx != nil {
		r.startLoopLocked(e)
	}
	r.logger.Info("service registered", zap.String("service", info.Name), zap.Strings("endpoints", info.Endpoints))
	return nil
}

// Deregister removes a service and stops its health loop.
func (r *Registry) Deregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.services[name]
	if !ok {
		return false
	}
	if e.cancel != nil {
		e.cancel()
	}
	delete(r.services, name)
	return true
}

// Start launches one health loop per registered service.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runCtx != nil {
		return
	}
	r.runCtx, r.stop = context.WithCancel(ctx)
	for _, e := range r.services {
		r.startLoopLocked(e)
	}
}

// Stop cancels all health loops and waits for them to exit.
func (r *Registry) Stop() {
	r.mu.Lock()
	stop := r.stop
	r.runCtx, r.stop = nil, nil
	for _, e := range r.services {
		e.cancel = nil
	}
	r.mu.Unlock()
	if stop != nil {
		stop()
	}
	r.wg.Wait()
}

func (r *Registry) startLoopLocked(e *entry) {
	ctx, cancel := context.WithCancel(r.runCtx)
	e.cancel = cancel
	name := e.info.Name
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			if _, err := r.CheckNow(ctx, name); errors.Is(err, ErrUnknownService) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// CheckNow probes every endpoint of one service and applies the outcome.
func (r *Registry) CheckNow(ctx context.Context, name string) (ServiceInfo, error) {
	r.mu.RLock()
	e, ok := r.services[name]
	var endpoints []string
	if ok {
		endpoints = append(endpoints, e.info.Endpoints...)
	}
	r.mu.RUnlock()
	if !ok {
		return ServiceInfo{}, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		alive   int
		lastErr error
	)
	for _, ep := range endpoints {
		wg.Add(1)
		go func(endpoint string) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, r.cfg.CheckTimeout)
			defer cancel()
			err := r.prober.Probe(probeCtx, endpoint)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				lastErr = fmt.Errorf("%s: %w", endpoint, err)
				return
			}
			alive++
		}(ep)
	}
	wg.Wait()
	if ctx.Err() != nil {
		return ServiceInfo{}, ctx.Err()
	}
	return r.apply(ctx, name, alive, len(endpoints), lastErr)
}

// CheckAll runs CheckNow for every service.
func (r *Registry) CheckAll(ctx context.Context) []ServiceInfo {
	for _, name := range r.names() {
		if _, err := r.CheckNow(ctx, name); err != nil && ctx.Err() != nil {
			break
		}
	}
	return r.Services()
}

func (r *Registry) apply(ctx context.Context, name string, alive, total int, lastErr error) (ServiceInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.services[name]
	if !ok {
		return ServiceInfo{}, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	prev := e.info.Status
	switch {
	case alive == total:
		e.info.Status = StatusHealthy
		e.info.ConsecutiveFailures = 0
	case alive > 0:
		e.info.Status = StatusDegraded
		e.info.ConsecutiveFailures = 0
	default:
		e.info.ConsecutiveFailures++
		if e.info.ConsecutiveFailures >= r.cfg.MaxConsecutiveFailures {
			e.info.Status = StatusUnhealthy
		} else if prev == StatusHealthy {
			e.info.Status = StatusDegraded
		}
	}
	e.info.LastChecked = time.Now().UTC()
	e.info.LastError = ""
	if lastErr != nil {
		e.info.LastError = lastErr.Error()
	}
	if r.checks != nil {
		r.checks.Add(ctx, 1, metric.WithAttributes(
			attribute.String("service", name),
			attribute.String("status", string(e.info.Status)),
		))
	}
	if prev != e.info.Status {
		r.logger.Info("service status changed",
			zap.String("service", name),
			zap.String("from", string(prev)),
			zap.String("to", string(e.info.Status)),
			zap.Int("alive", alive),
			zap.Int("endpoints", total))
	}
	return e.info.clone(), nil
}

// Client returns the cached client for a service's primary endpoint. It
// returns false for unknown or unhealthy services.
func (r *Registry) Client(name string) (Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.services[name]
	if !ok || e.info.Status == StatusUnhealthy {
		return nil, false
	}
	if e.client == nil {
		e.client = r.factory(name, e.info.Endpoints[0])
	}
	return e.client, e.client != nil
}

// AvailableServices lists healthy and degraded services by name.
func (r *Registry) AvailableServices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for name, e := range r.services {
		if e.info.Status.Available() {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// ServiceByCapability finds a non-unhealthy service declaring tag, preferring
// healthy over degraded over unknown.
func (r *Registry) ServiceByCapability(tag string) (ServiceInfo, bool) {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnknown: 2}
	var (
		best  ServiceInfo
		found bool
	)
	for _, info := range r.Services() {
		if info.Status == StatusUnhealthy || !info.HasCapability(tag) {
			continue
		}
		if !found || rank[info.Status] < rank[best.Status] {
			best, found = info, true
		}
	}
	return best, found
}

// Service returns a snapshot of one service.
func (r *Registry) Service(name string) (ServiceInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.services[name]
	if !ok {
		return ServiceInfo{}, false
	}
	return e.info.clone(), true
}

// Services returns snapshots of every service ordered by name.
func (r *Registry) Services() []ServiceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServiceInfo, 0, len(r.services))
	for _, e := range r.services {
		out = append(out, e.info.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.services))
	for name := range r.services {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
