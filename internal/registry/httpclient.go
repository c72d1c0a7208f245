package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mohammad-safakhou/fivediag/internal/diagnosis"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Client is the modality service contract.
type Client interface {
	Analyze(ctx context.Context, patientID, sessionID string, input map[string]any) (diagnosis.Analysis, error)
}

// Prober checks whether one endpoint answers.
type Prober interface {
	Probe(ctx context.Context, endpoint string) error
}

// NewInstrumentedHTTPClient returns an http.Client whose transport emits otel spans.
func NewInstrumentedHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// HTTPClient calls a modality service over JSON/HTTP.
type HTTPClient struct {
	endpoint string
	client   *http.Client
	retries  int
	backoff  time.Duration
}

// NewHTTPClient builds a modality client for endpoint. The caller's context
// bounds each call; retries only cover transport errors and 5xx replies.
func NewHTTPClient(endpoint string, client *http.Client, retries int, backoff time.Duration) *HTTPClient {
	if client == nil {
		client = NewInstrumentedHTTPClient(0)
	}
	if retries < 0 {
		retries = 0
	}
	if backoff == 0 {
		backoff = 300 * time.Millisecond
	}
	return &HTTPClient{endpoint: strings.TrimRight(endpoint, "/"), client: client, retries: retries, backoff: backoff}
}

type analyzeRequest struct {
	PatientID string         `json:"patient_id"`
	SessionID string         `json:"session_id"`
	Input     map[string]any `json:"input"`
}

// Analyze posts the input to <endpoint>/analyze.
func (c *HTTPClient) Analyze(ctx context.Context, patientID, sessionID string, input map[string]any) (diagnosis.Analysis, error) {
	var out diagnosis.Analysis
	req := analyzeRequest{PatientID: patientID, SessionID: sessionID, Input: input}
	if err := c.doJSON(ctx, http.MethodPost, c.endpoint+"/analyze", req, &out); err != nil {
		return diagnosis.Analysis{}, err
	}
	return out, nil
}

type statusError struct {
	code int
	body string
}

func (e statusError) Error() string { return fmt.Sprintf("%d: %s", e.code, e.body) }

func (c *HTTPClient) doJSON(ctx context.Context, method, url string, body any, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = b
	}

	var lastErr error
	tries := c.retries + 1
	for attempt := 0; attempt < tries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		lastErr = c.roundTrip(req, out)
		if lastErr == nil {
			return nil
		}
		var se statusError
		if errors.As(lastErr, &se) && se.code < 500 {
			return lastErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if attempt < tries-1 {
			select {
			case <-time.After(c.backoff * time.Duration(1<<attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}

func (c *HTTPClient) roundTrip(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return statusError{code: resp.StatusCode, body: string(b)}
}

// HTTPProber treats any 2xx from <endpoint>/health as alive.
type HTTPProber struct {
	Client *http.Client
	Path   string
}

func (p HTTPProber) Probe(ctx context.Context, endpoint string) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	path := p.Path
	if path == "" {
		path = "/health"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(endpoint, "/")+path, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health %s: %s", endpoint, resp.Status)
	}
	return nil
}
