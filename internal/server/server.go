// Package server exposes diagnosis sessions and operational views over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mohammad-safakhou/fivediag/internal/diagnosis"
	"github.com/mohammad-safakhou/fivediag/internal/eventbus"
	"github.com/mohammad-safakhou/fivediag/internal/fusion"
	"github.com/mohammad-safakhou/fivediag/internal/logging"
	"github.com/mohammad-safakhou/fivediag/internal/orchestrator"
	"github.com/mohammad-safakhou/fivediag/internal/registry"
	"github.com/mohammad-safakhou/fivediag/internal/runtime"
	"go.uber.org/zap"
)

// Sessions is the orchestrator surface used by the API.
type Sessions interface {
	CreateSession(ctx context.Context, patient diagnosis.PatientInfo, modalities []diagnosis.Modality, opts orchestrator.SessionOptions) (string, error)
	Start(ctx context.Context, id string, inputs map[diagnosis.Modality]map[string]any) error
	Cancel(ctx context.Context, id string) error
	Status(id string) (orchestrator.StatusView, error)
	Result(id string) (*diagnosis.FusedResult, error)
	Metrics() orchestrator.SystemMetrics
}

// Services lists registered modality services.
type Services interface {
	Services() []registry.ServiceInfo
}

// Events exposes event bus internals to operators.
type Events interface {
	Metrics() eventbus.Metrics
	DeadLetters(eventType string) []eventbus.DeadLetter
	ReplayDeadLetters(ctx context.Context, eventType string) int
}

// FusionStats reports fusion engine statistics.
type FusionStats interface {
	Stats() fusion.Stats
}

// Deps wires the server to the running components.
type Deps struct {
	Sessions Sessions
	Services Services
	Events   Events
	Fusion   FusionStats
	Metrics  http.Handler
	Logger   *zap.Logger
	// JWTSecret protects /api when set.
	JWTSecret []byte
	// RunContext bounds sessions started asynchronously.
	RunContext context.Context
}

// New builds the echo instance with every route mounted.
func New(d Deps) *echo.Echo {
	logger := logging.OrNop(d.Logger).Named("http")
	if d.RunContext == nil {
		d.RunContext = context.Background()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = newRequestValidator()
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.HTTPErrorHandler = errorHandler(logger)

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if d.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(d.Metrics))
	}

	api := e.Group("/api")
	if len(d.JWTSecret) > 0 {
		api.Use(runtime.EchoAuthMiddleware(d.JWTSecret))
	} else {
		logger.Warn("api running without authentication")
	}
	ops := api.Group("/ops")
	if len(d.JWTSecret) > 0 {
		ops.Use(runtime.RequireScopes(runtime.ScopeOps))
	}

	sh := &SessionsHandler{sessions: d.Sessions, runCtx: d.RunContext, logger: logger}
	sh.Register(api.Group("/sessions"))
	oh := &OpsHandler{sessions: d.Sessions, services: d.Services, events: d.Events, fusion: d.Fusion}
	oh.Register(ops)
	return e
}

// Run serves until ctx is cancelled, then shuts down within timeout.
func Run(ctx context.Context, e *echo.Echo, addr string, timeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// HTTPError is the JSON error body.
type HTTPError struct {
	Error   string        `json:"error"`
	Details []ErrorDetail `json:"details,omitempty"`
}

// ErrorDetail points at one invalid request field.
type ErrorDetail struct {
	Path string `json:"path"`
	Info string `json:"info"`
}

func statusFor(err error) int {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code
	case errors.Is(err, diagnosis.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, diagnosis.ErrSessionNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func errorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		code := statusFor(err)
		body := HTTPError{Error: err.Error()}
		var he *echo.HTTPError
		if errors.As(err, &he) && he.Message != nil {
			body.Error = fmt.Sprint(he.Message)
		}
		var ve requestValidationError
		if errors.As(err, &ve) {
			body.Details = ve.details
		}
		req := c.Request()
		fields := []zap.Field{
			zap.Int("status", code),
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Error(err),
		}
		if code >= http.StatusInternalServerError {
			logger.Error("request failed", fields...)
		} else {
			logger.Debug("request rejected", fields...)
		}
		if !c.Response().Committed {
			if req.Method == http.MethodHead {
				_ = c.NoContent(code)
				return
			}
			_ = c.JSON(code, body)
		}
	}
}
