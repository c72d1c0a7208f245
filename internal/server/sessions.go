package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/fivediag/internal/diagnosis"
	"github.com/mohammad-safakhou/fivediag/internal/orchestrator"
	"go.uber.org/zap"
)

// SessionsHandler serves the diagnosis session lifecycle.
type SessionsHandler struct {
	sessions Sessions
	runCtx   context.Context
	logger   *zap.Logger
}

// Register mounts session endpoints under the provided group.
func (h *SessionsHandler) Register(g *echo.Group) {
	g.POST("", h.create)
	g.GET("/:id", h.status)
	g.POST("/:id/start", h.start)
	g.GET("/:id/result", h.result)
	g.POST("/:id/cancel", h.cancel)
}

type createSessionRequest struct {
	Patient    diagnosis.PatientInfo `json:"patient" validate:"required"`
	Modalities []string              `json:"modalities" validate:"required,min=1,dive,oneof=inquiry look listen palpation calculation"`
	Mode       string                `json:"mode" validate:"omitempty,oneof=parallel sequential priority adaptive"`
	// CallTimeout is a Go duration string, e.g. "30s".
	CallTimeout string `json:"call_timeout,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type startSessionRequest struct {
	Inputs map[diagnosis.Modality]map[string]any `json:"inputs"`
}

// create registers a new session.
//
//	@Summary  Create a diagnosis session
//	@Tags     sessions
//	@Security BearerAuth
//	@Accept   json
//	@Produce  json
//	@Success  201 {object} createSessionResponse
//	@Router   /api/sessions [post]
func (h *SessionsHandler) create(c echo.Context) error {
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	mods := make([]diagnosis.Modality, 0, len(req.Modalities))
	for _, name := range req.Modalities {
		m, err := diagnosis.ParseModality(name)
		if err != nil {
			return err
		}
		mods = append(mods, m)
	}
	opts := orchestrator.SessionOptions{Mode: orchestrator.Mode(req.Mode)}
	if req.CallTimeout != "" {
		d, err := time.ParseDuration(req.CallTimeout)
		if err != nil || d <= 0 {
			return diagnosis.ValidationError{Field: "call_timeout", Reason: "must be a positive duration"}
		}
		opts.CallTimeout = d
	}
	id, err := h.sessions.CreateSession(c.Request().Context(), req.Patient, mods, opts)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, createSessionResponse{SessionID: id})
}

// start launches analysis. The run continues after the request returns
// unless ?wait=true is given.
//
//	@Summary  Start a diagnosis session
//	@Tags     sessions
//	@Security BearerAuth
//	@Accept   json
//	@Produce  json
//	@Success  202 {object} orchestrator.StatusView
//	@Success  200 {object} orchestrator.StatusView
//	@Router   /api/sessions/{id}/start [post]
func (h *SessionsHandler) start(c echo.Context) error {
	id := c.Param("id")
	var req startSessionRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
		}
	}
	view, err := h.sessions.Status(id)
	if err != nil {
		return err
	}
	if view.Status != diagnosis.StatusCreated {
		return diagnosis.ValidationError{Field: "status", Reason: "session is " + string(view.Status)}
	}

	wait, _ := strconv.ParseBool(c.QueryParam("wait"))
	if wait {
		if err := h.sessions.Start(c.Request().Context(), id, req.Inputs); err != nil {
			h.logger.Debug("session ended with error", zap.String("session_id", id), zap.Error(err))
		}
		view, err = h.sessions.Status(id)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, view)
	}

	go func() {
		if err := h.sessions.Start(h.runCtx, id, req.Inputs); err != nil {
			h.logger.Warn("session ended with error", zap.String("session_id", id), zap.Error(err))
		}
	}()
	return c.JSON(http.StatusAccepted, view)
}

// status returns session progress.
//
//	@Summary  Session status
//	@Tags     sessions
//	@Security BearerAuth
//	@Produce  json
//	@Success  200 {object} orchestrator.StatusView
//	@Router   /api/sessions/{id} [get]
func (h *SessionsHandler) status(c echo.Context) error {
	view, err := h.sessions.Status(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

// result returns the fused assessment; 409 while the session has none.
//
//	@Summary  Fused diagnosis result
//	@Tags     sessions
//	@Security BearerAuth
//	@Produce  json
//	@Success  200 {object} diagnosis.FusedResult
//	@Router   /api/sessions/{id}/result [get]
func (h *SessionsHandler) result(c echo.Context) error {
	res, err := h.sessions.Result(c.Param("id"))
	if err != nil {
		return err
	}
	if res == nil {
		return echo.NewHTTPError(http.StatusConflict, "result not available")
	}
	return c.JSON(http.StatusOK, res)
}

func (h *SessionsHandler) cancel(c echo.Context) error {
	id := c.Param("id")
	if err := h.sessions.Cancel(c.Request().Context(), id); err != nil {
		return err
	}
	view, err := h.sessions.Status(id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}
