package server

import (
	"html/template"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/fivediag/internal/eventbus"
	"github.com/mohammad-safakhou/fivediag/internal/orchestrator"
	"github.com/mohammad-safakhou/fivediag/internal/registry"
)

// OpsHandler exposes operational endpoints. Authentication is applied by the caller.
type OpsHandler struct {
	sessions Sessions
	services Services
	events   Events
	fusion   FusionStats
}

// Register mounts ops endpoints under the provided group.
func (h *OpsHandler) Register(g *echo.Group) {
	g.GET("/metrics", h.metrics)
	g.GET("/services", h.listServices)
	g.GET("/events", h.eventMetrics)
	g.GET("/fusion", h.fusionStats)
	g.GET("/deadletters", h.deadLetters)
	g.POST("/deadletters/replay", h.replay)
	g.GET("/dashboard", h.dashboard)
}

// metrics returns orchestrator session counters.
//
//	@Summary  Session metrics
//	@Tags     ops
//	@Security BearerAuth
//	@Produce  json
//	@Success  200 {object} orchestrator.SystemMetrics
//	@Router   /api/ops/metrics [get]
func (h *OpsHandler) metrics(c echo.Context) error {
	return c.JSON(http.StatusOK, h.sessions.Metrics())
}

func (h *OpsHandler) listServices(c echo.Context) error {
	if h.services == nil {
		return c.JSON(http.StatusOK, []registry.ServiceInfo{})
	}
	return c.JSON(http.StatusOK, h.services.Services())
}

func (h *OpsHandler) eventMetrics(c echo.Context) error {
	if h.events == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event bus not configured")
	}
	return c.JSON(http.StatusOK, h.events.Metrics())
}

func (h *OpsHandler) fusionStats(c echo.Context) error {
	if h.fusion == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "fusion stats not configured")
	}
	return c.JSON(http.StatusOK, h.fusion.Stats())
}

// deadLetters lists retained dead letters, optionally filtered by ?type=.
//
//	@Summary  Dead letters
//	@Tags     ops
//	@Security BearerAuth
//	@Produce  json
//	@Success  200 {array} eventbus.DeadLetter
//	@Router   /api/ops/deadletters [get]
func (h *OpsHandler) deadLetters(c echo.Context) error {
	if h.events == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event bus not configured")
	}
	out := h.events.DeadLetters(c.QueryParam("type"))
	if out == nil {
		out = []eventbus.DeadLetter{}
	}
	return c.JSON(http.StatusOK, out)
}

type replayResponse struct {
	Replayed int `json:"replayed"`
}

func (h *OpsHandler) replay(c echo.Context) error {
	if h.events == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event bus not configured")
	}
	n := h.events.ReplayDeadLetters(c.Request().Context(), c.QueryParam("type"))
	return c.JSON(http.StatusOK, replayResponse{Replayed: n})
}

var dashboardTmpl = template.Must(template.New("dashboard").Parse(`<!doctype html><html><head><meta charset="utf-8"><title>Diagnosis Ops</title></head>
<body style="font-family:system-ui,sans-serif;color:#e5e7eb;background:#0f172a">
<div style="max-width:960px;margin:24px auto;padding:0 16px">
<h1 style="font-size:18px">Sessions</h1>
<table>
<tr><td>total</td><td>{{.Sessions.TotalSessions}}</td></tr>
<tr><td>active</td><td>{{.Sessions.ActiveSessions}}</td></tr>
<tr><td>successful</td><td>{{.Sessions.SuccessfulSessions}}</td></tr>
<tr><td>failed</td><td>{{.Sessions.FailedSessions}}</td></tr>
<tr><td>cancelled</td><td>{{.Sessions.CancelledSessions}}</td></tr>
<tr><td>success rate</td><td>{{printf "%.2f" .Sessions.SuccessRate}}</td></tr>
<tr><td>average duration</td><td>{{.Sessions.AverageDuration}}</td></tr>
</table>
<h2 style="font-size:14px">Services</h2>
<table>{{range .Services}}<tr><td>{{.Name}}</td><td>{{.Status}}</td><td>{{range .Endpoints}}{{.}} {{end}}</td></tr>{{else}}<tr><td>none registered</td></tr>{{end}}</table>
{{with .Events}}<h2 style="font-size:14px">Events</h2>
<table>
<tr><td>published</td><td>{{.Published}}</td></tr>
<tr><td>handled</td><td>{{.Handled}}</td></tr>
<tr><td>failed</td><td>{{.Failed}}</td></tr>
<tr><td>dead letters</td><td>{{.DeadLettered}}</td></tr>
</table>{{end}}
</div></body></html>`))

type dashboardData struct {
	Sessions orchestrator.SystemMetrics
	Services []registry.ServiceInfo
	Events   *eventbus.Metrics
}

// dashboard renders key metrics as a static HTML page.
func (h *OpsHandler) dashboard(c echo.Context) error {
	data := dashboardData{Sessions: h.sessions.Metrics()}
	if h.services != nil {
		data.Services = h.services.Services()
	}
	if h.events != nil {
		m := h.events.Metrics()
		data.Events = &m
	}
	c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
	c.Response().WriteHeader(http.StatusOK)
	return dashboardTmpl.Execute(c.Response(), data)
}
