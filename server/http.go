package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/guildseer/guildseer/bot"
	"github.com/guildseer/guildseer/metrics"
)

// opsServer is the operational HTTP surface: health probe, prometheus
// metrics and a JSON mirror of the !status command. It listens on
// METRICS_ADDR and is absent when that is empty.
type opsServer struct {
	echo *echo.Echo
	addr string
}

type statusPayload struct {
	QueueDepth    int             `json:"queue_depth"`
	Inflight      int             `json:"inflight"`
	PipelineAlive bool            `json:"pipeline_alive"`
	Servers       []serverPayload `json:"servers"`
}

type serverPayload struct {
	ServerID string `json:"server_id"`
	Name     string `json:"name,omitempty"`
	Records  int64  `json:"records"`
}

func newOpsServer(addr string, m *metrics.Metrics, status bot.StatusSource) *opsServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/metrics", echo.WrapHandler(m.Handler()))
	e.GET("/api/status", func(c echo.Context) error {
		return c.JSON(http.StatusOK, statusPayloadFrom(status.Report(c.Request().Context())))
	})

	return &opsServer{echo: e, addr: addr}
}

func statusPayloadFrom(report bot.StatusReport) statusPayload {
	payload := statusPayload{
		QueueDepth:    report.QueueDepth,
		Inflight:      report.Inflight,
		PipelineAlive: report.PipelineAlive,
		Servers:       make([]serverPayload, 0, len(report.Servers)),
	}
	for _, sv := range report.Servers {
		payload.Servers = append(payload.Servers, serverPayload{
			ServerID: sv.ServerID,
			Name:     sv.Name,
			Records:  sv.Records,
		})
	}
	return payload
}

func (o *opsServer) Start() {
	go func() {
		if err := o.echo.Start(o.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ops endpoint failed", "addr", o.addr, "error", err)
		}
	}()
}

func (o *opsServer) Shutdown(ctx context.Context) {
	if err := o.echo.Shutdown(ctx); err != nil {
		slog.Warn("ops endpoint shutdown failed", "error", err)
	}
}
