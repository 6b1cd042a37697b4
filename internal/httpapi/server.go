// Package httpapi exposes the operational endpoints of a running daemon:
// health, prometheus metrics, cycle status and a manual run trigger.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/stellarlinkco/retentiond/internal/cycle"
)

// Runner is the cycle entry point the server drives.
type Runner interface {
	RunNow(ctx context.Context) cycle.Result
	Status() cycle.Status
}

// LedgerStats reports action records by status.
type LedgerStats interface {
	CountByStatus(ctx context.Context) (map[string]int, error)
}

type Server struct {
	echo   *echo.Echo
	addr   string
	runner Runner
	ledger LedgerStats
	logger *zap.Logger
}

func NewServer(addr string, runner Runner, ledger LedgerStats, gatherer prometheus.Gatherer, logger *zap.Logger) (*Server, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Debug("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:   e,
		addr:   addr,
		runner: runner,
		ledger: ledger,
		logger: logger.Named("http"),
	}

	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := e.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.POST("/cycles", s.handleRunCycle)

	return s, nil
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// CycleResponse describes one finished or refused run.
type CycleResponse struct {
	Trigger         string    `json:"trigger"`
	Outcome         string    `json:"outcome"`
	ActionsExecuted int       `json:"actions_executed"`
	Tenants         int       `json:"tenants"`
	Clients         int       `json:"clients"`
	TenantFailures  int       `json:"tenant_failures"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	FinishedAt      time.Time `json:"finished_at,omitempty"`
	Error           string    `json:"error,omitempty"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	Running   bool           `json:"running"`
	LastCycle *CycleResponse `json:"last_cycle,omitempty"`
	Actions   map[string]int `json:"actions,omitempty"`
}

func newCycleResponse(r cycle.Result) CycleResponse {
	resp := CycleResponse{
		Trigger:         r.Trigger,
		Outcome:         r.Outcome,
		ActionsExecuted: r.ActionsExecuted,
		Tenants:         r.Tenants,
		Clients:         r.Clients,
		TenantFailures:  r.TenantFailures,
		StartedAt:       r.StartedAt,
		FinishedAt:      r.FinishedAt,
	}
	if r.Err != nil {
		resp.Error = r.Err.Error()
	}
	return resp
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	st := s.runner.Status()
	resp := StatusResponse{Running: st.Running}
	if st.Last != nil {
		last := newCycleResponse(*st.Last)
		resp.LastCycle = &last
	}
	if s.ledger != nil {
		counts, err := s.ledger.CountByStatus(c.Request().Context())
		if err != nil {
			s.logger.Warn("count actions", zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "ledger unavailable")
		}
		resp.Actions = counts
	}
	return c.JSON(http.StatusOK, resp)
}

// handleRunCycle runs a cycle synchronously. The run is detached from the
// request so a dropped connection does not abort it halfway.
func (s *Server) handleRunCycle(c echo.Context) error {
	res := s.runner.RunNow(context.WithoutCancel(c.Request().Context()))
	resp := newCycleResponse(res)
	switch {
	case res.Skipped():
		return c.JSON(http.StatusConflict, resp)
	case res.Err != nil:
		return c.JSON(http.StatusInternalServerError, resp)
	default:
		return c.JSON(http.StatusOK, resp)
	}
}

// Start blocks serving until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.addr))
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
