// Package export serves the HTTP side surfaces: Prometheus metrics
// and the debug endpoints. Everything here is read-only; control
// changes go through the unix socket only.
package export

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fxd0h/jetsonscope/internal/health"
	"github.com/fxd0h/jetsonscope/internal/parser"
	"github.com/fxd0h/jetsonscope/internal/protocol"
)

// Server exposes /metrics, /debug/snapshot and /debug/processes.
type Server struct {
	stats        protocol.StatsProvider
	controls     protocol.ControlProvider
	tracker      *health.Tracker
	metricsToken string
	debugToken   string
	topProcesses int
	log          *slog.Logger

	mu   sync.Mutex
	proc *ProcessMonitor

	echo *echo.Echo
}

// NewServer wires the HTTP surface. Empty tokens leave the matching
// endpoint group open, for trusted-network deployments.
func NewServer(stats protocol.StatsProvider, controls protocol.ControlProvider, tracker *health.Tracker, metricsToken, debugToken string, topProcesses int, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		stats:        stats,
		controls:     controls,
		tracker:      tracker,
		metricsToken: metricsToken,
		debugToken:   debugToken,
		topProcesses: topProcesses,
		log:          log,
		proc:         NewProcessMonitor(),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/metrics", s.handleMetrics, tokenMiddleware(metricsToken))
	debug := e.Group("/debug", tokenMiddleware(debugToken))
	debug.GET("/snapshot", s.handleSnapshot)
	debug.GET("/processes", s.handleProcesses)
	s.echo = e
	return s
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.echo.Start(addr)
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// tokenMiddleware gates a route group on a bearer token or ?token=
// query parameter. An empty configured token disables the gate.
func tokenMiddleware(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if token == "" {
				return next(c)
			}
			auth := c.Request().Header.Get(echo.HeaderAuthorization)
			if strings.TrimPrefix(auth, "Bearer ") == token {
				return next(c)
			}
			if c.QueryParam("token") == token {
				return next(c)
			}
			return c.String(http.StatusUnauthorized, "unauthorized")
		}
	}
}

func (s *Server) handleMetrics(c echo.Context) error {
	body := BuildMetrics(s.tracker.Snapshot(), s.stats.Current(), s.controls.List())
	return c.Blob(http.StatusOK, "text/plain; version=0.0.4", []byte(body))
}

// debugSnapshot is the /debug/snapshot response body.
type debugSnapshot struct {
	Health   health.DaemonHealth    `json:"health"`
	Stats    *parser.Snapshot       `json:"stats"`
	Controls []protocol.ControlInfo `json:"controls"`
}

func (s *Server) handleSnapshot(c echo.Context) error {
	return c.JSON(http.StatusOK, debugSnapshot{
		Health:   s.tracker.Snapshot(),
		Stats:    s.stats.Current(),
		Controls: s.controls.List(),
	})
}

func (s *Server) handleProcesses(c echo.Context) error {
	byMem := c.QueryParam("sort") == "mem"
	s.mu.Lock()
	rows, err := s.proc.Top(s.topProcesses, byMem)
	s.mu.Unlock()
	if err != nil {
		s.log.Warn("process listing failed", "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if rows == nil {
		rows = []ProcessInfo{}
	}
	return c.JSON(http.StatusOK, rows)
}
