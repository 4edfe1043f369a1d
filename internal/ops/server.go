// Package ops exposes a small operator HTTP API: task and order
// inspection, manual task creation, and forced scheduler ticks. It is
// meant to be bound to localhost, not the public internet.
package ops

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"assistbot/internal/order"
	"assistbot/internal/schedule"
	"assistbot/internal/scheduler"
	"assistbot/internal/store"
	"assistbot/pkg/logx"
)

type Config struct {
	Addr               string
	RateLimitPerMinute int
}

type Deps struct {
	Store    *store.Store
	Orders   *order.Service
	Resolver *schedule.Resolver
	Poller   *scheduler.Service
	Log      logx.Logger
}

type Server struct {
	cfg  Config
	deps Deps
	echo *echo.Echo
	log  logx.Logger
}

func NewServer(cfg Config, deps Deps) *Server {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 120
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(RateLimiter(cfg.RateLimitPerMinute, time.Minute))

	s := &Server{cfg: cfg, deps: deps, echo: e, log: log}

	e.GET("/healthz", s.health)

	e.GET("/tasks", s.listTasks)
	e.POST("/tasks", s.createTask)
	e.GET("/tasks/:id/runs", s.listRuns)
	e.POST("/tasks/:id/disable", s.disableTask)
	e.POST("/tasks/:id/enable", s.enableTask)
	e.POST("/tick", s.tick)

	e.GET("/orders", s.listOrders)
	e.POST("/orders", s.createOrder)
	e.GET("/orders/:id", s.getOrder)
	e.POST("/orders/:id/transition", s.transitionOrder)
	e.POST("/orders/:id/session", s.openSession)

	return s
}

// Start begins serving in the background; startup errors other than a
// clean shutdown are logged, not returned.
func (s *Server) Start() {
	go func() {
		err := s.echo.Start(s.cfg.Addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("ops server failed", logx.String("addr", s.cfg.Addr), logx.Err(err))
		}
	}()
	s.log.Info("ops server listening", logx.String("addr", s.cfg.Addr))
}

func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
