// Package api serves the schedule bridge over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cronbridge/internal/schedule"
	"cronbridge/internal/storage"
	"cronbridge/internal/task/scheduler"
	logx "cronbridge/pkg/logx"
)

// Bridge is the schedule API the server exposes.
type Bridge interface {
	Schedule(ctx context.Context, req schedule.Request) error
	Unschedule(ctx context.Context, name string) error
	List(ctx context.Context) []schedule.Info
	ListByTask(ctx context.Context, taskName string) []schedule.Info
}

// Inspector reads scheduler state for the history and debug endpoints.
type Inspector interface {
	Executions(ctx context.Context, key string, limit int) ([]storage.ExecutionRecord, error)
	Snapshot() scheduler.Snapshot
	Enabled() bool
}

type Config struct {
	Addr         string
	Token        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Pprof mounts net/http/pprof under /debug/pprof/ behind the token.
	Pprof bool
}

const defaultAddr = "127.0.0.1:8080"

func init() { gin.SetMode(gin.ReleaseMode) }

type Server struct {
	cfg      Config
	bridge   Bridge
	inspect  Inspector
	gatherer prometheus.Gatherer
	log      logx.Logger
	engine   *gin.Engine
}

// response is the envelope of every JSON reply.
type response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func New(cfg Config, bridge Bridge, inspect Inspector, gatherer prometheus.Gatherer, log logx.Logger) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = defaultAddr
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{cfg: cfg, bridge: bridge, inspect: inspect, gatherer: gatherer, log: log}

	e := gin.New()
	e.Use(gin.Recovery(), s.accessLog())
	e.GET("/healthz", s.health)
	e.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := e.Group("/api/v1", s.auth())
	v1.GET("/schedules", s.listSchedules)
	v1.POST("/schedules", s.requireEnabled(), s.createSchedule)
	v1.DELETE("/schedules/:name", s.requireEnabled(), s.deleteSchedule)
	v1.GET("/schedules/:name/executions", s.listExecutions)
	v1.GET("/debug/scheduler", s.debugScheduler)
	if cfg.Pprof {
		s.mountPprof(e.Group("/debug/pprof", s.auth()))
	}
	s.engine = e
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api listening", logx.String("addr", s.cfg.Addr), logx.Bool("auth", s.cfg.Token != ""))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info("api stopped")
	return nil
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		)
	}
}

func (s *Server) auth() gin.HandlerFunc {
	want := []byte("Bearer " + s.cfg.Token)
	return func(c *gin.Context) {
		if s.cfg.Token == "" {
			return
		}
		got := []byte(c.GetHeader("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, response{Error: "unauthorized"})
		}
	}
}

func (s *Server) requireEnabled() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.inspect != nil && !s.inspect.Enabled() {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, response{Error: "scheduler disabled"})
		}
	}
}
