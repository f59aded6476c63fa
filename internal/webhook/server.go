// Package webhook serves the push platform's callback endpoint plus health,
// metrics and optional pprof routes.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relaybot/internal/observability"
	"relaybot/internal/runtime/supervisor"
	logx "relaybot/pkg/logx"
)

const maxBodyBytes = 1 << 20

// Handler processes one text event. Errors are logged; the caller is always
// acknowledged.
type Handler interface {
	HandleText(ctx context.Context, ev TextEvent) error
}

type HandlerFunc func(ctx context.Context, ev TextEvent) error

func (f HandlerFunc) HandleText(ctx context.Context, ev TextEvent) error { return f(ctx, ev) }

type Config struct {
	Addr         string
	CallbackPath string
	Metrics      bool
	Pprof        bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type Server struct {
	cfg     Config
	handler Handler
	log     logx.Logger
	started time.Time
	router  *gin.Engine

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
	sup *supervisor.Supervisor

	health func() any
}

// ack is the fixed response body; upstream retries on anything but 200.
var ack = gin.H{"content": "post ok"}

func New(cfg Config, handler Handler, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.CallbackPath == "" {
		cfg.CallbackPath = "/callback"
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{cfg: cfg, handler: handler, log: log, started: time.Now()}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.CustomRecovery(func(c *gin.Context, rec any) {
		s.log.Error("webhook handler panicked", logx.Any("panic", rec), logx.String("path", c.Request.URL.Path))
		c.AbortWithStatusJSON(http.StatusOK, ack)
	}))
	r.Use(observability.RequestID())
	r.Use(observability.RequestLogger(s.log))
	r.Use(observability.RequestMetricsMiddleware())

	r.POST(s.cfg.CallbackPath, s.callback)
	r.GET("/healthz", s.healthz)
	if s.cfg.Metrics {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	if s.cfg.Pprof {
		pp := r.Group("/debug/pprof")
		pp.GET("/", gin.WrapF(hpprof.Index))
		pp.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
		pp.GET("/profile", gin.WrapF(hpprof.Profile))
		pp.GET("/symbol", gin.WrapF(hpprof.Symbol))
		pp.GET("/trace", gin.WrapF(hpprof.Trace))
		pp.GET("/:profile", func(c *gin.Context) {
			hpprof.Handler(c.Param("profile")).ServeHTTP(c.Writer, c.Request)
		})
	}
	return r
}

// SetHealth adds fn's result to /healthz under "tasks".
func (s *Server) SetHealth(fn func() any) {
	s.mu.Lock()
	s.health = fn
	s.mu.Unlock()
}

func (s *Server) healthz(c *gin.Context) {
	body := gin.H{"status": "ok", "uptime": time.Since(s.started).Round(time.Second).String()}
	s.mu.Lock()
	fn := s.health
	s.mu.Unlock()
	if fn != nil {
		body["tasks"] = fn()
	}
	c.JSON(http.StatusOK, body)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// callback handles every event of the batch in order and always answers 200.
func (s *Server) callback(c *gin.Context) {
	log := s.log.With(logx.String("req_id", observability.RequestIDFrom(c)))
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		log.Warn("callback body read failed", logx.Err(err))
		c.JSON(http.StatusOK, ack)
		return
	}
	req, err := ParseCallback(body)
	if err != nil {
		log.Warn("callback payload rejected", logx.Err(err))
		c.JSON(http.StatusOK, ack)
		return
	}

	// Processing outlives a client disconnect.
	ctx := context.WithoutCancel(c.Request.Context())
	for i, ev := range req.Events {
		te, ok := TextFrom(ev)
		if !ok {
			log.Debug("callback event ignored", logx.Int("index", i), logx.String("kind", eventKind(ev)))
			continue
		}
		s.dispatch(ctx, log, te)
	}
	c.JSON(http.StatusOK, ack)
}

func (s *Server) dispatch(ctx context.Context, log logx.Logger, ev TextEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("event handler panicked", logx.String("user", ev.UserID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	if s.handler == nil {
		return
	}
	if err := s.handler.HandleText(ctx, ev); err != nil {
		log.Error("event handling failed", logx.String("user", ev.UserID), logx.Err(err))
	}
}

// Start binds the listener and serves under a supervisor. A bind failure is
// returned to the caller.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("webhook listen %s: %w", s.cfg.Addr, err)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	sup := supervisor.New(ctx, supervisor.WithLogger(s.log), supervisor.WithCancelOnError(false))
	s.ln, s.srv, s.sup = ln, srv, sup

	sup.Go("webhook.serve", func(ctx context.Context) error {
		err := srv.Serve(ln)
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	s.log.Info("webhook started",
		logx.String("addr", ln.Addr().String()),
		logx.String("callback", s.cfg.CallbackPath),
		logx.Bool("metrics", s.cfg.Metrics),
		logx.Bool("pprof", s.cfg.Pprof),
	)
	if s.cfg.Pprof && !isLoopback(ln.Addr().String()) {
		s.log.Warn("pprof routes exposed on a non-loopback address", logx.String("addr", ln.Addr().String()))
	}
	return nil
}

// Addr is the bound address, empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.sup, s.ln = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	if werr := sup.Stop(ctx); werr != nil && err == nil {
		err = werr
	}
	s.log.Info("webhook stopped")
	return err
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
