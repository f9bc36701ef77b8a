package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/h1v3-io/agentdesk/internal/events"
	"github.com/h1v3-io/agentdesk/internal/logbuf"
	"github.com/h1v3-io/agentdesk/internal/service"
)

// LogQuerier abstracts log entry querying.
type LogQuerier interface {
	Query(q logbuf.Query) []logbuf.Entry
}

// Config holds API server configuration.
type Config struct {
	Host        string
	Port        int
	Prefix      string   // route prefix, default "/api"
	Key         string   // API key for Bearer auth; empty disables auth
	CORSOrigins []string // allowed origins; empty allows any
}

// Options are the optional collaborators of the server.
type Options struct {
	Logs    LogQuerier
	Events  *events.Broker
	Webhook echo.HandlerFunc // POST {prefix}/webhook/:name
	Logger  *slog.Logger
}

// Server is the agentdesk REST API server.
type Server struct {
	svc     *service.Service
	cfg     Config
	logs    LogQuerier
	broker  *events.Broker
	webhook echo.HandlerFunc
	logger  *slog.Logger
	echo    *echo.Echo
}

// NewServer creates the server and registers every route.
func NewServer(svc *service.Service, cfg Config, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "/api"
	}
	cfg.Prefix = "/" + strings.Trim(cfg.Prefix, "/")

	s := &Server{
		svc:     svc,
		cfg:     cfg,
		logs:    opts.Logs,
		broker:  opts.Events,
		webhook: opts.Webhook,
		logger:  logger.With("component", "api"),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(s.requestLogger())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType},
	}))
	s.echo = e
	s.RegisterRoutes(e)
	return s
}

// Start begins listening. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.echo.Server.ReadHeaderTimeout = 10 * time.Second

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server starting", "addr", addr, "prefix", s.cfg.Prefix)
		errCh <- s.echo.Start(addr)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("api server: shutdown: %w", err)
	}
	s.logger.Info("api server stopped")
	return nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// RegisterRoutes mounts the API on e.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", s.health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	p := s.cfg.Prefix
	e.GET(p+"/health", s.health)
	if s.webhook != nil {
		// Webhook endpoints authenticate themselves.
		e.POST(p+"/webhook/:name", s.webhook)
	}

	g := e.Group(p, s.requireAuth)

	g.GET("/agents", s.listAgents)
	g.POST("/agents", s.createAgent)
	g.GET("/agents/:id", s.getAgent)
	g.PUT("/agents/:id", s.updateAgent)
	g.DELETE("/agents/:id", s.deleteAgent)

	g.GET("/tickets", s.listTickets)
	g.POST("/tickets", s.createTicket)
	g.GET("/tickets/:id", s.getTicket)
	g.DELETE("/tickets/:id", s.deleteTicket)
	g.POST("/tickets/:id/resume", s.resumeTicket)
	g.POST("/tickets/:id/reset", s.resetTicket)
	g.POST("/tickets/:id/messages", s.postTicketMessage)

	g.GET("/sessions", s.listSessions)
	g.GET("/sessions/:id", s.getSession)
	g.POST("/sessions/:id/messages", s.postSessionMessage)

	g.GET("/tools", s.listTools)
	g.GET("/tools/:name", s.getTool)
	g.POST("/tools/sync", s.syncTools)
	g.GET("/skills", s.listSkills)
	g.GET("/skills/:name", s.getSkill)

	g.GET("/executors", s.listExecutors)
	g.GET("/logs", s.getLogs)
	g.GET("/events", s.streamEvents)
}

// --- Middleware ---

// requireAuth checks the Bearer key. Websocket clients that cannot set
// headers may pass ?token= instead.
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.cfg.Key == "" {
			return next(c)
		}
		token, ok := strings.CutPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
		if !ok {
			token = c.QueryParam("token")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Key)) != 1 {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
		return next(c)
	}
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		Skipper: func(c echo.Context) bool {
			p := c.Path()
			return p == "/health" || p == "/metrics" || strings.HasSuffix(p, "/health")
		},
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				s.logger.Warn("request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			s.logger.Debug("request", attrs...)
			return nil
		},
	})
}

// --- Errors ---

// fail writes err as {"error": ...}. invalidState is the status used for
// service.ErrInvalidState, which differs per operation.
func (s *Server) fail(c echo.Context, err error, invalidState int) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrInvalidState):
		status = invalidState
	case errors.Is(err, service.ErrConflict):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request error", "method", c.Request().Method, "path", c.Path(), "error", err)
		return c.JSON(status, map[string]string{"error": "internal error"})
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
}
