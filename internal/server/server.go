package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"copilot-gateway/internal/auth"
	"copilot-gateway/internal/callerauth"
	"copilot-gateway/internal/config"
	"copilot-gateway/internal/metrics"
	"copilot-gateway/internal/models"
	"copilot-gateway/internal/router"
	"copilot-gateway/internal/stream"
)

const (
	readTimeout = 30 * time.Second
	idleTimeout = 120 * time.Second

	callerContextKey   = "caller"
	protocolContextKey = "protocol"
)

// TokenStatus reports the backend credential state for /health.
type TokenStatus interface {
	Status() auth.Status
}

// Options carries the server's collaborators besides the router.
type Options struct {
	Callers *callerauth.Authenticator
	Tokens  TokenStatus
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

type Server struct {
	cfg     config.Config
	router  *router.Router
	callers *callerauth.Authenticator
	tokens  TokenStatus
	metrics *metrics.Metrics
	log     zerolog.Logger
	app     *echo.Echo
	address string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, rt *router.Router, opts Options) (*Server, error) {
	if rt == nil {
		return nil, errors.New("router must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Callers == nil {
		opts.Callers = callerauth.New(cfg.Callers)
	}

	srv := &Server{
		cfg:     cfg,
		router:  rt,
		callers: opts.Callers,
		tokens:  opts.Tokens,
		metrics: opts.Metrics,
		log:     opts.Logger.With().Str("component", "http").Logger(),
		address: fmt.Sprintf(":%d", cfg.Server.Port),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = srv.errorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			srv.log.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Str("remote_ip", v.RemoteIP).
				Int64("latency_ms", v.Latency.Milliseconds()).
				Err(v.Error).
				Msg("request")
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))
	e.Use(middleware.BodyLimit(cfg.Server.BodyLimit))

	srv.app = e
	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the routed echo instance.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port)
	s.log.Info().Str("addr", s.address).Msg("starting server")

	// No write timeout: streamed completions outlive any fixed deadline.
	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.log.Info().Msg("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)

	openAI := []echo.MiddlewareFunc{s.observe(models.ProtocolOpenAI), s.authenticate}
	anthropic := []echo.MiddlewareFunc{s.observe(models.ProtocolAnthropic), s.authenticate}

	for _, prefix := range []string{"/v1", ""} {
		s.app.POST(prefix+"/chat/completions", s.handleCompletion(models.ProtocolOpenAI), openAI...)
		s.app.GET(prefix+"/models", s.handleModels, openAI...)
		s.app.POST(prefix+"/embeddings", s.handleEmbeddings, openAI...)
	}
	s.app.POST("/v1/messages", s.handleCompletion(models.ProtocolAnthropic), anthropic...)
	s.app.POST("/v1/messages/count_tokens", s.handleCountTokens, anthropic...)

	if s.cfg.Server.Admin {
		admin := s.app.Group("/admin", s.requireAdmin)
		admin.GET("/ratelimit", s.handleRateLimitStats)
		admin.DELETE("/ratelimit/:key", s.handleRateLimitReset)
	}
	if s.cfg.Server.Metrics && s.metrics != nil {
		s.app.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	body := map[string]any{"status": "ok"}
	if s.tokens != nil {
		body["token"] = s.tokens.Status()
	}
	return c.JSON(http.StatusOK, body)
}

func (s *Server) handleCompletion(proto models.Protocol) echo.HandlerFunc {
	return func(c echo.Context) error {
		raw, err := readBody(c)
		if err != nil {
			return err
		}

		reply, err := s.router.Complete(c.Request().Context(), callerFrom(c), raw, proto)
		if err != nil {
			return err
		}
		c.Response().Header().Set("X-Request-Id", reply.RequestID)
		if reply.Stream != nil {
			return s.writeStream(c, reply.Stream)
		}
		return c.JSON(http.StatusOK, reply.Object)
	}
}

func (s *Server) handleCountTokens(c echo.Context) error {
	raw, err := readBody(c)
	if err != nil {
		return err
	}
	count, err := s.router.CountTokens(raw)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, count)
}

func (s *Server) handleModels(c echo.Context) error {
	resp, err := s.router.Models(c.Request().Context(), callerFrom(c))
	if err != nil {
		return err
	}
	return relay(c, resp.Status, resp.Header, resp.Body)
}

func (s *Server) handleEmbeddings(c echo.Context) error {
	raw, err := readBody(c)
	if err != nil {
		return err
	}
	resp, err := s.router.Embeddings(c.Request().Context(), callerFrom(c), raw)
	if err != nil {
		return err
	}
	return relay(c, resp.Status, resp.Header, resp.Body)
}

func (s *Server) handleRateLimitStats(c echo.Context) error {
	limiter := s.router.Limiter()
	if limiter == nil {
		return c.JSON(http.StatusOK, map[string]any{"enabled": false})
	}
	return c.JSON(http.StatusOK, map[string]any{"enabled": true, "active_keys": limiter.Stats().ActiveKeys})
}

func (s *Server) handleRateLimitReset(c echo.Context) error {
	limiter := s.router.Limiter()
	if limiter == nil {
		return requestError{Status: http.StatusNotFound, Message: "rate limiting is disabled", Type: "not_found_error"}
	}
	key := c.Param("key")
	if !limiter.Reset(key) {
		return requestError{Status: http.StatusNotFound, Message: fmt.Sprintf("no bucket for key %q", key), Type: "not_found_error"}
	}
	s.log.Info().Str("key", key).Msg("rate limit bucket reset")
	return c.NoContent(http.StatusNoContent)
}

// writeStream forwards session events as server-sent events, flushing after
// each one. A failed write stops forwarding; returning cancels the request
// context, which closes the session.
func (s *Server) writeStream(c echo.Context, sess *stream.Session) error {
	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		s.log.Error().Msg("http writer does not support flushing")
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
			Type:    "server_error",
		}
	}

	header := c.Response().Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range sess.Events() {
		if _, err := ev.WriteTo(c.Response()); err != nil {
			s.log.Warn().Err(err).Str("session", sess.ID()).Msg("client write failed, abandoning stream")
			return nil
		}
		flusher.Flush()
	}
	return nil
}

func (s *Server) observe(proto models.Protocol) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(protocolContextKey, proto)
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			s.metrics.ObserveRequest(string(proto), c.Response().Status, time.Since(start))
			return nil
		}
	}
}

func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		caller, err := s.callers.Authenticate(credential(c.Request()), c.RealIP())
		if err != nil {
			return err
		}
		c.Set(callerContextKey, caller)
		return next(c)
	}
}

// requireAdmin admits only the configured admin token. Caller credentials
// never grant access to management routes.
func (s *Server) requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	want := []byte(s.cfg.Server.AdminToken)
	return func(c echo.Context) error {
		got := credential(c.Request())
		if got == "" {
			return requestError{Status: http.StatusUnauthorized, Message: "admin credentials required", Type: "authentication_error"}
		}
		if len(want) == 0 || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			s.log.Warn().Str("remote_ip", c.RealIP()).Str("path", c.Path()).Msg("admin request refused")
			return requestError{Status: http.StatusForbidden, Message: "admin access denied", Type: "permission_error"}
		}
		return next(c)
	}
}

// credential returns the bearer token or x-api-key value, in that order.
func credential(r *http.Request) string {
	if h := r.Header.Get(echo.HeaderAuthorization); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-Api-Key"))
}

func callerFrom(c echo.Context) callerauth.Caller {
	caller, _ := c.Get(callerContextKey).(callerauth.Caller)
	return caller
}

func readBody(c echo.Context) ([]byte, error) {
	req := c.Request()
	defer req.Body.Close()

	raw, err := io.ReadAll(req.Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return nil, he
		}
		return nil, requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("read request body: %v", err),
			Type:    "invalid_request_error",
		}
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, requestError{
			Status:  http.StatusBadRequest,
			Message: "request body is required",
			Type:    "invalid_request_error",
		}
	}
	return raw, nil
}

func relay(c echo.Context, status int, header http.Header, body []byte) error {
	contentType := header.Get(echo.HeaderContentType)
	if contentType == "" {
		contentType = echo.MIMEApplicationJSON
	}
	return c.Blob(status, contentType, body)
}

func printStartupBanner(port int) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("copilot-gateway ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  POST /v1/chat/completions")
	fmt.Println("  POST /v1/messages")
	fmt.Println("  POST /v1/messages/count_tokens")
	fmt.Println("  GET  /v1/models")
	fmt.Println("  POST /v1/embeddings")
	fmt.Println("Use OpenAI-compatible clients or Claude Code; requests are translated for the Copilot backend.")
	fmt.Printf("OpenAI-style example:\n  curl http://%s:%d/v1/chat/completions -H 'Content-Type: application/json' -d '{\"model\":\"gpt-4o\",\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n", host, port)
	fmt.Printf("Anthropic-style example:\n  ANTHROPIC_BASE_URL=http://%s:%d claude\n\n", host, port)
}
