package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/connectnearby/internal/api/auth"
	"github.com/connectnearby/internal/api/conversations"
	"github.com/connectnearby/internal/api/users"
	"github.com/connectnearby/internal/chat"
	"github.com/connectnearby/internal/gateway"
	"github.com/connectnearby/internal/identity"
	"github.com/connectnearby/internal/storage"
)

// Options holds what the server needs to run
type Options struct {
	Port            int
	CookieName      string
	CookieSecure    bool
	ShutdownTimeout time.Duration

	Identity *identity.Service
	Store    storage.Store
	Chat     chat.Config

	SettleTimeout time.Duration
	// SweepInterval is how often idle sessions are dropped; IdleTimeout is how
	// long a session may go unused before that happens
	SweepInterval time.Duration
	IdleTimeout   time.Duration

	SendRatePerSecond float64
	SendBurst         int
}

// Server represents the API server
type Server struct {
	echo    *echo.Echo
	opts    Options
	hub     *auth.Hub
	limiter *conversations.SendLimiter
	cookies auth.Cookies
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	if opts.CookieName == "" {
		opts.CookieName = "session_token"
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:      true,
		LogStatus:   true,
		LogMethod:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			event := log.Info()
			if v.Error != nil {
				event = log.Warn().Err(v.Error)
			}
			event.Str("method", v.Method).Str("uri", v.URI).Int("status", v.Status).Dur("latency", v.Latency).Msg("Request")
			return nil
		},
	}))
	e.Use(middleware.Recover())

	server := &Server{
		echo:    e,
		opts:    opts,
		hub:     auth.NewHub(opts.Identity, opts.Store, opts.Chat, opts.SettleTimeout),
		limiter: conversations.NewSendLimiter(opts.SendRatePerSecond, opts.SendBurst),
		cookies: auth.Cookies{Name: opts.CookieName, Secure: opts.CookieSecure},
	}

	// Setup routes
	server.setupRoutes()

	return server
}

// setupRoutes configures all endpoints. The gateway runs on every request;
// gated routes additionally resolve the session behind the token.
func (s *Server) setupRoutes() {
	s.echo.Use(auth.Gate(gateway.DefaultPolicy(), s.cookies))

	// Public
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "healthy",
		})
	})
	s.echo.GET("/", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"view":          "landing",
			"authenticated": s.cookies.Token(c) != "",
		})
	})

	authHandlers := auth.NewAuthHandlers(s.opts.Identity, s.hub, s.cookies)
	s.echo.GET(gateway.SignInPath, authHandlers.SignInPage)
	s.echo.POST(gateway.SignInPath, authHandlers.SignIn)
	s.echo.GET(gateway.SignUpPath, authHandlers.SignUpPage)
	s.echo.POST(gateway.SignUpPath, authHandlers.SignUp)
	s.echo.POST("/api/auth/signout", authHandlers.SignOut)

	// Gated
	session := auth.RequireSession(s.hub, s.cookies)

	userHandlers := users.NewUserHandlers(s.opts.Identity)
	profileHandlers := users.NewProfileHandlers(s.opts.Identity)
	s.echo.GET(gateway.DefaultPath, userHandlers.Dashboard, session)
	s.echo.GET("/profile", profileHandlers.GetProfile, session)
	s.echo.PUT("/profile", profileHandlers.UpdateProfile, session)
	s.echo.GET("/users/:userId", userHandlers.GetUser, session)

	chatHandlers := conversations.NewHandlers(s.limiter)
	s.echo.GET("/chat", chatHandlers.List, session)
	s.echo.GET("/chat/:chatId", chatHandlers.Show, session)
	s.echo.POST("/chat/:chatId/messages", chatHandlers.Send, session)
	s.echo.POST("/chat/:chatId/messages/:messageId/retry", chatHandlers.Retry, session)
}

// ServeHTTP lets the server be driven directly, e.g. by httptest
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Hub exposes the per-token session hub
func (s *Server) Hub() *auth.Hub {
	return s.hub
}

// Start serves until ctx is cancelled or an interrupt arrives, then shuts down
// gracefully, letting in-flight sends finish within the shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", s.opts.Port).Msg("API server listening")
		if err := s.echo.Start(fmt.Sprintf(":%d", s.opts.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	go s.sweep(ctx)

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()

	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := s.hub.Flush(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Pending sends did not finish before shutdown")
	}
	return nil
}

func (s *Server) sweep(ctx context.Context) {
	interval, idle := s.opts.SweepInterval, s.opts.IdleTimeout
	if interval <= 0 || idle <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.hub.Sweep(idle)
			s.limiter.Sweep(idle)
		}
	}
}
