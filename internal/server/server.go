// Package server exposes pipeline sessions over a small JSON API. Each
// browser session (cookie) owns one pipeline session and its sandbox.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config holds configuration for the HTTP server.
type Config struct {
	Addr          string
	SessionSecret string
	CookieName    string
	IdleTimeout   time.Duration
	MaxUpload     int64
	MaxSessions   int
	Factory       SessionFactory
	Logger        *zap.Logger
}

// Server is the AnalyticsHub HTTP server.
type Server struct {
	cfg          Config
	sessionStore *sessions.CookieStore
	registry     *Registry
	logger       *zap.Logger
}

// New creates a server. An empty session secret gets a random per-process
// key, so cookies do not survive restarts.
func New(cfg Config) (*Server, error) {
	if cfg.Factory == nil {
		return nil, errors.New("server: session factory is required")
	}
	if cfg.CookieName == "" {
		cfg.CookieName = "analyticshub"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	secret := []byte(cfg.SessionSecret)
	if len(secret) == 0 {
		secret = securecookie.GenerateRandomKey(32)
		logger.Warn("server.session_secret is empty; using a random key")
	}
	store := sessions.NewCookieStore(secret)
	store.Options.Path = "/"
	store.Options.HttpOnly = true
	store.Options.SameSite = http.SameSiteLaxMode
	store.MaxAge(0)

	return &Server{
		cfg:          cfg,
		sessionStore: store,
		registry:     NewRegistry(cfg.Factory, cfg.MaxSessions, logger),
		logger:       logger,
	}, nil
}

// Registry exposes the live sessions.
func (s *Server) Registry() *Registry { return s.registry }

// Handler builds the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewMux()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		requestLogger(s.logger),
		middleware.Recoverer,
	)
	SetupRoutes(r, NewHandlers(s.registry, s.sessionStore, s.cfg.CookieName, s.cfg.MaxUpload, s.logger))
	return r
}

// Serve runs the server until ctx is cancelled, sweeping idle sessions in the
// background and closing all sessions on shutdown.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	s.logger.Info("starting server", zap.String("addr", "http://"+ln.Addr().String()))
	eg, egctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Handler: s.Handler(),
		BaseContext: func(_ net.Listener) context.Context {
			return egctx
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if s.cfg.IdleTimeout > 0 {
		eg.Go(func() error {
			interval := s.cfg.IdleTimeout / 4
			if interval < time.Second {
				interval = time.Second
			}
			t := time.NewTicker(interval)
			defer t.Stop()
			for {
				select {
				case <-egctx.Done():
					return nil
				case <-t.C:
					s.registry.Sweep(s.cfg.IdleTimeout)
				}
			}
		})
	}

	eg.Go(func() error {
		<-egctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Debug("shutting down server")
		err := srv.Shutdown(shutdownCtx)
		s.registry.CloseAll()
		return err
	})

	return eg.Wait()
}
