// Package server is the composition root: it builds the store, event
// transport, services and handlers from a config.Config and mounts them on
// one chi router.
//
//	main.go → config.Load → server.New → Start
//
// Tests build a Server with a stub store or mailer through the Option
// functions and drive it through Handler() with httptest.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/sakif/roomspace/internal/auth"
	"github.com/sakif/roomspace/internal/config"
	"github.com/sakif/roomspace/internal/handler"
	"github.com/sakif/roomspace/internal/mail"
	"github.com/sakif/roomspace/internal/metrics"
	"github.com/sakif/roomspace/internal/middleware"
	"github.com/sakif/roomspace/internal/realtime"
	"github.com/sakif/roomspace/internal/repository"
	"github.com/sakif/roomspace/internal/repository/postgres"
	sqliteRepo "github.com/sakif/roomspace/internal/repository/sqlite"
	"github.com/sakif/roomspace/internal/service"
)

// shutdownTimeout bounds how long in-flight requests get after a signal.
const shutdownTimeout = 30 * time.Second

// Server owns every long-lived resource: the store, the optional Redis
// client and the background reconcile loop. Close releases them.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	router *chi.Mux

	store     repository.Store
	mailer    mail.Sender
	passwords *auth.PasswordService
	rdb       *redis.Client
	bridge    *realtime.RedisBridge

	sessions   *service.SessionGateway
	reconciler *service.Reconciler
}

type Option func(*Server)

// WithStore uses store instead of opening one from the config. The Server
// still closes it.
func WithStore(store repository.Store) Option {
	return func(s *Server) { s.store = store }
}

func WithMailer(m mail.Sender) Option {
	return func(s *Server) { s.mailer = m }
}

// WithPasswordService swaps the bcrypt cost, mostly so tests run fast.
func WithPasswordService(p *auth.PasswordService) Option {
	return func(s *Server) { s.passwords = p }
}

// New builds the whole dependency graph. ctx bounds connection setup and
// the lifetime of the mail relay's token source.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg, logger: logger, router: chi.NewRouter()}
	for _, opt := range opts {
		opt(s)
	}

	if s.store == nil {
		store, err := openStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s.store = store
	}

	if err := s.setup(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func openStore(ctx context.Context, cfg *config.Config) (repository.Store, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		store, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		return store, nil
	default:
		store, err := sqliteRepo.New(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite: %w", err)
		}
		return store, nil
	}
}

func (s *Server) setup(ctx context.Context) error {
	broker := realtime.NewBroker(s.logger)
	var events service.PubSub = broker
	if s.cfg.RedisAddr != "" {
		rdb, err := realtime.Connect(ctx, s.cfg.RedisAddr)
		if err != nil {
			return err
		}
		s.rdb = rdb
		s.bridge = realtime.NewRedisBridge(broker, rdb, s.cfg.RedisChannel, s.logger)
		events = s.bridge
	}

	if s.mailer == nil {
		if s.cfg.Mail.Endpoint == "" {
			s.logger.Warn("MAIL_ENDPOINT not set; password reset mails are only logged")
			s.mailer = mail.NewLogMailer(s.logger)
		} else {
			m, err := mail.NewHTTPMailer(ctx, mail.Config{
				Endpoint:     s.cfg.Mail.Endpoint,
				TokenURL:     s.cfg.Mail.TokenURL,
				ClientID:     s.cfg.Mail.ClientID,
				ClientSecret: s.cfg.Mail.ClientSecret,
			})
			if err != nil {
				return err
			}
			s.mailer = m
		}
	}
	if s.passwords == nil {
		s.passwords = auth.NewPasswordService()
	}

	tokens, err := auth.NewTokenService(s.cfg.JWTSecret, s.cfg.TokenTTL)
	if err != nil {
		return fmt.Errorf("creating token service: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	s.sessions = service.NewSessionGateway(s.store, tokens, s.passwords, events, s.mailer, s.logger, m,
		service.SessionConfig{ResetURL: s.cfg.ResetURL, ResetTTL: s.cfg.ResetTTL})
	registry := service.NewRoomRegistry(s.store, events, s.logger, m,
		service.WithMaxCodeAttempts(s.cfg.CodeMaxAttempts))
	members := service.NewMembershipCoordinator(s.store, events, s.logger, m)
	status := service.NewStatusTracker(s.store, events, s.logger, m)
	watcher := service.NewRoomWatcher(s.store, events, s.logger)
	s.reconciler = service.NewReconciler(s.store, events, s.logger, m)

	limit, err := middleware.RateLimit(s.cfg.AuthRateLimit)
	if err != nil {
		return fmt.Errorf("configuring auth rate limit: %w", err)
	}

	cookie := handler.SessionCookie{TTL: s.cfg.TokenTTL, Secure: s.cfg.SecureCookie}
	routes{
		health:  handler.NewHealthHandler(s.store, s.logger),
		metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		account: handler.NewAccountHandler(s.sessions, cookie, s.logger),
		me:      handler.NewMeHandler(s.sessions, status, cookie, s.logger),
		rooms:   handler.NewRoomHandler(registry, members, s.logger),
		streams: handler.NewStreamHandler(watcher, s.sessions, s.cfg.AllowedOrigins, s.logger),
	}.mount(s.router, s.logger, m, limit, s.sessions)
	return nil
}

type routes struct {
	health  *handler.HealthHandler
	metrics http.Handler
	account *handler.AccountHandler
	me      *handler.MeHandler
	rooms   *handler.RoomHandler
	streams *handler.StreamHandler
}

// mount registers every route.
//
// MIDDLEWARE ORDER MATTERS: RequestID runs first so the logger can print
// it, and Recoverer sits innermost so a panic is still logged and counted
// as a 500.
func (rt routes) mount(r chi.Router, logger *slog.Logger, m *metrics.Metrics, limit func(http.Handler) http.Handler, verifier auth.Verifier) {
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics(m))
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", rt.health.HandleHealth)
	r.Handle("/metrics", rt.metrics)

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Use(limit)
			r.Post("/signup", rt.account.HandleSignUp)
			r.Post("/signin", rt.account.HandleSignIn)
			r.Post("/signout", rt.account.HandleSignOut)
			r.Post("/password/reset", rt.account.HandleSendPasswordReset)
			r.Post("/password/reset/confirm", rt.account.HandleConfirmPasswordReset)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth(verifier))

			r.Route("/me", func(r chi.Router) {
				r.Get("/", rt.me.HandleGet)
				r.Patch("/", rt.me.HandleUpdate)
				r.Delete("/", rt.me.HandleDelete)
				r.Put("/password", rt.me.HandleChangePassword)
				r.Put("/status", rt.me.HandleSetStatus)
				r.Post("/geofence", rt.me.HandleGeofence)
				r.Get("/stream", rt.streams.HandleUserStream)
			})

			r.Route("/rooms", func(r chi.Router) {
				r.Get("/code", rt.rooms.HandleGenerateCode)
				r.Post("/", rt.rooms.HandleCreate)
				r.Post("/join", rt.rooms.HandleJoin)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", rt.rooms.HandleGet)
					r.Patch("/", rt.rooms.HandleUpdate)
					r.Delete("/", rt.rooms.HandleDelete)
					r.Post("/code", rt.rooms.HandleRegenerateCode)
					r.Post("/leave", rt.rooms.HandleLeave)
					r.Delete("/members/{userID}", rt.rooms.HandleRemoveMember)
					r.Get("/stream", rt.streams.HandleRoomStream)
				})
			})
		})
	})
}

// Handler exposes the router, for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Reconcile runs one repair pass now.
func (s *Server) Reconcile(ctx context.Context) (*service.ReconcileReport, error) {
	return s.reconciler.Reconcile(ctx)
}

// runBackground starts the reconcile loop and, with Redis configured, the
// bridge that feeds other instances' events to local subscribers. Both stop
// when ctx is done; wait blocks until they have.
func (s *Server) runBackground(ctx context.Context) (wait func()) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.reconciler.Run(ctx, s.cfg.ReconcileInterval)
	}()

	if s.bridge != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("redis bridge stopped", slog.String("error", err.Error()))
			}
		}()
	}
	return wg.Wait
}

// Start serves until SIGINT or SIGTERM, then drains in-flight requests and
// closes the server's resources.
//
// GRACEFUL SHUTDOWN:
//  1. Stop accepting new connections
//  2. Give in-flight requests up to 30s to finish
//  3. Stop the background loops
//  4. Close the store and Redis client
func (s *Server) Start() error {
	defer s.Close()

	bg, stopBackground := context.WithCancel(context.Background())
	wait := s.runBackground(bg)
	defer func() {
		stopBackground()
		wait()
	}()

	// No WriteTimeout: it would cut WebSocket streams. Stream writes carry
	// their own deadline.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.cfg.Port),
			slog.String("db_driver", s.cfg.DBDriver),
			slog.Bool("redis", s.bridge != nil),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}
	return nil
}

// Close releases the store and the Redis client.
func (s *Server) Close() error {
	var errs []error
	if s.rdb != nil {
		errs = append(errs, s.rdb.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	return errors.Join(errs...)
}
