// Command inboxd serves the EducPro inbox over HTTP and websockets.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/educpro/inbox"
	"github.com/educpro/inbox/internal/auth"
	"github.com/educpro/inbox/internal/config"
	"github.com/educpro/inbox/internal/health"
	"github.com/educpro/inbox/internal/httpapi"
	"github.com/educpro/inbox/internal/logger"
	"github.com/educpro/inbox/internal/metrics"
	"github.com/educpro/inbox/internal/ws"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// sweepInterval is how often idle sessions and rate-limit buckets are dropped.
const sweepInterval = time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if cfg.Log.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     cfg.Log.File,
		MaxSize:     cfg.Log.MaxSize,
		MaxBackups:  cfg.Log.MaxBackups,
		MaxAge:      cfg.Log.MaxAge,
		Compress:    cfg.Log.Compress,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("inboxd exited with error", zap.Error(err))
	}
	log.Info("inboxd exited cleanly")
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slogger := logger.Slog(log)
	log.Info("starting inboxd",
		zap.String("database", cfg.Database.Driver),
		zap.String("feed", cfg.Feed.Driver),
		zap.String("blob", cfg.Blob.Driver),
		zap.Bool("telemetry", cfg.Telemetry.Enabled),
	)

	m := metrics.New()
	checks := health.NewChecker(log)

	b, err := buildBackends(ctx, cfg, slogger, log, checks)
	if err != nil {
		return err
	}
	defer b.close(context.Background(), log)

	tokens := auth.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Expiry)

	// The hub greets new sockets by starting the user's session, so the
	// pool is created after the service but referenced here.
	var sessions *httpapi.Sessions
	hub := ws.NewHub(tokens, cfg.CORS.AllowedOrigins, func(sess inbox.Session) {
		if _, err := sessions.Get(context.Background(), sess); err != nil {
			log.Warn("failed to start session for socket", zap.String("user_id", sess.UserID), zap.Error(err))
		}
	}, log)
	m.ObserveSockets(hub.Len)

	logReporter := inbox.LogReporter(slogger)
	reporter := inbox.ReporterFunc(func(ctx context.Context, n inbox.Notice) {
		logReporter.Report(ctx, n)
		m.RecordNotice(n.Op, string(n.Level))
		hub.NotifyNotice(n)
	})

	svc, err := inbox.NewService(serviceOptions(cfg, b, reporter, slogger)...)
	if err != nil {
		return fmt.Errorf("create inbox service: %w", err)
	}
	if err := svc.Connect(ctx); err != nil {
		return fmt.Errorf("connect inbox service: %w", err)
	}
	checks.AddLiveness("inbox", health.ConnectedCheck(svc))

	sessions = httpapi.NewSessions(svc, hub.NotifyChanged, m, log)
	limiter := httpapi.NewLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)

	var profiles httpapi.ProfileStore
	if b.directory != nil {
		profiles = b.directory
	}

	router := httpapi.NewRouter(httpapi.RouterDependencies{
		Handler:        httpapi.NewHandler(svc, sessions, profiles, m, log),
		Auth:           tokens,
		Hub:            hub,
		Metrics:        m,
		Health:         checks,
		Limiter:        limiter,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		MaxBodySize:    cfg.Server.MaxBodySize,
		Logger:         log,
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		log.Info("starting websocket hub")
		hub.Run(groupCtx)
		return nil
	})

	group.Go(func() error {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				sessions.Sweep(cfg.Server.SessionIdle, hub.Online)
				if n := limiter.Sweep(cfg.Server.SessionIdle); n > 0 {
					log.Debug("rate limit buckets dropped", zap.Int("count", n))
				}
			}
		}
	})

	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		sessions.Close()
		if err := svc.Close(shutdownCtx); err != nil {
			log.Error("inbox service close error", zap.Error(err))
		}
		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
