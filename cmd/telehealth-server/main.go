package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/telehealth/internal/config"
	"github.com/ehr/telehealth/internal/domain/videocall"
	"github.com/ehr/telehealth/internal/platform/auth"
	"github.com/ehr/telehealth/internal/platform/db"
	"github.com/ehr/telehealth/internal/platform/events"
	"github.com/ehr/telehealth/internal/platform/middleware"
	"github.com/ehr/telehealth/internal/platform/videotoken"
	"github.com/ehr/telehealth/internal/platform/websocket"
	"github.com/ehr/telehealth/migrations"
)

const (
	version         = "0.1.0"
	shutdownTimeout = 10 * time.Second
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "telehealth-server",
		Short:         "Telehealth video consultation API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(clinicCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

// newLogger builds the process logger: JSON outside development, console
// output in development.
func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(os.Stdout)
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	return logger.Level(level).With().Timestamp().Str("service", "telehealth").Logger()
}

func runServer(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("refusing to start")
		return err
	}

	issuer, err := videotoken.NewIssuer(cfg.TokenConfig())
	if err != nil {
		return err
	}
	logger.Info().Dur("ttl", issuer.TTL()).Msg("room token issuer ready")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	migrator := db.NewMigrator(pool, migrations.FS)
	if err := db.CreateClinicSchema(ctx, pool, cfg.DefaultClinic, migrator); err != nil {
		return fmt.Errorf("prepare default clinic: %w", err)
	}

	// Event fan-out
	origin := uuid.NewString()
	hub := websocket.NewHub(logger)
	sinks := []events.Sink{hub}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = events.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		sinks = append(sinks, events.NewRedisSink(redisClient, cfg.RedisChannel))
		logger.Info().Str("channel", cfg.RedisChannel).Msg("redis fan-out enabled")
	}
	if cfg.AMQPURL != "" {
		amqpSink, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return err
		}
		defer amqpSink.Close()
		sinks = append(sinks, amqpSink)
		logger.Info().Str("exchange", cfg.AMQPExchange).Msg("amqp fan-out enabled")
	}

	dispatcher := events.NewDispatcher(cfg.EventBufferSize, logger, sinks...)
	dispatcher.SetOrigin(origin)

	// The dispatcher outlives the HTTP server so events from requests that
	// finish during shutdown are still delivered.
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		dispatcher.Run(dispatchCtx)
	}()
	defer func() {
		stopDispatch()
		<-dispatchDone
		delivered, dropped := dispatcher.Stats()
		logger.Info().Int64("delivered", delivered).Int64("dropped", dropped).Msg("event dispatcher stopped")
	}()

	// Video sessions
	sessions := videocall.NewSessionRepoPG(pool)
	participants := videocall.NewParticipantLogPG(pool)
	sysEvents := videocall.NewSessionEventLogPG(pool)

	svc := videocall.NewService(sessions, participants, sysEvents, videocall.NewDirectoryPG(pool), issuer)
	svc.SetTransactor(db.NewTransactor(pool))
	svc.SetPublisher(dispatcher)
	svc.SetLogger(logger)
	svc.SetCreateMaxRetries(cfg.VideoCreateMaxRetries)

	videoHandler := videocall.NewHandler(svc, videocall.NewAnalytics(sessions, participants, sysEvents), issuer)
	videoHandler.SetLogger(logger)

	// Subscriptions are checked on a fresh clinic-scoped connection; the
	// connection pinned to the upgrade request is gone once it returns.
	topicAuth := websocket.AuthorizerFunc(func(ctx context.Context, callerID int64, topic string) error {
		return db.WithClinicConn(ctx, pool, db.ClinicFromContext(ctx), func(ctx context.Context) error {
			return svc.AuthorizeTopic(ctx, callerID, topic)
		})
	})
	wsHandler := websocket.NewHandler(hub, topicAuth, cfg.CORSOrigins)

	e := newEcho(cfg, logger)
	apiV1 := e.Group("/api/v1",
		middleware.RateLimit(rateLimitConfig(cfg)),
		db.ClinicMiddleware(pool, cfg.DefaultClinic),
	)
	videoHandler.RegisterRoutes(apiV1)
	wsHandler.RegisterRoutes(apiV1)

	e.GET("/health", healthHandler)
	e.GET("/health/db", db.HealthHandler(pool))

	g, gctx := errgroup.WithContext(ctx)
	if redisClient != nil {
		g.Go(func() error {
			err := events.RelayRedis(gctx, redisClient, cfg.RedisChannel, origin, hub, logger)
			if err != nil && gctx.Err() == nil {
				// Local clients still get local events.
				logger.Error().Err(err).Msg("redis relay stopped")
			}
			return nil
		})
	}
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newEcho builds the server with the global middleware stack. Authentication
// is skipped for the health endpoints.
func newEcho(cfg *config.Config, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{
			echo.HeaderAuthorization, echo.HeaderContentType,
			middleware.RequestIDHeader, db.ClinicHeader, auth.DevUserHeader,
		},
		ExposeHeaders: []string{middleware.RequestIDHeader, "Retry-After"},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}
	return e
}

func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	return rl
}

func healthHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version,
	})
}
