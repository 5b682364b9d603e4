package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"presencerelay/internal/core/ports"
	"presencerelay/internal/core/services"
	httphandlers "presencerelay/internal/handlers/http"
	"presencerelay/internal/infrastructure/distributed"
	"presencerelay/internal/infrastructure/middleware"
	"presencerelay/internal/infrastructure/monitoring"
	redisinfra "presencerelay/internal/infrastructure/redis"
	wsinfra "presencerelay/internal/infrastructure/signal"
	"presencerelay/pkg/circuitbreaker"
	"presencerelay/pkg/config"
	"presencerelay/pkg/logger"
	"presencerelay/pkg/retry"
	"presencerelay/pkg/tracing"
	"presencerelay/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	// Try multiple config paths
	configPaths := []string{
		os.Getenv("PRESENCE_RELAY_CONFIG"),
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/presence-relay/config.yaml",
		"config.yaml",
	}

	cfg, cfgPath, err := config.LoadFirst(nonEmpty(configPaths)...)
	if err != nil {
		logger.New("info").Sugar().Fatalw("failed to load configuration", "path", cfgPath, "error", err)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()
	if cfgPath != "" {
		log.Infow("loaded config", "path", cfgPath)
	} else {
		log.Info("no config file found, using defaults")
	}

	// Tracing
	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	health := monitoring.NewHealthChecker()

	relayOpts := []services.RelayOption{services.WithLogger(log.Named("relay"))}
	if cfg.Monitoring.PrometheusEnabled {
		relayOpts = append(relayOpts, services.WithMetrics(monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)))
	}

	// Optional redis presence feed
	var (
		redisClient *redis.Client
		bus         *distributed.EventBus
	)
	if cfg.Redis.Enabled {
		redisClient, err = redisinfra.NewRedisClient(context.Background(), redisinfra.Options{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, log)
		if err != nil {
			log.Fatalw("failed to connect to redis", "error", err)
		}

		instanceID := cfg.Redis.InstanceID
		if instanceID == "" {
			instanceID = utils.GenerateInstanceID()
		}
		bus = distributed.NewEventBus(redisClient, distributed.Config{
			Channel:        cfg.Redis.Channel,
			InstanceID:     instanceID,
			QueueSize:      cfg.Redis.QueueSize,
			PublishTimeout: 3 * time.Second,
			Retry:          retry.DefaultConfig(),
			Breaker: circuitbreaker.Config{
				FailureThreshold:    cfg.Redis.BreakerFailures,
				SuccessThreshold:    2,
				OpenTimeout:         cfg.Redis.BreakerOpenTimeout,
				MaxRequestsHalfOpen: 1,
			},
		}, log.Named("events"))
		relayOpts = append(relayOpts, services.WithPublisher(bus))
		health.AddRedisCheck(redisClient, cfg.Monitoring.HealthCheckInterval, cfg.Monitoring.HealthCheckTimeout)
		health.AddEventFeedCheck(bus, cfg.Monitoring.HealthCheckInterval, cfg.Monitoring.HealthCheckTimeout)
	}

	relay := services.NewPresenceRelay(services.RelayConfig{
		Protocol:          cfg.Relay.Protocol,
		TickInterval:      cfg.Relay.TickInterval,
		AnnounceTypes:     cfg.Relay.AnnounceTypes,
		MessageTypes:      cfg.Relay.MessageTypes,
		BroadcastSentinel: cfg.Relay.BroadcastSentinel,
	}, relayOpts...)

	wsServer := wsinfra.NewWebSocketServer(relay, wsinfra.ServerConfig{
		PingInterval:   cfg.Relay.PingInterval,
		PongTimeout:    cfg.Relay.PongTimeout,
		WriteTimeout:   cfg.Relay.WriteTimeout,
		SendBuffer:     cfg.Relay.SendBuffer,
		MaxMessageSize: cfg.Relay.MaxMessageSize,
		AllowedOrigins: cfg.Relay.AllowedOrigins,
	},
		wsinfra.WithLogger(log.Named("ws")),
		wsinfra.WithMessageLimiter(middleware.NewMessageLimiterFactory(cfg)),
	)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := newRouter(cfg, log, relay, wsServer, health)

	// Background loops
	tickCtx, stopTicks := context.WithCancel(context.Background())
	defer stopTicks()
	go relay.Run(tickCtx)

	busCtx, stopBus := context.WithCancel(context.Background())
	defer stopBus()
	if bus != nil {
		go bus.Run(busCtx)
	}

	healthCtx, stopHealth := context.WithCancel(context.Background())
	defer stopHealth()
	health.StartBackgroundChecks(healthCtx)

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting presence relay",
			"address", cfg.Server.Address,
			"ws_path", cfg.Relay.Path,
			"tick_interval", cfg.Relay.TickInterval,
			"redis", cfg.Redis.Enabled,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for shutdown signals or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	shutdown(shutdownCtx, log, srv, relay, bus, stopTicks, stopBus)
	stopHealth()

	if err := redisinfra.CloseRedisClient(redisClient); err != nil {
		log.Errorw("error closing redis client", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer provider", "error", err)
	}

	log.Info("presence relay stopped")
}

// closer is the part of the relay the shutdown sequence needs.
type closer interface {
	CloseAll() int
	ConnectionCount() int
}

// shutdown stops ticks, stops accepting connections, closes the live ones
// and flushes the event feed so their left events are published.
func shutdown(
	ctx context.Context,
	log *zap.SugaredLogger,
	srv *http.Server,
	relay closer,
	bus *distributed.EventBus,
	stopTicks, stopBus context.CancelFunc,
) {
	stopTicks()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	closed := relay.CloseAll()
	log.Infow("closing client connections", "connections", closed)
	waitForDisconnects(ctx, relay)

	stopBus()
	if bus != nil {
		published := bus.Drain(ctx)
		log.Infow("event feed drained", "published", published, "dropped", bus.Dropped())
	}
}

func waitForDisconnects(ctx context.Context, relay closer) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for relay.ConnectionCount() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// newRouter wires the HTTP surface. The websocket route sits outside the
// tracing group so a long-lived socket is not one open span.
func newRouter(
	cfg *config.Config,
	log *zap.SugaredLogger,
	presence ports.PresenceReader,
	ws http.Handler,
	readiness httphandlers.ReadinessChecker,
) *gin.Engine {
	router := gin.New()
	// gin trusts every proxy until told otherwise.
	if err := router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		log.Warnw("ignoring trusted proxies", "error", err)
		router.SetTrustedProxies(nil)
	}
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestLogger(log.Named("http")),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	router.GET(cfg.Relay.Path, gin.WrapH(ws))

	traced := router.Group("")
	traced.Use(middleware.TracingMiddleware(), middleware.ErrorHandlerMiddleware(log))

	httphandlers.NewPresenceHandler(presence, readiness, cfg.Monitoring.HealthCheckTimeout).SetupRoutes(traced)

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	return router
}

func nonEmpty(paths []string) []string {
	out := paths[:0]
	for _, p := range paths {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
