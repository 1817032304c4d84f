package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/grafana/pyroscope-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-gate/internal/auth"
	"github.com/ksred/klear-gate/internal/config"
	"github.com/ksred/klear-gate/internal/database"
	"github.com/ksred/klear-gate/internal/exchange"
	"github.com/ksred/klear-gate/internal/ledger"
	"github.com/ksred/klear-gate/internal/trading"
	"github.com/ksred/klear-gate/internal/venue"
	"github.com/ksred/klear-gate/internal/venue/bridge"
	"github.com/ksred/klear-gate/pkg/middleware"
)

// init configures logging. Development gets a console writer; DEBUG=true
// overrides the configured level.
func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func configPath() string {
	if p := os.Getenv("KLEAR_CONFIG"); p != "" {
		return p
	}
	return config.DefaultPath
}

func setLevel(level string) {
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	if l, err := zerolog.ParseLevel(level); err == nil && l != zerolog.NoLevel {
		zerolog.SetGlobalLevel(l)
	}
}

func startProfiler(cfg *config.Config) func() {
	if cfg.Profiling.ServerAddress == "" {
		return func() {}
	}
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: "klear-gate",
		ServerAddress:   cfg.Profiling.ServerAddress,
		Tags:            map[string]string{"trading_mode": cfg.Trading.Mode},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
	if err != nil {
		zlog.Warn().Err(err).Msg("profiler failed to start, continuing without it")
		return func() {}
	}
	return func() { _ = profiler.Stop() }
}

func newVenueClient(cfg *config.Config) venue.Client {
	if cfg.Venue.Driver == "bridge" {
		return bridge.New()
	}
	opts := exchange.DefaultOptions()
	opts.MinLatency = cfg.Venue.Simulated.MinLatency
	opts.MaxLatency = cfg.Venue.Simulated.MaxLatency
	opts.SuccessRate = 1 - cfg.Venue.Simulated.RejectRate
	return exchange.NewSimulator(opts)
}

// main wires config, ledger, venue and HTTP surface and serves until SIGINT
// or SIGTERM
func main() {
	path := configPath()
	cfg, err := config.Load(path)
	if err != nil {
		zlog.Fatal().Err(err).Str("path", path).Msg("Failed to load configuration")
	}
	setLevel(cfg.Logging.Level)

	stopProfiler := startProfiler(cfg)
	defer stopProfiler()

	db, err := database.NewDatabase(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}
	auditLedger, err := ledger.New(db)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize audit ledger")
	}

	vcfg := venue.DefaultConfig()
	vcfg.Host = cfg.Venue.Host
	vcfg.Port = cfg.Venue.Port
	vcfg.ClientID = cfg.Venue.ClientID
	if cfg.Venue.ConnectTimeout > 0 {
		vcfg.ConnectTimeout = cfg.Venue.ConnectTimeout
	}
	conn := venue.NewConnection(newVenueClient(cfg), vcfg)
	defer conn.Close()

	if err := conn.Connect(context.Background()); err != nil {
		// orders reconnect on demand; simulated orders never need the venue
		zlog.Warn().Err(err).Str("driver", cfg.Venue.Driver).Msg("Venue unavailable at startup")
	}

	tradingService := trading.NewService(auditLedger, conn, config.NewFileSafetySource(path), trading.Options{
		IDBucket:      cfg.Trading.IDBucket,
		SubmitTimeout: cfg.Trading.SubmitTimeout,
	})
	tradingHandlers := trading.NewGinHandlers(tradingService)

	authService := auth.NewService(cfg.Server.JWTSecret, cfg.Auth.Credentials)
	authHandlers := auth.NewGinHandlers(authService)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	if cfg.Trading.PollInterval > 0 {
		go trading.NewPoller(tradingService, cfg.Trading.PollInterval, 0).Start(bgCtx)
	}

	limiter := middleware.NewRateLimiter(middleware.DefaultLimits())
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-bgCtx.Done():
				return
			case <-ticker.C:
				limiter.Sweep(3 * time.Minute)
			}
		}
	}()

	if os.Getenv("ENV") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	setupRoutes(router, cfg, limiter, authHandlers, tradingHandlers)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		zlog.Info().Str("port", cfg.Server.Port).Str("trading_mode", cfg.Trading.Mode).
			Bool("orders_enabled", cfg.Trading.OrdersEnabled).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// in-flight submissions get their full timeout to resolve
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Trading.SubmitTimeout+5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes mounts the public auth route, the authenticated order routes
// and the operational endpoints
func setupRoutes(
	router *gin.Engine,
	cfg *config.Config,
	limiter *middleware.RateLimiter,
	authHandlers *auth.GinHandlers,
	tradingHandlers *trading.GinHandlers,
) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		authGroup := v1.Group("/auth")
		authGroup.Use(limiter.Middleware())
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		orders := v1.Group("")
		orders.Use(middleware.JWTAuth(cfg.Server.JWTSecret), limiter.Middleware())
		tradingHandlers.Register(orders)
	}
}
