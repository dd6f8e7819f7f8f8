package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/google/uuid"
	"github.com/ksred/omnibus-api/internal/aggregation"
	"github.com/ksred/omnibus-api/internal/allocation"
	"github.com/ksred/omnibus-api/internal/auth"
	"github.com/ksred/omnibus-api/internal/broker"
	"github.com/ksred/omnibus-api/internal/config"
	"github.com/ksred/omnibus-api/internal/database"
	"github.com/ksred/omnibus-api/internal/dividend"
	"github.com/ksred/omnibus-api/internal/execution"
	"github.com/ksred/omnibus-api/internal/intent"
	"github.com/ksred/omnibus-api/internal/scheduler"
	"github.com/ksred/omnibus-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the aggregation API server with graceful
// shutdown support. It wires the intent store, the assembler, the
// execution coordinator, the allocation engine and the scheduler around a
// shared database connection.
func main() {
	cfg := config.Load()

	// Initialize database
	db, err := database.NewDatabase(cfg.DBPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService(cfg.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	intentService := intent.NewService(db, cfg.BatchInterval)
	intentHandlers := intent.NewGinHandlers(intentService)

	brokerClient := broker.NewSimulated()
	locks := execution.NewLockManager(db, "server-"+uuid.New().String(), cfg.LockLease)

	assembler := aggregation.NewAssembler(db, cfg.BatchInterval, cfg.MinOrderQuantity)
	coordinator := execution.NewCoordinator(db, brokerClient, locks)
	engine := allocation.NewEngine(db)

	aggScheduler := scheduler.New(db, assembler, coordinator, engine, cfg.SchedulerTick, cfg.WorkerPool)
	schedulerHandlers := scheduler.NewGinHandlers(aggScheduler)

	dividendService := dividend.NewService(db)
	dividendHandlers := dividend.NewGinHandlers(dividendService)

	// Start the aggregation control loop
	schedulerCtx, schedulerCancel := context.WithCancel(context.Background())
	defer schedulerCancel()

	go aggScheduler.Start(schedulerCtx)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, cfg.JWTSecret, authHandlers, intentHandlers, schedulerHandlers, dividendHandlers)

	// Create server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Stop the scheduler before the HTTP surface
	schedulerCancel()

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Intent routes: Protected by JWT authentication
// - Internal routes: Protected by internal network authentication
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	intentHandlers *intent.GinHandlers,
	schedulerHandlers *scheduler.GinHandlers,
	dividendHandlers *dividend.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Intent routes
		intents := v1.Group("/intents")
		intents.Use(middleware.JWTAuth(jwtSecret))
		{
			intents.POST("", intentHandlers.EnqueueIntentHandler())
			intents.GET("/:intent_id", intentHandlers.GetIntentStatusHandler())
			intents.POST("/:intent_id/cancel", intentHandlers.CancelIntentHandler())
		}

		// Synchronous bulk execution
		batches := v1.Group("/batches")
		batches.Use(middleware.JWTAuth(jwtSecret))
		{
			batches.POST("/execute", schedulerHandlers.ExecuteNowHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(jwtSecret))
		{
			internal.POST("/windows/force-close", schedulerHandlers.ForceCloseWindowHandler())
			internal.GET("/aggregates/:aggregate_id", schedulerHandlers.GetAggregateHandler())
			internal.POST("/dividends", dividendHandlers.DistributeHandler())
			internal.GET("/dividends/:distribution_id", dividendHandlers.GetDistributionHandler())
		}
	}
}
