package main

import (
	"context"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/twap-gate/internal/admission"
	"github.com/ksred/twap-gate/internal/auth"
	"github.com/ksred/twap-gate/internal/database"
	"github.com/ksred/twap-gate/internal/oracle"
	"github.com/ksred/twap-gate/internal/orders"
	"github.com/ksred/twap-gate/internal/volatility"
	"github.com/ksred/twap-gate/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	_ = godotenv.Load()

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

// main initializes and runs the admission engine server with graceful
// shutdown support. It wires the oracle feeds, volatility store, order
// registry, and the gate pipeline behind the API routes.
func main() {
	// Initialize database
	db, err := database.NewDatabase()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService(middleware.JWTSecret())
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	// Feed registry: a simulated ETH-USD walk plus an always-up sequencer
	// feed for local running. Production deployments register live adapters
	// here instead.
	registry := oracle.NewRegistry()
	startPrice := new(big.Int).Mul(big.NewInt(2000), big.NewInt(100_000_000))
	registry.RegisterPriceFeed("ETH-USD", oracle.NewRandomWalkFeed(startPrice, 8, 25))
	registry.RegisterSequencerFeed("sequencer-uptime", oracle.NewStaticSequencerFeed(false, time.Now().Unix()-2*oracle.DefaultGracePeriod))
	adapter := oracle.NewAdapter(registry, oracle.DefaultGracePeriod)

	volStore := volatility.NewStore(db, volatility.DefaultCapacity)
	ordersService := orders.NewService(db, adapter, volStore)
	ordersHandlers := orders.NewGinHandlers(ordersService)

	engine := admission.NewEngine(db, ordersService, adapter, volStore, admission.DefaultConfig())
	admissionHandlers := admission.NewGinHandlers(engine)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, authHandlers, ordersHandlers, admissionHandlers)

	// Get port from env otherwise it's 8080
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Create server
	srv := &http.Server{
		Addr:    ":" + port,
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
// - Order routes: Registration and read-only queries, JWT protected
// - Internal routes: Settlement hooks and administration, internal network
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	ordersHandlers *orders.GinHandlers,
	admissionHandlers *admission.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Order registration and query surface
		ordersGroup := v1.Group("/orders")
		ordersGroup.Use(middleware.JWTAuth())
		{
			ordersGroup.POST("", ordersHandlers.RegisterOrderHandler())
			ordersGroup.GET("/:order_id", ordersHandlers.GetOrderHandler())
			ordersGroup.GET("/:order_id/volatility", ordersHandlers.VolatilityHandler())
			ordersGroup.GET("/:order_id/history", ordersHandlers.HistoryHandler())
			ordersGroup.GET("/:order_id/preview", admissionHandlers.PreviewHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth())
		{
			internal.POST("/admission/:order_id", admissionHandlers.AdmitHandler())
			internal.POST("/completion/:order_id", admissionHandlers.CompletionHandler())
		}

		// Administrative surface
		admin := v1.Group("/admin")
		admin.Use(middleware.InternalAuth())
		{
			admin.PUT("/takers/:address", admissionHandlers.AuthorizeTakerHandler())
			admin.DELETE("/takers/:address", admissionHandlers.DeauthorizeTakerHandler())
			admin.POST("/pause", admissionHandlers.PauseHandler())
			admin.POST("/resume", admissionHandlers.ResumeHandler())
		}
	}
}
