package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/truesalary/backend/docs"
	"github.com/truesalary/backend/internal/config"
	"github.com/truesalary/backend/internal/database"
	"github.com/truesalary/backend/internal/linepay"
	mW "github.com/truesalary/backend/internal/middleware"
	"github.com/truesalary/backend/internal/services"
)

// @title True Salary Backend API
// @version 1.0
// @description Salary transparency platform: points economy, post unlocks, check-in streaks and payments
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env
	viper.ReadInConfig()        // read .env file

	viper.SetEnvPrefix("")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")

	viper.BindEnv("linepay.channel_id", "LINEPAY_CHANNEL_ID")
	viper.BindEnv("linepay.channel_secret", "LINEPAY_CHANNEL_SECRET")
	viper.BindEnv("linepay.api_base", "LINEPAY_API_BASE")
	viper.BindEnv("linepay.confirm_url", "LINEPAY_CONFIRM_URL")
	viper.BindEnv("linepay.cancel_url", "LINEPAY_CANCEL_URL")

	viper.BindEnv("frontend.url", "FRONTEND_URL")
	viper.SetDefault("frontend.url", "http://localhost:3000")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "True Salary Backend API"
	docs.SwaggerInfo.Description = "Salary transparency platform API"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	pointsConfig := config.LoadPointsConfig()
	gateway := linepay.NewClient(linepay.LoadConfig())
	notifier := services.NewNotifier(redisClient)

	pointsService := services.NewPointsService(db)
	checkInService := services.NewCheckInService(db, pointsService, pointsConfig, notifier)
	unlockService := services.NewUnlockService(db, pointsService, pointsConfig, notifier)
	postService := services.NewPostService(db, pointsService, pointsConfig)
	paymentService := services.NewPaymentService(db, gateway, pointsService, pointsConfig, notifier,
		viper.GetString("frontend.url"))

	// Periodic sweep backstops the lazy expiry checks on order access.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every 5m", paymentService.SweepExpired); err != nil {
		log.Fatalf("Failed to schedule expiry sweep: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints; a valid token still personalizes unlock state
		r.Group(func(r chi.Router) {
			r.Use(mW.OptionalAuth)

			r.Get("/posts", postService.ListPostsHandler)
			r.Get("/posts/{postId}", unlockService.GetPostHandler)
		})

		// Payment provider callback carries no user token
		r.Get("/payments/confirm", paymentService.ConfirmPaymentHandler)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/points", pointsService.GetBalanceHandler)
			r.Get("/points/history", pointsService.GetHistoryHandler)

			r.Post("/user/checkIn", checkInService.CheckInHandler)

			r.Post("/posts", postService.CreatePostHandler)
			r.Post("/posts/{postId}/unlock", unlockService.UnlockPostHandler)

			r.Post("/payments/order", paymentService.CreateOrderHandler)
			r.Post("/payments/{transactionId}", paymentService.SubmitOrderHandler)
			r.Get("/payments/orders", paymentService.ListOrdersHandler)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
