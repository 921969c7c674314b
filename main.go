package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"ms-ordering/internal/auth"
	"ms-ordering/internal/cache"
	"ms-ordering/internal/catalog"
	"ms-ordering/internal/config"
	"ms-ordering/internal/database/migrations"
	"ms-ordering/internal/kafka"
	"ms-ordering/internal/logger"
	"ms-ordering/internal/notification"
	"ms-ordering/internal/order"
	orderdb "ms-ordering/internal/order/db"
	"ms-ordering/internal/order/order_api"
	"ms-ordering/internal/payment/gateway"
	paymenthandler "ms-ordering/internal/payment/handler"
	"ms-ordering/internal/payment/services"
	"ms-ordering/internal/payment/storage"
	"ms-ordering/internal/sse"
	"ms-ordering/internal/utils"
)

func connectDatabase(cfg config.DatabaseConfig, log *logger.Logger) *bun.DB {
	var sqldb *sql.DB
	var err error
	tries := cfg.ConnectTries
	if tries < 1 {
		tries = 1
	}

	for i := 0; i < tries; i++ {
		log.Info("DATABASE", fmt.Sprintf("Attempting to connect to PostgreSQL (attempt %d/%d)", i+1, tries))
		sqldb, err = sql.Open("postgres", cfg.DSN)
		if err != nil {
			log.Error("DATABASE", fmt.Sprintf("Failed to open PostgreSQL: %v", err))
			time.Sleep(2 * time.Second)
			continue
		}

		err = sqldb.Ping()
		if err == nil {
			break
		}

		log.Error("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
		sqldb.Close()
		if i < tries-1 {
			time.Sleep(2 * time.Second)
		}
	}
	if err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL after %d attempts: %v", tries, err))
	}

	sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.MaxLifetime)

	log.Info("DATABASE", "PostgreSQL connection successful")
	return bun.NewDB(sqldb, pgdialect.New())
}

// connectCache prefers Redis and falls back to an in-process store, which is
// only safe while a single instance serves traffic.
func connectCache(ctx context.Context, cfg config.RedisConfig, log *logger.Logger) (cache.TTLStore, *redis.Client) {
	client, err := cache.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Warn("REDIS", fmt.Sprintf("Redis unavailable, using in-memory store: %v", err))
		return cache.NewMemoryStore(), nil
	}
	return cache.NewRedisStore(client, "ordering:"), client
}

func buildVerifier(ctx context.Context, cfg config.AuthConfig, log *logger.Logger) auth.Verifier {
	switch {
	case cfg.Disabled:
		log.Warn("AUTH", "Authentication disabled, every request runs as the demo customer")
		return auth.StaticVerifier{Identity: auth.Identity{UserID: "user_demo", Roles: []string{"customer"}}}
	case cfg.OIDCIssuer != "":
		v, err := auth.NewOIDCVerifier(ctx, cfg.OIDCIssuer)
		if err != nil {
			log.Fatal("AUTH", fmt.Sprintf("OIDC setup failed: %v", err))
		}
		log.Info("AUTH", fmt.Sprintf("Verifying tokens against %s", cfg.OIDCIssuer))
		return v
	default:
		log.Info("AUTH", "Verifying HMAC-signed tokens")
		return auth.NewHMACVerifier(cfg.JWTSecret)
	}
}

// startNotifications returns the publisher the dispatcher writes to. With
// Kafka enabled notifications travel through the topic and a consumer feeds
// the SSE broker; otherwise the broker receives them directly.
func startNotifications(ctx context.Context, cfg config.KafkaConfig, broker *sse.Broker, log *logger.Logger) (notification.Publisher, func()) {
	if !cfg.Enabled {
		log.Info("KAFKA", "Kafka disabled, notifications go straight to SSE clients")
		return broker, func() {}
	}

	if err := kafka.EnsureTopicsExist(ctx, cfg.Brokers, []string{cfg.NotificationTopic}, log); err != nil {
		log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
	}

	producer := kafka.NewProducer(cfg.Brokers, cfg.NotificationTopic, log)
	consumer := kafka.NewConsumer(cfg.Brokers, cfg.NotificationTopic, cfg.GroupID, log)
	go consumer.Start(ctx, func(ctx context.Context, value []byte) error {
		return notification.Forward(ctx, broker, value)
	})
	log.Info("KAFKA", fmt.Sprintf("Notifications published to %s", cfg.NotificationTopic))

	return notification.NewBusPublisher(producer), func() {
		if err := producer.Close(); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Producer close: %v", err))
		}
		if err := consumer.Close(); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Consumer close: %v", err))
		}
	}
}

// accessLog writes one API line per request.
func accessLog(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			log.LogAPI(r.Method, r.URL.Path, status, time.Since(start))
		})
	}
}

type pinger interface {
	PingContext(ctx context.Context) error
}

type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) PingContext(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// healthHandler reports 503 when any dependency fails to answer a ping.
func healthHandler(deps map[string]pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := make(map[string]string, len(deps))
		healthy := true
		for name, dep := range deps {
			if err := dep.PingContext(ctx); err != nil {
				checks[name] = err.Error()
				healthy = false
				continue
			}
			checks[name] = "ok"
		}

		if !healthy {
			resp := utils.ErrorResponse("dependency check failed", "UNAVAILABLE")
			resp.Data = checks
			utils.WriteJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("healthy", checks))
	}
}

func main() {
	appLogger := logger.NewLogger()
	defer appLogger.Close()

	appLogger.Info("APP", "Starting Order Service initialization")

	if err := godotenv.Load(); err != nil {
		appLogger.Warn("CONFIG", ".env file not found, using environment variables")
	} else {
		appLogger.Info("CONFIG", "Loaded environment variables from .env file")
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		appLogger.Fatal("CONFIG", fmt.Sprintf("Invalid configuration: %v", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bunDB := connectDatabase(cfg.Database, appLogger)
	defer bunDB.Close()

	if cfg.Database.AutoMigrate {
		runner := migrations.NewRunner(bunDB, migrations.MigrateOptions{
			MigrationsDir: cfg.Database.MigrationsDir,
			AutoMigrate:   true,
			SeedData:      cfg.Database.SeedData,
		}, appLogger)
		if err := runner.RunMigrations(); err != nil {
			appLogger.Fatal("MIGRATION", fmt.Sprintf("Migrations failed: %v", err))
		}
		// Close would also close the shared *sql.DB, so the runner is left open.
	}

	store, redisClient := connectCache(ctx, cfg.Redis, appLogger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	broker := sse.NewBroker()
	publisher, closeBus := startNotifications(ctx, cfg.Kafka, broker, appLogger)
	defer closeBus()

	dispatcher := notification.NewDispatcher(catalog.NewStore(bunDB), appLogger, publisher)

	provider, err := gateway.NewProvider(cfg.Gateway, store, &http.Client{})
	if err != nil {
		appLogger.Fatal("PAYMENT", fmt.Sprintf("Gateway setup failed: %v", err))
	}
	appLogger.Info("PAYMENT", fmt.Sprintf("Using %s gateway (sandbox=%t)", provider.Name, cfg.Gateway.Mock))

	orders := orderdb.New(bunDB, appLogger)
	orderService := order.NewOrderService(orders, dispatcher, appLogger, cfg.Pricing.DeliveryCharge)
	orderHandler := order_api.NewHandler(orderService, appLogger, cfg.Auth.AdminRole)

	ledger := storage.NewLedger(bunDB, appLogger)
	reconciler := services.NewReconciler(bunDB, ledger, provider, dispatcher, appLogger)
	paymentService := services.NewPaymentService(orders, ledger, provider, reconciler, store, cfg.Gateway.WebhookDedupe, appLogger)
	refunds := services.NewRefundCoordinator(bunDB, ledger, provider, dispatcher, appLogger)
	paymentHandler := paymenthandler.NewPaymentHandler(paymentService, refunds, appLogger, cfg.Auth.AdminRole)

	sseHandler := sse.NewHandler(broker, appLogger)
	verifier := buildVerifier(ctx, cfg.Auth, appLogger)

	deps := map[string]pinger{"postgres": bunDB}
	if redisClient != nil {
		deps["redis"] = redisPinger{client: redisClient}
	}

	appLogger.Info("HTTP", "Setting up router and middleware")
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(appLogger))

	r.Get("/healthz", healthHandler(deps))

	// Gateways call these without a bearer token; the payload signature is the check.
	paymentHandler.WebhookRoutes(r)

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware(verifier, appLogger))

		orderHandler.Routes(r)
		paymentHandler.Routes(r)
		r.Get("/notifications/stream", sseHandler.Stream)

		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireRole(cfg.Auth.AdminRole, appLogger))
			orderHandler.AdminRoutes(r)
			paymentHandler.AdminRoutes(r)
			r.Get("/notifications/stream", sseHandler.Stream)
		})
	})
	appLogger.Info("ROUTER", "Routes registered under /api, /api/admin and /webhooks")

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		appLogger.Info("HTTP", fmt.Sprintf("Order Service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	appLogger.Info("APP", "Service started successfully, waiting for shutdown signal")
	<-ctx.Done()

	appLogger.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	ctxShutdown, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctxShutdown); err != nil {
		appLogger.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
	}
	dispatcher.Wait()
	appLogger.Info("APP", "Order Service shutdown complete")
}
