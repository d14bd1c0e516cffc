package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"coupon-system/internal/config"
	"coupon-system/internal/database"
	"coupon-system/internal/handlers"
	"coupon-system/internal/kafka"
	"coupon-system/internal/logger"
	"coupon-system/internal/models"
	"coupon-system/internal/redis"
	"coupon-system/internal/scheduler"
	"coupon-system/internal/services"
)

// Фабричные функции для подключения внешних сервисов (подменяемые в тестах).
var (
	dbConnect        = database.Connect
	redisConnect     = redis.Connect
	newKafkaProducer = kafka.NewProducer
	newKafkaConsumer = kafka.NewConsumer
	kafkaHealthCheck = handlers.CheckKafkaHealth
	loadConfig       = config.Load
	newLogger        = logger.New
)

// application агрегирует собранные зависимости.
type application struct {
	cfg        *config.Config
	log        *logger.Logger
	db         *database.DB
	redis      *redis.Client
	producer   *kafka.Producer
	consumer   *kafka.Consumer
	reconciler *scheduler.Reconciler
	mux        *http.ServeMux
	server     *http.Server
}

func main() {
	app, err := buildApplication()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build app: %v\n", err)
		os.Exit(1)
	}
	app.log.Info("Starting coupon system server...")

	go func() {
		app.log.WithField("address", app.server.Addr).Info("HTTP server starting")
		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.log.WithError(err).Fatal("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	app.log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = app.consumer.Stop()
	app.reconciler.Stop()
	if err := app.server.Shutdown(ctx); err != nil {
		app.log.WithError(err).Error("Server forced to shutdown")
	}
	_ = app.producer.Close()
	_ = app.redis.Close()
	_ = app.db.Close()
	app.log.Info("Server exited")
}

// buildApplication создает все зависимости (подменяемые в тестах).
func buildApplication() (*application, error) {
	cfg := loadConfig()
	log := newLogger(&cfg.Logger)

	db, err := dbConnect(&cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	if err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db migrate: %w", err)
	}

	redisClient, err := redisConnect(&cfg.Redis, log)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("redis connect: %w", err)
	}

	producer, err := newKafkaProducer(&cfg.Kafka, log)
	if err != nil {
		_ = redisClient.Close()
		_ = db.Close()
		return nil, fmt.Errorf("kafka producer: %w", err)
	}

	consumer, err := newKafkaConsumer(&cfg.Kafka, log, producer)
	if err != nil {
		_ = producer.Close()
		_ = redisClient.Close()
		_ = db.Close()
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}

	inventory := redis.NewInventory(redisClient, log)
	lock := redis.NewLock(redisClient, log)

	couponService := services.NewCouponService(db, redisClient, inventory, lock, log, &cfg.Cache, &cfg.Lock)
	issuanceService := services.NewIssuanceService(db, inventory, producer, couponService, log)
	rateLimiter := services.NewRateLimiter(redisClient, log, &cfg.RateLimit)

	reconciler := scheduler.NewReconciler(couponService, inventory, log, time.Duration(cfg.Reconcile.IntervalSeconds)*time.Second)

	couponHandler := handlers.NewCouponHandler(couponService, issuanceService, log)
	healthHandler := handlers.NewHealthHandler(db, redisClient, cfg.Kafka.Brokers, kafkaHealthCheck)

	registerEventHandlers(consumer, issuanceService, log)
	if err := consumer.Start(); err != nil {
		_ = consumer.Stop()
		_ = producer.Close()
		_ = redisClient.Close()
		_ = db.Close()
		return nil, fmt.Errorf("kafka consumer start: %w", err)
	}
	reconciler.Start()

	mux := setupRoutes(couponHandler, healthHandler, rateLimiter, log)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	return &application{
		cfg:        cfg,
		log:        log,
		db:         db,
		redis:      redisClient,
		producer:   producer,
		consumer:   consumer,
		reconciler: reconciler,
		mux:        mux,
		server:     server,
	}, nil
}

// setupRoutes настраивает маршруты HTTP сервера
func setupRoutes(couponHandler *handlers.CouponHandler, healthHandler *handlers.HealthHandler, rateLimiter *services.RateLimiter, log *logger.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	applyAPI := func(h http.HandlerFunc) http.HandlerFunc {
		return corsMiddleware(handlers.RateLimitMiddleware(rateLimiter, log, h))
	}

	// Health check endpoints
	mux.HandleFunc("/health", corsMiddleware(healthHandler.Health))
	mux.HandleFunc("/health/readiness", corsMiddleware(healthHandler.Readiness))
	mux.HandleFunc("/health/liveness", corsMiddleware(healthHandler.Liveness))

	// Coupon endpoints
	mux.HandleFunc("/coupons", applyAPI(handleCouponsRoute(couponHandler)))
	mux.HandleFunc("/coupons/", applyAPI(handleCouponRoute(couponHandler)))

	return mux
}

// handleCouponsRoute обрабатывает маршруты для коллекции купонов
func handleCouponsRoute(handler *handlers.CouponHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			handler.GetCoupon(w, r)
		case http.MethodPost:
			handler.CreateCoupon(w, r)
		default:
			writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	}
}

// handleCouponRoute обрабатывает маршруты вида /coupons/{userId}/...
func handleCouponRoute(handler *handlers.CouponHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/create") {
			// Административное создание купона
			if r.Method == http.MethodPost {
				handler.CreateCoupon(w, r)
			} else {
				writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
			}
		} else if strings.HasSuffix(r.URL.Path, "/issue") {
			// Синхронная выдача купона пользователю
			if r.Method == http.MethodPost {
				handler.IssueCoupon(w, r)
			} else {
				writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
			}
		} else if strings.HasSuffix(r.URL.Path, "/issue-async") {
			// Постановка запроса на выдачу в очередь
			if r.Method == http.MethodPost {
				handler.IssueCouponAsync(w, r)
			} else {
				writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
			}
		} else if strings.HasSuffix(r.URL.Path, "/list") {
			// Список купонов пользователя
			if r.Method == http.MethodGet {
				handler.ListUserCoupons(w, r)
			} else {
				writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
			}
		} else if strings.HasSuffix(r.URL.Path, "/use") {
			// Погашение купона
			if r.Method == http.MethodPost {
				handler.UseCoupon(w, r)
			} else {
				writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
			}
		} else if strings.HasSuffix(r.URL.Path, "/refund") {
			// Возврат погашенного купона
			if r.Method == http.MethodPost {
				handler.RefundCoupon(w, r)
			} else {
				writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
			}
		} else {
			writeErrorResponse(w, http.StatusNotFound, "Unknown coupon route")
		}
	}
}

// registerEventHandlers регистрирует обработчики событий Kafka
func registerEventHandlers(consumer *kafka.Consumer, issuance *services.IssuanceService, log *logger.Logger) {
	consumer.RegisterHandler(models.EventTypeCouponIssueRequested, func(ctx context.Context, event *models.Event) error {
		var msg models.CouponIssueMessage
		if err := json.Unmarshal(event.Data, &msg); err != nil {
			log.WithError(err).WithField("event_id", event.ID).Error("Malformed coupon issue message")
			return nil
		}

		_, err := issuance.Issue(ctx, msg.CouponID, msg.UserID)
		return err
	})

	consumer.RegisterHandler(models.EventTypeCouponIssued, func(ctx context.Context, event *models.Event) error {
		log.WithField("event_id", event.ID).Info("Processing coupon issued event")
		return nil
	})
}

// corsMiddleware и другие helper функции
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	type errorResponse struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
	})
}
