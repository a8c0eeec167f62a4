package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ms-booking/internal/config"
	"ms-booking/internal/database/migrations"
	"ms-booking/internal/kafka"
	"ms-booking/internal/logger"
	"ms-booking/internal/notify"
	"ms-booking/internal/payments"
	"ms-booking/internal/reservation"
	"ms-booking/internal/reservation/api"
	"ms-booking/internal/reservation/db"
	rediswrap "ms-booking/internal/reservation/redis"
	"ms-booking/internal/scheduler"
	"ms-booking/internal/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
)

func connectPostgres(cfg config.DatabaseConfig, log *logger.Logger) *bun.DB {
	var sqldb *sql.DB
	var err error
	maxRetries := 5

	for i := 0; i < maxRetries; i++ {
		log.Info("DATABASE", fmt.Sprintf("Attempting to connect to PostgreSQL (attempt %d/%d)", i+1, maxRetries))
		sqldb, err = sql.Open("postgres", cfg.DSN)
		if err == nil {
			err = sqldb.Ping()
		}
		if err == nil {
			break
		}

		log.Error("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
		if i < maxRetries-1 {
			time.Sleep(2 * time.Second)
		}
	}
	if err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL after %d attempts: %v", maxRetries, err))
	}

	sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.MaxLifetime)

	log.Info("DATABASE", "PostgreSQL connection successful")
	return bun.NewDB(sqldb, pgdialect.New())
}

func connectRedis(ctx context.Context, cfg config.RedisConfig, log *logger.Logger) *redis.Client {
	if !cfg.Enabled {
		log.Info("REDIS", "Redis disabled, schedule admission lock off")
		return nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("REDIS", fmt.Sprintf("Redis unavailable at %s, continuing without admission lock: %v", cfg.Addr, err))
		_ = client.Close()
		return nil
	}
	log.Info("REDIS", fmt.Sprintf("Redis connection successful to %s", cfg.Addr))
	return client
}

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Println("CONFIG: .env file not found, using environment variables")
	}
	cfg := config.Load()

	log := logger.NewLogger(cfg.Log.Dir, "booking-service")
	log.SetLevel(cfg.Log.Level)
	defer log.Close()

	log.Info("APP", "Starting Booking Service initialization")
	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	bunDB := connectPostgres(cfg.Database, log)
	defer bunDB.Close()

	if cfg.Database.AutoMigrate {
		// migrate gets its own connection; closing the runner closes it
		migrationDB, err := sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			log.Fatal("DATABASE", fmt.Sprintf("Failed to open migration connection: %v", err))
		}
		runner := migrations.NewRunner(migrationDB, cfg.Database.MigrationsDir, log)
		if err := runner.Up(); err != nil {
			log.Fatal("DATABASE", fmt.Sprintf("Migrations failed: %v", err))
		}
		if err := runner.Close(); err != nil {
			log.Warn("DATABASE", fmt.Sprintf("Failed to close migrator: %v", err))
		}
	}

	store := &db.DB{Bun: bunDB}

	var locker reservation.Locker
	if redisClient := connectRedis(ctx, cfg.Redis, log); redisClient != nil {
		defer redisClient.Close()
		locker = rediswrap.NewRedis(redisClient, cfg.Redis.LockTTL, log)
	}

	var publisher reservation.Publisher
	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		topics := []string{cfg.Kafka.Topics.OrderCreated, cfg.Kafka.Topics.OrderStatusChanged, cfg.Kafka.Topics.PaymentEvents, cfg.Kafka.Topics.RefundRequired}
		if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers, topics, log); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		}
		producer = kafka.NewProducer(cfg.Kafka.Brokers, log)
		defer producer.Close()
		publisher = producer
		log.Info("KAFKA", "Kafka producer initialized successfully")
	}

	engine := reservation.NewService(store, locker, publisher, log, reservation.Options{
		LockWait:          cfg.Booking.LockWait,
		Location:          cfg.Booking.Location(),
		OrderCreatedTopic: cfg.Kafka.Topics.OrderCreated,
		OrderStatusTopic:  cfg.Kafka.Topics.OrderStatusChanged,
	})

	var confirmer payments.Confirmer
	if cfg.Email.Enabled {
		sender := notify.NewSMTPSender(cfg.Email.SMTPHost, cfg.Email.SMTPPort, cfg.Email.SMTPUsername, cfg.Email.SMTPPassword)
		confirmer = notify.NewMailer(engine, store, sender, notify.NewQRGenerator(cfg.Booking.QRSecret), cfg.Email.From, log)
		log.Info("EMAIL", fmt.Sprintf("Confirmation emails enabled via %s:%d", cfg.Email.SMTPHost, cfg.Email.SMTPPort))
	}

	if cfg.Kafka.Enabled {
		consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topics.PaymentEvents, cfg.Kafka.GroupID, log)
		defer consumer.Close()
		paymentHandler := payments.NewHandler(engine, confirmer, producer, cfg.Kafka.Topics.RefundRequired, log)
		go func() {
			if err := consumer.Run(ctx, paymentHandler.HandleMessage); err != nil {
				log.Error("KAFKA", fmt.Sprintf("Payment consumer stopped: %v", err))
			}
		}()
	}

	expiry, err := scheduler.NewExpiryJob(engine, cfg.Booking.PendingOrderTTL, cfg.Booking.ExpiryInterval, log)
	if err != nil {
		log.Fatal("SCHEDULER", fmt.Sprintf("Failed to create expiry job: %v", err))
	}
	expiry.Start()
	defer func() {
		if err := expiry.Stop(); err != nil {
			log.Warn("SCHEDULER", fmt.Sprintf("Failed to stop expiry job: %v", err))
		}
	}()

	handler := api.NewHandler(engine, cfg.Booking.Location(), log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := utils.OK("ok", nil)
		if err := bunDB.PingContext(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			resp = utils.Fail(utils.CodeUnavailable, "database unreachable: "+err.Error())
		}
		_ = utils.WriteJSON(w, status, resp)
	})
	r.Route("/api", handler.Routes)
	log.Info("ROUTER", "Booking routes registered under /api")

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("HTTP", fmt.Sprintf("Booking Service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP", fmt.Sprintf("HTTP server error: %v", err))
			stopSignals()
		}
	}()

	<-ctx.Done()
	log.Info("APP", "Shutdown signal received, initiating graceful shutdown")

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
		os.Exit(1)
	}
	log.Info("HTTP", "Booking Service shutdown complete")
}
