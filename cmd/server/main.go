package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"checkout-service/config"
	"checkout-service/internal/api"
	"checkout-service/internal/broker"
	"checkout-service/internal/notify"
	"checkout-service/internal/payment"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/service"
	"checkout-service/internal/store"
	"checkout-service/internal/util"
	"checkout-service/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting checkout service", zap.String("env", cfg.Server.Env))

	tp, err := util.InitTracer("checkout-service", cfg.Server.Env, cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	repo := openRepository(cfg.Database)
	defer repo.Close()

	var (
		settingsCache service.SettingsCache
		locker        service.Locker
	)
	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Warn("Redis unavailable, running without shared settings cache and intent locks", zap.Error(err))
	} else {
		defer redisClient.Close()
		settingsCache = redisClient
		locker = redisClient
		logger.Info("Redis connected", zap.String("addr", cfg.Redis.Addr))
	}

	producer := broker.NewProducer(cfg.Kafka.Brokers)
	defer producer.Close()

	topic := cfg.Kafka.TopicOrder
	settings := service.NewSettingsProvider(repo, settingsCache, cfg.Business.SettingsCacheTTL)
	ledger := service.NewLedger()
	orderService := service.NewOrderService(repo, ledger, settings, cfg.Business.GSTPercentage, topic)
	stateMachine := service.NewOrderStateMachine(repo, ledger, settings, topic)
	paymentService := service.NewPaymentService(
		repo,
		payment.NewRazorpay(cfg.Payment.KeyID, cfg.Payment.KeySecret),
		locker,
		service.PaymentConfig{
			KeyID:         cfg.Payment.KeyID,
			KeySecret:     cfg.Payment.KeySecret,
			WebhookSecret: cfg.Payment.WebhookSecret,
			Currency:      cfg.Business.Currency,
			LockTTL:       cfg.Business.PaymentIntentLockTTL,
		},
		topic,
	)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	if settingsCache != nil {
		go func() {
			if err := settings.Listen(workerCtx); err != nil && workerCtx.Err() == nil {
				logger.Error("Settings invalidation listener stopped", zap.Error(err))
			}
		}()
	}

	relay := worker.NewOutboxRelay(repo, producer, cfg.Business.OutboxPollInterval, cfg.Business.OutboxBatchSize)
	go func() {
		if err := relay.Run(workerCtx); err != nil && workerCtx.Err() == nil {
			logger.Error("Outbox relay error", zap.Error(err))
		}
	}()

	notificationConsumer := broker.NewConsumer(cfg.Kafka.Brokers, topic, cfg.Kafka.ConsumerGroup)
	notificationWorker := worker.NewNotificationWorker(notificationConsumer, repo, notify.NewNotifier(
		notify.NewInvoiceRenderer(cfg.Invoice.CompanyName, cfg.Invoice.Dir),
		newMailer(cfg.Mail),
		cfg.Mail.AdminEmail,
	))
	go func() {
		if err := notificationWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
			logger.Error("Notification worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orderService, stateMachine, paymentService, settings)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	var metricsSrv *http.Server
	if port := cfg.Observ.PrometheusPort; port != "" && port != cfg.Server.Port {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server error", zap.Error(err))
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	workerCancel()
	if err := notificationWorker.Stop(); err != nil {
		logger.Warn("Error closing notification consumer", zap.Error(err))
	}

	logger.Info("Server exited")
}

func openRepository(cfg config.DatabaseConfig) store.Repository {
	logger := util.GetLogger()

	if cfg.Driver == "memory" {
		logger.Warn("Using in-memory store, data is lost on exit")
		return store.NewMemoryStore()
	}

	db, err := store.NewStore(cfg.Driver, cfg.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if cfg.Migrate {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := db.Migrate(ctx); err != nil {
			log.Fatalf("Failed to apply schema: %v", err)
		}
		logger.Info("Schema applied")
	}
	logger.Info("Database connected", zap.String("driver", cfg.Driver))
	return db
}

func newMailer(cfg config.MailConfig) notify.Mailer {
	if cfg.Host == "" {
		return notify.NewLogMailer()
	}
	return notify.NewSMTPMailer(cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.From)
}
