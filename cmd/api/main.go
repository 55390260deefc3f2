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

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/card-gateway/internal/broker"
	"github.com/Dan9191/card-gateway/internal/config"
	"github.com/Dan9191/card-gateway/internal/handler"
	"github.com/Dan9191/card-gateway/internal/hook"
	"github.com/Dan9191/card-gateway/internal/integrations/geoip"
	"github.com/Dan9191/card-gateway/internal/integrations/networka"
	"github.com/Dan9191/card-gateway/internal/integrations/networkb"
	"github.com/Dan9191/card-gateway/internal/integrations/processing"
	"github.com/Dan9191/card-gateway/internal/integrations/sandbox"
	"github.com/Dan9191/card-gateway/internal/integrations/sms"
	"github.com/Dan9191/card-gateway/internal/repository"
	"github.com/Dan9191/card-gateway/internal/service"
	"github.com/Dan9191/card-gateway/internal/utils"
	"github.com/Dan9191/card-gateway/internal/utils/email"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	// Load configuration
	cfg, err := config.NewConfig()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	logLevel, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	// Initialize database
	db, err := sql.Open("postgres", cfg.DBConn)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Fatalf("Failed to ping database: %v", err)
	}
	repo := repository.NewRepository(db)
	if err := repo.Migrate(context.Background()); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}

	// Card networks
	bins, err := processing.LoadBinRegistry(cfg.BinRegistryPath)
	if err != nil {
		logger.Fatalf("Failed to load bin registry: %v", err)
	}
	registry := processing.NewRegistry(
		networka.NewClient(cfg, logger),
		networkb.NewClient(cfg, logger),
		sandbox.New(),
	)
	router := processing.NewRouter(bins, registry, cfg.TestCardPattern)

	key, err := utils.LoadPrivateKey(cfg.CryptogramKeyPath)
	if err != nil {
		logger.Fatalf("Failed to load cryptogram key: %v", err)
	}

	// Notifications
	publisher, err := broker.Connect(cfg.NatsURL, logger)
	if err != nil {
		logger.Fatalf("Failed to connect to broker: %v", err)
	}
	defer publisher.Close()

	smsClient := sms.NewClient(cfg, logger)
	engine := hook.NewEngine(repo, email.NewSender(cfg, logger), cfg.WebhookTimeout, logger)
	dispatcher := service.NewDispatcher(repo, engine, publisher, geoip.NewClient(cfg, logger), smsClient, logger)

	// Initialize layers
	svc := service.NewService(repo, router, utils.NewCryptogramDecoder(key), dispatcher, smsClient, logger, cfg)
	h := handler.NewHandler(svc, cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler := service.NewScheduler(svc.Cards, engine, cfg.SchedulerSpec, logger)
	if err := scheduler.Start(ctx); err != nil {
		logger.Fatalf("Failed to start scheduler: %v", err)
	}

	// Setup router
	r := mux.NewRouter()
	h.RegisterRoutes(r)

	// Start server
	addr := fmt.Sprintf(":%s", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.NetworkTimeout + 10*time.Second,
	}
	go func() {
		logger.Infof("Starting server on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server shutdown failed: %v", err)
	}
	scheduler.Stop()
	engine.Wait()
	logger.Info("Server stopped")
}
