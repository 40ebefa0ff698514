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

	"golang-hma-trader/internal/trader/config"
	"golang-hma-trader/internal/trader/delivery/consumer"
	delivery "golang-hma-trader/internal/trader/delivery/http"
	"golang-hma-trader/internal/trader/repository"
	"golang-hma-trader/internal/trader/service"
	"golang-hma-trader/pkg/common"
	"golang-hma-trader/pkg/logger"
	"golang-hma-trader/pkg/postgres"
	"golang-hma-trader/pkg/redis"
	"golang-hma-trader/pkg/telegram"

	"github.com/labstack/echo/v4"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Starts the trading service",
	Run:   runServe,
}

func runServe(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	appLogger, err := logger.New(cfg.Logger.Level, cfg.Logger.Encoding)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = appLogger.Sync() }()

	appLogger.Info("Starting Trading Service", logger.StringField("name", cfg.App.Name))

	marketLoc, err := time.LoadLocation(cfg.Trader.MarketTimezone)
	if err != nil {
		appLogger.Fatal("Invalid market timezone", logger.ErrorField(err))
	}

	// Initialize database
	postgresCfg := postgres.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		DBName:          cfg.Database.DBName,
		SSLMode:         cfg.Database.SSLMode,
		TimeZone:        cfg.Database.TimeZone,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		LogLevel:        cfg.Database.LogLevel,
	}
	db, err := postgres.NewDB(postgresCfg)
	if err != nil {
		appLogger.Fatal("Failed to initialize database", logger.ErrorField(err))
	}
	if sqlDB, err := db.DB.DB(); err == nil {
		defer sqlDB.Close()
	}

	// Initialize Redis
	redisCfg := redis.Config{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	}
	redisClient, err := redis.NewClient(redisCfg)
	if err != nil {
		appLogger.Fatal("Failed to initialize Redis", logger.ErrorField(err))
	}
	defer redisClient.Close()

	// Create the consumer group for the broker push feed. MKSTREAM
	// creates the stream if it doesn't exist.
	if err := redisClient.XGroupCreateMkStream(context.Background(), common.RedisStreamOrderEvents, common.RedisStreamGroup, "0").Err(); err != nil {
		if err.Error() != "BUSYGROUP Consumer Group name already exists" {
			appLogger.Fatal("Failed to create consumer group", logger.ErrorField(err))
		}
	}

	// Initialize repositories
	instrumentRepo := repository.NewWatchedInstrumentsRepository(db.DB)
	positionRepo := repository.NewOpenPositionsRepository(db.DB)
	accountRepo := repository.NewAccountStateRepository(db.DB)
	orderEventsRepo := repository.NewOrderEventsRepository(db.DB)
	metaRepo := repository.NewInstrumentMetaRepository(db.DB)
	marketDataRepo := repository.NewMarketDataRepository(cfg, appLogger)
	brokerRepo := repository.NewBrokerRepository(cfg, appLogger)

	// Initialize Telegram notifier (optional)
	var telegramNotifier telegram.Notifier
	if cfg.Telegram.BotToken != "" {
		telegramNotifier, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
		if err != nil {
			appLogger.Fatal("Failed to initialize Telegram notifier", logger.ErrorField(err))
		}
	}

	// Initialize services
	positionManager := service.NewPositionManager(cfg, appLogger, positionRepo, instrumentRepo, accountRepo, marketDataRepo, metaRepo, brokerRepo, telegramNotifier, marketLoc)
	coordinator := service.NewOrderCoordinator(cfg, appLogger, instrumentRepo, positionRepo, orderEventsRepo, metaRepo, brokerRepo, positionManager, telegramNotifier)
	signalEngine := service.NewSignalEngine(cfg, appLogger, instrumentRepo, coordinator)
	monitoringSvc := service.NewMonitoringService(cfg, appLogger, instrumentRepo, positionRepo, accountRepo, marketDataRepo, signalEngine, positionManager, marketLoc)

	// Start the order event consumer
	orderEventConsumer := consumer.NewRedisConsumer(cfg, redisClient.Client, coordinator, appLogger)
	orderEventConsumer.Start(ctx)

	// Schedule the monitoring cycle
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Trader.MonitoringCronSpec, func() {
		monitoringSvc.RunAllMonitoringCycles(ctx)
	}); err != nil {
		appLogger.Fatal("Failed to schedule monitoring cycle", logger.ErrorField(err))
	}
	scheduler.Start()

	// Initialize Echo server
	e := echo.New()
	e.HideBanner = true

	monitoringHandler := delivery.NewMonitoringHandler(monitoringSvc, appLogger)
	apiV1 := e.Group("/api/v1")
	monitoringHandler.RegisterRoutes(apiV1)

	// Start server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.API.Port)
		appLogger.Info("HTTP server starting", logger.StringField("address", addr))
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			appLogger.Error("HTTP server failed to start", logger.ErrorField(err))
			stop() // trigger shutdown
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()

	appLogger.Info("Shutting down server...")

	cronCtx := scheduler.Stop()
	<-cronCtx.Done()
	orderEventConsumer.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		appLogger.Fatal("Server forced to shutdown", logger.ErrorField(err))
	}

	appLogger.Info("Server exiting")
}

func main() {
	rootCmd := &cobra.Command{Use: "trading-service"}

	serveCmd.Flags().StringVarP(&configPath, "config", "c", "configs/config-trader.yaml", "Path to the configuration file")

	rootCmd.AddCommand(serveCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error executing trading-service CLI: %s\n", err)
		os.Exit(1)
	}
}
