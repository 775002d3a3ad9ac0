package main

import (
	"context"
	"strings"
	"time"

	"courier/internal/normalizer"
	"courier/internal/provider"
	"courier/internal/settlement"
	"courier/internal/tasks"
	"courier/pkg/config"
	"courier/pkg/database"
	"courier/pkg/kafka"
	"courier/pkg/logging"
	"courier/pkg/monitoring"
	"courier/pkg/server"
	"courier/pkg/version"

	"github.com/shopspring/decimal"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("courier")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Courier (SMS Billing Engine)")

	dbURL := config.RequireEnv("DATABASE_URL")

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	// Provider registry, resolved once from configuration
	gatewayCfgs, err := provider.LoadConfigs(config.GetEnv("SMS_GATEWAYS", ""))
	if err != nil {
		logger.WithError(err).Fatal("Invalid SMS_GATEWAYS configuration")
	}
	registry, err := provider.RegistryFromConfigs(gatewayCfgs, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build provider registry")
	}
	logger.WithField("channels", registry.Channels()).Info("Provider registry loaded")

	// Kafka producer for settlement events (optional)
	var producer *kafka.Producer
	if brokers := config.GetEnv("KAFKA_BROKERS", ""); brokers != "" {
		producer, err = kafka.NewProducer(strings.Split(brokers, ","), "courier", logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create kafka producer")
		}
		defer producer.Close()
	} else {
		logger.Warn("KAFKA_BROKERS not set, settlement events disabled")
	}

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("courier", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("courier", version.Version, version.GitCommit)

	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("kafka", monitoring.KafkaProducerHealthCheck(producer.GetClient()))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": dbURL,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Settlement engine: fan-out plus one reconciliation loop per
	// channel and concern
	engineCfg := settlement.Config{
		BatchSize:    config.GetEnvInt("SETTLEMENT_BATCH_SIZE", 500),
		ChunkSize:    config.GetEnvInt("DISPATCH_CHUNK_SIZE", 100),
		PollInterval: config.GetEnvDuration("POLL_INTERVAL", 5*time.Second),
	}
	engine := settlement.NewEngine(db, logger, registry, producer, normalizer.NewPrefixNormalizer(), engineCfg)
	engine.RegisterMetrics(metricsCollector)
	engine.Start(ctx)

	logger.Info("Settlement engine started")

	// Onboarding task consumers with explicitly registered chains
	marginRate, err := decimal.NewFromString(config.GetEnv("DEFAULT_MARGIN_RATE", "0.2"))
	if err != nil {
		logger.WithError(err).Fatal("Invalid DEFAULT_MARGIN_RATE")
	}
	taskRuns := metricsCollector.NewCounter("task_runs_total", "Onboarding task runs", []string{"task_type", "outcome"})
	consumer := tasks.NewConsumer(db, logger, engineCfg.PollInterval, taskRuns,
		tasks.Chain{TaskType: tasks.TypeResellerOnboarding, Handlers: []tasks.Handler{tasks.ResellerOnboardingHandler(marginRate)}},
		tasks.Chain{TaskType: tasks.TypeMemberOnboarding, Handlers: []tasks.Handler{tasks.MemberOnboardingHandler()}},
	)
	consumer.Start(ctx)

	logger.Info("Task consumers started")

	// Serve /health and /metrics until shutdown
	router := server.SetupServiceRouter(logger, "courier", healthChecker, metricsCollector)
	serverConfig := server.DefaultConfig("courier", "18010")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}

	// Stop the polling loops before closing the database
	cancel()
	engine.Wait()
	consumer.Wait()
}
