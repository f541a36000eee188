// Команда sagad запускает демон оркестрации саг: пул воркеров,
// восстановление брошенных саг и прием заявок через брокер сообщений.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/frankenstein/sagakit/framework/config"
	"github.com/frankenstein/sagakit/framework/events"
	"github.com/frankenstein/sagakit/framework/messagebus"
	"github.com/frankenstein/sagakit/framework/metrics"
	"github.com/frankenstein/sagakit/framework/saga"
)

// subjectSubmit subject для приема заявок на запуск саг
const subjectSubmit = "saga.submit"

type submitRequest struct {
	SagaType              string                 `json:"saga_type"`
	BusinessTransactionID string                 `json:"business_transaction_id"`
	InitialData           map[string]interface{} `json:"initial_data"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sagad: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsEnabled {
		provider, err := metrics.Setup(metrics.SetupConfig{ServiceName: cfg.ServiceName})
		if err != nil {
			return fmt.Errorf("failed to setup metrics: %w", err)
		}
		defer provider.Shutdown(context.Background())
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	store := saga.NewPostgreSQLStore(pool)
	registrations, err := store.LoadParticipantRegistrations(ctx)
	if err != nil {
		return err
	}
	registry := saga.RegistryFromRegistrations(registrations)
	logger.Info("participant registry loaded", "services", registry.Services())

	// недоступный участник не блокирует запуск: его шаги упадут как
	// ParticipantUnavailable и уйдут в повторы
	for _, reg := range registrations {
		if !reg.IsActive {
			continue
		}
		if err := saga.CheckHealth(ctx, reg); err != nil {
			logger.Warn("participant health check failed",
				"service", reg.ServiceName, "error", err)
		}
	}

	bus, err := messagebus.New(messagebus.FactoryConfig{
		Type:  messagebus.BusType(cfg.MessageBusType),
		NATS:  natsConfig(cfg),
		Kafka: kafkaConfig(cfg),
		Redis: redisConfig(cfg),
	})
	if err != nil {
		return err
	}
	if err := bus.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message bus: %w", err)
	}
	defer bus.Stop(context.Background())

	eventBus := events.NewInMemoryEventBus()
	defer eventBus.Stop()

	relay := messagebus.NewRelay(eventBus, bus, logger)
	if err := relay.Forward(
		saga.EventSagaStarted,
		saga.EventSagaStepCompleted,
		saga.EventSagaStepFailed,
		saga.EventSagaCompleted,
		saga.EventSagaCompensating,
		saga.EventSagaCompensated,
		saga.EventSagaFailed,
	); err != nil {
		return err
	}

	sagaMetrics, err := metrics.NewMetrics()
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	orchestrator := saga.NewOrchestrator(store, registry, eventBus, saga.OrchestratorConfig{
		WorkerCount:      cfg.WorkerCount,
		QueueSize:        cfg.QueueSize,
		LeaseTTL:         cfg.LeaseTTL,
		RecoveryInterval: cfg.RecoveryInterval,
		StaleAfter:       cfg.StaleAfter,
	}, logger).WithMetrics(sagaMetrics)

	definitionsPath := os.Getenv("SAGA_DEFINITIONS_FILE")
	if definitionsPath != "" {
		definitions, err := loadDefinitions(definitionsPath)
		if err != nil {
			return err
		}
		for _, def := range definitions {
			if err := orchestrator.RegisterDefinition(def); err != nil {
				return err
			}
			logger.Info("saga definition registered",
				"saga_type", def.SagaType, "steps", len(def.Steps))
		}
	}

	// заявки на запуск саг приходят через брокер
	err = bus.Subscribe(ctx, subjectSubmit, func(ctx context.Context, msg *messagebus.Message) error {
		var req submitRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			logger.Error("invalid submit request", "error", err)
			return nil
		}
		sagaID, err := orchestrator.Submit(ctx, req.SagaType, req.BusinessTransactionID, req.InitialData)
		if err != nil {
			logger.Error("failed to submit saga",
				"saga_type", req.SagaType, "error", err)
			return nil
		}
		logger.Info("saga submitted", "saga_id", sagaID, "saga_type", req.SagaType)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subjectSubmit, err)
	}

	if err := orchestrator.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return orchestrator.Stop(shutdownCtx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func natsConfig(cfg *config.Config) messagebus.NATSConfig {
	c := messagebus.DefaultNATSConfig()
	c.URL = cfg.NATSURL
	return c
}

func kafkaConfig(cfg *config.Config) messagebus.KafkaConfig {
	c := messagebus.DefaultKafkaConfig()
	c.Brokers = cfg.KafkaBrokers
	c.GroupID = cfg.KafkaGroupID
	return c
}

func redisConfig(cfg *config.Config) messagebus.RedisConfig {
	c := messagebus.DefaultRedisConfig()
	c.Addr = cfg.RedisAddr
	c.Password = cfg.RedisPassword
	c.DB = cfg.RedisDB
	return c
}
