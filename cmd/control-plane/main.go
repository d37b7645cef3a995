package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/api"
	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/config"
	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/logging"
	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/store"
	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/store/postgres"
	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/workflows"
)

type server interface {
	Start(ctx context.Context, addr string) error
}

var (
	loadConfig = func() (config.Config, error) {
		return config.Load(), nil
	}
	newLogger = func(cfg config.Config) (*zap.Logger, func() error, error) {
		return logging.New(logging.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON, FilePath: cfg.LogFilePath})
	}
	newBroker = events.NewBroker
	newStore  = func(conn string) (*postgres.PostgresStore, error) {
		return postgres.New(conn)
	}
	dialTemporal       = client.Dial
	newWorkflowService = workflows.NewService
	newServer          = func(st store.Store, broker *events.Broker, workflows api.WorkflowService, logger *zap.Logger) server {
		return api.NewServer(st, broker, workflows, logger)
	}
	notifyContext = signal.NotifyContext
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closeLogger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeLogger() }()

	ctx, cancel := notifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	broker := newBroker()
	pg, err := newStore(cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	var runStore store.Store
	if pg != nil {
		defer pg.Close()
		runStore = pg
	}

	workflowClient, err := dialTemporal(client.Options{HostPort: cfg.TemporalAddress})
	if err != nil {
		return fmt.Errorf("dial temporal: %w", err)
	}
	if workflowClient != nil {
		defer workflowClient.Close()
	}
	var workflowService api.WorkflowService
	if svc := newWorkflowService(workflowClient, cfg.TemporalTaskQueue); svc != nil {
		workflowService = svc
	}

	srv := newServer(runStore, broker, workflowService, logger)

	addr := fmt.Sprintf(":%s", cfg.ControlPlanePort)
	logger.Info("control plane listening", zap.String("addr", addr), zap.String("task_queue", cfg.TemporalTaskQueue))
	if err := srv.Start(ctx, addr); err != nil {
		return err
	}
	logger.Info("control plane stopped")
	return nil
}
