package main

import (
	"fmt"
	"log"
	"net/http"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/config"
	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/logging"
	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/research"
	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/store/postgres"
	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/workflows"
)

var (
	loadConfig = func() (config.Config, error) {
		return config.Load(), nil
	}
	newLogger = func(cfg config.Config) (*zap.Logger, func() error, error) {
		return logging.New(logging.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON, FilePath: cfg.LogFilePath})
	}
	dialTemporal = client.Dial
	newStore     = func(conn string) (*postgres.PostgresStore, error) {
		return postgres.New(conn)
	}
	newActivities = func(st workflows.EventStore, sessions workflows.SessionFactory, controlPlaneURL string, opts ...workflows.ResearchActivitiesOption) *workflows.ResearchActivities {
		return workflows.NewResearchActivities(st, sessions, controlPlaneURL, opts...)
	}
	newWorker       = worker.New
	workerInterrupt = worker.InterruptCh
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

	temporalClient, err := dialTemporal(client.Options{
		HostPort: cfg.TemporalAddress,
	})
	if err != nil {
		return fmt.Errorf("dial temporal: %w", err)
	}
	if temporalClient != nil {
		defer temporalClient.Close()
	}

	pg, err := newStore(cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	var eventStore workflows.EventStore
	if pg != nil {
		defer pg.Close()
		eventStore = pg
	}

	httpClient := &http.Client{}
	factory := research.NewFactory(cfg, logger, research.WithHTTPClient(httpClient))
	activities := newActivities(eventStore, factory, cfg.ControlPlaneURL,
		workflows.WithLogger(logger),
		workflows.WithHTTPClient(httpClient),
	)

	w := newWorker(temporalClient, cfg.TemporalTaskQueue, worker.Options{})
	w.RegisterWorkflow(workflows.ResearchWorkflow)
	w.RegisterActivity(activities)

	logger.Info("research worker started", zap.String("task_queue", cfg.TemporalTaskQueue), zap.String("provider", cfg.LLMProvider))
	if err := w.Run(workerInterrupt()); err != nil {
		return err
	}
	return nil
}
