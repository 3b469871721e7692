package main

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/backfill"
	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/checkpoint"
	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/config"
	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/database"
	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/firehose"
	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/mirror"
	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/projection"
	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/quorum"
	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/retry"
	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/server"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	adminTokenIssuer   = "poltr-indexer"
	adminTokenAudience = "poltr-admin"
)

// application holds the components shared by the serve and backfill commands.
type application struct {
	config      config.AppConfig
	logger      *zap.Logger
	db          *gorm.DB
	checkpoints *checkpoint.Store
	projection  *projection.Service
	source      *firehose.Source
	backfill    *backfill.Runner
	decisions   *server.DecisionDispatcher
	policy      retry.Policy
}

func newApplication(appConfig config.AppConfig, logger *zap.Logger) (*application, error) {
	db, err := database.Open(appConfig.Database, logger)
	if err != nil {
		return nil, err
	}

	policy := retry.DefaultPolicy()
	policy.MaxAttempts = appConfig.Stream.MaxAttempts
	policy.InitialInterval = appConfig.Stream.InitialInterval
	policy.MaxInterval = appConfig.Stream.MaxInterval

	checkpoints, err := checkpoint.NewStore(checkpoint.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return nil, err
	}

	engine, err := quorum.NewEngine(quorum.EngineConfig{Size: appConfig.QuorumSize, Logger: logger})
	if err != nil {
		return nil, err
	}

	decisions := server.NewDecisionDispatcher()
	serviceConfig := projection.ServiceConfig{
		Database:  db,
		Quorum:    engine,
		Publisher: decisions,
		Logger:    logger,
	}
	if appConfig.Mirror.Enabled {
		client, err := mirror.NewClient(mirror.ClientConfig{
			BaseURL:     appConfig.Mirror.URL,
			Repo:        appConfig.Mirror.Repo,
			AccessToken: appConfig.Mirror.AccessToken,
			Policy:      policy,
			Logger:      logger,
		})
		if err != nil {
			return nil, fmt.Errorf("mirror client: %w", err)
		}
		serviceConfig.Mirror = client
	}
	projectionService, err := projection.NewService(serviceConfig)
	if err != nil {
		return nil, err
	}

	source, err := firehose.NewSource(firehose.SourceConfig{URL: appConfig.Stream.URL, Logger: logger})
	if err != nil {
		return nil, err
	}

	runner, err := backfill.NewRunner(backfill.RunnerConfig{
		Source:      source,
		Checkpoints: checkpoints,
		Applier:     projectionService,
		DefaultID:   appConfig.Backfill.ID,
		BatchSize:   appConfig.Backfill.BatchSize,
		MaxBatches:  appConfig.Backfill.MaxBatches,
		IdleTimeout: appConfig.Backfill.IdleTimeout,
		LeaseTTL:    appConfig.Backfill.LeaseTTL,
		Policy:      policy,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	return &application{
		config:      appConfig,
		logger:      logger,
		db:          db,
		checkpoints: checkpoints,
		projection:  projectionService,
		source:      source,
		backfill:    runner,
		decisions:   decisions,
		policy:      policy,
	}, nil
}

func (a *application) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
