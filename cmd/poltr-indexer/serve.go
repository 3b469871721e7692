package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/auth"
	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/config"
	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/ingest"
	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/logging"
	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/server"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	app, err := newApplication(appConfig, logger)
	if err != nil {
		return err
	}
	defer app.Close() //nolint:errcheck

	deps := server.Dependencies{
		Backfill: app.backfill,
		Reviews:  app.projection,
		Realtime: app.decisions,
		Logger:   logger,
	}

	var consumer *ingest.Consumer
	if appConfig.Stream.Enabled {
		consumer, err = ingest.NewConsumer(ingest.ConsumerConfig{
			StreamID:    appConfig.Stream.ID,
			Source:      app.source,
			Checkpoints: app.checkpoints,
			Applier:     app.projection,
			Policy:      app.policy,
			Logger:      logger,
		})
		if err != nil {
			return err
		}
		deps.Stream = consumer
	}

	if appConfig.Admin.SigningSecret != "" {
		tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
			SigningSecret: []byte(appConfig.Admin.SigningSecret),
			Issuer:        adminTokenIssuer,
			Audience:      adminTokenAudience,
			TokenTTL:      appConfig.Admin.TokenTTL,
		})
		if err != nil {
			return err
		}
		deps.AdminTokens = tokens
	} else {
		logger.Warn("admin signing secret not configured, backfill endpoint is open")
	}

	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)

	if consumer != nil {
		group.Go(func() error {
			return consumer.Run(groupCtx)
		})
	} else {
		logger.Info("live stream disabled")
	}

	group.Go(func() error {
		return app.projection.RunMirror(groupCtx)
	})

	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = group.Wait()
	if err != nil {
		logger.Error("indexer stopped", zap.Error(err))
		return err
	}
	logger.Info("indexer stopped")
	return nil
}
