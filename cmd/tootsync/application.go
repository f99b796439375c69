package main

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/tootsync/internal/config"
	"github.com/MarcoPoloResearchLab/tootsync/internal/database"
	"github.com/MarcoPoloResearchLab/tootsync/internal/logging"
	"github.com/MarcoPoloResearchLab/tootsync/internal/mastodon"
	"github.com/MarcoPoloResearchLab/tootsync/internal/metrics"
	"github.com/MarcoPoloResearchLab/tootsync/internal/pipeline"
	"github.com/MarcoPoloResearchLab/tootsync/internal/server"
	"github.com/MarcoPoloResearchLab/tootsync/internal/toots"
)

const metricsNamespace = "tootsync"

// application holds the components shared by the serve and sync commands.
type application struct {
	logger   *zap.Logger
	db       *gorm.DB
	toots    *toots.Store
	runs     *pipeline.RunStore
	pipeline *pipeline.Service
	events   *server.SyncEventDispatcher
	metrics  *metrics.Collector
	registry *prometheus.Registry
}

func newApplication(appConfig config.AppConfig) (*application, error) {
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(database.Options{
		Driver:         appConfig.DatabaseDriver,
		Path:           appConfig.DatabasePath,
		DSN:            appConfig.DatabaseDSN,
		SourceInstance: appConfig.MastodonInstance,
		Logger:         logger,
	})
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	app := &application{logger: logger, db: db}
	if err := app.wire(appConfig); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *application) wire(appConfig config.AppConfig) error {
	client, err := mastodon.NewClient(mastodon.ClientConfig{
		Token:   appConfig.MastodonToken,
		Timeout: appConfig.MastodonTimeout,
		Logger:  a.logger.Named("mastodon"),
	})
	if err != nil {
		return err
	}

	normalizer, err := toots.NewNormalizer(toots.NormalizerConfig{
		SourceInstance: appConfig.MastodonInstance,
	})
	if err != nil {
		return err
	}

	a.toots, err = toots.NewStore(toots.StoreConfig{Database: a.db, Logger: a.logger})
	if err != nil {
		return err
	}
	a.runs, err = pipeline.NewRunStore(a.db, a.logger)
	if err != nil {
		return err
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.NewCollector(metricsNamespace, a.registry)
	a.events = server.NewSyncEventDispatcher()

	a.pipeline, err = pipeline.NewService(pipeline.ServiceConfig{
		Fetcher:            client,
		Normalizer:         normalizer,
		Sink:               a.toots,
		Runs:               a.runs,
		Observers:          []pipeline.LegObserver{a.metrics, a.events},
		StatusesEndpoint:   appConfig.StatusesEndpoint,
		FavouritesEndpoint: appConfig.FavouritesEndpoint,
		Clock:              time.Now,
		IDProvider:         pipeline.NewUUIDProvider(),
		Logger:             a.logger.Named("pipeline"),
	})
	return err
}

func (a *application) Close() {
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = a.logger.Sync()
}
