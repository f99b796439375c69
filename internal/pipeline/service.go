package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tootsync/internal/mastodon"
	"github.com/MarcoPoloResearchLab/tootsync/internal/toots"
	"go.uber.org/zap"
)

var noOpLogger = zap.NewNop()

type FeedFetcher interface {
	FetchFeed(ctx context.Context, endpoint string) ([]mastodon.Status, error)
}

type StatusNormalizer interface {
	Normalize(status mastodon.Status, isLiked bool) (toots.Toot, error)
}

type TootSink interface {
	Upsert(ctx context.Context, batch []toots.Toot) ([]toots.Toot, error)
}

type RunRecorder interface {
	RecordLeg(ctx context.Context, run SyncRun) error
}

// LegObserver is notified after every leg, whatever its outcome.
type LegObserver interface {
	ObserveLeg(report LegReport)
}

type IDProvider interface {
	NewID() (string, error)
}

type ServiceConfig struct {
	Fetcher            FeedFetcher
	Normalizer         StatusNormalizer
	Sink               TootSink
	Runs               RunRecorder
	Observers          []LegObserver
	StatusesEndpoint   string
	FavouritesEndpoint string
	Clock              func() time.Time
	IDProvider         IDProvider
	Logger             *zap.Logger
}

// Service orchestrates the statuses and favourites legs.
type Service struct {
	fetcher            FeedFetcher
	normalizer         StatusNormalizer
	sink               TootSink
	runs               RunRecorder
	observers          []LegObserver
	statusesEndpoint   string
	favouritesEndpoint string
	clock              func() time.Time
	idProvider         IDProvider
	logger             *zap.Logger

	background sync.WaitGroup
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Fetcher == nil {
		return nil, newServiceError(opServiceNew, "missing_fetcher", errMissingFetcher)
	}
	if cfg.Normalizer == nil {
		return nil, newServiceError(opServiceNew, "missing_normalizer", errMissingNormalizer)
	}
	if cfg.Sink == nil {
		return nil, newServiceError(opServiceNew, "missing_sink", errMissingSink)
	}
	if strings.TrimSpace(cfg.StatusesEndpoint) == "" || strings.TrimSpace(cfg.FavouritesEndpoint) == "" {
		return nil, newServiceError(opServiceNew, "missing_endpoint", errMissingEndpoint)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		fetcher:            cfg.Fetcher,
		normalizer:         cfg.Normalizer,
		sink:               cfg.Sink,
		runs:               cfg.Runs,
		observers:          append([]LegObserver(nil), cfg.Observers...),
		statusesEndpoint:   cfg.StatusesEndpoint,
		favouritesEndpoint: cfg.FavouritesEndpoint,
		clock:              clock,
		idProvider:         cfg.IDProvider,
		logger:             logger,
	}, nil
}

// RequestResult is returned by the request trigger.
type RequestResult struct {
	RunID    string
	Statuses []toots.Toot
	Legs     []LegReport
}

// SyncOnRequest runs both legs concurrently and waits for both. A failed
// statuses leg fails the request; a failed favourites leg is only reported.
func (s *Service) SyncOnRequest(ctx context.Context) (RequestResult, error) {
	runID := s.newID()

	var favourites LegReport
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		favourites = s.RunLeg(ctx, TriggerRequest, runID, FeedFavourites, nil)
	}()
	statuses := s.RunLeg(ctx, TriggerRequest, runID, FeedStatuses, nil)
	wg.Wait()

	result := RequestResult{
		RunID: runID,
		Legs:  []LegReport{statuses, favourites},
	}
	if statuses.Err != nil {
		return result, newServiceError(opSyncOnRequest, "statuses_failed", statuses.Err)
	}
	result.Statuses = statuses.Toots
	return result, nil
}

// SyncScheduled dispatches the favourites leg as background work and runs the
// statuses leg in the caller. Outcomes are only logged and recorded.
func (s *Service) SyncScheduled(ctx context.Context, scheduledAt time.Time) {
	s.dispatch(ctx, TriggerScheduled, scheduledAt)
}

// SyncManual behaves like SyncScheduled and returns the statuses leg report.
// Callers wanting the favourites leg to finish must call Wait.
func (s *Service) SyncManual(ctx context.Context) LegReport {
	return s.dispatch(ctx, TriggerManual, s.clock().UTC())
}

func (s *Service) dispatch(ctx context.Context, trigger Trigger, scheduledAt time.Time) LegReport {
	runID := s.newID()
	at := scheduledAt.UTC()

	s.background.Add(1)
	detached := context.WithoutCancel(ctx)
	go func() {
		defer s.background.Done()
		defer func() {
			if recovered := recover(); recovered != nil {
				s.logger.Error("background leg panicked",
					zap.String("run_id", runID),
					zap.String("feed", string(FeedFavourites)),
					zap.Any("panic", recovered))
			}
		}()
		s.RunLeg(detached, trigger, runID, FeedFavourites, &at)
	}()

	return s.RunLeg(ctx, trigger, runID, FeedStatuses, &at)
}

// Wait blocks until every background leg has settled or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunLeg fetches, normalizes and upserts one feed. Failures are carried in
// the returned report.
func (s *Service) RunLeg(ctx context.Context, trigger Trigger, runID string, feed Feed, scheduledAt *time.Time) LegReport {
	report := LegReport{
		LegID:       s.newID(),
		RunID:       runID,
		Trigger:     trigger,
		Feed:        feed,
		StartedAt:   s.clock().UTC(),
		ScheduledAt: scheduledAt,
	}

	endpoint, liked := s.endpointFor(feed)
	statuses, err := s.fetcher.FetchFeed(ctx, endpoint)
	if err != nil {
		return s.finish(ctx, report, classifyFetchError(err), err)
	}
	report.Fetched = len(statuses)

	if feed == FeedStatuses {
		kept := toots.DropEmpty(statuses)
		report.Filtered = len(statuses) - len(kept)
		statuses = kept
	}

	batch := make([]toots.Toot, 0, len(statuses))
	for _, status := range statuses {
		toot, err := s.normalizer.Normalize(status, liked)
		if err != nil {
			return s.finish(ctx, report, OutcomeNormalizeFailed, err)
		}
		batch = append(batch, toot)
	}

	stored := []toots.Toot{}
	if len(batch) > 0 {
		written, err := s.sink.Upsert(ctx, batch)
		if err != nil {
			return s.finish(ctx, report, OutcomePersistenceFailed, err)
		}
		stored = written
	}

	report.Stored = len(stored)
	report.Toots = stored
	return s.finish(ctx, report, OutcomeSucceeded, nil)
}

func (s *Service) endpointFor(feed Feed) (string, bool) {
	if feed == FeedFavourites {
		return s.favouritesEndpoint, true
	}
	return s.statusesEndpoint, false
}

func (s *Service) finish(ctx context.Context, report LegReport, outcome Outcome, err error) LegReport {
	report.Outcome = outcome
	report.Err = err
	report.FinishedAt = s.clock().UTC()

	fields := []zap.Field{
		zap.String("run_id", report.RunID),
		zap.String("leg_id", report.LegID),
		zap.String("trigger", string(report.Trigger)),
		zap.String("feed", string(report.Feed)),
		zap.String("outcome", string(outcome)),
		zap.Int("fetched", report.Fetched),
		zap.Int("filtered", report.Filtered),
		zap.Int("stored", report.Stored),
		zap.Duration("duration", report.Duration()),
	}
	if err != nil {
		s.logger.Error("sync leg failed", append(fields, zap.Error(err))...)
	} else {
		s.logger.Info("sync leg finished", fields...)
	}

	if s.runs != nil {
		if recordErr := s.runs.RecordLeg(context.WithoutCancel(ctx), report.Record()); recordErr != nil {
			s.logger.Warn("sync run not recorded",
				zap.String("run_id", report.RunID),
				zap.String("feed", string(report.Feed)),
				zap.Error(recordErr))
		}
	}
	for _, observer := range s.observers {
		observer.ObserveLeg(report)
	}
	return report
}

func (s *Service) newID() string {
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logger.Warn("id generation failed", zap.Error(err))
		return s.clock().UTC().Format("20060102T150405.000000000")
	}
	return id
}
