package pipeline

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/tootsync/internal/mastodon"
	"github.com/MarcoPoloResearchLab/tootsync/internal/toots"
)

// Feed names one of the two synchronized Mastodon feeds.
type Feed string

const (
	// FeedStatuses is the configured account's own posts.
	FeedStatuses Feed = "statuses"
	// FeedFavourites is the posts the account has favourited.
	FeedFavourites Feed = "favourites"
)

// Trigger names what started a run.
type Trigger string

const (
	TriggerRequest   Trigger = "request"
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// Outcome classifies how a leg ended.
type Outcome string

const (
	OutcomeSucceeded         Outcome = "succeeded"
	OutcomeEmptyFeed         Outcome = "empty_feed"
	OutcomeTransportFailed   Outcome = "transport_failed"
	OutcomeNormalizeFailed   Outcome = "normalize_failed"
	OutcomePersistenceFailed Outcome = "persistence_failed"
)

// LegReport describes one fetch-normalize-persist pass over a single feed.
type LegReport struct {
	LegID       string
	RunID       string
	Trigger     Trigger
	Feed        Feed
	Outcome     Outcome
	Fetched     int
	Filtered    int
	Stored      int
	Toots       []toots.Toot
	Err         error
	StartedAt   time.Time
	FinishedAt  time.Time
	ScheduledAt *time.Time
}

// Succeeded reports whether the leg completed without error.
func (r LegReport) Succeeded() bool {
	return r.Err == nil
}

// Duration is the wall time spent in the leg.
func (r LegReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Record converts the report into its ledger row.
func (r LegReport) Record() SyncRun {
	run := SyncRun{
		LegID:       r.LegID,
		RunID:       r.RunID,
		TriggerKind: string(r.Trigger),
		Feed:        string(r.Feed),
		Outcome:     string(r.Outcome),
		Fetched:     r.Fetched,
		Filtered:    r.Filtered,
		Stored:      r.Stored,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
		ScheduledAt: r.ScheduledAt,
	}
	if r.Err != nil {
		run.Error = r.Err.Error()
	}
	return run
}

func classifyFetchError(err error) Outcome {
	if errors.Is(err, mastodon.ErrEmptyFeed) {
		return OutcomeEmptyFeed
	}
	return OutcomeTransportFailed
}
