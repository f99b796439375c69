package integration_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/tootsync/internal/auth"
	"github.com/MarcoPoloResearchLab/tootsync/internal/database"
	"github.com/MarcoPoloResearchLab/tootsync/internal/mastodon"
	"github.com/MarcoPoloResearchLab/tootsync/internal/metrics"
	"github.com/MarcoPoloResearchLab/tootsync/internal/pipeline"
	"github.com/MarcoPoloResearchLab/tootsync/internal/scheduler"
	"github.com/MarcoPoloResearchLab/tootsync/internal/server"
	"github.com/MarcoPoloResearchLab/tootsync/internal/toots"
)

const (
	mastodonToken  = "mastodon-token"
	triggerSecret  = "integration-secret"
	sourceInstance = "example.social"
	statusesPath   = "/api/v1/accounts/1/statuses"
	favouritesPath = "/api/v1/favourites"
)

const statusesFeed = `[
  {"id":"1","content":"<p>hi <a href=\"https://x.co\">x</a></p>","created_at":"2024-01-01T00:00:00Z",
   "url":"https://example.social/@bob/1","account":{"acct":"bob","display_name":"Bob","avatar":"https://example.social/bob.png"},
   "media_attachments":[],"tags":[{"name":"foo","url":"https://example.social/tags/foo"}]},
  {"id":"2","content":"","created_at":"2024-01-02T00:00:00Z","url":"https://example.social/@bob/2",
   "account":{"acct":"bob","display_name":"Bob"},"media_attachments":[],"tags":[]},
  {"id":"3","content":"<p>second</p>","created_at":"2024-01-03T00:00:00Z","url":"https://example.social/@bob/3",
   "account":{"acct":"bob","display_name":"Bob"},"media_attachments":[],"tags":[]}
]`

const favouritesFeed = `[
  {"id":"10","content":"<p>liked</p>","created_at":"2024-01-04T00:00:00Z","url":"https://other.social/@carol/10",
   "account":{"acct":"carol@other.social","display_name":"Carol"},
   "media_attachments":[{"id":"m1","type":"image","url":"https://other.social/m1.png"}],"tags":[]}
]`

type harness struct {
	server    *httptest.Server
	pipeline  *pipeline.Service
	runs      *pipeline.RunStore
	issuer    *auth.TokenIssuer
	scheduler *scheduler.Scheduler
}

func newMastodonServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	serveFeed := func(body string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer "+mastodonToken {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(body))
		}
	}
	mux.HandleFunc(statusesPath, serveFeed(statusesFeed))
	mux.HandleFunc(favouritesPath, serveFeed(favouritesFeed))
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newHarness(t *testing.T) harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()
	mastodonServer := newMastodonServer(t)

	db, err := database.Open(database.Options{
		Driver:         "sqlite",
		Path:           filepath.Join(t.TempDir(), "tootsync.db"),
		SourceInstance: sourceInstance,
		Logger:         logger,
	})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	client, err := mastodon.NewClient(mastodon.ClientConfig{Token: mastodonToken, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	normalizer, err := toots.NewNormalizer(toots.NormalizerConfig{SourceInstance: sourceInstance})
	if err != nil {
		t.Fatalf("failed to construct normalizer: %v", err)
	}
	store, err := toots.NewStore(toots.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	runs, err := pipeline.NewRunStore(db, logger)
	if err != nil {
		t.Fatalf("failed to construct run store: %v", err)
	}
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector("tootsync", registry)
	events := server.NewSyncEventDispatcher()

	service, err := pipeline.NewService(pipeline.ServiceConfig{
		Fetcher:            client,
		Normalizer:         normalizer,
		Sink:               store,
		Runs:               runs,
		Observers:          []pipeline.LegObserver{collector, events},
		StatusesEndpoint:   mastodonServer.URL + statusesPath,
		FavouritesEndpoint: mastodonServer.URL + favouritesPath,
		IDProvider:         pipeline.NewUUIDProvider(),
		Logger:             logger,
	})
	if err != nil {
		t.Fatalf("failed to construct pipeline: %v", err)
	}

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(triggerSecret),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sync:     service,
		Toots:    store,
		Runs:     runs,
		Events:   events,
		Metrics:  collector,
		Gatherer: registry,
		Tokens:   issuer,
		Health:   sqlDB,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	testServer := httptest.NewServer(handler)
	t.Cleanup(testServer.Close)

	syncSchedule, err := scheduler.New(scheduler.Config{Spec: "*/30 * * * *", Runner: service, Logger: logger})
	if err != nil {
		t.Fatalf("failed to construct scheduler: %v", err)
	}

	return harness{server: testServer, pipeline: service, runs: runs, issuer: issuer, scheduler: syncSchedule}
}

func (h harness) authorizedRequest(t *testing.T, method, path string) *http.Response {
	t.Helper()
	token, _, err := h.issuer.IssueTriggerToken("integration")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	request, err := http.NewRequest(method, h.server.URL+path, http.NoBody)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return response
}

func decodeJSON(t *testing.T, response *http.Response, target any) {
	t.Helper()
	defer response.Body.Close()
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func TestRequestTriggerSyncsBothFeeds(t *testing.T) {
	h := newHarness(t)

	unauthorized, err := http.Post(h.server.URL+"/sync", "application/json", http.NoBody)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	_ = unauthorized.Body.Close()
	if unauthorized.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized trigger, got %d", unauthorized.StatusCode)
	}

	response := h.authorizedRequest(t, http.MethodPost, "/sync")
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected sync status %d", response.StatusCode)
	}
	var batch []toots.Toot
	decodeJSON(t, response, &batch)
	if len(batch) != 2 {
		t.Fatalf("expected empty own post to be filtered, got %d toots", len(batch))
	}
	first := batch[0]
	if first.TootID != "1" || first.UserID != "bob@example.social" || first.LikedToot {
		t.Fatalf("unexpected first toot %#v", first)
	}
	if !strings.Contains(first.Text, "hi") || strings.Contains(first.Text, "<p>") {
		t.Fatalf("unexpected rendered text %q", first.Text)
	}
	if len(first.URLs) != 1 || first.URLs[0] != "https://x.co" {
		t.Fatalf("unexpected urls %#v", first.URLs)
	}
	if len(first.Hashtags) != 1 || first.Hashtags[0] != "foo" {
		t.Fatalf("unexpected hashtags %#v", first.Hashtags)
	}
	if first.Reply != nil || string(first.Media) != "[]" {
		t.Fatalf("unexpected reply or media %v %s", first.Reply, string(first.Media))
	}

	listResponse, err := http.Get(h.server.URL + "/toots?liked=true")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	var liked []toots.Toot
	decodeJSON(t, listResponse, &liked)
	if len(liked) != 1 || liked[0].TootID != "10" || liked[0].UserID != "carol@other.social" {
		t.Fatalf("unexpected favourites %#v", liked)
	}
	if !strings.Contains(string(liked[0].Media), "m1.png") {
		t.Fatalf("expected media passthrough, got %s", string(liked[0].Media))
	}

	runsResponse, err := http.Get(h.server.URL + "/sync/runs")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	var runs []pipeline.SyncRun
	decodeJSON(t, runsResponse, &runs)
	if len(runs) != 2 {
		t.Fatalf("expected one ledger row per leg, got %d", len(runs))
	}
	for _, run := range runs {
		if run.Outcome != string(pipeline.OutcomeSucceeded) || run.TriggerKind != string(pipeline.TriggerRequest) {
			t.Fatalf("unexpected ledger row %#v", run)
		}
	}
}

func TestRepeatedSyncIsIdempotent(t *testing.T) {
	h := newHarness(t)

	for attempt := 0; attempt < 2; attempt++ {
		response := h.authorizedRequest(t, http.MethodGet, "/sync")
		_ = response.Body.Close()
		if response.StatusCode != http.StatusOK {
			t.Fatalf("attempt %d: unexpected status %d", attempt, response.StatusCode)
		}
	}

	listResponse, err := http.Get(h.server.URL + "/toots")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	var stored []toots.Toot
	decodeJSON(t, listResponse, &stored)
	if len(stored) != 3 {
		t.Fatalf("expected 3 distinct toots after two syncs, got %d", len(stored))
	}
	if stored[0].TootID != "10" {
		t.Fatalf("expected newest toot first, got %s", stored[0].TootID)
	}
}

func TestScheduledTriggerSettlesBackgroundLeg(t *testing.T) {
	h := newHarness(t)

	h.scheduler.Trigger()
	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.pipeline.Wait(waitCtx); err != nil {
		t.Fatalf("background leg did not settle: %v", err)
	}

	runs, err := h.runs.ListRecent(context.Background(), 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected both legs recorded, got %d", len(runs))
	}
	for _, run := range runs {
		if run.TriggerKind != string(pipeline.TriggerScheduled) || run.ScheduledAt == nil {
			t.Fatalf("unexpected scheduled ledger row %#v", run)
		}
	}

	metricsResponse, err := http.Get(h.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer metricsResponse.Body.Close()
	body := new(strings.Builder)
	if _, err := io.Copy(body, metricsResponse.Body); err != nil {
		t.Fatalf("failed to read metrics: %v", err)
	}
	if !strings.Contains(body.String(), `tootsync_sync_legs_total{feed="favourites",outcome="succeeded"} 1`) {
		t.Fatalf("expected favourites leg metric, got:\n%s", body.String())
	}
}
