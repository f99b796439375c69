package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/MarcoPoloResearchLab/tootsync/internal/metrics"
	"github.com/MarcoPoloResearchLab/tootsync/internal/pipeline"
	"github.com/MarcoPoloResearchLab/tootsync/internal/toots"
)

type stubSyncTrigger struct {
	result pipeline.RequestResult
	err    error
	calls  int
}

func (s *stubSyncTrigger) SyncOnRequest(context.Context) (pipeline.RequestResult, error) {
	s.calls++
	return s.result, s.err
}

type stubTootReader struct {
	recent    []toots.Toot
	err       error
	lastLimit int
	lastLiked *bool
}

func (s *stubTootReader) ListRecent(_ context.Context, limit int, liked *bool) ([]toots.Toot, error) {
	s.lastLimit = limit
	s.lastLiked = liked
	return s.recent, s.err
}

type stubRunReader struct {
	runs []pipeline.SyncRun
}

func (s stubRunReader) ListRecent(context.Context, int) ([]pipeline.SyncRun, error) {
	return s.runs, nil
}

type stubHealth struct {
	err error
}

func (s stubHealth) PingContext(context.Context) error {
	return s.err
}

type codedError struct{}

func (codedError) Error() string { return "statuses failed" }
func (codedError) Code() string  { return "pipeline.sync_on_request.statuses_failed" }

func sampleToot(id string) toots.Toot {
	return toots.Toot{
		TootID:   id,
		Text:     "hi",
		URLs:     datatypes.JSONSlice[string]{"https://x.co"},
		UserID:   "bob@example.social",
		UserName: "Bob",
		TootURL:  "https://example.social/@bob/" + id,
		Media:    datatypes.JSON("[]"),
		Hashtags: datatypes.JSONSlice[string]{"foo"},
		PostedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func newTestHandler(t *testing.T, deps Dependencies) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if deps.Toots == nil {
		deps.Toots = &stubTootReader{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return handler
}

func TestHandleSyncReturnsStatusesBatch(t *testing.T) {
	trigger := &stubSyncTrigger{result: pipeline.RequestResult{
		RunID:    "run-1",
		Statuses: []toots.Toot{sampleToot("1"), sampleToot("2")},
	}}
	handler := newTestHandler(t, Dependencies{Sync: trigger})

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, httptest.NewRequest(method, "/sync", http.NoBody))

		if recorder.Code != http.StatusOK {
			t.Fatalf("%s: unexpected status %d", method, recorder.Code)
		}
		var payload []map[string]any
		if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
			t.Fatalf("%s: failed to decode payload: %v", method, err)
		}
		if len(payload) != 2 || payload[0]["toot_id"] != "1" {
			t.Fatalf("%s: unexpected payload %s", method, recorder.Body.String())
		}
		if payload[0]["reply"] != nil {
			t.Fatalf("%s: expected null reply", method)
		}
	}
	if trigger.calls != 2 {
		t.Fatalf("expected 2 trigger calls, got %d", trigger.calls)
	}
}

func TestHandleSyncReturnsEmptyArrayForEmptyBatch(t *testing.T) {
	handler := newTestHandler(t, Dependencies{Sync: &stubSyncTrigger{}})

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/sync", http.NoBody))

	if recorder.Code != http.StatusOK || recorder.Body.String() != "[]" {
		t.Fatalf("unexpected response %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestHandleSyncAckMode(t *testing.T) {
	trigger := &stubSyncTrigger{result: pipeline.RequestResult{
		RunID: "run-9",
		Legs: []pipeline.LegReport{
			{Feed: pipeline.FeedStatuses, Outcome: pipeline.OutcomeSucceeded, Fetched: 3, Filtered: 1, Stored: 2},
			{Feed: pipeline.FeedFavourites, Outcome: pipeline.OutcomeEmptyFeed, Err: errors.New("empty feed")},
		},
	}}
	handler := newTestHandler(t, Dependencies{Sync: trigger, ResponseMode: ResponseModeAck})

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/sync", http.NoBody))

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	var payload ackResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload.Status != "ok" || payload.RunID != "run-9" || len(payload.Legs) != 2 {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if payload.Legs[1].Outcome != "empty_feed" || payload.Legs[1].Error != "empty feed" {
		t.Fatalf("unexpected favourites leg %#v", payload.Legs[1])
	}
}

func TestHandleSyncIncludesServiceErrorCode(t *testing.T) {
	handler := newTestHandler(t, Dependencies{Sync: &stubSyncTrigger{err: codedError{}}})

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/sync", http.NoBody))

	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", recorder.Code)
	}
	expected := `{"code":"pipeline.sync_on_request.statuses_failed","error":"sync_failed"}`
	if recorder.Body.String() != expected {
		t.Fatalf("unexpected response body: %s", recorder.Body.String())
	}
}

func TestHandleListTootsParsesQuery(t *testing.T) {
	reader := &stubTootReader{recent: []toots.Toot{sampleToot("1")}}
	handler := newTestHandler(t, Dependencies{Sync: &stubSyncTrigger{}, Toots: reader})

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/toots?limit=5&liked=true", http.NoBody))

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	if reader.lastLimit != 5 || reader.lastLiked == nil || !*reader.lastLiked {
		t.Fatalf("unexpected query forwarding limit=%d liked=%v", reader.lastLimit, reader.lastLiked)
	}

	testCases := []struct {
		query    string
		expected string
	}{
		{query: "/toots?limit=abc", expected: `{"error":"invalid_limit"}`},
		{query: "/toots?limit=-1", expected: `{"error":"invalid_limit"}`},
		{query: "/toots?liked=maybe", expected: `{"error":"invalid_liked"}`},
	}
	for _, testCase := range testCases {
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, testCase.query, http.NoBody))
		if recorder.Code != http.StatusBadRequest || recorder.Body.String() != testCase.expected {
			t.Fatalf("%s: unexpected response %d %s", testCase.query, recorder.Code, recorder.Body.String())
		}
	}
}

func TestHandleListRuns(t *testing.T) {
	runs := stubRunReader{runs: []pipeline.SyncRun{{LegID: "leg-1", RunID: "run-1", Feed: "statuses", Outcome: "succeeded"}}}
	handler := newTestHandler(t, Dependencies{Sync: &stubSyncTrigger{}, Runs: runs})

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/sync/runs", http.NoBody))

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	var payload []pipeline.SyncRun
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if len(payload) != 1 || payload[0].LegID != "leg-1" {
		t.Fatalf("unexpected payload %s", recorder.Body.String())
	}
}

func TestHandleHealthReportsDatabaseState(t *testing.T) {
	healthy := newTestHandler(t, Dependencies{Sync: &stubSyncTrigger{}, Health: stubHealth{}})
	recorder := httptest.NewRecorder()
	healthy.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected healthy status, got %d", recorder.Code)
	}

	unhealthy := newTestHandler(t, Dependencies{Sync: &stubSyncTrigger{}, Health: stubHealth{err: errors.New("down")}})
	recorder = httptest.NewRecorder()
	unhealthy.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected unavailable status, got %d", recorder.Code)
	}
}

func TestMetricsRouteExposesRequestCounts(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector("tootsync", registry)
	handler := newTestHandler(t, Dependencies{
		Sync:     &stubSyncTrigger{},
		Metrics:  collector,
		Gatherer: registry,
	})

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/sync", http.NoBody))
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	if !containsLine(recorder.Body.String(), `tootsync_http_requests_total{endpoint="/sync",method="GET",status="200"} 1`) {
		t.Fatalf("expected sync request to be counted:\n%s", recorder.Body.String())
	}
}

func TestCORSMiddlewareAnswersPreflight(t *testing.T) {
	handler := newTestHandler(t, Dependencies{Sync: &stubSyncTrigger{}})

	request := httptest.NewRequest(http.MethodOptions, "/sync", http.NoBody)
	request.Header.Set("Origin", "https://app.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", "Authorization")

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	if recorder.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected wildcard origin, got %q", recorder.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{Toots: &stubTootReader{}}); !errors.Is(err, errMissingSyncTrigger) {
		t.Fatalf("expected missing sync trigger error, got %v", err)
	}
	if _, err := NewHTTPHandler(Dependencies{Sync: &stubSyncTrigger{}}); !errors.Is(err, errMissingTootReader) {
		t.Fatalf("expected missing toot reader error, got %v", err)
	}
}

func containsLine(body, line string) bool {
	return slices.Contains(strings.Split(body, "\n"), line)
}
