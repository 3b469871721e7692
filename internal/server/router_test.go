package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/auth"
	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/backfill"
	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/ingest"
	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/projection"
	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/quorum"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubBackfillRunner struct {
	mu       sync.Mutex
	requests []backfill.Request
	result   backfill.Result
	err      error
}

func (s *stubBackfillRunner) Run(_ context.Context, request backfill.Request) (backfill.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, request)
	return s.result, s.err
}

func (s *stubBackfillRunner) Status(_ context.Context, id string) (backfill.Result, error) {
	if id == "" {
		id = "backfill:firehose-missed"
	}
	return backfill.Result{ID: id, Position: s.result.Position, Finished: true}, nil
}

type stubStream struct {
	status ingest.Status
}

func (s stubStream) Status() ingest.Status { return s.status }

type stubReviews struct {
	status projection.ReviewStatus
	err    error
}

func (s stubReviews) ReviewStatus(_ context.Context, argumentURI string) (projection.ReviewStatus, error) {
	if s.err != nil {
		return projection.ReviewStatus{}, s.err
	}
	status := s.status
	status.ArgumentURI = argumentURI
	return status, nil
}

func newTestHandler(t *testing.T, deps Dependencies) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if deps.Backfill == nil {
		deps.Backfill = &stubBackfillRunner{}
	}
	if deps.Reviews == nil {
		deps.Reviews = stubReviews{}
	}
	if deps.Realtime == nil {
		deps.Realtime = NewDecisionDispatcher()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	handler, err := NewHTTPHandler(deps)
	require.NoError(t, err)
	return handler
}

func serve(handler http.Handler, method, target string, header http.Header) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, target, http.NoBody)
	for key, values := range header {
		for _, value := range values {
			request.Header.Add(key, value)
		}
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	_, err := NewHTTPHandler(Dependencies{})
	require.ErrorIs(t, err, errMissingBackfillRunner)

	_, err = NewHTTPHandler(Dependencies{Backfill: &stubBackfillRunner{}})
	require.ErrorIs(t, err, errMissingReviewReader)

	_, err = NewHTTPHandler(Dependencies{Backfill: &stubBackfillRunner{}, Reviews: stubReviews{}})
	require.ErrorIs(t, err, errMissingRealtime)
}

func TestHealthReportsStreamState(t *testing.T) {
	position := int64(42)
	handler := newTestHandler(t, Dependencies{
		Stream: stubStream{status: ingest.Status{State: ingest.StateConnected, Position: &position}},
	})

	recorder := serve(handler, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.JSONEq(t, `{"ok":true,"streamEnabled":true,"connectionState":"connected","position":42}`, recorder.Body.String())
}

func TestHealthWithoutStream(t *testing.T) {
	handler := newTestHandler(t, Dependencies{})

	recorder := serve(handler, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.JSONEq(t, `{"ok":true,"streamEnabled":false,"connectionState":"disabled","position":null}`, recorder.Body.String())
}

func TestBackfillTriggersRun(t *testing.T) {
	position := int64(17)
	runner := &stubBackfillRunner{result: backfill.Result{
		ID:         "backfill:custom",
		Position:   &position,
		Processed:  17,
		Batches:    1,
		Finished:   true,
		StopReason: backfill.StopIdle,
	}}
	handler := newTestHandler(t, Dependencies{Backfill: runner})

	recorder := serve(handler, http.MethodPost, "/backfill?id=backfill:custom&maxBatches=3", nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	var payload backfill.Report
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &payload))
	assert.True(t, payload.OK)
	assert.True(t, payload.Finished)
	assert.Equal(t, "backfill:custom", payload.ID)
	require.NotNil(t, payload.Position)
	assert.Equal(t, int64(17), *payload.Position)
	assert.Equal(t, "idle", payload.StopReason)

	require.Len(t, runner.requests, 1)
	assert.Equal(t, backfill.Request{ID: "backfill:custom", MaxBatches: 3}, runner.requests[0])
}

func TestBackfillRejectsInvalidMaxBatches(t *testing.T) {
	runner := &stubBackfillRunner{}
	handler := newTestHandler(t, Dependencies{Backfill: runner})

	recorder := serve(handler, http.MethodGet, "/backfill?maxBatches=zero", nil)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Empty(t, runner.requests)
}

func TestBackfillReportsFailure(t *testing.T) {
	position := int64(4)
	runner := &stubBackfillRunner{
		result: backfill.Result{ID: "backfill:firehose-missed", Position: &position},
		err:    errors.New("disk full"),
	}
	handler := newTestHandler(t, Dependencies{Backfill: runner})

	recorder := serve(handler, http.MethodGet, "/backfill", nil)
	require.Equal(t, http.StatusInternalServerError, recorder.Code)

	var payload backfill.Report
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &payload))
	assert.False(t, payload.OK)
	assert.Equal(t, "backfill_failed", payload.Error)
	require.NotNil(t, payload.Position)
	assert.Equal(t, int64(4), *payload.Position)
}

func TestBackfillRequiresAdminTokenWhenConfigured(t *testing.T) {
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("admin-secret"),
		Issuer:        "poltr-indexer",
		Audience:      "poltr-admin",
		TokenTTL:      time.Minute,
	})
	require.NoError(t, err)
	runner := &stubBackfillRunner{result: backfill.Result{ID: "backfill:firehose-missed"}}
	handler := newTestHandler(t, Dependencies{Backfill: runner, AdminTokens: issuer})

	recorder := serve(handler, http.MethodPost, "/backfill", nil)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)

	recorder = serve(handler, http.MethodPost, "/backfill", http.Header{"Authorization": {"Bearer forged"}})
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
	assert.Empty(t, runner.requests)

	token, _, err := issuer.IssueAdminToken(context.Background(), "operator")
	require.NoError(t, err)
	recorder = serve(handler, http.MethodPost, "/backfill", http.Header{"Authorization": {"Bearer " + token}})
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Len(t, runner.requests, 1)

	recorder = serve(handler, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, recorder.Code)
}

func TestBackfillStatusReadsCheckpoint(t *testing.T) {
	handler := newTestHandler(t, Dependencies{})

	recorder := serve(handler, http.MethodGet, "/backfill/status", nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	var payload backfill.Report
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &payload))
	assert.Equal(t, "backfill:firehose-missed", payload.ID)
	assert.True(t, payload.Finished)
}

func TestReviewStatus(t *testing.T) {
	handler := newTestHandler(t, Dependencies{Reviews: stubReviews{status: projection.ReviewStatus{
		Decision:    quorum.Approved,
		Quorum:      10,
		Tally:       quorum.Tally{Approvals: 6, Rejections: 1, Total: 7},
		Invitations: 10,
	}}})

	recorder := serve(handler, http.MethodGet, "/review/status?argumentUri="+argumentURI, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.JSONEq(t, `{
		"argumentUri": "`+argumentURI+`",
		"status": "approved",
		"quorum": 10,
		"approvals": 6,
		"rejections": 1,
		"total": 7,
		"invitations": 10,
		"deleted": false
	}`, recorder.Body.String())
}

func TestReviewStatusErrors(t *testing.T) {
	handler := newTestHandler(t, Dependencies{})
	assert.Equal(t, http.StatusBadRequest, serve(handler, http.MethodGet, "/review/status", nil).Code)

	handler = newTestHandler(t, Dependencies{Reviews: stubReviews{err: projection.ErrNotFound}})
	assert.Equal(t, http.StatusNotFound, serve(handler, http.MethodGet, "/review/status?argumentUri=at://x/y/z", nil).Code)
}

func TestReviewEventsStreamDecisions(t *testing.T) {
	dispatcher := NewDecisionDispatcher()
	handler := newTestHandler(t, Dependencies{Realtime: dispatcher})
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/review/events?argumentUri="+argumentURI, http.NoBody)
	require.NoError(t, err)
	response, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	t.Cleanup(func() { _ = response.Body.Close() })
	require.Equal(t, http.StatusOK, response.StatusCode)
	assert.Contains(t, response.Header.Get("Content-Type"), "text/event-stream")

	require.Eventually(t, func() bool { return dispatcher.subscriberCount(argumentURI) == 1 }, time.Second, 5*time.Millisecond)
	dispatcher.PublishDecision(context.Background(), argumentURI, quorum.Rejected)

	type readResult struct {
		line string
		err  error
	}
	reader := bufio.NewReader(response.Body)
	currentEventType := ""
	deadline := time.After(5 * time.Second)
	for {
		resultCh := make(chan readResult, 1)
		go func() {
			line, err := reader.ReadString('\n')
			resultCh <- readResult{line: line, err: err}
		}()
		select {
		case <-deadline:
			t.Fatal("timed out waiting for decision event")
		case res := <-resultCh:
			require.NoError(t, res.err)
			line := strings.TrimSpace(res.line)
			if strings.HasPrefix(line, "event:") {
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			}
			if !strings.HasPrefix(line, "data:") || currentEventType != RealtimeEventDecision {
				continue
			}
			var payload decisionEventPayload
			require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &payload))
			assert.Equal(t, argumentURI, payload.ArgumentURI)
			assert.Equal(t, "rejected", payload.Status)
			return
		}
	}
}
