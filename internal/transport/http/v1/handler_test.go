package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/agentrun/internal/adapter/llm"
	"github.com/xiaot623/agentrun/internal/config"
	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/service"
	"github.com/xiaot623/agentrun/internal/tools"
	"github.com/xiaot623/agentrun/tests/helpers"
)

func newTestService(t *testing.T) *service.Service {
	t.Helper()
	registry := tools.NewRegistry()
	registry.MustRegister(tools.ToolMarketSearch, func(ctx context.Context, params json.RawMessage) (tools.Outcome, error) {
		return tools.Outcome{Output: json.RawMessage(`{"results":[]}`)}, nil
	})
	cfg := &config.Config{
		MaxGoalLength:    4000,
		RunTTL:           time.Hour,
		MaxStepAttempts:  3,
		MaxPlanSteps:     10,
		MaxUnknownPolls:  3,
		MaxRefineAttempt: 3,
		GeneratorTimeout: 5 * time.Second,
		SandboxTimeout:   time.Minute,
		RunCreateCost:    1,
		MinRunBalance:    1,
		DefaultStep:      1,
		RunRatePerMinute: 6000,
		RunRateBurst:     100,
	}
	return service.New(service.Deps{
		Store:   helpers.NewTestSQLiteStore(t),
		Tools:   registry,
		Planner: llm.NewGenerator(llm.NewMockClient(), "mock", registry.Names()),
	}, cfg)
}

func newTestServer(t *testing.T, autoAdvance bool) (*echo.Echo, *service.Service) {
	t.Helper()
	svc := newTestService(t)
	e := echo.New()
	NewHandler(svc, autoAdvance).RegisterRoutes(e)
	return e, svc
}

func fund(t *testing.T, svc *service.Service, userID string, amount int64) {
	t.Helper()
	_, err := svc.ApplyDelta(context.Background(), domain.DeltaRequest{
		UserID: userID, BusinessType: domain.BusinessTopUp, Delta: amount,
		SourceType: domain.SourceAPI, SourceID: "fund-" + userID,
	})
	if err != nil {
		t.Fatalf("fund failed: %v", err)
	}
}

func do(e *echo.Echo, method, path string, body any) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func createRun(t *testing.T, e *echo.Echo, goal string) domain.CreateRunResponse {
	t.Helper()
	rec := do(e, http.MethodPost, "/v1/runs", domain.CreateRunRequest{Goal: goal, OwnerID: "u1"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp domain.CreateRunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestCreateAndGetRun(t *testing.T) {
	e, svc := newTestServer(t, false)
	fund(t, svc, "u1", 10)

	created := createRun(t, e, "look up AAPL")
	assert.Equal(t, domain.RunStatusPlanning, created.Status)
	assert.True(t, strings.HasPrefix(created.RunID, "run_"))

	rec := do(e, http.MethodGet, "/v1/runs/"+created.RunID+"?owner_id=u1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var run domain.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, "look up AAPL", run.Goal)

	rec = do(e, http.MethodGet, "/v1/runs/"+created.RunID+"?owner_id=u2", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(e, http.MethodGet, "/v1/runs/run_missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateRunErrors(t *testing.T) {
	e, _ := newTestServer(t, false)

	rec := do(e, http.MethodPost, "/v1/runs", domain.CreateRunRequest{Goal: "x", OwnerID: "u1"})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	rec = do(e, http.MethodPost, "/v1/runs", domain.CreateRunRequest{Goal: "   ", OwnerID: "u1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/runs", strings.NewReader(`{"goal":`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	bad := httptest.NewRecorder()
	e.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestCreateRunIdempotencyHeader(t *testing.T) {
	e, svc := newTestServer(t, false)
	fund(t, svc, "u1", 10)

	send := func() domain.CreateRunResponse {
		data, _ := json.Marshal(domain.CreateRunRequest{Goal: "g", OwnerID: "u1"})
		req := httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewReader(data))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		req.Header.Set("Idempotency-Key", "abc")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		require.Equal(t, http.StatusAccepted, rec.Code)
		var resp domain.CreateRunResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return resp
	}
	assert.Equal(t, send().RunID, send().RunID)
}

func TestAutoAdvanceCompletesRun(t *testing.T) {
	e, svc := newTestServer(t, true)
	fund(t, svc, "u1", 10)

	created := createRun(t, e, "look up AAPL")
	svc.Wait()

	run, err := svc.GetRun(context.Background(), created.RunID, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
}

func TestAdvanceEventsAndMessages(t *testing.T) {
	e, svc := newTestServer(t, false)
	fund(t, svc, "u1", 10)
	created := createRun(t, e, "look up AAPL")

	rec := do(e, http.MethodPost, "/v1/runs/"+created.RunID+"/advance", domain.OwnerRequest{OwnerID: "u1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var run domain.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Equal(t, run.MaxSteps, run.CurrentStep)

	rec = do(e, http.MethodGet, "/v1/runs/"+created.RunID+"/events?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page domain.EventPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, page.Items[1].Seq, page.NextCursor)

	rec = do(e, http.MethodGet, "/v1/runs/"+created.RunID+"/events?after_seq=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodGet, "/v1/runs/"+created.RunID+"/messages?exclude_initial=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var msgs domain.MessagePage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	require.Len(t, msgs.Items, 1)
	assert.Equal(t, domain.MessageTypeSummary, msgs.Items[0].Type)

	rec = do(e, http.MethodPost, "/v1/runs/"+created.RunID+"/cancel", domain.OwnerRequest{OwnerID: "u1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = do(e, http.MethodPost, "/v1/runs/"+created.RunID+"/resume", domain.OwnerRequest{OwnerID: "u1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = do(e, http.MethodPost, "/v1/runs/"+created.RunID+"/messages", domain.SendMessageRequest{OwnerID: "u1", Content: "more"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelAndPostMessage(t *testing.T) {
	e, svc := newTestServer(t, false)
	fund(t, svc, "u1", 10)
	created := createRun(t, e, "look up AAPL")

	rec := do(e, http.MethodPost, "/v1/runs/"+created.RunID+"/messages", domain.SendMessageRequest{OwnerID: "u1", Content: "also MSFT"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var sent domain.SendMessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sent))
	assert.Equal(t, int64(2), sent.Seq)

	rec = do(e, http.MethodPost, "/v1/runs/"+created.RunID+"/messages", domain.SendMessageRequest{OwnerID: "u1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodPost, "/v1/runs/"+created.RunID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var run domain.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, domain.RunStatusCanceled, run.Status)

	rec = do(e, http.MethodPost, "/v1/runs/"+created.RunID+"/advance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, domain.RunStatusCanceled, run.Status)
}

func TestLedgerEndpoints(t *testing.T) {
	e, svc := newTestServer(t, false)
	fund(t, svc, "u1", 10)
	createRun(t, e, "g")

	rec := do(e, http.MethodGet, "/v1/ledger/balance/u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var bal domain.BalanceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bal))
	assert.Equal(t, int64(9), bal.Balance)

	rec = do(e, http.MethodGet, "/v1/ledger/entries?user_id=u1&business_type=RUN_CREATE", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list domain.LedgerListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, int64(-1), list.Items[0].Delta)

	rec = do(e, http.MethodGet, "/v1/ledger/entries/count?user_id=u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"count":2}`, rec.Body.String())

	rec = do(e, http.MethodGet, "/v1/ledger/entries?business_type=BOGUS", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(e, http.MethodGet, "/v1/ledger/entries?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	e, _ := newTestServer(t, false)
	rec := do(e, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func readStream(t *testing.T, conn *websocket.Conn) []domain.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	var events []domain.Event
	for {
		var ev domain.Event
		if err := conn.ReadJSON(&ev); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected stream error: %v", err)
			return events
		}
		events = append(events, ev)
	}
}

func TestStreamRunEvents(t *testing.T) {
	e, svc := newTestServer(t, false)
	fund(t, svc, "u1", 10)
	created := createRun(t, e, "look up AAPL")

	srv := httptest.NewServer(e)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/runs/" + created.RunID + "/events/ws"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	go func() {
		_, _ = svc.Advance(context.Background(), created.RunID)
	}()

	events := readStream(t, conn)
	require.NotEmpty(t, events)
	assert.Equal(t, domain.EventTypeRunCompleted, events[len(events)-1].Type)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].Seq+1, events[i].Seq)
	}

	resumeAt := events[len(events)-3].Seq
	tail, _, err := websocket.DefaultDialer.Dial(url+"?after_seq="+strconv.FormatInt(resumeAt, 10), nil)
	require.NoError(t, err)
	defer tail.Close()
	rest := readStream(t, tail)
	require.Len(t, rest, 2)
	assert.Greater(t, rest[0].Seq, resumeAt)

	resp, err := http.Get(srv.URL + "/v1/runs/run_missing/events/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
