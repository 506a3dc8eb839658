package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remanufacturing-scheduler/internal/engine"
	"remanufacturing-scheduler/internal/event"
	"remanufacturing-scheduler/internal/handlers"
	"remanufacturing-scheduler/internal/invoker"
	"remanufacturing-scheduler/internal/pool"
	"remanufacturing-scheduler/internal/report"
	"remanufacturing-scheduler/internal/schedlog"
	"remanufacturing-scheduler/internal/types"
	"remanufacturing-scheduler/internal/web"
)

// setupTestApp 启动一个只有 plant-a 的完整应用，算法使用内置 FCFS
func setupTestApp(t *testing.T) (*httptest.Server, *engine.Factory) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	bus := event.NewBus()
	tracker := web.NewStateTracker(nil)
	handlers.RegisterEventHandlers(bus, tracker, logger)
	t.Cleanup(bus.Wait)

	recorder := schedlog.NewRecorder(schedlog.NewMemoryStore(), logger)
	scheduler := engine.NewScheduler(engine.Deps{
		Invoker:  invoker.NewRouter(logger, invoker.NewBuiltin(), invoker.NewExec(logger), invoker.NewHTTP(logger, invoker.DefaultBreakerSettings())),
		Recorder: recorder,
		Bus:      bus,
		Tracker:  tracker,
		Logger:   logger,
	})
	f := &engine.Factory{
		ID:    "plant-a",
		Store: pool.NewStore("plant-a", logger),
		Config: types.SchedulingConfig{
			Mode:                      types.ModeFCFS,
			SchedulingIntervalMinutes: 5,
			BatchPolicy:               types.BatchPolicy{QMin: 1, QMax: 4},
		},
	}
	require.NoError(t, scheduler.AddFactory(f))

	srv := httptest.NewServer(New(scheduler, recorder, nil, tracker, logger).Router())
	t.Cleanup(srv.Close)
	return srv, f
}

func do(t *testing.T, method, url string, body interface{}) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestHealthAndTrace(t *testing.T) {
	srv, _ := setupTestApp(t)

	resp := do(t, http.MethodGet, srv.URL+"/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Trace-ID"))

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-Trace-ID", "abc-123")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, "abc-123", resp2.Header.Get("X-Trace-ID"))

	resp = do(t, http.MethodGet, srv.URL+"/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOrderIntake(t *testing.T) {
	srv, f := setupTestApp(t)
	base := srv.URL + "/api/factories/plant-a"

	resp := do(t, http.MethodPost, base+"/orders", map[string]interface{}{
		"orderId":           "A",
		"optimizedPosition": 7,
		"metadata":          map[string]interface{}{"dueDate": "2024-03-01T12:00:00Z"},
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	rec, stage, ok := f.Store.Get("A")
	require.True(t, ok)
	assert.Equal(t, types.StagePAP, stage)
	assert.Nil(t, rec.OptimizedPosition, "store-managed fields are ignored on intake")

	assert.Equal(t, http.StatusBadRequest, do(t, http.MethodPost, base+"/orders", map[string]interface{}{"orderId": ""}).StatusCode)
	assert.Equal(t, http.StatusBadRequest, do(t, http.MethodPost, base+"/orders?stage=qa", map[string]interface{}{"orderId": "B"}).StatusCode)
	assert.Equal(t, http.StatusConflict, do(t, http.MethodPost, base+"/orders?stage=pip", map[string]interface{}{"orderId": "A"}).StatusCode)
	assert.Equal(t, http.StatusAccepted, do(t, http.MethodPost, base+"/orders?stage=pip", map[string]interface{}{"orderId": "B"}).StatusCode)

	var paps []types.PoolRecord
	decode(t, do(t, http.MethodGet, base+"/pool/pap", nil), &paps)
	require.Len(t, paps, 1)
	assert.Equal(t, "A", paps[0].OrderID)

	var snap pool.Snapshot
	decode(t, do(t, http.MethodGet, base+"/pool", nil), &snap)
	assert.Equal(t, "plant-a", snap.FactoryID)
	assert.Contains(t, snap.Pools[types.StagePIP], "B")

	assert.Equal(t, http.StatusNoContent, do(t, http.MethodDelete, base+"/orders/B", nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, do(t, http.MethodDelete, base+"/orders/B", nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, do(t, http.MethodGet, base+"/pool/qa", nil).StatusCode)
}

func TestTickLogsAndQueueDiff(t *testing.T) {
	srv, f := setupTestApp(t)
	base := srv.URL + "/api/factories/plant-a"

	var logs []types.SchedulingLogEntry
	resp := do(t, http.MethodGet, base+"/logs", nil)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(body))

	for _, id := range []string{"A", "B"} {
		require.Equal(t, http.StatusAccepted, do(t, http.MethodPost, base+"/orders", map[string]interface{}{"orderId": id}).StatusCode)
	}

	var rep engine.TickReport
	resp = do(t, http.MethodPost, base+"/tick", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &rep)
	assert.Equal(t, "plant-a", rep.FactoryID)
	require.Len(t, rep.Runs, 3)
	for _, run := range rep.Runs {
		assert.Equal(t, types.RunSuccess, run.Status, run.Stage)
	}
	for _, stage := range types.Stages {
		assert.Zero(t, f.Store.Len(stage))
	}

	decode(t, do(t, http.MethodGet, base+"/logs", nil), &logs)
	assert.Len(t, logs, 3)
	decode(t, do(t, http.MethodGet, base+"/logs?stage=pip&limit=5", nil), &logs)
	require.Len(t, logs, 1)
	assert.Equal(t, types.StagePIP, logs[0].Stage)
	assert.Equal(t, http.StatusBadRequest, do(t, http.MethodGet, base+"/logs?limit=-1", nil).StatusCode)

	require.Equal(t, http.StatusAccepted, do(t, http.MethodPost, base+"/orders", map[string]interface{}{"orderId": "C"}).StatusCode)
	var diff report.QueueDiff
	decode(t, do(t, http.MethodGet, base+"/queue-diff", nil), &diff)
	require.Len(t, diff.Stages, 3)
	assert.True(t, diff.Stages[0].HasRun)
	require.Len(t, diff.Stages[0].Orders, 1)
	assert.Equal(t, "C", diff.Stages[0].Orders[0].OrderID)
	assert.Nil(t, diff.Stages[0].Orders[0].OptimizedPosition, "C arrived after the last run")

	var cleared map[string]int
	decode(t, do(t, http.MethodDelete, base+"/logs", nil), &cleared)
	assert.Equal(t, 3, cleared["deleted"])
	decode(t, do(t, http.MethodGet, base+"/queue-diff", nil), &diff)
	assert.False(t, diff.Stages[0].HasRun)

	var state web.GlobalState
	decode(t, do(t, http.MethodGet, srv.URL+"/api/status", nil), &state)
	require.Len(t, state.Stages, 3)
}

func TestUnknownFactory(t *testing.T) {
	srv, _ := setupTestApp(t)
	for _, path := range []string{"/pool", "/logs", "/queue-diff"} {
		resp := do(t, http.MethodGet, srv.URL+"/api/factories/plant-z"+path, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
	assert.Equal(t, http.StatusNotFound, do(t, http.MethodPost, srv.URL+"/api/factories/plant-z/tick", nil).StatusCode)
}
