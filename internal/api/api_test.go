package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/igwedaniel/indexwatch/internal/chain"
	"github.com/igwedaniel/indexwatch/internal/monitor"
	"github.com/igwedaniel/indexwatch/internal/types"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type mockWatcher struct {
	mock.Mock
}

func (m *mockWatcher) Watch(endpoint string) (monitor.State, error) {
	args := m.Called(endpoint)
	return args.Get(0).(monitor.State), args.Error(1)
}

func (m *mockWatcher) Stop() error {
	return m.Called().Error(0)
}

func (m *mockWatcher) State() (monitor.State, error) {
	args := m.Called()
	return args.Get(0).(monitor.State), args.Error(1)
}

func (m *mockWatcher) Stats() (types.SessionStats, error) {
	args := m.Called()
	return args.Get(0).(types.SessionStats), args.Error(1)
}

func (m *mockWatcher) Trigger() (bool, error) {
	args := m.Called()
	return args.Bool(0), args.Error(1)
}

func testSnapshotEvent() *types.SnapshotEvent {
	return &types.SnapshotEvent{
		Endpoint: "https://safe-transaction-mainnet.safe.global",
		Snapshot: types.Snapshot{
			ERC20:        types.DerivedMetrics{BlocksLeft: 840, Speed: 60, IndexedBlocks: 160, ETA: "14 minutes"},
			MasterCopies: types.DerivedMetrics{Synced: true, ETA: "N/A"},
			LatestBlock:  1000,
		},
		Stalled: map[types.Pipeline]bool{types.ERC20: false, types.MasterCopies: true},
		Chart: []types.ChartPoint{
			{Timestamp: t0, ERC20: 0, MasterCopies: 0},
			{Timestamp: t0.Add(time.Minute), ERC20: 60, MasterCopies: 30},
		},
		WindowSize: 2,
	}
}

func testState() monitor.State {
	return monitor.State{
		Endpoint:    "https://safe-transaction-mainnet.safe.global",
		Network:     "MAINNET",
		IsRunning:   true,
		Latest:      testSnapshotEvent(),
		LastUpdated: t0.Add(time.Minute),
		WindowSize:  2,
		NextPollIn:  7,
	}
}

func newTestRouter(t *testing.T, watcher Watcher, hub *Hub) http.Handler {
	t.Helper()
	logger, _ := test.NewNullLogger()
	handlers := NewHandlers(watcher, 30*time.Second, logger)
	handlers.now = func() time.Time { return t0.Add(90 * time.Second) }
	return loggingMiddleware(newRouter(handlers, hub), logger)
}

func do(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestGetStatus(t *testing.T) {
	watcher := new(mockWatcher)
	watcher.On("State").Return(testState(), nil)
	router := newTestRouter(t, watcher, nil)

	rec := do(router, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "MAINNET", resp.Network)
	assert.Equal(t, int64(1000), resp.Snapshot.LatestBlock)
	assert.Equal(t, "14 minutes", resp.Snapshot.ERC20.ETA)
	assert.True(t, resp.Stalled[types.MasterCopies])
	assert.False(t, resp.Stale)
	assert.Equal(t, int64(7), resp.NextPollIn)
}

func TestGetStatus_NoContentUntilTwoSamples(t *testing.T) {
	state := testState()
	state.Latest = nil
	state.WindowSize = 1

	watcher := new(mockWatcher)
	watcher.On("State").Return(state, nil)
	router := newTestRouter(t, watcher, nil)

	rec := do(router, http.MethodGet, "/api/v1/status", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestGetStatus_NotWatching(t *testing.T) {
	watcher := new(mockWatcher)
	watcher.On("State").Return(monitor.State{}, monitor.ErrNotWatching)
	router := newTestRouter(t, watcher, nil)

	assert.Equal(t, http.StatusNotFound, do(router, http.MethodGet, "/api/v1/status", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(router, http.MethodPost, "/api/v1/status", "").Code)
}

func TestGetChart(t *testing.T) {
	watcher := new(mockWatcher)
	watcher.On("State").Return(testState(), nil)
	router := newTestRouter(t, watcher, nil)

	rec := do(router, http.MethodGet, "/api/v1/chart?pipeline=master_copies", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Pipeline   types.Pipeline `json:"pipeline"`
		Label      string         `json:"label"`
		Timestamps []time.Time    `json:"timestamps"`
		Speeds     []float64      `json:"speeds"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, types.MasterCopies, resp.Pipeline)
	assert.Equal(t, "Master Copies", resp.Label)
	assert.Equal(t, []float64{0, 30}, resp.Speeds)
	require.Len(t, resp.Timestamps, 2)
	assert.True(t, resp.Timestamps[1].Equal(t0.Add(time.Minute)))

	rec = do(router, http.MethodGet, "/api/v1/chart", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"points"`)

	rec = do(router, http.MethodGet, "/api/v1/chart?pipeline=bitcoin", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWatch(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		body       string
		setup      func(w *mockWatcher)
		wantStatus int
	}{
		{
			name:   "start",
			method: http.MethodPost,
			body:   `{"url":"https://safe-transaction-mainnet.safe.global/"}`,
			setup: func(w *mockWatcher) {
				w.On("Watch", "https://safe-transaction-mainnet.safe.global/").
					Return(monitor.State{Endpoint: "https://safe-transaction-mainnet.safe.global"}, nil)
			},
			wantStatus: http.StatusOK,
		},
		{
			name:   "invalid url",
			method: http.MethodPost,
			body:   `{"url":"ftp://nope"}`,
			setup: func(w *mockWatcher) {
				w.On("Watch", "ftp://nope").
					Return(monitor.State{}, fmt.Errorf("%w: unsupported scheme", monitor.ErrInvalidEndpoint))
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "bad json",
			method:     http.MethodPost,
			body:       `{`,
			setup:      func(w *mockWatcher) {},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:   "start failure",
			method: http.MethodPost,
			body:   `{"url":"https://tx.example"}`,
			setup: func(w *mockWatcher) {
				w.On("Watch", "https://tx.example").Return(monitor.State{}, errors.New("boom"))
			},
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "stop",
			method:     http.MethodDelete,
			setup:      func(w *mockWatcher) { w.On("Stop").Return(nil) },
			wantStatus: http.StatusOK,
		},
		{
			name:       "stop while idle",
			method:     http.MethodDelete,
			setup:      func(w *mockWatcher) { w.On("Stop").Return(monitor.ErrNotWatching) },
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "wrong method",
			method:     http.MethodGet,
			setup:      func(w *mockWatcher) {},
			wantStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			watcher := new(mockWatcher)
			tt.setup(watcher)
			router := newTestRouter(t, watcher, nil)

			rec := do(router, tt.method, "/api/v1/watch", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)
			watcher.AssertExpectations(t)
		})
	}
}

func TestTriggerPoll(t *testing.T) {
	watcher := new(mockWatcher)
	watcher.On("Trigger").Return(true, nil).Once()
	watcher.On("Trigger").Return(false, nil).Once()
	router := newTestRouter(t, watcher, nil)

	assert.Equal(t, http.StatusAccepted, do(router, http.MethodPost, "/api/v1/poll", "").Code)
	assert.Equal(t, http.StatusConflict, do(router, http.MethodPost, "/api/v1/poll", "").Code)
	watcher.AssertExpectations(t)
}

func TestGetReport(t *testing.T) {
	watcher := new(mockWatcher)
	watcher.On("State").Return(testState(), nil)
	router := newTestRouter(t, watcher, nil)

	rec := do(router, http.MethodGet, "/api/v1/report", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "ERC20 Tokens:")
	assert.Contains(t, body, "Blocks Left: 840")
	assert.Contains(t, body, "Latest Block: 1,000")
	assert.Contains(t, body, "Check it live: https://safe-transaction-mainnet.safe.global")
}

func TestGetSessionStatsAndRPC(t *testing.T) {
	state := testState()
	state.RPC = &types.RPCStatus{Version: "Nethermind", BlockNumber: 1000}
	state.Reference = &types.ReferenceHead{BlockNumber: 1002, Lag: 2}

	watcher := new(mockWatcher)
	watcher.On("State").Return(state, nil)
	watcher.On("Stats").Return(types.SessionStats{Endpoint: state.Endpoint, Published: 3}, nil)
	router := newTestRouter(t, watcher, nil)

	rec := do(router, http.MethodGet, "/api/v1/session/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats types.SessionStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, uint64(3), stats.Published)

	rec = do(router, http.MethodGet, "/api/v1/rpc", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"version":"Nethermind"`)
	assert.Contains(t, rec.Body.String(), `"lag":2`)
	assert.Contains(t, rec.Body.String(), `"ethereum_tracing_rpc":null`)

	rec = do(router, http.MethodGet, "/api/v1/about", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthCheck(t *testing.T) {
	watcher := new(mockWatcher)
	watcher.On("State").Return(monitor.State{}, monitor.ErrNotWatching)
	router := newTestRouter(t, watcher, nil)

	rec := do(router, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
}

type fakeBrokers struct {
	err error
}

func (b *fakeBrokers) Ping(ctx context.Context) error { return b.err }

type fakeProviders []*chain.ProviderStatus

func (p fakeProviders) GetProviderStatuses() []*chain.ProviderStatus { return p }

func TestHealthCheck_ReportsBrokers(t *testing.T) {
	watcher := new(mockWatcher)
	watcher.On("State").Return(testState(), nil)
	logger, _ := test.NewNullLogger()

	handlers := NewHandlers(watcher, 30*time.Second, logger)
	handlers.brokers = &fakeBrokers{}
	rec := do(newRouter(handlers, nil), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
	assert.Contains(t, rec.Body.String(), `"brokers":"ok"`)

	handlers.brokers = &fakeBrokers{err: errors.New("redis: connection refused")}
	rec = do(newRouter(handlers, nil), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
	assert.Contains(t, rec.Body.String(), `"brokers":"redis: connection refused"`)
}

func TestGetRPC_ReportsReferenceProviders(t *testing.T) {
	watcher := new(mockWatcher)
	watcher.On("State").Return(testState(), nil)
	logger, _ := test.NewNullLogger()

	handlers := NewHandlers(watcher, 30*time.Second, logger)
	handlers.providers = fakeProviders{
		{URL: "https://rpc-a.example", State: chain.CircuitOpen, Failures: 3},
		{URL: "https://rpc-b.example", State: chain.CircuitClosed},
	}

	rec := do(newRouter(handlers, nil), http.MethodGet, "/api/v1/rpc", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Providers []struct {
			URL      string `json:"url"`
			State    string `json:"state"`
			Failures int    `json:"failures"`
		} `json:"reference_providers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Providers, 2)
	assert.Equal(t, "open", body.Providers[0].State)
	assert.Equal(t, 3, body.Providers[0].Failures)
	assert.Equal(t, "closed", body.Providers[1].State)
}

func TestHub_StreamsSnapshots(t *testing.T) {
	logger, _ := test.NewNullLogger()
	hub := NewHub(nil, logger)
	defer hub.Close()

	watcher := new(mockWatcher)
	srv := httptest.NewServer(newTestRouter(t, watcher, hub))
	defer srv.Close()

	require.NoError(t, hub.Deliver(context.Background(), testSnapshotEvent()))

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	read := func() streamMessage {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var msg streamMessage
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	// the last snapshot is replayed on connect
	msg := read()
	assert.Equal(t, types.EventTypeSnapshot, msg.Type)
	require.NotNil(t, msg.Data)
	assert.Equal(t, int64(1000), msg.Data.Snapshot.LatestBlock)

	next := testSnapshotEvent()
	next.Snapshot.LatestBlock = 1001
	require.NoError(t, hub.Deliver(context.Background(), next))
	msg = read()
	assert.Equal(t, int64(1001), msg.Data.Snapshot.LatestBlock)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHub_ResetForgetsLastSnapshot(t *testing.T) {
	logger, _ := test.NewNullLogger()
	hub := NewHub(nil, logger)

	require.NoError(t, hub.Deliver(context.Background(), testSnapshotEvent()))
	hub.Reset()
	assert.Nil(t, hub.last)
	assert.Equal(t, "stream", hub.Name())
}
