package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/igwedaniel/indexwatch/internal/types"
)

func TestNew_RegistrationError(t *testing.T) {
	reg := prometheus.NewRegistry()

	_, err := New(reg)
	require.NoError(t, err)

	m, err := New(reg)
	require.Nil(t, m)

	var alreadyRegistered prometheus.AlreadyRegisteredError
	require.ErrorAs(t, err, &alreadyRegistered)
}

func TestMetrics_RecordPoll(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.RecordPoll("indexing", nil, 0.05)
	m.RecordPoll("indexing", errors.New("timeout"), 8)
	m.RecordPoll("indexing", errors.New("timeout"), 8)

	require.Equal(t, 2.0, testutil.ToFloat64(m.pollFailures.WithLabelValues("indexing")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.polls.WithLabelValues("indexing", StatusSuccess)))
	require.Equal(t, 2.0, testutil.ToFloat64(m.polls.WithLabelValues("indexing", StatusError)))
}

func TestMetrics_UpdateSnapshot(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.UpdateSnapshot(&types.SnapshotEvent{
		Snapshot: types.Snapshot{
			ERC20:        types.DerivedMetrics{Speed: 60, BlocksLeft: 840, IndexedBlocks: 160, Progress: 16},
			MasterCopies: types.DerivedMetrics{Speed: 0, BlocksLeft: 10, IndexedBlocks: 990},
			LatestBlock:  1000,
		},
		Stalled:    map[types.Pipeline]bool{types.MasterCopies: true},
		WindowSize: 7,
	})

	require.Equal(t, 60.0, testutil.ToFloat64(m.speed.WithLabelValues("erc20")))
	require.Equal(t, 840.0, testutil.ToFloat64(m.blocksLeft.WithLabelValues("erc20")))
	require.Equal(t, 990.0, testutil.ToFloat64(m.indexed.WithLabelValues("master_copies")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.stalled.WithLabelValues("master_copies")))
	require.Equal(t, 0.0, testutil.ToFloat64(m.stalled.WithLabelValues("erc20")))
	require.Equal(t, 1000.0, testutil.ToFloat64(m.latestBlock))
	require.Equal(t, 7.0, testutil.ToFloat64(m.windowSize))

	m.Reset()
	require.Equal(t, 0, testutil.CollectAndCount(m.speed))
	require.Equal(t, 0.0, testutil.ToFloat64(m.latestBlock))
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics

	require.NotPanics(t, func() {
		m.RecordPoll("indexing", nil, 1)
		m.UpdateSnapshot(&types.SnapshotEvent{})
		m.SetWindowSize(3)
		m.SetReferenceLag(2)
		m.RecordPublish("rabbitmq", nil)
		m.IncDropped()
		m.SetStreamClients(1)
		m.Reset()
	})
}

func httpGet(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return http.DefaultClient.Do(req)
}

func TestServer_MetricsAndHealth(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)
	m.RecordPoll("indexing", errors.New("boom"), 1)

	server := NewServer("127.0.0.1:19190", reg)
	errCh := server.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
		<-errCh
	}()

	time.Sleep(50 * time.Millisecond)

	resp, err := httpGet(context.Background(), "http://127.0.0.1:19190/health")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", string(body))

	resp, err = httpGet(context.Background(), "http://127.0.0.1:19190/metrics")
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Contains(t, string(body), "indexwatch_poll_failures_total")
}
