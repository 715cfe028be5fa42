package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/igwedaniel/indexwatch/internal/chain"
	"github.com/igwedaniel/indexwatch/internal/indexing"
	"github.com/igwedaniel/indexwatch/internal/messaging"
	"github.com/igwedaniel/indexwatch/internal/monitor"
	"github.com/igwedaniel/indexwatch/internal/types"
)

// Watcher is the subset of the session manager the handlers drive
type Watcher interface {
	Watch(endpoint string) (monitor.State, error)
	Stop() error
	State() (monitor.State, error)
	Stats() (types.SessionStats, error)
	Trigger() (bool, error)
}

var _ Watcher = (*monitor.Manager)(nil)

// ProviderReporter exposes the circuit state of the reference node providers
type ProviderReporter interface {
	GetProviderStatuses() []*chain.ProviderStatus
}

var _ ProviderReporter = (*chain.Client)(nil)

const brokerPingTimeout = 2 * time.Second

// Handlers contains HTTP handlers for the API
type Handlers struct {
	watcher    Watcher
	staleAfter time.Duration
	logger     *logrus.Logger
	now        func() time.Time

	// optional
	providers ProviderReporter
	brokers   messaging.Pinger
}

func NewHandlers(watcher Watcher, staleAfter time.Duration, logger *logrus.Logger) *Handlers {
	return &Handlers{
		watcher:    watcher,
		staleAfter: staleAfter,
		logger:     logger,
		now:        time.Now,
	}
}

// StatusResponse is the body of GET /api/v1/status
type StatusResponse struct {
	Endpoint    string                  `json:"endpoint"`
	Network     string                  `json:"network"`
	Snapshot    types.Snapshot          `json:"snapshot"`
	Stalled     map[types.Pipeline]bool `json:"stalled"`
	Stale       bool                    `json:"stale"`
	LastUpdated time.Time               `json:"last_updated"`
	NextPollIn  int64                   `json:"next_poll_in"`
	WindowSize  int                     `json:"window_size"`
	Reference   *types.ReferenceHead    `json:"reference,omitempty"`
}

// HealthCheck returns the health status of the service
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":  "healthy",
		"service": "indexwatch",
	}

	state, err := h.watcher.State()
	if err == nil {
		response["endpoint"] = state.Endpoint
		response["stale"] = state.Stale(h.now(), h.staleAfter)
	}

	if h.brokers != nil {
		ctx, cancel := context.WithTimeout(r.Context(), brokerPingTimeout)
		defer cancel()
		if err := h.brokers.Ping(ctx); err != nil {
			response["status"] = "degraded"
			response["brokers"] = err.Error()
		} else {
			response["brokers"] = "ok"
		}
	}

	h.writeJSON(w, http.StatusOK, response)
}

// GetStatus returns the latest snapshot of the watched endpoint
func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	state, ok := h.state(w)
	if !ok {
		return
	}
	if state.Latest == nil {
		// not enough samples to derive a rate yet
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.writeJSON(w, http.StatusOK, StatusResponse{
		Endpoint:    state.Endpoint,
		Network:     state.Network,
		Snapshot:    state.Latest.Snapshot,
		Stalled:     state.Latest.Stalled,
		Stale:       state.Stale(h.now(), h.staleAfter),
		LastUpdated: state.LastUpdated,
		NextPollIn:  state.NextPollIn,
		WindowSize:  state.WindowSize,
		Reference:   state.Reference,
	})
}

// GetChart returns the speed series. With a pipeline query only that
// pipeline's values are returned alongside the timestamps.
func (h *Handlers) GetChart(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	state, ok := h.state(w)
	if !ok {
		return
	}

	points := []types.ChartPoint{}
	if state.Latest != nil {
		points = state.Latest.Chart
	}

	name := r.URL.Query().Get("pipeline")
	if name == "" {
		h.writeJSON(w, http.StatusOK, map[string]interface{}{"points": points})
		return
	}

	pipeline, ok := types.ParsePipeline(name)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "unknown pipeline: "+name)
		return
	}

	timestamps := make([]time.Time, len(points))
	for i, p := range points {
		timestamps[i] = p.Timestamp
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"pipeline":   pipeline,
		"label":      pipeline.Label(),
		"timestamps": timestamps,
		"speeds":     indexing.Series(points, pipeline),
	})
}

// GetAbout returns the service metadata of the watched endpoint
func (h *Handlers) GetAbout(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	state, ok := h.state(w)
	if !ok {
		return
	}
	if state.About == nil {
		h.writeError(w, http.StatusNotFound, "service metadata not loaded yet")
		return
	}
	h.writeJSON(w, http.StatusOK, state.About)
}

// GetRPC returns the node status reported by the service and the
// reference head when one is configured
func (h *Handlers) GetRPC(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	state, ok := h.state(w)
	if !ok {
		return
	}
	response := map[string]interface{}{
		"ethereum_rpc":         state.RPC,
		"ethereum_tracing_rpc": state.Tracing,
		"reference":            state.Reference,
	}
	if h.providers != nil {
		response["reference_providers"] = h.providers.GetProviderStatuses()
	}
	h.writeJSON(w, http.StatusOK, response)
}

// Watch starts or stops monitoring an endpoint
func (h *Handlers) Watch(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.startWatching(w, r)
	case http.MethodDelete:
		h.stopWatching(w)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) startWatching(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	state, err := h.watcher.Watch(req.URL)
	if err != nil {
		if errors.Is(err, monitor.ErrInvalidEndpoint) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Errorf("Failed to watch endpoint: %v", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to start monitoring")
		return
	}

	h.logger.WithField("endpoint", state.Endpoint).Info("Watching endpoint")
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "success",
		"endpoint": state.Endpoint,
	})
}

func (h *Handlers) stopWatching(w http.ResponseWriter) {
	if err := h.watcher.Stop(); err != nil {
		if errors.Is(err, monitor.ErrNotWatching) {
			h.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// GetSessionStats returns poller and publishing statistics
func (h *Handlers) GetSessionStats(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	stats, err := h.watcher.Stats()
	if err != nil {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// TriggerPoll requests an immediate poll of the indexing endpoint
func (h *Handlers) TriggerPoll(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	triggered, err := h.watcher.Trigger()
	if err != nil {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if !triggered {
		h.writeError(w, http.StatusConflict, "a poll is already in flight")
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

// GetReport renders the latest snapshot as a shareable text message
func (h *Handlers) GetReport(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	state, ok := h.state(w)
	if !ok {
		return
	}
	if state.Latest == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(state.Latest.Snapshot.Report(state.Endpoint, state.LastUpdated)))
}

func (h *Handlers) state(w http.ResponseWriter) (monitor.State, bool) {
	state, err := h.watcher.State()
	if err != nil {
		h.writeError(w, http.StatusNotFound, err.Error())
		return monitor.State{}, false
	}
	return state, true
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Errorf("Failed to encode response: %v", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
