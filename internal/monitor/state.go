package monitor

import (
	"time"

	"github.com/igwedaniel/indexwatch/internal/types"
)

// State is a copy of what a session currently knows about its endpoint
type State struct {
	Endpoint    string               `json:"endpoint"`
	Network     string               `json:"network"`
	IsRunning   bool                 `json:"is_running"`
	About       *types.About         `json:"about,omitempty"`
	Latest      *types.SnapshotEvent `json:"latest,omitempty"`
	LastSample  *types.Sample        `json:"last_sample,omitempty"`
	LastUpdated time.Time            `json:"last_updated"`
	WindowSize  int                  `json:"window_size"`
	RPC         *types.RPCStatus     `json:"rpc,omitempty"`
	Tracing     *types.RPCStatus     `json:"tracing,omitempty"`
	Reference   *types.ReferenceHead `json:"reference,omitempty"`
	NextPollIn  int64                `json:"next_poll_in"`
}

// Stale reports whether no sample has been received within after.
// A state without any sample is always stale.
func (s State) Stale(now time.Time, after time.Duration) bool {
	if s.LastUpdated.IsZero() {
		return true
	}
	return now.Sub(s.LastUpdated) > after
}
