package types

import (
	"time"
)

// Pipeline identifies one of the indexing processes reported by a transaction service
type Pipeline string

const (
	ERC20        Pipeline = "erc20"
	MasterCopies Pipeline = "master_copies"
)

// Pipelines lists every tracked pipeline in display order
var Pipelines = []Pipeline{ERC20, MasterCopies}

// Label returns the human readable pipeline name
func (p Pipeline) Label() string {
	switch p {
	case ERC20:
		return "ERC20 Tokens"
	case MasterCopies:
		return "Master Copies"
	default:
		return string(p)
	}
}

// ParsePipeline maps a query value onto a Pipeline
func ParsePipeline(s string) (Pipeline, bool) {
	switch Pipeline(s) {
	case ERC20, MasterCopies:
		return Pipeline(s), true
	}
	return "", false
}

// Sample is one polled observation of the indexing endpoint
type Sample struct {
	CurrentBlockNumber      int64     `json:"currentBlockNumber"`
	ERC20BlockNumber        int64     `json:"erc20BlockNumber"`
	ERC20Synced             bool      `json:"erc20Synced"`
	MasterCopiesBlockNumber int64     `json:"masterCopiesBlockNumber"`
	MasterCopiesSynced      bool      `json:"masterCopiesSynced"`
	Timestamp               time.Time `json:"timestamp"`
}

// BlockNumber returns the indexed block number of the given pipeline
func (s Sample) BlockNumber(p Pipeline) int64 {
	if p == MasterCopies {
		return s.MasterCopiesBlockNumber
	}
	return s.ERC20BlockNumber
}

// Synced returns the synced flag of the given pipeline
func (s Sample) Synced(p Pipeline) bool {
	if p == MasterCopies {
		return s.MasterCopiesSynced
	}
	return s.ERC20Synced
}

// DerivedMetrics is recomputed from the window on every poll
type DerivedMetrics struct {
	BlocksLeft    int64   `json:"blocks_left"`
	Speed         float64 `json:"speed"` // blocks per minute
	IndexedBlocks int64   `json:"indexed_blocks"`
	ETA           string  `json:"eta"`
	Synced        bool    `json:"synced"`
	Progress      float64 `json:"progress"`
}

// Snapshot is the consolidated summary handed to presentation collaborators
type Snapshot struct {
	ERC20        DerivedMetrics `json:"erc20"`
	MasterCopies DerivedMetrics `json:"master_copies"`
	LatestBlock  int64          `json:"latest_block"`
}

// Pipeline returns the metrics of the given pipeline
func (s Snapshot) Pipeline(p Pipeline) DerivedMetrics {
	if p == MasterCopies {
		return s.MasterCopies
	}
	return s.ERC20
}

// ChartPoint is one entry of the speed series
type ChartPoint struct {
	Timestamp    time.Time `json:"timestamp"`
	ERC20        float64   `json:"erc20"`
	MasterCopies float64   `json:"master_copies"`
}

// Speed returns the point's value for the given pipeline
func (c ChartPoint) Speed(p Pipeline) float64 {
	if p == MasterCopies {
		return c.MasterCopies
	}
	return c.ERC20
}

// SnapshotEvent is the published envelope: snapshot plus stall flags and chart feed
type SnapshotEvent struct {
	Endpoint    string            `json:"endpoint"`
	Snapshot    Snapshot          `json:"snapshot"`
	Stalled     map[Pipeline]bool `json:"stalled"`
	Chart       []ChartPoint      `json:"chart"`
	WindowSize  int               `json:"window_size"`
	PublishedAt time.Time         `json:"published_at"`
}

// Event represents a message to be published
type Event struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
	Source    string      `json:"source"`
}

// EventType constants
const (
	EventTypeSnapshot = "indexing.snapshot"
	EventTypeStalled  = "indexing.stalled"
)

// RPCStatus is the payload of the ethereum-rpc and ethereum-tracing-rpc endpoints
type RPCStatus struct {
	Version     string    `json:"version"`
	BlockNumber int64     `json:"block_number"`
	ChainID     int64     `json:"chain_id"`
	Chain       string    `json:"chain"`
	Syncing     bool      `json:"syncing"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// ReferenceHead is the chain head as reported by an independent node
type ReferenceHead struct {
	BlockNumber uint64    `json:"block_number"`
	Lag         int64     `json:"lag"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// StallEvent is published when a pipeline enters or leaves the stalled state
type StallEvent struct {
	Endpoint    string    `json:"endpoint"`
	Pipeline    Pipeline  `json:"pipeline"`
	BlockNumber int64     `json:"block_number"`
	Stalled     bool      `json:"stalled"`
	At          time.Time `json:"at"`
}
