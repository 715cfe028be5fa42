package types

import (
	"strings"
)

// About is the service metadata served at /api/v1/about/
type About struct {
	Name       string   `json:"name"`
	Version    string   `json:"version"`
	APIVersion string   `json:"api_version"`
	Secure     bool     `json:"secure"`
	Host       string   `json:"host"`
	Headers    []string `json:"headers"`
	Settings   Settings `json:"settings"`
}

// Settings holds the subset of service settings the monitor cares about.
// Unknown keys are ignored on decode.
type Settings struct {
	AWSConfigured                bool    `json:"AWS_CONFIGURED"`
	EthereumNodeURL              string  `json:"ETHEREUM_NODE_URL"`
	EthereumTracingNodeURL       *string `json:"ETHEREUM_TRACING_NODE_URL"`
	EthEventsBlockProcessLimit   int64   `json:"ETH_EVENTS_BLOCK_PROCESS_LIMIT"`
	EthEventsQueryChunkSize      int64   `json:"ETH_EVENTS_QUERY_CHUNK_SIZE"`
	EthEventsUpdatedBlockBehind  int64   `json:"ETH_EVENTS_UPDATED_BLOCK_BEHIND"`
	EthInternalTxsBlockProcLimit int64   `json:"ETH_INTERNAL_TXS_BLOCK_PROCESS_LIMIT"`
	EthL2Network                 bool    `json:"ETH_L2_NETWORK"`
	EthReorgBlocks               int64   `json:"ETH_REORG_BLOCKS"`
	SSOEnabled                   bool    `json:"SSO_ENABLED"`
}

// HasTracingNode reports whether the service is configured with a tracing node
func (a *About) HasTracingNode() bool {
	return a != nil && a.Settings.EthereumTracingNodeURL != nil && *a.Settings.EthereumTracingNodeURL != ""
}

// Network derives a short network label from the service host
func (a *About) Network() string {
	if a == nil {
		return ""
	}
	return NetworkFromHost(a.Host)
}

// NetworkFromHost turns "safe-transaction-mainnet.safe.global" into "MAINNET"
func NetworkFromHost(host string) string {
	first := strings.Split(host, ".")[0]
	lower := strings.ToLower(first)
	lower = strings.ReplaceAll(lower, "safe", "")
	lower = strings.ReplaceAll(lower, "transaction", "")
	lower = strings.ReplaceAll(lower, "-", "")
	return strings.ToUpper(strings.TrimSpace(lower))
}
