package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/igwedaniel/indexwatch/internal/config"
	"github.com/igwedaniel/indexwatch/internal/types"
)

const (
	IndexingPath   = "/api/v1/about/indexing"
	AboutPath      = "/api/v1/about/"
	EthereumRPC    = "/api/v1/about/ethereum-rpc"
	EthereumTracer = "/api/v1/about/ethereum-tracing-rpc"

	maxBodyBytes = 1 << 20
)

var (
	// ErrBadStatus is returned for non-2xx responses
	ErrBadStatus = errors.New("unexpected response status")
	// ErrDecode is returned when the body is HTML or not the expected JSON
	ErrDecode = errors.New("invalid response payload")
)

// Client talks to the about endpoints of one transaction service
type Client struct {
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	logger  *logrus.Logger
	now     func() time.Time
}

func New(endpoint string, cfg *config.ClientConfig, logger *logrus.Logger) (*Client, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint not set")
	}
	u, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil {
		return nil, err
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	return &Client{
		base:    u,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
		now:     time.Now,
	}, nil
}

// WithClock replaces the clock used to stamp samples
func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	return c
}

func (c *Client) Endpoint() string {
	return c.base.String()
}

// Host returns the host of the monitored endpoint
func (c *Client) Host() string {
	return c.base.Host
}

func (c *Client) url(path string) string {
	u := *c.base
	basePath := strings.TrimRight(u.Path, "/")
	rel := strings.TrimLeft(path, "/")
	u.Path = basePath + "/" + rel
	if strings.HasSuffix(path, "/") && !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return u.String()
}

func isHTML(resp *http.Response, body []byte) bool {
	ct := resp.Header.Get("Content-Type")
	if strings.Contains(ct, "text/html") {
		return true
	}
	b := strings.TrimSpace(strings.ToLower(string(body)))
	return strings.HasPrefix(b, "<!doctype html") || strings.HasPrefix(b, "<html")
}

func (c *Client) getJSON(ctx context.Context, path string, dest interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w %d from %s", ErrBadStatus, resp.StatusCode, path)
	}
	if isHTML(resp, b) {
		return fmt.Errorf("%w: html body from %s", ErrDecode, path)
	}
	if err := json.Unmarshal(b, dest); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDecode, path, err)
	}

	c.logger.WithFields(logrus.Fields{
		"host":   c.base.Host,
		"path":   path,
		"status": resp.StatusCode,
		"bytes":  len(b),
	}).Debug("Fetched status payload")
	return nil
}

type indexingPayload struct {
	CurrentBlockNumber      *int64 `json:"currentBlockNumber"`
	ERC20BlockNumber        *int64 `json:"erc20BlockNumber"`
	ERC20Synced             bool   `json:"erc20Synced"`
	MasterCopiesBlockNumber *int64 `json:"masterCopiesBlockNumber"`
	MasterCopiesSynced      bool   `json:"masterCopiesSynced"`
}

// FetchIndexing performs one poll of the indexing endpoint and stamps the
// result with the capture time
func (c *Client) FetchIndexing(ctx context.Context) (types.Sample, error) {
	var p indexingPayload
	if err := c.getJSON(ctx, IndexingPath, &p); err != nil {
		return types.Sample{}, err
	}
	if p.CurrentBlockNumber == nil || p.ERC20BlockNumber == nil || p.MasterCopiesBlockNumber == nil {
		return types.Sample{}, fmt.Errorf("%w: missing block numbers in %s", ErrDecode, IndexingPath)
	}

	return types.Sample{
		CurrentBlockNumber:      *p.CurrentBlockNumber,
		ERC20BlockNumber:        *p.ERC20BlockNumber,
		ERC20Synced:             p.ERC20Synced,
		MasterCopiesBlockNumber: *p.MasterCopiesBlockNumber,
		MasterCopiesSynced:      p.MasterCopiesSynced,
		Timestamp:               c.now(),
	}, nil
}

func (c *Client) FetchAbout(ctx context.Context) (*types.About, error) {
	var about types.About
	if err := c.getJSON(ctx, AboutPath, &about); err != nil {
		return nil, err
	}
	return &about, nil
}

func (c *Client) FetchEthereumRPC(ctx context.Context) (types.RPCStatus, error) {
	return c.fetchRPC(ctx, EthereumRPC)
}

func (c *Client) FetchTracingRPC(ctx context.Context) (types.RPCStatus, error) {
	return c.fetchRPC(ctx, EthereumTracer)
}

func (c *Client) fetchRPC(ctx context.Context, path string) (types.RPCStatus, error) {
	var status types.RPCStatus
	if err := c.getJSON(ctx, path, &status); err != nil {
		return types.RPCStatus{}, err
	}
	status.FetchedAt = c.now()
	return status, nil
}
