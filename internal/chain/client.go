package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/igwedaniel/indexwatch/internal/config"
)

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState int

const (
	CircuitClosed CircuitBreakerState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

func (s CircuitBreakerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

const (
	failureThreshold = 3
	openCooldown     = 30 * time.Second
)

var ErrNoHealthyProvider = errors.New("no healthy providers available")

// HeadReader returns the latest block number of a chain
type HeadReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

type ProviderStatus struct {
	URL         string              `json:"url"`
	State       CircuitBreakerState `json:"state"`
	Failures    int                 `json:"failures"`
	LastFailure time.Time           `json:"last_failure"`
	LastSuccess time.Time           `json:"last_success"`
	mu          sync.RWMutex
}

// Client reads the chain head from one or more reference nodes, rotating
// across providers and skipping those whose circuit is open
type Client struct {
	providers    []*ethclient.Client
	rpcClients   []*rpc.Client
	statuses     []*ProviderStatus
	rateLimiter  *rate.Limiter
	config       *config.EthereumConfig
	logger       *logrus.Logger
	currentIndex int
	mu           sync.Mutex
}

func NewClient(ctx context.Context, cfg *config.EthereumConfig, logger *logrus.Logger) (*Client, error) {
	if len(cfg.ReferenceRPCURLs) == 0 {
		return nil, fmt.Errorf("no reference RPC URLs provided")
	}

	client := &Client{
		providers:   make([]*ethclient.Client, 0, len(cfg.ReferenceRPCURLs)),
		rpcClients:  make([]*rpc.Client, 0, len(cfg.ReferenceRPCURLs)),
		statuses:    make([]*ProviderStatus, 0, len(cfg.ReferenceRPCURLs)),
		rateLimiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 10),
		config:      cfg,
		logger:      logger,
	}

	for _, url := range cfg.ReferenceRPCURLs {
		if err := client.addProvider(ctx, url); err != nil {
			logger.Warnf("Failed to add reference provider %s: %v", url, err)
			continue
		}
	}

	if len(client.providers) == 0 {
		return nil, fmt.Errorf("no working reference providers available")
	}

	return client, nil
}

func (c *Client) addProvider(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RPCTimeout)
	defer cancel()

	rpcClient, err := rpc.DialContext(ctx, url)
	if err != nil {
		return fmt.Errorf("failed to dial RPC: %w", err)
	}

	ethClient := ethclient.NewClient(rpcClient)

	if _, err := ethClient.BlockNumber(ctx); err != nil {
		rpcClient.Close()
		return fmt.Errorf("failed to test connection: %w", err)
	}

	c.providers = append(c.providers, ethClient)
	c.rpcClients = append(c.rpcClients, rpcClient)
	c.statuses = append(c.statuses, &ProviderStatus{
		URL:         url,
		State:       CircuitClosed,
		LastSuccess: time.Now(),
	})

	c.logger.Infof("Added reference provider: %s", url)
	return nil
}

// getHealthyProvider returns the next usable provider using round-robin.
// An open circuit is retried half-open once the cooldown has passed.
func (c *Client) getHealthyProvider() (*ethclient.Client, *ProviderStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	startIndex := c.currentIndex
	for i := 0; i < len(c.providers); i++ {
		index := (startIndex + i) % len(c.providers)
		status := c.statuses[index]

		status.mu.Lock()
		if status.State == CircuitOpen && time.Since(status.LastFailure) > openCooldown {
			status.State = CircuitHalfOpen
		}
		usable := status.State != CircuitOpen
		status.mu.Unlock()

		if usable {
			c.currentIndex = (index + 1) % len(c.providers)
			return c.providers[index], status, nil
		}
	}

	return nil, nil, ErrNoHealthyProvider
}

func (c *Client) executeWithRetry(ctx context.Context, operation func(*ethclient.Client) error) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit exceeded: %w", err)
	}

	attempts := c.config.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		provider, status, err := c.getHealthyProvider()
		if err != nil {
			return err
		}

		err = operation(provider)
		c.updateProviderStatus(status, err)
		if err == nil {
			return nil
		}

		lastErr = err
		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.config.RetryDelay):
			}
		}
	}

	return fmt.Errorf("all retry attempts failed: %w", lastErr)
}

func (c *Client) updateProviderStatus(status *ProviderStatus, err error) {
	status.mu.Lock()
	defer status.mu.Unlock()

	if err != nil {
		status.Failures++
		status.LastFailure = time.Now()

		if status.State == CircuitHalfOpen || (status.Failures >= failureThreshold && status.State == CircuitClosed) {
			status.State = CircuitOpen
			c.logger.Warnf("Circuit breaker opened for reference provider %s after %d failures", status.URL, status.Failures)
		}
		return
	}

	status.Failures = 0
	status.LastSuccess = time.Now()
	if status.State == CircuitHalfOpen {
		status.State = CircuitClosed
		c.logger.Infof("Circuit breaker closed for reference provider %s", status.URL)
	}
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var blockNumber uint64
	err := c.executeWithRetry(ctx, func(client *ethclient.Client) error {
		var err error
		blockNumber, err = client.BlockNumber(ctx)
		return err
	})
	return blockNumber, err
}

func (c *Client) Close() {
	for _, client := range c.rpcClients {
		client.Close()
	}
}

// GetProviderStatuses returns a copy of every provider's status
func (c *Client) GetProviderStatuses() []*ProviderStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	statuses := make([]*ProviderStatus, len(c.statuses))
	for i, status := range c.statuses {
		status.mu.RLock()
		statuses[i] = &ProviderStatus{
			URL:         status.URL,
			State:       status.State,
			Failures:    status.Failures,
			LastFailure: status.LastFailure,
			LastSuccess: status.LastSuccess,
		}
		status.mu.RUnlock()
	}
	return statuses
}
