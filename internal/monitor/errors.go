package monitor

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	ErrInvalidEndpoint = errors.New("invalid endpoint")
	ErrNotWatching     = errors.New("no endpoint is being watched")
)

// ValidateEndpoint normalizes a service base URL. Trailing slashes are
// dropped so paths can be appended directly.
func ValidateEndpoint(raw string) (string, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(raw), "/")
	if endpoint == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEndpoint)
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidEndpoint)
	}

	return endpoint, nil
}
