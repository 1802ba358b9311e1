package symstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"time"

	"github.com/grafana/dskit/backoff"
	"golang.org/x/sync/singleflight"
)

// ClientConfig holds configuration for the symbol store client.
type ClientConfig struct {
	// HTTPClient is the HTTP client to use for requests.
	// If nil, a default client will be created.
	HTTPClient *http.Client

	// BackoffConfig configures the retry backoff behavior.
	BackoffConfig backoff.Config

	UserAgent string
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		UserAgent: "dbgsym/1.0",
		BackoffConfig: backoff.Config{
			MinBackoff: 1 * time.Second,
			MaxBackoff: 10 * time.Second,
			MaxRetries: 3,
		},
	}
}

// Client downloads debug files from SSQP symbol servers and debuginfod servers.
type Client struct {
	cfg ClientConfig

	// deduplicates concurrent requests for the same URL
	group singleflight.Group
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.HTTPClient == nil {
		transport := &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}
		cfg.HTTPClient = &http.Client{
			Transport: transport,
			Timeout:   120 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return fmt.Errorf("stopped after 3 redirects")
				}
				return nil
			},
		}
	}
	return &Client{cfg: cfg}
}

// Fetch downloads the debug file with the given build id from the store
// described by elem.
func (c *Client) Fetch(ctx context.Context, elem Element, buildID string) ([]byte, error) {
	id, err := sanitizeBuildID(buildID)
	if err != nil {
		return nil, err
	}
	var key string
	switch elem.Kind {
	case KindSymbolServer:
		key = SymbolServerKey(id)
	case KindDebuginfod:
		key = DebuginfodKey(id)
	default:
		return nil, fmt.Errorf("%s is not a symbol store", elem)
	}
	u := elem.URL + "/" + key

	v, err, shared := c.group.Do(u, func() (interface{}, error) {
		return c.fetchWithRetries(ctx, u)
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("Fetched debug file", "url", u, "shared", shared)
	return v.([]byte), nil
}

func (c *Client) doRequest(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		errorBody := string(data)
		if len(errorBody) > 1000 {
			errorBody = errorBody[:1000] + "... [truncated]"
		}
		return nil, httpStatusError{statusCode: resp.StatusCode, body: errorBody}
	}
	return data, nil
}

func (c *Client) fetchWithRetries(ctx context.Context, u string) ([]byte, error) {
	backOff := backoff.New(ctx, c.cfg.BackoffConfig)

	var lastErr error
	for backOff.Ongoing() {
		data, err := c.doRequest(ctx, u)
		if err == nil {
			return data, nil
		}

		// a missing file will stay missing
		if statusCode, ok := isHTTPStatusError(err); ok && statusCode == http.StatusNotFound {
			return nil, notFoundError{url: u}
		}

		lastErr = err
		if !isRetryableError(err) {
			break
		}
		slog.Debug("Retrying symbol store request", "url", u, "error", err)
		backOff.Wait()
	}

	if lastErr == nil {
		lastErr = backOff.Err()
	}
	return nil, fmt.Errorf("failed to fetch %s after %d attempts: %w", u, backOff.NumRetries(), lastErr)
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	if isInvalidBuildIDError(err) {
		return false
	}
	if statusCode, ok := isHTTPStatusError(err); ok {
		if statusCode == http.StatusTooManyRequests {
			return true
		}
		return statusCode >= 500
	}
	if os.IsTimeout(err) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Timeout()
	}
	return false
}

var validBuildID = regexp.MustCompile(`^[a-fA-F0-9]+$`)

// sanitizeBuildID rejects build ids that are not plain hex, they end up in
// URLs and cache paths.
func sanitizeBuildID(buildID string) (string, error) {
	if buildID == "" || !validBuildID.MatchString(buildID) {
		return "", invalidBuildIDError{buildID: buildID}
	}
	return buildID, nil
}
