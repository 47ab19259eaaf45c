package utils

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/celerfi/coin-price-indexer/config"
)

var (
	ErrUpstreamStatus   = errors.New("upstream returned non-success status")
	ErrMalformedPayload = errors.New("malformed upstream payload")
)

const (
	maxPayloadBytes = 32 << 20
	maxRetryAfter   = 30 * time.Second
	apiKeyHeader    = "x-cg-demo-api-key"
)

// CoinGeckoClient fetches the coins/markets listing.
type CoinGeckoClient struct {
	HTTP   *http.Client
	Logger *zap.Logger

	BaseURL       string
	VsCurrency    string
	PerPage       int
	Page          int
	APIKey        string
	MaxTries      uint
	RetryInterval time.Duration
}

func NewCoinGeckoClient(cfg config.CoinGeckoConfig, logger *zap.Logger) *CoinGeckoClient {
	return &CoinGeckoClient{
		HTTP:          &http.Client{Timeout: cfg.Timeout},
		Logger:        logger,
		BaseURL:       cfg.BaseURL,
		VsCurrency:    cfg.VsCurrency,
		PerPage:       cfg.PerPage,
		Page:          cfg.Page,
		APIKey:        cfg.APIKey,
		MaxTries:      cfg.MaxTries,
		RetryInterval: cfg.RetryInterval,
	}
}

func (c *CoinGeckoClient) MarketsURL() (string, error) {
	base, err := url.Parse(strings.TrimRight(c.BaseURL, "/") + "/coins/markets")
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	q := url.Values{}
	q.Set("vs_currency", c.VsCurrency)
	q.Set("order", "market_cap_desc")
	if c.PerPage > 0 {
		q.Set("per_page", strconv.Itoa(c.PerPage))
	}
	if c.Page > 0 {
		q.Set("page", strconv.Itoa(c.Page))
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}

// FetchMarkets returns the raw array elements so each record can be validated on its own.
// 5xx, 429 and transport errors are retried up to MaxTries; anything else fails the fetch at once.
func (c *CoinGeckoClient) FetchMarkets(ctx context.Context) ([]json.RawMessage, error) {
	endpoint, err := c.MarketsURL()
	if err != nil {
		return nil, err
	}

	tries := c.MaxTries
	if tries == 0 {
		tries = 1
	}
	policy := backoff.NewExponentialBackOff()
	if c.RetryInterval > 0 {
		policy.InitialInterval = c.RetryInterval
		policy.MaxInterval = c.RetryInterval * 10
	}

	notify := func(err error, wait time.Duration) {
		c.logger().Warn("markets fetch failed, retrying", zap.Error(err), zap.Duration("backoff", wait))
	}

	return backoff.Retry(ctx, func() ([]json.RawMessage, error) {
		return c.fetchOnce(ctx, endpoint)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(tries),
		backoff.WithNotify(notify))
}

func (c *CoinGeckoClient) fetchOnce(ctx context.Context, endpoint string) ([]json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set(apiKeyHeader, c.APIKey)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("markets request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		statusErr := fmt.Errorf("%w: %s - %s", ErrUpstreamStatus, resp.Status, strings.TrimSpace(string(snippet)))
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			if wait := retryAfter(resp.Header.Get("Retry-After")); wait > 0 {
				return nil, fmt.Errorf("%w: %w", statusErr, backoff.RetryAfter(int(wait.Seconds())))
			}
			return nil, statusErr
		case resp.StatusCode >= 500:
			return nil, statusErr
		default:
			return nil, backoff.Permanent(statusErr)
		}
	}

	var raws []json.RawMessage
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxPayloadBytes)).Decode(&raws); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: %v", ErrMalformedPayload, err))
	}
	return raws, nil
}

func (c *CoinGeckoClient) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return &http.Client{Timeout: 15 * time.Second}
}

func (c *CoinGeckoClient) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

// retryAfter understands the delta-seconds form only and caps the wait.
func retryAfter(header string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || secs <= 0 {
		return 0
	}
	wait := time.Duration(secs) * time.Second
	if wait > maxRetryAfter {
		wait = maxRetryAfter
	}
	return wait
}
