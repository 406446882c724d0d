package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/c360/ratebridge/errors"
	"github.com/c360/ratebridge/metric"
	"github.com/c360/ratebridge/pkg/retry"
)

// UpstreamClient fetches the latest rates from the exchange-rate API,
// wrapping every call in the configured retry policy. Individual attempts
// are not cancellable mid-flight; the retry loop honours the context
// between attempts.
type UpstreamClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	retryCfg   retry.Config
	logger     *slog.Logger
	metrics    *metric.Metrics
}

// NewUpstreamClient creates the upstream client. retryCfg zero-value falls
// back to the standard upstream policy.
func NewUpstreamClient(baseURL, apiKey string, retryCfg retry.Config, logger *slog.Logger, metrics *metric.Metrics) (*UpstreamClient, error) {
	if baseURL == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "UpstreamClient", "NewUpstreamClient", "base URL is required")
	}
	if retryCfg.MaxAttempts == 0 {
		retryCfg = retry.Upstream()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &UpstreamClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		retryCfg: retryCfg,
		logger:   logger.With("component", "upstream-client"),
		metrics:  metrics,
	}, nil
}

// Fetch performs the HTTPS GET with retries and returns the parsed rates
func (c *UpstreamClient) Fetch(ctx context.Context) (UpstreamRates, error) {
	rates, err := retry.DoWithResult(ctx, c.retryCfg, func() (UpstreamRates, error) {
		result, attemptErr := c.fetchOnce(ctx)
		if attemptErr != nil {
			c.observe("error")
			c.logger.Warn("upstream attempt failed", "error", attemptErr)
			return UpstreamRates{}, attemptErr
		}
		c.observe("success")
		return result, nil
	})
	if err != nil {
		return UpstreamRates{}, errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrUpstream, err),
			"UpstreamClient", "Fetch", "fetch latest rates")
	}
	return rates, nil
}

// fetchOnce performs a single attempt
func (c *UpstreamClient) fetchOnce(ctx context.Context) (UpstreamRates, error) {
	endpoint, err := url.Parse(c.baseURL)
	if err != nil {
		return UpstreamRates{}, retry.NonRetryable(err)
	}
	query := endpoint.Query()
	if c.apiKey != "" {
		query.Set("access_key", c.apiKey)
	}
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return UpstreamRates{}, retry.NonRetryable(err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return UpstreamRates{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return UpstreamRates{}, fmt.Errorf("upstream status %d: %s", resp.StatusCode, body)
	}

	var rates UpstreamRates
	if err := json.NewDecoder(resp.Body).Decode(&rates); err != nil {
		return UpstreamRates{}, fmt.Errorf("decode upstream response: %w", err)
	}
	if !rates.Success {
		return UpstreamRates{}, fmt.Errorf("upstream reported failure")
	}
	if len(rates.Rates) == 0 {
		return UpstreamRates{}, fmt.Errorf("upstream returned no rates")
	}
	return rates, nil
}

func (c *UpstreamClient) observe(outcome string) {
	if c.metrics != nil {
		c.metrics.UpstreamAttempts.WithLabelValues(outcome).Inc()
	}
}
