// Package history fetches candle batches for a symbol over HTTP.
package history

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/navid-fn/candlestream/internal/faulttolerance"
	"github.com/navid-fn/candlestream/internal/models"
	"github.com/navid-fn/candlestream/internal/wire"
)

const maxBodyBytes = 16 << 20

var ErrUnexpectedStatus = errors.New("unexpected status")

type Config struct {
	BaseURL           string
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	Retry             faulttolerance.RetryConfig
	Breaker           faulttolerance.CircuitBreakerConfig
}

func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:           baseURL,
		RequestTimeout:    10 * time.Second,
		RequestsPerSecond: 5,
		Retry:             faulttolerance.DefaultRetryConfig("history-retry"),
		Breaker: faulttolerance.CircuitBreakerConfig{
			MaxFailures: 3,
			OpenTimeout: 2 * time.Minute,
			Name:        "history-poll",
		},
	}
}

// Client talks to the candle history endpoints:
//
//	GET {base}/candles/{symbol}         full batch
//	GET {base}/candles/{symbol}/latest  batch holding the newest candle
//
// Bodies are {"data":"<base64 batch>"} or the bare base64 text. 404 means no data.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	retryer    *faulttolerance.Retryer
	breaker    *faulttolerance.CircuitBreaker
	logger     *logrus.Entry
}

func NewClient(cfg Config, logger *logrus.Logger) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		limiter:    rate.NewLimiter(limit, 1),
		retryer:    faulttolerance.NewRetryer(cfg.Retry, logger),
		breaker:    faulttolerance.NewCircuitBreaker(cfg.Breaker, logger),
		logger:     logger.WithFields(logrus.Fields{"component": "history", "url": cfg.BaseURL}),
	}
}

// CallBudget is how long a FetchHistoryCandles call may take with every
// retry used, including the rate limiter's spacing between attempts.
func (c *Client) CallBudget() time.Duration {
	budget := c.retryer.MaxElapsed(c.cfg.RequestTimeout)
	if c.cfg.RequestsPerSecond > 0 {
		spacing := time.Duration(float64(time.Second) / c.cfg.RequestsPerSecond)
		budget += time.Duration(c.retryer.Attempts()) * spacing
	}
	return budget
}

// FetchHistoryCandles returns the full history of symbol. A symbol without
// data yields an empty slice and no error.
func (c *Client) FetchHistoryCandles(ctx context.Context, symbol string) ([]models.Candle, error) {
	var candles []models.Candle
	err := c.retryer.Execute(ctx, func(ctx context.Context) error {
		var err error
		candles, err = c.fetch(ctx, c.candlesURL(symbol, false))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch history for %s: %w", symbol, err)
	}
	c.logger.WithField("symbol", symbol).Debugf("fetched %d candles", len(candles))
	return candles, nil
}

// FetchSingleCandle returns the newest candle of symbol. ok is false when
// the server has none. Calls are skipped while the breaker is open.
func (c *Client) FetchSingleCandle(ctx context.Context, symbol string) (candle models.Candle, ok bool, err error) {
	var candles []models.Candle
	err = c.retryer.ExecuteWithCircuitBreaker(ctx, c.breaker, func(ctx context.Context) error {
		var err error
		candles, err = c.fetch(ctx, c.candlesURL(symbol, true))
		return err
	})
	if err != nil {
		return models.Candle{}, false, fmt.Errorf("fetch latest candle for %s: %w", symbol, err)
	}
	if len(candles) == 0 {
		return models.Candle{}, false, nil
	}
	return candles[len(candles)-1], true, nil
}

func (c *Client) candlesURL(symbol string, latest bool) string {
	u := c.cfg.BaseURL + "/candles/" + url.PathEscape(symbol)
	if latest {
		u += "/latest"
	}
	return u
}

func (c *Client) fetch(ctx context.Context, u string) ([]models.Candle, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, faulttolerance.Permanent(fmt.Errorf("rate limiter: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, faulttolerance.Permanent(err)
	}
	req.Header.Set("Accept", "application/json, text/plain")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, faulttolerance.Permanent(fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode))
	}

	candles, err := ParseBody(body)
	if err != nil {
		return nil, faulttolerance.Permanent(err)
	}
	return candles, nil
}

// ParseBody decodes a history response body. An empty body or empty data
// field means no candles.
func ParseBody(body []byte) ([]models.Candle, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}

	encoded := string(body)
	if gjson.ValidBytes(body) {
		parsed := gjson.ParseBytes(body)
		switch {
		case parsed.IsObject():
			data := parsed.Get("data")
			if !data.Exists() || data.Type != gjson.String {
				return nil, fmt.Errorf("%w: body has no data string", wire.ErrMalformedPayload)
			}
			encoded = data.String()
		case parsed.Type == gjson.String:
			encoded = parsed.String()
		}
	}

	if encoded == "" {
		return nil, nil
	}
	return wire.DecodeCandlesBase64(encoded)
}
