package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"settlement-engine/config"
	"settlement-engine/internal/core/domain"
	"settlement-engine/pkg/apperror"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// HTTPClient is the subset of *http.Client the oracle needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client implements ports.RateOracle against a quote service exposing
// GET /rates?from=&to=, which answers with a major-unit rate.
type Client struct {
	baseURL string
	http    HTTPClient
	log     zerolog.Logger
}

// NewClient creates an oracle client. A nil httpClient gets a client with cfg.Timeout.
func NewClient(cfg config.OracleConfig, httpClient HTTPClient, log zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
		log:     log,
	}
}

type rateResponse struct {
	From string          `json:"from"`
	To   string          `json:"to"`
	Rate decimal.Decimal `json:"rate"`
}

// GetRate returns how many minimal units of `to` one minimal unit of `from` is worth.
// Every failure is reported as apperror.ErrRateUnavailable.
func (c *Client) GetRate(ctx context.Context, from, to domain.Currency) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("from", string(from))
	q.Set("to", string(to))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/rates?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, apperror.ErrRateUnavailable(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("from", string(from)).Str("to", string(to)).Msg("rate oracle unreachable")
		return decimal.Zero, apperror.ErrRateUnavailable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return decimal.Zero, apperror.ErrRateUnavailable(
			fmt.Errorf("oracle responded %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}

	var body rateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, apperror.ErrRateUnavailable(fmt.Errorf("decode oracle response: %w", err))
	}
	if !body.Rate.IsPositive() {
		return decimal.Zero, apperror.ErrRateUnavailable(fmt.Errorf("oracle returned non-positive rate %s", body.Rate))
	}

	return domain.MinimalUnitRate(body.Rate, from, to), nil
}
