package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const spotPathTemplate = "/v2/prices/%s/spot"

// ExchangeOptions parameterise an HTTP spot-price client.
type ExchangeOptions struct {
	Name      string
	BaseURL   string
	Pair      string // e.g. "BTC-USD"
	Timeout   time.Duration
	UserAgent string
}

// Exchange fetches spot prices from a Coinbase-style REST API.
type Exchange struct {
	opts    ExchangeOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewExchange constructs an exchange spot fetcher.
func NewExchange(opts ExchangeOptions, logger zerolog.Logger) *Exchange {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")

	return &Exchange{
		opts:    opts,
		logger:  logger.With().Str("component", "exchange_feed").Str("source", opts.Name).Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// Name returns the configured source identifier.
func (e *Exchange) Name() string {
	return e.opts.Name
}

// Fetch retrieves the current spot price and wraps it in an attestation.
func (e *Exchange) Fetch(ctx context.Context) (Attestation, error) {
	if e.baseURL == "" {
		return Attestation{}, errors.New("exchange base url not configured")
	}
	if e.opts.Pair == "" {
		return Attestation{}, errors.New("exchange pair not configured")
	}

	endpoint := e.baseURL + fmt.Sprintf(spotPathTemplate, e.opts.Pair)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Attestation{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(e.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return Attestation{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Attestation{}, err
	}

	if resp.StatusCode != http.StatusOK {
		return Attestation{}, parseHTTPError(e.opts.Name, resp.StatusCode, payload)
	}

	var spot spotResponse
	if err := json.Unmarshal(payload, &spot); err != nil {
		return Attestation{}, err
	}

	price, err := decimal.NewFromString(spot.Data.Amount)
	if err != nil {
		return Attestation{}, fmt.Errorf("parse spot amount: %w", err)
	}
	if price.IsZero() {
		return Attestation{}, errors.New("spot price returned zero")
	}

	return Attestation{
		Source:     e.opts.Name,
		Price:      price,
		ObservedAt: time.Now().UTC(),
	}, nil
}

type spotResponse struct {
	Data struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	} `json:"data"`
}

type errorResponse struct {
	Message string `json:"message"`
	Errors  []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func parseHTTPError(source string, status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("%s api error (%d): %s", source, status, apiErr.Message)
		}
		if len(apiErr.Errors) > 0 && apiErr.Errors[0].Message != "" {
			return fmt.Errorf("%s api error (%d): %s", source, status, apiErr.Errors[0].Message)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("%s api error (%d): %s", source, status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("%s api error (%d)", source, status)
}

var _ Feed = (*Exchange)(nil)
