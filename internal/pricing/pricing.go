// Package pricing keeps the exchange rate fresh and quotes the service price.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/suspectuso/tunnel-billing/internal/storage"
	"github.com/suspectuso/tunnel-billing/internal/wallet"
)

const (
	refreshInterval = 10 * time.Minute
	retryInterval   = 30 * time.Minute
)

// Settings is where prices and rates are kept
type Settings interface {
	GetConfig(ctx context.Context, key, fallback string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

// Ticker is one currency entry of the blockchain.info ticker
type Ticker struct {
	Last   float64 `json:"last"`
	Buy    float64 `json:"buy"`
	Sell   float64 `json:"sell"`
	Symbol string  `json:"symbol"`
}

// Service quotes prices from the stored fiat price and exchange rate
type Service struct {
	settings   Settings
	tickerURL  string
	currency   string
	httpClient *http.Client
	log        *slog.Logger
}

// New creates a new pricing service
func New(settings Settings, tickerURL, currency string, log *slog.Logger) *Service {
	return &Service{
		settings:  settings,
		tickerURL: tickerURL,
		currency:  currency,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log,
	}
}

// MonthlyPrice returns the price of one paid period in satoshis
func (s *Service) MonthlyPrice(ctx context.Context) (int64, error) {
	fiat, err := s.setting(ctx, storage.KeyServicePrice)
	if err != nil {
		return 0, err
	}
	rate, err := s.setting(ctx, storage.KeyBTCValue)
	if err != nil {
		return 0, err
	}
	return wallet.FiatToSatoshis(fiat, rate)
}

func (s *Service) setting(ctx context.Context, key string) (float64, error) {
	raw, err := s.settings.GetConfig(ctx, key, storage.DefaultSettings[key])
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", key, err)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", key, raw, err)
	}
	return v, nil
}

// FetchRate returns the current price of one BTC in the configured currency
func (s *Service) FetchRate(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.tickerURL, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("API error %d: %s", resp.StatusCode, string(data))
	}

	var tickers map[string]Ticker
	if err := json.Unmarshal(data, &tickers); err != nil {
		return 0, fmt.Errorf("unmarshal: %w", err)
	}

	t, ok := tickers[s.currency]
	if !ok {
		return 0, fmt.Errorf("no %s rate in ticker", s.currency)
	}
	if t.Last <= 0 {
		return 0, fmt.Errorf("invalid %s rate %v", s.currency, t.Last)
	}
	return t.Last, nil
}

// RefreshRate fetches the exchange rate and stores it
func (s *Service) RefreshRate(ctx context.Context) error {
	rate, err := s.FetchRate(ctx)
	if err != nil {
		return err
	}
	if err := s.settings.SetConfig(ctx, storage.KeyBTCValue, strconv.FormatFloat(rate, 'f', -1, 64)); err != nil {
		return fmt.Errorf("store rate: %w", err)
	}
	s.log.Info("exchange rate updated", "currency", s.currency, "rate", rate)
	return nil
}

// Start refreshes the rate now and keeps it fresh, backing off after failures
func (s *Service) Start(ctx context.Context) {
	s.log.Info("exchange rate refresher started", "currency", s.currency)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			next := refreshInterval
			if err := s.RefreshRate(ctx); err != nil {
				s.log.Error("refresh exchange rate", "error", err, "retry_in", retryInterval)
				next = retryInterval
			}
			timer.Reset(next)
		}
	}
}
