package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shubham-shewale/quote-pipeline/pkg/models"
)

// ErrNoData means the upstream had nothing for the symbol. Distinct from a
// transport failure so callers can tell "unknown symbol" from "provider down".
var ErrNoData = errors.New("no data for symbol")

// QuoteSource is the upstream provider contract. Implementations map
// whatever fields the provider returns into a Quote, tolerating missing
// optional fields.
type QuoteSource interface {
	Fetch(ctx context.Context, symbol string) (*models.Quote, error)
	Close() error
}

// providerQuote is the provider's raw response shape.
type providerQuote struct {
	CompanyName         string   `json:"companyName"`
	CurrentValue        float64  `json:"currentValue"`
	Change              float64  `json:"change"`
	PChange             float64  `json:"pChange"`
	TotalTradedQuantity int64    `json:"totalTradedQuantity"`
	DayHigh             *float64 `json:"dayHigh"`
	DayLow              *float64 `json:"dayLow"`
	Buy                 *float64 `json:"buy"`
	Sell                *float64 `json:"sell"`
}

// HTTPSource fetches single-symbol quotes from an HTTP provider endpoint.
type HTTPSource struct {
	baseURL string
	client  *http.Client
	now     func() time.Time
}

func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		now:     time.Now,
	}
}

func (s *HTTPSource) Fetch(ctx context.Context, symbol string) (*models.Quote, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/quote/"+symbol, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", symbol, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("fetch %s: %w", symbol, ErrNoData)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: upstream status %d", symbol, resp.StatusCode)
	}

	var raw providerQuote
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode %s: %w", symbol, err)
	}

	name := raw.CompanyName
	if name == "" {
		name = "Unknown"
	}
	return &models.Quote{
		Symbol:        symbol,
		CompanyName:   name,
		CurrentPrice:  raw.CurrentValue,
		Change:        raw.Change,
		PercentChange: raw.PChange,
		Volume:        raw.TotalTradedQuantity,
		Timestamp:     s.now(),
		BidPrice:      raw.Buy,
		AskPrice:      raw.Sell,
		High:          raw.DayHigh,
		Low:           raw.DayLow,
	}, nil
}

func (s *HTTPSource) Close() error { return nil }
