package fetcher

import (
	"time"

	"github.com/shubham-shewale/quote-pipeline/pkg/breaker"
	"github.com/shubham-shewale/quote-pipeline/pkg/models"
)

// Priority is the refresh-interval class of a watched symbol.
type Priority int

const (
	PriorityHigh   Priority = iota // refresh every 5s
	PriorityMedium                 // refresh every 15s
	PriorityLow                    // refresh every 30s
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// Interval returns the refresh interval for the tier.
func (p Priority) Interval() time.Duration {
	switch p {
	case PriorityHigh:
		return 5 * time.Second
	case PriorityLow:
		return 30 * time.Second
	default:
		return 15 * time.Second
	}
}

// SymbolWatch is the per-symbol watch state, owned exclusively by the
// Fetcher.
type SymbolWatch struct {
	Symbol      string    `json:"symbol"`
	Priority    Priority  `json:"-"`
	PriorityStr string    `json:"priority"`
	LastUpdated time.Time `json:"last_updated"`
	UpdateCount int       `json:"update_count"`
	ErrorCount  int       `json:"error_count"`
	LastError   string    `json:"last_error,omitempty"`
}

// BatchResult is the outcome of one batch fetch. Immutable after
// construction; consumed by callbacks and discarded.
type BatchResult struct {
	SuccessfulQuotes map[string]*models.Quote
	FailedSymbols    map[string]string // symbol -> error message
	FetchTime        time.Time
	Duration         time.Duration
}

// Stats is the fetcher's performance snapshot.
type Stats struct {
	TotalRequests      int64            `json:"total_requests"`
	SuccessfulRequests int64            `json:"successful_requests"`
	FailedRequests     int64            `json:"failed_requests"`
	SuccessRatePercent float64          `json:"success_rate_percent"`
	WatchedSymbols     int              `json:"watched_symbols_count"`
	LastBatchTime      time.Time        `json:"last_batch_time"`
	Breaker            breaker.Snapshot `json:"circuit_breaker"`
}

// UpdateCallback receives the successful quotes of a batch. Panics are
// recovered by the fetcher and never abort other callbacks.
type UpdateCallback func(quotes map[string]*models.Quote)

// Clock seam for deterministic testing.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type RealClock struct{}

func (RealClock) Now() time.Time        { return time.Now() }
func (RealClock) Sleep(d time.Duration) { time.Sleep(d) }
