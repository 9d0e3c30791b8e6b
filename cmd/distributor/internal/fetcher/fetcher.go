package fetcher

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shubham-shewale/quote-pipeline/cmd/distributor/internal/source"
	"github.com/shubham-shewale/quote-pipeline/pkg/breaker"
	"github.com/shubham-shewale/quote-pipeline/pkg/metrics"
	"github.com/shubham-shewale/quote-pipeline/pkg/models"
)

// Config tunes retry and batching behavior.
type Config struct {
	MaxBatchSize   int
	MaxRetries     int
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
}

// Fetcher maintains the watch list and performs retried, circuit-broken
// batch fetches against the upstream quote source. Repeated upstream
// failure degrades freshness but never corrupts the watch list.
type Fetcher struct {
	src     source.QuoteSource
	breaker *breaker.Breaker
	metrics *metrics.Collector
	logger  *zap.Logger
	clock   Clock
	cfg     Config

	mu      sync.RWMutex // guards watched
	watched map[string]*SymbolWatch

	cbMu      sync.Mutex
	callbacks []UpdateCallback

	inflightMu sync.Mutex // guards inflight across overlapping batches
	inflight   map[string]struct{}

	statMu             sync.Mutex
	totalRequests      int64
	successfulRequests int64
	failedRequests     int64
	lastBatchTime      time.Time
}

func New(src source.QuoteSource, br *breaker.Breaker, mc *metrics.Collector, logger *zap.Logger, cfg Config, clock Clock) *Fetcher {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 20
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = time.Second
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = time.Minute
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &Fetcher{
		src:      src,
		breaker:  br,
		metrics:  mc,
		logger:   logger,
		clock:    clock,
		cfg:      cfg,
		watched:  make(map[string]*SymbolWatch),
		inflight: make(map[string]struct{}),
	}
}

// Watch adds a symbol to the watch list. Returns false if already watched.
func (f *Fetcher) Watch(symbol string, priority Priority) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.watched[symbol]; ok {
		f.logger.Debug("symbol already watched", zap.String("symbol", symbol))
		return false
	}
	f.watched[symbol] = &SymbolWatch{Symbol: symbol, Priority: priority, PriorityStr: priority.String()}
	f.logger.Info("watching symbol", zap.String("symbol", symbol), zap.String("priority", priority.String()))
	return true
}

// Unwatch removes a symbol. Returns false if not watched.
func (f *Fetcher) Unwatch(symbol string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.watched[symbol]; !ok {
		f.logger.Debug("symbol not watched", zap.String("symbol", symbol))
		return false
	}
	delete(f.watched, symbol)
	f.logger.Info("unwatched symbol", zap.String("symbol", symbol))
	return true
}

// Reprioritize moves a watched symbol to a new tier. Returns false if not
// watched.
func (f *Fetcher) Reprioritize(symbol string, priority Priority) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	w, ok := f.watched[symbol]
	if !ok {
		f.logger.Warn("cannot reprioritize unwatched symbol", zap.String("symbol", symbol))
		return false
	}
	old := w.Priority
	w.Priority = priority
	w.PriorityStr = priority.String()
	f.logger.Info("symbol reprioritized", zap.String("symbol", symbol),
		zap.String("from", old.String()), zap.String("to", priority.String()))
	return true
}

// RegisterCallback adds a consumer of successful batch results.
func (f *Fetcher) RegisterCallback(cb UpdateCallback) {
	f.cbMu.Lock()
	f.callbacks = append(f.callbacks, cb)
	f.cbMu.Unlock()
}

// DueSymbols returns every watched symbol never updated or older than its
// tier's interval.
func (f *Fetcher) DueSymbols() []string {
	now := f.clock.Now()

	f.mu.RLock()
	defer f.mu.RUnlock()

	var due []string
	for symbol, w := range f.watched {
		if w.LastUpdated.IsZero() || now.Sub(w.LastUpdated) >= w.Priority.Interval() {
			due = append(due, symbol)
		}
	}
	return due
}

// FetchBatch fetches quotes for the given symbols with per-symbol retries.
// Oversize input is truncated to MaxBatchSize with a warning, never an
// error. If the circuit is open the whole batch is rejected fast with every
// symbol marked failed.
func (f *Fetcher) FetchBatch(ctx context.Context, symbols []string) *BatchResult {
	start := f.clock.Now()
	result := &BatchResult{
		SuccessfulQuotes: make(map[string]*models.Quote),
		FailedSymbols:    make(map[string]string),
		FetchTime:        start,
	}

	if !f.breaker.Ready() {
		f.logger.Warn("circuit breaker is open, skipping batch fetch", zap.Int("symbols", len(symbols)))
		for _, s := range symbols {
			result.FailedSymbols[s] = breaker.ErrOpen.Error()
		}
		f.recordBatch(result, start)
		return result
	}

	if len(symbols) > f.cfg.MaxBatchSize {
		f.logger.Warn("batch size exceeds limit, truncating",
			zap.Int("requested", len(symbols)), zap.Int("limit", f.cfg.MaxBatchSize))
		symbols = symbols[:f.cfg.MaxBatchSize]
	}

	// De-duplicate within the batch and against in-flight fetches from
	// overlapping scheduler or cache-miss triggered batches.
	targets := f.claimSymbols(symbols)
	defer f.releaseSymbols(targets)

	for _, symbol := range targets {
		quote, errMsg := f.fetchWithRetry(ctx, symbol)
		if quote != nil {
			result.SuccessfulQuotes[symbol] = quote
			f.recordSymbolSuccess(symbol)
			continue
		}
		result.FailedSymbols[symbol] = errMsg
		f.recordSymbolFailure(symbol, errMsg)
	}

	f.recordBatch(result, start)

	f.logger.Info("batch fetch completed",
		zap.Int("successful", len(result.SuccessfulQuotes)),
		zap.Int("failed", len(result.FailedSymbols)),
		zap.Duration("duration", result.Duration))

	if len(result.SuccessfulQuotes) > 0 {
		f.notify(result.SuccessfulQuotes)
	}
	return result
}

// fetchWithRetry runs the retry loop for one symbol. Returns the quote, or
// the last error message after exhausting attempts.
func (f *Fetcher) fetchWithRetry(ctx context.Context, symbol string) (*models.Quote, string) {
	var lastErr string

	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err().Error()
		}

		var quote *models.Quote
		started := f.clock.Now()
		err := f.breaker.Call(func() error {
			q, ferr := f.src.Fetch(ctx, symbol)
			if ferr != nil {
				return ferr
			}
			quote = q
			return nil
		})
		f.metrics.RecordTiming("quote_source_response_time", f.clock.Now().Sub(started),
			map[string]string{"symbol": symbol})

		if err == nil {
			f.metrics.IncrCounter("quote_source_requests_success", 1, nil)
			return quote, ""
		}

		f.metrics.IncrCounter("quote_source_requests_error", 1, nil)
		lastErr = err.Error()

		if errors.Is(err, breaker.ErrOpen) {
			// Fail fast, retrying cannot help until the recovery timeout.
			return nil, lastErr
		}

		f.logger.Warn("fetch attempt failed", zap.String("symbol", symbol),
			zap.Int("attempt", attempt+1), zap.Error(err))

		if attempt < f.cfg.MaxRetries {
			f.clock.Sleep(f.retryDelay(attempt))
		}
	}
	return nil, lastErr
}

// retryDelay is exponential backoff base*2^attempt with +/-25% jitter,
// capped at MaxRetryDelay.
func (f *Fetcher) retryDelay(attempt int) time.Duration {
	if attempt > 30 {
		return f.cfg.MaxRetryDelay
	}
	delay := f.cfg.BaseRetryDelay * time.Duration(1<<attempt)
	jitter := time.Duration(float64(delay) * 0.25 * (2*rand.Float64() - 1))
	delay += jitter
	if delay > f.cfg.MaxRetryDelay {
		return f.cfg.MaxRetryDelay
	}
	if delay < 0 {
		return 0
	}
	return delay
}

// RunPeriodic polls the due set every interval and fetches it. Blocking;
// run it in a goroutine and cancel the context to stop. Iteration errors
// never terminate the loop.
func (f *Fetcher) RunPeriodic(ctx context.Context, interval time.Duration) {
	f.logger.Info("periodic fetch loop started", zap.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("periodic fetch loop stopped")
			return
		case <-ticker.C:
			f.runIteration(ctx)
		}
	}
}

func (f *Fetcher) runIteration(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("panic in periodic fetch iteration", zap.Any("panic", r))
		}
	}()

	due := f.DueSymbols()
	if len(due) == 0 {
		return
	}
	f.logger.Debug("fetching due symbols", zap.Int("count", len(due)))
	f.FetchBatch(ctx, due)
}

// Stats returns request counters, success rate and the breaker snapshot.
func (f *Fetcher) Stats() Stats {
	f.statMu.Lock()
	s := Stats{
		TotalRequests:      f.totalRequests,
		SuccessfulRequests: f.successfulRequests,
		FailedRequests:     f.failedRequests,
		LastBatchTime:      f.lastBatchTime,
	}
	f.statMu.Unlock()

	if s.TotalRequests > 0 {
		s.SuccessRatePercent = float64(s.SuccessfulRequests) / float64(s.TotalRequests) * 100
	}

	f.mu.RLock()
	s.WatchedSymbols = len(f.watched)
	f.mu.RUnlock()

	s.Breaker = f.breaker.Snapshot()
	return s
}

// SymbolStats returns a copy of every watch entry.
func (f *Fetcher) SymbolStats() map[string]SymbolWatch {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make(map[string]SymbolWatch, len(f.watched))
	for symbol, w := range f.watched {
		out[symbol] = *w
	}
	return out
}

func (f *Fetcher) claimSymbols(symbols []string) []string {
	f.inflightMu.Lock()
	defer f.inflightMu.Unlock()

	seen := make(map[string]bool, len(symbols))
	var claimed []string
	for _, s := range symbols {
		if seen[s] {
			continue
		}
		seen[s] = true
		if _, busy := f.inflight[s]; busy {
			f.logger.Debug("symbol fetch already in flight, skipping", zap.String("symbol", s))
			continue
		}
		f.inflight[s] = struct{}{}
		claimed = append(claimed, s)
	}
	return claimed
}

func (f *Fetcher) releaseSymbols(symbols []string) {
	f.inflightMu.Lock()
	for _, s := range symbols {
		delete(f.inflight, s)
	}
	f.inflightMu.Unlock()
}

func (f *Fetcher) recordSymbolSuccess(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.watched[symbol]; ok {
		w.LastUpdated = f.clock.Now()
		w.UpdateCount++
		w.ErrorCount = 0
		w.LastError = ""
	}
}

func (f *Fetcher) recordSymbolFailure(symbol, errMsg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.watched[symbol]; ok {
		w.ErrorCount++
		w.LastError = errMsg
	}
}

func (f *Fetcher) recordBatch(result *BatchResult, start time.Time) {
	result.Duration = f.clock.Now().Sub(start)

	f.statMu.Lock()
	f.totalRequests++
	if len(result.SuccessfulQuotes) > 0 {
		f.successfulRequests++
	}
	if len(result.FailedSymbols) > 0 {
		f.failedRequests++
	}
	f.lastBatchTime = result.FetchTime
	f.statMu.Unlock()

	f.metrics.RecordTiming("batch_fetch_duration", result.Duration, nil)
	f.metrics.SetGauge("watched_symbols", float64(len(f.SymbolStats())), nil)
}

// notify fans the successful quotes out to every registered callback. A
// panicking callback is logged and never aborts the others.
func (f *Fetcher) notify(quotes map[string]*models.Quote) {
	f.cbMu.Lock()
	callbacks := make([]UpdateCallback, len(f.callbacks))
	copy(callbacks, f.callbacks)
	f.cbMu.Unlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					f.logger.Error("panic in update callback", zap.Any("panic", r))
				}
			}()
			cb(quotes)
		}()
	}
}
