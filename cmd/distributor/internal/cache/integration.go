// Package cache orchestrates the batch fetcher and the quote store: every
// fetch writes through to the store and publishes a change notification;
// read misses can trigger a fetch; an essential symbol set is kept warm.
package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/shubham-shewale/quote-pipeline/cmd/distributor/internal/fetcher"
	"github.com/shubham-shewale/quote-pipeline/cmd/distributor/internal/repository"
	"github.com/shubham-shewale/quote-pipeline/pkg/metrics"
	"github.com/shubham-shewale/quote-pipeline/pkg/models"
)

// Stats is the integration layer's performance snapshot.
type Stats struct {
	CacheHits           int64    `json:"cache_hits"`
	CacheMisses         int64    `json:"cache_misses"`
	CacheHitRatePercent float64  `json:"cache_hit_rate_percent"`
	UpdatesProcessed    int64    `json:"updates_processed"`
	StoreFailures       int64    `json:"store_failures"`
	EssentialSymbols    []string `json:"essential_symbols"`
	WarmingRunning      bool     `json:"warming_running"`
}

type Integration struct {
	store   repository.QuoteStore
	fetcher *fetcher.Fetcher
	logger  *zap.Logger
	metrics *metrics.Collector

	ttl     time.Duration
	warmTTL time.Duration

	mu         sync.Mutex // guards essentials and warming flag
	essentials map[string]struct{}
	warming    bool

	cacheHits        atomic.Int64
	cacheMisses      atomic.Int64
	updatesProcessed atomic.Int64
	storeFailures    atomic.Int64
}

func NewIntegration(store repository.QuoteStore, f *fetcher.Fetcher, mc *metrics.Collector, logger *zap.Logger, ttl, warmTTL time.Duration) *Integration {
	i := &Integration{
		store:      store,
		fetcher:    f,
		logger:     logger,
		metrics:    mc,
		ttl:        ttl,
		warmTTL:    warmTTL,
		essentials: make(map[string]struct{}),
	}
	// Every successful batch flows through the cache.
	f.RegisterCallback(i.handleBatchUpdates)
	return i
}

func (i *Integration) handleBatchUpdates(quotes map[string]*models.Quote) {
	ctx := context.Background()
	for symbol, quote := range quotes {
		i.RefreshFromFetch(ctx, symbol, quote)
	}
}

// RefreshFromFetch writes a fresh quote through to the store with the
// default TTL and publishes the change notification. A store failure is
// counted and logged but never surfaced: the fetch result stays valid, only
// the cache side effect is lost.
func (i *Integration) RefreshFromFetch(ctx context.Context, symbol string, quote *models.Quote) {
	payload, err := quote.ToJSON()
	if err != nil {
		i.logger.Error("failed to encode quote for cache", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	if err := i.store.SetAndPublish(ctx, symbol, payload, i.ttl); err != nil {
		i.storeFailures.Add(1)
		i.metrics.IncrCounter("cache_store_failures", 1, nil)
		i.logger.Error("cache write failed", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	i.updatesProcessed.Add(1)
	i.logger.Debug("cache refreshed", zap.String("symbol", symbol))
}

// Get looks the symbol up in the cache; on a miss it optionally falls back
// to a single-symbol fetch (which writes through on success). A nil quote
// with nil error means absent.
func (i *Integration) Get(ctx context.Context, symbol string, fetchIfMissing bool) (*models.Quote, error) {
	payload, found, err := i.store.GetQuote(ctx, symbol)
	if err != nil {
		// Store trouble degrades to the direct-fetch path.
		i.logger.Error("cache read failed", zap.String("symbol", symbol), zap.Error(err))
	} else if found {
		quote, perr := models.QuoteFromJSON(payload)
		if perr == nil {
			i.cacheHits.Add(1)
			i.metrics.IncrCounter("cache_hits", 1, nil)
			return quote, nil
		}
		i.logger.Error("corrupt cache payload", zap.String("symbol", symbol), zap.Error(perr))
	}

	i.cacheMisses.Add(1)
	i.metrics.IncrCounter("cache_misses", 1, nil)

	if !fetchIfMissing {
		return nil, nil
	}

	result := i.fetcher.FetchBatch(ctx, []string{symbol})
	if quote, ok := result.SuccessfulQuotes[symbol]; ok {
		i.RefreshFromFetch(ctx, symbol, quote)
		return quote, nil
	}
	if reason, ok := result.FailedSymbols[symbol]; ok {
		return nil, fmt.Errorf("fetch %s: %s", symbol, reason)
	}
	return nil, nil
}

// Warm fetches the given symbols and writes all successes with the extended
// TTL. Returns per-symbol success.
func (i *Integration) Warm(ctx context.Context, symbols []string) map[string]bool {
	results := make(map[string]bool, len(symbols))
	if len(symbols) == 0 {
		return results
	}

	batch := i.fetcher.FetchBatch(ctx, symbols)
	for _, symbol := range symbols {
		quote, ok := batch.SuccessfulQuotes[symbol]
		if !ok {
			results[symbol] = false
			continue
		}
		payload, err := quote.ToJSON()
		if err != nil {
			results[symbol] = false
			continue
		}
		if err := i.store.SetQuote(ctx, symbol, payload, i.warmTTL); err != nil {
			i.storeFailures.Add(1)
			i.logger.Error("cache warm write failed", zap.String("symbol", symbol), zap.Error(err))
			results[symbol] = false
			continue
		}
		results[symbol] = true
	}

	warmed := 0
	for _, ok := range results {
		if ok {
			warmed++
		}
	}
	i.logger.Info("cache warming completed", zap.Int("warmed", warmed), zap.Int("requested", len(symbols)))
	return results
}

// InvalidateAndRefresh deletes the symbols from the cache, then re-fetches
// and re-populates. Used for forced consistency repair.
func (i *Integration) InvalidateAndRefresh(ctx context.Context, symbols []string) map[string]bool {
	for _, symbol := range symbols {
		if err := i.store.DeleteQuote(ctx, symbol); err != nil {
			i.logger.Error("cache invalidation failed", zap.String("symbol", symbol), zap.Error(err))
		}
	}

	results := make(map[string]bool, len(symbols))
	batch := i.fetcher.FetchBatch(ctx, symbols)
	for _, symbol := range symbols {
		quote, ok := batch.SuccessfulQuotes[symbol]
		if !ok {
			results[symbol] = false
			continue
		}
		payload, err := quote.ToJSON()
		if err != nil {
			results[symbol] = false
			continue
		}
		results[symbol] = i.store.SetAndPublish(ctx, symbol, payload, i.ttl) == nil
	}
	return results
}

// AddEssential marks a symbol for prioritized warming and mirrors it into
// the fetcher's watch list.
func (i *Integration) AddEssential(symbol string, priority fetcher.Priority) {
	i.mu.Lock()
	i.essentials[symbol] = struct{}{}
	i.mu.Unlock()

	if !i.fetcher.Watch(symbol, priority) {
		i.fetcher.Reprioritize(symbol, priority)
	}
	i.logger.Info("essential symbol added", zap.String("symbol", symbol), zap.String("priority", priority.String()))
}

// RemoveEssential drops the symbol from the warm set and the watch list.
func (i *Integration) RemoveEssential(symbol string) {
	i.mu.Lock()
	delete(i.essentials, symbol)
	i.mu.Unlock()

	i.fetcher.Unwatch(symbol)
	i.logger.Info("essential symbol removed", zap.String("symbol", symbol))
}

// Essentials returns the warm set, sorted for stable output.
func (i *Integration) Essentials() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]string, 0, len(i.essentials))
	for s := range i.essentials {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// RunPeriodicWarming re-warms the essential set every interval until the
// context is cancelled. Blocking; run in a goroutine. A second concurrent
// call is a warned no-op.
func (i *Integration) RunPeriodicWarming(ctx context.Context, interval time.Duration) {
	i.mu.Lock()
	if i.warming {
		i.mu.Unlock()
		i.logger.Warn("periodic cache warming already running")
		return
	}
	i.warming = true
	i.mu.Unlock()

	defer func() {
		i.mu.Lock()
		i.warming = false
		i.mu.Unlock()
	}()

	i.logger.Info("periodic cache warming started", zap.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			i.logger.Info("periodic cache warming stopped")
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						i.logger.Error("panic in cache warming iteration", zap.Any("panic", r))
					}
				}()
				if essentials := i.Essentials(); len(essentials) > 0 {
					i.Warm(ctx, essentials)
				}
			}()
		}
	}
}

func (i *Integration) Stats() Stats {
	hits := i.cacheHits.Load()
	misses := i.cacheMisses.Load()

	s := Stats{
		CacheHits:        hits,
		CacheMisses:      misses,
		UpdatesProcessed: i.updatesProcessed.Load(),
		StoreFailures:    i.storeFailures.Load(),
		EssentialSymbols: i.Essentials(),
	}
	if total := hits + misses; total > 0 {
		s.CacheHitRatePercent = float64(hits) / float64(total) * 100
	}

	i.mu.Lock()
	s.WarmingRunning = i.warming
	i.mu.Unlock()
	return s
}
