package cache_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/shubham-shewale/quote-pipeline/cmd/distributor/internal/cache"
	"github.com/shubham-shewale/quote-pipeline/cmd/distributor/internal/fetcher"
	"github.com/shubham-shewale/quote-pipeline/cmd/distributor/internal/testutils"
	"github.com/shubham-shewale/quote-pipeline/pkg/breaker"
	"github.com/shubham-shewale/quote-pipeline/pkg/metrics"
	"github.com/shubham-shewale/quote-pipeline/pkg/models"
)

const (
	ttl     = 5 * time.Minute
	warmTTL = 10 * time.Minute
)

func setup() (*cache.Integration, *testutils.MockStore, *testutils.MockSource, *fetcher.Fetcher) {
	store := testutils.NewMockStore()
	src := testutils.NewMockSource()
	br := breaker.New("test", 100, time.Minute, zap.NewNop())
	f := fetcher.New(src, br, metrics.NewCollector(100), zap.NewNop(), fetcher.Config{MaxRetries: 0}, testutils.NewMockClock(time.Now()))
	i := cache.NewIntegration(store, f, metrics.NewCollector(100), zap.NewNop(), ttl, warmTTL)
	return i, store, src, f
}

func quoteFor(symbol string, price float64) *models.Quote {
	return &models.Quote{Symbol: symbol, CompanyName: symbol + " Inc.", CurrentPrice: price, Timestamp: time.Now().UTC()}
}

func TestIntegration_FetchWritesThroughAndPublishes(t *testing.T) {
	_, store, src, f := setup()
	src.Script("AAPL", testutils.FetchResult{Quote: quoteFor("AAPL", 150)})

	f.FetchBatch(context.Background(), []string{"AAPL"})

	store.Mu.Lock()
	defer store.Mu.Unlock()
	if _, ok := store.Quotes["AAPL"]; !ok {
		t.Fatalf("Successful fetch should write through to the store")
	}
	if store.TTLs["AAPL"] != ttl {
		t.Errorf("Write-through should use the default TTL, got %v", store.TTLs["AAPL"])
	}
	if len(store.Published["AAPL"]) != 1 {
		t.Errorf("Write-through should publish exactly once, got %d", len(store.Published["AAPL"]))
	}
}

func TestIntegration_GetHit(t *testing.T) {
	i, _, src, f := setup()
	src.Script("AAPL", testutils.FetchResult{Quote: quoteFor("AAPL", 150)})
	f.FetchBatch(context.Background(), []string{"AAPL"})

	q, err := i.Get(context.Background(), "AAPL", false)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if q == nil || q.CurrentPrice != 150 {
		t.Fatalf("Expected cached quote, got %+v", q)
	}

	s := i.Stats()
	if s.CacheHits != 1 || s.CacheMisses != 0 {
		t.Errorf("Expected 1 hit, got %+v", s)
	}
}

func TestIntegration_GetMissWithoutFetch(t *testing.T) {
	i, _, _, _ := setup()

	q, err := i.Get(context.Background(), "TSLA", false)
	if err != nil || q != nil {
		t.Errorf("Plain miss should return nil, nil; got %v, %v", q, err)
	}
	if s := i.Stats(); s.CacheMisses != 1 {
		t.Errorf("Expected 1 miss, got %+v", s)
	}
}

func TestIntegration_GetMissFetchesThrough(t *testing.T) {
	i, store, src, _ := setup()
	src.Script("TSLA", testutils.FetchResult{Quote: quoteFor("TSLA", 700)})

	q, err := i.Get(context.Background(), "TSLA", true)
	if err != nil {
		t.Fatalf("Fetch-through failed: %v", err)
	}
	if q == nil || q.CurrentPrice != 700 {
		t.Fatalf("Expected fetched quote, got %+v", q)
	}

	store.Mu.Lock()
	defer store.Mu.Unlock()
	if _, ok := store.Quotes["TSLA"]; !ok {
		t.Errorf("Fetch-through should populate the cache")
	}
}

func TestIntegration_GetMissFetchFails(t *testing.T) {
	i, _, src, _ := setup()
	src.Script("BAD", testutils.FetchResult{Err: errors.New("upstream down")})

	q, err := i.Get(context.Background(), "BAD", true)
	if err == nil {
		t.Errorf("Failed fetch-through should surface an error")
	}
	if q != nil {
		t.Errorf("No quote on failure, got %+v", q)
	}
}

func TestIntegration_StoreFailureDoesNotLoseQuote(t *testing.T) {
	i, store, _, _ := setup()
	store.FailWrites = true

	i.RefreshFromFetch(context.Background(), "AAPL", quoteFor("AAPL", 150))

	s := i.Stats()
	if s.StoreFailures != 1 {
		t.Errorf("Store failure should be counted, got %+v", s)
	}
	if s.UpdatesProcessed != 0 {
		t.Errorf("Failed write is not a processed update")
	}
}

func TestIntegration_WarmUsesExtendedTTL(t *testing.T) {
	i, store, src, _ := setup()
	src.Script("AAPL", testutils.FetchResult{Quote: quoteFor("AAPL", 150)})
	src.Script("BAD", testutils.FetchResult{Err: errors.New("upstream down")})

	results := i.Warm(context.Background(), []string{"AAPL", "BAD"})

	if !results["AAPL"] || results["BAD"] {
		t.Errorf("Unexpected warm results: %v", results)
	}
	store.Mu.Lock()
	defer store.Mu.Unlock()
	if store.TTLs["AAPL"] != warmTTL {
		t.Errorf("Warming should use the extended TTL, got %v", store.TTLs["AAPL"])
	}
	// Warm writes do not publish; nothing changed for subscribers
	if len(store.Published["AAPL"]) != 1 {
		t.Errorf("Warm writes must not publish, got %d publishes", len(store.Published["AAPL"]))
	}
}

func TestIntegration_InvalidateAndRefresh(t *testing.T) {
	i, store, src, f := setup()
	src.Script("AAPL",
		testutils.FetchResult{Quote: quoteFor("AAPL", 150)},
		testutils.FetchResult{Quote: quoteFor("AAPL", 155)},
	)
	f.FetchBatch(context.Background(), []string{"AAPL"})

	results := i.InvalidateAndRefresh(context.Background(), []string{"AAPL"})

	if !results["AAPL"] {
		t.Fatalf("Refresh should succeed: %v", results)
	}
	q, err := i.Get(context.Background(), "AAPL", false)
	if err != nil || q == nil {
		t.Fatalf("Expected refreshed quote, got %v, %v", q, err)
	}
	if q.CurrentPrice != 155 {
		t.Errorf("Refresh should store the new price, got %v", q.CurrentPrice)
	}
	store.Mu.Lock()
	defer store.Mu.Unlock()
	if len(store.Published["AAPL"]) < 2 {
		t.Errorf("Refresh should re-publish the symbol")
	}
}

func TestIntegration_EssentialsMirrorWatchList(t *testing.T) {
	i, _, _, f := setup()

	i.AddEssential("AAPL", fetcher.PriorityHigh)

	if _, ok := f.SymbolStats()["AAPL"]; !ok {
		t.Errorf("Essential symbol should join the watch list")
	}
	if got := i.Essentials(); len(got) != 1 || got[0] != "AAPL" {
		t.Errorf("Unexpected essentials: %v", got)
	}

	// Re-adding with a new tier reprioritizes instead of duplicating
	i.AddEssential("AAPL", fetcher.PriorityLow)
	if w := f.SymbolStats()["AAPL"]; w.PriorityStr != "LOW" {
		t.Errorf("Re-add should reprioritize, got %s", w.PriorityStr)
	}

	i.RemoveEssential("AAPL")
	if _, ok := f.SymbolStats()["AAPL"]; ok {
		t.Errorf("Removing an essential should unwatch it")
	}
	if len(i.Essentials()) != 0 {
		t.Errorf("Essentials should be empty after removal")
	}
}

func TestIntegration_HitRate(t *testing.T) {
	i, _, src, f := setup()
	src.Script("AAPL", testutils.FetchResult{Quote: quoteFor("AAPL", 150)})
	f.FetchBatch(context.Background(), []string{"AAPL"})

	i.Get(context.Background(), "AAPL", false)
	i.Get(context.Background(), "MISS", false)

	s := i.Stats()
	if s.CacheHitRatePercent != 50 {
		t.Errorf("Expected 50%% hit rate, got %v", s.CacheHitRatePercent)
	}
}
