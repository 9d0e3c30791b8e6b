package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/shubham-shewale/quote-pipeline/cmd/distributor/internal/cache"
	"github.com/shubham-shewale/quote-pipeline/cmd/distributor/internal/fetcher"
	"github.com/shubham-shewale/quote-pipeline/cmd/distributor/internal/gateway"
	"github.com/shubham-shewale/quote-pipeline/cmd/distributor/internal/hub"
	"github.com/shubham-shewale/quote-pipeline/cmd/distributor/internal/repository"
	"github.com/shubham-shewale/quote-pipeline/cmd/distributor/internal/source"
	"github.com/shubham-shewale/quote-pipeline/pkg/breaker"
	"github.com/shubham-shewale/quote-pipeline/pkg/config"
	"github.com/shubham-shewale/quote-pipeline/pkg/metrics"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := config.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	repo := repository.NewRedisStore(rdb)

	// Upstream source: Kafka tick stream by default, direct HTTP provider
	// as the alternative.
	var src source.QuoteSource
	switch cfg.Source.Mode {
	case "http":
		src = source.NewHTTPSource(cfg.Source.Endpoint, time.Duration(cfg.Source.TimeoutSec)*time.Second)
	default:
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		})
		ks := source.NewKafkaSource(reader, time.Duration(cfg.Source.StaleAfterSec)*time.Second, logger)
		go ks.Run(ctx)
		src = ks
	}
	defer src.Close()

	collector := metrics.NewCollector(0)
	br := breaker.New("quote-source",
		cfg.Fetcher.FailureThreshold,
		time.Duration(cfg.Fetcher.RecoveryTimeoutSec)*time.Second,
		logger)

	f := fetcher.New(src, br, collector, logger, fetcher.Config{
		MaxBatchSize:   cfg.Fetcher.MaxBatchSize,
		MaxRetries:     cfg.Fetcher.MaxRetries,
		BaseRetryDelay: time.Duration(cfg.Fetcher.BaseRetryDelayMs) * time.Millisecond,
		MaxRetryDelay:  time.Duration(cfg.Fetcher.MaxRetryDelayMs) * time.Millisecond,
	}, fetcher.RealClock{})

	integration := cache.NewIntegration(repo, f, collector, logger,
		time.Duration(cfg.Cache.TTLSec)*time.Second,
		time.Duration(cfg.Cache.WarmTTLSec)*time.Second)

	for _, sym := range cfg.Cache.EssentialSymbols {
		integration.AddEssential(strings.ToUpper(strings.TrimSpace(sym)), fetcher.PriorityHigh)
	}

	go f.RunPeriodic(ctx, time.Duration(cfg.Fetcher.PollIntervalSec)*time.Second)
	go integration.RunPeriodicWarming(ctx, time.Duration(cfg.Cache.WarmIntervalSec)*time.Second)

	wsHub := hub.NewHub(repo, hub.Config{
		MaxBatchSize:         cfg.Broadcast.MaxBatchSize,
		BatchTimeout:         time.Duration(cfg.Broadcast.BatchTimeoutMs) * time.Millisecond,
		CompressionThreshold: cfg.Broadcast.CompressionThreshold,
		OfflineQueueSize:     cfg.Broadcast.OfflineQueueSize,
	}, logger)
	go wsHub.RunBatchFlusher(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		clientID := r.URL.Query().Get("client_id")
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		client := gateway.NewClient(conn, wsHub, clientID, logger)
		client.Start()
	})

	mux.HandleFunc("/api/quote/", func(w http.ResponseWriter, r *http.Request) {
		symbol := strings.ToUpper(strings.TrimPrefix(r.URL.Path, "/api/quote/"))
		if symbol == "" || strings.Contains(symbol, "/") {
			http.Error(w, "bad symbol", http.StatusBadRequest)
			return
		}
		quote, err := integration.Get(r.Context(), symbol, true)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		if quote == nil {
			http.Error(w, "symbol not found", http.StatusNotFound)
			return
		}
		writeJSON(w, quote)
	})

	mux.HandleFunc("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"fetcher":  f.Stats(),
			"symbols":  f.SymbolStats(),
			"cache":    integration.Stats(),
			"hub":      wsHub.Stats(),
			"counters": collector.Counters(),
		})
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: cfg.App.Port, Handler: mux}

	go func() {
		logger.Info("Server Started", zap.String("port", cfg.App.Port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("HTTP Error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	wsHub.BroadcastSystem("server shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	repo.Close()
	logger.Info("Shutdown Complete")
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
