package main

import (
	"context"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/shubham-shewale/quote-pipeline/cmd/sourcesim/internal/sim"
	"github.com/shubham-shewale/quote-pipeline/pkg/config"
)

var basePrices = map[string]float64{
	"AAPL": 150.0, "GOOG": 2800.0, "TSLA": 700.0, "AMZN": 3400.0,
}

var companies = map[string]string{
	"AAPL": "Apple Inc.",
	"GOOG": "Alphabet Inc.",
	"TSLA": "Tesla Inc.",
	"AMZN": "Amazon.com Inc.",
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger, err := config.NewLogger(cfg.Logger)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// Ensure the tick topic exists before producing
	creator := sim.NewTopicCreator(logger, &sim.RealKafkaDialer{Dialer: kafka.DefaultDialer}, sim.RealClock{})
	creator.Create(cfg.Kafka.Brokers, cfg.Kafka.Topic)

	// Production tuning: batch writes to reduce network IO
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Kafka.Brokers...),
		Topic:        cfg.Kafka.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Async:        true,
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	r := sim.RealRand{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
	simulator := sim.NewSimulator(logger, writer, basePrices, companies, r, sim.RealClock{}, 100*time.Millisecond)

	go simulator.Run(ctx)

	<-sigChan
	logger.Info("Shutdown signal received")
	cancel()

	// Flush Kafka buffer before exit
	if err := writer.Close(); err != nil {
		logger.Error("Error closing Kafka writer", zap.Error(err))
	} else {
		logger.Info("Kafka writer closed cleanly")
	}
}
