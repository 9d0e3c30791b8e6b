package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/shubham-shewale/quote-pipeline/pkg/models"
)

// ErrStale means the latest tick for the symbol is older than the staleness
// bound and should not be served as fresh data.
var ErrStale = errors.New("latest tick is stale")

// KafkaReader abstracts the input stream
type KafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type latestTick struct {
	quote    *models.Quote
	received time.Time
}

// KafkaSource consumes the upstream tick topic in the background and keeps
// the latest quote per symbol. Fetch serves from that map, so a fetch never
// blocks on the broker. Out-of-order ticks are dropped by sequence number.
type KafkaSource struct {
	reader     KafkaReader
	logger     *zap.Logger
	staleAfter time.Duration
	now        func() time.Time

	mu      sync.RWMutex
	latest  map[string]latestTick
	lastSeq map[string]int64
}

func NewKafkaSource(reader KafkaReader, staleAfter time.Duration, logger *zap.Logger) *KafkaSource {
	return &KafkaSource{
		reader:     reader,
		logger:     logger,
		staleAfter: staleAfter,
		now:        time.Now,
		latest:     make(map[string]latestTick),
		lastSeq:    make(map[string]int64),
	}
}

// Run is a blocking consume loop. Iteration-level errors are logged and the
// loop continues; it exits only on context cancellation.
func (s *KafkaSource) Run(ctx context.Context) {
	s.logger.Info("Kafka quote source started")
	for {
		m, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			s.logger.Error("Kafka Read Error", zap.Error(err))
			continue
		}

		var tick models.Tick
		if err := json.Unmarshal(m.Value, &tick); err != nil {
			s.logger.Error("JSON Unmarshal Error", zap.Error(err), zap.String("key", string(m.Key)))
			continue
		}

		symbol := tick.Quote.Symbol
		if symbol == "" {
			continue
		}

		s.mu.Lock()
		// Deduplication: skip if SeqID not greater than last processed
		if tick.SeqID != 0 && tick.SeqID <= s.lastSeq[symbol] {
			s.mu.Unlock()
			s.logger.Debug("Skipping duplicate tick",
				zap.String("symbol", symbol), zap.Int64("seq_id", tick.SeqID))
			continue
		}
		if tick.SeqID != 0 {
			s.lastSeq[symbol] = tick.SeqID
		}
		q := tick.Quote
		s.latest[symbol] = latestTick{quote: &q, received: s.now()}
		s.mu.Unlock()
	}
}

func (s *KafkaSource) Fetch(ctx context.Context, symbol string) (*models.Quote, error) {
	s.mu.RLock()
	t, ok := s.latest[symbol]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("fetch %s: %w", symbol, ErrNoData)
	}
	if s.staleAfter > 0 && s.now().Sub(t.received) > s.staleAfter {
		return nil, fmt.Errorf("fetch %s: %w", symbol, ErrStale)
	}
	return t.quote, nil
}

func (s *KafkaSource) Close() error {
	return s.reader.Close()
}
