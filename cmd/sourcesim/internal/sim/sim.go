// Package sim emits a simulated quote tick stream to Kafka. Prices follow a
// bounded random walk around each symbol's base price, with running day
// high/low and accumulated volume, so downstream delta encoding sees
// realistic field churn.
package sim

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/shubham-shewale/quote-pipeline/pkg/models"
)

type symbolState struct {
	base   float64
	price  float64
	prev   float64
	high   float64
	low    float64
	volume int64
	seq    int64
}

type Simulator struct {
	logger    *zap.Logger
	writer    KafkaWriter
	companies map[string]string
	rand      Rand
	clock     Clock
	interval  time.Duration

	tickers []string
	states  map[string]*symbolState
}

func NewSimulator(
	logger *zap.Logger,
	writer KafkaWriter,
	basePrices map[string]float64,
	companies map[string]string,
	rnd Rand,
	clock Clock,
	interval time.Duration,
) *Simulator {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	s := &Simulator{
		logger:    logger,
		writer:    writer,
		companies: companies,
		rand:      rnd,
		clock:     clock,
		interval:  interval,
		states:    make(map[string]*symbolState),
	}
	for sym, base := range basePrices {
		s.tickers = append(s.tickers, sym)
		s.states[sym] = &symbolState{base: base, price: base, prev: base, high: base, low: base}
	}
	return s
}

func (s *Simulator) Run(ctx context.Context) {
	s.logger.Info("Simulator Started", zap.Strings("tickers", s.tickers))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			if len(s.tickers) == 0 {
				s.clock.Sleep(1 * time.Second)
				continue
			}

			symbol := s.tickers[s.rand.Intn(len(s.tickers))]
			tick := s.nextTick(symbol)

			payload, err := json.Marshal(tick)
			if err != nil {
				s.logger.Error("JSON Marshal Error", zap.Error(err))
				continue
			}

			err = s.writer.WriteMessages(ctx, kafka.Message{
				Key:   []byte(symbol), // Key ensures partition ordering
				Value: payload,
			})
			if err != nil {
				s.logger.Error("Kafka Write Error", zap.Error(err))
			} else {
				s.logger.Debug("Sent tick",
					zap.String("symbol", symbol),
					zap.Float64("price", tick.Quote.CurrentPrice),
					zap.Int64("seq_id", tick.SeqID))
			}

			s.clock.Sleep(s.interval)
		}
	}
}

// nextTick advances the symbol's random walk one step and snapshots it as a
// Tick. Walk is bounded to ±10% of base so prices stay plausible.
func (s *Simulator) nextTick(symbol string) models.Tick {
	st := s.states[symbol]

	step := (s.rand.Float64()*2 - 1) * st.base * 0.005
	price := st.price + step
	if price < st.base*0.9 {
		price = st.base * 0.9
	}
	if price > st.base*1.1 {
		price = st.base * 1.1
	}

	st.prev = st.price
	st.price = price
	if price > st.high {
		st.high = price
	}
	if price < st.low {
		st.low = price
	}
	st.volume += int64(s.rand.Intn(10000))
	st.seq++

	spread := st.base * 0.0005
	bid := price - spread
	ask := price + spread
	high := st.high
	low := st.low

	change := price - st.base
	var pct float64
	if st.base != 0 {
		pct = change / st.base * 100
	}

	name := s.companies[symbol]
	if name == "" {
		name = symbol + " Inc."
	}

	return models.Tick{
		Quote: models.Quote{
			Symbol:        symbol,
			CompanyName:   name,
			CurrentPrice:  price,
			Change:        change,
			PercentChange: pct,
			Volume:        st.volume,
			Timestamp:     s.clock.Now(),
			BidPrice:      &bid,
			AskPrice:      &ask,
			High:          &high,
			Low:           &low,
		},
		SeqID: st.seq,
	}
}
