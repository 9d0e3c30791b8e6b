package sim_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/shubham-shewale/quote-pipeline/cmd/sourcesim/internal/sim"
	"github.com/shubham-shewale/quote-pipeline/cmd/sourcesim/internal/testutils"
	"github.com/shubham-shewale/quote-pipeline/pkg/models"
)

func TestSimulator_EmitsWellFormedTicks(t *testing.T) {
	logger := zap.NewNop()
	mockWriter := &testutils.MockKafkaWriter{}

	// Fix randomness: always pick index 0, midpoint step (0.5 -> zero walk)
	mockRand := &testutils.MockRand{ValInt: 0, ValFloat: 0.5}
	mockClock := &testutils.MockClock{CurrentTime: time.Unix(0, 0)}

	s := sim.NewSimulator(logger, mockWriter,
		map[string]float64{"AAPL": 100.0},
		map[string]string{"AAPL": "Apple Inc."},
		mockRand, mockClock, 100*time.Millisecond)

	// MockClock.Sleep advances instantly, so bound the loop with a real timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	s.Run(ctx)

	mockWriter.Mu.Lock()
	defer mockWriter.Mu.Unlock()

	if len(mockWriter.Messages) == 0 {
		t.Fatal("Expected ticks to be generated")
	}

	var tick models.Tick
	if err := json.Unmarshal(mockWriter.Messages[0].Value, &tick); err != nil {
		t.Fatalf("Generated invalid JSON: %v", err)
	}

	if tick.Quote.Symbol != "AAPL" {
		t.Errorf("Expected AAPL, got %s", tick.Quote.Symbol)
	}
	if tick.Quote.CompanyName != "Apple Inc." {
		t.Errorf("Company name should come from the map, got %s", tick.Quote.CompanyName)
	}
	if tick.SeqID != 1 {
		t.Errorf("Expected SeqID 1, got %d", tick.SeqID)
	}
	// Float64()=0.5 -> step (0.5*2-1)*base*0.005 = 0, price stays at base
	if tick.Quote.CurrentPrice != 100.0 {
		t.Errorf("Expected price 100.0, got %f", tick.Quote.CurrentPrice)
	}
	if string(mockWriter.Messages[0].Key) != "AAPL" {
		t.Errorf("Message key should be the symbol for partition ordering")
	}
	if tick.Quote.BidPrice == nil || tick.Quote.AskPrice == nil {
		t.Errorf("Simulated ticks should carry a bid/ask spread")
	}
}

func TestSimulator_SequenceNumbersIncrease(t *testing.T) {
	mockWriter := &testutils.MockKafkaWriter{}
	mockRand := &testutils.MockRand{ValInt: 0, ValFloat: 0.7}
	mockClock := &testutils.MockClock{CurrentTime: time.Unix(0, 0)}

	s := sim.NewSimulator(zap.NewNop(), mockWriter,
		map[string]float64{"TSLA": 700.0}, nil,
		mockRand, mockClock, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	mockWriter.Mu.Lock()
	defer mockWriter.Mu.Unlock()

	if len(mockWriter.Messages) < 2 {
		t.Fatalf("Expected multiple ticks, got %d", len(mockWriter.Messages))
	}

	var prev int64
	for _, msg := range mockWriter.Messages {
		var tick models.Tick
		if err := json.Unmarshal(msg.Value, &tick); err != nil {
			t.Fatalf("bad tick: %v", err)
		}
		if tick.SeqID <= prev {
			t.Fatalf("SeqID must be strictly increasing, got %d after %d", tick.SeqID, prev)
		}
		if tick.Quote.CompanyName == "" {
			t.Errorf("Missing company map should fall back to a synthesized name")
		}
		prev = tick.SeqID
	}
}

func TestSimulator_WalkStaysBounded(t *testing.T) {
	mockWriter := &testutils.MockKafkaWriter{}
	// Always step up as hard as possible
	mockRand := &testutils.MockRand{ValInt: 0, ValFloat: 1.0}
	mockClock := &testutils.MockClock{CurrentTime: time.Unix(0, 0)}

	s := sim.NewSimulator(zap.NewNop(), mockWriter,
		map[string]float64{"AAPL": 100.0}, nil,
		mockRand, mockClock, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	mockWriter.Mu.Lock()
	defer mockWriter.Mu.Unlock()

	for _, msg := range mockWriter.Messages {
		var tick models.Tick
		json.Unmarshal(msg.Value, &tick)
		if tick.Quote.CurrentPrice > 110.0001 {
			t.Fatalf("Walk escaped the +10%% bound: %f", tick.Quote.CurrentPrice)
		}
	}
}

func TestTopicCreator_Flow(t *testing.T) {
	mockDialer := &testutils.MockKafkaDialer{}
	mockClock := &testutils.MockClock{}

	tc := sim.NewTopicCreator(zap.NewNop(), mockDialer, mockClock)
	tc.Create([]string{"broker:9092"}, "quote_ticks")

	if mockDialer.ConnSpy == nil {
		t.Fatal("Dialer was never called")
	}
	if len(mockDialer.ConnSpy.CreatedTopics) == 0 {
		t.Fatal("No topics created")
	}
	if mockDialer.ConnSpy.CreatedTopics[0] != "quote_ticks" {
		t.Errorf("Expected topic 'quote_ticks', got %s", mockDialer.ConnSpy.CreatedTopics[0])
	}
}
