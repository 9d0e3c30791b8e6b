package metrics_test

import (
	"testing"
	"time"

	"github.com/shubham-shewale/quote-pipeline/pkg/metrics"
)

func TestCollector_Counters(t *testing.T) {
	c := metrics.NewCollector(10)

	c.IncrCounter("requests", 1, nil)
	c.IncrCounter("requests", 2, nil)

	if got := c.Counters()["requests"]; got != 3 {
		t.Errorf("Expected counter 3, got %d", got)
	}
}

func TestCollector_Gauges(t *testing.T) {
	c := metrics.NewCollector(10)

	c.SetGauge("watched", 5, nil)
	c.SetGauge("watched", 2, nil)

	if got := c.Gauges()["watched"]; got != 2 {
		t.Errorf("Gauge should keep the latest value, got %v", got)
	}
}

func TestCollector_Summarize(t *testing.T) {
	c := metrics.NewCollector(10)

	c.RecordTiming("latency", 100*time.Millisecond, nil)
	c.RecordTiming("latency", 300*time.Millisecond, nil)

	s, ok := c.Summarize("latency", 0)
	if !ok {
		t.Fatalf("Expected a summary for recorded metric")
	}
	if s.Count != 2 {
		t.Errorf("Expected 2 points, got %d", s.Count)
	}
	if s.Min != 0.1 || s.Max != 0.3 {
		t.Errorf("Expected min 0.1 max 0.3, got %v/%v", s.Min, s.Max)
	}
	if s.Latest != 0.3 {
		t.Errorf("Expected latest 0.3, got %v", s.Latest)
	}

	if _, ok := c.Summarize("unknown", 0); ok {
		t.Errorf("Unknown metric should not summarize")
	}
}

func TestCollector_RingEviction(t *testing.T) {
	c := metrics.NewCollector(3)

	for i := 1; i <= 5; i++ {
		c.SetGauge("g", float64(i), nil)
	}

	s, _ := c.Summarize("g", 0)
	if s.Count != 3 {
		t.Errorf("Ring should cap at 3 points, got %d", s.Count)
	}
	if s.Min != 3 {
		t.Errorf("Oldest points should be evicted first, min %v", s.Min)
	}
	if s.Latest != 5 {
		t.Errorf("Latest point must survive eviction, got %v", s.Latest)
	}
}
