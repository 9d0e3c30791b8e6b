// Package metrics is a small in-process collector: counters, gauges and
// timing samples with a bounded ring of recent points per metric.
package metrics

import (
	"sync"
	"time"
)

// Point is a single recorded sample.
type Point struct {
	Timestamp time.Time
	Value     float64
	Tags      map[string]string
}

// Summary aggregates the recent points of one metric.
type Summary struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Avg    float64 `json:"avg"`
	Latest float64 `json:"latest"`
}

type Collector struct {
	maxPoints int
	now       func() time.Time

	mu       sync.Mutex
	points   map[string][]Point
	counters map[string]int64
	gauges   map[string]float64
}

func NewCollector(maxPointsPerMetric int) *Collector {
	if maxPointsPerMetric <= 0 {
		maxPointsPerMetric = 1000
	}
	return &Collector{
		maxPoints: maxPointsPerMetric,
		now:       time.Now,
		points:    make(map[string][]Point),
		counters:  make(map[string]int64),
		gauges:    make(map[string]float64),
	}
}

// IncrCounter adds delta to a named counter and records the running total
// as a point.
func (c *Collector) IncrCounter(name string, delta int64, tags map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[name] += delta
	c.appendPoint(name, float64(c.counters[name]), tags)
}

// SetGauge records the current value of a gauge.
func (c *Collector) SetGauge(name string, value float64, tags map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[name] = value
	c.appendPoint(name, value, tags)
}

// RecordTiming records a duration sample in seconds.
func (c *Collector) RecordTiming(name string, d time.Duration, tags map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appendPoint(name, d.Seconds(), tags)
}

// appendPoint keeps at most maxPoints recent points, evicting oldest first.
// Caller holds the lock.
func (c *Collector) appendPoint(name string, value float64, tags map[string]string) {
	pts := c.points[name]
	if len(pts) >= c.maxPoints {
		copy(pts, pts[1:])
		pts = pts[:len(pts)-1]
	}
	c.points[name] = append(pts, Point{Timestamp: c.now(), Value: value, Tags: tags})
}

// Summarize aggregates the metric's points; window == 0 means all retained
// points, otherwise only those within the trailing window. Returns false if
// no points qualify.
func (c *Collector) Summarize(name string, window time.Duration) (Summary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pts := c.points[name]
	if window > 0 {
		cutoff := c.now().Add(-window)
		filtered := pts[:0:0]
		for _, p := range pts {
			if !p.Timestamp.Before(cutoff) {
				filtered = append(filtered, p)
			}
		}
		pts = filtered
	}
	if len(pts) == 0 {
		return Summary{}, false
	}

	s := Summary{Count: len(pts), Min: pts[0].Value, Max: pts[0].Value}
	var sum float64
	for _, p := range pts {
		if p.Value < s.Min {
			s.Min = p.Value
		}
		if p.Value > s.Max {
			s.Max = p.Value
		}
		sum += p.Value
	}
	s.Avg = sum / float64(len(pts))
	s.Latest = pts[len(pts)-1].Value
	return s, true
}

// Counters returns a copy of all counter totals.
func (c *Collector) Counters() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.counters))
	for k, v := range c.counters {
		out[k] = v
	}
	return out
}

// Gauges returns a copy of all gauge values.
func (c *Collector) Gauges() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]float64, len(c.gauges))
	for k, v := range c.gauges {
		out[k] = v
	}
	return out
}
