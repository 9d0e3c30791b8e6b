package models

import (
	"encoding/json"
	"time"
)

// Quote is an immutable snapshot of a symbol's market data. A new Quote
// replaces the old one on every update; nothing mutates a Quote in place.
type Quote struct {
	Symbol        string    `json:"symbol"`
	CompanyName   string    `json:"company_name"`
	CurrentPrice  float64   `json:"current_price"`
	Change        float64   `json:"change"`
	PercentChange float64   `json:"percent_change"`
	Volume        int64     `json:"volume"`
	Timestamp     time.Time `json:"timestamp"`
	BidPrice      *float64  `json:"bid_price,omitempty"`
	AskPrice      *float64  `json:"ask_price,omitempty"`
	High          *float64  `json:"high,omitempty"`
	Low           *float64  `json:"low,omitempty"`
}

// Tick wraps a Quote with a per-symbol monotonic sequence number for
// transport over the feed topic. Consumers drop out-of-order ticks.
type Tick struct {
	Quote Quote `json:"quote"`
	SeqID int64 `json:"seq_id"`
}

// ToMap returns the canonical field map used by the wire codec. Optional
// fields that are absent do not appear in the map. The timestamp is encoded
// as RFC3339Nano so field maps stay comparable after a JSON round trip.
func (q *Quote) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"symbol":         q.Symbol,
		"company_name":   q.CompanyName,
		"current_price":  q.CurrentPrice,
		"change":         q.Change,
		"percent_change": q.PercentChange,
		"volume":         q.Volume,
		"timestamp":      q.Timestamp.Format(time.RFC3339Nano),
	}
	if q.BidPrice != nil {
		m["bid_price"] = *q.BidPrice
	}
	if q.AskPrice != nil {
		m["ask_price"] = *q.AskPrice
	}
	if q.High != nil {
		m["high"] = *q.High
	}
	if q.Low != nil {
		m["low"] = *q.Low
	}
	return m
}

// QuoteFromMap rebuilds a Quote from a canonical field map. It tolerates
// numeric fields arriving as either float64 or int64 (JSON vs msgpack).
func QuoteFromMap(m map[string]interface{}) (*Quote, error) {
	q := &Quote{}
	if s, ok := m["symbol"].(string); ok {
		q.Symbol = s
	}
	if s, ok := m["company_name"].(string); ok {
		q.CompanyName = s
	}
	q.CurrentPrice = asFloat(m["current_price"])
	q.Change = asFloat(m["change"])
	q.PercentChange = asFloat(m["percent_change"])
	q.Volume = asInt(m["volume"])
	if s, ok := m["timestamp"].(string); ok {
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, err
		}
		q.Timestamp = ts
	}
	if v, ok := m["bid_price"]; ok {
		f := asFloat(v)
		q.BidPrice = &f
	}
	if v, ok := m["ask_price"]; ok {
		f := asFloat(v)
		q.AskPrice = &f
	}
	if v, ok := m["high"]; ok {
		f := asFloat(v)
		q.High = &f
	}
	if v, ok := m["low"]; ok {
		f := asFloat(v)
		q.Low = &f
	}
	return q, nil
}

// ToJSON is the cache-store value encoding.
func (q *Quote) ToJSON() ([]byte, error) {
	return json.Marshal(q)
}

func QuoteFromJSON(b []byte) (*Quote, error) {
	var q Quote
	if err := json.Unmarshal(b, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int64:
		return float64(n)
	case int:
		return float64(n)
	case uint64:
		return float64(n)
	}
	return 0
}

func asInt(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
