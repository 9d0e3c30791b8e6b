package codec_test

import (
	"testing"

	"go.uber.org/zap"

	"github.com/shubham-shewale/quote-pipeline/pkg/codec"
)

func sampleFields(price float64, ts string) map[string]interface{} {
	return map[string]interface{}{
		"symbol":         "AAPL",
		"company_name":   "Apple Inc.",
		"current_price":  price,
		"change":         1.5,
		"percent_change": 1.0101,
		"volume":         int64(1000),
		"timestamp":      ts,
	}
}

func TestOptimize_AliasesAndRounding(t *testing.T) {
	out := codec.Optimize(map[string]interface{}{
		"symbol":         "AAPL",
		"current_price":  123.456789,
		"percent_change": 1.23456,
		"bid_price":      nil,
		"custom_field":   "kept",
	})

	if out["s"] != "AAPL" {
		t.Errorf("symbol should alias to s, got %v", out["s"])
	}
	if out["cp"] != 123.46 {
		t.Errorf("current_price should round to 2 decimals, got %v", out["cp"])
	}
	if out["pc"] != 1.235 {
		t.Errorf("percent_change should round to 3 decimals, got %v", out["pc"])
	}
	if _, ok := out["bp"]; ok {
		t.Errorf("nil fields should be dropped")
	}
	if out["custom_field"] != "kept" {
		t.Errorf("unknown fields should pass through unchanged")
	}
}

func TestRestore_InvertsAliases(t *testing.T) {
	restored := codec.Restore(map[string]interface{}{
		"s":       "TSLA",
		"cp":      700.12,
		"unknown": 42,
	})

	if restored["symbol"] != "TSLA" {
		t.Errorf("s should restore to symbol, got %v", restored["symbol"])
	}
	if restored["current_price"] != 700.12 {
		t.Errorf("cp should restore to current_price, got %v", restored["current_price"])
	}
	if restored["unknown"] != 42 {
		t.Errorf("unknown keys should pass through")
	}
}

func TestEncodeDelta_OnlyChangedFields(t *testing.T) {
	c := codec.New(zap.NewNop())

	c.EncodeFull("AAPL", sampleFields(150.0, "t1"))
	u := c.EncodeDelta("AAPL", sampleFields(151.0, "t2"))

	if u.Type != codec.TypeDelta {
		t.Fatalf("Expected delta, got %s", u.Type)
	}
	if u.Changes["current_price"] != 151.0 {
		t.Errorf("changed price missing from delta: %v", u.Changes)
	}
	if _, ok := u.Changes["company_name"]; ok {
		t.Errorf("unchanged field should not appear in delta")
	}
	if _, ok := u.Changes["timestamp"]; ok {
		t.Errorf("timestamp never appears in changes")
	}
	if u.Timestamp != "t2" {
		t.Errorf("delta should carry the new timestamp, got %s", u.Timestamp)
	}
}

func TestEncodeDelta_TimestampOnlyIsHeartbeat(t *testing.T) {
	c := codec.New(zap.NewNop())

	c.EncodeFull("AAPL", sampleFields(150.0, "t1"))
	u := c.EncodeDelta("AAPL", sampleFields(150.0, "t2"))

	if u.Type != codec.TypeHeartbeat {
		t.Errorf("Expected heartbeat when only timestamp changed, got %s", u.Type)
	}
	if u.Data != nil || u.Changes != nil {
		t.Errorf("heartbeat carries no data")
	}
}

func TestEncodeDelta_ComparesAgainstLatest(t *testing.T) {
	c := codec.New(zap.NewNop())

	c.EncodeFull("AAPL", sampleFields(150.0, "t1"))
	c.EncodeDelta("AAPL", sampleFields(151.0, "t2"))
	// Same price as previous delta: baseline moved, so nothing changed
	u := c.EncodeDelta("AAPL", sampleFields(151.0, "t3"))

	if u.Type != codec.TypeHeartbeat {
		t.Errorf("baseline should advance on every encode, got %s", u.Type)
	}
}

func TestBaselines_TrackedPerSymbol(t *testing.T) {
	c := codec.New(zap.NewNop())

	if c.HasBaseline("AAPL") {
		t.Errorf("no baseline before first full update")
	}
	c.EncodeFull("AAPL", sampleFields(150.0, "t1"))
	if !c.HasBaseline("AAPL") {
		t.Errorf("full update should establish a baseline")
	}
	if c.HasBaseline("TSLA") {
		t.Errorf("baselines are per symbol")
	}

	c.ClearBaselines()
	if c.HasBaseline("AAPL") {
		t.Errorf("ClearBaselines should drop all baselines")
	}
}

func TestPackFields_RoundTrip(t *testing.T) {
	c := codec.New(zap.NewNop())

	packed := c.PackFields(sampleFields(150.456, "t1"))
	restored, err := c.UnpackFields(packed)
	if err != nil {
		t.Fatalf("UnpackFields failed: %v", err)
	}

	if restored["symbol"] != "AAPL" {
		t.Errorf("symbol lost in round trip: %v", restored["symbol"])
	}
	if restored["current_price"] != 150.46 {
		t.Errorf("expected rounded price 150.46, got %v", restored["current_price"])
	}
	if _, ok := restored["s"]; ok {
		t.Errorf("aliases should not leak out of UnpackFields")
	}
}

func TestPackBatch_RoundTrip(t *testing.T) {
	c := codec.New(zap.NewNop())

	u1 := c.EncodeFull("AAPL", sampleFields(150.0, "t1"))
	u2 := c.EncodeFull("TSLA", map[string]interface{}{
		"symbol": "TSLA", "current_price": 700.0, "timestamp": "t1",
	})

	packed, err := c.PackBatch([]codec.Update{u1, u2})
	if err != nil {
		t.Fatalf("PackBatch failed: %v", err)
	}

	updates, err := c.UnpackBatch(packed)
	if err != nil {
		t.Fatalf("UnpackBatch failed: %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("Expected 2 updates, got %d", len(updates))
	}
	if updates[0]["symbol"] != "AAPL" || updates[1]["symbol"] != "TSLA" {
		t.Errorf("batch order or symbols lost: %v", updates)
	}
	if updates[0]["type"] != codec.TypeFull {
		t.Errorf("update type lost in batch round trip: %v", updates[0]["type"])
	}
}

func TestStats_Accounting(t *testing.T) {
	c := codec.New(zap.NewNop())

	c.EncodeFull("AAPL", sampleFields(150.0, "t1"))
	c.EncodeDelta("AAPL", sampleFields(151.0, "t2"))
	c.PackFields(sampleFields(151.0, "t2"))

	s := c.Stats()
	if s.FullUpdates != 1 {
		t.Errorf("Expected 1 full update, got %d", s.FullUpdates)
	}
	if s.DeltaUpdates != 1 {
		t.Errorf("Expected 1 delta update, got %d", s.DeltaUpdates)
	}
	if s.TotalCompressions != 1 {
		t.Errorf("Expected 1 compression, got %d", s.TotalCompressions)
	}
	if s.TotalOriginalSize <= 0 || s.TotalCompressedSize <= 0 {
		t.Errorf("size accounting missing: %+v", s)
	}

	c.ResetStats()
	if s := c.Stats(); s.TotalCompressions != 0 || s.FullUpdates != 0 {
		t.Errorf("ResetStats should zero counters: %+v", s)
	}
}

func TestGzip_RoundTrip(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")
	zipped, err := codec.Gzip(payload)
	if err != nil {
		t.Fatalf("Gzip failed: %v", err)
	}
	out, err := codec.Gunzip(zipped)
	if err != nil {
		t.Fatalf("Gunzip failed: %v", err)
	}
	if string(out) != string(payload) {
		t.Errorf("gzip round trip corrupted payload")
	}
}
