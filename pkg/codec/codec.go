// Package codec minimizes bytes on the wire for quote updates: field-name
// remapping, delta encoding against a per-symbol baseline, and
// msgpack+gzip packing with a JSON fallback.
package codec

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"math"
	"reflect"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// Update message types on the push channel.
const (
	TypeFull      = "full"
	TypeDelta     = "delta"
	TypeHeartbeat = "heartbeat"
	TypeBatch     = "batch"
)

// fieldAliases maps long field names to short wire aliases inside packed
// payloads. Uncompressed JSON messages always carry the original names.
var fieldAliases = map[string]string{
	"symbol":         "s",
	"company_name":   "cn",
	"current_price":  "cp",
	"change":         "c",
	"percent_change": "pc",
	"volume":         "v",
	"timestamp":      "t",
	"bid_price":      "bp",
	"ask_price":      "ap",
	"high":           "h",
	"low":            "l",
}

var reverseAliases = func() map[string]string {
	m := make(map[string]string, len(fieldAliases))
	for long, short := range fieldAliases {
		m[short] = long
	}
	return m
}()

// priceFields are rounded to 2 decimals inside packed payloads;
// percent_change gets 3.
var priceFields = map[string]bool{
	"current_price": true,
	"change":        true,
	"bid_price":     true,
	"ask_price":     true,
	"high":          true,
	"low":           true,
}

// Update is a single encoded quote update. Exactly one of Data (full) or
// Changes (delta) is set; heartbeats carry neither.
type Update struct {
	Symbol    string                 `json:"symbol" msgpack:"symbol"`
	Type      string                 `json:"type" msgpack:"type"`
	Timestamp string                 `json:"timestamp" msgpack:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty" msgpack:"data,omitempty"`
	Changes   map[string]interface{} `json:"changes,omitempty" msgpack:"changes,omitempty"`
}

func (u Update) toMap() map[string]interface{} {
	m := map[string]interface{}{
		"symbol":    u.Symbol,
		"type":      u.Type,
		"timestamp": u.Timestamp,
	}
	if u.Data != nil {
		m["data"] = u.Data
	}
	if u.Changes != nil {
		m["changes"] = u.Changes
	}
	return m
}

// Stats is a snapshot of the codec's compression accounting.
type Stats struct {
	TotalCompressions   int64   `json:"total_compressions"`
	TotalOriginalSize   int64   `json:"total_original_size"`
	TotalCompressedSize int64   `json:"total_compressed_size"`
	DeltaUpdates        int64   `json:"delta_updates"`
	FullUpdates         int64   `json:"full_updates"`
	AvgCompressionRatio float64 `json:"average_compression_ratio"`
}

// Codec encodes quote updates. The per-symbol delta baseline is shared by
// all callers and serialized by a single mutex; baselines grow with the
// symbol universe, so long-running processes call ClearBaselines on their
// eviction schedule.
type Codec struct {
	logger *zap.Logger

	mu        sync.Mutex
	baselines map[string]map[string]interface{}

	statsMu           sync.Mutex
	totalCompressions int64
	originalSize      int64
	compressedSize    int64
	deltaUpdates      int64
	fullUpdates       int64
}

func New(logger *zap.Logger) *Codec {
	return &Codec{
		logger:    logger,
		baselines: make(map[string]map[string]interface{}),
	}
}

// Optimize renames fields to their short aliases, rounds float precision per
// field class and drops absent (nil) values. Deterministic and reversible
// via Restore.
func Optimize(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for key, value := range fields {
		if value == nil {
			continue
		}
		short, ok := fieldAliases[key]
		if !ok {
			short = key
		}
		if f, isFloat := value.(float64); isFloat {
			switch {
			case priceFields[key]:
				out[short] = roundTo(f, 2)
			case key == "percent_change":
				out[short] = roundTo(f, 3)
			default:
				out[short] = f
			}
			continue
		}
		out[short] = value
	}
	return out
}

// Restore is the inverse of Optimize. Unknown keys pass through unchanged so
// newer producers stay readable.
func Restore(optimized map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(optimized))
	for key, value := range optimized {
		long, ok := reverseAliases[key]
		if !ok {
			long = key
		}
		out[long] = value
	}
	return out
}

// EncodeFull builds a full update and resets the symbol's delta baseline.
func (c *Codec) EncodeFull(symbol string, fields map[string]interface{}) Update {
	u := Update{
		Symbol:    symbol,
		Type:      TypeFull,
		Timestamp: timestampOf(fields),
		Data:      copyMap(fields),
	}

	c.mu.Lock()
	c.baselines[symbol] = copyMap(fields)
	c.mu.Unlock()

	c.statsMu.Lock()
	c.fullUpdates++
	c.statsMu.Unlock()

	return u
}

// EncodeDelta compares the new fields against the symbol's baseline and
// emits only the changed ones. The timestamp is always carried. When nothing
// but the timestamp changed the result is a heartbeat. The baseline is
// replaced by the new fields either way (last write wins).
func (c *Codec) EncodeDelta(symbol string, fields map[string]interface{}) Update {
	c.mu.Lock()
	previous := c.baselines[symbol]
	c.baselines[symbol] = copyMap(fields)
	c.mu.Unlock()

	changes := make(map[string]interface{})
	for key, value := range fields {
		if key == "timestamp" {
			continue
		}
		// Exact equality, no float tolerance. Rounding is applied only
		// inside packed payloads, so both sides compare unrounded.
		if !reflect.DeepEqual(previous[key], value) {
			changes[key] = value
		}
	}

	if len(changes) == 0 {
		return Update{
			Symbol:    symbol,
			Type:      TypeHeartbeat,
			Timestamp: timestampOf(fields),
		}
	}

	c.statsMu.Lock()
	c.deltaUpdates++
	c.statsMu.Unlock()

	return Update{
		Symbol:    symbol,
		Type:      TypeDelta,
		Timestamp: timestampOf(fields),
		Changes:   changes,
	}
}

// HasBaseline reports whether a delta baseline exists for the symbol.
func (c *Codec) HasBaseline(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.baselines[symbol]
	return ok
}

// ClearBaselines drops all delta baselines. Subsequent deltas fall back to
// full field sets.
func (c *Codec) ClearBaselines() {
	c.mu.Lock()
	c.baselines = make(map[string]map[string]interface{})
	c.mu.Unlock()
}

// Pack serializes v with msgpack. On failure it degrades to JSON, and as a
// last resort emits a structured error envelope so the pipeline never drops
// a message on a serialization bug.
func (c *Codec) Pack(v interface{}) []byte {
	packed, err := msgpack.Marshal(v)
	if err == nil {
		c.recordCompression(v, len(packed))
		return packed
	}
	c.logger.Error("msgpack encode failed, falling back to JSON", zap.Error(err))

	jb, jerr := json.Marshal(v)
	if jerr == nil {
		c.recordCompression(v, len(jb))
		return jb
	}
	c.logger.Error("JSON fallback failed", zap.Error(jerr))

	envelope, _ := json.Marshal(map[string]string{
		"error":     "compression_failed",
		"message":   err.Error(),
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
	return envelope
}

// Unpack decodes a Pack payload: msgpack first, JSON fallback.
func (c *Codec) Unpack(b []byte) (map[string]interface{}, error) {
	var m map[string]interface{}
	if err := msgpack.Unmarshal(b, &m); err == nil {
		return m, nil
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// PackFields optimizes a quote field map and packs it.
func (c *Codec) PackFields(fields map[string]interface{}) []byte {
	return c.Pack(Optimize(fields))
}

// UnpackFields inverts PackFields.
func (c *Codec) UnpackFields(b []byte) (map[string]interface{}, error) {
	m, err := c.Unpack(b)
	if err != nil {
		return nil, err
	}
	return Restore(m), nil
}

// PackUpdate packs a single update with top-level alias optimization.
func (c *Codec) PackUpdate(u Update) []byte {
	return c.Pack(Optimize(u.toMap()))
}

// PackBatch wraps updates in a batch envelope and packs it gzipped for the
// better cross-update compression ratio.
func (c *Codec) PackBatch(updates []Update) ([]byte, error) {
	items := make([]map[string]interface{}, 0, len(updates))
	for _, u := range updates {
		items = append(items, Optimize(u.toMap()))
	}
	envelope := map[string]interface{}{
		"type":      TypeBatch,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"count":     len(updates),
		"updates":   items,
	}
	return Gzip(c.Pack(Optimize(envelope)))
}

// UnpackBatch inverts PackBatch and returns the restored update maps.
func (c *Codec) UnpackBatch(b []byte) ([]map[string]interface{}, error) {
	raw, err := Gunzip(b)
	if err != nil {
		return nil, err
	}
	envelope, err := c.Unpack(raw)
	if err != nil {
		return nil, err
	}
	restored := Restore(envelope)
	items, _ := restored["updates"].([]interface{})
	out := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		if m, ok := toStringMap(item); ok {
			out = append(out, Restore(m))
		}
	}
	return out, nil
}

// Gzip deflates packed bytes for batch payloads.
func Gzip(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func Gunzip(b []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Stats returns the compression accounting. Average ratio is
// 1 - compressed/original over all Pack calls.
func (c *Codec) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	s := Stats{
		TotalCompressions:   c.totalCompressions,
		TotalOriginalSize:   c.originalSize,
		TotalCompressedSize: c.compressedSize,
		DeltaUpdates:        c.deltaUpdates,
		FullUpdates:         c.fullUpdates,
	}
	if c.originalSize > 0 {
		s.AvgCompressionRatio = 1 - float64(c.compressedSize)/float64(c.originalSize)
	}
	return s
}

// ResetStats zeroes the accounting counters. Baselines are untouched.
func (c *Codec) ResetStats() {
	c.statsMu.Lock()
	c.totalCompressions = 0
	c.originalSize = 0
	c.compressedSize = 0
	c.deltaUpdates = 0
	c.fullUpdates = 0
	c.statsMu.Unlock()
}

func (c *Codec) recordCompression(v interface{}, compressed int) {
	original, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.statsMu.Lock()
	c.totalCompressions++
	c.originalSize += int64(len(original))
	c.compressedSize += int64(compressed)
	c.statsMu.Unlock()
}

func timestampOf(fields map[string]interface{}) string {
	if ts, ok := fields["timestamp"].(string); ok {
		return ts
	}
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func toStringMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	}
	return nil, false
}

func roundTo(f float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(f*scale) / scale
}
