package testutils

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/shubham-shewale/quote-pipeline/cmd/distributor/internal/protocol"
	"github.com/shubham-shewale/quote-pipeline/pkg/models"
)

// MockClient simulates a connected websocket client
type MockClient struct {
	IDVal    string
	Messages []interface{} // Everything passed to SendJSON, in order
	RawBytes []string      // Raw frames passed to SendBytes
	Closed   bool
	Mu       sync.Mutex
}

func NewMockClient(id string) *MockClient {
	return &MockClient{IDVal: id, Messages: make([]interface{}, 0)}
}

func (m *MockClient) ID() string { return m.IDVal }

func (m *MockClient) Close() {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Closed = true
}

func (m *MockClient) SendJSON(v interface{}) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Messages = append(m.Messages, v)
}

func (m *MockClient) SendBytes(b []byte) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.RawBytes = append(m.RawBytes, string(b))
}

// Responses filters the sent messages down to WSResponse values.
func (m *MockClient) Responses() []protocol.WSResponse {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	var out []protocol.WSResponse
	for _, msg := range m.Messages {
		if resp, ok := msg.(protocol.WSResponse); ok {
			out = append(out, resp)
		}
	}
	return out
}

// Pushes filters the sent messages down to PushMessage values.
func (m *MockClient) Pushes() []protocol.PushMessage {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	var out []protocol.PushMessage
	for _, msg := range m.Messages {
		if push, ok := msg.(protocol.PushMessage); ok {
			out = append(out, push)
		}
	}
	return out
}

func (m *MockClient) LastResponseType() string {
	resps := m.Responses()
	if len(resps) == 0 {
		return ""
	}
	return resps[len(resps)-1].Type
}

// MockStore simulates the Redis-backed quote store.
type MockStore struct {
	Quotes             map[string][]byte
	TTLs               map[string]time.Duration
	Published          map[string][]string // symbol -> published payloads
	SubscribedChannels map[string]int      // symbol -> count
	FailWrites         bool
	Mu                 sync.Mutex
}

func NewMockStore() *MockStore {
	return &MockStore{
		Quotes:             make(map[string][]byte),
		TTLs:               make(map[string]time.Duration),
		Published:          make(map[string][]string),
		SubscribedChannels: make(map[string]int),
	}
}

func (m *MockStore) SetQuote(ctx context.Context, symbol string, payload []byte, ttl time.Duration) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.FailWrites {
		return context.DeadlineExceeded
	}
	m.Quotes[symbol] = append([]byte(nil), payload...)
	m.TTLs[symbol] = ttl
	return nil
}

func (m *MockStore) SetAndPublish(ctx context.Context, symbol string, payload []byte, ttl time.Duration) error {
	if err := m.SetQuote(ctx, symbol, payload, ttl); err != nil {
		return err
	}
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Published[symbol] = append(m.Published[symbol], string(payload))
	return nil
}

func (m *MockStore) GetQuote(ctx context.Context, symbol string) ([]byte, bool, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	b, ok := m.Quotes[symbol]
	return b, ok, nil
}

func (m *MockStore) GetSnapshots(ctx context.Context, symbols []string) ([]string, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	var out []string
	for _, s := range symbols {
		if b, ok := m.Quotes[s]; ok {
			out = append(out, string(b))
		}
	}
	return out, nil
}

func (m *MockStore) DeleteQuote(ctx context.Context, symbol string) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	delete(m.Quotes, symbol)
	delete(m.TTLs, symbol)
	return nil
}

func (m *MockStore) Exists(ctx context.Context, symbol string) (bool, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	_, ok := m.Quotes[symbol]
	return ok, nil
}

func (m *MockStore) TTL(ctx context.Context, symbol string) (time.Duration, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.TTLs[symbol], nil
}

func (m *MockStore) SubscribeToFeed(ctx context.Context, symbol string) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.SubscribedChannels[symbol]++
	return nil
}

func (m *MockStore) UnsubscribeFromFeed(ctx context.Context, symbol string) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.SubscribedChannels[symbol]--
	if m.SubscribedChannels[symbol] <= 0 {
		delete(m.SubscribedChannels, symbol)
	}
	return nil
}

func (m *MockStore) RunPubSub(ctx context.Context, onMessage func(symbol string, payload string)) {
	// No-op for unit tests
}

func (m *MockStore) Close() error { return nil }

// MockSource scripts per-symbol fetch outcomes. Each Fetch for a symbol
// consumes the next scripted result; when the script runs out the last
// result repeats.
type MockSource struct {
	Results map[string][]FetchResult
	Calls   map[string]int
	Mu      sync.Mutex
}

type FetchResult struct {
	Quote *models.Quote
	Err   error
}

func NewMockSource() *MockSource {
	return &MockSource{
		Results: make(map[string][]FetchResult),
		Calls:   make(map[string]int),
	}
}

// Script queues results for a symbol in order.
func (m *MockSource) Script(symbol string, results ...FetchResult) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Results[symbol] = append(m.Results[symbol], results...)
}

func (m *MockSource) Fetch(ctx context.Context, symbol string) (*models.Quote, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()

	idx := m.Calls[symbol]
	m.Calls[symbol]++

	script := m.Results[symbol]
	if len(script) == 0 {
		return nil, context.DeadlineExceeded
	}
	if idx >= len(script) {
		idx = len(script) - 1
	}
	r := script[idx]
	return r.Quote, r.Err
}

func (m *MockSource) Close() error { return nil }

// MockClock makes retry backoff and due-time logic deterministic.
type MockClock struct {
	Current time.Time
	Slept   []time.Duration
	Mu      sync.Mutex
}

func NewMockClock(start time.Time) *MockClock {
	return &MockClock{Current: start}
}

func (m *MockClock) Now() time.Time {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.Current
}

func (m *MockClock) Sleep(d time.Duration) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Slept = append(m.Slept, d)
	m.Current = m.Current.Add(d)
}

func (m *MockClock) Advance(d time.Duration) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Current = m.Current.Add(d)
}

// MockKafkaReader feeds scripted messages then blocks until cancellation.
type MockKafkaReader struct {
	Msgs   []kafka.Message
	Mu     sync.Mutex
	Closed bool
}

func (m *MockKafkaReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	m.Mu.Lock()
	if len(m.Msgs) > 0 {
		msg := m.Msgs[0]
		m.Msgs = m.Msgs[1:]
		m.Mu.Unlock()
		return msg, nil
	}
	m.Mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (m *MockKafkaReader) Close() error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Closed = true
	return nil
}

func AssertTrue(t *testing.T, condition bool, msg string) {
	if !condition {
		t.Errorf("Assertion failed: %s", msg)
	}
}
