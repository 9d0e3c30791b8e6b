package testutils

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/shubham-shewale/quote-pipeline/cmd/sourcesim/internal/sim"
)

type MockKafkaWriter struct {
	Messages []kafka.Message
	Mu       sync.Mutex
}

func (m *MockKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Messages = append(m.Messages, msgs...)
	return nil
}

func (m *MockKafkaWriter) Close() error { return nil }

// MockRand returns fixed values for deterministic walks
type MockRand struct {
	ValInt   int
	ValFloat float64
}

func (m *MockRand) Intn(n int) int   { return m.ValInt }
func (m *MockRand) Float64() float64 { return m.ValFloat }

type MockClock struct {
	CurrentTime time.Time
	Mu          sync.Mutex
}

func (m *MockClock) Now() time.Time {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.CurrentTime
}

func (m *MockClock) Sleep(d time.Duration) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.CurrentTime = m.CurrentTime.Add(d)
}

// MockKafkaConn spies on topic administration calls
type MockKafkaConn struct {
	CreatedTopics []string
	Mu            sync.Mutex
}

func (c *MockKafkaConn) Controller() (kafka.Broker, error) {
	return kafka.Broker{Host: "localhost", Port: 9092}, nil
}

func (c *MockKafkaConn) Close() error { return nil }

func (c *MockKafkaConn) CreateTopics(topics ...kafka.TopicConfig) error {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	for _, t := range topics {
		c.CreatedTopics = append(c.CreatedTopics, t.Topic)
	}
	return nil
}

func (c *MockKafkaConn) ReadPartitions(topics ...string) ([]kafka.Partition, error) {
	return []kafka.Partition{{ID: 0}}, nil
}

type MockKafkaDialer struct {
	ConnSpy *MockKafkaConn
}

func (d *MockKafkaDialer) DialContext(ctx context.Context, network, address string) (sim.KafkaConn, error) {
	if d.ConnSpy == nil {
		d.ConnSpy = &MockKafkaConn{}
	}
	return d.ConnSpy, nil
}
