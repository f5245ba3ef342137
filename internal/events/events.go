// Package events publishes lifecycle step transitions for observability.
// The engine emits one event per state change; consumers (dashboards,
// alerting) subscribe via Kafka, or stdio in dev pipelines.
package events

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	DriverKafka  = "kafka"
	DriverStdio  = "stdio"
	DriverMemory = "memory"

	DefaultTopic = "veil.intent.steps"
)

var ErrInvalidConfig = errors.New("events: invalid config")

// StepEvent is the wire record for one lifecycle transition.
type StepEvent struct {
	Version string `json:"version"`

	IntentID  string `json:"intentId"`
	Kind      string `json:"kind"`
	State     string `json:"state"`
	FaultKind string `json:"faultKind,omitempty"`
	TxHash    string `json:"txHash,omitempty"`

	At time.Time `json:"at"`
}

const StepEventVersionV1 = "v1"

// Publisher emits step events. Implementations must be safe for use from
// a single engine goroutine; Publish failures must never stall the
// lifecycle itself (the engine logs and continues).
type Publisher interface {
	Publish(ctx context.Context, ev StepEvent) error
	Close() error
}

type Config struct {
	Driver string
	Topic  string

	// Kafka fields.
	Brokers      []string
	BatchTimeout time.Duration
	TLS          bool

	// Stdio fields.
	Writer io.Writer
}

func New(cfg Config) (Publisher, error) {
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		topic = DefaultTopic
	}
	switch strings.TrimSpace(strings.ToLower(cfg.Driver)) {
	case DriverKafka:
		return newKafkaPublisher(cfg, topic)
	case DriverStdio, "":
		return newStdioPublisher(cfg), nil
	case DriverMemory:
		return NewMemoryPublisher(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

type kafkaPublisher struct {
	writer *kafka.Writer
	topic  string
}

func newKafkaPublisher(cfg Config, topic string) (*kafkaPublisher, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka publisher requires at least one broker", ErrInvalidConfig)
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 100 * time.Millisecond
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: batchTimeout,
		RequiredAcks: kafka.RequireOne,
	}
	if cfg.TLS {
		w.Transport = &kafka.Transport{
			TLS: &tls.Config{MinVersion: tls.VersionTLS12},
		}
	}
	return &kafkaPublisher{writer: w, topic: topic}, nil
}

func (p *kafkaPublisher) Publish(ctx context.Context, ev StepEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal step event: %w", err)
	}
	// Key by intent id so all steps of one intent land in one partition,
	// preserving order for consumers.
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.IntentID),
		Value: payload,
	})
}

func (p *kafkaPublisher) Close() error { return p.writer.Close() }

type stdioPublisher struct {
	mu sync.Mutex
	w  io.Writer
}

func newStdioPublisher(cfg Config) *stdioPublisher {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	return &stdioPublisher{w: w}
}

func (p *stdioPublisher) Publish(_ context.Context, ev StepEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal step event: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.w.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("events: write step event: %w", err)
	}
	return nil
}

func (p *stdioPublisher) Close() error { return nil }

// MemoryPublisher records events for tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []StepEvent
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) Publish(_ context.Context, ev StepEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *MemoryPublisher) Close() error { return nil }

func (p *MemoryPublisher) Events() []StepEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]StepEvent(nil), p.events...)
}
