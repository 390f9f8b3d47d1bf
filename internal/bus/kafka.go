package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/KafClaw/KafCoord/internal/coreerr"
	"github.com/KafClaw/KafCoord/internal/retry"
)

// TopicNames holds the Kafka topics used by one coordinator namespace.
type TopicNames struct {
	Events  string
	Reports string
}

// Topics returns the TopicNames for the given namespace prefix.
func Topics(prefix string) TopicNames {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "kafcoord"
	}
	return TopicNames{
		Events:  fmt.Sprintf("%s.events", prefix),
		Reports: fmt.Sprintf("%s.reports", prefix),
	}
}

// Report type constants for worker-to-coordinator messages.
const (
	ReportHeartbeat  = "heartbeat"
	ReportAccepted   = "accepted"
	ReportProcessing = "processing"
	ReportCompleted  = "completed"
	ReportFailed     = "failed"
)

// Report is the wire format external agents produce on the reports topic.
type Report struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	AgentID    string            `json:"agent_id"`
	TaskID     string            `json:"task_id,omitempty"`
	Payload    map[string]any    `json:"payload,omitempty"`
	Confidence float64           `json:"confidence,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Validate rejects reports that cannot be routed.
func (r Report) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: report id is required", coreerr.ErrInvalidInput)
	}
	if strings.TrimSpace(r.AgentID) == "" {
		return fmt.Errorf("%w: agent_id is required", coreerr.ErrInvalidInput)
	}
	switch r.Type {
	case ReportHeartbeat:
		return nil
	case ReportAccepted, ReportProcessing, ReportCompleted, ReportFailed:
		if strings.TrimSpace(r.TaskID) == "" {
			return fmt.Errorf("%w: task_id is required for %s", coreerr.ErrInvalidInput, r.Type)
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported report type %q", coreerr.ErrInvalidInput, r.Type)
	}
}

// DecodeReport parses and validates a raw report.
func DecodeReport(raw []byte) (Report, error) {
	var r Report
	if err := json.Unmarshal(raw, &r); err != nil {
		return Report{}, fmt.Errorf("%w: decode report: %v", coreerr.ErrInvalidInput, err)
	}
	if err := r.Validate(); err != nil {
		return Report{}, err
	}
	return r, nil
}

// Delivery is one raw record read from the reports topic.
type Delivery struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
}

// Consumer feeds report deliveries to the coordinator.
type Consumer interface {
	Start(ctx context.Context) error
	Messages() <-chan Delivery
	Close() error
}

// KafkaConsumer reads one topic as a member of a consumer group. Offsets are
// committed by the reader as records are handed out.
type KafkaConsumer struct {
	reader  *kafka.Reader
	out     chan Delivery
	started sync.Once
}

// NewKafkaConsumer joins group on topic.
func NewKafkaConsumer(brokers, group, topic string) *KafkaConsumer {
	return &KafkaConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        splitBrokers(brokers),
			Topic:          topic,
			GroupID:        group,
			MinBytes:       1,
			MaxBytes:       10e6,
			CommitInterval: time.Second,
		}),
		out: make(chan Delivery, 128),
	}
}

// Start launches the read loop. It runs until ctx ends or Close is called.
func (c *KafkaConsumer) Start(ctx context.Context) error {
	fresh := false
	c.started.Do(func() {
		fresh = true
		go c.pump(ctx)
	})
	if !fresh {
		return fmt.Errorf("kafka consumer for %s already started", c.reader.Config().Topic)
	}
	return nil
}

func (c *KafkaConsumer) pump(ctx context.Context) {
	topic := c.reader.Config().Topic
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			slog.Warn("Report read failed", "topic", topic, "error", err)
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}
		d := Delivery{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset, Key: msg.Key, Value: msg.Value}
		select {
		case c.out <- d:
		case <-ctx.Done():
			return
		}
	}
}

// Messages is never closed; the read loop exits with its context.
func (c *KafkaConsumer) Messages() <-chan Delivery { return c.out }

// Close leaves the group and stops the read loop.
func (c *KafkaConsumer) Close() error { return c.reader.Close() }

// ChannelConsumer is an in-process Consumer for agents embedded in the same
// binary, and for tests.
type ChannelConsumer struct {
	mu     sync.Mutex
	ch     chan Delivery
	next   int64
	closed bool
}

func NewChannelConsumer() *ChannelConsumer {
	return &ChannelConsumer{ch: make(chan Delivery, 128)}
}

func (c *ChannelConsumer) Start(context.Context) error { return nil }

func (c *ChannelConsumer) Messages() <-chan Delivery { return c.ch }

// Send enqueues value at the next offset. It fails once the consumer is closed.
func (c *ChannelConsumer) Send(topic string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.ch <- Delivery{Topic: topic, Offset: c.next, Value: value}
	c.next++
	return nil
}

// Close ends the stream after the queued deliveries drain.
func (c *ChannelConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
	return nil
}

func splitBrokers(raw string) []string {
	var out []string
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter builds a synchronous writer for topic.
func NewKafkaWriter(brokers, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(splitBrokers(brokers)...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
}

// KafkaPublisher mirrors bus events to a Kafka topic keyed by entity id, so all
// events for one entity land on one partition in order.
type KafkaPublisher struct {
	writer MessageWriter
	policy retry.Policy
	subID  string
	bus    *Bus
}

// NewKafkaPublisher wraps writer. A zero policy falls back to retry.DefaultPolicy.
func NewKafkaPublisher(writer MessageWriter, policy retry.Policy) *KafkaPublisher {
	if policy.Attempts <= 0 {
		policy = retry.DefaultPolicy()
	}
	return &KafkaPublisher{writer: writer, policy: policy}
}

// Forward writes one event, retrying leader/transport errors with backoff.
func (p *KafkaPublisher) Forward(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:     []byte(ev.EntityID),
		Value:   value,
		Headers: []kafka.Header{{Key: "event_type", Value: []byte(ev.Type)}},
		Time:    ev.Timestamp,
	}
	return retry.Do(ctx, "kafka.produce", p.policy, func(ctx context.Context) error {
		writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := p.writer.WriteMessages(writeCtx, msg); err != nil {
			return coreerr.Transient(fmt.Errorf("produce %s: %w", ev.Type, err))
		}
		return nil
	})
}

// Mirror subscribes to every event on b and forwards it until Stop.
func (p *KafkaPublisher) Mirror(ctx context.Context, b *Bus) {
	p.bus = b
	p.subID = b.Subscribe(func(ev Event) {
		if err := p.Forward(ctx, ev); err != nil {
			slog.Warn("Kafka mirror dropped event", "event_id", ev.ID, "event_type", ev.Type, "error", err)
		}
	})
}

// Stop ends mirroring and closes the writer.
func (p *KafkaPublisher) Stop() error {
	if p.bus != nil && p.subID != "" {
		p.bus.Unsubscribe(p.subID)
		p.subID = ""
	}
	return p.writer.Close()
}
