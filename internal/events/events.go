// Package events publishes operational events (dead letters, SLA alerts) to NSQ.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/impact_relay/internal/tracing"
)

// Publisher sends v as a JSON message on topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, v any) error
}

// Message is the wire envelope. Trace headers let consumers continue the trace.
type Message struct {
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
	Data         json.RawMessage   `json:"data"`
}

func encode(ctx context.Context, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return json.Marshal(Message{TraceHeaders: tracing.InjectHeaders(ctx), Data: data})
}

// NSQPublisher publishes through a single nsqd producer.
type NSQPublisher struct {
	prod *nsq.Producer
}

func NewNSQPublisher(addr string) (*NSQPublisher, error) {
	prod, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	prod.SetLoggerLevel(nsq.LogLevelWarning)
	return &NSQPublisher{prod: prod}, nil
}

func (p *NSQPublisher) Publish(ctx context.Context, topic string, v any) error {
	b, err := encode(ctx, v)
	if err != nil {
		return err
	}
	if err := p.prod.Publish(topic, b); err != nil {
		return fmt.Errorf("nsq publish %s: %w", topic, err)
	}
	return nil
}

func (p *NSQPublisher) Ping() error {
	return p.prod.Ping()
}

func (p *NSQPublisher) Stop() {
	p.prod.Stop()
}

// Nop drops every event. Used when NSQD_TCP_ADDR is unset.
type Nop struct{}

func (Nop) Publish(context.Context, string, any) error { return nil }

// Memory keeps published events in order; for tests and dry runs.
type Memory struct {
	mu       sync.Mutex
	messages []Recorded
}

type Recorded struct {
	Topic   string
	Message Message
}

func (m *Memory) Publish(ctx context.Context, topic string, v any) error {
	b, err := encode(ctx, v)
	if err != nil {
		return err
	}
	var msg Message
	if err := json.Unmarshal(b, &msg); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, Recorded{Topic: topic, Message: msg})
	return nil
}

// Messages returns the events published on topic.
func (m *Memory) Messages(topic string) []Recorded {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Recorded
	for _, r := range m.messages {
		if r.Topic == topic {
			out = append(out, r)
		}
	}
	return out
}

// Decode unmarshals the payload of a recorded or consumed message.
func Decode(body []byte, v any) (Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("decode envelope: %w", err)
	}
	if err := json.Unmarshal(msg.Data, v); err != nil {
		return msg, fmt.Errorf("decode event: %w", err)
	}
	return msg, nil
}
