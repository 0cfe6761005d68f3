// Package pubsub publishes audit notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// EventTypeAttribute names the message attribute carrying the event type.
const EventTypeAttribute = "event_type"

// Publisher wraps a Pub/Sub topic.
type Publisher struct {
	topic      *pubsub.Topic
	propagator propagation.TextMapPropagator
}

// Option customizes a Publisher.
type Option func(*Publisher)

// WithPropagator overrides the global OpenTelemetry propagator.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(pub *Publisher) {
		if p != nil {
			pub.propagator = p
		}
	}
}

// New creates a Publisher for topic.
func New(topic *pubsub.Topic, opts ...Option) *Publisher {
	p := &Publisher{topic: topic, propagator: otel.GetTextMapPropagator()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish marshals payload to JSON and publishes it with the event type and the
// caller's trace context as attributes. It blocks until the server acks.
func (p *Publisher) Publish(ctx context.Context, eventType string, payload any) (string, error) {
	if p == nil || p.topic == nil {
		return "", fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: map[string]string{}}
	if eventType != "" {
		msg.Attributes[EventTypeAttribute] = eventType
	}
	p.propagator.Inject(ctx, attributeCarrier(msg.Attributes))

	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Stop flushes pending messages and stops the topic's background publisher.
func (p *Publisher) Stop() {
	if p == nil || p.topic == nil {
		return
	}
	p.topic.Stop()
}

// attributeCarrier adapts Pub/Sub attributes to propagation.TextMapCarrier.
type attributeCarrier map[string]string

func (c attributeCarrier) Get(key string) string {
	return c[key]
}

func (c attributeCarrier) Set(key, value string) {
	c[key] = value
}

func (c attributeCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
