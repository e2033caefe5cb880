// Package queue defines the messaging backbone used to publish canonical
// messages and consume send requests.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrClosed is returned after the broker connection was shut down.
var ErrClosed = errors.New("queue closed")

// Publisher emits a payload under a routing pattern. Delivery is at most once
// from the caller's perspective.
type Publisher interface {
	Publish(ctx context.Context, pattern string, payload any) error
}

// Consumer streams deliveries of queue with at most prefetch unacknowledged
// deliveries in flight. The channel closes when ctx ends or the broker goes
// away.
type Consumer interface {
	Consume(ctx context.Context, queue string, prefetch int) (<-chan Delivery, error)
}

// Delivery is one consumed message. Exactly one of Ack or Nack must be called.
type Delivery struct {
	ID      string
	Pattern string
	Data    json.RawMessage
	Ack     func() error
	Nack    func(requeue bool) error
}

// Envelope is the wire format shared with the downstream services:
// {"pattern": "...", "data": {...}}.
type Envelope struct {
	Pattern string          `json:"pattern"`
	Data    json.RawMessage `json:"data"`
	ID      string          `json:"id,omitempty"`
}

// Encode wraps payload into an envelope.
func Encode(pattern string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", pattern, err)
	}

	body, err := json.Marshal(Envelope{Pattern: pattern, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", pattern, err)
	}
	return body, nil
}

// Decode unwraps body. A JSON object without a pattern field is accepted as
// bare data with an empty pattern.
func Decode(body []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}

	if _, ok := fields["pattern"]; !ok {
		return Envelope{Data: json.RawMessage(body)}, nil
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}
