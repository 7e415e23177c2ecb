// Package bus carries event envelopes from producers to topic subscribers
//. Two implementations — MockBus (in-process) and RedisBus
// (broker-backed) — satisfy the same Bus contract.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/r3e-network/agent-sentinel/internal/event"
)

// Bus is the contract shared by every message bus implementation.
type Bus interface {
	// Publish delivers env to topic. Ordering is guaranteed only within one
	// (producer, topic) pair. Returns an svcerrors.ErrCodeFull or
	// svcerrors.ErrCodeUnavailable error on failure.
	Publish(ctx context.Context, topic string, env *event.Envelope) error

	// Subscribe returns a live Subscription for topic within consumerGroup.
	// Subscribers in the same group split delivery between them; subscribers
	// in different groups each see every event.
	Subscribe(ctx context.Context, topic, consumerGroup string) (*Subscription, error)

	// RequestReply publishes env to topic and waits up to timeout for a
	// correlated reply on topic+"-reply" (matched on meta.intent_id ==
	// env.ID). Returns svcerrors.ErrCodeTimeout on expiry.
	RequestReply(ctx context.Context, topic string, env *event.Envelope, timeout time.Duration) (*event.Envelope, error)

	// Close releases all resources held by the bus.
	Close() error
}

// Subscription is a live, cancelable stream of envelopes for one topic and
// consumer group.
type Subscription struct {
	topic       string
	group       string
	ch          chan *event.Envelope
	unsubscribe func()
	closed      chan struct{}
	closeOnce   sync.Once
}

// Events returns the channel of delivered envelopes. It is closed when the
// subscription is closed.
func (s *Subscription) Events() <-chan *event.Envelope { return s.ch }

// Topic reports the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Group reports the consumer group.
func (s *Subscription) Group() string { return s.group }

// Close detaches the subscription; safe to call more than once.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
	})
	return nil
}
