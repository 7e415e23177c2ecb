// Package event defines the canonical event envelope shared by every
// coordination-substrate component: an immutable value
// type plus a deterministic codec to its wire JSON form.
package event

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Type discriminates the envelope's payload schema. The set is closed.
type Type string

const (
	TypeToolCall       Type = "tool_call"
	TypeStateChange    Type = "state_change"
	TypeCompletion     Type = "completion"
	TypeError          Type = "error"
	TypeCheckpoint     Type = "checkpoint"
	TypeSessionSummary Type = "session_summary"
)

func (t Type) valid() bool {
	switch t {
	case TypeToolCall, TypeStateChange, TypeCompletion, TypeError, TypeCheckpoint, TypeSessionSummary:
		return true
	default:
		return false
	}
}

// Timestamp carries both a process-monotonic ordinal (for within-producer
// ordering) and a wall-clock instant (for human audit).
type Timestamp struct {
	Monotonic int64
	Wall      time.Time
}

// Meta carries producer-supplied linkage and accounting fields.
type Meta struct {
	SessionID      string
	CreditsUsed    int
	ContextHash    string
	IntentID       string
	ParentIntentID string
}

// Envelope is the immutable event value. Construct with New; never mutate a
// constructed Envelope.
type Envelope struct {
	ID        string
	Type      Type
	Timestamp Timestamp
	Agent     string
	Payload   Payload
	Meta      Meta
	Polarity  *float64
}

// Clock issues strictly non-decreasing monotonic ordinals per producer
// (agent name), satisfying "timestamp.monotonic non-decreasing within one
// producer" without depending on wall-clock resolution or Go's opaque
// monotonic reading, which does not survive a deterministic canonical
// encoding.
type Clock struct {
	mu       sync.Mutex
	counters map[string]*int64
}

// NewClock creates an empty per-producer monotonic clock.
func NewClock() *Clock {
	return &Clock{counters: make(map[string]*int64)}
}

// Next returns the next monotonic ordinal for the given producer.
func (c *Clock) Next(producer string) int64 {
	c.mu.Lock()
	counter, ok := c.counters[producer]
	if !ok {
		counter = new(int64)
		c.counters[producer] = counter
	}
	c.mu.Unlock()
	return atomic.AddInt64(counter, 1)
}

// New constructs a validated Envelope. It is the only way to obtain one
// outside of Decode, so every in-process Envelope satisfies its invariants:
// credits_used >= 0, unique id, non-decreasing monotonic timestamp per
// producer, polarity in [-1,1] when present.
func New(clock *Clock, typ Type, agent string, payload Payload, meta Meta, polarity *float64) (*Envelope, error) {
	if !typ.valid() {
		return nil, fmt.Errorf("event: unknown type %q", typ)
	}
	if meta.CreditsUsed < 0 {
		return nil, fmt.Errorf("event: credits_used must be >= 0, got %d", meta.CreditsUsed)
	}
	if polarity != nil && (*polarity < -1.0 || *polarity > 1.0) {
		return nil, fmt.Errorf("event: polarity must be in [-1,1], got %v", *polarity)
	}
	if agent == "" {
		return nil, fmt.Errorf("event: agent is required")
	}
	if payload == nil {
		return nil, fmt.Errorf("event: payload is required")
	}
	if payload.payloadType() != typ {
		return nil, fmt.Errorf("event: payload schema %q does not match type %q", payload.payloadType(), typ)
	}

	mono := int64(1)
	if clock != nil {
		mono = clock.Next(agent)
	}

	return &Envelope{
		ID:   uuid.NewString(),
		Type: typ,
		Timestamp: Timestamp{
			Monotonic: mono,
			Wall:      time.Now().UTC(),
		},
		Agent:    agent,
		Payload:  payload,
		Meta:     meta,
		Polarity: polarity,
	}, nil
}

// PolarityFromLegacyGarbageFlag bridges a legacy boolean "garbage" flag
// into the real-valued polarity field (true -> -1.0, false -> +0.5).
func PolarityFromLegacyGarbageFlag(garbage bool) float64 {
	if garbage {
		return -1.0
	}
	return 0.5
}

// PassesPolarityFilter reports whether e should be kept by a consumer
// filtering on threshold tau: events with no
// polarity always pass; events with polarity are kept when polarity >= tau.
func (e *Envelope) PassesPolarityFilter(tau float64) bool {
	if e.Polarity == nil {
		return true
	}
	return *e.Polarity >= tau
}
