package bus

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/r3e-network/agent-sentinel/internal/event"
	"github.com/r3e-network/agent-sentinel/pkg/metrics"
	"github.com/r3e-network/agent-sentinel/pkg/svcerrors"
)

const defaultMemberCapacity = 1024

// MockBus is the in-process, unbounded-looking (but individually capacity-
// limited) bus variant used for tests and single-host development
//. It is a first-class mode, not a test-only hack: every
// operation is exercisable without external infrastructure.
type MockBus struct {
	mu       sync.Mutex
	topics   map[string]*topicState
	capacity int
	metrics  *metrics.Metrics

	// recent retains the last N published envelopes across all topics for the
	// admin API's live-tail websocket endpoint; it is a diagnostic
	// convenience, not part of the Bus contract's delivery guarantee.
	recent *lru.Cache[string, *event.Envelope]
}

type topicState struct {
	groups map[string]*groupState
}

type groupState struct {
	members []chan *event.Envelope
	next    int
}

// NewMockBus creates a MockBus with the default per-subscriber channel
// capacity and a recent-event retention window of size recentWindow (used
// only by the admin live-tail; pass 0 to disable it).
func NewMockBus(recentWindow int) *MockBus {
	b := &MockBus{
		topics:   make(map[string]*topicState),
		capacity: defaultMemberCapacity,
		metrics:  metrics.Global(),
	}
	if recentWindow > 0 {
		cache, err := lru.New[string, *event.Envelope](recentWindow)
		if err == nil {
			b.recent = cache
		}
	}
	return b
}

func (b *MockBus) topicLocked(topic string) *topicState {
	ts, ok := b.topics[topic]
	if !ok {
		ts = &topicState{groups: make(map[string]*groupState)}
		b.topics[topic] = ts
	}
	return ts
}

// Publish implements Bus. Delivery within one (producer, topic) pair
// preserves publish order because the whole fan-out runs under one lock.
func (b *MockBus) Publish(_ context.Context, topic string, env *event.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ts := b.topicLocked(topic)

	// Two-phase: pick a target member per group and verify headroom before
	// sending to any of them, so a saturated group never causes a partial
	// delivery to the others.
	targets := make([]chan *event.Envelope, 0, len(ts.groups))
	for _, g := range ts.groups {
		if len(g.members) == 0 {
			continue
		}
		member := g.members[g.next%len(g.members)]
		if len(member) >= b.capacity {
			b.metrics.BusPublishFails.WithLabelValues(topic, "full").Inc()
			return svcerrors.Full(topic)
		}
		targets = append(targets, member)
	}

	for _, g := range ts.groups {
		if len(g.members) == 0 {
			continue
		}
		g.next = (g.next + 1) % len(g.members)
	}

	for _, ch := range targets {
		ch <- env
	}

	if b.recent != nil {
		b.recent.Add(env.ID, env)
	}
	b.metrics.BusPublishTotal.WithLabelValues(topic).Inc()
	return nil
}

// Subscribe implements Bus.
func (b *MockBus) Subscribe(_ context.Context, topic, consumerGroup string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ts := b.topicLocked(topic)
	g, ok := ts.groups[consumerGroup]
	if !ok {
		g = &groupState{}
		ts.groups[consumerGroup] = g
	}

	ch := make(chan *event.Envelope, b.capacity)
	g.members = append(g.members, ch)

	sub := &Subscription{
		topic: topic,
		group: consumerGroup,
		ch:    ch,
		closed: make(chan struct{}),
	}
	sub.unsubscribe = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		removeMember(g, ch)
	}
	return sub, nil
}

func removeMember(g *groupState, target chan *event.Envelope) {
	for i, m := range g.members {
		if m == target {
			g.members = append(g.members[:i], g.members[i+1:]...)
			if g.next > len(g.members) {
				g.next = 0
			}
			close(m)
			return
		}
	}
}

// RequestReply implements Bus as a convenience over Publish/Subscribe,
// correlating the reply by meta.intent_id == env.ID.
func (b *MockBus) RequestReply(ctx context.Context, topic string, env *event.Envelope, timeout time.Duration) (*event.Envelope, error) {
	replyTopic := topic + "-reply"
	sub, err := b.Subscribe(ctx, replyTopic, "request-reply-"+env.ID)
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	if err := b.Publish(ctx, topic, env); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case reply, ok := <-sub.Events():
			if !ok {
				return nil, timeoutError(topic)
			}
			if reply.Meta.IntentID == env.ID {
				return reply, nil
			}
		case <-timer.C:
			return nil, timeoutError(topic)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func timeoutError(topic string) error {
	return svcerrors.New(svcerrors.ErrCodeTimeout, "request_reply timed out").WithDetails("topic", topic)
}

// Close implements Bus; it closes every subscriber channel across every
// topic and group.
func (b *MockBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ts := range b.topics {
		for _, g := range ts.groups {
			for _, m := range g.members {
				close(m)
			}
			g.members = nil
		}
	}
	return nil
}

// Recent returns up to n of the most recently published envelopes across
// all topics, newest first, for the admin API's diagnostic surface.
func (b *MockBus) Recent(n int) []*event.Envelope {
	if b.recent == nil {
		return nil
	}
	keys := b.recent.Keys()
	out := make([]*event.Envelope, 0, n)
	for i := len(keys) - 1; i >= 0 && len(out) < n; i-- {
		if env, ok := b.recent.Get(keys[i]); ok {
			out = append(out, env)
		}
	}
	return out
}
