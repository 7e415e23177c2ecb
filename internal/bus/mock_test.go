package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/agent-sentinel/internal/event"
)

func makeEnvelope(t *testing.T, clock *event.Clock, agent string) *event.Envelope {
	t.Helper()
	e, err := event.New(clock, event.TypeToolCall, agent, event.ToolCallPayload{Tool: "noop"}, event.Meta{SessionID: "s"}, nil)
	require.NoError(t, err)
	return e
}

func TestMockBusAtLeastOnceAcrossGroupMembers(t *testing.T) {
	b := NewMockBus(0)
	defer b.Close()
	ctx := context.Background()

	sub1, err := b.Subscribe(ctx, "T", "workers")
	require.NoError(t, err)
	sub2, err := b.Subscribe(ctx, "T", "workers")
	require.NoError(t, err)

	clock := event.NewClock()
	const total = 100
	for i := 0; i < total; i++ {
		require.NoError(t, b.Publish(ctx, "T", makeEnvelope(t, clock, "producer")))
	}

	seen := make(map[string]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	drain := func(sub *Subscription) {
		defer wg.Done()
		for {
			select {
			case e, ok := <-sub.Events():
				if !ok {
					return
				}
				mu.Lock()
				seen[e.ID] = true
				mu.Unlock()
			case <-time.After(200 * time.Millisecond):
				return
			}
		}
	}
	wg.Add(2)
	go drain(sub1)
	go drain(sub2)
	wg.Wait()

	assert.GreaterOrEqual(t, len(seen), total)
}

func TestMockBusDifferentGroupsEachSeeEveryEvent(t *testing.T) {
	b := NewMockBus(0)
	defer b.Close()
	ctx := context.Background()

	subA, err := b.Subscribe(ctx, "T", "group-a")
	require.NoError(t, err)
	subB, err := b.Subscribe(ctx, "T", "group-b")
	require.NoError(t, err)

	clock := event.NewClock()
	require.NoError(t, b.Publish(ctx, "T", makeEnvelope(t, clock, "producer")))

	select {
	case e := <-subA.Events():
		assert.NotNil(t, e)
	case <-time.After(time.Second):
		t.Fatal("group-a did not receive event")
	}
	select {
	case e := <-subB.Events():
		assert.NotNil(t, e)
	case <-time.After(time.Second):
		t.Fatal("group-b did not receive event")
	}
}

func TestMockBusPublishOrderPreservedPerProducerTopic(t *testing.T) {
	b := NewMockBus(0)
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "T", "g")
	require.NoError(t, err)

	clock := event.NewClock()
	var ids []string
	for i := 0; i < 10; i++ {
		e := makeEnvelope(t, clock, "producer")
		ids = append(ids, e.ID)
		require.NoError(t, b.Publish(ctx, "T", e))
	}

	for _, wantID := range ids {
		select {
		case e := <-sub.Events():
			assert.Equal(t, wantID, e.ID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestMockBusFullReturnsErrorWithoutPartialDelivery(t *testing.T) {
	b := NewMockBus(0)
	b.capacity = 1
	defer b.Close()
	ctx := context.Background()

	_, err := b.Subscribe(ctx, "T", "g")
	require.NoError(t, err)
	other, err := b.Subscribe(ctx, "T", "other")
	require.NoError(t, err)

	clock := event.NewClock()
	require.NoError(t, b.Publish(ctx, "T", makeEnvelope(t, clock, "producer")))
	// Drain "other" so only group "g" is full on the next publish.
	<-other.Events()
	err = b.Publish(ctx, "T", makeEnvelope(t, clock, "producer"))
	require.Error(t, err)
	assert.Len(t, other.Events(), 0, "a rejected publish must not reach any group")
}

func TestMockBusRequestReply(t *testing.T) {
	b := NewMockBus(0)
	defer b.Close()
	ctx := context.Background()
	clock := event.NewClock()

	sub, err := b.Subscribe(ctx, "svc-in", "server")
	require.NoError(t, err)
	go func() {
		req := <-sub.Events()
		reply, rerr := event.New(clock, event.TypeCompletion, "svc", event.CompletionPayload{
			Result: map[string]interface{}{"ok": true},
		}, event.Meta{SessionID: "s", IntentID: req.ID}, nil)
		require.NoError(t, rerr)
		require.NoError(t, b.Publish(ctx, "svc-in-reply", reply))
	}()

	req := makeEnvelope(t, clock, "client")
	reply, err := b.RequestReply(ctx, "svc-in", req, time.Second)
	require.NoError(t, err)
	assert.Equal(t, req.ID, reply.Meta.IntentID)
}

func TestMockBusRequestReplyTimesOut(t *testing.T) {
	b := NewMockBus(0)
	defer b.Close()
	ctx := context.Background()
	clock := event.NewClock()

	_, err := b.RequestReply(ctx, "nobody-in", makeEnvelope(t, clock, "client"), 50*time.Millisecond)
	require.Error(t, err)
}

func TestMockBusRecentRetention(t *testing.T) {
	b := NewMockBus(2)
	defer b.Close()
	ctx := context.Background()
	clock := event.NewClock()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, "T", makeEnvelope(t, clock, "producer")))
	}

	recent := b.Recent(10)
	assert.Len(t, recent, 2)
}
