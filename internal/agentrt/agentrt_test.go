package agentrt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/agent-sentinel/internal/bus"
	"github.com/r3e-network/agent-sentinel/internal/event"
	"github.com/r3e-network/agent-sentinel/internal/lockmgr"
	"github.com/r3e-network/agent-sentinel/internal/sentinel"
)

func newTestRuntime() (*Runtime, bus.Bus) {
	b := bus.NewMockBus(64)
	locks := lockmgr.New(nil)
	rt := New(Config{CancellationGraceMS: 200, MaxRestarts: 2}, b, nil, locks)
	sent := sentinel.New(sentinel.Config{CheckpointInterval: 1000}, nil, rt, nil)
	rt.sent = sent
	sent.SetRunningAgentsProvider(rt)
	return rt, b
}

func echoWorker(ctx context.Context, in *event.Envelope) (*event.Envelope, int, int, error) {
	return nil, 1, 1, nil
}

func TestSpawnTransitionsToRunning(t *testing.T) {
	rt, _ := newTestRuntime()
	err := rt.Spawn(context.Background(), Spec{Name: "A", Work: echoWorker})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	h := rt.Health()
	require.Contains(t, h, "A")
	assert.Equal(t, StateRunning, h["A"].State)
}

func TestSpawnDuplicateFails(t *testing.T) {
	rt, _ := newTestRuntime()
	require.NoError(t, rt.Spawn(context.Background(), Spec{Name: "A", Work: echoWorker}))
	err := rt.Spawn(context.Background(), Spec{Name: "A", Work: echoWorker})
	assert.Error(t, err)
}

func TestTerminateTransitionsToDead(t *testing.T) {
	rt, _ := newTestRuntime()
	require.NoError(t, rt.Spawn(context.Background(), Spec{Name: "A", Work: echoWorker}))
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, rt.Terminate("A"))
	h := rt.Health()
	assert.Equal(t, StateDead, h["A"].State)
}

func TestMessageRoutingPublishesToOutTopic(t *testing.T) {
	rt, b := newTestRuntime()
	worker := func(ctx context.Context, in *event.Envelope) (*event.Envelope, int, int, error) {
		clock := event.NewClock()
		out, err := event.New(clock, event.TypeCompletion, "A",
			event.CompletionPayload{Result: map[string]interface{}{"ok": true}},
			event.Meta{}, nil)
		require.NoError(t, err)
		return out, 1, 1, nil
	}
	require.NoError(t, rt.Spawn(context.Background(), Spec{Name: "A", Work: worker}))

	sub, err := b.Subscribe(context.Background(), "A-out", "test")
	require.NoError(t, err)

	clock := event.NewClock()
	in, err := event.New(clock, event.TypeToolCall, "caller",
		event.ToolCallPayload{Tool: "x", Args: nil}, event.Meta{}, nil)
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), "A-in", in))

	select {
	case got := <-sub.Events():
		assert.Equal(t, event.TypeCompletion, got.Type)
	case <-time.After(time.Second):
		t.Fatal("no message observed on A-out")
	}
}

func TestAbortDoesNotRestart(t *testing.T) {
	rt, _ := newTestRuntime()
	require.NoError(t, rt.Spawn(context.Background(), Spec{Name: "A", Work: echoWorker}))
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, rt.Abort("A", "test abort"))
	time.Sleep(20 * time.Millisecond)

	h := rt.Health()
	assert.Equal(t, StateDead, h["A"].State)
	assert.Equal(t, 0, h["A"].RestartCount)
}

func TestRestartBackoffCapsAtThirtySeconds(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, restartBackoff(0))
	assert.Equal(t, 200*time.Millisecond, restartBackoff(1))
	assert.Equal(t, 30*time.Second, restartBackoff(20))
}

func TestShutdownTerminatesAllAgents(t *testing.T) {
	rt, _ := newTestRuntime()
	require.NoError(t, rt.Spawn(context.Background(), Spec{Name: "A", Work: echoWorker}))
	require.NoError(t, rt.Spawn(context.Background(), Spec{Name: "B", Work: echoWorker}))
	time.Sleep(10 * time.Millisecond)

	rt.Shutdown()

	h := rt.Health()
	assert.Equal(t, StateDead, h["A"].State)
	assert.Equal(t, StateDead, h["B"].State)
}
