package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/agent-sentinel/internal/agentrt"
	"github.com/r3e-network/agent-sentinel/internal/bus"
	"github.com/r3e-network/agent-sentinel/internal/event"
	"github.com/r3e-network/agent-sentinel/internal/external"
	"github.com/r3e-network/agent-sentinel/internal/lockmgr"
	"github.com/r3e-network/agent-sentinel/internal/sentinel"
)

func newTestOrchestrator(t *testing.T, wiring []WiringRule, treasury external.Treasury) (*Orchestrator, *agentrt.Runtime, bus.Bus) {
	b := bus.NewMockBus(64)
	locks := lockmgr.New(nil)
	rt := agentrt.New(agentrt.Config{CancellationGraceMS: 200, MaxRestarts: 1}, b, nil, locks)
	sent := sentinel.New(sentinel.Config{CheckpointInterval: 1000, GlobalHardCap: 1000}, nil, rt, nil)

	cfg := Config{
		SessionID:     "s1",
		BuildID:       "b1",
		FirstAgent:    "A",
		RootTool:      "plan",
		Wiring:        wiring,
		CycleDeadline: 500 * time.Millisecond,
	}
	orch := New(cfg, b, sent, rt, nil, treasury)
	return orch, rt, b
}

func echoToB(ctx context.Context, in *event.Envelope) (*event.Envelope, int, int, error) {
	return nil, 1, 1, nil
}

func TestRunCycleHaltsOnLowRunway(t *testing.T) {
	treasury := external.NewStaticTreasury(10, 10)
	orch, _, _ := newTestOrchestrator(t, nil, treasury)

	result, err := orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Halted)
	assert.Equal(t, HaltReasonLowRunway, result.HaltReason)
	assert.Contains(t, result.Reason, "runway")
}

func TestRunCycleCompletesWhenAllAgentsDie(t *testing.T) {
	treasury := external.NewStaticTreasury(100000, 1)
	orch, rt, _ := newTestOrchestrator(t, nil, treasury)

	require.NoError(t, rt.Spawn(context.Background(), agentrt.Spec{Name: "A", Work: echoToB}))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, rt.Terminate("A"))

	result, err := orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Completed)
}

func TestRunCycleHaltsOnDeadline(t *testing.T) {
	treasury := external.NewStaticTreasury(100000, 1)
	orch, rt, _ := newTestOrchestrator(t, nil, treasury)
	orch.cfg.CycleDeadline = 50 * time.Millisecond

	require.NoError(t, rt.Spawn(context.Background(), agentrt.Spec{Name: "A", Work: echoToB}))

	result, err := orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Halted)
	assert.Equal(t, HaltReasonDeadline, result.HaltReason)
	assert.Contains(t, result.Reason, "deadline")
}

func TestObserveIgnoresIntermediateStageCompletion(t *testing.T) {
	orch, _, b := newTestOrchestrator(t, []WiringRule{{From: "A-out", To: "B-in"}}, external.NewStaticTreasury(100000, 1))
	orch.cfg.TerminalAgent = "B"
	orch.cfg.CycleDeadline = 150 * time.Millisecond

	// observe listens on the wiring's From topic, same as subscribeWiring
	// would set up for it.
	aSub, err := b.Subscribe(context.Background(), "A-out", "orchestrator")
	require.NoError(t, err)
	// bIn lets the test confirm the intermediate completion was still
	// forwarded along, rather than swallowed.
	bIn, err := b.Subscribe(context.Background(), "B-in", "test")
	require.NoError(t, err)

	clock := event.NewClock()
	rootID := "root-1"
	intermediate, err := event.New(clock, event.TypeCompletion, "A",
		event.CompletionPayload{Result: map[string]interface{}{"stage": "A"}}, event.Meta{IntentID: rootID}, nil)
	require.NoError(t, err)

	// RunCycle is what applies CycleDeadline to the context; observe only
	// watches the context it is given.
	ctx, cancel := context.WithTimeout(context.Background(), orch.cfg.CycleDeadline)
	defer cancel()

	result := make(chan Result, 1)
	go func() {
		result <- orch.observe(ctx, rootID, []*bus.Subscription{aSub})
	}()

	require.NoError(t, orch.bus.Publish(context.Background(), "A-out", intermediate))

	select {
	case r := <-result:
		assert.True(t, r.Halted)
		assert.Equal(t, HaltReasonDeadline, r.HaltReason)
		assert.Contains(t, r.Reason, "deadline")
	case <-time.After(time.Second):
		t.Fatal("expected observe to halt on deadline rather than complete on intermediate stage")
	}

	select {
	case got := <-bIn.Events():
		assert.Equal(t, intermediate.ID, got.ID)
	default:
		t.Fatal("expected intermediate completion to be forwarded to B-in")
	}
}

func TestObserveCompletesOnTerminalAgentCompletion(t *testing.T) {
	orch, _, b := newTestOrchestrator(t, []WiringRule{{From: "A-out", To: "B-in"}}, external.NewStaticTreasury(100000, 1))
	orch.cfg.TerminalAgent = "B"

	clock := event.NewClock()
	rootID := "root-1"
	final, err := event.New(clock, event.TypeCompletion, "B",
		event.CompletionPayload{Result: map[string]interface{}{"stage": "B"}}, event.Meta{IntentID: rootID}, nil)
	require.NoError(t, err)

	bSub, err := b.Subscribe(context.Background(), "B-out", "orchestrator")
	require.NoError(t, err)

	result := make(chan Result, 1)
	go func() {
		result <- orch.observe(context.Background(), rootID, []*bus.Subscription{bSub})
	}()

	require.NoError(t, orch.bus.Publish(context.Background(), "B-out", final))

	select {
	case r := <-result:
		assert.True(t, r.Completed)
		assert.Equal(t, "root task completed", r.Reason)
	case <-time.After(time.Second):
		t.Fatal("expected observe to complete on terminal agent's completion")
	}
}

func TestForwardAppliesWiringRule(t *testing.T) {
	orch, _, b := newTestOrchestrator(t, []WiringRule{{From: "A-out", To: "B-in"}}, external.NewStaticTreasury(100000, 1))

	sub, err := b.Subscribe(context.Background(), "B-in", "test")
	require.NoError(t, err)

	clock := event.NewClock()
	env, err := event.New(clock, event.TypeCompletion, "A",
		event.CompletionPayload{Result: map[string]interface{}{"ok": true}}, event.Meta{}, nil)
	require.NoError(t, err)

	orch.forward(context.Background(), env)

	select {
	case got := <-sub.Events():
		assert.Equal(t, env.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("expected forwarded event on B-in")
	}
}

func TestForwardSkipsWhenGuardFails(t *testing.T) {
	orch, _, b := newTestOrchestrator(t, []WiringRule{
		{From: "A-out", To: "B-in", When: `get("payload.result.ok") === false`},
	}, external.NewStaticTreasury(100000, 1))

	sub, err := b.Subscribe(context.Background(), "B-in", "test")
	require.NoError(t, err)

	clock := event.NewClock()
	env, err := event.New(clock, event.TypeCompletion, "A",
		event.CompletionPayload{Result: map[string]interface{}{"ok": true}}, event.Meta{}, nil)
	require.NoError(t, err)

	orch.forward(context.Background(), env)

	select {
	case <-sub.Events():
		t.Fatal("expected no event forwarded when guard evaluates false")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEvalGuardTruePassesPayloadField(t *testing.T) {
	raw := []byte(`{"payload":{"result":{"ok":true}}}`)
	assert.True(t, evalGuard(`get("payload.result.ok") === true`, raw))
	assert.False(t, evalGuard(`get("payload.result.ok") === false`, raw))
}

func TestEvalGuardInvalidExpressionIsFalse(t *testing.T) {
	assert.False(t, evalGuard(`this is not valid js (((`, []byte(`{}`)))
}
