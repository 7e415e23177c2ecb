// Package orchestrator implements the per-cycle driver (C7): budget check,
// root task creation, inter-agent message forwarding, cycle termination,
// and requesting a final session snapshot.
package orchestrator

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/dop251/goja"
	"github.com/tidwall/gjson"

	"github.com/r3e-network/agent-sentinel/internal/agentrt"
	"github.com/r3e-network/agent-sentinel/internal/bus"
	"github.com/r3e-network/agent-sentinel/internal/event"
	"github.com/r3e-network/agent-sentinel/internal/external"
	"github.com/r3e-network/agent-sentinel/internal/sentinel"
	"github.com/r3e-network/agent-sentinel/internal/snapshot"
	"github.com/r3e-network/agent-sentinel/pkg/logging"
)

// WiringRule forwards events observed on From to To, optionally gated by a
// goja-evaluated boolean guard expression.
type WiringRule struct {
	From string
	To   string
	When string
}

// Config configures one Orchestrator.
type Config struct {
	SessionID     string
	BuildID       string
	FirstAgent    string
	RootTool      string
	Wiring        []WiringRule
	CycleDeadline time.Duration

	// TerminalAgent, if set, restricts root-task completion detection to a
	// completion event published by this agent specifically. A wired chain
	// of agents typically has every intermediate hop also publish a
	// completion event tagged with the root task's intent id as it forwards
	// work along; without TerminalAgent the cycle would end the moment the
	// first hop reports done, rather than when the chain actually finishes.
	TerminalAgent string
}

// HaltReason identifies why a cycle halted without completing, so callers
// can branch on it instead of matching Result.Reason's human-readable text.
type HaltReason string

const (
	HaltReasonNone        HaltReason = ""
	HaltReasonLowRunway   HaltReason = "low_runway"
	HaltReasonGlobalAbort HaltReason = "global_abort"
	HaltReasonDeadline    HaltReason = "deadline_exceeded"
)

// Result is what one cycle returns.
type Result struct {
	Halted     bool
	HaltReason HaltReason
	Reason     string
	Summary    snapshot.Summary
	Completed  bool
}

// Orchestrator drives one or more cycles over a fixed set of wired
// components.
type Orchestrator struct {
	cfg       Config
	bus       bus.Bus
	sent      *sentinel.Sentinel
	runtime   *agentrt.Runtime
	collector *snapshot.Collector
	treasury  external.Treasury
	clock     *event.Clock
	log       *logging.Logger
}

// New builds an Orchestrator wired to the live components.
func New(cfg Config, b bus.Bus, sent *sentinel.Sentinel, runtime *agentrt.Runtime, collector *snapshot.Collector, treasury external.Treasury) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		bus:       b,
		sent:      sent,
		runtime:   runtime,
		collector: collector,
		treasury:  treasury,
		clock:     event.NewClock(),
		log:       logging.Default(),
	}
}

// RunCycle executes one full cycle: budget check, root task
// creation, observation/forwarding until a termination condition fires,
// then a final snapshot request.
func (o *Orchestrator) RunCycle(ctx context.Context) (Result, error) {
	if halted, reason := o.checkBudget(ctx); halted {
		summary, err := o.snapshotNow(ctx)
		return Result{Halted: true, HaltReason: HaltReasonLowRunway, Reason: reason, Summary: summary}, err
	}

	deadline := o.cfg.CycleDeadline
	if deadline <= 0 {
		deadline = 10 * time.Minute
	}
	cycleCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	rootID, err := o.publishRootTask(cycleCtx)
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator: publish root task: %w", err)
	}

	subs, err := o.subscribeWiring(cycleCtx)
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator: subscribe wiring: %w", err)
	}
	defer func() {
		for _, s := range subs {
			_ = s.Close()
		}
	}()

	result := o.observe(cycleCtx, rootID, subs)

	summary, err := o.snapshotNow(ctx)
	result.Summary = summary
	return result, err
}

func (o *Orchestrator) checkBudget(ctx context.Context) (bool, string) {
	if o.treasury == nil {
		return false, ""
	}
	days, err := o.treasury.RunwayDays(ctx)
	if err != nil {
		return false, ""
	}
	if days < external.MinRunwayDays {
		o.log.WithFields(map[string]interface{}{"runway_days": days}).
			Warn("orchestrator: insufficient runway, halting cycle (summon signal)")
		return true, fmt.Sprintf("insufficient runway: %d days remaining", days)
	}
	return false, ""
}

func (o *Orchestrator) publishRootTask(ctx context.Context) (string, error) {
	env, err := event.New(o.clock, event.TypeToolCall, "orchestrator",
		event.ToolCallPayload{Tool: o.cfg.RootTool},
		event.Meta{SessionID: o.cfg.SessionID}, nil)
	if err != nil {
		return "", err
	}
	if err := o.bus.Publish(ctx, o.cfg.FirstAgent+"-in", env); err != nil {
		return "", err
	}
	return env.ID, nil
}

func (o *Orchestrator) subscribeWiring(ctx context.Context) ([]*bus.Subscription, error) {
	seen := make(map[string]bool)
	var subs []*bus.Subscription
	for _, rule := range o.cfg.Wiring {
		if seen[rule.From] {
			continue
		}
		seen[rule.From] = true
		sub, err := o.bus.Subscribe(ctx, rule.From, "orchestrator")
		if err != nil {
			return subs, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (o *Orchestrator) observe(ctx context.Context, rootID string, subs []*bus.Subscription) Result {
	cases := make([]<-chan *event.Envelope, len(subs))
	for i, s := range subs {
		cases[i] = s.Events()
	}

	for {
		select {
		case <-ctx.Done():
			return Result{Halted: true, HaltReason: HaltReasonDeadline, Reason: "cycle deadline exceeded"}
		default:
		}

		if o.sent != nil && o.sent.GlobalAborted() {
			return Result{Halted: true, HaltReason: HaltReasonGlobalAbort, Reason: "global credit abort"}
		}
		if o.allAgentsDead() {
			return Result{Completed: true, Reason: "all agents dead"}
		}

		env, ok := recvAny(ctx, cases)
		if !ok {
			continue
		}

		if env.Type == event.TypeCompletion && env.Meta.IntentID == rootID && o.isTerminal(env) {
			return Result{Completed: true, Reason: "root task completed"}
		}

		o.forward(ctx, env)
	}
}

// recvAny blocks on every channel in cases plus ctx.Done() and a short timer
// via reflect.Select, since the channel set's size is only known at runtime.
// The timer case lets observe's loop re-check global-abort/all-dead even
// when no subscription has anything pending.
func recvAny(ctx context.Context, cases []<-chan *event.Envelope) (*event.Envelope, bool) {
	timer := time.NewTimer(100 * time.Millisecond)
	defer timer.Stop()

	selectCases := make([]reflect.SelectCase, 0, len(cases)+2)
	for _, ch := range cases {
		selectCases = append(selectCases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ch)})
	}
	selectCases = append(selectCases,
		reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())},
		reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(timer.C)},
	)

	chosen, recv, ok := reflect.Select(selectCases)
	if chosen >= len(cases) || !ok {
		return nil, false
	}
	return recv.Interface().(*event.Envelope), true
}

// isTerminal reports whether env's producer is the one whose completion
// ends the cycle. With TerminalAgent unset, any producer's matching
// completion counts.
func (o *Orchestrator) isTerminal(env *event.Envelope) bool {
	return o.cfg.TerminalAgent == "" || env.Agent == o.cfg.TerminalAgent
}

func (o *Orchestrator) allAgentsDead() bool {
	if o.runtime == nil {
		return false
	}
	records := o.runtime.Records()
	if len(records) == 0 {
		return false
	}
	for _, rec := range records {
		if rec.State != agentrt.StateDead {
			return false
		}
	}
	return true
}

// forward applies every wiring rule whose From matches env's source topic
// guess (the envelope's Agent name plus "-out" convention) and republishes
// env to each rule's To topic, evaluating an optional goja guard expression
// against the envelope's JSON form first.
func (o *Orchestrator) forward(ctx context.Context, env *event.Envelope) {
	sourceTopic := env.Agent + "-out"
	raw, err := event.Encode(env)
	if err != nil {
		return
	}

	for _, rule := range o.cfg.Wiring {
		if rule.From != sourceTopic {
			continue
		}
		if rule.When != "" && !evalGuard(rule.When, raw) {
			continue
		}
		if err := o.bus.Publish(ctx, rule.To, env); err != nil {
			o.log.WithError(err).Warn("orchestrator: forward failed")
		}
	}
}

// evalGuard evaluates expr as a goja boolean expression. The only binding
// exposed to the script is a `get(path)` helper that reads the JSON in raw
// through gjson-style dotted paths.
func evalGuard(expr string, raw []byte) bool {
	vm := goja.New()
	_ = vm.Set("get", func(path string) interface{} {
		return gjson.GetBytes(raw, path).Value()
	})
	v, err := vm.RunString(expr)
	if err != nil {
		return false
	}
	return v.ToBoolean()
}

func (o *Orchestrator) snapshotNow(ctx context.Context) (snapshot.Summary, error) {
	if o.collector == nil {
		return snapshot.Summary{}, nil
	}
	return o.collector.Collect(ctx)
}
