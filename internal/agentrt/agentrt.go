// Package agentrt implements the agent runtime (C5): spawning,
// supervising, restarting, and shutting down agent workers; routing
// messages between them and the bus; and enforcing sentinel verdicts
//.
package agentrt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/r3e-network/agent-sentinel/internal/bus"
	"github.com/r3e-network/agent-sentinel/internal/event"
	"github.com/r3e-network/agent-sentinel/internal/lockmgr"
	"github.com/r3e-network/agent-sentinel/internal/sentinel"
	"github.com/r3e-network/agent-sentinel/pkg/logging"
	"github.com/r3e-network/agent-sentinel/pkg/metrics"
	"github.com/r3e-network/agent-sentinel/pkg/ratelimit"
	"github.com/r3e-network/agent-sentinel/pkg/resilience"
)

// State is one of the agent supervisor's five states.
type State string

const (
	StateSpawning  State = "spawning"
	StateRunning   State = "running"
	StateThrottled State = "throttled"
	StateAborting  State = "aborting"
	StateDead      State = "dead"
)

// WorkerFunc is the pluggable per-message handler a spawned agent runs.
// Individual agent behavior is an external collaborator; the
// runtime only owns lifecycle and message routing around it. A non-nil out
// is published to the agent's output topic; credits/tokens are the
// estimated cost of handling in, reported to the sentinel via Track.
type WorkerFunc func(ctx context.Context, in *event.Envelope) (out *event.Envelope, credits, tokens int, err error)

// Spec describes one agent to spawn.
type Spec struct {
	Name   string
	Work   WorkerFunc
	Limits sentinel.AgentLimits
}

// Config mirrors the runtime's configuration surface.
type Config struct {
	CancellationGraceMS int
	MaxRestarts         int
}

// Record is the runtime's view of one spawned agent.
type Record struct {
	Name           string
	State          State
	RestartCount   int
	LastCheckpoint string
	Warnings       []Warning
}

// Warning is a level-tagged condition surfaced in the next session summary
//.
type Warning struct {
	Level   string // info|warn|error
	Message string
	At      time.Time
}

type agentState struct {
	mu       sync.Mutex
	rec      Record
	spec     Spec
	cancel   context.CancelFunc
	done     chan struct{}
	sub      *bus.Subscription
}

// Runtime owns every agent record and drives their lifecycles.
type Runtime struct {
	mu      sync.Mutex
	agents  map[string]*agentState
	cfg     Config
	bus     bus.Bus
	sent    *sentinel.Sentinel
	locks   *lockmgr.Manager
	limiter *ratelimit.Limiter
	log     *logging.Logger
	metrics *metrics.Metrics
}

// New constructs a Runtime wired to the given bus, sentinel, and lock
// manager. It registers itself with the sentinel as the
// RunningAgentsProvider; the sentinel's AgentAborter is whatever was passed
// to sentinel.New.
func New(cfg Config, b bus.Bus, sent *sentinel.Sentinel, locks *lockmgr.Manager) *Runtime {
	if cfg.CancellationGraceMS <= 0 {
		cfg.CancellationGraceMS = 5_000
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = 3
	}
	rt := &Runtime{
		agents:  make(map[string]*agentState),
		cfg:     cfg,
		bus:     b,
		sent:    sent,
		locks:   locks,
		limiter: ratelimit.New(ratelimit.DefaultConfig()),
		log:     logging.Default(),
		metrics: metrics.Global(),
	}
	if sent != nil {
		sent.SetRunningAgentsProvider(rt)
	}
	return rt
}

// SetSentinel wires the sentinel after construction, for callers that must
// build a Runtime first to satisfy the sentinel's AgentAborter dependency
// (the two types depend on each other's interfaces).
func (rt *Runtime) SetSentinel(sent *sentinel.Sentinel) {
	rt.mu.Lock()
	rt.sent = sent
	rt.mu.Unlock()
	sent.SetRunningAgentsProvider(rt)
}

// RunningAgents implements sentinel.RunningAgentsProvider.
func (rt *Runtime) RunningAgents() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var names []string
	for name, a := range rt.agents {
		a.mu.Lock()
		if a.rec.State == StateRunning {
			names = append(names, name)
		}
		a.mu.Unlock()
	}
	return names
}

// Abort implements sentinel.AgentAborter and lockmgr.AgentAborter: it is
// called when the sentinel or lock manager decides this agent must stop.
// Abort-induced deaths are never restarted within the same session
//.
func (rt *Runtime) Abort(agent, reason string) error {
	return rt.stop(agent, reason, false)
}

// Spawn creates the agent record, subscribes its worker to "<name>-in",
// starts its main loop, and registers it with the sentinel.
func (rt *Runtime) Spawn(ctx context.Context, spec Spec) error {
	rt.mu.Lock()
	if _, exists := rt.agents[spec.Name]; exists {
		rt.mu.Unlock()
		return fmt.Errorf("agentrt: agent %q already spawned", spec.Name)
	}
	a := &agentState{
		rec:  Record{Name: spec.Name, State: StateSpawning},
		spec: spec,
		done: make(chan struct{}),
	}
	rt.agents[spec.Name] = a
	rt.mu.Unlock()

	if rt.sent != nil {
		rt.sent.Register(spec.Name, spec.Limits)
	}

	sub, err := rt.bus.Subscribe(ctx, spec.Name+"-in", spec.Name)
	if err != nil {
		a.mu.Lock()
		a.rec.State = StateDead
		a.mu.Unlock()
		return fmt.Errorf("agentrt: subscribe %s-in: %w", spec.Name, err)
	}
	a.sub = sub

	workerCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.mu.Lock()
	a.rec.State = StateRunning
	a.mu.Unlock()
	rt.metrics.AgentsTotal.Inc()
	rt.setStateMetric(spec.Name, StateRunning)

	go rt.mainLoop(workerCtx, a)
	return nil
}

func (rt *Runtime) setStateMetric(agent string, s State) {
	for _, candidate := range []State{StateSpawning, StateRunning, StateThrottled, StateAborting, StateDead} {
		v := 0.0
		if candidate == s {
			v = 1.0
		}
		rt.metrics.AgentState.WithLabelValues(agent, string(candidate)).Set(v)
	}
}

func (rt *Runtime) mainLoop(ctx context.Context, a *agentState) {
	defer close(a.done)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-a.sub.Events():
			if !ok {
				return
			}
			rt.handleMessage(ctx, a, msg)
		}
	}
}

func (rt *Runtime) handleMessage(ctx context.Context, a *agentState, msg *event.Envelope) {
	name := a.spec.Name

	out, credits, tokens, err := a.spec.Work(ctx, msg)
	if err != nil {
		rt.addWarning(a, "error", fmt.Sprintf("worker error: %v", err))
		_ = rt.stop(name, "unhandled worker error", true)
		return
	}

	if rt.sent != nil {
		verdict, verr := rt.sent.Track(name, "message", credits, tokens, 0)
		if verr == nil {
			switch verdict {
			case sentinel.VerdictThrottle:
				rt.transition(a, StateThrottled)
				rt.setStateMetric(name, StateThrottled)
				_ = ratelimit.ThrottleDelay(ctx, sentinel.MinThrottleDelay)
				rt.transition(a, StateRunning)
				rt.setStateMetric(name, StateRunning)
			case sentinel.VerdictCheckpoint:
				a.mu.Lock()
				a.rec.LastCheckpoint = msg.ID
				a.mu.Unlock()
			case sentinel.VerdictAbort:
				// The sentinel already invoked Abort via the AgentAborter
				// callback; nothing further to do here.
				return
			}
		}
	}

	if out != nil {
		if perr := rt.bus.Publish(ctx, name+"-out", out); perr != nil {
			rt.addWarning(a, "warn", fmt.Sprintf("publish to %s-out failed: %v", name, perr))
		}
	}
}

func (rt *Runtime) transition(a *agentState, s State) {
	a.mu.Lock()
	a.rec.State = s
	a.mu.Unlock()
}

func (rt *Runtime) addWarning(a *agentState, level, message string) {
	a.mu.Lock()
	a.rec.Warnings = append(a.rec.Warnings, Warning{Level: level, Message: message, At: time.Now()})
	a.mu.Unlock()
}

// Terminate transitions agent to aborting, releases its locks, unsubscribes
// it, and runs cleanup. It is never restarted by this call.
func (rt *Runtime) Terminate(agent string) error {
	return rt.stop(agent, "terminated", false)
}

func (rt *Runtime) stop(agent, reason string, restartable bool) error {
	rt.mu.Lock()
	a, ok := rt.agents[agent]
	rt.mu.Unlock()
	if !ok {
		return fmt.Errorf("agentrt: unknown agent %q", agent)
	}

	a.mu.Lock()
	if a.rec.State == StateDead || a.rec.State == StateAborting {
		a.mu.Unlock()
		return nil
	}
	a.rec.State = StateAborting
	a.mu.Unlock()
	rt.setStateMetric(agent, StateAborting)

	if a.cancel != nil {
		a.cancel()
	}

	grace := time.Duration(rt.cfg.CancellationGraceMS) * time.Millisecond
	select {
	case <-a.done:
	case <-time.After(grace):
		rt.addWarning(a, "error", "hard kill: worker did not yield within cancellation grace period")
	}

	if rt.locks != nil {
		rt.locks.ReleaseAll(agent)
	}
	if a.sub != nil {
		_ = a.sub.Close()
	}

	a.mu.Lock()
	a.rec.State = StateDead
	a.mu.Unlock()
	rt.setStateMetric(agent, StateDead)
	rt.metrics.AgentsTotal.Dec()

	rt.log.WithFields(map[string]interface{}{"agent": agent, "reason": reason}).Info("agentrt: agent stopped")

	if restartable {
		go rt.maybeRestart(a)
	}
	return nil
}

// maybeRestart retries spawning the agent up to Config.MaxRestarts times
// with the same exponential backoff schedule bus retries use.
func (rt *Runtime) maybeRestart(a *agentState) {
	a.mu.Lock()
	count := a.rec.RestartCount
	a.mu.Unlock()

	if count >= rt.cfg.MaxRestarts {
		rt.addWarning(a, "warn", fmt.Sprintf("restart budget (%d) exhausted; agent remains dead", rt.cfg.MaxRestarts))
		return
	}

	time.Sleep(restartBackoff(count))

	a.mu.Lock()
	a.rec.RestartCount++
	a.mu.Unlock()
	rt.metrics.AgentRestartsTotal.WithLabelValues(a.spec.Name).Inc()

	rt.mu.Lock()
	delete(rt.agents, a.spec.Name)
	rt.mu.Unlock()

	if err := rt.Spawn(context.Background(), a.spec); err != nil {
		rt.log.WithError(err).Warn("agentrt: restart failed")
		return
	}
	// Spawn builds a fresh record; carry the restart count over so the
	// MaxRestarts budget spans every restart of this agent.
	rt.mu.Lock()
	next := rt.agents[a.spec.Name]
	rt.mu.Unlock()
	if next != nil {
		next.mu.Lock()
		next.rec.RestartCount = count + 1
		next.mu.Unlock()
	}
}

// restartBackoff computes the delay before the (attempt+1)-th restart,
// reusing the same exponential schedule pkg/resilience.DefaultRetryConfig
// applies to bus retries.
func restartBackoff(attempt int) time.Duration {
	cfg := resilience.DefaultRetryConfig()
	d := cfg.InitialDelay
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * cfg.Multiplier)
		if d > cfg.MaxDelay {
			return cfg.MaxDelay
		}
	}
	return d
}

// Health reports every agent's current state and accounting snapshot, with
// an additional best-effort ResourceUsage sample.
func (rt *Runtime) Health() map[string]Health {
	rt.mu.Lock()
	names := make([]*agentState, 0, len(rt.agents))
	for _, a := range rt.agents {
		names = append(names, a)
	}
	rt.mu.Unlock()

	usage, err := sampleResourceUsage()

	out := make(map[string]Health, len(names))
	for _, a := range names {
		a.mu.Lock()
		h := Health{
			State:        a.rec.State,
			RestartCount: a.rec.RestartCount,
		}
		a.mu.Unlock()
		if err == nil {
			h.Resources = usage
		} else {
			h.ResourceWarning = "unavailable"
		}
		out[a.spec.Name] = h
	}
	return out
}

// Health is one agent's reported health.
type Health struct {
	State           State
	RestartCount    int
	Resources       ResourceUsage
	ResourceWarning string
}

// Records returns a copy of every agent's Record, for the session
// snapshotter.
func (rt *Runtime) Records() map[string]Record {
	rt.mu.Lock()
	agents := make([]*agentState, 0, len(rt.agents))
	for _, a := range rt.agents {
		agents = append(agents, a)
	}
	rt.mu.Unlock()

	out := make(map[string]Record, len(agents))
	for _, a := range agents {
		a.mu.Lock()
		rec := a.rec
		rec.Warnings = append([]Warning(nil), a.rec.Warnings...)
		a.mu.Unlock()
		out[a.spec.Name] = rec
	}
	return out
}

// Shutdown drains all agents with sequential Terminate calls. The agents
// are taken from the runtime's map, so they are terminated in no defined
// order; no dependency order between agents is applied.
func (rt *Runtime) Shutdown() {
	rt.mu.Lock()
	names := make([]string, 0, len(rt.agents))
	for name := range rt.agents {
		names = append(names, name)
	}
	rt.mu.Unlock()

	for _, name := range names {
		_ = rt.Terminate(name)
	}
}
