// Package lockmgr implements the lock manager (C4): exclusive named
// resource locks with FIFO waiters, wait-for graph deadlock detection, and
// victim selection.
package lockmgr

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/r3e-network/agent-sentinel/pkg/logging"
	"github.com/r3e-network/agent-sentinel/pkg/metrics"
	"github.com/r3e-network/agent-sentinel/pkg/svcerrors"
)

// PollInterval is a 500ms detection period that nothing in this package
// reads. Poller polls every second, the shortest period its cron schedule
// allows; between polls, Acquire's cycle check on each enqueue catches a
// new cycle.
const PollInterval = 500 * time.Millisecond

type holder struct {
	agent       string
	acquiredAt  time.Time
}

type waiter struct {
	agent string
	ready chan error // closed (nil) on grant, sent an error on abort-while-waiting
}

type lockRecord struct {
	resource string
	holder   *holder
	waiters  []*waiter
}

// AgentAborter is implemented by the agent runtime; the lock manager calls
// it to abort the victim of a detected deadlock.
type AgentAborter interface {
	Abort(agent, reason string) error
}

// Manager owns every lock record and runs deadlock detection. All public
// operations are linearizable via one mutex.
type Manager struct {
	mu      sync.Mutex
	records map[string]*lockRecord

	log     zerolog.Logger
	svclog  *logging.Logger
	metrics *metrics.Metrics
	aborter AgentAborter
}

// New constructs a Manager.
func New(aborter AgentAborter) *Manager {
	return &Manager{
		records: make(map[string]*lockRecord),
		log:     zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Str("component", "lockmgr").Logger(),
		svclog:  logging.Default(),
		metrics: metrics.Global(),
		aborter: aborter,
	}
}

// SetAborter wires the agent runtime after construction, for callers that
// must build a Manager before the runtime exists (the two types depend on
// each other's interfaces: the runtime takes a *Manager, the Manager calls
// back into the runtime's AgentAborter on a detected deadlock).
func (m *Manager) SetAborter(aborter AgentAborter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aborter = aborter
}

func (m *Manager) recordLocked(resource string) *lockRecord {
	rec, ok := m.records[resource]
	if !ok {
		rec = &lockRecord{resource: resource}
		m.records[resource] = rec
	}
	return rec
}

// Acquire grants agent exclusive ownership of resource, blocking if it is
// already held. The enqueue itself — not the eventual grant — is the
// operation's suspension point.
func (m *Manager) Acquire(agent, resource string) error {
	m.mu.Lock()
	rec := m.recordLocked(resource)

	if rec.holder == nil {
		rec.holder = &holder{agent: agent, acquiredAt: time.Now()}
		m.mu.Unlock()
		m.log.Debug().Str("agent", agent).Str("resource", resource).Msg("granted immediately")
		return nil
	}

	w := &waiter{agent: agent, ready: make(chan error, 1)}
	rec.waiters = append(rec.waiters, w)
	m.metrics.LockWaitersGauge.WithLabelValues(resource).Set(float64(len(rec.waiters)))
	m.checkCyclesLocked()
	m.mu.Unlock()

	err := <-w.ready
	return err
}

// Release gives up agent's hold on resource and grants it to the next FIFO
// waiter, if any. Returns a LockProtocolViolation error if agent does not
// currently hold resource.
func (m *Manager) Release(agent, resource string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[resource]
	if !ok || rec.holder == nil || rec.holder.agent != agent {
		return svcerrors.LockProtocolViolation(agent, resource, "release of a lock not held")
	}

	m.grantNextLocked(rec)
	return nil
}

// grantNextLocked must be called with mu held; it clears the current
// holder and, if a waiter is queued, grants it the lock in FIFO order.
func (m *Manager) grantNextLocked(rec *lockRecord) {
	rec.holder = nil
	if len(rec.waiters) == 0 {
		return
	}
	next := rec.waiters[0]
	rec.waiters = rec.waiters[1:]
	m.metrics.LockWaitersGauge.WithLabelValues(rec.resource).Set(float64(len(rec.waiters)))
	rec.holder = &holder{agent: next.agent, acquiredAt: time.Now()}
	next.ready <- nil
}

// ReleaseAll releases every lock agent holds and dequeues every wait it is
// queued on with an error, used by the agent runtime's terminate path
//.
func (m *Manager) ReleaseAll(agent string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range m.records {
		if rec.holder != nil && rec.holder.agent == agent {
			m.grantNextLocked(rec)
		}
		kept := rec.waiters[:0]
		for _, w := range rec.waiters {
			if w.agent == agent {
				w.ready <- svcerrors.New(svcerrors.ErrCodeDeadlock, "agent aborted while waiting")
				continue
			}
			kept = append(kept, w)
		}
		rec.waiters = kept
		m.metrics.LockWaitersGauge.WithLabelValues(rec.resource).Set(float64(len(rec.waiters)))
	}
}

// Holders returns a snapshot of resource -> holding agent, for the session
// snapshotter.
func (m *Manager) Holders() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for resource, rec := range m.records {
		if rec.holder != nil {
			out[resource] = rec.holder.agent
		}
	}
	return out
}

// Waiters returns a snapshot of resource -> ordered waiting agents, for the
// session snapshotter.
func (m *Manager) Waiters() map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]string)
	for resource, rec := range m.records {
		if len(rec.waiters) == 0 {
			continue
		}
		names := make([]string, len(rec.waiters))
		for i, w := range rec.waiters {
			names[i] = w.agent
		}
		out[resource] = names
	}
	return out
}

// PollDeadlocks runs one deadlock-detection pass and returns the agents
// aborted as victims, in no particular order. It is safe to call on a
// periodic timer or ad hoc.
func (m *Manager) PollDeadlocks() []string {
	m.mu.Lock()
	victims := m.checkCyclesLocked()
	m.mu.Unlock()
	return victims
}

// checkCyclesLocked must be called with mu held. It derives the wait-for
// graph from current holder/waiter records (never persisted), finds all
// cycles via depth-first search, selects one victim per
// cycle, and aborts it.
func (m *Manager) checkCyclesLocked() []string {
	graph := m.waitForGraphLocked()
	cycles := detectCycles(graph)
	if len(cycles) == 0 {
		return nil
	}

	var victims []string
	for _, cycle := range cycles {
		victim := selectVictim(cycle, m.acquireTimes())
		victims = append(victims, victim)
		m.metrics.DeadlocksTotal.Inc()
		m.log.Warn().Str("victim", victim).Strs("cycle", cycle).Msg("deadlock detected")
		m.abortVictimLocked(victim)
	}
	return victims
}

// waitForGraphLocked builds edges "agent A waits for agent B" from the
// current holder/waiter maps. Nodes are agent names; it is recomputed on
// every call, never cached.
func (m *Manager) waitForGraphLocked() map[string][]string {
	graph := make(map[string][]string)
	for _, rec := range m.records {
		if rec.holder == nil {
			continue
		}
		for _, w := range rec.waiters {
			graph[w.agent] = append(graph[w.agent], rec.holder.agent)
		}
	}
	return graph
}

func (m *Manager) acquireTimes() map[string]time.Time {
	times := make(map[string]time.Time)
	for _, rec := range m.records {
		if rec.holder != nil {
			if existing, ok := times[rec.holder.agent]; !ok || rec.holder.acquiredAt.After(existing) {
				times[rec.holder.agent] = rec.holder.acquiredAt
			}
		}
	}
	return times
}

// selectVictim picks the agent whose lock acquisition is most recent among
// the cycle's members, with lexicographically-greatest name as tiebreak
//.
func selectVictim(cycle []string, acquiredAt map[string]time.Time) string {
	best := cycle[0]
	for _, agent := range cycle[1:] {
		bt, bok := acquiredAt[best]
		at, aok := acquiredAt[agent]
		switch {
		case aok && !bok:
			best = agent
		case aok && bok && at.After(bt):
			best = agent
		case aok && bok && at.Equal(bt) && agent > best:
			best = agent
		}
	}
	return best
}

// abortVictimLocked releases every lock the victim holds (re-granting
// waiters in FIFO order) and dequeues every wait it is queued on, then
// signals the runtime to abort it. Must be called with mu held.
func (m *Manager) abortVictimLocked(victim string) {
	for _, rec := range m.records {
		if rec.holder != nil && rec.holder.agent == victim {
			m.grantNextLocked(rec)
		}
		kept := rec.waiters[:0]
		for _, w := range rec.waiters {
			if w.agent == victim {
				w.ready <- svcerrors.Deadlock(victim, nil)
				continue
			}
			kept = append(kept, w)
		}
		rec.waiters = kept
	}
	if m.aborter != nil {
		_ = m.aborter.Abort(victim, "deadlock detected; victim aborted")
	}
}

// detectCycles runs DFS over graph and returns one slice of agent names
// per distinct cycle found.
func detectCycles(graph map[string][]string) [][]string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	var stack []string
	var cycles [][]string

	nodes := make([]string, 0, len(graph))
	for n := range graph {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	var visit func(node string)
	visit = func(node string) {
		color[node] = gray
		stack = append(stack, node)

		for _, next := range graph[node] {
			switch color[next] {
			case white:
				visit(next)
			case gray:
				cycles = append(cycles, extractCycle(stack, next))
			}
		}

		stack = stack[:len(stack)-1]
		color[node] = black
	}

	for _, n := range nodes {
		if color[n] == white {
			visit(n)
		}
	}
	return dedupeCycles(cycles)
}

func extractCycle(stack []string, start string) []string {
	for i, n := range stack {
		if n == start {
			cycle := make([]string, len(stack)-i)
			copy(cycle, stack[i:])
			return cycle
		}
	}
	return nil
}

func dedupeCycles(cycles [][]string) [][]string {
	seen := make(map[string]bool)
	var out [][]string
	for _, c := range cycles {
		if len(c) == 0 {
			continue
		}
		sorted := append([]string(nil), c...)
		sort.Strings(sorted)
		key := ""
		for _, s := range sorted {
			key += s + ","
		}
		if !seen[key] {
			seen[key] = true
			out = append(out, c)
		}
	}
	return out
}
