// Package sentinel implements the credit sentinel (C3): per-agent and
// global resource accounting, the five-level verdict ladder, periodic
// checkpoints, and the wall-time watchdog.
package sentinel

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/r3e-network/agent-sentinel/pkg/logging"
	"github.com/r3e-network/agent-sentinel/pkg/metrics"
	"github.com/r3e-network/agent-sentinel/pkg/svcerrors"
)

// Verdict is the sentinel's five-level decision output.
type Verdict string

const (
	VerdictAllow      Verdict = "allow"
	VerdictWarn       Verdict = "warn"
	VerdictThrottle   Verdict = "throttle"
	VerdictCheckpoint Verdict = "checkpoint"
	VerdictAbort      Verdict = "abort"
)

// MinThrottleDelay is the minimum delay the sentinel suggests to a caller
// that receives a Throttle verdict.
const MinThrottleDelay = time.Second

// AgentLimits configures one agent's caps at registration time. A zero
// WallTimeLimitMS falls back to the sentinel's configured default; a zero
// SoftCap or HardCap leaves that cap unchecked.
type AgentLimits struct {
	SoftCap         int
	HardCap         int
	WallTimeLimitMS int
}

// CreditRecord is the per-agent accounting state.
type CreditRecord struct {
	Agent                 string
	CreditsUsed           int
	TokensUsed            int
	WallTimeMS            int
	SoftCap               int
	HardCap               int
	WallTimeLimitMS       int
	LastCheckpointCredits int
	SpawnedAt             time.Time
}

// Config mirrors the sentinel's global configuration surface
//.
type Config struct {
	GlobalHardCap      int
	CheckpointInterval int
	DefaultWallTimeMS   int
	WarnThreshold       float64
	ThrottleThreshold   float64
}

// AgentAborter is implemented by the agent runtime (C5); the sentinel
// calls it on an Abort verdict or a watchdog-detected timeout.
type AgentAborter interface {
	Abort(agent, reason string) error
}

// RunningAgentsProvider is implemented by the agent runtime; it lets the
// wall-time watchdog scan only agents currently in the "running" state
// without the sentinel owning agent state itself.
type RunningAgentsProvider interface {
	RunningAgents() []string
}

// Sentinel adjudicates tool invocations and enforces budgets. All public
// methods are safe for concurrent use; track is linearizable by a single
// mutex, giving callers a single total order over verdicts.
type Sentinel struct {
	mu sync.Mutex

	cfg                Config
	globalCreditsUsed  int
	globalAborted      bool
	agents             map[string]*CreditRecord

	audit   AuditSink
	log     *logging.Logger
	hotlog  *zap.Logger
	metrics *metrics.Metrics

	aborter  AgentAborter
	provider RunningAgentsProvider
}

// New constructs a Sentinel. hotlog may be nil, in which case a no-op zap
// logger is used (still exercising the zap dependency, just silently).
func New(cfg Config, audit AuditSink, aborter AgentAborter, hotlog *zap.Logger) *Sentinel {
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = 50
	}
	if cfg.DefaultWallTimeMS <= 0 {
		cfg.DefaultWallTimeMS = 45_000
	}
	if cfg.WarnThreshold <= 0 {
		cfg.WarnThreshold = 0.80
	}
	if cfg.ThrottleThreshold <= 0 {
		cfg.ThrottleThreshold = 0.95
	}
	if hotlog == nil {
		hotlog = zap.NewNop()
	}
	return &Sentinel{
		cfg:     cfg,
		agents:  make(map[string]*CreditRecord),
		audit:   audit,
		log:     logging.Default(),
		hotlog:  hotlog,
		metrics: metrics.Global(),
		aborter: aborter,
	}
}

// SetRunningAgentsProvider wires the agent runtime's state query, enabling
// the wall-time watchdog.
func (s *Sentinel) SetRunningAgentsProvider(p RunningAgentsProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provider = p
}

// Register creates a credit record for agent with the given limits,
// defaulting an unset wall-time limit from the sentinel's configuration;
// the caps are taken as given. Re-registering
// an already-known agent is a no-op (credit records exist for process
// lifetime).
func (s *Sentinel) Register(agent string, limits AgentLimits) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[agent]; ok {
		return
	}
	s.agents[agent] = &CreditRecord{
		Agent:           agent,
		SoftCap:         limits.SoftCap,
		HardCap:         limits.HardCap,
		WallTimeLimitMS: orDefault(limits.WallTimeLimitMS, s.cfg.DefaultWallTimeMS),
		SpawnedAt:       time.Now(),
	}
}

func orDefault(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func (s *Sentinel) recordLocked(agent string) *CreditRecord {
	rec, ok := s.agents[agent]
	if !ok {
		rec = &CreditRecord{
			Agent:           agent,
			WallTimeLimitMS: s.cfg.DefaultWallTimeMS,
			SpawnedAt:       time.Now(),
		}
		s.agents[agent] = rec
	}
	return rec
}

// Track adjudicates one proposed tool invocation. credits and tokens are non-negative costs the
// caller is proposing to spend; wallTimeMS is the caller-reported
// cumulative wall-clock time consumed by the agent so far.
func (s *Sentinel) Track(agent, tool string, credits, tokens, wallTimeMS int) (Verdict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.recordLocked(agent)
	if wallTimeMS > rec.WallTimeMS {
		rec.WallTimeMS = wallTimeMS
	}

	verdict := s.decideLocked(rec, credits)

	if verdict == VerdictAbort {
		s.hotlog.Warn("abort",
			zap.String("agent", agent), zap.String("tool", tool),
			zap.Int("credits", credits), zap.Int("tokens", tokens))
		s.metrics.VerdictsTotal.WithLabelValues(agent, string(verdict)).Inc()
		s.writeAudit(agent, tool, verdict, rec, credits, tokens)
		if s.aborter != nil {
			_ = s.aborter.Abort(agent, "credit sentinel abort")
		}
		return verdict, nil
	}

	rec.CreditsUsed += credits
	rec.TokensUsed += tokens
	s.globalCreditsUsed += credits

	if verdict == VerdictCheckpoint {
		rec.LastCheckpointCredits = rec.CreditsUsed
	}

	s.metrics.VerdictsTotal.WithLabelValues(agent, string(verdict)).Inc()
	s.metrics.CreditsUsedTotal.WithLabelValues(agent).Add(float64(credits))
	s.hotlog.Info("verdict",
		zap.String("agent", agent), zap.String("tool", tool), zap.String("verdict", string(verdict)),
		zap.Int("credits_used", rec.CreditsUsed))
	s.writeAudit(agent, tool, verdict, rec, credits, tokens)

	return verdict, nil
}

// decideLocked implements the seven-step credit decision ladder exactly in
// order; the first matching rule wins.
func (s *Sentinel) decideLocked(rec *CreditRecord, credits int) Verdict {
	if s.cfg.GlobalHardCap > 0 && s.globalCreditsUsed+credits > s.cfg.GlobalHardCap {
		s.globalAborted = true
		return VerdictAbort
	}
	if rec.HardCap > 0 && rec.CreditsUsed+credits > rec.HardCap {
		return VerdictAbort
	}
	if rec.WallTimeLimitMS > 0 && rec.WallTimeMS > rec.WallTimeLimitMS {
		return VerdictAbort
	}
	if rec.SoftCap > 0 && ratio(rec.CreditsUsed+credits, rec.SoftCap) > s.cfg.ThrottleThreshold {
		return VerdictThrottle
	}
	if (rec.CreditsUsed+credits)-rec.LastCheckpointCredits >= s.cfg.CheckpointInterval {
		return VerdictCheckpoint
	}
	if rec.SoftCap > 0 && ratio(rec.CreditsUsed+credits, rec.SoftCap) > s.cfg.WarnThreshold {
		return VerdictWarn
	}
	return VerdictAllow
}

func ratio(numerator, denominator int) float64 {
	if denominator == 0 {
		return 0
	}
	return float64(numerator) / float64(denominator)
}

func (s *Sentinel) writeAudit(agent, tool string, verdict Verdict, rec *CreditRecord, credits, tokens int) {
	if s.audit == nil {
		return
	}
	row := AuditRow{
		TeamID:     "default",
		Timestamp:  time.Now().UTC(),
		Agent:      agent,
		Tokens:     int64(tokens),
		Credits:    int64(credits),
		WallTimeMS: int64(rec.WallTimeMS),
		Tool:       tool,
		Verdict:    string(verdict),
	}
	if err := s.audit.Record(row); err != nil {
		s.log.WithError(err).Warn("sentinel: audit sink write failed")
	}
}

// Snapshot returns a copy of each agent's current CreditRecord, used by the
// session snapshotter (C6). Records are copied to preserve the sentinel's
// exclusive-ownership invariant.
func (s *Sentinel) Snapshot() map[string]CreditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]CreditRecord, len(s.agents))
	for name, rec := range s.agents {
		out[name] = *rec
	}
	return out
}

// GlobalCreditsUsed reports the current sum over all agents.
func (s *Sentinel) GlobalCreditsUsed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.globalCreditsUsed
}

// GlobalAborted reports whether the global hard cap has ever been crossed
// this session. The orchestrator halts a running cycle when this becomes
// true.
func (s *Sentinel) GlobalAborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.globalAborted
}

// ErrNotRegistered is the error value for an agent the sentinel has never
// observed. Track does not return it: it creates a record on first sight.
var ErrNotRegistered = svcerrors.New(svcerrors.ErrCodeConfiguration, "agent not registered with sentinel")
